/*
 * Copyright 2017-2022 Provide Technologies Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package orders

import (
	"encoding/json"

	"github.com/gin-gonic/gin"
	provide "github.com/provideplatform/provide-go/common"
)

// InstallAPI installs the order API handlers using the given gin engine
func InstallAPI(r *gin.Engine) {
	r.GET("/api/v1/orders/:sessionId/receipt", orderReceiptHandler)
}

func orderReceiptHandler(c *gin.Context) {
	requireServices()

	raw, err := bucket.Get(receiptKey(c.Param("sessionId")))
	if err != nil {
		provide.RenderError("not found", 404, c)
		return
	}

	receipt := &Receipt{}
	if err := json.Unmarshal(raw, receipt); err != nil {
		provide.RenderError("failed to parse order receipt", 500, c)
		return
	}

	provide.Render(receipt, 200, c)
}
