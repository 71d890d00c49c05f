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

package setup

import (
	"encoding/json"

	"github.com/gin-gonic/gin"
	uuid "github.com/kthomas/go.uuid"
	provide "github.com/provideplatform/provide-go/common"

	"github.com/zkmarket/compute-node/job"
)

// InstallAPI installs the trusted setup API handlers using the given gin engine
func InstallAPI(r *gin.Engine) {
	r.POST("/api/v1/setup", createSetupJobHandler)
	r.GET("/api/v1/setup/jobs/:id", setupJobDetailsHandler)
}

func createSetupJobHandler(c *gin.Context) {
	buf, err := c.GetRawData()
	if err != nil {
		provide.RenderError(err.Error(), 400, c)
		return
	}

	payload := &SetupPayload{}
	if err := json.Unmarshal(buf, payload); err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}

	j, err := job.Enqueue(job.DatabaseConnection(), payload)
	if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}

	provide.Render(j, 202, c)
}

func setupJobDetailsHandler(c *gin.Context) {
	jobID, err := uuid.FromString(c.Param("id"))
	if err != nil {
		provide.RenderError("invalid job id", 400, c)
		return
	}

	j := job.Find(job.DatabaseConnection(), job.QueueSetup, jobID)
	if j == nil {
		provide.RenderError("not found", 404, c)
		return
	}

	provide.Render(j, 200, c)
}
