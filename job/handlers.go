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

package job

import (
	"github.com/gin-gonic/gin"
	"github.com/jinzhu/gorm"
	uuid "github.com/kthomas/go.uuid"
	provide "github.com/provideplatform/provide-go/common"
)

func resolveJobsQuery(db *gorm.DB, queue string, status *string) *gorm.DB {
	query := db.Select("jobs.*").Where("jobs.queue = ?", queue).Order("jobs.created_at DESC")
	if status != nil {
		query = query.Where("jobs.status = ?", *status)
	}
	return query
}

// InstallAPI registers the read-only job observability API handlers with gin; this is
// the data source for the out-of-scope operator dashboard
func InstallAPI(r *gin.Engine) {
	r.GET("/api/v1/queues/:queue/jobs", listJobsHandler)
	r.GET("/api/v1/queues/:queue/jobs/:id", jobDetailsHandler)
}

// list jobs in the given queue with id, state and progress
func listJobsHandler(c *gin.Context) {
	queue := c.Param("queue")
	if queue != QueueSetup && queue != QueueOrder {
		provide.RenderError("queue not found", 404, c)
		return
	}

	var status *string
	if c.Query("status") != "" {
		s := c.Query("status")
		status = &s
	}

	db := DatabaseConnection()
	query := resolveJobsQuery(db, queue, status)

	var jobs []*Job
	provide.Paginate(c, query, &Job{}).Find(&jobs)
	provide.Render(jobs, 200, c)
}

// fetch job details, including the retained failure description of a failed job
func jobDetailsHandler(c *gin.Context) {
	jobID, err := uuid.FromString(c.Param("id"))
	if err != nil {
		provide.RenderError("bad request", 400, c)
		return
	}

	j := Find(DatabaseConnection(), c.Param("queue"), jobID)
	if j == nil {
		provide.RenderError("job not found", 404, c)
		return
	}

	provide.Render(j, 200, c)
}
