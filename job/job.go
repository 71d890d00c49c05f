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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jinzhu/gorm"
	dbconf "github.com/kthomas/go-db-config"
	natsutil "github.com/kthomas/go-natsutil"
	redisutil "github.com/kthomas/go-redisutil"
	uuid "github.com/kthomas/go.uuid"
	provide "github.com/provideplatform/provide-go/api"

	"github.com/zkmarket/compute-node/common"
)

// QueueSetup is the queue processing circuit provisioning for algorithm owners
const QueueSetup = "setup"

// QueueOrder is the queue processing accepted marketplace orders
const QueueOrder = "order"

const statusWaiting = "waiting"
const statusActive = "active"
const statusCompleted = "completed"
const statusFailed = "failed"

// ErrDuplicateJob is returned by Enqueue when a job with the same idempotency key has
// already been created; a re-observed chain event is dropped here instead of spawning
// a second worker invocation for the same session
var ErrDuplicateJob = errors.New("duplicate job")

// Payload is a typed, per-queue job payload, validated at enqueue time
type Payload interface {
	Queue() string
	Type() string

	// IdempotencyKey returns a deterministic dedup key, or nil when the payload is
	// not session-scoped and every enqueue should yield a new job
	IdempotencyKey() *string

	Validate() error
}

// Job is a unit of queued work: delivered to at most one worker invocation at a time,
// mutated only by the worker currently owning it, never resurrected after reaching a
// terminal status
type Job struct {
	provide.Model

	Queue *string `sql:"not null" json:"queue"`
	Type  *string `sql:"not null" json:"type"`

	Payload []byte `sql:"type:jsonb" json:"payload,omitempty"`
	Result  []byte `sql:"type:jsonb" json:"result,omitempty"`

	Progress int     `sql:"not null;default:0" json:"progress"`
	Status   *string `sql:"not null;default:'waiting'" json:"status"`

	// Description retains the failure message of a failed job for inspection
	Description *string `json:"description,omitempty"`

	IdempotencyKey *string `json:"idempotency_key,omitempty"`
}

// TableName returns the jobs table name
func (j *Job) TableName() string {
	return "jobs"
}

// Enqueue validates the given payload, persists a waiting job and publishes its id on
// the queue's pending subject; returns ErrDuplicateJob when the payload's idempotency
// key has been seen before
func Enqueue(db *gorm.DB, payload Payload) (*Job, error) {
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("failed to enqueue %s job; %s", payload.Type(), err.Error())
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s job payload; %s", payload.Type(), err.Error())
	}

	j := &Job{
		Queue:          common.StringOrNil(payload.Queue()),
		Type:           common.StringOrNil(payload.Type()),
		Payload:        raw,
		Status:         common.StringOrNil(statusWaiting),
		IdempotencyKey: payload.IdempotencyKey(),
	}

	if j.IdempotencyKey == nil {
		if err := j.create(db); err != nil {
			return nil, err
		}
		return j, j.publish()
	}

	err = redisutil.WithRedlock(fmt.Sprintf("job.enqueue.%s", *j.IdempotencyKey), func() error {
		existing := &Job{}
		db.Where("idempotency_key = ?", *j.IdempotencyKey).Find(&existing)
		if existing.ID != uuid.Nil {
			return ErrDuplicateJob
		}
		return j.create(db)
	})
	if err != nil {
		return nil, err
	}

	return j, j.publish()
}

func (j *Job) create(db *gorm.DB) error {
	result := db.Create(&j)
	if errs := result.GetErrors(); len(errs) > 0 {
		return fmt.Errorf("failed to persist %s job; %s", *j.Type, errs[0].Error())
	}

	common.Log.Debugf("%s queue: job %s status changed: created -> waiting", *j.Queue, j.ID)
	return nil
}

func (j *Job) publish() error {
	payload, _ := json.Marshal(map[string]interface{}{
		"job_id": j.ID.String(),
	})

	_, err := natsutil.NatsJetstreamPublish(PendingSubject(*j.Queue), payload)
	if err != nil {
		return fmt.Errorf("failed to publish pending %s job %s; %s", *j.Queue, j.ID, err.Error())
	}
	return nil
}

// Find resolves a job by id within the given queue
func Find(db *gorm.DB, queue string, jobID uuid.UUID) *Job {
	j := &Job{}
	db.Where("queue = ? AND id = ?", queue, jobID).Find(&j)
	if j.ID == uuid.Nil {
		return nil
	}
	return j
}

// Claim transitions the job from waiting to active under a distributed lock; returns
// false for any other current status, so a redelivered message for a job that is
// already active or terminal is dropped by the consumer instead of processed twice
func (j *Job) Claim(db *gorm.DB) bool {
	claimed := false

	err := redisutil.WithRedlock(fmt.Sprintf("job.%s", j.ID), func() error {
		reloaded := &Job{}
		db.Where("id = ?", j.ID).Find(&reloaded)
		if reloaded.ID == uuid.Nil || reloaded.Status == nil || *reloaded.Status != statusWaiting {
			return nil
		}

		j.Status = common.StringOrNil(statusActive)
		result := db.Save(&j)
		if errs := result.GetErrors(); len(errs) > 0 {
			return errs[0]
		}

		claimed = true
		return nil
	})
	if err != nil {
		common.Log.Warningf("failed to claim %s job %s; %s", *j.Queue, j.ID, err.Error())
		return false
	}

	if claimed {
		common.Log.Debugf("%s queue: job %s status changed: waiting -> active", *j.Queue, j.ID)
	}

	return claimed
}

// SetProgress advances the job's advisory progress percentage; values are clamped to
// the 0-100 range and must be non-decreasing while the job is active
func (j *Job) SetProgress(db *gorm.DB, percent int) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("invalid progress percent for job %s: %d", j.ID, percent)
	}

	if percent < j.Progress {
		return fmt.Errorf("attempt to decrease progress of job %s from %d to %d", j.ID, j.Progress, percent)
	}

	j.Progress = percent
	if db != nil {
		if errs := db.Save(&j).GetErrors(); len(errs) > 0 {
			return errs[0]
		}
	}

	common.Log.Debugf("%s queue: job %s progress: %d%%", *j.Queue, j.ID, percent)
	return nil
}

// Complete marks the job completed with the given result and forces progress to 100
func (j *Job) Complete(db *gorm.DB, result interface{}) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result for job %s; %s", j.ID, err.Error())
	}

	j.Result = raw
	j.Progress = 100
	j.Status = common.StringOrNil(statusCompleted)
	if db != nil {
		if errs := db.Save(&j).GetErrors(); len(errs) > 0 {
			return errs[0]
		}
	}

	common.Log.Debugf("%s queue: job %s status changed: active -> completed", *j.Queue, j.ID)
	return nil
}

// Fail marks the job failed, retaining the failure message for inspection; the queue
// never retries automatically -- re-enqueue is an operator concern
func (j *Job) Fail(db *gorm.DB, failure error) {
	j.Status = common.StringOrNil(statusFailed)
	j.Description = common.StringOrNil(failure.Error())
	if db != nil {
		if errs := db.Save(&j).GetErrors(); len(errs) > 0 {
			common.Log.Warningf("failed to persist failure of job %s; %s", j.ID, errs[0].Error())
		}
	}

	common.Log.Warningf("%s queue: job %s status changed: active -> failed; %s", *j.Queue, j.ID, failure.Error())
}

// ParsePayload unmarshals the job payload into the given typed payload struct
func (j *Job) ParsePayload(out interface{}) error {
	if err := json.Unmarshal(j.Payload, out); err != nil {
		return fmt.Errorf("failed to parse payload of job %s; %s", j.ID, err.Error())
	}
	return nil
}

// DatabaseConnection returns the shared database connection
func DatabaseConnection() *gorm.DB {
	return dbconf.DatabaseConnection()
}
