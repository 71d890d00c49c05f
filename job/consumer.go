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
	"fmt"
	"sync"
	"time"

	natsutil "github.com/kthomas/go-natsutil"
	uuid "github.com/kthomas/go.uuid"
	"github.com/nats-io/nats.go"

	"github.com/zkmarket/compute-node/common"
)

const defaultNatsStream = "compute"

// pipeline stages block the consumer for their full duration, so the ack window has
// to cover the slowest toolchain invocation
const pendingJobAckWait = time.Hour * 1
const pendingJobMaxDeliveries = 5

// PendingSubject returns the NATS subject on which the given queue's pending job ids
// are published
func PendingSubject(queue string) string {
	return fmt.Sprintf("%s.%s.pending", defaultNatsStream, queue)
}

// RequireWorkerSubscriptions establishes the shared NATS connection, asserts the
// compute stream and creates one subscription per configured worker slot for the given
// queue; each subscription processes a single job at a time, so the subscription count
// is the queue's worker concurrency and bounds the number of simultaneous toolchain
// subprocesses
func RequireWorkerSubscriptions(wg *sync.WaitGroup, queue string, concurrency uint64, handler func(msg *nats.Msg)) {
	natsutil.EstablishSharedNatsConnection(nil)
	natsutil.NatsCreateStream(defaultNatsStream, []string{
		fmt.Sprintf("%s.>", defaultNatsStream),
	})

	subject := PendingSubject(queue)

	for i := uint64(0); i < concurrency; i++ {
		natsutil.RequireNatsJetstreamSubscription(wg,
			pendingJobAckWait,
			subject,
			subject,
			subject,
			handler,
			pendingJobAckWait,
			1,
			pendingJobMaxDeliveries,
			nil,
		)
	}
}

// ResolveConsumedJob parses a pending-job message and resolves the claimable job it
// references; returns nil when the message is malformed, the job is unknown, or the
// job is no longer in the waiting status (redelivery of an owned or terminal job)
func ResolveConsumedJob(msg *nats.Msg, queue string) *Job {
	params := map[string]interface{}{}
	err := json.Unmarshal(msg.Data, &params)
	if err != nil {
		common.Log.Warningf("failed to unmarshal pending %s job message; %s", queue, err.Error())
		return nil
	}

	jobID, jobIDOk := params["job_id"].(string)
	if !jobIDOk {
		common.Log.Warningf("failed to parse job_id from pending %s job message", queue)
		return nil
	}

	id, err := uuid.FromString(jobID)
	if err != nil {
		common.Log.Warningf("failed to parse job_id from pending %s job message; %s", queue, err.Error())
		return nil
	}

	db := DatabaseConnection()

	j := Find(db, queue, id)
	if j == nil {
		common.Log.Warningf("failed to resolve pending %s job: %s", queue, jobID)
		return nil
	}

	if !j.Claim(db) {
		common.Log.Debugf("dropped redelivered message for %s job %s; job no longer waiting", queue, jobID)
		return nil
	}

	return j
}
