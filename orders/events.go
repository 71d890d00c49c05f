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
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/provideplatform/provide-go/api/vault"
	"github.com/provideplatform/provide-go/common/util"

	"github.com/zkmarket/compute-node/common"
	"github.com/zkmarket/compute-node/job"
	"github.com/zkmarket/compute-node/listener"
)

// fetchRevealSecret resolves the session key secret referenced by a reveal record
var fetchRevealSecret = func(record *RevealRecord) (*vault.Secret, error) {
	return vault.FetchSecret(
		util.DefaultVaultAccessJWT,
		record.VaultID,
		record.SecretID,
		map[string]interface{}{},
	)
}

// RegisterEventHandlers subscribes the order lifecycle handlers to the marketplace
// contract listener
func RegisterEventHandlers(l *listener.Listener) error {
	if err := l.Subscribe("OrderCreated", orderCreatedHandler); err != nil {
		return err
	}
	return l.Subscribe("OrderAccepted", orderAcceptedHandler)
}

// orderCreatedHandler enqueues a durable order job for a newly observed session;
// a session that already has a job, in any status, is left untouched
func orderCreatedHandler(event *listener.Event) error {
	sessionID, sessionIDOk := event.Params["sessionId"].([32]byte)
	sender, senderOk := event.Params["sender"].(ethcommon.Address)
	receiver, receiverOk := event.Params["receiver"].(ethcommon.Address)
	algorithm, algorithmOk := event.Params["algorithm"].(ethcommon.Address)
	pkAddress, pkAddressOk := event.Params["pkAddress"].(string)
	if !sessionIDOk || !senderOk || !receiverOk || !algorithmOk || !pkAddressOk {
		return fmt.Errorf("malformed OrderCreated event at block %d, log index %d", event.Log.BlockNumber, event.Log.Index)
	}

	payload := &OrderPayload{
		SessionID:             fmt.Sprintf("0x%s", hex.EncodeToString(sessionID[:])),
		DatasetOwnerAddress:   sender.Hex(),
		ReceiverAddress:       receiver.Hex(),
		AlgorithmTokenAddress: algorithm.Hex(),
		ProvingKeyReference:   pkAddress,
	}

	j, err := job.Enqueue(job.DatabaseConnection(), payload)
	if err != nil {
		if errors.Is(err, job.ErrDuplicateJob) {
			common.Log.Debugf("dropped re-observed OrderCreated event for session %s", payload.SessionID)
			return nil
		}
		return err
	}

	common.Log.Debugf("enqueued order job %s for session %s", j.ID, payload.SessionID)
	return nil
}

// orderAcceptedHandler reveals the session key on-chain once the buyer accepted
// the delivered order
func orderAcceptedHandler(event *listener.Event) error {
	sessionID, sessionIDOk := event.Params["sessionId"].([32]byte)
	if !sessionIDOk {
		return fmt.Errorf("malformed OrderAccepted event at block %d, log index %d", event.Log.BlockNumber, event.Log.Index)
	}

	requireServices()
	session := fmt.Sprintf("0x%s", hex.EncodeToString(sessionID[:]))

	// the order must have settled and produced its receipt before any reveal
	if _, err := bucket.Get(receiptKey(session)); err != nil {
		return fmt.Errorf("failed to resolve receipt for accepted session %s; %s", session, err.Error())
	}

	rawRecord, err := bucket.Get(revealKey(session))
	if err != nil {
		return fmt.Errorf("failed to resolve reveal record for session %s; %s", session, err.Error())
	}

	record := &RevealRecord{}
	if err := json.Unmarshal(rawRecord, record); err != nil {
		return fmt.Errorf("failed to parse reveal record for session %s; %s", session, err.Error())
	}

	secret, err := fetchRevealSecret(record)
	if err != nil {
		return fmt.Errorf("failed to fetch session key for session %s from vault; %s", session, err.Error())
	}

	rawKey, err := hex.DecodeString(*secret.Value)
	if err != nil || len(rawKey) != 32 {
		return fmt.Errorf("failed to decode session key for session %s", session)
	}

	var key [32]byte
	copy(key[:], rawKey)

	if _, err := submitter.Reveal(context.Background(), sessionID, key); err != nil {
		return err
	}

	common.Log.Debugf("revealed session key for session %s", session)
	return nil
}
