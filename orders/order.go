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
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/zkmarket/compute-node/common"
	"github.com/zkmarket/compute-node/job"
)

const orderJobType = "order"
const datasetEncoding = "aes-256-ctr"

// OrderPayload describes a single marketplace order as enqueued from an
// OrderCreated contract event; one payload is processed per session, ever
type OrderPayload struct {
	SessionID             string `json:"session_id"`
	DatasetOwnerAddress   string `json:"dataset_owner_address"`
	ReceiverAddress       string `json:"receiver_address"`
	AlgorithmTokenAddress string `json:"algorithm_token_address"`
	ProvingKeyReference   string `json:"proving_key_reference"`
}

// Queue returns the durable queue order jobs are processed on
func (p *OrderPayload) Queue() string {
	return job.QueueOrder
}

// Type returns the job type discriminator
func (p *OrderPayload) Type() string {
	return orderJobType
}

// IdempotencyKey scopes order processing to the session so redelivered or
// re-observed OrderCreated events never enqueue a second job
func (p *OrderPayload) IdempotencyKey() *string {
	return common.StringOrNil(fmt.Sprintf("order:%s", p.SessionID))
}

// Validate ensures the payload references a well-formed session and its participants
func (p *OrderPayload) Validate() error {
	if _, err := p.SessionIDBytes(); err != nil {
		return err
	}

	for name, addr := range map[string]string{
		"dataset owner address":   p.DatasetOwnerAddress,
		"receiver address":        p.ReceiverAddress,
		"algorithm token address": p.AlgorithmTokenAddress,
	} {
		if !ethcommon.IsHexAddress(addr) {
			return fmt.Errorf("invalid order payload; malformed %s: %s", name, addr)
		}
	}

	if p.ProvingKeyReference == "" {
		return fmt.Errorf("invalid order payload; proving key reference required")
	}
	return nil
}

// SessionIDBytes parses the hex session id into its on-chain bytes32 representation
func (p *OrderPayload) SessionIDBytes() ([32]byte, error) {
	var id [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(p.SessionID, "0x"))
	if err != nil || len(raw) != 32 {
		return id, fmt.Errorf("invalid order payload; malformed session id: %s", p.SessionID)
	}
	copy(id[:], raw)
	return id, nil
}

// Receipt is the delivery record persisted to the artifact bucket once an order
// settles; it is the buyer-facing summary of the computation
type Receipt struct {
	ProgramRef      string    `json:"program_ref"`
	Encoding        string    `json:"encoding"`
	RootCommitment  string    `json:"root_commitment"`
	DurationMs      int64     `json:"duration_ms"`
	ConstraintCount int       `json:"constraint_count"`
	CreatedAt       time.Time `json:"created_at"`
}

// RevealRecord holds the vault pointer to the session key so the key itself never
// touches the artifact bucket before reveal
type RevealRecord struct {
	VaultID  string `json:"vault_id"`
	SecretID string `json:"secret_id"`
}

func receiptKey(sessionID string) string {
	return fmt.Sprintf("%s/receipt.json", sessionID)
}

func revealKey(sessionID string) string {
	return fmt.Sprintf("%s/reveal.json", sessionID)
}

func witnessKey(sessionID string) string {
	return fmt.Sprintf("%s/witness", sessionID)
}

func proofKey(sessionID string) string {
	return fmt.Sprintf("%s/proof.json", sessionID)
}

func datasetKey(owner string) string {
	return fmt.Sprintf("datasets/%s/data", ethcommon.HexToAddress(owner).Hex())
}

func witnessInputKey(owner string) string {
	return fmt.Sprintf("datasets/%s/witness.json", ethcommon.HexToAddress(owner).Hex())
}
