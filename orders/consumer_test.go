//go:build unit
// +build unit

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
	"fmt"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	uuid "github.com/kthomas/go.uuid"
	"github.com/provideplatform/provide-go/api/vault"
	"github.com/stretchr/testify/assert"

	"github.com/zkmarket/compute-node/common"
	"github.com/zkmarket/compute-node/job"
	"github.com/zkmarket/compute-node/listener"
	"github.com/zkmarket/compute-node/settlement"
	zkp "github.com/zkmarket/compute-node/zkp/providers"
)

const testProgramReference = "ipfs://QmOrderProgramSource"

// installFakeServices swaps the package-level service handles for in-memory fakes;
// the sync.Once guard is burned first so requireServices never dials anything
func installFakeServices(t *testing.T, circuitFake zkp.CircuitProvider) (*fakeStore, *fakeStore, *fakeSubmitter) {
	servicesOnce.Do(func() {})
	common.WorkingDirectory = t.TempDir()

	casFake := &fakeStore{objects: map[string][]byte{}}
	bucketFake := &fakeStore{objects: map[string][]byte{}}
	submitterFake := &fakeSubmitter{programRef: testProgramReference}

	cas = casFake
	bucket = bucketFake
	circuit = circuitFake
	submitter = submitterFake
	return casFake, bucketFake, submitterFake
}

type fakeSubmitter struct {
	programRef string

	proofComputations int
	reveals           int
	revealedSession   [32]byte
	revealedKey       [32]byte
}

func (s *fakeSubmitter) ProofComputation(ctx context.Context, sessionID [32]byte, params *settlement.MerkleParams, commitments *settlement.Commitments, proof *settlement.Proof) (*types.Receipt, error) {
	s.proofComputations++
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}

func (s *fakeSubmitter) Reveal(ctx context.Context, sessionID [32]byte, key [32]byte) (*types.Receipt, error) {
	s.reveals++
	s.revealedSession = sessionID
	s.revealedKey = key
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}

func (s *fakeSubmitter) TokenURI(ctx context.Context, tokenContract string, tokenID *big.Int) (string, error) {
	return s.programRef, nil
}

type fakeCircuit struct {
	failAt  zkp.Stage
	invoked []zkp.Stage
}

func (c *fakeCircuit) run(stage zkp.Stage) (*zkp.StageResult, error) {
	c.invoked = append(c.invoked, stage)
	if stage == c.failAt {
		return nil, fmt.Errorf("%s failed: %w", stage, zkp.ErrKindToolchain)
	}
	return &zkp.StageResult{Stage: stage, ConstraintCount: 1176}, nil
}

func (c *fakeCircuit) Compile(dir string) (*zkp.StageResult, error) {
	return c.run(zkp.StageCompile)
}

func (c *fakeCircuit) Setup(dir string) (*zkp.StageResult, error) {
	return c.run(zkp.StageSetup)
}

func (c *fakeCircuit) ComputeWitness(dir string, args []string) (*zkp.StageResult, error) {
	return c.run(zkp.StageComputeWitness)
}

func (c *fakeCircuit) GenerateProof(dir string) (*zkp.StageResult, error) {
	return c.run(zkp.StageGenerateProof)
}

func (c *fakeCircuit) ExportVerifier(dir string) (*zkp.StageResult, error) {
	return c.run(zkp.StageExportVerifier)
}

func testOrderJob(t *testing.T) *job.Job {
	id, err := uuid.NewV4()
	assert.Nil(t, err)

	j := &job.Job{
		Queue: common.StringOrNil(job.QueueOrder),
		Type:  common.StringOrNil(orderJobType),
	}
	j.ID = id
	return j
}

func testAcceptedEvent(t *testing.T) *listener.Event {
	raw, err := hex.DecodeString(strings.TrimPrefix(testSessionID, "0x"))
	assert.Nil(t, err)

	var sessionID [32]byte
	copy(sessionID[:], raw)

	return &listener.Event{
		Name:   "OrderAccepted",
		Params: map[string]interface{}{"sessionId": sessionID},
	}
}

func TestWitnessFailureSkipsSettlement(t *testing.T) {
	circuitFake := &fakeCircuit{failAt: zkp.StageComputeWitness}
	casFake, bucketFake, submitterFake := installFakeServices(t, circuitFake)

	payload := testOrderPayload()
	casFake.objects[testProgramReference] = []byte(`def main(private field a) -> field { return a * a; }`)
	casFake.objects[payload.ProvingKeyReference] = []byte("proving-key-bytes")
	bucketFake.objects[witnessInputKey(payload.DatasetOwnerAddress)] = []byte(`["337", "113569"]`)

	j := testOrderJob(t)
	err := processOrder(context.Background(), nil, j, payload)
	assert.NotNil(t, err)

	j.Fail(nil, err)
	assert.Equal(t, "failed", *j.Status)
	assert.Equal(t, 0, submitterFake.proofComputations)
	assert.Equal(t, []zkp.Stage{zkp.StageCompile, zkp.StageComputeWitness}, circuitFake.invoked)

	_, err = bucketFake.Get(receiptKey(payload.SessionID))
	assert.NotNil(t, err)
}

func TestProofFailureSkipsSettlement(t *testing.T) {
	circuitFake := &fakeCircuit{failAt: zkp.StageGenerateProof}
	casFake, bucketFake, submitterFake := installFakeServices(t, circuitFake)

	payload := testOrderPayload()
	casFake.objects[testProgramReference] = []byte(`def main(private field a) -> field { return a * a; }`)
	casFake.objects[payload.ProvingKeyReference] = []byte("proving-key-bytes")
	bucketFake.objects[witnessInputKey(payload.DatasetOwnerAddress)] = []byte(`["337", "113569"]`)

	j := testOrderJob(t)
	err := processOrder(context.Background(), nil, j, payload)
	assert.NotNil(t, err)

	j.Fail(nil, err)
	assert.Equal(t, "failed", *j.Status)
	assert.Equal(t, 0, submitterFake.proofComputations)
	assert.Equal(t, 0, submitterFake.reveals)
}

func TestRevealRequiresReceipt(t *testing.T) {
	_, _, submitterFake := installFakeServices(t, &fakeCircuit{})

	err := orderAcceptedHandler(testAcceptedEvent(t))
	assert.NotNil(t, err)
	assert.Equal(t, 0, submitterFake.reveals)
}

func TestRevealRequiresRevealRecord(t *testing.T) {
	_, bucketFake, submitterFake := installFakeServices(t, &fakeCircuit{})
	bucketFake.objects[receiptKey(testSessionID)] = []byte(`{"encoding": "aes-256-ctr"}`)

	err := orderAcceptedHandler(testAcceptedEvent(t))
	assert.NotNil(t, err)
	assert.Equal(t, 0, submitterFake.reveals)
}

func TestRevealSubmitsVaultedSessionKey(t *testing.T) {
	_, bucketFake, submitterFake := installFakeServices(t, &fakeCircuit{})

	sessionKey, err := common.RandomBytes(32)
	assert.Nil(t, err)

	bucketFake.objects[receiptKey(testSessionID)] = []byte(`{"encoding": "aes-256-ctr"}`)
	rawRecord, _ := json.Marshal(&RevealRecord{VaultID: "vault-uuid", SecretID: "secret-uuid"})
	bucketFake.objects[revealKey(testSessionID)] = rawRecord

	restore := fetchRevealSecret
	defer func() { fetchRevealSecret = restore }()
	fetchRevealSecret = func(record *RevealRecord) (*vault.Secret, error) {
		assert.Equal(t, "vault-uuid", record.VaultID)
		assert.Equal(t, "secret-uuid", record.SecretID)
		return &vault.Secret{Value: common.StringOrNil(hex.EncodeToString(sessionKey))}, nil
	}

	err = orderAcceptedHandler(testAcceptedEvent(t))
	assert.Nil(t, err)
	assert.Equal(t, 1, submitterFake.reveals)

	expectedSession, _ := hex.DecodeString(strings.TrimPrefix(testSessionID, "0x"))
	assert.Equal(t, expectedSession, submitterFake.revealedSession[:])
	assert.Equal(t, sessionKey, submitterFake.revealedKey[:])
}
