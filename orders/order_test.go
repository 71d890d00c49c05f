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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zkmarket/compute-node/job"
)

const testSessionID = "0x5f6e7d8c9b0a19283746556473829100ffeeddccbbaa99887766554433221100"

func testOrderPayload() *OrderPayload {
	return &OrderPayload{
		SessionID:             testSessionID,
		DatasetOwnerAddress:   "0x1111111111111111111111111111111111111111",
		ReceiverAddress:       "0x2222222222222222222222222222222222222222",
		AlgorithmTokenAddress: "0x3333333333333333333333333333333333333333",
		ProvingKeyReference:   "ipfs://QmProvingKey",
	}
}

func TestOrderPayloadValidates(t *testing.T) {
	assert.Nil(t, testOrderPayload().Validate())
}

func TestOrderPayloadRejectsMalformedSessionID(t *testing.T) {
	payload := testOrderPayload()
	payload.SessionID = "0xdeadbeef"
	assert.NotNil(t, payload.Validate())

	payload.SessionID = "not hex"
	assert.NotNil(t, payload.Validate())
}

func TestOrderPayloadRejectsMalformedAddresses(t *testing.T) {
	payload := testOrderPayload()
	payload.AlgorithmTokenAddress = "0x123"
	assert.NotNil(t, payload.Validate())

	payload = testOrderPayload()
	payload.DatasetOwnerAddress = ""
	assert.NotNil(t, payload.Validate())
}

func TestOrderPayloadRequiresProvingKeyReference(t *testing.T) {
	payload := testOrderPayload()
	payload.ProvingKeyReference = ""
	assert.NotNil(t, payload.Validate())
}

func TestOrderPayloadIdempotencyKeyIsSessionScoped(t *testing.T) {
	payload := testOrderPayload()
	assert.Equal(t, job.QueueOrder, payload.Queue())
	assert.Equal(t, fmt.Sprintf("order:%s", testSessionID), *payload.IdempotencyKey())
}

func TestSessionIDBytesRoundTrips(t *testing.T) {
	payload := testOrderPayload()
	id, err := payload.SessionIDBytes()
	assert.Nil(t, err)
	assert.Equal(t, byte(0x5f), id[0])
	assert.Equal(t, byte(0x00), id[31])
}

func TestArtifactKeysAreSessionScoped(t *testing.T) {
	assert.Equal(t, fmt.Sprintf("%s/receipt.json", testSessionID), receiptKey(testSessionID))
	assert.Equal(t, fmt.Sprintf("%s/reveal.json", testSessionID), revealKey(testSessionID))
	assert.Equal(t, fmt.Sprintf("%s/witness", testSessionID), witnessKey(testSessionID))
	assert.Equal(t, fmt.Sprintf("%s/proof.json", testSessionID), proofKey(testSessionID))
}

func TestDatasetKeysAreChecksummedPerOwner(t *testing.T) {
	key := datasetKey("0xde709f2102306220921060314715629080e2fb77")
	assert.Equal(t, "datasets/0xDe709F2102306220921060314715629080e2fb77/data", key)

	witness := witnessInputKey("0xde709f2102306220921060314715629080e2fb77")
	assert.Equal(t, "datasets/0xDe709F2102306220921060314715629080e2fb77/witness.json", witness)
}

type fakeStore struct {
	objects map[string][]byte
}

func (s *fakeStore) Put(key string, value []byte) (*string, error) {
	s.objects[key] = value
	return &key, nil
}

func (s *fakeStore) Get(reference string) ([]byte, error) {
	value, ok := s.objects[reference]
	if !ok {
		return nil, fmt.Errorf("no object at key: %s", reference)
	}
	return value, nil
}

func TestLoadWitnessInput(t *testing.T) {
	payload := testOrderPayload()
	bucket = &fakeStore{objects: map[string][]byte{
		witnessInputKey(payload.DatasetOwnerAddress): []byte(`["337", "113569"]`),
	}}

	args, err := loadWitnessInput(payload)
	assert.Nil(t, err)
	assert.Equal(t, []string{"337", "113569"}, args)
}

func TestLoadWitnessInputRequiresPublishedVector(t *testing.T) {
	bucket = &fakeStore{objects: map[string][]byte{}}
	_, err := loadWitnessInput(testOrderPayload())
	assert.NotNil(t, err)

	payload := testOrderPayload()
	bucket = &fakeStore{objects: map[string][]byte{
		witnessInputKey(payload.DatasetOwnerAddress): []byte(`[]`),
	}}
	_, err = loadWitnessInput(payload)
	assert.NotNil(t, err)
}
