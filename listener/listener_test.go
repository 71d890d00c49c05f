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

package listener

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
)

const testABIJSON = `[
	{"type":"event","name":"OrderCreated","inputs":[
		{"name":"sender","type":"address","indexed":true},
		{"name":"receiver","type":"address","indexed":true},
		{"name":"algorithm","type":"address","indexed":false},
		{"name":"pkAddress","type":"string","indexed":false},
		{"name":"sessionId","type":"bytes32","indexed":false}
	]},
	{"type":"event","name":"OrderAccepted","inputs":[
		{"name":"sessionId","type":"bytes32","indexed":true}
	]}
]`

const testContractAddress = "0x3f1e2c7f6a0b4bd5c1a9e8d7f6c5b4a392817060"

type fakeChainClient struct {
	height    uint64
	heightErr error

	logs    []types.Log
	logsErr error

	queries []ethereum.FilterQuery
}

func (c *fakeChainClient) BlockNumber(ctx context.Context) (uint64, error) {
	return c.height, c.heightErr
}

func (c *fakeChainClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if c.logsErr != nil {
		return nil, c.logsErr
	}
	c.queries = append(c.queries, q)
	logs := c.logs
	c.logs = nil
	return logs, nil
}

func testListener(t *testing.T, client *fakeChainClient) (*Listener, abi.ABI) {
	contractABI, err := abi.JSON(strings.NewReader(testABIJSON))
	assert.Nil(t, err)

	l := Init(client, testContractAddress, contractABI, time.Second, nil)
	l.cursor = InitCursor(testContractAddress, 0)
	return l, contractABI
}

func orderCreatedLog(t *testing.T, contractABI abi.ABI, blockNumber uint64, logIndex uint, sessionID [32]byte) types.Log {
	ev := contractABI.Events["OrderCreated"]

	sender := ethcommon.HexToAddress("0x1111111111111111111111111111111111111111")
	receiver := ethcommon.HexToAddress("0x2222222222222222222222222222222222222222")
	algorithm := ethcommon.HexToAddress("0x3333333333333333333333333333333333333333")

	topics, err := abi.MakeTopics([]interface{}{sender}, []interface{}{receiver})
	assert.Nil(t, err)

	data, err := ev.Inputs.NonIndexed().Pack(algorithm, "ipfs://QmProvingKey", sessionID)
	assert.Nil(t, err)

	return types.Log{
		Address:     ethcommon.HexToAddress(testContractAddress),
		Topics:      []ethcommon.Hash{ev.ID, topics[0][0], topics[1][0]},
		Data:        data,
		BlockNumber: blockNumber,
		Index:       logIndex,
	}
}

func TestSubscribeRequiresKnownEvent(t *testing.T) {
	l, _ := testListener(t, &fakeChainClient{})

	err := l.Subscribe("OrderCancelled", func(event *Event) error { return nil })
	assert.NotNil(t, err)

	err = l.Subscribe("OrderCreated", func(event *Event) error { return nil })
	assert.Nil(t, err)

	err = l.Subscribe("OrderCreated", func(event *Event) error { return nil })
	assert.NotNil(t, err)
}

func TestTickDispatchesEventsInLogOrder(t *testing.T) {
	client := &fakeChainClient{height: 10}
	l, contractABI := testListener(t, client)

	first := [32]byte{0x01}
	second := [32]byte{0x02}
	client.logs = []types.Log{
		orderCreatedLog(t, contractABI, 10, 0, first),
		orderCreatedLog(t, contractABI, 10, 1, second),
	}

	dispatched := make([][32]byte, 0)
	err := l.Subscribe("OrderCreated", func(event *Event) error {
		dispatched = append(dispatched, event.Params["sessionId"].([32]byte))
		return nil
	})
	assert.Nil(t, err)

	l.Tick(context.Background())

	assert.Equal(t, [][32]byte{first, second}, dispatched)
	assert.Equal(t, uint64(10), l.cursor.BlockNumber)
}

func TestTickDecodesIndexedAndNonIndexedParams(t *testing.T) {
	client := &fakeChainClient{height: 5}
	l, contractABI := testListener(t, client)

	client.logs = []types.Log{orderCreatedLog(t, contractABI, 5, 0, [32]byte{0xab})}

	var received *Event
	err := l.Subscribe("OrderCreated", func(event *Event) error {
		received = event
		return nil
	})
	assert.Nil(t, err)

	l.Tick(context.Background())

	assert.NotNil(t, received)
	assert.Equal(t, "OrderCreated", received.Name)
	assert.Equal(t, ethcommon.HexToAddress("0x1111111111111111111111111111111111111111"), received.Params["sender"])
	assert.Equal(t, ethcommon.HexToAddress("0x2222222222222222222222222222222222222222"), received.Params["receiver"])
	assert.Equal(t, ethcommon.HexToAddress("0x3333333333333333333333333333333333333333"), received.Params["algorithm"])
	assert.Equal(t, "ipfs://QmProvingKey", received.Params["pkAddress"])
}

func TestTickPollsOnlyUnseenBlocks(t *testing.T) {
	client := &fakeChainClient{height: 8}
	l, _ := testListener(t, client)
	l.cursor = InitCursor(testContractAddress, 4)

	l.Tick(context.Background())

	assert.Len(t, client.queries, 1)
	assert.Equal(t, uint64(5), client.queries[0].FromBlock.Uint64())
	assert.Equal(t, uint64(8), client.queries[0].ToBlock.Uint64())

	// no new blocks, no further queries
	l.Tick(context.Background())
	assert.Len(t, client.queries, 1)
}

func TestTickHoldsCursorOnRPCFailure(t *testing.T) {
	client := &fakeChainClient{height: 3}
	l, contractABI := testListener(t, client)

	dispatched := 0
	err := l.Subscribe("OrderCreated", func(event *Event) error {
		dispatched++
		return nil
	})
	assert.Nil(t, err)

	client.logsErr = errors.New("connection refused")
	l.Tick(context.Background())

	assert.Equal(t, uint64(0), l.cursor.BlockNumber)
	assert.Equal(t, 0, dispatched)

	client.logsErr = nil
	client.logs = []types.Log{orderCreatedLog(t, contractABI, 2, 0, [32]byte{0x01})}
	l.Tick(context.Background())

	assert.Equal(t, uint64(3), l.cursor.BlockNumber)
	assert.Equal(t, 1, dispatched)
}

func TestTickIgnoresUnknownEvents(t *testing.T) {
	client := &fakeChainClient{height: 2}
	l, _ := testListener(t, client)

	client.logs = []types.Log{{
		Address:     ethcommon.HexToAddress(testContractAddress),
		Topics:      []ethcommon.Hash{ethcommon.HexToHash("0xdeadbeef")},
		BlockNumber: 2,
	}}

	l.Tick(context.Background())
	assert.Equal(t, uint64(2), l.cursor.BlockNumber)
}

func TestHandlerFailureDoesNotAbortBatch(t *testing.T) {
	client := &fakeChainClient{height: 6}
	l, contractABI := testListener(t, client)

	client.logs = []types.Log{
		orderCreatedLog(t, contractABI, 6, 0, [32]byte{0x01}),
		orderCreatedLog(t, contractABI, 6, 1, [32]byte{0x02}),
	}

	dispatched := 0
	err := l.Subscribe("OrderCreated", func(event *Event) error {
		dispatched++
		if dispatched == 1 {
			return errors.New("handler failed")
		}
		return nil
	})
	assert.Nil(t, err)

	l.Tick(context.Background())

	assert.Equal(t, 2, dispatched)
	assert.Equal(t, uint64(6), l.cursor.BlockNumber)
}
