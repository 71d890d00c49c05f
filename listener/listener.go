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
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jinzhu/gorm"

	"github.com/zkmarket/compute-node/common"
)

// ChainClient is the narrow chain node surface the listener polls; satisfied by
// ethclient.Client
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Event is a decoded contract event dispatched to a subscribed handler
type Event struct {
	Name   string
	Params map[string]interface{}
	Log    types.Log
}

// Handler consumes a single decoded contract event; a handler failure is isolated to
// that event and never aborts the polling loop
type Handler func(event *Event) error

// Listener polls the chain for new blocks at a fixed interval and dispatches the
// target contract's events to registered handlers by event name; the poll loop is
// single-threaded and never overlaps itself
type Listener struct {
	client          ChainClient
	contractAddress ethcommon.Address
	contractABI     abi.ABI
	interval        time.Duration

	db       *gorm.DB
	cursor   *Cursor
	handlers map[string]Handler
}

// Init configures a new Listener for the given contract; the db connection persists
// the block cursor across restarts and may be nil to keep the cursor in memory only
func Init(client ChainClient, contractAddress string, contractABI abi.ABI, interval time.Duration, db *gorm.DB) *Listener {
	return &Listener{
		client:          client,
		contractAddress: ethcommon.HexToAddress(contractAddress),
		contractABI:     contractABI,
		interval:        interval,
		db:              db,
		handlers:        map[string]Handler{},
	}
}

// Subscribe registers exactly one handler for the named contract event; subscribing
// an event name the configured contract does not emit is an error
func (l *Listener) Subscribe(eventName string, handler Handler) error {
	if _, ok := l.contractABI.Events[eventName]; !ok {
		return fmt.Errorf("the %s event does not exist in the configured contract", eventName)
	}

	if _, ok := l.handlers[eventName]; ok {
		return fmt.Errorf("a handler is already subscribed to the %s event", eventName)
	}

	l.handlers[eventName] = handler
	return nil
}

// Start initializes the cursor and begins polling in a new goroutine, forever
func (l *Listener) Start() error {
	ctx := context.Background()

	cursor, err := l.resolveCursor(ctx)
	if err != nil {
		return err
	}
	l.cursor = cursor

	common.Log.Debugf("listening for %s contract events from block %d", l.contractAddress.Hex(), l.cursor.BlockNumber)

	go func() {
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()

		for range ticker.C {
			l.Tick(ctx)
		}
	}()

	return nil
}

// resolveCursor loads the persisted cursor for the contract, or initializes one from
// the current head so a first boot starts from "now"
func (l *Listener) resolveCursor(ctx context.Context) (*Cursor, error) {
	if cursor := LoadCursor(l.db, l.contractAddress.Hex()); cursor != nil {
		return cursor, nil
	}

	head, err := l.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve current block height; %s", err.Error())
	}

	return InitCursor(l.contractAddress.Hex(), head), nil
}

// Tick performs a single poll: reads the current height, fetches the contract's
// events in (lastSeen, current], dispatches each in the order returned by the node
// and advances the cursor after the batch regardless of individual handler failures;
// an RPC failure holds the cursor so the range is retried next tick
func (l *Listener) Tick(ctx context.Context) {
	current, err := l.client.BlockNumber(ctx)
	if err != nil {
		common.Log.Warningf("failed to resolve current block height; %s", err.Error())
		return
	}

	if current <= l.cursor.BlockNumber {
		return
	}

	logs, err := l.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(l.cursor.BlockNumber + 1),
		ToBlock:   new(big.Int).SetUint64(current),
		Addresses: []ethcommon.Address{l.contractAddress},
	})
	if err != nil {
		common.Log.Warningf("failed to fetch contract events in blocks %d-%d; %s", l.cursor.BlockNumber+1, current, err.Error())
		return
	}

	for i := range logs {
		l.dispatch(&logs[i])
	}

	if err := l.cursor.Advance(l.db, current); err != nil {
		common.Log.Warningf("failed to persist listener cursor at block %d; %s", current, err.Error())
	}
}

// dispatch decodes a single log and invokes the handler subscribed to its event name;
// events with no subscribed handler are ignored for forward-compatibility with
// contract upgrades
func (l *Listener) dispatch(log *types.Log) {
	defer func() {
		if r := recover(); r != nil {
			common.Log.Warningf("recovered during contract event dispatch; %s", r)
		}
	}()

	if len(log.Topics) == 0 {
		return
	}

	abiEvent, err := l.contractABI.EventByID(log.Topics[0])
	if err != nil {
		return
	}

	handler, ok := l.handlers[abiEvent.Name]
	if !ok {
		return
	}

	params := map[string]interface{}{}

	indexed := make(abi.Arguments, 0)
	for _, input := range abiEvent.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		}
	}

	if err := abi.ParseTopicsIntoMap(params, indexed, log.Topics[1:]); err != nil {
		common.Log.Warningf("failed to decode indexed params of %s event at block %d, log index %d; %s", abiEvent.Name, log.BlockNumber, log.Index, err.Error())
		return
	}

	if err := abiEvent.Inputs.NonIndexed().UnpackIntoMap(params, log.Data); err != nil {
		common.Log.Warningf("failed to decode %s event at block %d, log index %d; %s", abiEvent.Name, log.BlockNumber, log.Index, err.Error())
		return
	}

	err = handler(&Event{
		Name:   abiEvent.Name,
		Params: params,
		Log:    *log,
	})
	if err != nil {
		common.Log.Warningf("failed to process %s event at block %d, log index %d; %s", abiEvent.Name, log.BlockNumber, log.Index, err.Error())
	}
}
