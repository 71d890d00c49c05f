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
	"fmt"
	"os"
	"path/filepath"
	"sync"

	uuid "github.com/kthomas/go.uuid"
	"github.com/nats-io/nats.go"

	"github.com/zkmarket/compute-node/common"
	"github.com/zkmarket/compute-node/job"
	"github.com/zkmarket/compute-node/storage"
	storeapi "github.com/zkmarket/compute-node/storage/providers"
	zkp "github.com/zkmarket/compute-node/zkp/providers"
)

var (
	servicesOnce sync.Once
	cas          storeapi.Store
	circuit      zkp.CircuitProvider
)

var setupStageProgress = map[zkp.Stage]int{
	zkp.StageCompile:        40,
	zkp.StageSetup:          60,
	zkp.StageExportVerifier: 80,
}

func init() {
	if !common.ConsumeNATSStreamingSubscriptions {
		common.Log.Debug("setup package consumer configured to skip NATS streaming subscription setup")
		return
	}

	var waitGroup sync.WaitGroup
	job.RequireWorkerSubscriptions(&waitGroup, job.QueueSetup, common.SetupWorkerConcurrency, consumeSetupJobMsg)
}

func requireServices() {
	servicesOnce.Do(func() {
		cas = storage.Factory(storeapi.StoreProviderIPFS)
		circuit = zkp.InitZoKratesCircuitProvider(nil, nil)
	})
}

func consumeSetupJobMsg(msg *nats.Msg) {
	defer func() {
		if r := recover(); r != nil {
			common.Log.Warningf("recovered during trusted setup; %s", r)
			msg.Nak()
		}
	}()

	common.Log.Debugf("consuming %d-byte NATS pending setup message on subject: %s", len(msg.Data), msg.Subject)

	j := job.ResolveConsumedJob(msg, job.QueueSetup)
	if j == nil {
		msg.Ack()
		return
	}

	requireServices()
	db := job.DatabaseConnection()

	payload := &SetupPayload{}
	if err := j.ParsePayload(payload); err != nil {
		common.Log.Warningf("failed to parse setup job %s payload; %s", j.ID, err.Error())
		j.Fail(db, err)
		msg.Ack()
		return
	}

	if err := processSetup(j, payload); err != nil {
		common.Log.Warningf("trusted setup failed for algorithm %s; %s", payload.AlgorithmReference, err.Error())
		j.Fail(db, err)
		msg.Ack()
		return
	}

	common.Log.Debugf("trusted setup completed for algorithm %s", payload.AlgorithmReference)
	msg.Ack()
}

// processSetup runs the trusted setup pipeline for a claimed job: stage the program
// source, compile, run setup, export and rewrite the verifier, compile it and publish
// the proving key and verifier artifacts to the content-addressed store
func processSetup(j *job.Job, payload *SetupPayload) error {
	db := job.DatabaseConnection()

	// setup requests carry no idempotency key, so the working directory is scoped to
	// the job id; concurrent setups for the same receiver must not share artifacts
	dir := setupWorkingDirectory(j.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create setup working directory %s; %s", dir, err.Error())
	}

	source, err := cas.Get(payload.AlgorithmReference)
	if err != nil {
		return fmt.Errorf("failed to fetch program source %s; %s", payload.AlgorithmReference, err.Error())
	}
	if err := os.WriteFile(filepath.Join(dir, "main.zok"), source, 0o644); err != nil {
		return fmt.Errorf("failed to stage program source; %s", err.Error())
	}
	j.SetProgress(db, 20)

	constraintCount := 0
	for _, stage := range zkp.SetupPlan {
		result, err := zkp.RunStage(circuit, stage, dir, nil)
		if err != nil {
			return err
		}
		if stage == zkp.StageCompile {
			constraintCount = result.ConstraintCount
		}
		j.SetProgress(db, setupStageProgress[stage])
	}

	verifierPath := filepath.Join(dir, "verifier.sol")
	verifier, err := os.ReadFile(verifierPath)
	if err != nil {
		return fmt.Errorf("failed to read exported verifier; %s", err.Error())
	}
	verifier = rewriteVerifier(verifier)
	if err := os.WriteFile(verifierPath, verifier, 0o644); err != nil {
		return fmt.Errorf("failed to rewrite exported verifier; %s", err.Error())
	}

	artifacts, err := zkp.CompileVerifier(dir)
	if err != nil {
		return err
	}

	provingKey, err := os.ReadFile(filepath.Join(dir, "proving.key"))
	if err != nil {
		return fmt.Errorf("failed to read proving key; %s", err.Error())
	}

	references := map[string]*string{}
	for name, value := range map[string][]byte{
		"proving.key":  provingKey,
		"verifier.sol": verifier,
		"abi.json":     artifacts.ABI,
		"bytecode":     artifacts.Bytecode,
	} {
		reference, err := cas.Put(name, value)
		if err != nil {
			return fmt.Errorf("failed to publish %s artifact; %s", name, err.Error())
		}
		references[name] = reference
	}

	result := &SetupResult{
		ProvingKeyReference: *references["proving.key"],
		VerifierReference:   *references["verifier.sol"],
		ABIReference:        *references["abi.json"],
		BytecodeReference:   *references["bytecode"],
		ConstraintCount:     constraintCount,
	}
	return j.Complete(db, result)
}

func setupWorkingDirectory(jobID uuid.UUID) string {
	return filepath.Join(common.WorkingDirectory, fmt.Sprintf("setup-%s", jobID))
}
