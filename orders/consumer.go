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
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jinzhu/gorm"
	"github.com/nats-io/nats.go"
	"github.com/provideplatform/provide-go/api/vault"
	"github.com/provideplatform/provide-go/common/util"

	"github.com/zkmarket/compute-node/common"
	"github.com/zkmarket/compute-node/job"
	"github.com/zkmarket/compute-node/settlement"
	"github.com/zkmarket/compute-node/storage"
	storeapi "github.com/zkmarket/compute-node/storage/providers"
	zkp "github.com/zkmarket/compute-node/zkp/providers"
)

const revealKeyVaultType = "reveal_key"

// settlementSubmitter is the slice of the settlement surface the order lifecycle
// depends on
type settlementSubmitter interface {
	ProofComputation(ctx context.Context, sessionID [32]byte, params *settlement.MerkleParams, commitments *settlement.Commitments, proof *settlement.Proof) (*types.Receipt, error)
	Reveal(ctx context.Context, sessionID [32]byte, key [32]byte) (*types.Receipt, error)
	TokenURI(ctx context.Context, tokenContract string, tokenID *big.Int) (string, error)
}

var (
	servicesOnce sync.Once

	// cas holds immutable content-addressed artifacts (program source, proving keys)
	cas storeapi.Store

	// bucket holds keyed session artifacts (datasets, witnesses, proofs, receipts)
	bucket storeapi.Store

	circuit   zkp.CircuitProvider
	submitter settlementSubmitter
)

var orderStageProgress = map[zkp.Stage]int{
	zkp.StageCompile:        40,
	zkp.StageComputeWitness: 80,
}

func init() {
	if !common.ConsumeNATSStreamingSubscriptions {
		common.Log.Debug("orders package consumer configured to skip NATS streaming subscription setup")
		return
	}

	var waitGroup sync.WaitGroup
	job.RequireWorkerSubscriptions(&waitGroup, job.QueueOrder, common.OrderWorkerConcurrency, consumeOrderJobMsg)
}

func requireServices() {
	servicesOnce.Do(func() {
		cas = storage.Factory(storeapi.StoreProviderIPFS)
		bucket = storage.Factory(storeapi.StoreProviderBucket)
		circuit = zkp.InitZoKratesCircuitProvider(nil, nil)

		client, err := ethclient.Dial(common.ChainRPCURL)
		if err != nil {
			common.Log.Panicf("failed to dial chain JSON-RPC endpoint; %s", err.Error())
		}

		submitter, err = settlement.InitSubmitter(client, common.MarketplaceContractAddress)
		if err != nil {
			common.Log.Panicf("failed to initialize settlement submitter; %s", err.Error())
		}
	})
}

func consumeOrderJobMsg(msg *nats.Msg) {
	defer func() {
		if r := recover(); r != nil {
			common.Log.Warningf("recovered during order processing; %s", r)
			msg.Nak()
		}
	}()

	common.Log.Debugf("consuming %d-byte NATS pending order message on subject: %s", len(msg.Data), msg.Subject)

	j := job.ResolveConsumedJob(msg, job.QueueOrder)
	if j == nil {
		msg.Ack()
		return
	}

	requireServices()
	db := job.DatabaseConnection()

	payload := &OrderPayload{}
	if err := j.ParsePayload(payload); err != nil {
		common.Log.Warningf("failed to parse order job %s payload; %s", j.ID, err.Error())
		j.Fail(db, err)
		msg.Ack()
		return
	}

	if err := processOrder(context.Background(), db, j, payload); err != nil {
		common.Log.Warningf("order processing failed for session %s; %s", payload.SessionID, err.Error())
		j.Fail(db, err)
		msg.Ack()
		return
	}

	common.Log.Debugf("order processing completed for session %s", payload.SessionID)
	msg.Ack()
}

// processOrder runs the full order pipeline for a claimed job: stage the program
// and proving key, compute the witness and proof, commit to the dataset, settle
// on-chain and persist the receipt; a failure at any stage leaves the partial
// artifacts in the working directory for inspection
func processOrder(ctx context.Context, db *gorm.DB, j *job.Job, payload *OrderPayload) error {
	startedAt := time.Now()

	sessionID, err := payload.SessionIDBytes()
	if err != nil {
		return err
	}

	dir := filepath.Join(common.WorkingDirectory, payload.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create order working directory %s; %s", dir, err.Error())
	}

	programRef, err := stageProgramSource(ctx, dir, payload)
	if err != nil {
		return err
	}
	j.SetProgress(db, 20)

	constraintCount := 0
	for _, stage := range zkp.OrderPlan {
		var witnessArgs []string
		if stage == zkp.StageComputeWitness {
			if err := stageProvingKey(dir, payload); err != nil {
				return err
			}
			j.SetProgress(db, 60)

			if witnessArgs, err = loadWitnessInput(payload); err != nil {
				return err
			}
		}

		result, err := zkp.RunStage(circuit, stage, dir, witnessArgs)
		if err != nil {
			return err
		}
		if stage == zkp.StageCompile {
			constraintCount = result.ConstraintCount
		}
		if percent, ok := orderStageProgress[stage]; ok {
			j.SetProgress(db, percent)
		}
	}

	if err := stageProofArtifacts(dir, payload); err != nil {
		return err
	}

	rawProof, err := os.ReadFile(filepath.Join(dir, "proof.json"))
	if err != nil {
		return fmt.Errorf("failed to read proof artifact; %s", err.Error())
	}
	proof, err := settlement.ParseProof(rawProof)
	if err != nil {
		return err
	}

	dataset, err := bucket.Get(datasetKey(payload.DatasetOwnerAddress))
	if err != nil {
		return fmt.Errorf("failed to fetch dataset for owner %s; %s", payload.DatasetOwnerAddress, err.Error())
	}

	sessionKey, err := persistSessionKey(payload)
	if err != nil {
		return err
	}

	commitments, _, err := settlement.Commit(dataset, sessionKey, settlement.DefaultMerkleParams)
	if err != nil {
		return err
	}

	if _, err := submitter.ProofComputation(ctx, sessionID, settlement.DefaultMerkleParams, commitments, proof); err != nil {
		return err
	}

	rootCommitment := commitments.RootCommitment()
	receipt := &Receipt{
		ProgramRef:      programRef,
		Encoding:        datasetEncoding,
		RootCommitment:  fmt.Sprintf("0x%s", hex.EncodeToString(rootCommitment[:])),
		DurationMs:      time.Since(startedAt).Milliseconds(),
		ConstraintCount: constraintCount,
		CreatedAt:       time.Now(),
	}

	rawReceipt, _ := json.Marshal(receipt)
	if _, err := bucket.Put(receiptKey(payload.SessionID), rawReceipt); err != nil {
		return fmt.Errorf("failed to persist order receipt; %s", err.Error())
	}

	return j.Complete(db, receipt)
}

// stageProvingKey fetches the trusted setup proving key and writes it into the
// working directory ahead of witness computation
func stageProvingKey(dir string, payload *OrderPayload) error {
	provingKey, err := cas.Get(payload.ProvingKeyReference)
	if err != nil {
		return fmt.Errorf("failed to fetch proving key %s; %s", payload.ProvingKeyReference, err.Error())
	}
	if err := os.WriteFile(filepath.Join(dir, "proving.key"), provingKey, 0o644); err != nil {
		return fmt.Errorf("failed to stage proving key; %s", err.Error())
	}
	return nil
}

// stageProgramSource resolves the algorithm token URI to its content-addressed
// program source and writes it into the working directory
func stageProgramSource(ctx context.Context, dir string, payload *OrderPayload) (string, error) {
	programRef, err := submitter.TokenURI(ctx, payload.AlgorithmTokenAddress, big.NewInt(0))
	if err != nil {
		return "", err
	}

	source, err := cas.Get(programRef)
	if err != nil {
		return "", fmt.Errorf("failed to fetch program source %s; %s", programRef, err.Error())
	}

	if err := os.WriteFile(filepath.Join(dir, "main.zok"), source, 0o644); err != nil {
		return "", fmt.Errorf("failed to stage program source; %s", err.Error())
	}
	return programRef, nil
}

// loadWitnessInput reads the dataset owner's published witness input vector from
// the artifact bucket
func loadWitnessInput(payload *OrderPayload) ([]string, error) {
	raw, err := bucket.Get(witnessInputKey(payload.DatasetOwnerAddress))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch witness input for owner %s; %s", payload.DatasetOwnerAddress, err.Error())
	}

	args := make([]string, 0)
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("failed to parse witness input for owner %s; %s", payload.DatasetOwnerAddress, err.Error())
	}

	if len(args) == 0 {
		return nil, fmt.Errorf("witness input for owner %s is empty", payload.DatasetOwnerAddress)
	}
	return args, nil
}

// stageProofArtifacts copies the computed witness and raw proof into the artifact
// bucket under session-scoped keys
func stageProofArtifacts(dir string, payload *OrderPayload) error {
	for artifact, key := range map[string]string{
		"witness":    witnessKey(payload.SessionID),
		"proof.json": proofKey(payload.SessionID),
	} {
		raw, err := os.ReadFile(filepath.Join(dir, artifact))
		if err != nil {
			return fmt.Errorf("failed to read %s artifact; %s", artifact, err.Error())
		}
		if _, err := bucket.Put(key, raw); err != nil {
			return fmt.Errorf("failed to persist %s artifact; %s", artifact, err.Error())
		}
	}
	return nil
}

// persistSessionKey generates the 32-byte session key, stores it in the vault and
// records the vault pointer in the artifact bucket so the OrderAccepted handler can
// reveal it later; the key itself never leaves the vault until reveal
func persistSessionKey(payload *OrderPayload) ([]byte, error) {
	sessionKey, err := common.RandomBytes(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate session key; %s", err.Error())
	}

	if common.DefaultVault == nil {
		return nil, fmt.Errorf("failed to persist session key for session %s; no default vault resolved", payload.SessionID)
	}

	secret, err := vault.CreateSecret(
		util.DefaultVaultAccessJWT,
		common.DefaultVault.ID.String(),
		map[string]interface{}{
			"description": fmt.Sprintf("session %s reveal key", payload.SessionID),
			"name":        fmt.Sprintf("session %s reveal key", payload.SessionID),
			"type":        revealKeyVaultType,
			"value":       hex.EncodeToString(sessionKey),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to store session key for session %s in vault; %s", payload.SessionID, err.Error())
	}

	record := &RevealRecord{
		VaultID:  common.DefaultVault.ID.String(),
		SecretID: secret.ID.String(),
	}
	rawRecord, _ := json.Marshal(record)
	if _, err := bucket.Put(revealKey(payload.SessionID), rawRecord); err != nil {
		return nil, fmt.Errorf("failed to persist reveal record for session %s; %s", payload.SessionID, err.Error())
	}

	return sessionKey, nil
}
