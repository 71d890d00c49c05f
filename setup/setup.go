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
	"regexp"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/zkmarket/compute-node/job"
)

const setupJobType = "setup"

// dynamicInputArrayRegexp matches the fixed-arity public input array the toolchain
// emits in the exported verifier; the marketplace calls verifyTx with a dynamic
// array, so the signature is rewritten before on-chain deployment
var dynamicInputArrayRegexp = regexp.MustCompile(`uint\[\d+\]`)

// SetupPayload describes a trusted setup request for an algorithm; setup is
// re-runnable, a repeated request simply produces a fresh key pair
type SetupPayload struct {
	AlgorithmReference string `json:"algorithm_reference"`
	ReceiverAddress    string `json:"receiver_address"`
}

// Queue returns the durable queue setup jobs are processed on
func (p *SetupPayload) Queue() string {
	return job.QueueSetup
}

// Type returns the job type discriminator
func (p *SetupPayload) Type() string {
	return setupJobType
}

// IdempotencyKey is nil for setup jobs; repeated setup requests are permitted
func (p *SetupPayload) IdempotencyKey() *string {
	return nil
}

// Validate ensures the payload references a program and a well-formed receiver
func (p *SetupPayload) Validate() error {
	if p.AlgorithmReference == "" {
		return fmt.Errorf("invalid setup payload; algorithm reference required")
	}
	if !ethcommon.IsHexAddress(p.ReceiverAddress) {
		return fmt.Errorf("invalid setup payload; malformed receiver address: %s", p.ReceiverAddress)
	}
	return nil
}

// SetupResult is persisted as the job result once the trusted setup completes; it
// carries everything required to register the algorithm with the marketplace, each
// artifact as a content-addressed reference
type SetupResult struct {
	ProvingKeyReference string `json:"pk_url"`
	VerifierReference   string `json:"verifier"`
	ABIReference        string `json:"abi"`
	BytecodeReference   string `json:"bytecode"`
	ConstraintCount     int    `json:"constraint_count"`
}

// rewriteVerifier rewrites the exported verifier's fixed-arity public input arrays
// into dynamic arrays
func rewriteVerifier(source []byte) []byte {
	return dynamicInputArrayRegexp.ReplaceAll(source, []byte("uint[]"))
}
