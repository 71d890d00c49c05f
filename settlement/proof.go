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

package settlement

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// Proof is a parsed proof.json as emitted by the zkSNARK toolchain
type Proof struct {
	Scheme string      `json:"scheme"`
	Curve  string      `json:"curve"`
	Proof  ProofPoints `json:"proof"`
	Inputs []string    `json:"inputs"`
}

// ProofPoints are the hex-encoded G1/G2 points of a Groth16 proof
type ProofPoints struct {
	A []string   `json:"a"`
	B [][]string `json:"b"`
	C []string   `json:"c"`
}

// ParseProof parses the raw contents of a proof.json artifact
func ParseProof(raw []byte) (*Proof, error) {
	proof := &Proof{}
	if err := json.Unmarshal(raw, proof); err != nil {
		return nil, fmt.Errorf("failed to parse proof artifact; %s", err.Error())
	}

	if len(proof.Proof.A) != 2 || len(proof.Proof.B) != 2 || len(proof.Proof.C) != 2 {
		return nil, fmt.Errorf("failed to parse proof artifact; malformed proof points")
	}
	for _, pair := range proof.Proof.B {
		if len(pair) != 2 {
			return nil, fmt.Errorf("failed to parse proof artifact; malformed proof points")
		}
	}

	return proof, nil
}

// solidityArgs converts the hex-encoded proof points and public inputs into the
// big integer representation the contract ABI expects
func (p *Proof) solidityArgs() (a [2]*big.Int, b [2][2]*big.Int, c [2]*big.Int, inputs []*big.Int, err error) {
	for i := 0; i < 2; i++ {
		if a[i], err = parseQuantity(p.Proof.A[i]); err != nil {
			return
		}
		if c[i], err = parseQuantity(p.Proof.C[i]); err != nil {
			return
		}
		for j := 0; j < 2; j++ {
			if b[i][j], err = parseQuantity(p.Proof.B[i][j]); err != nil {
				return
			}
		}
	}

	inputs = make([]*big.Int, len(p.Inputs))
	for i, input := range p.Inputs {
		if inputs[i], err = parseQuantity(input); err != nil {
			return
		}
	}
	return
}

func parseQuantity(quantity string) (*big.Int, error) {
	i, ok := new(big.Int).SetString(strings.TrimPrefix(quantity, "0x"), 16)
	if !ok {
		return nil, fmt.Errorf("failed to parse proof artifact; invalid quantity %s", quantity)
	}
	return i, nil
}
