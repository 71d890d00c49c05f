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
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"

	gnarkhash "github.com/consensys/gnark-crypto/hash"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// MerkleParams describe the shape of the commitment trees the verifier circuit is
// arithmetized over; they are fixed per deployed verifier
type MerkleParams struct {
	Depth  int64 `json:"depth"`
	Length int64 `json:"length"`
	N      int64 `json:"n"`
}

// DefaultMerkleParams matches the deployed marketplace verifier
var DefaultMerkleParams = &MerkleParams{Depth: 2, Length: 32, N: 2}

// Commitments bind the session key and the plain and encrypted dataset for
// on-chain verification
type Commitments struct {
	KeyCommit      [32]byte
	CipherTextRoot [32]byte
	PlainDataRoot  [32]byte
}

// RootCommitment derives the single session commitment persisted in the order
// receipt
func (c *Commitments) RootCommitment() [32]byte {
	digest := crypto.Keccak256(c.KeyCommit[:], c.CipherTextRoot[:], c.PlainDataRoot[:])
	var root [32]byte
	copy(root[:], digest)
	return root
}

// SessionID derives the marketplace session id the same way the contract does,
// as the sha256 digest of the packed sender, receiver and algorithm addresses
func SessionID(sender, receiver, algorithm string) [32]byte {
	h := sha256.New()
	h.Write(ethcommon.HexToAddress(sender).Bytes())
	h.Write(ethcommon.HexToAddress(receiver).Bytes())
	h.Write(ethcommon.HexToAddress(algorithm).Bytes())

	var id [32]byte
	copy(id[:], h.Sum(nil))
	return id
}

// Encrypt encrypts the dataset with AES-CTR under the 32-byte session key; the
// keystream is derived from the key alone so the ciphertext commitment remains
// reproducible from the key after reveal
func Encrypt(dataset, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize dataset cipher; %s", err.Error())
	}

	iv := make([]byte, aes.BlockSize)
	stream := cipher.NewCTR(block, iv)

	cipherText := make([]byte, len(dataset))
	stream.XORKeyStream(cipherText, dataset)
	return cipherText, nil
}

// Commit encrypts the dataset under the session key and computes the on-chain
// commitments: the sha256 key commitment and the MiMC merkle roots of the plain
// and encrypted dataset chunks
func Commit(dataset, key []byte, params *MerkleParams) (*Commitments, []byte, error) {
	if len(dataset) == 0 {
		return nil, nil, fmt.Errorf("failed to commit to dataset; dataset is empty")
	}

	cipherText, err := Encrypt(dataset, key)
	if err != nil {
		return nil, nil, err
	}

	commitments := &Commitments{
		KeyCommit:      sha256.Sum256(key),
		CipherTextRoot: merkleRoot(chunk(cipherText, params.Length), params.Depth),
		PlainDataRoot:  merkleRoot(chunk(dataset, params.Length), params.Depth),
	}
	return commitments, cipherText, nil
}

// chunk splits data into size-byte chunks, zero-padding the final chunk
func chunk(data []byte, size int64) [][]byte {
	chunks := make([][]byte, 0, (int64(len(data))+size-1)/size)
	for offset := int64(0); offset < int64(len(data)); offset += size {
		next := make([]byte, size)
		copy(next, data[offset:])
		chunks = append(chunks, next)
	}
	return chunks
}

// merkleRoot computes the MiMC BN254 root of a fixed-depth tree over the given
// leaves; missing leaves are zero digests
func merkleRoot(leaves [][]byte, depth int64) [32]byte {
	width := int64(1) << uint(depth)

	level := make([][]byte, width)
	for i := int64(0); i < width; i++ {
		if i < int64(len(leaves)) {
			level[i] = mimcSum(leaves[i])
		} else {
			level[i] = make([]byte, 32)
		}
	}

	for len(level) > 1 {
		next := make([][]byte, len(level)/2)
		for i := range next {
			next[i] = mimcSum(level[2*i], level[2*i+1])
		}
		level = next
	}

	var root [32]byte
	copy(root[:], level[0])
	return root
}

func mimcSum(chunks ...[]byte) []byte {
	h := gnarkhash.MIMC_BN254.New()
	for _, c := range chunks {
		h.Write(c)
	}
	return h.Sum(nil)
}
