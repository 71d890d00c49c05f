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
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/zkmarket/compute-node/common"
)

// settlementGasLimit is the fixed gas limit for settlement transactions; proof
// verification is expensive and estimation against a reverting verifier is useless
const settlementGasLimit = uint64(30000000)

const marketplaceABIJSON = `[
	{"type":"function","name":"proofComputation","stateMutability":"nonpayable","inputs":[
		{"name":"sessionId","type":"bytes32"},
		{"name":"depth","type":"uint256"},
		{"name":"length","type":"uint256"},
		{"name":"n","type":"uint256"},
		{"name":"keyCommit","type":"bytes32"},
		{"name":"cipherTextRoot","type":"bytes32"},
		{"name":"plainDataRoot","type":"bytes32"},
		{"name":"input","type":"uint256[]"},
		{"name":"proof","type":"tuple","components":[
			{"name":"a","type":"uint256[2]"},
			{"name":"b","type":"uint256[2][2]"},
			{"name":"c","type":"uint256[2]"}
		]}
	],"outputs":[]},
	{"type":"function","name":"reveal","stateMutability":"nonpayable","inputs":[
		{"name":"sessionId","type":"bytes32"},
		{"name":"key","type":"bytes32"}
	],"outputs":[]},
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

const erc721ABIJSON = `[
	{"type":"function","name":"tokenURI","stateMutability":"view","inputs":[
		{"name":"tokenId","type":"uint256"}
	],"outputs":[
		{"name":"","type":"string"}
	]}
]`

// MarketplaceABI is the parsed marketplace contract interface shared by the event
// listener and the settlement submitter
var MarketplaceABI abi.ABI

var erc721ABI abi.ABI

func init() {
	var err error
	MarketplaceABI, err = abi.JSON(strings.NewReader(marketplaceABIJSON))
	if err != nil {
		common.Log.Panicf("failed to parse marketplace contract ABI; %s", err.Error())
	}

	erc721ABI, err = abi.JSON(strings.NewReader(erc721ABIJSON))
	if err != nil {
		common.Log.Panicf("failed to parse ERC-721 contract ABI; %s", err.Error())
	}
}

// TxClient is the chain node surface required to submit and confirm settlement
// transactions; satisfied by ethclient.Client
type TxClient interface {
	PendingNonceAt(ctx context.Context, account ethcommon.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash ethcommon.Hash) (*types.Receipt, error)
	CodeAt(ctx context.Context, contract ethcommon.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Submitter signs and submits marketplace settlement transactions and waits for
// their inclusion; a mined-but-reverted transaction surfaces as an error
type Submitter struct {
	client          TxClient
	contractAddress ethcommon.Address
	privateKey      *ecdsa.PrivateKey
	sender          ethcommon.Address
	chainID         *big.Int
}

// InitSubmitter configures a settlement submitter for the marketplace contract using
// the environment-configured sender key and chain id
func InitSubmitter(client TxClient, contractAddress string) (*Submitter, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(common.SenderPrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse configured sender private key; %s", err.Error())
	}

	return &Submitter{
		client:          client,
		contractAddress: ethcommon.HexToAddress(contractAddress),
		privateKey:      privateKey,
		sender:          crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:         big.NewInt(common.ChainID),
	}, nil
}

// Sender returns the address settlement transactions are signed with
func (s *Submitter) Sender() ethcommon.Address {
	return s.sender
}

// ProofComputation submits the zero-knowledge computation proof and the associated
// data commitments for the given session
func (s *Submitter) ProofComputation(ctx context.Context, sessionID [32]byte, params *MerkleParams, commitments *Commitments, proof *Proof) (*types.Receipt, error) {
	a, b, c, inputs, err := proof.solidityArgs()
	if err != nil {
		return nil, err
	}

	proofArg := struct {
		A [2]*big.Int
		B [2][2]*big.Int
		C [2]*big.Int
	}{a, b, c}

	return s.submit(
		ctx,
		"proofComputation",
		sessionID,
		big.NewInt(params.Depth),
		big.NewInt(params.Length),
		big.NewInt(params.N),
		commitments.KeyCommit,
		commitments.CipherTextRoot,
		commitments.PlainDataRoot,
		inputs,
		proofArg,
	)
}

// Reveal publishes the session decryption key on-chain after the buyer accepted
// the order
func (s *Submitter) Reveal(ctx context.Context, sessionID [32]byte, key [32]byte) (*types.Receipt, error) {
	return s.submit(ctx, "reveal", sessionID, key)
}

// TokenURI reads the token URI of the given ERC-721 algorithm token; it points at
// the content-addressed program source
func (s *Submitter) TokenURI(ctx context.Context, tokenContract string, tokenID *big.Int) (string, error) {
	data, err := erc721ABI.Pack("tokenURI", tokenID)
	if err != nil {
		return "", fmt.Errorf("failed to encode tokenURI call; %s", err.Error())
	}

	contract := ethcommon.HexToAddress(tokenContract)
	raw, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return "", fmt.Errorf("failed to read token URI of %s token %s; %s", tokenContract, tokenID.String(), err.Error())
	}

	results, err := erc721ABI.Unpack("tokenURI", raw)
	if err != nil {
		return "", fmt.Errorf("failed to decode token URI of %s token %s; %s", tokenContract, tokenID.String(), err.Error())
	}

	uri, ok := results[0].(string)
	if !ok {
		return "", fmt.Errorf("failed to decode token URI of %s token %s", tokenContract, tokenID.String())
	}
	return uri, nil
}

func (s *Submitter) submit(ctx context.Context, method string, args ...interface{}) (*types.Receipt, error) {
	data, err := MarketplaceABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s transaction; %s", method, err.Error())
	}

	nonce, err := s.client.PendingNonceAt(ctx, s.sender)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s account nonce; %s", s.sender.Hex(), err.Error())
	}

	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve gas price; %s", err.Error())
	}

	tx := types.NewTransaction(nonce, s.contractAddress, big.NewInt(0), settlementGasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(s.chainID), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign %s transaction; %s", method, err.Error())
	}

	if err := s.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("failed to broadcast %s transaction; %s", method, err.Error())
	}

	common.Log.Debugf("broadcast %s transaction %s", method, signed.Hash().Hex())

	receipt, err := bind.WaitMined(ctx, s.client, signed)
	if err != nil {
		return nil, fmt.Errorf("failed to confirm %s transaction %s; %s", method, signed.Hash().Hex(), err.Error())
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%s transaction %s reverted on-chain", method, signed.Hash().Hex())
	}

	return receipt, nil
}
