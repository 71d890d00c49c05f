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

package providers

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/zkmarket/compute-node/common"
)

// IPFSStore reads and writes blobs against the content-addressed network store;
// references are ipfs://<cid> URIs derived from the content itself, so identical
// bytes always resolve to the same reference
type IPFSStore struct {
	sh *shell.Shell
}

// InitIPFSStore initializes and configures a new IPFSStore instance
func InitIPFSStore(endpoint *string) *IPFSStore {
	url := common.IPFSAPIURL
	if endpoint != nil {
		url = *endpoint
	}

	return &IPFSStore{
		sh: shell.NewShell(url),
	}
}

// Put adds the given bytes to the network store; the key is ignored since the
// reference is the content identifier
func (s *IPFSStore) Put(key string, value []byte) (*string, error) {
	cid, err := s.sh.Add(bytes.NewReader(value))
	if err != nil {
		return nil, fmt.Errorf("failed to add %d-byte artifact to network store; %s", len(value), err.Error())
	}

	reference := fmt.Sprintf("%s%s", IPFSReferenceScheme, cid)
	common.Log.Debugf("added %d-byte artifact to network store: %s", len(value), reference)
	return &reference, nil
}

// Get resolves the given reference, with or without the scheme prefix, to its bytes
func (s *IPFSStore) Get(reference string) ([]byte, error) {
	cid := ResolveContentID(reference)

	rc, err := s.sh.Cat(cid)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve artifact %s from network store; %s", reference, err.Error())
	}
	defer rc.Close()

	value, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s from network store; %s", reference, err.Error())
	}

	return value, nil
}

// ResolveContentID strips the reference scheme and any trailing path separator from
// a content-addressed artifact reference
func ResolveContentID(reference string) string {
	cid := strings.TrimPrefix(reference, IPFSReferenceScheme)
	return strings.TrimSuffix(cid, "/")
}
