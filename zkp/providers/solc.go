package providers

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/zkmarket/compute-node/common"
)

// VerifierArtifacts is the output of the secondary (non-circuit) compiler step over an
// exported verifier contract source
type VerifierArtifacts struct {
	ABI      []byte `json:"abi"`
	Bytecode []byte `json:"bytecode"`
}

type solcCombinedOutput struct {
	Contracts map[string]struct {
		ABI json.RawMessage `json:"abi"`
		Bin string          `json:"bin"`
	} `json:"contracts"`
}

// CompileVerifier compiles the exported verifier.sol in the given directory with the
// configured solidity compiler, returning its ABI and deployable bytecode
func CompileVerifier(dir string) (*VerifierArtifacts, error) {
	if err := requireArtifacts(dir, "verifier.sol"); err != nil {
		return nil, err
	}

	common.Log.Debugf("[solc] dir=%s [in progress]", dir)
	start := time.Now()

	cmd := exec.Command(common.SolcBinPath, "--combined-json", "abi,bin", "verifier.sol")
	cmd.Dir = dir

	output, err := cmd.CombinedOutput()
	elapsed := time.Since(start)

	if err != nil {
		common.Log.Warningf("[solc] dir=%s, time=%d ms [failed]", dir, elapsed.Milliseconds())
		return nil, fmt.Errorf("%w; verifier compilation exited abnormally; %s; output: %s", ErrKindToolchain, err.Error(), string(output))
	}

	// solc emits warnings ahead of the combined json document
	raw := string(output)
	if idx := strings.Index(raw, "{"); idx > 0 {
		raw = raw[idx:]
	}

	var combined solcCombinedOutput
	if err := json.Unmarshal([]byte(raw), &combined); err != nil {
		return nil, fmt.Errorf("%w; failed to parse verifier compilation output; %s", ErrKindToolchain, err.Error())
	}

	for name, contract := range combined.Contracts {
		if !strings.HasSuffix(name, ":Verifier") {
			continue
		}

		abi := contract.ABI
		// older compilers emit the abi as an escaped json string
		var abiString string
		if json.Unmarshal(contract.ABI, &abiString) == nil {
			abi = json.RawMessage(abiString)
		}

		common.Log.Debugf("[solc] dir=%s, time=%d ms [ok]", dir, elapsed.Milliseconds())

		return &VerifierArtifacts{
			ABI:      []byte(abi),
			Bytecode: []byte(contract.Bin),
		}, nil
	}

	return nil, fmt.Errorf("%w; verifier contract not present in compilation output", ErrKindToolchain)
}
