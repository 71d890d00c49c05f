package providers

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/zkmarket/compute-node/common"
)

// the toolchain is known to exit 0 on some internal panics; any occurrence of this
// marker in the combined output is treated as a failure regardless of exit status
const toolchainPanicMarker = "panicked"

var constraintCountRegexp = regexp.MustCompile(`[Nn]umber of constraints:\s*(\d+)`)

// ZoKratesCircuitProvider drives the ZoKrates CLI as a subprocess, one invocation per
// pipeline stage, with the job-scoped working directory as the execution context
type ZoKratesCircuitProvider struct {
	binPath  string
	homePath string
}

// InitZoKratesCircuitProvider initializes and configures a new ZoKratesCircuitProvider instance
func InitZoKratesCircuitProvider(binPath, homePath *string) *ZoKratesCircuitProvider {
	bin := common.ZoKratesBinPath
	if binPath != nil {
		bin = *binPath
	}

	home := common.ZoKratesHomePath
	if homePath != nil {
		home = *homePath
	}

	return &ZoKratesCircuitProvider{
		binPath:  bin,
		homePath: home,
	}
}

// Compile compiles the program source in the given directory, writing the circuit,
// its constraint representation and the input ABI to the same directory
func (p *ZoKratesCircuitProvider) Compile(dir string) (*StageResult, error) {
	result, err := p.execStage(StageCompile, dir, "compile", "-i", "main.zok")
	if err != nil {
		return nil, err
	}

	if match := constraintCountRegexp.FindStringSubmatch(result.Output); len(match) == 2 {
		result.ConstraintCount, _ = strconv.Atoi(match[1])
	}

	return result, nil
}

// Setup runs the trusted setup in the given directory, generating the proving and
// verification key pair from the compiled circuit
func (p *ZoKratesCircuitProvider) Setup(dir string) (*StageResult, error) {
	return p.execStage(StageSetup, dir, "setup")
}

// ComputeWitness evaluates the compiled circuit over the given input vector; the
// inputs are decimal field-element strings whose count and order must match the
// circuit's declared arity -- a mismatch is surfaced verbatim as a toolchain error
func (p *ZoKratesCircuitProvider) ComputeWitness(dir string, args []string) (*StageResult, error) {
	argv := append([]string{"compute-witness", "-a"}, args...)
	return p.execStage(StageComputeWitness, dir, argv...)
}

// GenerateProof produces proof.json, the proof object plus public input vector, from
// the witness and proving key in the given directory
func (p *ZoKratesCircuitProvider) GenerateProof(dir string) (*StageResult, error) {
	return p.execStage(StageGenerateProof, dir, "generate-proof")
}

// ExportVerifier exports verifier.sol from the key pair in the given directory
func (p *ZoKratesCircuitProvider) ExportVerifier(dir string) (*StageResult, error) {
	return p.execStage(StageExportVerifier, dir, "export-verifier")
}

// execStage checks the stage precondition, invokes the toolchain subprocess with the
// working directory as its execution context and captures the combined output; partial
// artifacts written by a failed stage are left in place for forensic inspection
func (p *ZoKratesCircuitProvider) execStage(stage Stage, dir string, argv ...string) (*StageResult, error) {
	if err := stage.Precondition(dir); err != nil {
		common.Log.Warningf("[%s] dir=%s; %s", stage, dir, err.Error())
		return nil, err
	}

	common.Log.Debugf("[%s] dir=%s [in progress]", stage, dir)
	start := time.Now()

	cmd := exec.Command(p.binPath, argv...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	if p.homePath != "" {
		cmd.Env = append(cmd.Env, fmt.Sprintf("ZOKRATES_HOME=%s", p.homePath))
	}

	output, err := cmd.CombinedOutput()
	elapsed := time.Since(start)

	if err != nil {
		common.Log.Warningf("[%s] dir=%s, time=%d ms [failed]", stage, dir, elapsed.Milliseconds())
		return nil, fmt.Errorf("%w; %s stage exited abnormally; %s; output: %s", ErrKindToolchain, stage, err.Error(), string(output))
	}

	if idx := strings.Index(string(output), toolchainPanicMarker); idx != -1 {
		common.Log.Warningf("[%s] dir=%s, time=%d ms [panicked]", stage, dir, elapsed.Milliseconds())
		return nil, fmt.Errorf("%w; %s stage panicked; %s", ErrKindToolchain, stage, string(output)[idx:])
	}

	common.Log.Debugf("[%s] dir=%s, time=%d ms [ok]", stage, dir, elapsed.Milliseconds())

	return &StageResult{
		Stage:   stage,
		Output:  string(output),
		Elapsed: elapsed.Milliseconds(),
	}, nil
}
