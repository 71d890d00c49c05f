package providers

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// CircuitProviderZoKrates ZoKrates circuit toolchain provider
const CircuitProviderZoKrates = "zokrates"

// ErrKindPrecondition indicates a stage was aborted because a required input artifact
// is missing from the working directory; never retried automatically
var ErrKindPrecondition = errors.New("stage precondition failed")

// ErrKindToolchain indicates the toolchain subprocess failed, either with a non-zero
// exit or an internal panic marker in its output; the raw output is retained
var ErrKindToolchain = errors.New("toolchain execution failed")

// Stage names a step of the circuit toolchain pipeline
type Stage string

const (
	// StageCompile compiles the program source into a circuit and its constraint representation
	StageCompile Stage = "compile"

	// StageSetup runs the trusted setup over the compiled circuit, producing the key pair
	StageSetup Stage = "setup"

	// StageComputeWitness evaluates the circuit over a numeric input vector
	StageComputeWitness Stage = "compute-witness"

	// StageGenerateProof produces a proof and public input vector from the witness
	StageGenerateProof Stage = "generate-proof"

	// StageExportVerifier exports a verifier contract source from the key pair
	StageExportVerifier Stage = "export-verifier"
)

// SetupPlan is the stage sequence run for setup jobs
var SetupPlan = []Stage{StageCompile, StageSetup, StageExportVerifier}

// OrderPlan is the stage sequence run for order jobs
var OrderPlan = []Stage{StageCompile, StageComputeWitness, StageGenerateProof}

// StageResult captures the outcome of a completed pipeline stage
type StageResult struct {
	Stage   Stage  `json:"stage"`
	Output  string `json:"-"`
	Elapsed int64  `json:"elapsed_ms"`

	// ConstraintCount is parsed from the compile stage output; zero for other stages
	ConstraintCount int `json:"constraint_count,omitempty"`
}

// CircuitProvider provides a common interface to drive an external circuit toolchain
// inside a job-scoped working directory; each method checks its stage preconditions,
// invokes the toolchain and surfaces its failures without cleaning up partial artifacts
type CircuitProvider interface {
	Compile(dir string) (*StageResult, error)
	Setup(dir string) (*StageResult, error)
	ComputeWitness(dir string, args []string) (*StageResult, error)
	GenerateProof(dir string) (*StageResult, error)
	ExportVerifier(dir string) (*StageResult, error)
}

// RunStage dispatches a single plan stage to the provider; witnessArgs is consumed by
// the compute-witness stage only
func RunStage(p CircuitProvider, stage Stage, dir string, witnessArgs []string) (*StageResult, error) {
	switch stage {
	case StageCompile:
		return p.Compile(dir)
	case StageSetup:
		return p.Setup(dir)
	case StageComputeWitness:
		return p.ComputeWitness(dir, witnessArgs)
	case StageGenerateProof:
		return p.GenerateProof(dir)
	case StageExportVerifier:
		return p.ExportVerifier(dir)
	}

	return nil, fmt.Errorf("unknown pipeline stage: %s", stage)
}

// Precondition returns nil when every input artifact the stage requires is present in
// the given working directory, or an ErrKindPrecondition error naming the missing artifact
func (s Stage) Precondition(dir string) error {
	switch s {
	case StageCompile:
		return requireArtifacts(dir, "main.zok")
	case StageSetup, StageComputeWitness:
		return requireArtifacts(dir, "out", "out.r1cs", "abi.json")
	case StageGenerateProof:
		return requireArtifacts(dir, "out", "out.r1cs", "abi.json", "witness", "proving.key")
	case StageExportVerifier:
		return requireArtifacts(dir, "out", "out.r1cs", "abi.json", "proving.key", "verification.key")
	}

	return fmt.Errorf("unknown pipeline stage: %s", s)
}

func requireArtifacts(dir string, names ...string) error {
	for _, name := range names {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("%w; %s not present in %s", ErrKindPrecondition, name, dir)
		}
	}
	return nil
}
