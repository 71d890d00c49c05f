//go:build unit
// +build unit

package providers

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// writeFakeToolchain installs an executable in dir that prints the given output and
// exits with the given status, standing in for the real toolchain binary
func writeFakeToolchain(t *testing.T, dir, output string, exitCode int) string {
	t.Helper()

	path := filepath.Join(dir, "zokrates-fake")
	script := "#!/bin/sh\ncat <<'EOF'\n" + output + "\nEOF\nexit " + strconv.Itoa(exitCode) + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write fake toolchain; %s", err.Error())
	}
	return path
}

func touchArtifacts(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("artifact"), 0o644); err != nil {
			t.Fatalf("failed to write %s; %s", name, err.Error())
		}
	}
}

func TestCompileRequiresProgramSource(t *testing.T) {
	dir := t.TempDir()
	bin := writeFakeToolchain(t, dir, "ok", 0)
	provider := InitZoKratesCircuitProvider(&bin, nil)

	_, err := provider.Compile(dir)
	if !errors.Is(err, ErrKindPrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	assert.Contains(t, err.Error(), "main.zok")
}

func TestCompileParsesConstraintCount(t *testing.T) {
	dir := t.TempDir()
	bin := writeFakeToolchain(t, dir, "Compiling main.zok\nCompiled code written to 'out'\nNumber of constraints: 1176", 0)
	provider := InitZoKratesCircuitProvider(&bin, nil)
	touchArtifacts(t, dir, "main.zok")

	result, err := provider.Compile(dir)
	if err != nil {
		t.Fatalf("expected compile to succeed; %s", err.Error())
	}

	assert.Equal(t, StageCompile, result.Stage)
	assert.Equal(t, 1176, result.ConstraintCount)
	assert.True(t, result.Elapsed >= 0)
}

func TestPanicMarkerTreatedAsFailureOnExitZero(t *testing.T) {
	dir := t.TempDir()
	bin := writeFakeToolchain(t, dir, "Computing witness...\nthread 'main' panicked at 'Expected 54 inputs'", 0)
	provider := InitZoKratesCircuitProvider(&bin, nil)
	touchArtifacts(t, dir, "out", "out.r1cs", "abi.json")

	_, err := provider.ComputeWitness(dir, []string{"0", "5"})
	if !errors.Is(err, ErrKindToolchain) {
		t.Fatalf("expected toolchain error, got %v", err)
	}

	// the raw output from the marker on is preserved for diagnosis
	assert.Contains(t, err.Error(), "panicked at 'Expected 54 inputs'")
}

func TestNonZeroExitSurfacesOutput(t *testing.T) {
	dir := t.TempDir()
	bin := writeFakeToolchain(t, dir, "error: unexpected token", 1)
	provider := InitZoKratesCircuitProvider(&bin, nil)
	touchArtifacts(t, dir, "main.zok")

	_, err := provider.Compile(dir)
	if !errors.Is(err, ErrKindToolchain) {
		t.Fatalf("expected toolchain error, got %v", err)
	}
	assert.Contains(t, err.Error(), "unexpected token")
}

func TestGenerateProofRequiresWitnessAndProvingKey(t *testing.T) {
	dir := t.TempDir()
	bin := writeFakeToolchain(t, dir, "ok", 0)
	provider := InitZoKratesCircuitProvider(&bin, nil)
	touchArtifacts(t, dir, "out", "out.r1cs", "abi.json")

	_, err := provider.GenerateProof(dir)
	if !errors.Is(err, ErrKindPrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}

	touchArtifacts(t, dir, "witness", "proving.key")
	if _, err := provider.GenerateProof(dir); err != nil {
		t.Fatalf("expected proof generation to succeed; %s", err.Error())
	}
}

func TestPartialArtifactsLeftInPlaceOnFailure(t *testing.T) {
	dir := t.TempDir()
	bin := writeFakeToolchain(t, dir, "panicked during setup", 0)
	provider := InitZoKratesCircuitProvider(&bin, nil)
	touchArtifacts(t, dir, "main.zok", "out", "out.r1cs", "abi.json")

	_, err := provider.Setup(dir)
	assert.Error(t, err)

	// nothing is cleaned up for forensic inspection
	entries, _ := os.ReadDir(dir)
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	assert.Contains(t, strings.Join(names, ","), "out.r1cs")
}

type recordingCircuitProvider struct {
	invoked     []Stage
	witnessArgs []string
}

func (p *recordingCircuitProvider) record(stage Stage) (*StageResult, error) {
	p.invoked = append(p.invoked, stage)
	return &StageResult{Stage: stage}, nil
}

func (p *recordingCircuitProvider) Compile(dir string) (*StageResult, error) {
	return p.record(StageCompile)
}

func (p *recordingCircuitProvider) Setup(dir string) (*StageResult, error) {
	return p.record(StageSetup)
}

func (p *recordingCircuitProvider) ComputeWitness(dir string, args []string) (*StageResult, error) {
	p.witnessArgs = args
	return p.record(StageComputeWitness)
}

func (p *recordingCircuitProvider) GenerateProof(dir string) (*StageResult, error) {
	return p.record(StageGenerateProof)
}

func (p *recordingCircuitProvider) ExportVerifier(dir string) (*StageResult, error) {
	return p.record(StageExportVerifier)
}

func TestRunStageDispatchesPlanStages(t *testing.T) {
	provider := &recordingCircuitProvider{}

	for _, stage := range SetupPlan {
		result, err := RunStage(provider, stage, "/tmp/nowhere", nil)
		assert.NoError(t, err)
		assert.Equal(t, stage, result.Stage)
	}
	assert.Equal(t, SetupPlan, provider.invoked)

	provider = &recordingCircuitProvider{}
	for _, stage := range OrderPlan {
		_, err := RunStage(provider, stage, "/tmp/nowhere", []string{"0", "5"})
		assert.NoError(t, err)
	}
	assert.Equal(t, OrderPlan, provider.invoked)
	assert.Equal(t, []string{"0", "5"}, provider.witnessArgs)

	_, err := RunStage(provider, Stage("deploy"), "/tmp/nowhere", nil)
	assert.Error(t, err)
}

func TestStagePlans(t *testing.T) {
	assert.Equal(t, []Stage{StageCompile, StageSetup, StageExportVerifier}, SetupPlan)
	assert.Equal(t, []Stage{StageCompile, StageComputeWitness, StageGenerateProof}, OrderPlan)
}

func TestStagePreconditionsAreIndependentlyCheckable(t *testing.T) {
	dir := t.TempDir()

	for _, stage := range append(append([]Stage{}, SetupPlan...), OrderPlan...) {
		if err := stage.Precondition(dir); !errors.Is(err, ErrKindPrecondition) {
			t.Fatalf("expected %s precondition to fail in empty dir, got %v", stage, err)
		}
	}

	touchArtifacts(t, dir, "main.zok")
	assert.NoError(t, StageCompile.Precondition(dir))
	assert.Error(t, StageSetup.Precondition(dir))

	touchArtifacts(t, dir, "out", "out.r1cs", "abi.json")
	assert.NoError(t, StageSetup.Precondition(dir))
	assert.NoError(t, StageComputeWitness.Precondition(dir))
	assert.Error(t, StageExportVerifier.Precondition(dir))

	touchArtifacts(t, dir, "proving.key", "verification.key", "witness")
	assert.NoError(t, StageGenerateProof.Precondition(dir))
	assert.NoError(t, StageExportVerifier.Precondition(dir))
}
