// Package diff implements cross-backend differential testing: the same
// program compiled to WAT and to x86-64 assembly must behave identically
// under a WASI host and a native Linux process. Each case is compiled
// twice, run under external tooling, and the observable outputs are
// compared side by side.
package diff

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/meelang/mee/internal/driver"
)

const width = 120

var divider = strings.Repeat("-", width)

// ExecResult is one backend's observable behavior for a single run.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// TestCase is one Mee source file under differential test.
type TestCase struct {
	Name string
	Path string
}

// TestResult compares the WAT and x86-64 executions of one TestCase.
type TestResult struct {
	Case   TestCase
	Wat    ExecResult
	X86    ExecResult
	Passed bool
	Errors []string
}

// Config names the external tools used to actually run each artifact:
// a WASI-capable runtime for the WAT module, and a toolchain to
// assemble+link the x86-64 text into a native binary.
type Config struct {
	WasmRuntime string // e.g. "wasmtime"
	Assembler   string // e.g. "gcc" or "cc", used for both assembling and linking
}

func DefaultConfig() Config {
	return Config{WasmRuntime: "wasmtime", Assembler: "cc"}
}

// TestFramework runs a directory of Mee source files through both
// backends and reports where they disagree.
type TestFramework struct {
	Config  Config
	Cases   []TestCase
	Results []*TestResult
}

func NewTestFramework(cfg Config) *TestFramework {
	return &TestFramework{Config: cfg}
}

// Discover collects every *.mee file under dir as a test case.
func (tf *TestFramework) Discover(dir string) error {
	tf.Cases = nil
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".mee") {
			return nil
		}
		tf.Cases = append(tf.Cases, TestCase{Name: d.Name(), Path: p})
		return nil
	})
}

// Run executes every discovered case through both backends and records
// the comparison.
func (tf *TestFramework) Run(workDir string) error {
	tf.Results = make([]*TestResult, 0, len(tf.Cases))
	for _, tc := range tf.Cases {
		result, err := tf.runCase(workDir, tc)
		if err != nil {
			return fmt.Errorf("case %s: %w", tc.Name, err)
		}
		tf.Results = append(tf.Results, result)
	}
	return nil
}

func (tf *TestFramework) runCase(workDir string, tc TestCase) (*TestResult, error) {
	result := &TestResult{Case: tc}

	watArtifact, err := driver.Build(tc.Path, driver.EmitWAT)
	if err != nil {
		return nil, fmt.Errorf("wat build: %w", err)
	}
	asmArtifact, err := driver.Build(tc.Path, driver.EmitASM)
	if err != nil {
		return nil, fmt.Errorf("asm build: %w", err)
	}

	watPath := filepath.Join(workDir, tc.Name+".wat")
	if err := os.WriteFile(watPath, []byte(watArtifact), 0o644); err != nil {
		return nil, err
	}
	watResult, err := runCommand(tf.Config.WasmRuntime, watPath)
	if err != nil {
		return nil, fmt.Errorf("run wat: %w", err)
	}
	result.Wat = watResult

	asmPath := filepath.Join(workDir, tc.Name+".s")
	if err := os.WriteFile(asmPath, []byte(asmArtifact), 0o644); err != nil {
		return nil, err
	}
	binPath := filepath.Join(workDir, tc.Name+".bin")
	link := exec.Command(tf.Config.Assembler, "-no-pie", "-static", asmPath, "-o", binPath)
	if out, err := link.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("assemble/link: %w: %s", err, out)
	}
	x86Result, err := runCommand(binPath)
	if err != nil {
		return nil, fmt.Errorf("run asm: %w", err)
	}
	result.X86 = x86Result

	result.Passed = true
	if result.Wat.ExitCode != result.X86.ExitCode {
		result.Passed = false
		result.Errors = append(result.Errors, fmt.Sprintf("exit code mismatch: wat=%d x86=%d", result.Wat.ExitCode, result.X86.ExitCode))
	}
	if result.Wat.Stdout != result.X86.Stdout {
		result.Passed = false
		result.Errors = append(result.Errors, "stdout mismatch")
	}
	return result, nil
}

func runCommand(name string, args ...string) (ExecResult, error) {
	cmd := exec.Command(name, args...)
	stdout := &strings.Builder{}
	stderr := &strings.Builder{}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return ExecResult{}, err
		}
	}

	return ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// PrintResults renders every case's pass/fail line and, for failures, a
// side-by-side diff of the mismatching stream.
func (tf *TestFramework) PrintResults() {
	prevFailed := false
	for _, r := range tf.Results {
		prevFailed = r.printResult(prevFailed)
	}

	passed := 0
	for _, r := range tf.Results {
		if r.Passed {
			passed++
		}
	}
	fmt.Println()
	fmt.Printf("%d/%d cases agree across backends\n", passed, len(tf.Results))
}

func (tr *TestResult) printResult(prevFailed bool) bool {
	label := color.GreenString("agree")
	if !tr.Passed {
		label = color.RedString("differ")
	}
	spacing := strings.Repeat(" ", max(1, width-len("  [agree] ")-len(tr.Case.Name)))
	fmt.Printf("  [%s] %s%s\n", label, tr.Case.Name, spacing)

	if tr.Passed {
		return false
	}

	if !prevFailed {
		fmt.Println(divider)
	}
	for _, e := range tr.Errors {
		fmt.Println(e)
	}
	if tr.Wat.Stdout != tr.X86.Stdout {
		fmt.Println("wat stdout vs x86 stdout")
		printDiff(tr.Wat.Stdout, tr.X86.Stdout)
	}
	fmt.Println(divider)
	return true
}

func printDiff(left, right string) {
	leftLines := strings.Split(left, "\n")
	rightLines := strings.Split(right, "\n")
	for i := 0; i < len(leftLines) && i < len(rightLines); i++ {
		spaces := (width / 2) - len(leftLines[i])
		if spaces < 0 {
			spaces = 2
		}
		fmt.Printf("%s%s%s\n", leftLines[i], strings.Repeat(" ", spaces), rightLines[i])
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
