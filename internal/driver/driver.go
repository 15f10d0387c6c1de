// Package driver wires the lexer, parser, type checker, and the three
// backends into the single `mee build` pipeline, mapping every stage's
// error into the right exit behavior.
package driver

import (
	"fmt"
	"os"

	"github.com/meelang/mee/internal/ast"
	"github.com/meelang/mee/internal/check"
	"github.com/meelang/mee/internal/codegen/layout"
	"github.com/meelang/mee/internal/codegen/wat"
	"github.com/meelang/mee/internal/codegen/x86"
	"github.com/meelang/mee/internal/ir"
	"github.com/meelang/mee/internal/parser"
)

// Emit selects which artifact Build produces.
type Emit string

const (
	EmitWAT Emit = "wat"
	EmitASM Emit = "asm"
	EmitIR  Emit = "ir"
)

// IOError wraps a failure reading the source file or writing the output
// artifact.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

// Build reads srcPath, runs the full pipeline, and returns the requested
// artifact as text. The caller is responsible for writing it out; Build
// itself never touches the output path, so a failing run never leaves a
// partial artifact behind.
func Build(srcPath string, emit Emit) (string, error) {
	src, err := os.ReadFile(srcPath)
	if err != nil {
		return "", &IOError{Op: "read " + srcPath, Err: err}
	}

	prog, err := parser.Parse(src)
	if err != nil {
		return "", err
	}

	if err := check.Check(prog); err != nil {
		return "", err
	}

	artifact, err := lower(prog, emit)
	if err != nil {
		return "", err
	}
	return artifact, nil
}

// lower recovers a *layout.Error panic from either backend the same way
// parser.Parse and check.Check recover their own error classes, since
// codegen preconditions (struct-return misuse, nested field access) are
// only caught while walking the already-type-checked tree.
func lower(prog *ast.Program, emit Emit) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			le, ok := r.(*layout.Error)
			if !ok {
				panic(r)
			}
			err = le
		}
	}()

	switch emit {
	case EmitIR:
		return ir.Emit(prog), nil
	case EmitWAT:
		return wat.Emit(prog), nil
	case EmitASM:
		return x86.Emit(prog), nil
	default:
		return "", fmt.Errorf("unknown emit target %q", emit)
	}
}

// WriteOutput writes artifact to path, or to stdout when path is empty.
func WriteOutput(path, artifact string) error {
	if path == "" {
		_, err := fmt.Fprint(os.Stdout, artifact)
		if err != nil {
			return &IOError{Op: "write stdout", Err: err}
		}
		return nil
	}
	if err := os.WriteFile(path, []byte(artifact), 0o644); err != nil {
		return &IOError{Op: "write " + path, Err: err}
	}
	return nil
}
