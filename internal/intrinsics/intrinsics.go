// Package intrinsics centralizes the fixed signatures of the compiler's
// built-in functions so the type checker and both backends share a single
// source of truth instead of repeating the table in each consumer.
package intrinsics

import "github.com/meelang/mee/internal/ast"

// Sig is a fixed intrinsic signature.
type Sig struct {
	Name   string
	Params []ast.Type
	Ret    ast.Type
}

// Table maps every intrinsic name to its signature. Intrinsic names begin
// with "__" and are matched by string identity; they are never declared in
// the program. They shadow user functions: the checker and both backends
// consult Lookup before the user-function table, so a user function
// sharing an intrinsic's name is never reachable as a callee. A "__" name
// that is not in this table is an ordinary user function name.
var Table = map[string]Sig{
	"__mem_load": {
		Name:   "__mem_load",
		Params: []ast.Type{ast.I32},
		Ret:    ast.I32,
	},
	"__mem_load8": {
		Name:   "__mem_load8",
		Params: []ast.Type{ast.I32},
		Ret:    ast.I32,
	},
	"__mem_store": {
		Name:   "__mem_store",
		Params: []ast.Type{ast.I32, ast.I32},
		Ret:    ast.I32,
	},
	"__mem_store8": {
		Name:   "__mem_store8",
		Params: []ast.Type{ast.I32, ast.I32},
		Ret:    ast.I32,
	},
	"__fd_write": {
		Name:   "__fd_write",
		Params: []ast.Type{ast.I32, ast.I32, ast.I32, ast.I32},
		Ret:    ast.I32,
	},
	"__fd_read": {
		Name:   "__fd_read",
		Params: []ast.Type{ast.I32, ast.I32, ast.I32, ast.I32},
		Ret:    ast.I32,
	},
	"__path_open": {
		Name:   "__path_open",
		Params: []ast.Type{ast.I32, ast.I32, ast.I32, ast.I32, ast.I32, ast.I32, ast.I32, ast.I32, ast.I32},
		Ret:    ast.I32,
	},
	"__fd_close": {
		Name:   "__fd_close",
		Params: []ast.Type{ast.I32},
		Ret:    ast.I32,
	},
}

// Is reports whether name is a reserved intrinsic name.
func Is(name string) bool {
	_, ok := Table[name]
	return ok
}

// Lookup returns the fixed signature for an intrinsic name.
func Lookup(name string) (Sig, bool) {
	sig, ok := Table[name]
	return sig, ok
}

// WasiImported lists which of the four syscall-shaped intrinsics are
// backed by a wasi_snapshot_preview1 import (all but the pure memory
// intrinsics).
var WasiImported = map[string]string{
	"__fd_write":  "fd_write",
	"__fd_read":   "fd_read",
	"__path_open": "path_open",
	"__fd_close":  "fd_close",
}
