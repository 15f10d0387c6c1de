// Package layout implements the lowering plan shared by both backends:
// struct flattening into named scalar slots, the per-function locals table
// built by walking params then every Let in pre-order through nested
// control flow, and the function-signature table every call site needs to
// decide whether to flatten a struct argument or insert an implicit sret
// pointer. Centralizing this keeps the two backends from drifting apart,
// the same way the intrinsic table is shared.
package layout

import (
	"fmt"

	"github.com/meelang/mee/internal/ast"
)

// Error is raised for backend preconditions the checker does not already
// enforce.
type Error struct{ Message string }

func (e *Error) Error() string { return "codegen error: " + e.Message }

func Fail(format string, args ...any) {
	panic(&Error{Message: fmt.Sprintf(format, args...)})
}

// Structs maps struct name to its declaration (field order is layout).
type Structs map[string]*ast.StructDecl

func BuildStructs(prog *ast.Program) Structs {
	s := Structs{}
	for _, sd := range prog.Structs {
		s[sd.Name] = sd
	}
	return s
}

// Fields returns the ordered field list of a struct, panicking with a
// codegen Error if the struct is unknown.
func (s Structs) Fields(name string) []ast.Param {
	sd, ok := s[name]
	if !ok {
		Fail("unknown struct %s", name)
	}
	return sd.Fields
}

// FuncSig is a function's flattening-relevant signature.
type FuncSig struct {
	Params     []ast.Type
	Ret        ast.Type
	RetStruct  bool
	StructName string
}

type Funcs map[string]FuncSig

func BuildFuncs(prog *ast.Program) Funcs {
	f := Funcs{}
	for _, fn := range prog.Functions {
		params := make([]ast.Type, len(fn.Params))
		for i, p := range fn.Params {
			params[i] = p.Ty
		}
		f[fn.Name] = FuncSig{
			Params:     params,
			Ret:        fn.Ret,
			RetStruct:  fn.Ret.Kind == ast.TStruct,
			StructName: fn.Ret.Struct,
		}
	}
	return f
}

// SlotKind distinguishes a plain scalar local from a struct's flattened
// field group.
type SlotKind int

const (
	ScalarSlot SlotKind = iota
	StructSlot
)

// Var describes one source-level variable (parameter or Let target) in
// terms of the scalar slot(s) codegen must allocate for it.
type Var struct {
	Name       string
	Kind       SlotKind
	StructName string   // set when Kind == StructSlot
	Fields     []string // flattened field names, declaration order
}

// FieldSlot returns the synthetic local name for one flattened struct
// field: __field__<var>__<field>.
func FieldSlot(varName, field string) string {
	return fmt.Sprintf("__field__%s__%s", varName, field)
}

// Locals is the ordered table of every scalar slot a function needs:
// params first (in declaration order, struct params flattened), then
// every Let found walking the body in pre-order through nested
// if/while blocks. A function returning a struct
// gets an implicit __sret_ptr slot allocated first, ahead of the
// declared parameters.
type Locals struct {
	Vars      map[string]Var // by source name
	Order     []Var          // declaration/discovery order
	SRetSlot  string         // "" if the function does not return a struct
	HasSRet   bool
}

func BuildLocals(fn *ast.Function, structs Structs) *Locals {
	l := &Locals{Vars: map[string]Var{}}

	if fn.Ret.Kind == ast.TStruct {
		l.HasSRet = true
		l.SRetSlot = "__sret_ptr"
	}

	for _, p := range fn.Params {
		l.add(p.Name, p.Ty, structs)
	}
	walkBlockLets(fn.Body, func(name string, ty ast.Type) {
		l.add(name, ty, structs)
	})
	return l
}

func (l *Locals) add(name string, ty ast.Type, structs Structs) {
	if ty.Kind == ast.TStruct {
		fields := structs.Fields(ty.Struct)
		names := make([]string, len(fields))
		for i, f := range fields {
			if !f.Ty.Scalar() {
				Fail("struct %s field %s is not scalar", ty.Struct, f.Name)
			}
			names[i] = f.Name
		}
		v := Var{Name: name, Kind: StructSlot, StructName: ty.Struct, Fields: names}
		l.Vars[name] = v
		l.Order = append(l.Order, v)
		return
	}
	v := Var{Name: name, Kind: ScalarSlot}
	l.Vars[name] = v
	l.Order = append(l.Order, v)
}

// walkBlockLets visits every Let statement in pre-order, descending
// through If/While sub-blocks.
func walkBlockLets(b *ast.Block, visit func(name string, ty ast.Type)) {
	for _, s := range b.Stmts {
		switch s := s.(type) {
		case *ast.LetStmt:
			visit(s.Name, s.Ty)
		case *ast.IfStmt:
			walkBlockLets(s.Then, visit)
			if s.Else != nil {
				walkBlockLets(s.Else, visit)
			}
		case *ast.WhileStmt:
			walkBlockLets(s.Body, visit)
		}
	}
}

// FlatParamCount returns how many flat scalar slots a parameter list
// occupies once struct params are flattened.
func FlatParamCount(params []ast.Type, structs Structs) int {
	n := 0
	for _, p := range params {
		if p.Kind == ast.TStruct {
			n += len(structs.Fields(p.Struct))
		} else {
			n++
		}
	}
	return n
}
