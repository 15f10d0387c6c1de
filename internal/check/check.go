// Package check implements Mee's single-pass type checker.
package check

import (
	"fmt"

	"github.com/meelang/mee/internal/ast"
	"github.com/meelang/mee/internal/intrinsics"
)

// Error is a type error: a message naming the rule violated and the
// offending name. Type errors carry no byte offset.
type Error struct {
	Message string
}

func (e *Error) Error() string { return "type error: " + e.Message }

func fail(format string, args ...any) {
	panic(&Error{Message: fmt.Sprintf(format, args...)})
}

type funcSig struct {
	params []ast.Type
	ret    ast.Type
}

// Checker holds the two program-wide tables (function signatures, struct
// definitions) plus, per function, a mutable variable environment.
type Checker struct {
	funcs   map[string]funcSig
	structs map[string]*ast.StructDecl
	vars    map[string]ast.Type
	retType ast.Type
}

// Check type-checks prog, returning the first violated rule as an error or
// nil if the program is well-typed.
func Check(prog *ast.Program) (err error) {
	c := &Checker{
		funcs:   map[string]funcSig{},
		structs: map[string]*ast.StructDecl{},
	}
	defer func() {
		if r := recover(); r != nil {
			ce, ok := r.(*Error)
			if !ok {
				panic(r)
			}
			err = ce
		}
	}()

	for _, sd := range prog.Structs {
		if _, dup := c.structs[sd.Name]; dup {
			fail("duplicate struct %s", sd.Name)
		}
		c.structs[sd.Name] = sd
	}
	for _, f := range prog.Functions {
		if _, dup := c.funcs[f.Name]; dup {
			fail("duplicate function %s", f.Name)
		}
		params := make([]ast.Type, len(f.Params))
		for i, p := range f.Params {
			params[i] = p.Ty
		}
		c.funcs[f.Name] = funcSig{params: params, ret: f.Ret}
	}

	// Struct fields must all be scalar; rejecting them here keeps the
	// same shape from ever reaching the backends.
	for _, sd := range prog.Structs {
		for _, f := range sd.Fields {
			if !f.Ty.Scalar() {
				fail("struct %s field %s must be scalar", sd.Name, f.Name)
			}
		}
	}

	for _, f := range prog.Functions {
		c.checkFunction(f)
	}
	return nil
}

func (c *Checker) checkFunction(f *ast.Function) {
	c.vars = map[string]ast.Type{}
	c.retType = f.Ret
	for _, p := range f.Params {
		c.vars[p.Name] = p.Ty
	}
	c.checkBlock(f.Body)
}

// checkBlock treats the block as an extension of the surrounding variable
// environment: variables declared inside persist past the block.
func (c *Checker) checkBlock(b *ast.Block) {
	for _, s := range b.Stmts {
		c.checkStmt(s)
	}
}

func (c *Checker) checkStmt(s ast.Stmt) {
	switch s := s.(type) {
	case *ast.LetStmt:
		ty := c.typeOf(s.Expr)
		if !ty.Equal(s.Ty) {
			fail("let %s: expected %s, got %s", s.Name, s.Ty, ty)
		}
		c.vars[s.Name] = s.Ty
	case *ast.AssignStmt:
		ty, ok := c.vars[s.Name]
		if !ok {
			fail("assign to undeclared variable %s", s.Name)
		}
		et := c.typeOf(s.Expr)
		if !et.Equal(ty) {
			fail("assign %s: expected %s, got %s", s.Name, ty, et)
		}
	case *ast.FieldAssignStmt:
		ident, ok := s.Base.(*ast.Ident)
		if !ok {
			fail("field assign base must be a variable")
		}
		bty, ok := c.vars[ident.Name]
		if !ok {
			fail("assign to undeclared variable %s", ident.Name)
		}
		if bty.Kind != ast.TStruct {
			fail("field assign on non-struct variable %s", ident.Name)
		}
		fty, ok := c.fieldType(bty.Struct, s.Field)
		if !ok {
			fail("struct %s has no field %s", bty.Struct, s.Field)
		}
		et := c.typeOf(s.Expr)
		if !et.Equal(fty) {
			fail("field assign %s.%s: expected %s, got %s", ident.Name, s.Field, fty, et)
		}
	case *ast.IfStmt:
		if !c.typeOf(s.Cond).Equal(ast.Bool) {
			fail("if condition must be bool")
		}
		c.checkBlock(s.Then)
		if s.Else != nil {
			c.checkBlock(s.Else)
		}
	case *ast.WhileStmt:
		if !c.typeOf(s.Cond).Equal(ast.Bool) {
			fail("while condition must be bool")
		}
		c.checkBlock(s.Body)
	case *ast.ReturnStmt:
		ty := c.typeOf(s.Expr)
		if !ty.Equal(c.retType) {
			fail("return: expected %s, got %s", c.retType, ty)
		}
	case *ast.ExprStmt:
		c.typeOf(s.Expr)
	default:
		fail("unknown statement node")
	}
}

func (c *Checker) fieldType(structName, field string) (ast.Type, bool) {
	sd, ok := c.structs[structName]
	if !ok {
		return ast.Type{}, false
	}
	for _, f := range sd.Fields {
		if f.Name == field {
			return f.Ty, true
		}
	}
	return ast.Type{}, false
}

func numeric(t ast.Type) bool { return t.Kind == ast.TI32 || t.Kind == ast.TChar }

func (c *Checker) typeOf(e ast.Expr) ast.Type {
	switch e := e.(type) {
	case *ast.IntLit:
		return ast.I32
	case *ast.CharLit:
		return ast.Char
	case *ast.BoolLit:
		return ast.Bool
	case *ast.StringLit:
		return ast.Str
	case *ast.Ident:
		ty, ok := c.vars[e.Name]
		if !ok {
			fail("undeclared identifier %s", e.Name)
		}
		return ty
	case *ast.UnaryExpr:
		c.typeOf(e.Expr) // any numeric/bool operand is truthy-compared
		return ast.Bool
	case *ast.BinaryExpr:
		lt := c.typeOf(e.Left)
		rt := c.typeOf(e.Right)
		switch {
		case e.Op.IsArith():
			if !numeric(lt) || !numeric(rt) {
				fail("operator %s requires numeric operands", e.Op)
			}
			return ast.I32
		case e.Op.IsCompare():
			if !numeric(lt) || !numeric(rt) {
				fail("operator %s requires numeric operands", e.Op)
			}
			return ast.Bool
		case e.Op.IsLogic():
			return ast.Bool
		default:
			fail("unknown binary operator %s", e.Op)
			return ast.Type{}
		}
	case *ast.CallExpr:
		return c.typeOfCall(e)
	case *ast.FieldAccessExpr:
		ident, ok := e.Base.(*ast.Ident)
		if !ok {
			fail("nested field access on %s", e.Field)
		}
		bty, ok := c.vars[ident.Name]
		if !ok {
			fail("undeclared identifier %s", ident.Name)
		}
		if bty.Kind != ast.TStruct {
			fail("field access %s on non-struct %s", e.Field, ident.Name)
		}
		fty, ok := c.fieldType(bty.Struct, e.Field)
		if !ok {
			fail("struct %s has no field %s", bty.Struct, e.Field)
		}
		return fty
	case *ast.StructInitExpr:
		sd, ok := c.structs[e.Name]
		if !ok {
			fail("unknown struct %s", e.Name)
		}
		provided := map[string]ast.Type{}
		for _, fld := range e.Fields {
			if _, dup := provided[fld.Name]; dup {
				fail("struct init %s: duplicate field %s", e.Name, fld.Name)
			}
			provided[fld.Name] = c.typeOf(fld.Expr)
		}
		if len(provided) != len(sd.Fields) {
			fail("struct init %s: wrong number of fields", e.Name)
		}
		for _, f := range sd.Fields {
			ty, ok := provided[f.Name]
			if !ok {
				fail("struct init %s: missing field %s", e.Name, f.Name)
			}
			if !ty.Equal(f.Ty) {
				fail("struct init %s.%s: expected %s, got %s", e.Name, f.Name, f.Ty, ty)
			}
		}
		return ast.StructT(e.Name)
	default:
		fail("unknown expression node")
		return ast.Type{}
	}
}

func (c *Checker) typeOfCall(e *ast.CallExpr) ast.Type {
	if sig, ok := intrinsics.Lookup(e.Callee); ok {
		if len(e.Args) != len(sig.Params) {
			fail("call %s: expected %d args, got %d", e.Callee, len(sig.Params), len(e.Args))
		}
		for i, a := range e.Args {
			at := c.typeOf(a)
			if !at.Equal(sig.Params[i]) {
				fail("call %s: arg %d expected %s, got %s", e.Callee, i, sig.Params[i], at)
			}
		}
		return sig.Ret
	}

	fs, ok := c.funcs[e.Callee]
	if !ok {
		fail("call to undeclared function %s", e.Callee)
	}
	if len(e.Args) != len(fs.params) {
		fail("call %s: expected %d args, got %d", e.Callee, len(fs.params), len(e.Args))
	}
	for i, a := range e.Args {
		at := c.typeOf(a)
		if !at.Equal(fs.params[i]) {
			fail("call %s: arg %d expected %s, got %s", e.Callee, i, fs.params[i], at)
		}
	}
	return fs.ret
}
