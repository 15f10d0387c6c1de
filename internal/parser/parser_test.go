package parser_test

import (
	"testing"

	"github.com/meelang/mee/internal/ast"
	"github.com/meelang/mee/internal/parser"
)

func TestParseFunctionSkeleton(t *testing.T) {
	prog, err := parser.Parse([]byte(`
		fn add(a: i32, b: i32) -> i32 {
			return a + b;
		}
	`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(prog.Functions) != 1 {
		t.Fatalf("expected 1 function, got %d", len(prog.Functions))
	}
	fn := prog.Functions[0]
	if fn.Name != "add" || len(fn.Params) != 2 || !fn.Ret.Equal(ast.I32) {
		t.Fatalf("unexpected function shape: %+v", fn)
	}
	if len(fn.Body.Stmts) != 1 {
		t.Fatalf("expected 1 statement, got %d", len(fn.Body.Stmts))
	}
	ret, ok := fn.Body.Stmts[0].(*ast.ReturnStmt)
	if !ok {
		t.Fatalf("expected ReturnStmt, got %T", fn.Body.Stmts[0])
	}
	bin, ok := ret.Expr.(*ast.BinaryExpr)
	if !ok || bin.Op != ast.Add {
		t.Fatalf("expected a + b, got %#v", ret.Expr)
	}
}

func TestParseStructDeclAndInit(t *testing.T) {
	prog, err := parser.Parse([]byte(`
		struct Point { x: i32, y: i32 }
		fn origin() -> Point {
			let p: Point = Point { x: 0, y: 0 };
			return p;
		}
	`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(prog.Structs) != 1 || prog.Structs[0].Name != "Point" {
		t.Fatalf("unexpected structs: %+v", prog.Structs)
	}
	let := prog.Functions[0].Body.Stmts[0].(*ast.LetStmt)
	init, ok := let.Expr.(*ast.StructInitExpr)
	if !ok || init.Name != "Point" || len(init.Fields) != 2 {
		t.Fatalf("unexpected struct init: %#v", let.Expr)
	}
}

func TestParseFieldAssign(t *testing.T) {
	prog, err := parser.Parse([]byte(`
		struct Point { x: i32, y: i32 }
		fn bump(p: Point) -> void {
			p.x = p.x + 1;
		}
	`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	fa, ok := prog.Functions[0].Body.Stmts[0].(*ast.FieldAssignStmt)
	if !ok {
		t.Fatalf("expected FieldAssignStmt, got %T", prog.Functions[0].Body.Stmts[0])
	}
	if ident, ok := fa.Base.(*ast.Ident); !ok || ident.Name != "p" || fa.Field != "x" {
		t.Fatalf("unexpected field assign target: %#v", fa)
	}
}

func TestParseNestedFieldAssignIsAcceptedStructurally(t *testing.T) {
	// a.b.c = 1; must parse (nested field access is a codegen/check-time
	// error, not a parse error) with only the innermost field retained on
	// FieldAssignStmt and the rest folded into Base.
	prog, err := parser.Parse([]byte(`
		fn f(a: Outer) -> void {
			a.b.c = 1;
		}
	`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	fa := prog.Functions[0].Body.Stmts[0].(*ast.FieldAssignStmt)
	if fa.Field != "c" {
		t.Fatalf("expected innermost field c, got %s", fa.Field)
	}
	if _, ok := fa.Base.(*ast.FieldAccessExpr); !ok {
		t.Fatalf("expected Base to be a.b, got %#v", fa.Base)
	}
}

func TestParseOperatorPrecedence(t *testing.T) {
	prog, err := parser.Parse([]byte(`
		fn f() -> bool {
			return 1 + 2 * 3 < 10 && true;
		}
	`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	ret := prog.Functions[0].Body.Stmts[0].(*ast.ReturnStmt)
	and, ok := ret.Expr.(*ast.BinaryExpr)
	if !ok || and.Op != ast.And {
		t.Fatalf("expected top-level &&, got %#v", ret.Expr)
	}
	lt, ok := and.Left.(*ast.BinaryExpr)
	if !ok || lt.Op != ast.Lt {
		t.Fatalf("expected < under &&, got %#v", and.Left)
	}
	add, ok := lt.Left.(*ast.BinaryExpr)
	if !ok || add.Op != ast.Add {
		t.Fatalf("expected + under <, got %#v", lt.Left)
	}
	if _, ok := add.Right.(*ast.BinaryExpr); !ok {
		t.Fatalf("expected * to bind tighter than +, got %#v", add.Right)
	}
}

func TestParseErrorReportsOffset(t *testing.T) {
	_, err := parser.Parse([]byte(`fn f(a: i32 -> i32 { return a; }`))
	if err == nil {
		t.Fatal("expected a parse error for the missing ')'")
	}
	pe, ok := err.(*parser.Error)
	if !ok {
		t.Fatalf("expected *parser.Error, got %T", err)
	}
	if pe.Pos == 0 {
		t.Errorf("expected a nonzero byte offset, got %d", pe.Pos)
	}
}

func TestParseUnknownTypeFallsBackToStructName(t *testing.T) {
	prog, err := parser.Parse([]byte(`fn f(a: Widget) -> void { }`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	ty := prog.Functions[0].Params[0].Ty
	if ty.Kind != ast.TStruct || ty.Struct != "Widget" {
		t.Fatalf("expected struct type Widget, got %s", ty)
	}
}
