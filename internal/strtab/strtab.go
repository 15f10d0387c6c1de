// Package strtab builds the per-program string-literal table: interned,
// deduplicated by value, in first-occurrence order (function order, block
// order, statement order, expression pre-order).
package strtab

import "github.com/meelang/mee/internal/ast"

// Table is the ordered, deduplicated set of string literals in a program.
type Table struct {
	order   []string
	offsets map[string]int // value -> index into order
}

// Build walks prog in the canonical order and interns every StringLit it
// finds.
func Build(prog *ast.Program) *Table {
	t := &Table{offsets: map[string]int{}}
	for _, f := range prog.Functions {
		t.walkBlock(f.Body)
	}
	return t
}

func (t *Table) intern(s string) {
	if _, ok := t.offsets[s]; ok {
		return
	}
	t.offsets[s] = len(t.order)
	t.order = append(t.order, s)
}

func (t *Table) walkBlock(b *ast.Block) {
	for _, s := range b.Stmts {
		t.walkStmt(s)
	}
}

func (t *Table) walkStmt(s ast.Stmt) {
	switch s := s.(type) {
	case *ast.LetStmt:
		t.walkExpr(s.Expr)
	case *ast.AssignStmt:
		t.walkExpr(s.Expr)
	case *ast.FieldAssignStmt:
		t.walkExpr(s.Expr)
	case *ast.IfStmt:
		t.walkExpr(s.Cond)
		t.walkBlock(s.Then)
		if s.Else != nil {
			t.walkBlock(s.Else)
		}
	case *ast.WhileStmt:
		t.walkExpr(s.Cond)
		t.walkBlock(s.Body)
	case *ast.ReturnStmt:
		t.walkExpr(s.Expr)
	case *ast.ExprStmt:
		t.walkExpr(s.Expr)
	}
}

func (t *Table) walkExpr(e ast.Expr) {
	switch e := e.(type) {
	case *ast.StringLit:
		t.intern(e.Value)
	case *ast.UnaryExpr:
		t.walkExpr(e.Expr)
	case *ast.BinaryExpr:
		t.walkExpr(e.Left)
		t.walkExpr(e.Right)
	case *ast.CallExpr:
		for _, a := range e.Args {
			t.walkExpr(a)
		}
	case *ast.FieldAccessExpr:
		t.walkExpr(e.Base)
	case *ast.StructInitExpr:
		for _, f := range e.Fields {
			t.walkExpr(f.Expr)
		}
	}
}

// Values returns the interned strings in first-occurrence order.
func (t *Table) Values() []string { return t.order }

// Offset returns the index (not byte offset) of s in first-occurrence
// order; callers combine this with per-backend layout (contiguous
// concatenation for WAT, one rodata label per string for x86-64).
func (t *Table) Offset(s string) int { return t.offsets[s] }

// Len reports how many distinct strings were interned.
func (t *Table) Len() int { return len(t.order) }
