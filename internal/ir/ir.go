// Package ir renders a program's AST as a textual S-expression tree. It is
// a pretty-printer only; there is no IR reader.
package ir

import (
	"fmt"
	"strings"

	"github.com/meelang/mee/internal/ast"
)

// Emit renders prog as the `(mee_ir v0 ...)` S-expression text.
func Emit(prog *ast.Program) string {
	var sb strings.Builder
	sb.WriteString("(mee_ir v0\n")

	writeIndent(&sb, 1)
	sb.WriteString("(structs")
	for _, sd := range prog.Structs {
		sb.WriteString("\n")
		writeIndent(&sb, 2)
		emitStruct(&sb, sd)
	}
	sb.WriteString(")\n")

	writeIndent(&sb, 1)
	sb.WriteString("(functions")
	for _, f := range prog.Functions {
		sb.WriteString("\n")
		writeIndent(&sb, 2)
		emitFunction(&sb, f)
	}
	sb.WriteString("))\n")

	return sb.String()
}

func writeIndent(sb *strings.Builder, depth int) {
	sb.WriteString(strings.Repeat("  ", depth))
}

func emitStruct(sb *strings.Builder, sd *ast.StructDecl) {
	fmt.Fprintf(sb, "(struct %s", sd.Name)
	for _, f := range sd.Fields {
		fmt.Fprintf(sb, " (param %s %s)", f.Name, f.Ty)
	}
	sb.WriteString(")")
}

func emitFunction(sb *strings.Builder, f *ast.Function) {
	fmt.Fprintf(sb, "(fn %s (params", f.Name)
	for _, p := range f.Params {
		fmt.Fprintf(sb, " (param %s %s)", p.Name, p.Ty)
	}
	fmt.Fprintf(sb, ") (ret %s)\n", f.Ret)
	writeIndent(sb, 3)
	emitBlock(sb, f.Body, 3)
	sb.WriteString(")")
}

func emitBlock(sb *strings.Builder, b *ast.Block, depth int) {
	sb.WriteString("(block")
	for _, s := range b.Stmts {
		sb.WriteString("\n")
		writeIndent(sb, depth+1)
		emitStmt(sb, s, depth+1)
	}
	sb.WriteString(")")
}

func emitStmt(sb *strings.Builder, s ast.Stmt, depth int) {
	switch s := s.(type) {
	case *ast.LetStmt:
		fmt.Fprintf(sb, "(let %s %s ", s.Name, s.Ty)
		emitExpr(sb, s.Expr)
		sb.WriteString(")")
	case *ast.AssignStmt:
		fmt.Fprintf(sb, "(assign %s ", s.Name)
		emitExpr(sb, s.Expr)
		sb.WriteString(")")
	case *ast.FieldAssignStmt:
		sb.WriteString("(field_assign ")
		emitExpr(sb, s.Base)
		fmt.Fprintf(sb, " %s ", s.Field)
		emitExpr(sb, s.Expr)
		sb.WriteString(")")
	case *ast.IfStmt:
		sb.WriteString("(if ")
		emitExpr(sb, s.Cond)
		sb.WriteString(" ")
		emitBlock(sb, s.Then, depth)
		if s.Else != nil {
			sb.WriteString(" (else ")
			emitBlock(sb, s.Else, depth)
			sb.WriteString(")")
		}
		sb.WriteString(")")
	case *ast.WhileStmt:
		sb.WriteString("(while ")
		emitExpr(sb, s.Cond)
		sb.WriteString(" ")
		emitBlock(sb, s.Body, depth)
		sb.WriteString(")")
	case *ast.ReturnStmt:
		sb.WriteString("(return ")
		emitExpr(sb, s.Expr)
		sb.WriteString(")")
	case *ast.ExprStmt:
		sb.WriteString("(expr ")
		emitExpr(sb, s.Expr)
		sb.WriteString(")")
	default:
		sb.WriteString("(unknown)")
	}
}

func emitExpr(sb *strings.Builder, e ast.Expr) {
	switch e := e.(type) {
	case *ast.IntLit:
		fmt.Fprintf(sb, "%d", e.Value)
	case *ast.CharLit:
		fmt.Fprintf(sb, "%d", e.Value)
	case *ast.BoolLit:
		if e.Value {
			sb.WriteString("1")
		} else {
			sb.WriteString("0")
		}
	case *ast.StringLit:
		fmt.Fprintf(sb, "%q", escape(e.Value))
	case *ast.Ident:
		sb.WriteString(e.Name)
	case *ast.UnaryExpr:
		sb.WriteString("(! ")
		emitExpr(sb, e.Expr)
		sb.WriteString(")")
	case *ast.BinaryExpr:
		fmt.Fprintf(sb, "(%s ", e.Op)
		emitExpr(sb, e.Left)
		sb.WriteString(" ")
		emitExpr(sb, e.Right)
		sb.WriteString(")")
	case *ast.CallExpr:
		fmt.Fprintf(sb, "(call %s", e.Callee)
		for _, a := range e.Args {
			sb.WriteString(" ")
			emitExpr(sb, a)
		}
		sb.WriteString(")")
	case *ast.FieldAccessExpr:
		sb.WriteString("(field ")
		emitExpr(sb, e.Base)
		fmt.Fprintf(sb, " %s)", e.Field)
	case *ast.StructInitExpr:
		fmt.Fprintf(sb, "(struct_init %s", e.Name)
		for _, f := range e.Fields {
			sb.WriteString(" (")
			sb.WriteString(f.Name)
			sb.WriteString(" ")
			emitExpr(sb, f.Expr)
			sb.WriteString(")")
		}
		sb.WriteString(")")
	default:
		sb.WriteString("(unknown)")
	}
}

// escape returns s unchanged. The IR's escape set (\ " \n \r \t) is
// produced by the %q verb at the call site, which escapes these the same
// way and additionally escapes other non-printable bytes.
func escape(s string) string { return s }
