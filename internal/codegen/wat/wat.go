// Package wat lowers a Mee program into a textual WebAssembly module
// targeting a WASI host.
package wat

import (
	"fmt"
	"strings"

	"github.com/meelang/mee/internal/ast"
	"github.com/meelang/mee/internal/codegen/layout"
	"github.com/meelang/mee/internal/intrinsics"
	"github.com/meelang/mee/internal/strtab"
)

const scratchOffset = 65536

// Emit lowers prog to a single `(module ...)` text.
func Emit(prog *ast.Program) string {
	g := &gen{
		structs: layout.BuildStructs(prog),
		funcs:   layout.BuildFuncs(prog),
		strs:    strtab.Build(prog),
	}
	g.computeStringOffsets()
	g.usedIntrinsics = collectUsedIntrinsics(prog)

	var sb strings.Builder
	sb.WriteString("(module\n")

	for _, name := range sortedIntrinsics(g.usedIntrinsics) {
		if wasmName, ok := intrinsics.WasiImported[name]; ok {
			sig := intrinsics.Table[name]
			sb.WriteString(fmt.Sprintf("  (import \"wasi_snapshot_preview1\" \"%s\" (func $%s", wasmName, name))
			for range sig.Params {
				sb.WriteString(" (param i32)")
			}
			sb.WriteString(" (result i32)))\n")
		}
	}

	// Struct-returning functions read and write their results through the
	// fixed linear-memory scratch offset, so they need a memory too.
	needsMemory := g.strs.Len() > 0 || len(g.usedIntrinsics) > 0
	if !needsMemory {
		for _, sig := range g.funcs {
			if sig.RetStruct {
				needsMemory = true
				break
			}
		}
	}
	if needsMemory {
		sb.WriteString("  (memory 2048)\n")
		sb.WriteString("  (export \"memory\" (memory 0))\n")
	}

	offset := 0
	for _, s := range g.strs.Values() {
		data := []byte(s)
		sb.WriteString(fmt.Sprintf("  (data (i32.const %d) \"%s\")\n", offset, escapeWatString(data)))
		offset += len(data)
	}

	hasMain := false
	for _, f := range prog.Functions {
		sb.WriteString(g.emitFunction(f))
		if f.Name == "main" {
			hasMain = true
		}
	}

	if hasMain {
		sb.WriteString("  (export \"main\" (func $main))\n")
	}

	sb.WriteString(")\n")
	return sb.String()
}

type gen struct {
	structs        layout.Structs
	funcs          layout.Funcs
	strs           *strtab.Table
	stringOffsets  map[string]int
	usedIntrinsics map[string]bool

	locals   *layout.Locals
	labelSeq int
}

func (g *gen) computeStringOffsets() {
	g.stringOffsets = map[string]int{}
	offset := 0
	for _, s := range g.strs.Values() {
		g.stringOffsets[s] = offset
		offset += len(s)
	}
}

func collectUsedIntrinsics(prog *ast.Program) map[string]bool {
	used := map[string]bool{}
	var walkExpr func(e ast.Expr)
	var walkStmt func(s ast.Stmt)
	walkExpr = func(e ast.Expr) {
		switch e := e.(type) {
		case *ast.UnaryExpr:
			walkExpr(e.Expr)
		case *ast.BinaryExpr:
			walkExpr(e.Left)
			walkExpr(e.Right)
		case *ast.CallExpr:
			if intrinsics.Is(e.Callee) {
				used[e.Callee] = true
			}
			for _, a := range e.Args {
				walkExpr(a)
			}
		case *ast.FieldAccessExpr:
			walkExpr(e.Base)
		case *ast.StructInitExpr:
			for _, f := range e.Fields {
				walkExpr(f.Expr)
			}
		}
	}
	var walkBlock func(b *ast.Block)
	walkStmt = func(s ast.Stmt) {
		switch s := s.(type) {
		case *ast.LetStmt:
			walkExpr(s.Expr)
		case *ast.AssignStmt:
			walkExpr(s.Expr)
		case *ast.FieldAssignStmt:
			walkExpr(s.Expr)
		case *ast.IfStmt:
			walkExpr(s.Cond)
			walkBlock(s.Then)
			if s.Else != nil {
				walkBlock(s.Else)
			}
		case *ast.WhileStmt:
			walkExpr(s.Cond)
			walkBlock(s.Body)
		case *ast.ReturnStmt:
			walkExpr(s.Expr)
		case *ast.ExprStmt:
			walkExpr(s.Expr)
		}
	}
	walkBlock = func(b *ast.Block) {
		for _, s := range b.Stmts {
			walkStmt(s)
		}
	}
	for _, f := range prog.Functions {
		walkBlock(f.Body)
	}
	return used
}

func sortedIntrinsics(used map[string]bool) []string {
	order := []string{"__fd_write", "__fd_read", "__path_open", "__fd_close"}
	var out []string
	for _, n := range order {
		if used[n] {
			out = append(out, n)
		}
	}
	return out
}

func escapeWatString(data []byte) string {
	var sb strings.Builder
	for _, b := range data {
		switch b {
		case '"':
			sb.WriteString("\\\"")
		case '\\':
			sb.WriteString("\\\\")
		default:
			if b >= 0x20 && b < 0x7f {
				sb.WriteByte(b)
			} else {
				fmt.Fprintf(&sb, "\\%02x", b)
			}
		}
	}
	return sb.String()
}

func retCategory(ty ast.Type) string {
	switch {
	case ty.Scalar():
		return "scalar"
	case ty.Kind == ast.TStruct:
		return "struct"
	default:
		return "void"
	}
}

func (g *gen) emitFunction(f *ast.Function) string {
	g.locals = layout.BuildLocals(f, g.structs)
	g.labelSeq = 0

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("  (func $%s", f.Name))

	if g.locals.HasSRet {
		sb.WriteString(fmt.Sprintf(" (param $%s i32)", g.locals.SRetSlot))
	}
	for _, p := range f.Params {
		v := g.locals.Vars[p.Name]
		if v.Kind == layout.StructSlot {
			for _, fld := range v.Fields {
				sb.WriteString(fmt.Sprintf(" (param $%s i32)", layout.FieldSlot(p.Name, fld)))
			}
		} else {
			sb.WriteString(fmt.Sprintf(" (param $%s i32)", p.Name))
		}
	}

	switch retCategory(f.Ret) {
	case "scalar":
		sb.WriteString(" (result i32)")
	}
	sb.WriteString("\n")

	// Locals declarations for every Let-derived slot (params are declared
	// above, not here).
	for _, v := range g.locals.Order[len(f.Params):] {
		if v.Kind == layout.StructSlot {
			for _, fld := range v.Fields {
				sb.WriteString(fmt.Sprintf("    (local $%s i32)\n", layout.FieldSlot(v.Name, fld)))
			}
		} else {
			sb.WriteString(fmt.Sprintf("    (local $%s i32)\n", v.Name))
		}
	}

	for _, s := range f.Body.Stmts {
		g.emitStmt(&sb, s)
	}

	switch retCategory(f.Ret) {
	case "scalar":
		sb.WriteString("    i32.const 0\n    return\n")
	}

	sb.WriteString("  )\n")
	return sb.String()
}

func (g *gen) emitStmt(sb *strings.Builder, s ast.Stmt) {
	switch s := s.(type) {
	case *ast.LetStmt:
		g.emitLetOrAssign(sb, s.Name, s.Ty, s.Expr)
	case *ast.AssignStmt:
		v := g.locals.Vars[s.Name]
		ty := ast.I32
		if v.Kind == layout.StructSlot {
			ty = ast.StructT(v.StructName)
		}
		g.emitLetOrAssign(sb, s.Name, ty, s.Expr)
	case *ast.FieldAssignStmt:
		ident, ok := s.Base.(*ast.Ident)
		if !ok {
			layout.Fail("nested field access")
		}
		g.emitExprValue(sb, s.Expr)
		sb.WriteString(fmt.Sprintf("    local.set $%s\n", layout.FieldSlot(ident.Name, s.Field)))
	case *ast.IfStmt:
		g.emitExprValue(sb, s.Cond)
		sb.WriteString("    if\n")
		for _, st := range s.Then.Stmts {
			g.emitStmt(sb, st)
		}
		if s.Else != nil {
			sb.WriteString("    else\n")
			for _, st := range s.Else.Stmts {
				g.emitStmt(sb, st)
			}
		}
		sb.WriteString("    end\n")
	case *ast.WhileStmt:
		n := g.labelSeq
		g.labelSeq++
		sb.WriteString(fmt.Sprintf("    block $exit_%d\n", n))
		sb.WriteString(fmt.Sprintf("      loop $loop_%d\n", n))
		g.emitExprValue(sb, s.Cond)
		sb.WriteString("        i32.eqz\n")
		sb.WriteString(fmt.Sprintf("        br_if $exit_%d\n", n))
		for _, st := range s.Body.Stmts {
			g.emitStmt(sb, st)
		}
		sb.WriteString(fmt.Sprintf("        br $loop_%d\n", n))
		sb.WriteString("      end\n")
		sb.WriteString("    end\n")
	case *ast.ReturnStmt:
		g.emitReturn(sb, s.Expr)
	case *ast.ExprStmt:
		leavesValue := g.emitExprValue(sb, s.Expr)
		if leavesValue {
			sb.WriteString("    drop\n")
		}
	default:
		layout.Fail("unknown statement node")
	}
}

// emitLetOrAssign handles the Let and Assign shapes uniformly: scalar
// store, field-wise struct init/copy, or a struct-returning call.
func (g *gen) emitLetOrAssign(sb *strings.Builder, name string, ty ast.Type, expr ast.Expr) {
	if ty.Kind != ast.TStruct {
		g.emitExprValue(sb, expr)
		sb.WriteString(fmt.Sprintf("    local.set $%s\n", name))
		return
	}

	switch e := expr.(type) {
	case *ast.StructInitExpr:
		fields := g.structs.Fields(ty.Struct)
		byName := map[string]ast.Expr{}
		for _, fe := range e.Fields {
			byName[fe.Name] = fe.Expr
		}
		for _, f := range fields {
			g.emitExprValue(sb, byName[f.Name])
			sb.WriteString(fmt.Sprintf("    local.set $%s\n", layout.FieldSlot(name, f.Name)))
		}
	case *ast.Ident:
		fields := g.structs.Fields(ty.Struct)
		for _, f := range fields {
			sb.WriteString(fmt.Sprintf("    local.get $%s\n", layout.FieldSlot(e.Name, f.Name)))
			sb.WriteString(fmt.Sprintf("    local.set $%s\n", layout.FieldSlot(name, f.Name)))
		}
	case *ast.CallExpr:
		g.emitStructReturningCall(sb, e, name, ty.Struct)
	default:
		layout.Fail("unsupported struct initializer shape")
	}
}

func (g *gen) emitStructReturningCall(sb *strings.Builder, call *ast.CallExpr, destName, structName string) {
	sig, ok := g.funcs[call.Callee]
	if !ok || !sig.RetStruct {
		layout.Fail("call %s does not return a struct", call.Callee)
	}

	sb.WriteString(fmt.Sprintf("    i32.const %d\n", scratchOffset))
	g.emitArgs(sb, call, sig)
	sb.WriteString(fmt.Sprintf("    call $%s\n", call.Callee))

	fields := g.structs.Fields(structName)
	for i, f := range fields {
		sb.WriteString(fmt.Sprintf("    i32.const %d\n", scratchOffset))
		sb.WriteString(fmt.Sprintf("    i32.load offset=%d\n", 4*i))
		sb.WriteString(fmt.Sprintf("    local.set $%s\n", layout.FieldSlot(destName, f.Name)))
	}
}

func (g *gen) emitReturn(sb *strings.Builder, expr ast.Expr) {
	// Determine whether the enclosing function returns a struct by
	// checking whether the sret slot is present.
	if !g.locals.HasSRet {
		g.emitExprValue(sb, expr)
		sb.WriteString("    return\n")
		return
	}

	structName := ""
	switch e := expr.(type) {
	case *ast.StructInitExpr:
		structName = e.Name
		fields := g.structs.Fields(structName)
		byName := map[string]ast.Expr{}
		for _, fe := range e.Fields {
			byName[fe.Name] = fe.Expr
		}
		for i, f := range fields {
			sb.WriteString(fmt.Sprintf("    local.get $%s\n", g.locals.SRetSlot))
			g.emitExprValue(sb, byName[f.Name])
			sb.WriteString(fmt.Sprintf("    i32.store offset=%d\n", 4*i))
		}
	case *ast.Ident:
		v, ok := g.locals.Vars[e.Name]
		if !ok || v.Kind != layout.StructSlot {
			layout.Fail("unsupported struct return expression")
		}
		for i, fld := range v.Fields {
			sb.WriteString(fmt.Sprintf("    local.get $%s\n", g.locals.SRetSlot))
			sb.WriteString(fmt.Sprintf("    local.get $%s\n", layout.FieldSlot(e.Name, fld)))
			sb.WriteString(fmt.Sprintf("    i32.store offset=%d\n", 4*i))
		}
	default:
		layout.Fail("unsupported struct return expression")
	}
	sb.WriteString("    return\n")
}

// emitExprValue lowers e in a scalar/value-producing context and reports
// whether it left a value on the stack (false only for a call to a
// void-returning function).
func (g *gen) emitExprValue(sb *strings.Builder, e ast.Expr) bool {
	switch e := e.(type) {
	case *ast.IntLit:
		sb.WriteString(fmt.Sprintf("    i32.const %d\n", e.Value))
		return true
	case *ast.CharLit:
		sb.WriteString(fmt.Sprintf("    i32.const %d\n", e.Value))
		return true
	case *ast.BoolLit:
		n := 0
		if e.Value {
			n = 1
		}
		sb.WriteString(fmt.Sprintf("    i32.const %d\n", n))
		return true
	case *ast.StringLit:
		sb.WriteString(fmt.Sprintf("    i32.const %d\n", g.stringOffsets[e.Value]))
		return true
	case *ast.Ident:
		v, ok := g.locals.Vars[e.Name]
		if ok && v.Kind == layout.StructSlot {
			layout.Fail("struct-typed identifier used in scalar context")
		}
		sb.WriteString(fmt.Sprintf("    local.get $%s\n", e.Name))
		return true
	case *ast.UnaryExpr:
		g.emitExprValue(sb, e.Expr)
		sb.WriteString("    i32.eqz\n")
		return true
	case *ast.BinaryExpr:
		g.emitBinary(sb, e)
		return true
	case *ast.CallExpr:
		return g.emitCall(sb, e)
	case *ast.FieldAccessExpr:
		ident, ok := e.Base.(*ast.Ident)
		if !ok {
			layout.Fail("nested field access")
		}
		sb.WriteString(fmt.Sprintf("    local.get $%s\n", layout.FieldSlot(ident.Name, e.Field)))
		return true
	case *ast.StructInitExpr:
		layout.Fail("unsupported struct initializer shape")
		return false
	default:
		layout.Fail("unknown expression node")
		return false
	}
}

func (g *gen) emitBinary(sb *strings.Builder, e *ast.BinaryExpr) {
	switch e.Op {
	case ast.And:
		g.emitExprValue(sb, e.Left)
		sb.WriteString("    i32.const 0\n    i32.ne\n")
		g.emitExprValue(sb, e.Right)
		sb.WriteString("    i32.const 0\n    i32.ne\n")
		sb.WriteString("    i32.mul\n")
		return
	case ast.Or:
		g.emitExprValue(sb, e.Left)
		sb.WriteString("    i32.const 0\n    i32.ne\n")
		g.emitExprValue(sb, e.Right)
		sb.WriteString("    i32.const 0\n    i32.ne\n")
		sb.WriteString("    i32.or\n    i32.const 0\n    i32.ne\n")
		return
	}

	g.emitExprValue(sb, e.Left)
	g.emitExprValue(sb, e.Right)
	var instr string
	switch e.Op {
	case ast.Add:
		instr = "i32.add"
	case ast.Sub:
		instr = "i32.sub"
	case ast.Mul:
		instr = "i32.mul"
	case ast.Div:
		instr = "i32.div_s"
	case ast.Lt:
		instr = "i32.lt_s"
	case ast.Gt:
		instr = "i32.gt_s"
	case ast.LtEq:
		instr = "i32.le_s"
	case ast.GtEq:
		instr = "i32.ge_s"
	case ast.Eq:
		instr = "i32.eq"
	case ast.NotEq:
		instr = "i32.ne"
	default:
		layout.Fail("unknown binary operator %s", e.Op)
	}
	sb.WriteString("    " + instr + "\n")
}

// emitCall lowers a call in value-producing/generic context: intrinsics
// dispatch to their fixed sequence, user calls flatten struct arguments.
// It reports whether a value was left on the stack.
func (g *gen) emitCall(sb *strings.Builder, e *ast.CallExpr) bool {
	if sig, ok := intrinsics.Lookup(e.Callee); ok {
		g.emitIntrinsic(sb, e, sig)
		return true
	}

	sig, ok := g.funcs[e.Callee]
	if !ok {
		layout.Fail("call to unknown function %s", e.Callee)
	}
	if sig.RetStruct {
		layout.Fail("struct-return call used in scalar context")
	}

	g.emitArgs(sb, e, sig)
	sb.WriteString(fmt.Sprintf("    call $%s\n", e.Callee))
	return retCategory(sig.Ret) == "scalar"
}

// emitArgs pushes the call's arguments in forward order, flattening any
// struct-typed formal parameter to its scalar fields.
func (g *gen) emitArgs(sb *strings.Builder, e *ast.CallExpr, sig layout.FuncSig) {
	for i, arg := range e.Args {
		pty := sig.Params[i]
		if pty.Kind != ast.TStruct {
			g.emitExprValue(sb, arg)
			continue
		}
		fields := g.structs.Fields(pty.Struct)
		switch a := arg.(type) {
		case *ast.Ident:
			for _, f := range fields {
				sb.WriteString(fmt.Sprintf("    local.get $%s\n", layout.FieldSlot(a.Name, f.Name)))
			}
		case *ast.StructInitExpr:
			byName := map[string]ast.Expr{}
			for _, fe := range a.Fields {
				byName[fe.Name] = fe.Expr
			}
			for _, f := range fields {
				g.emitExprValue(sb, byName[f.Name])
			}
		default:
			layout.Fail("unsupported argument expression for a struct parameter")
		}
	}
}

func (g *gen) emitIntrinsic(sb *strings.Builder, e *ast.CallExpr, sig intrinsics.Sig) {
	switch e.Callee {
	case "__mem_load":
		g.emitExprValue(sb, e.Args[0])
		sb.WriteString("    i32.load\n")
	case "__mem_load8":
		g.emitExprValue(sb, e.Args[0])
		sb.WriteString("    i32.load8_u\n")
	case "__mem_store":
		g.emitExprValue(sb, e.Args[0])
		g.emitExprValue(sb, e.Args[1])
		sb.WriteString("    i32.store\n    i32.const 0\n")
	case "__mem_store8":
		g.emitExprValue(sb, e.Args[0])
		g.emitExprValue(sb, e.Args[1])
		sb.WriteString("    i32.store8\n    i32.const 0\n")
	default:
		for _, a := range e.Args {
			g.emitExprValue(sb, a)
		}
		sb.WriteString(fmt.Sprintf("    call $%s\n", e.Callee))
	}
}
