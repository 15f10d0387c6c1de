// Package x86 lowers a Mee program into Intel-syntax x86-64 assembly for a
// Linux host. Values map one-to-one to 8-byte stack slots
// addressed rbp-relative; expression evaluation keeps its running value in
// eax, spilling to the real stack across binary-operator operands. Linear
// memory is emulated by a flat byte array (__mee_memory) so that offset
// values produced by string literals and pointer arithmetic mean the same
// thing here as they do under the WAT backend.
package x86

import (
	"fmt"
	"strings"

	"github.com/meelang/mee/internal/ast"
	"github.com/meelang/mee/internal/codegen/layout"
	"github.com/meelang/mee/internal/intrinsics"
	"github.com/meelang/mee/internal/strtab"
)

const memorySize = 80 * 1024 * 1024

// Emit lowers prog to a complete `.intel_syntax noprefix` assembly file.
func Emit(prog *ast.Program) string {
	g := &gen{
		structs: layout.BuildStructs(prog),
		funcs:   layout.BuildFuncs(prog),
		strs:    strtab.Build(prog),
	}
	g.computeStringOffsets()
	g.usedIntrinsics = map[string]bool{}
	g.maxStructFields = maxStructFields(prog)

	// One pass over every call site: which intrinsic thunks the artifact
	// needs, the widest flattened argument list, and how deeply calls nest
	// inside argument expressions (each nesting level gets its own slice of
	// the argument scratch region so an inner call cannot clobber an outer
	// call's already-materialized arguments).
	visitCalls(prog, func(call *ast.CallExpr, depth int) {
		n := 0
		if sig, ok := intrinsics.Lookup(call.Callee); ok {
			g.usedIntrinsics[call.Callee] = true
			n = len(sig.Params)
		} else if sig, ok := g.funcs[call.Callee]; ok {
			n = layout.FlatParamCount(sig.Params, g.structs)
		}
		if n > g.maxFlatArgs {
			g.maxFlatArgs = n
		}
		if depth > g.maxCallDepth {
			g.maxCallDepth = depth
		}
	})

	var sb strings.Builder
	sb.WriteString(".intel_syntax noprefix\n\n")

	sb.WriteString(".section .bss\n")
	sb.WriteString("  .align 8\n")
	sb.WriteString("__mee_mem_inited: .byte 0\n")
	sb.WriteString(fmt.Sprintf("  .align 16\n__mee_memory: .skip %d\n\n", memorySize))

	if g.strs.Len() > 0 {
		sb.WriteString(".section .rodata\n")
		for i, s := range g.strs.Values() {
			sb.WriteString(fmt.Sprintf("__mee_str_%d:\n  .ascii \"%s\\000\"\n", i, escapeGasString([]byte(s))))
		}
		sb.WriteString("\n")
	}

	sb.WriteString(".section .text\n\n")

	sb.WriteString(g.emitInitMemory())

	for _, name := range sortedIntrinsics(g.usedIntrinsics) {
		sb.WriteString(g.emitIntrinsicThunk(name))
	}

	for _, f := range prog.Functions {
		sb.WriteString(g.emitFunction(f))
	}

	return sb.String()
}

type gen struct {
	structs layout.Structs
	funcs   layout.Funcs
	strs    *strtab.Table

	stringOffsets   map[string]int
	usedIntrinsics  map[string]bool
	maxStructFields int
	maxFlatArgs     int
	maxCallDepth    int

	locals      *layout.Locals
	slotOffset  map[string]int // slot name -> negative byte offset from rbp
	frameBytes  int
	sretScratch int // negative rbp offset of the struct-return scratch region
	argScratch  int // negative rbp offset of the call-argument scratch region
	labelSeq    int
	argDepth    int // current call-nesting level during expression emission
	pushes      int // words currently pushed by enclosing binary operands
	fn          *ast.Function
}

func (g *gen) computeStringOffsets() {
	g.stringOffsets = map[string]int{}
	offset := 0
	for _, s := range g.strs.Values() {
		g.stringOffsets[s] = offset
		offset += len(s)
	}
}

func maxStructFields(prog *ast.Program) int {
	max := 0
	for _, sd := range prog.Structs {
		if len(sd.Fields) > max {
			max = len(sd.Fields)
		}
	}
	return max
}

// visitCalls invokes visit on every call expression in the program, with
// depth counting how many call-argument contexts enclose it (an outermost
// call is depth 1).
func visitCalls(prog *ast.Program, visit func(call *ast.CallExpr, depth int)) {
	var walkExpr func(e ast.Expr, depth int)
	walkExpr = func(e ast.Expr, depth int) {
		switch e := e.(type) {
		case *ast.UnaryExpr:
			walkExpr(e.Expr, depth)
		case *ast.BinaryExpr:
			walkExpr(e.Left, depth)
			walkExpr(e.Right, depth)
		case *ast.CallExpr:
			visit(e, depth+1)
			for _, a := range e.Args {
				walkExpr(a, depth+1)
			}
		case *ast.FieldAccessExpr:
			walkExpr(e.Base, depth)
		case *ast.StructInitExpr:
			for _, f := range e.Fields {
				walkExpr(f.Expr, depth)
			}
		}
	}
	var walkBlock func(b *ast.Block)
	walkStmt := func(s ast.Stmt) {
		switch s := s.(type) {
		case *ast.LetStmt:
			walkExpr(s.Expr, 0)
		case *ast.AssignStmt:
			walkExpr(s.Expr, 0)
		case *ast.FieldAssignStmt:
			walkExpr(s.Expr, 0)
		case *ast.IfStmt:
			walkExpr(s.Cond, 0)
			walkBlock(s.Then)
			if s.Else != nil {
				walkBlock(s.Else)
			}
		case *ast.WhileStmt:
			walkExpr(s.Cond, 0)
			walkBlock(s.Body)
		case *ast.ReturnStmt:
			walkExpr(s.Expr, 0)
		case *ast.ExprStmt:
			walkExpr(s.Expr, 0)
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
}

func sortedIntrinsics(used map[string]bool) []string {
	order := []string{"__mem_load", "__mem_load8", "__mem_store", "__mem_store8", "__fd_write", "__fd_read", "__path_open", "__fd_close"}
	var out []string
	for _, n := range order {
		if used[n] {
			out = append(out, n)
		}
	}
	return out
}

func escapeGasString(data []byte) string {
	var sb strings.Builder
	for _, b := range data {
		switch b {
		case '"':
			sb.WriteString("\\\"")
		case '\\':
			sb.WriteString("\\\\")
		case '\n':
			sb.WriteString("\\n")
		case '\r':
			sb.WriteString("\\r")
		case '\t':
			sb.WriteString("\\t")
		default:
			if b >= 0x20 && b < 0x7f {
				sb.WriteByte(b)
			} else {
				fmt.Fprintf(&sb, "\\%03o", b)
			}
		}
	}
	return sb.String()
}

// emitInitMemory emits the one-shot startup copy: rodata string bytes into
// the front of __mee_memory, in interning order, so the offsets string
// literals compile to address the same bytes they do under the WAT data
// segments. The trailing rodata NUL of each string is not copied; WAT data
// segments carry none.
func (g *gen) emitInitMemory() string {
	var sb strings.Builder
	sb.WriteString("__mee_init_memory:\n")
	sb.WriteString("  cmp byte ptr [rip+__mee_mem_inited], 0\n")
	sb.WriteString("  jne .Lmee_init_done\n")
	if g.strs.Len() > 0 {
		sb.WriteString("  lea rdi, [rip+__mee_memory]\n")
		for i, s := range g.strs.Values() {
			sb.WriteString(fmt.Sprintf("  lea rsi, [rip+__mee_str_%d]\n", i))
			sb.WriteString(fmt.Sprintf("  mov rcx, %d\n", len(s)))
			sb.WriteString("  rep movsb\n")
		}
	}
	sb.WriteString("  mov byte ptr [rip+__mee_mem_inited], 1\n")
	sb.WriteString(".Lmee_init_done:\n")
	sb.WriteString("  ret\n\n")
	return sb.String()
}

// retCategory mirrors the WAT backend's classification of a function's
// return shape.
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

func (g *gen) buildFrame(fn *ast.Function) {
	g.locals = layout.BuildLocals(fn, g.structs)
	g.slotOffset = map[string]int{}

	off := 0
	alloc := func(bytes int) int {
		off += bytes
		return -off
	}

	if g.locals.HasSRet {
		g.slotOffset[g.locals.SRetSlot] = alloc(8)
	}
	for _, v := range g.locals.Order {
		if v.Kind == layout.StructSlot {
			for _, f := range v.Fields {
				g.slotOffset[layout.FieldSlot(v.Name, f)] = alloc(8)
			}
		} else {
			g.slotOffset[v.Name] = alloc(8)
		}
	}

	// Scratch regions live below every named slot. The struct-return
	// region is sized to the widest struct in the program; the argument
	// region holds one full flattened-argument row per call-nesting level.
	if g.maxStructFields > 0 {
		g.sretScratch = alloc(8 * g.maxStructFields)
	}
	if g.maxFlatArgs > 0 && g.maxCallDepth > 0 {
		g.argScratch = alloc(8 * g.maxFlatArgs * g.maxCallDepth)
	}

	g.frameBytes = (off + 15) / 16 * 16
}

// argSlot returns the rbp offset of one flattened-argument scratch slot in
// the given nesting level's row.
func (g *gen) argSlot(region, slot int) int {
	return g.argScratch + 8*(region*g.maxFlatArgs+slot)
}

var argRegs32 = []string{"edi", "esi", "edx", "ecx", "r8d", "r9d"}

func (g *gen) paramFlatSlots(fn *ast.Function) []string {
	var out []string
	if g.locals.HasSRet {
		out = append(out, g.locals.SRetSlot)
	}
	for _, p := range fn.Params {
		v := g.locals.Vars[p.Name]
		if v.Kind == layout.StructSlot {
			for _, f := range v.Fields {
				out = append(out, layout.FieldSlot(p.Name, f))
			}
		} else {
			out = append(out, p.Name)
		}
	}
	return out
}

func (g *gen) emitFunction(fn *ast.Function) string {
	g.buildFrame(fn)
	g.fn = fn
	g.labelSeq = 0
	g.argDepth = 0
	g.pushes = 0

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf(".globl %s\n", fn.Name))
	sb.WriteString(fmt.Sprintf("%s:\n", fn.Name))
	sb.WriteString("  push rbp\n")
	sb.WriteString("  mov rbp, rsp\n")
	if g.frameBytes > 0 {
		sb.WriteString(fmt.Sprintf("  sub rsp, %d\n", g.frameBytes))
	}

	flat := g.paramFlatSlots(fn)
	for i, slot := range flat {
		off := g.slotOffset[slot]
		if i < 6 {
			if g.locals.HasSRet && i == 0 {
				// The sret pointer is a full host pointer, not a 32-bit
				// scalar.
				sb.WriteString(fmt.Sprintf("  mov qword ptr [rbp%s], rdi\n", signedOffset(off)))
			} else {
				sb.WriteString(fmt.Sprintf("  mov dword ptr [rbp%s], %s\n", signedOffset(off), argRegs32[i]))
			}
		} else {
			srcOff := 16 + 8*(i-6)
			sb.WriteString(fmt.Sprintf("  mov eax, dword ptr [rbp+%d]\n", srcOff))
			sb.WriteString(fmt.Sprintf("  mov dword ptr [rbp%s], eax\n", signedOffset(off)))
		}
	}

	if g.strs.Len() > 0 {
		sb.WriteString("  call __mee_init_memory\n")
	}

	for _, s := range fn.Body.Stmts {
		g.emitStmt(&sb, s)
	}

	// Fall-through return value, then the shared return label every
	// explicit Return jumps to with its value already in place.
	if retCategory(fn.Ret) == "scalar" {
		sb.WriteString("  mov eax, 0\n")
	}
	sb.WriteString(fmt.Sprintf(".Lreturn_%s:\n", fn.Name))
	if retCategory(fn.Ret) == "struct" {
		off := g.slotOffset[g.locals.SRetSlot]
		sb.WriteString(fmt.Sprintf("  mov rax, qword ptr [rbp%s]\n", signedOffset(off)))
	}
	sb.WriteString("  mov rsp, rbp\n")
	sb.WriteString("  pop rbp\n")
	sb.WriteString("  ret\n\n")
	return sb.String()
}

func signedOffset(off int) string {
	if off < 0 {
		return fmt.Sprintf("%d", off)
	}
	return fmt.Sprintf("+%d", off)
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
		off := g.slotOffset[layout.FieldSlot(ident.Name, s.Field)]
		sb.WriteString(fmt.Sprintf("  mov dword ptr [rbp%s], eax\n", signedOffset(off)))
	case *ast.IfStmt:
		n := g.labelSeq
		g.labelSeq++
		g.emitExprValue(sb, s.Cond)
		sb.WriteString("  cmp eax, 0\n")
		if s.Else != nil {
			sb.WriteString(fmt.Sprintf("  je .Lelse_%s_%d\n", g.fn.Name, n))
			for _, st := range s.Then.Stmts {
				g.emitStmt(sb, st)
			}
			sb.WriteString(fmt.Sprintf("  jmp .Lendif_%s_%d\n", g.fn.Name, n))
			sb.WriteString(fmt.Sprintf(".Lelse_%s_%d:\n", g.fn.Name, n))
			for _, st := range s.Else.Stmts {
				g.emitStmt(sb, st)
			}
			sb.WriteString(fmt.Sprintf(".Lendif_%s_%d:\n", g.fn.Name, n))
		} else {
			sb.WriteString(fmt.Sprintf("  je .Lendif_%s_%d\n", g.fn.Name, n))
			for _, st := range s.Then.Stmts {
				g.emitStmt(sb, st)
			}
			sb.WriteString(fmt.Sprintf(".Lendif_%s_%d:\n", g.fn.Name, n))
		}
	case *ast.WhileStmt:
		n := g.labelSeq
		g.labelSeq++
		sb.WriteString(fmt.Sprintf(".Lwhile_%s_%d:\n", g.fn.Name, n))
		g.emitExprValue(sb, s.Cond)
		sb.WriteString("  cmp eax, 0\n")
		sb.WriteString(fmt.Sprintf("  je .Lendwhile_%s_%d\n", g.fn.Name, n))
		for _, st := range s.Body.Stmts {
			g.emitStmt(sb, st)
		}
		sb.WriteString(fmt.Sprintf("  jmp .Lwhile_%s_%d\n", g.fn.Name, n))
		sb.WriteString(fmt.Sprintf(".Lendwhile_%s_%d:\n", g.fn.Name, n))
	case *ast.ReturnStmt:
		g.emitReturn(sb, s.Expr)
	case *ast.ExprStmt:
		g.emitExprValue(sb, s.Expr)
	default:
		layout.Fail("unknown statement node")
	}
}

func (g *gen) emitLetOrAssign(sb *strings.Builder, name string, ty ast.Type, expr ast.Expr) {
	if ty.Kind != ast.TStruct {
		g.emitExprValue(sb, expr)
		off := g.slotOffset[name]
		sb.WriteString(fmt.Sprintf("  mov dword ptr [rbp%s], eax\n", signedOffset(off)))
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
			off := g.slotOffset[layout.FieldSlot(name, f.Name)]
			sb.WriteString(fmt.Sprintf("  mov dword ptr [rbp%s], eax\n", signedOffset(off)))
		}
	case *ast.Ident:
		fields := g.structs.Fields(ty.Struct)
		for _, f := range fields {
			srcOff := g.slotOffset[layout.FieldSlot(e.Name, f.Name)]
			dstOff := g.slotOffset[layout.FieldSlot(name, f.Name)]
			sb.WriteString(fmt.Sprintf("  mov eax, dword ptr [rbp%s]\n", signedOffset(srcOff)))
			sb.WriteString(fmt.Sprintf("  mov dword ptr [rbp%s], eax\n", signedOffset(dstOff)))
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

	region := g.argDepth
	g.argDepth++
	g.materializeArgs(sb, call.Args, sig.Params, region)
	g.argDepth--

	sb.WriteString(fmt.Sprintf("  lea rdi, [rbp%s]\n", signedOffset(g.sretScratch)))
	cleanup := g.loadArgs(sb, layout.FlatParamCount(sig.Params, g.structs), 1, region)
	sb.WriteString(fmt.Sprintf("  call %s\n", call.Callee))
	if cleanup > 0 {
		sb.WriteString(fmt.Sprintf("  add rsp, %d\n", cleanup))
	}

	fields := g.structs.Fields(structName)
	for i, f := range fields {
		sb.WriteString(fmt.Sprintf("  mov eax, dword ptr [rbp%s]\n", signedOffset(g.sretScratch+4*i)))
		off := g.slotOffset[layout.FieldSlot(destName, f.Name)]
		sb.WriteString(fmt.Sprintf("  mov dword ptr [rbp%s], eax\n", signedOffset(off)))
	}
}

func (g *gen) emitReturn(sb *strings.Builder, expr ast.Expr) {
	if !g.locals.HasSRet {
		g.emitExprValue(sb, expr)
		sb.WriteString(fmt.Sprintf("  jmp .Lreturn_%s\n", g.fn.Name))
		return
	}

	sretOff := g.slotOffset[g.locals.SRetSlot]
	switch e := expr.(type) {
	case *ast.StructInitExpr:
		fields := g.structs.Fields(e.Name)
		byName := map[string]ast.Expr{}
		for _, fe := range e.Fields {
			byName[fe.Name] = fe.Expr
		}
		for i, f := range fields {
			g.emitExprValue(sb, byName[f.Name])
			sb.WriteString(fmt.Sprintf("  mov rcx, qword ptr [rbp%s]\n", signedOffset(sretOff)))
			sb.WriteString(fmt.Sprintf("  mov dword ptr [rcx%s], eax\n", signedOffset(4*i)))
		}
	case *ast.Ident:
		v, ok := g.locals.Vars[e.Name]
		if !ok || v.Kind != layout.StructSlot {
			layout.Fail("unsupported struct return expression")
		}
		for i, fld := range v.Fields {
			srcOff := g.slotOffset[layout.FieldSlot(e.Name, fld)]
			sb.WriteString(fmt.Sprintf("  mov eax, dword ptr [rbp%s]\n", signedOffset(srcOff)))
			sb.WriteString(fmt.Sprintf("  mov rcx, qword ptr [rbp%s]\n", signedOffset(sretOff)))
			sb.WriteString(fmt.Sprintf("  mov dword ptr [rcx%s], eax\n", signedOffset(4*i)))
		}
	default:
		layout.Fail("unsupported struct return expression")
	}
	sb.WriteString(fmt.Sprintf("  jmp .Lreturn_%s\n", g.fn.Name))
}

// emitExprValue lowers e, leaving its value in eax. It is used both for
// plain statement contexts (the value is simply discarded) and as an
// operand of a larger expression.
func (g *gen) emitExprValue(sb *strings.Builder, e ast.Expr) {
	switch e := e.(type) {
	case *ast.IntLit:
		sb.WriteString(fmt.Sprintf("  mov eax, %d\n", e.Value))
	case *ast.CharLit:
		sb.WriteString(fmt.Sprintf("  mov eax, %d\n", e.Value))
	case *ast.BoolLit:
		n := 0
		if e.Value {
			n = 1
		}
		sb.WriteString(fmt.Sprintf("  mov eax, %d\n", n))
	case *ast.StringLit:
		sb.WriteString(fmt.Sprintf("  mov eax, %d\n", g.stringOffsets[e.Value]))
	case *ast.Ident:
		v, ok := g.locals.Vars[e.Name]
		if ok && v.Kind == layout.StructSlot {
			layout.Fail("struct-typed identifier used in scalar context")
		}
		off := g.slotOffset[e.Name]
		sb.WriteString(fmt.Sprintf("  mov eax, dword ptr [rbp%s]\n", signedOffset(off)))
	case *ast.UnaryExpr:
		g.emitExprValue(sb, e.Expr)
		sb.WriteString("  cmp eax, 0\n  sete al\n  movzx eax, al\n")
	case *ast.BinaryExpr:
		g.emitBinary(sb, e)
	case *ast.CallExpr:
		g.emitCall(sb, e)
	case *ast.FieldAccessExpr:
		ident, ok := e.Base.(*ast.Ident)
		if !ok {
			layout.Fail("nested field access")
		}
		off := g.slotOffset[layout.FieldSlot(ident.Name, e.Field)]
		sb.WriteString(fmt.Sprintf("  mov eax, dword ptr [rbp%s]\n", signedOffset(off)))
	case *ast.StructInitExpr:
		layout.Fail("unsupported struct initializer shape")
	default:
		layout.Fail("unknown expression node")
	}
}

func (g *gen) emitBinary(sb *strings.Builder, e *ast.BinaryExpr) {
	g.emitExprValue(sb, e.Left)
	sb.WriteString("  push rax\n")
	g.pushes++
	g.emitExprValue(sb, e.Right)
	sb.WriteString("  mov ecx, eax\n")
	sb.WriteString("  pop rax\n")
	g.pushes--

	switch e.Op {
	case ast.Add:
		sb.WriteString("  add eax, ecx\n")
	case ast.Sub:
		sb.WriteString("  sub eax, ecx\n")
	case ast.Mul:
		sb.WriteString("  imul eax, ecx\n")
	case ast.Div:
		sb.WriteString("  cdq\n  idiv ecx\n")
	case ast.Lt:
		sb.WriteString("  cmp eax, ecx\n  setl al\n  movzx eax, al\n")
	case ast.Gt:
		sb.WriteString("  cmp eax, ecx\n  setg al\n  movzx eax, al\n")
	case ast.LtEq:
		sb.WriteString("  cmp eax, ecx\n  setle al\n  movzx eax, al\n")
	case ast.GtEq:
		sb.WriteString("  cmp eax, ecx\n  setge al\n  movzx eax, al\n")
	case ast.Eq:
		sb.WriteString("  cmp eax, ecx\n  sete al\n  movzx eax, al\n")
	case ast.NotEq:
		sb.WriteString("  cmp eax, ecx\n  setne al\n  movzx eax, al\n")
	case ast.And:
		// Both operands already evaluated (no short circuit); normalize
		// each to 0/1 and take the product, matching the WAT lowering.
		sb.WriteString("  cmp eax, 0\n  setne al\n  movzx eax, al\n")
		sb.WriteString("  cmp ecx, 0\n  setne cl\n  movzx ecx, cl\n")
		sb.WriteString("  imul eax, ecx\n")
	case ast.Or:
		sb.WriteString("  cmp eax, 0\n  setne al\n  movzx eax, al\n")
		sb.WriteString("  cmp ecx, 0\n  setne cl\n  movzx ecx, cl\n")
		sb.WriteString("  or eax, ecx\n")
	default:
		layout.Fail("unknown binary operator %s", e.Op)
	}
}

func (g *gen) emitCall(sb *strings.Builder, e *ast.CallExpr) {
	var params []ast.Type
	var flatN int
	if sig, ok := intrinsics.Lookup(e.Callee); ok {
		params = sig.Params
		flatN = len(sig.Params)
	} else {
		sig, ok := g.funcs[e.Callee]
		if !ok {
			layout.Fail("call to unknown function %s", e.Callee)
		}
		if sig.RetStruct {
			layout.Fail("struct-return call used in scalar context")
		}
		params = sig.Params
		flatN = layout.FlatParamCount(sig.Params, g.structs)
	}

	region := g.argDepth
	g.argDepth++
	g.materializeArgs(sb, e.Args, params, region)
	g.argDepth--

	cleanup := g.loadArgs(sb, flatN, 0, region)
	sb.WriteString(fmt.Sprintf("  call %s\n", e.Callee))
	if cleanup > 0 {
		sb.WriteString(fmt.Sprintf("  add rsp, %d\n", cleanup))
	}
}

// materializeArgs evaluates every flattened scalar argument (struct args
// expanded to their fields in declared order) into the given scratch row,
// left to right, so argument side effects run in source order before any
// register is loaded.
func (g *gen) materializeArgs(sb *strings.Builder, args []ast.Expr, params []ast.Type, region int) {
	slot := 0
	store := func() {
		sb.WriteString(fmt.Sprintf("  mov dword ptr [rbp%s], eax\n", signedOffset(g.argSlot(region, slot))))
		slot++
	}
	for i, arg := range args {
		pty := params[i]
		if pty.Kind != ast.TStruct {
			g.emitExprValue(sb, arg)
			store()
			continue
		}
		fields := g.structs.Fields(pty.Struct)
		switch a := arg.(type) {
		case *ast.Ident:
			for _, f := range fields {
				srcOff := g.slotOffset[layout.FieldSlot(a.Name, f.Name)]
				sb.WriteString(fmt.Sprintf("  mov eax, dword ptr [rbp%s]\n", signedOffset(srcOff)))
				store()
			}
		case *ast.StructInitExpr:
			byName := map[string]ast.Expr{}
			for _, fe := range a.Fields {
				byName[fe.Name] = fe.Expr
			}
			for _, f := range fields {
				g.emitExprValue(sb, byName[f.Name])
				store()
			}
		default:
			layout.Fail("unsupported argument expression for a struct parameter")
		}
	}
}

// loadArgs moves the n values materialized in the given scratch row into
// their System V positions. The first regStart registers are assumed
// already populated by the caller (the sret pointer). Stack-passed
// arguments are pushed in reverse order behind a parity pad computed so
// that rsp is 16-byte aligned at the call instruction, accounting for any
// operand words pushed by enclosing binary expressions. The return value
// is the number of stack bytes the caller must release after the call.
func (g *gen) loadArgs(sb *strings.Builder, n, regStart, region int) int {
	stackArgs := n - (6 - regStart)
	if stackArgs < 0 {
		stackArgs = 0
	}
	pad := 0
	if (g.pushes+stackArgs)%2 != 0 {
		pad = 1
	}

	if pad == 1 {
		sb.WriteString("  sub rsp, 8\n")
	}
	for i := n - 1; i >= 6-regStart; i-- {
		sb.WriteString(fmt.Sprintf("  mov eax, dword ptr [rbp%s]\n", signedOffset(g.argSlot(region, i))))
		sb.WriteString("  push rax\n")
	}
	for i := 0; i < n && i < 6-regStart; i++ {
		sb.WriteString(fmt.Sprintf("  mov %s, dword ptr [rbp%s]\n", argRegs32[regStart+i], signedOffset(g.argSlot(region, i))))
	}
	return 8 * (stackArgs + pad)
}

func (g *gen) emitIntrinsicThunk(name string) string {
	switch name {
	case "__mem_load":
		return "__mem_load:\n" +
			"  lea rax, [rip+__mee_memory]\n" +
			"  mov eax, dword ptr [rax+rdi]\n" +
			"  ret\n\n"
	case "__mem_load8":
		return "__mem_load8:\n" +
			"  lea rax, [rip+__mee_memory]\n" +
			"  movzx eax, byte ptr [rax+rdi]\n" +
			"  ret\n\n"
	case "__mem_store":
		return "__mem_store:\n" +
			"  lea rax, [rip+__mee_memory]\n" +
			"  mov dword ptr [rax+rdi], esi\n" +
			"  xor eax, eax\n" +
			"  ret\n\n"
	case "__mem_store8":
		return "__mem_store8:\n" +
			"  lea rax, [rip+__mee_memory]\n" +
			"  mov byte ptr [rax+rdi], sil\n" +
			"  xor eax, eax\n" +
			"  ret\n\n"
	case "__fd_write":
		return emitIovecThunk("__fd_write", 1)
	case "__fd_read":
		return emitIovecThunk("__fd_read", 0)
	case "__path_open":
		return emitPathOpenThunk()
	case "__fd_close":
		return "__fd_close:\n" +
			"  mov eax, 3\n" +
			"  syscall\n" +
			"  ret\n\n"
	default:
		return ""
	}
}

// emitIovecThunk emits __fd_write/__fd_read: both iterate a WASI-shaped
// iovec array (edi=fd, esi=iov_offset, edx=iov_cnt, ecx=out_offset),
// issuing one real syscall per iovec entry and accumulating the byte
// count into *(base+out_offset). A syscall error stops the loop without
// contributing to the count; __fd_read also stops at the first short read.
func emitIovecThunk(name string, syscallNo int) string {
	var sb strings.Builder
	sb.WriteString(name + ":\n")
	sb.WriteString("  push rbp\n  mov rbp, rsp\n")
	sb.WriteString("  push rbx\n  push r12\n  push r13\n  push r14\n  push r15\n")
	sb.WriteString("  mov r15d, edi\n") // fd
	sb.WriteString("  mov r13d, esi\n") // iovec offset
	sb.WriteString("  mov r14d, edx\n") // remaining count
	sb.WriteString("  mov r12d, ecx\n") // out offset
	sb.WriteString("  lea rbx, [rip+__mee_memory]\n")
	sb.WriteString("  xor r9d, r9d\n") // total transferred
	sb.WriteString(fmt.Sprintf(".L%s_loop:\n", name))
	sb.WriteString(fmt.Sprintf("  cmp r14d, 0\n  je .L%s_done\n", name))
	sb.WriteString("  mov eax, dword ptr [rbx+r13]\n")    // buf offset
	sb.WriteString("  mov r10d, dword ptr [rbx+r13+4]\n") // buf len
	sb.WriteString("  lea rsi, [rbx+rax]\n")
	sb.WriteString(fmt.Sprintf("  mov eax, %d\n", syscallNo))
	sb.WriteString("  mov edi, r15d\n")
	sb.WriteString("  mov edx, r10d\n")
	sb.WriteString("  syscall\n")
	sb.WriteString(fmt.Sprintf("  cmp eax, 0\n  jl .L%s_done\n", name))
	sb.WriteString("  add r9d, eax\n")
	if syscallNo == 0 {
		sb.WriteString(fmt.Sprintf("  cmp eax, r10d\n  jl .L%s_done\n", name))
	}
	sb.WriteString("  add r13, 8\n")
	sb.WriteString("  dec r14d\n")
	sb.WriteString(fmt.Sprintf("  jmp .L%s_loop\n", name))
	sb.WriteString(fmt.Sprintf(".L%s_done:\n", name))
	sb.WriteString("  mov dword ptr [rbx+r12], r9d\n")
	sb.WriteString("  xor eax, eax\n")
	sb.WriteString("  pop r15\n  pop r14\n  pop r13\n  pop r12\n  pop rbx\n")
	sb.WriteString("  pop rbp\n  ret\n\n")
	return sb.String()
}

// emitPathOpenThunk implements __path_open as a simplified translation
// onto openat(2). The parameter order follows the intrinsic signature:
// (dirfd=edi, dirflags=esi, path_ptr=edx, path_len=ecx, oflags=r8d,
// rights_base=r9d, rights_inheriting=[rbp+16], fdflags=[rbp+24],
// opened_fd_ptr=[rbp+32]). Only path_ptr/path_len/oflags/opened_fd_ptr
// drive real behavior: the dirfd resolves as the current directory, the
// WASI rights and fdflags are accepted and ignored. The path bytes are
// copied out of emulated memory into a NUL-terminated stack buffer,
// oflags=0 opens read-only and any nonzero value opens for write with
// create+truncate and mode 0666, and a failing syscall returns its errno
// as a positive value.
func emitPathOpenThunk() string {
	var sb strings.Builder
	sb.WriteString("__path_open:\n")
	sb.WriteString("  push rbp\n  mov rbp, rsp\n  sub rsp, 272\n")
	sb.WriteString("  push rbx\n  push r12\n  push r13\n")
	sb.WriteString("  mov r12d, edx\n") // path offset
	sb.WriteString("  mov r13d, ecx\n") // path len
	sb.WriteString("  mov ebx, r8d\n")  // oflags
	sb.WriteString("  cmp r13d, 255\n")
	sb.WriteString("  jbe .Lpath_open_len_ok\n")
	sb.WriteString("  mov r13d, 255\n")
	sb.WriteString(".Lpath_open_len_ok:\n")
	sb.WriteString("  lea rdi, [rbp-272]\n")
	sb.WriteString("  lea rsi, [rip+__mee_memory]\n")
	sb.WriteString("  add rsi, r12\n")
	sb.WriteString("  mov rcx, r13\n")
	sb.WriteString("  rep movsb\n")
	sb.WriteString("  mov byte ptr [rbp+r13-272], 0\n")
	sb.WriteString("  mov eax, 257\n")  // sys_openat
	sb.WriteString("  mov edi, -100\n") // AT_FDCWD
	sb.WriteString("  lea rsi, [rbp-272]\n")
	sb.WriteString("  cmp ebx, 0\n")
	sb.WriteString("  je .Lpath_open_ro\n")
	sb.WriteString("  mov edx, 577\n") // O_WRONLY|O_CREAT|O_TRUNC
	sb.WriteString("  jmp .Lpath_open_flags_done\n")
	sb.WriteString(".Lpath_open_ro:\n")
	sb.WriteString("  mov edx, 0\n") // O_RDONLY
	sb.WriteString(".Lpath_open_flags_done:\n")
	sb.WriteString("  mov r10d, 438\n") // mode 0666
	sb.WriteString("  syscall\n")
	sb.WriteString("  cmp eax, 0\n")
	sb.WriteString("  jl .Lpath_open_err\n")
	sb.WriteString("  mov r13d, dword ptr [rbp+32]\n") // opened_fd_ptr offset
	sb.WriteString("  lea rbx, [rip+__mee_memory]\n")
	sb.WriteString("  mov dword ptr [rbx+r13], eax\n")
	sb.WriteString("  xor eax, eax\n")
	sb.WriteString("  jmp .Lpath_open_ret\n")
	sb.WriteString(".Lpath_open_err:\n")
	sb.WriteString("  neg eax\n")
	sb.WriteString(".Lpath_open_ret:\n")
	sb.WriteString("  pop r13\n  pop r12\n  pop rbx\n")
	sb.WriteString("  mov rsp, rbp\n  pop rbp\n  ret\n\n")
	return sb.String()
}
