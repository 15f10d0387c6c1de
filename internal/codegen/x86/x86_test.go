package x86_test

import (
	"strings"
	"testing"

	"github.com/meelang/mee/internal/codegen/x86"
	"github.com/meelang/mee/internal/parser"
)

func build(t *testing.T, src string) string {
	t.Helper()
	prog, err := parser.Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return x86.Emit(prog)
}

func TestEmitWritesIntelSyntaxHeaderAndSections(t *testing.T) {
	out := build(t, `fn main() -> i32 { return 0; }`)
	if !strings.HasPrefix(out, ".intel_syntax noprefix\n") {
		t.Fatalf("expected intel syntax directive, got %q", out)
	}
	if !strings.Contains(out, ".section .bss") || !strings.Contains(out, "__mee_memory: .skip 83886080") {
		t.Fatalf("expected the bss-backed linear memory region, got %q", out)
	}
	if !strings.Contains(out, ".globl main") {
		t.Errorf("expected main to be declared global, got %q", out)
	}
	if !strings.Contains(out, "main:\n  push rbp\n  mov rbp, rsp\n") {
		t.Errorf("expected a standard function prologue, got %q", out)
	}
	if !strings.Contains(out, "__mee_init_memory:\n") {
		t.Errorf("expected the init-memory helper to be defined, got %q", out)
	}
}

func TestEmitStringsGoToRodataAndInitMemoryCopiesThemIn(t *testing.T) {
	out := build(t, `
		fn f(s: str) -> void {}
		fn g() -> void { let a: str = "hi"; }
	`)
	if !strings.Contains(out, ".section .rodata") || !strings.Contains(out, `__mee_str_0:`) {
		t.Fatalf("expected a rodata string label, got %q", out)
	}
	if !strings.Contains(out, `.ascii "hi\000"`) {
		t.Errorf("expected the literal's null-terminated bytes in rodata, got %q", out)
	}
	if !strings.Contains(out, "rep movsb") {
		t.Errorf("expected __mee_init_memory to copy rodata into __mee_memory, got %q", out)
	}
	if !strings.Contains(out, "call __mee_init_memory") {
		t.Errorf("expected functions to call __mee_init_memory when strings are present, got %q", out)
	}
}

func TestEmitParamRegistersAndStackSpillForSeventhArg(t *testing.T) {
	out := build(t, `
		fn many(a: i32, b: i32, c: i32, d: i32, e: i32, f: i32, g: i32) -> i32 {
			return g;
		}
	`)
	if !strings.Contains(out, "mov dword ptr [rbp-8], edi\n") {
		t.Fatalf("expected first param copied from edi, got %q", out)
	}
	if !strings.Contains(out, "mov dword ptr [rbp-48], r9d\n") {
		t.Fatalf("expected sixth param copied from r9d, got %q", out)
	}
	if !strings.Contains(out, "mov eax, dword ptr [rbp+16]\n") {
		t.Fatalf("expected the seventh param read from the first stack slot, got %q", out)
	}
}

func TestEmitFlattensStructParamsAndSRetPointer(t *testing.T) {
	out := build(t, `
		struct Point { x: i32, y: i32 }
		fn shift(p: Point, dx: i32) -> Point {
			return Point { x: p.x + dx, y: p.y };
		}
	`)
	if !strings.Contains(out, "shift:\n") {
		t.Fatalf("expected a shift label, got %q", out)
	}
	// sret pointer lands in rdi (register 0), p.x/p.y in esi/edx, dx in ecx.
	if !strings.Contains(out, "mov qword ptr [rbp-8], rdi\n") {
		t.Fatalf("expected the sret pointer spilled as a full pointer from rdi, got %q", out)
	}
	if !strings.Contains(out, "mov rcx, qword ptr [rbp-8]\n") {
		t.Fatalf("expected the return path to dereference the sret pointer, got %q", out)
	}
}

func TestEmitWhileUsesCompareAndJump(t *testing.T) {
	out := build(t, `
		fn count(n: i32) -> i32 {
			let i: i32 = 0;
			while (i < n) {
				i = i + 1;
			}
			return i;
		}
	`)
	if !strings.Contains(out, ".Lwhile_count_0:") || !strings.Contains(out, ".Lendwhile_count_0:") {
		t.Fatalf("expected while/endwhile labels, got %q", out)
	}
	if !strings.Contains(out, "je .Lendwhile_count_0") {
		t.Errorf("expected a conditional exit jump, got %q", out)
	}
}

func TestEmitOnlyUsedIntrinsicThunksArePresent(t *testing.T) {
	out := build(t, `
		fn f() -> i32 {
			return __fd_write(1, 0, 0, 0);
		}
	`)
	if !strings.Contains(out, "__fd_write:\n") {
		t.Fatalf("expected an __fd_write thunk, got %q", out)
	}
	if strings.Contains(out, "__fd_read:\n") || strings.Contains(out, "__path_open:\n") || strings.Contains(out, "__fd_close:\n") {
		t.Errorf("did not expect unused intrinsic thunks, got %q", out)
	}
}

func TestEmitPathOpenThunkReadsFdOutOffsetFromThirdStackArg(t *testing.T) {
	out := build(t, `
		fn f() -> i32 {
			let fd_out: i32 = 0;
			return __path_open(3, 0, 0, 0, 0, 0, 0, 0, fd_out);
		}
	`)
	if !strings.Contains(out, "__path_open:\n") {
		t.Fatalf("expected a __path_open thunk, got %q", out)
	}
	if !strings.Contains(out, "mov r13d, dword ptr [rbp+32]") {
		t.Fatalf("expected fd_out_offset read from the third stack argument, got %q", out)
	}
}

func TestEmitPadsOddStackArgCountToKeepCallAligned(t *testing.T) {
	// 9 flattened args: 6 in registers, 3 on the stack (odd), so a padding
	// push must appear before the 3 real pushes.
	out := build(t, `
		fn nine(a: i32, b: i32, c: i32, d: i32, e: i32, f: i32, g: i32, h: i32, i: i32) -> i32 {
			return a;
		}
		fn caller() -> i32 {
			return nine(1, 2, 3, 4, 5, 6, 7, 8, 9);
		}
	`)
	if !strings.Contains(out, "sub rsp, 8\n  mov eax,") {
		t.Fatalf("expected a parity padding sub before the stack-arg pushes, got %q", out)
	}
	// 3 stack args + 1 pad word must be released after the call.
	if !strings.Contains(out, "call nine\n  add rsp, 32\n") {
		t.Fatalf("expected the caller to release stack args and pad after the call, got %q", out)
	}
}

func TestEmitExplicitReturnValueSurvivesSharedEpilogue(t *testing.T) {
	out := build(t, `fn f() -> i32 { return 7; }`)
	// The fall-through zero must sit before the shared return label so an
	// explicit return's eax is not clobbered on its way out.
	if !strings.Contains(out, "mov eax, 7\n  jmp .Lreturn_f\n  mov eax, 0\n.Lreturn_f:\n") {
		t.Fatalf("expected fall-through zero before the return label, got %q", out)
	}
}

func TestEmitStructReturnMovesSRetPointerIntoRax(t *testing.T) {
	out := build(t, `
		struct P { x: i32 }
		fn mk(a: i32) -> P { return P { x: a }; }
	`)
	if !strings.Contains(out, ".Lreturn_mk:\n  mov rax, qword ptr [rbp-8]\n") {
		t.Fatalf("expected the sret pointer moved into rax at the return label, got %q", out)
	}
}

func TestEmitLogicalOpsNormalizeOperands(t *testing.T) {
	out := build(t, `
		fn f(a: i32, b: i32) -> i32 {
			if (a && b) { return 1; } else { return 0; }
		}
	`)
	// 2 && 1 must be 1, so each operand is truthy-normalized before the
	// product, exactly like the WAT backend's i32.ne/i32.mul sequence.
	if !strings.Contains(out, "setne al\n  movzx eax, al\n  cmp ecx, 0\n  setne cl\n  movzx ecx, cl\n  imul eax, ecx\n") {
		t.Fatalf("expected both && operands normalized to 0/1 before multiplying, got %q", out)
	}
}

func TestEmitNotNormalizesOperand(t *testing.T) {
	out := build(t, `
		fn f(a: i32) -> i32 {
			if (!a) { return 1; } else { return 0; }
		}
	`)
	if !strings.Contains(out, "cmp eax, 0\n  sete al\n  movzx eax, al\n") {
		t.Fatalf("expected ! lowered as a compare-to-zero, got %q", out)
	}
}

func TestEmitNestedCallsUseSeparateScratchRows(t *testing.T) {
	out := build(t, `
		fn g(x: i32) -> i32 { return x; }
		fn f(a: i32, b: i32) -> i32 { return a + b; }
		fn main() -> i32 { return f(1, g(2)); }
	`)
	// f's args occupy the outer scratch row; g's arg, evaluated while f's
	// first arg is already materialized, must land in a different row.
	rows := map[string]bool{}
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "mov dword ptr [rbp-") && strings.HasSuffix(line, ", eax") {
			rows[strings.TrimSpace(line)] = true
		}
	}
	if len(rows) < 3 {
		t.Fatalf("expected at least three distinct argument scratch stores, got %q", out)
	}
	if !strings.Contains(out, "call g\n") || !strings.Contains(out, "call f\n") {
		t.Fatalf("expected both calls emitted, got %q", out)
	}
}
