package wat_test

import (
	"strings"
	"testing"

	"github.com/meelang/mee/internal/codegen/wat"
	"github.com/meelang/mee/internal/parser"
)

func build(t *testing.T, src string) string {
	t.Helper()
	prog, err := parser.Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return wat.Emit(prog)
}

func TestEmitExportsMainWhenPresent(t *testing.T) {
	out := build(t, `fn main() -> i32 { return 0; }`)
	if !strings.HasPrefix(out, "(module\n") {
		t.Fatalf("expected a (module ...) wrapper, got %q", out)
	}
	if !strings.Contains(out, `(export "main" (func $main))`) {
		t.Errorf("expected main to be exported, got %q", out)
	}
}

func TestEmitOmitsMainExportWhenAbsent(t *testing.T) {
	out := build(t, `fn helper() -> i32 { return 1; }`)
	if strings.Contains(out, "export \"main\"") {
		t.Fatalf("did not expect a main export, got %q", out)
	}
}

func TestEmitDeclaresScalarParamsAndResult(t *testing.T) {
	out := build(t, `fn add(a: i32, b: i32) -> i32 { return a + b; }`)
	if !strings.Contains(out, "(func $add (param $a i32) (param $b i32) (result i32)") {
		t.Fatalf("unexpected function signature in %q", out)
	}
	if !strings.Contains(out, "local.get $a") || !strings.Contains(out, "local.get $b") || !strings.Contains(out, "i32.add") {
		t.Errorf("expected a+b body, got %q", out)
	}
}

func TestEmitFlattensStructParamsAndAddsSRet(t *testing.T) {
	out := build(t, `
		struct Point { x: i32, y: i32 }
		fn shift(p: Point, dx: i32) -> Point {
			return Point { x: p.x + dx, y: p.y };
		}
	`)
	if !strings.Contains(out, "(func $shift (param $__sret_ptr i32) (param $__field__p__x i32) (param $__field__p__y i32) (param $dx i32)") {
		t.Fatalf("expected flattened sret+struct param signature, got %q", out)
	}
	if !strings.Contains(out, "i32.store offset=0") || !strings.Contains(out, "i32.store offset=4") {
		t.Errorf("expected sret stores for both fields, got %q", out)
	}
}

func TestEmitDeclaresMemoryForStructReturningFunctions(t *testing.T) {
	// No strings and no intrinsics, but the sret protocol still goes
	// through the linear-memory scratch offset.
	out := build(t, `
		struct P { x: i32 }
		fn mk(a: i32) -> P { return P { x: a }; }
	`)
	if !strings.Contains(out, "(memory 2048)") {
		t.Fatalf("expected a memory declaration for the sret scratch, got %q", out)
	}
}

func TestEmitWhileUsesBlockLoopBrIf(t *testing.T) {
	out := build(t, `
		fn count(n: i32) -> i32 {
			let i: i32 = 0;
			while (i < n) {
				i = i + 1;
			}
			return i;
		}
	`)
	if !strings.Contains(out, "block $exit_0") || !strings.Contains(out, "loop $loop_0") || !strings.Contains(out, "br_if $exit_0") {
		t.Fatalf("expected block/loop/br_if control flow, got %q", out)
	}
}

func TestEmitStringLiteralsBecomeDataSegmentsAtContiguousOffsets(t *testing.T) {
	out := build(t, `
		fn f(s: str) -> void {}
		fn g() -> void {
			let a: str = "hi";
			let b: str = "bye";
		}
	`)
	if !strings.Contains(out, `(data (i32.const 0) "hi")`) {
		t.Fatalf("expected first string at offset 0, got %q", out)
	}
	if !strings.Contains(out, `(data (i32.const 2) "bye")`) {
		t.Fatalf("expected second string at offset 2 (contiguous, no padding), got %q", out)
	}
}

func TestEmitImportsOnlyUsedWasiIntrinsics(t *testing.T) {
	out := build(t, `
		fn f() -> i32 {
			return __fd_write(1, 0, 0, 0);
		}
	`)
	if !strings.Contains(out, `(import "wasi_snapshot_preview1" "fd_write" (func $__fd_write`) {
		t.Fatalf("expected fd_write import, got %q", out)
	}
	if strings.Contains(out, "fd_read") || strings.Contains(out, "path_open") || strings.Contains(out, "fd_close") {
		t.Errorf("did not expect unused intrinsic imports, got %q", out)
	}
}

func TestEmitLogicalAndEvaluatesBothOperands(t *testing.T) {
	out := build(t, `
		fn main() -> i32 {
			if (__mem_store(0, 1) == 0 && __mem_store(4, 1) == 0) {
				return 1;
			}
			return 0;
		}
	`)
	// && is eager: both stores must be emitted unconditionally, with each
	// operand normalized and the results multiplied.
	if strings.Count(out, "i32.store\n") != 2 {
		t.Fatalf("expected both && operand side effects emitted, got %q", out)
	}
	if !strings.Contains(out, "i32.mul") {
		t.Errorf("expected && lowered as a product of normalized operands, got %q", out)
	}
}

func TestEmitMemoryIntrinsicsAreNotImported(t *testing.T) {
	out := build(t, `
		fn f() -> i32 {
			return __mem_load(0);
		}
	`)
	if strings.Contains(out, "import") {
		t.Fatalf("__mem_load is implemented inline, not imported; got %q", out)
	}
	if !strings.Contains(out, "i32.load\n") {
		t.Errorf("expected an i32.load, got %q", out)
	}
}
