//go:build jitipo

package jit

import (
	"bytes"
	"errors"
	"testing"

	"github.com/chazu/stackjit/jit/image"
	"github.com/chazu/stackjit/jit/ir"
	"github.com/chazu/stackjit/jit/opt"
	"github.com/chazu/stackjit/vm"
)

func TestModulePipelineRunsOnCompile(t *testing.T) {
	if !opt.IPOEnabled {
		t.Fatal("IPOEnabled is false under the jitipo tag")
	}
	r, tr := newRuntime(t)
	if r.mpm == nil {
		t.Fatal("module pipeline not built")
	}
	r.Install()
	defer r.Uninstall()

	var out bytes.Buffer
	ex := vm.NewExecutor(&out)
	ex.RunMain(factProgram(t, 6))

	if out.String() != "720" {
		t.Errorf("output = %q, want 720", out.String())
	}
	if n := tr.calls.Load(); n != 2 {
		t.Errorf("translator called %d times, want 2", n)
	}
	if err := r.Module().Verify(); err != nil {
		t.Errorf("module invalid after the module pipeline: %v", err)
	}
}

func TestMalformedFunctionFailsBeforeModulePipeline(t *testing.T) {
	r := New(image.Standard(), Options{Translator: operandlessBranchTranslator{}})
	defer r.Shutdown()
	u := echoUnit(t, "a.src", "g", "x")
	ex, _ := newExecutor(u)

	fe := expectFatal(t, func() { r.Run(ex, u) })
	if fe.Op != "compile" || !errors.Is(fe, ir.ErrInvalid) {
		t.Errorf("fatal error = %v", fe)
	}
}
