// Copyright 2026 The kubridge Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package kubridge

import (
	"context"
	"fmt"
	"testing"

	"golang.org/x/sync/errgroup"
	"kubridge.dev/kubridge/pkg/abi/kubridge"
	"kubridge.dev/kubridge/pkg/errors/sceerr"
	"kubridge.dev/kubridge/pkg/hostarch"
	"kubridge.dev/kubridge/pkg/sentry/kernel"
	"kubridge.dev/kubridge/pkg/test/testutil"
)

func TestSyscalls(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(t, nil)
	k := b.Kernel()
	th := newTestThread(t, b, "app")
	p := th.Process()
	h := uint32(testutil.AddFunction(t, p, "handler", nopHandler))
	out := uint32(testutil.UserBuffer(t, p, hostarch.PageSize))
	invalid := uint32(sceerr.InvalidArgument.Status())

	for _, nr := range []uint32{
		kubridge.SysRegisterExceptionHandler,
		kubridge.SysReleaseExceptionHandler,
		kubridge.SysQueryExceptionHandler,
		kubridge.SysRegisterAbortHandler,
		kubridge.SysReleaseAbortHandler,
		kubridge.SysGetProcessExitAddr,
		kubridge.SysLogException,
	} {
		if k.SyscallName(nr) == "" {
			t.Errorf("privileged call %#x is not registered", nr)
		}
	}

	if got := th.Syscall(ctx, kubridge.SysRegisterExceptionHandler, 2, h, out, 0); got != 0 {
		t.Errorf("register: got %#x, want 0", got)
	}
	if got := th.Syscall(ctx, kubridge.SysQueryExceptionHandler, 2); got != h {
		t.Errorf("query: got %#x, want %#x", got, h)
	}
	if got := th.Syscall(ctx, kubridge.SysRegisterExceptionHandler, 3, h, 0, 0); got != invalid {
		t.Errorf("register kind 3: got %#x, want %#x", got, invalid)
	}
	if got := th.Syscall(ctx, kubridge.SysRegisterExceptionHandler, 0, 0, 0, 0); got != invalid {
		t.Errorf("register null handler: got %#x, want %#x", got, invalid)
	}
	if got := th.Syscall(ctx, kubridge.SysReleaseExceptionHandler, 2); got != 0 {
		t.Errorf("release: got %#x, want 0", got)
	}
	if got := th.Syscall(ctx, kubridge.SysQueryExceptionHandler, 2); got != 0 {
		t.Errorf("query after release: got %#x, want 0", got)
	}
	if got := th.Syscall(ctx, kubridge.SysQueryExceptionHandler, 7); got != invalid {
		t.Errorf("query kind 7: got %#x, want %#x", got, invalid)
	}

	if got := th.Syscall(ctx, kubridge.SysRegisterAbortHandler, h, out, 0); got != 0 {
		t.Errorf("register abort: got %#x, want 0", got)
	}
	for kind, want := range []uint32{h, h, 0} {
		if got := th.Syscall(ctx, kubridge.SysQueryExceptionHandler, uint32(kind)); got != want {
			t.Errorf("query %d after abort registration: got %#x, want %#x", kind, got, want)
		}
	}
	if got := th.Syscall(ctx, kubridge.SysReleaseAbortHandler); got != 0 {
		t.Errorf("release abort: got %#x, want 0", got)
	}
	if got := th.Syscall(ctx, kubridge.SysQueryExceptionHandler, 0); got != 0 {
		t.Errorf("query after abort release: got %#x, want 0", got)
	}

	exit, err := k.ResolveProcessExport(p.PID(), kubridge.ModuleLibKernel, kubridge.LibNIDLibKernel, kubridge.NIDExitProcess)
	if err != nil {
		t.Fatalf("ResolveProcessExport: %v", err)
	}
	if got := th.Syscall(ctx, kubridge.SysGetProcessExitAddr); got != uint32(exit) {
		t.Errorf("exit address: got %#x, want %#x", got, uint32(exit))
	}
	// Logging never fails, even for a bad context pointer.
	if got := th.Syscall(ctx, kubridge.SysLogException, 0x10); got != 0 {
		t.Errorf("log exception: got %#x, want 0", got)
	}
}

func TestGetProcessExitAddrUnresolved(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(t, nil)
	p, err := b.Kernel().CreateProcess(ctx, kernel.ProcessOpts{Name: "bare", NoExitExport: true})
	if err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}
	t.Cleanup(func() { p.Kill(ctx) })
	th := testutil.NewThread(t, p)
	if got := th.Syscall(ctx, kubridge.SysGetProcessExitAddr); got != 0 {
		t.Errorf("exit address: got %#x, want 0", got)
	}
}

func TestConcurrentProcesses(t *testing.T) {
	const (
		procs  = 16
		faults = 8
	)
	b := newTestBridge(t, nil)
	k := b.Kernel()

	var g errgroup.Group
	for i := 0; i < procs; i++ {
		i := i
		g.Go(func() error {
			ctx := context.Background()
			p, err := k.CreateProcess(ctx, kernel.ProcessOpts{Name: fmt.Sprintf("app%d", i)})
			if err != nil {
				return err
			}
			defer p.Exit(ctx, 0)
			th, err := p.NewThread(ctx, 0)
			if err != nil {
				return err
			}
			var rh recordingHandler
			h, err := p.AddFunction("handler", rh.handle)
			if err != nil {
				return err
			}
			kind := kubridge.ExceptionTypes[i%kubridge.NumExceptionTypes]
			if err := b.RegisterExceptionHandler(ctx, th, kind, h, 0, 0); err != nil {
				return fmt.Errorf("process %v: register: %w", p, err)
			}
			for j := 0; j < faults; j++ {
				prepareFault(th)
				if o := th.Fault(ctx, kind, testFault); o.Kind != kernel.OutcomeResumed || o.PC != testFaultPC+4 {
					return fmt.Errorf("process %v: fault %d: %v", p, j, o)
				}
			}
			if rh.calls != faults || rh.err != nil {
				return fmt.Errorf("process %v: handler called %d times, err %v", p, rh.calls, rh.err)
			}
			info, ok := b.ContextInfo(p.PID())
			base, set := b.FixedBase()
			if !ok || !set || info.Base != base {
				return fmt.Errorf("process %v: base %v, fixed base %v (%v)", p, info.Base, base, set)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if n := len(k.Processes()); n != 0 {
		t.Errorf("%d processes left", n)
	}
}
