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
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"kubridge.dev/kubridge/pkg/abi/kubridge"
	"kubridge.dev/kubridge/pkg/config"
	"kubridge.dev/kubridge/pkg/errors/sceerr"
	"kubridge.dev/kubridge/pkg/sentry/arch"
	"kubridge.dev/kubridge/pkg/sentry/kernel"
	"kubridge.dev/kubridge/pkg/test/testutil"
)

func TestTeardownFreesBootstrap(t *testing.T) {
	for _, tc := range []struct {
		name string
		end  func(ctx context.Context, p *kernel.Process)
	}{
		{"exit", func(ctx context.Context, p *kernel.Process) { p.Exit(ctx, 0) }},
		{"kill", func(ctx context.Context, p *kernel.Process) { p.Kill(ctx) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			b := newTestBridge(t, nil)
			th := newTestThread(t, b, "app")
			p := th.Process()
			h := testutil.AddFunction(t, p, "handler", nopHandler)
			if err := b.RegisterExceptionHandler(ctx, th, kubridge.ExceptionTypeDataAbort, h, 0, 0); err != nil {
				t.Fatalf("RegisterExceptionHandler: %v", err)
			}
			c := b.Kernel().Cores()[0]
			pc, err := b.GetProcessContext(ctx, c, p.PID(), false)
			if err != nil || pc == nil {
				t.Fatalf("GetProcessContext = %v, %v", pc, err)
			}
			uid := pc.block

			tc.end(ctx, p)

			if got := pc.Info(c).Region; got != RegionFreed {
				t.Errorf("region is %v, want %v", got, RegionFreed)
			}
			if _, err := b.Kernel().MemBlocks().GetMemBlockBase(uid); !sceerr.Equals(sceerr.NotFound, err) {
				t.Errorf("bootstrap block still exists: %v", err)
			}

			// A fault arriving after teardown is left to the firmware.
			before := ExceptionsMetric.Value("data_abort", routeFirmware)
			if got := b.dispatch(ctx, th, kubridge.ExceptionTypeDataAbort, testFault); got != kernel.ExceptionContinue {
				t.Errorf("dispatch = %v, want continue", got)
			}
			if got := ExceptionsMetric.Value("data_abort", routeFirmware) - before; got != 1 {
				t.Errorf("firmware route count went up by %d, want 1", got)
			}
		})
	}
}

func TestFreedContextStaysFreed(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(t, nil)
	th := newTestThread(t, b, "app")
	p := th.Process()
	h := testutil.AddFunction(t, p, "handler", nopHandler)
	if err := b.RegisterExceptionHandler(ctx, th, kubridge.ExceptionTypeDataAbort, h, 0, 0); err != nil {
		t.Fatalf("RegisterExceptionHandler: %v", err)
	}
	c := b.Kernel().Cores()[0]
	pc, _ := b.GetProcessContext(ctx, c, p.PID(), false)

	// Run the hook directly so the process, and its context, survive it.
	b.destroyProcess(ctx, p.PID())
	b.destroyProcess(ctx, p.PID())
	if got := pc.Info(c).Region; got != RegionFreed {
		t.Fatalf("region is %v, want %v", got, RegionFreed)
	}
	if err := b.RegisterExceptionHandler(ctx, th, kubridge.ExceptionTypeDataAbort, h, 0, 0); err != sceerr.NoMemory {
		t.Errorf("RegisterExceptionHandler after teardown: got %v, want %v", err, sceerr.NoMemory)
	}
	if err := b.ReleaseExceptionHandler(ctx, th, kubridge.ExceptionTypeDataAbort); err != nil {
		t.Errorf("ReleaseExceptionHandler after teardown: %v", err)
	}
	if got, _ := b.QueryExceptionHandler(ctx, th, kubridge.ExceptionTypeDataAbort); got != h {
		t.Errorf("QueryExceptionHandler after teardown = %v, want %v", got, h)
	}
}

func TestTeardownWithoutContext(t *testing.T) {
	b := newTestBridge(t, nil)
	p := testutil.NewProcess(t, b.Kernel(), "app")
	blocks := b.Kernel().MemBlocks().Len()
	p.Exit(context.Background(), 0)
	if got := b.Kernel().MemBlocks().Len(); got != blocks {
		t.Errorf("memory blocks: %d after exit, want %d", got, blocks)
	}
}

func TestBootstrapOnSpawn(t *testing.T) {
	b := newTestBridge(t, func(conf *config.Config) { conf.BootstrapOnSpawn = true })
	a := testutil.NewProcess(t, b.Kernel(), "a")
	other := testutil.NewProcess(t, b.Kernel(), "b")

	base, ok := b.FixedBase()
	if !ok {
		t.Fatalf("no fixed base after spawning")
	}
	for _, p := range []*kernel.Process{a, other} {
		info, ok := b.ContextInfo(p.PID())
		if !ok || info.Region != RegionAllocated || info.Base != base {
			t.Errorf("process %v: context %v, region %v, base %v; want allocated at %v", p, ok, info.Region, info.Base, base)
		}
	}
}

func TestKillWhileHandling(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(t, nil)
	th := newTestThread(t, b, "app")
	p := th.Process()

	var entered atomic.Bool
	release := make(chan struct{})
	h := testutil.AddFunction(t, p, "handler", func(context.Context, *kernel.Thread, arch.SyscallArguments) uint32 {
		entered.Store(true)
		<-release
		return 0
	})
	if err := b.RegisterExceptionHandler(ctx, th, kubridge.ExceptionTypeDataAbort, h, 0, 0); err != nil {
		t.Fatalf("RegisterExceptionHandler: %v", err)
	}
	c := b.Kernel().Cores()[0]
	pc, _ := b.GetProcessContext(ctx, c, p.PID(), false)

	prepareFault(th)
	done := make(chan kernel.Outcome, 1)
	go func() {
		done <- th.Fault(ctx, kubridge.ExceptionTypeDataAbort, testFault)
	}()
	if err := testutil.Poll(func() error {
		if !entered.Load() {
			return errors.New("handler not running yet")
		}
		return nil
	}, 10*time.Second); err != nil {
		close(release)
		t.Fatalf("waiting for handler: %v", err)
	}

	p.Kill(ctx)
	if got := pc.Info(c).Region; got != RegionFreed {
		t.Errorf("region is %v, want %v", got, RegionFreed)
	}
	close(release)
	if o := <-done; o.Kind != kernel.OutcomeKilled {
		t.Errorf("Fault outcome: %v, want killed", o)
	}
}
