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
	"testing"

	"github.com/google/go-cmp/cmp"
	"kubridge.dev/kubridge/pkg/abi/kubridge"
	"kubridge.dev/kubridge/pkg/config"
	"kubridge.dev/kubridge/pkg/errors/sceerr"
	"kubridge.dev/kubridge/pkg/hostarch"
	"kubridge.dev/kubridge/pkg/sentry/arch"
	"kubridge.dev/kubridge/pkg/sentry/kernel"
	"kubridge.dev/kubridge/pkg/sentry/mm"
	"kubridge.dev/kubridge/pkg/sentry/sysmem"
	"kubridge.dev/kubridge/pkg/test/testutil"
)

// mmUser is the access of user code.
var mmUser = mm.IOOpts{}

// newTestBridge installs a bridge in a fresh kernel. mutate, if not nil,
// adjusts the configuration first.
func newTestBridge(t *testing.T, mutate func(*config.Config)) *Bridge {
	t.Helper()
	conf := testutil.TestConfig(t)
	if mutate != nil {
		mutate(conf)
	}
	k := testutil.NewKernel(t, conf)
	b, err := New(context.Background(), k)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

// newTestThread creates a process with one thread in b's kernel.
func newTestThread(t *testing.T, b *Bridge, name string) *kernel.Thread {
	t.Helper()
	return testutil.NewThread(t, testutil.NewProcess(t, b.Kernel(), name))
}

func nopHandler(context.Context, *kernel.Thread, arch.SyscallArguments) uint32 {
	return 0
}

func TestNewResolvesExports(t *testing.T) {
	for _, tc := range []struct {
		firmware string
		scheme   int
	}{
		{config.Firmware360, 0},
		{config.Firmware365, 1},
	} {
		t.Run(tc.firmware, func(t *testing.T) {
			b := newTestBridge(t, func(conf *config.Config) { conf.Firmware = tc.firmware })
			want := []ExportStatus{
				{"sceKernelRegisterExceptionHandler", kubridge.ModuleExcpmgr, kubridge.NIDsRegisterExceptionHandler[tc.scheme], true},
				{"sceKernelProcCopyToUserRx", kubridge.ModuleSysmem, kubridge.NIDsProcCopyToUserRx[tc.scheme], true},
				{"sceKernelAllocRemoteProcessHeap", kubridge.ModuleProcessmgr, kubridge.NIDsAllocRemoteProcessHeap[0], true},
				{"sceKernelFreeRemoteProcessHeap", kubridge.ModuleProcessmgr, kubridge.NIDsFreeRemoteProcessHeap[0], true},
			}
			if diff := cmp.Diff(want, b.Exports()); diff != "" {
				t.Errorf("Exports() mismatch (-want +got):\n%s", diff)
			}
			if _, ok := b.FixedBase(); ok {
				t.Errorf("FixedBase() set before any process registered a handler")
			}
		})
	}
}

func TestNewTwice(t *testing.T) {
	b := newTestBridge(t, nil)
	if _, err := New(context.Background(), b.Kernel()); !sceerr.Equals(sceerr.Exists, err) {
		t.Errorf("second New: got %v, want %v", err, sceerr.Exists)
	}
}

func TestRegisterQueryRelease(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(t, nil)
	th := newTestThread(t, b, "app")
	h := testutil.AddFunction(t, th.Process(), "handler", nopHandler)

	for _, kind := range kubridge.ExceptionTypes {
		before := RegistrationsMetric.Value(kind.String())
		if err := b.RegisterExceptionHandler(ctx, th, kind, h, 0, 0); err != nil {
			t.Fatalf("RegisterExceptionHandler(%v): %v", kind, err)
		}
		if got, err := b.QueryExceptionHandler(ctx, th, kind); err != nil || got != h {
			t.Errorf("QueryExceptionHandler(%v) = %v, %v; want %v, nil", kind, got, err, h)
		}
		if got := RegistrationsMetric.Value(kind.String()) - before; got != 1 {
			t.Errorf("registrations of %v went up by %d, want 1", kind, got)
		}
	}

	if err := b.ReleaseExceptionHandler(ctx, th, kubridge.ExceptionTypePrefetchAbort); err != nil {
		t.Fatalf("ReleaseExceptionHandler: %v", err)
	}
	info, ok := b.ContextInfo(th.Process().PID())
	if !ok {
		t.Fatalf("ContextInfo: no context")
	}
	want := [kubridge.NumExceptionTypes]hostarch.Addr{h, 0, h}
	if diff := cmp.Diff(want, info.Handlers); diff != "" {
		t.Errorf("handlers mismatch (-want +got):\n%s", diff)
	}
	if info.Region != RegionAllocated {
		t.Errorf("region is %v, want %v", info.Region, RegionAllocated)
	}
}

func TestRegisterOldHandler(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(t, nil)
	th := newTestThread(t, b, "app")
	p := th.Process()
	h1 := testutil.AddFunction(t, p, "h1", nopHandler)
	h2 := testutil.AddFunction(t, p, "h2", nopHandler)
	out := testutil.UserBuffer(t, p, hostarch.PageSize)
	kind := kubridge.ExceptionTypeUndefInstr

	if err := b.RegisterExceptionHandler(ctx, th, kind, h1, out, 0); err != nil {
		t.Fatalf("RegisterExceptionHandler(h1): %v", err)
	}
	old, err := p.MM().CopyInUint32(ctx, out, mmUser)
	if err != nil || old != 0 {
		t.Errorf("old handler = %#x, %v; want 0 (default)", old, err)
	}
	if err := b.RegisterExceptionHandler(ctx, th, kind, h2, out, 0); err != nil {
		t.Fatalf("RegisterExceptionHandler(h2): %v", err)
	}
	old, err = p.MM().CopyInUint32(ctx, out, mmUser)
	if err != nil || hostarch.Addr(old) != h1 {
		t.Errorf("old handler = %#x, %v; want %v", old, err, h1)
	}
}

func TestRegisterDefaultHandlerNormalizes(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(t, nil)
	th := newTestThread(t, b, "app")
	h := testutil.AddFunction(t, th.Process(), "handler", nopHandler)
	kind := kubridge.ExceptionTypeDataAbort

	if err := b.RegisterExceptionHandler(ctx, th, kind, h, 0, 0); err != nil {
		t.Fatalf("RegisterExceptionHandler: %v", err)
	}
	info, _ := b.ContextInfo(th.Process().PID())
	if info.DefaultHandler != info.Base+hostarch.Addr(b.Descriptor().DefaultHandlerOffset) {
		t.Fatalf("default handler %v, base %v", info.DefaultHandler, info.Base)
	}
	if err := b.RegisterExceptionHandler(ctx, th, kind, info.DefaultHandler, 0, 0); err != nil {
		t.Fatalf("RegisterExceptionHandler(default): %v", err)
	}
	if got, err := b.QueryExceptionHandler(ctx, th, kind); err != nil || got != 0 {
		t.Errorf("QueryExceptionHandler = %v, %v; want 0, nil", got, err)
	}
}

func TestRegisterInvalid(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(t, nil)
	th := newTestThread(t, b, "app")
	p := th.Process()
	h := testutil.AddFunction(t, p, "handler", nopHandler)

	badOpt := testutil.UserBuffer(t, p, hostarch.PageSize)
	if err := p.MM().CopyOutUint32(ctx, badOpt, 8, mmUser); err != nil {
		t.Fatalf("writing options: %v", err)
	}

	for _, tc := range []struct {
		name    string
		kind    kubridge.ExceptionType
		handler hostarch.Addr
		opt     hostarch.Addr
		want    error
	}{
		{"kind", kubridge.NumExceptionTypes, h, 0, sceerr.InvalidArgument},
		{"large kind", 0xFFFFFFFF, h, 0, sceerr.InvalidArgument},
		{"null handler", kubridge.ExceptionTypeDataAbort, 0, 0, sceerr.InvalidArgument},
		{"option size", kubridge.ExceptionTypeDataAbort, h, badOpt, sceerr.InvalidArgumentSize},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := b.RegisterExceptionHandler(ctx, th, tc.kind, tc.handler, 0, tc.opt)
			if err != tc.want {
				t.Errorf("RegisterExceptionHandler: got %v, want %v", err, tc.want)
			}
		})
	}

	// Rejected registrations allocate nothing.
	if info, ok := b.ContextInfo(p.PID()); ok {
		t.Errorf("process has a context after rejected registrations: %+v", info)
	}
	if _, ok := b.FixedBase(); ok {
		t.Errorf("fixed base chosen after rejected registrations")
	}
}

func TestRegisterWithOptions(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(t, nil)
	th := newTestThread(t, b, "app")
	p := th.Process()
	h := testutil.AddFunction(t, p, "handler", nopHandler)

	opt := testutil.UserBuffer(t, p, hostarch.PageSize)
	o := kubridge.ExceptionHandlerOpt{Size: kubridge.ExceptionHandlerOptSize}
	buf := make([]byte, o.SizeBytes())
	o.MarshalBytes(buf)
	if _, err := th.CopyOut(ctx, opt, buf); err != nil {
		t.Fatalf("writing options: %v", err)
	}
	if err := b.RegisterExceptionHandler(ctx, th, kubridge.ExceptionTypeDataAbort, h, 0, opt); err != nil {
		t.Errorf("RegisterExceptionHandler: %v", err)
	}
	// An unmapped options pointer is a fault on the caller's side.
	if err := b.RegisterExceptionHandler(ctx, th, kubridge.ExceptionTypeDataAbort, h, 0, 0x10); err == nil {
		t.Errorf("RegisterExceptionHandler with unmapped options succeeded")
	}
}

func TestQueryWithoutContext(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(t, nil)
	th := newTestThread(t, b, "app")

	for _, kind := range kubridge.ExceptionTypes {
		if got, err := b.QueryExceptionHandler(ctx, th, kind); err != nil || got != 0 {
			t.Errorf("QueryExceptionHandler(%v) = %v, %v; want 0, nil", kind, got, err)
		}
		if err := b.ReleaseExceptionHandler(ctx, th, kind); err != nil {
			t.Errorf("ReleaseExceptionHandler(%v): %v", kind, err)
		}
	}
	if _, err := b.QueryExceptionHandler(ctx, th, 3); err != sceerr.InvalidArgument {
		t.Errorf("QueryExceptionHandler(3): got %v, want %v", err, sceerr.InvalidArgument)
	}
	if err := b.ReleaseExceptionHandler(ctx, th, 3); err != sceerr.InvalidArgument {
		t.Errorf("ReleaseExceptionHandler(3): got %v, want %v", err, sceerr.InvalidArgument)
	}
	if _, ok := b.ContextInfo(th.Process().PID()); ok {
		t.Errorf("query or release created a context")
	}
}

func TestProcessIsolation(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(t, nil)
	a := newTestThread(t, b, "a")
	other := newTestThread(t, b, "b")
	h := testutil.AddFunction(t, a.Process(), "handler", nopHandler)

	if err := b.RegisterExceptionHandler(ctx, a, kubridge.ExceptionTypeDataAbort, h, 0, 0); err != nil {
		t.Fatalf("RegisterExceptionHandler: %v", err)
	}
	if got, _ := b.QueryExceptionHandler(ctx, other, kubridge.ExceptionTypeDataAbort); got != 0 {
		t.Errorf("other process sees handler %v", got)
	}
	if _, ok := b.ContextInfo(other.Process().PID()); ok {
		t.Errorf("other process has a context")
	}
}

func TestBootstrapOnce(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(t, nil)
	mb := b.Kernel().MemBlocks()
	a := newTestThread(t, b, "a")
	h := testutil.AddFunction(t, a.Process(), "handler", nopHandler)

	okBefore := BootstrapMetric.Value("ok")
	blocks := mb.Len()
	for _, kind := range kubridge.ExceptionTypes {
		if err := b.RegisterExceptionHandler(ctx, a, kind, h, 0, 0); err != nil {
			t.Fatalf("RegisterExceptionHandler(%v): %v", kind, err)
		}
	}
	if got := mb.Len() - blocks; got != 1 {
		t.Errorf("registrations allocated %d blocks, want 1", got)
	}
	if got := BootstrapMetric.Value("ok") - okBefore; got != 1 {
		t.Errorf("bootstrap ok went up by %d, want 1", got)
	}
	infoA, _ := b.ContextInfo(a.Process().PID())
	base, ok := b.FixedBase()
	if !ok || base != infoA.Base {
		t.Fatalf("FixedBase() = %v, %v; want %v, true", base, ok, infoA.Base)
	}

	// The bootstrap holds the trampoline.
	got := make([]byte, len(b.Descriptor().Blob))
	if _, err := a.CopyIn(ctx, base, got); err != nil {
		t.Fatalf("reading bootstrap: %v", err)
	}
	if diff := cmp.Diff(b.Descriptor().Blob, got); diff != "" {
		t.Errorf("bootstrap contents mismatch (-want +got):\n%s", diff)
	}
	// And user code cannot write it.
	if _, err := a.CopyOut(ctx, base, []byte{0}); err == nil {
		t.Errorf("bootstrap is writable")
	}

	// Every process gets its region at the fixed base.
	other := newTestThread(t, b, "b")
	if err := b.RegisterExceptionHandler(ctx, other, kubridge.ExceptionTypeDataAbort, h, 0, 0); err != nil {
		t.Fatalf("RegisterExceptionHandler(b): %v", err)
	}
	infoB, _ := b.ContextInfo(other.Process().PID())
	if infoB.Base != base || infoB.DefaultHandler != infoA.DefaultHandler {
		t.Errorf("process b: base %v, default %v; want %v, %v", infoB.Base, infoB.DefaultHandler, base, infoA.DefaultHandler)
	}
}

func TestBootstrapFixedBaseOccupied(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(t, nil)
	a := newTestThread(t, b, "a")
	h := testutil.AddFunction(t, a.Process(), "handler", nopHandler)
	if err := b.RegisterExceptionHandler(ctx, a, kubridge.ExceptionTypeDataAbort, h, 0, 0); err != nil {
		t.Fatalf("RegisterExceptionHandler(a): %v", err)
	}
	base, _ := b.FixedBase()

	other := newTestThread(t, b, "b")
	p := other.Process()
	mb := b.Kernel().MemBlocks()
	if _, err := mb.AllocMemBlock("squatter", sysmem.MemBlockTypeUserRW, hostarch.PageSize, &sysmem.AllocOpts{
		Attr:  sysmem.AttrHasPID | sysmem.AttrHasVBase,
		VBase: base,
		PID:   p.PID(),
	}); err != nil {
		t.Fatalf("AllocMemBlock at %v: %v", base, err)
	}

	failedBefore := BootstrapMetric.Value("failed")
	for i := 0; i < 2; i++ {
		if err := b.RegisterExceptionHandler(ctx, other, kubridge.ExceptionTypeDataAbort, h, 0, 0); err != sceerr.NoMemory {
			t.Errorf("RegisterExceptionHandler #%d: got %v, want %v", i, err, sceerr.NoMemory)
		}
	}
	if got := BootstrapMetric.Value("failed") - failedBefore; got != 1 {
		t.Errorf("bootstrap failed went up by %d, want 1", got)
	}
	info, ok := b.ContextInfo(p.PID())
	if !ok || info.Region != RegionFailed {
		t.Errorf("region is %v (context %v), want %v", info.Region, ok, RegionFailed)
	}
	if got, _ := b.FixedBase(); got != base {
		t.Errorf("fixed base moved from %v to %v", base, got)
	}
}

func TestRegisterAbortHandler(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(t, nil)
	th := newTestThread(t, b, "app")
	p := th.Process()
	h := testutil.AddFunction(t, p, "handler", nopHandler)
	out := testutil.UserBuffer(t, p, hostarch.PageSize)

	if err := b.RegisterAbortHandler(ctx, th, h, out, 0); err != nil {
		t.Fatalf("RegisterAbortHandler: %v", err)
	}
	info, _ := b.ContextInfo(p.PID())
	want := [kubridge.NumExceptionTypes]hostarch.Addr{h, h, 0}
	if diff := cmp.Diff(want, info.Handlers); diff != "" {
		t.Errorf("handlers mismatch (-want +got):\n%s", diff)
	}
	old, err := p.MM().CopyInUint32(ctx, out, mmUser)
	if err != nil || hostarch.Addr(old) != info.DefaultHandler {
		t.Errorf("old handler = %#x, %v; want %v", old, err, info.DefaultHandler)
	}

	// A bad output pointer leaves neither abort kind with a custom handler.
	if err := b.RegisterAbortHandler(ctx, th, h, 0x10, 0); err == nil {
		t.Errorf("RegisterAbortHandler with unmapped output succeeded")
	}
	info, _ = b.ContextInfo(p.PID())
	if diff := cmp.Diff([kubridge.NumExceptionTypes]hostarch.Addr{}, info.Handlers); diff != "" {
		t.Errorf("handlers after failure mismatch (-want +got):\n%s", diff)
	}

	if err := b.RegisterAbortHandler(ctx, th, h, 0, 0); err != nil {
		t.Fatalf("RegisterAbortHandler: %v", err)
	}
	b.ReleaseAbortHandler(ctx, th)
	info, _ = b.ContextInfo(p.PID())
	if diff := cmp.Diff([kubridge.NumExceptionTypes]hostarch.Addr{}, info.Handlers); diff != "" {
		t.Errorf("handlers after release mismatch (-want +got):\n%s", diff)
	}
	if err := b.RegisterAbortHandler(ctx, th, 0, 0, 0); err != sceerr.InvalidArgument {
		t.Errorf("RegisterAbortHandler(0): got %v, want %v", err, sceerr.InvalidArgument)
	}
}

func TestAbortHandlerReplacesAndReleasesPerKind(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(t, nil)
	th := newTestThread(t, b, "app")
	p := th.Process()
	h := testutil.AddFunction(t, p, "handler", nopHandler)
	h2 := testutil.AddFunction(t, p, "abort-handler", nopHandler)

	query := func(kind kubridge.ExceptionType) hostarch.Addr {
		t.Helper()
		got, err := b.QueryExceptionHandler(ctx, th, kind)
		if err != nil {
			t.Fatalf("QueryExceptionHandler(%v): %v", kind, err)
		}
		return got
	}

	if err := b.RegisterExceptionHandler(ctx, th, kubridge.ExceptionTypePrefetchAbort, h, 0, 0); err != nil {
		t.Fatalf("RegisterExceptionHandler: %v", err)
	}
	if err := b.RegisterAbortHandler(ctx, th, h2, 0, 0); err != nil {
		t.Fatalf("RegisterAbortHandler: %v", err)
	}
	for _, kind := range []kubridge.ExceptionType{kubridge.ExceptionTypeDataAbort, kubridge.ExceptionTypePrefetchAbort} {
		if got := query(kind); got != h2 {
			t.Errorf("%v handler = %v, want %v", kind, got, h2)
		}
	}

	if err := b.ReleaseExceptionHandler(ctx, th, kubridge.ExceptionTypeDataAbort); err != nil {
		t.Fatalf("ReleaseExceptionHandler(%v): %v", kubridge.ExceptionTypeDataAbort, err)
	}
	if got := query(kubridge.ExceptionTypeDataAbort); got != 0 {
		t.Errorf("data abort handler after release = %v, want 0", got)
	}
	if got := query(kubridge.ExceptionTypePrefetchAbort); got != h2 {
		t.Errorf("prefetch abort handler after releasing data abort = %v, want %v", got, h2)
	}

	if err := b.ReleaseExceptionHandler(ctx, th, kubridge.ExceptionTypePrefetchAbort); err != nil {
		t.Fatalf("ReleaseExceptionHandler(%v): %v", kubridge.ExceptionTypePrefetchAbort, err)
	}
	if got := query(kubridge.ExceptionTypePrefetchAbort); got != 0 {
		t.Errorf("prefetch abort handler after release = %v, want 0", got)
	}
}
