// Copyright 2018 The gVisor Authors.
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

// Package testutil contains utility functions for kernel and bridge tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"kubridge.dev/kubridge/pkg/abi/kubridge"
	"kubridge.dev/kubridge/pkg/config"
	"kubridge.dev/kubridge/pkg/hostarch"
	"kubridge.dev/kubridge/pkg/sentry/kernel"
	"kubridge.dev/kubridge/pkg/sentry/sysmem"
)

// TestConfig returns the default configuration for tests: two cores, a
// small memory budget and debug logging.
func TestConfig(t testing.TB) *config.Config {
	t.Helper()
	conf := config.Default()
	conf.Cores = 2
	conf.MemoryLimit = 8 << 20
	conf.Debug = true
	return conf
}

// NewKernel returns a kernel built from conf, or from TestConfig if conf is
// nil.
func NewKernel(t testing.TB, conf *config.Config) *kernel.Kernel {
	t.Helper()
	if conf == nil {
		conf = TestConfig(t)
	}
	k, err := kernel.New(conf)
	if err != nil {
		t.Fatalf("kernel.New: %v", err)
	}
	return k
}

// NewProcess creates a process that is killed at the end of the test if it
// is still running.
func NewProcess(t testing.TB, k *kernel.Kernel, name string) *kernel.Process {
	t.Helper()
	p, err := k.CreateProcess(context.Background(), kernel.ProcessOpts{Name: name})
	if err != nil {
		t.Fatalf("CreateProcess(%q): %v", name, err)
	}
	t.Cleanup(func() { p.Kill(context.Background()) })
	return p
}

// NewThread creates a thread with the default stack size.
func NewThread(t testing.TB, p *kernel.Process) *kernel.Thread {
	t.Helper()
	th, err := p.NewThread(context.Background(), 0)
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}
	return th
}

// AddFunction places fn in p and returns its address.
func AddFunction(t testing.TB, p *kernel.Process, name string, fn kernel.UserFunc) hostarch.Addr {
	t.Helper()
	addr, err := p.AddFunction(name, fn)
	if err != nil {
		t.Fatalf("AddFunction(%q): %v", name, err)
	}
	return addr
}

// UserBuffer allocates size bytes of read-write memory in p.
func UserBuffer(t testing.TB, p *kernel.Process, size uint32) hostarch.Addr {
	t.Helper()
	mb := p.Kernel().MemBlocks()
	uid, err := mb.AllocMemBlock("test_buffer", sysmem.MemBlockTypeUserRW, size, &sysmem.AllocOpts{
		Attr: sysmem.AttrHasPID,
		PID:  p.PID(),
	})
	if err != nil {
		t.Fatalf("AllocMemBlock: %v", err)
	}
	addr, err := mb.GetMemBlockBase(uid)
	if err != nil {
		t.Fatalf("GetMemBlockBase: %v", err)
	}
	return addr
}

// ReadExceptionContext reads the exception context at addr with user
// permissions.
func ReadExceptionContext(ctx context.Context, th *kernel.Thread, addr hostarch.Addr) (kubridge.ExceptionContext, error) {
	var ec kubridge.ExceptionContext
	buf := make([]byte, ec.SizeBytes())
	if _, err := th.CopyIn(ctx, addr, buf); err != nil {
		return ec, err
	}
	ec.UnmarshalBytes(buf)
	return ec, nil
}

// WriteExceptionContext writes ec at addr with user permissions.
func WriteExceptionContext(ctx context.Context, th *kernel.Thread, addr hostarch.Addr, ec *kubridge.ExceptionContext) error {
	buf := make([]byte, ec.SizeBytes())
	ec.MarshalBytes(buf)
	_, err := th.CopyOut(ctx, addr, buf)
	return err
}

// Poll is a shorthand function to poll for something with given timeout.
func Poll(cb func() error, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return PollContext(ctx, cb)
}

// PollContext is like Poll, but takes a context instead of a timeout.
func PollContext(ctx context.Context, cb func() error) error {
	b := backoff.WithContext(backoff.NewConstantBackOff(10*time.Millisecond), ctx)
	return backoff.Retry(cb, b)
}
