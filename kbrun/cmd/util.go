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


// Package cmd holds implementations of the kbrun commands.
package cmd

import (
	"context"
	"fmt"
	"os"

	"kubridge.dev/kubridge/pkg/abi/kubridge"
	"kubridge.dev/kubridge/pkg/config"
	kbridge "kubridge.dev/kubridge/pkg/kubridge"
	"kubridge.dev/kubridge/pkg/log"
	"kubridge.dev/kubridge/pkg/sentry/arch"
	"kubridge.dev/kubridge/pkg/sentry/kernel"
)

// Fatalf logs the same message to the log and stderr, and exits with status
// 128.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintf(os.Stderr, "kbrun: %s\n", msg)
	os.Exit(128)
}

// newBridge boots a kernel from conf and installs the exception bridge in it.
func newBridge(ctx context.Context, conf *config.Config) (*kbridge.Bridge, error) {
	k, err := kernel.New(conf)
	if err != nil {
		return nil, fmt.Errorf("creating kernel: %w", err)
	}
	b, err := kbridge.New(ctx, k)
	if err != nil {
		return nil, fmt.Errorf("installing exception bridge: %w", err)
	}
	return b, nil
}

// app is a process with one thread.
type app struct {
	p *kernel.Process
	t *kernel.Thread
}

func newApp(ctx context.Context, k *kernel.Kernel, name string) (*app, error) {
	p, err := k.CreateProcess(ctx, kernel.ProcessOpts{Name: name})
	if err != nil {
		return nil, fmt.Errorf("creating process %q: %w", name, err)
	}
	t, err := p.NewThread(ctx, 0)
	if err != nil {
		p.Kill(ctx)
		return nil, fmt.Errorf("creating thread of %q: %w", name, err)
	}
	return &app{p: p, t: t}, nil
}

// faultPC is the address of the faulting instruction in every scenario.
const faultPC = 0x81010000

// fault raises an exception of the given kind at faultPC.
func (a *app) fault(ctx context.Context, kind kubridge.ExceptionType) kernel.Outcome {
	regs := a.t.Regs()
	regs.PC = faultPC
	return a.t.Fault(ctx, kind, arch.FaultInfo{FSR: 0x805, FAR: 0xdead0000})
}

// skipper is a user exception handler that resumes past the faulting
// instruction.
type skipper struct {
	calls int
}

func (s *skipper) handle(ctx context.Context, t *kernel.Thread, args arch.SyscallArguments) uint32 {
	s.calls++
	addr := args[0].Pointer()
	var ec kubridge.ExceptionContext
	buf := make([]byte, ec.SizeBytes())
	if _, err := t.CopyIn(ctx, addr, buf); err != nil {
		log.Warningf("Thread %v: reading exception context at %v: %v", t, addr, err)
		return 0
	}
	ec.UnmarshalBytes(buf)
	log.Infof("Thread %v: handling %v at pc %#x (FAR %#x)", t, ec.ExceptionType, ec.PC, ec.FAR)
	ec.PC += 4
	ec.MarshalBytes(buf)
	if _, err := t.CopyOut(ctx, addr, buf); err != nil {
		log.Warningf("Thread %v: writing exception context at %v: %v", t, addr, err)
	}
	return 0
}

// addSkipper places a skipper in a's process and returns it with its
// address.
func (a *app) addSkipper() (*skipper, uint32, error) {
	s := new(skipper)
	addr, err := a.p.AddFunction("skip_handler", s.handle)
	if err != nil {
		return nil, 0, err
	}
	return s, uint32(addr), nil
}
