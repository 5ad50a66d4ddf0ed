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

package kernel

import (
	"context"

	"kubridge.dev/kubridge/pkg/errors/sceerr"
	"kubridge.dev/kubridge/pkg/log"
	"kubridge.dev/kubridge/pkg/sentry/arch"
	"kubridge.dev/kubridge/pkg/sync"
)

// SyscallFn is the implementation of a privileged call. A non-nil error is
// returned to the caller as its status code.
type SyscallFn func(ctx context.Context, t *Thread, args arch.SyscallArguments) (uint32, error)

type syscall struct {
	name string
	fn   SyscallFn
}

type syscallTable struct {
	mu    sync.RWMutex
	table map[uint32]syscall
}

// RegisterSyscall installs fn as privileged call nr.
func (k *Kernel) RegisterSyscall(nr uint32, name string, fn SyscallFn) error {
	if fn == nil {
		return sceerr.InvalidArgument
	}
	k.syscalls.mu.Lock()
	defer k.syscalls.mu.Unlock()
	if k.syscalls.table == nil {
		k.syscalls.table = make(map[uint32]syscall)
	}
	if _, ok := k.syscalls.table[nr]; ok {
		return sceerr.Exists
	}
	k.syscalls.table[nr] = syscall{name: name, fn: fn}
	return nil
}

// SyscallName returns the name of privileged call nr, or "".
func (k *Kernel) SyscallName(nr uint32) string {
	k.syscalls.mu.RLock()
	defer k.syscalls.mu.RUnlock()
	return k.syscalls.table[nr].name
}

// Syscall performs privileged call nr on behalf of t and returns the value
// for r0.
func (t *Thread) Syscall(ctx context.Context, nr uint32, args ...uint32) uint32 {
	var sargs arch.SyscallArguments
	for i := range args {
		if i < len(sargs) {
			sargs[i].Value = args[i]
		}
	}
	return t.syscall(ctx, nr, sargs)
}

func (t *Thread) syscall(ctx context.Context, nr uint32, args arch.SyscallArguments) uint32 {
	k := t.p.k
	k.syscalls.mu.RLock()
	sc, ok := k.syscalls.table[nr]
	k.syscalls.mu.RUnlock()
	if !ok {
		log.Debugf("Thread %v: unknown privileged call %#x", t, nr)
		return uint32(sceerr.NoSys.Status())
	}
	rv, err := sc.fn(ContextWithThread(ctx, t), t, args)
	if err != nil {
		log.Debugf("Thread %v: %s: %v", t, sc.name, err)
		return uint32(sceerr.Status(err))
	}
	return rv
}
