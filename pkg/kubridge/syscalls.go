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

	"kubridge.dev/kubridge/pkg/abi/kubridge"
	"kubridge.dev/kubridge/pkg/hostarch"
	"kubridge.dev/kubridge/pkg/sentry/arch"
	"kubridge.dev/kubridge/pkg/sentry/kernel"
)

type syscallEntry struct {
	nr   uint32
	name string
	fn   kernel.SyscallFn
}

// syscalls are the privileged calls the bridge makes available to user code.
func (b *Bridge) syscalls() []syscallEntry {
	return []syscallEntry{
		{kubridge.SysRegisterExceptionHandler, "kuKernelRegisterExceptionHandler", b.sysRegisterExceptionHandler},
		{kubridge.SysReleaseExceptionHandler, "kuKernelReleaseExceptionHandler", b.sysReleaseExceptionHandler},
		{kubridge.SysQueryExceptionHandler, "kuKernelQueryExceptionHandler", b.sysQueryExceptionHandler},
		{kubridge.SysRegisterAbortHandler, "kuKernelRegisterAbortHandler", b.sysRegisterAbortHandler},
		{kubridge.SysReleaseAbortHandler, "kuKernelReleaseAbortHandler", b.sysReleaseAbortHandler},
		{kubridge.SysGetProcessExitAddr, "GetProcessExitAddr", b.sysGetProcessExitAddr},
		{kubridge.SysLogException, "LogException", b.sysLogException},
	}
}

func (b *Bridge) sysRegisterExceptionHandler(ctx context.Context, t *kernel.Thread, args arch.SyscallArguments) (uint32, error) {
	return 0, b.RegisterExceptionHandler(ctx, t, kubridge.ExceptionType(args[0].Uint()), args[1].Pointer(), args[2].Pointer(), args[3].Pointer())
}

func (b *Bridge) sysReleaseExceptionHandler(ctx context.Context, t *kernel.Thread, args arch.SyscallArguments) (uint32, error) {
	return 0, b.ReleaseExceptionHandler(ctx, t, kubridge.ExceptionType(args[0].Uint()))
}

func (b *Bridge) sysQueryExceptionHandler(ctx context.Context, t *kernel.Thread, args arch.SyscallArguments) (uint32, error) {
	h, err := b.QueryExceptionHandler(ctx, t, kubridge.ExceptionType(args[0].Uint()))
	return uint32(h), err
}

func (b *Bridge) sysRegisterAbortHandler(ctx context.Context, t *kernel.Thread, args arch.SyscallArguments) (uint32, error) {
	return 0, b.RegisterAbortHandler(ctx, t, args[0].Pointer(), args[1].Pointer(), args[2].Pointer())
}

func (b *Bridge) sysReleaseAbortHandler(ctx context.Context, t *kernel.Thread, args arch.SyscallArguments) (uint32, error) {
	b.ReleaseAbortHandler(ctx, t)
	return 0, nil
}

// sysGetProcessExitAddr returns the address of the process's exit entry
// point, or zero if it cannot be resolved.
func (b *Bridge) sysGetProcessExitAddr(ctx context.Context, t *kernel.Thread, args arch.SyscallArguments) (uint32, error) {
	b.faultLog.Warningf("Thread %v: process will be terminated", t)
	addr, err := b.k.ResolveProcessExport(t.Process().PID(), kubridge.ModuleLibKernel, kubridge.LibNIDLibKernel, kubridge.NIDExitProcess)
	if err != nil {
		b.faultLog.Warningf("Thread %v: resolving process exit: %v", t, err)
		return 0, nil
	}
	return uint32(addr), nil
}

// sysLogException logs the exception context at r0.
func (b *Bridge) sysLogException(ctx context.Context, t *kernel.Thread, args arch.SyscallArguments) (uint32, error) {
	var ec kubridge.ExceptionContext
	buf := make([]byte, ec.SizeBytes())
	if _, err := t.CopyIn(ctx, args[0].Pointer(), buf); err != nil {
		b.faultLog.Warningf("Thread %v: unhandled exception, context unreadable at %v: %v", t, args[0].Pointer(), err)
		return 0, nil
	}
	ec.UnmarshalBytes(buf)
	b.faultLog.Warningf("Thread %v: unhandled %v at pc %v (FSR %#x, FAR %#x, sp %#x, lr %#x)",
		t, ec.ExceptionType, hostarch.Addr(ec.PC), ec.FSR, ec.FAR, ec.SP, ec.LR)
	return 0, nil
}
