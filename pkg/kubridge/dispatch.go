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
	"kubridge.dev/kubridge/pkg/config"
	"kubridge.dev/kubridge/pkg/hostarch"
	"kubridge.dev/kubridge/pkg/sentry/arch"
	"kubridge.dev/kubridge/pkg/sentry/kernel"
	"kubridge.dev/kubridge/pkg/sentry/mm"
	"kubridge.dev/kubridge/pkg/trampoline"
)

// contextAlign is the alignment of the exception context on the stack.
const contextAlign = 8

// dispatch is registered with the exception manager for every exception
// kind. It runs in exception context on the faulting core.
//
// If the faulting process has a bootstrap region and the faulting thread has
// room on its stack, the register state is saved on the stack and the thread
// is sent to the trampoline, which calls the registered handler or the
// default one. Otherwise the exception is passed on and the firmware default
// terminates the process. User memory is never written unless the stack
// checks pass.
func (b *Bridge) dispatch(ctx context.Context, t *kernel.Thread, kind kubridge.ExceptionType, fault arch.FaultInfo) kernel.ExceptionAction {
	regs := t.Regs()
	c := t.Core()

	pc, err := b.GetProcessContext(ctx, c, t.Process().PID(), false)
	if pc == nil || err != nil {
		return b.passOn(kind, routeFirmware)
	}
	irq := pc.lock.LockIRQSave(c)
	region := pc.region
	pc.lock.UnlockIRQRestore(c, irq)
	if region != RegionAllocated {
		return b.passOn(kind, routeFirmware)
	}

	ecAddr, ok := b.checkStack(ctx, t, regs.StackPointer())
	if !ok {
		return b.passOn(kind, routeFatal)
	}

	ec := arch.NewExceptionContext(regs, fault, kind)
	buf := make([]byte, ec.SizeBytes())
	ec.MarshalBytes(buf)
	if _, err := t.Process().MM().CopyOut(ctx, ecAddr, buf, mm.IOOpts{}); err != nil {
		b.faultLog.Warningf("Thread %v: writing exception context at %v: %v", t, ecAddr, err)
		return b.passOn(kind, routeFatal)
	}

	irq = pc.lock.LockIRQSave(c)
	if pc.region != RegionAllocated {
		// Torn down since the first check.
		pc.lock.UnlockIRQRestore(c, irq)
		return b.passOn(kind, routeFatal)
	}
	route := routeCustom
	handler := pc.handlers[kind]
	if handler == 0 {
		route = routeDefault
		handler = pc.defaultHandler
	}
	entry := pc.base + hostarch.Addr(b.desc.EntryOffset)
	pc.lock.UnlockIRQRestore(c, irq)

	regs.R[trampoline.ContextArg] = uint32(ecAddr)
	regs.R[trampoline.HandlerArg] = uint32(handler)
	regs.SP = uint32(ecAddr)
	regs.PC = uint32(entry)
	regs.CPSR = regs.CPSR&^arch.ModeMask | arch.ModeUser

	b.faultLog.Debugf("Thread %v: %v at pc %#x (FAR %#x) delivered to %v handler %v", t, kind, ec.PC, ec.FAR, route, handler)
	ExceptionsMetric.Increment(kind.String(), route)
	return kernel.ExceptionHandled
}

func (b *Bridge) passOn(kind kubridge.ExceptionType, route string) kernel.ExceptionAction {
	ExceptionsMetric.Increment(kind.String(), route)
	return kernel.ExceptionContinue
}

// checkStack returns the address the exception context is written to, and
// true if sp lies within the faulting thread's stack with room for the
// aligned context and the handler margin below it.
func (b *Bridge) checkStack(ctx context.Context, t *kernel.Thread, sp hostarch.Addr) (hostarch.Addr, bool) {
	tls := t.TLS()
	if tls == 0 {
		b.faultLog.Warningf("Thread %v: invalid TLS address", t)
		return 0, false
	}
	tcb := tls - kernel.TCBOffset

	opts := mm.IOOpts{IgnorePermissions: b.conf.ExceptionSafety < config.SafetyValidated}
	as := t.Process().MM()
	top, err := as.CopyInUint32(ctx, tcb+kernel.TCBStackTop, opts)
	if err != nil {
		b.faultLog.Warningf("Thread %v: failed to load stack bounds from TLS: %v", t, err)
		return 0, false
	}
	limit, err := as.CopyInUint32(ctx, tcb+kernel.TCBStackLimit, opts)
	if err != nil {
		b.faultLog.Warningf("Thread %v: failed to load stack bounds from TLS: %v", t, err)
		return 0, false
	}
	stackTop, stackLimit := hostarch.Addr(top), hostarch.Addr(limit)

	if sp > stackTop || sp <= stackLimit {
		b.faultLog.Warningf("Thread %v: stack pointer %v is out of bounds (top %v, limit %v)", t, sp, stackTop, stackLimit)
		return 0, false
	}
	reserve := hostarch.Addr(b.desc.ContextReserve)
	need := reserve + hostarch.Addr(b.conf.HandlerStackMargin)
	if sp < need || sp-need > stackTop || sp-need <= stackLimit {
		b.faultLog.Warningf("Thread %v: insufficient stack to call the exception handler (sp %v, top %v, limit %v)", t, sp, stackTop, stackLimit)
		return 0, false
	}
	// Alignment may move the context below sp-need when the margin is small.
	ecAddr := (sp - reserve).AlignDown(contextAlign)
	if ecAddr <= stackLimit {
		b.faultLog.Warningf("Thread %v: exception context at %v would cross the stack limit %v", t, ecAddr, stackLimit)
		return 0, false
	}
	return ecAddr, true
}
