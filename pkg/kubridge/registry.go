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
	"kubridge.dev/kubridge/pkg/errors/sceerr"
	"kubridge.dev/kubridge/pkg/hostarch"
	"kubridge.dev/kubridge/pkg/log"
	"kubridge.dev/kubridge/pkg/sentry/kernel"
	"kubridge.dev/kubridge/pkg/sentry/mm"
)

// RegisterExceptionHandler installs handler for exceptions of the given kind
// in the calling thread's process. If oldHandlerOut is not zero, the previous
// handler (zero for the default one) is written there first. optAddr, if not
// zero, points to a kubridge.ExceptionHandlerOpt.
//
// Registering the default handler's address restores the default handler.
func (b *Bridge) RegisterExceptionHandler(ctx context.Context, t *kernel.Thread, kind kubridge.ExceptionType, handler, oldHandlerOut, optAddr hostarch.Addr) error {
	if !kind.Valid() {
		log.Debugf("Thread %v: invalid exception type %d", t, kind)
		return sceerr.InvalidArgument
	}
	if handler == 0 {
		log.Debugf("Thread %v: null exception handler", t)
		return sceerr.InvalidArgument
	}
	if optAddr != 0 {
		var opt kubridge.ExceptionHandlerOpt
		buf := make([]byte, opt.SizeBytes())
		if _, err := t.CopyIn(ctx, optAddr, buf); err != nil {
			log.Debugf("Thread %v: invalid options pointer %v", t, optAddr)
			return err
		}
		opt.UnmarshalBytes(buf)
		if opt.Size != kubridge.ExceptionHandlerOptSize {
			log.Debugf("Thread %v: options size %d, want %d", t, opt.Size, kubridge.ExceptionHandlerOptSize)
			return sceerr.InvalidArgumentSize
		}
	}

	c := t.Core()
	pid := t.Process().PID()
	pc, err := b.GetProcessContext(ctx, c, pid, true)
	if pc == nil || err != nil {
		log.Warningf("Failed to get process context for process %#x: %v", pid, err)
		return sceerr.NoMemory
	}

	irq := pc.lock.LockIRQSave(c)
	defer pc.lock.UnlockIRQRestore(c, irq)
	if oldHandlerOut != 0 {
		if err := t.Process().MM().CopyOutUint32(ctx, oldHandlerOut, uint32(pc.handlers[kind]), mm.IOOpts{}); err != nil {
			log.Debugf("Thread %v: invalid old handler pointer %v", t, oldHandlerOut)
			return err
		}
	}
	if handler == pc.defaultHandler {
		handler = 0
	}
	pc.handlers[kind] = handler
	RegistrationsMetric.Increment(kind.String())
	return nil
}

// ReleaseExceptionHandler restores the default handler for kind. It does
// nothing for a process without a usable bootstrap region.
func (b *Bridge) ReleaseExceptionHandler(ctx context.Context, t *kernel.Thread, kind kubridge.ExceptionType) error {
	if !kind.Valid() {
		return sceerr.InvalidArgument
	}
	c := t.Core()
	pc, err := b.GetProcessContext(ctx, c, t.Process().PID(), false)
	if pc == nil || err != nil {
		return nil
	}
	irq := pc.lock.LockIRQSave(c)
	defer pc.lock.UnlockIRQRestore(c, irq)
	if pc.region != RegionAllocated {
		return nil
	}
	pc.handlers[kind] = 0
	return nil
}

// QueryExceptionHandler returns the handler registered for kind, or zero if
// the default handler is in effect. It never allocates.
func (b *Bridge) QueryExceptionHandler(ctx context.Context, t *kernel.Thread, kind kubridge.ExceptionType) (hostarch.Addr, error) {
	if !kind.Valid() {
		return 0, sceerr.InvalidArgument
	}
	c := t.Core()
	pc, err := b.GetProcessContext(ctx, c, t.Process().PID(), false)
	if pc == nil || err != nil {
		return 0, nil
	}
	irq := pc.lock.LockIRQSave(c)
	defer pc.lock.UnlockIRQRestore(c, irq)
	return pc.handlers[kind], nil
}

// RegisterAbortHandler installs handler for both data and prefetch aborts.
// If oldHandlerOut is not zero, the default handler's address is written
// there. optAddr is reserved and ignored. On failure neither abort kind keeps
// a custom handler.
//
// Deprecated: use RegisterExceptionHandler.
func (b *Bridge) RegisterAbortHandler(ctx context.Context, t *kernel.Thread, handler, oldHandlerOut, optAddr hostarch.Addr) error {
	if err := b.RegisterExceptionHandler(ctx, t, kubridge.ExceptionTypeDataAbort, handler, 0, 0); err != nil {
		return err
	}
	if err := b.RegisterExceptionHandler(ctx, t, kubridge.ExceptionTypePrefetchAbort, handler, 0, 0); err != nil {
		b.ReleaseExceptionHandler(ctx, t, kubridge.ExceptionTypeDataAbort)
		return err
	}
	if oldHandlerOut != 0 {
		var def hostarch.Addr
		if pc, _ := b.GetProcessContext(ctx, t.Core(), t.Process().PID(), false); pc != nil {
			def = pc.Info(t.Core()).DefaultHandler
		}
		if err := t.Process().MM().CopyOutUint32(ctx, oldHandlerOut, uint32(def), mm.IOOpts{}); err != nil {
			log.Debugf("Thread %v: invalid old handler pointer %v", t, oldHandlerOut)
			b.ReleaseAbortHandler(ctx, t)
			return err
		}
	}
	return nil
}

// ReleaseAbortHandler restores the default handler for both abort kinds.
//
// Deprecated: use ReleaseExceptionHandler.
func (b *Bridge) ReleaseAbortHandler(ctx context.Context, t *kernel.Thread) {
	b.ReleaseExceptionHandler(ctx, t, kubridge.ExceptionTypePrefetchAbort)
	b.ReleaseExceptionHandler(ctx, t, kubridge.ExceptionTypeDataAbort)
}
