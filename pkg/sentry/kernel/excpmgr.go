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
	"fmt"
	"sort"

	"kubridge.dev/kubridge/pkg/abi/kubridge"
	"kubridge.dev/kubridge/pkg/errors/sceerr"
	"kubridge.dev/kubridge/pkg/log"
	"kubridge.dev/kubridge/pkg/sentry/arch"
	"kubridge.dev/kubridge/pkg/sync"
)

// ExceptionAction is returned by an ExceptionHandler.
type ExceptionAction int

const (
	// ExceptionContinue passes the exception to the next handler.
	ExceptionContinue ExceptionAction = iota

	// ExceptionHandled ends the exception. The thread continues with its
	// (possibly modified) registers.
	ExceptionHandled
)

// ExceptionHandler is called in exception context, with interrupts disabled
// on the faulting core.
type ExceptionHandler func(ctx context.Context, t *Thread, kind kubridge.ExceptionType, fault arch.FaultInfo) ExceptionAction

type exceptionEntry struct {
	prio int
	h    ExceptionHandler
}

type exceptionManager struct {
	mu     sync.RWMutex
	chains [kubridge.NumExceptionTypes][]exceptionEntry
}

// RegisterExceptionHandler adds h to the chain of kind. Handlers with a lower
// priority value run first; equal priorities run in registration order.
func (k *Kernel) RegisterExceptionHandler(kind kubridge.ExceptionType, prio int, h ExceptionHandler) error {
	if !kind.Valid() || h == nil {
		return sceerr.InvalidArgument
	}
	k.excpmgr.mu.Lock()
	defer k.excpmgr.mu.Unlock()
	chain := append(append([]exceptionEntry(nil), k.excpmgr.chains[kind]...), exceptionEntry{prio: prio, h: h})
	sort.SliceStable(chain, func(i, j int) bool {
		return chain[i].prio < chain[j].prio
	})
	k.excpmgr.chains[kind] = chain
	return nil
}

// RaiseException delivers an exception of the given kind to t, whose
// registers hold the state at the fault. The exception manager's chain runs
// first; if no handler takes the exception, the firmware default kills the
// process. Otherwise t continues in user mode until the outcome is known.
func (k *Kernel) RaiseException(ctx context.Context, t *Thread, kind kubridge.ExceptionType, fault arch.FaultInfo) Outcome {
	if !kind.Valid() {
		panic(fmt.Sprintf("invalid exception kind %d", kind))
	}
	if o, done := t.p.outcome(); done {
		return o
	}
	ctx = ContextWithThread(ctx, t)

	k.excpmgr.mu.RLock()
	chain := k.excpmgr.chains[kind]
	k.excpmgr.mu.RUnlock()

	irq := t.core.DisableInterrupts()
	action := ExceptionContinue
	for _, e := range chain {
		if action = e.h(ctx, t, kind, fault); action == ExceptionHandled {
			break
		}
	}
	t.core.RestoreInterrupts(irq)

	if action != ExceptionHandled {
		log.Warningf("Unhandled %v in thread %v at pc %v (FSR %#x, FAR %#x), killing process", kind, t, t.regs.IP(), fault.FSR, fault.FAR)
		t.p.Kill(ctx)
		return Outcome{Kind: OutcomeKilled}
	}
	return t.Run(ctx)
}

// Fault raises an exception of the given kind on t at its current pc.
func (t *Thread) Fault(ctx context.Context, kind kubridge.ExceptionType, fault arch.FaultInfo) Outcome {
	return t.p.k.RaiseException(ctx, t, kind, fault)
}
