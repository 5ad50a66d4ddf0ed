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

// Package sync provides synchronization primitives usable from exception
// context: a per-processor interrupt mask and a spin lock that saves and
// restores it.
package sync

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// IRQState is the interrupt-enable state saved by DisableInterrupts.
type IRQState uint32

const (
	// IRQEnabled means interrupts were enabled.
	IRQEnabled IRQState = iota

	// IRQDisabled means interrupts were already disabled.
	IRQDisabled
)

// Core models a single processor's interrupt mask.
//
// Several threads are scheduled on one core and each may hold its own masked
// section, so the mask counts open sections rather than storing one flag.
// Interrupts are enabled again once every section has been restored, in
// whatever order the sections end.
type Core struct {
	id int

	// masked is the number of open masked sections on this core.
	masked atomic.Int32
}

// NewCore returns a core with interrupts enabled.
func NewCore(id int) *Core {
	return &Core{id: id}
}

// ID returns the processor index.
func (c *Core) ID() int {
	return c.id
}

// DisableInterrupts opens a masked section and returns the state before it.
// Every call must be paired with exactly one RestoreInterrupts.
func (c *Core) DisableInterrupts() IRQState {
	if c.masked.Add(1) == 1 {
		return IRQEnabled
	}
	return IRQDisabled
}

// RestoreInterrupts closes a masked section opened by DisableInterrupts.
// Interrupts stay masked while another section on c is still open.
func (c *Core) RestoreInterrupts(s IRQState) {
	if c.masked.Add(-1) < 0 {
		panic(fmt.Sprintf("%v: RestoreInterrupts(%d) without a masked section", c, s))
	}
}

// InterruptsEnabled returns true if interrupts are not masked.
func (c *Core) InterruptsEnabled() bool {
	return c.masked.Load() == 0
}

// String implements fmt.Stringer.String.
func (c *Core) String() string {
	return fmt.Sprintf("core%d", c.id)
}

// spinsBeforeYield is the number of failed acquisition attempts after which
// a waiter yields its goroutine.
const spinsBeforeYield = 64

// SpinLock is a busy-waiting mutual exclusion lock. It never sleeps, so it
// may be taken from exception context.
//
// The zero value is unlocked.
type SpinLock struct {
	state atomic.Uint32
}

// Lock acquires the lock, spinning until it is available. Any attempt to
// re-acquire a lock already held by the caller deadlocks.
func (l *SpinLock) Lock() {
	for spins := 0; !l.state.CompareAndSwap(0, 1); spins++ {
		if spins >= spinsBeforeYield {
			runtime.Gosched()
			spins = 0
		}
	}
}

// TryLock attempts to acquire the lock and returns true on success.
func (l *SpinLock) TryLock() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Unlock releases the lock.
//
// Preconditions: the lock is held.
func (l *SpinLock) Unlock() {
	if l.state.Swap(0) == 0 {
		panic("unlock of unlocked SpinLock")
	}
}

// LockIRQSave masks interrupts on c and then acquires the lock. The returned
// state must be passed to UnlockIRQRestore.
func (l *SpinLock) LockIRQSave(c *Core) IRQState {
	s := c.DisableInterrupts()
	l.Lock()
	return s
}

// UnlockIRQRestore releases the lock and restores c's interrupt state.
func (l *SpinLock) UnlockIRQRestore(c *Core, s IRQState) {
	l.Unlock()
	c.RestoreInterrupts(s)
}
