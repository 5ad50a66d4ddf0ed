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
	"kubridge.dev/kubridge/pkg/sync"
)

// ProcEventHandler receives process lifecycle events. Nil members are
// skipped. Handlers run synchronously on the thread causing the event.
type ProcEventHandler struct {
	// Create is called after a process is created. An error aborts the
	// creation.
	Create func(ctx context.Context, pid int32) error

	// Exit is called when a process exits, before its memory is released.
	Exit func(ctx context.Context, pid int32)

	// Kill is called when a process is killed, before its memory is
	// released.
	Kill func(ctx context.Context, pid int32)
}

type namedProcEventHandler struct {
	name string
	h    ProcEventHandler
}

type procEventTable struct {
	mu       sync.RWMutex
	handlers []namedProcEventHandler
}

// RegisterProcEventHandler adds a named process event handler.
func (k *Kernel) RegisterProcEventHandler(name string, h ProcEventHandler) error {
	k.procEvents.mu.Lock()
	defer k.procEvents.mu.Unlock()
	for _, nh := range k.procEvents.handlers {
		if nh.name == name {
			return sceerr.Exists
		}
	}
	k.procEvents.handlers = append(k.procEvents.handlers, namedProcEventHandler{name: name, h: h})
	return nil
}

// UnregisterProcEventHandler removes the named handler.
func (k *Kernel) UnregisterProcEventHandler(name string) error {
	k.procEvents.mu.Lock()
	defer k.procEvents.mu.Unlock()
	for i, nh := range k.procEvents.handlers {
		if nh.name == name {
			k.procEvents.handlers = append(k.procEvents.handlers[:i], k.procEvents.handlers[i+1:]...)
			return nil
		}
	}
	return sceerr.NotFound
}

func (t *procEventTable) snapshot() []namedProcEventHandler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]namedProcEventHandler(nil), t.handlers...)
}

func (t *procEventTable) create(ctx context.Context, pid int32) error {
	for _, nh := range t.snapshot() {
		if nh.h.Create == nil {
			continue
		}
		if err := nh.h.Create(ctx, pid); err != nil {
			log.Warningf("Process event handler %q rejected process %#x: %v", nh.name, pid, err)
			return err
		}
	}
	return nil
}

func (t *procEventTable) exit(ctx context.Context, pid int32) {
	for _, nh := range t.snapshot() {
		if nh.h.Exit != nil {
			nh.h.Exit(ctx, pid)
		}
	}
}

func (t *procEventTable) kill(ctx context.Context, pid int32) {
	for _, nh := range t.snapshot() {
		if nh.h.Kill != nil {
			nh.h.Kill(ctx, pid)
		}
	}
}
