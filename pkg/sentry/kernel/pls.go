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
	"kubridge.dev/kubridge/pkg/errors/sceerr"
	"kubridge.dev/kubridge/pkg/log"
	"kubridge.dev/kubridge/pkg/sync"
)

// MaxPLSSlots is the number of process-local storage slots.
const MaxPLSSlots = 8

// PLSKey identifies a process-local storage slot.
type PLSKey int

type plsSlot struct {
	name  string
	newFn func(pid int32) (any, error)
}

type plsTable struct {
	mu    sync.Mutex
	slots []plsSlot
}

// CreateProcessLocalStorage reserves a slot present in every process. The
// slot's value for a process is built by newFn on first use.
func (k *Kernel) CreateProcessLocalStorage(name string, newFn func(pid int32) (any, error)) (PLSKey, error) {
	if newFn == nil {
		return -1, sceerr.InvalidArgument
	}
	k.pls.mu.Lock()
	defer k.pls.mu.Unlock()
	if len(k.pls.slots) >= MaxPLSSlots {
		return -1, sceerr.ResourceLimit
	}
	k.pls.slots = append(k.pls.slots, plsSlot{name: name, newFn: newFn})
	key := PLSKey(len(k.pls.slots) - 1)
	log.Debugf("Created process-local storage %q with key %d", name, key)
	return key, nil
}

// ProcessLocalStorage returns the value of slot key for pid. If the value
// does not exist yet, it is built when create is true; otherwise nil is
// returned.
func (k *Kernel) ProcessLocalStorage(pid int32, key PLSKey, create bool) (any, error) {
	k.pls.mu.Lock()
	if key < 0 || int(key) >= len(k.pls.slots) {
		k.pls.mu.Unlock()
		return nil, sceerr.InvalidArgument
	}
	slot := k.pls.slots[key]
	k.pls.mu.Unlock()

	p, err := k.Process(pid)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.pls[key]; ok || !create {
		return v, nil
	}
	if p.pls == nil || p.state != ProcessRunning {
		return nil, sceerr.NoSuchProcess
	}
	v, err := slot.newFn(pid)
	if err != nil {
		return nil, err
	}
	p.pls[key] = v
	return v, nil
}
