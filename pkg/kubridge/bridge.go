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

// Package kubridge delivers CPU exceptions raised in user processes to
// handlers registered by those processes.
//
// Each process that registers a handler gets a page of executable memory
// holding the trampoline, the "bootstrap". When a data abort, prefetch abort
// or undefined instruction occurs, the dispatcher saves the register state on
// the faulting thread's stack and sends the thread to the bootstrap, which
// calls the registered handler with the saved state and then resumes from it.
// Processes without a handler reach a default handler that logs the
// exception and exits the process.
package kubridge

import (
	"context"
	"fmt"
	"time"

	"kubridge.dev/kubridge/pkg/abi/kubridge"
	"kubridge.dev/kubridge/pkg/config"
	"kubridge.dev/kubridge/pkg/errors/sceerr"
	"kubridge.dev/kubridge/pkg/hostarch"
	"kubridge.dev/kubridge/pkg/log"
	"kubridge.dev/kubridge/pkg/sentry/kernel"
	"kubridge.dev/kubridge/pkg/trampoline"
)

// Names under which the bridge registers with the kernel.
const (
	procEventHandlerName = "KuBridgeProcessHandler"
	plsName              = "KuBridgeProcessContext"
)

// faultLogInterval is the minimum interval between fault log messages.
const faultLogInterval = 100 * time.Millisecond

// ExportStatus reports how a kernel export needed by the bridge was
// resolved.
type ExportStatus struct {
	Name     string
	Module   string
	NID      kubridge.NID
	Resolved bool
}

// Bridge is the exception bridge of one kernel.
type Bridge struct {
	k        *kernel.Kernel
	conf     *config.Config
	desc     *trampoline.Descriptor
	plsKey   kernel.PLSKey
	faultLog log.Logger

	// Kernel services. They are resolved once by New and nil if
	// unavailable.
	registerExceptionHandler kernel.RegisterExceptionHandlerFunc
	procCopyToUserRx         kernel.ProcCopyToUserRxFunc
	exports                  []ExportStatus

	fixedBase fixedBase
}

// resolve returns the first of nids that k exports as a T.
func resolve[T any](b *Bridge, name, module string, nids []kubridge.NID) T {
	var zero T
	for _, nid := range nids {
		f, err := kernel.ResolveKernelExport[T](b.k, module, kubridge.AnyLibrary, nid)
		if err == nil {
			b.exports = append(b.exports, ExportStatus{Name: name, Module: module, NID: nid, Resolved: true})
			return f
		}
	}
	log.Warningf("Kernel export %s:%s is unavailable", module, name)
	b.exports = append(b.exports, ExportStatus{Name: name, Module: module})
	return zero
}

// New installs the bridge in k: it resolves the kernel services it needs,
// creates the process context storage, hooks process exit and kill, routes
// all three exception kinds to the dispatcher and publishes the privileged
// calls.
func New(ctx context.Context, k *kernel.Kernel) (*Bridge, error) {
	b := &Bridge{
		k:        k,
		conf:     k.Config(),
		desc:     trampoline.Bootstrap(),
		faultLog: log.BasicRateLimitedLogger(faultLogInterval),
	}

	b.registerExceptionHandler = resolve[kernel.RegisterExceptionHandlerFunc](b, "sceKernelRegisterExceptionHandler", kubridge.ModuleExcpmgr, kubridge.NIDsRegisterExceptionHandler)
	b.procCopyToUserRx = resolve[kernel.ProcCopyToUserRxFunc](b, "sceKernelProcCopyToUserRx", kubridge.ModuleSysmem, kubridge.NIDsProcCopyToUserRx)
	// The remote heap services are resolved for availability reporting only.
	resolve[kernel.AllocRemoteProcessHeapFunc](b, "sceKernelAllocRemoteProcessHeap", kubridge.ModuleProcessmgr, kubridge.NIDsAllocRemoteProcessHeap)
	resolve[kernel.FreeRemoteProcessHeapFunc](b, "sceKernelFreeRemoteProcessHeap", kubridge.ModuleProcessmgr, kubridge.NIDsFreeRemoteProcessHeap)
	if b.registerExceptionHandler == nil {
		return nil, fmt.Errorf("exception manager is unavailable: %w", sceerr.NoSys)
	}

	key, err := k.CreateProcessLocalStorage(plsName, newProcessContext)
	if err != nil {
		return nil, fmt.Errorf("creating process context storage: %w", err)
	}
	b.plsKey = key

	if err := k.RegisterProcEventHandler(procEventHandlerName, kernel.ProcEventHandler{
		Create: b.spawnProcess,
		Exit:   b.destroyProcess,
		Kill:   b.destroyProcess,
	}); err != nil {
		return nil, fmt.Errorf("registering process event handler: %w", err)
	}

	for _, kind := range kubridge.ExceptionTypes {
		if err := b.registerExceptionHandler(kind, b.conf.DispatchPriority, b.dispatch); err != nil {
			return nil, fmt.Errorf("registering %v handler: %w", kind, err)
		}
	}

	for _, sc := range b.syscalls() {
		if err := k.RegisterSyscall(sc.nr, sc.name, sc.fn); err != nil {
			return nil, fmt.Errorf("registering privileged call %s: %w", sc.name, err)
		}
	}

	log.Infof("Exception bridge installed: trampoline %d bytes, exception safety %d, handler stack margin %#x",
		len(b.desc.Blob), b.conf.ExceptionSafety, b.conf.HandlerStackMargin)
	return b, nil
}

// Kernel returns the kernel the bridge is installed in.
func (b *Bridge) Kernel() *kernel.Kernel {
	return b.k
}

// Descriptor returns the trampoline descriptor.
func (b *Bridge) Descriptor() *trampoline.Descriptor {
	return b.desc
}

// Exports reports the resolution of the kernel services the bridge uses.
func (b *Bridge) Exports() []ExportStatus {
	return append([]ExportStatus(nil), b.exports...)
}

// FixedBase returns the system-wide bootstrap address, if one was chosen.
func (b *Bridge) FixedBase() (hostarch.Addr, bool) {
	return b.fixedBase.Get(b.k.Cores()[0])
}
