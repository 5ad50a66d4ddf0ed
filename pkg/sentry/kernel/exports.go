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
	"kubridge.dev/kubridge/pkg/config"
	"kubridge.dev/kubridge/pkg/errors/sceerr"
	"kubridge.dev/kubridge/pkg/hostarch"
	"kubridge.dev/kubridge/pkg/sentry/mm"
	"kubridge.dev/kubridge/pkg/sentry/sysmem"
	"kubridge.dev/kubridge/pkg/sync"
)

// Library NIDs of the kernel modules' exports.
const (
	LibNIDExcpmgrForKernel    kubridge.NID = 0x1496A5B5
	LibNIDSysmemForKernel     kubridge.NID = 0x63A519E5
	LibNIDProcessmgrForKernel kubridge.NID = 0x7A69DE86
)

// Types of the kernel exports.
type (
	// RegisterExceptionHandlerFunc adds a handler to the exception manager.
	RegisterExceptionHandlerFunc func(kind kubridge.ExceptionType, prio int, h ExceptionHandler) error

	// ProcCopyToUserRxFunc copies src into executable memory of pid.
	ProcCopyToUserRxFunc func(ctx context.Context, pid int32, dst hostarch.Addr, src []byte) error

	// AllocRemoteProcessHeapFunc allocates heap memory in pid.
	AllocRemoteProcessHeapFunc func(pid int32, size uint32) (hostarch.Addr, error)

	// FreeRemoteProcessHeapFunc frees memory returned by
	// AllocRemoteProcessHeapFunc.
	FreeRemoteProcessHeapFunc func(pid int32, addr hostarch.Addr) error
)

type export struct {
	module  string
	libNID  kubridge.NID
	funcNID kubridge.NID
	value   any
}

func (e export) matches(module string, libNID, funcNID kubridge.NID) bool {
	return e.module == module && e.funcNID == funcNID && (libNID == kubridge.AnyLibrary || libNID == e.libNID)
}

type exportTable []export

func (t *exportTable) add(module string, libNID, funcNID kubridge.NID, value any) {
	*t = append(*t, export{module: module, libNID: libNID, funcNID: funcNID, value: value})
}

func (t exportTable) lookup(module string, libNID, funcNID kubridge.NID) (any, bool) {
	for _, e := range t {
		if e.matches(module, libNID, funcNID) {
			return e.value, true
		}
	}
	return nil, false
}

// ExportInfo describes a kernel export.
type ExportInfo struct {
	Module  string
	LibNID  kubridge.NID
	FuncNID kubridge.NID
	Type    string
}

// Exports lists the kernel exports ordered by module and function NID.
func (k *Kernel) Exports() []ExportInfo {
	infos := make([]ExportInfo, 0, len(k.exports))
	for _, e := range k.exports {
		infos = append(infos, ExportInfo{
			Module:  e.module,
			LibNID:  e.libNID,
			FuncNID: e.funcNID,
			Type:    fmt.Sprintf("%T", e.value),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Module != infos[j].Module {
			return infos[i].Module < infos[j].Module
		}
		return infos[i].FuncNID < infos[j].FuncNID
	})
	return infos
}

// registerFirmwareExports publishes the kernel services under the NIDs of
// the configured firmware.
func (k *Kernel) registerFirmwareExports() {
	scheme := 1
	if k.conf.Firmware == config.Firmware360 {
		scheme = 0
	}
	k.exports.add(kubridge.ModuleExcpmgr, LibNIDExcpmgrForKernel, kubridge.NIDsRegisterExceptionHandler[scheme],
		RegisterExceptionHandlerFunc(k.RegisterExceptionHandler))
	k.exports.add(kubridge.ModuleSysmem, LibNIDSysmemForKernel, kubridge.NIDsProcCopyToUserRx[scheme],
		ProcCopyToUserRxFunc(k.procCopyToUserRx))
	k.exports.add(kubridge.ModuleProcessmgr, LibNIDProcessmgrForKernel, kubridge.NIDsAllocRemoteProcessHeap[0],
		AllocRemoteProcessHeapFunc(k.allocRemoteProcessHeap))
	k.exports.add(kubridge.ModuleProcessmgr, LibNIDProcessmgrForKernel, kubridge.NIDsFreeRemoteProcessHeap[0],
		FreeRemoteProcessHeapFunc(k.freeRemoteProcessHeap))
}

// ResolveKernelExport looks up a kernel export and returns it as a T.
// libNID may be kubridge.AnyLibrary.
func ResolveKernelExport[T any](k *Kernel, module string, libNID, funcNID kubridge.NID) (T, error) {
	var zero T
	v, ok := k.exports.lookup(module, libNID, funcNID)
	if !ok {
		return zero, fmt.Errorf("%s export %#08x: %w", module, uint32(funcNID), sceerr.NotFound)
	}
	f, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%s export %#08x is %T, not %T: %w", module, uint32(funcNID), v, zero, sceerr.Unsupported)
	}
	return f, nil
}

// ResolveProcessExport returns the address of a user-side export of pid.
func (k *Kernel) ResolveProcessExport(pid int32, module string, libNID, funcNID kubridge.NID) (hostarch.Addr, error) {
	p, err := k.Process(pid)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := exportTable(p.exports).lookup(module, libNID, funcNID); ok {
		return v.(hostarch.Addr), nil
	}
	return 0, fmt.Errorf("process %v has no %s export %#08x: %w", p, module, uint32(funcNID), sceerr.NotFound)
}

func (k *Kernel) procCopyToUserRx(ctx context.Context, pid int32, dst hostarch.Addr, src []byte) error {
	as, err := k.AddressSpace(pid)
	if err != nil {
		return err
	}
	_, err = as.CopyOut(ctx, dst, src, mm.IOOpts{IgnorePermissions: true})
	return err
}

type remoteHeapKey struct {
	pid  int32
	addr hostarch.Addr
}

type remoteHeap struct {
	mu     sync.Mutex
	blocks map[remoteHeapKey]sysmem.UID
}

func (h *remoteHeap) releaseProcess(pid int32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key := range h.blocks {
		if key.pid == pid {
			delete(h.blocks, key)
		}
	}
}

func (k *Kernel) allocRemoteProcessHeap(pid int32, size uint32) (hostarch.Addr, error) {
	uid, err := k.memBlocks.AllocMemBlock("remote_heap", sysmem.MemBlockTypeUserRW, size, &sysmem.AllocOpts{
		Attr: sysmem.AttrHasPID,
		PID:  pid,
	})
	if err != nil {
		return 0, err
	}
	addr, err := k.memBlocks.GetMemBlockBase(uid)
	if err != nil {
		return 0, err
	}
	k.remoteHeap.mu.Lock()
	defer k.remoteHeap.mu.Unlock()
	if k.remoteHeap.blocks == nil {
		k.remoteHeap.blocks = make(map[remoteHeapKey]sysmem.UID)
	}
	k.remoteHeap.blocks[remoteHeapKey{pid, addr}] = uid
	return addr, nil
}

func (k *Kernel) freeRemoteProcessHeap(pid int32, addr hostarch.Addr) error {
	key := remoteHeapKey{pid, addr}
	k.remoteHeap.mu.Lock()
	uid, ok := k.remoteHeap.blocks[key]
	delete(k.remoteHeap.blocks, key)
	k.remoteHeap.mu.Unlock()
	if !ok {
		return sceerr.InvalidArgument
	}
	return k.memBlocks.FreeMemBlock(uid)
}
