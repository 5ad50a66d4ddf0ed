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

// NID is a firmware export identifier.
type NID uint32

// AnyLibrary matches an export in any library of a module.
const AnyLibrary NID = 0xFFFFFFFF

// Kernel modules providing the functions the bridge resolves at init.
const (
	ModuleExcpmgr    = "SceExcpmgr"
	ModuleSysmem     = "SceSysmem"
	ModuleProcessmgr = "SceProcessmgr"
)

// Export identifiers. Functions that moved between firmware releases have
// one identifier per scheme; resolution tries them in order.
var (
	// NIDsRegisterExceptionHandler is sceKernelRegisterExceptionHandler.
	NIDsRegisterExceptionHandler = []NID{
		0x03499636, // 3.60
		0x00063675, // >= 3.63
	}

	// NIDsProcCopyToUserRx is sceKernelProcCopyToUserRx.
	NIDsProcCopyToUserRx = []NID{
		0x30931572, // 3.60
		0x2995558D, // >= 3.63
	}

	// NIDsAllocRemoteProcessHeap is sceKernelAllocRemoteProcessHeap.
	NIDsAllocRemoteProcessHeap = []NID{0x00B1CA0F}

	// NIDsFreeRemoteProcessHeap is sceKernelFreeRemoteProcessHeap.
	NIDsFreeRemoteProcessHeap = []NID{0x9C28EA9A}
)

// User runtime export through which the default handler exits the process.
const (
	ModuleLibKernel        = "SceLibKernel"
	LibNIDLibKernel    NID = 0xCAE9ACE6
	NIDExitProcess     NID = 0x7595D9AA
	ExitStatusException    = 0x8002F000
)

// Privileged call numbers of the bridge.
const (
	SysRegisterExceptionHandler = 0x4B550000 + iota
	SysReleaseExceptionHandler
	SysQueryExceptionHandler
	SysRegisterAbortHandler
	SysReleaseAbortHandler
	SysGetProcessExitAddr
	SysLogException
)
