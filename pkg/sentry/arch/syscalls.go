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

package arch

import (
	"kubridge.dev/kubridge/pkg/hostarch"
)

// SyscallArgument is an argument supplied to a privileged call in r0-r3.
type SyscallArgument struct {
	// Value is the raw register value.
	Value uint32
}

// NumSyscallArgs is the number of register arguments of a privileged call.
const NumSyscallArgs = 4

// SyscallArguments represents the set of arguments passed to a privileged
// call.
type SyscallArguments [NumSyscallArgs]SyscallArgument

// Pointer returns the user address of the argument.
func (a SyscallArgument) Pointer() hostarch.Addr {
	return hostarch.Addr(a.Value)
}

// Int returns the int32 representation of a 32-bit signed integer argument.
func (a SyscallArgument) Int() int32 {
	return int32(a.Value)
}

// Uint returns the uint32 representation of a 32-bit unsigned integer argument.
func (a SyscallArgument) Uint() uint32 {
	return a.Value
}

// SyscallArgs returns the privileged call arguments held in r0-r3.
func (r *Registers) SyscallArgs() SyscallArguments {
	var args SyscallArguments
	for i := range args {
		args[i].Value = r.R[i]
	}
	return args
}
