// Copyright 2021 The gVisor Authors.
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

// Package errors holds the standardized error definition for kubridge.
package errors

import "fmt"

// Error represents a firmware status code with a descriptive message.
type Error struct {
	code    uint32
	message string
}

// New creates a new *Error.
func New(code uint32, message string) *Error {
	return &Error{
		code:    code,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Code returns the underlying status code.
func (e *Error) Code() uint32 { return e.code }

// Status returns the status code as the signed value returned to user mode.
func (e *Error) Status() int32 { return int32(e.code) }

// String implements fmt.Stringer.String.
func (e *Error) String() string {
	return fmt.Sprintf("%s (0x%08X)", e.message, e.code)
}
