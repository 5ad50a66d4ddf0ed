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

// Package sceerr contains firmware status codes exported as error interface
// pointers. Errors are compared by identity; Status converts any error into
// the value returned across the privileged call boundary.
package sceerr

import (
	"errors"

	kberrors "kubridge.dev/kubridge/pkg/errors"
)

// Status codes, as defined by the firmware's kernel error table.
const (
	CodeError               uint32 = 0x80020001
	CodeNotImplemented      uint32 = 0x80020002
	CodeInvalidArgument     uint32 = 0x80020003
	CodeInvalidArgumentSize uint32 = 0x80020004
	CodeIllegalSize         uint32 = 0x80020006
	CodeIllegalAddr         uint32 = 0x80020007
	CodeUnsupported         uint32 = 0x80020008
	CodeNoSys               uint32 = 0x8002000B
	CodeNotFound            uint32 = 0x80020013
	CodeExists              uint32 = 0x80020014
	CodeNoSuchProcess       uint32 = 0x80020021
	CodeResourceLimit       uint32 = 0x80020032
	CodeNoMemory            uint32 = 0x8002800C
)

var (
	Error               = kberrors.New(CodeError, "error")
	NotImplemented      = kberrors.New(CodeNotImplemented, "not implemented")
	InvalidArgument     = kberrors.New(CodeInvalidArgument, "invalid argument")
	InvalidArgumentSize = kberrors.New(CodeInvalidArgumentSize, "invalid argument size")
	IllegalSize         = kberrors.New(CodeIllegalSize, "illegal size")
	IllegalAddr         = kberrors.New(CodeIllegalAddr, "illegal address")
	Unsupported         = kberrors.New(CodeUnsupported, "unsupported")
	NoSys               = kberrors.New(CodeNoSys, "function not available")
	NotFound            = kberrors.New(CodeNotFound, "not found")
	Exists              = kberrors.New(CodeExists, "already exists")
	NoSuchProcess       = kberrors.New(CodeNoSuchProcess, "no such process")
	ResourceLimit       = kberrors.New(CodeResourceLimit, "resource limit exceeded")
	NoMemory            = kberrors.New(CodeNoMemory, "out of memory")
)

var byCode = map[uint32]*kberrors.Error{}

func init() {
	for _, e := range []*kberrors.Error{
		Error, NotImplemented, InvalidArgument, InvalidArgumentSize,
		IllegalSize, IllegalAddr, Unsupported, NoSys, NotFound, Exists,
		NoSuchProcess, ResourceLimit, NoMemory,
	} {
		byCode[e.Code()] = e
	}
}

// FromStatus returns the error for a status code, nil for non-negative
// statuses and Error for unknown codes.
func FromStatus(status int32) error {
	if status >= 0 {
		return nil
	}
	if e, ok := byCode[uint32(status)]; ok {
		return e
	}
	return Error
}

// Status converts err into a status code. Errors that do not carry a code,
// directly or wrapped, map to CodeError.
func Status(err error) int32 {
	if err == nil {
		return 0
	}
	var e *kberrors.Error
	if errors.As(err, &e) && e != nil {
		return e.Status()
	}
	return Error.Status()
}

// Equals compares err against target by status code, looking through
// wrapping.
func Equals(target *kberrors.Error, err error) bool {
	if err == nil {
		return target == nil
	}
	var e *kberrors.Error
	if !errors.As(err, &e) {
		return false
	}
	return e == target
}
