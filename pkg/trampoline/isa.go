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

// Package trampoline defines the instruction set of the code injected into
// user processes for exception delivery, an assembler and disassembler for
// it, and the bootstrap program itself.
//
// Instructions are 8 bytes, little endian:
//
//	byte 0     opcode
//	byte 1     rd
//	byte 2     rs
//	byte 3     reserved, zero
//	bytes 4-7  imm
//
// Branch immediates are signed byte offsets relative to the next
// instruction, so assembled programs are position independent.
package trampoline

import (
	"encoding/binary"
	"fmt"
)

// InstructionSize is the size in bytes of one encoded instruction.
const InstructionSize = 8

// NumRegisters is the number of addressable registers. r13, r14 and r15 are
// sp, lr and pc.
const NumRegisters = 16

// Register numbers with a conventional role.
const (
	SP = 13
	LR = 14
	PC = 15
)

// Opcode is an instruction opcode.
type Opcode uint8

// Opcodes.
const (
	// NOP does nothing.
	NOP Opcode = iota

	// MOV copies rs into rd.
	MOV

	// MOVI loads imm into rd.
	MOVI

	// CALL calls the address in rs. The return address is placed in lr.
	CALL

	// RET branches to lr.
	RET

	// RESTORE reloads every register from the exception context whose
	// address is in rs and resumes at its pc. If the context cannot be read,
	// execution continues with the next instruction.
	RESTORE

	// SVC performs privileged call imm with arguments r0-r3. The result is
	// placed in r0.
	SVC

	// BZ branches by imm if rs is zero.
	BZ

	// B branches by imm.
	B

	// HALT stops the processor. For a user process this is fatal.
	HALT

	numOpcodes
)

var opcodeNames = [numOpcodes]string{
	NOP:     "nop",
	MOV:     "mov",
	MOVI:    "movi",
	CALL:    "call",
	RET:     "ret",
	RESTORE: "restore",
	SVC:     "svc",
	BZ:      "bz",
	B:       "b",
	HALT:    "halt",
}

// Valid returns true if op is a defined opcode.
func (op Opcode) Valid() bool {
	return op < numOpcodes
}

func (op Opcode) String() string {
	if !op.Valid() {
		return fmt.Sprintf("op(%#x)", uint8(op))
	}
	return opcodeNames[op]
}

// Instruction is a decoded instruction.
type Instruction struct {
	Op  Opcode
	Rd  uint8
	Rs  uint8
	Imm uint32
}

// Offset returns the signed branch offset of a branch instruction.
func (i Instruction) Offset() int32 {
	return int32(i.Imm)
}

// Encode appends the encoding of i to dst.
func (i Instruction) Encode(dst []byte) []byte {
	var b [InstructionSize]byte
	b[0] = byte(i.Op)
	b[1] = i.Rd
	b[2] = i.Rs
	binary.LittleEndian.PutUint32(b[4:], i.Imm)
	return append(dst, b[:]...)
}

// DecodeError is returned by Decode for an undefined instruction.
type DecodeError struct {
	Raw [InstructionSize]byte
}

// Error implements error.Error.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("undefined instruction % x", e.Raw[:])
}

// Decode decodes one instruction from the first InstructionSize bytes of src.
func Decode(src []byte) (Instruction, error) {
	if len(src) < InstructionSize {
		return Instruction{}, fmt.Errorf("short instruction: %d bytes", len(src))
	}
	var raw [InstructionSize]byte
	copy(raw[:], src)
	i := Instruction{
		Op:  Opcode(raw[0]),
		Rd:  raw[1],
		Rs:  raw[2],
		Imm: binary.LittleEndian.Uint32(raw[4:]),
	}
	if !i.Op.Valid() || raw[3] != 0 || i.Rd >= NumRegisters || i.Rs >= NumRegisters {
		return Instruction{}, &DecodeError{Raw: raw}
	}
	return i, nil
}

func (i Instruction) String() string {
	switch i.Op {
	case NOP, RET, HALT:
		return i.Op.String()
	case MOV:
		return fmt.Sprintf("%s %s, %s", i.Op, regName(i.Rd), regName(i.Rs))
	case MOVI:
		return fmt.Sprintf("%s %s, %#x", i.Op, regName(i.Rd), i.Imm)
	case CALL, RESTORE:
		return fmt.Sprintf("%s %s", i.Op, regName(i.Rs))
	case SVC:
		return fmt.Sprintf("%s %#x", i.Op, i.Imm)
	case BZ:
		return fmt.Sprintf("%s %s, %+d", i.Op, regName(i.Rs), i.Offset())
	case B:
		return fmt.Sprintf("%s %+d", i.Op, i.Offset())
	default:
		return i.Op.String()
	}
}

func regName(r uint8) string {
	switch r {
	case SP:
		return "sp"
	case LR:
		return "lr"
	case PC:
		return "pc"
	default:
		return fmt.Sprintf("r%d", r)
	}
}
