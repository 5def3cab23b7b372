package cfg

import (
	"github.com/pkg/errors"

	"github.com/mrglm/tracker/addr"
)

// Type classifies an instruction by the control-flow effect its opcode
// encodes.
type Type int

// Recognized instruction types. Classify tries Branch, Call, Jump and Ret in
// that order (the first matching class wins); Basic is the fallback.
const (
	// Basic is any instruction with no special control-flow effect.
	Basic Type = iota
	// Branch is a conditional jump (Jcc).
	Branch
	// Call is a CALL instruction (direct, far, or indirect).
	Call
	// Jump is an unconditional jump, indirect jump, or loop instruction.
	Jump
	// Ret is a RET instruction (near or far, with or without an immediate).
	Ret
)

// String returns the name of the instruction type.
func (t Type) String() string {
	switch t {
	case Basic:
		return "basic"
	case Branch:
		return "branch"
	case Call:
		return "call"
	case Jump:
		return "jump"
	case Ret:
		return "ret"
	default:
		return "unknown"
	}
}

// MaxOpcodeSize is the largest legal x86/x86-64 instruction length, in bytes.
const MaxOpcodeSize = 15

// Instruction is an immutable record of one decoded instruction: its address,
// its raw opcode bytes, and its control-flow classification.
//
// Two instructions are considered the same iff their addresses are equal;
// the Table keys on address alone (see Table.Insert).
type Instruction struct {
	// Address is the virtual address at which the instruction was observed.
	Address addr.Addr
	// Size is the length of Opcodes, in the range [1, MaxOpcodeSize].
	Size uint8
	// Opcodes is the raw opcode byte sequence, exclusively owned by the
	// instruction.
	Opcodes []byte
	// Type is the instruction's control-flow classification.
	Type Type
}

// NewInstruction builds and classifies a new instruction. It fails with an
// invalid-argument error if size is zero or the opcode buffer is empty or
// shorter than size.
func NewInstruction(address addr.Addr, size uint8, opcodes []byte) (*Instruction, error) {
	if size == 0 || len(opcodes) == 0 || len(opcodes) < int(size) {
		return nil, errors.Wrapf(ErrInvalidArgument, "instruction at %v: size %d, %d opcode bytes", address, size, len(opcodes))
	}
	own := make([]byte, size)
	copy(own, opcodes[:size])
	return &Instruction{
		Address: address,
		Size:    size,
		Opcodes: own,
		Type:    Classify(own),
	}, nil
}

// ReturnSite returns the address immediately following the instruction, the
// address a matching RET is expected to land on when the instruction is a
// CALL, or the fall-through target of a conditional branch.
func (ins *Instruction) ReturnSite() addr.Addr {
	return ins.Address + addr.Addr(ins.Size)
}

// opcodeAt returns the byte at index i, or 0 if the opcode sequence is
// shorter than i+1. The classification patterns below are transcribed
// directly from the reference byte tests; this guard keeps them panic-free
// on malformed input instead of replicating the source's unchecked access.
func opcodeAt(opcodes []byte, i int) byte {
	if i < 0 || i >= len(opcodes) {
		return 0
	}
	return opcodes[i]
}

// Classify implements the opcode classification policy of the reference
// disassembler: fixed byte patterns tried in a fixed order, first match
// wins. opcodes must hold exactly the instruction's Size bytes.
func Classify(opcodes []byte) Type {
	size := len(opcodes)
	b0 := opcodeAt(opcodes, 0)
	b1 := opcodeAt(opcodes, 1)
	b2 := opcodeAt(opcodes, 2)

	switch {
	case isBranch(b0, b1):
		return Branch
	case isCall(b0, b1, b2, size):
		return Call
	case isJump(b0, b1, b2, size):
		return Jump
	case isRet(b0, b1, size):
		return Ret
	default:
		return Basic
	}
}

func isBranch(b0, b1 byte) bool {
	if b0 >= 0x70 && b0 <= 0x7F {
		return true
	}
	return b0 == 0x0F && b1 >= 0x80 && b1 <= 0x8F
}

func isCall(b0, b1, b2 byte, size int) bool {
	if b0 == 0xE8 || b0 == 0x9A {
		return true
	}
	if b0 == 0xFF {
		if size == 2 && b1 >= 0xD0 && b1 <= 0xDF {
			return true
		}
		if size == 3 {
			return true
		}
		if b1 == 0x15 {
			return true
		}
	}
	if b0 == 0x41 && b1 == 0xFF {
		if b2 >= 0xD0 && b2 <= 0xD7 {
			return true
		}
		if size > 3 {
			return true
		}
	}
	return false
}

func isJump(b0, b1, b2 byte, size int) bool {
	if b0 >= 0xE9 && b0 <= 0xEB {
		return true
	}
	if b0 == 0xFF {
		if size == 2 && b1 >= 0xE0 && b1 <= 0xEF {
			return true
		}
		if size == 4 || size == 5 {
			return true
		}
		if b1 == 0x25 {
			return true
		}
	}
	if b0 >= 0xE0 && b0 <= 0xE3 {
		return true
	}
	if b0 == 0x41 && b1 == 0xFF && b2 >= 0xE0 && b2 <= 0xE7 {
		return true
	}
	if b0 == 0xF3 && (size == 2 || size == 3) && b1 != 0xC3 {
		return true
	}
	return false
}

func isRet(b0, b1 byte, size int) bool {
	if (b0 == 0xC3 || b0 == 0xCB) && size == 1 {
		return true
	}
	if (b0 == 0xC2 || b0 == 0xCA) && size == 3 {
		return true
	}
	if b0 == 0xF3 && b1 == 0xC3 && size == 2 {
		return true
	}
	return false
}
