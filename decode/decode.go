// Package decode turns raw opcode bytes at a traced address into a
// printable mnemonic, using golang.org/x/arch/x86/x86asm as the one
// instruction decoder in the dependency pack.
package decode

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"

	"github.com/mewkiz/pkg/term"
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"

	"github.com/mrglm/tracker/addr"
)

var (
	// dbg is a logger which logs debug messages with "decode:" prefix to
	// standard error.
	dbg = log.New(os.Stderr, term.MagentaBold("decode:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

// Syntax selects the assembly dialect instructions are rendered in.
type Syntax int

const (
	// ATT renders instructions in AT&T syntax (the default).
	ATT Syntax = iota
	// Intel renders instructions in Intel syntax.
	Intel
)

// Decoder decodes single instructions from traced memory, in a fixed bit
// mode and rendering syntax.
type Decoder struct {
	mode   int
	syntax Syntax
}

// NewDecoder returns a decoder for the given architecture width (32 or 64)
// and rendering syntax.
func NewDecoder(bits int, syntax Syntax) (*Decoder, error) {
	if bits != 32 && bits != 64 {
		return nil, errors.Errorf("decode: unsupported bit mode %d", bits)
	}
	return &Decoder{mode: bits, syntax: syntax}, nil
}

// Decoded is the result of decoding a single instruction: its length in
// bytes and its rendered mnemonic.
type Decoded struct {
	Size    uint8
	Mnemonic string
}

// Decode decodes the leading bytes of src as a single instruction at ip. It
// tolerates decode failure by falling back to a one-byte opaque instruction
// so that a single malformed read never aborts an otherwise-good trace.
func (d *Decoder) Decode(ip addr.Addr, src []byte) Decoded {
	inst, err := x86asm.Decode(src, d.mode)
	if err != nil {
		end := cfgMaxOpcodeSize
		if end > len(src) {
			end = len(src)
		}
		warn.Printf("unable to decode instruction at %v: %v\n%s", ip, err, hex.Dump(src[:end]))
		return Decoded{Size: 1, Mnemonic: fmt.Sprintf("(bad) %02x", orZero(src))}
	}
	return Decoded{Size: uint8(inst.Len), Mnemonic: d.render(inst)}
}

// render renders inst in the decoder's configured syntax.
func (d *Decoder) render(inst x86asm.Inst) string {
	switch d.syntax {
	case Intel:
		return x86asm.IntelSyntax(inst, 0, nil)
	default:
		return x86asm.GNUSyntax(inst, 0, nil)
	}
}

// cfgMaxOpcodeSize mirrors cfg.MaxOpcodeSize without importing the cfg
// package: decode and cfg do not import each other; cmd/tracker wires the
// two together.
const cfgMaxOpcodeSize = 15

func orZero(src []byte) byte {
	if len(src) == 0 {
		return 0
	}
	return src[0]
}

// ParseSyntax maps the Intel-syntax command-line switch to a Syntax: Intel
// when intel is set, ATT otherwise.
func ParseSyntax(intel bool) Syntax {
	if intel {
		return Intel
	}
	return ATT
}
