// Package elfbin reads the minimal facts a tracer needs from an ELF
// executable before it spawns it: target architecture and the address
// range of the .text section, so disassembly can distinguish real
// instructions from data that merely lives inside executable memory.
package elfbin

import (
	"debug/elf"
	"os"

	"github.com/pkg/errors"
)

// Arch is the executable's instruction-set width.
type Arch int

const (
	// Arch32 is a 32-bit x86 executable.
	Arch32 Arch = iota
	// Arch64 is an x86-64 executable.
	Arch64
)

// Bits returns the architecture's register width, for use with decoders
// that take a bit-mode argument.
func (a Arch) Bits() int {
	if a == Arch32 {
		return 32
	}
	return 64
}

// Info holds the facts extracted from an ELF executable.
type Info struct {
	Arch      Arch
	TextAddr  uint64
	TextSize  uint64
}

// Probe opens path, verifies it is a regular, executable ELF file for a
// supported x86 architecture, and reports its .text section bounds.
func Probe(path string) (*Info, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if !fi.Mode().IsRegular() || fi.Mode()&0111 == 0 {
		return nil, errors.Errorf("elfbin: %q is not an executable file", path)
	}

	f, err := elf.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "elfbin: %q is not an ELF binary", path)
	}
	defer f.Close()

	var arch Arch
	switch f.Machine {
	case elf.EM_386:
		arch = Arch32
	case elf.EM_X86_64:
		arch = Arch64
	default:
		return nil, errors.Errorf("elfbin: %q has unsupported machine type %v", path, f.Machine)
	}

	sec := f.Section(".text")
	if sec == nil {
		return nil, errors.Errorf("elfbin: %q has no .text section", path)
	}
	return &Info{Arch: arch, TextAddr: sec.Addr, TextSize: sec.Size}, nil
}

// Contains reports whether ip falls within the executable's .text section.
func (info *Info) Contains(ip uint64) bool {
	return ip >= info.TextAddr && ip < info.TextAddr+info.TextSize
}
