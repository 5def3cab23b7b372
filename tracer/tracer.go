// Package tracer runs a target executable under ptrace and single-steps
// it, handing each executed instruction's address and raw opcode bytes to
// a callback so a cfg.Builder can grow a control-flow graph from real
// execution rather than static analysis.
package tracer

import (
	"log"
	"os"
	"os/exec"
	"syscall"

	"github.com/mewkiz/pkg/term"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/mrglm/tracker/addr"
	"github.com/mrglm/tracker/elfbin"
)

var (
	// dbg is a logger which logs debug messages with "tracer:" prefix to
	// standard error.
	dbg = log.New(os.Stderr, term.MagentaBold("tracer:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

// maxOpcodeBytes is the number of bytes peeked from the instruction
// pointer on every step; 16 covers the longest legal x86/x86-64 encoding
// with room to spare.
const maxOpcodeBytes = 16

// Step is one single-stepped instruction: its address and the raw bytes
// read from the tracee's memory starting there.
type Step struct {
	IP      addr.Addr
	Opcodes [maxOpcodeBytes]byte
}

// Handler is called once per traced instruction. Returning a non-nil error
// aborts the trace.
type Handler func(Step) error

// Options configures a trace run.
type Options struct {
	// Debug enables debug logging of every ptrace transition.
	Debug bool
	// Verbose enables logging of the traced command and its exit status.
	Verbose bool
}

// Run spawns command (argv[0] plus its arguments), disables ASLR, and
// single-steps it to completion, invoking handler for every instruction
// boundary. If info is non-nil, only instructions inside its .text section
// are reported to handler and counted; steps outside it are single-stepped
// silently. Run itself is architecture-agnostic beyond register access.
func Run(argv []string, info *elfbin.Info, opts Options, handler Handler) (steps int, err error) {
	if len(argv) == 0 {
		return 0, errors.New("tracer: empty command")
	}
	if opts.Verbose {
		dbg.Printf("starting to trace %v", argv)
	}

	// ADDR_NO_RANDOMIZE is preserved across both fork and execve, so setting
	// it here disables ASLR for the child about to be spawned without
	// needing a fork-time hook into its address space.
	if _, err := unix.Personality(unix.ADDR_NO_RANDOMIZE); err != nil {
		warn.Printf("cannot disable ASLR: %v", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Ptrace:    true,
		Pdeathsig: syscall.SIGKILL,
	}

	if err := cmd.Start(); err != nil {
		return 0, errors.Wrapf(err, "tracer: cannot start %q", argv[0])
	}
	pid := cmd.Process.Pid

	// The runtime's exec hook already performed PTRACE_TRACEME in the
	// child and stopped it at the post-execve SIGTRAP; reap that event
	// before setting ptrace options and starting the step loop.
	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return 0, errors.Wrapf(err, "tracer: initial wait on pid %d", pid)
	}
	if ws.Exited() {
		return 0, errors.Errorf("tracer: %q exited before tracing began", argv[0])
	}

	if err := unix.PtraceSetOptions(pid, unix.PTRACE_O_EXITKILL); err != nil {
		warn.Printf("cannot set ptrace options on pid %d: %v", pid, err)
	}

	for {
		if opts.Debug {
			dbg.Printf("single-stepping pid %d", pid)
		}
		if err := unix.PtraceSingleStep(pid); err != nil {
			return steps, errors.Wrapf(err, "tracer: single-step pid %d", pid)
		}

		if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
			return steps, errors.Wrapf(err, "tracer: wait on pid %d", pid)
		}
		if ws.Exited() {
			if opts.Verbose {
				dbg.Printf("%q exited with status %d", argv[0], ws.ExitStatus())
			}
			break
		}
		if !ws.Stopped() {
			continue
		}

		ip, err := currentIP(pid)
		if err != nil {
			return steps, err
		}
		if info != nil && !info.Contains(uint64(ip)) {
			// Execution left .text (e.g. into the dynamic loader or a
			// shared library); keep stepping without reporting an
			// instruction, matching the reference tracer's text-only scope.
			continue
		}

		var opcodes [maxOpcodeBytes]byte
		if err := peekText(pid, ip, opcodes[:]); err != nil {
			return steps, err
		}

		if err := handler(Step{IP: ip, Opcodes: opcodes}); err != nil {
			return steps, errors.WithStack(err)
		}
		steps++
	}

	return steps, nil
}

// currentIP reads the traced process's instruction pointer.
func currentIP(pid int) (addr.Addr, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &regs); err != nil {
		return 0, errors.Wrapf(err, "tracer: get regs for pid %d", pid)
	}
	return addr.Addr(regs.Rip), nil
}

// peekText reads len(dst) bytes from the tracee's memory at ip into dst,
// eight bytes at a time via PTRACE_PEEKDATA, mirroring the reference
// tracer's word-at-a-time memory reads.
func peekText(pid int, ip addr.Addr, dst []byte) error {
	for i := 0; i < len(dst); i += 8 {
		end := i + 8
		if end > len(dst) {
			end = len(dst)
		}
		n, err := unix.PtracePeekData(pid, uintptr(ip)+uintptr(i), dst[i:end])
		if err != nil {
			return errors.Wrapf(err, "tracer: peek data at %v", ip+addr.Addr(i))
		}
		if n < end-i {
			// Peeked past a mapped region's edge (e.g. trailing bytes of
			// .text); the remainder is left zeroed, which Classify treats
			// as an opaque tail.
			break
		}
	}
	return nil
}
