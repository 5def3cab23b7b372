package cfg

import (
	"testing"

	"github.com/kr/pretty"

	"github.com/mrglm/tracker/addr"
)

// obs is one step of a synthetic trace fed to a Builder in these tests.
type obs struct {
	ip    uint64
	size  uint8
	// opcodes is padded/truncated to size by the test driver; callers only
	// need to supply enough leading bytes to steer classification.
	opcodes []byte
	label   string
}

func feed(t *testing.T, b *Builder, trace []obs) {
	t.Helper()
	for i, o := range trace {
		buf := make([]byte, o.size)
		copy(buf, o.opcodes)
		if err := b.Observe(addr.Addr(o.ip), buf, o.size, o.label); err != nil {
			t.Fatalf("observation %d (ip=0x%X): %v\n%s", i, o.ip, err, pretty.Sprint(b))
		}
	}
}

// mov/add/nop-shaped basic instruction: opcode byte that classifies as
// basic under Classify (anything outside the branch/call/jump/ret ranges).
func basicOp() []byte { return []byte{0x89} }

func TestSingleBasicBlock(t *testing.T) {
	b, err := NewBuilder(1024)
	if err != nil {
		t.Fatal(err)
	}
	feed(t, b, []obs{
		{ip: 0x400, size: 1, opcodes: basicOp(), label: "mov"},
		{ip: 0x401, size: 2, opcodes: basicOp(), label: "add"},
		{ip: 0x403, size: 1, opcodes: basicOp(), label: "nop"},
	})
	cfgRes := b.Finish()
	if got := cfgRes.NodeCount(); got != 3 {
		t.Fatalf("NodeCount() = %d, want 3", got)
	}
	if got := cfgRes.FunctionCount(); got != 1 {
		t.Fatalf("FunctionCount() = %d, want 1", got)
	}
	n0 := cfgRes.FunctionEntry(0)
	if n0.Instr.Address != 0x400 {
		t.Fatalf("entry address = %v, want 0x400", n0.Instr.Address)
	}
	n1 := n0.successorAt(0)
	if n1 == nil || n1.Instr.Address != 0x401 {
		t.Fatalf("0x400 successor = %v, want 0x401", n1)
	}
	n2 := n1.successorAt(0)
	if n2 == nil || n2.Instr.Address != 0x403 {
		t.Fatalf("0x401 successor = %v, want 0x403", n2)
	}
	for _, n := range []*Node{n0, n1, n2} {
		if n.Instr.Type != Basic {
			t.Errorf("node at %v has type %v, want basic", n.Instr.Address, n.Instr.Type)
		}
	}
}

func TestBranchSlotOrderIsAddressDetermined(t *testing.T) {
	b, err := NewBuilder(1024)
	if err != nil {
		t.Fatal(err)
	}
	// jne at 0x500 (2 bytes): fall-through is 0x502, taken target is 0x510.
	// First execution takes the branch (falls straight into 0x510); only
	// on re-entry does the fall-through at 0x502 get observed.
	feed(t, b, []obs{
		{ip: 0x500, size: 2, opcodes: []byte{0x74}, label: "jne"},
		{ip: 0x510, size: 2, opcodes: basicOp(), label: "mov"},
		{ip: 0x512, size: 1, opcodes: []byte{0xC3}, label: "ret"},
		{ip: 0x500, size: 2, opcodes: []byte{0x74}, label: "jne"},
		{ip: 0x502, size: 2, opcodes: basicOp(), label: "mov"},
		{ip: 0x504, size: 1, opcodes: []byte{0xC3}, label: "ret"},
	})
	n0 := b.Table().Lookup(mustInstr(t, 0x500, 2, []byte{0x74}))
	if n0 == nil {
		t.Fatal("node at 0x500 not found")
	}
	if n0.Instr.Type != Branch {
		t.Fatalf("type = %v, want branch", n0.Instr.Type)
	}
	if n0.OutDegree != 2 {
		t.Fatalf("OutDegree = %d, want 2", n0.OutDegree)
	}
	succ := n0.Successors()
	if succ[0] == nil || succ[0].Instr.Address != 0x502 {
		t.Errorf("slot 0 = %v, want 0x502 (fall-through)", succ[0])
	}
	if succ[1] == nil || succ[1].Instr.Address != 0x510 {
		t.Errorf("slot 1 = %v, want 0x510 (taken)", succ[1])
	}
}

func TestCallReturnRoundTrip(t *testing.T) {
	b, err := NewBuilder(1024)
	if err != nil {
		t.Fatal(err)
	}
	feed(t, b, []obs{
		{ip: 0x600, size: 5, opcodes: []byte{0xE8}, label: "call"},
		{ip: 0x700, size: 2, opcodes: basicOp(), label: "mov"},
		{ip: 0x702, size: 1, opcodes: []byte{0xC3}, label: "ret"},
		{ip: 0x605, size: 2, opcodes: basicOp(), label: "mov"},
	})
	if got := b.StackDepth(); got != 0 {
		t.Fatalf("StackDepth() = %d, want 0 (call matched)", got)
	}
	cfgRes := b.Finish()
	if got := cfgRes.FunctionCount(); got != 2 {
		t.Fatalf("FunctionCount() = %d, want 2", got)
	}
	callNode := cfgRes.FunctionEntry(0)
	if callNode.Instr.Address != 0x600 {
		t.Fatalf("entry 0 = %v, want 0x600", callNode.Instr.Address)
	}
	if callNode.OutDegree != 2 {
		t.Fatalf("call node OutDegree = %d, want 2", callNode.OutDegree)
	}
	var sawCallee, sawReturnSite bool
	for _, s := range callNode.Successors() {
		switch s.Instr.Address {
		case 0x700:
			sawCallee = true
		case 0x605:
			sawReturnSite = true
		}
	}
	if !sawCallee || !sawReturnSite {
		t.Fatalf("call node successors = %+v, want 0x700 and 0x605", callNode.Successors())
	}
	retNode := cfgRes.FunctionEntry(1).successorAt(0)
	if retNode == nil || retNode.Instr.Address != 0x702 {
		t.Fatalf("callee's second node = %v, want 0x702 (ret)", retNode)
	}
	if retNode.OutDegree != 0 {
		t.Fatalf("ret node OutDegree = %d, want 0 (edge subsumed by call)", retNode.OutDegree)
	}
}

func TestUnmatchedReturn(t *testing.T) {
	b, err := NewBuilder(1024)
	if err != nil {
		t.Fatal(err)
	}
	feed(t, b, []obs{
		{ip: 0x800, size: 1, opcodes: []byte{0xC3}, label: "ret"},
		{ip: 0x801, size: 1, opcodes: basicOp(), label: "nop"},
	})
	n0 := b.Table().Lookup(mustInstr(t, 0x800, 1, []byte{0xC3}))
	if n0.OutDegree != 1 {
		t.Fatalf("ret node OutDegree = %d, want 1", n0.OutDegree)
	}
	if n0.successorAt(0).Instr.Address != 0x801 {
		t.Fatalf("ret node successor = %v, want 0x801", n0.successorAt(0))
	}
}

func TestIndirectJumpGrowsFanOut(t *testing.T) {
	b, err := NewBuilder(1024)
	if err != nil {
		t.Fatal(err)
	}
	targets := []uint64{0xB00, 0xB40, 0xB80, 0xBC0, 0xC00}
	trace := []obs{{ip: 0xA00, size: 2, opcodes: []byte{0xFF, 0xE0}, label: "jmp rax"}}
	for i, target := range targets {
		trace = append(trace, obs{ip: target, size: 1, opcodes: basicOp(), label: "nop"})
		if i < len(targets)-1 {
			// Jump back to the indirect jump so it is observed again with a
			// different target.
			trace = append(trace, obs{ip: 0xA00, size: 2, opcodes: []byte{0xFF, 0xE0}, label: "jmp rax"})
		}
	}
	feed(t, b, trace)
	n0 := b.Table().Lookup(mustInstr(t, 0xA00, 2, []byte{0xFF, 0xE0}))
	if n0.Instr.Type != Jump {
		t.Fatalf("type = %v, want jump", n0.Instr.Type)
	}
	if n0.OutDegree != uint16(len(targets)) {
		t.Fatalf("OutDegree = %d, want %d", n0.OutDegree, len(targets))
	}
	seen := map[uint64]bool{}
	for _, s := range n0.Successors() {
		seen[uint64(s.Instr.Address)] = true
	}
	for _, target := range targets {
		if !seen[target] {
			t.Errorf("missing successor %#x", target)
		}
	}
}

func TestSelfLoop(t *testing.T) {
	b, err := NewBuilder(1024)
	if err != nil {
		t.Fatal(err)
	}
	feed(t, b, []obs{
		{ip: 0xD00, size: 2, opcodes: []byte{0xEB}, label: "jmp $"},
		{ip: 0xD00, size: 2, opcodes: []byte{0xEB}, label: "jmp $"},
	})
	n0 := b.Table().Lookup(mustInstr(t, 0xD00, 2, []byte{0xEB}))
	if n0.OutDegree != 1 {
		t.Fatalf("OutDegree = %d, want 1", n0.OutDegree)
	}
	if n0.InDegree != 1 {
		t.Fatalf("InDegree = %d, want 1", n0.InDegree)
	}
	if n0.successorAt(0) != n0 {
		t.Fatalf("successor = %v, want self", n0.successorAt(0))
	}
}

func TestBasicNodeRejectsSecondSuccessor(t *testing.T) {
	b, err := NewBuilder(1024)
	if err != nil {
		t.Fatal(err)
	}
	mustObserve(t, b, 0x100, basicOp(), 1, "nop")
	mustObserve(t, b, 0x101, basicOp(), 1, "nop")
	mustObserve(t, b, 0x100, basicOp(), 1, "nop") // re-seen, cur becomes 0x100 again

	// 0x100's only successor is already 0x101; observing a different
	// address directly after it must be rejected rather than silently
	// growing a second out-edge on a basic node.
	err = b.Observe(0x102, basicOp(), 1, "nop")
	if errCause(err) != ErrInconsistentTrace {
		t.Fatalf("err = %v, want ErrInconsistentTrace", err)
	}
}

func mustObserve(t *testing.T, b *Builder, ip uint64, opcodes []byte, size uint8, label string) {
	t.Helper()
	if err := b.Observe(addr.Addr(ip), opcodes, size, label); err != nil {
		t.Fatalf("Observe(0x%X): %v", ip, err)
	}
}

func mustInstr(t *testing.T, ip uint64, size uint8, opcodes []byte) *Instruction {
	t.Helper()
	buf := make([]byte, size)
	copy(buf, opcodes)
	ins, err := NewInstruction(addr.Addr(ip), size, buf)
	if err != nil {
		t.Fatal(err)
	}
	return ins
}

func errCause(err error) error {
	type causer interface{ Cause() error }
	for err != nil {
		c, ok := err.(causer)
		if !ok {
			return err
		}
		err = c.Cause()
	}
	return err
}
