package cfg

import (
	"github.com/pkg/errors"

	"github.com/mrglm/tracker/addr"
)

// Builder is the stateful ingester of a traced instruction stream. It owns
// the address-indexed table, the call stack, and the function registry for
// the lifetime of one trace; it is not safe for concurrent use.
type Builder struct {
	table    *Table
	stack    CallStack
	registry registry
	cur      *Node
}

// NewBuilder allocates an empty builder backed by a table of tableSize
// buckets. It fails with ErrInvalidArgument if tableSize is zero.
func NewBuilder(tableSize int) (*Builder, error) {
	t, err := NewTable(tableSize)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Builder{table: t}, nil
}

// Current returns the node the builder is currently positioned at, or nil
// before the first Observe call.
func (b *Builder) Current() *Node { return b.cur }

// Table returns the builder's address-indexed node table.
func (b *Builder) Table() *Table { return b.table }

// StackDepth returns the number of unmatched calls currently on the call
// stack.
func (b *Builder) StackDepth() int {
	n := 0
	for c := b.stack.top; c != nil; c = c.next {
		n++
	}
	return n
}

// Observe ingests one traced instruction: builds and classifies it,
// deduplicates it against the table, and extends the CFG under the
// per-opcode edge-wiring policy.
//
// An ErrInconsistentTrace return leaves the builder fully usable — the
// offending observation is dropped without mutating any prior state. Any
// other error should be treated as fatal to the trace.
func (b *Builder) Observe(ip addr.Addr, opcodes []byte, size uint8, label string) error {
	ins, err := NewInstruction(ip, size, opcodes)
	if err != nil {
		return errors.WithStack(err)
	}

	// Bootstrap: first instruction of the trace.
	if b.cur == nil {
		n := newNode(ins, label)
		if !b.table.Insert(n) {
			return errors.WithStack(ErrAllocation)
		}
		b.registry.newFunction(n)
		b.cur = n
		return nil
	}

	existing := b.table.Lookup(ins)

	// Unseen address: a brand new node.
	if existing == nil {
		n := newNode(ins, label)
		parent, err := wireEdge(b.cur, n, &b.stack)
		if err != nil {
			return err
		}
		b.table.Insert(n)
		if b.cur.Instr.Type == Call {
			b.stack.Push(b.cur)
			b.registry.newFunction(n)
		} else if parent != nil {
			// parent may differ from b.cur: a ret redirected onto the
			// matching call (see wireRet), which owns the function n now
			// belongs to.
			n.FunctionID = parent.FunctionID
		}
		b.cur = n
		return nil
	}

	// Seen address: ins is redundant, the table's copy is authoritative.
	n := existing
	if b.cur.Instr.Type == Call {
		b.stack.Push(b.cur)
	}
	if !b.cur.hasSuccessorAddr(uint64(n.Instr.Address)) {
		if _, err := wireEdge(b.cur, n, &b.stack); err != nil {
			return err
		}
	}
	b.cur = n
	return nil
}

// Finish releases the call stack and returns the owning CFG handle. The
// builder should not be used to observe further instructions afterward.
func (b *Builder) Finish() *CFG {
	b.stack = CallStack{}
	return &CFG{table: b.table, registry: &b.registry}
}

// CFG is the traversable control-flow graph produced by a Builder: the node
// table plus the function registry needed to locate entry points.
type CFG struct {
	table    *Table
	registry *registry
}

// FunctionCount returns the number of distinct functions discovered.
func (c *CFG) FunctionCount() int { return c.registry.functionCount() }

// FunctionEntry returns the i-th function-entry node (insertion order), or
// nil if out of range.
func (c *CFG) FunctionEntry(i int) *Node { return c.registry.entryAt(i) }

// NodeCount returns the number of distinct instruction addresses recorded.
func (c *CFG) NodeCount() int { return c.table.Entries() }

// Collisions returns the table's collision counter.
func (c *CFG) Collisions() int { return c.table.Collisions() }

// wireEdge extends the CFG from parent p to child n, given the call stack
// for ret-pairing. On success it returns the node the edge actually landed
// on (p itself, except for a ret redirected onto its matching call) so the
// caller can propagate function-id inheritance from the right node.
func wireEdge(p, n *Node, stack *CallStack) (*Node, error) {
	switch p.Instr.Type {
	case Branch:
		return wireBranch(p, n)
	case Ret:
		return wireRet(p, n, stack)
	default: // Basic, Call, Jump
		if p.OutDegree == 0 {
			p.setSuccessor(0, n)
			return p, nil
		}
		switch p.Instr.Type {
		case Basic:
			return nil, errors.WithStack(ErrInconsistentTrace)
		default: // Call, Jump: unbounded fan-out
			p.appendSuccessor(n)
			return p, nil
		}
	}
}

// wireBranch places n at the slot its address determines: slot 0 is always
// the fall-through (p.address + p.size), slot 1 the taken target —
// regardless of which one the trace happened to observe first. See
// DESIGN.md for why slot assignment is address-determined rather than
// observation-order-determined.
func wireBranch(p, n *Node) (*Node, error) {
	slot := 1
	if n.Instr.Address == p.Instr.ReturnSite() {
		slot = 0
	}
	if existing := p.successorAt(slot); existing != nil {
		if existing.Instr.Address == n.Instr.Address {
			return p, nil
		}
		return nil, errors.WithStack(ErrInconsistentTrace)
	}
	if p.OutDegree >= 2 {
		return nil, errors.WithStack(ErrInconsistentTrace)
	}
	p.setSuccessor(slot, n)
	return p, nil
}

// wireRet implements the ret/call pairing rule: a ret whose target lands
// exactly on the return site of the call at the top of the stack redirects
// its edge onto that call node instead of itself, collapsing the
// call…ret round-trip into a direct call → return-site edge. If the stack
// is empty or its top doesn't match, the edge lands on the ret node
// itself — the expected outcome for non-standard call/return discipline,
// not a bug.
func wireRet(p, n *Node, stack *CallStack) (*Node, error) {
	if top := stack.Peek(); top != nil {
		if n.Instr.Address == top.Instr.ReturnSite() {
			stack.Pop()
			if top.hasSuccessorAddr(uint64(n.Instr.Address)) {
				return top, nil
			}
			top.appendSuccessor(n)
			return top, nil
		}
	}
	p.appendSuccessor(n)
	return p, nil
}
