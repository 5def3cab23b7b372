package cfg

import "github.com/pkg/errors"

// DefaultTableSize is the bucket count used when a front end does not
// override it.
const DefaultTableSize = 1 << 16

// Table is an address-indexed, open-addressed-by-bucket map from
// instruction address to CFG node. Each bucket is a chain of nodes; load
// factor is bounded only by input size, chain length is the only growth
// mode.
type Table struct {
	buckets    [][]*Node
	entries    int
	collisions int
}

// NewTable allocates a table with the given bucket count. It fails with
// ErrInvalidArgument if size is zero.
func NewTable(size int) (*Table, error) {
	if size == 0 {
		return nil, errors.WithStack(ErrInvalidArgument)
	}
	return &Table{buckets: make([][]*Node, size)}, nil
}

// bucketIndex returns the bucket ins hashes to.
func (t *Table) bucketIndex(ins *Instruction) int {
	return int(hashInstruction(ins) % uint64(len(t.buckets)))
}

// Insert adds n to the table keyed on n.Instr.Address. If a node with the
// same address already occupies the bucket, the existing entry wins: n is
// neither inserted nor reclaimed here (reclamation, if any, is the
// builder's responsibility). Reports whether n was newly inserted.
func (t *Table) Insert(n *Node) bool {
	idx := t.bucketIndex(n.Instr)
	bucket := t.buckets[idx]
	for _, existing := range bucket {
		if existing.Instr.Address == n.Instr.Address {
			return false
		}
	}
	if len(bucket) > 0 {
		t.collisions++
	}
	t.buckets[idx] = append(bucket, n)
	t.entries++
	return true
}

// Lookup returns the node stored under ins's address, or nil if none.
func (t *Table) Lookup(ins *Instruction) *Node {
	idx := t.bucketIndex(ins)
	for _, existing := range t.buckets[idx] {
		if existing.Instr.Address == ins.Address {
			return existing
		}
	}
	return nil
}

// Entries returns the number of distinct addresses stored in the table.
func (t *Table) Entries() int { return t.entries }

// Collisions returns the number of insertions that landed in an
// already-non-empty bucket.
func (t *Table) Collisions() int { return t.collisions }

// Size returns the number of buckets the table was allocated with.
func (t *Table) Size() int { return len(t.buckets) }

// Reset releases every bucket's node chain. The table transitively owns
// all nodes; after Reset it holds none.
func (t *Table) Reset() {
	for i := range t.buckets {
		t.buckets[i] = nil
	}
	t.entries = 0
	t.collisions = 0
}
