package cfg

// registry is the global function registry: a monotonically-incrementing
// function-id counter plus the ordered entry list it hands out ids for. It
// belongs to the Builder value rather than a package-level global, so that
// multiple independent traces may coexist — unlike the reference
// implementation's process-global counter.
type registry struct {
	entries FunctionList
	count   uint16
}

// newFunction records entry as the start of a new function, assigns it the
// next function id, and returns that id.
func (r *registry) newFunction(entry *Node) uint16 {
	id := r.count
	r.count++
	entry.FunctionID = id
	r.entries.Append(entry)
	return id
}

// entryAt returns the i-th function-entry node, or nil if out of range.
func (r *registry) entryAt(i int) *Node {
	return r.entries.At(i)
}

// functionCount returns the number of functions discovered so far.
func (r *registry) functionCount() int {
	return r.entries.Len()
}
