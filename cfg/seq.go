package cfg

// cell is the singly-linked primitive underlying both CallStack and
// FunctionList. The reference design carries an opaque value pointer; both
// use sites in this package only ever store *Node, so the payload is typed
// directly rather than boxed in an interface{} (see DESIGN.md).
type cell struct {
	value *Node
	next  *cell
}

// CallStack is a last-in-first-out sequence of CFG-node references; the top
// is the most recent unmatched call node. Every cell holds a node of type
// Call.
type CallStack struct {
	top *cell
}

// Push pushes n onto the stack.
func (s *CallStack) Push(n *Node) {
	s.top = &cell{value: n, next: s.top}
}

// Pop removes and returns the top of the stack, or nil if empty.
func (s *CallStack) Pop() *Node {
	if s.top == nil {
		return nil
	}
	n := s.top.value
	s.top = s.top.next
	return n
}

// Peek returns the top of the stack without removing it, or nil if empty.
func (s *CallStack) Peek() *Node {
	if s.top == nil {
		return nil
	}
	return s.top.value
}

// Empty reports whether the stack holds no elements.
func (s *CallStack) Empty() bool { return s.top == nil }

// FunctionList is the insertion-ordered catalogue of function-entry nodes.
// Entry 0 is the node executed first; subsequent entries are appended as
// new functions are discovered.
//
// Index access is O(n), same as the reference list; this package only ever
// reads it by position from the renderer, which is an accepted cost.
type FunctionList struct {
	head, tail *cell
	length     int
}

// Append adds n as the next function entry.
func (l *FunctionList) Append(n *Node) {
	c := &cell{value: n}
	if l.tail == nil {
		l.head = c
	} else {
		l.tail.next = c
	}
	l.tail = c
	l.length++
}

// At returns the i-th entry (0-indexed), or nil if out of range.
func (l *FunctionList) At(i int) *Node {
	if i < 0 {
		return nil
	}
	cur := l.head
	for ; i > 0 && cur != nil; i-- {
		cur = cur.next
	}
	if cur == nil {
		return nil
	}
	return cur.value
}

// Len returns the number of function entries recorded.
func (l *FunctionList) Len() int { return l.length }
