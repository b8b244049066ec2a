package transfer

// Node is an intrusive doubly-linked list node embedded in TxEntry, RxEntry
// and Packet so each can move between several lists (endpoint-wide,
// peer-wide, per-queued-state), linked into one at a time, without a second allocation
// or a boxed container/list.Element, and so entries keep their stable pool
// slot index as the only identifier callers ever need (spec §9). Exported
// so package peer and package posting (which hold transfer.List fields of
// these owners) can link/unlink nodes without a helper method per list
// operation.
type Node struct {
	prev, next *Node
	owner      any // back-pointer to the TxEntry/RxEntry/Packet, set at construction
}

// List is a sentinel-headed intrusive doubly linked list. The zero value is
// an empty, usable list.
type List struct {
	head Node // head.next is the first element, head.prev is the last
	size int
}

func (l *List) init() {
	if l.head.next == nil {
		l.head.next = &l.head
		l.head.prev = &l.head
	}
}

// PushBack appends n to the end of the list. n must not already be a member
// of any list.
func (l *List) PushBack(n *Node) {
	l.init()
	last := l.head.prev
	n.prev = last
	n.next = &l.head
	last.next = n
	l.head.prev = n
	l.size++
}

// Remove detaches n from whichever list it is currently linked into. Safe
// to call on an already-detached node (no-op).
func (l *List) Remove(n *Node) {
	if n.prev == nil || n.next == nil {
		return
	}
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev = nil
	n.next = nil
	l.size--
}

// Len returns the number of elements currently linked.
func (l *List) Len() int {
	return l.size
}

// Front returns the owner of the first element, or nil if empty.
func (l *List) Front() any {
	l.init()
	if l.head.next == &l.head {
		return nil
	}
	return l.head.next.owner
}

// PopFront removes and returns the owner of the first element, or nil if
// empty.
func (l *List) PopFront() any {
	l.init()
	n := l.head.next
	if n == &l.head {
		return nil
	}
	l.Remove(n)
	return n.owner
}

// Each calls fn for every element's owner, front to back. fn must not
// mutate the list.
func (l *List) Each(fn func(owner any)) {
	l.init()
	for n := l.head.next; n != &l.head; n = n.next {
		fn(n.owner)
	}
}

// Linked reports whether n is currently linked into any list (used to
// enforce the "appears exactly once" invariants of spec §3/§8).
func Linked(n *Node) bool {
	return n.prev != nil && n.next != nil
}
