package metadata

import "fmt"

const noNode = -1

type suballocationNode struct {
	Suballocation
	prev int
	next int
	live bool
}

// suballocationList is a doubly-linked list of suballocations stored in an arena slice. Nodes are
// addressed by index so that the free array and offset index stay valid while the list is spliced.
// Indices of removed nodes are recycled.
type suballocationList struct {
	nodes    []suballocationNode
	recycled []int
	head     int
	tail     int
	count    int
}

func (l *suballocationList) Reset() {
	// Drop user data held by the old nodes; blocks are pooled with their backing arrays
	for i := range l.nodes {
		l.nodes[i] = suballocationNode{}
	}
	l.nodes = l.nodes[:0]
	l.recycled = l.recycled[:0]
	l.head = noNode
	l.tail = noNode
	l.count = 0
}

func (l *suballocationList) Len() int   { return l.count }
func (l *suballocationList) Front() int { return l.head }
func (l *suballocationList) Back() int  { return l.tail }

func (l *suballocationList) Next(index int) int { return l.nodes[index].next }
func (l *suballocationList) Prev(index int) int { return l.nodes[index].prev }

// At returns a pointer into the arena. It is invalidated by the next insertion.
func (l *suballocationList) At(index int) *Suballocation {
	return &l.nodes[index].Suballocation
}

func (l *suballocationList) IsLive(index int) bool {
	return index >= 0 && index < len(l.nodes) && l.nodes[index].live
}

func (l *suballocationList) newNode(suballoc Suballocation) int {
	node := suballocationNode{
		Suballocation: suballoc,
		prev:          noNode,
		next:          noNode,
		live:          true,
	}

	if len(l.recycled) > 0 {
		index := l.recycled[len(l.recycled)-1]
		l.recycled = l.recycled[:len(l.recycled)-1]
		l.nodes[index] = node
		return index
	}

	l.nodes = append(l.nodes, node)
	return len(l.nodes) - 1
}

func (l *suballocationList) PushBack(suballoc Suballocation) int {
	index := l.newNode(suballoc)
	l.nodes[index].prev = l.tail
	if l.tail != noNode {
		l.nodes[l.tail].next = index
	} else {
		l.head = index
	}
	l.tail = index
	l.count++

	return index
}

// InsertBefore places suballoc directly in front of the node at index and returns the new node's index
func (l *suballocationList) InsertBefore(index int, suballoc Suballocation) int {
	if !l.IsLive(index) {
		panic(fmt.Sprintf("attempted to insert before dead list node %d", index))
	}

	newIndex := l.newNode(suballoc)
	prev := l.nodes[index].prev
	l.nodes[newIndex].prev = prev
	l.nodes[newIndex].next = index
	l.nodes[index].prev = newIndex
	if prev != noNode {
		l.nodes[prev].next = newIndex
	} else {
		l.head = newIndex
	}
	l.count++

	return newIndex
}

// InsertAfter places suballoc directly behind the node at index and returns the new node's index
func (l *suballocationList) InsertAfter(index int, suballoc Suballocation) int {
	if !l.IsLive(index) {
		panic(fmt.Sprintf("attempted to insert after dead list node %d", index))
	}

	newIndex := l.newNode(suballoc)
	next := l.nodes[index].next
	l.nodes[newIndex].prev = index
	l.nodes[newIndex].next = next
	l.nodes[index].next = newIndex
	if next != noNode {
		l.nodes[next].prev = newIndex
	} else {
		l.tail = newIndex
	}
	l.count++

	return newIndex
}

func (l *suballocationList) Remove(index int) {
	if !l.IsLive(index) {
		panic(fmt.Sprintf("attempted to remove dead list node %d", index))
	}

	node := &l.nodes[index]
	if node.prev != noNode {
		l.nodes[node.prev].next = node.next
	} else {
		l.head = node.next
	}

	if node.next != noNode {
		l.nodes[node.next].prev = node.prev
	} else {
		l.tail = node.prev
	}

	node.live = false
	node.prev = noNode
	node.next = noNode
	node.UserData = nil
	l.recycled = append(l.recycled, index)
	l.count--
}
