// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ilist provides the implementation of intrusive linked lists.
package ilist

// Linker is the constraint satisfied by a pointer to an element that embeds
// an Entry.
type Linker[E any] interface {
	*E
	entry() *Entry[E]
}

// Entry is a default implementation of the link fields. Embed it in an
// element type E and use List[E, *E].
type Entry[E any] struct {
	next *E
	prev *E
}

func (e *Entry[E]) entry() *Entry[E] { return e }

// Next returns the entry that follows e in the list.
func (e *Entry[E]) Next() *E {
	return e.next
}

// Prev returns the entry that precedes e in the list.
func (e *Entry[E]) Prev() *E {
	return e.prev
}

// List is an intrusive list. Entries can be added to or removed from the list
// in O(1) time and with no additional memory allocations.
//
// The zero value for List is an empty list ready to use.
//
// To iterate over a list (where l is a List):
//
//	for e := l.Front(); e != nil; e = P(e).Next() {
//		// do something with e.
//	}
type List[E any, P Linker[E]] struct {
	head *E
	tail *E
}

func link[E any, P Linker[E]](e *E) *Entry[E] {
	return P(e).entry()
}

// Reset resets list l to the empty state.
func (l *List[E, P]) Reset() {
	l.head = nil
	l.tail = nil
}

// Empty returns true iff the list is empty.
func (l *List[E, P]) Empty() bool {
	return l.head == nil
}

// Front returns the first element of list l or nil.
func (l *List[E, P]) Front() *E {
	return l.head
}

// Back returns the last element of list l or nil.
func (l *List[E, P]) Back() *E {
	return l.tail
}

// Len returns the number of elements in the list.
//
// NOTE: This is an O(n) operation.
func (l *List[E, P]) Len() (count int) {
	for e := l.head; e != nil; e = link[E, P](e).next {
		count++
	}
	return count
}

// PushFront inserts the element e at the front of list l.
func (l *List[E, P]) PushFront(e *E) {
	le := link[E, P](e)
	le.next = l.head
	le.prev = nil
	if l.head != nil {
		link[E, P](l.head).prev = e
	} else {
		l.tail = e
	}
	l.head = e
}

// PushBack inserts the element e at the back of list l.
func (l *List[E, P]) PushBack(e *E) {
	le := link[E, P](e)
	le.next = nil
	le.prev = l.tail
	if l.tail != nil {
		link[E, P](l.tail).next = e
	} else {
		l.head = e
	}
	l.tail = e
}

// PushBackList inserts list m at the end of list l, emptying m.
func (l *List[E, P]) PushBackList(m *List[E, P]) {
	if l.head == nil {
		l.head = m.head
		l.tail = m.tail
	} else if m.head != nil {
		link[E, P](l.tail).next = m.head
		link[E, P](m.head).prev = l.tail
		l.tail = m.tail
	}
	m.head = nil
	m.tail = nil
}

// InsertAfter inserts e after b.
func (l *List[E, P]) InsertAfter(b, e *E) {
	bl := link[E, P](b)
	el := link[E, P](e)
	a := bl.next
	el.next = a
	el.prev = b
	bl.next = e
	if a != nil {
		link[E, P](a).prev = e
	} else {
		l.tail = e
	}
}

// InsertBefore inserts e before a.
func (l *List[E, P]) InsertBefore(a, e *E) {
	al := link[E, P](a)
	el := link[E, P](e)
	b := al.prev
	el.next = a
	el.prev = b
	al.prev = e
	if b != nil {
		link[E, P](b).next = e
	} else {
		l.head = e
	}
}

// Remove removes e from l.
func (l *List[E, P]) Remove(e *E) {
	el := link[E, P](e)
	prev := el.prev
	next := el.next
	if prev != nil {
		link[E, P](prev).next = next
	} else if l.head == e {
		l.head = next
	}
	if next != nil {
		link[E, P](next).prev = prev
	} else if l.tail == e {
		l.tail = prev
	}
	el.next = nil
	el.prev = nil
}
