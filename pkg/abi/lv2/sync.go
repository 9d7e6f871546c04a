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

// Package lv2 contains the constants and types needed to emulate the guest
// kernel's synchronization interface.
package lv2

import (
	"bytes"
	"fmt"
)

// Wake order protocols, from the attribute's protocol field.
const (
	SYS_SYNC_FIFO             = 0x1
	SYS_SYNC_PRIORITY         = 0x2
	SYS_SYNC_PRIORITY_INHERIT = 0x3
	SYS_SYNC_RETRY            = 0x4

	SYS_SYNC_ATTR_PROTOCOL_MASK = 0xf
)

// Mutex recursion attribute.
const (
	SYS_SYNC_RECURSIVE     = 0x10
	SYS_SYNC_NOT_RECURSIVE = 0x20

	SYS_SYNC_ATTR_RECURSIVE_MASK = 0xf0
)

// Sharing attribute.
const (
	SYS_SYNC_PROCESS_SHARED     = 0x100
	SYS_SYNC_NOT_PROCESS_SHARED = 0x200
)

// Creation policy for named instances.
const (
	SYS_SYNC_NEWLY_CREATED = 0x1
	SYS_SYNC_NOT_CREATE    = 0x2
	SYS_SYNC_NOT_CARE      = 0x3
)

// Event flag waiter types.
const (
	SYS_SYNC_WAITER_SINGLE   = 0x10000
	SYS_SYNC_WAITER_MULTIPLE = 0x20000
)

// Event flag wait modes. One of AND/OR may be combined with one of the clear
// actions.
const (
	SYS_EVENT_FLAG_WAIT_AND       = 0x01
	SYS_EVENT_FLAG_WAIT_OR        = 0x02
	SYS_EVENT_FLAG_WAIT_CLEAR     = 0x10
	SYS_EVENT_FLAG_WAIT_CLEAR_ALL = 0x20
)

// Lightweight condition signal modes.
const (
	SYS_LWCOND_SIGNAL_OWNED     = 1
	SYS_LWCOND_SIGNAL_NOT_OWNED = 2
	SYS_LWCOND_SIGNAL_FORCED    = 3
)

// Priority bounds. A lower value is a higher priority.
const (
	PriorityHighest = 0
	PriorityLowest  = 3071
)

// Name is the 8-byte diagnostic name carried by every attribute record.
type Name [8]byte

// MakeName truncates s to a Name.
func MakeName(s string) Name {
	var n Name
	copy(n[:], s)
	return n
}

// String implements fmt.Stringer.String.
func (n Name) String() string {
	if i := bytes.IndexByte(n[:], 0); i >= 0 {
		return string(n[:i])
	}
	return string(n[:])
}

// IPCAttr holds the sharing fields common to every attribute record.
type IPCAttr struct {
	// Shared is SYS_SYNC_PROCESS_SHARED for named instances. Zero and
	// SYS_SYNC_NOT_PROCESS_SHARED both create a private instance.
	Shared uint32

	// Key names a shared instance; it must be non-zero when Shared is set.
	Key uint64

	// Flags is the creation policy for a shared instance.
	Flags uint32
}

// Named reports whether the record creates or opens a named instance.
func (a *IPCAttr) Named() bool {
	return a.Shared == SYS_SYNC_PROCESS_SHARED
}

// Validate checks the sharing fields.
func (a *IPCAttr) Validate() error {
	switch a.Shared {
	case 0, SYS_SYNC_NOT_PROCESS_SHARED:
		return nil
	case SYS_SYNC_PROCESS_SHARED:
	default:
		return fmt.Errorf("invalid shared attribute %#x", a.Shared)
	}
	if a.Key == 0 {
		return fmt.Errorf("shared instance without a key")
	}
	switch a.Flags {
	case SYS_SYNC_NEWLY_CREATED, SYS_SYNC_NOT_CREATE, SYS_SYNC_NOT_CARE:
		return nil
	default:
		return fmt.Errorf("invalid creation policy %#x", a.Flags)
	}
}

// MutexAttr is the mutex attribute record.
type MutexAttr struct {
	Protocol  uint32
	Recursive uint32
	IPCAttr
	Name Name
}

// CondAttr is the condition variable attribute record.
type CondAttr struct {
	IPCAttr
	Name Name
}

// SemaphoreAttr is the semaphore attribute record.
type SemaphoreAttr struct {
	Protocol uint32
	IPCAttr
	Name Name
}

// RWLockAttr is the reader-writer lock attribute record.
type RWLockAttr struct {
	Protocol uint32
	IPCAttr
	Name Name
}

// EventFlagAttr is the event flag attribute record.
type EventFlagAttr struct {
	Protocol uint32
	IPCAttr
	Type uint32
	Name Name
}

// LWMutexAttr is the kernel-side lightweight mutex attribute record.
type LWMutexAttr struct {
	Protocol uint32
	Name     Name
}

// ValidEventFlagMode reports whether mode is a legal wait mode.
func ValidEventFlagMode(mode uint32) bool {
	switch mode &^ (SYS_EVENT_FLAG_WAIT_CLEAR | SYS_EVENT_FLAG_WAIT_CLEAR_ALL) {
	case SYS_EVENT_FLAG_WAIT_AND, SYS_EVENT_FLAG_WAIT_OR:
	default:
		return false
	}
	// At most one clear action.
	return mode&(SYS_EVENT_FLAG_WAIT_CLEAR|SYS_EVENT_FLAG_WAIT_CLEAR_ALL) != SYS_EVENT_FLAG_WAIT_CLEAR|SYS_EVENT_FLAG_WAIT_CLEAR_ALL
}
