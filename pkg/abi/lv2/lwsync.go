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

package lv2

import (
	"encoding/binary"
	"fmt"
)

// Lightweight mutex owner sentinels. Any other owner value is a thread ID.
const (
	LWMUTEX_FREE     = 0xffffffff
	LWMUTEX_DEAD     = 0xfffffffe
	LWMUTEX_RESERVED = 0xfffffffd
)

// Kernel-side lightweight mutex signal bits.
const (
	// LWMUTEX_SIGNALED marks a normal release with no waiter to receive it.
	LWMUTEX_SIGNALED = 0x1

	// LWMUTEX_SIGNALED_BUSY marks a forced release; the next locker takes it
	// with a busy status and must retry in user space.
	LWMUTEX_SIGNALED_BUSY = 0x80000000
)

// Control block sizes in guest memory.
const (
	SizeOfLWMutex = 24
	SizeOfLWCond  = 8
)

// LWMutex is the guest control block of a lightweight mutex, as laid out in
// guest memory (all fields big-endian):
//
//	0x00 owner
//	0x04 waiter
//	0x08 attribute
//	0x0c recursive_count
//	0x10 sleep_queue
//	0x14 pad
type LWMutex struct {
	Owner          uint32
	Waiter         uint32
	Attribute      uint32
	RecursiveCount uint32
	SleepQueue     uint32
	Pad            uint32
}

// MarshalBytes serializes m into dst, which must be SizeOfLWMutex bytes.
func (m *LWMutex) MarshalBytes(dst []byte) {
	_ = dst[SizeOfLWMutex-1]
	binary.BigEndian.PutUint32(dst[0x00:], m.Owner)
	binary.BigEndian.PutUint32(dst[0x04:], m.Waiter)
	binary.BigEndian.PutUint32(dst[0x08:], m.Attribute)
	binary.BigEndian.PutUint32(dst[0x0c:], m.RecursiveCount)
	binary.BigEndian.PutUint32(dst[0x10:], m.SleepQueue)
	binary.BigEndian.PutUint32(dst[0x14:], m.Pad)
}

// UnmarshalBytes deserializes m from src.
func (m *LWMutex) UnmarshalBytes(src []byte) error {
	if len(src) < SizeOfLWMutex {
		return fmt.Errorf("lwmutex control block too short: %d bytes", len(src))
	}
	m.Owner = binary.BigEndian.Uint32(src[0x00:])
	m.Waiter = binary.BigEndian.Uint32(src[0x04:])
	m.Attribute = binary.BigEndian.Uint32(src[0x08:])
	m.RecursiveCount = binary.BigEndian.Uint32(src[0x0c:])
	m.SleepQueue = binary.BigEndian.Uint32(src[0x10:])
	m.Pad = binary.BigEndian.Uint32(src[0x14:])
	return nil
}

// LWCond is the guest control block of a lightweight condition variable:
//
//	0x00 lwmutex (guest address of the bound LWMutex)
//	0x04 lwcond_queue
type LWCond struct {
	LWMutex     uint32
	LWCondQueue uint32
}

// MarshalBytes serializes c into dst, which must be SizeOfLWCond bytes.
func (c *LWCond) MarshalBytes(dst []byte) {
	_ = dst[SizeOfLWCond-1]
	binary.BigEndian.PutUint32(dst[0x00:], c.LWMutex)
	binary.BigEndian.PutUint32(dst[0x04:], c.LWCondQueue)
}

// UnmarshalBytes deserializes c from src.
func (c *LWCond) UnmarshalBytes(src []byte) error {
	if len(src) < SizeOfLWCond {
		return fmt.Errorf("lwcond control block too short: %d bytes", len(src))
	}
	c.LWMutex = binary.BigEndian.Uint32(src[0x00:])
	c.LWCondQueue = binary.BigEndian.Uint32(src[0x04:])
	return nil
}
