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

// Package errno holds the guest kernel status codes.
package errno

import "fmt"

// Errno is a guest status word as returned in the guest's result register.
// Zero is success; every failure has the high bit set.
type Errno uint32

// Guest status codes.
const (
	OK         Errno = 0
	EAGAIN     Errno = 0x80010001
	EINVAL     Errno = 0x80010002
	ENOSYS     Errno = 0x80010003
	ENOMEM     Errno = 0x80010004
	ESRCH      Errno = 0x80010005
	ENOENT     Errno = 0x80010006
	ENOEXEC    Errno = 0x80010007
	EDEADLK    Errno = 0x80010008
	EPERM      Errno = 0x80010009
	EBUSY      Errno = 0x8001000A
	ETIMEDOUT  Errno = 0x8001000B
	EABORT     Errno = 0x8001000C
	EFAULT     Errno = 0x8001000D
	ESTAT      Errno = 0x8001000F
	EALIGN     Errno = 0x80010010
	EKRESOURCE Errno = 0x80010011
	EISDIR     Errno = 0x80010012
	ECANCELED  Errno = 0x80010013
	EEXIST     Errno = 0x80010014
	EISCONN    Errno = 0x80010015
	ENOTCONN   Errno = 0x80010016
)

var names = map[Errno]string{
	OK:         "CELL_OK",
	EAGAIN:     "CELL_EAGAIN",
	EINVAL:     "CELL_EINVAL",
	ENOSYS:     "CELL_ENOSYS",
	ENOMEM:     "CELL_ENOMEM",
	ESRCH:      "CELL_ESRCH",
	ENOENT:     "CELL_ENOENT",
	ENOEXEC:    "CELL_ENOEXEC",
	EDEADLK:    "CELL_EDEADLK",
	EPERM:      "CELL_EPERM",
	EBUSY:      "CELL_EBUSY",
	ETIMEDOUT:  "CELL_ETIMEDOUT",
	EABORT:     "CELL_EABORT",
	EFAULT:     "CELL_EFAULT",
	ESTAT:      "CELL_ESTAT",
	EALIGN:     "CELL_EALIGN",
	EKRESOURCE: "CELL_EKRESOURCE",
	EISDIR:     "CELL_EISDIR",
	ECANCELED:  "CELL_ECANCELED",
	EEXIST:     "CELL_EEXIST",
	EISCONN:    "CELL_EISCONN",
	ENOTCONN:   "CELL_ENOTCONN",
}

// String implements fmt.Stringer.String.
func (e Errno) String() string {
	if n, ok := names[e]; ok {
		return n
	}
	return fmt.Sprintf("Errno(%#x)", uint32(e))
}

// Failed reports whether e is an error status.
func (e Errno) Failed() bool {
	return e&0x80000000 != 0
}
