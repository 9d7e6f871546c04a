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

// Package lv2err returns error values for the guest kernel status codes.
//
// Every failing operation in lv2sync returns one of the values below. They are
// compared by identity, and translated to the guest status word only at the
// call boundary with ToErrno.
package lv2err

import (
	stderrors "errors"
	"fmt"

	"golang.org/x/sys/unix"
	"lv2sync.dev/lv2sync/pkg/abi/lv2/errno"
	"lv2sync.dev/lv2sync/pkg/errors"
)

// The status values.
var (
	EAGAIN     = errors.New(errno.EAGAIN, "resource temporarily unavailable")
	EINVAL     = errors.New(errno.EINVAL, "invalid argument")
	ESRCH      = errors.New(errno.ESRCH, "no such object")
	ENOENT     = errors.New(errno.ENOENT, "no such entry")
	EDEADLK    = errors.New(errno.EDEADLK, "resource deadlock avoided")
	EPERM      = errors.New(errno.EPERM, "operation not permitted")
	EBUSY      = errors.New(errno.EBUSY, "object busy")
	ETIMEDOUT  = errors.New(errno.ETIMEDOUT, "timed out")
	EABORT     = errors.New(errno.EABORT, "operation aborted")
	EKRESOURCE = errors.New(errno.EKRESOURCE, "kernel resource exhausted")
	ECANCELED  = errors.New(errno.ECANCELED, "operation canceled")
	EEXIST     = errors.New(errno.EEXIST, "object exists")
)

var errorMap = map[errno.Errno]*errors.Error{
	errno.EAGAIN:     EAGAIN,
	errno.EINVAL:     EINVAL,
	errno.ESRCH:      ESRCH,
	errno.ENOENT:     ENOENT,
	errno.EDEADLK:    EDEADLK,
	errno.EPERM:      EPERM,
	errno.EBUSY:      EBUSY,
	errno.ETIMEDOUT:  ETIMEDOUT,
	errno.EABORT:     EABORT,
	errno.EKRESOURCE: EKRESOURCE,
	errno.ECANCELED:  ECANCELED,
	errno.EEXIST:     EEXIST,
}

// unixMap translates guest statuses to the nearest host errno. It is only used
// for host-side diagnostics; the guest always sees the guest status.
var unixMap = map[errno.Errno]unix.Errno{
	errno.EAGAIN:     unix.EAGAIN,
	errno.EINVAL:     unix.EINVAL,
	errno.ESRCH:      unix.ESRCH,
	errno.ENOENT:     unix.ENOENT,
	errno.EDEADLK:    unix.EDEADLK,
	errno.EPERM:      unix.EPERM,
	errno.EBUSY:      unix.EBUSY,
	errno.ETIMEDOUT:  unix.ETIMEDOUT,
	errno.EABORT:     unix.ECONNABORTED,
	errno.EKRESOURCE: unix.EAGAIN,
	errno.ECANCELED:  unix.ECANCELED,
	errno.EEXIST:     unix.EEXIST,
}

// FromErrno returns the error for a guest status word. OK maps to nil.
func FromErrno(e errno.Errno) error {
	if e == errno.OK {
		return nil
	}
	if err, ok := errorMap[e]; ok {
		return err
	}
	panic(fmt.Sprintf("unknown guest status %v", e))
}

// Lookup is FromErrno for status words from untrusted input, such as a
// snapshot file. ok is false for an unknown status.
func Lookup(e errno.Errno) (err error, ok bool) {
	if e == errno.OK {
		return nil, true
	}
	if err, ok := errorMap[e]; ok {
		return err, true
	}
	return nil, false
}

// Status returns the status error carried by err, looking through wrapping.
func Status(err error) (*errors.Error, bool) {
	var e *errors.Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// ToErrno returns the guest status word for err. A nil error is OK. Errors
// that carry no status are reported as EABORT.
func ToErrno(err error) errno.Errno {
	if err == nil {
		return errno.OK
	}
	if e, ok := Status(err); ok {
		return e.Errno()
	}
	return errno.EABORT
}

// ToUnix converts err to the nearest host errno, for host-side reporting. A
// nil err is 0 and an error that carries no status is EIO.
func ToUnix(err error) unix.Errno {
	if err == nil {
		return 0
	}
	if e, ok := Status(err); ok {
		if u, ok := unixMap[e.Errno()]; ok {
			return u
		}
	}
	return unix.EIO
}
