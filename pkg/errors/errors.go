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

// Package errors holds the standardized error definition for lv2sync.
package errors

import (
	"lv2sync.dev/lv2sync/pkg/abi/lv2/errno"
)

// Error represents a guest status together with a human readable message.
// Values are compared by identity: callers test against the sentinels in
// package lv2err.
type Error struct {
	errno   errno.Errno
	message string
}

// New makes a new *Error.
func New(err errno.Errno, message string) *Error {
	return &Error{
		errno:   err,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Errno returns the guest status word for e.
func (e *Error) Errno() errno.Errno { return e.errno }

// Is reports whether target carries the same status as e. It lets errors.Is
// match a status wrapped with context against the lv2err sentinels, and two
// sentinels that share a status match each other.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.errno == e.errno
}
