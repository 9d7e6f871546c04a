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

package errors_test

import (
	goerrors "errors"
	"fmt"
	"testing"

	"lv2sync.dev/lv2sync/pkg/abi/lv2/errno"
	"lv2sync.dev/lv2sync/pkg/errors"
)

func TestIs(t *testing.T) {
	busy := errors.New(errno.EBUSY, "busy")
	alsoBusy := errors.New(errno.EBUSY, "object busy")
	perm := errors.New(errno.EPERM, "not permitted")

	wrapped := fmt.Errorf("unlocking %#x: %w", 0x85000001, busy)
	if !goerrors.Is(wrapped, busy) {
		t.Errorf("errors.Is(%v, busy) = false", wrapped)
	}
	if !goerrors.Is(wrapped, alsoBusy) {
		t.Errorf("errors.Is(%v, alsoBusy) = false", wrapped)
	}
	if goerrors.Is(wrapped, perm) {
		t.Errorf("errors.Is(%v, perm) = true", wrapped)
	}
	if goerrors.Is(goerrors.New("busy"), busy) {
		t.Errorf("a plain error matched a status")
	}
	if got := busy.Errno(); got != errno.EBUSY {
		t.Errorf("Errno() = %v, want EBUSY", got)
	}
}
