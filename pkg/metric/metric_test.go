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

package metric

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/common/expfmt"
)

func TestFieldMapper(t *testing.T) {
	m, err := newFieldMapper(NewField("kind", []string{"a", "b", "c"}), NewField("result", []string{"ok", "err"}))
	if err != nil {
		t.Fatalf("newFieldMapper: %v", err)
	}
	for key := 0; key < m.numFieldCombinations; key++ {
		fields := m.keyToMultiField(key)
		if got := m.lookup(fields...); got != key {
			t.Errorf("lookup(%v) = %d, want %d", fields, got, key)
		}
	}
	if _, err := newFieldMapper(NewField("empty", nil)); err != ErrFieldHasNoAllowedValues {
		t.Errorf("newFieldMapper with empty field = %v", err)
	}
}

func TestIncrement(t *testing.T) {
	m := MustCreateNewUint64Metric("test_increment_total", "test", NewField("kind", []string{"x", "y"}))
	m.Increment("x")
	m.IncrementBy(4, "y")
	m.Increment("y")
	if got := m.Value("x"); got != 1 {
		t.Errorf("Value(x) = %d, want 1", got)
	}
	if got := m.Value("y"); got != 5 {
		t.Errorf("Value(y) = %d, want 5", got)
	}
	if _, err := NewUint64Metric("test_increment_total", "dup"); err != ErrNameInUse {
		t.Errorf("duplicate registration = %v, want ErrNameInUse", err)
	}
}

func TestWriteText(t *testing.T) {
	m := MustCreateNewUint64Metric("test_export_total", "exported counter", NewField("kind", []string{"mutex", "cond"}))
	m.IncrementBy(3, "cond")

	var buf bytes.Buffer
	if err := WriteText(&buf); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	parsed, err := (&expfmt.TextParser{}).TextToMetricFamilies(&buf)
	if err != nil {
		t.Fatalf("exported text does not parse: %v", err)
	}
	mf, ok := parsed["test_export_total"]
	if !ok {
		t.Fatalf("metric missing from export: %v", parsed)
	}
	got := map[string]float64{}
	for _, pm := range mf.GetMetric() {
		got[pm.GetLabel()[0].GetValue()] = pm.GetCounter().GetValue()
	}
	if diff := cmp.Diff(map[string]float64{"mutex": 0, "cond": 3}, got); diff != "" {
		t.Errorf("exported values mismatch (-want +got):\n%s", diff)
	}
}
