// Copyright 2025 Tom Barlow
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

package platform

import (
	"testing"

	"github.com/tombee/turbine/pkg/errors"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(map[string]PropertyType{
		"os":       Exact,
		"cpu_arch": Exact,
		"memory":   Minimum,
		"gpu":      Priority,
	})
}

func actionProps(t *testing.T, m *Manager, pairs ...Pair) *Properties {
	t.Helper()
	p, err := m.ActionProperties(pairs)
	if err != nil {
		t.Fatalf("ActionProperties: %v", err)
	}
	return p
}

func workerProps(t *testing.T, m *Manager, pairs ...Pair) *WorkerProperties {
	t.Helper()
	p, err := m.WorkerProperties(pairs)
	if err != nil {
		t.Fatalf("WorkerProperties: %v", err)
	}
	return p
}

func TestUnknownActionKeyRejected(t *testing.T) {
	m := testManager(t)

	_, err := m.ActionProperties([]Pair{{Name: "bogus", Value: "x"}})

	if !errors.IsCode(err, errors.CodeInvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestUnknownWorkerKeyIgnored(t *testing.T) {
	m := testManager(t)

	w := workerProps(t, m, Pair{Name: "os", Value: "linux"}, Pair{Name: "bogus", Value: "x"})
	a := actionProps(t, m, Pair{Name: "os", Value: "linux"})

	if !w.Satisfies(a) {
		t.Error("unknown worker keys must not affect matching")
	}
}

func TestExactMatch(t *testing.T) {
	m := testManager(t)
	w := workerProps(t, m, Pair{Name: "os", Value: "linux"})

	if !w.Satisfies(actionProps(t, m, Pair{Name: "os", Value: "linux"})) {
		t.Error("expected exact value to match")
	}
	if w.Satisfies(actionProps(t, m, Pair{Name: "os", Value: "windows"})) {
		t.Error("expected mismatched exact value to fail")
	}
}

func TestExactMissingKeyFails(t *testing.T) {
	m := testManager(t)
	w := workerProps(t, m, Pair{Name: "os", Value: "linux"})

	a := actionProps(t, m, Pair{Name: "os", Value: "linux"}, Pair{Name: "cpu_arch", Value: "x86_64"})
	if w.Satisfies(a) {
		t.Error("worker without the requested key must not match")
	}
}

func TestMinimumMatch(t *testing.T) {
	m := testManager(t)
	w := workerProps(t, m, Pair{Name: "memory", Value: "8192"})

	tests := []struct {
		requested string
		want      bool
	}{
		{requested: "4096", want: true},
		{requested: "8192", want: true},
		{requested: "16384", want: false},
	}
	for _, tt := range tests {
		a := actionProps(t, m, Pair{Name: "memory", Value: tt.requested})
		if got := w.Satisfies(a); got != tt.want {
			t.Errorf("memory>=%s: got %v, want %v", tt.requested, got, tt.want)
		}
	}
}

func TestMinimumRejectsNonNumeric(t *testing.T) {
	m := testManager(t)

	if _, err := m.ActionProperties([]Pair{{Name: "memory", Value: "lots"}}); !errors.IsCode(err, errors.CodeInvalidArgument) {
		t.Errorf("expected InvalidArgument for non-numeric minimum, got %v", err)
	}
	if _, err := m.WorkerProperties([]Pair{{Name: "memory", Value: "lots"}}); !errors.IsCode(err, errors.CodeInvalidArgument) {
		t.Errorf("expected InvalidArgument for non-numeric worker minimum, got %v", err)
	}
}

func TestPriorityMatchesAnyValue(t *testing.T) {
	m := testManager(t)
	w := workerProps(t, m, Pair{Name: "gpu", Value: "a100"})

	a := actionProps(t, m,
		Pair{Name: "gpu", Value: "h100"},
		Pair{Name: "gpu", Value: "a100"},
	)
	if !w.Satisfies(a) {
		t.Error("expected one overlapping priority value to match")
	}

	a = actionProps(t, m, Pair{Name: "gpu", Value: "h100"})
	if w.Satisfies(a) {
		t.Error("expected no overlapping priority value to fail")
	}
}

func TestEmptyActionAlwaysMatches(t *testing.T) {
	m := testManager(t)
	w := workerProps(t, m)

	if !w.Satisfies(actionProps(t, m)) {
		t.Error("action with no requirements must match any worker")
	}
	if !w.Satisfies(nil) {
		t.Error("nil requirements must match any worker")
	}
}

func TestParsePropertyType(t *testing.T) {
	tests := []struct {
		in      string
		want    PropertyType
		wantErr bool
	}{
		{in: "exact", want: Exact},
		{in: "minimum", want: Minimum},
		{in: "priority", want: Priority},
		{in: "fuzzy", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParsePropertyType(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePropertyType(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("ParsePropertyType(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
