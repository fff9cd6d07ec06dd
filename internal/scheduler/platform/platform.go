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

// Package platform matches action platform requirements against
// worker-advertised properties according to a per-instance schema.
package platform

import (
	"strconv"

	"github.com/tombee/turbine/pkg/errors"
)

// PropertyType declares how values under a property key are compared.
type PropertyType int

const (
	// Exact requires every action value to appear in the worker's set.
	Exact PropertyType = iota

	// Minimum is numeric; the worker's advertised number must be greater
	// than or equal to the action's requested number.
	Minimum

	// Priority lets the action list multiple acceptable values; the worker
	// must advertise at least one of them.
	Priority
)

// String returns the config-facing name of the property type.
func (t PropertyType) String() string {
	switch t {
	case Exact:
		return "exact"
	case Minimum:
		return "minimum"
	case Priority:
		return "priority"
	default:
		return "unknown"
	}
}

// ParsePropertyType parses a config-facing property type name.
func ParsePropertyType(s string) (PropertyType, error) {
	switch s {
	case "exact":
		return Exact, nil
	case "minimum":
		return Minimum, nil
	case "priority":
		return Priority, nil
	default:
		return 0, errors.New(errors.CodeInvalidArgument, "unknown property type %q", s)
	}
}

// Pair is one advertised or requested property key/value.
type Pair struct {
	Name  string
	Value string
}

// Property is one action-side requirement under a single key.
type Property struct {
	Type   PropertyType
	Values []string
	Num    int64
}

// Properties is the validated set of requirements carried by an action.
type Properties struct {
	props map[string]Property
}

// Len returns the number of distinct requirement keys.
func (p *Properties) Len() int {
	if p == nil {
		return 0
	}
	return len(p.props)
}

type workerProperty struct {
	typ    PropertyType
	values map[string]struct{}
	num    int64
}

// WorkerProperties is the validated set of properties advertised by a
// worker. Keys outside the schema are dropped.
type WorkerProperties struct {
	props map[string]workerProperty
}

// Satisfies reports whether this worker meets every requirement of the
// action. Keys present on the worker but absent from the action are ignored.
func (w *WorkerProperties) Satisfies(a *Properties) bool {
	if a == nil {
		return true
	}
	for name, req := range a.props {
		adv, ok := w.props[name]
		if !ok {
			return false
		}
		switch req.Type {
		case Exact:
			for _, v := range req.Values {
				if _, ok := adv.values[v]; !ok {
					return false
				}
			}
		case Minimum:
			if adv.num < req.Num {
				return false
			}
		case Priority:
			matched := false
			for _, v := range req.Values {
				if _, ok := adv.values[v]; ok {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		}
	}
	return true
}

// Manager answers whether a worker satisfies an action's platform
// requirements, given the declared schema for one instance.
type Manager struct {
	schema map[string]PropertyType
}

// NewManager creates a Manager over the given key → match-type schema.
func NewManager(schema map[string]PropertyType) *Manager {
	copied := make(map[string]PropertyType, len(schema))
	for k, v := range schema {
		copied[k] = v
	}
	return &Manager{schema: copied}
}

// Schema returns the declared property keys and their match types.
func (m *Manager) Schema() map[string]PropertyType {
	out := make(map[string]PropertyType, len(m.schema))
	for k, v := range m.schema {
		out[k] = v
	}
	return out
}

// ActionProperties validates the requirements of an action submission.
// Unknown keys fail with InvalidArgument. Repeated keys accumulate values,
// which only Priority keys make use of.
func (m *Manager) ActionProperties(pairs []Pair) (*Properties, error) {
	props := make(map[string]Property, len(pairs))
	for _, pair := range pairs {
		typ, ok := m.schema[pair.Name]
		if !ok {
			return nil, errors.New(errors.CodeInvalidArgument, "unknown platform property key %q", pair.Name)
		}
		p := props[pair.Name]
		p.Type = typ
		if typ == Minimum {
			n, err := strconv.ParseInt(pair.Value, 10, 64)
			if err != nil {
				return nil, errors.New(errors.CodeInvalidArgument,
					"platform property %q requires a numeric value, got %q", pair.Name, pair.Value)
			}
			if n > p.Num {
				p.Num = n
			}
		} else {
			p.Values = append(p.Values, pair.Value)
		}
		props[pair.Name] = p
	}
	return &Properties{props: props}, nil
}

// WorkerProperties validates the properties advertised by a worker.
// Keys outside the schema are silently ignored; non-numeric values under a
// Minimum key are rejected.
func (m *Manager) WorkerProperties(pairs []Pair) (*WorkerProperties, error) {
	props := make(map[string]workerProperty)
	for _, pair := range pairs {
		typ, ok := m.schema[pair.Name]
		if !ok {
			continue
		}
		p, ok := props[pair.Name]
		if !ok {
			p = workerProperty{typ: typ, values: make(map[string]struct{})}
		}
		if typ == Minimum {
			n, err := strconv.ParseInt(pair.Value, 10, 64)
			if err != nil {
				return nil, errors.New(errors.CodeInvalidArgument,
					"worker property %q requires a numeric value, got %q", pair.Name, pair.Value)
			}
			if n > p.num {
				p.num = n
			}
		} else {
			p.values[pair.Value] = struct{}{}
		}
		props[pair.Name] = p
	}
	return &WorkerProperties{props: props}, nil
}
