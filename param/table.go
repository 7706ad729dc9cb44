package param

import (
	"encoding/json"
	"fmt"
)

// Table is an immutable, ordered set of parameter descriptors. A table is
// built once per successful module build and shared read-only by every
// component that holds it; reloads replace the whole table, never edit it.
//
// Declaration order is identity-bearing: a descriptor's position is its
// dense index into the bridge and the module's parameter buffer.
type Table struct {
	descs []Descriptor
	byID  map[string]int
}

// NewTable validates the descriptors and builds a table over a copy of
// them. An empty descriptor list is a valid table: a module may declare no
// parameters at all.
func NewTable(descs []Descriptor) (*Table, error) {
	t := &Table{
		descs: make([]Descriptor, len(descs)),
		byID:  make(map[string]int, len(descs)),
	}
	copy(t.descs, descs)
	for i, d := range t.descs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if prev, dup := t.byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate parameter id %q at indexes %d and %d", d.ID, prev, i)
		}
		t.byID[d.ID] = i
	}
	return t, nil
}

// ParseTable decodes the JSON descriptor array a module's describe export
// produces and validates it. This is the single parse point for both the
// extraction subprocess boundary and the in-process describe path.
func ParseTable(data []byte) (*Table, error) {
	var descs []Descriptor
	if err := json.Unmarshal(data, &descs); err != nil {
		return nil, fmt.Errorf("decode descriptor table: %w", err)
	}
	return NewTable(descs)
}

// EncodeJSON renders the table back to its wire form.
func (t *Table) EncodeJSON() ([]byte, error) {
	if len(t.descs) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(t.descs)
}

// Len returns the number of parameters.
func (t *Table) Len() int {
	return len(t.descs)
}

// At returns the descriptor at dense index i. i must be in [0, Len()).
func (t *Table) At(i int) Descriptor {
	return t.descs[i]
}

// Index returns the dense index for id.
func (t *Table) Index(id string) (int, bool) {
	i, ok := t.byID[id]
	return i, ok
}

// ByID returns the descriptor for id.
func (t *Table) ByID(id string) (Descriptor, bool) {
	i, ok := t.byID[id]
	if !ok {
		return Descriptor{}, false
	}
	return t.descs[i], true
}

// Descriptors returns a copy of the descriptor list in declaration order.
func (t *Table) Descriptors() []Descriptor {
	out := make([]Descriptor, len(t.descs))
	copy(out, t.descs)
	return out
}

// Defaults returns the dense default value array, one element per
// descriptor in declaration order.
func (t *Table) Defaults() []float64 {
	out := make([]float64, len(t.descs))
	for i, d := range t.descs {
		out[i] = d.Default
	}
	return out
}
