package param

import (
	"fmt"
	"math"
)

// Kind identifies how a parameter's float64 value is interpreted.
type Kind string

const (
	KindFloat Kind = "float" // continuous value in [Min, Max]
	KindBool  Kind = "bool"  // 0 or 1
	KindEnum  Kind = "enum"  // index into Variants
)

// Descriptor describes a single plugin parameter. Descriptors cross the
// extraction boundary as JSON, one array element per parameter in
// declaration order.
type Descriptor struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Kind     Kind     `json:"kind"`
	Min      float64  `json:"min"`
	Max      float64  `json:"max"`
	Default  float64  `json:"default"`
	Unit     string   `json:"unit,omitempty"`
	Variants []string `json:"variants,omitempty"` // enum only
}

// Validate checks internal consistency. The parse path rejects whole tables
// on the first invalid descriptor, so a module with a bad declaration fails
// extraction rather than surfacing a half-usable table.
func (d Descriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("descriptor without id")
	}
	switch d.Kind {
	case KindFloat:
		if len(d.Variants) != 0 {
			return fmt.Errorf("parameter %q: float kind with variants", d.ID)
		}
	case KindBool:
		if d.Min != 0 || d.Max != 1 {
			return fmt.Errorf("parameter %q: bool range must be [0, 1], got [%g, %g]", d.ID, d.Min, d.Max)
		}
	case KindEnum:
		if len(d.Variants) == 0 {
			return fmt.Errorf("parameter %q: enum without variants", d.ID)
		}
		if d.Min != 0 || d.Max != float64(len(d.Variants)-1) {
			return fmt.Errorf("parameter %q: enum range must be [0, %d], got [%g, %g]", d.ID, len(d.Variants)-1, d.Min, d.Max)
		}
	default:
		return fmt.Errorf("parameter %q: unknown kind %q", d.ID, d.Kind)
	}
	if math.IsNaN(d.Min) || math.IsNaN(d.Max) || math.IsNaN(d.Default) {
		return fmt.Errorf("parameter %q: NaN bound or default", d.ID)
	}
	if d.Min > d.Max {
		return fmt.Errorf("parameter %q: min %g above max %g", d.ID, d.Min, d.Max)
	}
	if !d.InRange(d.Default) {
		return fmt.Errorf("parameter %q: default %g outside [%g, %g]", d.ID, d.Default, d.Min, d.Max)
	}
	return nil
}

// InRange reports whether v is a legal value for this parameter. NaN is
// never legal.
func (d Descriptor) InRange(v float64) bool {
	return !math.IsNaN(v) && v >= d.Min && v <= d.Max
}
