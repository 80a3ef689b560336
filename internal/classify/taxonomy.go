package classify

import (
	"fmt"
	"strings"
)

// Taxonomy is the fixed set of departments a document can be routed to,
// including the catch-all fallback. Oracle responses are validated against
// it; free-form department names never reach the data model.
type Taxonomy struct {
	departments []string
	fallback    string
	canonical   map[string]string
}

// NewTaxonomy builds a taxonomy from the configured department names. The
// fallback must be one of them.
func NewTaxonomy(departments []string, fallback string) (Taxonomy, error) {
	if len(departments) == 0 {
		return Taxonomy{}, fmt.Errorf("taxonomy requires at least one department")
	}
	t := Taxonomy{
		departments: make([]string, 0, len(departments)),
		fallback:    fallback,
		canonical:   make(map[string]string, len(departments)),
	}
	for _, d := range departments {
		name := strings.TrimSpace(d)
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if _, dup := t.canonical[key]; dup {
			continue
		}
		t.canonical[key] = name
		t.departments = append(t.departments, name)
	}
	if _, ok := t.canonical[strings.ToLower(fallback)]; !ok {
		return Taxonomy{}, fmt.Errorf("fallback department %q not in taxonomy", fallback)
	}
	return t, nil
}

// Departments returns the taxonomy in configured order.
func (t Taxonomy) Departments() []string {
	out := make([]string, len(t.departments))
	copy(out, t.departments)
	return out
}

// Fallback returns the catch-all department name.
func (t Taxonomy) Fallback() string { return t.canonical[strings.ToLower(t.fallback)] }

// Canonical resolves a department name case-insensitively, reporting whether
// it belongs to the taxonomy.
func (t Taxonomy) Canonical(name string) (string, bool) {
	c, ok := t.canonical[strings.ToLower(strings.TrimSpace(name))]
	return c, ok
}
