package classify

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/docflow-ai/docflow/internal/store"
)

// ConfidenceFloor is the minimum top-candidate confidence required to trust
// the oracle's department picks. Below it the document routes to the
// fallback department, keeping the reported confidence for auditability.
const ConfidenceFloor = 0.6

// Routing is the final, policy-compliant routing decision for a document.
type Routing struct {
	Assignments []store.DepartmentAssignment
	Summary     string
	Priority    string
}

// Router turns the oracle's raw judgment into a routing decision: it applies
// the confidence floor, validates departments against the taxonomy, and
// resolves single- versus multi-department assignment. It never re-derives
// per-department tasks; it trusts the oracle's breakdown.
type Router struct {
	Oracle   Oracle
	Taxonomy Taxonomy
}

// Route classifies the extracted text, grounding the oracle on documents
// routed earlier. The oracle call is the only I/O; everything after it is a
// pure transformation. Oracle errors propagate unchanged so the coordinator
// can apply its retry policy.
func (r *Router) Route(ctx context.Context, text string, neighbors []ContextDocument) (Routing, error) {
	judgment, err := r.Oracle.Classify(ctx, text, neighbors, r.Taxonomy)
	if err != nil {
		return Routing{}, err
	}
	return r.resolve(judgment, text), nil
}

func (r *Router) resolve(j Judgment, text string) Routing {
	out := Routing{
		Summary:  strings.TrimSpace(j.Summary),
		Priority: NormalizePriority(j.Priority),
	}
	if out.Summary == "" {
		out.Summary = snippet(text, 240)
	}

	top := 0.0
	for _, c := range j.Candidates {
		if c.Confidence > top {
			top = c.Confidence
		}
	}

	fallbackOnly := func(confidence float64) Routing {
		out.Assignments = []store.DepartmentAssignment{{
			Department: r.Taxonomy.Fallback(),
			Confidence: clamp01(confidence),
		}}
		return out
	}

	if len(j.Candidates) == 0 || top < ConfidenceFloor {
		// The reported confidence is preserved, never overridden to 1.0.
		return fallbackOnly(top)
	}

	// A single out-of-taxonomy department invalidates the whole response:
	// the oracle was not following the contract.
	canonicalTasks := make(map[string][]string, len(j.TasksByDepartment))
	for name, tasks := range j.TasksByDepartment {
		c, ok := r.Taxonomy.Canonical(name)
		if !ok {
			return fallbackOnly(top)
		}
		canonicalTasks[c] = tasks
	}

	var assignments []store.DepartmentAssignment
	for _, cand := range j.Candidates {
		canonical, ok := r.Taxonomy.Canonical(cand.Department)
		if !ok {
			return fallbackOnly(top)
		}
		if cand.Confidence < ConfidenceFloor {
			continue
		}
		// Oracle order is preserved verbatim, including equal-confidence
		// ties; candidates are never reordered or deduplicated here.
		assignments = append(assignments, store.DepartmentAssignment{
			Department: canonical,
			Confidence: clamp01(cand.Confidence),
			Tasks:      canonicalTasks[canonical],
		})
	}
	if len(assignments) == 0 {
		return fallbackOnly(top)
	}
	out.Assignments = assignments
	return out
}

// NormalizePriority maps free-form oracle urgency wording onto the four
// document priorities. Unknown values default to normal.
func NormalizePriority(p string) string {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "urgent", "critical":
		return store.PriorityUrgent
	case "high":
		return store.PriorityHigh
	case "low":
		return store.PriorityLow
	default:
		return store.PriorityNormal
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func snippet(text string, max int) string {
	return truncate(strings.TrimSpace(text), max)
}

// truncate cuts s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
