// Package roster holds the static, in-memory description of roles (Roster)
// and the startup dependency validation (Dependency Resolver) described in
// spec 4.2. It has no dependency on the store or any runtime component.
package roster

import (
	"fmt"
	"sort"

	"github.com/cpike5/agentport/internal/domain"
)

// RoleSpec is a single role definition as loaded from configuration.
type RoleSpec struct {
	Role         string   `yaml:"role"`
	WorkerKind   string   `yaml:"worker_kind"`
	Dependencies []string `yaml:"dependencies"`

	// TimeoutSeconds sets the deadline the supervisor records in timeout_at
	// when this role starts running. Zero means "use the default." It does
	// not change the heartbeat health threshold, which comes from
	// role_timeout.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Roster is the static list of roles for one project run.
type Roster struct {
	Roles []RoleSpec
}

// ByRole returns a map keyed by the normalized role name for O(1) lookup.
func (r Roster) ByRole() map[string]RoleSpec {
	out := make(map[string]RoleSpec, len(r.Roles))
	for _, rs := range r.Roles {
		out[domain.NormalizeRole(rs.Role)] = rs
	}
	return out
}

// ValidationResult is the aggregate outcome of Validate (spec 4.2).
type ValidationResult struct {
	Errors   []string
	Warnings []string
}

// OK reports whether the roster may be used to start the supervisor
// (spec 4.2: "If any error is present the supervisor MUST refuse to start.").
func (v ValidationResult) OK() bool { return len(v.Errors) == 0 }

const (
	colorWhite = 0 // unvisited
	colorGray  = 1 // in-progress
	colorBlack = 2 // done
)

// Validate runs the two startup checks from spec 4.2: missing references and
// cycles (three-color DFS), returning an aggregate {errors[], warnings[]}.
func Validate(r Roster) ValidationResult {
	var result ValidationResult

	byRole := r.ByRole()

	// 1. Missing references: every role in any dependencies list must be defined.
	for _, rs := range r.Roles {
		for _, dep := range rs.Dependencies {
			if _, ok := byRole[domain.NormalizeRole(dep)]; !ok {
				result.Errors = append(result.Errors, fmt.Sprintf(
					"role %q depends on undefined role %q", rs.Role, dep))
			}
		}
	}

	// 2. Cycles: three-color DFS over the dependency graph. Deterministic
	// ordering (sorted role names) keeps the reported cycle stable across
	// runs for the same roster, per spec 8's "Dependency validation is
	// deterministic" property.
	color := make(map[string]int, len(r.Roles))
	var stack []string
	roleNames := make([]string, 0, len(r.Roles))
	for _, rs := range r.Roles {
		roleNames = append(roleNames, rs.Role)
	}
	sort.Strings(roleNames)

	var visit func(role string) []string
	visit = func(role string) []string {
		norm := domain.NormalizeRole(role)
		switch color[norm] {
		case colorBlack:
			return nil
		case colorGray:
			// Back-edge found: reconstruct the path from the recursion
			// stack starting at the cycle origin (spec 4.2).
			start := 0
			for i, s := range stack {
				if domain.NormalizeRole(s) == norm {
					start = i
					break
				}
			}
			cycle := append([]string{}, stack[start:]...)
			cycle = append(cycle, role)
			return cycle
		}
		color[norm] = colorGray
		stack = append(stack, role)

		spec, ok := byRole[norm]
		if ok {
			deps := append([]string{}, spec.Dependencies...)
			sort.Strings(deps)
			for _, dep := range deps {
				if _, defined := byRole[domain.NormalizeRole(dep)]; !defined {
					continue // already reported as a missing reference
				}
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[norm] = colorBlack
		return nil
	}

	seen := make(map[string]bool)
	for _, role := range roleNames {
		norm := domain.NormalizeRole(role)
		if seen[norm] {
			continue
		}
		if cycle := visit(role); cycle != nil {
			result.Errors = append(result.Errors, fmt.Sprintf(
				"Circular dependency detected: %s", joinArrows(cycle)))
		}
		for r := range color {
			seen[r] = true
		}
	}

	return result
}

func joinArrows(roles []string) string {
	out := roles[0]
	for _, r := range roles[1:] {
		out += " -> " + r
	}
	return out
}
