package roster

import (
	"strings"

	"github.com/casbin/casbin/v2/rbac"
	defaultrolemanager "github.com/casbin/casbin/v2/rbac/default-role-manager"
)

const maxRoleDepth = 10

// RoleResolver answers whether a set of held roles satisfies a wanted role,
// following configured inheritance (manager: [operator] lets managers act as operators).
type RoleResolver struct {
	rm rbac.RoleManager
}

func NewRoleResolver(inherits map[string][]string) (*RoleResolver, error) {
	rm := defaultrolemanager.NewRoleManager(maxRoleDepth)
	for role, children := range inherits {
		parent := normRole(role)
		if parent == "" {
			continue
		}
		for _, child := range children {
			if c := normRole(child); c != "" && c != parent {
				if err := rm.AddLink(parent, c); err != nil {
					return nil, err
				}
			}
		}
	}
	return &RoleResolver{rm: rm}, nil
}

// Satisfies reports whether any held role equals or inherits wanted.
func (r *RoleResolver) Satisfies(held []string, wanted string) bool {
	want := normRole(wanted)
	if want == "" {
		return false
	}
	for _, h := range held {
		role := normRole(h)
		if role == want {
			return true
		}
		if r == nil || r.rm == nil {
			continue
		}
		if ok, err := r.rm.HasLink(role, want); err == nil && ok {
			return true
		}
	}
	return false
}

func normRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
