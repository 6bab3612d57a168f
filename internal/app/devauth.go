package app

import (
	"fmt"
	"strings"

	"github.com/frowell/flowforge/internal/tenant"
)

// DevTokenVerifier treats the bearer token as "tenantID:userID:role1,role2"
// with no signature check at all. It satisfies api.TokenVerifier but must
// never run with development=false (spec.md §6 "Dev bypass is permitted
// only when an explicit development flag is set and must be refused
// otherwise"); config.Validate already refuses to start with Development
// true in a production Env, so this is the second, defense-in-depth gate.
func DevTokenVerifier(token string, development bool) (tenant.Identity, error) {
	if !development {
		return tenant.Identity{}, fmt.Errorf("dev token verifier used outside development mode")
	}

	parts := strings.SplitN(token, ":", 3)
	if len(parts) == 0 || parts[0] == "" {
		return tenant.Identity{}, fmt.Errorf("dev token: missing tenant id")
	}

	id := tenant.Identity{Tenant: tenant.ID(parts[0])}
	if len(parts) > 1 {
		id.User = tenant.UserID(parts[1])
	}
	if len(parts) > 2 && parts[2] != "" {
		id.Roles = strings.Split(parts[2], ",")
	}
	return id, nil
}
