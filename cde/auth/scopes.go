package auth

import (
	"fmt"
	"net/http"
	"slices"

	"octopus/utils"
)

// Capability scopes carried by access tokens. Roles gate which resource a
// caller can touch, scopes gate which capability the credential grants.
const (
	ScopeRead  = "read"
	ScopeWrite = "write"
)

func HasScope(principal Principal, scope string) bool {
	if principal.Scopes == nil {
		return true
	}
	return slices.Contains(principal.Scopes, scope)
}

func HasAnyScope(principal Principal, scopes ...string) bool {
	if principal.Scopes == nil {
		return true
	}
	for _, scope := range scopes {
		if slices.Contains(principal.Scopes, scope) {
			return true
		}
	}
	return false
}

func HasAllScopes(principal Principal, scopes ...string) bool {
	if principal.Scopes == nil {
		return true
	}
	for _, scope := range scopes {
		if !slices.Contains(principal.Scopes, scope) {
			return false
		}
	}
	return true
}

func RequireAnyScope(principal Principal, scopes ...string) error {
	if !HasAnyScope(principal, scopes...) {
		return fmt.Errorf("credential is missing required scope, needs one of %v", scopes)
	}
	return nil
}

func RequireAllScopes(principal Principal, scopes ...string) error {
	if !HasAllScopes(principal, scopes...) {
		return fmt.Errorf("credential is missing required scope, needs all of %v", scopes)
	}
	return nil
}

// ScopedAccess enforces capability scopes across a subtree: read scope for
// GET and HEAD, write scope for everything else. Session principals carry no
// scope restriction and pass through.
func ScopedAccess() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hfn := func(w http.ResponseWriter, r *http.Request) {
			principal, err := PrincipalFromContext(r)
			if err != nil {
				utils.WriteErrorJson(w, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}

			scope := ScopeWrite
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				scope = ScopeRead
			}

			if !HasScope(principal, scope) {
				utils.WriteErrorJson(w, http.StatusForbidden, "forbidden", fmt.Sprintf("access token is missing required scope %v", scope))
				return
			}

			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(hfn)
	}
}
