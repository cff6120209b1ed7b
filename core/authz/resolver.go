// Package authz maps (principal, entity, action) to a permission verdict,
// against the per-entity Permission{role, actions[]} config model.
package authz

import (
	"github.com/databridge/dataapi/conf"
	"github.com/databridge/dataapi/core"
	"github.com/databridge/dataapi/core/plan"
)

// Decision is the outcome of Authorize. A Deny decision carries only Reason;
// callers must check Allowed before reading Mask/Predicate — an explicit
// Result-style return in place of exception-for-control-flow.
type Decision struct {
	Allowed   bool
	Reason    string
	Mask      map[string]bool
	Predicate *plan.Exp
}

// Resolver evaluates permissions against a single RuntimeConfig snapshot.
// Stateless beyond that snapshot reference — safe to share across requests.
type Resolver struct {
	rc *conf.RuntimeConfig
}

func New(rc *conf.RuntimeConfig) *Resolver {
	return &Resolver{rc: rc}
}

// Authorize resolves a permission verdict in five steps: entity lookup,
// role match, action match, column mask, then row predicate. Stored
// procedure entities never receive a row predicate — the procedure body
// is opaque to the gateway.
func (r *Resolver) Authorize(principal core.Principal, entityName string, action conf.ActionName, requestedColumns, allColumns []string) Decision {
	entity, ok := r.rc.Entities[entityName]
	if !ok {
		return Decision{Reason: "entity not found"}
	}

	perm, ok := findPermission(entity, principal.Role)
	if !ok {
		return Decision{Reason: "role not permitted"}
	}

	act, ok := perm.FindAction(action)
	if !ok {
		return Decision{Reason: "action not permitted"}
	}

	effective := act.Fields.EffectiveColumns(allColumns)
	for _, c := range requestedColumns {
		if !effective[c] {
			return Decision{Reason: "field not permitted: " + c}
		}
	}

	var predicate *plan.Exp
	if act.Policy != nil && act.Policy.Database != "" && entity.Source.Type != conf.SourceStoredProcedure {
		ex, err := CompilePolicy(act.Policy.Database, principal.Claims)
		if err != nil {
			return Decision{Reason: "malformed policy: " + err.Error()}
		}
		predicate = ex
	}

	return Decision{Allowed: true, Mask: effective, Predicate: predicate}
}

func findPermission(e *conf.Entity, role string) (*conf.Permission, bool) {
	for i := range e.Permissions {
		if e.Permissions[i].Role == role {
			return &e.Permissions[i], true
		}
	}
	return nil, false
}

// ToError translates a Deny decision into the gateway's AuthorizationFailed
// taxonomy entry, done at the one outer boundary rather than by throwing
// at evaluation time.
func (d Decision) ToError(entity string) error {
	return &core.GatewayError{Kind: core.AuthorizationFailed, Message: d.Reason, Entity: entity}
}
