package plan

// AuthDecision is the planner-facing shape of an authorization verdict —
// structurally identical to core/authz.Decision but declared locally so this
// package never imports core/authz (authz imports plan for its predicate
// Exp type; the dependency only runs one way). The engine wiring layer
// converts an authz.Decision to this shape at the call site.
type AuthDecision struct {
	Allowed   bool
	Reason    string
	Mask      map[string]bool
	Predicate *Exp
}

// AuthorizeFunc lets the planner re-authorize a nested entity against its
// own permissions as it descends into a relationship — a child subquery
// runs authorization against the child entity, not the parent — without
// this package importing the authorization resolver directly.
type AuthorizeFunc func(entity string, action string, requestedColumns []string) AuthDecision
