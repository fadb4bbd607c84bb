// Package authz decides whether a principal may act on a tenant-scoped object.
//
// Requests are evaluated as (role, scope, object, action) where scope is "own"
// when the target organization is the caller's and "other" otherwise. Only
// policies with scope "*" reach across tenants.
package authz

import (
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"github.com/google/uuid"

	"github.com/aiox-platform/aigov/internal/auth"
	"github.com/aiox-platform/aigov/internal/governance/errs"
)

// Objects.
const (
	ObjQuota      = "quota"
	ObjOverride   = "override"
	ObjTemplate   = "template"
	ObjDecision   = "decision"
	ObjUsage      = "usage"
	ObjReport     = "report"
	ObjKillSwitch = "killswitch"
	ObjAudit      = "audit"
)

// Actions.
const (
	ActRead    = "read"
	ActWrite   = "write"
	ActApprove = "approve"
	ActApply   = "apply"
	ActExport  = "export"
)

const (
	scopeOwn   = "own"
	scopeOther = "other"
)

const modelText = `
[request_definition]
r = sub, scope, obj, act

[policy_definition]
p = sub, scope, obj, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && (p.scope == "*" || r.scope == p.scope) && r.obj == p.obj && (p.act == "*" || r.act == p.act)
`

// DefaultPolicies grant members read access to their own tenant, admins
// management of their own tenant and super admins everything.
var DefaultPolicies = [][]string{
	{auth.RoleMember, scopeOwn, ObjQuota, ActRead},
	{auth.RoleMember, scopeOwn, ObjUsage, ActRead},
	{auth.RoleMember, scopeOwn, ObjDecision, ActRead},
	{auth.RoleMember, scopeOwn, ObjDecision, ActApply},

	{auth.RoleAdmin, scopeOwn, ObjQuota, "*"},
	{auth.RoleAdmin, scopeOwn, ObjOverride, "*"},
	{auth.RoleAdmin, scopeOwn, ObjDecision, "*"},
	{auth.RoleAdmin, scopeOwn, ObjUsage, "*"},
	{auth.RoleAdmin, scopeOwn, ObjReport, ActRead},
	{auth.RoleAdmin, scopeOwn, ObjAudit, ActRead},
	{auth.RoleAdmin, scopeOwn, ObjTemplate, ActRead},
	{auth.RoleAdmin, scopeOwn, ObjKillSwitch, ActRead},

	{auth.RoleSuperAdmin, "*", ObjQuota, "*"},
	{auth.RoleSuperAdmin, "*", ObjOverride, "*"},
	{auth.RoleSuperAdmin, "*", ObjTemplate, "*"},
	{auth.RoleSuperAdmin, "*", ObjDecision, "*"},
	{auth.RoleSuperAdmin, "*", ObjUsage, "*"},
	{auth.RoleSuperAdmin, "*", ObjReport, "*"},
	{auth.RoleSuperAdmin, "*", ObjKillSwitch, "*"},
	{auth.RoleSuperAdmin, "*", ObjAudit, "*"},
}

type Authorizer struct {
	enforcer *casbin.Enforcer
}

// New builds an Authorizer loaded with policies.
func New(policies [][]string) (*Authorizer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, fmt.Errorf("authz: parsing model: %w", err)
	}
	enforcer, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("authz: creating enforcer: %w", err)
	}
	if len(policies) > 0 {
		if _, err := enforcer.AddPolicies(policies); err != nil {
			return nil, fmt.Errorf("authz: loading policies: %w", err)
		}
	}
	return &Authorizer{enforcer: enforcer}, nil
}

// NewDefault builds an Authorizer with DefaultPolicies.
func NewDefault() (*Authorizer, error) {
	return New(DefaultPolicies)
}

// Authorize returns errs.ErrUnauthorized unless p may perform act on obj in orgID.
// A nil orgID denotes a cross-tenant target.
func (a *Authorizer) Authorize(p auth.Principal, orgID uuid.UUID, obj, act string) error {
	scope := scopeOther
	if orgID != uuid.Nil && orgID == p.OrganizationID {
		scope = scopeOwn
	}
	ok, err := a.enforcer.Enforce(p.Role, scope, obj, act)
	if err != nil {
		return fmt.Errorf("authz: enforcing: %w", err)
	}
	if !ok {
		return errs.Unauthorized("%s may not %s %s", p.Role, act, obj)
	}
	return nil
}

// AuthorizeGlobal checks an action with no tenant target, such as the kill switch.
func (a *Authorizer) AuthorizeGlobal(p auth.Principal, obj, act string) error {
	return a.Authorize(p, uuid.Nil, obj, act)
}
