// Package rbac enforces the role model for the HTTP API. Roles are
// hierarchical: admin inherits coordinator, coordinator inherits viewer.
package rbac

import (
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

const (
	RoleAdmin       = "admin"
	RoleCoordinator = "coordinator"
	RoleViewer      = "viewer"
)

const (
	PermIncidentsRead  = "incidents:read"
	PermIncidentsWrite = "incidents:write"
	PermPoliciesRead   = "policies:read"
	PermPoliciesWrite  = "policies:write"
	PermViewsRead      = "views:read"
	PermRunsRead       = "runs:read"
)

const modelText = `
[request_definition]
r = sub, obj

[policy_definition]
p = sub, obj

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.obj == p.obj
`

type Enforcer struct {
	e *casbin.Enforcer
}

func NewEnforcer() (*Enforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, err
	}
	rules := [][2]string{
		{RoleViewer, PermIncidentsRead},
		{RoleViewer, PermPoliciesRead},
		{RoleViewer, PermViewsRead},
		{RoleCoordinator, PermIncidentsWrite},
		{RoleCoordinator, PermRunsRead},
		{RoleAdmin, PermPoliciesWrite},
	}
	for _, r := range rules {
		if _, err := e.AddPolicy(r[0], r[1]); err != nil {
			return nil, err
		}
	}
	links := [][2]string{
		{RoleAdmin, RoleCoordinator},
		{RoleCoordinator, RoleViewer},
	}
	for _, l := range links {
		if _, err := e.AddGroupingPolicy(l[0], l[1]); err != nil {
			return nil, err
		}
	}
	return &Enforcer{e: e}, nil
}

// Allow reports whether the role carries the permission, directly or via
// role inheritance. Unknown roles are denied.
func (e *Enforcer) Allow(role, permission string) bool {
	if e == nil || e.e == nil {
		return false
	}
	ok, err := e.e.Enforce(role, permission)
	return err == nil && ok
}
