package storage

import (
	"sort"

	"github.com/samber/lo"
)

// Permissions used by connectors when mapping native ACLs.
const (
	PermissionRead        = "READ"
	PermissionWrite       = "WRITE"
	PermissionReadAcp     = "READ_ACP"
	PermissionWriteAcp    = "WRITE_ACP"
	PermissionFullControl = "FULL_CONTROL"
)

// ObjectAcl is the owner of an object plus permission grants for users and groups.
// Permission sets are kept sorted and unique, so two ACLs with the same grants are structurally equal.
type ObjectAcl struct {
	Owner       string              `json:"owner,omitempty"`
	UserGrants  map[string][]string `json:"user_grants,omitempty"`
	GroupGrants map[string][]string `json:"group_grants,omitempty"`
}

// AddUserGrant add permission for user.
func (a *ObjectAcl) AddUserGrant(user, permission string) {
	if a.UserGrants == nil {
		a.UserGrants = make(map[string][]string)
	}
	a.UserGrants[user] = addPermission(a.UserGrants[user], permission)
}

// AddGroupGrant add permission for group.
func (a *ObjectAcl) AddGroupGrant(group, permission string) {
	if a.GroupGrants == nil {
		a.GroupGrants = make(map[string][]string)
	}
	a.GroupGrants[group] = addPermission(a.GroupGrants[group], permission)
}

// Equal compares owner and grants.
func (a *ObjectAcl) Equal(b *ObjectAcl) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Owner == b.Owner && grantsEqual(a.UserGrants, b.UserGrants) && grantsEqual(a.GroupGrants, b.GroupGrants)
}

// Clone return deep copy of ACL.
func (a *ObjectAcl) Clone() *ObjectAcl {
	if a == nil {
		return nil
	}
	c := &ObjectAcl{Owner: a.Owner}
	for user, perms := range a.UserGrants {
		for _, p := range perms {
			c.AddUserGrant(user, p)
		}
	}
	for group, perms := range a.GroupGrants {
		for _, p := range perms {
			c.AddGroupGrant(group, p)
		}
	}
	return c
}

func addPermission(perms []string, permission string) []string {
	if lo.Contains(perms, permission) {
		return perms
	}
	perms = append(perms, permission)
	sort.Strings(perms)
	return perms
}

func grantsEqual(a, b map[string][]string) bool {
	// a grantee with no permissions is the same as no grantee
	a = lo.PickBy(a, func(_ string, v []string) bool { return len(v) > 0 })
	b = lo.PickBy(b, func(_ string, v []string) bool { return len(v) > 0 })
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
	}
	return true
}
