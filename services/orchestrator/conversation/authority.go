// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation implements the query-time orchestration core: the
// turn state machine, identity short-circuits, authorization filtering,
// retrieval plumbing, and the builtin/external answer tails.
package conversation

import (
	"context"

	"github.com/relatia-ai/relatia/services/orchestrator/datatypes"
)

// =============================================================================
// Roles and Authority
// =============================================================================

// Role is the caller's access level. Admin bypasses all CRM filtering.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// IDSet is a set of CRM record identifiers.
type IDSet map[string]struct{}

// NewIDSet builds an IDSet from its members.
func NewIDSet(ids ...string) IDSet {
	set := make(IDSet, len(ids))
	for _, id := range ids {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	return set
}

// Contains reports membership. Empty ids never match.
func (s IDSet) Contains(id string) bool {
	if id == "" {
		return false
	}
	_, ok := s[id]
	return ok
}

// Authority scopes which CRM-tagged knowledge is visible to one caller.
//
// # Description
//
// Authority maps each CRM type to the set of record ids the caller may
// see. It is resolved fresh for every turn and never cached across
// requests. Role admin bypasses filtering entirely; a non-admin Authority
// with no grants means zero access to CRM data.
//
// # Thread Safety
//
// Authority is read-only after resolution and safe to share within a turn.
type Authority struct {
	Role            Role
	AuthorizedItems map[datatypes.CRMType]IDSet
}

// EmptyAuthority returns a user-role authority with no grants. This is the
// fail-closed value used whenever resolution fails.
func EmptyAuthority() Authority {
	return Authority{Role: RoleUser, AuthorizedItems: map[datatypes.CRMType]IDSet{}}
}

// AdminAuthority returns an authority that bypasses all filtering.
func AdminAuthority() Authority {
	return Authority{Role: RoleAdmin, AuthorizedItems: map[datatypes.CRMType]IDSet{}}
}

// IsAdmin reports whether the caller bypasses filtering.
func (a Authority) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// IsEmpty reports whether the caller holds no grants at all. For non-admin
// callers this means zero access to CRM-tagged knowledge, and filters
// short-circuit to empty output without per-item checks.
func (a Authority) IsEmpty() bool {
	for _, ids := range a.AuthorizedItems {
		if len(ids) > 0 {
			return false
		}
	}
	return true
}

// IsAuthorized reports whether one (type, id) grant is present.
func (a Authority) IsAuthorized(crmType datatypes.CRMType, id string) bool {
	if a.IsAdmin() {
		return true
	}
	return a.AuthorizedItems[crmType].Contains(id)
}

// Grant adds one record id to the allow set for a type. Used by resolvers
// and tests; filtering itself never mutates an Authority.
func (a *Authority) Grant(crmType datatypes.CRMType, id string) {
	if id == "" {
		return
	}
	if a.AuthorizedItems == nil {
		a.AuthorizedItems = map[datatypes.CRMType]IDSet{}
	}
	set, ok := a.AuthorizedItems[crmType]
	if !ok {
		set = IDSet{}
		a.AuthorizedItems[crmType] = set
	}
	set[id] = struct{}{}
}

// =============================================================================
// Resolver Contract
// =============================================================================

// AuthorityResolver maps a caller identity to its Authority.
//
// Implementations must fail closed: any resolution error yields
// EmptyAuthority rather than an error, so a broken authority backend can
// never widen access.
type AuthorityResolver interface {
	Resolve(ctx context.Context, identity datatypes.CallerIdentity) Authority
}

// StaticResolver resolves every caller to a fixed Authority. Admin callers
// are recognized by role. Useful for tests and single-tenant deployments.
type StaticResolver struct {
	Authority Authority
}

func (r StaticResolver) Resolve(_ context.Context, identity datatypes.CallerIdentity) Authority {
	if Role(identity.Role) == RoleAdmin {
		return AdminAuthority()
	}
	if identity.Anonymous() {
		return EmptyAuthority()
	}
	return r.Authority
}

var _ AuthorityResolver = StaticResolver{}
