package policy

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Role is the role tag supplied by the authentication collaborator.
type Role string

const (
	// RoleSuperadmin is the most privileged role and has the shortest timeout.
	RoleSuperadmin Role = "superadmin"
	// RoleAdmin is an organization administrator.
	RoleAdmin Role = "admin"
	// RoleUser is a regular user and the fallback profile.
	RoleUser Role = "user"
)

// DefaultMaxSessionDuration is the absolute session ceiling.
const DefaultMaxSessionDuration = 8 * time.Hour

// Profile is the timeout profile applied to a session.
type Profile struct {
	// InactivityTime is how long a session may stay idle before forced logout.
	InactivityTime time.Duration
	// WarningLead is the tail of InactivityTime during which a countdown is shown.
	WarningLead time.Duration
}

// IdleAfter is the idle period after which the warning countdown starts.
func (p Profile) IdleAfter() time.Duration {
	d := p.InactivityTime - p.WarningLead
	if d < 0 {
		return 0
	}
	return d
}

// Validate checks 0 < WarningLead < InactivityTime.
func (p Profile) Validate() error {
	if p.InactivityTime <= 0 {
		return fmt.Errorf("%w: inactivity time must be positive", ErrConfig)
	}
	if p.WarningLead <= 0 || p.WarningLead >= p.InactivityTime {
		return fmt.Errorf("%w: warning lead must be in (0, %s)", ErrConfig, p.InactivityTime)
	}
	return nil
}

// Table maps roles to profiles. The zero value is not usable; build one with
// DefaultTable or NewTable.
type Table struct {
	profiles    map[Role]Profile
	fallback    Role
	maxDuration time.Duration
}

// DefaultTable returns the built-in profile set:
// superadmin 15m/2m, admin 20m/2m, user 30m/2m, fallback user, ceiling 8h.
func DefaultTable() *Table {
	t, _ := NewTable(map[Role]Profile{
		RoleSuperadmin: {InactivityTime: 15 * time.Minute, WarningLead: 2 * time.Minute},
		RoleAdmin:      {InactivityTime: 20 * time.Minute, WarningLead: 2 * time.Minute},
		RoleUser:       {InactivityTime: 30 * time.Minute, WarningLead: 2 * time.Minute},
	}, RoleUser, DefaultMaxSessionDuration)
	return t
}

// NewTable validates and copies profiles into an immutable Table.
// fallback must be present in profiles.
func NewTable(profiles map[Role]Profile, fallback Role, maxDuration time.Duration) (*Table, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("%w: no profiles", ErrConfig)
	}
	if maxDuration <= 0 {
		return nil, fmt.Errorf("%w: max session duration must be positive", ErrConfig)
	}

	cp := make(map[Role]Profile, len(profiles))
	for role, p := range profiles {
		r := NormalizeRole(string(role))
		if r == "" {
			return nil, fmt.Errorf("%w: empty role", ErrConfig)
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("role %q: %w", r, err)
		}
		if p.InactivityTime > maxDuration {
			return nil, fmt.Errorf("%w: role %q inactivity exceeds max session duration", ErrConfig, r)
		}
		cp[r] = p
	}

	fallback = NormalizeRole(string(fallback))
	if _, ok := cp[fallback]; !ok {
		return nil, fmt.Errorf("%w: fallback role %q has no profile", ErrConfig, fallback)
	}

	return &Table{profiles: cp, fallback: fallback, maxDuration: maxDuration}, nil
}

// NormalizeRole lower-cases and trims a role tag.
func NormalizeRole(s string) Role {
	return Role(strings.ToLower(strings.TrimSpace(s)))
}

// Resolve returns the profile for role, or the fallback profile for unknown roles.
func (t *Table) Resolve(role Role) Profile {
	if p, ok := t.profiles[NormalizeRole(string(role))]; ok {
		return p
	}
	return t.profiles[t.fallback]
}

// Known reports whether role has its own profile.
func (t *Table) Known(role Role) bool {
	_, ok := t.profiles[NormalizeRole(string(role))]
	return ok
}

// Fallback returns the role used for unknown roles.
func (t *Table) Fallback() Role { return t.fallback }

// MaxSessionDuration returns the absolute session ceiling.
func (t *Table) MaxSessionDuration() time.Duration { return t.maxDuration }

// MinInactivity returns the shortest inactivity time across all roles.
// Any session idle for less than this cannot be stale under any profile.
func (t *Table) MinInactivity() time.Duration {
	var shortest time.Duration
	for _, p := range t.profiles {
		if shortest == 0 || p.InactivityTime < shortest {
			shortest = p.InactivityTime
		}
	}
	return shortest
}

// Roles returns the configured roles in sorted order.
func (t *Table) Roles() []Role {
	out := make([]Role, 0, len(t.profiles))
	for r := range t.profiles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
