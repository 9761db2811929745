package domain

import (
	"fmt"
	"strings"
)

// Role is an account's workspace role. Roles are ordered by privilege.
type Role uint8

// Account roles, least privileged first.
const (
	RoleReadOnlyGuest Role = iota + 1
	RoleDocGuest
	RoleGuest
	RoleUser
	RoleMaintainer
	RoleOwner
)

var roleNames = map[Role]string{
	RoleReadOnlyGuest: "READONLYGUEST",
	RoleDocGuest:      "DOCGUEST",
	RoleGuest:         "GUEST",
	RoleUser:          "USER",
	RoleMaintainer:    "MAINTAINER",
	RoleOwner:         "OWNER",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Role(%d)", uint8(r))
}

// ParseRole parses a role name case-insensitively.
func ParseRole(s string) (Role, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for r, name := range roleNames {
		if name == want {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// MarshalText encodes the role name.
func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText decodes a role name.
func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// AccountSystem is the account of server-originated transactions.
const AccountSystem Ref = "core:account:System"

// Account identifies the author of a pipeline call.
type Account struct {
	UUID     Ref  `json:"uuid"`
	Role     Role `json:"role"`
	SocialID Ref  `json:"socialId,omitempty"`
}

// SystemAccount is used for server-side work: triggers, presence, seeds.
var SystemAccount = Account{UUID: AccountSystem, Role: RoleOwner, SocialID: AccountSystem}

// IsSystem reports whether a is the system account.
func (a Account) IsSystem() bool { return a.UUID == AccountSystem }

// PrimarySocialID returns the id transactions are attributed to.
func (a Account) PrimarySocialID() Ref {
	if a.SocialID != "" {
		return a.SocialID
	}
	return a.UUID
}

// IsGuest reports whether the role is below User.
func (r Role) IsGuest() bool { return r < RoleUser }
