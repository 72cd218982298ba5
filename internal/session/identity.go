// Package session carries the signed-in user and resolves their
// messaging role from account preferences.
package session

import (
	"strings"

	"github.com/ndolo/messenger/internal/model"
)

// User is the authenticated account as the auth layer hands it to us.
// Prefs holds free-form account preferences ("userType",
// "hasEscortProfile" and the like).
type User struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Email  string            `json:"email"`
	Labels []string          `json:"labels"`
	Prefs  map[string]string `json:"prefs"`
}

// Identity exposes the current signed-in user, or nil when signed out.
type Identity interface {
	CurrentUser() *User
}

// Static is an Identity pinned to one user. Used by the agent service
// and in tests.
type Static struct {
	User *User
}

func (s *Static) CurrentUser() *User { return s.User }

// RoleOf resolves the messaging role of a user. Support is recognised
// by account ID or the support mailbox; escorts by the userType pref
// or a linked escort profile; everyone else is a client.
func RoleOf(u *User, supportUserID string) model.Role {
	if u == nil {
		return model.RoleClient
	}
	if supportUserID != "" && u.ID == supportUserID {
		return model.RoleSupport
	}
	if strings.EqualFold(u.Email, "support@ndolo.de") {
		return model.RoleSupport
	}
	for _, l := range u.Labels {
		if strings.EqualFold(l, "support") {
			return model.RoleSupport
		}
	}
	if strings.EqualFold(u.Prefs["userType"], "escort") {
		return model.RoleEscort
	}
	if strings.EqualFold(u.Prefs["hasEscortProfile"], "true") {
		return model.RoleEscort
	}
	return model.RoleClient
}
