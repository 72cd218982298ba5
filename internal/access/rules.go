// Package access implements the directional conversation rules between
// clients, escorts, and support. Escorts must not cold-message clients; once
// a client opens a channel the escort may respond freely. Support is
// unrestricted in both directions.
package access

import (
	"errors"

	"github.com/ndolo/messenger/internal/model"
)

var (
	// ErrEscortInitiate is returned when an escort attempts to open a
	// conversation with a client.
	ErrEscortInitiate = errors.New("escorts can only reply to messages from clients, not initiate conversations")
	// ErrSameRole is returned for client-client and escort-escort pairs.
	ErrSameRole = errors.New("conversations between users of the same role are not allowed")
	// ErrInitiateForbidden covers any remaining forbidden pair.
	ErrInitiateForbidden = errors.New("you do not have permission to start this conversation")
	// ErrReplyForbidden is returned when a non-participant tries to post
	// into an existing conversation.
	ErrReplyForbidden = errors.New("you do not have permission to reply to this conversation")
)

// CanInitiate reports whether initiator may open a new conversation with
// target, per the rule table:
//
//	client  -> escort   yes
//	escort  -> client   no
//	anyone <-> support  yes
//	same role           no
func CanInitiate(initiator, target model.Role) bool {
	if initiator == model.RoleSupport || target == model.RoleSupport {
		return true
	}
	if initiator == model.RoleClient && target == model.RoleEscort {
		return true
	}
	return false
}

// InitiateError returns the role-specific error for a forbidden pair, so the
// caller can surface a descriptive message instead of a generic "forbidden".
// Returns nil when initiation is allowed.
func InitiateError(initiator, target model.Role) error {
	if CanInitiate(initiator, target) {
		return nil
	}
	if initiator == model.RoleEscort && target == model.RoleClient {
		return ErrEscortInitiate
	}
	if initiator == target {
		return ErrSameRole
	}
	return ErrInitiateForbidden
}

// CanReply reports whether userID may post into an existing conversation.
// Any participant may reply regardless of role: the conversation existing at
// all proves the initiation rule held at creation time.
func CanReply(conv *model.Conversation, userID string) bool {
	return conv != nil && conv.HasParticipant(userID)
}

// Restrictions describes what a role may do, for display purposes.
type Restrictions struct {
	CanInitiate []model.Role
	CanReplyTo  []model.Role
	Description string
}

// RestrictionsFor returns the restriction summary for a role.
func RestrictionsFor(role model.Role) Restrictions {
	switch role {
	case model.RoleEscort:
		return Restrictions{
			CanInitiate: []model.Role{model.RoleSupport},
			CanReplyTo:  []model.Role{model.RoleClient, model.RoleSupport},
			Description: "Escorts can only reply to client messages, but can contact support",
		}
	case model.RoleSupport:
		return Restrictions{
			CanInitiate: []model.Role{model.RoleClient, model.RoleEscort},
			CanReplyTo:  []model.Role{model.RoleClient, model.RoleEscort},
			Description: "Support can message anyone",
		}
	default:
		return Restrictions{
			CanInitiate: []model.Role{model.RoleEscort, model.RoleSupport},
			CanReplyTo:  []model.Role{model.RoleEscort, model.RoleSupport},
			Description: "Clients can message escorts and support",
		}
	}
}
