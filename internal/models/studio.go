package models

import (
	"time"

	"github.com/google/uuid"
)

// Studio is a named session template owned by a user. Managed outside this service; read-only here.
type Studio struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	OwnerID    uuid.UUID `json:"owner_id"`
	InviteCode string    `json:"invite_code"`
	CreatedAt  time.Time `json:"created_at"`
}

// IsOwner reports whether identity is the studio owner. Empty identities (guests) never are.
func (s *Studio) IsOwner(identity string) bool {
	if identity == "" {
		return false
	}
	id, err := uuid.Parse(identity)
	if err != nil {
		return false
	}
	return id == s.OwnerID
}
