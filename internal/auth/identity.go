package auth

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Role is the caller's platform role.
type Role string

const (
	RoleIssuer   Role = "ISSUER"
	RoleInvestor Role = "INVESTOR"
	RoleAdmin    Role = "ADMIN"
)

// Identity is what the session layer vouches for. The engine trusts it
// without re-verifying wallet signatures.
type Identity struct {
	UserID  uuid.UUID `json:"user_id"`
	Address string    `json:"wallet_address"`
	Role    Role      `json:"role"`
}

func (i Identity) IsAdmin() bool  { return i.Role == RoleAdmin }
func (i Identity) IsIssuer() bool { return i.Role == RoleIssuer }

const identityKey = "identity"

// SetIdentity stores id on the request context.
func SetIdentity(c *gin.Context, id Identity) {
	c.Set(identityKey, id)
}

// FromContext returns the authenticated caller, if any.
func FromContext(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}
