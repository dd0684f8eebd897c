package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Claims is the session token payload issued by the wallet login flow.
type Claims struct {
	UserID        string `json:"user_id"`
	WalletAddress string `json:"wallet_address"`
	Role          string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 session tokens.
type Verifier struct {
	secret     []byte
	cookieName string
	logger     *zap.Logger
}

// NewVerifier creates a verifier for tokens signed with secret, read from
// cookieName or a bearer Authorization header.
func NewVerifier(secret, cookieName string, logger *zap.Logger) *Verifier {
	return &Verifier{secret: []byte(secret), cookieName: cookieName, logger: logger}
}

// Issue signs a session token. Used by tests and local tooling.
func (v *Verifier) Issue(id Identity, ttl time.Duration) (string, error) {
	claims := Claims{
		UserID:        id.UserID.String(),
		WalletAddress: id.Address,
		Role:          string(id.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Parse validates a token and returns the identity it carries.
func (v *Verifier) Parse(token string) (Identity, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, fmt.Errorf("invalid session token: %w", err)
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return Identity{}, errors.New("invalid session token: malformed user_id")
	}
	role := Role(strings.ToUpper(claims.Role))
	switch role {
	case RoleIssuer, RoleInvestor, RoleAdmin:
	default:
		return Identity{}, fmt.Errorf("invalid session token: unknown role %q", claims.Role)
	}

	return Identity{UserID: userID, Address: claims.WalletAddress, Role: role}, nil
}

// Middleware rejects requests without a valid session.
func (v *Verifier) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := v.tokenFrom(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		id, err := v.Parse(token)
		if err != nil {
			v.logger.Debug("Rejected session token", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired session"})
			return
		}

		SetIdentity(c, id)
		c.Next()
	}
}

func (v *Verifier) tokenFrom(c *gin.Context) string {
	if cookie, err := c.Cookie(v.cookieName); err == nil && cookie != "" {
		return cookie
	}
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// RequireRole lets through only callers holding one of roles.
func RequireRole(roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := FromContext(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		for _, r := range roles {
			if id.Role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
	}
}
