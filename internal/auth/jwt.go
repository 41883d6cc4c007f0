package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sebastjanm/crochet-tracker-sub001/internal/model"
)

// Claims are the access token claims. The layout follows the hosted auth
// service: the user id is the subject and Role is the database role
// ("authenticated"); the app role travels in UserRole.
type Claims struct {
	Email        string         `json:"email"`
	Role         string         `json:"role,omitempty"`
	UserRole     string         `json:"user_role,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	jwt.RegisteredClaims
}

// Token lifetimes.
const (
	TokenExpiry        = time.Hour
	RefreshTokenExpiry = 30 * 24 * time.Hour
)

// DatabaseRole is the role claim of every signed-in user.
const DatabaseRole = "authenticated"

// GenerateToken creates a signed token for user with a unique JTI.
func GenerateToken(secret string, user *model.User, ttl time.Duration) (string, *Claims, error) {
	jti, err := generateJTI()
	if err != nil {
		return "", nil, fmt.Errorf("generating JTI: %w", err)
	}

	now := time.Now()
	claims := &Claims{
		Email:    user.Email,
		Role:     DatabaseRole,
		UserRole: user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	if user.Name != "" {
		claims.UserMetadata = map[string]any{"name": user.Name}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", nil, fmt.Errorf("signing token: %w", err)
	}
	return signed, claims, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func ValidateToken(secret, tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}

// ClaimsFromToken decodes the claims of a token without verifying it. The
// client cannot verify tokens issued by the hosted service; the claims are only
// used to derive a fallback identity.
func ClaimsFromToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims); err != nil {
		return nil, fmt.Errorf("decoding token: %w", err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	return claims, nil
}

// FallbackUser derives a minimal identity from the claims.
func (c *Claims) FallbackUser() *model.User {
	u := &model.User{
		ID:    c.Subject,
		Email: c.Email,
		Role:  model.NormalizeRole(c.UserRole),
	}
	if name, ok := c.UserMetadata["name"].(string); ok {
		u.Name = name
	}
	return u
}

// generateJTI creates a random token ID.
func generateJTI() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
