package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AccessClaims are issued by the identity service; this service only verifies them.
type AccessClaims struct {
	UserID         string `json:"uid"`
	OrganizationID string `json:"org"`
	Role           string `json:"role"`
	jwt.RegisteredClaims
}

// JWTManager verifies HS256 access tokens. Issue exists for service-to-service
// callers and tests that need a token without the identity service.
type JWTManager struct {
	secret []byte
	issuer string
	expiry time.Duration
}

func NewJWTManager(secret, issuer string, expiry time.Duration) *JWTManager {
	return &JWTManager{
		secret: []byte(secret),
		issuer: issuer,
		expiry: expiry,
	}
}

func (m *JWTManager) Issue(p Principal) (string, error) {
	now := time.Now()
	claims := AccessClaims{
		UserID:         p.UserID.String(),
		OrganizationID: p.OrganizationID.String(),
		Role:           p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    m.issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("signing access token: %w", err)
	}
	return signed, nil
}

func (m *JWTManager) ValidateAccessToken(tokenStr string) (*AccessClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &AccessClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer))
	if err != nil {
		return nil, fmt.Errorf("parsing access token: %w", err)
	}

	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid access token claims")
	}
	return claims, nil
}

// Principal converts verified claims into a Principal.
func (c *AccessClaims) Principal() (Principal, error) {
	userID, err := uuid.Parse(c.UserID)
	if err != nil {
		return Principal{}, fmt.Errorf("parsing user id: %w", err)
	}
	orgID, err := uuid.Parse(c.OrganizationID)
	if err != nil {
		return Principal{}, fmt.Errorf("parsing organization id: %w", err)
	}
	if !ValidRole(c.Role) {
		return Principal{}, fmt.Errorf("unknown role %q", c.Role)
	}
	return Principal{UserID: userID, OrganizationID: orgID, Role: c.Role}, nil
}
