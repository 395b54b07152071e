package httpapi

import (
	"errors"
	"fmt"
	"time"

	"qpro/queue-engine/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const holderPassIssuer = "qpro-queue-engine"

var ErrInvalidHolderPass = errors.New("invalid holder pass")

// HolderPassClaims binds a pass to one ticket. Whoever presents it may read
// that ticket's details and watch it live.
type HolderPassClaims struct {
	TokenID  string `json:"tid"`
	OfficeID string `json:"oid"`
	HolderID string `json:"hid,omitempty"`
	jwt.RegisteredClaims
}

type HolderPasses struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewHolderPasses(secret string, ttl time.Duration) *HolderPasses {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &HolderPasses{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (p *HolderPasses) Issue(token models.QueueToken) (string, time.Time, error) {
	now := p.now()
	expiresAt := now.Add(p.ttl)
	claims := HolderPassClaims{
		TokenID:  token.TokenID,
		OfficeID: token.OfficeID,
		HolderID: token.HolderID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    holderPassIssuer,
			Subject:   token.TokenID,
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign holder pass: %w", err)
	}
	return signed, expiresAt, nil
}

func (p *HolderPasses) Verify(raw string) (HolderPassClaims, error) {
	if raw == "" {
		return HolderPassClaims{}, ErrInvalidHolderPass
	}
	token, err := jwt.ParseWithClaims(raw, &HolderPassClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.secret, nil
	}, jwt.WithIssuer(holderPassIssuer), jwt.WithTimeFunc(p.now))
	if err != nil {
		return HolderPassClaims{}, fmt.Errorf("%w: %v", ErrInvalidHolderPass, err)
	}
	claims, ok := token.Claims.(*HolderPassClaims)
	if !ok || !token.Valid || claims.TokenID == "" {
		return HolderPassClaims{}, ErrInvalidHolderPass
	}
	return *claims, nil
}

// Allows reports whether raw is a valid pass for token.
func (p *HolderPasses) Allows(raw string, token models.QueueToken) bool {
	if p == nil {
		return false
	}
	claims, err := p.Verify(raw)
	if err != nil {
		return false
	}
	return claims.TokenID == token.TokenID && claims.OfficeID == token.OfficeID
}
