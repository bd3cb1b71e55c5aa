package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// UnsubscribePayload is what a verified unsubscribe token carries.
type UnsubscribePayload struct {
	ProfileID primitive.ObjectID
	ExpiresAt time.Time
}

// UnsubscribeTokens issues and verifies HS256 tokens embedded in outbound
// mail. The subject is the profile id.
type UnsubscribeTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewUnsubscribeTokens(secret string, ttl time.Duration) *UnsubscribeTokens {
	return &UnsubscribeTokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (t *UnsubscribeTokens) Issue(profileID primitive.ObjectID) (string, error) {
	now := t.now()
	claims := jwt.RegisteredClaims{
		Subject:   profileID.Hex(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign unsubscribe token: %w", err)
	}
	return signed, nil
}

// Verify rejects bad signatures, malformed subjects, and any token whose
// expiry is at or before now.
func (t *UnsubscribeTokens) Verify(token string) (*UnsubscribePayload, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(tok *jwt.Token) (interface{}, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	exp := claims.ExpiresAt.Time
	if !exp.After(t.now()) {
		return nil, ErrTokenExpired
	}
	id, err := primitive.ObjectIDFromHex(claims.Subject)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return &UnsubscribePayload{ProfileID: id, ExpiresAt: exp}, nil
}
