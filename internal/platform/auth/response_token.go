package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid response token")

const responseTokenIssuer = "facility-router"

// ResponseClaims bind a facility callback to one notification of one routing.
type ResponseClaims struct {
	jwt.RegisteredClaims
	RoutingID      uuid.UUID `json:"rid"`
	FacilityID     uuid.UUID `json:"fid"`
	NotificationID uuid.UUID `json:"nid"`
}

// ResponseTokens issues and verifies the signed tokens facilities present when
// they confirm, reject or acknowledge a case.
type ResponseTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewResponseTokens(secret []byte, ttl time.Duration) *ResponseTokens {
	return &ResponseTokens{secret: secret, ttl: ttl, now: time.Now}
}

func (t *ResponseTokens) Issue(routingID, facilityID, notificationID uuid.UUID) (string, error) {
	now := t.now()
	claims := ResponseClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    responseTokenIssuer,
			Subject:   facilityID.String(),
			ID:        notificationID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
		RoutingID:      routingID,
		FacilityID:     facilityID,
		NotificationID: notificationID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign response token: %w", err)
	}
	return signed, nil
}

func (t *ResponseTokens) Verify(token string) (*ResponseClaims, error) {
	claims := &ResponseClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (interface{}, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(responseTokenIssuer),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.RoutingID == uuid.Nil || claims.FacilityID == uuid.Nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
