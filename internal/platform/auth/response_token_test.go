package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestResponseTokens_RoundTrip(t *testing.T) {
	tokens := NewResponseTokens([]byte("response-secret-0123456789abcdef"), time.Hour)
	rid, fid, nid := uuid.New(), uuid.New(), uuid.New()

	signed, err := tokens.Issue(rid, fid, nid)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := tokens.Verify(signed)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.RoutingID != rid || claims.FacilityID != fid || claims.NotificationID != nid {
		t.Errorf("claims mismatch: %+v", claims)
	}
}

func TestResponseTokens_Expired(t *testing.T) {
	tokens := NewResponseTokens([]byte("response-secret-0123456789abcdef"), time.Minute)
	issuedAt := time.Now().Add(-2 * time.Hour)
	tokens.now = func() time.Time { return issuedAt }

	signed, err := tokens.Issue(uuid.New(), uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	tokens.now = time.Now
	if _, err := tokens.Verify(signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestResponseTokens_WrongSecret(t *testing.T) {
	issuer := NewResponseTokens([]byte("secret-a-0123456789abcdef0123456"), time.Hour)
	verifier := NewResponseTokens([]byte("secret-b-0123456789abcdef0123456"), time.Hour)

	signed, err := issuer.Issue(uuid.New(), uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := verifier.Verify(signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestResponseTokens_Garbage(t *testing.T) {
	tokens := NewResponseTokens([]byte("response-secret-0123456789abcdef"), time.Hour)
	if _, err := tokens.Verify("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
