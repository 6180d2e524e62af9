package identity

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestJWTVerifier_RoundTrip(t *testing.T) {
	t.Parallel()

	secret := []byte("0123456789abcdef0123456789abcdef")
	v := NewJWTVerifier(secret)

	token := signToken(t, secret, jwt.MapClaims{
		"sub":   "alice",
		"email": "alice@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UserID != "alice" || id.Email != "alice@example.com" {
		t.Fatalf("identity: %+v", id)
	}
}

func TestJWTVerifier_WrongSecret(t *testing.T) {
	t.Parallel()

	v := NewJWTVerifier([]byte("correct-secret-correct-secret-ok"))
	token := signToken(t, []byte("wrong-secret-wrong-secret-wrong!"), jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("want ErrInvalidToken, got %v", err)
	}
}

func TestJWTVerifier_Expired(t *testing.T) {
	t.Parallel()

	secret := []byte("0123456789abcdef0123456789abcdef")
	v := NewJWTVerifier(secret)
	token := signToken(t, secret, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("want ErrInvalidToken, got %v", err)
	}
}

func TestJWTVerifier_MissingSubject(t *testing.T) {
	t.Parallel()

	secret := []byte("0123456789abcdef0123456789abcdef")
	v := NewJWTVerifier(secret)
	token := signToken(t, secret, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("want ErrInvalidToken, got %v", err)
	}
}

func TestJWTVerifier_GarbageToken(t *testing.T) {
	t.Parallel()

	v := NewJWTVerifier([]byte("0123456789abcdef0123456789abcdef"))
	for _, token := range []string{"", "not-a-token", "a.b.c"} {
		if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("token %q: want ErrInvalidToken, got %v", token, err)
		}
	}
}

func TestStaticVerifier(t *testing.T) {
	t.Parallel()

	v := StaticVerifier{"tok": {UserID: "alice"}}
	if id, err := v.Verify("tok"); err != nil || id.UserID != "alice" {
		t.Fatalf("got %+v %v", id, err)
	}
	if _, err := v.Verify("other"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("want ErrInvalidToken, got %v", err)
	}
}
