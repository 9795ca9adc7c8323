package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/koodine/grader-backend/internal/apperr"
)

func generateKeyPair(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	return key, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func expectTokenError(t *testing.T, err error) {
	t.Helper()
	var e *apperr.Error
	if !errors.As(err, &e) || e.Kind != apperr.KindToken {
		t.Fatalf("expected token error, got %v", err)
	}
}

func TestVerifyValidToken(t *testing.T) {
	key, pub := generateKeyPair(t)
	v, err := NewVerifier(pub, "RS256", "", "", "")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	token := signToken(t, key, Claims{
		StudentID: "s1",
		ExamCode:  "EXAM01",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	claims, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.StudentID != "s1" || claims.ExamCode != "EXAM01" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	otherKey, _ := generateKeyPair(t)
	_, pub := generateKeyPair(t)
	v, err := NewVerifier(pub, "RS256", "", "", "")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	token := signToken(t, otherKey, Claims{StudentID: "s1", ExamCode: "EXAM01"})
	_, err = v.Verify(token)
	expectTokenError(t, err)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	key, pub := generateKeyPair(t)
	v, err := NewVerifier(pub, "RS256", "", "", "")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	token := signToken(t, key, Claims{
		StudentID: "s1",
		ExamCode:  "EXAM01",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	_, err = v.Verify(token)
	expectTokenError(t, err)
}

func TestVerifyRejectsEmptyClaims(t *testing.T) {
	key, pub := generateKeyPair(t)
	v, err := NewVerifier(pub, "RS256", "", "", "")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	token := signToken(t, key, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	_, err = v.Verify(token)
	expectTokenError(t, err)
}

func TestVerifyRejectsWrongSigningMethod(t *testing.T) {
	_, pub := generateKeyPair(t)
	v, err := NewVerifier(pub, "RS256", "", "", "")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		StudentID: "s1",
		ExamCode:  "EXAM01",
	}).SignedString([]byte("shared-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	_, err = v.Verify(token)
	expectTokenError(t, err)
}

func TestVerifyEnforcesIssuer(t *testing.T) {
	key, pub := generateKeyPair(t)
	v, err := NewVerifier(pub, "RS256", "exam-portal", "", "")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	token := signToken(t, key, Claims{
		StudentID: "s1",
		ExamCode:  "EXAM01",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	_, err = v.Verify(token)
	expectTokenError(t, err)
}

func TestNewVerifierRejectsGarbageKey(t *testing.T) {
	if _, err := NewVerifier([]byte("not a pem block"), "RS256", "", "", ""); err == nil {
		t.Fatalf("expected a key parse error")
	}
}
