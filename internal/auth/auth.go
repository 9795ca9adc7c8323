// Package auth verifies the signed exam tokens that students present on
// connect. Verification is a pure function of the token, the public key and
// the configured issuer constraints; it never touches storage.
package auth

import (
	"crypto/rsa"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/koodine/grader-backend/internal/apperr"
)

// Claims carries the student identity and exam code embedded in an exam token.
type Claims struct {
	StudentID string `json:"studentId"`
	ExamCode  string `json:"examCode"`
	jwt.RegisteredClaims
}

// Verifier validates exam tokens against an RSA public key.
type Verifier struct {
	key  *rsa.PublicKey
	opts []jwt.ParserOption
}

// NewVerifier parses the PEM public key and builds the parser options. Empty
// issuer, subject or audience disables that check.
func NewVerifier(publicKeyPEM []byte, algorithm, issuer, subject, audience string) (*Verifier, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse RSA public key: %w", err)
	}

	if algorithm == "" {
		algorithm = "RS256"
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{algorithm})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if subject != "" {
		opts = append(opts, jwt.WithSubject(subject))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}

	return &Verifier{key: key, opts: opts}, nil
}

// Verify checks the token signature and constraints and returns its claims.
// Any failure, including claims missing both the student id and the exam
// code, surfaces as a token-verification error.
func (v *Verifier) Verify(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return v.key, nil
	}, v.opts...)
	if err != nil {
		return nil, apperr.Token(err)
	}

	if claims.StudentID == "" && claims.ExamCode == "" {
		return nil, apperr.Token(fmt.Errorf("token carries no identity claims"))
	}

	return claims, nil
}
