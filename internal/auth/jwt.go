// Package auth provides JWT validation using JWKS.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Claims represents the JWT claims carried by a workspace token (spec.md §6,
// "auth: workspace token"). Unlike the teacher's single-tenant vm-agent,
// this engine serves many workspaces from one process, so Workspace is read
// from the token rather than fixed at validator construction — callers
// check it against the workspace id in the request path/query themselves
// (see httpapi.requireWorkspace).
type Claims struct {
	jwt.RegisteredClaims
	Workspace string `json:"workspace"`
}

// JWTValidator validates workspace tokens using a remote JWKS endpoint.
type JWTValidator struct {
	jwks     *keyfunc.Keyfunc
	audience string
	issuer   string
}

// NewJWTValidator creates a new JWT validator that fetches keys from the JWKS endpoint.
func NewJWTValidator(jwksURL, audience, issuer string) (*JWTValidator, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Create a keyfunc that will fetch and cache JWKS
	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS keyfunc: %w", err)
	}

	if audience == "" {
		audience = "vibe80-engine"
	}

	return &JWTValidator{
		jwks:     k,
		audience: audience,
		issuer:   issuer,
	}, nil
}

// Validate validates a JWT token and returns the claims if valid. It checks
// signature, expiry, and audience; the caller is responsible for checking
// Claims.Workspace against whichever workspace the request is scoped to.
func (v *JWTValidator) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.jwks.Keyfunc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid claims type")
	}

	// Validate audience
	aud, err := claims.GetAudience()
	if err != nil {
		return nil, fmt.Errorf("failed to get audience: %w", err)
	}
	audienceValid := false
	for _, a := range aud {
		if a == v.audience {
			audienceValid = true
			break
		}
	}
	if !audienceValid {
		return nil, fmt.Errorf("invalid audience")
	}

	if v.issuer != "" {
		iss, err := claims.GetIssuer()
		if err != nil || iss != v.issuer {
			return nil, fmt.Errorf("invalid issuer")
		}
	}

	if claims.Workspace == "" {
		return nil, fmt.Errorf("token carries no workspace claim")
	}

	return claims, nil
}

// GetUserID extracts the user ID from validated claims.
func (v *JWTValidator) GetUserID(claims *Claims) string {
	return claims.Subject
}

// Close cleans up resources used by the validator.
func (v *JWTValidator) Close() {
	// The keyfunc will stop refreshing in the background
}
