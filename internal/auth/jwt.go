package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ClientContext key for storing the authenticated client in context
type contextKey string

const ClientIDKey contextKey = "client_id"

var ErrNoSecret = errors.New("auth: empty token secret")

// JWTIssuer mints bearer tokens for control-plane clients (the companion
// extension, bridgectl).
type JWTIssuer struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

func NewJWTIssuer(secret, issuer, audience string) (*JWTIssuer, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	return &JWTIssuer{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		now:      time.Now,
	}, nil
}

// Issue signs an HS256 token for clientID valid for ttl (one hour when zero).
func (i *JWTIssuer) Issue(clientID string, ttl time.Duration) (string, error) {
	if clientID == "" {
		return "", fmt.Errorf("client_id is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := i.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":       i.issuer,
		"aud":       i.audience,
		"sub":       clientID,
		"client_id": clientID,
		"iat":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
	})
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// JWTValidator handles JWT token validation
type JWTValidator struct {
	secret   []byte
	issuer   string
	audience string
	// open paths skip authentication
	open map[string]bool
}

// NewJWTValidator creates a validator for tokens signed with secret.
func NewJWTValidator(secret, issuer, audience string) (*JWTValidator, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	return &JWTValidator{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		open:     map[string]bool{"/healthz": true, "/status": true},
	}, nil
}

// ValidateToken validates a JWT token and returns the client ID
func (v *JWTValidator) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid claims")
	}

	clientID, ok := claims["client_id"].(string)
	if !ok || clientID == "" {
		return "", fmt.Errorf("missing or invalid client_id claim")
	}
	return clientID, nil
}

// HTTPMiddleware returns an HTTP middleware that validates bearer tokens.
// CORS preflights and the open paths pass through.
func (v *JWTValidator) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || v.open[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			unauthorized(w, "missing Authorization header")
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			unauthorized(w, "invalid Authorization header format")
			return
		}

		clientID, err := v.ValidateToken(tokenString)
		if err != nil {
			unauthorized(w, fmt.Sprintf("invalid token: %v", err))
			return
		}

		ctx := context.WithValue(r.Context(), ClientIDKey, clientID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": "unauthenticated", "message": msg})
}

// GetClientIDFromContext extracts the authenticated client from context
func GetClientIDFromContext(ctx context.Context) (string, bool) {
	clientID, ok := ctx.Value(ClientIDKey).(string)
	return clientID, ok
}
