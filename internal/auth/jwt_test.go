package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSecret   = "test-secret"
	testIssuer   = "starbridge"
	testAudience = "starbridge-control"
)

func newTestPair(t *testing.T) (*JWTIssuer, *JWTValidator) {
	t.Helper()
	issuer, err := NewJWTIssuer(testSecret, testIssuer, testAudience)
	if err != nil {
		t.Fatalf("NewJWTIssuer() error = %v", err)
	}
	validator, err := NewJWTValidator(testSecret, testIssuer, testAudience)
	if err != nil {
		t.Fatalf("NewJWTValidator() error = %v", err)
	}
	return issuer, validator
}

func TestNewJWTValidator(t *testing.T) {
	tests := []struct {
		name        string
		secret      string
		expectError bool
	}{
		{name: "valid secret", secret: "s3cret", expectError: false},
		{name: "empty secret", secret: "", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			validator, err := NewJWTValidator(tt.secret, testIssuer, testAudience)

			if tt.expectError {
				if !errors.Is(err, ErrNoSecret) {
					t.Errorf("NewJWTValidator() error = %v, want %v", err, ErrNoSecret)
				}
				if validator != nil {
					t.Error("NewJWTValidator() should return nil validator on error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewJWTValidator() unexpected error: %v", err)
			}
			if validator.issuer != testIssuer {
				t.Errorf("NewJWTValidator() issuer = %q, want %q", validator.issuer, testIssuer)
			}
			if validator.audience != testAudience {
				t.Errorf("NewJWTValidator() audience = %q, want %q", validator.audience, testAudience)
			}
		})
	}
}

func TestIssueAndValidate(t *testing.T) {
	issuer, validator := newTestPair(t)

	token, err := issuer.Issue("extension", time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	clientID, err := validator.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if clientID != "extension" {
		t.Errorf("ValidateToken() = %q, want %q", clientID, "extension")
	}
}

func TestIssueRequiresClient(t *testing.T) {
	issuer, _ := newTestPair(t)
	if _, err := issuer.Issue("", time.Minute); err == nil {
		t.Error("Issue() expected error for empty client")
	}
}

func sign(t *testing.T, method jwt.SigningMethod, key any, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return s
}

func TestJWTValidator_ValidateToken(t *testing.T) {
	_, validator := newTestPair(t)
	exp := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name  string
		token string
	}{
		{name: "invalid token format", token: "invalid-token"},
		{name: "empty token", token: ""},
		{name: "malformed JWT token", token: "header.payload"},
		{
			name: "wrong secret",
			token: sign(t, jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{
				"iss": testIssuer, "aud": testAudience, "client_id": "x", "exp": exp,
			}),
		},
		{
			name: "wrong issuer",
			token: sign(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{
				"iss": "someone", "aud": testAudience, "client_id": "x", "exp": exp,
			}),
		},
		{
			name: "wrong audience",
			token: sign(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{
				"iss": testIssuer, "aud": "other", "client_id": "x", "exp": exp,
			}),
		},
		{
			name: "expired",
			token: sign(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{
				"iss": testIssuer, "aud": testAudience, "client_id": "x", "exp": time.Now().Add(-time.Hour).Unix(),
			}),
		},
		{
			name: "no expiry",
			token: sign(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{
				"iss": testIssuer, "aud": testAudience, "client_id": "x",
			}),
		},
		{
			name: "missing client_id",
			token: sign(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{
				"iss": testIssuer, "aud": testAudience, "exp": exp,
			}),
		},
		{
			name: "wrong algorithm",
			token: sign(t, jwt.SigningMethodHS512, []byte(testSecret), jwt.MapClaims{
				"iss": testIssuer, "aud": testAudience, "client_id": "x", "exp": exp,
			}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := validator.ValidateToken(tt.token); err == nil {
				t.Error("ValidateToken() expected error but got none")
			}
		})
	}
}

func TestJWTValidator_HTTPMiddleware(t *testing.T) {
	issuer, validator := newTestPair(t)
	valid, err := issuer.Issue("bridgectl", time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	mockHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if clientID, ok := GetClientIDFromContext(r.Context()); ok {
			w.Header().Set("X-Client-ID", clientID)
		}
		w.WriteHeader(http.StatusOK)
	})
	middleware := validator.HTTPMiddleware(mockHandler)

	tests := []struct {
		name           string
		method         string
		path           string
		authHeader     string
		expectedStatus int
		expectedClient string
	}{
		{name: "health check open", method: http.MethodGet, path: "/healthz", expectedStatus: http.StatusOK},
		{name: "status open", method: http.MethodGet, path: "/status", expectedStatus: http.StatusOK},
		{name: "preflight open", method: http.MethodOptions, path: "/queue", expectedStatus: http.StatusOK},
		{name: "missing header", method: http.MethodGet, path: "/queue", expectedStatus: http.StatusUnauthorized},
		{name: "wrong scheme", method: http.MethodGet, path: "/queue", authHeader: "Basic abc", expectedStatus: http.StatusUnauthorized},
		{name: "bad token", method: http.MethodGet, path: "/queue", authHeader: "Bearer nope", expectedStatus: http.StatusUnauthorized},
		{
			name:           "valid token",
			method:         http.MethodPost,
			path:           "/dispatch",
			authHeader:     "Bearer " + valid,
			expectedStatus: http.StatusOK,
			expectedClient: "bridgectl",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rr := httptest.NewRecorder()

			middleware.ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.expectedStatus)
			}
			if got := rr.Header().Get("X-Client-ID"); got != tt.expectedClient {
				t.Errorf("client = %q, want %q", got, tt.expectedClient)
			}
			if rr.Code == http.StatusUnauthorized {
				var body map[string]string
				if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
					t.Fatalf("decode error body: %v", err)
				}
				if body["code"] != "unauthenticated" {
					t.Errorf("code = %q, want %q", body["code"], "unauthenticated")
				}
			}
		})
	}
}

func TestGetClientIDFromContext(t *testing.T) {
	tests := []struct {
		name   string
		ctx    context.Context
		want   string
		wantOK bool
	}{
		{name: "present", ctx: context.WithValue(context.Background(), ClientIDKey, "extension"), want: "extension", wantOK: true},
		{name: "absent", ctx: context.Background(), want: "", wantOK: false},
		{name: "wrong type", ctx: context.WithValue(context.Background(), ClientIDKey, 42), want: "", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := GetClientIDFromContext(tt.ctx)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("GetClientIDFromContext() = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
