package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const testSecret = "trigger-secret"

func signToken(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.RegisteredClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func runTriggerAuth(secret, authHeader string) (bool, echo.Context, error) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/etl/sleepimpressions", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	c := e.NewContext(req, httptest.NewRecorder())
	called := false
	err := TriggerAuth(secret)(func(c echo.Context) error {
		called = true
		return nil
	})(c)
	return called, c, err
}

func expectUnauthorized(t *testing.T, err error) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", httpErr.Code)
	}
}

func TestTriggerAuth_DisabledWithoutSecret(t *testing.T) {
	called, _, err := runTriggerAuth("", "")
	if err != nil || !called {
		t.Fatalf("expected pass-through, got err=%v called=%v", err, called)
	}
}

func TestTriggerAuth_ValidToken(t *testing.T) {
	tok := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.RegisteredClaims{
		Subject:   "scheduler",
		Audience:  jwt.ClaimStrings{TriggerAudience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	})
	called, c, err := runTriggerAuth(testSecret, "Bearer "+tok)
	if err != nil || !called {
		t.Fatalf("expected success, got err=%v called=%v", err, called)
	}
	if c.Get("trigger_subject") != "scheduler" {
		t.Errorf("expected subject scheduler, got %v", c.Get("trigger_subject"))
	}
}

func TestTriggerAuth_Rejects(t *testing.T) {
	valid := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))}
	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic dXNlcjpwYXNz"},
		{"wrong secret", "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte("other"), valid)},
		{"expired", "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		})},
		{"no expiry", "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.RegisteredClaims{})},
		{"wrong algorithm", "Bearer " + signToken(t, jwt.SigningMethodHS512, []byte(testSecret), valid)},
		{"wrong audience", "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{"billing"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called, _, err := runTriggerAuth(testSecret, tt.header)
			if called {
				t.Error("handler must not be called")
			}
			expectUnauthorized(t, err)
		})
	}
}
