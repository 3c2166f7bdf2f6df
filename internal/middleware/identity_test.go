package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zhouzirui/persona-chat/backend/internal/model/identity"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret, subject, tier string, expiresIn time.Duration) string {
	t.Helper()
	claims := Claims{
		Tier: tier,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func serve(auth *Authenticator, req *http.Request) (*httptest.ResponseRecorder, identity.Identity, bool) {
	var (
		got    identity.Identity
		called bool
	)
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, called = IdentityFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, got, called
}

func TestMiddlewareValidToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/personas", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, "user-42", "pro", time.Hour))

	rec, id, called := serve(NewAuthenticator(testSecret), req)
	if rec.Code != http.StatusOK || !called {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if id.UserID != "user-42" || id.Tier != identity.TierPro {
		t.Fatalf("unexpected identity: %+v", id)
	}
	if id.IsGuest() {
		t.Fatal("token holder must not be a guest")
	}
}

func TestMiddlewareRejectsBadTokens(t *testing.T) {
	cases := map[string]string{
		"wrong secret": signToken(t, "other-secret", "user-42", "free", time.Hour),
		"expired":      signToken(t, testSecret, "user-42", "free", -time.Minute),
		"no subject":   signToken(t, testSecret, "", "free", time.Hour),
		"garbage":      "not-a-jwt",
	}

	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", "Bearer "+token)

			rec, _, called := serve(NewAuthenticator(testSecret), req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
			if called {
				t.Fatal("next handler must not run")
			}
		})
	}
}

func TestMiddlewareGuestHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(GuestHeader, "guest-7")

	rec, id, _ := serve(NewAuthenticator(testSecret), req)
	if !id.IsGuest() || id.GuestID != "guest-7" {
		t.Fatalf("unexpected identity: %+v", id)
	}
	if id.EffectiveTier() != identity.TierGuest {
		t.Fatalf("unexpected tier: %s", id.EffectiveTier())
	}
	if rec.Header().Get(GuestHeader) != "" {
		t.Fatal("known guest id should not be echoed")
	}
}

func TestMiddlewareGeneratesGuestID(t *testing.T) {
	rec, id, _ := serve(NewAuthenticator(testSecret), httptest.NewRequest(http.MethodGet, "/", nil))
	if id.GuestID == "" {
		t.Fatal("expected generated guest id")
	}
	if rec.Header().Get(GuestHeader) != id.GuestID {
		t.Fatalf("generated id not echoed: %q vs %q", rec.Header().Get(GuestHeader), id.GuestID)
	}
}

func TestMiddlewareWithoutSecretTreatsEveryoneAsGuest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, "user-42", "pro", time.Hour))
	req.Header.Set(GuestHeader, "guest-1")

	rec, id, _ := serve(NewAuthenticator(""), req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !id.IsGuest() || id.GuestID != "guest-1" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestCORSPreflight(t *testing.T) {
	called := false
	handler := CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/personas", nil))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if called {
		t.Fatal("preflight must not reach the handler")
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing allow-origin header")
	}
}
