package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/zhouzirui/persona-chat/backend/internal/model/identity"
	"github.com/zhouzirui/persona-chat/backend/pkg/utils"
)

// GuestHeader carries the client-chosen guest id. It is echoed back when the
// server had to generate one.
const GuestHeader = "X-Guest-ID"

var ErrInvalidToken = errors.New("invalid token")

type contextKey struct{}

// Claims 访问令牌声明，Subject 即用户 ID
type Claims struct {
	Tier string `json:"tier"`
	jwt.RegisteredClaims
}

// Authenticator resolves the caller identity of every request.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator 创建身份解析中间件。secret 为空时所有请求按访客处理。
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Middleware attaches an identity.Identity to the request context. A bearer
// token that fails verification is rejected with 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.resolve(w, r)
		if err != nil {
			utils.RespondError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func (a *Authenticator) resolve(w http.ResponseWriter, r *http.Request) (identity.Identity, error) {
	raw := bearerToken(r)
	if raw == "" || len(a.secret) == 0 {
		return identity.Guest(guestID(w, r)), nil
	}

	claims, err := a.Parse(raw)
	if err != nil {
		return identity.Identity{}, err
	}
	return identity.User(claims.Subject, identity.ParseTier(claims.Tier)), nil
}

// Parse verifies an HS256 token and returns its claims.
func (a *Authenticator) Parse(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id identity.Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// IdentityFrom returns the identity attached by Middleware.
func IdentityFrom(ctx context.Context) (identity.Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(identity.Identity)
	return id, ok
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter that websocket clients use.
func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func guestID(w http.ResponseWriter, r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(GuestHeader)); id != "" {
		return id
	}
	if id := strings.TrimSpace(r.URL.Query().Get("guestId")); id != "" {
		return id
	}
	id := uuid.NewString()
	w.Header().Set(GuestHeader, id)
	return id
}
