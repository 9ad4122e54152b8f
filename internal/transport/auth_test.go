package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/rfiflow/internal/capability"
	"github.com/pitabwire/rfiflow/internal/config"
	"github.com/pitabwire/rfiflow/model"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

// --- test helpers ---

func signJWT(t *testing.T, key any, method jwt.SigningMethod, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func testIdentityCfg() config.IdentityConfig {
	return config.IdentityConfig{
		Issuer:     "https://auth.example.com",
		Audience:   "rfiflow",
		SecretEnv:  "RFIFLOW_TEST_JWT_SECRET",
		Algorithms: []string{"HS256"},
		AdminRole:  model.RoleAdmin,
		ClaimPaths: map[string]string{
			"subject_id": "sub",
			"email":      "email",
			"roles":      "roles",
		},
	}
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   "user-1",
		"email": "user@example.com",
		"roles": []string{"admin"},
		"iss":   "https://auth.example.com",
		"aud":   "rfiflow",
		"exp":   jwt.NewNumericDate(time.Now().Add(1 * time.Hour)),
		"iat":   jwt.NewNumericDate(time.Now()),
	}
}

func authCode(t *testing.T, w *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.Error.Code, resp.Error.Message
}

// --- LoadSecret ---

func TestLoadSecret(t *testing.T) {
	cfg := testIdentityCfg()

	t.Setenv(cfg.SecretEnv, "")
	if _, err := LoadSecret(cfg); err == nil {
		t.Error("expected error for empty secret")
	}

	t.Setenv(cfg.SecretEnv, "s3cret")
	secret, err := LoadSecret(cfg)
	if err != nil {
		t.Fatalf("LoadSecret: %v", err)
	}
	if string(secret) != "s3cret" {
		t.Errorf("secret = %q", secret)
	}
}

// --- JWTAuthenticator tests ---

func TestJWTAuthenticator_validToken(t *testing.T) {
	handler := JWTAuthenticator(testIdentityCfg(), testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := ClaimsFrom(r.Context())
		if claims == nil {
			t.Error("claims should be in context")
		}
		sub, _ := claims["sub"].(string)
		if sub != "user-1" {
			t.Errorf("sub = %q, want user-1", sub)
		}
		w.WriteHeader(200)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+signJWT(t, testSecret, jwt.SigningMethodHS256, validClaims()))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestJWTAuthenticator_rejections(t *testing.T) {
	tests := []struct {
		name        string
		header      func(t *testing.T) string
		wantMessage string
	}{
		{
			name:        "missing header",
			header:      func(*testing.T) string { return "" },
			wantMessage: "Missing authorization header",
		},
		{
			name:        "basic auth",
			header:      func(*testing.T) string { return "Basic dXNlcjpwYXNz" },
			wantMessage: "Invalid authorization header format",
		},
		{
			name:        "garbage token",
			header:      func(*testing.T) string { return "Bearer not-a-jwt" },
			wantMessage: "Malformed token",
		},
		{
			name: "expired",
			header: func(t *testing.T) string {
				c := validClaims()
				c["exp"] = jwt.NewNumericDate(time.Now().Add(-1 * time.Hour))
				return "Bearer " + signJWT(t, testSecret, jwt.SigningMethodHS256, c)
			},
			wantMessage: "Token expired",
		},
		{
			name: "wrong issuer",
			header: func(t *testing.T) string {
				c := validClaims()
				c["iss"] = "https://evil.example.com"
				return "Bearer " + signJWT(t, testSecret, jwt.SigningMethodHS256, c)
			},
			wantMessage: "Invalid token issuer",
		},
		{
			name: "wrong audience",
			header: func(t *testing.T) string {
				c := validClaims()
				c["aud"] = "wrong-audience"
				return "Bearer " + signJWT(t, testSecret, jwt.SigningMethodHS256, c)
			},
			wantMessage: "Invalid token audience",
		},
		{
			name: "wrong secret",
			header: func(t *testing.T) string {
				return "Bearer " + signJWT(t, []byte("another-secret-another-secret!!!"), jwt.SigningMethodHS256, validClaims())
			},
			wantMessage: "Invalid token signature",
		},
		{
			name: "disallowed algorithm",
			header: func(t *testing.T) string {
				return "Bearer " + signJWT(t, testSecret, jwt.SigningMethodHS384, validClaims())
			},
			wantMessage: "Disallowed signing algorithm",
		},
		{
			name: "missing exp",
			header: func(t *testing.T) string {
				c := validClaims()
				delete(c, "exp")
				return "Bearer " + signJWT(t, testSecret, jwt.SigningMethodHS256, c)
			},
			wantMessage: "Missing required claim",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := JWTAuthenticator(testIdentityCfg(), testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Error("handler should not be called")
			}))

			req := httptest.NewRequest("GET", "/", nil)
			if h := tt.header(t); h != "" {
				req.Header.Set("Authorization", h)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != 401 {
				t.Errorf("status = %d, want 401", w.Code)
			}
			code, msg := authCode(t, w)
			if code != model.ErrUnauthorized {
				t.Errorf("code = %q, want UNAUTHORIZED", code)
			}
			if msg != tt.wantMessage {
				t.Errorf("message = %q, want %q", msg, tt.wantMessage)
			}
		})
	}
}

func TestJWTAuthenticator_noneAlgorithm(t *testing.T) {
	handler := JWTAuthenticator(testIdentityCfg(), testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for alg none")
	}))

	tokenStr := signJWT(t, jwt.UnsafeAllowNoneSignatureType, jwt.SigningMethodNone, validClaims())
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != 401 {
		t.Errorf("status = %d, want 401 for alg none", w.Code)
	}
}

func TestJWTAuthenticator_clockSkewTolerance(t *testing.T) {
	handler := JWTAuthenticator(testIdentityCfg(), testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))

	// Token expired 15 seconds ago, within the 30s leeway.
	claims := validClaims()
	claims["exp"] = jwt.NewNumericDate(time.Now().Add(-15 * time.Second))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+signJWT(t, testSecret, jwt.SigningMethodHS256, claims))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Errorf("status = %d, want 200 (token within clock skew tolerance)", w.Code)
	}
}

// --- RequireCapability ---

type brokenPolicy struct{}

func (brokenPolicy) ResolveCapabilities(*model.RequestContext) (model.CapabilitySet, error) {
	return nil, errors.New("policy store unreachable")
}

func TestRequireCapability(t *testing.T) {
	resolver := capability.NewResolver(capability.DefaultPolicy(model.RoleAdmin), time.Minute)

	tests := []struct {
		name       string
		resolver   *capability.Resolver
		cap        string
		rctx       *model.RequestContext
		wantStatus int
	}{
		{name: "admin clears audit", resolver: resolver, cap: model.CapAuditClear,
			rctx: &model.RequestContext{SubjectID: "u", Roles: []string{"viewer", "admin"}}, wantStatus: 200},
		{name: "member cannot clear audit", resolver: resolver, cap: model.CapAuditClear,
			rctx: &model.RequestContext{SubjectID: "u", Roles: []string{"viewer"}}, wantStatus: 403},
		{name: "member reads", resolver: resolver, cap: model.CapRFIRead,
			rctx: &model.RequestContext{SubjectID: "u"}, wantStatus: 200},
		{name: "no context", resolver: resolver, cap: model.CapRFIRead, rctx: nil, wantStatus: 401},
		{name: "policy failure", resolver: capability.NewResolver(brokenPolicy{}, 0), cap: model.CapRFIRead,
			rctx: &model.RequestContext{SubjectID: "u"}, wantStatus: 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := RequireCapability(tt.resolver, tt.cap)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(200)
			}))
			req := httptest.NewRequest("DELETE", "/admin/audit", nil)
			if tt.rctx != nil {
				req = req.WithContext(model.WithRequestContext(req.Context(), tt.rctx))
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}
