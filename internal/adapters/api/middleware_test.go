package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/poyrazK/intelsync/internal/core/domain"
	"github.com/poyrazK/intelsync/internal/testutil"
)

func TestBearerToken(t *testing.T) {
	cases := map[string]struct {
		token string
		ok    bool
	}{
		"":                {"", false},
		"Basic abc":       {"", false},
		"Bearer":          {"", false},
		"Bearer   ":       {"", false},
		"Bearer isk_1":    {"isk_1", true},
		"bearer isk_2":    {"isk_2", true},
		"Bearer  isk_3  ": {"isk_3", true},
	}
	for header, want := range cases {
		req := httptest.NewRequest("GET", "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		token, ok := bearerToken(req)
		if token != want.token || ok != want.ok {
			t.Errorf("%q: expected (%q, %v), got (%q, %v)", header, want.token, want.ok, token, ok)
		}
	}
}

func TestAuthMiddleware(t *testing.T) {
	mockRepo := &testutil.MockRepo{}
	expired := time.Now().Add(-1 * time.Hour)
	later := time.Now().Add(time.Hour)

	mockRepo.On("GetAPIKeyByHash", HashKey("isk_invalid")).Return(nil, nil)
	mockRepo.On("GetAPIKeyByHash", HashKey("isk_valid")).Return(&domain.APIKey{ID: "key-1", Role: domain.RoleAdmin, Active: true, ExpiresAt: &later}, nil)
	mockRepo.On("GetAPIKeyByHash", HashKey("isk_expired")).Return(&domain.APIKey{ID: "key-2", Role: domain.RoleAdmin, Active: true, ExpiresAt: &expired}, nil)
	mockRepo.On("GetAPIKeyByHash", HashKey("isk_inactive")).Return(&domain.APIKey{ID: "key-3", Active: false}, nil)
	mockRepo.On("GetAPIKeyByHash", HashKey("isk_db_err")).Return((*domain.APIKey)(nil), errors.New("db error"))

	handler := AuthMiddleware(mockRepo)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := PrincipalFrom(r.Context())
		w.Header().Set("X-Key-ID", p.KeyID)
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		header string
		code   int
		keyID  string
	}{
		{"Missing Authorization Header", "", http.StatusUnauthorized, ""},
		{"Wrong Scheme", "Basic abc", http.StatusUnauthorized, ""},
		{"Invalid Key", "Bearer isk_invalid", http.StatusUnauthorized, ""},
		{"Valid Key", "Bearer isk_valid", http.StatusOK, "key-1"},
		{"Expired Key", "Bearer isk_expired", http.StatusUnauthorized, ""},
		{"Inactive Key", "Bearer isk_inactive", http.StatusUnauthorized, ""},
		{"Repository Error", "Bearer isk_db_err", http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/credentials", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.code {
				t.Errorf("expected %d, got %d", tt.code, rr.Code)
			}
			if got := rr.Header().Get("X-Key-ID"); got != tt.keyID {
				t.Errorf("expected key ID %q, got %q", tt.keyID, got)
			}
		})
	}

	mockRepo.AssertNumberOfCalls(t, "GetAPIKeyByHash", 5)
}

func TestRequireRole(t *testing.T) {
	handler := RequireRole(domain.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name string
		ctx  context.Context
		code int
	}{
		{"Admin Role Allowed", WithPrincipal(context.Background(), Principal{KeyID: "a", Role: domain.RoleAdmin}), http.StatusOK},
		{"Viewer Role Forbidden", WithPrincipal(context.Background(), Principal{KeyID: "v", Role: domain.RoleViewer}), http.StatusForbidden},
		{"No Principal", context.Background(), http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/credentials", nil).WithContext(tt.ctx)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.code {
				t.Errorf("expected %d, got %d", tt.code, rr.Code)
			}
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := newRateLimiter(0.001, 1)
	handler := RateLimit(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(remote string, p *Principal) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/enrich", nil)
		req.RemoteAddr = remote
		if p != nil {
			req = req.WithContext(WithPrincipal(req.Context(), *p))
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	if rr := send("10.0.0.1:5000", nil); rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
	// Same host, different port shares the bucket.
	rr := send("10.0.0.1:5001", nil)
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") == "" {
		t.Errorf("expected 429 with Retry-After, got %d", rr.Code)
	}
	if rr := send("10.0.0.2:5000", nil); rr.Code != http.StatusOK {
		t.Errorf("expected 200 for another client, got %d", rr.Code)
	}
	// An authenticated caller has its own bucket regardless of address.
	if rr := send("10.0.0.1:5002", &Principal{KeyID: "key-9"}); rr.Code != http.StatusOK {
		t.Errorf("expected 200 for keyed client, got %d", rr.Code)
	}
}
