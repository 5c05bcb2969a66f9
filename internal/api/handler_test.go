package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/profiles/internal/profile"
)

const testToken = "test-token"

// mockService is a scriptable profile.Service.
type mockService struct {
	mu      sync.Mutex
	self    string
	all     []profile.AgentProfile
	byID    map[string]profile.AgentProfile
	search  []profile.AgentProfile
	err     error
	created []profile.Profile
	lookups int
}

func newMockService() *mockService {
	return &mockService{self: "self", byID: map[string]profile.AgentProfile{}}
}

func (m *mockService) MyAgentID() string { return m.self }

func (m *mockService) GetAllProfiles(context.Context) ([]profile.AgentProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.all, m.err
}

func (m *mockService) GetMyProfile(ctx context.Context) (*profile.AgentProfile, error) {
	return m.GetAgentProfile(ctx, m.self)
}

func (m *mockService) GetAgentProfile(_ context.Context, id string) (*profile.AgentProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	if m.err != nil {
		return nil, m.err
	}
	ap, ok := m.byID[id]
	if !ok {
		return nil, nil
	}
	return &ap, nil
}

func (m *mockService) GetAgentsProfiles(ctx context.Context, ids []string) ([]profile.AgentProfile, error) {
	var out []profile.AgentProfile
	for _, id := range ids {
		ap, err := m.GetAgentProfile(ctx, id)
		if err != nil {
			return nil, err
		}
		if ap != nil {
			out = append(out, *ap)
		}
	}
	return out, nil
}

func (m *mockService) SearchProfiles(context.Context, string) ([]profile.AgentProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.search, m.err
}

func (m *mockService) CreateProfile(_ context.Context, p profile.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.created = append(m.created, p)
	return nil
}

func ap(id, nick string) profile.AgentProfile {
	return profile.AgentProfile{AgentID: id, Profile: profile.Profile{Nickname: nick}}
}

func newTestHandler(t *testing.T, svc *mockService, cfg profile.Config) (http.Handler, *profile.Store) {
	t.Helper()
	store := profile.NewStore(svc, cfg)
	return NewAppHandler(AppDeps{Store: store, Token: testToken}), store
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func errorType(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode[map[string]map[string]string](t, rr)
	return body["error"]["type"]
}

func TestHealth_NoAuth(t *testing.T) {
	h, _ := newTestHandler(t, newMockService(), profile.DefaultConfig())

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	body := decode[map[string]any](t, rr)
	if body["status"] != "ok" || body["agent_id"] != "self" {
		t.Errorf("body = %v, want status=ok agent_id=self", body)
	}
}

func TestHealth_ReportsWebSocketClients(t *testing.T) {
	store := profile.NewStore(newMockService(), profile.DefaultConfig())
	hub := NewHub(store, nil)
	defer hub.Close()
	hub.register(&client{id: "c", send: make(chan []byte, 1)})
	h := NewAppHandler(AppDeps{Store: store, Token: testToken, Hub: hub})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	body := decode[map[string]any](t, rr)
	if body["ws_clients"] != float64(1) {
		t.Errorf("ws_clients = %v, want 1", body["ws_clients"])
	}
}

func TestAuthRequired(t *testing.T) {
	h, _ := newTestHandler(t, newMockService(), profile.DefaultConfig())

	for _, auth := range []string{"", "Bearer wrong", "Basic " + testToken} {
		req := httptest.NewRequest(http.MethodGet, "/profiles", nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("auth %q: status = %d, want 401", auth, rr.Code)
		}
	}
}

func TestAuth_EmptyTokenRejectsEverything(t *testing.T) {
	store := profile.NewStore(newMockService(), profile.DefaultConfig())
	h := NewAppHandler(AppDeps{Store: store})

	req := httptest.NewRequest(http.MethodGet, "/profiles", nil)
	req.Header.Set("Authorization", "Bearer ")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestGetConfig(t *testing.T) {
	cfg := profile.Config{
		MinNicknameLength: 4,
		AvatarMode:        profile.AvatarRequired,
		AdditionalFields:  []profile.FieldConfig{{Name: "bio", Label: "Bio"}},
	}
	h, _ := newTestHandler(t, newMockService(), cfg)

	rr := do(t, h, http.MethodGet, "/config", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	got := decode[profile.Config](t, rr)
	if diff := cmp.Diff(cfg, got); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestListProfiles(t *testing.T) {
	svc := newMockService()
	svc.all = []profile.AgentProfile{ap("a", "alice"), ap("b", "bob")}
	h, _ := newTestHandler(t, svc, profile.DefaultConfig())

	rr := do(t, h, http.MethodGet, "/profiles", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := decode[[]profile.AgentProfile](t, rr); len(got) != 0 {
		t.Errorf("cached profiles before refresh = %d, want 0", len(got))
	}

	rr = do(t, h, http.MethodGet, "/profiles?refresh=true", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	got := decode[[]profile.AgentProfile](t, rr)
	if diff := cmp.Diff(svc.all, got); diff != "" {
		t.Errorf("profiles mismatch (-want +got):\n%s", diff)
	}
}

func TestListProfiles_RefreshFailure(t *testing.T) {
	svc := newMockService()
	svc.err = &profile.ServiceError{Op: "get_all_profiles", StatusCode: 503, Message: "down"}
	h, _ := newTestHandler(t, svc, profile.DefaultConfig())

	rr := do(t, h, http.MethodGet, "/profiles?refresh=1", "")
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}
	if typ := errorType(t, rr); typ != "api_error" {
		t.Errorf("error type = %q, want api_error", typ)
	}
}

func TestListProfiles_Agents(t *testing.T) {
	svc := newMockService()
	svc.byID["a"] = ap("a", "alice")
	svc.byID["b"] = ap("b", "bob")
	h, store := newTestHandler(t, svc, profile.DefaultConfig())

	rr := do(t, h, http.MethodGet, "/profiles?agents=b,%20ghost,,a,b", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	got := decode[[]profile.AgentProfile](t, rr)
	want := []profile.AgentProfile{ap("b", "bob"), ap("a", "alice")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("profiles mismatch (-want +got):\n%s", diff)
	}
	if svc.lookups != 3 {
		t.Errorf("backend lookups = %d, want 3 (b, ghost, a)", svc.lookups)
	}
	if _, ok := store.ProfileOf("ghost"); ok {
		t.Error("absent agent was cached")
	}

	// Cached agents are served without another batch; only ghost is retried.
	rr = do(t, h, http.MethodGet, "/profiles?agents=a,b,ghost", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("second request: status = %d", rr.Code)
	}
	if svc.lookups != 4 {
		t.Errorf("backend lookups = %d, want 4", svc.lookups)
	}

	rr = do(t, h, http.MethodGet, "/profiles?agents=a&refresh=true", "")
	if rr.Code != http.StatusOK || svc.lookups != 5 {
		t.Errorf("refresh: status = %d lookups = %d, want 200 and 5", rr.Code, svc.lookups)
	}
}

func TestListProfiles_AgentsErrors(t *testing.T) {
	svc := newMockService()
	h, _ := newTestHandler(t, svc, profile.DefaultConfig())

	rr := do(t, h, http.MethodGet, "/profiles?agents=,%20,", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("blank ids: status = %d, want 400", rr.Code)
	}

	svc.err = errors.New("connection refused")
	rr = do(t, h, http.MethodGet, "/profiles?agents=a", "")
	if rr.Code != http.StatusBadGateway {
		t.Errorf("service down: status = %d, want 502", rr.Code)
	}
	if typ := errorType(t, rr); typ != "api_error" {
		t.Errorf("error type = %q, want api_error", typ)
	}
}

func TestGetMyProfile(t *testing.T) {
	svc := newMockService()
	h, _ := newTestHandler(t, svc, profile.DefaultConfig())

	if rr := do(t, h, http.MethodGet, "/profiles/me?refresh=true", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("absent profile: status = %d, want 404", rr.Code)
	}

	svc.byID["self"] = ap("self", "me")
	rr := do(t, h, http.MethodGet, "/profiles/me?refresh=true", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	got := decode[profile.AgentProfile](t, rr)
	if got.AgentID != "self" || got.Nickname != "me" {
		t.Errorf("profile = %+v, want self/me", got)
	}
}

func TestCreateProfile(t *testing.T) {
	svc := newMockService()
	h, store := newTestHandler(t, svc, profile.DefaultConfig())

	rr := do(t, h, http.MethodPost, "/profiles/me", `{"nickname":"alice","fields":{"bio":"hi"}}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rr.Code, rr.Body.String())
	}
	got := decode[profile.AgentProfile](t, rr)
	if got.AgentID != "self" || got.Nickname != "alice" || got.Field("bio") != "hi" {
		t.Errorf("echo = %+v", got)
	}
	if len(svc.created) != 1 {
		t.Errorf("service received %d creates, want 1", len(svc.created))
	}
	if p, ok := store.MyProfile(); !ok || p.Nickname != "alice" {
		t.Errorf("MyProfile() = %+v, %v; want alice", p, ok)
	}
}

func TestCreateProfile_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		svcErr   error
		wantCode int
		wantType string
	}{
		{"bad json", `{"nickname":`, nil, http.StatusBadRequest, "invalid_request_error"},
		{"short nickname", `{"nickname":"al"}`, nil, http.StatusUnprocessableEntity, "invalid_request_error"},
		{
			"backend rejects",
			`{"nickname":"alice"}`,
			&profile.ServiceError{Op: "create_profile", StatusCode: 409, Message: "taken", Err: profile.ErrValidation},
			http.StatusUnprocessableEntity, "invalid_request_error",
		},
		{"backend down", `{"nickname":"alice"}`, errors.New("connection refused"), http.StatusBadGateway, "api_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newMockService()
			svc.err = tt.svcErr
			h, store := newTestHandler(t, svc, profile.DefaultConfig())

			rr := do(t, h, http.MethodPost, "/profiles/me", tt.body)
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			if typ := errorType(t, rr); typ != tt.wantType {
				t.Errorf("error type = %q, want %q", typ, tt.wantType)
			}
			if _, ok := store.MyProfile(); ok {
				t.Error("failed create left a profile in the cache")
			}
		})
	}
}

func TestSearchProfiles(t *testing.T) {
	svc := newMockService()
	svc.search = []profile.AgentProfile{ap("a", "alice"), ap("b", "alicia")}
	h, store := newTestHandler(t, svc, profile.DefaultConfig())

	if rr := do(t, h, http.MethodGet, "/profiles/search", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("missing prefix: status = %d, want 400", rr.Code)
	}

	rr := do(t, h, http.MethodGet, "/profiles/search?prefix=ali", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := decode[[]profile.AgentProfile](t, rr); len(got) != 2 {
		t.Errorf("results = %d, want 2", len(got))
	}
	if len(store.KnownProfiles()) != 2 {
		t.Errorf("search results not merged into cache")
	}
}

func TestSearchProfiles_EmptyIsArray(t *testing.T) {
	h, _ := newTestHandler(t, newMockService(), profile.DefaultConfig())
	rr := do(t, h, http.MethodGet, "/profiles/search?prefix=zzz", "")
	if body := strings.TrimSpace(rr.Body.String()); body != "[]" {
		t.Errorf("body = %s, want []", body)
	}
}

func TestGetProfile_LazyFetch(t *testing.T) {
	svc := newMockService()
	svc.byID["b"] = ap("b", "bob")
	h, _ := newTestHandler(t, svc, profile.DefaultConfig())

	for i := 0; i < 2; i++ {
		rr := do(t, h, http.MethodGet, "/profiles/b", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rr.Code)
		}
		if got := decode[profile.AgentProfile](t, rr); got.Nickname != "bob" {
			t.Errorf("nickname = %q, want bob", got.Nickname)
		}
	}
	if svc.lookups != 1 {
		t.Errorf("backend lookups = %d, want 1 (second served from cache)", svc.lookups)
	}
}

func TestGetProfile_NotFound(t *testing.T) {
	h, _ := newTestHandler(t, newMockService(), profile.DefaultConfig())
	rr := do(t, h, http.MethodGet, "/profiles/ghost", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	if typ := errorType(t, rr); typ != "not_found" {
		t.Errorf("error type = %q, want not_found", typ)
	}
}

func TestMetricsRoute(t *testing.T) {
	store := profile.NewStore(newMockService(), profile.DefaultConfig())
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("profiles_cache_entries 0\n"))
	})
	h := NewAppHandler(AppDeps{Store: store, Token: testToken, Metrics: metrics})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "profiles_cache_entries") {
		t.Errorf("metrics: status = %d body = %q", rr.Code, rr.Body.String())
	}
}
