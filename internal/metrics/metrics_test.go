package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kalambet/profiles/internal/profile"
	"github.com/kalambet/profiles/internal/service"
)

type fakeService struct {
	all     []profile.AgentProfile
	mine    *profile.AgentProfile
	err     error
	created []profile.Profile
}

func (f *fakeService) MyAgentID() string { return "self" }

func (f *fakeService) GetAllProfiles(context.Context) ([]profile.AgentProfile, error) {
	return f.all, f.err
}

func (f *fakeService) GetMyProfile(context.Context) (*profile.AgentProfile, error) {
	return f.mine, f.err
}

func (f *fakeService) GetAgentProfile(_ context.Context, id string) (*profile.AgentProfile, error) {
	for _, ap := range f.all {
		if ap.AgentID == id {
			return &ap, f.err
		}
	}
	return nil, f.err
}

func (f *fakeService) GetAgentsProfiles(context.Context, []string) ([]profile.AgentProfile, error) {
	return f.all, f.err
}

func (f *fakeService) SearchProfiles(context.Context, string) ([]profile.AgentProfile, error) {
	return f.all, f.err
}

func (f *fakeService) CreateProfile(_ context.Context, p profile.Profile) error {
	if f.err != nil {
		return f.err
	}
	f.created = append(f.created, p)
	return nil
}

func TestInstrumentService_Outcomes(t *testing.T) {
	c := NewCollector("profiles")
	fake := &fakeService{all: []profile.AgentProfile{
		{AgentID: "a", Profile: profile.Profile{Nickname: "alice"}},
	}}
	svc := InstrumentService(fake, c)
	ctx := context.Background()

	if _, err := svc.GetAllProfiles(ctx); err != nil {
		t.Fatalf("GetAllProfiles: %v", err)
	}
	if ap, _ := svc.GetMyProfile(ctx); ap != nil {
		t.Fatalf("GetMyProfile = %+v, want nil", ap)
	}
	if _, err := svc.GetAgentProfile(ctx, "a"); err != nil {
		t.Fatalf("GetAgentProfile: %v", err)
	}

	fake.err = &profile.ServiceError{Op: service.OpCreateProfile, StatusCode: 409, Err: profile.ErrValidation}
	_ = svc.CreateProfile(ctx, profile.Profile{Nickname: "bob"})

	fake.err = errors.New("connection refused")
	_, _ = svc.SearchProfiles(ctx, "ali")

	tests := []struct {
		op, outcome string
		want        float64
	}{
		{service.OpGetAllProfiles, OutcomeOK, 1},
		{service.OpGetMyProfile, OutcomeAbsent, 1},
		{service.OpGetAgentProfile, OutcomeOK, 1},
		{service.OpCreateProfile, OutcomeRejected, 1},
		{service.OpSearchProfiles, OutcomeError, 1},
		{service.OpSearchProfiles, OutcomeOK, 0},
	}
	for _, tt := range tests {
		got := testutil.ToFloat64(c.Requests.WithLabelValues(tt.op, tt.outcome))
		if got != tt.want {
			t.Errorf("requests{op=%q,outcome=%q} = %v, want %v", tt.op, tt.outcome, got, tt.want)
		}
	}

	if n := testutil.CollectAndCount(c.Duration); n != 5 {
		t.Errorf("duration series = %d, want 5", n)
	}
}

func TestInstrumentService_PassesThrough(t *testing.T) {
	fake := &fakeService{}
	svc := InstrumentService(fake, NewCollector("profiles"))

	if got := svc.MyAgentID(); got != "self" {
		t.Errorf("MyAgentID() = %q, want %q", got, "self")
	}
	if err := svc.CreateProfile(context.Background(), profile.Profile{Nickname: "carol"}); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}
	if len(fake.created) != 1 || fake.created[0].Nickname != "carol" {
		t.Errorf("created = %+v, want one profile for carol", fake.created)
	}
}

func TestTrackStore(t *testing.T) {
	c := NewCollector("profiles")
	fake := &fakeService{all: []profile.AgentProfile{
		{AgentID: "a", Profile: profile.Profile{Nickname: "alice"}},
		{AgentID: "b", Profile: profile.Profile{Nickname: "bob"}},
	}}
	store := profile.NewStore(fake, profile.DefaultConfig())
	stop := c.TrackStore(store)
	defer stop()

	if got := testutil.ToFloat64(c.CacheEntries); got != 0 {
		t.Errorf("cache_entries = %v, want 0", got)
	}

	if err := store.FetchAllProfiles(context.Background()); err != nil {
		t.Fatalf("FetchAllProfiles: %v", err)
	}
	if err := store.CreateProfile(context.Background(), profile.Profile{Nickname: "me"}); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}

	if got := testutil.ToFloat64(c.CacheEntries); got != 3 {
		t.Errorf("cache_entries = %v, want 3", got)
	}
	if got := testutil.ToFloat64(c.Changes.WithLabelValues(profile.OpFetchAll)); got != 1 {
		t.Errorf("changes{op=fetch_all} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Changes.WithLabelValues(profile.OpCreate)); got != 1 {
		t.Errorf("changes{op=create} = %v, want 1", got)
	}

	stop()
	_ = store.FetchAllProfiles(context.Background())
	if got := testutil.ToFloat64(c.Changes.WithLabelValues(profile.OpFetchAll)); got != 1 {
		t.Errorf("changes after stop = %v, want 1", got)
	}
}

func TestHandler(t *testing.T) {
	c := NewCollector("profiles")
	c.Observe(service.OpGetAllProfiles, time.Now(), OutcomeOK)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`profiles_service_requests_total{op="get_all_profiles",outcome="ok"} 1`,
		"profiles_service_request_duration_seconds",
		"profiles_cache_entries",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestRegistry_ServesRuntimeCollectors(t *testing.T) {
	c := NewCollector("profiles")
	c.Registry().MustRegister(collectors.NewGoCollector())

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"go_goroutines", "profiles_cache_entries"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
