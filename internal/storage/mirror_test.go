package storage

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/kalambet/profiles/internal/profile"
)

// stubService answers every lookup from a fixed profile list.
type stubService struct {
	profiles []profile.AgentProfile
}

func (s *stubService) MyAgentID() string { return "self" }

func (s *stubService) GetAllProfiles(context.Context) ([]profile.AgentProfile, error) {
	return s.profiles, nil
}

func (s *stubService) GetMyProfile(context.Context) (*profile.AgentProfile, error) {
	return nil, nil
}

func (s *stubService) GetAgentProfile(_ context.Context, id string) (*profile.AgentProfile, error) {
	for _, p := range s.profiles {
		if p.AgentID == id {
			return &p, nil
		}
	}
	return nil, nil
}

func (s *stubService) GetAgentsProfiles(context.Context, []string) ([]profile.AgentProfile, error) {
	return s.profiles, nil
}

func (s *stubService) SearchProfiles(context.Context, string) ([]profile.AgentProfile, error) {
	return s.profiles, nil
}

func (s *stubService) CreateProfile(context.Context, profile.Profile) error {
	return nil
}

func TestMirror_PersistsChanges(t *testing.T) {
	db := openTestStore(t)
	svc := &stubService{profiles: []profile.AgentProfile{ap("a", "alice", nil), ap("b", "bob", nil)}}
	store := profile.NewStore(svc, profile.DefaultConfig())

	m := NewMirror(db, nil)
	m.Attach(store)
	defer m.Detach()

	ctx := context.Background()
	if err := store.FetchAllProfiles(ctx); err != nil {
		t.Fatalf("FetchAllProfiles: %v", err)
	}
	if err := store.CreateProfile(ctx, profile.Profile{Nickname: "me"}); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}

	n, err := db.CountProfiles()
	if err != nil {
		t.Fatalf("CountProfiles: %v", err)
	}
	if n != 3 {
		t.Errorf("mirrored profiles = %d, want 3", n)
	}
	me, err := db.GetProfile("self")
	if err != nil {
		t.Fatalf("GetProfile(self): %v", err)
	}
	if me.Nickname != "me" {
		t.Errorf("self nickname = %q, want me", me.Nickname)
	}

	st, err := db.GetSyncState()
	if err != nil {
		t.Fatalf("GetSyncState: %v", err)
	}
	if st.LastVersion != store.Version() || st.LastOp != profile.OpCreate {
		t.Errorf("sync state = %+v, want version %d op %q", st, store.Version(), profile.OpCreate)
	}
}

func TestMirror_Detach(t *testing.T) {
	db := openTestStore(t)
	svc := &stubService{profiles: []profile.AgentProfile{ap("a", "alice", nil)}}
	store := profile.NewStore(svc, profile.DefaultConfig())

	m := NewMirror(db, nil)
	m.Attach(store)
	m.Detach()
	m.Detach()

	if err := store.FetchAllProfiles(context.Background()); err != nil {
		t.Fatalf("FetchAllProfiles: %v", err)
	}
	if n, _ := db.CountProfiles(); n != 0 {
		t.Errorf("mirrored profiles after detach = %d, want 0", n)
	}
}

func TestMirror_WriteFailureDoesNotReachStore(t *testing.T) {
	db := openTestStore(t)
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	svc := &stubService{profiles: []profile.AgentProfile{ap("a", "alice", nil)}}
	store := profile.NewStore(svc, profile.DefaultConfig())
	m := NewMirror(db, logger)
	m.Attach(store)
	defer m.Detach()

	db.Close()

	if err := store.FetchAllProfiles(context.Background()); err != nil {
		t.Fatalf("FetchAllProfiles: %v", err)
	}
	if _, ok := store.ProfileOf("a"); !ok {
		t.Error("store lost profile after mirror failure")
	}
	if !strings.Contains(logs.String(), "mirroring profiles failed") {
		t.Errorf("expected failure to be logged, got %q", logs.String())
	}
}
