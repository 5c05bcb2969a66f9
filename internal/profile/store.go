package profile

import (
	"context"
	"log/slog"
	"sync"
)

// Service performs the remote calls the Store needs.
// Implemented by service.Client.
type Service interface {
	// MyAgentID returns the caller's own agent identity.
	MyAgentID() string
	GetAllProfiles(ctx context.Context) ([]AgentProfile, error)
	// GetMyProfile returns nil when the caller has no profile yet.
	GetMyProfile(ctx context.Context) (*AgentProfile, error)
	// GetAgentProfile returns nil when the agent has no profile.
	GetAgentProfile(ctx context.Context, agentID string) (*AgentProfile, error)
	// GetAgentsProfiles returns the profiles found for agentIDs; agents
	// without a profile are omitted.
	GetAgentsProfiles(ctx context.Context, agentIDs []string) ([]AgentProfile, error)
	SearchProfiles(ctx context.Context, nicknamePrefix string) ([]AgentProfile, error)
	CreateProfile(ctx context.Context, p Profile) error
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for subscriber failures and identity
// mismatches. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

type subscriber struct {
	id int
	fn func(Change)
}

// Store caches profiles fetched from a Service and exposes derived views.
//
// Every operation makes one service round trip without holding any lock and
// then applies its writes in a single critical section, so a reader never
// observes part of a multi-entry merge. Operations in flight at the same
// time are not ordered against each other: for a given agent the write of
// the call that completes last wins.
//
// Subscribers are notified synchronously, in version order, after each
// change. They may read from the store but must not call its mutating
// methods from inside the callback.
type Store struct {
	svc    Service
	cfg    Config
	self   string
	logger *slog.Logger

	mu      sync.RWMutex
	cache   map[string]Profile
	order   []string // insertion order of cache keys
	version uint64
	known   []AgentProfile // KnownProfiles memo, valid when knownAt == version
	knownAt uint64

	emitMu  sync.Mutex
	subMu   sync.Mutex
	subs    []subscriber
	nextSub int
}

// NewStore creates a Store with an empty cache. The caller's agent id is
// read from svc once and never changes afterwards.
func NewStore(svc Service, cfg Config, opts ...Option) *Store {
	s := &Store{
		svc:    svc,
		cfg:    cfg.clone(),
		self:   svc.MyAgentID(),
		logger: slog.Default(),
		cache:  make(map[string]Profile),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SelfAgentID returns the caller's agent id.
func (s *Store) SelfAgentID() string {
	return s.self
}

// Config returns a copy of the presentation config.
func (s *Store) Config() Config {
	return s.cfg.clone()
}

// Version returns the number of applied changes. It increases by one for
// every mutation that wrote at least one entry.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// FetchAllProfiles loads every profile known to the service and merges the
// result into the cache.
func (s *Store) FetchAllProfiles(ctx context.Context) error {
	entries, err := s.svc.GetAllProfiles(ctx)
	if err != nil {
		return err
	}
	s.merge(OpFetchAll, entries)
	return nil
}

// FetchMyProfile loads the caller's own profile. An absent result leaves the
// cache untouched.
func (s *Store) FetchMyProfile(ctx context.Context) error {
	ap, err := s.svc.GetMyProfile(ctx)
	if err != nil {
		return err
	}
	if ap == nil {
		return nil
	}
	if ap.AgentID != "" && ap.AgentID != s.self {
		s.logger.Warn("service returned own profile under a different agent id",
			"self", s.self, "agent_id", ap.AgentID)
	}
	s.merge(OpFetchMine, []AgentProfile{{AgentID: s.self, Profile: ap.Profile}})
	return nil
}

// FetchAgentProfile loads a single agent's profile. An absent result leaves
// the cache untouched.
func (s *Store) FetchAgentProfile(ctx context.Context, agentID string) error {
	ap, err := s.svc.GetAgentProfile(ctx, agentID)
	if err != nil {
		return err
	}
	if ap == nil {
		return nil
	}
	s.merge(OpFetchAgent, []AgentProfile{{AgentID: agentID, Profile: ap.Profile}})
	return nil
}

// FetchAgentsProfiles loads the profiles of several agents in one service
// call and merges every profile found.
func (s *Store) FetchAgentsProfiles(ctx context.Context, agentIDs []string) error {
	if len(agentIDs) == 0 {
		return nil
	}
	entries, err := s.svc.GetAgentsProfiles(ctx, agentIDs)
	if err != nil {
		return err
	}
	s.merge(OpFetchAgents, entries)
	return nil
}

// SearchProfiles asks the service for profiles whose nickname starts with
// nicknamePrefix, merges them into the cache and returns them. Matching is
// entirely up to the service.
func (s *Store) SearchProfiles(ctx context.Context, nicknamePrefix string) ([]AgentProfile, error) {
	entries, err := s.svc.SearchProfiles(ctx, nicknamePrefix)
	if err != nil {
		return nil, err
	}
	s.merge(OpSearch, entries)
	return cloneAgentProfiles(entries), nil
}

// CreateProfile persists p as the caller's profile. On success the cache
// holds exactly p for the caller, without a re-fetch; MyProfile reflects it
// immediately.
func (s *Store) CreateProfile(ctx context.Context, p Profile) error {
	if err := s.svc.CreateProfile(ctx, p.Clone()); err != nil {
		return err
	}
	s.merge(OpCreate, []AgentProfile{{AgentID: s.self, Profile: p}})
	return nil
}

// MyProfile returns the caller's cached profile.
func (s *Store) MyProfile() (Profile, bool) {
	return s.ProfileOf(s.self)
}

// ProfileOf returns the cached profile for agentID.
func (s *Store) ProfileOf(agentID string) (Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.cache[agentID]
	if !ok {
		return Profile{}, false
	}
	return p.Clone(), true
}

// KnownProfiles returns one entry per cached agent in insertion order.
// The order carries no meaning; callers sort for display.
func (s *Store) KnownProfiles() []AgentProfile {
	// Fast path: read lock for a memo hit.
	s.mu.RLock()
	if s.known != nil && s.knownAt == s.version {
		out := cloneAgentProfiles(s.known)
		s.mu.RUnlock()
		return out
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.known == nil || s.knownAt != s.version {
		known := make([]AgentProfile, 0, len(s.order))
		for _, id := range s.order {
			known = append(known, AgentProfile{AgentID: id, Profile: s.cache[id]})
		}
		s.known = known
		s.knownAt = s.version
	}
	return cloneAgentProfiles(s.known)
}

// Subscribe registers fn to be called after every change. The returned
// function removes the subscription.
func (s *Store) Subscribe(fn func(Change)) (unsubscribe func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.subs = append(s.subs, subscriber{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			for i, sub := range s.subs {
				if sub.id == id {
					s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// merge writes entries into the cache as one unit and notifies subscribers.
func (s *Store) merge(op string, entries []AgentProfile) {
	if len(entries) == 0 {
		return
	}

	s.mu.Lock()
	for _, e := range entries {
		if _, ok := s.cache[e.AgentID]; !ok {
			s.order = append(s.order, e.AgentID)
		}
		s.cache[e.AgentID] = e.Profile.Clone()
	}
	s.version++
	ch := Change{Version: s.version, Op: op, Entries: cloneAgentProfiles(entries)}
	// Taking emitMu before releasing mu keeps notifications in version order.
	s.emitMu.Lock()
	s.mu.Unlock()

	defer s.emitMu.Unlock()
	s.emit(ch)
}

func (s *Store) emit(ch Change) {
	s.subMu.Lock()
	subs := make([]subscriber, len(s.subs))
	copy(subs, s.subs)
	s.subMu.Unlock()

	for _, sub := range subs {
		s.notify(sub, ch)
	}
}

func (s *Store) notify(sub subscriber, ch Change) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("profile subscriber panicked", "op", ch.Op, "version", ch.Version, "panic", r)
		}
	}()
	// Each subscriber gets its own copy so none can affect another.
	sub.fn(Change{Version: ch.Version, Op: ch.Op, Entries: cloneAgentProfiles(ch.Entries)})
}

func cloneAgentProfiles(in []AgentProfile) []AgentProfile {
	if in == nil {
		return nil
	}
	out := make([]AgentProfile, len(in))
	for i, ap := range in {
		out[i] = AgentProfile{AgentID: ap.AgentID, Profile: ap.Profile.Clone()}
	}
	return out
}
