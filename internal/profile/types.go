package profile

// Profile is a participant's user-editable record: a nickname plus an
// open-ended set of named text fields (e.g. "avatar" → image payload).
// A Profile is replaced wholesale on update, never patched field by field.
type Profile struct {
	Nickname string            `json:"nickname"`
	Fields   map[string]string `json:"fields"`
}

// AgentProfile pairs a profile with the agent that owns it. The embedded
// Profile is still encoded under its own "profile" key.
type AgentProfile struct {
	AgentID string `json:"agent_pub_key"`
	Profile `json:"profile"`
}

// Field returns the named field value, or "" when it is not set.
func (p Profile) Field(name string) string {
	return p.Fields[name]
}

// Clone returns a deep copy of p.
func (p Profile) Clone() Profile {
	cp := Profile{Nickname: p.Nickname}
	if p.Fields != nil {
		cp.Fields = make(map[string]string, len(p.Fields))
		for k, v := range p.Fields {
			cp.Fields[k] = v
		}
	}
	return cp
}

// Equal reports whether p and o carry the same nickname and fields.
// A nil and an empty Fields map compare equal.
func (p Profile) Equal(o Profile) bool {
	if p.Nickname != o.Nickname || len(p.Fields) != len(o.Fields) {
		return false
	}
	for k, v := range p.Fields {
		if ov, ok := o.Fields[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Change describes one applied mutation of the store's cache.
type Change struct {
	Version uint64         `json:"version"`
	Op      string         `json:"op"`
	Entries []AgentProfile `json:"entries"`
}

// Operation names reported in Change.Op.
const (
	OpFetchAll    = "fetch_all"
	OpFetchMine   = "fetch_mine"
	OpFetchAgent  = "fetch_agent"
	OpFetchAgents = "fetch_agents"
	OpSearch      = "search"
	OpCreate      = "create"
)
