package storage

import (
	"errors"
	"time"

	"github.com/kalambet/profiles/internal/profile"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ProfileRecord is one mirrored profile row.
type ProfileRecord struct {
	profile.AgentProfile
	UpdatedAt time.Time
}

// SyncState describes the last store change written to the mirror.
type SyncState struct {
	LastVersion uint64
	LastOp      string
	SyncedAt    time.Time
}
