package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kalambet/profiles/internal/profile"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// dbFile is the database file name inside the data directory.
const dbFile = "profiles.db"

// Store is the offline mirror of known profiles, backed by SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the mirror database in dataDir and runs pending
// migrations. Pass ":memory:" for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	dsn := ":memory:"
	if dataDir != ":memory:" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, dbFile)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// A single connection keeps ":memory:" databases shared and avoids
	// "database is locked" errors.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode=WAL"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies embedded migrations that are not yet recorded in
// schema_version, in file name order.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&applied); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}
		if err := s.applyMigration(version, string(content)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(version int, content string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(content); err != nil {
		return fmt.Errorf("applying migration %d: %w", version, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("recording migration %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %d: %w", version, err)
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Profiles ---

// SaveProfiles upserts every entry in one transaction. Later entries for the
// same agent win.
func (s *Store) SaveProfiles(entries []profile.AgentProfile) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO agent_profiles (agent_id, nickname, fields_json, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			nickname = excluded.nickname,
			fields_json = excluded.fields_json,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("preparing upsert: %w", err)
	}
	defer stmt.Close()

	updatedAt := s.now().UTC().Format(time.RFC3339)
	for _, e := range entries {
		fields, err := marshalFields(e.Fields)
		if err != nil {
			return fmt.Errorf("encoding fields for %s: %w", e.AgentID, err)
		}
		if _, err := stmt.Exec(e.AgentID, e.Nickname, fields, updatedAt); err != nil {
			return fmt.Errorf("saving profile %s: %w", e.AgentID, err)
		}
	}
	return tx.Commit()
}

// GetProfile returns the mirrored profile for agentID, or ErrNotFound.
func (s *Store) GetProfile(agentID string) (ProfileRecord, error) {
	row := s.db.QueryRow(`
		SELECT agent_id, nickname, fields_json, updated_at
		FROM agent_profiles WHERE agent_id = ?`, agentID)
	rec, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return ProfileRecord{}, ErrNotFound
	}
	return rec, err
}

// ListProfiles returns all mirrored profiles ordered by nickname.
func (s *Store) ListProfiles() ([]ProfileRecord, error) {
	return s.queryProfiles(`
		SELECT agent_id, nickname, fields_json, updated_at
		FROM agent_profiles ORDER BY nickname COLLATE NOCASE, agent_id`)
}

// SearchProfiles returns mirrored profiles whose nickname starts with prefix,
// ignoring case.
func (s *Store) SearchProfiles(prefix string) ([]ProfileRecord, error) {
	return s.queryProfiles(`
		SELECT agent_id, nickname, fields_json, updated_at
		FROM agent_profiles
		WHERE nickname LIKE ? ESCAPE '\'
		ORDER BY nickname COLLATE NOCASE, agent_id`, escapeLike(prefix)+"%")
}

// CountProfiles returns the number of mirrored profiles.
func (s *Store) CountProfiles() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM agent_profiles").Scan(&n)
	return n, err
}

func (s *Store) queryProfiles(query string, args ...any) ([]ProfileRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProfileRecord
	for rows.Next() {
		rec, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- Sync state ---

// SetSyncState records the last store change written to the mirror.
func (s *Store) SetSyncState(version uint64, op string) error {
	_, err := s.db.Exec(`
		INSERT INTO mirror_state (id, last_version, last_op, synced_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_version = excluded.last_version,
			last_op = excluded.last_op,
			synced_at = excluded.synced_at`,
		int64(version), op, s.now().UTC().Format(time.RFC3339))
	return err
}

// GetSyncState returns the last recorded sync, or ErrNotFound before the
// first one.
func (s *Store) GetSyncState() (SyncState, error) {
	var (
		st       SyncState
		version  int64
		syncedAt string
	)
	err := s.db.QueryRow("SELECT last_version, last_op, synced_at FROM mirror_state WHERE id = 1").
		Scan(&version, &st.LastOp, &syncedAt)
	if err == sql.ErrNoRows {
		return SyncState{}, ErrNotFound
	}
	if err != nil {
		return SyncState{}, err
	}
	st.LastVersion = uint64(version)
	if st.SyncedAt, err = time.Parse(time.RFC3339, syncedAt); err != nil {
		return SyncState{}, fmt.Errorf("parsing synced_at: %w", err)
	}
	return st, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(row scanner) (ProfileRecord, error) {
	var (
		rec       ProfileRecord
		fields    string
		updatedAt string
	)
	if err := row.Scan(&rec.AgentID, &rec.Nickname, &fields, &updatedAt); err != nil {
		return ProfileRecord{}, err
	}
	if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
		return ProfileRecord{}, fmt.Errorf("decoding fields for %s: %w", rec.AgentID, err)
	}
	t, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return ProfileRecord{}, fmt.Errorf("parsing updated_at for %s: %w", rec.AgentID, err)
	}
	rec.UpdatedAt = t
	return rec, nil
}

func marshalFields(fields map[string]string) (string, error) {
	if fields == nil {
		return "{}", nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
