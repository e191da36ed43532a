// Package store persists token revisions and usage ledgers, one directory
// per license code.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/MacJediWizard/decentrilicense/internal/device"
	"github.com/MacJediWizard/decentrilicense/internal/license"
)

// File names inside a license directory.
const (
	CurrentStateFile = "current_state.json"
	ChainMetaFile    = "chain_meta.json"
	GenesisFile      = "genesis_token.json"
	DeviceFile       = "device.json"
	DatabaseFile     = "ledger.db"
)

// TailSize is the number of ledger records kept in the snapshot.
const TailSize = 16

// MetaVersion is the version written to chain_meta.json.
const MetaVersion = 1

var (
	// ErrNotFound indicates the requested item has not been stored yet.
	ErrNotFound = errors.New("not found")
	// ErrInvalidLicenseCode indicates a license code that cannot name a directory.
	ErrInvalidLicenseCode = errors.New("invalid license code")

	licenseCodePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)
)

// Snapshot is the content of current_state.json.
type Snapshot struct {
	Status     license.StatusSnapshot `json:"status"`
	LedgerTail []license.UsageRecord  `json:"ledger_tail"`
	Token      *license.Token         `json:"token"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// ChainMeta is the content of chain_meta.json.
type ChainMeta struct {
	Version              int       `json:"version"`
	TotalStates          uint64    `json:"total_states"`
	LastVerificationTime time.Time `json:"last_verification_time,omitempty"`
	LicenseCode          string    `json:"license_code"`
}

// Store is the storage root holding all license directories.
type Store struct {
	root     string
	deviceID string
	logger   zerolog.Logger
}

// New creates a Store rooted at dir. Snapshots report activation as seen
// from deviceID.
func New(dir, deviceID string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &Store{
		root:     dir,
		deviceID: deviceID,
		logger:   logger.With().Str("component", "license_store").Logger(),
	}, nil
}

// Root returns the storage root directory.
func (s *Store) Root() string {
	return s.root
}

// Licenses lists the license codes that have a directory.
func (s *Store) Licenses() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read storage directory: %w", err)
	}
	var codes []string
	for _, e := range entries {
		if e.IsDir() && licenseCodePattern.MatchString(e.Name()) {
			codes = append(codes, e.Name())
		}
	}
	sort.Strings(codes)
	return codes, nil
}

// Open opens (creating if needed) the directory of licenseCode.
func (s *Store) Open(ctx context.Context, licenseCode string) (*LicenseStore, error) {
	if !licenseCodePattern.MatchString(licenseCode) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidLicenseCode, licenseCode)
	}
	dir := filepath.Join(s.root, licenseCode)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create license directory: %w", err)
	}

	dbPath := filepath.Join(dir, DatabaseFile)
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ls := &LicenseStore{
		code:     licenseCode,
		dir:      dir,
		deviceID: s.deviceID,
		db:       db,
		logger:   s.logger.With().Str("license_code", licenseCode).Logger(),
	}
	if err := ls.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	if err := ls.recover(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("recover snapshot: %w", err)
	}

	ls.logger.Debug().Str("path", dir).Msg("license store opened")
	return ls, nil
}

// LicenseStore persists the state of one license.
type LicenseStore struct {
	mu       sync.Mutex
	code     string
	dir      string
	deviceID string
	db       *sql.DB
	logger   zerolog.Logger
}

// Dir returns the license directory.
func (ls *LicenseStore) Dir() string {
	return ls.dir
}

// Close closes the database.
func (ls *LicenseStore) Close() error {
	return ls.db.Close()
}

func (ls *LicenseStore) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS usage_records (
			seq INTEGER PRIMARY KEY,
			token_id TEXT NOT NULL,
			time INTEGER NOT NULL,
			action TEXT NOT NULL,
			holder_device_id TEXT NOT NULL,
			hash_prev TEXT NOT NULL,
			record TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		);

		CREATE TABLE IF NOT EXISTS token_revisions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			token_id TEXT NOT NULL,
			state_index INTEGER NOT NULL,
			holder_device_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			token TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_token_revisions_token ON token_revisions(token_id, id);
	`
	_, err := ls.db.ExecContext(ctx, schema)
	return err
}

// CommitRecord stores a usage record together with the token revision it
// produced. The snapshot is replaced only if the transaction commits.
func (ls *LicenseStore) CommitRecord(ctx context.Context, token *license.Token, record license.UsageRecord) error {
	return ls.commit(ctx, token, "usage:"+record.Action, func(tx *sql.Tx) error {
		return insertRecord(ctx, tx, token.TokenID, record)
	})
}

// CommitRevision stores a token revision that does not add usage records,
// such as an activation.
func (ls *LicenseStore) CommitRevision(ctx context.Context, token *license.Token, reason string) error {
	return ls.commit(ctx, token, reason, nil)
}

// ReplaceChain stores an imported revision and replaces the local ledger with
// the one it carries.
func (ls *LicenseStore) ReplaceChain(ctx context.Context, token *license.Token) error {
	return ls.commit(ctx, token, "import", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM usage_records`); err != nil {
			return fmt.Errorf("clear usage records: %w", err)
		}
		for _, r := range token.UsageChain {
			if err := insertRecord(ctx, tx, token.TokenID, r); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertRecord(ctx context.Context, tx *sql.Tx, tokenID string, r license.UsageRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal usage record: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_records (seq, token_id, time, action, holder_device_id, hash_prev, record)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.Seq, tokenID, r.Time, r.Action, r.HolderDeviceID, r.HashPrev, string(data))
	if err != nil {
		return fmt.Errorf("insert usage record %d: %w", r.Seq, err)
	}
	return nil
}

func (ls *LicenseStore) commit(ctx context.Context, token *license.Token, reason string, fn func(tx *sql.Tx) error) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	tx, err := ls.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if fn != nil {
		if err := fn(tx); err != nil {
			return err
		}
	}

	stripped := token.Clone()
	stripped.UsageChain = nil
	data, err := json.Marshal(stripped)
	if err != nil {
		return fmt.Errorf("marshal token revision: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO token_revisions (token_id, state_index, holder_device_id, reason, token)
		VALUES (?, ?, ?, ?, ?)
	`, token.TokenID, token.StateIndex, token.HolderDeviceID, reason, string(data))
	if err != nil {
		return fmt.Errorf("insert token revision: %w", err)
	}

	snap := ls.newSnapshot(token)
	pending, err := prepareJSON(filepath.Join(ls.dir, CurrentStateFile), snap, 0600)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		pending.abort()
		return fmt.Errorf("commit transaction: %w", err)
	}
	// The revision is durable once the transaction commits. The database is
	// authoritative and the next Open rebuilds a stale snapshot.
	if err := pending.publish(); err != nil {
		ls.logger.Error().Err(err).
			Str("token_id", token.TokenID).
			Uint64("state_index", token.StateIndex).
			Msg("failed to publish snapshot")
	}

	if err := ls.updateMeta(func(m *ChainMeta) { m.TotalStates = token.StateIndex }); err != nil {
		ls.logger.Warn().Err(err).Msg("failed to update chain metadata")
	}

	ls.logger.Debug().
		Str("token_id", token.TokenID).
		Uint64("state_index", token.StateIndex).
		Str("reason", reason).
		Msg("token revision committed")
	return nil
}

func (ls *LicenseStore) newSnapshot(token *license.Token) Snapshot {
	tail := token.UsageChain
	if len(tail) > TailSize {
		tail = tail[len(tail)-TailSize:]
	}
	return Snapshot{
		Status:     license.NewStatusSnapshot(token, ls.deviceID),
		LedgerTail: tail,
		Token:      token,
		UpdatedAt:  time.Now().UTC(),
	}
}

// LoadSnapshot reads current_state.json. A missing file returns ErrNotFound,
// which means first use on this device.
func (ls *LicenseStore) LoadSnapshot() (*Snapshot, error) {
	var snap Snapshot
	if err := readJSON(filepath.Join(ls.dir, CurrentStateFile), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// LatestToken rebuilds the most recent token revision from the database.
func (ls *LicenseStore) LatestToken(ctx context.Context) (*license.Token, error) {
	var data string
	err := ls.db.QueryRowContext(ctx, `SELECT token FROM token_revisions ORDER BY id DESC LIMIT 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query latest revision: %w", err)
	}

	var t license.Token
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("parse token revision: %w", err)
	}
	records, err := ls.Records(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(records) > 0 {
		t.UsageChain = records
	}
	return &t, nil
}

// Records returns the stored usage records with seq >= fromSeq.
func (ls *LicenseStore) Records(ctx context.Context, fromSeq uint64) ([]license.UsageRecord, error) {
	rows, err := ls.db.QueryContext(ctx, `SELECT record FROM usage_records WHERE seq >= ? ORDER BY seq`, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var records []license.UsageRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		var r license.UsageRecord
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("parse usage record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// RevisionCount returns the number of stored token revisions.
func (ls *LicenseStore) RevisionCount(ctx context.Context) (int, error) {
	var n int
	if err := ls.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM token_revisions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count revisions: %w", err)
	}
	return n, nil
}

// recover rewrites the snapshot when the database holds a newer revision,
// for example after a crash between commit and rename.
func (ls *LicenseStore) recover(ctx context.Context) error {
	latest, err := ls.LatestToken(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	snap, err := ls.LoadSnapshot()
	if err != nil && !errors.Is(err, ErrNotFound) {
		ls.logger.Warn().Err(err).Msg("unreadable snapshot, rebuilding")
	}
	if snap != nil && snap.Token != nil &&
		snap.Token.StateIndex == latest.StateIndex &&
		snap.Token.HolderDeviceID == latest.HolderDeviceID {
		return nil
	}

	ls.logger.Info().Uint64("state_index", latest.StateIndex).Msg("rebuilding snapshot from database")
	return writeJSON(filepath.Join(ls.dir, CurrentStateFile), ls.newSnapshot(latest), 0600)
}

// SaveGenesis stores the token as first imported. An existing genesis file is kept.
func (ls *LicenseStore) SaveGenesis(token *license.Token) error {
	path := filepath.Join(ls.dir, GenesisFile)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return writeJSON(path, token, 0600)
}

// LoadGenesis reads the genesis token.
func (ls *LicenseStore) LoadGenesis() (*license.Token, error) {
	var t license.Token
	if err := readJSON(filepath.Join(ls.dir, GenesisFile), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// LoadMeta reads chain_meta.json.
func (ls *LicenseStore) LoadMeta() (*ChainMeta, error) {
	var m ChainMeta
	if err := readJSON(filepath.Join(ls.dir, ChainMetaFile), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// MarkVerified records a successful full verification.
func (ls *LicenseStore) MarkVerified(at time.Time) error {
	return ls.updateMeta(func(m *ChainMeta) { m.LastVerificationTime = at.UTC() })
}

func (ls *LicenseStore) updateMeta(fn func(*ChainMeta)) error {
	m, err := ls.LoadMeta()
	if errors.Is(err, ErrNotFound) {
		m = &ChainMeta{}
	} else if err != nil {
		return err
	}
	m.Version = MetaVersion
	m.LicenseCode = ls.code
	fn(m)
	return writeJSON(filepath.Join(ls.dir, ChainMetaFile), m, 0600)
}

// LoadDeviceKey reads device.json.
func (ls *LicenseStore) LoadDeviceKey() ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(ls.dir, DeviceFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, device.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read device key: %w", err)
	}
	return data, nil
}

// SaveDeviceKey writes device.json with owner-only permissions.
func (ls *LicenseStore) SaveDeviceKey(data []byte) error {
	p, err := prepare(filepath.Join(ls.dir, DeviceFile), data, 0600)
	if err != nil {
		return err
	}
	return p.publish()
}
