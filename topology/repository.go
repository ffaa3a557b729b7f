package topology

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/SrDicov/Discoat/errors"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS bridges (
  id         TEXT PRIMARY KEY,
  name       TEXT NOT NULL,
  status     TEXT DEFAULT 'on' CHECK(status IN ('on','off','paused')),
  created_at INTEGER
);

CREATE TABLE IF NOT EXISTS channels (
  id        TEXT PRIMARY KEY,
  bridge_id TEXT NOT NULL REFERENCES bridges(id) ON DELETE CASCADE,
  platform  TEXT NOT NULL,
  native_id TEXT NOT NULL,
  config    TEXT DEFAULT '{}',
  added_at  INTEGER,
  UNIQUE(platform, native_id)
);

CREATE TABLE IF NOT EXISTS kv_store (
  key   TEXT PRIMARY KEY,
  value TEXT
);

CREATE INDEX IF NOT EXISTS idx_channels_bridge ON channels(bridge_id);
`

// Repository is the sqlite-backed topology store. It is safe for concurrent
// use; both hot-path lookups run on prepared statements.
type Repository struct {
	db     *sql.DB
	logger *slog.Logger

	getLinkStmt     *sql.Stmt
	getTopologyStmt *sql.Stmt
}

// Open opens (creating if needed) the topology database at path and applies
// the schema. Use ":memory:" for tests.
func Open(path string, logger *slog.Logger) (*Repository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, repoErr(err, "Open", "open database")
	}
	// sqlite allows one writer; a single connection sidesteps SQLITE_BUSY
	// between our own writers and keeps a ":memory:" database on one handle.
	// Reads and writes from this process are serialized on that connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, repoErr(err, "Open", "apply schema")
	}

	r := &Repository{db: db, logger: logger.With("component", "topology")}
	if r.getLinkStmt, err = db.Prepare(
		`SELECT c.bridge_id, b.status FROM channels c
		 JOIN bridges b ON b.id = c.bridge_id
		 WHERE c.platform = ? AND c.native_id = ?`); err != nil {
		_ = db.Close()
		return nil, repoErr(err, "Open", "prepare link lookup")
	}
	if r.getTopologyStmt, err = db.Prepare(
		`SELECT platform, native_id, config, added_at FROM channels
		 WHERE bridge_id = ? ORDER BY added_at, platform, native_id`); err != nil {
		_ = db.Close()
		return nil, repoErr(err, "Open", "prepare topology lookup")
	}
	return r, nil
}

// Close releases the database handle.
func (r *Repository) Close() error {
	if r.getLinkStmt != nil {
		_ = r.getLinkStmt.Close()
	}
	if r.getTopologyStmt != nil {
		_ = r.getTopologyStmt.Close()
	}
	if err := r.db.Close(); err != nil {
		return repoErr(err, "Close", "close database")
	}
	return nil
}

// repoErr wraps a driver error without leaking the driver's types: only the
// message text crosses the package boundary, chained onto ErrRepository.
func repoErr(err error, method, action string) error {
	return errors.WrapTransient(
		fmt.Errorf("%w: %v", errors.ErrRepository, err),
		"topology", method, action)
}

// normalizeKey mirrors envelope source normalization so trace-path tokens and
// repository keys always compare equal.
func normalizeKey(platform, nativeID string) (string, string) {
	return strings.ToLower(strings.TrimSpace(platform)), strings.ToLower(strings.TrimSpace(nativeID))
}

// GetChannelLink resolves a native channel to its bridge. Returns (nil, nil)
// when the channel is not bridged.
func (r *Repository) GetChannelLink(ctx context.Context, platform, nativeID string) (*Link, error) {
	platform, nativeID = normalizeKey(platform, nativeID)
	var link Link
	var status string
	err := r.getLinkStmt.QueryRowContext(ctx, platform, nativeID).Scan(&link.BridgeID, &status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, repoErr(err, "GetChannelLink", "query")
	}
	link.Status = Status(status)
	return &link, nil
}

// GetBridgeTopology lists the channels linked into a bridge. The slice is
// never nil: callers iterate the result even on error.
func (r *Repository) GetBridgeTopology(ctx context.Context, bridgeID string) ([]Channel, error) {
	channels := make([]Channel, 0, 8)
	rows, err := r.getTopologyStmt.QueryContext(ctx, bridgeID)
	if err != nil {
		return channels, repoErr(err, "GetBridgeTopology", "query")
	}
	defer rows.Close()

	for rows.Next() {
		var ch Channel
		var configJSON string
		var addedAt int64
		if err := rows.Scan(&ch.Platform, &ch.NativeID, &configJSON, &addedAt); err != nil {
			return channels, repoErr(err, "GetBridgeTopology", "scan")
		}
		ch.AddedAt = time.UnixMilli(addedAt)
		ch.Config = decodeConfig(configJSON, r.logger)
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return channels, repoErr(err, "GetBridgeTopology", "iterate")
	}
	return channels, nil
}

func decodeConfig(raw string, logger *slog.Logger) map[string]string {
	cfg := map[string]string{}
	if raw == "" {
		return cfg
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		logger.Warn("discarding malformed channel config", "error", err)
		return map[string]string{}
	}
	return cfg
}

// CreateBridge creates a bridge with status "on" and returns its id.
func (r *Repository) CreateBridge(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.WrapInvalid(errors.ErrInvalidConfig, "topology", "CreateBridge", "empty bridge name")
	}
	id := uuid.New().String()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO bridges (id, name, status, created_at) VALUES (?, ?, 'on', ?)`,
		id, name, time.Now().UnixMilli())
	if err != nil {
		return "", repoErr(err, "CreateBridge", "insert")
	}
	return id, nil
}

// GetBridge fetches a bridge by id.
func (r *Repository) GetBridge(ctx context.Context, id string) (*Bridge, error) {
	return r.scanBridge(r.db.QueryRowContext(ctx,
		`SELECT id, name, status, created_at FROM bridges WHERE id = ?`, id), "GetBridge")
}

// GetBridgeByName fetches a bridge by its operator-facing name.
func (r *Repository) GetBridgeByName(ctx context.Context, name string) (*Bridge, error) {
	return r.scanBridge(r.db.QueryRowContext(ctx,
		`SELECT id, name, status, created_at FROM bridges WHERE name = ? LIMIT 1`, name), "GetBridgeByName")
}

func (r *Repository) scanBridge(row *sql.Row, method string) (*Bridge, error) {
	var b Bridge
	var status string
	var createdAt int64
	err := row.Scan(&b.ID, &b.Name, &status, &createdAt)
	if err == sql.ErrNoRows {
		return nil, errors.WrapInvalid(errors.ErrNotFound, "topology", method, "bridge lookup")
	}
	if err != nil {
		return nil, repoErr(err, method, "scan")
	}
	b.Status = Status(status)
	b.CreatedAt = time.UnixMilli(createdAt)
	return &b, nil
}

// ListBridges returns all bridges ordered by creation time.
func (r *Repository) ListBridges(ctx context.Context) ([]Bridge, error) {
	bridges := make([]Bridge, 0, 8)
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, status, created_at FROM bridges ORDER BY created_at`)
	if err != nil {
		return bridges, repoErr(err, "ListBridges", "query")
	}
	defer rows.Close()
	for rows.Next() {
		var b Bridge
		var status string
		var createdAt int64
		if err := rows.Scan(&b.ID, &b.Name, &status, &createdAt); err != nil {
			return bridges, repoErr(err, "ListBridges", "scan")
		}
		b.Status = Status(status)
		b.CreatedAt = time.UnixMilli(createdAt)
		bridges = append(bridges, b)
	}
	if err := rows.Err(); err != nil {
		return bridges, repoErr(err, "ListBridges", "iterate")
	}
	return bridges, nil
}

// DeleteBridge removes a bridge; its channel links cascade.
func (r *Repository) DeleteBridge(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM bridges WHERE id = ?`, id)
	if err != nil {
		return repoErr(err, "DeleteBridge", "delete")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.WrapInvalid(errors.ErrNotFound, "topology", "DeleteBridge", "bridge lookup")
	}
	return nil
}

// LinkChannelToBridge links a native channel into a bridge. Upsert on
// (platform, native_id): re-linking an already linked channel moves it to the
// new bridge.
func (r *Repository) LinkChannelToBridge(ctx context.Context, p LinkParams) error {
	platform, nativeID := normalizeKey(p.Platform, p.NativeID)
	if platform == "" || nativeID == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"topology", "LinkChannelToBridge", "platform and nativeId are required")
	}
	cfg := p.Config
	if cfg == nil {
		cfg = map[string]string{}
	}
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return errors.WrapInvalid(err, "topology", "LinkChannelToBridge", "encode config")
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO channels (id, bridge_id, platform, native_id, config, added_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(platform, native_id) DO UPDATE SET
		   bridge_id = excluded.bridge_id,
		   config    = excluded.config`,
		uuid.New().String(), p.BridgeID, platform, nativeID, string(configJSON), time.Now().UnixMilli())
	if err != nil {
		return repoErr(err, "LinkChannelToBridge", "upsert")
	}
	return nil
}

// UnlinkChannel removes a native channel from whatever bridge holds it.
func (r *Repository) UnlinkChannel(ctx context.Context, platform, nativeID string) error {
	platform, nativeID = normalizeKey(platform, nativeID)
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM channels WHERE platform = ? AND native_id = ?`, platform, nativeID)
	if err != nil {
		return repoErr(err, "UnlinkChannel", "delete")
	}
	return nil
}

// UpdateBridgeStatus flips a bridge between on, off and paused.
func (r *Repository) UpdateBridgeStatus(ctx context.Context, bridgeID string, status Status) error {
	if !status.Valid() {
		return errors.WrapInvalid(errors.ErrInvalidStatus,
			"topology", "UpdateBridgeStatus", fmt.Sprintf("status %q", status))
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE bridges SET status = ? WHERE id = ?`, string(status), bridgeID)
	if err != nil {
		return repoErr(err, "UpdateBridgeStatus", "update")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.WrapInvalid(errors.ErrNotFound, "topology", "UpdateBridgeStatus", "bridge lookup")
	}
	return nil
}

// GetKV reads an opaque value from the KV area. Returns ErrKeyNotFound for
// absent keys.
func (r *Repository) GetKV(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", errors.WrapInvalid(errors.ErrKeyNotFound, "topology", "GetKV", "key lookup")
	}
	if err != nil {
		return "", repoErr(err, "GetKV", "query")
	}
	return value, nil
}

// SetKV writes an opaque value, replacing any previous one.
func (r *Repository) SetKV(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO kv_store (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return repoErr(err, "SetKV", "upsert")
	}
	return nil
}

// DeleteKV removes a key. Deleting an absent key is a no-op.
func (r *Repository) DeleteKV(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?`, key)
	if err != nil {
		return repoErr(err, "DeleteKV", "delete")
	}
	return nil
}
