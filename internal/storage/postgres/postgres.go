// Package postgres implements the storage backend on a client/server
// PostgreSQL database through jackc/pgx. Top-level transactions hold a pooled
// connection with an explicit BEGIN/COMMIT; nested scopes use named
// savepoints on that connection.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatcache/internal/models"
	"chatcache/internal/storage"
)

// Config describes how the backend initialises its connection pool.
type Config struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
	Logger              *slog.Logger
}

// Option adjusts backend construction.
type Option func(*Config)

// WithLogger installs the logger used for best-effort and degradation
// diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *Config) {
		if logger != nil {
			cfg.Logger = logger
		}
	}
}

// WithPoolLimits bounds the connection pool size.
func WithPoolLimits(maxConns, minConns int32) Option {
	return func(cfg *Config) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
	}
}

// WithPoolDurations configures connection lifetime, idle time, and health
// check cadence.
func WithPoolDurations(maxLifetime, maxIdle, healthInterval time.Duration) Option {
	return func(cfg *Config) {
		if maxLifetime > 0 {
			cfg.MaxConnLifetime = maxLifetime
		}
		if maxIdle > 0 {
			cfg.MaxConnIdleTime = maxIdle
		}
		if healthInterval > 0 {
			cfg.HealthCheckInterval = healthInterval
		}
	}
}

// WithAcquireTimeout bounds how long Begin waits for a pooled connection.
func WithAcquireTimeout(timeout time.Duration) Option {
	return func(cfg *Config) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	}
}

// WithApplicationName sets the application_name runtime parameter.
func WithApplicationName(name string) Option {
	return func(cfg *Config) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.ApplicationName = trimmed
		}
	}
}

// Backend is the PostgreSQL implementation of storage.Backend.
type Backend struct {
	pool     *pgxpool.Pool
	logger   *slog.Logger
	trigram  bool
	acquire  time.Duration
	spSeq    atomic.Uint64

	// deleteHook allows tests to fail individual cascade-delete steps.
	deleteHook func(entity string) error
}

// Open connects to the database described by dsn and initialises the schema.
// It fails before returning any partial backend when the server is
// unreachable.
func Open(dsn string, opts ...Option) (*Backend, error) {
	cfg := Config{DSN: dsn, Logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	b := &Backend{pool: pool, logger: cfg.Logger, acquire: cfg.AcquireTimeout}
	if err := b.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize postgres schema: %w", err)
	}
	return b, nil
}

var ddl = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)`,
	`CREATE TABLE IF NOT EXISTS rooms (
		room_id TEXT PRIMARY KEY,
		info    JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS room_members (
		room_id    TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		info       JSONB,
		membership TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (room_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		event_id TEXT PRIMARY KEY,
		room_id  TEXT NOT NULL,
		idx      BIGINT,
		body     JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_room ON events (room_id, idx)`,
	`CREATE TABLE IF NOT EXISTS state_events (
		room_id   TEXT NOT NULL,
		type      TEXT NOT NULL,
		state_key TEXT NOT NULL,
		event_id  TEXT NOT NULL,
		PRIMARY KEY (room_id, type, state_key)
	)`,
	`CREATE TABLE IF NOT EXISTS media_metadata (
		event_id TEXT PRIMARY KEY,
		room_id  TEXT NOT NULL,
		filename TEXT NOT NULL DEFAULT '',
		mimetype TEXT NOT NULL DEFAULT '',
		size     BIGINT NOT NULL DEFAULT 0,
		width    INTEGER NOT NULL DEFAULT 0,
		height   INTEGER NOT NULL DEFAULT 0,
		blurhash TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_media_room ON media_metadata (room_id)`,
}

func (b *Backend) initSchema(ctx context.Context) error {
	for _, stmt := range ddl {
		if _, err := b.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply ddl: %w", err)
		}
	}
	if _, err := b.pool.Exec(ctx,
		`INSERT INTO schema_version (version) VALUES ($1) ON CONFLICT DO NOTHING`, storage.SchemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	b.initSearch(ctx)
	return nil
}

// initSearch prefers a trigram GIN index for substring filename search and
// degrades to a btree index on lower(filename) when pg_trgm cannot be
// installed. Search setup never fails construction.
func (b *Backend) initSearch(ctx context.Context) {
	if _, err := b.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS pg_trgm`); err == nil {
		if _, err := b.pool.Exec(ctx,
			`CREATE INDEX IF NOT EXISTS idx_media_filename_trgm ON media_metadata USING gin (lower(filename) gin_trgm_ops)`); err == nil {
			b.trigram = true
			return
		} else {
			b.logger.Warn("trigram index creation failed, falling back to btree", "error", err)
		}
	} else {
		b.logger.Warn("pg_trgm unavailable, falling back to btree filename index", "error", err)
	}
	if _, err := b.pool.Exec(ctx,
		`CREATE INDEX IF NOT EXISTS idx_media_filename ON media_metadata (lower(filename))`); err != nil {
		b.logger.Warn("filename index creation failed, search will scan", "error", err)
	}
}

// Txn wraps one native transaction or savepoint. Only the backend that
// created it accepts it.
type Txn struct {
	backend   *Backend
	conn      *pgxpool.Conn // set on the top-level handle only
	tx        pgx.Tx        // set on the top-level handle only
	parent    *Txn
	savepoint string
	done      bool
}

// Begin acquires a pooled connection and opens a transaction on it.
func (b *Backend) Begin(ctx context.Context) (storage.Txn, error) {
	if b.acquire > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.acquire)
		defer cancel()
	}
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire postgres connection: %w", err)
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		conn.Release()
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Txn{backend: b, conn: conn, tx: tx}, nil
}

// Begin opens a nested savepoint scope. Savepoint names come from a counter
// owned by the backend instance, so concurrently nested scopes never collide.
func (t *Txn) Begin(ctx context.Context) (storage.Txn, error) {
	if t.done {
		return nil, storage.ErrTxnDone
	}
	name := fmt.Sprintf("sp_%d", t.backend.spSeq.Add(1))
	if _, err := t.root().tx.Exec(ctx, "SAVEPOINT "+name); err != nil {
		return nil, fmt.Errorf("begin savepoint %s: %w", name, err)
	}
	return &Txn{backend: t.backend, parent: t, savepoint: name}, nil
}

func (t *Txn) root() *Txn {
	for t.parent != nil {
		t = t.parent
	}
	return t
}

// Commit finalises the transaction or releases the savepoint. On failure the
// handle remains open so a deferred Rollback still runs.
func (t *Txn) Commit() error {
	if t.done {
		return storage.ErrTxnDone
	}
	ctx := context.Background()
	if t.savepoint != "" {
		if _, err := t.root().tx.Exec(ctx, "RELEASE SAVEPOINT "+t.savepoint); err != nil {
			return fmt.Errorf("release savepoint %s: %w", t.savepoint, err)
		}
		t.done = true
		return nil
	}
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	t.done = true
	t.conn.Release()
	return nil
}

// Rollback aborts the transaction or savepoint. It is a no-op once the handle
// finished, so callers always defer it.
func (t *Txn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	ctx := context.Background()
	if t.savepoint != "" {
		tx := t.root().tx
		if _, err := tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+t.savepoint); err != nil {
			return fmt.Errorf("rollback to savepoint %s: %w", t.savepoint, err)
		}
		if _, err := tx.Exec(ctx, "RELEASE SAVEPOINT "+t.savepoint); err != nil {
			return fmt.Errorf("release savepoint %s: %w", t.savepoint, err)
		}
		return nil
	}
	err := t.tx.Rollback(ctx)
	t.conn.Release()
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback transaction: %w", err)
	}
	return nil
}

func (t *Txn) exec(ctx context.Context, query string, args ...any) error {
	if t.done {
		return storage.ErrTxnDone
	}
	_, err := t.root().tx.Exec(ctx, query, args...)
	return err
}

func (t *Txn) query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	if t.done {
		return nil, storage.ErrTxnDone
	}
	return t.root().tx.Query(ctx, query, args...)
}

func (t *Txn) queryRow(ctx context.Context, query string, args ...any) (pgx.Row, error) {
	if t.done {
		return nil, storage.ErrTxnDone
	}
	return t.root().tx.QueryRow(ctx, query, args...), nil
}

// txn narrows the shared handle to this backend's own transaction type.
func (b *Backend) txn(t storage.Txn) (*Txn, error) {
	own, ok := t.(*Txn)
	if !ok || own.backend != b {
		return nil, storage.ErrForeignTxn
	}
	return own, nil
}

func (b *Backend) SaveRoom(ctx context.Context, t storage.Txn, roomID string, info models.RoomInfo) error {
	txn, err := b.txn(t)
	if err != nil {
		return err
	}
	envelope, err := models.EncodeRoomInfo(info)
	if err != nil {
		return err
	}
	if err := txn.exec(ctx,
		`INSERT INTO rooms (room_id, info) VALUES ($1, $2)
		 ON CONFLICT (room_id) DO UPDATE SET info = EXCLUDED.info`,
		roomID, string(envelope)); err != nil {
		return fmt.Errorf("save room %s: %w", roomID, err)
	}
	return nil
}

func (b *Backend) GetRoom(ctx context.Context, t storage.Txn, roomID string) (*models.RoomInfo, error) {
	txn, err := b.txn(t)
	if err != nil {
		return nil, err
	}
	row, err := txn.queryRow(ctx, `SELECT info FROM rooms WHERE room_id = $1`, roomID)
	if err != nil {
		return nil, err
	}
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query room %s: %w", roomID, err)
	}
	info, err := models.DecodeRoomInfo(raw)
	if err != nil {
		b.logger.Debug("discarding undecodable room envelope", "room_id", roomID, "error", err)
		return nil, nil
	}
	storage.BestEffort(b.logger, "room member count", func() error {
		row, err := txn.queryRow(ctx, `SELECT COUNT(*) FROM room_members WHERE room_id = $1`, roomID)
		if err != nil {
			return err
		}
		return row.Scan(&info.MemberCount)
	})
	return &info, nil
}

func (b *Backend) ListRoomIDs(ctx context.Context, t storage.Txn) ([]string, error) {
	txn, err := b.txn(t)
	if err != nil {
		return nil, err
	}
	rows, err := txn.query(ctx, `SELECT room_id FROM rooms ORDER BY room_id`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan room id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return ids, nil
}

// DeleteRoom removes the room and everything that references it. Each
// dependent deletion is independent: a failed step is logged, the remaining
// steps still run, and the failures are joined into the returned error.
func (b *Backend) DeleteRoom(ctx context.Context, t storage.Txn, roomID string) error {
	txn, err := b.txn(t)
	if err != nil {
		return err
	}
	var errs []error
	del := func(entity, query string) {
		err := storage.BestEffort(b.logger, "delete "+entity, func() error {
			if b.deleteHook != nil {
				if err := b.deleteHook(entity); err != nil {
					return err
				}
			}
			return txn.exec(ctx, query, roomID)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("delete %s for room %s: %w", entity, roomID, err))
		}
	}
	del("members", `DELETE FROM room_members WHERE room_id = $1`)
	del("state events", `DELETE FROM state_events WHERE room_id = $1`)
	del("media metadata", `DELETE FROM media_metadata WHERE room_id = $1`)
	del("events", `DELETE FROM events WHERE room_id = $1`)
	del("room", `DELETE FROM rooms WHERE room_id = $1`)
	return errors.Join(errs...)
}

func (b *Backend) SaveEvent(ctx context.Context, t storage.Txn, eventID, roomID string, eventJSON []byte) error {
	txn, err := b.txn(t)
	if err != nil {
		return err
	}
	if err := txn.exec(ctx,
		`INSERT INTO events (event_id, room_id, body) VALUES ($1, $2, $3)
		 ON CONFLICT (event_id) DO UPDATE SET room_id = EXCLUDED.room_id, body = EXCLUDED.body`,
		eventID, roomID, string(eventJSON)); err != nil {
		return fmt.Errorf("save event %s: %w", eventID, err)
	}
	return nil
}

func (b *Backend) GetEvent(ctx context.Context, t storage.Txn, eventID string) ([]byte, error) {
	txn, err := b.txn(t)
	if err != nil {
		return nil, err
	}
	row, err := txn.queryRow(ctx, `SELECT body FROM events WHERE event_id = $1`, eventID)
	if err != nil {
		return nil, err
	}
	var body []byte
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query event %s: %w", eventID, err)
	}
	return body, nil
}

func (b *Backend) SaveStateEvent(ctx context.Context, t storage.Txn, eventID, roomID, eventType, stateKey string, eventJSON []byte) error {
	// Event body first so the projection never references a missing event.
	if err := b.SaveEvent(ctx, t, eventID, roomID, eventJSON); err != nil {
		return err
	}
	txn, err := b.txn(t)
	if err != nil {
		return err
	}
	if err := txn.exec(ctx,
		`INSERT INTO state_events (room_id, type, state_key, event_id) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (room_id, type, state_key) DO UPDATE SET event_id = EXCLUDED.event_id`,
		roomID, eventType, stateKey, eventID); err != nil {
		return fmt.Errorf("save state event %s/%s in %s: %w", eventType, stateKey, roomID, err)
	}
	return nil
}

func (b *Backend) GetStateEventID(ctx context.Context, t storage.Txn, roomID, eventType, stateKey string) (string, error) {
	txn, err := b.txn(t)
	if err != nil {
		return "", err
	}
	row, err := txn.queryRow(ctx,
		`SELECT event_id FROM state_events WHERE room_id = $1 AND type = $2 AND state_key = $3`,
		roomID, eventType, stateKey)
	if err != nil {
		return "", err
	}
	var eventID string
	if err := row.Scan(&eventID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("query state event %s/%s in %s: %w", eventType, stateKey, roomID, err)
	}
	return eventID, nil
}

func (b *Backend) SaveMember(ctx context.Context, t storage.Txn, roomID, userID string, memberJSON []byte, membership string) error {
	txn, err := b.txn(t)
	if err != nil {
		return err
	}
	if err := txn.exec(ctx,
		`INSERT INTO room_members (room_id, user_id, info, membership) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (room_id, user_id) DO UPDATE SET info = EXCLUDED.info, membership = EXCLUDED.membership`,
		roomID, userID, string(memberJSON), membership); err != nil {
		return fmt.Errorf("save member %s in %s: %w", userID, roomID, err)
	}
	return nil
}

func (b *Backend) DeleteMember(ctx context.Context, t storage.Txn, roomID, userID string) error {
	txn, err := b.txn(t)
	if err != nil {
		return err
	}
	if err := txn.exec(ctx,
		`DELETE FROM room_members WHERE room_id = $1 AND user_id = $2`, roomID, userID); err != nil {
		return fmt.Errorf("delete member %s in %s: %w", userID, roomID, err)
	}
	return nil
}

func (b *Backend) SaveMediaMetadata(ctx context.Context, t storage.Txn, meta models.MediaMetadata) error {
	txn, err := b.txn(t)
	if err != nil {
		return err
	}
	// The filename index is maintained by the engine, so upserting the row
	// keeps the search structure in lock-step.
	if err := txn.exec(ctx,
		`INSERT INTO media_metadata (event_id, room_id, filename, mimetype, size, width, height, blurhash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (event_id) DO UPDATE SET
			room_id = EXCLUDED.room_id, filename = EXCLUDED.filename,
			mimetype = EXCLUDED.mimetype, size = EXCLUDED.size,
			width = EXCLUDED.width, height = EXCLUDED.height,
			blurhash = EXCLUDED.blurhash`,
		meta.EventID, meta.RoomID, meta.Filename, meta.Mimetype,
		meta.Size, meta.Width, meta.Height, meta.Blurhash); err != nil {
		return fmt.Errorf("save media metadata %s: %w", meta.EventID, err)
	}
	return nil
}

func (b *Backend) SearchMediaFilenames(ctx context.Context, t storage.Txn, query string) ([]string, error) {
	txn, err := b.txn(t)
	if err != nil {
		return nil, err
	}
	rows, err := txn.query(ctx,
		`SELECT event_id FROM media_metadata WHERE filename ILIKE '%' || $1 || '%' ORDER BY event_id`,
		query)
	if err != nil {
		return nil, fmt.Errorf("search media filenames: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan media search result: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search media filenames: %w", err)
	}
	return ids, nil
}

func (b *Backend) Relational() bool { return true }

func (b *Backend) Ping(ctx context.Context) error {
	return b.pool.Ping(ctx)
}

func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

var _ storage.Backend = (*Backend)(nil)
