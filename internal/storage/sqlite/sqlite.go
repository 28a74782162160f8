// Package sqlite implements the storage backend on an embedded SQLite
// database using the pure-Go modernc.org/sqlite driver. All statements run on
// a single connection; top-level transactions use explicit BEGIN/COMMIT and
// nested scopes use named savepoints.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	_ "modernc.org/sqlite"

	"chatcache/internal/models"
	"chatcache/internal/storage"
)

const defaultBusyTimeout = 5 * time.Second

// searchMode records which filename search structure the schema manager was
// able to build. Construction never fails over search setup; it degrades from
// FTS5 with the trigram tokenizer down to a plain table queried with LIKE.
type searchMode int

const (
	searchFTSTrigram searchMode = iota
	searchFTSUnicode
	searchLike
)

type config struct {
	busyTimeout time.Duration
	cacheKiB    int
	logger      *slog.Logger
}

// Option adjusts backend construction.
type Option func(*config)

// WithLogger installs the logger used for best-effort and degradation
// diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithBusyTimeout bounds how long a write waits on the database lock before
// the operation fails. Exceeding it is surfaced as an error, never retried
// here.
func WithBusyTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.busyTimeout = timeout
		}
	}
}

// WithCacheSize sets the page cache size in KiB.
func WithCacheSize(kib int) Option {
	return func(cfg *config) {
		if kib > 0 {
			cfg.cacheKiB = kib
		}
	}
}

// Backend is the SQLite implementation of storage.Backend.
type Backend struct {
	db          *sql.DB
	logger      *slog.Logger
	search      searchMode
	busyTimeout time.Duration
	spSeq       atomic.Uint64

	// deleteHook allows tests to fail individual cascade-delete steps.
	deleteHook func(entity string) error
}

// Open opens or creates the database at path, applies performance pragmas,
// and initialises the schema. It returns an error before any partial backend
// when the database cannot be opened.
func Open(path string, opts ...Option) (*Backend, error) {
	cfg := config{
		busyTimeout: defaultBusyTimeout,
		cacheKiB:    8192,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(%d)&_pragma=cache_size(-%d)",
		url.PathEscape(path), cfg.busyTimeout.Milliseconds(), cfg.cacheKiB,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// Single writer; pragmas and explicit BEGIN/SAVEPOINT statements are
	// connection-scoped, so the pool must never hand out a second one.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	b := &Backend{db: db, logger: cfg.logger, busyTimeout: cfg.busyTimeout}
	if err := b.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize sqlite schema: %w", err)
	}
	return b, nil
}

var ddl = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)`,
	`CREATE TABLE IF NOT EXISTS rooms (
		room_id TEXT PRIMARY KEY,
		info    TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS room_members (
		room_id    TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		info       TEXT,
		membership TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (room_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		event_id TEXT PRIMARY KEY,
		room_id  TEXT NOT NULL,
		idx      INTEGER,
		body     TEXT
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
		size     INTEGER NOT NULL DEFAULT 0,
		width    INTEGER NOT NULL DEFAULT 0,
		height   INTEGER NOT NULL DEFAULT 0,
		blurhash TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_media_room ON media_metadata (room_id)`,
}

func (b *Backend) initSchema(ctx context.Context) error {
	for _, stmt := range ddl {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply ddl: %w", err)
		}
	}
	if _, err := b.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version) VALUES (?)`, storage.SchemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	b.initSearch(ctx)
	return nil
}

// initSearch builds the filename search structure, degrading through tokenizer
// fallbacks instead of failing construction over a non-essential feature.
func (b *Backend) initSearch(ctx context.Context) {
	if _, err := b.db.ExecContext(ctx,
		`CREATE VIRTUAL TABLE IF NOT EXISTS media_search USING fts5(event_id UNINDEXED, filename, tokenize='trigram')`); err == nil {
		b.search = searchFTSTrigram
		return
	} else {
		b.logger.Warn("fts5 trigram tokenizer unavailable, trying unicode61", "error", err)
	}
	if _, err := b.db.ExecContext(ctx,
		`CREATE VIRTUAL TABLE IF NOT EXISTS media_search USING fts5(event_id UNINDEXED, filename, tokenize='unicode61')`); err == nil {
		b.search = searchFTSUnicode
		return
	} else {
		b.logger.Warn("fts5 unavailable, falling back to LIKE search", "error", err)
	}
	b.search = searchLike
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS media_search_plain (event_id TEXT PRIMARY KEY, filename TEXT NOT NULL DEFAULT '')`,
		`CREATE INDEX IF NOT EXISTS idx_media_search_plain ON media_search_plain (filename)`,
	} {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			b.logger.Warn("filename search disabled", "error", err)
			return
		}
	}
}

func (b *Backend) searchTable() string {
	if b.search == searchLike {
		return "media_search_plain"
	}
	return "media_search"
}

// Txn wraps one explicit transaction or savepoint on the backend's
// connection. Only the backend that created it accepts it.
type Txn struct {
	backend   *Backend
	conn      *sql.Conn // set on the top-level handle only
	parent    *Txn
	savepoint string
	done      bool
}

// Begin opens a top-level transaction on a dedicated connection. The busy
// timeout bounds the wait for the single connection too, so a Begin racing an
// open transaction in the same process fails after the same bound SQLite
// applies to a locked database file.
func (b *Backend) Begin(ctx context.Context) (storage.Txn, error) {
	if b.busyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.busyTimeout)
		defer cancel()
	}
	conn, err := b.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire sqlite connection: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Txn{backend: b, conn: conn}, nil
}

// Begin opens a nested savepoint scope. Savepoint names come from a counter
// owned by the backend instance, so concurrently nested scopes never collide.
func (t *Txn) Begin(ctx context.Context) (storage.Txn, error) {
	if t.done {
		return nil, storage.ErrTxnDone
	}
	name := fmt.Sprintf("sp_%d", t.backend.spSeq.Add(1))
	if _, err := t.root().conn.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
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
		if _, err := t.root().conn.ExecContext(ctx, "RELEASE SAVEPOINT "+t.savepoint); err != nil {
			return fmt.Errorf("release savepoint %s: %w", t.savepoint, err)
		}
		t.done = true
		return nil
	}
	if _, err := t.conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	t.done = true
	if err := t.conn.Close(); err != nil {
		return fmt.Errorf("release connection: %w", err)
	}
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
		conn := t.root().conn
		if _, err := conn.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+t.savepoint); err != nil {
			return fmt.Errorf("rollback to savepoint %s: %w", t.savepoint, err)
		}
		if _, err := conn.ExecContext(ctx, "RELEASE SAVEPOINT "+t.savepoint); err != nil {
			return fmt.Errorf("release savepoint %s: %w", t.savepoint, err)
		}
		return nil
	}
	_, execErr := t.conn.ExecContext(ctx, "ROLLBACK")
	closeErr := t.conn.Close()
	if execErr != nil {
		return fmt.Errorf("rollback transaction: %w", execErr)
	}
	if closeErr != nil {
		return fmt.Errorf("release connection: %w", closeErr)
	}
	return nil
}

func (t *Txn) exec(ctx context.Context, query string, args ...any) error {
	if t.done {
		return storage.ErrTxnDone
	}
	_, err := t.root().conn.ExecContext(ctx, query, args...)
	return err
}

func (t *Txn) queryRow(ctx context.Context, query string, args ...any) (*sql.Row, error) {
	if t.done {
		return nil, storage.ErrTxnDone
	}
	return t.root().conn.QueryRowContext(ctx, query, args...), nil
}

func (t *Txn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if t.done {
		return nil, storage.ErrTxnDone
	}
	return t.root().conn.QueryContext(ctx, query, args...)
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
		`INSERT INTO rooms (room_id, info) VALUES (?, ?)
		 ON CONFLICT (room_id) DO UPDATE SET info = excluded.info`,
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
	row, err := txn.queryRow(ctx, `SELECT info FROM rooms WHERE room_id = ?`, roomID)
	if err != nil {
		return nil, err
	}
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
		row, err := txn.queryRow(ctx, `SELECT COUNT(*) FROM room_members WHERE room_id = ?`, roomID)
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
	del := func(entity, query string, args ...any) {
		err := storage.BestEffort(b.logger, "delete "+entity, func() error {
			if b.deleteHook != nil {
				if err := b.deleteHook(entity); err != nil {
					return err
				}
			}
			return txn.exec(ctx, query, args...)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("delete %s for room %s: %w", entity, roomID, err))
		}
	}
	del("members", `DELETE FROM room_members WHERE room_id = ?`, roomID)
	del("state events", `DELETE FROM state_events WHERE room_id = ?`, roomID)
	del("media search entries",
		fmt.Sprintf(`DELETE FROM %s WHERE event_id IN (SELECT event_id FROM media_metadata WHERE room_id = ?)`, b.searchTable()),
		roomID)
	del("media metadata", `DELETE FROM media_metadata WHERE room_id = ?`, roomID)
	del("events", `DELETE FROM events WHERE room_id = ?`, roomID)
	del("room", `DELETE FROM rooms WHERE room_id = ?`, roomID)
	return errors.Join(errs...)
}

func (b *Backend) SaveEvent(ctx context.Context, t storage.Txn, eventID, roomID string, eventJSON []byte) error {
	txn, err := b.txn(t)
	if err != nil {
		return err
	}
	if err := txn.exec(ctx,
		`INSERT INTO events (event_id, room_id, body) VALUES (?, ?, ?)
		 ON CONFLICT (event_id) DO UPDATE SET room_id = excluded.room_id, body = excluded.body`,
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
	row, err := txn.queryRow(ctx, `SELECT body FROM events WHERE event_id = ?`, eventID)
	if err != nil {
		return nil, err
	}
	var body sql.NullString
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query event %s: %w", eventID, err)
	}
	if !body.Valid {
		return nil, nil
	}
	return []byte(body.String), nil
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
		`INSERT INTO state_events (room_id, type, state_key, event_id) VALUES (?, ?, ?, ?)
		 ON CONFLICT (room_id, type, state_key) DO UPDATE SET event_id = excluded.event_id`,
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
		`SELECT event_id FROM state_events WHERE room_id = ? AND type = ? AND state_key = ?`,
		roomID, eventType, stateKey)
	if err != nil {
		return "", err
	}
	var eventID string
	if err := row.Scan(&eventID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
		`INSERT INTO room_members (room_id, user_id, info, membership) VALUES (?, ?, ?, ?)
		 ON CONFLICT (room_id, user_id) DO UPDATE SET info = excluded.info, membership = excluded.membership`,
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
		`DELETE FROM room_members WHERE room_id = ? AND user_id = ?`, roomID, userID); err != nil {
		return fmt.Errorf("delete member %s in %s: %w", userID, roomID, err)
	}
	return nil
}

func (b *Backend) SaveMediaMetadata(ctx context.Context, t storage.Txn, meta models.MediaMetadata) error {
	txn, err := b.txn(t)
	if err != nil {
		return err
	}
	if err := txn.exec(ctx,
		`INSERT INTO media_metadata (event_id, room_id, filename, mimetype, size, width, height, blurhash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (event_id) DO UPDATE SET
			room_id = excluded.room_id, filename = excluded.filename,
			mimetype = excluded.mimetype, size = excluded.size,
			width = excluded.width, height = excluded.height,
			blurhash = excluded.blurhash`,
		meta.EventID, meta.RoomID, meta.Filename, meta.Mimetype,
		meta.Size, meta.Width, meta.Height, meta.Blurhash); err != nil {
		return fmt.Errorf("save media metadata %s: %w", meta.EventID, err)
	}
	// Keep the search index in lock-step: replace semantics, same txn.
	table := b.searchTable()
	if err := txn.exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE event_id = ?`, table), meta.EventID); err != nil {
		return fmt.Errorf("replace media search entry %s: %w", meta.EventID, err)
	}
	if err := txn.exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (event_id, filename) VALUES (?, lower(?))`, table),
		meta.EventID, meta.Filename); err != nil {
		return fmt.Errorf("index media filename %s: %w", meta.EventID, err)
	}
	return nil
}

func (b *Backend) SearchMediaFilenames(ctx context.Context, t storage.Txn, query string) ([]string, error) {
	txn, err := b.txn(t)
	if err != nil {
		return nil, err
	}
	var rows *sql.Rows
	switch {
	case b.search == searchLike:
		rows, err = txn.query(ctx,
			`SELECT event_id FROM media_search_plain WHERE filename LIKE '%' || lower(?) || '%' ORDER BY event_id`,
			query)
	case utf8.RuneCountInString(query) < 3:
		// Below the trigram token size MATCH finds nothing, so scan the
		// indexed column directly to keep substring semantics.
		rows, err = txn.query(ctx,
			`SELECT event_id FROM media_search WHERE filename LIKE '%' || lower(?) || '%' ORDER BY event_id`,
			query)
	default:
		match := `"` + strings.ReplaceAll(strings.ToLower(query), `"`, `""`) + `"*`
		rows, err = txn.query(ctx,
			`SELECT event_id FROM media_search WHERE media_search MATCH ? ORDER BY event_id`, match)
	}
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
	return b.db.PingContext(ctx)
}

func (b *Backend) Close() error {
	return b.db.Close()
}

var _ storage.Backend = (*Backend)(nil)
