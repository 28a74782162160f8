// Package badger implements the storage backend on an embedded badger
// key-value store. The engine has no tables, so per-room sub-namespaces are
// synthesized from NUL-separated key prefixes, and the relational WHERE
// filters become prefix scans. Badger serializes write transactions at the
// environment level; readers never block writers.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	badger "github.com/dgraph-io/badger/v4"

	"chatcache/internal/models"
	"chatcache/internal/storage"
)

// keySep joins key segments. Room, user, and event identifiers never contain
// a NUL byte.
const keySep = "\x00"

// Key prefixes, one per logical entity:
//
//	r/<room>                 room envelope
//	m/<room>/<user>          member record
//	e/<event>                event body
//	ei/<room>/<event>        room -> event index (cascade delete)
//	s/<room>/<type>/<key>    state-event projection -> event id
//	md/<event>               media metadata envelope
//	mi/<room>/<event>        room -> media index (cascade delete)
//	fn/<filename>/<event>    lowercased filename search index
//	meta/<name>              markers (schema version)
func key(parts ...string) []byte {
	return []byte(strings.Join(parts, keySep))
}

func prefix(parts ...string) []byte {
	return append(key(parts...), keySep...)
}

func splitKey(k string) []string {
	return strings.Split(k, keySep)
}

type config struct {
	logger   *slog.Logger
	inMemory bool
}

// Option adjusts backend construction.
type Option func(*config)

// WithLogger installs the logger used for best-effort diagnostics and for
// badger's own output.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithInMemory keeps the whole store in memory. Used by tests.
func WithInMemory() Option {
	return func(cfg *config) {
		cfg.inMemory = true
	}
}

// Backend is the badger implementation of storage.Backend.
type Backend struct {
	db     *badger.DB
	logger *slog.Logger

	// deleteHook allows tests to fail individual cascade-delete steps.
	deleteHook func(entity string) error
}

// Open opens or creates the store under dir and writes the schema version
// marker on first use.
func Open(dir string, opts ...Option) (*Backend, error) {
	cfg := config{logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	bopts := badger.DefaultOptions(dir)
	if cfg.inMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	}
	bopts = bopts.WithLogger(badgerLogger{logger: cfg.logger})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}

	b := &Backend{db: db, logger: cfg.logger}
	if err := b.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize badger keyspace: %w", err)
	}
	return b, nil
}

func (b *Backend) initSchema() error {
	return b.db.Update(func(txn *badger.Txn) error {
		versionKey := key("meta", "schema_version")
		_, err := txn.Get(versionKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return txn.Set(versionKey, []byte(fmt.Sprintf("%d", storage.SchemaVersion)))
		}
		return err
	})
}

// badgerLogger routes badger's internal logging into slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

// storedEvent is the key-value rendition of the relational events row.
type storedEvent struct {
	RoomID string          `json:"room_id"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// storedMember is the key-value rendition of the relational room_members row.
type storedMember struct {
	Membership string          `json:"membership"`
	Info       json.RawMessage `json:"info,omitempty"`
}

// pendingWrite is one overlay entry of a nested transaction scope.
type pendingWrite struct {
	value   []byte
	deleted bool
}

// Txn wraps one badger write transaction. Badger has no savepoints, so a
// nested scope buffers its writes in an overlay that is merged into the
// parent on commit and discarded on rollback.
type Txn struct {
	backend *Backend
	btxn    *badger.Txn // set on the top-level handle only
	parent  *Txn
	pending map[string]pendingWrite // set on nested handles only
	done    bool
}

// Begin opens a top-level write transaction.
func (b *Backend) Begin(ctx context.Context) (storage.Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Txn{backend: b, btxn: b.db.NewTransaction(true)}, nil
}

// Begin opens a nested overlay scope.
func (t *Txn) Begin(ctx context.Context) (storage.Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.done {
		return nil, storage.ErrTxnDone
	}
	return &Txn{backend: t.backend, parent: t, pending: make(map[string]pendingWrite)}, nil
}

// Commit finalises the native transaction, or merges a nested overlay into
// its parent.
func (t *Txn) Commit() error {
	if t.done {
		return storage.ErrTxnDone
	}
	if t.parent != nil {
		if t.parent.done {
			return storage.ErrTxnDone
		}
		for k, w := range t.pending {
			var err error
			if w.deleted {
				err = t.parent.delete([]byte(k))
			} else {
				err = t.parent.set([]byte(k), w.value)
			}
			if err != nil {
				return fmt.Errorf("merge nested scope: %w", err)
			}
		}
		t.done = true
		return nil
	}
	// Badger discards the transaction internally on a failed commit, so
	// the handle is finished either way.
	t.done = true
	if err := t.btxn.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Rollback discards the transaction or overlay. It is a no-op once the
// handle finished, so callers always defer it.
func (t *Txn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if t.parent != nil {
		t.pending = nil
		return nil
	}
	t.btxn.Discard()
	return nil
}

func (t *Txn) set(k, v []byte) error {
	if t.done {
		return storage.ErrTxnDone
	}
	if t.parent != nil {
		t.pending[string(k)] = pendingWrite{value: append([]byte(nil), v...)}
		return nil
	}
	return t.btxn.Set(k, v)
}

func (t *Txn) delete(k []byte) error {
	if t.done {
		return storage.ErrTxnDone
	}
	if t.parent != nil {
		t.pending[string(k)] = pendingWrite{deleted: true}
		return nil
	}
	return t.btxn.Delete(k)
}

func (t *Txn) get(k []byte) ([]byte, bool, error) {
	if t.done {
		return nil, false, storage.ErrTxnDone
	}
	if t.parent != nil {
		if w, ok := t.pending[string(k)]; ok {
			if w.deleted {
				return nil, false, nil
			}
			return append([]byte(nil), w.value...), true, nil
		}
		return t.parent.get(k)
	}
	item, err := t.btxn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// scanPrefix returns every visible key/value pair under pfx, overlay scopes
// applied innermost last.
func (t *Txn) scanPrefix(pfx []byte) (map[string][]byte, error) {
	if t.done {
		return nil, storage.ErrTxnDone
	}
	if t.parent != nil {
		out, err := t.parent.scanPrefix(pfx)
		if err != nil {
			return nil, err
		}
		for k, w := range t.pending {
			if !strings.HasPrefix(k, string(pfx)) {
				continue
			}
			if w.deleted {
				delete(out, k)
			} else {
				out[k] = append([]byte(nil), w.value...)
			}
		}
		return out, nil
	}
	out := make(map[string][]byte)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = pfx
	it := t.btxn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		out[string(item.KeyCopy(nil))] = val
	}
	return out, nil
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
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
	if err := txn.set(key("r", roomID), envelope); err != nil {
		return fmt.Errorf("save room %s: %w", roomID, err)
	}
	return nil
}

func (b *Backend) GetRoom(ctx context.Context, t storage.Txn, roomID string) (*models.RoomInfo, error) {
	txn, err := b.txn(t)
	if err != nil {
		return nil, err
	}
	raw, ok, err := txn.get(key("r", roomID))
	if err != nil {
		return nil, fmt.Errorf("query room %s: %w", roomID, err)
	}
	if !ok {
		return nil, nil
	}
	info, err := models.DecodeRoomInfo(raw)
	if err != nil {
		b.logger.Debug("discarding undecodable room envelope", "room_id", roomID, "error", err)
		return nil, nil
	}
	// Count the room's member sub-namespace live. If the scan fails the
	// count stays zero rather than failing the whole read.
	storage.BestEffort(b.logger, "room member count", func() error {
		members, err := txn.scanPrefix(prefix("m", roomID))
		if err != nil {
			return err
		}
		info.MemberCount = int64(len(members))
		return nil
	})
	return &info, nil
}

func (b *Backend) ListRoomIDs(ctx context.Context, t storage.Txn) ([]string, error) {
	txn, err := b.txn(t)
	if err != nil {
		return nil, err
	}
	rooms, err := txn.scanPrefix(prefix("r"))
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	var ids []string
	for _, k := range sortedKeys(rooms) {
		if parts := splitKey(k); len(parts) == 2 {
			ids = append(ids, parts[1])
		}
	}
	return ids, nil
}

// DeleteRoom removes the room and everything under its sub-namespaces. Each
// dependent scan-and-delete is independent: a failed step is logged, the
// remaining steps still run, and the failures are joined into the returned
// error.
func (b *Backend) DeleteRoom(ctx context.Context, t storage.Txn, roomID string) error {
	txn, err := b.txn(t)
	if err != nil {
		return err
	}
	var errs []error
	del := func(entity string, fn func() error) {
		err := storage.BestEffort(b.logger, "delete "+entity, func() error {
			if b.deleteHook != nil {
				if err := b.deleteHook(entity); err != nil {
					return err
				}
			}
			return fn()
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("delete %s for room %s: %w", entity, roomID, err))
		}
	}

	del("members", func() error {
		return txn.deletePrefix(prefix("m", roomID))
	})
	del("state events", func() error {
		return txn.deletePrefix(prefix("s", roomID))
	})
	del("events", func() error {
		index, err := txn.scanPrefix(prefix("ei", roomID))
		if err != nil {
			return err
		}
		for _, k := range sortedKeys(index) {
			parts := splitKey(k)
			if len(parts) == 3 {
				if err := txn.delete(key("e", parts[2])); err != nil {
					return err
				}
			}
			if err := txn.delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	del("media metadata", func() error {
		index, err := txn.scanPrefix(prefix("mi", roomID))
		if err != nil {
			return err
		}
		for _, k := range sortedKeys(index) {
			parts := splitKey(k)
			if len(parts) != 3 {
				continue
			}
			eventID := parts[2]
			raw, ok, err := txn.get(key("md", eventID))
			if err != nil {
				return err
			}
			if ok {
				if meta, derr := models.DecodeMediaMetadata(raw); derr == nil {
					if err := txn.delete(key("fn", strings.ToLower(meta.Filename), eventID)); err != nil {
						return err
					}
				}
			}
			if err := txn.delete(key("md", eventID)); err != nil {
				return err
			}
			if err := txn.delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	del("room", func() error {
		return txn.delete(key("r", roomID))
	})
	return errors.Join(errs...)
}

func (t *Txn) deletePrefix(pfx []byte) error {
	entries, err := t.scanPrefix(pfx)
	if err != nil {
		return err
	}
	for _, k := range sortedKeys(entries) {
		if err := t.delete([]byte(k)); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) SaveEvent(ctx context.Context, t storage.Txn, eventID, roomID string, eventJSON []byte) error {
	txn, err := b.txn(t)
	if err != nil {
		return err
	}
	// Drop a stale room index entry when the event moves rooms.
	raw, ok, err := txn.get(key("e", eventID))
	if err != nil {
		return fmt.Errorf("save event %s: %w", eventID, err)
	}
	if ok {
		var prev storedEvent
		if json.Unmarshal(raw, &prev) == nil && prev.RoomID != roomID {
			if err := txn.delete(key("ei", prev.RoomID, eventID)); err != nil {
				return fmt.Errorf("save event %s: %w", eventID, err)
			}
		}
	}
	stored := storedEvent{RoomID: roomID}
	if len(eventJSON) > 0 {
		stored.Body = json.RawMessage(eventJSON)
	}
	value, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", eventID, err)
	}
	if err := txn.set(key("e", eventID), value); err != nil {
		return fmt.Errorf("save event %s: %w", eventID, err)
	}
	if err := txn.set(key("ei", roomID, eventID), nil); err != nil {
		return fmt.Errorf("index event %s: %w", eventID, err)
	}
	return nil
}

func (b *Backend) GetEvent(ctx context.Context, t storage.Txn, eventID string) ([]byte, error) {
	txn, err := b.txn(t)
	if err != nil {
		return nil, err
	}
	raw, ok, err := txn.get(key("e", eventID))
	if err != nil {
		return nil, fmt.Errorf("query event %s: %w", eventID, err)
	}
	if !ok {
		return nil, nil
	}
	var stored storedEvent
	if err := json.Unmarshal(raw, &stored); err != nil {
		b.logger.Debug("discarding undecodable event record", "event_id", eventID, "error", err)
		return nil, nil
	}
	return []byte(stored.Body), nil
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
	if err := txn.set(key("s", roomID, eventType, stateKey), []byte(eventID)); err != nil {
		return fmt.Errorf("save state event %s/%s in %s: %w", eventType, stateKey, roomID, err)
	}
	return nil
}

func (b *Backend) GetStateEventID(ctx context.Context, t storage.Txn, roomID, eventType, stateKey string) (string, error) {
	txn, err := b.txn(t)
	if err != nil {
		return "", err
	}
	raw, ok, err := txn.get(key("s", roomID, eventType, stateKey))
	if err != nil {
		return "", fmt.Errorf("query state event %s/%s in %s: %w", eventType, stateKey, roomID, err)
	}
	if !ok {
		return "", nil
	}
	return string(raw), nil
}

func (b *Backend) SaveMember(ctx context.Context, t storage.Txn, roomID, userID string, memberJSON []byte, membership string) error {
	txn, err := b.txn(t)
	if err != nil {
		return err
	}
	stored := storedMember{Membership: membership}
	if len(memberJSON) > 0 {
		stored.Info = json.RawMessage(memberJSON)
	}
	value, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode member %s: %w", userID, err)
	}
	if err := txn.set(key("m", roomID, userID), value); err != nil {
		return fmt.Errorf("save member %s in %s: %w", userID, roomID, err)
	}
	return nil
}

func (b *Backend) DeleteMember(ctx context.Context, t storage.Txn, roomID, userID string) error {
	txn, err := b.txn(t)
	if err != nil {
		return err
	}
	if err := txn.delete(key("m", roomID, userID)); err != nil {
		return fmt.Errorf("delete member %s in %s: %w", userID, roomID, err)
	}
	return nil
}

func (b *Backend) SaveMediaMetadata(ctx context.Context, t storage.Txn, meta models.MediaMetadata) error {
	txn, err := b.txn(t)
	if err != nil {
		return err
	}
	// Replace semantics: drop stale search-index and room-index entries
	// before writing the new ones, all within the caller's transaction.
	raw, ok, err := txn.get(key("md", meta.EventID))
	if err != nil {
		return fmt.Errorf("save media metadata %s: %w", meta.EventID, err)
	}
	if ok {
		if prev, derr := models.DecodeMediaMetadata(raw); derr == nil {
			if !strings.EqualFold(prev.Filename, meta.Filename) {
				if err := txn.delete(key("fn", strings.ToLower(prev.Filename), meta.EventID)); err != nil {
					return fmt.Errorf("replace media search entry %s: %w", meta.EventID, err)
				}
			}
			if prev.RoomID != meta.RoomID {
				if err := txn.delete(key("mi", prev.RoomID, meta.EventID)); err != nil {
					return fmt.Errorf("save media metadata %s: %w", meta.EventID, err)
				}
			}
		}
	}
	envelope, err := models.EncodeMediaMetadata(meta)
	if err != nil {
		return err
	}
	if err := txn.set(key("md", meta.EventID), envelope); err != nil {
		return fmt.Errorf("save media metadata %s: %w", meta.EventID, err)
	}
	if err := txn.set(key("mi", meta.RoomID, meta.EventID), nil); err != nil {
		return fmt.Errorf("index media metadata %s: %w", meta.EventID, err)
	}
	if err := txn.set(key("fn", strings.ToLower(meta.Filename), meta.EventID), nil); err != nil {
		return fmt.Errorf("index media filename %s: %w", meta.EventID, err)
	}
	return nil
}

func (b *Backend) SearchMediaFilenames(ctx context.Context, t storage.Txn, query string) ([]string, error) {
	txn, err := b.txn(t)
	if err != nil {
		return nil, err
	}
	entries, err := txn.scanPrefix(prefix("fn"))
	if err != nil {
		return nil, fmt.Errorf("search media filenames: %w", err)
	}
	needle := strings.ToLower(query)
	var ids []string
	for _, k := range sortedKeys(entries) {
		parts := splitKey(k)
		if len(parts) != 3 {
			continue
		}
		if strings.Contains(parts[1], needle) {
			ids = append(ids, parts[2])
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (b *Backend) Relational() bool { return false }

func (b *Backend) Ping(ctx context.Context) error {
	if b.db.IsClosed() {
		return fmt.Errorf("badger store is closed")
	}
	return b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key("meta", "schema_version"))
		return err
	})
}

func (b *Backend) Close() error {
	return b.db.Close()
}

var _ storage.Backend = (*Backend)(nil)
