package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"chatcache/internal/models"
	"chatcache/internal/storage"
	"chatcache/internal/storage/storagetest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestBackend(t *testing.T) *Backend {
	t.Helper()
	backend, err := Open(filepath.Join(t.TempDir(), "chat.db"), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	return backend
}

func TestBackendContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		return openTestBackend(t)
	})
}

func TestOpenMissingParentDir(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "chat.db"), WithLogger(testLogger()))
	if err == nil {
		t.Fatal("expected open to fail when the parent directory does not exist")
	}
}

func TestCascadeDeleteContinuesAfterFailure(t *testing.T) {
	backend := openTestBackend(t)
	ctx := context.Background()
	const roomID = "!partial:example.org"

	txn, err := backend.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	defer txn.Rollback()
	if err := backend.SaveRoom(ctx, txn, roomID, models.RoomInfo{Name: "Partial"}); err != nil {
		t.Fatalf("SaveRoom error: %v", err)
	}
	if err := backend.SaveMember(ctx, txn, roomID, "@a:example.org", []byte(`{}`), "join"); err != nil {
		t.Fatalf("SaveMember error: %v", err)
	}
	if err := backend.SaveEvent(ctx, txn, "$orphan", roomID, []byte(`{"kind":"orphan"}`)); err != nil {
		t.Fatalf("SaveEvent error: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit error: %v", err)
	}

	boom := errors.New("events step failed")
	backend.deleteHook = func(entity string) error {
		if entity == "events" {
			return boom
		}
		return nil
	}

	del, err := backend.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	defer del.Rollback()
	err = backend.DeleteRoom(ctx, del, roomID)
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined delete error, got %v", err)
	}
	if err := del.Commit(); err != nil {
		t.Fatalf("Commit error: %v", err)
	}
	backend.deleteHook = nil

	read, err := backend.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	defer read.Rollback()
	// The failed step is skipped; every other deletion still went through.
	if got, err := backend.GetRoom(ctx, read, roomID); err != nil || got != nil {
		t.Fatalf("expected room removed despite partial failure, got %+v err %v", got, err)
	}
	body, err := backend.GetEvent(ctx, read, "$orphan")
	if err != nil {
		t.Fatalf("GetEvent error: %v", err)
	}
	if body == nil {
		t.Fatal("expected the failed events step to leave the event behind")
	}
}

func TestBeginWaitBoundedByBusyTimeout(t *testing.T) {
	backend, err := Open(filepath.Join(t.TempDir(), "chat.db"),
		WithLogger(testLogger()), WithBusyTimeout(200*time.Millisecond))
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	ctx := context.Background()

	held, err := backend.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	defer held.Rollback()

	// The single connection is taken, so the second Begin must fail after
	// the configured bound instead of waiting forever.
	start := time.Now()
	_, err = backend.Begin(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("second Begin blocked for %v", elapsed)
	}

	if err := held.Rollback(); err != nil {
		t.Fatalf("Rollback error: %v", err)
	}
	next, err := backend.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin after release error: %v", err)
	}
	next.Rollback()
}

func TestSearchModeInitialised(t *testing.T) {
	backend := openTestBackend(t)
	switch backend.search {
	case searchFTSTrigram, searchFTSUnicode, searchLike:
	default:
		t.Fatalf("unexpected search mode %d", backend.search)
	}
}

func TestUndecodableRoomEnvelopeReadsAsAbsent(t *testing.T) {
	backend := openTestBackend(t)
	ctx := context.Background()
	if _, err := backend.db.ExecContext(ctx,
		`INSERT INTO rooms (room_id, info) VALUES (?, ?)`, "!garbled:example.org", "{not json"); err != nil {
		t.Fatalf("seed garbled row: %v", err)
	}

	txn, err := backend.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	defer txn.Rollback()
	got, err := backend.GetRoom(ctx, txn, "!garbled:example.org")
	if err != nil {
		t.Fatalf("GetRoom error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected undecodable envelope to read as absent, got %+v", got)
	}
}
