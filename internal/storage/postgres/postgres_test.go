package postgres

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"

	"chatcache/internal/models"
	"chatcache/internal/storage"
	"chatcache/internal/storage/storagetest"
)

// Integration tests need a reachable server. Point CHATCACHE_TEST_POSTGRES_DSN
// at a scratch database; every test truncates the tables it uses.
const dsnEnv = "CHATCACHE_TEST_POSTGRES_DSN"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestBackend(t *testing.T) *Backend {
	t.Helper()
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set, skipping postgres integration test", dsnEnv)
	}
	backend, err := Open(dsn, WithLogger(testLogger()), WithPoolLimits(4, 1))
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	if _, err := backend.pool.Exec(context.Background(),
		`TRUNCATE rooms, room_members, events, state_events, media_metadata`); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
	return backend
}

func TestBackendContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		return openTestBackend(t)
	})
}

func TestOpenEmptyDSN(t *testing.T) {
	if _, err := Open("   "); err == nil {
		t.Fatal("expected open to fail on an empty dsn")
	}
}

func TestOpenInvalidDSN(t *testing.T) {
	if _, err := Open("postgres://u:p@host:notaport/db"); err == nil {
		t.Fatal("expected open to fail on an unparseable dsn")
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
