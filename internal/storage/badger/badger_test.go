package badger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"chatcache/internal/models"
	"chatcache/internal/storage"
	"chatcache/internal/storage/storagetest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestBackend(t *testing.T) *Backend {
	t.Helper()
	backend, err := Open("", WithInMemory(), WithLogger(testLogger()))
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

func TestOpenOnDisk(t *testing.T) {
	backend, err := Open(t.TempDir(), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if err := backend.Ping(context.Background()); err != nil {
		t.Fatalf("Ping error: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if err := backend.Ping(context.Background()); err == nil {
		t.Fatal("expected Ping to fail after Close")
	}
}

func TestNestedOverlayHiddenUntilCommit(t *testing.T) {
	backend := openTestBackend(t)
	ctx := context.Background()

	outer, err := backend.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	defer outer.Rollback()
	nested, err := outer.Begin(ctx)
	if err != nil {
		t.Fatalf("nested Begin error: %v", err)
	}
	if err := backend.SaveRoom(ctx, nested, "!overlay:example.org", models.RoomInfo{Name: "Overlay"}); err != nil {
		t.Fatalf("SaveRoom error: %v", err)
	}

	// The overlay buffers the write; the parent scope must not see it yet.
	got, err := backend.GetRoom(ctx, outer, "!overlay:example.org")
	if err != nil {
		t.Fatalf("GetRoom through outer error: %v", err)
	}
	if got != nil {
		t.Fatalf("nested write leaked into parent before commit: %+v", got)
	}
	got, err = backend.GetRoom(ctx, nested, "!overlay:example.org")
	if err != nil {
		t.Fatalf("GetRoom through nested error: %v", err)
	}
	if got == nil || got.Name != "Overlay" {
		t.Fatalf("nested scope cannot read its own write, got %+v", got)
	}

	if err := nested.Commit(); err != nil {
		t.Fatalf("nested Commit error: %v", err)
	}
	got, err = backend.GetRoom(ctx, outer, "!overlay:example.org")
	if err != nil {
		t.Fatalf("GetRoom after merge error: %v", err)
	}
	if got == nil || got.Name != "Overlay" {
		t.Fatalf("merged write missing from parent, got %+v", got)
	}
}

func TestNestedOverlayDelete(t *testing.T) {
	backend := openTestBackend(t)
	ctx := context.Background()

	setup, err := backend.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	if err := backend.SaveRoom(ctx, setup, "!gone:example.org", models.RoomInfo{Name: "Gone"}); err != nil {
		t.Fatalf("SaveRoom error: %v", err)
	}
	if err := setup.Commit(); err != nil {
		t.Fatalf("Commit error: %v", err)
	}

	outer, err := backend.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	defer outer.Rollback()
	nested, err := outer.Begin(ctx)
	if err != nil {
		t.Fatalf("nested Begin error: %v", err)
	}
	if err := backend.DeleteRoom(ctx, nested, "!gone:example.org"); err != nil {
		t.Fatalf("DeleteRoom error: %v", err)
	}
	// Deleted in the overlay, still present underneath.
	if got, err := backend.GetRoom(ctx, nested, "!gone:example.org"); err != nil || got != nil {
		t.Fatalf("expected overlay delete to hide the room, got %+v err %v", got, err)
	}
	if got, err := backend.GetRoom(ctx, outer, "!gone:example.org"); err != nil || got == nil {
		t.Fatalf("expected parent to still see the room, got %+v err %v", got, err)
	}

	if err := nested.Commit(); err != nil {
		t.Fatalf("nested Commit error: %v", err)
	}
	if got, err := backend.GetRoom(ctx, outer, "!gone:example.org"); err != nil || got != nil {
		t.Fatalf("expected merged delete to apply, got %+v err %v", got, err)
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

func TestIndexMaintenanceSurfacesReadFailure(t *testing.T) {
	backend := openTestBackend(t)
	ctx := context.Background()

	outer, err := backend.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	nested, err := outer.Begin(ctx)
	if err != nil {
		t.Fatalf("nested Begin error: %v", err)
	}
	// Finishing the parent makes every read through the overlay fail; the
	// stale-index checks must report that instead of writing blind.
	if err := outer.Rollback(); err != nil {
		t.Fatalf("Rollback error: %v", err)
	}

	err = backend.SaveEvent(ctx, nested, "$e:example.org", "!r:example.org", []byte(`{}`))
	if !errors.Is(err, storage.ErrTxnDone) {
		t.Fatalf("expected SaveEvent to surface the read failure, got %v", err)
	}
	err = backend.SaveMediaMetadata(ctx, nested, models.MediaMetadata{
		EventID: "$e:example.org", RoomID: "!r:example.org", Filename: "a.jpg",
	})
	if !errors.Is(err, storage.ErrTxnDone) {
		t.Fatalf("expected SaveMediaMetadata to surface the read failure, got %v", err)
	}
}

func TestKeyEncoding(t *testing.T) {
	cases := []struct {
		parts []string
		want  string
	}{
		{[]string{"r", "!a:example.org"}, "r\x00!a:example.org"},
		{[]string{"s", "!a:example.org", "m.room.name", ""}, "s\x00!a:example.org\x00m.room.name\x00"},
		{[]string{"meta", "schema_version"}, "meta\x00schema_version"},
	}
	for _, tc := range cases {
		if got := string(key(tc.parts...)); got != tc.want {
			t.Fatalf("key(%v) = %q, want %q", tc.parts, got, tc.want)
		}
	}
	if got := string(prefix("m", "!a:example.org")); got != "m\x00!a:example.org\x00" {
		t.Fatalf("prefix mismatch: %q", got)
	}
}
