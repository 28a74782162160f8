package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"chatcache/internal/models"
	"chatcache/internal/observability/logging"
	"chatcache/internal/storage"
	"chatcache/internal/storage/badger"
)

func openTestBackend(t *testing.T) storage.Backend {
	t.Helper()
	backend, err := badger.Open("", badger.WithInMemory(),
		badger.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	return backend
}

func TestRunDeleteRoomAnnotatesLogWithRoomID(t *testing.T) {
	backend := openTestBackend(t)
	ctx := context.Background()
	const roomID = "!gone:example.org"

	txn, err := backend.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	if err := backend.SaveRoom(ctx, txn, roomID, models.RoomInfo{Name: "Gone"}); err != nil {
		t.Fatalf("SaveRoom error: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit error: %v", err)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	ctx = logging.ContextWithLogger(ctx, logger)

	if err := run(ctx, backend, []string{"delete-room", roomID}); err != nil {
		t.Fatalf("run error: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode log entry: %v (%s)", err, buf.String())
	}
	if payload["room_id"] != roomID {
		t.Fatalf("expected room_id %q in log entry, got %v", roomID, payload["room_id"])
	}

	read, err := backend.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	defer read.Rollback()
	if got, err := backend.GetRoom(ctx, read, roomID); err != nil || got != nil {
		t.Fatalf("expected room deleted, got %+v err %v", got, err)
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	backend := openTestBackend(t)
	if err := run(context.Background(), backend, []string{"defragment"}); err == nil {
		t.Fatal("expected error for unknown command")
	}
}
