// Package storagetest replays the backend contract scenarios against any
// storage.Backend implementation. Each backend's own test package wires its
// constructor into Run so every engine answers for the same semantics.
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"testing"

	"chatcache/internal/models"
	"chatcache/internal/storage"
)

// Factory opens a fresh, empty backend for one test. Cleanup is registered by
// the factory itself (t.Cleanup).
type Factory func(t *testing.T) storage.Backend

// Run exercises the full backend contract against factory.
func Run(t *testing.T, factory Factory) {
	t.Run("RoomRoundTrip", func(t *testing.T) { testRoomRoundTrip(t, factory) })
	t.Run("RoomAbsent", func(t *testing.T) { testRoomAbsent(t, factory) })
	t.Run("IdempotentUpsert", func(t *testing.T) { testIdempotentUpsert(t, factory) })
	t.Run("Atomicity", func(t *testing.T) { testAtomicity(t, factory) })
	t.Run("StateEventComposition", func(t *testing.T) { testStateEventComposition(t, factory) })
	t.Run("MemberLifecycle", func(t *testing.T) { testMemberLifecycle(t, factory) })
	t.Run("CascadeDelete", func(t *testing.T) { testCascadeDelete(t, factory) })
	t.Run("NestedTxnIsolation", func(t *testing.T) { testNestedTxnIsolation(t, factory) })
	t.Run("NestedTxnCommit", func(t *testing.T) { testNestedTxnCommit(t, factory) })
	t.Run("MediaSearch", func(t *testing.T) { testMediaSearch(t, factory) })
	t.Run("ForeignTxn", func(t *testing.T) { testForeignTxn(t, factory) })
	t.Run("TxnLifecycle", func(t *testing.T) { testTxnLifecycle(t, factory) })
}

func begin(t *testing.T, backend storage.Backend) storage.Txn {
	t.Helper()
	txn, err := backend.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	return txn
}

func commit(t *testing.T, txn storage.Txn) {
	t.Helper()
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit error: %v", err)
	}
}

func testRoomRoundTrip(t *testing.T, factory Factory) {
	backend := factory(t)
	ctx := context.Background()
	want := models.RoomInfo{
		Name:      "Project Chat",
		Topic:     "weekly sync notes",
		AvatarURL: "mxc://example.org/abcdef",
		Version:   "10",
		IsInvite:  true,
		IsSpace:   false,
		Tags:      []string{"work", "pinned"},
	}

	txn := begin(t, backend)
	defer txn.Rollback()
	if err := backend.SaveRoom(ctx, txn, "!round:example.org", want); err != nil {
		t.Fatalf("SaveRoom error: %v", err)
	}
	commit(t, txn)

	read := begin(t, backend)
	defer read.Rollback()
	got, err := backend.GetRoom(ctx, read, "!round:example.org")
	if err != nil {
		t.Fatalf("GetRoom error: %v", err)
	}
	if got == nil {
		t.Fatal("expected room after commit")
	}
	if got.MemberCount != 0 {
		t.Fatalf("expected member count 0, got %d", got.MemberCount)
	}
	got.MemberCount = want.MemberCount
	if !reflect.DeepEqual(*got, want) {
		t.Fatalf("round trip mismatch: got %+v want %+v", *got, want)
	}
}

func testRoomAbsent(t *testing.T, factory Factory) {
	backend := factory(t)
	ctx := context.Background()

	txn := begin(t, backend)
	defer txn.Rollback()
	got, err := backend.GetRoom(ctx, txn, "!missing:example.org")
	if err != nil {
		t.Fatalf("GetRoom error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected absent room, got %+v", *got)
	}
	ids, err := backend.ListRoomIDs(ctx, txn)
	if err != nil {
		t.Fatalf("ListRoomIDs error: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no rooms, got %v", ids)
	}
}

func testIdempotentUpsert(t *testing.T, factory Factory) {
	backend := factory(t)
	ctx := context.Background()

	txn := begin(t, backend)
	defer txn.Rollback()
	if err := backend.SaveRoom(ctx, txn, "!up:example.org", models.RoomInfo{Name: "First"}); err != nil {
		t.Fatalf("SaveRoom error: %v", err)
	}
	if err := backend.SaveRoom(ctx, txn, "!up:example.org", models.RoomInfo{Name: "Second"}); err != nil {
		t.Fatalf("SaveRoom overwrite error: %v", err)
	}
	if err := backend.SaveMember(ctx, txn, "!up:example.org", "@a:example.org",
		[]byte(`{"display_name":"A"}`), "invite"); err != nil {
		t.Fatalf("SaveMember error: %v", err)
	}
	if err := backend.SaveMember(ctx, txn, "!up:example.org", "@a:example.org",
		[]byte(`{"display_name":"A2"}`), "join"); err != nil {
		t.Fatalf("SaveMember overwrite error: %v", err)
	}
	if err := backend.SaveEvent(ctx, txn, "$e1", "!up:example.org", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("SaveEvent error: %v", err)
	}
	if err := backend.SaveEvent(ctx, txn, "$e1", "!up:example.org", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("SaveEvent overwrite error: %v", err)
	}
	commit(t, txn)

	read := begin(t, backend)
	defer read.Rollback()
	got, err := backend.GetRoom(ctx, read, "!up:example.org")
	if err != nil {
		t.Fatalf("GetRoom error: %v", err)
	}
	if got == nil || got.Name != "Second" {
		t.Fatalf("expected latest room payload, got %+v", got)
	}
	if got.MemberCount != 1 {
		t.Fatalf("expected one member after double save, got %d", got.MemberCount)
	}
	body, err := backend.GetEvent(ctx, read, "$e1")
	if err != nil {
		t.Fatalf("GetEvent error: %v", err)
	}
	assertJSONEqual(t, body, `{"v":2}`)
	ids, err := backend.ListRoomIDs(ctx, read)
	if err != nil {
		t.Fatalf("ListRoomIDs error: %v", err)
	}
	if !slices.Equal(ids, []string{"!up:example.org"}) {
		t.Fatalf("expected exactly one room, got %v", ids)
	}
}

func testAtomicity(t *testing.T, factory Factory) {
	backend := factory(t)
	ctx := context.Background()

	txn := begin(t, backend)
	for i := 0; i < 5; i++ {
		roomID := fmt.Sprintf("!atomic-%d:example.org", i)
		if err := backend.SaveRoom(ctx, txn, roomID, models.RoomInfo{Name: "ghost"}); err != nil {
			t.Fatalf("SaveRoom error: %v", err)
		}
	}
	if err := txn.Rollback(); err != nil {
		t.Fatalf("Rollback error: %v", err)
	}

	read := begin(t, backend)
	defer read.Rollback()
	ids, err := backend.ListRoomIDs(ctx, read)
	if err != nil {
		t.Fatalf("ListRoomIDs error: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("rolled back writes leaked: %v", ids)
	}
	got, err := backend.GetRoom(ctx, read, "!atomic-0:example.org")
	if err != nil {
		t.Fatalf("GetRoom error: %v", err)
	}
	if got != nil {
		t.Fatal("rolled back room is still readable")
	}
}

func testStateEventComposition(t *testing.T, factory Factory) {
	backend := factory(t)
	ctx := context.Background()
	const roomID = "!state:example.org"

	txn := begin(t, backend)
	defer txn.Rollback()
	if err := backend.SaveStateEvent(ctx, txn, "$name1", roomID, "m.room.name", "",
		[]byte(`{"name":"Old"}`)); err != nil {
		t.Fatalf("SaveStateEvent error: %v", err)
	}
	commit(t, txn)

	second := begin(t, backend)
	defer second.Rollback()
	if err := backend.SaveStateEvent(ctx, second, "$name2", roomID, "m.room.name", "",
		[]byte(`{"name":"New"}`)); err != nil {
		t.Fatalf("SaveStateEvent overwrite error: %v", err)
	}
	commit(t, second)

	read := begin(t, backend)
	defer read.Rollback()
	slot, err := backend.GetStateEventID(ctx, read, roomID, "m.room.name", "")
	if err != nil {
		t.Fatalf("GetStateEventID error: %v", err)
	}
	if slot != "$name2" {
		t.Fatalf("expected slot to point at $name2, got %q", slot)
	}
	body, err := backend.GetEvent(ctx, read, slot)
	if err != nil {
		t.Fatalf("GetEvent error: %v", err)
	}
	assertJSONEqual(t, body, `{"name":"New"}`)
	// The superseded event stays in the event table, just unreferenced.
	old, err := backend.GetEvent(ctx, read, "$name1")
	if err != nil {
		t.Fatalf("GetEvent old error: %v", err)
	}
	assertJSONEqual(t, old, `{"name":"Old"}`)
}

func testMemberLifecycle(t *testing.T, factory Factory) {
	backend := factory(t)
	ctx := context.Background()
	const roomID = "!abc:example.org"

	txn := begin(t, backend)
	defer txn.Rollback()
	if err := backend.SaveRoom(ctx, txn, roomID, models.RoomInfo{Name: "Test"}); err != nil {
		t.Fatalf("SaveRoom error: %v", err)
	}
	if err := backend.SaveMember(ctx, txn, roomID, "@a:example.org",
		[]byte(`{"display_name":"Alice"}`), "join"); err != nil {
		t.Fatalf("SaveMember a error: %v", err)
	}
	if err := backend.SaveMember(ctx, txn, roomID, "@b:example.org",
		[]byte(`{"display_name":"Bob"}`), "join"); err != nil {
		t.Fatalf("SaveMember b error: %v", err)
	}
	commit(t, txn)

	read := begin(t, backend)
	got, err := backend.GetRoom(ctx, read, roomID)
	if err != nil {
		t.Fatalf("GetRoom error: %v", err)
	}
	if got == nil || got.Name != "Test" {
		t.Fatalf("expected room Test, got %+v", got)
	}
	if got.MemberCount != 2 {
		t.Fatalf("expected member count 2, got %d", got.MemberCount)
	}
	read.Rollback()

	del := begin(t, backend)
	defer del.Rollback()
	if err := backend.DeleteMember(ctx, del, roomID, "@b:example.org"); err != nil {
		t.Fatalf("DeleteMember error: %v", err)
	}
	commit(t, del)

	again := begin(t, backend)
	defer again.Rollback()
	got, err = backend.GetRoom(ctx, again, roomID)
	if err != nil {
		t.Fatalf("GetRoom error: %v", err)
	}
	if got == nil || got.MemberCount != 1 {
		t.Fatalf("expected member count 1 after delete, got %+v", got)
	}
}

func testCascadeDelete(t *testing.T, factory Factory) {
	backend := factory(t)
	ctx := context.Background()
	const roomID = "!cascade:example.org"
	const keepID = "!keep:example.org"

	txn := begin(t, backend)
	defer txn.Rollback()
	if err := backend.SaveRoom(ctx, txn, roomID, models.RoomInfo{Name: "Doomed"}); err != nil {
		t.Fatalf("SaveRoom error: %v", err)
	}
	if err := backend.SaveRoom(ctx, txn, keepID, models.RoomInfo{Name: "Keeper"}); err != nil {
		t.Fatalf("SaveRoom keep error: %v", err)
	}
	if err := backend.SaveMember(ctx, txn, roomID, "@a:example.org", []byte(`{}`), "join"); err != nil {
		t.Fatalf("SaveMember error: %v", err)
	}
	if err := backend.SaveEvent(ctx, txn, "$plain", roomID, []byte(`{"kind":"plain"}`)); err != nil {
		t.Fatalf("SaveEvent error: %v", err)
	}
	if err := backend.SaveStateEvent(ctx, txn, "$topic", roomID, "m.room.topic", "",
		[]byte(`{"topic":"bye"}`)); err != nil {
		t.Fatalf("SaveStateEvent error: %v", err)
	}
	if err := backend.SaveMediaMetadata(ctx, txn, models.MediaMetadata{
		EventID: "$media", RoomID: roomID, Filename: "holiday-photo.jpg",
		Mimetype: "image/jpeg", Size: 1024, Width: 640, Height: 480, Blurhash: "LKO2",
	}); err != nil {
		t.Fatalf("SaveMediaMetadata error: %v", err)
	}
	if err := backend.SaveEvent(ctx, txn, "$other", keepID, []byte(`{"kind":"other"}`)); err != nil {
		t.Fatalf("SaveEvent keep error: %v", err)
	}
	commit(t, txn)

	del := begin(t, backend)
	defer del.Rollback()
	if err := backend.DeleteRoom(ctx, del, roomID); err != nil {
		t.Fatalf("DeleteRoom error: %v", err)
	}
	commit(t, del)

	read := begin(t, backend)
	defer read.Rollback()
	if got, err := backend.GetRoom(ctx, read, roomID); err != nil || got != nil {
		t.Fatalf("expected deleted room to be absent, got %+v err %v", got, err)
	}
	ids, err := backend.ListRoomIDs(ctx, read)
	if err != nil {
		t.Fatalf("ListRoomIDs error: %v", err)
	}
	if !slices.Equal(ids, []string{keepID}) {
		t.Fatalf("expected only %s to remain, got %v", keepID, ids)
	}
	if body, err := backend.GetEvent(ctx, read, "$plain"); err != nil || body != nil {
		t.Fatalf("expected cascaded event gone, got %s err %v", body, err)
	}
	if slot, err := backend.GetStateEventID(ctx, read, roomID, "m.room.topic", ""); err != nil || slot != "" {
		t.Fatalf("expected cascaded state slot gone, got %q err %v", slot, err)
	}
	hits, err := backend.SearchMediaFilenames(ctx, read, "holiday")
	if err != nil {
		t.Fatalf("SearchMediaFilenames error: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected cascaded search entries gone, got %v", hits)
	}
	if body, err := backend.GetEvent(ctx, read, "$other"); err != nil || body == nil {
		t.Fatalf("expected other room's event untouched, got %s err %v", body, err)
	}
}

func testNestedTxnIsolation(t *testing.T, factory Factory) {
	backend := factory(t)
	ctx := context.Background()

	outer := begin(t, backend)
	defer outer.Rollback()
	if err := backend.SaveRoom(ctx, outer, "!outer:example.org", models.RoomInfo{Name: "Outer"}); err != nil {
		t.Fatalf("SaveRoom outer error: %v", err)
	}

	nested, err := outer.Begin(ctx)
	if err != nil {
		t.Fatalf("nested Begin error: %v", err)
	}
	if err := backend.SaveRoom(ctx, nested, "!nested:example.org", models.RoomInfo{Name: "Nested"}); err != nil {
		t.Fatalf("SaveRoom nested error: %v", err)
	}
	if err := nested.Rollback(); err != nil {
		t.Fatalf("nested Rollback error: %v", err)
	}
	commit(t, outer)

	read := begin(t, backend)
	defer read.Rollback()
	ids, err := backend.ListRoomIDs(ctx, read)
	if err != nil {
		t.Fatalf("ListRoomIDs error: %v", err)
	}
	if !slices.Equal(ids, []string{"!outer:example.org"}) {
		t.Fatalf("expected only the outer write to survive, got %v", ids)
	}
}

func testNestedTxnCommit(t *testing.T, factory Factory) {
	backend := factory(t)
	ctx := context.Background()

	outer := begin(t, backend)
	defer outer.Rollback()
	nested, err := outer.Begin(ctx)
	if err != nil {
		t.Fatalf("nested Begin error: %v", err)
	}
	if err := backend.SaveRoom(ctx, nested, "!inner:example.org", models.RoomInfo{Name: "Inner"}); err != nil {
		t.Fatalf("SaveRoom nested error: %v", err)
	}
	if err := nested.Commit(); err != nil {
		t.Fatalf("nested Commit error: %v", err)
	}
	// Visible inside the outer transaction before the outer commit.
	got, err := backend.GetRoom(ctx, outer, "!inner:example.org")
	if err != nil {
		t.Fatalf("GetRoom through outer error: %v", err)
	}
	if got == nil || got.Name != "Inner" {
		t.Fatalf("expected merged nested write, got %+v", got)
	}
	commit(t, outer)

	read := begin(t, backend)
	defer read.Rollback()
	got, err = backend.GetRoom(ctx, read, "!inner:example.org")
	if err != nil {
		t.Fatalf("GetRoom error: %v", err)
	}
	if got == nil || got.Name != "Inner" {
		t.Fatalf("expected nested write after outer commit, got %+v", got)
	}
}

func testMediaSearch(t *testing.T, factory Factory) {
	backend := factory(t)
	ctx := context.Background()
	const roomID = "!media:example.org"

	txn := begin(t, backend)
	defer txn.Rollback()
	saves := []models.MediaMetadata{
		{EventID: "$m1", RoomID: roomID, Filename: "sunset-beach.jpg", Mimetype: "image/jpeg", Size: 2048, Width: 800, Height: 600, Blurhash: "LEHV6n"},
		{EventID: "$m2", RoomID: roomID, Filename: "Quarterly-Report.pdf", Mimetype: "application/pdf", Size: 9000},
		{EventID: "$m3", RoomID: roomID, Filename: "beach-volleyball.mp4", Mimetype: "video/mp4", Size: 1 << 20, Width: 1920, Height: 1080},
	}
	for _, meta := range saves {
		if err := backend.SaveMediaMetadata(ctx, txn, meta); err != nil {
			t.Fatalf("SaveMediaMetadata %s error: %v", meta.EventID, err)
		}
	}
	commit(t, txn)

	read := begin(t, backend)
	defer read.Rollback()
	hits, err := backend.SearchMediaFilenames(ctx, read, "beach")
	if err != nil {
		t.Fatalf("SearchMediaFilenames error: %v", err)
	}
	if !slices.Equal(hits, []string{"$m1", "$m3"}) {
		t.Fatalf("expected beach matches [$m1 $m3], got %v", hits)
	}
	hits, err = backend.SearchMediaFilenames(ctx, read, "report")
	if err != nil {
		t.Fatalf("SearchMediaFilenames error: %v", err)
	}
	if !slices.Equal(hits, []string{"$m2"}) {
		t.Fatalf("expected case-insensitive match [$m2], got %v", hits)
	}
	// Substring semantics hold below any tokenizer's minimum token size.
	hits, err = backend.SearchMediaFilenames(ctx, read, "ea")
	if err != nil {
		t.Fatalf("SearchMediaFilenames error: %v", err)
	}
	if !slices.Equal(hits, []string{"$m1", "$m3"}) {
		t.Fatalf("expected short-query matches [$m1 $m3], got %v", hits)
	}
	hits, err = backend.SearchMediaFilenames(ctx, read, "nothing")
	if err != nil {
		t.Fatalf("SearchMediaFilenames error: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no matches, got %v", hits)
	}
	read.Rollback()

	// Replacing the metadata must redirect the search index in lock-step.
	replace := begin(t, backend)
	defer replace.Rollback()
	if err := backend.SaveMediaMetadata(ctx, replace, models.MediaMetadata{
		EventID: "$m2", RoomID: roomID, Filename: "annual-summary.pdf", Mimetype: "application/pdf", Size: 9000,
	}); err != nil {
		t.Fatalf("SaveMediaMetadata replace error: %v", err)
	}
	commit(t, replace)

	after := begin(t, backend)
	defer after.Rollback()
	hits, err = backend.SearchMediaFilenames(ctx, after, "report")
	if err != nil {
		t.Fatalf("SearchMediaFilenames error: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected stale filename entry removed, got %v", hits)
	}
	hits, err = backend.SearchMediaFilenames(ctx, after, "summary")
	if err != nil {
		t.Fatalf("SearchMediaFilenames error: %v", err)
	}
	if !slices.Equal(hits, []string{"$m2"}) {
		t.Fatalf("expected replacement filename indexed, got %v", hits)
	}
}

func testForeignTxn(t *testing.T, factory Factory) {
	first := factory(t)
	second := factory(t)
	ctx := context.Background()

	txn := begin(t, second)
	defer txn.Rollback()
	err := first.SaveRoom(ctx, txn, "!foreign:example.org", models.RoomInfo{Name: "Nope"})
	if !errors.Is(err, storage.ErrForeignTxn) {
		t.Fatalf("expected ErrForeignTxn, got %v", err)
	}
	if _, err := first.GetRoom(ctx, txn, "!foreign:example.org"); !errors.Is(err, storage.ErrForeignTxn) {
		t.Fatalf("expected ErrForeignTxn from read, got %v", err)
	}
}

func testTxnLifecycle(t *testing.T, factory Factory) {
	backend := factory(t)
	ctx := context.Background()

	txn := begin(t, backend)
	if err := backend.SaveRoom(ctx, txn, "!life:example.org", models.RoomInfo{Name: "Life"}); err != nil {
		t.Fatalf("SaveRoom error: %v", err)
	}
	commit(t, txn)
	if err := txn.Commit(); !errors.Is(err, storage.ErrTxnDone) {
		t.Fatalf("expected ErrTxnDone on double commit, got %v", err)
	}
	if err := txn.Rollback(); err != nil {
		t.Fatalf("Rollback after commit must be a no-op, got %v", err)
	}
	if err := backend.SaveRoom(ctx, txn, "!life:example.org", models.RoomInfo{Name: "Late"}); err == nil {
		t.Fatal("expected write on finished txn to fail")
	}

	aborted := begin(t, backend)
	if err := aborted.Rollback(); err != nil {
		t.Fatalf("Rollback error: %v", err)
	}
	if err := aborted.Rollback(); err != nil {
		t.Fatalf("repeated Rollback must be a no-op, got %v", err)
	}
}

func assertJSONEqual(t *testing.T, got []byte, want string) {
	t.Helper()
	if got == nil {
		t.Fatalf("expected event body %s, got none", want)
	}
	var gotVal, wantVal any
	if err := json.Unmarshal(got, &gotVal); err != nil {
		t.Fatalf("stored body is not valid JSON: %v (%s)", err, got)
	}
	if err := json.Unmarshal([]byte(want), &wantVal); err != nil {
		t.Fatalf("want body is not valid JSON: %v", err)
	}
	if !reflect.DeepEqual(gotVal, wantVal) {
		t.Fatalf("event body mismatch: got %s want %s", got, want)
	}
}
