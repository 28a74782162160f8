package models

import (
	"reflect"
	"strings"
	"testing"
)

func TestRoomInfoRoundTrip(t *testing.T) {
	want := RoomInfo{
		Name:      "Ops",
		Topic:     "incident channel",
		AvatarURL: "mxc://example.org/avatar",
		Version:   "11",
		IsInvite:  true,
		IsSpace:   true,
		Tags:      []string{"work", "muted"},
	}
	raw, err := EncodeRoomInfo(want)
	if err != nil {
		t.Fatalf("EncodeRoomInfo error: %v", err)
	}
	got, err := DecodeRoomInfo(raw)
	if err != nil {
		t.Fatalf("DecodeRoomInfo error: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestRoomInfoMemberCountNotPersisted(t *testing.T) {
	raw, err := EncodeRoomInfo(RoomInfo{Name: "Counted", MemberCount: 42})
	if err != nil {
		t.Fatalf("EncodeRoomInfo error: %v", err)
	}
	if strings.Contains(string(raw), "42") {
		t.Fatalf("member count leaked into the envelope: %s", raw)
	}
	got, err := DecodeRoomInfo(raw)
	if err != nil {
		t.Fatalf("DecodeRoomInfo error: %v", err)
	}
	if got.MemberCount != 0 {
		t.Fatalf("expected decoded member count 0, got %d", got.MemberCount)
	}
}

func TestDecodeRoomInfoInvalid(t *testing.T) {
	if _, err := DecodeRoomInfo([]byte("{not json")); err == nil {
		t.Fatal("expected decode error for malformed envelope")
	}
	if _, err := DecodeRoomInfo(nil); err == nil {
		t.Fatal("expected decode error for empty envelope")
	}
}

func TestMediaMetadataRoundTrip(t *testing.T) {
	want := MediaMetadata{
		EventID:  "$media:example.org",
		RoomID:   "!room:example.org",
		Filename: "diagram.svg",
		Mimetype: "image/svg+xml",
		Size:     4096,
		Width:    1200,
		Height:   800,
		Blurhash: "LKO2?U%2Tw=w",
	}
	raw, err := EncodeMediaMetadata(want)
	if err != nil {
		t.Fatalf("EncodeMediaMetadata error: %v", err)
	}
	got, err := DecodeMediaMetadata(raw)
	if err != nil {
		t.Fatalf("DecodeMediaMetadata error: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestDecodeMediaMetadataInvalid(t *testing.T) {
	if _, err := DecodeMediaMetadata([]byte("[]")); err == nil {
		t.Fatal("expected decode error for wrong JSON shape")
	}
}
