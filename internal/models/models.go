// Package models defines the domain records persisted by the storage
// backends. Records are stored as JSON envelopes with stable field names so a
// value written through one backend decodes identically through any other.
package models

import (
	"encoding/json"
	"fmt"
)

// RoomInfo holds the display metadata for a room. MemberCount is derived from
// the live membership set at read time and is never persisted.
type RoomInfo struct {
	Name      string   `json:"name"`
	Topic     string   `json:"topic"`
	AvatarURL string   `json:"avatar_url"`
	Version   string   `json:"version"`
	IsInvite  bool     `json:"is_invite"`
	IsSpace   bool     `json:"is_space"`
	Tags      []string `json:"tags,omitempty"`

	MemberCount int64 `json:"-"`
}

// MediaMetadata describes an uploaded media item keyed by the event that
// referenced it. RoomID associates the record with a room for cascade delete.
type MediaMetadata struct {
	EventID  string `json:"event_id"`
	RoomID   string `json:"room_id"`
	Filename string `json:"filename"`
	Mimetype string `json:"mimetype"`
	Size     int64  `json:"size"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Blurhash string `json:"blurhash"`
}

// EncodeRoomInfo serialises a room envelope for storage.
func EncodeRoomInfo(info RoomInfo) ([]byte, error) {
	data, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("encode room info: %w", err)
	}
	return data, nil
}

// DecodeRoomInfo parses a stored room envelope. Callers treat a decode error
// as "record absent" rather than propagating it.
func DecodeRoomInfo(data []byte) (RoomInfo, error) {
	var info RoomInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return RoomInfo{}, fmt.Errorf("decode room info: %w", err)
	}
	return info, nil
}

// EncodeMediaMetadata serialises a media envelope for key-value storage. The
// relational backends store the same fields as discrete columns instead.
func EncodeMediaMetadata(meta MediaMetadata) ([]byte, error) {
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode media metadata: %w", err)
	}
	return data, nil
}

// DecodeMediaMetadata parses a stored media envelope.
func DecodeMediaMetadata(data []byte) (MediaMetadata, error) {
	var meta MediaMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return MediaMetadata{}, fmt.Errorf("decode media metadata: %w", err)
	}
	return meta, nil
}
