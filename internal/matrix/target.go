// ABOUTME: Reply target stored with each mapping for Matrix conversations
// ABOUTME: Encodes the room and optional thread a reply must be sent to

package matrix

import (
	"encoding/json"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/id"
)

// ErrInvalidTarget means a stored reply target cannot address a room
var ErrInvalidTarget = errors.New("invalid matrix reply target")

// Target addresses a reply in a Matrix room.
type Target struct {
	RoomID   id.RoomID  `json:"room_id"`
	ThreadID id.EventID `json:"thread_id,omitempty"`
	EventID  id.EventID `json:"event_id,omitempty"`
}

// Encode marshals the target for storage.
func (t Target) Encode() json.RawMessage {
	data, _ := json.Marshal(t)
	return data
}

// DecodeTarget parses a stored reply target.
func DecodeTarget(raw json.RawMessage) (Target, error) {
	var t Target
	if len(raw) == 0 {
		return t, ErrInvalidTarget
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if t.RoomID == "" {
		return t, fmt.Errorf("%w: missing room_id", ErrInvalidTarget)
	}
	return t, nil
}
