package sequencer

import "time"

// Message is the unit flowing through sequencing, persistence and fan-out.
// Sequence values are totally ordered within a room but are not guaranteed
// dense: the degraded fallback allocates from a different, much larger range.
type Message struct {
	MessageID string `json:"message_id" bson:"message_id"`
	RoomID    string `json:"room_id" bson:"room_id"`
	SenderID  string `json:"sender_id" bson:"sender_id"`
	Type      string `json:"message_type" bson:"message_type"`
	Content   string `json:"content" bson:"content"`

	Sequence       int64  `json:"sequence_number" bson:"sequence_number"`
	TimestampMicro int64  `json:"microsecond_timestamp" bson:"microsecond_timestamp"`
	Timestamp      string `json:"timestamp" bson:"timestamp"`

	// DegradedSeq marks a sequence allocated by the process-local fallback
	// while the shared store was unreachable.
	DegradedSeq bool `json:"degraded_sequence,omitempty" bson:"degraded_sequence,omitempty"`

	Edited    bool   `json:"edited,omitempty" bson:"edited,omitempty"`
	Deleted   bool   `json:"deleted,omitempty" bson:"deleted,omitempty"`
	EditedAt  string `json:"edited_at,omitempty" bson:"edited_at,omitempty"`
	DeletedAt string `json:"deleted_at,omitempty" bson:"deleted_at,omitempty"`
}

func (m *Message) stampedAt(now time.Time) {
	m.TimestampMicro = now.UnixMicro()
	m.Timestamp = now.UTC().Format(time.RFC3339Nano)
}
