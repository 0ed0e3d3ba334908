package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"ChatRelay/service/sequencer"
	errs "ChatRelay/tools/errs"
)

const (
	messagesCollection = "messages"
	membersCollection  = "room_members"
)

// MessageStore is the durable side of the pipeline: the synchronous persist
// leg writes here before the fabric push goes out.
type MessageStore struct {
	mgr *Manager
}

func NewMessageStore(mgr *Manager) *MessageStore {
	return &MessageStore{mgr: mgr}
}

func (s *MessageStore) messages() *mongo.Collection {
	return s.mgr.DB().Collection(messagesCollection)
}

func (s *MessageStore) members() *mongo.Collection {
	return s.mgr.DB().Collection(membersCollection)
}

// EnsureIndexes builds the read-path indexes. Called once at startup.
func (s *MessageStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.messages().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "room_id", Value: 1}, {Key: "sequence_number", Value: 1}}},
		{Keys: bson.D{{Key: "message_id", Value: 1}}, Options: options.Index().SetUnique(true)},
	})
	if err != nil {
		return errs.WrapMsg(err, "message indexes")
	}
	_, err = s.members().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "room_id", Value: 1}, {Key: "user_id", Value: 1}}, Options: options.Index().SetUnique(true)},
	})
	if err != nil {
		return errs.WrapMsg(err, "member indexes")
	}
	return nil
}

func (s *MessageStore) SaveMessage(ctx context.Context, msg *sequencer.Message) error {
	if _, err := s.messages().InsertOne(ctx, msg); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return errs.WrapMsg(err, "save message")
	}
	return nil
}

// historyFindOpts sorts ascending by (sequence, microsecond timestamp) so a
// history read comes back in delivery order without an in-process re-sort.
func historyFindOpts(limit int64) *options.FindOptions {
	opts := options.Find().
		SetSort(bson.D{{Key: "sequence_number", Value: 1}, {Key: "microsecond_timestamp", Value: 1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	return opts
}

// RoomHistory returns up to limit messages for a room in ascending sequence
// order. Soft-deleted messages keep their slot with the content blanked.
func (s *MessageStore) RoomHistory(ctx context.Context, roomID string, limit int64) ([]*sequencer.Message, error) {
	cur, err := s.messages().Find(ctx, bson.M{"room_id": roomID}, historyFindOpts(limit))
	if err != nil {
		return nil, errs.WrapMsg(err, "room history")
	}
	defer cur.Close(ctx)

	var out []*sequencer.Message
	if err := cur.All(ctx, &out); err != nil {
		return nil, errs.WrapMsg(err, "decode history")
	}
	return out, nil
}

// ApplyEdit replaces the content of a message owned by userID.
func (s *MessageStore) ApplyEdit(ctx context.Context, roomID, messageID, userID, content string) error {
	res, err := s.messages().UpdateOne(ctx,
		bson.M{"room_id": roomID, "message_id": messageID, "sender_id": userID},
		bson.M{"$set": bson.M{
			"content":   content,
			"edited":    true,
			"edited_at": time.Now().UTC().Format(time.RFC3339Nano),
		}})
	if err != nil {
		return errs.WrapMsg(err, "edit message")
	}
	if res.MatchedCount == 0 {
		return errs.ErrValidation.WithDetail("message not found or not owned by sender")
	}
	return nil
}

// MarkDeleted soft-deletes a message owned by userID.
func (s *MessageStore) MarkDeleted(ctx context.Context, roomID, messageID, userID string) error {
	res, err := s.messages().UpdateOne(ctx,
		bson.M{"room_id": roomID, "message_id": messageID, "sender_id": userID},
		bson.M{"$set": bson.M{
			"content":    "",
			"deleted":    true,
			"deleted_at": time.Now().UTC().Format(time.RFC3339Nano),
		}})
	if err != nil {
		return errs.WrapMsg(err, "delete message")
	}
	if res.MatchedCount == 0 {
		return errs.ErrValidation.WithDetail("message not found or not owned by sender")
	}
	return nil
}

type memberDoc struct {
	RoomID   string `bson:"room_id"`
	UserID   string `bson:"user_id"`
	JoinedAt int64  `bson:"joined_at"`
}

// IsMember reports whether userID belongs to roomID.
func (s *MessageStore) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	err := s.members().FindOne(ctx, bson.M{"room_id": roomID, "user_id": userID}).Err()
	if err == mongo.ErrNoDocuments {
		return false, nil
	}
	if err != nil {
		return false, errs.WrapMsg(err, "membership lookup")
	}
	return true, nil
}

func (s *MessageStore) AddMember(ctx context.Context, roomID, userID string) error {
	_, err := s.members().UpdateOne(ctx,
		bson.M{"room_id": roomID, "user_id": userID},
		bson.M{"$setOnInsert": memberDoc{RoomID: roomID, UserID: userID, JoinedAt: time.Now().Unix()}},
		options.Update().SetUpsert(true))
	if err != nil {
		return errs.WrapMsg(err, "add member")
	}
	return nil
}

// RoomMembers lists the user ids belonging to a room.
func (s *MessageStore) RoomMembers(ctx context.Context, roomID string) ([]string, error) {
	cur, err := s.members().Find(ctx, bson.M{"room_id": roomID})
	if err != nil {
		return nil, errs.WrapMsg(err, "room members")
	}
	defer cur.Close(ctx)

	var docs []memberDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errs.WrapMsg(err, "decode members")
	}
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.UserID)
	}
	return out, nil
}
