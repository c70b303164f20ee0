package repository

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"messengerService/pkg/api"
)

// Storage is the document-store half of persistence: conversations and
// messages live in MongoDB. Every state transition is a single conditional
// update carrying its current-state predicate, so concurrent callers cannot
// produce lost updates; api.ErrNoDocument reports a predicate that matched
// nothing.
type Storage struct {
	conversations *mongo.Collection
	messages      *mongo.Collection
}

func NewStorage(db *mongo.Database) *Storage {
	return &Storage{
		conversations: db.Collection("conversations"),
		messages:      db.Collection("messages"),
	}
}

var returnAfter = options.FindOneAndUpdate().SetReturnDocument(options.After)

func (s *Storage) InsertConversation(ctx context.Context, conversation api.Conversation) (*api.Conversation, error) {
	conversation.ID = primitive.NewObjectID().Hex()
	if _, err := s.conversations.InsertOne(ctx, conversation); err != nil {
		return nil, err
	}
	return &conversation, nil
}

func (s *Storage) FindConversation(ctx context.Context, id string) (*api.Conversation, error) {
	var conversation api.Conversation
	err := s.conversations.FindOne(ctx, bson.M{"_id": id}).Decode(&conversation)
	if err == mongo.ErrNoDocuments {
		return nil, api.ErrNoDocument
	}
	if err != nil {
		return nil, err
	}
	return &conversation, nil
}

// FindDMBetween locates the single DM bound to exactly this unordered pair.
func (s *Storage) FindDMBetween(ctx context.Context, userA, userB string) (*api.Conversation, error) {
	filter := bson.M{
		"type":                 api.KindDM,
		"participants.user_id": bson.M{"$all": bson.A{userA, userB}},
		"$expr":                bson.M{"$eq": bson.A{bson.M{"$size": "$participants"}, 2}},
	}
	var conversation api.Conversation
	err := s.conversations.FindOne(ctx, filter).Decode(&conversation)
	if err == mongo.ErrNoDocuments {
		return nil, api.ErrNoDocument
	}
	if err != nil {
		return nil, err
	}
	return &conversation, nil
}

func (s *Storage) ListConversationsForUser(ctx context.Context, userID string) ([]api.Conversation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}})
	cursor, err := s.conversations.Find(ctx, bson.M{"participants.user_id": userID}, opts)
	if err != nil {
		return nil, err
	}
	var conversations []api.Conversation
	if err := cursor.All(ctx, &conversations); err != nil {
		return nil, err
	}
	return conversations, nil
}

func (s *Storage) ListConversationsInitiatedBy(ctx context.Context, userID string) ([]api.Conversation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := s.conversations.Find(ctx, bson.M{"initiated_by": userID}, opts)
	if err != nil {
		return nil, err
	}
	var conversations []api.Conversation
	if err := cursor.All(ctx, &conversations); err != nil {
		return nil, err
	}
	return conversations, nil
}

// UpdateConversationStatus transitions the lifecycle status while the
// current status is one of from. A nil response clears the response fields,
// used when a rejected request is reopened.
func (s *Storage) UpdateConversationStatus(ctx context.Context, id string, from []api.ConversationStatus, to api.ConversationStatus, response *api.ResponseDetails) (*api.Conversation, error) {
	filter := bson.M{"_id": id, "conversation_status": bson.M{"$in": from}}
	set := bson.M{"conversation_status": to, "updated_at": time.Now()}
	update := bson.M{"$set": set}
	if response != nil {
		set["responded_by"] = response.RespondedBy
		set["response_action"] = response.ResponseAction
		set["response_time"] = response.ResponseTime
	} else {
		update["$unset"] = bson.M{"responded_by": "", "response_action": "", "response_time": ""}
	}

	var conversation api.Conversation
	err := s.conversations.FindOneAndUpdate(ctx, filter, update, returnAfter).Decode(&conversation)
	if err == mongo.ErrNoDocuments {
		return nil, api.ErrNoDocument
	}
	if err != nil {
		return nil, err
	}
	return &conversation, nil
}

func (s *Storage) SetBlockDetails(ctx context.Context, id string, details api.BlockDetails) (*api.Conversation, error) {
	update := bson.M{"$set": bson.M{"block_details": details, "updated_at": time.Now()}}
	var conversation api.Conversation
	err := s.conversations.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, returnAfter).Decode(&conversation)
	if err == mongo.ErrNoDocuments {
		return nil, api.ErrNoDocument
	}
	if err != nil {
		return nil, err
	}
	return &conversation, nil
}

// AddConversationParticipant pushes the participant only when absent; adding
// an existing member is a no-op that returns the current document.
func (s *Storage) AddConversationParticipant(ctx context.Context, id string, participant api.Participant) (*api.Conversation, error) {
	filter := bson.M{"_id": id, "participants.user_id": bson.M{"$ne": participant.UserID}}
	update := bson.M{
		"$push": bson.M{"participants": participant},
		"$set":  bson.M{"updated_at": time.Now()},
	}
	var conversation api.Conversation
	err := s.conversations.FindOneAndUpdate(ctx, filter, update, returnAfter).Decode(&conversation)
	if err == mongo.ErrNoDocuments {
		// Already a participant, or the conversation is gone.
		return s.FindConversation(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	return &conversation, nil
}

func (s *Storage) RemoveConversationParticipant(ctx context.Context, id, userID string) (*api.Conversation, error) {
	update := bson.M{
		"$pull": bson.M{"participants": bson.M{"user_id": userID}},
		"$set":  bson.M{"updated_at": time.Now()},
	}
	var conversation api.Conversation
	err := s.conversations.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, returnAfter).Decode(&conversation)
	if err == mongo.ErrNoDocuments {
		return nil, api.ErrNoDocument
	}
	if err != nil {
		return nil, err
	}
	return &conversation, nil
}

// UpsertReadReceipt updates the caller's receipt in place, or pushes a new
// entry when the caller never read before.
func (s *Storage) UpsertReadReceipt(ctx context.Context, id, userID string, readAt time.Time) error {
	res, err := s.conversations.UpdateOne(ctx,
		bson.M{"_id": id, "read_receipts.user_id": userID},
		bson.M{"$set": bson.M{"read_receipts.$.last_read_at": readAt}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}
	res, err = s.conversations.UpdateOne(ctx,
		bson.M{"_id": id, "read_receipts.user_id": bson.M{"$ne": userID}},
		bson.M{"$push": bson.M{"read_receipts": api.ReadReceipt{UserID: userID, LastReadAt: readAt}}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return api.ErrNoDocument
	}
	return nil
}

func (s *Storage) SetLastMessage(ctx context.Context, id, messageID string) error {
	res, err := s.conversations.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"last_message": messageID, "updated_at": time.Now()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return api.ErrNoDocument
	}
	return nil
}

func (s *Storage) UpsertUserSettings(ctx context.Context, id string, settings api.UserSettings) error {
	res, err := s.conversations.UpdateOne(ctx,
		bson.M{"_id": id, "user_settings.user_id": settings.UserID},
		bson.M{"$set": bson.M{"user_settings.$": settings}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}
	res, err = s.conversations.UpdateOne(ctx,
		bson.M{"_id": id, "user_settings.user_id": bson.M{"$ne": settings.UserID}},
		bson.M{"$push": bson.M{"user_settings": settings}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return api.ErrNoDocument
	}
	return nil
}

func (s *Storage) InsertMessage(ctx context.Context, message api.Message) (*api.Message, error) {
	message.ID = primitive.NewObjectID().Hex()
	if _, err := s.messages.InsertOne(ctx, message); err != nil {
		return nil, err
	}
	return &message, nil
}

func (s *Storage) FindMessage(ctx context.Context, id string) (*api.Message, error) {
	var message api.Message
	err := s.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&message)
	if err == mongo.ErrNoDocuments {
		return nil, api.ErrNoDocument
	}
	if err != nil {
		return nil, err
	}
	return &message, nil
}

func (s *Storage) ListMessagesByConversation(ctx context.Context, conversationID string, limit, skip int) ([]api.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	if skip > 0 {
		opts.SetSkip(int64(skip))
	}
	cursor, err := s.messages.Find(ctx, bson.M{"conversation_id": conversationID}, opts)
	if err != nil {
		return nil, err
	}
	var messages []api.Message
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *Storage) CountMessagesByConversation(ctx context.Context, conversationID string) (int64, error) {
	return s.messages.CountDocuments(ctx, bson.M{"conversation_id": conversationID})
}

func (s *Storage) UpdateMessageStatus(ctx context.Context, id string, newStatus api.MessageStatus) (*api.Message, error) {
	update := bson.M{"$set": bson.M{"status": newStatus, "updated_at": time.Now()}}
	var message api.Message
	err := s.messages.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, returnAfter).Decode(&message)
	if err == mongo.ErrNoDocuments {
		return nil, api.ErrNoDocument
	}
	if err != nil {
		return nil, err
	}
	return &message, nil
}

// EditMessageContent rewrites content unless the message was already deleted
// for everyone.
func (s *Storage) EditMessageContent(ctx context.Context, id, content string, editedAt time.Time) (*api.Message, error) {
	filter := bson.M{
		"_id":                         id,
		"deleted_history.deleted_for": bson.M{"$ne": api.DeletedForEveryone},
	}
	update := bson.M{"$set": bson.M{
		"content":    content,
		"edited":     true,
		"edited_at":  editedAt,
		"updated_at": editedAt,
	}}
	var message api.Message
	err := s.messages.FindOneAndUpdate(ctx, filter, update, returnAfter).Decode(&message)
	if err == mongo.ErrNoDocuments {
		return nil, api.ErrNoDocument
	}
	if err != nil {
		return nil, err
	}
	return &message, nil
}

// AppendDeletionForEveryone appends the entry; at most one everyone-scoped
// entry may ever exist, enforced by the filter.
func (s *Storage) AppendDeletionForEveryone(ctx context.Context, id string, entry api.DeletionEntry) (*api.Message, error) {
	filter := bson.M{
		"_id":                         id,
		"deleted_history.deleted_for": bson.M{"$ne": api.DeletedForEveryone},
	}
	return s.appendDeletion(ctx, filter, entry)
}

// AppendDeletionForUser appends the entry; at most one me-scoped entry per
// user.
func (s *Storage) AppendDeletionForUser(ctx context.Context, id string, entry api.DeletionEntry) (*api.Message, error) {
	filter := bson.M{
		"_id": id,
		"deleted_history": bson.M{"$not": bson.M{"$elemMatch": bson.M{
			"deleted_for": api.DeletedForMe,
			"user_id":     entry.UserID,
		}}},
	}
	return s.appendDeletion(ctx, filter, entry)
}

func (s *Storage) appendDeletion(ctx context.Context, filter bson.M, entry api.DeletionEntry) (*api.Message, error) {
	update := bson.M{
		"$push": bson.M{"deleted_history": entry},
		"$set":  bson.M{"updated_at": entry.Time},
	}
	var message api.Message
	err := s.messages.FindOneAndUpdate(ctx, filter, update, returnAfter).Decode(&message)
	if err == mongo.ErrNoDocuments {
		return nil, api.ErrNoDocument
	}
	if err != nil {
		return nil, err
	}
	return &message, nil
}

// AddMessageReaction pushes the reaction unless the identical (user, emoji)
// pair already exists.
func (s *Storage) AddMessageReaction(ctx context.Context, id string, reaction api.Reaction) (*api.Message, error) {
	filter := bson.M{
		"_id": id,
		"reactions": bson.M{"$not": bson.M{"$elemMatch": bson.M{
			"user_id": reaction.UserID,
			"emoji":   reaction.Emoji,
		}}},
	}
	update := bson.M{
		"$push": bson.M{"reactions": reaction},
		"$set":  bson.M{"updated_at": reaction.ReactedAt},
	}
	var message api.Message
	err := s.messages.FindOneAndUpdate(ctx, filter, update, returnAfter).Decode(&message)
	if err == mongo.ErrNoDocuments {
		return nil, api.ErrNoDocument
	}
	if err != nil {
		return nil, err
	}
	return &message, nil
}

// RemoveMessageReaction pulls the pair; pulling an absent reaction still
// succeeds.
func (s *Storage) RemoveMessageReaction(ctx context.Context, id, userID, emoji string) (*api.Message, error) {
	update := bson.M{"$pull": bson.M{"reactions": bson.M{"user_id": userID, "emoji": emoji}}}
	var message api.Message
	err := s.messages.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, returnAfter).Decode(&message)
	if err == mongo.ErrNoDocuments {
		return nil, api.ErrNoDocument
	}
	if err != nil {
		return nil, err
	}
	return &message, nil
}

func (s *Storage) FindUndeliveredMessages(ctx context.Context, conversationIds []string, excludingSender string) ([]api.Message, error) {
	filter := bson.M{
		"conversation_id": bson.M{"$in": conversationIds},
		"sender":          bson.M{"$ne": excludingSender},
		"status":          api.MessageSent,
	}
	cursor, err := s.messages.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	var messages []api.Message
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// MarkMessagesDelivered flips messages to delivered. The status filter keeps
// the sweep conditional: a message a participant read since the lookup is
// never regressed.
func (s *Storage) MarkMessagesDelivered(ctx context.Context, ids []string) error {
	_, err := s.messages.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}, "status": api.MessageSent},
		bson.M{"$set": bson.M{"status": api.MessageDelivered, "updated_at": time.Now()}},
	)
	return err
}
