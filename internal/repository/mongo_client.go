package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"busticket-agent/internal/domain"
)

const (
	chatCollection    = "chat_memory"
	bookingCollection = "bookings"
	userCollection    = "users"
	busCollection     = "busses"
	catalogDocID      = "routes"
)

// chatDoc is the chat_memory document of one conversation.
type chatDoc struct {
	ThreadID     string               `bson:"thread_id"`
	UserID       string               `bson:"user_id"`
	Chat         []domain.Turn        `bson:"chat"`
	BookingData  *domain.BookingDraft `bson:"booking_data,omitempty"`
	LastCommit   *domain.CommitMarker `bson:"last_commit,omitempty"`
	CreatedAt    time.Time            `bson:"created_at"`
	LastActivity time.Time            `bson:"last_activity"`
}

type catalogDoc struct {
	ID                  string `bson:"_id"`
	domain.RouteCatalog `bson:",inline"`
	UpdatedAt           time.Time `bson:"updated_at"`
}

// MongoStore keeps conversations, bookings, the route catalog and users in
// MongoDB.
type MongoStore struct {
	chats        *mongo.Collection
	bookings     *mongo.Collection
	users        *mongo.Collection
	busses       *mongo.Collection
	transactions bool
	now          func() time.Time
}

// NewMongoStore binds the store to db. With transactions set, CommitBooking
// runs in a multi-document transaction, which requires a replica set.
func NewMongoStore(db *mongo.Database, transactions bool) (*MongoStore, error) {
	if db == nil {
		return nil, errors.New("repository: mongo database must not be nil")
	}
	return &MongoStore{
		chats:        db.Collection(chatCollection),
		bookings:     db.Collection(bookingCollection),
		users:        db.Collection(userCollection),
		busses:       db.Collection(busCollection),
		transactions: transactions,
		now:          time.Now,
	}, nil
}

// caseInsensitive makes usernames and emails unique and searchable without
// regard to case. Queries must carry the same collation to use the index.
var caseInsensitive = &options.Collation{Locale: "en", Strength: 2}

// EnsureIndexes creates the uniqueness and lookup indexes the store relies on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	specs := []struct {
		coll   *mongo.Collection
		models []mongo.IndexModel
	}{
		{s.chats, []mongo.IndexModel{
			{Keys: bson.D{{Key: "thread_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "user_id", Value: 1}}},
		}},
		{s.bookings, []mongo.IndexModel{
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "booked_at", Value: 1}}},
		}},
		{s.users, []mongo.IndexModel{
			{Keys: bson.D{{Key: "username", Value: 1}}, Options: options.Index().SetUnique(true).SetCollation(caseInsensitive)},
			{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true).SetCollation(caseInsensitive)},
		}},
	}
	for _, spec := range specs {
		if _, err := spec.coll.Indexes().CreateMany(ctx, spec.models); err != nil {
			return fmt.Errorf("repository: create indexes on %s: %w", spec.coll.Name(), err)
		}
	}
	return nil
}

func (s *MongoStore) GetConversation(ctx context.Context, conversationID string, historyLimit int) (*domain.ConversationRecord, error) {
	projection := bson.M{"chat": 0}
	if historyLimit > 0 {
		projection = bson.M{"chat": bson.M{"$slice": -historyLimit}}
	}
	var doc chatDoc
	err := s.chats.FindOne(ctx, bson.M{"thread_id": conversationID}, options.FindOne().SetProjection(projection)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: GetConversation: %w", err)
	}
	return &domain.ConversationRecord{
		ID:           conversationID,
		UserID:       doc.UserID,
		Turns:        doc.Chat,
		Draft:        doc.BookingData,
		LastCommit:   doc.LastCommit,
		CreatedAt:    doc.CreatedAt,
		LastActivity: doc.LastActivity,
	}, nil
}

func (s *MongoStore) CreateConversation(ctx context.Context, conv domain.ConversationRecord) error {
	doc := chatDoc{
		ThreadID:     conv.ID,
		UserID:       conv.UserID,
		Chat:         []domain.Turn{},
		BookingData:  conv.Draft,
		LastCommit:   conv.LastCommit,
		CreatedAt:    conv.CreatedAt,
		LastActivity: conv.LastActivity,
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = s.now().UTC()
		doc.LastActivity = doc.CreatedAt
	}
	if _, err := s.chats.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("repository: CreateConversation: %w", duplicateErr(err))
	}
	return nil
}

func (s *MongoStore) UpsertDraft(ctx context.Context, conversationID string, draft domain.BookingDraft) error {
	now := s.now().UTC()
	update := bson.M{
		"$set":         bson.M{"booking_data": draft, "last_activity": now},
		"$setOnInsert": bson.M{"created_at": now, "chat": bson.A{}},
	}
	_, err := s.chats.UpdateOne(ctx, bson.M{"thread_id": conversationID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("repository: UpsertDraft: %w", err)
	}
	return nil
}

func (s *MongoStore) AppendTurn(ctx context.Context, conversationID, userID string, turn domain.Turn) error {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.now().UTC()
	}
	update := bson.M{
		"$push":        bson.M{"chat": turn},
		"$set":         bson.M{"last_activity": turn.Timestamp},
		"$setOnInsert": bson.M{"user_id": userID, "created_at": turn.Timestamp},
	}
	_, err := s.chats.UpdateOne(ctx, bson.M{"thread_id": conversationID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("repository: AppendTurn: %w", err)
	}
	return nil
}

func (s *MongoStore) UnsetDraft(ctx context.Context, conversationID string) error {
	_, err := s.chats.UpdateOne(ctx, bson.M{"thread_id": conversationID}, bson.M{"$unset": bson.M{"booking_data": ""}})
	if err != nil {
		return fmt.Errorf("repository: UnsetDraft: %w", err)
	}
	return nil
}

func (s *MongoStore) InsertBooking(ctx context.Context, rec domain.BookingRecord) error {
	if _, err := s.bookings.InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("repository: InsertBooking: %w", duplicateErr(err))
	}
	return nil
}

// CommitBooking inserts rec and clears the draft it was built from. Without
// transactions the insert is the durable step and the draft is cleared after
// it; a duplicate booking id still reports domain.ErrConflict.
func (s *MongoStore) CommitBooking(ctx context.Context, rec domain.BookingRecord, marker domain.CommitMarker) error {
	if !s.transactions {
		if err := s.InsertBooking(ctx, rec); err != nil {
			return err
		}
		if _, err := s.claimDraft(ctx, rec.ConversationID, marker); err != nil {
			return fmt.Errorf("repository: CommitBooking clear draft: %w", err)
		}
		return nil
	}

	sess, err := s.bookings.Database().Client().StartSession()
	if err != nil {
		return fmt.Errorf("repository: CommitBooking start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		if _, err := s.bookings.InsertOne(sc, rec); err != nil {
			return nil, duplicateErr(err)
		}
		matched, err := s.claimDraft(sc, rec.ConversationID, marker)
		if err != nil {
			return nil, err
		}
		if !matched {
			return nil, domain.ErrConflict
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("repository: CommitBooking: %w", err)
	}
	return nil
}

// claimDraft unsets the draft if it is still awaiting confirmation at the
// marker's revision and records the marker.
func (s *MongoStore) claimDraft(ctx context.Context, conversationID string, marker domain.CommitMarker) (bool, error) {
	filter := bson.M{
		"thread_id":                          conversationID,
		"booking_data.awaiting_confirmation": true,
		"booking_data.revision":              marker.Revision,
	}
	update := bson.M{
		"$unset": bson.M{"booking_data": ""},
		"$set":   bson.M{"last_commit": marker, "last_activity": marker.At},
	}
	res, err := s.chats.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

func (s *MongoStore) GetBooking(ctx context.Context, bookingID string) (domain.BookingRecord, error) {
	var rec domain.BookingRecord
	err := s.bookings.FindOne(ctx, bson.M{"_id": bookingID}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.BookingRecord{}, fmt.Errorf("repository: GetBooking %s: %w", bookingID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.BookingRecord{}, fmt.Errorf("repository: GetBooking: %w", err)
	}
	return rec, nil
}

func (s *MongoStore) ListBookings(ctx context.Context, userID string) ([]domain.BookingRecord, error) {
	cur, err := s.bookings.Find(ctx, bson.M{"user_id": userID}, options.Find().SetSort(bson.D{{Key: "booked_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("repository: ListBookings: %w", err)
	}
	var out []domain.BookingRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("repository: ListBookings decode: %w", err)
	}
	return out, nil
}

// CancelBooking marks a confirmed booking cancelled. A booking that is
// already cancelled is returned unchanged.
func (s *MongoStore) CancelBooking(ctx context.Context, bookingID string, at time.Time) (domain.BookingRecord, error) {
	var rec domain.BookingRecord
	err := s.bookings.FindOneAndUpdate(ctx,
		bson.M{"_id": bookingID, "status": domain.BookingConfirmed},
		bson.M{"$set": bson.M{"status": domain.BookingCancelled, "cancelled_at": at.UTC()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return s.GetBooking(ctx, bookingID)
	}
	if err != nil {
		return domain.BookingRecord{}, fmt.Errorf("repository: CancelBooking: %w", err)
	}
	return rec, nil
}

func (s *MongoStore) RouteCatalog(ctx context.Context) (domain.RouteCatalog, error) {
	var doc catalogDoc
	err := s.busses.FindOne(ctx, bson.M{"_id": catalogDocID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.RouteCatalog{}, fmt.Errorf("repository: RouteCatalog: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.RouteCatalog{}, fmt.Errorf("repository: RouteCatalog: %w", err)
	}
	return doc.RouteCatalog, nil
}

func (s *MongoStore) PutRouteCatalog(ctx context.Context, catalog domain.RouteCatalog) error {
	doc := catalogDoc{ID: catalogDocID, RouteCatalog: catalog, UpdatedAt: s.now().UTC()}
	_, err := s.busses.ReplaceOne(ctx, bson.M{"_id": catalogDocID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("repository: PutRouteCatalog: %w", err)
	}
	return nil
}

func (s *MongoStore) CreateUser(ctx context.Context, u domain.User) error {
	if _, err := s.users.InsertOne(ctx, u); err != nil {
		return fmt.Errorf("repository: CreateUser: %w", duplicateErr(err))
	}
	return nil
}

func (s *MongoStore) GetUserByUsername(ctx context.Context, username string) (domain.User, error) {
	var u domain.User
	err := s.users.FindOne(ctx, bson.M{"username": username}, options.FindOne().SetCollation(caseInsensitive)).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.User{}, fmt.Errorf("repository: GetUserByUsername: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("repository: GetUserByUsername: %w", err)
	}
	return u, nil
}

// duplicateErr maps a unique index violation onto domain.ErrConflict.
func duplicateErr(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", domain.ErrConflict, err)
	}
	return err
}
