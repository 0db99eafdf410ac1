package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/harborline/bookingsaga/internal/deadletter"
	"github.com/harborline/bookingsaga/internal/events"
	"github.com/harborline/bookingsaga/internal/outbox"
)

var ErrNotFound = errors.New("payment: not found")

// Store is the document-store persistence layer for Payment, OutboxMessage
// and DeadLetterMessage, grounded on orders/store.go's collection-per-
// aggregate layout — generalized from a single orders collection to the
// three this service owns, and from ObjectID-generated identity to the
// domain's own UUIDs so bookingId/paymentId match the rest of the saga.
type Store struct {
	client      *mongo.Client
	payments    *mongo.Collection
	outbox      *mongo.Collection
	deadLetters *mongo.Collection
}

func NewStore(ctx context.Context, uri string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("payment store: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("payment store: ping: %w", err)
	}

	db := client.Database("payment")
	s := &Store{
		client:      client,
		payments:    db.Collection("payments"),
		outbox:      db.Collection("outbox_messages"),
		deadLetters: db.Collection("dead_letter_messages"),
	}

	if _, err := s.payments.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "bookingId", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return nil, fmt.Errorf("payment store: create bookingId index: %w", err)
	}
	if _, err := s.outbox.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "published", Value: 1}, {Key: "createdAt", Value: 1}},
	}); err != nil {
		return nil, fmt.Errorf("payment store: create outbox index: %w", err)
	}
	if _, err := s.deadLetters.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "resolved", Value: 1}, {Key: "failedAt", Value: 1}}},
		{Keys: bson.D{{Key: "eventType", Value: 1}}},
		{Keys: bson.D{{Key: "sourceQueue", Value: 1}}},
	}); err != nil {
		return nil, fmt.Errorf("payment store: create dead letter indexes: %w", err)
	}

	return s, nil
}

func (s *Store) Close(ctx context.Context) error { return s.client.Disconnect(ctx) }

type paymentDoc struct {
	ID            primitive.ObjectID `bson:"_id,omitempty"`
	PaymentID     string             `bson:"paymentId"`
	BookingID     string             `bson:"bookingId"`
	Amount        int64              `bson:"amount"`
	Method        string             `bson:"method"`
	Status        string             `bson:"status"`
	TransactionID *string            `bson:"transactionId,omitempty"`
	ErrorMessage  *string            `bson:"errorMessage,omitempty"`
	RetryCount    int                `bson:"retryCount"`
	LastRetryAt   *time.Time         `bson:"lastRetryAt,omitempty"`
	CreatedAt     time.Time          `bson:"createdAt"`
	UpdatedAt     time.Time          `bson:"updatedAt"`
	ProcessedAt   *time.Time         `bson:"processedAt,omitempty"`
}

func toDoc(p Payment) paymentDoc {
	return paymentDoc{
		PaymentID:     p.ID.String(),
		BookingID:     p.BookingID.String(),
		Amount:        p.Amount,
		Method:        p.Method,
		Status:        string(p.Status),
		TransactionID: p.TransactionID,
		ErrorMessage:  p.ErrorMessage,
		RetryCount:    p.RetryCount,
		LastRetryAt:   p.LastRetryAt,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
		ProcessedAt:   p.ProcessedAt,
	}
}

func fromDoc(d paymentDoc) (Payment, error) {
	id, err := uuid.Parse(d.PaymentID)
	if err != nil {
		return Payment{}, fmt.Errorf("payment store: parse paymentId: %w", err)
	}
	bookingID, err := uuid.Parse(d.BookingID)
	if err != nil {
		return Payment{}, fmt.Errorf("payment store: parse bookingId: %w", err)
	}
	return Payment{
		ID:            id,
		BookingID:     bookingID,
		Amount:        d.Amount,
		Method:        d.Method,
		Status:        Status(d.Status),
		TransactionID: d.TransactionID,
		ErrorMessage:  d.ErrorMessage,
		RetryCount:    d.RetryCount,
		LastRetryAt:   d.LastRetryAt,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
		ProcessedAt:   d.ProcessedAt,
	}, nil
}

// GetByBooking returns the single payment for a booking, or ErrNotFound.
func (s *Store) GetByBooking(ctx context.Context, bookingID uuid.UUID) (Payment, error) {
	var doc paymentDoc
	err := s.payments.FindOne(ctx, bson.M{"bookingId": bookingID.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Payment{}, ErrNotFound
	}
	if err != nil {
		return Payment{}, fmt.Errorf("payment store: get by booking: %w", err)
	}
	return fromDoc(doc)
}

// UpsertPending inserts a PENDING payment if none exists yet for the
// booking, returning the existing one unchanged otherwise — the uniqueness
// on bookingId is the idempotency guard for duplicate InventoryReserved
// deliveries.
func (s *Store) UpsertPending(ctx context.Context, p Payment) (Payment, error) {
	existing, err := s.GetByBooking(ctx, p.BookingID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Payment{}, err
	}

	doc := toDoc(p)
	if _, err := s.payments.InsertOne(ctx, doc); err != nil {
		return Payment{}, fmt.Errorf("payment store: insert pending: %w", err)
	}
	return p, nil
}

// RecordOutcome applies a charge attempt's result and, in the same
// transaction, inserts the resulting PaymentSucceeded or PaymentFailed
// outbox row. Uses a Mongo multi-document transaction so the two writes
// commit atomically the way a single SQL transaction would.
func (s *Store) RecordOutcome(ctx context.Context, bookingID uuid.UUID, transactionID string, chargeErr error) (Payment, error) {
	session, err := s.client.StartSession()
	if err != nil {
		return Payment{}, fmt.Errorf("payment store: start session: %w", err)
	}
	defer session.EndSession(ctx)

	var result Payment
	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		var doc paymentDoc
		if err := s.payments.FindOne(sessCtx, bson.M{"bookingId": bookingID.String()}).Decode(&doc); err != nil {
			return nil, fmt.Errorf("payment store: load for outcome: %w", err)
		}

		now := time.Now().UTC()
		update := bson.M{"updatedAt": now, "processedAt": now}
		var envelope events.Envelope
		paymentID, _ := uuid.Parse(doc.PaymentID)

		if chargeErr == nil {
			update["status"] = string(StatusSuccess)
			update["transactionId"] = transactionID
			envelope, err = events.NewEnvelope(events.PaymentSucceeded, bookingID, events.PaymentSucceededData{
				PaymentID:     paymentID,
				BookingID:     bookingID,
				TransactionID: transactionID,
				Amount:        doc.Amount,
			})
		} else {
			msg := chargeErr.Error()
			update["status"] = string(StatusFailed)
			update["errorMessage"] = msg
			envelope, err = events.NewEnvelope(events.PaymentFailed, bookingID, events.PaymentFailedData{
				PaymentID:    paymentID,
				BookingID:    bookingID,
				ErrorMessage: msg,
			})
		}
		if err != nil {
			return nil, fmt.Errorf("payment store: build envelope: %w", err)
		}

		if _, err := s.payments.UpdateOne(sessCtx, bson.M{"bookingId": bookingID.String()}, bson.M{"$set": update}); err != nil {
			return nil, fmt.Errorf("payment store: update payment: %w", err)
		}

		if err := insertOutboxEnvelope(sessCtx, s.outbox, envelope); err != nil {
			return nil, err
		}

		var updated paymentDoc
		if err := s.payments.FindOne(sessCtx, bson.M{"bookingId": bookingID.String()}).Decode(&updated); err != nil {
			return nil, fmt.Errorf("payment store: reload after outcome: %w", err)
		}
		result, err = fromDoc(updated)
		return nil, err
	})
	if err != nil {
		return Payment{}, err
	}
	return result, nil
}

// DepositExhaustedRetry moves a FAILED payment already at maxRetries to
// PERMANENTLY_FAILED and writes the dead-letter entry, without spending
// another charge attempt — the retry endpoint's "at retryCount >= maxRetries"
// branch never re-executes the payment effect.
func (s *Store) DepositExhaustedRetry(ctx context.Context, bookingID uuid.UUID, maxRetries int) (Payment, error) {
	session, err := s.client.StartSession()
	if err != nil {
		return Payment{}, fmt.Errorf("payment store: start session: %w", err)
	}
	defer session.EndSession(ctx)

	var result Payment
	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		var doc paymentDoc
		if err := s.payments.FindOne(sessCtx, bson.M{"bookingId": bookingID.String()}).Decode(&doc); err != nil {
			return nil, fmt.Errorf("payment store: load for exhausted retry: %w", err)
		}

		if doc.Status == string(StatusPermanentlyFailed) {
			result, err = fromDoc(doc)
			return nil, err
		}

		now := time.Now().UTC()
		msg := fmt.Sprintf("exceeded max retries (%d), deposited to dead-letter queue", maxRetries)
		update := bson.M{
			"status":       string(StatusPermanentlyFailed),
			"errorMessage": msg,
			"updatedAt":    now,
		}
		if _, err := s.payments.UpdateOne(sessCtx, bson.M{"bookingId": bookingID.String()}, bson.M{"$set": update}); err != nil {
			return nil, fmt.Errorf("payment store: update payment for exhausted retry: %w", err)
		}

		// The dead-letter payload is a full snapshot of the payment as it
		// stood when retries ran out, so remediation doesn't need a second
		// lookup against a record that may have moved on.
		snapshot, err := fromDoc(doc)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(snapshot)
		if err != nil {
			return nil, fmt.Errorf("payment store: marshal payment snapshot: %w", err)
		}
		dlMsg := deadletter.Message{
			ID:             uuid.New(),
			SourceQueue:    "payment_retry",
			EventType:      "PaymentRetryFailed",
			Payload:        payload,
			ErrorMessage:   msg,
			AttemptCount:   doc.RetryCount,
			FirstAttemptAt: doc.CreatedAt,
			FailedAt:       now,
			Resolved:       false,
		}
		if err := insertDeadLetter(sessCtx, s.deadLetters, dlMsg); err != nil {
			return nil, err
		}

		var updated paymentDoc
		if err := s.payments.FindOne(sessCtx, bson.M{"bookingId": bookingID.String()}).Decode(&updated); err != nil {
			return nil, fmt.Errorf("payment store: reload after exhausted retry: %w", err)
		}
		result, err = fromDoc(updated)
		return nil, err
	})
	if err != nil {
		return Payment{}, err
	}
	return result, nil
}

// RecordRetryOutcome applies a manual /payments/retry attempt: on success it
// behaves like RecordOutcome; on failure it increments retryCount and stays
// FAILED. A payment landing exactly on MaxRetries here is still FAILED —
// the next retry call is the one that deposits to dead-letter, via
// DepositExhaustedRetry, without spending another charge attempt.
func (s *Store) RecordRetryOutcome(ctx context.Context, bookingID uuid.UUID, transactionID string, chargeErr error) (Payment, error) {
	if chargeErr == nil {
		return s.RecordOutcome(ctx, bookingID, transactionID, nil)
	}

	session, err := s.client.StartSession()
	if err != nil {
		return Payment{}, fmt.Errorf("payment store: start session: %w", err)
	}
	defer session.EndSession(ctx)

	var result Payment
	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		var doc paymentDoc
		if err := s.payments.FindOne(sessCtx, bson.M{"bookingId": bookingID.String()}).Decode(&doc); err != nil {
			return nil, fmt.Errorf("payment store: load for retry outcome: %w", err)
		}

		now := time.Now().UTC()
		update := bson.M{
			"status":       string(StatusFailed),
			"errorMessage": chargeErr.Error(),
			"retryCount":   doc.RetryCount + 1,
			"lastRetryAt":  now,
			"updatedAt":    now,
		}
		if _, err := s.payments.UpdateOne(sessCtx, bson.M{"bookingId": bookingID.String()}, bson.M{"$set": update}); err != nil {
			return nil, fmt.Errorf("payment store: update payment retry: %w", err)
		}

		var updated paymentDoc
		if err := s.payments.FindOne(sessCtx, bson.M{"bookingId": bookingID.String()}).Decode(&updated); err != nil {
			return nil, fmt.Errorf("payment store: reload after retry outcome: %w", err)
		}
		result, err = fromDoc(updated)
		return nil, err
	})
	if err != nil {
		return Payment{}, err
	}
	return result, nil
}

func insertOutboxEnvelope(ctx context.Context, coll *mongo.Collection, env events.Envelope) error {
	payloadJSON, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("payment store: marshal envelope: %w", err)
	}
	_, err = coll.InsertOne(ctx, bson.M{
		"id":            env.EventID.String(),
		"eventType":     env.EventName,
		"payload":       payloadJSON,
		"correlationId": env.CorrelationID.String(),
		"createdAt":     env.Timestamp,
		"published":     false,
		"retryCount":    0,
	})
	if err != nil {
		return fmt.Errorf("payment store: insert outbox message: %w", err)
	}
	return nil
}

func insertDeadLetter(ctx context.Context, coll *mongo.Collection, msg deadletter.Message) error {
	_, err := coll.InsertOne(ctx, bson.M{
		"id":             msg.ID.String(),
		"sourceQueue":    msg.SourceQueue,
		"eventType":      msg.EventType,
		"payload":        msg.Payload,
		"errorMessage":   msg.ErrorMessage,
		"attemptCount":   msg.AttemptCount,
		"firstAttemptAt": msg.FirstAttemptAt,
		"failedAt":       msg.FailedAt,
		"resolved":       false,
	})
	if err != nil {
		return fmt.Errorf("payment store: insert dead letter: %w", err)
	}
	return nil
}

type outboxDoc struct {
	ID            string    `bson:"id"`
	EventType     string    `bson:"eventType"`
	Payload       []byte    `bson:"payload"`
	CorrelationID string    `bson:"correlationId"`
	CreatedAt     time.Time `bson:"createdAt"`
	RetryCount    int       `bson:"retryCount"`
}

// FetchUnpublished implements outbox.Store.
func (s *Store) FetchUnpublished(ctx context.Context, limit int) ([]outbox.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}).SetLimit(int64(limit))
	cursor, err := s.outbox.Find(ctx, bson.M{"published": false}, opts)
	if err != nil {
		return nil, fmt.Errorf("payment store: fetch unpublished: %w", err)
	}
	defer cursor.Close(ctx)

	var out []outbox.Message
	for cursor.Next(ctx) {
		var doc outboxDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("payment store: decode outbox message: %w", err)
		}
		id, err := uuid.Parse(doc.ID)
		if err != nil {
			return nil, fmt.Errorf("payment store: parse outbox id: %w", err)
		}
		correlationID, err := uuid.Parse(doc.CorrelationID)
		if err != nil {
			return nil, fmt.Errorf("payment store: parse correlation id: %w", err)
		}
		out = append(out, outbox.Message{
			ID:            id,
			EventType:     doc.EventType,
			Payload:       doc.Payload,
			CorrelationID: correlationID,
			CreatedAt:     doc.CreatedAt,
			RetryCount:    doc.RetryCount,
		})
	}
	return out, cursor.Err()
}

// MarkPublished implements outbox.Store.
func (s *Store) MarkPublished(ctx context.Context, id uuid.UUID) error {
	_, err := s.outbox.UpdateOne(ctx, bson.M{"id": id.String()}, bson.M{"$set": bson.M{"published": true, "publishedAt": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("payment store: mark published: %w", err)
	}
	return nil
}

// RecordFailure implements outbox.Store.
func (s *Store) RecordFailure(ctx context.Context, id uuid.UUID, errMsg string) (int, error) {
	var doc outboxDoc
	err := s.outbox.FindOneAndUpdate(ctx,
		bson.M{"id": id.String()},
		bson.M{"$inc": bson.M{"retryCount": 1}, "$set": bson.M{"lastError": errMsg, "lastAttemptAt": time.Now().UTC()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("payment store: record failure: %w", err)
	}
	return doc.RetryCount, nil
}

// Insert implements deadletter.Store.
func (s *Store) Insert(ctx context.Context, msg deadletter.Message) error {
	return insertDeadLetter(ctx, s.deadLetters, msg)
}

// Resolve implements deadletter.Store.
func (s *Store) Resolve(ctx context.Context, id uuid.UUID, resolvedBy, notes string) error {
	result, err := s.deadLetters.UpdateOne(ctx,
		bson.M{"id": id.String(), "resolved": false},
		bson.M{"$set": bson.M{"resolved": true, "resolvedAt": time.Now().UTC(), "resolvedBy": resolvedBy, "resolutionNotes": notes}},
	)
	if err != nil {
		return fmt.Errorf("payment store: resolve dead letter: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("payment store: dead letter %s not found or already resolved", id)
	}
	return nil
}
