// Package chatlog persists conversation transcripts in MongoDB using gomongo.
// A log is opened when an agent registers without an existing log ID, collects
// one line per chat message, and is closed by a chatClosed event. Persistence
// is best-effort: a failed write never blocks or fails message delivery.
package chatlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/real-rm/agentchat/internal/constants"
	"github.com/real-rm/agentchat/internal/metrics"
	"github.com/real-rm/agentchat/internal/util"
	"github.com/real-rm/golog"
	"github.com/real-rm/gomongo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	// ErrInvalidLogID is returned when a log ID is empty
	ErrInvalidLogID = errors.New("log ID cannot be empty")
	// ErrInvalidUsername is returned when a username is empty
	ErrInvalidUsername = errors.New("username cannot be empty")
	// ErrLogNotFound is returned when a log is not found in the database
	ErrLogNotFound = errors.New("chat log not found in database")
)

// retryConfig holds configuration for MongoDB retry logic
type retryConfig struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
}

// defaultRetryConfig provides default retry configuration
var defaultRetryConfig = retryConfig{
	maxAttempts:  constants.MaxRetryAttempts,
	initialDelay: constants.InitialRetryDelay,
	maxDelay:     constants.MaxRetryDelay,
	multiplier:   constants.RetryMultiplier,
}

// Service manages chat log persistence in MongoDB using gomongo
type Service struct {
	mongo      *gomongo.Mongo
	collection *gomongo.MongoCollection
	logger     *golog.Logger
}

// LogDocument represents a chat log stored in MongoDB
type LogDocument struct {
	ID         string     `bson:"_id"`
	Agent      string     `bson:"agent"`
	StartTime  time.Time  `bson:"ts"`
	EndTime    *time.Time `bson:"endTs,omitempty"`
	Lines      []LineDoc  `bson:"lines"`
	FullText   string     `bson:"fullText,omitempty"`
	Closed     bool       `bson:"closed"`
	CreatedAt  time.Time  `bson:"_ts,omitempty"` // gomongo automatic timestamp
	ModifiedAt time.Time  `bson:"_mt,omitempty"` // gomongo automatic timestamp
}

// LineDoc represents a single chat line stored in a log document
type LineDoc struct {
	Text      string    `bson:"text"`
	Timestamp time.Time `bson:"ts"`
}

// NewService creates a new chat log service using gomongo
// mongo: gomongo.Mongo instance (from gomongo.InitMongoDB)
// dbName: database name
// collName: collection name
// logger: golog.Logger instance for logging
func NewService(mongo *gomongo.Mongo, dbName, collName string, logger *golog.Logger) *Service {
	return &Service{
		mongo:      mongo,
		collection: mongo.Coll(dbName, collName),
		logger:     logger,
	}
}

// EnsureIndexes creates the necessary indexes for the chat logs collection.
// This should be called during application initialization.
func (s *Service) EnsureIndexes(ctx context.Context) error {
	// Index for agent username - used to list an agent's past logs
	agentIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: constants.MongoFieldUsername, Value: 1}},
		Options: options.Index().SetName(constants.IndexUsername),
	}

	// Index for start time - descending for most recent first
	startTimeIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: constants.MongoFieldStart, Value: -1}},
		Options: options.Index().SetName(constants.IndexStartTime),
	}

	_, err := s.collection.CreateIndexes(ctx, []mongo.IndexModel{agentIndex, startTimeIndex})
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	s.logger.Info("MongoDB indexes created successfully",
		"indexes", []string{constants.IndexUsername, constants.IndexStartTime},
	)

	return nil
}

// StartLog opens a new chat log for the given agent and returns its log ID
func (s *Service) StartLog(username string) (string, error) {
	// No else needed: early return pattern (guard clause)
	if username == "" {
		return "", ErrInvalidUsername
	}

	start := time.Now()
	defer func() {
		metrics.MongoDBOperationDuration.With(prometheus.Labels{"operation": "start_log"}).Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := util.NewTimeoutContext(constants.DefaultContextTimeout)
	defer cancel()

	doc := &LogDocument{
		ID:        uuid.New().String(),
		Agent:     username,
		StartTime: time.Now().UTC(),
		Lines:     []LineDoc{},
	}

	err := s.retryOperation(ctx, "StartLog", func() error {
		_, err := s.collection.InsertOne(ctx, doc)
		return err
	})

	// No else needed: early return pattern (guard clause)
	if err != nil {
		metrics.ChatLogErrors.Inc()
		return "", fmt.Errorf("failed to start chat log: %w", err)
	}

	s.logger.Debug("Chat log started", "log_id", doc.ID, "agent", username)

	return doc.ID, nil
}

// AppendLog appends a single chat line to an open log.
// Uses $push so concurrent appends never overwrite each other.
func (s *Service) AppendLog(logID, text string) error {
	// No else needed: early return pattern (guard clause)
	if logID == "" {
		return ErrInvalidLogID
	}

	start := time.Now()
	defer func() {
		metrics.MongoDBOperationDuration.With(prometheus.Labels{"operation": "append_log"}).Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := util.NewTimeoutContext(constants.LogWriteTimeout)
	defer cancel()

	filter := bson.M{constants.MongoFieldID: logID}
	update := bson.M{"$push": bson.M{constants.MongoFieldLines: LineDoc{
		Text:      text,
		Timestamp: time.Now().UTC(),
	}}}

	var result *mongo.UpdateResult
	err := s.retryOperation(ctx, "AppendLog", func() error {
		var err error
		result, err = s.collection.UpdateOne(ctx, filter, update)
		return err
	})

	// No else needed: early return pattern (guard clause)
	if err != nil {
		metrics.ChatLogErrors.Inc()
		return fmt.Errorf("failed to append to chat log: %w", err)
	}

	// No else needed: early return pattern (guard clause)
	if result.MatchedCount == 0 {
		metrics.ChatLogErrors.Inc()
		return fmt.Errorf("%w: %s", ErrLogNotFound, logID)
	}

	return nil
}

// CloseLog marks a log closed, recording the end time and the full transcript
// text. Closing an already-closed or unknown log returns ErrLogNotFound.
func (s *Service) CloseLog(logID, fullText string, endTime time.Time) error {
	// No else needed: early return pattern (guard clause)
	if logID == "" {
		return ErrInvalidLogID
	}

	start := time.Now()
	defer func() {
		metrics.MongoDBOperationDuration.With(prometheus.Labels{"operation": "close_log"}).Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := util.NewTimeoutContext(constants.LogWriteTimeout)
	defer cancel()

	filter := bson.M{
		constants.MongoFieldID:     logID,
		constants.MongoFieldClosed: false,
	}
	update := bson.M{"$set": bson.M{
		constants.MongoFieldEnd:      endTime.UTC(),
		constants.MongoFieldFullText: fullText,
		constants.MongoFieldClosed:   true,
	}}

	var result *mongo.UpdateResult
	err := s.retryOperation(ctx, "CloseLog", func() error {
		var err error
		result, err = s.collection.UpdateOne(ctx, filter, update)
		return err
	})

	// No else needed: early return pattern (guard clause)
	if err != nil {
		metrics.ChatLogErrors.Inc()
		return fmt.Errorf("failed to close chat log: %w", err)
	}

	// No else needed: early return pattern (guard clause)
	if result.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", ErrLogNotFound, logID)
	}

	s.logger.Debug("Chat log closed", "log_id", logID)

	return nil
}

// GetLog retrieves a chat log by ID
func (s *Service) GetLog(logID string) (*LogDocument, error) {
	// No else needed: early return pattern (guard clause)
	if logID == "" {
		return nil, ErrInvalidLogID
	}

	ctx, cancel := util.NewTimeoutContext(constants.DefaultContextTimeout)
	defer cancel()

	var doc LogDocument
	err := s.retryOperation(ctx, "GetLog", func() error {
		return s.collection.FindOne(ctx, bson.M{constants.MongoFieldID: logID}).Decode(&doc)
	})

	// No else needed: early return pattern (guard clause)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ErrLogNotFound, logID)
	}
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return nil, fmt.Errorf("failed to get chat log: %w", err)
	}

	return &doc, nil
}

// retryOperation executes an operation with retry logic for transient errors
// Uses exponential backoff with configurable parameters
func (s *Service) retryOperation(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	delay := defaultRetryConfig.initialDelay

	for attempt := 1; attempt <= defaultRetryConfig.maxAttempts; attempt++ {
		err := fn()
		// No else needed: early return pattern (guard clause - success case)
		if err == nil {
			return nil
		}

		// No else needed: early return pattern (guard clause - non-retryable error)
		if !isRetryableError(err) {
			return err
		}

		lastErr = err

		// No else needed: optional operation (only retry if attempts remain)
		if attempt < defaultRetryConfig.maxAttempts {
			s.logger.Warn("MongoDB operation failed, retrying",
				"operation", operation,
				"attempt", attempt,
				"max_attempts", defaultRetryConfig.maxAttempts,
				"delay", delay,
				"error", err)

			select {
			case <-time.After(delay):
				// Continue to next attempt
			case <-ctx.Done():
				return fmt.Errorf("operation cancelled during retry: %w", ctx.Err())
			}

			delay = time.Duration(float64(delay) * defaultRetryConfig.multiplier)
			// No else needed: optional operation (only cap if exceeds max)
			if delay > defaultRetryConfig.maxDelay {
				delay = defaultRetryConfig.maxDelay
			}
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w",
		defaultRetryConfig.maxAttempts, lastErr)
}

// isRetryableError checks if an error is retryable (transient)
// Returns true for network errors and transient MongoDB errors
func isRetryableError(err error) bool {
	// No else needed: early return pattern (guard clause)
	if err == nil {
		return false
	}

	errStr := err.Error()

	// Network errors
	if containsAny(errStr, []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"i/o timeout",
		"EOF",
	}) {
		return true
	}

	// MongoDB specific transient errors
	if containsAny(errStr, []string{
		"server selection timeout",
		"no reachable servers",
		"connection pool",
		"socket",
	}) {
		return true
	}

	return false
}

// containsAny checks if a string contains any of the given substrings
func containsAny(s string, substrings []string) bool {
	for _, substr := range substrings {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
