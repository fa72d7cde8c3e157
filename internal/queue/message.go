// Package queue carries pipeline stages between worker pools over named
// queues. Delivery is at-least-once on every backend.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/mediaflow/internal/models"
)

// Stage is a logical pipeline step. Each stage is served by exactly one queue.
type Stage string

const (
	StageDetect    Stage = "detect"
	StageCaption   Stage = "caption"
	StageHarvest   Stage = "harvest"
	StageSaveFaces Stage = "save-faces"
	StageFinalize  Stage = "finalize"
)

// ErrPermanent marks handler errors that must not be retried.
var ErrPermanent = errors.New("permanent failure")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() []error {
	return []error{ErrPermanent, e.err}
}

// Permanent wraps err so the broker drops the message instead of redelivering it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// Payload is the stage context carried between handlers. Only ContentHash is
// required; handlers re-read anything else that is missing from the ledger.
type Payload struct {
	ContentHash string                  `json:"content_hash"`
	SourcePath  string                  `json:"source_path,omitempty"`
	Detection   *models.DetectionResult `json:"detection,omitempty"`
	Faces       []models.FaceRecord     `json:"faces,omitempty"`
}

type Message struct {
	ID        string    `json:"id"`
	Queue     string    `json:"queue"`
	Stage     Stage     `json:"stage"`
	Payload   Payload   `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
	// Attempt is the zero-based delivery count, filled in by the broker.
	Attempt int `json:"-"`
}

func NewMessage(queue string, stage Stage, payload Payload) Message {
	return Message{
		ID:        uuid.NewString(),
		Queue:     queue,
		Stage:     stage,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

func encodeMessage(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return data, nil
}

func decodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return m, Permanent(fmt.Errorf("unmarshal message: %w", err))
	}
	if m.Payload.ContentHash == "" {
		return m, Permanent(fmt.Errorf("message %s has no content hash", m.ID))
	}
	return m, nil
}

// Handler processes one delivery. Returning nil acknowledges the message.
type Handler func(ctx context.Context, msg Message) error

// Event is a notification fanned out to API listeners.
type Event struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	ContentHash string    `json:"content_hash,omitempty"`
	Data        any       `json:"data,omitempty"`
	Time        time.Time `json:"time"`
}

const (
	EventMediaCompleted     = "media.completed"
	EventMediaFailed        = "media.failed"
	EventMediaSkipped       = "media.skipped"
	EventIdentityRenamed    = "identity.renamed"
	EventClusteringFinished = "clustering.finished"
)

func NewEvent(typ, contentHash string, data any) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        typ,
		ContentHash: contentHash,
		Data:        data,
		Time:        time.Now().UTC(),
	}
}

// Broker is a named-queue transport.
type Broker interface {
	Publish(ctx context.Context, msg Message) error
	// Consume starts workers for queue and returns once they are running.
	// Workers stop when ctx is cancelled.
	Consume(ctx context.Context, queue string, workers int, h Handler) error
	PublishEvent(ctx context.Context, ev Event) error
	// SubscribeEvents delivers events to fn until ctx is cancelled.
	SubscribeEvents(ctx context.Context, fn func(Event)) error
	Depth(ctx context.Context, queue string) (int, error)
	Ping(ctx context.Context) error
	Close()
}
