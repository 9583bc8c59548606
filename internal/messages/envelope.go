package messages

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/chatbank/pkg/models"
)

// ErrUnknownKind is returned when an envelope carries an unregistered kind.
var ErrUnknownKind = errors.New("unknown message kind")

// derivedNamespace seeds ids of messages produced by a transition, so a
// retried transition emits the same ids as the first attempt.
var derivedNamespace = uuid.MustParse("6f1c7c52-5d0e-4d35-9a7e-3b8d7f0e2a11")

// Envelope is the transport-neutral wrapper around one message.
type Envelope struct {
	MessageID   string            `json:"message_id"`
	Kind        Kind              `json:"kind"`
	Key         models.RoutingKey `json:"key"`
	CausationID string            `json:"causation_id,omitempty"`
	Payload     json.RawMessage   `json:"payload"`
	CreatedAt   time.Time         `json:"created_at"`
}

// DeadLetter is an envelope a transport gave up on.
type DeadLetter struct {
	Envelope    Envelope    `json:"envelope"`
	Destination Destination `json:"destination"`
	Error       string      `json:"error"`
	Attempts    int         `json:"attempts"`
	FailedAt    time.Time   `json:"failed_at"`
}

// Destination reports where the envelope is delivered.
func (e Envelope) Destination() (Destination, bool) {
	return e.Kind.Destination()
}

// New wraps msg in a fresh envelope with a random message id.
func New(msg Message, key models.RoutingKey, now time.Time) (Envelope, error) {
	return wrap(msg, key, uuid.NewString(), "", now)
}

// Derive wraps msg as the seq-th output of the transition triggered by cause.
// The message id is a stable function of (cause, seq, kind).
func Derive(cause Envelope, seq int, msg Message, key models.RoutingKey, now time.Time) (Envelope, error) {
	name := cause.MessageID + "/" + strconv.Itoa(seq) + "/" + string(msg.Kind())
	id := uuid.NewSHA1(derivedNamespace, []byte(name)).String()
	return wrap(msg, key, id, cause.MessageID, now)
}

// Reference returns a stable idempotency reference for a money movement
// caused by the given message.
func Reference(causeMessageID string) string {
	return uuid.NewSHA1(derivedNamespace, []byte("reference/"+causeMessageID)).String()
}

func wrap(msg Message, key models.RoutingKey, id, causation string, now time.Time) (Envelope, error) {
	if msg == nil {
		return Envelope{}, fmt.Errorf("message is required")
	}
	if !msg.Kind().Known() {
		return Envelope{}, fmt.Errorf("%w: %s", ErrUnknownKind, msg.Kind())
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", msg.Kind(), err)
	}
	return Envelope{
		MessageID:   id,
		Kind:        msg.Kind(),
		Key:         key,
		CausationID: causation,
		Payload:     payload,
		CreatedAt:   now.UTC(),
	}, nil
}

// Decode returns the typed message carried by env as a value (not a pointer).
func Decode(env Envelope) (Message, error) {
	factory, ok := factories[env.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, env.Kind)
	}
	ptr := factory()
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, ptr); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
	}
	return reflect.ValueOf(ptr).Elem().Interface().(Message), nil
}
