package messaging

import (
	"errors"
	"fmt"
)

// ErrPayloadTooLarge marks a publish rejected because the serialized
// envelope exceeds MaxMessageBytes.
var ErrPayloadTooLarge = errors.New("payload exceeds maximum message size")

// ErrDuplicateHandler marks an attempt to register a second handler for a
// message type that already has one.
var ErrDuplicateHandler = errors.New("handler already registered for message type")

// ErrConsumerClosed is returned by Next after the consumer is closed.
var ErrConsumerClosed = errors.New("consumer closed")

// DeliveryError reports a failed publish. The caller must treat the
// message as not sent; the transport never retries on its own.
type DeliveryError struct {
	Topic     string
	MessageID string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver message %s to topic %s: %v", e.MessageID, e.Topic, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
