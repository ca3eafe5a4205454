package messaging

import (
	"time"

	"github.com/google/uuid"
)

const (
	TrainQueue = "train_queue"

	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

var Queues = []string{TrainQueue}

// Task is a single message pulled off a queue. Ack, Nack and Reject follow
// AMQP semantics: Nack requeues nothing and lets the broker drop or
// dead-letter the message, Reject drops a message that could not be decoded.
type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

type Publisher interface {
	PublishTrainTask(payload TrainTaskPayload) error

	Close() error
}

type Reciever interface {
	Tasks() <-chan Task

	Close() error
}

type TrainTaskPayload struct {
	ModelId uuid.UUID
	JobId   uuid.UUID
}
