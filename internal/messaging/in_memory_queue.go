package messaging

import (
	"encoding/json"
	"fmt"
)

// InMemoryQueue backs the single process deployment. Publisher and reciever
// share one buffered channel, so tasks published after the buffer fills will
// block until a worker drains them.
type InMemoryQueue struct {
	tasks chan Task
}

type inMemoryTask struct {
	taskType string
	payload  []byte
}

func (t *inMemoryTask) Type() string {
	return t.taskType
}

func (t *inMemoryTask) Payload() []byte {
	return t.payload
}

func (t *inMemoryTask) Ack() error {
	return nil
}

func (t *inMemoryTask) Nack() error {
	return nil
}

func (t *inMemoryTask) Reject() error {
	return nil
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		tasks: make(chan Task, 100),
	}
}

func (q *InMemoryQueue) publishTaskInternal(taskType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("error serializing task payload: %w", err)
	}

	q.tasks <- &inMemoryTask{taskType: taskType, payload: data}

	return nil
}

func (q *InMemoryQueue) PublishTrainTask(payload TrainTaskPayload) error {
	return q.publishTaskInternal(TrainQueue, payload)
}

func (q *InMemoryQueue) Tasks() <-chan Task {
	return q.tasks
}

// Close closes the task channel so worker loops draining Tasks() terminate.
// The processor closes its publisher and reciever ends separately, so Close
// tolerates being called twice on the shared queue.
func (q *InMemoryQueue) Close() error {
	if q.tasks != nil {
		close(q.tasks)
		q.tasks = nil
	}
	return nil
}
