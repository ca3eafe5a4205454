package messaging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type RabbitMQPublisher struct {
	url string

	connLock sync.RWMutex
	conn     *amqp.Connection
	channel  *amqp.Channel
}

func NewRabbitMQPublisher(url string) (*RabbitMQPublisher, error) {
	publisher := &RabbitMQPublisher{url: url}

	if err := publisher.connect(); err != nil {
		return nil, err
	}

	go publisher.handleReconnect()

	return publisher, nil
}

func (p *RabbitMQPublisher) connect() error {
	p.connLock.Lock()
	defer p.connLock.Unlock()

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("error connecting to rabbitmq: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("error opening rabbitmq channel: %w", err)
	}

	for _, queue := range Queues {
		_, err := channel.QueueDeclare(queue, true, false, false, false, nil)
		if err != nil {
			channel.Close()
			conn.Close()
			return fmt.Errorf("error declaring queue %s: %w", queue, err)
		}
	}

	p.conn = conn
	p.channel = channel

	return nil
}

func (p *RabbitMQPublisher) handleReconnect() {
	for {
		p.connLock.RLock()
		conn := p.conn
		p.connLock.RUnlock()

		if conn == nil {
			return
		}

		notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))

		err, ok := <-notifyClose
		if !ok {
			// Connection was closed deliberately.
			return
		}

		slog.Error("rabbitmq publisher connection lost, reconnecting", "error", err)

		for i := 0; i < MaxConnectRetry; i++ {
			time.Sleep(RetryDelay)

			if err := p.connect(); err != nil {
				slog.Error("rabbitmq publisher reconnect failed", "attempt", i+1, "error", err)
			} else {
				slog.Info("rabbitmq publisher reconnected")
				break
			}
		}
	}
}

func (p *RabbitMQPublisher) publishTaskInternal(queue string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("error serializing task payload: %w", err)
	}

	p.connLock.RLock()
	defer p.connLock.RUnlock()

	if p.channel == nil {
		return fmt.Errorf("rabbitmq publisher is not connected")
	}

	err = p.channel.Publish("", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         data,
		DeliveryMode: amqp.Persistent,
	})
	if err != nil {
		return fmt.Errorf("error publishing task to queue %s: %w", queue, err)
	}

	return nil
}

func (p *RabbitMQPublisher) PublishTrainTask(payload TrainTaskPayload) error {
	return p.publishTaskInternal(TrainQueue, payload)
}

func (p *RabbitMQPublisher) Close() error {
	p.connLock.Lock()
	defer p.connLock.Unlock()

	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		p.channel = nil
		return err
	}

	return nil
}

type rabbitMQTask struct {
	queue    string
	delivery amqp.Delivery
}

func (t *rabbitMQTask) Type() string {
	return t.queue
}

func (t *rabbitMQTask) Payload() []byte {
	return t.delivery.Body
}

func (t *rabbitMQTask) Ack() error {
	return t.delivery.Ack(false)
}

func (t *rabbitMQTask) Nack() error {
	return t.delivery.Nack(false, false)
}

func (t *rabbitMQTask) Reject() error {
	return t.delivery.Reject(false)
}

type RabbitMQReciever struct {
	url    string
	queues []string

	connLock sync.RWMutex
	conn     *amqp.Connection
	channel  *amqp.Channel

	tasks      chan Task
	stop       chan struct{}
	forwarders sync.WaitGroup
	destructor sync.Once
}

func NewRabbitMQReciever(url string, queues ...string) (*RabbitMQReciever, error) {
	if len(queues) == 0 {
		queues = Queues
	}

	reciever := &RabbitMQReciever{
		url:    url,
		queues: queues,
		tasks:  make(chan Task),
		stop:   make(chan struct{}),
	}

	if err := reciever.connect(); err != nil {
		return nil, err
	}

	go reciever.handleReconnect()

	return reciever, nil
}

func (r *RabbitMQReciever) connect() error {
	r.connLock.Lock()
	defer r.connLock.Unlock()

	conn, err := amqp.Dial(r.url)
	if err != nil {
		return fmt.Errorf("error connecting to rabbitmq: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("error opening rabbitmq channel: %w", err)
	}

	// Prefetch one task at a time so a slow training job does not hold
	// unacked messages for the whole queue.
	if err := channel.Qos(1, 0, false); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("error setting channel qos: %w", err)
	}

	for _, queue := range r.queues {
		_, err := channel.QueueDeclare(queue, true, false, false, false, nil)
		if err != nil {
			channel.Close()
			conn.Close()
			return fmt.Errorf("error declaring queue %s: %w", queue, err)
		}

		deliveries, err := channel.Consume(queue, "", false, false, false, false, nil)
		if err != nil {
			channel.Close()
			conn.Close()
			return fmt.Errorf("error consuming from queue %s: %w", queue, err)
		}

		r.forwarders.Add(1)
		go r.forwardDeliveries(queue, deliveries)
	}

	r.conn = conn
	r.channel = channel

	return nil
}

func (r *RabbitMQReciever) forwardDeliveries(queue string, deliveries <-chan amqp.Delivery) {
	defer r.forwarders.Done()

	for delivery := range deliveries {
		select {
		case r.tasks <- &rabbitMQTask{queue: queue, delivery: delivery}:
		case <-r.stop:
			return
		}
	}
}

func (r *RabbitMQReciever) handleReconnect() {
	for {
		r.connLock.RLock()
		conn := r.conn
		r.connLock.RUnlock()

		if conn == nil {
			return
		}

		notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))

		select {
		case <-r.stop:
			return
		case err, ok := <-notifyClose:
			if !ok {
				return
			}
			slog.Error("rabbitmq reciever connection lost, reconnecting", "error", err)
		}

		for i := 0; i < MaxConnectRetry; i++ {
			time.Sleep(RetryDelay)

			if err := r.connect(); err != nil {
				slog.Error("rabbitmq reciever reconnect failed", "attempt", i+1, "error", err)
			} else {
				slog.Info("rabbitmq reciever reconnected")
				break
			}
		}
	}
}

func (r *RabbitMQReciever) Tasks() <-chan Task {
	return r.tasks
}

// Close stops the reciever and closes the task channel, so worker loops
// draining Tasks() terminate. The forwarder goroutines must exit before the
// channel is closed or they would send on a closed channel.
func (r *RabbitMQReciever) Close() error {
	var err error
	r.destructor.Do(func() {
		close(r.stop)

		r.connLock.Lock()
		if r.conn != nil {
			err = r.conn.Close()
			r.conn = nil
			r.channel = nil
		}
		r.connLock.Unlock()

		r.forwarders.Wait()
		close(r.tasks)
	})
	return err
}
