package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// JobHandler processes one ready handoff job. A returned error sends the job
// back through the retry cycle.
type JobHandler func(ctx context.Context, job *HandoffJob) error

// DelayQueue is a durable, time-deferred job queue on RabbitMQ. Jobs are
// published to a wait queue with a per-message TTL and dead-letter into the
// ready queue once the delay elapses; workers consume the ready queue with
// manual acks, giving at-least-once execution.
//
// Expired messages only leave the wait queue from its head, so a longer delay
// ahead can briefly hold back a shorter one. Delays here are account-level
// policy values of similar magnitude, and the worker re-derives truth from
// fresh history at fire time, so a late fire degrades to an abstain.
type DelayQueue struct {
	conn   *amqp091.Connection
	pubCh  *amqp091.Channel
	pubMu  sync.Mutex // amqp channels do not allow concurrent publishes
	prefix string

	maxRetries   int
	retryBackoff time.Duration

	publish publishFunc
}

type publishFunc func(ctx context.Context, routingKey string, msg amqp091.Publishing) error

func (q *DelayQueue) channelPublish(ctx context.Context, routingKey string, msg amqp091.Publishing) error {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	return q.pubCh.PublishWithContext(ctx,
		"",         // default exchange
		routingKey, // routing key = queue
		false,      // mandatory
		false,      // immediate
		msg,
	)
}

func (q *DelayQueue) waitQueue() string  { return q.prefix + "_handoff_wait" }
func (q *DelayQueue) readyQueue() string { return q.prefix + "_handoff_ready" }
func (q *DelayQueue) deadQueue() string  { return q.prefix + "_handoff_dead" }

// NewDelayQueue connects to RabbitMQ and declares the wait, ready and dead
// queues.
func NewDelayQueue(rabbitURL, prefix string, maxRetries int) (*DelayQueue, error) {
	if rabbitURL == "" {
		return nil, fmt.Errorf("RABBITMQ_URL cannot be empty")
	}

	conn, err := amqp091.Dial(rabbitURL)
	if err != nil {
		return nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not open RabbitMQ channel: %w", err)
	}

	q := &DelayQueue{
		conn:         conn,
		pubCh:        ch,
		prefix:       prefix,
		maxRetries:   maxRetries,
		retryBackoff: 2 * time.Second,
	}
	q.publish = q.channelPublish

	if _, err := ch.QueueDeclare(q.readyQueue(), true, false, false, false, nil); err != nil {
		q.Close()
		return nil, fmt.Errorf("could not declare ready queue: %w", err)
	}
	if _, err := ch.QueueDeclare(q.deadQueue(), true, false, false, false, nil); err != nil {
		q.Close()
		return nil, fmt.Errorf("could not declare dead queue: %w", err)
	}
	waitArgs := amqp091.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.readyQueue(),
	}
	if _, err := ch.QueueDeclare(q.waitQueue(), true, false, false, false, waitArgs); err != nil {
		q.Close()
		return nil, fmt.Errorf("could not declare wait queue: %w", err)
	}

	log.Info().
		Str("waitQueue", q.waitQueue()).
		Str("readyQueue", q.readyQueue()).
		Int("maxRetries", maxRetries).
		Msg("Delay queue ready")
	return q, nil
}

// Enqueue schedules the job to become ready after the given delay and returns
// as soon as the broker confirms the publish.
func (q *DelayQueue) Enqueue(ctx context.Context, job *HandoffJob, delay time.Duration) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("could not marshal handoff job: %w", err)
	}

	if delay < 0 {
		delay = 0
	}

	err = q.publish(ctx, q.waitQueue(), amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    job.ID,
		Expiration:   strconv.FormatInt(delay.Milliseconds(), 10),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("could not publish handoff job: %w", err)
	}

	log.Debug().
		Str("jobID", job.ID).
		Dur("delay", delay).
		Int("attempt", job.Attempt).
		Msg("Handoff job enqueued")
	return nil
}

// StartWorkers consumes ready jobs with the given handler until ctx is
// cancelled. Concurrency bounds how many jobs are in flight at once; the
// broker is asked to prefetch no more than that.
func (q *DelayQueue) StartWorkers(ctx context.Context, handler JobHandler, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}

	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("could not open consumer channel: %w", err)
	}
	if err := ch.Qos(concurrency, 0, false); err != nil {
		return fmt.Errorf("could not set consumer prefetch: %w", err)
	}

	deliveries, err := ch.Consume(
		q.readyQueue(),
		"",    // consumer tag
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("could not start consuming ready queue: %w", err)
	}

	log.Info().Int("concurrency", concurrency).Str("queue", q.readyQueue()).Msg("Delay queue workers started")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case d, ok := <-deliveries:
					if !ok {
						return fmt.Errorf("delivery channel closed")
					}
					q.handleDelivery(ctx, d, handler)
				}
			}
		})
	}
	go func() {
		if err := g.Wait(); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Delay queue worker pool stopped")
		}
		ch.Close()
	}()
	return nil
}

func (q *DelayQueue) handleDelivery(ctx context.Context, d amqp091.Delivery, handler JobHandler) {
	var job HandoffJob
	if err := json.Unmarshal(d.Body, &job); err != nil {
		log.Error().Err(err).Str("messageID", d.MessageId).Msg("Undecodable handoff job, moving to dead queue")
		q.moveToDead(ctx, d.Body)
		if err := d.Ack(false); err != nil {
			log.Error().Err(err).Msg("Failed to ack undecodable job")
		}
		return
	}

	err := handler(ctx, &job)
	if err == nil {
		if err := d.Ack(false); err != nil {
			log.Error().Err(err).Str("jobID", job.ID).Msg("Failed to ack completed job")
		}
		return
	}

	job.Attempt++
	routed := false
	if job.Attempt > q.maxRetries {
		log.Error().
			Err(err).
			Str("jobID", job.ID).
			Int("attempt", job.Attempt).
			Msg("Handoff job failed permanently, moving to dead queue")
		routed = q.moveToDead(ctx, d.Body) == nil
	} else {
		backoff := q.retryBackoff * time.Duration(1<<(job.Attempt-1))
		log.Warn().
			Err(err).
			Str("jobID", job.ID).
			Int("attempt", job.Attempt).
			Dur("backoff", backoff).
			Msg("Handoff job failed, scheduling retry")
		if reqErr := q.Enqueue(ctx, &job, backoff); reqErr != nil {
			log.Error().Err(reqErr).Str("jobID", job.ID).Msg("Failed to re-enqueue job, moving to dead queue")
			routed = q.moveToDead(ctx, d.Body) == nil
		} else {
			routed = true
		}
	}
	if !routed {
		// Nothing holds the job anymore except this delivery. Hand it back to
		// the broker for redelivery instead of acking it into oblivion.
		if nerr := d.Nack(false, true); nerr != nil {
			log.Error().Err(nerr).Str("jobID", job.ID).Msg("Failed to nack unrouted job")
		}
		return
	}
	if err := d.Ack(false); err != nil {
		log.Error().Err(err).Str("jobID", job.ID).Msg("Failed to ack failed job")
	}
}

func (q *DelayQueue) moveToDead(ctx context.Context, body []byte) error {
	err := q.publish(ctx, q.deadQueue(), amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Body:         body,
	})
	if err != nil {
		log.Error().Err(err).Msg("Could not publish job to dead queue")
	}
	return err
}

// Depths reports the current message counts of the wait, ready and dead
// queues. A fresh channel is used because a passive declare error closes it.
func (q *DelayQueue) Depths() (wait, ready, dead int, err error) {
	ch, err := q.conn.Channel()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("could not open status channel: %w", err)
	}
	defer ch.Close()

	for _, probe := range []struct {
		name string
		dst  *int
	}{
		{q.waitQueue(), &wait},
		{q.readyQueue(), &ready},
		{q.deadQueue(), &dead},
	} {
		state, derr := ch.QueueDeclarePassive(probe.name, true, false, false, false, nil)
		if derr != nil {
			return 0, 0, 0, fmt.Errorf("could not inspect queue %s: %w", probe.name, derr)
		}
		*probe.dst = state.Messages
	}
	return wait, ready, dead, nil
}

// Close tears down the broker connection.
func (q *DelayQueue) Close() {
	if q.pubCh != nil {
		q.pubCh.Close()
	}
	if q.conn != nil {
		q.conn.Close()
	}
}
