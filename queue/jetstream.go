package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/c360studio/semstreams/pkg/retry"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// DefaultFetchWait bounds one fetch of the consume loop.
const DefaultFetchWait = 5 * time.Second

// Options configure a JetStream queue.
type Options struct {
	URL     string
	Stream  string
	Subject string
	Durable string
	// TTL is the per-message time to live.
	TTL time.Duration
	// ConnectAttempts bounds the connection retries; at least one.
	ConnectAttempts int
	// FetchWait overrides DefaultFetchWait.
	FetchWait time.Duration
	Logger    *slog.Logger
}

// closeTimeout bounds the drain on Close.
const closeTimeout = 10 * time.Second

// JetStream is a Producer and Consumer over a NATS JetStream stream.
type JetStream struct {
	opts   Options
	logger *slog.Logger
	client *natsclient.Client
	js     jetstream.JetStream
	stream jetstream.Stream
}

// Connect dials the server with exponential backoff and ensures the stream.
func Connect(ctx context.Context, opts Options) (*JetStream, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("%w: no url configured", ErrDisabled)
	}
	if opts.Stream == "" || opts.Subject == "" {
		return nil, fmt.Errorf("stream and subject are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attempts := opts.ConnectAttempts
	if attempts < 1 {
		attempts = 1
	}

	client, err := natsclient.NewClient(opts.URL,
		natsclient.WithName("goshmon"),
		natsclient.WithLogger(logger),
		natsclient.WithCircuitBreakerThreshold(int32(attempts+1)),
	)
	if err != nil {
		return nil, fmt.Errorf("nats client: %w", err)
	}

	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = attempts
	err = retry.Do(ctx, cfg, func() error {
		if err := client.Connect(ctx); err != nil {
			logger.Debug("Queue connect failed", "url", opts.URL, "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", opts.URL, err)
	}

	q := &JetStream{opts: opts, logger: logger, client: client}
	q.js, err = client.JetStream()
	if err != nil {
		_ = q.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	q.stream, err = q.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        opts.Stream,
		Subjects:    []string{opts.Subject},
		AllowMsgTTL: true,
	})
	if err != nil {
		_ = q.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", opts.Stream, err)
	}

	logger.Info("Queue connected", "url", opts.URL, "stream", opts.Stream, "subject", opts.Subject)
	return q, nil
}

// Publish implements Producer. Each message gets a unique id and the
// configured time to live.
func (q *JetStream) Publish(ctx context.Context, data []byte) error {
	pubOpts := []jetstream.PublishOpt{jetstream.WithMsgID(uuid.NewString())}
	if q.opts.TTL > 0 {
		pubOpts = append(pubOpts, jetstream.WithMsgTTL(q.opts.TTL))
	}
	ack, err := q.js.Publish(ctx, q.opts.Subject, data, pubOpts...)
	if err != nil {
		return fmt.Errorf("publish %s: %w", q.opts.Subject, err)
	}
	q.logger.Debug("Queued retry", "stream", ack.Stream, "seq", ack.Sequence)
	return nil
}

// Consume implements Consumer. Only messages published after the durable
// consumer was first created are delivered.
func (q *JetStream) Consume(ctx context.Context, handle func(context.Context, Delivery)) error {
	consumer, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       q.opts.Durable,
		FilterSubject: q.opts.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("ensure consumer %s: %w", q.opts.Durable, err)
	}
	q.logger.Info("Consumer connected", "stream", q.opts.Stream, "consumer", q.opts.Durable)

	wait := q.opts.FetchWait
	if wait <= 0 {
		wait = DefaultFetchWait
	}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(wait))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, nats.ErrConnectionClosed) {
				return err
			}
			q.logger.Warn("Queue fetch failed", "consumer", q.opts.Durable, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		for msg := range msgs.Messages() {
			handle(ctx, msg)
		}
	}
}

// Close drains the connection.
func (q *JetStream) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return q.client.Close(ctx)
}
