// Package source provides a NATS JetStream document consumer. It pulls
// acquisition documents from a stream and feeds them, strictly in
// arrival order, to a dispatcher. Unlike a work-queue consumer there is
// no worker fan-out: per-run document order is the protocol's invariant,
// so one puller goroutine processes documents one at a time.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Mnemosyne/internal/tracing"
)

// Dispatcher routes one wire document. It is implemented by
// writer.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, kind string, payload []byte) error
}

// Config holds stream and consumer configuration for the document source.
type Config struct {
	// Stream is the JetStream stream holding acquisition documents
	Stream string

	// Consumer is the durable consumer name
	Consumer string

	// Subject is the filter subject; the document kind is the final
	// subject token (e.g. "documents.run42.event" -> "event")
	Subject string

	// BatchSize is how many documents to pull per fetch
	BatchSize int

	// FetchTimeout bounds one fetch when no documents are available
	FetchTimeout time.Duration
}

// DefaultConfig returns a configuration with sensible defaults for the
// given stream.
func DefaultConfig(stream string) Config {
	return Config{
		Stream:       stream,
		Consumer:     stream + "-writer",
		Subject:      stream + ".>",
		BatchSize:    64,
		FetchTimeout: 2 * time.Second,
	}
}

// Consumer pulls documents from JetStream and dispatches them in order.
type Consumer struct {
	conn            *nats.Conn
	js              nats.JetStreamContext
	dispatcher      Dispatcher
	config          Config
	logger          *zap.Logger
	tracer          trace.Tracer
	tracingShutdown func(context.Context) error
}

// NewConsumer creates a document consumer over a connected NATS
// connection. The dispatcher receives every document; a dispatch error
// naks the message so JetStream redelivers it in order.
// tracingConfig is optional - if nil, no tracing will be set up.
func NewConsumer(conn *nats.Conn, dispatcher Dispatcher, config Config, logger *zap.Logger, tracingConfig *tracing.TracingConfig) (*Consumer, error) {
	if conn == nil {
		return nil, errors.New("connection cannot be nil")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher cannot be nil")
	}
	if config.Stream == "" {
		return nil, errors.New("stream name cannot be empty")
	}
	if config.Consumer == "" {
		return nil, errors.New("consumer name cannot be empty")
	}
	if config.BatchSize <= 0 {
		return nil, errors.New("batchSize must be greater than 0")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if config.Subject == "" {
		config.Subject = config.Stream + ".>"
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = 2 * time.Second
	}

	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("JetStream context is not available: %w", err)
	}

	if err := ensureStream(js, config.Stream, logger); err != nil {
		return nil, fmt.Errorf("failed to ensure stream '%s' exists: %w", config.Stream, err)
	}

	c := &Consumer{
		conn:       conn,
		js:         js,
		dispatcher: dispatcher,
		config:     config,
		logger:     logger,
		tracer:     otel.Tracer("mnemosyne/source"),
	}

	// Setup tracing if configuration is provided
	if tracingConfig != nil {
		shutdown, err := tracing.SetupTracing(context.Background(), *tracingConfig, logger)
		if err != nil {
			logger.Warn("Failed to setup tracing, continuing without tracing", zap.Error(err))
		} else {
			c.tracingShutdown = shutdown
			logger.Info("Tracing setup complete",
				zap.String("service", tracingConfig.ServiceName),
				zap.String("endpoint", tracingConfig.OTLPEndpoint))
		}
	}

	return c, nil
}

// ensureStream creates the JetStream stream if it doesn't exist, or validates it exists
func ensureStream(js nats.JetStreamContext, streamName string, logger *zap.Logger) error {
	streamInfo, err := js.StreamInfo(streamName)
	if err != nil {
		if err == nats.ErrStreamNotFound {
			logger.Info("Creating JetStream stream", zap.String("stream", streamName))

			streamConfig := &nats.StreamConfig{
				Name:     streamName,
				Subjects: []string{fmt.Sprintf("%s.>", streamName)},
				Storage:  nats.FileStorage,
				MaxAge:   24 * time.Hour,
				Replicas: 1,
			}

			_, err = js.AddStream(streamConfig)
			if err != nil {
				return fmt.Errorf("failed to create stream '%s': %w", streamName, err)
			}

			logger.Info("Successfully created JetStream stream",
				zap.String("stream", streamName),
				zap.Strings("subjects", streamConfig.Subjects))
		} else {
			return fmt.Errorf("failed to get stream info for '%s': %w", streamName, err)
		}
	} else {
		logger.Info("JetStream stream already exists",
			zap.String("stream", streamName),
			zap.Uint64("messages", streamInfo.State.Msgs),
			zap.Int("consumers", streamInfo.State.Consumers))
	}

	return nil
}

// Close shuts down tracing resources. The NATS connection is owned by
// the caller and is not closed here.
func (c *Consumer) Close() error {
	if c.tracingShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.tracingShutdown(ctx); err != nil {
			c.logger.Error("Error shutting down tracing", zap.Error(err))
			return err
		}
		c.logger.Info("Tracing shutdown complete")
	}
	return nil
}

// Run pulls and dispatches documents until the context is cancelled.
// Documents are processed sequentially so run-lineage order is
// preserved; a document that fails to apply is naked and redelivered.
func (c *Consumer) Run(ctx context.Context) error {
	sub, err := c.js.PullSubscribe(c.config.Subject, c.config.Consumer,
		nats.BindStream(c.config.Stream),
		nats.AckExplicit(),
		nats.MaxAckPending(c.config.BatchSize))
	if err != nil {
		return fmt.Errorf("failed to create pull subscription: %w", err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
	}()

	c.logger.Info("Document consumer started",
		zap.String("stream", c.config.Stream),
		zap.String("consumer", c.config.Consumer),
		zap.String("subject", c.config.Subject))

	backoffDelay := 100 * time.Millisecond
	maxBackoff := 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Shutting down document consumer...")
			return ctx.Err()
		default:
		}

		msgs, err := sub.Fetch(c.config.BatchSize, nats.MaxWait(c.config.FetchTimeout))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				// No documents available, keep polling
				continue
			}
			if ctx.Err() != nil {
				c.logger.Debug("Document fetch stopped due to context cancellation")
				return ctx.Err()
			}
			c.logger.Error("Error fetching documents", zap.Error(err))
			select {
			case <-time.After(backoffDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
			if backoffDelay < maxBackoff {
				backoffDelay *= 2
			}
			continue
		}

		// Reset backoff on successful fetch
		backoffDelay = 100 * time.Millisecond

		for _, msg := range msgs {
			if err := c.processDocument(ctx, msg); err != nil {
				if nakErr := msg.Nak(); nakErr != nil {
					c.logger.Error("Error naking document", zap.Error(nakErr))
				}
				continue
			}
			if ackErr := msg.Ack(); ackErr != nil {
				c.logger.Error("Error acking document", zap.Error(ackErr))
			}
		}
	}
}

// processDocument dispatches one document with a tracing span.
func (c *Consumer) processDocument(ctx context.Context, msg *nats.Msg) error {
	kind := documentKind(msg.Subject)

	ctx, span := c.tracer.Start(ctx, "source.processDocument",
		trace.WithAttributes(
			attribute.String("document.kind", kind),
			attribute.String("subject", msg.Subject),
			attribute.String("stream", c.config.Stream),
			attribute.String("consumer", c.config.Consumer),
		))
	defer span.End()

	start := time.Now()
	err := c.dispatcher.Dispatch(ctx, kind, msg.Data)
	duration := time.Since(start)
	span.SetAttributes(attribute.Int64("processing.duration_ms", duration.Milliseconds()))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("Error dispatching document",
			zap.String("kind", kind),
			zap.String("subject", msg.Subject),
			zap.Duration("duration", duration),
			zap.Error(err))
		return err
	}

	span.SetStatus(codes.Ok, "Document dispatched")
	c.logger.Debug("Dispatched document",
		zap.String("kind", kind),
		zap.Duration("duration", duration))
	return nil
}

// documentKind extracts the document kind from the final subject token.
func documentKind(subject string) string {
	if idx := strings.LastIndex(subject, "."); idx >= 0 {
		return subject[idx+1:]
	}
	return subject
}
