package source

import (
	"context"

	natsclient "github.com/nats-io/nats.go"

	"github.com/wehubfusion/Mnemosyne/internal/nats"
	"github.com/wehubfusion/Mnemosyne/internal/tracing"
)

// TracingConfig re-exports the OpenTelemetry setup configuration.
type TracingConfig = tracing.TracingConfig

// DefaultTracingConfig returns a default tracing configuration for the
// given service name.
func DefaultTracingConfig(serviceName string) TracingConfig {
	return tracing.DefaultConfig(serviceName)
}

// ConnectionConfig re-exports the NATS connection configuration so
// callers do not reach into internal packages.
type ConnectionConfig = nats.ConnectionConfig

// DefaultConnectionConfig returns a connection configuration with
// sensible defaults.
func DefaultConnectionConfig(url string) *ConnectionConfig {
	return nats.DefaultConnectionConfig(url)
}

// Connect establishes a NATS connection for a document consumer.
func Connect(ctx context.Context, config *ConnectionConfig) (*natsclient.Conn, error) {
	return nats.Connect(ctx, config)
}

// CloseConnection drains and closes a connection created with Connect.
func CloseConnection(conn *natsclient.Conn) error {
	return nats.Close(conn)
}
