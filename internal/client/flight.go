package client

import (
	"context"
	"errors"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var (
	recordsForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seqnp_records_forwarded_total",
		Help: "Prediction records sent to Longbow",
	})
	recordsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seqnp_records_skipped_total",
		Help: "Prediction records not sent because the circuit was open",
	})
	forwardErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seqnp_forward_errors_total",
		Help: "Failed Flight DoPut calls",
	})
)

// FlightClient handles communication with a Longbow server via Apache Flight.
type FlightClient struct {
	client flight.Client
	conn   *grpc.ClientConn
}

// NewFlightClient creates a new Flight client connected to the given address.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	return &FlightClient{
		client: flight.NewClientFromConn(conn, nil),
		conn:   conn,
	}, nil
}

// DoPut sends a RecordBatch to the given dataset on the Longbow server and
// waits for the server to acknowledge the stream.
func (c *FlightClient) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return err
	}

	writer := flight.NewRecordWriter(stream)
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{datasetName},
	})

	if err := writer.Write(record); err != nil {
		_ = writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	// Drain acknowledgements until the server ends the stream.
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}

// Putter sends a record to a dataset.
type Putter interface {
	DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error
}

// Forwarder sends prediction records to one Longbow dataset behind a
// circuit breaker.
type Forwarder struct {
	putter  Putter
	breaker *CircuitBreaker
	dataset string
}

func NewForwarder(p Putter, breaker *CircuitBreaker, dataset string) *Forwarder {
	return &Forwarder{putter: p, breaker: breaker, dataset: dataset}
}

// Forward puts rec unless the circuit is open, in which case it returns
// ErrCircuitOpen without contacting the server.
func (f *Forwarder) Forward(ctx context.Context, rec arrow.RecordBatch) error {
	err := f.breaker.Do(func() error {
		return f.putter.DoPut(ctx, f.dataset, rec)
	})
	switch {
	case err == nil:
		recordsForwarded.Inc()
	case errors.Is(err, ErrCircuitOpen):
		recordsSkipped.Inc()
		trace.SpanFromContext(ctx).AddEvent("forward skipped", trace.WithAttributes(attribute.String("dataset", f.dataset)))
		log.Warn().Str("dataset", f.dataset).Msg("Circuit open, skipping forward to Longbow")
	default:
		forwardErrors.Inc()
		log.Error().Err(err).Str("dataset", f.dataset).Str("circuit", f.breaker.State().String()).Msg("Forward to Longbow failed")
	}
	return err
}
