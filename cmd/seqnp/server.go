package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-seqnp/internal/client"
	"github.com/23skdu/longbow-seqnp/internal/forecast"
	"github.com/23skdu/longbow-seqnp/internal/hparams"
	"github.com/23skdu/longbow-seqnp/internal/model"
)

var (
	rowsPredicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seqnp_rows_predicted_total",
		Help: "The total number of batch rows predicted over HTTP",
	})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "seqnp_request_duration_seconds",
		Help:    "Time spent processing predict requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"handler"})
)

// Forwarder ships prediction records to Longbow.
type Forwarder interface {
	Forward(ctx context.Context, rec arrow.RecordBatch) error
}

// Predictor is the part of forecast.Service the handlers use.
type Predictor interface {
	Predict(ctx context.Context, in model.Inputs) (*model.Output, error)
}

// SequencePayload is a dense Batch x Len x Dim block on the wire.
type SequencePayload struct {
	Batch int       `cbor:"batch"`
	Len   int       `cbor:"len"`
	Dim   int       `cbor:"dim"`
	Data  []float32 `cbor:"data"`
}

func payloadOf(s *model.Sequence) SequencePayload {
	return SequencePayload{Batch: s.Batch, Len: s.Len, Dim: s.Dim, Data: s.Data}
}

func (p *SequencePayload) sequence() *model.Sequence {
	if p == nil {
		return nil
	}
	return &model.Sequence{Batch: p.Batch, Len: p.Len, Dim: p.Dim, Data: p.Data}
}

// PredictRequest is the CBOR body of POST /predict.
type PredictRequest struct {
	Dataset  string           `cbor:"dataset,omitempty"`
	ContextX SequencePayload  `cbor:"context_x"`
	ContextY SequencePayload  `cbor:"context_y"`
	TargetX  SequencePayload  `cbor:"target_x"`
	TargetY  *SequencePayload `cbor:"target_y,omitempty"`
}

func (r *PredictRequest) inputs() model.Inputs {
	return model.Inputs{
		ContextX: r.ContextX.sequence(),
		ContextY: r.ContextY.sequence(),
		TargetX:  r.TargetX.sequence(),
		TargetY:  r.TargetY.sequence(),
	}
}

// PredictResponse is the CBOR reply of POST /predict. Loss is absent when the
// request carried no target_y.
type PredictResponse struct {
	MeanTarget  SequencePayload `cbor:"mean_target"`
	MeanContext SequencePayload `cbor:"mean_context"`
	Loss        *float64        `cbor:"loss,omitempty"`
	ContextLoss float64         `cbor:"context_loss"`
	TargetLoss  float64         `cbor:"target_loss"`
}

type Server struct {
	predictor     Predictor
	cfg           hparams.Config
	forwarder     Forwarder
	alloc         memory.Allocator
	sem           *semaphore.Weighted
	maxConcurrent int64
}

// NewServer creates the HTTP front end. fwd may be nil. maxConcurrent bounds
// the number of batch rows in flight across all requests.
func NewServer(p Predictor, cfg hparams.Config, fwd Forwarder, maxConcurrent int) *Server {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Server{
		predictor:     p,
		cfg:           cfg,
		forwarder:     fwd,
		alloc:         memory.NewGoAllocator(),
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		maxConcurrent: int64(maxConcurrent),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/predict", s.handlePredict)
	mux.HandleFunc("/predict/arrow", s.handlePredictArrow)
	mux.HandleFunc("/hparams", s.handleHParams)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// ListenAndServe serves the HTTP API on addr. It always returns a non-nil error.
func (s *Server) ListenAndServe(addr string) error {
	log.Info().Str("addr", addr).Msg("Starting seqnp Server")
	if s.forwarder != nil {
		log.Info().Msg("Forwarding predictions to Longbow")
	}
	return http.ListenAndServe(addr, s.Handler())
}

var tracer = otel.Tracer("seqnp-server")

// admit reserves rows slots of the admission semaphore. A batch larger than
// the whole budget is refused outright instead of blocking forever.
func (s *Server) admit(ctx context.Context, rows int) (func(), error) {
	weight := int64(rows)
	if weight < 0 {
		weight = 0
	}
	if weight > s.maxConcurrent {
		return nil, fmt.Errorf("batch of %d rows exceeds limit %d", rows, s.maxConcurrent)
	}
	if err := s.sem.Acquire(ctx, weight); err != nil {
		return nil, err
	}
	return func() { s.sem.Release(weight) }, nil
}

// statusFor maps a predict error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrShapeMismatch), errors.Is(err, client.ErrBadRecord):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrNonFiniteLoss):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handlePredict")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("predict").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req PredictRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	if req.Dataset != "" {
		ctx = forecast.WithDatasetID(ctx, req.Dataset)
	}

	rows := req.ContextX.Batch
	span.SetAttributes(attribute.Int("batch_size", rows))

	release, err := s.admit(ctx, rows)
	if err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer release()

	out, err := s.predictor.Predict(ctx, req.inputs())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	rowsPredicted.Add(float64(rows))
	s.forward(ctx, out)

	resp := PredictResponse{
		MeanTarget:  payloadOf(out.MeanTarget),
		MeanContext: payloadOf(out.MeanContext),
		Loss:        out.Losses.Loss,
		ContextLoss: out.Losses.Context,
		TargetLoss:  out.Losses.Target,
	}
	body, err := cbor.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// handlePredictArrow reads an IPC stream of observation records and replies
// with an IPC stream of prediction records, one per input record.
func (s *Server) handlePredictArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handlePredictArrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("predict_arrow").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if ds := r.URL.Query().Get("dataset"); ds != "" {
		ctx = forecast.WithDatasetID(ctx, ds)
	}

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create IPC reader: %v", err), http.StatusBadRequest)
		return
	}
	defer reader.Release()

	builder := client.NewRecordBatchBuilder(s.alloc)
	var results []arrow.RecordBatch
	defer func() {
		for _, rec := range results {
			rec.Release()
		}
	}()

	totalRows := 0
	for reader.Next() {
		in, err := client.ObservationsFromRecord(reader.Record(), s.cfg.XDim, s.cfg.YDim)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}

		rows := in.ContextX.Batch
		release, err := s.admit(ctx, rows)
		if err != nil {
			log.Error().Err(err).Msg("Failed to acquire semaphore for arrow batch")
			http.Error(w, "Server busy", http.StatusServiceUnavailable)
			return
		}
		out, err := s.predictor.Predict(ctx, in)
		release()
		if err != nil {
			span.RecordError(err)
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		rowsPredicted.Add(float64(rows))
		s.forward(ctx, out)

		rec, err := builder.BuildPredictionRecord(out)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		results = append(results, rec)
		totalRows += rows
	}
	if err := reader.Err(); err != nil {
		log.Error().Err(err).Msg("Error reading Arrow stream")
		http.Error(w, "Stream error", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Int("rows", totalRows))

	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	w.WriteHeader(http.StatusOK)
	writer := ipc.NewWriter(w, ipc.WithSchema(client.PredictionSchema), ipc.WithAllocator(s.alloc))
	for _, rec := range results {
		if err := writer.Write(rec); err != nil {
			log.Error().Err(err).Msg("Failed to write prediction record")
			break
		}
	}
	if err := writer.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close IPC writer")
	}
}

// forward sends the predictions to Longbow when a forwarder is configured.
// Failures are logged and do not fail the request.
func (s *Server) forward(ctx context.Context, out *model.Output) {
	if s.forwarder == nil {
		return
	}
	rec, err := client.NewRecordBatchBuilder(s.alloc).BuildPredictionRecord(out)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build prediction record")
		return
	}
	defer rec.Release()
	if err := s.forwarder.Forward(ctx, rec); err != nil {
		log.Error().Err(err).Msg("Error forwarding predictions to Longbow")
	}
}

func (s *Server) handleHParams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := cbor.Marshal(s.cfg.Map())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	_, _ = w.Write(body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
