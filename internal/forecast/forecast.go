// Package forecast serves predictions from a conditional sequence
// transformer: caching, bounded concurrency and streamed results.
package forecast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-seqnp/internal/cache"
	"github.com/23skdu/longbow-seqnp/internal/model"
)

var tracer = otel.Tracer("seqnp-forecast")

// DefaultDataset namespaces cache keys when the context carries no dataset.
const DefaultDataset = "default"

type datasetKey struct{}

// WithDatasetID scopes cache entries for predictions made under ctx.
func WithDatasetID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, datasetKey{}, id)
}

// DatasetID returns the dataset carried by ctx, or DefaultDataset.
func DatasetID(ctx context.Context) string {
	if id, ok := ctx.Value(datasetKey{}).(string); ok && id != "" {
		return id
	}
	return DefaultDataset
}

// Predictor is the model surface the service needs.
type Predictor interface {
	Forward(in model.Inputs) (*model.Output, error)
}

// Service runs predictions with an optional cache and a bound on concurrent
// forward passes.
type Service struct {
	model Predictor
	cache cache.PredictionCache
	sem   *semaphore.Weighted
}

type Option func(*Service)

// WithCache enables caching of predictions for batches without target y.
func WithCache(c cache.PredictionCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithMaxConcurrent bounds the number of forward passes PredictStream runs
// at once.
func WithMaxConcurrent(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

func NewService(m Predictor, opts ...Option) *Service {
	s := &Service{model: m, sem: semaphore.NewWeighted(4)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Predict runs one batch. The cache is consulted only when in.TargetY is nil,
// because a loss always needs a fresh pass.
func (s *Service) Predict(ctx context.Context, in model.Inputs) (*model.Output, error) {
	ctx, span := tracer.Start(ctx, "Predict")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batchesTotal.Inc()
	if in.ContextX != nil && in.TargetX != nil {
		span.SetAttributes(
			attribute.Int("batch_size", in.ContextX.Batch),
			attribute.Int("context_len", in.ContextX.Len),
			attribute.Int("target_len", in.TargetX.Len),
			attribute.Bool("has_target_y", in.TargetY != nil),
		)
	}

	var key string
	if s.cache != nil && in.TargetY == nil && in.ContextX != nil && in.ContextY != nil && in.TargetX != nil {
		key = cacheKey(DatasetID(ctx), in)
		if vec, ok := s.cache.Get(key); ok {
			cacheHits.Inc()
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return outputFromCache(in, vec), nil
		}
		cacheMisses.Inc()
	}

	start := time.Now()
	out, err := s.forward(in)
	forwardDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if out.Losses.Loss != nil {
		lossHistogram.Observe(*out.Losses.Loss)
		span.SetAttributes(attribute.Float64("loss", *out.Losses.Loss))
	}
	if key != "" {
		s.cache.Put(key, model.ConcatLen(out.MeanContext, out.MeanTarget).Data)
	}
	return out, nil
}

// forward runs the model, turning a diverged-loss panic into an error so one
// bad batch cannot take down the caller. Other panics propagate.
func (s *Service) forward(in model.Inputs) (out *model.Output, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		perr, ok := r.(error)
		if !ok || !errors.Is(perr, model.ErrNonFiniteLoss) {
			panic(r)
		}
		log.Error().Err(perr).Msg("Forward pass produced a non-finite loss")
		out, err = nil, perr
	}()
	return s.model.Forward(in)
}

// StreamResult is one batch outcome of PredictStream. Index refers to the
// position of the batch in the request.
type StreamResult struct {
	Index  int
	Output *model.Output
	Err    error
}

// PredictStream predicts every batch and streams results as they complete,
// in no particular order. Once ctx is done no further batches are started;
// the channel is closed after in-flight batches finish.
func (s *Service) PredictStream(ctx context.Context, batches []model.Inputs) <-chan StreamResult {
	out := make(chan StreamResult, len(batches))

	go func() {
		defer close(out)
		var wg sync.WaitGroup
		for i, in := range batches {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				log.Debug().Err(err).Int("scheduled", i).Int("total", len(batches)).Msg("Prediction stream cancelled")
				break
			}
			wg.Add(1)
			go func(i int, in model.Inputs) {
				defer wg.Done()
				defer s.sem.Release(1)
				res, err := s.Predict(ctx, in)
				out <- StreamResult{Index: i, Output: res, Err: err}
			}(i, in)
		}
		wg.Wait()
	}()

	return out
}

func cacheKey(dataset string, in model.Inputs) string {
	d := cache.NewDigest()
	for _, seq := range []*model.Sequence{in.ContextX, in.ContextY, in.TargetX} {
		d.Add([]int{seq.Batch, seq.Len, seq.Dim}, seq.Data)
	}
	return d.Key(dataset)
}

// outputFromCache rebuilds the context and target predictions from a cached
// joined vector.
func outputFromCache(in model.Inputs, vec []float32) *model.Output {
	batch := in.ContextX.Batch
	total := in.ContextX.Len + in.TargetX.Len
	dim := len(vec) / (batch * total)
	joined := &model.Sequence{Batch: batch, Len: total, Dim: dim, Data: vec}
	ctx, tgt := joined.SplitLen(in.ContextX.Len)
	return &model.Output{
		MeanTarget:  tgt,
		MeanContext: ctx,
		Aux:         map[string]*model.Sequence{},
	}
}
