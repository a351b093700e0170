package forecast

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/23skdu/longbow-seqnp/internal/cache"
	"github.com/23skdu/longbow-seqnp/internal/hparams"
	"github.com/23skdu/longbow-seqnp/internal/model"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	if metric.Gauge != nil {
		return *metric.Gauge.Value
	}
	return 0
}

func newModel(t *testing.T) *model.Transformer {
	t.Helper()
	cfg := hparams.DefaultConfig()
	cfg.XDim = 2
	m, err := model.NewTransformer(cfg)
	require.NoError(t, err)
	return m
}

func wave(batch, length, dim int, phase float64) *model.Sequence {
	s := model.NewSequence(batch, length, dim)
	for i := range s.Data {
		s.Data[i] = float32(math.Sin(float64(i)*0.3 + phase))
	}
	return s
}

func inputs(phase float64, withY bool) model.Inputs {
	in := model.Inputs{
		ContextX: wave(2, 3, 2, phase),
		ContextY: wave(2, 3, 1, phase+1),
		TargetX:  wave(2, 2, 2, phase+2),
	}
	if withY {
		in.TargetY = wave(2, 2, 1, phase+3)
	}
	return in
}

func TestService_Caching(t *testing.T) {
	s := NewService(newModel(t), WithCache(cache.NewMapCache(0)))
	ctx := WithDatasetID(context.Background(), "ds-123")

	startHits := getMetricValue(cacheHits)
	startMisses := getMetricValue(cacheMisses)

	first, err := s.Predict(ctx, inputs(0, false))
	require.NoError(t, err)
	assert.Equal(t, 1.0, getMetricValue(cacheMisses)-startMisses)

	second, err := s.Predict(ctx, inputs(0, false))
	require.NoError(t, err)
	assert.Equal(t, 1.0, getMetricValue(cacheHits)-startHits)
	assert.Equal(t, first.MeanTarget, second.MeanTarget)
	assert.Equal(t, first.MeanContext, second.MeanContext)

	// Different dataset: different key.
	_, err = s.Predict(WithDatasetID(context.Background(), "ds-456"), inputs(0, false))
	require.NoError(t, err)
	assert.Equal(t, 2.0, getMetricValue(cacheMisses)-startMisses)

	// Target y always runs the model.
	withY, err := s.Predict(ctx, inputs(0, true))
	require.NoError(t, err)
	require.NotNil(t, withY.Losses.Loss)
	assert.Equal(t, 1.0, getMetricValue(cacheHits)-startHits)
	assert.Equal(t, 2.0, getMetricValue(cacheMisses)-startMisses)
	assert.Equal(t, first.MeanTarget.Data, withY.MeanTarget.Data)
}

func TestDatasetID_Default(t *testing.T) {
	assert.Equal(t, DefaultDataset, DatasetID(context.Background()))
	assert.Equal(t, "x", DatasetID(WithDatasetID(context.Background(), "x")))
}

func TestService_PredictStream(t *testing.T) {
	s := NewService(newModel(t), WithMaxConcurrent(3))

	batches := make([]model.Inputs, 10)
	for i := range batches {
		batches[i] = inputs(float64(i), true)
	}

	seen := make(map[int]bool)
	for res := range s.PredictStream(context.Background(), batches) {
		require.NoError(t, res.Err)
		require.NotNil(t, res.Output)
		assert.False(t, seen[res.Index], "duplicate index %d", res.Index)
		seen[res.Index] = true
		assert.Equal(t, 2, res.Output.MeanTarget.Len)
	}
	assert.Len(t, seen, len(batches))
}

type slowPredictor struct {
	delay time.Duration
	calls atomic.Int32
}

func (p *slowPredictor) Forward(in model.Inputs) (*model.Output, error) {
	p.calls.Add(1)
	time.Sleep(p.delay)
	return &model.Output{MeanTarget: model.NewSequence(in.TargetX.Batch, in.TargetX.Len, 1)}, nil
}

func TestService_StreamCancellation(t *testing.T) {
	p := &slowPredictor{delay: 20 * time.Millisecond}
	s := NewService(p, WithMaxConcurrent(1))

	batches := make([]model.Inputs, 50)
	for i := range batches {
		batches[i] = inputs(0, false)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	count := 0
	for range s.PredictStream(ctx, batches) {
		count++
	}
	assert.Less(t, count, len(batches), "cancellation must stop scheduling")
	assert.LessOrEqual(t, p.calls.Load(), int32(count))
}

type mockPredictor struct {
	mock.Mock
}

func (m *mockPredictor) Forward(in model.Inputs) (*model.Output, error) {
	args := m.Called(in)
	out, _ := args.Get(0).(*model.Output)
	return out, args.Error(1)
}

func TestService_PredictError(t *testing.T) {
	boom := errors.New("boom")
	p := new(mockPredictor)
	p.On("Forward", mock.Anything).Return(nil, boom)

	s := NewService(p, WithCache(cache.NewMapCache(0)))
	_, err := s.Predict(context.Background(), inputs(0, false))
	assert.ErrorIs(t, err, boom)

	var streamed []StreamResult
	for res := range s.PredictStream(context.Background(), []model.Inputs{inputs(1, false)}) {
		streamed = append(streamed, res)
	}
	require.Len(t, streamed, 1)
	assert.ErrorIs(t, streamed[0].Err, boom)
	p.AssertNumberOfCalls(t, "Forward", 2)
}

type panicPredictor struct {
	value any
}

func (p panicPredictor) Forward(model.Inputs) (*model.Output, error) {
	panic(p.value)
}

func TestService_PredictNonFiniteLossIsError(t *testing.T) {
	diverged := fmt.Errorf("%w: loss=NaN context=NaN target=0", model.ErrNonFiniteLoss)
	s := NewService(panicPredictor{value: diverged})

	out, err := s.Predict(context.Background(), inputs(0, true))
	assert.Nil(t, out)
	assert.ErrorIs(t, err, model.ErrNonFiniteLoss)

	var streamed []StreamResult
	for res := range s.PredictStream(context.Background(), []model.Inputs{inputs(0, true), inputs(1, true)}) {
		streamed = append(streamed, res)
	}
	require.Len(t, streamed, 2)
	for _, res := range streamed {
		assert.ErrorIs(t, res.Err, model.ErrNonFiniteLoss)
	}
}

func TestService_PredictOtherPanicsPropagate(t *testing.T) {
	s := NewService(panicPredictor{value: "index out of range"})
	assert.PanicsWithValue(t, "index out of range", func() {
		_, _ = s.Predict(context.Background(), inputs(0, true))
	})

	s = NewService(panicPredictor{value: errors.New("other")})
	assert.Panics(t, func() {
		_, _ = s.Predict(context.Background(), inputs(0, true))
	})
}

func TestService_PredictDivergedModel(t *testing.T) {
	m := newModel(t)
	s := NewService(m)
	nan := make([]float32, m.Config.YDim)
	for i := range nan {
		nan[i] = float32(math.NaN())
	}
	m.Head.Bias.CopyFromFloat32(nan)

	_, err := s.Predict(context.Background(), inputs(0, true))
	assert.ErrorIs(t, err, model.ErrNonFiniteLoss)

	m.Head.Bias.CopyFromFloat32(make([]float32, m.Config.YDim))
	out, err := s.Predict(context.Background(), inputs(0, true))
	require.NoError(t, err)
	require.NotNil(t, out.Losses.Loss)
}

func TestService_PredictCancelledContext(t *testing.T) {
	p := new(mockPredictor)
	s := NewService(p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Predict(ctx, inputs(0, false))
	assert.ErrorIs(t, err, context.Canceled)
	p.AssertNotCalled(t, "Forward", mock.Anything)
}

func TestPredict_RecordsSpan(t *testing.T) {
	// The package tracer delegates to the first provider installed globally.
	sr := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))

	svc := NewService(newModel(t))
	_, err := svc.Predict(context.Background(), inputs(0.5, true))
	require.NoError(t, err)

	var attrs map[attribute.Key]attribute.Value
	for _, span := range sr.Ended() {
		if span.Name() != "Predict" {
			continue
		}
		attrs = make(map[attribute.Key]attribute.Value)
		for _, kv := range span.Attributes() {
			attrs[kv.Key] = kv.Value
		}
	}
	require.NotNil(t, attrs, "no Predict span recorded")
	assert.Equal(t, int64(2), attrs["batch_size"].AsInt64())
	assert.True(t, attrs["has_target_y"].AsBool())
	assert.Contains(t, attrs, attribute.Key("loss"))
}
