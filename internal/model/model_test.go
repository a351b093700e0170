package model

import (
	"bytes"
	"errors"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-seqnp/internal/hparams"
)

func testConfig() hparams.Config {
	cfg := hparams.DefaultConfig()
	cfg.XDim = 2
	cfg.YDim = 1
	cfg.HiddenOutSize = 8
	cfg.HiddenSize = 16
	cfg.NHead = 2
	cfg.NLayers = 2
	cfg.Seed = 1
	return cfg
}

func newTestModel(t *testing.T) *Transformer {
	t.Helper()
	m, err := NewTransformer(testConfig())
	require.NoError(t, err)
	return m
}

// wave fills a sequence with a smooth deterministic signal.
func wave(batch, length, dim int, phase float64) *Sequence {
	s := NewSequence(batch, length, dim)
	for i := range s.Data {
		s.Data[i] = float32(math.Sin(float64(i)*0.37 + phase))
	}
	return s
}

func fixture(batch, lc, lt int, withY bool) Inputs {
	in := Inputs{
		ContextX: wave(batch, lc, 2, 0),
		ContextY: wave(batch, lc, 1, 1),
		TargetX:  wave(batch, lt, 2, 2),
	}
	if withY {
		in.TargetY = wave(batch, lt, 1, 3)
	}
	return in
}

func TestForward_OutputShape(t *testing.T) {
	m := newTestModel(t)

	out, err := m.Forward(fixture(3, 5, 4, false))
	require.NoError(t, err)

	b, l, d := out.MeanTarget.Shape()
	assert.Equal(t, []int{3, 4, 1}, []int{b, l, d})
	b, l, d = out.MeanContext.Shape()
	assert.Equal(t, []int{3, 5, 1}, []int{b, l, d})

	assert.Nil(t, out.Losses.Loss, "no target y means no loss")
	assert.NotNil(t, out.Aux)
	assert.Empty(t, out.Aux)
}

func TestForward_Scenario(t *testing.T) {
	m := newTestModel(t)
	in := fixture(2, 3, 2, true)
	for i := range in.TargetY.Data {
		in.TargetY.Data[i] = 5
	}

	out, err := m.Forward(in)
	require.NoError(t, err)

	b, l, d := out.MeanTarget.Shape()
	assert.Equal(t, []int{2, 2, 1}, []int{b, l, d})
	require.NotNil(t, out.Losses.Loss)
	loss := *out.Losses.Loss
	assert.False(t, math.IsNaN(loss) || math.IsInf(loss, 0))
	assert.Greater(t, loss, 0.0)
	assert.InDelta(t, out.Losses.Context*ContextWeight+out.Losses.Target, loss, 1e-9)
}

func TestForward_AllSentinelLossIsZero(t *testing.T) {
	m := newTestModel(t)
	in := fixture(2, 3, 2, true)
	nan := float32(m.Config.NaNValue)
	for i := range in.ContextY.Data {
		in.ContextY.Data[i] = nan
	}
	for i := range in.TargetY.Data {
		in.TargetY.Data[i] = nan
	}

	out, err := m.Forward(in)
	require.NoError(t, err)
	require.NotNil(t, out.Losses.Loss)
	assert.Equal(t, 0.0, *out.Losses.Loss)
	assert.Equal(t, 0.0, out.Losses.Context)
	assert.Equal(t, 0.0, out.Losses.Target)
}

func TestForward_StepsFromTargetX(t *testing.T) {
	m := newTestModel(t)
	out, err := m.Forward(fixture(1, 2, 7, false))
	require.NoError(t, err)
	assert.Equal(t, 7, out.MeanTarget.Len)
	assert.Equal(t, 2, out.MeanContext.Len)
}

func TestForward_DoesNotMutateInputs(t *testing.T) {
	m := newTestModel(t)
	in := fixture(2, 3, 2, true)
	in.ContextY.Data[1] = float32(math.NaN())
	in.TargetY.Data[0] = float32(m.Config.NaNValue)
	in.ContextX.Data[2] = float32(math.Inf(1))

	before := []*Sequence{in.ContextX.Clone(), in.ContextY.Clone(), in.TargetX.Clone(), in.TargetY.Clone()}
	_, err := m.Forward(in)
	require.NoError(t, err)

	after := []*Sequence{in.ContextX, in.ContextY, in.TargetX, in.TargetY}
	for i := range before {
		for j := range before[i].Data {
			bv, av := before[i].Data[j], after[i].Data[j]
			if math.IsNaN(float64(bv)) {
				assert.True(t, math.IsNaN(float64(av)))
				continue
			}
			assert.Equal(t, bv, av)
		}
	}
}

func TestForward_Deterministic(t *testing.T) {
	a := newTestModel(t)
	b := newTestModel(t)
	in := fixture(2, 4, 3, true)

	outA, err := a.Forward(in)
	require.NoError(t, err)
	outA2, err := a.Forward(in)
	require.NoError(t, err)
	outB, err := b.Forward(in)
	require.NoError(t, err)

	assert.Equal(t, outA.MeanTarget.Data, outA2.MeanTarget.Data)
	assert.Equal(t, outA.MeanTarget.Data, outB.MeanTarget.Data, "same seed must give same weights")
	assert.Equal(t, *outA.Losses.Loss, *outB.Losses.Loss)
}

func TestForwardTrain_Dropout(t *testing.T) {
	m := newTestModel(t)
	in := fixture(2, 4, 3, true)

	eval, err := m.Forward(in)
	require.NoError(t, err)
	t1, err := m.ForwardTrain(in, rand.New(rand.NewSource(9)))
	require.NoError(t, err)
	t2, err := m.ForwardTrain(in, rand.New(rand.NewSource(9)))
	require.NoError(t, err)

	assert.Equal(t, t1.MeanTarget.Data, t2.MeanTarget.Data)
	assert.NotEqual(t, eval.MeanTarget.Data, t1.MeanTarget.Data)

	_, err = m.ForwardTrain(in, nil)
	assert.Error(t, err)
}

func TestForward_NonFiniteLossPanics(t *testing.T) {
	m := newTestModel(t)
	bias := []float32{float32(math.NaN())}
	m.Head.Bias.CopyFromFloat32(bias)

	defer func() {
		r := recover()
		require.NotNil(t, r, "expected panic")
		err, ok := r.(error)
		require.True(t, ok, "panic value %v is not an error", r)
		assert.True(t, errors.Is(err, ErrNonFiniteLoss))
	}()
	_, _ = m.Forward(fixture(1, 2, 2, true))
}

func TestForward_NaNPredictionsWithoutTargetDoNotPanic(t *testing.T) {
	m := newTestModel(t)
	m.Head.Bias.CopyFromFloat32([]float32{float32(math.NaN())})

	out, err := m.Forward(fixture(1, 2, 2, false))
	require.NoError(t, err)
	assert.Nil(t, out.Losses.Loss)
}

func TestForward_NonFiniteHeadIsLogged(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	m := newTestModel(t)
	_, err := m.Forward(fixture(1, 2, 2, false))
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "non-finite")

	m.Head.Bias.CopyFromFloat32([]float32{float32(math.Inf(1))})
	_, err = m.Forward(fixture(1, 2, 2, false))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Head output contains non-finite values")
	assert.Contains(t, buf.String(), `"backend":"CPU"`)
}

func TestForward_ShapeMismatch(t *testing.T) {
	m := newTestModel(t)

	tests := []struct {
		name   string
		mutate func(in *Inputs)
	}{
		{"batch", func(in *Inputs) { in.TargetX = wave(3, 2, 2, 0) }},
		{"x dim", func(in *Inputs) { in.ContextX = wave(2, 3, 3, 0) }},
		{"y dim", func(in *Inputs) { in.TargetY = wave(2, 2, 2, 0) }},
		{"context len", func(in *Inputs) { in.ContextY = wave(2, 4, 1, 0) }},
		{"target len", func(in *Inputs) { in.TargetY = wave(2, 3, 1, 0) }},
		{"no target", func(in *Inputs) { in.TargetX = wave(2, 0, 2, 0); in.TargetY = nil }},
		{"short data", func(in *Inputs) { in.ContextX.Data = in.ContextX.Data[:1] }},
		{"nil context", func(in *Inputs) { in.ContextY = nil }},
		{"shape overflow", func(in *Inputs) {
			huge := 1 << (strconv.IntSize / 2)
			in.ContextX = &Sequence{Batch: huge, Len: huge, Dim: 2}
			in.ContextY = &Sequence{Batch: huge, Len: huge, Dim: 1}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := fixture(2, 3, 2, true)
			tt.mutate(&in)
			_, err := m.Forward(in)
			require.ErrorIs(t, err, ErrShapeMismatch)
		})
	}
}

func TestValidate_ReportsFirstBatchMismatch(t *testing.T) {
	cfg := testConfig()
	in := fixture(2, 3, 2, true)
	in.ContextY = wave(3, 3, 1, 0)
	in.TargetX = wave(4, 2, 2, 0)
	in.TargetY = wave(5, 2, 1, 0)

	for i := 0; i < 20; i++ {
		err := in.Validate(cfg)
		require.ErrorIs(t, err, ErrShapeMismatch)
		assert.Contains(t, err.Error(), "context_y batch 3")
	}
}

func TestJoin_SentinelRowIsPadded(t *testing.T) {
	m := newTestModel(t)
	in := fixture(2, 3, 2, true)
	nan := float32(m.Config.NaNValue)
	for _, v := range []*Sequence{in.ContextX, in.ContextY} {
		row := v.Row(0, 1)
		for i := range row {
			row[i] = nan
		}
	}

	j := m.join(in)
	require.Len(t, j.padding, 2*5)
	for p, padded := range j.padding {
		assert.Equal(t, p == 1, padded, "position %d", p)
	}
	for d := 0; d < j.x.Dim; d++ {
		assert.Equal(t, float32(0), j.x.At(0, 1, d))
	}
	// The placeholder y of every target row is invalid.
	for i := 3; i < 5; i++ {
		assert.False(t, j.valid[j.x.index(1, i, 2)])
		assert.True(t, j.valid[j.x.index(1, i, 0)])
	}
}

func TestForward_FullyPaddedItemStaysFinite(t *testing.T) {
	m := newTestModel(t)
	in := fixture(2, 3, 2, false)
	nan := float32(m.Config.NaNValue)
	for _, v := range []*Sequence{in.ContextX, in.ContextY, in.TargetX} {
		for i := 0; i < v.Len*v.Dim; i++ {
			v.Data[i] = nan // batch item 0 only
		}
	}

	out, err := m.Forward(in)
	require.NoError(t, err)
	for _, v := range append(out.MeanTarget.Data, out.MeanContext.Data...) {
		assert.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
	}
}

func TestForward_Concurrent(t *testing.T) {
	m := newTestModel(t)
	in := fixture(4, 6, 3, true)
	want, err := m.Forward(in)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*Output, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := m.Forward(in)
			if err == nil {
				results[i] = out
			}
		}(i)
	}
	wg.Wait()

	for _, got := range results {
		require.NotNil(t, got)
		assert.Equal(t, want.MeanTarget.Data, got.MeanTarget.Data)
		assert.Equal(t, *want.Losses.Loss, *got.Losses.Loss)
	}
}

func TestNewTransformer_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.NHead = 3
	_, err := NewTransformer(cfg)
	assert.ErrorIs(t, err, hparams.ErrInvalidConfig)
}

func TestParameters_Layout(t *testing.T) {
	m := newTestModel(t)
	ps := m.Parameters()
	assert.Len(t, ps, 2+16*m.Config.NLayers+4)
	assert.Equal(t, "embedding.weight", ps[0].Name)
	assert.Equal(t, "head.bias", ps[len(ps)-1].Name)

	r, c := ps[0].Tensor.Dims()
	assert.Equal(t, []int{3, 8}, []int{r, c})
	r, c = m.Head.Weight.Dims()
	assert.Equal(t, []int{8, 1}, []int{r, c})

	var nonZero int
	for _, v := range m.Head.Weight.ToHost() {
		if v != 0 {
			nonZero++
		}
	}
	assert.Positive(t, nonZero, "head weights must be initialized")
}

func histogramCount(t *testing.T, layer string) uint64 {
	t.Helper()
	var metric dto.Metric
	h := LayerDuration.WithLabelValues(layer).(prometheus.Metric)
	require.NoError(t, h.Write(&metric))
	return metric.GetHistogram().GetSampleCount()
}

func TestForward_LayerMetrics(t *testing.T) {
	m := newTestModel(t)
	before := histogramCount(t, "attention")

	_, err := m.Forward(fixture(1, 2, 2, false))
	require.NoError(t, err)

	assert.Equal(t, before+uint64(m.Config.NLayers), histogramCount(t, "attention"))
}
