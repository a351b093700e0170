// Package model implements the conditional sequence transformer: a
// transformer encoder over context observations joined with the target
// points to predict, scored by a masked, horizon-weighted regression loss.
package model

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-seqnp/internal/device"
	"github.com/23skdu/longbow-seqnp/internal/hparams"
)

// Output is the result of one forward pass.
type Output struct {
	// MeanTarget holds predictions for the target segment (Batch x steps x YDim).
	MeanTarget *Sequence
	// MeanContext holds reconstructions of the context segment.
	MeanContext *Sequence
	Losses      LossRecord
	// Aux is reserved for auxiliary outputs and is currently always empty.
	Aux map[string]*Sequence
}

// Parameter is a named model tensor.
type Parameter struct {
	Name   string
	Tensor device.Tensor
}

// Transformer is the conditional sequence transformer.
type Transformer struct {
	Config    hparams.Config
	Backend   device.Backend
	Embedding *Linear
	Encoder   *Encoder
	Head      *Linear
}

// NewTransformer builds a model on the CPU backend, seeded from cfg.Seed.
func NewTransformer(cfg hparams.Config) (*Transformer, error) {
	return NewTransformerWithBackend(cfg, device.NewCPUBackend(), cfg.Seed)
}

// NewTransformerWithBackend creates a model on the given backend.
// Weight matrices get Xavier-uniform values drawn from seed; biases and
// LayerNorm offsets start at zero and LayerNorm scales at one.
func NewTransformerWithBackend(cfg hparams.Config, b device.Backend, seed int64) (*Transformer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	in := cfg.XDim + cfg.YDim
	dropout := float32(cfg.AttentionDropout)

	m := &Transformer{
		Config:    cfg,
		Backend:   b,
		Embedding: NewLinear(in, cfg.HiddenOutSize, b),
		Encoder:   NewEncoder(cfg.NLayers, cfg.HiddenOutSize, cfg.HiddenSize, cfg.NHead, dropout, b),
		Head:      NewLinear(cfg.HiddenOutSize, cfg.YDim, b),
	}
	m.initWeights(rand.New(rand.NewSource(seed)))
	log.Debug().
		Str("backend", b.Name()).
		Int("layers", cfg.NLayers).
		Int("d_model", cfg.HiddenOutSize).
		Msg("Model created")
	return m, nil
}

// initWeights applies Xavier initialization to all weight matrices.
func (m *Transformer) initWeights(rng *rand.Rand) {
	for _, p := range m.Parameters() {
		if strings.HasSuffix(p.Name, ".weight") {
			xavierInit(p.Tensor, rng)
		}
	}
}

// xavierInit fills m with Xavier/Glorot uniform values.
func xavierInit(m device.Tensor, rng *rand.Rand) {
	r, c := m.Dims()
	limit := math.Sqrt(6.0 / float64(r+c))
	data := make([]float32, r*c)
	for i := range data {
		data[i] = float32((rng.Float64()*2 - 1) * limit)
	}
	m.CopyFromFloat32(data)
}

// Parameters lists every tensor of the model in serialization order.
func (m *Transformer) Parameters() []Parameter {
	ps := []Parameter{
		{"embedding.weight", m.Embedding.Weight},
		{"embedding.bias", m.Embedding.Bias},
	}
	for i, l := range m.Encoder.Layers {
		prefix := fmt.Sprintf("encoder.layers.%d.", i)
		a := l.Attention
		ps = append(ps,
			Parameter{prefix + "attn.query.weight", a.Query.Weight},
			Parameter{prefix + "attn.query.bias", a.Query.Bias},
			Parameter{prefix + "attn.key.weight", a.Key.Weight},
			Parameter{prefix + "attn.key.bias", a.Key.Bias},
			Parameter{prefix + "attn.value.weight", a.Value.Weight},
			Parameter{prefix + "attn.value.bias", a.Value.Bias},
			Parameter{prefix + "attn.out.weight", a.Out.Weight},
			Parameter{prefix + "attn.out.bias", a.Out.Bias},
			Parameter{prefix + "norm1.gamma", l.Norm1.Gamma},
			Parameter{prefix + "norm1.beta", l.Norm1.Beta},
			Parameter{prefix + "ff1.weight", l.FF1.Weight},
			Parameter{prefix + "ff1.bias", l.FF1.Bias},
			Parameter{prefix + "ff2.weight", l.FF2.Weight},
			Parameter{prefix + "ff2.bias", l.FF2.Bias},
			Parameter{prefix + "norm2.gamma", l.Norm2.Gamma},
			Parameter{prefix + "norm2.beta", l.Norm2.Beta},
		)
	}
	ps = append(ps,
		Parameter{"encoder.norm.gamma", m.Encoder.Norm.Gamma},
		Parameter{"encoder.norm.beta", m.Encoder.Norm.Beta},
		Parameter{"head.weight", m.Head.Weight},
		Parameter{"head.bias", m.Head.Bias},
	)
	return ps
}

// Forward runs the model in evaluation mode (no dropout).
func (m *Transformer) Forward(in Inputs) (*Output, error) {
	return m.forward(in, nil)
}

// ForwardTrain runs the model with dropout drawn from rng. rng must not be
// shared with concurrent callers.
func (m *Transformer) ForwardTrain(in Inputs, rng *rand.Rand) (*Output, error) {
	if rng == nil {
		return nil, fmt.Errorf("ForwardTrain: nil rng")
	}
	return m.forward(in, rng)
}

// joined is the cleaned encoder input for one batch.
type joined struct {
	x       *Sequence // Batch x (Lc+Lt) x (XDim+YDim), invalid entries zeroed
	valid   []bool
	padding []bool
}

// join builds context_x||context_y ++ target_x||sentinel and derives the
// validity and padding masks. The inputs are not modified.
func (m *Transformer) join(in Inputs) joined {
	nan := float32(m.Config.NaNValue)
	fake := FullSequence(in.TargetX.Batch, in.TargetX.Len, m.Config.YDim, nan)

	ctx := ConcatFeatures(in.ContextX, in.ContextY)
	tgt := ConcatFeatures(in.TargetX, fake)
	x := ConcatLen(ctx, tgt)

	clean, valid := Sanitize(x, m.Config.NaNValue)
	return joined{
		x:       clean,
		valid:   valid,
		padding: PaddingMask(valid, clean.Batch, clean.Len, clean.Dim),
	}
}

func (m *Transformer) forward(in Inputs, rng *rand.Rand) (*Output, error) {
	if err := in.Validate(m.Config); err != nil {
		return nil, err
	}
	steps := in.Steps()
	j := m.join(in)
	batch, seqLen := j.x.Batch, j.x.Len

	start := time.Now()
	x := m.Backend.NewTensor(batch*seqLen, j.x.Dim, j.x.Data)
	h := m.Embedding.Forward(x)
	observeLayer("embedding", start)

	h = m.Encoder.Forward(h, step{batch: batch, seqLen: seqLen, padding: j.padding, rng: rng})

	start = time.Now()
	mean := m.Head.Forward(h)
	m.Backend.PutTensor(h)
	observeLayer("head", start)
	if mean.HasNonFinite() {
		log.Warn().
			Str("backend", m.Backend.Name()).
			Int("batch", batch).
			Int("seq_len", seqLen).
			Msg("Head output contains non-finite values")
	}

	pred := &Sequence{Batch: batch, Len: seqLen, Dim: m.Config.YDim, Data: mean.ToHost()}
	m.Backend.PutTensor(mean)

	meanContext, meanTarget := pred.SplitLen(seqLen - steps)
	out := &Output{
		MeanTarget:  meanTarget,
		MeanContext: meanContext,
		Aux:         map[string]*Sequence{},
	}

	if in.TargetY != nil {
		y := ConcatLen(in.ContextY, in.TargetY)
		out.Losses = ComputeLoss(meanContext, meanTarget, y, m.Config.NaNValue)
		out.Losses.mustBeFinite()
	}
	return out, nil
}
