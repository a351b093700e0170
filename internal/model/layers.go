package model

import (
	"math"
	"math/rand"
	"time"

	"github.com/23skdu/longbow-seqnp/internal/device"
)

// layerNormEps matches the usual transformer default.
const layerNormEps = 1e-5

// Linear computes x*W + b with W stored (in, out).
type Linear struct {
	Backend device.Backend
	Weight  device.Tensor
	Bias    device.Tensor
}

func NewLinear(in, out int, backend device.Backend) *Linear {
	return &Linear{
		Backend: backend,
		Weight:  backend.NewTensor(in, out, nil),
		Bias:    backend.NewTensor(1, out, nil),
	}
}

// Forward returns a pooled tensor; callers hand it back with PutTensor.
func (l *Linear) Forward(x device.Tensor) device.Tensor {
	return l.Weight.Linear(x, l.Weight, l.Bias)
}

// LayerNorm implements Layer Normalization.
type LayerNorm struct {
	Gamma device.Tensor
	Beta  device.Tensor
	Eps   float32
}

func NewLayerNorm(size int, backend device.Backend) *LayerNorm {
	ones := make([]float32, size)
	for i := range ones {
		ones[i] = 1.0
	}
	return &LayerNorm{
		Gamma: backend.NewTensor(1, size, ones),
		Beta:  backend.NewTensor(1, size, nil),
		Eps:   layerNormEps,
	}
}

// Forward performs LayerNorm in-place.
func (l *LayerNorm) Forward(input device.Tensor) device.Tensor {
	input.LayerNorm(l.Gamma, l.Beta, l.Eps)
	return input
}

// step carries the per-call layout and dropout source through the encoder.
type step struct {
	batch   int
	seqLen  int
	padding []bool
	rng     *rand.Rand // nil in eval mode
}

// MultiHeadAttention is self-attention with separate q/k/v projections and an
// output projection.
type MultiHeadAttention struct {
	Backend  device.Backend
	NumHeads int
	HeadDim  int
	Dropout  float32

	Query *Linear
	Key   *Linear
	Value *Linear
	Out   *Linear
}

func NewMultiHeadAttention(hidden, heads int, dropout float32, backend device.Backend) *MultiHeadAttention {
	return &MultiHeadAttention{
		Backend:  backend,
		NumHeads: heads,
		HeadDim:  hidden / heads,
		Dropout:  dropout,
		Query:    NewLinear(hidden, hidden, backend),
		Key:      NewLinear(hidden, hidden, backend),
		Value:    NewLinear(hidden, hidden, backend),
		Out:      NewLinear(hidden, hidden, backend),
	}
}

func (a *MultiHeadAttention) Forward(x device.Tensor, s step) device.Tensor {
	start := time.Now()
	defer observeLayer("attention", start)

	q := a.Query.Forward(x)
	k := a.Key.Forward(x)
	v := a.Value.Forward(x)

	p := device.AttentionParams{
		BatchSize:  s.batch,
		SeqLen:     s.seqLen,
		NumHeads:   a.NumHeads,
		Scale:      float32(1.0 / math.Sqrt(float64(a.HeadDim))),
		KeyPadding: s.padding,
	}
	if s.rng != nil {
		p.DropoutRate = a.Dropout
		p.Rng = s.rng
	}
	ctx := q.Attention(q, k, v, p)

	a.Backend.PutTensor(q)
	a.Backend.PutTensor(k)
	a.Backend.PutTensor(v)

	out := a.Out.Forward(ctx)
	a.Backend.PutTensor(ctx)
	return out
}

// EncoderLayer is a post-norm transformer block:
//
//	x = LN1(x + Drop(Attn(x)))
//	x = LN2(x + Drop(W2 Drop(relu(W1 x))))
type EncoderLayer struct {
	Backend   device.Backend
	Attention *MultiHeadAttention
	Norm1     *LayerNorm
	FF1       *Linear
	FF2       *Linear
	Norm2     *LayerNorm
	Dropout   float32
}

func NewEncoderLayer(hidden, ffn, heads int, dropout float32, backend device.Backend) *EncoderLayer {
	return &EncoderLayer{
		Backend:   backend,
		Attention: NewMultiHeadAttention(hidden, heads, dropout, backend),
		Norm1:     NewLayerNorm(hidden, backend),
		FF1:       NewLinear(hidden, ffn, backend),
		FF2:       NewLinear(ffn, hidden, backend),
		Norm2:     NewLayerNorm(hidden, backend),
		Dropout:   dropout,
	}
}

// Forward does not modify x. The result is a pooled tensor.
func (l *EncoderLayer) Forward(x device.Tensor, s step) device.Tensor {
	h := l.Attention.Forward(x, s)
	h.Dropout(l.Dropout, s.rng)
	h.Add(x)
	l.Norm1.Forward(h)

	start := time.Now()
	f := l.FF1.Forward(h)
	f.Relu()
	f.Dropout(l.Dropout, s.rng)
	out := l.FF2.Forward(f)
	l.Backend.PutTensor(f)
	out.Dropout(l.Dropout, s.rng)
	out.Add(h)
	l.Backend.PutTensor(h)
	l.Norm2.Forward(out)
	observeLayer("feed_forward", start)

	return out
}

// Encoder is a stack of encoder layers followed by a final LayerNorm.
type Encoder struct {
	Backend device.Backend
	Layers  []*EncoderLayer
	Norm    *LayerNorm
}

func NewEncoder(layers, hidden, ffn, heads int, dropout float32, backend device.Backend) *Encoder {
	e := &Encoder{
		Backend: backend,
		Layers:  make([]*EncoderLayer, layers),
		Norm:    NewLayerNorm(hidden, backend),
	}
	for i := range e.Layers {
		e.Layers[i] = NewEncoderLayer(hidden, ffn, heads, dropout, backend)
	}
	return e
}

// Forward consumes x: it is returned to the pool once the first layer is done
// with it.
func (e *Encoder) Forward(x device.Tensor, s step) device.Tensor {
	hidden := x
	for _, layer := range e.Layers {
		next := layer.Forward(hidden, s)
		e.Backend.PutTensor(hidden)
		hidden = next
	}
	return e.Norm.Forward(hidden)
}
