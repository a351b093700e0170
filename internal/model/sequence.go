package model

import (
	"errors"
	"fmt"
	"math"

	"github.com/23skdu/longbow-seqnp/internal/hparams"
)

// ErrShapeMismatch is returned when observation batches disagree in shape.
var ErrShapeMismatch = errors.New("model: shape mismatch")

// Sequence is a dense Batch x Len x Dim float32 tensor stored row-major.
type Sequence struct {
	Batch int
	Len   int
	Dim   int
	Data  []float32
}

// NewSequence allocates a zeroed sequence.
func NewSequence(batch, length, dim int) *Sequence {
	return &Sequence{Batch: batch, Len: length, Dim: dim, Data: make([]float32, batch*length*dim)}
}

// FullSequence allocates a sequence with every entry set to v.
func FullSequence(batch, length, dim int, v float32) *Sequence {
	s := NewSequence(batch, length, dim)
	for i := range s.Data {
		s.Data[i] = v
	}
	return s
}

func (s *Sequence) index(b, i, d int) int {
	return (b*s.Len+i)*s.Dim + d
}

func (s *Sequence) At(b, i, d int) float32 {
	return s.Data[s.index(b, i, d)]
}

func (s *Sequence) Set(b, i, d int, v float32) {
	s.Data[s.index(b, i, d)] = v
}

// Row returns the Dim features at batch b, position i. The slice aliases Data.
func (s *Sequence) Row(b, i int) []float32 {
	off := s.index(b, i, 0)
	return s.Data[off : off+s.Dim]
}

func (s *Sequence) Clone() *Sequence {
	out := &Sequence{Batch: s.Batch, Len: s.Len, Dim: s.Dim, Data: make([]float32, len(s.Data))}
	copy(out.Data, s.Data)
	return out
}

// Shape returns (Batch, Len, Dim).
func (s *Sequence) Shape() (int, int, int) {
	return s.Batch, s.Len, s.Dim
}

func (s *Sequence) check(name string) error {
	if s == nil {
		return fmt.Errorf("%w: %s is nil", ErrShapeMismatch, name)
	}
	if s.Batch < 0 || s.Len < 0 || s.Dim < 0 {
		return fmt.Errorf("%w: %s has negative shape %dx%dx%d", ErrShapeMismatch, name, s.Batch, s.Len, s.Dim)
	}
	want, ok := volume(s.Batch, s.Len, s.Dim)
	if !ok {
		return fmt.Errorf("%w: %s shape %dx%dx%d overflows", ErrShapeMismatch, name, s.Batch, s.Len, s.Dim)
	}
	if len(s.Data) != want {
		return fmt.Errorf("%w: %s has %d values, shape %dx%dx%d needs %d",
			ErrShapeMismatch, name, len(s.Data), s.Batch, s.Len, s.Dim, want)
	}
	return nil
}

// volume multiplies non-negative dims, reporting false if the product overflows int.
func volume(dims ...int) (int, bool) {
	n := 1
	for _, d := range dims {
		if d != 0 && n > math.MaxInt/d {
			return 0, false
		}
		n *= d
	}
	return n, true
}

// ConcatFeatures joins a and b along the feature axis into a new sequence.
func ConcatFeatures(a, b *Sequence) *Sequence {
	if a.Batch != b.Batch || a.Len != b.Len {
		panic(fmt.Sprintf("ConcatFeatures: %dx%d vs %dx%d", a.Batch, a.Len, b.Batch, b.Len))
	}
	out := NewSequence(a.Batch, a.Len, a.Dim+b.Dim)
	for bi := 0; bi < a.Batch; bi++ {
		for i := 0; i < a.Len; i++ {
			row := out.Row(bi, i)
			copy(row, a.Row(bi, i))
			copy(row[a.Dim:], b.Row(bi, i))
		}
	}
	return out
}

// ConcatLen joins a and b along the sequence axis into a new sequence.
func ConcatLen(a, b *Sequence) *Sequence {
	if a.Batch != b.Batch || a.Dim != b.Dim {
		panic(fmt.Sprintf("ConcatLen: batch/dim %dx%d vs %dx%d", a.Batch, a.Dim, b.Batch, b.Dim))
	}
	out := NewSequence(a.Batch, a.Len+b.Len, a.Dim)
	stepA, stepB := a.Len*a.Dim, b.Len*b.Dim
	for bi := 0; bi < a.Batch; bi++ {
		dst := out.Data[bi*(stepA+stepB):]
		copy(dst[:stepA], a.Data[bi*stepA:(bi+1)*stepA])
		copy(dst[stepA:stepA+stepB], b.Data[bi*stepB:(bi+1)*stepB])
	}
	return out
}

// SplitLen copies positions [0, at) and [at, Len) into two new sequences.
func (s *Sequence) SplitLen(at int) (head, tail *Sequence) {
	if at < 0 || at > s.Len {
		panic(fmt.Sprintf("SplitLen: %d out of range [0,%d]", at, s.Len))
	}
	head = NewSequence(s.Batch, at, s.Dim)
	tail = NewSequence(s.Batch, s.Len-at, s.Dim)
	step := s.Len * s.Dim
	cut := at * s.Dim
	for bi := 0; bi < s.Batch; bi++ {
		src := s.Data[bi*step : (bi+1)*step]
		copy(head.Data[bi*cut:(bi+1)*cut], src[:cut])
		copy(tail.Data[bi*(step-cut):(bi+1)*(step-cut)], src[cut:])
	}
	return head, tail
}

// Inputs is one observation batch. TargetY is optional.
type Inputs struct {
	ContextX *Sequence
	ContextY *Sequence
	TargetX  *Sequence
	TargetY  *Sequence
}

// Steps is the number of target positions to predict.
func (in Inputs) Steps() int {
	if in.TargetY != nil {
		return in.TargetY.Len
	}
	return in.TargetX.Len
}

// Validate checks that the batch is consistent with itself and with cfg.
func (in Inputs) Validate(cfg hparams.Config) error {
	if err := in.ContextX.check("context_x"); err != nil {
		return err
	}
	if err := in.ContextY.check("context_y"); err != nil {
		return err
	}
	if err := in.TargetX.check("target_x"); err != nil {
		return err
	}
	if in.TargetY != nil {
		if err := in.TargetY.check("target_y"); err != nil {
			return err
		}
	}

	b := in.ContextX.Batch
	if b == 0 {
		return fmt.Errorf("%w: empty batch", ErrShapeMismatch)
	}
	others := []struct {
		name string
		s    *Sequence
	}{
		{"context_y", in.ContextY},
		{"target_x", in.TargetX},
		{"target_y", in.TargetY},
	}
	for _, o := range others {
		if o.s != nil && o.s.Batch != b {
			return fmt.Errorf("%w: %s batch %d != context_x batch %d", ErrShapeMismatch, o.name, o.s.Batch, b)
		}
	}

	if in.ContextX.Dim != cfg.XDim || in.TargetX.Dim != cfg.XDim {
		return fmt.Errorf("%w: x dims %d/%d, want %d", ErrShapeMismatch, in.ContextX.Dim, in.TargetX.Dim, cfg.XDim)
	}
	if in.ContextY.Dim != cfg.YDim {
		return fmt.Errorf("%w: context_y dim %d, want %d", ErrShapeMismatch, in.ContextY.Dim, cfg.YDim)
	}
	if in.TargetY != nil && in.TargetY.Dim != cfg.YDim {
		return fmt.Errorf("%w: target_y dim %d, want %d", ErrShapeMismatch, in.TargetY.Dim, cfg.YDim)
	}

	if in.ContextX.Len != in.ContextY.Len {
		return fmt.Errorf("%w: context_x len %d != context_y len %d", ErrShapeMismatch, in.ContextX.Len, in.ContextY.Len)
	}
	if in.TargetY != nil && in.TargetY.Len != in.TargetX.Len {
		return fmt.Errorf("%w: target_y len %d != target_x len %d", ErrShapeMismatch, in.TargetY.Len, in.TargetX.Len)
	}
	if in.TargetX.Len == 0 {
		return fmt.Errorf("%w: no target positions", ErrShapeMismatch)
	}
	return nil
}

// isValid reports whether v is usable: finite and not the sentinel.
func isValid(v, sentinel float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0) && v != sentinel
}
