// Package search registers the model's hyperparameter search space against
// an external trial object.
package search

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// ErrMissingParam is returned by a FixedTrial asked for a value it lacks.
var ErrMissingParam = errors.New("search: parameter not fixed")

// Trial is the seam to a hyperparameter search framework.
type Trial interface {
	SuggestLogUniform(name string, low, high float64) (float64, error)
	SuggestUniform(name string, low, high float64) (float64, error)
	SuggestDiscreteUniform(name string, low, high, step float64) (float64, error)
	SuggestInt(name string, low, high int) (int, error)
	SetUserAttr(key string, value any)
	Params() map[string]any
	UserAttrs() map[string]any
}

// record holds the bookkeeping shared by the bundled trials.
type record struct {
	mu     sync.Mutex
	params map[string]any
	attrs  map[string]any
}

func (r *record) init() {
	r.params = make(map[string]any)
	r.attrs = make(map[string]any)
}

func (r *record) setParam(name string, v any) {
	r.mu.Lock()
	r.params[name] = v
	r.mu.Unlock()
}

func (r *record) SetUserAttr(key string, value any) {
	r.mu.Lock()
	r.attrs[key] = value
	r.mu.Unlock()
}

func (r *record) Params() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyMap(r.params)
}

func (r *record) UserAttrs() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyMap(r.attrs)
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// FixedTrial answers every suggestion from a fixed parameter map.
type FixedTrial struct {
	record
	fixed map[string]any
}

func NewFixedTrial(params map[string]any) *FixedTrial {
	t := &FixedTrial{fixed: copyMap(params)}
	t.init()
	return t
}

func (t *FixedTrial) float(name string) (float64, error) {
	v, ok := t.fixed[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingParam, name)
	}
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	default:
		return 0, fmt.Errorf("search: %s: expected number, got %T", name, v)
	}
	t.setParam(name, f)
	return f, nil
}

func (t *FixedTrial) SuggestLogUniform(name string, _, _ float64) (float64, error) {
	return t.float(name)
}

func (t *FixedTrial) SuggestUniform(name string, _, _ float64) (float64, error) {
	return t.float(name)
}

func (t *FixedTrial) SuggestDiscreteUniform(name string, _, _, _ float64) (float64, error) {
	return t.float(name)
}

func (t *FixedTrial) SuggestInt(name string, _, _ int) (int, error) {
	f, err := t.float(name)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("search: %s: expected integer, got %v", name, f)
	}
	t.setParam(name, int(f))
	return int(f), nil
}

// RandomTrial samples each suggestion from its distribution.
type RandomTrial struct {
	record
	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewRandomTrial(rng *rand.Rand) *RandomTrial {
	t := &RandomTrial{rng: rng}
	t.init()
	return t
}

func (t *RandomTrial) uniform() float64 {
	t.rngMu.Lock()
	defer t.rngMu.Unlock()
	return t.rng.Float64()
}

func (t *RandomTrial) intn(n int) int {
	t.rngMu.Lock()
	defer t.rngMu.Unlock()
	return t.rng.Intn(n)
}

func (t *RandomTrial) SuggestLogUniform(name string, low, high float64) (float64, error) {
	if low <= 0 || high < low {
		return 0, fmt.Errorf("search: %s: invalid log range [%v, %v]", name, low, high)
	}
	lo, hi := math.Log(low), math.Log(high)
	v := math.Exp(lo + t.uniform()*(hi-lo))
	t.setParam(name, v)
	return v, nil
}

func (t *RandomTrial) SuggestUniform(name string, low, high float64) (float64, error) {
	if high < low {
		return 0, fmt.Errorf("search: %s: invalid range [%v, %v]", name, low, high)
	}
	v := low + t.uniform()*(high-low)
	t.setParam(name, v)
	return v, nil
}

func (t *RandomTrial) SuggestDiscreteUniform(name string, low, high, step float64) (float64, error) {
	if step <= 0 || high < low {
		return 0, fmt.Errorf("search: %s: invalid discrete range [%v, %v] step %v", name, low, high, step)
	}
	n := int(math.Floor((high-low)/step + 1e-9))
	v := low + float64(t.intn(n+1))*step
	t.setParam(name, v)
	return v, nil
}

func (t *RandomTrial) SuggestInt(name string, low, high int) (int, error) {
	if high < low {
		return 0, fmt.Errorf("search: %s: invalid range [%d, %d]", name, low, high)
	}
	v := low + t.intn(high-low+1)
	t.setParam(name, v)
	return v, nil
}
