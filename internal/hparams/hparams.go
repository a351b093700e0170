// Package hparams holds the typed hyperparameter record consumed by the
// conditional sequence transformer and the helpers that build it from the
// flat key/value maps produced by search trials and config files.
package hparams

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

var (
	// ErrMissingField is returned when a required key is absent.
	ErrMissingField = errors.New("hparams: missing required field")
	// ErrInvalidConfig is returned when a field has an unusable value.
	ErrInvalidConfig = errors.New("hparams: invalid config")
)

// PowerSuffix marks keys stored as base-2 exponents.
const PowerSuffix = "_power"

// Config is the validated hyperparameter record.
type Config struct {
	XDim             int     `yaml:"x_dim" cbor:"x_dim"`
	YDim             int     `yaml:"y_dim" cbor:"y_dim"`
	HiddenOutSize    int     `yaml:"hidden_out_size" cbor:"hidden_out_size"`
	HiddenSize       int     `yaml:"hidden_size" cbor:"hidden_size"`
	NHead            int     `yaml:"nhead" cbor:"nhead"`
	NLayers          int     `yaml:"nlayers" cbor:"nlayers"`
	AttentionDropout float64 `yaml:"attention_dropout" cbor:"attention_dropout"`
	NaNValue         float64 `yaml:"nan_value" cbor:"nan_value"`

	// Training attributes carried for the external training loop.
	LearningRate    float64 `yaml:"learning_rate" cbor:"learning_rate"`
	BatchSize       int     `yaml:"batch_size" cbor:"batch_size"`
	GradClip        float64 `yaml:"grad_clip" cbor:"grad_clip"`
	MaxEpochs       int     `yaml:"max_nb_epochs" cbor:"max_nb_epochs"`
	NumWorkers      int     `yaml:"num_workers" cbor:"num_workers"`
	VisI            int     `yaml:"vis_i" cbor:"vis_i"`
	Patience        int     `yaml:"patience" cbor:"patience"`
	ContextInTarget bool    `yaml:"context_in_target" cbor:"context_in_target"`
	Seed            int64   `yaml:"seed" cbor:"seed"`
}

// RequiredFields lists the keys the model cannot be built without.
var RequiredFields = []string{
	"x_dim", "y_dim", "hidden_out_size", "hidden_size",
	"nhead", "nlayers", "attention_dropout", "nan_value",
}

// Defaults returns the default flat record, with architecture sizes stored
// as powers of two.
func Defaults() map[string]any {
	return map[string]any{
		"attention_dropout":     0.4151003234623061,
		"hidden_out_size_power": 2.0,
		"hidden_size_power":     2.0,
		"learning_rate":         0.0026738884132767185,
		"nhead_power":           1.0,
		"nlayers":               2,

		"batch_size":        16,
		"grad_clip":         40,
		"max_nb_epochs":     200,
		"num_workers":       4,
		"vis_i":             670,
		"x_dim":             6,
		"y_dim":             1,
		"nan_value":         -99.9,
		"context_in_target": false,
		"patience":          3,
	}
}

// DefaultConfig returns Defaults decoded into a Config.
func DefaultConfig() Config {
	cfg, err := FromMap(Defaults())
	if err != nil {
		panic(err)
	}
	return cfg
}

// ExpandPowers returns a copy of params in which every key named
// "<base>_power" also sets "<base>" to 2^value. Integral results are stored
// as int. The exponent keys are kept.
func ExpandPowers(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	for k, v := range params {
		if !strings.HasSuffix(k, PowerSuffix) {
			continue
		}
		exp, err := toFloat(v)
		if err != nil {
			continue
		}
		base := strings.TrimSuffix(k, PowerSuffix)
		val := math.Pow(2, exp)
		if val == math.Trunc(val) && math.Abs(val) < math.MaxInt32 {
			out[base] = int(val)
		} else {
			out[base] = val
		}
	}
	return out
}

// FromMap expands power-encoded keys, decodes the flat map into a Config
// and validates it.
func FromMap(params map[string]any) (Config, error) {
	p := ExpandPowers(params)

	var missing []string
	for _, k := range RequiredFields {
		if _, ok := p[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return Config{}, fmt.Errorf("%w: %s", ErrMissingField, strings.Join(missing, ", "))
	}

	var cfg Config
	ints := map[string]*int{
		"x_dim":           &cfg.XDim,
		"y_dim":           &cfg.YDim,
		"hidden_out_size": &cfg.HiddenOutSize,
		"hidden_size":     &cfg.HiddenSize,
		"nhead":           &cfg.NHead,
		"nlayers":         &cfg.NLayers,
		"batch_size":      &cfg.BatchSize,
		"max_nb_epochs":   &cfg.MaxEpochs,
		"num_workers":     &cfg.NumWorkers,
		"vis_i":           &cfg.VisI,
		"patience":        &cfg.Patience,
	}
	floats := map[string]*float64{
		"attention_dropout": &cfg.AttentionDropout,
		"nan_value":         &cfg.NaNValue,
		"learning_rate":     &cfg.LearningRate,
		"grad_clip":         &cfg.GradClip,
	}

	for k, dst := range ints {
		v, ok := p[k]
		if !ok {
			continue
		}
		n, err := toInt(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, k, err)
		}
		*dst = n
	}
	for k, dst := range floats {
		v, ok := p[k]
		if !ok {
			continue
		}
		f, err := toFloat(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, k, err)
		}
		*dst = f
	}
	if v, ok := p["context_in_target"]; ok {
		b, ok := v.(bool)
		if !ok {
			return Config{}, fmt.Errorf("%w: context_in_target: expected bool, got %T", ErrInvalidConfig, v)
		}
		cfg.ContextInTarget = b
	}
	if v, ok := p["seed"]; ok {
		n, err := toInt(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: seed: %v", ErrInvalidConfig, err)
		}
		cfg.Seed = int64(n)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the architecture fields.
func (c Config) Validate() error {
	positive := []struct {
		name string
		v    int
	}{
		{"x_dim", c.XDim},
		{"y_dim", c.YDim},
		{"hidden_out_size", c.HiddenOutSize},
		{"hidden_size", c.HiddenSize},
		{"nhead", c.NHead},
		{"nlayers", c.NLayers},
	}
	for _, f := range positive {
		if f.v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfig, f.name, f.v)
		}
	}
	if c.HiddenOutSize%c.NHead != 0 {
		return fmt.Errorf("%w: hidden_out_size %d not divisible by nhead %d", ErrInvalidConfig, c.HiddenOutSize, c.NHead)
	}
	if c.AttentionDropout < 0 || c.AttentionDropout >= 1 || math.IsNaN(c.AttentionDropout) {
		return fmt.Errorf("%w: attention_dropout must be in [0, 1), got %v", ErrInvalidConfig, c.AttentionDropout)
	}
	if math.IsNaN(c.NaNValue) || math.IsInf(c.NaNValue, 0) {
		return fmt.Errorf("%w: nan_value must be finite, got %v", ErrInvalidConfig, c.NaNValue)
	}
	return nil
}

// Map flattens the config back into the key/value form FromMap accepts.
func (c Config) Map() map[string]any {
	return map[string]any{
		"x_dim":             c.XDim,
		"y_dim":             c.YDim,
		"hidden_out_size":   c.HiddenOutSize,
		"hidden_size":       c.HiddenSize,
		"nhead":             c.NHead,
		"nlayers":           c.NLayers,
		"attention_dropout": c.AttentionDropout,
		"nan_value":         c.NaNValue,
		"learning_rate":     c.LearningRate,
		"batch_size":        c.BatchSize,
		"grad_clip":         c.GradClip,
		"max_nb_epochs":     c.MaxEpochs,
		"num_workers":       c.NumWorkers,
		"vis_i":             c.VisI,
		"patience":          c.Patience,
		"context_in_target": c.ContextInTarget,
		"seed":              c.Seed,
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case int32:
		return int(n), nil
	case uint64:
		return int(n), nil
	case uint32:
		return int(n), nil
	case float64, float32:
		f, _ := toFloat(n)
		if f != math.Trunc(f) {
			return 0, fmt.Errorf("expected integer, got %v", f)
		}
		return int(f), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}
