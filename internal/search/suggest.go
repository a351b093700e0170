package search

import (
	"fmt"

	"github.com/23skdu/longbow-seqnp/internal/hparams"
	"github.com/rs/zerolog/log"
)

// Kind names the sampling distribution of a search dimension.
type Kind int

const (
	LogUniform Kind = iota
	Uniform
	DiscreteUniform
	Int
)

// Dimension describes one searched hyperparameter.
type Dimension struct {
	Name      string
	Kind      Kind
	Low, High float64
	Step      float64
}

// Space is the searched subset of the model's hyperparameters.
var Space = []Dimension{
	{Name: "learning_rate", Kind: LogUniform, Low: 1e-5, High: 1e-2},
	{Name: "attention_dropout", Kind: Uniform, Low: 0, High: 0.9},
	{Name: "hidden_size_power", Kind: DiscreteUniform, Low: 2, High: 10, Step: 1},
	{Name: "hidden_out_size_power", Kind: DiscreteUniform, Low: 2, High: 9, Step: 1},
	{Name: "nhead_power", Kind: DiscreteUniform, Low: 1, High: 4, Step: 1},
	{Name: "nlayers", Kind: Int, Low: 1, High: 12},
}

// userAttrKeys are the defaults attached to every trial as user attributes.
var userAttrKeys = []string{
	"batch_size", "grad_clip", "max_nb_epochs", "num_workers", "vis_i",
	"x_dim", "y_dim", "nan_value", "context_in_target", "patience",
}

// DefaultUserAttrs returns the fixed, non-searched attributes.
func DefaultUserAttrs() map[string]any {
	d := hparams.Defaults()
	out := make(map[string]any, len(userAttrKeys))
	for _, k := range userAttrKeys {
		out[k] = d[k]
	}
	return out
}

// AddSuggest registers every dimension of Space on the trial and attaches the
// default user attributes, overridden by userAttrs.
func AddSuggest(trial Trial, userAttrs map[string]any) error {
	for _, d := range Space {
		var (
			v   any
			err error
		)
		switch d.Kind {
		case LogUniform:
			v, err = trial.SuggestLogUniform(d.Name, d.Low, d.High)
		case Uniform:
			v, err = trial.SuggestUniform(d.Name, d.Low, d.High)
		case DiscreteUniform:
			v, err = trial.SuggestDiscreteUniform(d.Name, d.Low, d.High, d.Step)
		case Int:
			v, err = trial.SuggestInt(d.Name, int(d.Low), int(d.High))
		default:
			err = fmt.Errorf("search: unknown kind %d", d.Kind)
		}
		if err != nil {
			return fmt.Errorf("suggest %s: %w", d.Name, err)
		}
		log.Debug().Str("param", d.Name).Interface("value", v).Msg("Suggested")
	}

	attrs := DefaultUserAttrs()
	for k, v := range userAttrs {
		attrs[k] = v
	}
	for k, v := range attrs {
		trial.SetUserAttr(k, v)
	}
	return nil
}

// Config merges the trial's user attributes and sampled parameters into a
// validated model config. Sampled parameters win on conflict.
func Config(trial Trial) (hparams.Config, error) {
	merged := trial.UserAttrs()
	for k, v := range trial.Params() {
		merged[k] = v
	}
	return hparams.FromMap(merged)
}
