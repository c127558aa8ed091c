package accuracy

import (
	"math"

	"holderbot/internal/domain"
	"holderbot/internal/vocab"
)

// DefaultMinFailureGroup is the smallest group of identical wrong answers
// worth showing to whoever maintains the mapping rules.
const DefaultMinFailureGroup = 3

// Outcome is how one attribute of one record scored.
type Outcome int

const (
	OutcomeNoTruth Outcome = iota
	OutcomeMatch
	OutcomeMismatch
	OutcomeMissing
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMatch:
		return "match"
	case OutcomeMismatch:
		return "mismatch"
	case OutcomeMissing:
		return "missing"
	}
	return "no truth"
}

// Score compares a suggestion with the recorded form value.
func Score(groundTruth string, res vocab.Result) Outcome {
	switch {
	case vocab.Normalize(groundTruth) == "":
		return OutcomeNoTruth
	case !res.Mapped():
		return OutcomeMissing
	case vocab.EqualLabels(groundTruth, res.Label):
		return OutcomeMatch
	default:
		return OutcomeMismatch
	}
}

// Annotated is a record together with the mapper's answer per attribute.
type Annotated struct {
	Record  domain.ClassificationRecord
	Results [domain.NumAttributes]vocab.Result
}

// Outcome scores one attribute of the record.
func (a Annotated) Outcome(attr domain.Attribute) Outcome {
	return Score(a.Record.GroundTruth.Get(attr), a.Results[attr])
}

// Options configures aggregation. Zero values fall back to defaults.
type Options struct {
	Bands              []vocab.Band
	ScenarioThresholds []float64
	MinFailureGroup    int
	Vocabularies       [domain.NumAttributes][]string
}

func DefaultOptions() Options {
	return Options{
		Bands:              vocab.DefaultBands(),
		ScenarioThresholds: []float64{0.8, 0.6},
		MinFailureGroup:    DefaultMinFailureGroup,
	}
}

// OptionsFor builds options from a mapper's bands and vocabularies.
func OptionsFor(m *vocab.Mapper) Options {
	opts := DefaultOptions()
	opts.Bands = m.Bands()
	for _, attr := range domain.Attributes() {
		opts.Vocabularies[attr] = m.Vocabulary(attr)
	}
	return opts
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if len(o.Bands) == 0 {
		o.Bands = def.Bands
	}
	if o.ScenarioThresholds == nil {
		o.ScenarioThresholds = def.ScenarioThresholds
	}
	if o.MinFailureGroup <= 0 {
		o.MinFailureGroup = def.MinFailureGroup
	}
	return o
}

// Annotate maps every attribute of every record.
func Annotate(records []domain.ClassificationRecord, m *vocab.Mapper) []Annotated {
	out := make([]Annotated, 0, len(records))
	for _, rec := range records {
		out = append(out, Annotated{Record: rec, Results: m.MapAll(rec.Predicted)})
	}
	return out
}

// Evaluate maps the batch and aggregates it.
func Evaluate(records []domain.ClassificationRecord, m *vocab.Mapper, opts Options) (Summary, []Annotated) {
	batch := Annotate(records, m)
	return Aggregate(batch, opts), batch
}

// Percent returns 100*num/den, or 0 for an empty denominator.
func Percent(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return 100 * float64(num) / float64(den)
}

// clampConfidence treats NaN as absent and pins the rest to [0,1].
func clampConfidence(c *float64) float64 {
	if c == nil || math.IsNaN(*c) {
		return 0
	}
	return math.Max(0, math.Min(1, *c))
}
