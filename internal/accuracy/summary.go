package accuracy

import (
	"fmt"
	"sort"
	"strings"

	"holderbot/internal/domain"
	"holderbot/internal/vocab"
)

// Readiness is the verdict on whether predictions can fill forms unattended.
type Readiness string

const (
	ReadinessReady       Readiness = "ready"
	ReadinessNeedsReview Readiness = "needs review"
	ReadinessDeveloping  Readiness = "developing"
	ReadinessNotReady    Readiness = "not ready"
)

// ReadinessFor maps an overall accuracy percentage to a verdict.
func ReadinessFor(pct float64) Readiness {
	switch {
	case pct >= 70:
		return ReadinessReady
	case pct >= 50:
		return ReadinessNeedsReview
	case pct >= 30:
		return ReadinessDeveloping
	default:
		return ReadinessNotReady
	}
}

// Tally counts scored outcomes.
type Tally struct {
	Matches    int `json:"matches"`
	Mismatches int `json:"mismatches"`
	Missing    int `json:"missing"`
}

func (t *Tally) add(o Outcome) {
	switch o {
	case OutcomeMatch:
		t.Matches++
	case OutcomeMismatch:
		t.Mismatches++
	case OutcomeMissing:
		t.Missing++
	}
}

// Scored is the accuracy denominator.
func (t Tally) Scored() int {
	return t.Matches + t.Mismatches + t.Missing
}

func (t Tally) Accuracy() float64 {
	return Percent(t.Matches, t.Scored())
}

// ValueStats scores one form value of an attribute.
type ValueStats struct {
	Value    string  `json:"value"`
	Total    int     `json:"total"`
	Matches  int     `json:"matches"`
	Accuracy float64 `json:"accuracy"`
}

// AttributeStats holds the scores of one attribute. Fillable counts records
// without a form value that got a mapped prediction.
type AttributeStats struct {
	Attribute domain.Attribute `json:"attribute"`
	Tally
	NoTruth  int          `json:"no_truth"`
	Fillable int          `json:"fillable"`
	Accuracy float64      `json:"accuracy"`
	Values   []ValueStats `json:"values"`
}

// BandStats scores the records whose model confidence falls in one band.
type BandStats struct {
	Band       vocab.Band                  `json:"band"`
	Count      int                         `json:"count"`
	Attributes [domain.NumAttributes]Tally `json:"attributes"`
	Pooled     Tally                       `json:"pooled"`
	Accuracy   float64                     `json:"accuracy"`
}

// ScenarioStats describes one auto-fill policy: how many records it would
// cover and how many of those it would get right.
type ScenarioStats struct {
	Name          string  `json:"name"`
	MinConfidence float64 `json:"min_confidence,omitempty"`
	Eligible      int     `json:"eligible"`
	Covered       int     `json:"covered"`
	Correct       int     `json:"correct"`
	Accuracy      float64 `json:"accuracy"`
	Coverage      float64 `json:"coverage"`
}

type ValueCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// FailurePattern is a raw prediction that repeatedly failed to produce
// the recorded form value.
type FailurePattern struct {
	Attribute   domain.Attribute `json:"attribute"`
	RawValue    string           `json:"raw_value"`
	Suggested   string           `json:"suggested"`
	Count       int              `json:"count"`
	RecordIDs   []string         `json:"record_ids"`
	GroundTruth []ValueCount     `json:"ground_truth"`
}

// TopGroundTruth returns the most common form value of the group.
func (f FailurePattern) TopGroundTruth() string {
	if len(f.GroundTruth) == 0 {
		return ""
	}
	return f.GroundTruth[0].Value
}

// Recommendation is a next step derived from the summary.
type Recommendation struct {
	Priority string `json:"priority"`
	Area     string `json:"area"`
	Message  string `json:"message"`
}

// Summary is the result of scoring one batch.
type Summary struct {
	TotalRecords    int                                  `json:"total_records"`
	Evaluated       int                                  `json:"evaluated"`
	Skipped         int                                  `json:"skipped"`
	Attributes      [domain.NumAttributes]AttributeStats `json:"attributes"`
	Bands           []BandStats                          `json:"bands"`
	// OverallAccuracy is the mean accuracy of the attributes with at least
	// one scored record, so it may cover fewer than all three attributes.
	OverallAccuracy float64                              `json:"overall_accuracy"`
	Readiness       Readiness                            `json:"readiness"`
	Scenarios       []ScenarioStats                      `json:"scenarios"`
	Failures        []FailurePattern                     `json:"failures"`
	Recommendations []Recommendation                     `json:"recommendations"`
}

// Attribute returns the stats of one attribute.
func (s Summary) Attribute(attr domain.Attribute) AttributeStats {
	return s.Attributes[attr]
}

// Aggregate scores a mapped batch. Records without an identifier are
// skipped and counted; the batch itself never fails.
func Aggregate(batch []Annotated, opts Options) Summary {
	opts = opts.withDefaults()

	s := Summary{TotalRecords: len(batch)}
	for _, attr := range domain.Attributes() {
		s.Attributes[attr].Attribute = attr
	}
	s.Bands = make([]BandStats, len(opts.Bands))
	for i, b := range opts.Bands {
		s.Bands[i].Band = b
	}
	lowest := lowestBand(opts.Bands)

	type valueKey struct {
		attr  domain.Attribute
		value string
	}
	values := map[valueKey]*ValueStats{}
	var valueOrder []valueKey

	valid := make([]Annotated, 0, len(batch))
	for _, a := range batch {
		if strings.TrimSpace(a.Record.ID) == "" {
			s.Skipped++
			continue
		}
		valid = append(valid, a)

		band := bandIndex(opts.Bands, clampConfidence(a.Record.Confidence), lowest)
		bs := &s.Bands[band]
		bs.Count++

		for _, attr := range domain.Attributes() {
			o := a.Outcome(attr)
			st := &s.Attributes[attr]
			if o == OutcomeNoTruth {
				st.NoTruth++
				if a.Results[attr].Mapped() {
					st.Fillable++
				}
				continue
			}
			st.add(o)
			bs.Attributes[attr].add(o)
			bs.Pooled.add(o)

			gt := strings.TrimSpace(a.Record.GroundTruth.Get(attr))
			key := valueKey{attr, vocab.Normalize(gt)}
			vs, ok := values[key]
			if !ok {
				vs = &ValueStats{Value: gt}
				values[key] = vs
				valueOrder = append(valueOrder, key)
			}
			vs.Total++
			if o == OutcomeMatch {
				vs.Matches++
			}
		}
	}
	s.Evaluated = len(valid)

	for _, key := range valueOrder {
		vs := values[key]
		vs.Accuracy = Percent(vs.Matches, vs.Total)
		s.Attributes[key.attr].Values = append(s.Attributes[key.attr].Values, *vs)
	}

	var sum float64
	var scored int
	for _, attr := range domain.Attributes() {
		st := &s.Attributes[attr]
		st.Accuracy = st.Tally.Accuracy()
		sort.SliceStable(st.Values, func(i, j int) bool {
			if st.Values[i].Total != st.Values[j].Total {
				return st.Values[i].Total > st.Values[j].Total
			}
			return st.Values[i].Value < st.Values[j].Value
		})
		if st.Scored() > 0 {
			sum += st.Accuracy
			scored++
		}
	}
	if scored > 0 {
		s.OverallAccuracy = sum / float64(scored)
	}
	s.Readiness = ReadinessFor(s.OverallAccuracy)

	for i := range s.Bands {
		s.Bands[i].Accuracy = s.Bands[i].Pooled.Accuracy()
	}

	s.Scenarios = scenarios(valid, opts.ScenarioThresholds)
	s.Failures = failurePatterns(valid, opts.MinFailureGroup)
	s.Recommendations = recommendations(s, opts)
	return s
}

func lowestBand(bands []vocab.Band) int {
	lowest := 0
	for i, b := range bands {
		if b.Low < bands[lowest].Low {
			lowest = i
		}
	}
	return lowest
}

func bandIndex(bands []vocab.Band, c float64, fallback int) int {
	for i, b := range bands {
		if b.Contains(c) {
			return i
		}
	}
	return fallback
}

// scenarios answers "how often would a fully automatic fill be right",
// first per attribute, then for whole records.
func scenarios(batch []Annotated, thresholds []float64) []ScenarioStats {
	attrs := domain.Attributes()
	var out []ScenarioStats
	subsets := make([][]domain.Attribute, 0, len(attrs)+1)
	for i := range attrs {
		subsets = append(subsets, attrs[i:i+1])
	}
	subsets = append(subsets, attrs)
	for _, subset := range subsets {
		name := "all attributes"
		if len(subset) == 1 {
			name = subset[0].String() + " only"
		}
		sc := ScenarioStats{Name: name}
		for _, a := range batch {
			if !hasTruth(a, subset) {
				continue
			}
			sc.Eligible++
			sc.Covered++
			if allMatch(a, subset) {
				sc.Correct++
			}
		}
		out = append(out, finishScenario(sc))
	}

	for _, t := range thresholds {
		sc := ScenarioStats{
			Name:          fmt.Sprintf("all attributes, confidence > %.2f", t),
			MinConfidence: t,
		}
		for _, a := range batch {
			if !hasTruth(a, attrs) {
				continue
			}
			sc.Eligible++
			if clampConfidence(a.Record.Confidence) <= t {
				continue
			}
			sc.Covered++
			if allMatch(a, attrs) {
				sc.Correct++
			}
		}
		out = append(out, finishScenario(sc))
	}
	return out
}

func finishScenario(sc ScenarioStats) ScenarioStats {
	sc.Accuracy = Percent(sc.Correct, sc.Covered)
	sc.Coverage = Percent(sc.Covered, sc.Eligible)
	return sc
}

func hasTruth(a Annotated, attrs []domain.Attribute) bool {
	for _, attr := range attrs {
		if vocab.Normalize(a.Record.GroundTruth.Get(attr)) == "" {
			return false
		}
	}
	return true
}

func allMatch(a Annotated, attrs []domain.Attribute) bool {
	for _, attr := range attrs {
		if a.Outcome(attr) != OutcomeMatch {
			return false
		}
	}
	return true
}

func failurePatterns(batch []Annotated, minGroup int) []FailurePattern {
	type key struct {
		attr domain.Attribute
		raw  string
	}
	groups := map[key]*FailurePattern{}
	truths := map[key]map[string]int{}
	var order []key

	for _, a := range batch {
		for _, attr := range domain.Attributes() {
			raw := strings.TrimSpace(a.Record.Predicted.Get(attr))
			if raw == "" {
				continue
			}
			o := a.Outcome(attr)
			if o != OutcomeMismatch && o != OutcomeMissing {
				continue
			}
			k := key{attr, vocab.Normalize(raw)}
			g, ok := groups[k]
			if !ok {
				g = &FailurePattern{Attribute: attr, RawValue: raw, Suggested: a.Results[attr].Label}
				groups[k] = g
				truths[k] = map[string]int{}
				order = append(order, k)
			}
			g.Count++
			g.RecordIDs = append(g.RecordIDs, a.Record.ID)
			truths[k][strings.TrimSpace(a.Record.GroundTruth.Get(attr))]++
		}
	}

	var out []FailurePattern
	for _, k := range order {
		g := groups[k]
		if g.Count < minGroup {
			continue
		}
		for v, c := range truths[k] {
			g.GroundTruth = append(g.GroundTruth, ValueCount{Value: v, Count: c})
		}
		sort.Slice(g.GroundTruth, func(i, j int) bool {
			if g.GroundTruth[i].Count != g.GroundTruth[j].Count {
				return g.GroundTruth[i].Count > g.GroundTruth[j].Count
			}
			return g.GroundTruth[i].Value < g.GroundTruth[j].Value
		})
		out = append(out, *g)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].RawValue != out[j].RawValue {
			return out[i].RawValue < out[j].RawValue
		}
		return out[i].Attribute < out[j].Attribute
	})
	return out
}

const missingRecommendationThreshold = 20

func recommendations(s Summary, opts Options) []Recommendation {
	var out []Recommendation
	totalMissing := 0
	for _, attr := range domain.Attributes() {
		st := s.Attributes[attr]
		totalMissing += st.Missing
		if st.Scored() == 0 {
			continue
		}
		switch {
		case st.Accuracy < 50:
			msg := fmt.Sprintf("%s accuracy is %.1f%%; retrain %s detection", attr, st.Accuracy, attr)
			if labels := opts.Vocabularies[attr]; len(labels) > 0 {
				msg += " against the form values: " + strings.Join(labels, ", ")
			}
			out = append(out, Recommendation{Priority: "HIGH", Area: attr.String(), Message: msg})
		case st.Accuracy < 70:
			out = append(out, Recommendation{
				Priority: "MEDIUM",
				Area:     attr.String(),
				Message:  fmt.Sprintf("%s accuracy is %.1f%%; review suggestions before filling them automatically", attr, st.Accuracy),
			})
		}
	}
	if totalMissing > missingRecommendationThreshold {
		out = append(out, Recommendation{
			Priority: "HIGH",
			Area:     "coverage",
			Message:  fmt.Sprintf("%d predictions produced no form value; improve image analysis so every attribute is returned", totalMissing),
		})
	}
	for _, f := range s.Failures {
		msg := fmt.Sprintf("%q failed %d times for %s", f.RawValue, f.Count, f.Attribute)
		if top := f.TopGroundTruth(); top != "" {
			msg += fmt.Sprintf("; add a synonym rule %q -> %q", f.RawValue, top)
		}
		out = append(out, Recommendation{Priority: "MEDIUM", Area: f.Attribute.String(), Message: msg})
	}
	return out
}
