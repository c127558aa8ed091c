package vocab

import (
	"fmt"
	"strings"

	"holderbot/internal/domain"
)

// Tier says which matching step produced a Result.
type Tier int

const (
	TierMissingInput Tier = iota
	TierNoMatch
	TierCanonical
	TierSynonym
	TierPartial
)

func (t Tier) String() string {
	switch t {
	case TierMissingInput:
		return "missing"
	case TierNoMatch:
		return "no match"
	case TierCanonical:
		return "canonical"
	case TierSynonym:
		return "synonym"
	case TierPartial:
		return "partial"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

const reasonMissingInput = "missing input"

// Result is the mapped form value for one raw label. Label is empty when
// nothing could be mapped.
type Result struct {
	Label      string  `json:"label,omitempty"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
	Tier       Tier    `json:"-"`
}

func (r Result) Mapped() bool {
	return r.Label != ""
}

type compiledRule struct {
	synonyms []string
	target   string
	base     float64
	notes    string
}

type attributeTable struct {
	labels    []string
	canonical map[string]string
	rules     []compiledRule
}

// Mapper maps free-form model output onto the closed form vocabularies.
// It is immutable after New and safe for concurrent use.
type Mapper struct {
	tables [domain.NumAttributes]attributeTable
	bands  []Band
}

// New validates the configuration and builds a Mapper. Any error here is a
// configuration mistake and should stop the program.
func New(f File) (*Mapper, error) {
	m := &Mapper{}

	seen := make(map[domain.Attribute]string)
	for key := range f.Vocabularies {
		attr, err := domain.ParseAttribute(key)
		if err != nil {
			return nil, fmt.Errorf("vocabularies: %w", err)
		}
		if prev, dup := seen[attr]; dup {
			return nil, fmt.Errorf("vocabularies: %q and %q both configure %s", prev, key, attr)
		}
		seen[attr] = key
	}
	seenRules := make(map[domain.Attribute]string)
	for key := range f.Rules {
		attr, err := domain.ParseAttribute(key)
		if err != nil {
			return nil, fmt.Errorf("rules: %w", err)
		}
		if prev, dup := seenRules[attr]; dup {
			return nil, fmt.Errorf("rules: %q and %q both configure %s", prev, key, attr)
		}
		seenRules[attr] = key
	}

	for _, attr := range domain.Attributes() {
		labels := f.Vocabulary(attr)
		if len(labels) == 0 {
			return nil, fmt.Errorf("vocabulary for %s is empty", attr)
		}
		table := attributeTable{canonical: make(map[string]string, len(labels))}
		for _, label := range labels {
			key := Normalize(label)
			if key == "" {
				return nil, fmt.Errorf("vocabulary for %s contains an empty label", attr)
			}
			if prev, dup := table.canonical[key]; dup {
				return nil, fmt.Errorf("vocabulary for %s lists %q and %q as the same label", attr, prev, label)
			}
			table.canonical[key] = label
			table.labels = append(table.labels, label)
		}

		for i, rule := range f.Rules[seenRules[attr]] {
			target, ok := table.canonical[Normalize(rule.Target)]
			if !ok {
				return nil, fmt.Errorf("rule %d for %s targets %q which is not in the vocabulary %v", i, attr, rule.Target, labels)
			}
			if rule.BaseConfidence <= 0 || rule.BaseConfidence > 1 {
				return nil, fmt.Errorf("rule %d for %s has base_confidence %.2f outside (0,1]", i, attr, rule.BaseConfidence)
			}
			cr := compiledRule{target: target, base: rule.BaseConfidence, notes: strings.TrimSpace(rule.Notes)}
			for _, syn := range rule.Synonyms {
				if key := Normalize(syn); key != "" {
					cr.synonyms = append(cr.synonyms, key)
				}
			}
			if len(cr.synonyms) == 0 {
				return nil, fmt.Errorf("rule %d for %s (%s) has no synonyms", i, attr, target)
			}
			if cr.notes == "" {
				cr.notes = fmt.Sprintf("%s -> %s", strings.Join(rule.Synonyms, "/"), target)
			}
			table.rules = append(table.rules, cr)
		}
		m.tables[attr] = table
	}

	bands := f.Bands
	if len(bands) == 0 {
		bands = DefaultBands()
	}
	if err := ValidateBands(bands); err != nil {
		return nil, fmt.Errorf("bands: %w", err)
	}
	m.bands = append([]Band(nil), bands...)
	return m, nil
}

// MustDefault returns a Mapper over the built-in configuration.
func MustDefault() *Mapper {
	m, err := New(Default())
	if err != nil {
		panic(fmt.Sprintf("default vocabulary is invalid: %v", err))
	}
	return m
}

// Map returns the best-fit canonical label for raw. Checks run from the most
// to the least precise and the first hit wins; within a step, rules are
// tried in declaration order.
func (m *Mapper) Map(attr domain.Attribute, raw string) Result {
	key := Normalize(raw)
	if key == "" {
		return Result{Reason: reasonMissingInput, Tier: TierMissingInput}
	}
	if !attr.Valid() {
		return Result{Reason: fmt.Sprintf("unknown attribute %s", attr), Tier: TierNoMatch}
	}
	table := &m.tables[attr]

	if label, ok := table.canonical[key]; ok {
		return Result{Label: label, Confidence: 1.0, Reason: "exact form value", Tier: TierCanonical}
	}

	for _, rule := range table.rules {
		for _, syn := range rule.synonyms {
			if syn == key {
				return Result{Label: rule.target, Confidence: rule.base, Reason: rule.notes, Tier: TierSynonym}
			}
		}
	}

	for _, rule := range table.rules {
		for _, syn := range rule.synonyms {
			if strings.Contains(key, syn) || strings.Contains(syn, key) {
				return Result{
					Label:      rule.target,
					Confidence: rule.base * PartialMatchPenalty,
					Reason:     "partial match: " + rule.notes,
					Tier:       TierPartial,
				}
			}
		}
	}

	return Result{Reason: fmt.Sprintf("no mapping found for %s", strings.TrimSpace(raw)), Tier: TierNoMatch}
}

// MapAll maps every attribute of a raw prediction.
func (m *Mapper) MapAll(raw domain.Labels) [domain.NumAttributes]Result {
	var out [domain.NumAttributes]Result
	for _, attr := range domain.Attributes() {
		out[attr] = m.Map(attr, raw.Get(attr))
	}
	return out
}

// Vocabulary returns a copy of the canonical labels of attr.
func (m *Mapper) Vocabulary(attr domain.Attribute) []string {
	if !attr.Valid() {
		return nil
	}
	return append([]string(nil), m.tables[attr].labels...)
}

// Canonical returns the declared spelling of a form value, or "" when label
// is not in the vocabulary.
func (m *Mapper) Canonical(attr domain.Attribute, label string) string {
	if !attr.Valid() {
		return ""
	}
	return m.tables[attr].canonical[Normalize(label)]
}

// Bands returns a copy of the configured confidence bands.
func (m *Mapper) Bands() []Band {
	return append([]Band(nil), m.bands...)
}
