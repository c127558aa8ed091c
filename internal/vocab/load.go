package vocab

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"holderbot/internal/domain"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a rules YAML file. Sections the file leaves out fall back
// to Default(); an attribute present in the file replaces the default list
// for that attribute entirely.
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read rules: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parse rules yaml: %w", err)
	}
	return mergeDefaults(f), nil
}

// Load returns the configuration at path, or the defaults when path is empty.
func Load(path string) (*Mapper, error) {
	f := Default()
	if strings.TrimSpace(path) != "" {
		var err error
		if f, err = LoadFile(path); err != nil {
			return nil, err
		}
	}
	return New(f)
}

func mergeDefaults(f File) File {
	def := Default()
	if f.Vocabularies == nil {
		f.Vocabularies = map[string][]string{}
	}
	if f.Rules == nil {
		f.Rules = map[string][]MappingRule{}
	}
	for _, attr := range domain.Attributes() {
		if !hasAttributeKey(f.Vocabularies, attr) {
			f.Vocabularies[attr.String()] = def.Vocabularies[attr.String()]
		}
		if !hasAttributeKey(f.Rules, attr) {
			f.Rules[attr.String()] = def.Rules[attr.String()]
		}
	}
	if len(f.Bands) == 0 {
		f.Bands = def.Bands
	}
	return f
}

func hasAttributeKey[V any](m map[string]V, attr domain.Attribute) bool {
	for key := range m {
		if a, err := domain.ParseAttribute(key); err == nil && a == attr {
			return true
		}
	}
	return false
}

// rulesMu serializes read-modify-write cycles on rules files.
var rulesMu sync.Mutex

// AppendSynonym records that raw should map to target for attr and returns
// the mapper built from the saved rules. The new rule is appended at the end
// so existing rules keep precedence; exact synonyms of raw that point at a
// different label are removed first. Raw text that is itself a form value of
// another label cannot be relearned.
func AppendSynonym(path string, attr domain.Attribute, raw, target string, confidence float64) (*Mapper, error) {
	raw = strings.TrimSpace(raw)
	target = strings.TrimSpace(target)
	if raw == "" || target == "" {
		return nil, errors.New("raw value and target are required")
	}

	rulesMu.Lock()
	defer rulesMu.Unlock()

	f := Default()
	exists := false
	if _, err := os.Stat(path); err == nil {
		exists = true
		if f, err = LoadFile(path); err != nil {
			return nil, err
		}
	}
	m, err := New(f)
	if err != nil {
		return nil, fmt.Errorf("existing rules are invalid: %w", err)
	}
	canonical := m.Canonical(attr, target)
	if canonical == "" {
		return nil, fmt.Errorf("%q is not a %s form value (want one of %s)", target, attr, strings.Join(m.Vocabulary(attr), ", "))
	}

	res := m.Map(attr, raw)
	if res.Tier == TierCanonical && res.Label != canonical {
		return nil, fmt.Errorf("%q is itself the %s form value %q", raw, attr, res.Label)
	}
	if res.Label == canonical && res.Tier != TierPartial {
		if !exists {
			if err := saveFile(path, f); err != nil {
				return nil, err
			}
		}
		return m, nil
	}
	if confidence <= 0 || confidence > 1 {
		confidence = 0.8
	}

	key := attr.String()
	for k := range f.Rules {
		if a, err := domain.ParseAttribute(k); err == nil && a == attr {
			key = k
		}
	}
	rules := withoutSynonym(f.Rules[key], raw, canonical)
	f.Rules[key] = append(rules, MappingRule{
		Synonyms:       []string{raw},
		Target:         canonical,
		BaseConfidence: confidence,
		Notes:          fmt.Sprintf("learned: %s -> %s", raw, canonical),
	})

	if m, err = New(f); err != nil {
		return nil, fmt.Errorf("learned rule is invalid: %w", err)
	}
	if got := m.Map(attr, raw); got.Label != canonical {
		return nil, fmt.Errorf("%q still maps to %q after learning %q", raw, got.Label, canonical)
	}
	if err := saveFile(path, f); err != nil {
		return nil, err
	}
	return m, nil
}

// withoutSynonym drops raw from rules that send it to a label other than
// target. Rules left without synonyms are removed.
func withoutSynonym(rules []MappingRule, raw, target string) []MappingRule {
	key := Normalize(raw)
	out := make([]MappingRule, 0, len(rules))
	for _, rule := range rules {
		if EqualLabels(rule.Target, target) {
			out = append(out, rule)
			continue
		}
		kept := make([]string, 0, len(rule.Synonyms))
		for _, syn := range rule.Synonyms {
			if Normalize(syn) != key {
				kept = append(kept, syn)
			}
		}
		if len(kept) == len(rule.Synonyms) {
			out = append(out, rule)
			continue
		}
		if len(kept) == 0 {
			log.Printf("rules drop rule target=%q: last synonym %q relearned", rule.Target, raw)
			continue
		}
		rule.Synonyms = kept
		out = append(out, rule)
	}
	return out
}

// saveFile replaces path atomically so readers never see a partial file.
func saveFile(path string, f File) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".rules-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp rules file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write rules: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write rules: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("chmod rules: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace rules: %w", err)
	}
	return nil
}
