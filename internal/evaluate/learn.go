package evaluate

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	"holderbot/internal/domain"
	"holderbot/internal/storage/sqlite"
	"holderbot/internal/vocab"
)

// Learn teaches the rules file that raw means target for attr, records
// who made the correction, and returns a mapper built from the updated
// rules. No correction is stored unless raw maps to target afterwards.
func Learn(db *sql.DB, rulesPath string, attr domain.Attribute, raw, target string, confidence float64, by string) (*vocab.Mapper, error) {
	if strings.TrimSpace(rulesPath) == "" {
		return nil, errors.New("rules_path is not configured")
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("raw value is empty")
	}
	m, err := vocab.AppendSynonym(rulesPath, attr, raw, target, confidence)
	if err != nil {
		return nil, err
	}
	res := m.Map(attr, raw)
	if want := m.Canonical(attr, target); res.Label != want {
		return nil, fmt.Errorf("%q maps to %q, not %q", raw, res.Label, want)
	}
	if err := sqlite.InsertMappingCorrection(db, sqlite.MappingCorrection{
		Attribute:   attr.String(),
		RawValue:    raw,
		Target:      res.Label,
		Confidence:  res.Confidence,
		CorrectedBy: by,
	}); err != nil {
		return m, fmt.Errorf("store correction: %w", err)
	}
	log.Printf("learn attribute=%s raw=%q target=%q by=%s", attr, raw, res.Label, by)
	return m, nil
}
