package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"strconv"
	"strings"

	"holderbot/internal/domain"
)

// Holder export columns.
const (
	ColHolderID = "Holder_ID"
	ColMainID   = "Main_ID"
	ColPage     = "Page"
	ColMaterial = "Material"
	ColOwner    = "Vlastnik"
	ColType     = "Typ"
	ColStreet   = "Ulica"
	ColPhotoURL = "Photo_URL"
)

// Detailed analysis columns.
const (
	ColFormMaterial = "Form_Material"
	ColFormOwner    = "Form_Owner"
	ColFormType     = "Form_Type"
	ColAIMaterial   = "AI_Material"
	ColAIOwner      = "AI_Owner"
	ColAIType       = "AI_Type"
	ColAIConfidence = "AI_Confidence"
)

// HolderImport is the result of reading a holder export.
type HolderImport struct {
	Holders []domain.Holder
	Skipped int
}

// header maps column names to their index. Lookups ignore case and a
// leading byte order mark.
type header map[string]int

func newHeader(row []string) header {
	h := make(header, len(row))
	for i, name := range row {
		if i == 0 {
			name = strings.TrimPrefix(name, "\ufeff")
		}
		h[strings.ToLower(strings.TrimSpace(name))] = i
	}
	return h
}

func (h header) has(name string) bool {
	_, ok := h[strings.ToLower(name)]
	return ok
}

func (h header) get(row []string, name string) string {
	i, ok := h[strings.ToLower(name)]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func (h header) require(names ...string) error {
	var missing []string
	for _, n := range names {
		if !h.has(n) {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing columns: %s", strings.Join(missing, ", "))
	}
	return nil
}

func readAll(r io.Reader) (header, [][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil, errors.New("csv is empty")
	}
	return newHeader(rows[0]), rows[1:], nil
}

// ReadHolders parses a holder export. Rows without a holder id are
// skipped and counted.
func ReadHolders(r io.Reader) (HolderImport, error) {
	h, rows, err := readAll(r)
	if err != nil {
		return HolderImport{}, err
	}
	if err := h.require(ColHolderID); err != nil {
		return HolderImport{}, err
	}

	var out HolderImport
	for n, row := range rows {
		id := h.get(row, ColHolderID)
		if id == "" {
			out.Skipped++
			continue
		}
		holder := domain.Holder{
			ID:       id,
			MainID:   h.get(row, ColMainID),
			Street:   h.get(row, ColStreet),
			PhotoURL: h.get(row, ColPhotoURL),
			Form: domain.Labels{
				domain.AttrMaterial: h.get(row, ColMaterial),
				domain.AttrOwner:    h.get(row, ColOwner),
				domain.AttrType:     h.get(row, ColType),
			},
		}
		if page := h.get(row, ColPage); page != "" {
			p, err := strconv.Atoi(page)
			if err != nil {
				log.Printf("ingest row=%d holder=%s invalid page %q", n+2, id, page)
			}
			holder.Page = p
		}
		out.Holders = append(out.Holders, holder)
	}
	return out, nil
}

// ReadHoldersFile opens path and reads it with ReadHolders.
func ReadHoldersFile(path string) (HolderImport, error) {
	f, err := os.Open(path)
	if err != nil {
		return HolderImport{}, fmt.Errorf("open holders csv: %w", err)
	}
	defer f.Close()
	return ReadHolders(f)
}

// ReadRecords parses a detailed analysis export into classification
// records. Rows without an id are kept so the aggregator can count them as
// skipped. A blank or unparseable confidence is absent.
func ReadRecords(r io.Reader) ([]domain.ClassificationRecord, error) {
	h, rows, err := readAll(r)
	if err != nil {
		return nil, err
	}
	if err := h.require(ColHolderID, ColFormMaterial, ColFormOwner, ColFormType, ColAIMaterial, ColAIOwner, ColAIType); err != nil {
		return nil, err
	}

	records := make([]domain.ClassificationRecord, 0, len(rows))
	for _, row := range rows {
		rec := domain.ClassificationRecord{
			ID: h.get(row, ColHolderID),
			GroundTruth: domain.Labels{
				domain.AttrMaterial: h.get(row, ColFormMaterial),
				domain.AttrOwner:    h.get(row, ColFormOwner),
				domain.AttrType:     h.get(row, ColFormType),
			},
			Predicted: domain.Labels{
				domain.AttrMaterial: h.get(row, ColAIMaterial),
				domain.AttrOwner:    h.get(row, ColAIOwner),
				domain.AttrType:     h.get(row, ColAIType),
			},
			Confidence: parseConfidence(h.get(row, ColAIConfidence)),
		}
		records = append(records, rec)
	}
	return records, nil
}

// ReadRecordsFile opens path and reads it with ReadRecords.
func ReadRecordsFile(path string) ([]domain.ClassificationRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open analysis csv: %w", err)
	}
	defer f.Close()
	return ReadRecords(f)
}

func parseConfidence(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	if strings.HasSuffix(s, "%") {
		v /= 100
	}
	return &v
}
