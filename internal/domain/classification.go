package domain

import (
	"fmt"
	"strings"
	"time"
)

// Attribute is one classification dimension of a sign holder.
type Attribute int

const (
	AttrMaterial Attribute = iota
	AttrOwner
	AttrType

	NumAttributes = 3
)

var attributeNames = [NumAttributes]string{"material", "owner", "type"}

// Attributes returns every attribute in reporting order.
func Attributes() []Attribute {
	return []Attribute{AttrMaterial, AttrOwner, AttrType}
}

func (a Attribute) String() string {
	if a < 0 || int(a) >= NumAttributes {
		return fmt.Sprintf("attribute(%d)", int(a))
	}
	return attributeNames[a]
}

func (a Attribute) Valid() bool {
	return a >= 0 && int(a) < NumAttributes
}

func (a Attribute) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("invalid attribute %d", int(a))
	}
	return []byte(a.String()), nil
}

func (a *Attribute) UnmarshalText(text []byte) error {
	parsed, err := ParseAttribute(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAttribute accepts the English names plus the Slovak form keys
// used by the SmartMap admin table.
func ParseAttribute(s string) (Attribute, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "material", "materiál":
		return AttrMaterial, nil
	case "owner", "vlastnik", "vlastník":
		return AttrOwner, nil
	case "type", "typ", "základný typ":
		return AttrType, nil
	}
	return 0, fmt.Errorf("unknown attribute %q (want material, owner or type)", s)
}

// Labels holds one string per attribute.
type Labels [NumAttributes]string

func (l Labels) Get(a Attribute) string {
	if !a.Valid() {
		return ""
	}
	return l[a]
}

func (l *Labels) Set(a Attribute, v string) {
	if a.Valid() {
		l[a] = v
	}
}

// ClassificationRecord is one photographed holder with its human-entered
// form values and the raw model output. Confidence is nil when the model
// reported none.
type ClassificationRecord struct {
	ID          string
	GroundTruth Labels
	Predicted   Labels
	Confidence  *float64
}

// ConfidenceValue returns the record confidence, treating absent as 0.
func (r ClassificationRecord) ConfidenceValue() float64 {
	if r.Confidence == nil {
		return 0
	}
	return *r.Confidence
}

// Holder is a row of the SmartMap holder table.
type Holder struct {
	ID         string
	MainID     string
	Page       int
	Street     string
	PhotoURL   string
	Form       Labels
	ImportedAt time.Time
	UpdatedAt  time.Time
}

// Prediction is one vision-model answer for a holder photo. Error is set
// when the photo or the model could not be used; labels are empty then.
type Prediction struct {
	ID          int64
	HolderID    string
	Labels      Labels
	Confidence  *float64
	Description string
	Provider    string
	Model       string
	ImagePath   string
	Error       string
	PredictedAt time.Time
}

// EvaluationRun is the persisted headline of one accuracy batch.
type EvaluationRun struct {
	ID                string
	StartedAt         time.Time
	TotalRecords      int
	Skipped           int
	OverallAccuracy   float64
	Readiness         string
	AttributeAccuracy [NumAttributes]float64
	SummaryJSON       string
}

// FillAction is one dropdown value the browser driver should select.
type FillAction struct {
	HolderID   string  `json:"holder_id"`
	Attribute  string  `json:"attribute"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	RawValue   string  `json:"raw_value"`
}

func Float64Ptr(v float64) *float64 {
	return &v
}
