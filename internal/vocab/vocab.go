package vocab

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"holderbot/internal/domain"
)

// PartialMatchPenalty discounts a rule's confidence when only a substring
// of the synonym or the input matched.
const PartialMatchPenalty = 0.8

// MappingRule links raw synonym text to one canonical label.
type MappingRule struct {
	Synonyms       []string `yaml:"synonyms"`
	Target         string   `yaml:"target"`
	BaseConfidence float64  `yaml:"base_confidence"`
	Notes          string   `yaml:"notes"`
}

// Band is a confidence interval used to stratify accuracy. Low is
// inclusive; High is exclusive unless it is 1.0.
type Band struct {
	Low   float64 `yaml:"low" json:"low"`
	High  float64 `yaml:"high" json:"high"`
	Label string  `yaml:"label" json:"label"`
}

func (b Band) Contains(v float64) bool {
	if v < b.Low {
		return false
	}
	if b.High >= 1 {
		return v <= b.High
	}
	return v < b.High
}

// File is the on-disk shape of the mapping configuration. Attribute keys
// are the names accepted by domain.ParseAttribute.
type File struct {
	Vocabularies map[string][]string      `yaml:"vocabularies"`
	Rules        map[string][]MappingRule `yaml:"rules"`
	Bands        []Band                   `yaml:"bands"`
}

// DefaultBands mirrors the confidence ranges used in the accuracy reports.
func DefaultBands() []Band {
	return []Band{
		{Low: 0.9, High: 1.0, Label: "Very High (90%+)"},
		{Low: 0.8, High: 0.9, Label: "High (80-90%)"},
		{Low: 0.7, High: 0.8, Label: "Good (70-80%)"},
		{Low: 0.6, High: 0.7, Label: "Medium (60-70%)"},
		{Low: 0.0, High: 0.6, Label: "Low (<60%)"},
	}
}

// ValidateBands checks that bands are well formed and partition [0,1]
// with no gaps or overlaps.
func ValidateBands(bands []Band) error {
	if len(bands) == 0 {
		return fmt.Errorf("no confidence bands configured")
	}
	sorted := append([]Band(nil), bands...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Low < sorted[j].Low })
	for i, b := range sorted {
		if strings.TrimSpace(b.Label) == "" {
			return fmt.Errorf("band [%.2f,%.2f) has no label", b.Low, b.High)
		}
		if b.Low < 0 || b.High > 1 || b.Low >= b.High {
			return fmt.Errorf("band %q has invalid bounds [%.2f,%.2f)", b.Label, b.Low, b.High)
		}
		if i == 0 && b.Low != 0 {
			return fmt.Errorf("bands leave a gap below %.2f", b.Low)
		}
		if i > 0 && math.Abs(sorted[i-1].High-b.Low) > 1e-9 {
			return fmt.Errorf("bands %q and %q do not meet (%.2f vs %.2f)", sorted[i-1].Label, b.Label, sorted[i-1].High, b.Low)
		}
	}
	if last := sorted[len(sorted)-1]; last.High != 1 {
		return fmt.Errorf("bands leave a gap above %.2f", last.High)
	}
	return nil
}

// Default returns the SmartMap dropdown vocabularies and the mapping rules
// collected from earlier model runs.
func Default() File {
	return File{
		Vocabularies: map[string][]string{
			"material": {"kov", "betón", "drevo", "plast", "stavba, múr", "iný"},
			"owner":    {"mesto", "súkromný", "štát", "iný"},
			"type": {
				"stĺp značky samostatný",
				"stĺp značky dvojitý",
				"stĺp verejného osvetlenia",
				"svetelné signalizačné zariadenie",
				"stĺp",
				"iný",
			},
		},
		Rules: map[string][]MappingRule{
			"material": {
				{Synonyms: []string{"aluminum", "aluminium"}, Target: "kov", BaseConfidence: 0.9, Notes: "aluminum -> kov"},
				{Synonyms: []string{"steel", "iron", "galvanized steel"}, Target: "kov", BaseConfidence: 0.9, Notes: "steel -> kov"},
				{Synonyms: []string{"metal", "metallic"}, Target: "kov", BaseConfidence: 0.8, Notes: "metal -> kov"},
				{Synonyms: []string{"concrete", "cement"}, Target: "betón", BaseConfidence: 0.9, Notes: "concrete -> betón"},
				{Synonyms: []string{"wood", "wooden", "timber"}, Target: "drevo", BaseConfidence: 0.9, Notes: "wood -> drevo"},
				{Synonyms: []string{"plastic", "pvc"}, Target: "plast", BaseConfidence: 0.9, Notes: "plastic -> plast"},
				{Synonyms: []string{"building", "wall", "masonry", "brick"}, Target: "stavba, múr", BaseConfidence: 0.85, Notes: "mounted on a building or wall"},
				{Synonyms: []string{"reflective sheeting"}, Target: "kov", BaseConfidence: 0.7, Notes: "reflective sheeting is usually on metal"},
				{Synonyms: []string{"kov"}, Target: "kov", BaseConfidence: 1.0, Notes: "direct Slovak match"},
				{Synonyms: []string{"betón"}, Target: "betón", BaseConfidence: 1.0, Notes: "direct Slovak match"},
				{Synonyms: []string{"drevo"}, Target: "drevo", BaseConfidence: 1.0, Notes: "direct Slovak match"},
				{Synonyms: []string{"plast"}, Target: "plast", BaseConfidence: 1.0, Notes: "direct Slovak match"},
				{Synonyms: []string{"other", "unknown"}, Target: "iný", BaseConfidence: 0.6, Notes: "model gave up"},
			},
			"owner": {
				{Synonyms: []string{"city", "municipal", "municipality", "public"}, Target: "mesto", BaseConfidence: 0.9, Notes: "city/municipal -> mesto"},
				{Synonyms: []string{"town"}, Target: "mesto", BaseConfidence: 0.8, Notes: "town -> mesto"},
				{Synonyms: []string{"private", "individual", "company"}, Target: "súkromný", BaseConfidence: 0.9, Notes: "private owner"},
				{Synonyms: []string{"state", "government", "national"}, Target: "štát", BaseConfidence: 0.9, Notes: "government -> štát"},
				{Synonyms: []string{"mesto"}, Target: "mesto", BaseConfidence: 1.0, Notes: "direct Slovak match"},
				{Synonyms: []string{"súkromný"}, Target: "súkromný", BaseConfidence: 1.0, Notes: "direct Slovak match"},
				{Synonyms: []string{"štát"}, Target: "štát", BaseConfidence: 1.0, Notes: "direct Slovak match"},
				{Synonyms: []string{"other", "unknown"}, Target: "iný", BaseConfidence: 0.6, Notes: "model gave up"},
			},
			"type": {
				{Synonyms: []string{"street light", "street lamp", "lighting post", "light pole", "lamp post", "public lighting"}, Target: "stĺp verejného osvetlenia", BaseConfidence: 0.9, Notes: "lighting post"},
				{Synonyms: []string{"traffic light", "signal light", "signal", "semaphore"}, Target: "svetelné signalizačné zariadenie", BaseConfidence: 0.9, Notes: "traffic signal"},
				{Synonyms: []string{"double sign post", "double post", "double"}, Target: "stĺp značky dvojitý", BaseConfidence: 0.8, Notes: "two posts carrying one sign"},
				{Synonyms: []string{"sign post", "traffic sign post", "traffic sign", "standalone"}, Target: "stĺp značky samostatný", BaseConfidence: 0.8, Notes: "sign post -> standalone"},
				{Synonyms: []string{"round post", "u channel post", "post", "pole"}, Target: "stĺp", BaseConfidence: 0.7, Notes: "generic post"},
				{Synonyms: []string{"stĺp"}, Target: "stĺp", BaseConfidence: 0.8, Notes: "generic post"},
				{Synonyms: []string{"stĺp značky samostatný"}, Target: "stĺp značky samostatný", BaseConfidence: 1.0, Notes: "direct match"},
				{Synonyms: []string{"stĺp značky dvojitý"}, Target: "stĺp značky dvojitý", BaseConfidence: 1.0, Notes: "direct match"},
				{Synonyms: []string{"stĺp verejného osvetlenia"}, Target: "stĺp verejného osvetlenia", BaseConfidence: 1.0, Notes: "direct match"},
				{Synonyms: []string{"svetelné signalizačné zariadenie"}, Target: "svetelné signalizačné zariadenie", BaseConfidence: 1.0, Notes: "direct match"},
				{Synonyms: []string{"other", "unknown"}, Target: "iný", BaseConfidence: 0.6, Notes: "model gave up"},
			},
		},
		Bands: DefaultBands(),
	}
}

// Vocabulary returns the canonical labels of one attribute in declaration order.
func (f File) Vocabulary(attr domain.Attribute) []string {
	for key, labels := range f.Vocabularies {
		if a, err := domain.ParseAttribute(key); err == nil && a == attr {
			return labels
		}
	}
	return nil
}
