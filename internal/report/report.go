package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"holderbot/internal/accuracy"
	"holderbot/internal/domain"
	"holderbot/internal/ingest"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	titleCase = cases.Title(language.English)
	upperCase = cases.Upper(language.English)
)

// Paths lists the files written for one run.
type Paths struct {
	Text   string
	JSON   string
	Detail string
}

// Text renders the summary as a Slack mrkdwn dashboard.
func Text(s accuracy.Summary, generatedAt time.Time) string {
	var sb strings.Builder
	sb.WriteString("*Holder Classification Accuracy*\n")
	sb.WriteString(fmt.Sprintf("_%s_\n\n", generatedAt.Format("2006-01-02 15:04 MST")))

	sb.WriteString("*Overview*\n")
	sb.WriteString(fmt.Sprintf("- Records: %d (evaluated %d, skipped %d)\n", s.TotalRecords, s.Evaluated, s.Skipped))
	sb.WriteString(fmt.Sprintf("- Overall accuracy: %.1f%%\n", s.OverallAccuracy))
	sb.WriteString(fmt.Sprintf("- Readiness: *%s*\n", upperCase.String(string(s.Readiness))))

	sb.WriteString("\n*Per Attribute*\n")
	for _, attr := range domain.Attributes() {
		st := s.Attributes[attr]
		if st.Scored() == 0 {
			sb.WriteString(fmt.Sprintf("- %s: no form values to compare (%d empty)\n", titleCase.String(attr.String()), st.NoTruth))
			continue
		}
		sb.WriteString(fmt.Sprintf("- %s: %.1f%% (%d/%d, %d wrong, %d missing",
			titleCase.String(attr.String()), st.Accuracy, st.Matches, st.Scored(), st.Mismatches, st.Missing))
		if st.Fillable > 0 {
			sb.WriteString(fmt.Sprintf(", %d fillable", st.Fillable))
		}
		sb.WriteString(")\n")
	}

	if len(s.Bands) > 0 {
		sb.WriteString("\n*Confidence Bands*\n")
		for _, b := range s.Bands {
			if b.Count == 0 {
				sb.WriteString(fmt.Sprintf("- %s: no records\n", b.Band.Label))
				continue
			}
			sb.WriteString(fmt.Sprintf("- %s: %d records, %.1f%% accurate\n", b.Band.Label, b.Count, b.Accuracy))
		}
	}

	if len(s.Scenarios) > 0 {
		sb.WriteString("\n*Automation Scenarios*\n")
		for _, sc := range s.Scenarios {
			sb.WriteString(fmt.Sprintf("- %s: %.1f%% correct, %.1f%% coverage (%d/%d)\n",
				sc.Name, sc.Accuracy, sc.Coverage, sc.Correct, sc.Eligible))
		}
	}

	if len(s.Failures) > 0 {
		sb.WriteString("\n*Repeated Failures*\n")
		for _, f := range s.Failures {
			line := fmt.Sprintf("- %s `%s` x%d", f.Attribute, f.RawValue, f.Count)
			if top := f.TopGroundTruth(); top != "" {
				line += fmt.Sprintf(" (form says `%s`)", top)
			}
			sb.WriteString(line + "\n")
		}
	}

	if len(s.Recommendations) > 0 {
		sb.WriteString("\n*Recommendations*\n")
		for _, r := range s.Recommendations {
			sb.WriteString(fmt.Sprintf("- [%s] %s\n", r.Priority, r.Message))
		}
	}
	return sb.String()
}

// WriteJSON writes the summary as indented JSON.
func WriteJSON(w io.Writer, s accuracy.Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// DetailHeader is the column layout of the per-record CSV. The leading
// columns match what ingest.ReadRecords accepts, so a detail file can be
// evaluated again offline.
var DetailHeader = []string{
	ingest.ColHolderID,
	ingest.ColFormMaterial, ingest.ColFormOwner, ingest.ColFormType,
	ingest.ColAIMaterial, ingest.ColAIOwner, ingest.ColAIType, ingest.ColAIConfidence,
	"Suggested_Material", "Suggested_Owner", "Suggested_Type",
	"Material_Result", "Owner_Result", "Type_Result",
}

// WriteDetailCSV writes one row per record.
func WriteDetailCSV(w io.Writer, batch []accuracy.Annotated) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(DetailHeader); err != nil {
		return err
	}
	for _, a := range batch {
		row := make([]string, 0, len(DetailHeader))
		row = append(row, a.Record.ID)
		for _, attr := range domain.Attributes() {
			row = append(row, a.Record.GroundTruth.Get(attr))
		}
		for _, attr := range domain.Attributes() {
			row = append(row, a.Record.Predicted.Get(attr))
		}
		conf := ""
		if a.Record.Confidence != nil {
			conf = strconv.FormatFloat(*a.Record.Confidence, 'f', -1, 64)
		}
		row = append(row, conf)
		for _, attr := range domain.Attributes() {
			row = append(row, a.Results[attr].Label)
		}
		for _, attr := range domain.Attributes() {
			row = append(row, a.Outcome(attr).String())
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFiles writes accuracy_<timestamp>.{txt,json,csv} into outputDir.
func WriteFiles(outputDir string, s accuracy.Summary, batch []accuracy.Annotated, at time.Time) (Paths, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return Paths{}, err
	}
	base := filepath.Join(outputDir, "accuracy_"+at.Format("20060102_150405"))
	paths := Paths{Text: base + ".txt", JSON: base + ".json", Detail: base + ".csv"}

	if err := os.WriteFile(paths.Text, []byte(Text(s, at)), 0644); err != nil {
		return Paths{}, fmt.Errorf("write text report: %w", err)
	}
	if err := writeWith(paths.JSON, func(w io.Writer) error { return WriteJSON(w, s) }); err != nil {
		return Paths{}, fmt.Errorf("write json report: %w", err)
	}
	if err := writeWith(paths.Detail, func(w io.Writer) error { return WriteDetailCSV(w, batch) }); err != nil {
		return Paths{}, fmt.Errorf("write detail csv: %w", err)
	}
	return paths, nil
}

func writeWith(path string, fn func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// RunHistory renders stored runs newest first.
func RunHistory(runs []domain.EvaluationRun, loc *time.Location) string {
	if len(runs) == 0 {
		return "No evaluation runs yet."
	}
	if loc == nil {
		loc = time.UTC
	}
	var sb strings.Builder
	sb.WriteString("*Recent Evaluation Runs*\n")
	for _, r := range runs {
		sb.WriteString(fmt.Sprintf("- %s: %.1f%% overall (%s), %d records",
			r.StartedAt.In(loc).Format("2006-01-02 15:04"), r.OverallAccuracy, r.Readiness, r.TotalRecords))
		if r.Skipped > 0 {
			sb.WriteString(fmt.Sprintf(", %d skipped", r.Skipped))
		}
		parts := make([]string, 0, domain.NumAttributes)
		for _, attr := range domain.Attributes() {
			parts = append(parts, fmt.Sprintf("%s %.0f%%", attr, r.AttributeAccuracy[attr]))
		}
		sb.WriteString(" | " + strings.Join(parts, ", ") + "\n")
	}
	if len(runs) > 1 {
		delta := runs[0].OverallAccuracy - runs[1].OverallAccuracy
		sb.WriteString(fmt.Sprintf("\nChange since previous run: %+.1f points\n", delta))
	}
	return sb.String()
}
