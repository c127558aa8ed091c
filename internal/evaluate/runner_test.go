package evaluate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"holderbot/internal/accuracy"
	"holderbot/internal/domain"
	"holderbot/internal/integrations/llm"
	"holderbot/internal/storage/sqlite"
	"holderbot/internal/vocab"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sqlite.InitDB(filepath.Join(t.TempDir(), "holderbot-test.db"))
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fakeFetcher struct {
	dir     string
	missing map[string]bool
}

func (f *fakeFetcher) Fetch(ctx context.Context, h domain.Holder) (string, error) {
	if f.missing[h.ID] {
		return "", errors.New("status 404")
	}
	p := filepath.Join(f.dir, "holder_"+h.ID+".png")
	return p, os.WriteFile(p, pngHeader, 0644)
}

type fakeClassifier struct {
	mu      sync.Mutex
	answers map[string]llm.Prediction
	calls   int
}

func (c *fakeClassifier) Provider() string { return "fake" }
func (c *fakeClassifier) Model() string    { return "fake-1" }

func (c *fakeClassifier) ClassifyImage(ctx context.Context, img llm.ImageInput) (llm.Prediction, llm.Usage, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if img.MediaType != "image/png" {
		return llm.Prediction{}, llm.Usage{}, fmt.Errorf("unexpected media type %s", img.MediaType)
	}
	p, ok := c.answers[img.HolderID]
	if !ok {
		return llm.Prediction{}, llm.Usage{InputTokens: 10}, fmt.Errorf("%w: no json", llm.ErrUnparseable)
	}
	return p, llm.Usage{InputTokens: 100, OutputTokens: 10}, nil
}

func newRunner(t *testing.T, classifier llm.Classifier, fetcher PhotoFetcher) *Runner {
	t.Helper()
	m, err := vocab.New(vocab.Default())
	if err != nil {
		t.Fatalf("vocab.New failed: %v", err)
	}
	return &Runner{
		DB:         newTestDB(t),
		Mapper:     m,
		Options:    accuracy.OptionsFor(m),
		Classifier: classifier,
		Photos:     fetcher,
		Workers:    3,
	}
}

func seedHolders(t *testing.T, db *sql.DB) {
	t.Helper()
	holders := []domain.Holder{
		{ID: "1", PhotoURL: "u1", Form: domain.Labels{"kov", "mesto", "stĺp značky samostatný"}},
		{ID: "2", PhotoURL: "u2", Form: domain.Labels{"betón", "mesto", "stĺp verejného osvetlenia"}},
		{ID: "3", PhotoURL: "u3", Form: domain.Labels{"kov", "", ""}},
		{ID: "4", PhotoURL: "u4", Form: domain.Labels{"drevo", "súkromný", "stĺp"}},
		{ID: "5", PhotoURL: "u5", Form: domain.Labels{"kov", "štát", "stĺp"}},
		{ID: "6", Form: domain.Labels{"kov", "mesto", "stĺp"}},
	}
	if _, err := sqlite.UpsertHolders(db, holders); err != nil {
		t.Fatalf("UpsertHolders failed: %v", err)
	}
}

func prediction(material, owner, typ string, conf float64) llm.Prediction {
	return llm.Prediction{Labels: domain.Labels{material, owner, typ}, Confidence: domain.Float64Ptr(conf)}
}

func TestClassifyRecordsFailuresAsPredictions(t *testing.T) {
	classifier := &fakeClassifier{answers: map[string]llm.Prediction{
		"1": prediction("aluminum", "city", "sign post", 0.92),
		"2": prediction("concrete", "municipal", "street light", 0.85),
		"3": prediction("steel", "city", "sign post", 0.95),
	}}
	fetcher := &fakeFetcher{dir: t.TempDir(), missing: map[string]bool{"5": true}}
	r := newRunner(t, classifier, fetcher)
	seedHolders(t, r.DB)

	res, err := r.ClassifyPending(context.Background())
	if err != nil {
		t.Fatalf("ClassifyPending failed: %v", err)
	}
	// Holder 6 has no photo url and is not pending.
	if res.Attempted != 5 || res.Succeeded != 3 || res.Failed != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if classifier.calls != 4 {
		t.Fatalf("expected 4 model calls (one photo missing), got %d", classifier.calls)
	}
	if res.Usage.InputTokens != 310 {
		t.Fatalf("unexpected usage: %+v", res.Usage)
	}

	latest, err := sqlite.GetLatestPredictions(r.DB)
	if err != nil {
		t.Fatalf("GetLatestPredictions failed: %v", err)
	}
	if p := latest["5"]; p.Error == "" || p.Labels != (domain.Labels{}) {
		t.Fatalf("expected photo failure row for holder 5, got %+v", p)
	}
	if p := latest["4"]; p.Error == "" {
		t.Fatalf("expected vision failure row for holder 4, got %+v", p)
	}
	if p := latest["1"]; p.Provider != "fake" || p.ImagePath == "" || p.Confidence == nil {
		t.Fatalf("unexpected prediction for holder 1: %+v", p)
	}

	// Failed holders stay pending; successful ones do not.
	pending, err := sqlite.GetHoldersWithoutPrediction(r.DB)
	if err != nil {
		t.Fatalf("GetHoldersWithoutPrediction failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending holders, got %+v", pending)
	}
}

func TestClassifyWithoutProvider(t *testing.T) {
	r := newRunner(t, nil, &fakeFetcher{dir: t.TempDir()})
	if _, err := r.Classify(context.Background(), []domain.Holder{{ID: "1"}}); err == nil {
		t.Fatal("expected an error without a classifier")
	}
}

func TestEvaluatePersistsRun(t *testing.T) {
	classifier := &fakeClassifier{answers: map[string]llm.Prediction{
		"1": prediction("aluminum", "city", "sign post", 0.92),
		"2": prediction("concrete", "municipal", "street light", 0.85),
		"3": prediction("steel", "city", "sign post", 0.95),
	}}
	r := newRunner(t, classifier, &fakeFetcher{dir: t.TempDir(), missing: map[string]bool{"5": true}})
	seedHolders(t, r.DB)
	if _, err := r.ClassifyPending(context.Background()); err != nil {
		t.Fatalf("ClassifyPending failed: %v", err)
	}

	run, err := r.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if run.State != StateReported {
		t.Fatalf("expected reported state, got %s", run.State)
	}
	s := run.Summary
	// Holders 1-5 have predictions; holder 6 was never classified.
	if s.TotalRecords != 5 || s.Skipped != 0 {
		t.Fatalf("unexpected counts: %+v", s)
	}
	mat := s.Attribute(domain.AttrMaterial)
	// 1,2,3 match; 4,5 failed and count as missing.
	if mat.Matches != 3 || mat.Missing != 2 || mat.Mismatches != 0 {
		t.Fatalf("unexpected material stats: %+v", mat.Tally)
	}
	owner := s.Attribute(domain.AttrOwner)
	if owner.Scored() != 4 || owner.NoTruth != 1 || owner.Fillable != 1 {
		t.Fatalf("unexpected owner stats: %+v", owner)
	}

	runs, err := sqlite.GetRecentEvaluationRuns(r.DB, 5)
	if err != nil {
		t.Fatalf("GetRecentEvaluationRuns failed: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != run.ID || runs[0].AttributeAccuracy[domain.AttrMaterial] != mat.Accuracy {
		t.Fatalf("unexpected stored runs: %+v", runs)
	}
	var stored accuracy.Summary
	if err := json.Unmarshal([]byte(runs[0].SummaryJSON), &stored); err != nil {
		t.Fatalf("stored summary is not json: %v", err)
	}
	if stored.Attributes[domain.AttrOwner].Attribute != domain.AttrOwner || stored.TotalRecords != 5 {
		t.Fatalf("unexpected stored summary: %+v", stored)
	}
}

func TestPersistRequiresAggregatedRun(t *testing.T) {
	r := newRunner(t, nil, nil)
	run := &Run{ID: "x", State: StateMapped}
	if err := r.Persist(run); err == nil {
		t.Fatal("expected Persist to refuse a run that was not aggregated")
	}
}

func TestEvaluateRecordsIsOffline(t *testing.T) {
	r := newRunner(t, nil, nil)
	run := r.EvaluateRecords([]domain.ClassificationRecord{
		{ID: "a", GroundTruth: domain.Labels{"kov", "", ""}, Predicted: domain.Labels{"steel", "", ""}, Confidence: domain.Float64Ptr(0.9)},
		{ID: "", GroundTruth: domain.Labels{"kov", "", ""}, Predicted: domain.Labels{"steel", "", ""}},
	})
	if run.State != StateAggregated || run.Summary.Skipped != 1 || len(run.Details) != 2 {
		t.Fatalf("unexpected run: state=%s summary=%+v", run.State, run.Summary)
	}
	runs, err := sqlite.GetRecentEvaluationRuns(r.DB, 5)
	if err != nil {
		t.Fatalf("GetRecentEvaluationRuns failed: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("offline evaluation must not be stored, got %d runs", len(runs))
	}
}

func TestPlanFills(t *testing.T) {
	m, err := vocab.New(vocab.Default())
	if err != nil {
		t.Fatalf("vocab.New failed: %v", err)
	}
	batch := accuracy.Annotate([]domain.ClassificationRecord{
		// owner and type are empty on the form.
		{ID: "2", GroundTruth: domain.Labels{"kov", "", ""}, Predicted: domain.Labels{"steel", "mesto", "street light"}, Confidence: domain.Float64Ptr(0.9)},
		// low model confidence.
		{ID: "1", GroundTruth: domain.Labels{"", "", ""}, Predicted: domain.Labels{"kov", "mesto", "stĺp"}, Confidence: domain.Float64Ptr(0.5)},
		// no model confidence.
		{ID: "3", GroundTruth: domain.Labels{"", "", ""}, Predicted: domain.Labels{"kov", "", ""}},
		// unmapped suggestion.
		{ID: "4", GroundTruth: domain.Labels{"", "", ""}, Predicted: domain.Labels{"granite", "", ""}, Confidence: domain.Float64Ptr(1)},
	}, m)

	actions := PlanFills(batch, 0.7)
	if len(actions) != 2 {
		t.Fatalf("expected two fill actions, got %+v", actions)
	}
	if actions[0].HolderID != "2" || actions[0].Attribute != "owner" || actions[0].Label != "mesto" || actions[0].Confidence != 0.9 {
		t.Fatalf("unexpected first action: %+v", actions[0])
	}
	if actions[1].Attribute != "type" || actions[1].Label != "stĺp verejného osvetlenia" || actions[1].RawValue != "street light" {
		t.Fatalf("unexpected second action: %+v", actions[1])
	}

	if got := PlanFills(batch, 0.4); len(got) != 5 {
		t.Fatalf("expected lower threshold to add holder 1's fields, got %+v", got)
	}
	for _, a := range PlanFills(batch, 0) {
		if a.HolderID == "3" {
			t.Fatalf("answer without model confidence must not be filled: %+v", a)
		}
	}
}

func TestLearnUpdatesRulesAndRecordsCorrection(t *testing.T) {
	db := newTestDB(t)
	rules := filepath.Join(t.TempDir(), "rules.yaml")

	m, err := Learn(db, rules, domain.AttrMaterial, "Corten", "KOV", 0.85, "U123")
	if err != nil {
		t.Fatalf("Learn failed: %v", err)
	}
	if res := m.Map(domain.AttrMaterial, "corten"); res.Label != "kov" || res.Tier != vocab.TierSynonym || res.Confidence != 0.85 {
		t.Fatalf("expected learned synonym, got %+v", res)
	}

	corrections, err := sqlite.GetRecentCorrections(db, time.Time{}, 10)
	if err != nil {
		t.Fatalf("GetRecentCorrections failed: %v", err)
	}
	if len(corrections) != 1 || corrections[0].Target != "kov" || corrections[0].CorrectedBy != "U123" {
		t.Fatalf("unexpected corrections: %+v", corrections)
	}

	if _, err := Learn(db, rules, domain.AttrMaterial, "granite", "stone", 0.8, "cli"); err == nil {
		t.Fatal("expected an error for a target outside the vocabulary")
	}
	if _, err := Learn(db, "", domain.AttrMaterial, "granite", "kov", 0.8, "cli"); err == nil {
		t.Fatal("expected an error without a rules path")
	}
}

func TestLearnRelearnsExistingSynonym(t *testing.T) {
	db := newTestDB(t)
	rules := filepath.Join(t.TempDir(), "rules.yaml")

	m, err := Learn(db, rules, domain.AttrMaterial, "steel", "betón", 0.85, "U1")
	if err != nil {
		t.Fatalf("Learn failed: %v", err)
	}
	if res := m.Map(domain.AttrMaterial, "steel"); res.Label != "betón" || res.Tier != vocab.TierSynonym {
		t.Fatalf("expected steel to map to betón, got %+v", res)
	}
	reloaded, err := vocab.Load(rules)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if res := reloaded.Map(domain.AttrMaterial, "steel"); res.Label != "betón" {
		t.Fatalf("saved rules map steel to %+v", res)
	}

	corrections, err := sqlite.GetRecentCorrections(db, time.Time{}, 10)
	if err != nil {
		t.Fatalf("GetRecentCorrections failed: %v", err)
	}
	if len(corrections) != 1 || corrections[0].Target != "betón" {
		t.Fatalf("unexpected corrections: %+v", corrections)
	}
}

func TestLearnRejectsOtherFormValue(t *testing.T) {
	db := newTestDB(t)
	rules := filepath.Join(t.TempDir(), "rules.yaml")

	if _, err := Learn(db, rules, domain.AttrMaterial, "drevo", "kov", 0.85, "U1"); err == nil {
		t.Fatal("expected an error when raw is another form value")
	}
	corrections, err := sqlite.GetRecentCorrections(db, time.Time{}, 10)
	if err != nil {
		t.Fatalf("GetRecentCorrections failed: %v", err)
	}
	if len(corrections) != 0 {
		t.Fatalf("expected no correction for a rejected lesson, got %+v", corrections)
	}
}

func TestLearnTurnsPartialMatchIntoSynonym(t *testing.T) {
	db := newTestDB(t)
	rules := filepath.Join(t.TempDir(), "rules.yaml")

	before := vocab.MustDefault().Map(domain.AttrType, "stĺp značky")
	if before.Label != "stĺp" || before.Tier != vocab.TierPartial {
		t.Fatalf("expected a partial stĺp match before learning, got %+v", before)
	}

	m, err := Learn(db, rules, domain.AttrType, "stĺp značky", "stĺp značky samostatný", 0.85, "U1")
	if err != nil {
		t.Fatalf("Learn failed: %v", err)
	}
	res := m.Map(domain.AttrType, "stĺp značky")
	if res.Label != "stĺp značky samostatný" || res.Tier != vocab.TierSynonym || res.Confidence != 0.85 {
		t.Fatalf("expected learned synonym to win over the partial match, got %+v", res)
	}
}

func TestLearnAlreadyMappedStillWritesRules(t *testing.T) {
	db := newTestDB(t)
	rules := filepath.Join(t.TempDir(), "rules.yaml")

	m, err := Learn(db, rules, domain.AttrOwner, "municipal", "mesto", 0.85, "U1")
	if err != nil {
		t.Fatalf("Learn failed: %v", err)
	}
	if res := m.Map(domain.AttrOwner, "municipal"); res.Label != "mesto" || res.Confidence != 0.9 {
		t.Fatalf("expected the existing rule to stay in place, got %+v", res)
	}
	if _, err := vocab.Load(rules); err != nil {
		t.Fatalf("expected a rules file after learning: %v", err)
	}
	corrections, err := sqlite.GetRecentCorrections(db, time.Time{}, 10)
	if err != nil {
		t.Fatalf("GetRecentCorrections failed: %v", err)
	}
	if len(corrections) != 1 || corrections[0].Target != "mesto" {
		t.Fatalf("unexpected corrections: %+v", corrections)
	}
}
