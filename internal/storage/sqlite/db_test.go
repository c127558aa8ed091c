package sqlite

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"holderbot/internal/domain"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "holderbot-test.db")
	db, err := InitDB(dbPath)
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestInitDBIsRepeatable(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "holderbot-test.db")
	for i := 0; i < 2; i++ {
		db, err := InitDB(dbPath)
		if err != nil {
			t.Fatalf("InitDB pass %d failed: %v", i, err)
		}
		var count int
		if err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('predictions') WHERE name = 'error'`).Scan(&count); err != nil {
			t.Fatalf("query pragma_table_info failed: %v", err)
		}
		if count != 1 {
			t.Fatalf("expected error column to exist, count=%d", count)
		}
		_ = db.Close()
	}
}

func TestHolderUpsertAndQueries(t *testing.T) {
	db := newTestDB(t)

	holders := []domain.Holder{
		{ID: "101", MainID: "M1", Page: 1, Street: "Hlavná", PhotoURL: "https://example.com/101.jpg", Form: domain.Labels{"kov", "mesto", "stĺp"}},
		{ID: "102", MainID: "M1", Page: 1, Street: "Hlavná", PhotoURL: "https://example.com/102.jpg"},
		{ID: "103", MainID: "M2", Page: 2, Street: "Mlynská"},
	}
	n, err := UpsertHolders(db, holders)
	if err != nil {
		t.Fatalf("UpsertHolders failed: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 upserted, got %d", n)
	}

	first, err := GetHolderByID(db, "101")
	if err != nil {
		t.Fatalf("GetHolderByID failed: %v", err)
	}
	if first.Form != (domain.Labels{"kov", "mesto", "stĺp"}) || first.Street != "Hlavná" {
		t.Fatalf("unexpected holder: %+v", first)
	}

	// Re-import with a changed form value keeps the import time.
	holders[1].Form = domain.Labels{"betón", "", ""}
	if _, err := UpsertHolders(db, holders[1:2]); err != nil {
		t.Fatalf("UpsertHolders update failed: %v", err)
	}
	updated, err := GetHolderByID(db, "102")
	if err != nil {
		t.Fatalf("GetHolderByID failed: %v", err)
	}
	if updated.Form[domain.AttrMaterial] != "betón" {
		t.Fatalf("expected material update, got %+v", updated.Form)
	}
	if updated.UpdatedAt.Before(updated.ImportedAt) {
		t.Fatalf("updated_at %v is before imported_at %v", updated.UpdatedAt, updated.ImportedAt)
	}

	all, err := GetHolders(db)
	if err != nil {
		t.Fatalf("GetHolders failed: %v", err)
	}
	if len(all) != 3 || all[0].ID != "101" || all[2].ID != "103" {
		t.Fatalf("unexpected holders: %+v", all)
	}

	if _, err := GetHolderByID(db, "999"); err != sql.ErrNoRows {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestPredictionsLatestAndPending(t *testing.T) {
	db := newTestDB(t)
	if _, err := UpsertHolders(db, []domain.Holder{
		{ID: "1", PhotoURL: "https://example.com/1.jpg"},
		{ID: "2", PhotoURL: "https://example.com/2.jpg"},
		{ID: "3", PhotoURL: "https://example.com/3.jpg"},
		{ID: "4"},
	}); err != nil {
		t.Fatalf("UpsertHolders failed: %v", err)
	}

	base := time.Now().UTC().Truncate(time.Second)
	preds := []domain.Prediction{
		{HolderID: "1", Labels: domain.Labels{"steel", "city", "pole"}, Confidence: domain.Float64Ptr(0.8), Provider: "anthropic", PredictedAt: base},
		{HolderID: "1", Labels: domain.Labels{"aluminum", "city", "pole"}, Confidence: domain.Float64Ptr(0.9), Provider: "anthropic", PredictedAt: base.Add(time.Minute)},
		{HolderID: "1", Error: "photo download: 404", PredictedAt: base.Add(2 * time.Minute)},
		{HolderID: "2", Error: "vision: timeout", PredictedAt: base},
		{HolderID: "3", Labels: domain.Labels{"wood", "", ""}, PredictedAt: base},
	}
	if err := InsertPredictions(db, preds); err != nil {
		t.Fatalf("InsertPredictions failed: %v", err)
	}

	latest, err := GetLatestPredictions(db)
	if err != nil {
		t.Fatalf("GetLatestPredictions failed: %v", err)
	}
	if len(latest) != 3 {
		t.Fatalf("expected 3 holders with predictions, got %d", len(latest))
	}
	if p := latest["1"]; p.Labels[domain.AttrMaterial] != "aluminum" || p.Confidence == nil || *p.Confidence != 0.9 {
		t.Fatalf("expected the newest successful prediction, got %+v", p)
	}
	if p := latest["2"]; p.Error == "" {
		t.Fatalf("expected error prediction for holder 2, got %+v", p)
	}
	if p := latest["3"]; p.Confidence != nil {
		t.Fatalf("expected absent confidence, got %v", *p.Confidence)
	}

	pending, err := GetHoldersWithoutPrediction(db)
	if err != nil {
		t.Fatalf("GetHoldersWithoutPrediction failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "2" {
		t.Fatalf("expected only holder 2 to be pending, got %+v", pending)
	}
}

func TestEvaluationRuns(t *testing.T) {
	db := newTestDB(t)
	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		run := domain.EvaluationRun{
			ID:                id,
			StartedAt:         base.Add(time.Duration(i) * time.Hour),
			TotalRecords:      10 + i,
			OverallAccuracy:   60 + float64(i),
			Readiness:         "needs review",
			AttributeAccuracy: [domain.NumAttributes]float64{70, 50, 60 + float64(i)},
			SummaryJSON:       `{}`,
		}
		if err := InsertEvaluationRun(db, run); err != nil {
			t.Fatalf("InsertEvaluationRun failed: %v", err)
		}
	}

	runs, err := GetRecentEvaluationRuns(db, 2)
	if err != nil {
		t.Fatalf("GetRecentEvaluationRuns failed: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-c" || runs[1].ID != "run-b" {
		t.Fatalf("unexpected runs: %+v", runs)
	}
	if runs[0].AttributeAccuracy[domain.AttrType] != 62 || runs[0].TotalRecords != 12 {
		t.Fatalf("unexpected run contents: %+v", runs[0])
	}
}

func TestMappingCorrections(t *testing.T) {
	db := newTestDB(t)
	if err := InsertMappingCorrection(db, MappingCorrection{
		Attribute: "material", RawValue: "corten", Target: "kov", Confidence: 0.8, CorrectedBy: "cli",
	}); err != nil {
		t.Fatalf("InsertMappingCorrection failed: %v", err)
	}
	if err := InsertMappingCorrection(db, MappingCorrection{
		Attribute: "owner", RawValue: "parish", Target: "iný", Confidence: 0.7,
		CorrectedAt: time.Now().UTC().AddDate(0, 0, -30),
	}); err != nil {
		t.Fatalf("InsertMappingCorrection failed: %v", err)
	}

	recent, err := GetRecentCorrections(db, time.Now().UTC().AddDate(0, 0, -7), 10)
	if err != nil {
		t.Fatalf("GetRecentCorrections failed: %v", err)
	}
	if len(recent) != 1 || recent[0].RawValue != "corten" || recent[0].CorrectedBy != "cli" {
		t.Fatalf("unexpected corrections: %+v", recent)
	}
}
