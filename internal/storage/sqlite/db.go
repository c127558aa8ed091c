package sqlite

import (
	"database/sql"
	"time"

	"holderbot/internal/domain"

	_ "github.com/mattn/go-sqlite3"
)

func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS holders (
		id          TEXT PRIMARY KEY,
		main_id     TEXT DEFAULT '',
		page        INTEGER DEFAULT 0,
		street      TEXT DEFAULT '',
		photo_url   TEXT DEFAULT '',
		material    TEXT DEFAULT '',
		owner       TEXT DEFAULT '',
		type        TEXT DEFAULT '',
		imported_at DATETIME NOT NULL,
		updated_at  DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_holders_main_id ON holders(main_id);

	CREATE TABLE IF NOT EXISTS predictions (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		holder_id    TEXT NOT NULL,
		material     TEXT DEFAULT '',
		owner        TEXT DEFAULT '',
		type         TEXT DEFAULT '',
		confidence   REAL,
		description  TEXT DEFAULT '',
		provider     TEXT DEFAULT '',
		model        TEXT DEFAULT '',
		image_path   TEXT DEFAULT '',
		error        TEXT DEFAULT '',
		predicted_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_predictions_holder ON predictions(holder_id);
	CREATE INDEX IF NOT EXISTS idx_predictions_date ON predictions(predicted_at);

	CREATE TABLE IF NOT EXISTS evaluation_runs (
		id                TEXT PRIMARY KEY,
		started_at        DATETIME NOT NULL,
		total_records     INTEGER NOT NULL,
		skipped           INTEGER NOT NULL,
		overall_accuracy  REAL NOT NULL,
		readiness         TEXT NOT NULL,
		material_accuracy REAL NOT NULL,
		owner_accuracy    REAL NOT NULL,
		type_accuracy     REAL NOT NULL,
		summary_json      TEXT DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON evaluation_runs(started_at);

	CREATE TABLE IF NOT EXISTS mapping_corrections (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		attribute    TEXT NOT NULL,
		raw_value    TEXT NOT NULL,
		target       TEXT NOT NULL,
		confidence   REAL NOT NULL,
		corrected_by TEXT DEFAULT '',
		corrected_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_mc_date ON mapping_corrections(corrected_at);
	`
	_, err = db.Exec(schema)
	if err != nil {
		return nil, err
	}

	// Migration: add error column to predictions from before failures were recorded.
	var colCount int
	_ = db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('predictions') WHERE name = 'error'`).Scan(&colCount)
	if colCount == 0 {
		_, _ = db.Exec(`ALTER TABLE predictions ADD COLUMN error TEXT DEFAULT ''`)
	}

	return db, nil
}

// --- Holders ---

// UpsertHolders inserts new holders and refreshes existing ones. The
// original import time is kept on update.
func UpsertHolders(db *sql.DB, holders []domain.Holder) (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO holders (id, main_id, page, street, photo_url, material, owner, type, imported_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   main_id = excluded.main_id,
		   page = excluded.page,
		   street = excluded.street,
		   photo_url = excluded.photo_url,
		   material = excluded.material,
		   owner = excluded.owner,
		   type = excluded.type,
		   updated_at = excluded.updated_at`,
	)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	upserted := 0
	for _, h := range holders {
		imported := h.ImportedAt
		if imported.IsZero() {
			imported = now
		}
		_, err := stmt.Exec(
			h.ID, h.MainID, h.Page, h.Street, h.PhotoURL,
			h.Form[domain.AttrMaterial], h.Form[domain.AttrOwner], h.Form[domain.AttrType],
			imported, now,
		)
		if err != nil {
			return upserted, err
		}
		upserted++
	}

	return upserted, tx.Commit()
}

const holderColumns = `id, main_id, page, street, photo_url, material, owner, type, imported_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanHolder(s scanner) (domain.Holder, error) {
	var h domain.Holder
	err := s.Scan(
		&h.ID, &h.MainID, &h.Page, &h.Street, &h.PhotoURL,
		&h.Form[domain.AttrMaterial], &h.Form[domain.AttrOwner], &h.Form[domain.AttrType],
		&h.ImportedAt, &h.UpdatedAt,
	)
	return h, err
}

func queryHolders(db *sql.DB, query string, args ...any) ([]domain.Holder, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holders []domain.Holder
	for rows.Next() {
		h, err := scanHolder(rows)
		if err != nil {
			return nil, err
		}
		holders = append(holders, h)
	}
	return holders, rows.Err()
}

func GetHolders(db *sql.DB) ([]domain.Holder, error) {
	return queryHolders(db, `SELECT `+holderColumns+` FROM holders ORDER BY id`)
}

func GetHolderByID(db *sql.DB, id string) (domain.Holder, error) {
	return scanHolder(db.QueryRow(`SELECT `+holderColumns+` FROM holders WHERE id = ?`, id))
}

// GetHoldersWithoutPrediction lists holders that have a photo but no
// successful prediction yet.
func GetHoldersWithoutPrediction(db *sql.DB) ([]domain.Holder, error) {
	return queryHolders(db,
		`SELECT `+holderColumns+` FROM holders h
		 WHERE trim(h.photo_url) <> ''
		   AND NOT EXISTS (
		     SELECT 1 FROM predictions p WHERE p.holder_id = h.id AND p.error = ''
		   )
		 ORDER BY h.id`,
	)
}

// --- Predictions ---

func InsertPredictions(db *sql.DB, preds []domain.Prediction) error {
	if len(preds) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO predictions
		 (holder_id, material, owner, type, confidence, description, provider, model, image_path, error, predicted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range preds {
		predictedAt := p.PredictedAt
		if predictedAt.IsZero() {
			predictedAt = time.Now().UTC()
		}
		var conf sql.NullFloat64
		if p.Confidence != nil {
			conf = sql.NullFloat64{Float64: *p.Confidence, Valid: true}
		}
		if _, err := stmt.Exec(
			p.HolderID, p.Labels[domain.AttrMaterial], p.Labels[domain.AttrOwner], p.Labels[domain.AttrType],
			conf, p.Description, p.Provider, p.Model, p.ImagePath, p.Error, predictedAt,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetLatestPredictions returns the newest prediction per holder, keyed by
// holder id. A later failure does not hide an earlier successful answer.
func GetLatestPredictions(db *sql.DB) (map[string]domain.Prediction, error) {
	rows, err := db.Query(
		`SELECT id, holder_id, material, owner, type, confidence, description,
		        provider, model, image_path, error, predicted_at
		 FROM predictions
		 ORDER BY holder_id, predicted_at, id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]domain.Prediction)
	for rows.Next() {
		var p domain.Prediction
		var conf sql.NullFloat64
		if err := rows.Scan(
			&p.ID, &p.HolderID, &p.Labels[domain.AttrMaterial], &p.Labels[domain.AttrOwner], &p.Labels[domain.AttrType],
			&conf, &p.Description, &p.Provider, &p.Model, &p.ImagePath, &p.Error, &p.PredictedAt,
		); err != nil {
			return nil, err
		}
		if conf.Valid {
			p.Confidence = domain.Float64Ptr(conf.Float64)
		}
		if prev, ok := out[p.HolderID]; ok && p.Error != "" && prev.Error == "" {
			continue
		}
		out[p.HolderID] = p
	}
	return out, rows.Err()
}

// --- Evaluation runs ---

func InsertEvaluationRun(db *sql.DB, run domain.EvaluationRun) error {
	_, err := db.Exec(
		`INSERT INTO evaluation_runs
		 (id, started_at, total_records, skipped, overall_accuracy, readiness,
		  material_accuracy, owner_accuracy, type_accuracy, summary_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt, run.TotalRecords, run.Skipped, run.OverallAccuracy, run.Readiness,
		run.AttributeAccuracy[domain.AttrMaterial], run.AttributeAccuracy[domain.AttrOwner],
		run.AttributeAccuracy[domain.AttrType], run.SummaryJSON,
	)
	return err
}

func GetRecentEvaluationRuns(db *sql.DB, limit int) ([]domain.EvaluationRun, error) {
	rows, err := db.Query(
		`SELECT id, started_at, total_records, skipped, overall_accuracy, readiness,
		        material_accuracy, owner_accuracy, type_accuracy, summary_json
		 FROM evaluation_runs
		 ORDER BY started_at DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.EvaluationRun
	for rows.Next() {
		var r domain.EvaluationRun
		if err := rows.Scan(
			&r.ID, &r.StartedAt, &r.TotalRecords, &r.Skipped, &r.OverallAccuracy, &r.Readiness,
			&r.AttributeAccuracy[domain.AttrMaterial], &r.AttributeAccuracy[domain.AttrOwner],
			&r.AttributeAccuracy[domain.AttrType], &r.SummaryJSON,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Mapping corrections ---

type MappingCorrection struct {
	ID          int64
	Attribute   string
	RawValue    string
	Target      string
	Confidence  float64
	CorrectedBy string
	CorrectedAt time.Time
}

func InsertMappingCorrection(db *sql.DB, c MappingCorrection) error {
	correctedAt := c.CorrectedAt
	if correctedAt.IsZero() {
		correctedAt = time.Now().UTC()
	}
	_, err := db.Exec(
		`INSERT INTO mapping_corrections (attribute, raw_value, target, confidence, corrected_by, corrected_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.Attribute, c.RawValue, c.Target, c.Confidence, c.CorrectedBy, correctedAt,
	)
	return err
}

func GetRecentCorrections(db *sql.DB, since time.Time, limit int) ([]MappingCorrection, error) {
	rows, err := db.Query(
		`SELECT id, attribute, raw_value, target, confidence, corrected_by, corrected_at
		 FROM mapping_corrections
		 WHERE corrected_at >= ?
		 ORDER BY corrected_at DESC, id DESC
		 LIMIT ?`,
		since, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MappingCorrection
	for rows.Next() {
		var c MappingCorrection
		if err := rows.Scan(
			&c.ID, &c.Attribute, &c.RawValue, &c.Target, &c.Confidence, &c.CorrectedBy, &c.CorrectedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
