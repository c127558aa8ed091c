package evaluate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"holderbot/internal/accuracy"
	"holderbot/internal/domain"
	"holderbot/internal/integrations/llm"
	"holderbot/internal/photos"
	"holderbot/internal/storage/sqlite"
	"holderbot/internal/vocab"

	"github.com/google/uuid"
)

// State is the position of a run in its lifecycle. Runs move strictly
// forward: collected, mapped, aggregated, reported.
type State string

const (
	StateCollected  State = "collected"
	StateMapped     State = "mapped"
	StateAggregated State = "aggregated"
	StateReported   State = "reported"
)

// PhotoFetcher returns a local path for a holder photo.
type PhotoFetcher interface {
	Fetch(ctx context.Context, h domain.Holder) (string, error)
}

type Runner struct {
	DB         *sql.DB
	Mapper     *vocab.Mapper
	Options    accuracy.Options
	Classifier llm.Classifier
	Photos     PhotoFetcher
	Workers    int
	Now        func() time.Time
}

// Run is one evaluation batch.
type Run struct {
	ID        string
	StartedAt time.Time
	State     State
	Records   []domain.ClassificationRecord
	Details   []accuracy.Annotated
	Summary   accuracy.Summary
}

func (r *Run) advance(to State) {
	r.State = to
	log.Printf("evaluate run=%s state=%s", r.ID, to)
}

type ClassifyResult struct {
	Attempted int
	Succeeded int
	Failed    int
	Usage     llm.Usage
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

func (r *Runner) workers(total int) int {
	n := r.Workers
	if n < 1 {
		n = 1
	}
	if total > 0 && n > total {
		n = total
	}
	return n
}

// ClassifyPending classifies every holder that has a photo but no
// successful prediction.
func (r *Runner) ClassifyPending(ctx context.Context) (ClassifyResult, error) {
	holders, err := sqlite.GetHoldersWithoutPrediction(r.DB)
	if err != nil {
		return ClassifyResult{}, fmt.Errorf("load pending holders: %w", err)
	}
	return r.Classify(ctx, holders)
}

// Classify fetches each holder photo and asks the vision model for raw
// labels. Photo and model failures become prediction rows with an error
// and empty labels; they never abort the batch. All rows are written in
// one transaction once the workers finish.
func (r *Runner) Classify(ctx context.Context, holders []domain.Holder) (ClassifyResult, error) {
	if r.Classifier == nil {
		return ClassifyResult{}, errors.New("no vision provider configured")
	}
	if r.Photos == nil {
		return ClassifyResult{}, errors.New("no photo fetcher configured")
	}
	if len(holders) == 0 {
		return ClassifyResult{}, nil
	}

	type outcome struct {
		pred  domain.Prediction
		usage llm.Usage
		done  bool
	}
	results := make([]outcome, len(holders))

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < r.workers(len(holders)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				pred, usage := r.classifyOne(ctx, holders[idx])
				results[idx] = outcome{pred: pred, usage: usage, done: true}
			}
		}()
	}
	for i := range holders {
		if ctx.Err() != nil {
			break
		}
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	var res ClassifyResult
	preds := make([]domain.Prediction, 0, len(holders))
	for _, o := range results {
		if !o.done {
			continue
		}
		res.Attempted++
		res.Usage.Add(o.usage)
		if o.pred.Error != "" {
			res.Failed++
		} else {
			res.Succeeded++
		}
		preds = append(preds, o.pred)
	}
	if err := sqlite.InsertPredictions(r.DB, preds); err != nil {
		return res, fmt.Errorf("store predictions: %w", err)
	}
	log.Printf("classify attempted=%d succeeded=%d failed=%d tokens=%d", res.Attempted, res.Succeeded, res.Failed, res.Usage.TotalTokens())
	return res, ctx.Err()
}

func (r *Runner) classifyOne(ctx context.Context, h domain.Holder) (domain.Prediction, llm.Usage) {
	pred := domain.Prediction{
		HolderID: h.ID,
		Provider: r.Classifier.Provider(),
		Model:    r.Classifier.Model(),
	}
	fail := func(format string, err error) (domain.Prediction, llm.Usage) {
		pred.Error = fmt.Sprintf(format, err)
		pred.PredictedAt = r.now()
		log.Printf("classify holder=%s error=%q", h.ID, pred.Error)
		return pred, llm.Usage{}
	}

	path, err := r.Photos.Fetch(ctx, h)
	if err != nil {
		return fail("photo: %v", err)
	}
	pred.ImagePath = path
	data, mediaType, err := photos.ReadImage(path)
	if err != nil {
		return fail("photo: %v", err)
	}

	answer, usage, err := r.Classifier.ClassifyImage(ctx, llm.ImageInput{HolderID: h.ID, Data: data, MediaType: mediaType})
	if err != nil {
		p, _ := fail("vision: %v", err)
		return p, usage
	}
	pred.Labels = answer.Labels
	pred.Confidence = answer.Confidence
	pred.Description = answer.Description
	pred.PredictedAt = r.now()
	return pred, usage
}

// CollectRecords joins holders with their latest prediction. Holders that
// were never classified are left out; failed predictions contribute an
// empty raw answer.
func (r *Runner) CollectRecords(ctx context.Context) ([]domain.ClassificationRecord, error) {
	holders, err := sqlite.GetHolders(r.DB)
	if err != nil {
		return nil, fmt.Errorf("load holders: %w", err)
	}
	latest, err := sqlite.GetLatestPredictions(r.DB)
	if err != nil {
		return nil, fmt.Errorf("load predictions: %w", err)
	}

	records := make([]domain.ClassificationRecord, 0, len(latest))
	for _, h := range holders {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, ok := latest[h.ID]
		if !ok {
			continue
		}
		rec := domain.ClassificationRecord{ID: h.ID, GroundTruth: h.Form}
		if p.Error == "" {
			rec.Predicted = p.Labels
			rec.Confidence = p.Confidence
		}
		records = append(records, rec)
	}
	return records, nil
}

// EvaluateRecords maps and aggregates an in-memory batch without storing it.
func (r *Runner) EvaluateRecords(records []domain.ClassificationRecord) *Run {
	run := &Run{ID: uuid.NewString(), StartedAt: r.now(), Records: records}
	run.advance(StateCollected)

	run.Details = accuracy.Annotate(records, r.Mapper)
	run.advance(StateMapped)

	run.Summary = accuracy.Aggregate(run.Details, r.Options)
	run.advance(StateAggregated)

	log.Printf("evaluate run=%s records=%d skipped=%d overall=%.1f readiness=%s",
		run.ID, run.Summary.TotalRecords, run.Summary.Skipped, run.Summary.OverallAccuracy, run.Summary.Readiness)
	return run
}

// Evaluate scores the stored holders and persists the run headline.
func (r *Runner) Evaluate(ctx context.Context) (*Run, error) {
	records, err := r.CollectRecords(ctx)
	if err != nil {
		return nil, err
	}
	run := r.EvaluateRecords(records)
	if err := r.Persist(run); err != nil {
		return run, err
	}
	return run, nil
}

// Persist stores the run and marks it reported.
func (r *Runner) Persist(run *Run) error {
	if run.State != StateAggregated {
		return fmt.Errorf("run %s is %s, want %s", run.ID, run.State, StateAggregated)
	}
	summaryJSON, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	row := domain.EvaluationRun{
		ID:              run.ID,
		StartedAt:       run.StartedAt,
		TotalRecords:    run.Summary.TotalRecords,
		Skipped:         run.Summary.Skipped,
		OverallAccuracy: run.Summary.OverallAccuracy,
		Readiness:       string(run.Summary.Readiness),
		SummaryJSON:     string(summaryJSON),
	}
	for _, attr := range domain.Attributes() {
		row.AttributeAccuracy[attr] = run.Summary.Attributes[attr].Accuracy
	}
	if err := sqlite.InsertEvaluationRun(r.DB, row); err != nil {
		return fmt.Errorf("store evaluation run: %w", err)
	}
	run.advance(StateReported)
	return nil
}
