package schedule

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"holderbot/internal/accuracy"
	"holderbot/internal/config"
	"holderbot/internal/evaluate"
	"holderbot/internal/report"
	"holderbot/internal/vocab"
)

// MapperSource returns the mapper to evaluate with. It is read at the
// start of every run so learned synonyms are picked up.
type MapperSource interface {
	Get() *vocab.Mapper
}

// Job is one scheduled classify and evaluate pass.
type Job struct {
	Runner    *evaluate.Runner
	Mappers   MapperSource
	ReportDir string
	Notify    func(text string) error
	Now       func() time.Time
}

func (j *Job) now() time.Time {
	if j.Now != nil {
		return j.Now()
	}
	return time.Now()
}

// RunOnce classifies pending holders when a vision provider is set, then
// evaluates, writes the report files and notifies.
func (j *Job) RunOnce(ctx context.Context) (*evaluate.Run, error) {
	runner := *j.Runner
	if j.Mappers != nil {
		if m := j.Mappers.Get(); m != nil {
			runner.Mapper = m
			runner.Options = accuracy.OptionsFor(m)
		}
	}

	var classified string
	if runner.Classifier != nil {
		res, err := runner.ClassifyPending(ctx)
		if err != nil {
			return nil, fmt.Errorf("classify: %w", err)
		}
		if res.Attempted > 0 {
			classified = fmt.Sprintf("Classified %d holders (%d failed, %d tokens).\n\n", res.Attempted, res.Failed, res.Usage.TotalTokens())
		}
	}

	run, err := runner.Evaluate(ctx)
	if err != nil {
		return run, fmt.Errorf("evaluate: %w", err)
	}
	at := j.now()
	if j.ReportDir != "" {
		paths, err := report.WriteFiles(j.ReportDir, run.Summary, run.Details, at)
		if err != nil {
			log.Printf("scheduled evaluation report error: %v", err)
		} else {
			log.Printf("scheduled evaluation report written: %s", paths.Text)
		}
	}
	if j.Notify != nil {
		if err := j.Notify(classified + report.Text(run.Summary, at)); err != nil {
			log.Printf("scheduled evaluation post error: %v", err)
		}
	}
	return run, nil
}

// Start runs the job on a 5-field cron expression until ctx is done. It
// reports whether a schedule was started.
func Start(ctx context.Context, expr string, loc *time.Location, job *Job) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		log.Println("Scheduled evaluation disabled (evaluate_schedule not set)")
		return false
	}
	sched, err := config.ParseSchedule(expr)
	if err != nil {
		log.Printf("Invalid evaluate_schedule '%s': %v, scheduled evaluation disabled", expr, err)
		return false
	}
	if loc == nil {
		loc = time.Local
	}
	log.Printf("Evaluation scheduled (cron: %s)", expr)

	go func() {
		for {
			now := time.Now().In(loc)
			next := sched.Next(now)
			wait := next.Sub(now)
			log.Printf("Next evaluation at %s (in %s)", next.Format("Mon Jan 2 15:04"), wait.Round(time.Minute))

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				log.Println("Scheduled evaluation stopped")
				return
			case <-timer.C:
			}

			run, err := job.RunOnce(ctx)
			if err != nil {
				log.Printf("Scheduled evaluation error: %v", err)
				continue
			}
			log.Printf("Scheduled evaluation complete: run=%s overall=%.1f readiness=%s",
				run.ID, run.Summary.OverallAccuracy, run.Summary.Readiness)
		}
	}()
	return true
}
