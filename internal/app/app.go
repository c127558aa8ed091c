package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"holderbot/internal/accuracy"
	"holderbot/internal/config"
	"holderbot/internal/domain"
	"holderbot/internal/evaluate"
	"holderbot/internal/httpx"
	slackbot "holderbot/internal/integrations/slack"
	"holderbot/internal/integrations/llm"
	"holderbot/internal/photos"
	"holderbot/internal/schedule"
	"holderbot/internal/storage/sqlite"
	"holderbot/internal/vocab"

	"github.com/slack-go/slack"
	"github.com/spf13/cobra"
)

func Main() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// env holds what every command needs once configuration is loaded.
type env struct {
	cfg    config.Config
	db     *sql.DB
	mapper *vocab.Mapper
}

func openEnv() (*env, error) {
	cfg := config.LoadConfig()
	appliedHTTPTimeout := httpx.ConfigureExternalHTTPClient(cfg.ExternalHTTPTimeoutSeconds)
	log.Printf(
		"Config loaded. Provider=%s Model=%s Workers=%d Threshold=%.2f Rules=%s Timezone=%s ExternalHTTPTimeout=%s",
		cfg.LLMProvider,
		cfg.LLMModel,
		cfg.ClassifyWorkers,
		cfg.LLMConfidence,
		cfg.RulesPath,
		cfg.Timezone,
		appliedHTTPTimeout,
	)

	mapper, err := vocab.Load(cfg.RulesPath)
	if err != nil {
		return nil, fmt.Errorf("load mapping rules: %w", err)
	}

	db, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	log.Printf("Database initialized at %s", cfg.DBPath)
	return &env{cfg: cfg, db: db, mapper: mapper}, nil
}

func (e *env) Close() {
	if e.db != nil {
		_ = e.db.Close()
	}
}

// runner builds an evaluation runner. The vision classifier is only
// attached when a provider is configured.
func (e *env) runner(withClassifier bool) (*evaluate.Runner, error) {
	r := &evaluate.Runner{
		DB:      e.db,
		Mapper:  e.mapper,
		Options: accuracy.OptionsFor(e.mapper),
		Photos:  photos.NewFetcher(e.cfg.PhotoDir, e.cfg.PhotoRefresh),
		Workers: e.cfg.ClassifyWorkers,
	}
	if !withClassifier {
		return r, nil
	}
	var vocabularies [domain.NumAttributes][]string
	for _, attr := range domain.Attributes() {
		vocabularies[attr] = e.mapper.Vocabulary(attr)
	}
	classifier, err := llm.New(e.cfg, vocabularies)
	if err != nil {
		return nil, err
	}
	r.Classifier = classifier
	return r, nil
}

func (e *env) slackAPI() *slack.Client {
	return slack.New(
		e.cfg.SlackBotToken,
		slack.OptionAppLevelToken(e.cfg.SlackAppToken),
	)
}

func runServe(cmd *cobra.Command, _ []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	if err := os.MkdirAll(e.cfg.ReportOutputDir, 0755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	log.Printf("Report output dir: %s", e.cfg.ReportOutputDir)

	runner, err := e.runner(e.cfg.LLMConfigured())
	if err != nil {
		return err
	}
	mappers := slackbot.NewMapperStore(e.mapper)

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	job := &schedule.Job{Runner: runner, Mappers: mappers, ReportDir: e.cfg.ReportOutputDir}
	if !e.cfg.SlackConfigured() {
		if !schedule.Start(ctx, e.cfg.EvaluateSchedule, e.cfg.Location, job) {
			return fmt.Errorf("nothing to serve: configure slack tokens or evaluate_schedule")
		}
		log.Println("Slack not configured; running the evaluation schedule only")
		<-ctx.Done()
		return nil
	}

	api := e.slackAPI()
	if e.cfg.ReportChannelID != "" {
		job.Notify = func(text string) error { return slackbot.PostSummary(api, e.cfg.ReportChannelID, text) }
	}
	schedule.Start(ctx, e.cfg.EvaluateSchedule, e.cfg.Location, job)

	log.Println("Starting HolderBot...")
	return slackbot.StartSlackBot(e.cfg, e.db, api, mappers)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
