package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"holderbot/internal/domain"
	"holderbot/internal/evaluate"
	"holderbot/internal/ingest"
	slackbot "holderbot/internal/integrations/slack"
	"holderbot/internal/report"
	"holderbot/internal/storage/sqlite"

	"github.com/spf13/cobra"
)

// NewRootCommand builds the holderbot command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "holderbot",
		Short: "Classify holder photos and measure how well they match the SmartMap form",
		Long: `holderbot imports SmartMap holder exports, asks a vision model to describe each
holder photo, maps the answers onto the form vocabularies and reports how often the
suggestions agree with what inspectors recorded.

Configuration is read from config.yaml (or CONFIG_PATH) and environment variables.`,
		SilenceUsage: true,
	}
	root.AddCommand(
		newImportCommand(),
		newClassifyCommand(),
		newEvaluateCommand(),
		newMapCommand(),
		newLearnCommand(),
		newFillPlanCommand(),
		&cobra.Command{
			Use:   "serve",
			Short: "Run the Slack bot and the evaluation schedule",
			Args:  cobra.NoArgs,
			RunE:  runServe,
		},
	)
	return root
}

func newImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <holders.csv>",
		Short: "Import or update holders from a SmartMap CSV export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			imp, err := ingest.ReadHoldersFile(args[0])
			if err != nil {
				return err
			}
			n, err := sqlite.UpsertHolders(e.db, imp.Holders)
			if err != nil {
				return fmt.Errorf("store holders: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d holders (%d rows skipped without Holder_ID)\n", n, imp.Skipped)
			return nil
		},
	}
}

func newClassifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "classify",
		Short: "Download photos and classify every holder without a prediction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()
			if !e.cfg.LLMConfigured() {
				return errors.New("no vision provider configured: set anthropic_api_key or openai_api_key")
			}
			runner, err := e.runner(true)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			res, err := runner.ClassifyPending(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "Classified %d holders: %d succeeded, %d failed (%d input + %d output tokens)\n",
				res.Attempted, res.Succeeded, res.Failed, res.Usage.InputTokens, res.Usage.OutputTokens)
			return err
		},
	}
}

func newEvaluateCommand() *cobra.Command {
	var csvPath string
	var notify bool
	var noFiles bool
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Score predictions against the form values",
		Long: `Score the latest prediction of every classified holder against its form values,
store the run and write accuracy_<timestamp>.{txt,json,csv} into report_output_dir.

With --csv the records come from a detailed analysis export instead of the database
and the run is not stored.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()
			runner, err := e.runner(false)
			if err != nil {
				return err
			}

			var run *evaluate.Run
			if csvPath != "" {
				records, err := ingest.ReadRecordsFile(csvPath)
				if err != nil {
					return err
				}
				run = runner.EvaluateRecords(records)
			} else if run, err = runner.Evaluate(cmd.Context()); err != nil {
				return err
			}

			at := time.Now().In(e.cfg.Location)
			text := report.Text(run.Summary, at)
			fmt.Fprintln(cmd.OutOrStdout(), text)

			if !noFiles {
				paths, err := report.WriteFiles(e.cfg.ReportOutputDir, run.Summary, run.Details, at)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reports written: %s, %s, %s\n", paths.Text, paths.JSON, paths.Detail)
			}
			if notify {
				if !e.cfg.SlackConfigured() {
					return errors.New("--notify needs slack_bot_token and slack_app_token")
				}
				return slackbot.PostSummary(e.slackAPI(), e.cfg.ReportChannelID, text)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&csvPath, "csv", "", "evaluate a detailed analysis CSV instead of the database")
	cmd.Flags().BoolVar(&notify, "notify", false, "post the summary to report_channel_id")
	cmd.Flags().BoolVar(&noFiles, "no-files", false, "print the summary without writing report files")
	return cmd
}

func newMapCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "map <attribute> <label>",
		Short: "Show which form value a model answer maps to",
		Example: `  holderbot map material galvanized steel
  holderbot map owner "municipal"`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			attr, err := domain.ParseAttribute(args[0])
			if err != nil {
				return err
			}
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			raw := strings.Join(args[1:], " ")
			res := e.mapper.Map(attr, raw)
			out := cmd.OutOrStdout()
			if !res.Mapped() {
				fmt.Fprintf(out, "%s %q: no form value (%s)\n", attr, raw, res.Reason)
				return nil
			}
			fmt.Fprintf(out, "%s %q -> %s (confidence %.2f, %s: %s)\n", attr, raw, res.Label, res.Confidence, res.Tier, res.Reason)
			return nil
		},
	}
}

func newLearnCommand() *cobra.Command {
	var confidence float64
	cmd := &cobra.Command{
		Use:   "learn <attribute> <model answer> <form value>",
		Short: "Add a synonym rule to rules_path and record the correction",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			attr, err := domain.ParseAttribute(args[0])
			if err != nil {
				return err
			}
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			m, err := evaluate.Learn(e.db, e.cfg.RulesPath, attr, args[1], args[2], confidence, "cli")
			if err != nil {
				return err
			}
			res := m.Map(attr, args[1])
			fmt.Fprintf(cmd.OutOrStdout(), "%s %q now maps to %s (confidence %.2f)\n", attr, args[1], res.Label, res.Confidence)
			return nil
		},
	}
	cmd.Flags().Float64Var(&confidence, "confidence", 0.85, "base confidence of the new rule")
	return cmd
}

func newFillPlanCommand() *cobra.Command {
	var threshold float64
	var outPath string
	cmd := &cobra.Command{
		Use:   "fill-plan",
		Short: "List empty form fields that can be filled from predictions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()
			if !cmd.Flags().Changed("threshold") {
				threshold = e.cfg.LLMConfidence
			}
			if threshold < 0 || threshold > 1 {
				return fmt.Errorf("threshold %.2f must be between 0 and 1", threshold)
			}
			runner, err := e.runner(false)
			if err != nil {
				return err
			}
			actions, err := runner.FillPlan(cmd.Context(), threshold)
			if err != nil {
				return err
			}
			if actions == nil {
				actions = []domain.FillAction{}
			}

			var w io.Writer = cmd.OutOrStdout()
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return fmt.Errorf("create %s: %w", outPath, err)
				}
				defer f.Close()
				w = f
			}
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			if err := enc.Encode(actions); err != nil {
				return fmt.Errorf("write fill plan: %w", err)
			}
			if outPath != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d fill actions to %s\n", len(actions), outPath)
			}
			return nil
		},
	}
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "minimum combined confidence (default llm_confidence_threshold)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write the plan to a file instead of stdout")
	return cmd
}
