package slackbot

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"holderbot/internal/config"
	"holderbot/internal/domain"
	"holderbot/internal/evaluate"
	"holderbot/internal/report"
	"holderbot/internal/storage/sqlite"
	"holderbot/internal/vocab"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const (
	statsRunLimit         = 5
	statsCorrectionLimit  = 10
	statsCorrectionWindow = 28 * 24 * time.Hour
	learnedConfidence     = 0.85
)

// MapperStore shares the active mapper between the bot and the scheduler.
// Learned synonyms replace it while commands are being served.
type MapperStore struct {
	mu     sync.RWMutex
	m      *vocab.Mapper
	update sync.Mutex
}

func NewMapperStore(m *vocab.Mapper) *MapperStore {
	return &MapperStore{m: m}
}

func (s *MapperStore) Get() *vocab.Mapper {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m
}

func (s *MapperStore) Set(m *vocab.Mapper) {
	s.mu.Lock()
	s.m = m
	s.mu.Unlock()
}

// Update runs fn and stores the mapper it returns. Concurrent updates run
// one at a time so an older mapper never replaces a newer one.
func (s *MapperStore) Update(fn func() (*vocab.Mapper, error)) (*vocab.Mapper, error) {
	s.update.Lock()
	defer s.update.Unlock()
	m, err := fn()
	if m != nil {
		s.Set(m)
	}
	return m, err
}

// PostSummary posts an evaluation dashboard to a channel.
func PostSummary(api *slack.Client, channelID, text string) error {
	if strings.TrimSpace(channelID) == "" {
		return errors.New("report_channel_id is not configured")
	}
	_, _, err := api.PostMessage(channelID, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("post summary to %s: %w", channelID, err)
	}
	log.Printf("summary posted channel=%s", channelID)
	return nil
}

func StartSlackBot(cfg config.Config, db *sql.DB, api *slack.Client, mappers *MapperStore) error {
	client := socketmode.New(api)

	go func() {
		for evt := range client.Events {
			switch evt.Type {
			case socketmode.EventTypeSlashCommand:
				client.Ack(*evt.Request)
				cmd, ok := evt.Data.(slack.SlashCommand)
				if !ok {
					continue
				}
				log.Printf("Slash command received: %s from user=%s channel=%s", cmd.Command, cmd.UserID, cmd.ChannelID)
				go handleSlashCommand(api, db, cfg, mappers, cmd)
			case socketmode.EventTypeEventsAPI:
				client.Ack(*evt.Request)
				eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				go handleEventsAPI(api, cfg, eventsAPIEvent)
			}
		}
	}()

	log.Println("Slack bot connected via Socket Mode")
	return client.Run()
}

func handleSlashCommand(api *slack.Client, db *sql.DB, cfg config.Config, mappers *MapperStore, cmd slack.SlashCommand) {
	switch cmd.Command {
	case "/holder-stats":
		postEphemeral(api, cmd, statsText(db, cfg.Location, time.Now()))
		log.Printf("holder-stats sent user=%s", cmd.UserID)
	case "/holder-map":
		handleMap(api, mappers.Get(), cmd)
	case "/holder-learn":
		handleLearn(api, db, cfg, mappers, cmd)
	case "/holder-help":
		postEphemeral(api, cmd, helpText())
	}
}

func handleEventsAPI(api *slack.Client, cfg config.Config, event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	if ev, ok := event.InnerEvent.Data.(*slackevents.MemberJoinedChannelEvent); ok {
		if ev.Channel != cfg.ReportChannelID {
			return
		}
		_, err := api.PostEphemeral(ev.Channel, ev.User, slack.MsgOptionText(helpText(), false))
		if err != nil {
			log.Printf("intro error user=%s: %v", ev.User, err)
		}
	}
}

func handleMap(api *slack.Client, m *vocab.Mapper, cmd slack.SlashCommand) {
	attr, raw, err := parseMapArgs(cmd.Text)
	if err != nil {
		postEphemeral(api, cmd, err.Error())
		return
	}
	postEphemeral(api, cmd, formatMapResult(attr, raw, m.Map(attr, raw)))
}

func handleLearn(api *slack.Client, db *sql.DB, cfg config.Config, mappers *MapperStore, cmd slack.SlashCommand) {
	if !cfg.CanLearn(cmd.UserID) {
		postEphemeral(api, cmd, "You are not allowed to change mapping rules. Ask an admin to add you to slack_learner_ids.")
		log.Printf("holder-learn denied user=%s", cmd.UserID)
		return
	}
	attr, raw, target, err := parseLearnArgs(cmd.Text)
	if err != nil {
		postEphemeral(api, cmd, err.Error())
		return
	}
	by := userDisplayName(api, cmd.UserID)
	m, err := mappers.Update(func() (*vocab.Mapper, error) {
		return evaluate.Learn(db, cfg.RulesPath, attr, raw, target, learnedConfidence, by)
	})
	if err != nil {
		postEphemeral(api, cmd, fmt.Sprintf("Could not learn mapping: %v", err))
		log.Printf("holder-learn error user=%s: %v", cmd.UserID, err)
		return
	}
	postEphemeral(api, cmd, "Learned. "+formatMapResult(attr, raw, m.Map(attr, raw)))
}

func parseMapArgs(text string) (domain.Attribute, string, error) {
	fields := strings.Fields(text)
	if len(fields) < 2 {
		return 0, "", errors.New("Usage: `/holder-map <material|owner|type> <model answer>`")
	}
	attr, err := domain.ParseAttribute(fields[0])
	if err != nil {
		return 0, "", err
	}
	return attr, strings.Join(fields[1:], " "), nil
}

func parseLearnArgs(text string) (domain.Attribute, string, string, error) {
	usage := errors.New("Usage: `/holder-learn <material|owner|type> <model answer> => <form value>`")
	fields := strings.Fields(text)
	if len(fields) < 2 {
		return 0, "", "", usage
	}
	attr, err := domain.ParseAttribute(fields[0])
	if err != nil {
		return 0, "", "", err
	}
	rest := strings.Join(fields[1:], " ")
	for _, sep := range []string{"=>", "->"} {
		if raw, target, ok := strings.Cut(rest, sep); ok {
			raw, target = strings.TrimSpace(raw), strings.TrimSpace(target)
			if raw == "" || target == "" {
				return 0, "", "", usage
			}
			return attr, raw, target, nil
		}
	}
	return 0, "", "", usage
}

func formatMapResult(attr domain.Attribute, raw string, res vocab.Result) string {
	if !res.Mapped() {
		return fmt.Sprintf("%s `%s` has no form value (%s).", attr, raw, res.Reason)
	}
	return fmt.Sprintf("%s `%s` maps to *%s* (%.0f%% confidence, %s).", attr, raw, res.Label, res.Confidence*100, res.Tier)
}

func statsText(db *sql.DB, loc *time.Location, now time.Time) string {
	runs, err := sqlite.GetRecentEvaluationRuns(db, statsRunLimit)
	if err != nil {
		log.Printf("holder-stats runs error: %v", err)
		return fmt.Sprintf("Error loading evaluation runs: %v", err)
	}
	var sb strings.Builder
	sb.WriteString(report.RunHistory(runs, loc))

	corrections, err := sqlite.GetRecentCorrections(db, now.Add(-statsCorrectionWindow), statsCorrectionLimit)
	if err != nil {
		log.Printf("holder-stats corrections error (non-fatal): %v", err)
	}
	if len(corrections) > 0 {
		sb.WriteString("\n*Learned Mappings (last 4 weeks)*\n")
		for _, c := range corrections {
			line := fmt.Sprintf("- %s `%s` => %s", c.Attribute, c.RawValue, c.Target)
			if c.CorrectedBy != "" {
				line += " by " + c.CorrectedBy
			}
			sb.WriteString(line + "\n")
		}
	}
	return sb.String()
}

func helpText() string {
	lines := []string{
		"*HolderBot Commands*",
		"",
		"`/holder-stats` - Show recent evaluation runs and learned mappings.",
		"`/holder-map <attribute> <model answer>` - Show which form value an answer maps to.",
		">*Example:* `/holder-map material galvanized steel`",
		"`/holder-learn <attribute> <model answer> => <form value>` - Teach a new synonym.",
		">*Example:* `/holder-learn owner parish => iný`",
		"`/holder-help` - Show this help.",
	}
	return strings.Join(lines, "\n")
}

func postEphemeral(api *slack.Client, cmd slack.SlashCommand, text string) {
	_, err := api.PostEphemeral(cmd.ChannelID, cmd.UserID, slack.MsgOptionText(text, false))
	if err != nil {
		log.Printf("Error posting ephemeral message: %v", err)
	}
}
