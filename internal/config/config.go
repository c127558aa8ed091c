package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const defaultExternalHTTPTimeout = 90 * time.Second
const defaultExternalHTTPTimeoutSeconds = int(defaultExternalHTTPTimeout / time.Second)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderNone      = "none"
)

type Config struct {
	SlackBotToken   string `yaml:"slack_bot_token"`
	SlackAppToken   string `yaml:"slack_app_token"`
	ReportChannelID string `yaml:"report_channel_id"`
	// SlackLearnerIDs limits /holder-learn to these users. Empty allows everyone.
	SlackLearnerIDs []string `yaml:"slack_learner_ids"`

	LLMProvider     string  `yaml:"llm_provider"`
	LLMModel        string  `yaml:"llm_model"`
	LLMConfidence   float64 `yaml:"llm_confidence_threshold"`
	AnthropicAPIKey string  `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string  `yaml:"openai_api_key"`
	ClassifyWorkers int     `yaml:"classify_workers"`

	DBPath                     string `yaml:"db_path"`
	PhotoDir                   string `yaml:"photo_dir"`
	PhotoRefresh               bool   `yaml:"photo_refresh"`
	ReportOutputDir            string `yaml:"report_output_dir"`
	RulesPath                  string `yaml:"rules_path"`
	ExternalHTTPTimeoutSeconds int    `yaml:"external_http_timeout_seconds"`

	EvaluateSchedule string `yaml:"evaluate_schedule"`
	Timezone         string `yaml:"timezone"`

	Location *time.Location `yaml:"-"` // computed from Timezone, not from YAML
}

func LoadConfig() Config {
	var cfg Config

	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("Error parsing %s: %v", configPath, err)
		}
		log.Printf("Loaded config from %s", configPath)
	}

	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.SlackAppToken, "SLACK_APP_TOKEN")
	envOverride(&cfg.ReportChannelID, "REPORT_CHANNEL_ID")
	envOverride(&cfg.LLMProvider, "LLM_PROVIDER")
	envOverride(&cfg.LLMModel, "LLM_MODEL")
	envOverrideFloat(&cfg.LLMConfidence, "LLM_CONFIDENCE_THRESHOLD")
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	envOverrideInt(&cfg.ClassifyWorkers, "CLASSIFY_WORKERS")
	envOverride(&cfg.DBPath, "DB_PATH")
	envOverride(&cfg.PhotoDir, "PHOTO_DIR")
	envOverrideBool(&cfg.PhotoRefresh, "PHOTO_REFRESH")
	envOverride(&cfg.ReportOutputDir, "REPORT_OUTPUT_DIR")
	envOverrideAllowEmpty(&cfg.RulesPath, "RULES_PATH")
	envOverrideInt(&cfg.ExternalHTTPTimeoutSeconds, "EXTERNAL_HTTP_TIMEOUT_SECONDS")
	envOverrideAllowEmpty(&cfg.EvaluateSchedule, "EVALUATE_SCHEDULE")
	envOverride(&cfg.Timezone, "TIMEZONE")

	if ids := os.Getenv("SLACK_LEARNER_IDS"); ids != "" {
		cfg.SlackLearnerIDs = nil
		for _, id := range strings.Split(ids, ",") {
			id = strings.TrimSpace(id)
			if id != "" {
				cfg.SlackLearnerIDs = append(cfg.SlackLearnerIDs, id)
			}
		}
	}

	cfg.LLMProvider = strings.ToLower(strings.TrimSpace(cfg.LLMProvider))
	if cfg.LLMProvider == "" {
		switch {
		case cfg.AnthropicAPIKey != "":
			cfg.LLMProvider = ProviderAnthropic
		case cfg.OpenAIAPIKey != "":
			cfg.LLMProvider = ProviderOpenAI
		default:
			cfg.LLMProvider = ProviderNone
		}
	}
	if cfg.LLMConfidence == 0 {
		cfg.LLMConfidence = 0.70
	}
	if cfg.ClassifyWorkers == 0 {
		cfg.ClassifyWorkers = 4
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./holderbot.db"
	}
	if cfg.PhotoDir == "" {
		cfg.PhotoDir = "./learning_data/holder_images"
	}
	if cfg.ReportOutputDir == "" {
		cfg.ReportOutputDir = "./analysis_reports"
	}
	if cfg.ExternalHTTPTimeoutSeconds == 0 {
		cfg.ExternalHTTPTimeoutSeconds = defaultExternalHTTPTimeoutSeconds
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "Local"
	}

	switch cfg.LLMProvider {
	case ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			log.Fatalf("anthropic_api_key is required when llm_provider=anthropic")
		}
	case ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			log.Fatalf("openai_api_key is required when llm_provider=openai")
		}
	case ProviderNone:
		log.Printf("WARNING: No LLM provider configured. classify will be unavailable.")
	default:
		log.Fatalf("llm_provider must be 'anthropic', 'openai' or 'none', got '%s'", cfg.LLMProvider)
	}

	if (cfg.SlackBotToken == "") != (cfg.SlackAppToken == "") {
		log.Fatalf("slack_bot_token and slack_app_token must be set together")
	}
	if cfg.SlackConfigured() && len(cfg.SlackLearnerIDs) == 0 {
		log.Printf("WARNING: slack_learner_ids is empty. Any workspace member can change mapping rules with /holder-learn.")
	}

	if strings.EqualFold(cfg.Timezone, "Local") {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			log.Fatalf("invalid timezone '%s': %v", cfg.Timezone, err)
		}
		cfg.Location = loc
	}

	if cfg.LLMConfidence < 0 || cfg.LLMConfidence > 1 {
		log.Fatalf("invalid llm_confidence_threshold '%f': must be between 0 and 1", cfg.LLMConfidence)
	}
	if cfg.ClassifyWorkers < 1 {
		log.Fatalf("invalid classify_workers '%d': must be >= 1", cfg.ClassifyWorkers)
	}
	if cfg.ExternalHTTPTimeoutSeconds < 5 {
		log.Fatalf("invalid external_http_timeout_seconds '%d': must be >= 5", cfg.ExternalHTTPTimeoutSeconds)
	}
	if s := strings.TrimSpace(cfg.EvaluateSchedule); s != "" {
		if _, err := ParseSchedule(s); err != nil {
			log.Fatalf("invalid evaluate_schedule '%s': %v", s, err)
		}
	}

	return cfg
}

// ParseSchedule parses a standard 5-field cron expression
// (minute hour day-of-month month day-of-week).
func ParseSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(strings.TrimSpace(expr))
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideAllowEmpty(field *string, envKey string) {
	if val, ok := os.LookupEnv(envKey); ok {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}

func envOverrideBool(field *bool, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = strings.EqualFold(val, "true") || val == "1"
	}
}

func envOverrideFloat(field *float64, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}

func (c Config) SlackConfigured() bool {
	return c.SlackBotToken != "" && c.SlackAppToken != ""
}

// CanLearn reports whether userID may add mapping rules from Slack.
func (c Config) CanLearn(userID string) bool {
	if len(c.SlackLearnerIDs) == 0 {
		return true
	}
	for _, id := range c.SlackLearnerIDs {
		if strings.TrimSpace(id) == userID {
			return true
		}
	}
	return false
}

func (c Config) LLMConfigured() bool {
	return c.LLMProvider == ProviderAnthropic || c.LLMProvider == ProviderOpenAI
}

// ExternalHTTPTimeout is the configured timeout as a duration.
func (c Config) ExternalHTTPTimeout() time.Duration {
	return time.Duration(c.ExternalHTTPTimeoutSeconds) * time.Second
}
