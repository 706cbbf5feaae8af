// Package config loads process settings from config.yaml with per-field
// environment overrides.
package config

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"billtracker/internal/classifier"
	"billtracker/internal/domain"

	"gopkg.in/yaml.v3"
)

const defaultExternalHTTPTimeout = 90 * time.Second
const defaultExternalHTTPTimeoutSeconds = int(defaultExternalHTTPTimeout / time.Second)

const (
	ClassifierRules = "rules"
	ClassifierLLM   = "llm"
)

type Config struct {
	SlackBotToken string `yaml:"slack_bot_token"`
	SlackAppToken string `yaml:"slack_app_token"`

	TaxonomyPath        string `yaml:"taxonomy_path"`
	ClassifierProvider  string `yaml:"classifier_provider"`
	ClassifierRulesPath string `yaml:"classifier_rules_path"`

	LLMProvider      string  `yaml:"llm_provider"`
	LLMModel         string  `yaml:"llm_model"`
	LLMConfidence    float64 `yaml:"llm_confidence_threshold"`
	LLMExampleCount  int     `yaml:"llm_example_count"`
	LLMExampleMaxLen int     `yaml:"llm_example_max_chars"`
	AnthropicAPIKey  string  `yaml:"anthropic_api_key"`
	OpenAIAPIKey     string  `yaml:"openai_api_key"`

	ClassifierBatchWidth      int `yaml:"classifier_batch_width"`
	ClassifierBatchPauseMS    int `yaml:"classifier_batch_pause_ms"`
	ClassifierMaxAttempts     int `yaml:"classifier_max_attempts"`
	ClassifierBackoffMS       int `yaml:"classifier_backoff_ms"`
	ClassifierAttemptTimeoutS int `yaml:"classifier_attempt_timeout_seconds"`

	DBPath                     string `yaml:"db_path"`
	HTTPAddr                   string `yaml:"http_addr"`
	NATSURL                    string `yaml:"nats_url"`
	ReportChannelID            string `yaml:"report_channel_id"`
	ExternalHTTPTimeoutSeconds int    `yaml:"external_http_timeout_seconds"`

	AdminSlackIDs []string `yaml:"admin_slack_ids"`
	// Supervisors maps a supervisor's user id to the members they oversee.
	Supervisors          map[string][]string `yaml:"supervisors"`
	NudgeDay             string              `yaml:"nudge_day"`
	NudgeTime            string              `yaml:"nudge_time"`
	AutoClassifySchedule string              `yaml:"auto_classify_schedule"`
	Timezone             string              `yaml:"timezone"`

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
	envOverride(&cfg.TaxonomyPath, "TAXONOMY_PATH")
	envOverride(&cfg.ClassifierProvider, "CLASSIFIER_PROVIDER")
	envOverride(&cfg.ClassifierRulesPath, "CLASSIFIER_RULES_PATH")
	envOverride(&cfg.LLMProvider, "LLM_PROVIDER")
	envOverride(&cfg.LLMModel, "LLM_MODEL")
	envOverrideFloat(&cfg.LLMConfidence, "LLM_CONFIDENCE_THRESHOLD")
	envOverrideInt(&cfg.LLMExampleCount, "LLM_EXAMPLE_COUNT")
	envOverrideInt(&cfg.LLMExampleMaxLen, "LLM_EXAMPLE_MAX_CHARS")
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	envOverrideInt(&cfg.ClassifierBatchWidth, "CLASSIFIER_BATCH_WIDTH")
	envOverrideInt(&cfg.ClassifierBatchPauseMS, "CLASSIFIER_BATCH_PAUSE_MS")
	envOverrideInt(&cfg.ClassifierMaxAttempts, "CLASSIFIER_MAX_ATTEMPTS")
	envOverrideInt(&cfg.ClassifierBackoffMS, "CLASSIFIER_BACKOFF_MS")
	envOverrideInt(&cfg.ClassifierAttemptTimeoutS, "CLASSIFIER_ATTEMPT_TIMEOUT_SECONDS")
	envOverride(&cfg.DBPath, "DB_PATH")
	envOverride(&cfg.HTTPAddr, "HTTP_ADDR")
	envOverrideAllowEmpty(&cfg.NATSURL, "NATS_URL")
	envOverride(&cfg.ReportChannelID, "REPORT_CHANNEL_ID")
	envOverrideInt(&cfg.ExternalHTTPTimeoutSeconds, "EXTERNAL_HTTP_TIMEOUT_SECONDS")
	envOverride(&cfg.NudgeDay, "NUDGE_DAY")
	envOverride(&cfg.NudgeTime, "NUDGE_TIME")
	envOverrideAllowEmpty(&cfg.AutoClassifySchedule, "AUTO_CLASSIFY_SCHEDULE")
	envOverride(&cfg.Timezone, "TIMEZONE")

	if ids := os.Getenv("ADMIN_SLACK_IDS"); ids != "" {
		cfg.AdminSlackIDs = splitList(ids, ",")
	}
	if sup := os.Getenv("SUPERVISORS"); sup != "" {
		parsed, err := parseSupervisors(sup)
		if err != nil {
			log.Fatalf("invalid SUPERVISORS '%s': %v", sup, err)
		}
		cfg.Supervisors = parsed
	}

	if cfg.ClassifierProvider == "" {
		cfg.ClassifierProvider = ClassifierRules
	}
	if cfg.LLMProvider == "" {
		cfg.LLMProvider = "anthropic"
	}
	if cfg.LLMConfidence == 0 {
		cfg.LLMConfidence = 0.50
	}
	if cfg.LLMExampleCount == 0 {
		cfg.LLMExampleCount = 20
	}
	if cfg.LLMExampleMaxLen == 0 {
		cfg.LLMExampleMaxLen = 140
	}
	if cfg.ClassifierBatchWidth == 0 {
		cfg.ClassifierBatchWidth = 3
	}
	if cfg.ClassifierBatchPauseMS == 0 {
		cfg.ClassifierBatchPauseMS = 1500
	}
	if cfg.ClassifierMaxAttempts == 0 {
		cfg.ClassifierMaxAttempts = 3
	}
	if cfg.ClassifierBackoffMS == 0 {
		cfg.ClassifierBackoffMS = 2000
	}
	if cfg.ClassifierAttemptTimeoutS == 0 {
		cfg.ClassifierAttemptTimeoutS = 30
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./billtracker.db"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.ExternalHTTPTimeoutSeconds == 0 {
		cfg.ExternalHTTPTimeoutSeconds = defaultExternalHTTPTimeoutSeconds
	}
	if cfg.NudgeDay == "" {
		cfg.NudgeDay = "Monday"
	}
	if cfg.NudgeTime == "" {
		cfg.NudgeTime = "09:00"
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "Local"
	}

	if (cfg.SlackBotToken == "") != (cfg.SlackAppToken == "") {
		log.Fatalf("Partial Slack config: slack_bot_token and slack_app_token are required together")
	}
	if !cfg.SlackConfigured() {
		log.Printf("WARNING: Slack is not configured. Only the HTTP API and CLI are available.")
	}

	switch cfg.ClassifierProvider {
	case ClassifierRules:
	case ClassifierLLM:
		switch cfg.LLMProvider {
		case "anthropic":
			if cfg.AnthropicAPIKey == "" {
				log.Fatalf("anthropic_api_key is required when llm_provider=anthropic")
			}
		case "openai":
			if cfg.OpenAIAPIKey == "" {
				log.Fatalf("openai_api_key is required when llm_provider=openai")
			}
		default:
			log.Fatalf("llm_provider must be 'anthropic' or 'openai', got '%s'", cfg.LLMProvider)
		}
	default:
		log.Fatalf("classifier_provider must be 'rules' or 'llm', got '%s'", cfg.ClassifierProvider)
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

	if _, _, err := ParseClock(cfg.NudgeTime); err != nil {
		log.Fatalf("invalid nudge_time '%s': %v", cfg.NudgeTime, err)
	}
	if _, err := ParseWeekday(cfg.NudgeDay); err != nil {
		log.Fatalf("invalid nudge_day '%s': %v", cfg.NudgeDay, err)
	}
	if cfg.LLMConfidence < 0 || cfg.LLMConfidence > 1 {
		log.Fatalf("invalid llm_confidence_threshold '%f': must be between 0 and 1", cfg.LLMConfidence)
	}
	if cfg.LLMExampleCount < 0 {
		log.Fatalf("invalid llm_example_count '%d': must be >= 0", cfg.LLMExampleCount)
	}
	if cfg.LLMExampleMaxLen < 20 {
		log.Fatalf("invalid llm_example_max_chars '%d': must be >= 20", cfg.LLMExampleMaxLen)
	}
	if cfg.ClassifierBatchWidth < 1 {
		log.Fatalf("invalid classifier_batch_width '%d': must be >= 1", cfg.ClassifierBatchWidth)
	}
	if cfg.ClassifierBatchPauseMS < 0 {
		log.Fatalf("invalid classifier_batch_pause_ms '%d': must be >= 0", cfg.ClassifierBatchPauseMS)
	}
	if cfg.ClassifierMaxAttempts < 1 {
		log.Fatalf("invalid classifier_max_attempts '%d': must be >= 1", cfg.ClassifierMaxAttempts)
	}
	if cfg.ExternalHTTPTimeoutSeconds < 5 {
		log.Fatalf("invalid external_http_timeout_seconds '%d': must be >= 5", cfg.ExternalHTTPTimeoutSeconds)
	}
	for sup, members := range cfg.Supervisors {
		if strings.TrimSpace(sup) == "" || len(members) == 0 {
			log.Fatalf("invalid supervisors entry '%s': needs an id and at least one member", sup)
		}
	}

	return cfg
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

func envOverrideFloat(field *float64, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}

func splitList(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseSupervisors reads "S1=U1,U2;S2=U3".
func parseSupervisors(s string) (map[string][]string, error) {
	out := make(map[string][]string)
	for _, entry := range splitList(s, ";") {
		sup, members, ok := strings.Cut(entry, "=")
		sup = strings.TrimSpace(sup)
		if !ok || sup == "" {
			return nil, fmt.Errorf("entry %q is not supervisor=member,member", entry)
		}
		out[sup] = splitList(members, ",")
	}
	return out, nil
}

func (c Config) SlackConfigured() bool {
	return c.SlackBotToken != "" && c.SlackAppToken != ""
}

func (c Config) IsAdminID(userID string) bool {
	for _, id := range c.AdminSlackIDs {
		if strings.TrimSpace(id) == userID {
			return true
		}
	}
	return false
}

// ActorFor resolves a user id to the role the workflow authorizes against.
// Anyone not listed as admin or supervisor is a member.
func (c Config) ActorFor(userID string) domain.Actor {
	actor := domain.Actor{UserID: userID, Role: domain.RoleMember}
	if c.IsAdminID(userID) {
		actor.Role = domain.RoleAdmin
		return actor
	}
	if members, ok := c.Supervisors[userID]; ok {
		actor.Role = domain.RoleSupervisor
		actor.Subordinates = append([]string(nil), members...)
	}
	return actor
}

// Approvers returns every admin and supervisor id, sorted and deduplicated.
func (c Config) Approvers() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range c.AdminSlackIDs {
		add(id)
	}
	for id := range c.Supervisors {
		add(id)
	}
	sort.Strings(out)
	return out
}

func (c Config) RetryPolicy() classifier.RetryPolicy {
	return classifier.RetryPolicy{
		MaxAttempts:    c.ClassifierMaxAttempts,
		Backoff:        time.Duration(c.ClassifierBackoffMS) * time.Millisecond,
		AttemptTimeout: time.Duration(c.ClassifierAttemptTimeoutS) * time.Second,
	}
}

func (c Config) BatchPause() time.Duration {
	return time.Duration(c.ClassifierBatchPauseMS) * time.Millisecond
}

func ParseClock(s string) (int, int, error) {
	var hour, min int
	_, err := fmt.Sscanf(s, "%d:%d", &hour, &min)
	if err != nil {
		return 0, 0, err
	}
	if hour < 0 || hour > 23 || min < 0 || min > 59 {
		return 0, 0, fmt.Errorf("time out of range: %02d:%02d", hour, min)
	}
	return hour, min, nil
}

func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.TrimSpace(s)
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(d.String(), s) || strings.EqualFold(d.String()[:3], s) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}
