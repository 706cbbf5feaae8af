package config

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"billtracker/internal/domain"
)

func setMinimalValidConfigEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-test")
	t.Setenv("SLACK_APP_TOKEN", "xapp-test")
	t.Setenv("TIMEZONE", "UTC")
}

func TestLoadConfigFromEnvWithDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing-config.yaml"))
	setMinimalValidConfigEnv(t)
	t.Setenv("ADMIN_SLACK_IDS", "U12345, U67890")

	cfg := LoadConfig()

	if cfg.SlackBotToken != "xoxb-test" {
		t.Fatalf("unexpected slack bot token: %q", cfg.SlackBotToken)
	}
	if cfg.ClassifierProvider != ClassifierRules {
		t.Fatalf("unexpected classifier provider default: %q", cfg.ClassifierProvider)
	}
	if cfg.DBPath != "./billtracker.db" {
		t.Fatalf("unexpected db path default: %q", cfg.DBPath)
	}
	if cfg.ExternalHTTPTimeoutSeconds != int(defaultExternalHTTPTimeout/time.Second) {
		t.Fatalf("unexpected external HTTP timeout default: %d", cfg.ExternalHTTPTimeoutSeconds)
	}
	if cfg.LLMConfidence != 0.5 {
		t.Fatalf("unexpected confidence threshold default: %f", cfg.LLMConfidence)
	}
	if cfg.ClassifierBatchWidth != 3 || cfg.BatchPause() != 1500*time.Millisecond {
		t.Fatalf("unexpected batch defaults: width=%d pause=%s", cfg.ClassifierBatchWidth, cfg.BatchPause())
	}
	if policy := cfg.RetryPolicy(); policy.MaxAttempts != 3 || policy.Backoff != 2*time.Second {
		t.Fatalf("unexpected retry policy: %+v", policy)
	}
	if cfg.Location == nil || cfg.Location.String() != "UTC" {
		t.Fatalf("unexpected location: %v", cfg.Location)
	}
	if len(cfg.AdminSlackIDs) != 2 {
		t.Fatalf("expected 2 admin IDs, got %d", len(cfg.AdminSlackIDs))
	}
}

func TestLoadConfigYAMLAndEnvOverride(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	content := `
slack_bot_token: "yaml-bot"
slack_app_token: "yaml-app"
classifier_provider: "llm"
llm_provider: "anthropic"
anthropic_api_key: "yaml-anthropic"
timezone: "America/Los_Angeles"
db_path: "/tmp/yaml.db"
http_addr: ":9000"
external_http_timeout_seconds: 75
supervisors:
  U-SUP: ["U-A", "U-B"]
`
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("CONFIG_PATH", cfgPath)
	t.Setenv("LLM_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("DB_PATH", "/tmp/env.db")
	t.Setenv("EXTERNAL_HTTP_TIMEOUT_SECONDS", "120")

	cfg := LoadConfig()

	if cfg.LLMProvider != "openai" {
		t.Fatalf("expected provider from env override, got %q", cfg.LLMProvider)
	}
	if cfg.OpenAIAPIKey != "sk-env" {
		t.Fatalf("expected openai key from env override")
	}
	if cfg.DBPath != "/tmp/env.db" {
		t.Fatalf("expected db path from env override, got %q", cfg.DBPath)
	}
	if cfg.HTTPAddr != ":9000" {
		t.Fatalf("expected http addr from yaml, got %q", cfg.HTTPAddr)
	}
	if cfg.ExternalHTTPTimeoutSeconds != 120 {
		t.Fatalf("expected external HTTP timeout from env override, got %d", cfg.ExternalHTTPTimeoutSeconds)
	}
	if got := cfg.Supervisors["U-SUP"]; len(got) != 2 {
		t.Fatalf("expected supervisors from yaml, got %v", cfg.Supervisors)
	}
}

func TestActorFor(t *testing.T) {
	cfg := Config{
		AdminSlackIDs: []string{"U-ADMIN"},
		Supervisors:   map[string][]string{"U-SUP": {"U-A"}, "U-ADMIN": {"U-B"}},
	}

	if got := cfg.ActorFor("U-ADMIN"); got.Role != domain.RoleAdmin {
		t.Fatalf("expected admin to win over supervisor entry, got %s", got.Role)
	}
	sup := cfg.ActorFor("U-SUP")
	if sup.Role != domain.RoleSupervisor || len(sup.Subordinates) != 1 || sup.Subordinates[0] != "U-A" {
		t.Fatalf("unexpected supervisor actor: %+v", sup)
	}
	if got := cfg.ActorFor("U-NEW"); got.Role != domain.RoleMember || got.UserID != "U-NEW" {
		t.Fatalf("unexpected default actor: %+v", got)
	}

	approvers := cfg.Approvers()
	if len(approvers) != 2 || approvers[0] != "U-ADMIN" || approvers[1] != "U-SUP" {
		t.Fatalf("unexpected approvers: %v", approvers)
	}
}

func TestParseSupervisors(t *testing.T) {
	got, err := parseSupervisors("S1=U1, U2; S2=U3")
	if err != nil {
		t.Fatalf("parseSupervisors returned error: %v", err)
	}
	if len(got["S1"]) != 2 || len(got["S2"]) != 1 {
		t.Fatalf("unexpected supervisors: %v", got)
	}
	if _, err := parseSupervisors("nobody"); err == nil {
		t.Fatal("expected parseSupervisors to fail without '='")
	}
}

func TestParseClock(t *testing.T) {
	hour, min, err := ParseClock("09:45")
	if err != nil {
		t.Fatalf("ParseClock returned error: %v", err)
	}
	if hour != 9 || min != 45 {
		t.Fatalf("unexpected clock parse result: %02d:%02d", hour, min)
	}

	if _, _, err := ParseClock("24:00"); err == nil {
		t.Fatal("expected ParseClock to fail for out-of-range hour")
	}
	if _, _, err := ParseClock("bad"); err == nil {
		t.Fatal("expected ParseClock to fail for malformed input")
	}
}

func TestParseWeekday(t *testing.T) {
	for input, want := range map[string]time.Weekday{"Monday": time.Monday, "fri": time.Friday, " sunday ": time.Sunday} {
		got, err := ParseWeekday(input)
		if err != nil || got != want {
			t.Fatalf("ParseWeekday(%q) = %v, %v; want %v", input, got, err, want)
		}
	}
	if _, err := ParseWeekday("someday"); err == nil {
		t.Fatal("expected ParseWeekday to fail")
	}
}

func TestEnvOverrideHelpers(t *testing.T) {
	s := "initial"
	t.Setenv("BT_TEST_STR", "value")
	envOverride(&s, "BT_TEST_STR")
	if s != "value" {
		t.Fatalf("envOverride failed, got %q", s)
	}

	i := 1
	t.Setenv("BT_TEST_INT", "42")
	envOverrideInt(&i, "BT_TEST_INT")
	if i != 42 {
		t.Fatalf("envOverrideInt failed, got %d", i)
	}

	f := 0.1
	t.Setenv("BT_TEST_FLOAT", "0.75")
	envOverrideFloat(&f, "BT_TEST_FLOAT")
	if f != 0.75 {
		t.Fatalf("envOverrideFloat failed, got %f", f)
	}

	e := "keep"
	t.Setenv("BT_TEST_EMPTY", "")
	envOverrideAllowEmpty(&e, "BT_TEST_EMPTY")
	if e != "" {
		t.Fatalf("envOverrideAllowEmpty failed, got %q", e)
	}
}

func TestLoadConfigPartialSlackFatal(t *testing.T) {
	if os.Getenv("TEST_PARTIAL_SLACK_FATAL") == "1" {
		_ = os.Setenv("CONFIG_PATH", filepath.Join(os.TempDir(), "no-config.yaml"))
		_ = os.Setenv("SLACK_BOT_TOKEN", "xoxb-test")
		_ = os.Unsetenv("SLACK_APP_TOKEN")
		LoadConfig()
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestLoadConfigPartialSlackFatal")
	cmd.Env = append(os.Environ(), "TEST_PARTIAL_SLACK_FATAL=1")
	err := cmd.Run()
	if err == nil {
		t.Fatal("expected subprocess to exit with failure")
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got: %v", err)
	}
}

func TestLoadConfigInvalidTimezoneFatal(t *testing.T) {
	if os.Getenv("TEST_INVALID_TZ_FATAL") == "1" {
		_ = os.Setenv("CONFIG_PATH", filepath.Join(os.TempDir(), "no-config.yaml"))
		_ = os.Setenv("TIMEZONE", "Mars/Colony")
		LoadConfig()
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestLoadConfigInvalidTimezoneFatal")
	cmd.Env = append(os.Environ(), "TEST_INVALID_TZ_FATAL=1")
	err := cmd.Run()
	if err == nil {
		t.Fatal("expected subprocess to exit with failure")
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got: %v", err)
	}
}
