// Package llm classifies status text with a hosted language model. It is a
// drop-in classifier.Classifier: the workflow neither knows nor cares whether
// a suggestion came from here or from the rule engine.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"billtracker/internal/classifier"
	"billtracker/internal/domain"
	"billtracker/internal/taxonomy"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"

	defaultAnthropicModel   = "claude-sonnet-4-5-20250929"
	defaultOpenAIModel      = "gpt-4o-mini"
	defaultExampleCount     = 20
	defaultExampleMaxLen    = 140
	maxCorrectionsInPrompt  = 20
	maxCorrectionTextLength = 120
	correctionWindow        = 90 * 24 * time.Hour
)

type Config struct {
	Provider        string
	Model           string
	AnthropicAPIKey string
	OpenAIAPIKey    string
	ExampleCount    int
	ExampleMaxLen   int
}

func (c Config) model() string {
	if c.Model != "" {
		return c.Model
	}
	if c.Provider == ProviderOpenAI {
		return defaultOpenAIModel
	}
	return defaultAnthropicModel
}

type Usage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}

func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationInputTokens += other.CacheCreationInputTokens
	u.CacheReadInputTokens += other.CacheReadInputTokens
}

// History supplies human feedback for the prompt. Either method may return
// nothing; errors are logged and the prompt goes out without that block.
type History interface {
	Corrections(ctx context.Context) ([]domain.Correction, error)
	Examples(ctx context.Context) ([]domain.LabeledExample, error)
}

type caller func(ctx context.Context, systemPrompt, userPrompt string) (string, Usage, error)

type Classifier struct {
	cfg     Config
	tax     *taxonomy.Taxonomy
	history History
	call    caller

	mu    sync.Mutex
	usage Usage
}

func New(cfg Config, tax *taxonomy.Taxonomy, history History) (*Classifier, error) {
	c := &Classifier{cfg: cfg, tax: tax, history: history}
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case ProviderAnthropic, "":
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("anthropic provider requires an API key")
		}
		c.cfg.Provider = ProviderAnthropic
		c.call = func(ctx context.Context, system, user string) (string, Usage, error) {
			return callAnthropic(ctx, cfg.AnthropicAPIKey, c.cfg.model(), system, user)
		}
	case ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider requires an API key")
		}
		c.cfg.Provider = ProviderOpenAI
		c.call = func(ctx context.Context, system, user string) (string, Usage, error) {
			return callOpenAI(ctx, openAIEndpoint, cfg.OpenAIAPIKey, c.cfg.model(), system, user)
		}
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	return c, nil
}

// Usage returns the tokens spent since the classifier was built.
func (c *Classifier) Usage() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

func (c *Classifier) Classify(ctx context.Context, in classifier.Input) (classifier.Result, error) {
	if !c.tax.Known(in.CurrentStage) {
		return classifier.Result{}, fmt.Errorf("%w: unknown current stage %q", domain.ErrValidation, in.CurrentStage)
	}
	corrections, examples := c.loadHistory(ctx)
	systemPrompt, userPrompt := buildStagePrompts(c.cfg, c.tax, in, corrections, examples)

	started := time.Now()
	text, usage, err := c.call(ctx, systemPrompt, userPrompt)
	c.mu.Lock()
	c.usage.Add(usage)
	c.mu.Unlock()
	if err != nil {
		return classifier.Result{}, err
	}
	res, err := parseStageResponse(c.tax, text)
	if err != nil {
		log.Printf("llm classify parse error provider=%s err=%v", c.cfg.Provider, err)
		return classifier.Result{}, err
	}
	log.Printf("llm classify provider=%s stage=%s confidence=%.2f tokens=%d elapsed=%s",
		c.cfg.Provider, res.Stage, res.Confidence, usage.TotalTokens(), time.Since(started).Round(time.Millisecond))
	return res, nil
}

func (c *Classifier) loadHistory(ctx context.Context) ([]domain.Correction, []domain.LabeledExample) {
	if c.history == nil {
		return nil, nil
	}
	corrections, err := c.history.Corrections(ctx)
	if err != nil {
		log.Printf("llm corrections unavailable: %v", err)
		corrections = nil
	}
	examples, err := c.history.Examples(ctx)
	if err != nil {
		log.Printf("llm examples unavailable: %v", err)
		examples = nil
	}
	return corrections, examples
}

func buildStagePrompts(cfg Config, tax *taxonomy.Taxonomy, in classifier.Input, corrections []domain.Correction, examples []domain.LabeledExample) (string, string) {
	var stageLines strings.Builder
	for _, s := range tax.Stages() {
		marker := ""
		if s.Scheduled {
			marker = " [scheduled]"
		}
		stageLines.WriteString(fmt.Sprintf("- %s: %s (%s)%s\n", s.ID, s.Title, s.Zone, marker))
	}

	systemPrompt := fmt.Sprintf(`You classify the procedural stage of a legislative bill from its latest status text.

Stages in pipeline order:
%s
Rules:
- Text describing a completed action (passed, adopted, reported, signed) wins over any
  mention of scheduling in the same text.
- A [scheduled] stage is only correct when the scheduled event has not happened yet. If the
  text gives a date before the observation date, choose the completed stage instead.
- When the text names the Senate, or the bill is already past crossover, prefer the Senate
  variant of committee and reading stages.
- If nothing in the text indicates a change, answer with the current stage.
- confidence is between 0 and 1.

Respond with JSON only, no prose:
{"stage": "<stage id>", "confidence": 0.0, "reasoning": "<one sentence>"}`, stageLines.String())

	var b strings.Builder
	if len(corrections) > 0 {
		limit := len(corrections)
		if limit > maxCorrectionsInPrompt {
			limit = maxCorrectionsInPrompt
		}
		b.WriteString("Past corrections (avoid repeating these mistakes):\n")
		for _, corr := range corrections[:limit] {
			b.WriteString(fmt.Sprintf("- %q was not %s, correct stage %s\n",
				truncate(corr.StatusText, maxCorrectionTextLength), corr.RejectedStage, corr.CorrectedStage))
		}
		b.WriteString("\n")
	}

	exampleCount := cfg.ExampleCount
	if exampleCount <= 0 {
		exampleCount = defaultExampleCount
	}
	exampleMaxLen := cfg.ExampleMaxLen
	if exampleMaxLen <= 0 {
		exampleMaxLen = defaultExampleMaxLen
	}
	if picked := newPrecedentIndex(examples).nearest(in.StatusText, exampleCount); len(picked) > 0 {
		b.WriteString("Confirmed examples (format: EX|stage|status text):\n")
		for _, ex := range picked {
			b.WriteString(fmt.Sprintf("- EX|%s|%s\n", ex.StageID, truncate(ex.StatusText, exampleMaxLen)))
		}
		b.WriteString("\n")
	}

	observed := in.ObservedAt
	if observed.IsZero() {
		observed = time.Now()
	}
	if in.BillTitle != "" {
		b.WriteString(fmt.Sprintf("Bill title: %s\n", in.BillTitle))
	}
	b.WriteString(fmt.Sprintf("Current stage: %s\n", in.CurrentStage))
	b.WriteString(fmt.Sprintf("Observed on: %s\n", observed.Format("2006-01-02")))
	b.WriteString(fmt.Sprintf("Status text: %s\n", strings.Join(strings.Fields(in.StatusText), " ")))
	return systemPrompt, b.String()
}

type stageResponse struct {
	Stage      string  `json:"stage"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// parseStageResponse accepts bare JSON or JSON wrapped in a markdown fence.
// A reply naming a stage outside the taxonomy is a semantic failure.
func parseStageResponse(tax *taxonomy.Taxonomy, responseText string) (classifier.Result, error) {
	responseText = strings.TrimSpace(responseText)
	responseText = strings.TrimPrefix(responseText, "```json")
	responseText = strings.TrimPrefix(responseText, "```")
	responseText = strings.TrimSuffix(responseText, "```")
	responseText = strings.TrimSpace(responseText)

	var resp stageResponse
	if err := json.Unmarshal([]byte(responseText), &resp); err != nil {
		return classifier.Result{}, fmt.Errorf("parsing LLM response: %w (response: %s)", err, truncate(responseText, 200))
	}
	stage, ok := tax.Resolve(resp.Stage)
	if !ok {
		return classifier.Result{}, fmt.Errorf("LLM returned unknown stage %q", resp.Stage)
	}
	confidence := resp.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return classifier.Result{
		Stage:      stage,
		Confidence: confidence,
		Reasoning:  strings.TrimSpace(resp.Reasoning),
	}, nil
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
