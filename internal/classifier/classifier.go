// Package classifier infers a bill's procedural stage from free-form status
// text.
//
// The rule engine walks an ordered table of pattern rows. Groups are tried in
// a fixed priority (completion, procedural, later readings, scheduling,
// outcomes) so that text describing a finished action is never read as merely
// scheduled. New behaviour is added by appending rows, not branches.
package classifier

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"billtracker/internal/domain"
	"billtracker/internal/taxonomy"
)

type Input struct {
	StatusText   string
	BillTitle    string
	CurrentStage string
	ObservedAt   time.Time
}

type Result struct {
	Stage      string  `json:"stage"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	Rule       string  `json:"rule,omitempty"`
}

// Classifier is the contract shared by the rule engine and remote
// collaborators such as an LLM.
type Classifier interface {
	Classify(ctx context.Context, in Input) (Result, error)
}

// Func adapts a plain function to Classifier.
type Func func(ctx context.Context, in Input) (Result, error)

func (f Func) Classify(ctx context.Context, in Input) (Result, error) {
	return f(ctx, in)
}

const (
	defaultConfidence   = 0.3
	pastDateConfidence  = 0.85
	minTitleStripLength = 8
)

var completionVocabulary = regexp.MustCompile(`(?i)\b(passed|completed|held|adopted)\b`)

type RuleEngine struct {
	tax   *taxonomy.Taxonomy
	rules []Rule
	loc   *time.Location
	now   func() time.Time
}

type Option func(*RuleEngine)

// WithRules appends rows after the built-in table. Rows keep their group, so
// an appended completion rule still runs before every procedural rule.
func WithRules(rules ...Rule) Option {
	return func(e *RuleEngine) {
		e.rules = append(e.rules, rules...)
	}
}

func WithLocation(loc *time.Location) Option {
	return func(e *RuleEngine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *RuleEngine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewRuleEngine(tax *taxonomy.Taxonomy, opts ...Option) *RuleEngine {
	e := &RuleEngine{
		tax:   tax,
		rules: DefaultRules(),
		loc:   time.Local,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	sort.SliceStable(e.rules, func(i, j int) bool {
		return e.rules[i].Group < e.rules[j].Group
	})
	return e
}

// Rules returns the effective table in evaluation order.
func (e *RuleEngine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

func (e *RuleEngine) Classify(_ context.Context, in Input) (Result, error) {
	if !e.tax.Known(in.CurrentStage) {
		return Result{}, fmt.Errorf("%w: unknown current stage %q", domain.ErrValidation, in.CurrentStage)
	}
	observed := in.ObservedAt
	if observed.IsZero() {
		observed = e.now()
	}
	text := prepareText(in.StatusText, in.BillTitle)
	if text == "" {
		return e.fallback(in.CurrentStage, "empty status text"), nil
	}

	for _, rule := range e.rules {
		if !rule.Pattern.MatchString(text) {
			continue
		}
		stage, ok := rule.resolve(e.tax, in.CurrentStage, text)
		if !ok || !e.tax.Known(stage) {
			continue
		}
		res := Result{
			Stage:      stage,
			Confidence: rule.Confidence,
			Reasoning:  fmt.Sprintf("matched %s rule %q", rule.Group, rule.Name),
			Rule:       rule.Name,
		}
		if s, _ := e.tax.Lookup(stage); s.Scheduled {
			guarded, keep := e.guardScheduled(res, text, observed)
			if !keep {
				continue
			}
			res = guarded
		}
		return res, nil
	}
	return e.fallback(in.CurrentStage, "unable to determine"), nil
}

// guardScheduled applies the negative guards every "scheduled" match goes
// through. A match is dropped when the text also speaks of completion; a
// scheduled date already behind the observation turns it into the completed
// stage.
func (e *RuleEngine) guardScheduled(res Result, text string, observed time.Time) (Result, bool) {
	if completionVocabulary.MatchString(text) {
		return res, false
	}
	latest, ok := latestDate(text, e.loc)
	if !ok || !isPastDay(latest, observed, e.loc) {
		return res, true
	}
	done, ok := e.tax.CompletionOf(res.Stage)
	if !ok {
		return res, false
	}
	return Result{
		Stage:      done,
		Confidence: pastDateConfidence,
		Reasoning: fmt.Sprintf("%s date %s is before observation %s, treated as completed",
			res.Rule, latest.Format("2006-01-02"), observed.In(e.loc).Format("2006-01-02")),
		Rule: res.Rule,
	}, true
}

func (e *RuleEngine) fallback(current, why string) Result {
	return Result{Stage: current, Confidence: defaultConfidence, Reasoning: why}
}

func prepareText(status, title string) string {
	text := strings.Join(strings.Fields(status), " ")
	title = strings.Join(strings.Fields(title), " ")
	if len(title) >= minTitleStripLength {
		text = strings.Join(strings.Fields(removeFold(text, title)), " ")
	}
	return text
}

// removeFold replaces every case-insensitive occurrence of sub in s with a
// space.
func removeFold(s, sub string) string {
	var b strings.Builder
	for i := 0; i < len(s); {
		if n := foldPrefixLen(s[i:], sub); n > 0 {
			b.WriteByte(' ')
			i += n
			continue
		}
		_, size := utf8.DecodeRuneInString(s[i:])
		b.WriteString(s[i : i+size])
		i += size
	}
	return b.String()
}

// foldPrefixLen is the byte length of the prefix of s matching sub under
// case folding, or 0 when s does not start with sub.
func foldPrefixLen(s, sub string) int {
	i := 0
	for _, want := range sub {
		if i >= len(s) {
			return 0
		}
		got, size := utf8.DecodeRuneInString(s[i:])
		if got != want && unicode.ToLower(got) != unicode.ToLower(want) {
			return 0
		}
		i += size
	}
	return i
}
