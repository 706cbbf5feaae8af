package classifier

import (
	"fmt"
	"regexp"
	"strings"

	"billtracker/internal/domain"
	"billtracker/internal/taxonomy"
)

// Group orders rule evaluation. Lower groups always win.
type Group int

const (
	GroupCompletion Group = iota + 1
	GroupProcedural
	GroupLaterReading
	GroupScheduling
	GroupOutcome
)

var groupNames = map[Group]string{
	GroupCompletion:   "completion",
	GroupProcedural:   "procedural",
	GroupLaterReading: "later_reading",
	GroupScheduling:   "scheduling",
	GroupOutcome:      "outcome",
}

func (g Group) String() string {
	if name, ok := groupNames[g]; ok {
		return name
	}
	return fmt.Sprintf("group(%d)", int(g))
}

func ParseGroup(s string) (Group, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for g, name := range groupNames {
		if name == s {
			return g, nil
		}
	}
	return 0, fmt.Errorf("unknown rule group %q", s)
}

// Rule is one row of the classification table. Stage is either a stage id or
// one of the context resolvers below (prefixed with "@").
type Rule struct {
	Group      Group
	Name       string
	Pattern    *regexp.Regexp
	Stage      string
	Confidence float64
}

type resolver func(tax *taxonomy.Taxonomy, current, text string) (string, bool)

var senateMention = regexp.MustCompile(`(?i)\bsenate\b`)

var resolvers = map[string]resolver{
	// Committee referrals land in the chamber the bill is in.
	"@committee": func(tax *taxonomy.Taxonomy, current, text string) (string, bool) {
		if inSenate(tax, current, text) {
			return "senate_committee", true
		}
		return "referred_to_committee", true
	},
	"@committee_reported": func(tax *taxonomy.Taxonomy, current, text string) (string, bool) {
		if inSenate(tax, current, text) {
			return "senate_committee", true
		}
		return "reported_from_committee", true
	},
	"@third_reading_scheduled": func(tax *taxonomy.Taxonomy, current, text string) (string, bool) {
		if inSenate(tax, current, text) {
			return "senate_scheduled_for_3rd_reading", true
		}
		return "scheduled_for_3rd_reading", true
	},
	"@third_reading_passed": func(tax *taxonomy.Taxonomy, current, text string) (string, bool) {
		if inSenate(tax, current, text) {
			return "passed_senate", true
		}
		return "passed_3rd_reading", true
	},
	"@next_scheduled": func(tax *taxonomy.Taxonomy, current, _ string) (string, bool) {
		return tax.FirstScheduledAtOrAfter(current)
	},
	"@completes_current": func(tax *taxonomy.Taxonomy, current, _ string) (string, bool) {
		return tax.CompletionOf(current)
	},
}

func inSenate(tax *taxonomy.Taxonomy, current, text string) bool {
	if zone, ok := tax.ZoneOf(current); ok && zone == domain.ZoneCrossover {
		return true
	}
	return senateMention.MatchString(text)
}

func (r Rule) resolve(tax *taxonomy.Taxonomy, current, text string) (string, bool) {
	if strings.HasPrefix(r.Stage, "@") {
		fn, ok := resolvers[r.Stage]
		if !ok {
			return "", false
		}
		return fn(tax, current, text)
	}
	return r.Stage, true
}

func rule(g Group, name, pattern, stage string, confidence float64) Rule {
	return Rule{
		Group:      g,
		Name:       name,
		Pattern:    regexp.MustCompile(`(?i)` + pattern),
		Stage:      stage,
		Confidence: confidence,
	}
}

// DefaultRules returns the built-in table. Within a group, rows for later
// readings come before earlier ones.
func DefaultRules() []Rule {
	return []Rule{
		rule(GroupCompletion, "signed_by_governor", `\bsigned\s+by\s+(the\s+)?governor\b|\bgovernor\s+signed\b|\bapproved\s+by\s+(the\s+)?governor\b`, "signed_by_governor", 0.95),
		rule(GroupCompletion, "became_law", `\b(became|becomes)\s+law\b|\benacted\b|\bchaptered\b|\bact\s+no\.?\s*\d+\b`, "enacted", 0.95),
		rule(GroupCompletion, "conference_report_adopted", `\bconference\s+(committee\s+)?report\b[^.;]*\b(adopted|agreed\s+to)\b`, "conference_report_adopted", 0.95),
		rule(GroupCompletion, "passed_senate", `\bpassed\s+(the\s+)?senate\b`, "passed_senate", 0.9),
		rule(GroupCompletion, "passed_third_reading", `\b(passed|completed|adopted)\s+(on\s+)?(the\s+)?(third|3rd)\s+reading\b|\b(third|3rd)\s+reading\s+(was\s+|has\s+been\s+)?(passed|completed|adopted)\b|\bread\s+(a\s+)?(third|3rd)\s+time\b`, "@third_reading_passed", 0.95),
		rule(GroupCompletion, "passed_house", `\bpassed\s+(the\s+)?house\b`, "passed_3rd_reading", 0.9),
		rule(GroupCompletion, "passed_second_reading", `\b(passed|completed|adopted)\s+(on\s+)?(the\s+)?(second|2nd)\s+reading\b|\b(second|2nd)\s+reading\s+(was\s+|has\s+been\s+)?(passed|completed|adopted)\b|\bread\s+(a\s+)?(second|2nd)\s+time\b`, "passed_2nd_reading", 0.95),
		rule(GroupCompletion, "reported_from_committee", `\breported\s+(out\s+)?(from|of)\s+(the\s+)?committee\b|\breported\s+favorabl[ey]\b|\bcommittee\s+recommend(s|ed)\s+(passage|do\s+pass)\b`, "@committee_reported", 0.9),
		rule(GroupCompletion, "passed_first_reading", `\b(passed|completed|adopted)\s+(on\s+)?(the\s+)?(first|1st)\s+reading\b|\b(first|1st)\s+reading\s+(was\s+|has\s+been\s+)?(passed|completed|adopted)\b|\bread\s+(a\s+)?(first|1st)\s+time\b`, "passed_1st_reading", 0.95),

		rule(GroupProcedural, "conference_committee", `\bconference\s+committee\b|\bconferees\s+appointed\b|\bsent\s+to\s+conference\b`, "conference_committee", 0.9),
		rule(GroupProcedural, "sent_to_governor", `\b(sent|transmitted|presented|delivered|enrolled)\b[^.;]*\bgovernor\b`, "sent_to_governor", 0.9),
		rule(GroupProcedural, "vetoed", `\bveto(ed)?\b`, "vetoed", 0.9),
		rule(GroupProcedural, "committee_hearing", `\bhearing\b[^.;]*\b(scheduled|set|noticed)\b|\b(scheduled|set|noticed)\b[^.;]*\bhearing\b`, "committee_hearing_scheduled", 0.8),
		rule(GroupProcedural, "referred_to_committee", `\breferred\s+to\b[^.;]*\b(committee|cmte)\b|\bre-?referred\b`, "@committee", 0.85),
		rule(GroupProcedural, "crossover", `\b(transmitted|sent|delivered)\s+to\s+(the\s+)?senate\b|\breceived\s+(in|from)\s+(the\s+)?house\b|\bcross(ed)?\s*over\b`, "crossover", 0.85),

		rule(GroupLaterReading, "third_reading", `\b(third|3rd)\s+reading\b`, "@third_reading_scheduled", 0.75),
		rule(GroupLaterReading, "second_reading", `\b(second|2nd)\s+reading\b`, "scheduled_for_2nd_reading", 0.75),

		rule(GroupScheduling, "scheduled_first_reading", `\b(scheduled|set|calendared|placed|listed)\b[^.;]*\b(first|1st)\s+reading\b|\b(first|1st)\s+reading\b[^.;]*\b(scheduled|set\s+for|calendared)\b`, "scheduled_for_1st_reading", 0.8),
		rule(GroupScheduling, "first_reading_mention", `\b(first|1st)\s+reading\b`, "scheduled_for_1st_reading", 0.6),
		rule(GroupScheduling, "scheduled_generic", `\b(scheduled|calendared|set\s+for|placed\s+on\s+(the\s+)?calendar|on\s+(the\s+)?agenda)\b`, "@next_scheduled", 0.6),

		rule(GroupOutcome, "failed", `\b(failed|defeated|rejected|killed)\b`, "failed", 0.85),
		rule(GroupOutcome, "deferred", `\b(deferred|postponed|tabled|laid\s+on\s+(the\s+)?table|held\s+in\s+committee)\b`, "deferred", 0.85),
		rule(GroupOutcome, "passed_generic", `\b(passed|adopted|approved|carried)\b`, "@completes_current", 0.7),
	}
}
