package slackbot

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"billtracker/internal/domain"
	"billtracker/internal/taxonomy"
	"billtracker/internal/workflow"

	"github.com/slack-go/slack"
)

const (
	actionApprove  = "proposal_approve"
	actionReject   = "proposal_reject"
	actionWithdraw = "proposal_withdraw"
	actionKeepFlag = "flag_keep"

	maxProposalsShown = 20
	noteSeparator     = "|"
)

type stageArgs struct {
	Bill  string
	Stage string
	Note  string
}

// parseStageArgs reads "<bill> <stage words> [| note]". The stage may be an
// id or a title with spaces.
func parseStageArgs(text string) (stageArgs, error) {
	usage := errors.New("Usage: /stage <bill> <stage> [| note]\nExample: /stage HB12 passed_2nd_reading | vote was 45-12")
	head, note, _ := strings.Cut(text, noteSeparator)
	fields := strings.Fields(head)
	if len(fields) < 2 {
		return stageArgs{}, usage
	}
	return stageArgs{
		Bill:  fields[0],
		Stage: strings.Join(fields[1:], " "),
		Note:  strings.TrimSpace(note),
	}, nil
}

type billAddArgs struct {
	Number string
	Title  string
	Stage  string
}

// parseBillAddArgs reads "<number> <title words> [| stage]". Numbers are
// typed with or without a space after the chamber prefix ("HB 12").
func parseBillAddArgs(text string) (billAddArgs, error) {
	usage := errors.New("Usage: /bill-add <number> <title> [| stage]\nExample: /bill-add HB12 Clean Water Act | referred_to_committee")
	head, stage, _ := strings.Cut(text, noteSeparator)
	fields := strings.Fields(head)
	if len(fields) == 0 {
		return billAddArgs{}, usage
	}
	number := fields[0]
	rest := fields[1:]
	if len(rest) > 0 && isAllDigits(rest[0]) && !strings.ContainsAny(number, "0123456789") {
		number += rest[0]
		rest = rest[1:]
	}
	if len(rest) == 0 {
		return billAddArgs{}, usage
	}
	return billAddArgs{Number: number, Title: strings.Join(rest, " "), Stage: strings.TrimSpace(stage)}, nil
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

type flagsArgs struct {
	Resolve bool
	FlagID  int64
	Stage   string
}

func parseFlagsArgs(text string) (flagsArgs, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return flagsArgs{}, nil
	}
	if !strings.EqualFold(fields[0], "resolve") || len(fields) < 2 {
		return flagsArgs{}, errors.New("Usage: /flags or /flags resolve <id> [stage]")
	}
	id, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return flagsArgs{}, fmt.Errorf("Flag id must be a number, got %q", fields[1])
	}
	return flagsArgs{Resolve: true, FlagID: id, Stage: strings.Join(fields[2:], " ")}, nil
}

// proposalBlocks renders one proposal with the buttons the viewer may use.
func proposalBlocks(tax *taxonomy.Taxonomy, bill domain.Bill, p domain.Proposal, viewer domain.Actor) []slack.Block {
	by := p.ProposerName
	if by == "" {
		by = p.ProposerID
	}
	text := fmt.Sprintf("*%s* %s → *%s*\n_by %s", bill.Number, tax.Title(p.CurrentStageSnapshot), tax.Title(p.ProposedStage), by)
	if p.Source == domain.SourceClassifier {
		text += fmt.Sprintf(", confidence %.0f%%", p.Confidence*100)
	}
	text += "_"
	if p.Note != "" {
		text += "\n>" + p.Note
	}
	if p.CurrentStageSnapshot != bill.CurrentStage {
		text += fmt.Sprintf("\n:warning: bill is now at %s", tax.Title(bill.CurrentStage))
	}

	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
	}
	var buttons []slack.BlockElement
	if viewer.Role.Privileged() {
		buttons = append(buttons,
			slack.NewButtonBlockElement(actionApprove, p.ID,
				slack.NewTextBlockObject(slack.PlainTextType, "Approve", false, false)).WithStyle(slack.StylePrimary),
			slack.NewButtonBlockElement(actionReject, p.ID,
				slack.NewTextBlockObject(slack.PlainTextType, "Reject", false, false)).WithStyle(slack.StyleDanger),
		)
	}
	if viewer.UserID != "" && viewer.UserID == p.ProposerID {
		buttons = append(buttons, slack.NewButtonBlockElement(actionWithdraw, p.ID,
			slack.NewTextBlockObject(slack.PlainTextType, "Withdraw", false, false)))
	}
	if len(buttons) > 0 {
		blocks = append(blocks, slack.NewActionBlock("proposal_"+p.ID, buttons...))
	}
	return blocks
}

func flagBlocks(tax *taxonomy.Taxonomy, number string, f domain.MisclassificationFlag) []slack.Block {
	text := fmt.Sprintf("*#%d %s* classifier said *%s*, kept *%s* (%.0f%%)\n>%s",
		f.ID, number, tax.Title(f.RejectedStage), tax.Title(f.KeptStage), f.Confidence*100, truncate(f.StatusText, 200))
	keep := slack.NewButtonBlockElement(actionKeepFlag, strconv.FormatInt(f.ID, 10),
		slack.NewTextBlockObject(slack.PlainTextType, "Keep stage", false, false))
	return []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, slack.NewAccessory(keep)),
	}
}

func formatStages(tax *taxonomy.Taxonomy) string {
	var b strings.Builder
	for _, zone := range tax.Zones() {
		b.WriteString(fmt.Sprintf("*%s*\n", zone))
		for _, s := range tax.StagesInZone(zone) {
			b.WriteString(fmt.Sprintf("• `%s` %s\n", s.ID, s.Title))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatBills(tax *taxonomy.Taxonomy, bills []domain.Bill) string {
	if len(bills) == 0 {
		return "No bills are being tracked. Add one with `/bill-add`."
	}
	lines := make([]string, 0, len(bills)+1)
	lines = append(lines, fmt.Sprintf("*Tracked bills (%d)*", len(bills)))
	for _, bill := range bills {
		line := fmt.Sprintf("• *%s* %s", bill.Number, tax.Title(bill.CurrentStage))
		if bill.Title != "" {
			line += " — " + truncate(bill.Title, 80)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func formatClassifyResult(tax *taxonomy.Taxonomy, bill domain.Bill, res workflow.ClassifyResult) string {
	suggested := tax.Title(res.Result.Stage)
	switch res.Outcome {
	case workflow.OutcomeUnchanged:
		msg := fmt.Sprintf("*%s* stays at %s.", bill.Number, tax.Title(res.CurrentStage))
		if res.ResolvedFlags > 0 {
			msg += fmt.Sprintf(" Closed %d open flag(s) that kept this stage.", res.ResolvedFlags)
		}
		return msg
	case workflow.OutcomeFlagged:
		return fmt.Sprintf(":triangular_flag_on_post: Classifier suggested *%s* for *%s*, which would move it backwards from %s. Flagged for review.",
			suggested, bill.Number, tax.Title(res.CurrentStage))
	case workflow.OutcomeLowConfidence:
		return fmt.Sprintf("Classifier leans towards *%s* for *%s* but only at %.0f%%. No proposal filed.",
			suggested, bill.Number, res.Result.Confidence*100)
	case workflow.OutcomeProposed:
		return fmt.Sprintf("Classifier proposed *%s* → *%s* (%.0f%%). Waiting for approval.",
			bill.Number, suggested, res.Result.Confidence*100)
	}
	return fmt.Sprintf("Classifier result for *%s*: %s", bill.Number, suggested)
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
