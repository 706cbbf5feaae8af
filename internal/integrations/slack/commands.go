package slackbot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"billtracker/internal/domain"
	"billtracker/internal/overlay"

	"github.com/slack-go/slack"
)

func (b *Bot) handleStage(ctx context.Context, cmd slack.SlashCommand) {
	args, err := parseStageArgs(cmd.Text)
	if err != nil {
		postEphemeral(b.api, cmd, err.Error())
		return
	}
	bill, err := b.svc.FindBill(ctx, args.Bill)
	if err != nil {
		postEphemeral(b.api, cmd, describeError(err, "bill "+args.Bill))
		return
	}
	actor := b.actorFor(cmd.UserID)
	res, err := b.svc.RequestChange(ctx, actor, bill.ID, args.Stage, args.Note)
	if err != nil {
		postEphemeral(b.api, cmd, describeError(err, "bill "+bill.Number))
		log.Printf("stage error user=%s bill=%s stage=%q: %v", cmd.UserID, bill.Number, args.Stage, err)
		return
	}
	tax := b.svc.Taxonomy()
	if res.Committed {
		postEphemeral(b.api, cmd, fmt.Sprintf("Moved *%s* from %s to *%s*.", bill.Number, tax.Title(res.FromStage), tax.Title(res.Stage)))
		log.Printf("stage committed user=%s bill=%s stage=%s", cmd.UserID, bill.Number, res.Stage)
		return
	}
	postEphemeral(b.api, cmd, fmt.Sprintf("Proposed *%s* → *%s*. It shows on the board as pending until an approver acts on it.",
		bill.Number, tax.Title(res.Stage)))
	log.Printf("stage proposed user=%s bill=%s stage=%s proposal=%s", cmd.UserID, bill.Number, res.Stage, res.Proposal.ID)
	b.announceProposal(bill, *res.Proposal)
}

// announceProposal posts a new proposal to the review channel with buttons.
func (b *Bot) announceProposal(bill domain.Bill, p domain.Proposal) {
	if b.cfg.ReportChannelID == "" {
		return
	}
	blocks := proposalBlocks(b.svc.Taxonomy(), bill, p, domain.Actor{Role: domain.RoleAdmin})
	fallback := fmt.Sprintf("New proposal for %s", bill.Number)
	if _, _, err := b.api.PostMessage(b.cfg.ReportChannelID, slack.MsgOptionText(fallback, false), slack.MsgOptionBlocks(blocks...)); err != nil {
		log.Printf("announce proposal=%s error: %v", p.ID, err)
	}
}

func (b *Bot) handleProposals(ctx context.Context, cmd slack.SlashCommand) {
	actor := b.actorFor(cmd.UserID)
	proposals, err := b.svc.LoadProposals(ctx, actor)
	if err != nil {
		postEphemeral(b.api, cmd, describeError(err, "proposals"))
		return
	}
	if len(proposals) == 0 {
		postEphemeral(b.api, cmd, "No pending proposals.")
		return
	}
	bills, err := b.svc.Bills(ctx)
	if err != nil {
		postEphemeral(b.api, cmd, fmt.Sprintf("Error: %v", err))
		return
	}
	byID := make(map[int64]domain.Bill, len(bills))
	for _, bill := range bills {
		byID[bill.ID] = bill
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType,
			fmt.Sprintf("Pending proposals (%d)", len(proposals)), false, false)),
	}
	shown := 0
	for _, p := range proposals {
		if shown == maxProposalsShown {
			break
		}
		bill, ok := byID[p.BillID]
		if !ok {
			continue
		}
		blocks = append(blocks, proposalBlocks(b.svc.Taxonomy(), bill, p, actor)...)
		shown++
	}
	if len(proposals) > shown {
		blocks = append(blocks, slack.NewContextBlock("", slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("%d more not shown.", len(proposals)-shown), false, false)))
	}
	postEphemeralBlocks(b.api, cmd.ChannelID, cmd.UserID, fmt.Sprintf("%d pending proposals", len(proposals)), blocks)
	log.Printf("proposals user=%s count=%d", cmd.UserID, len(proposals))
}

func (b *Bot) handleBoard(ctx context.Context, cmd slack.SlashCommand) {
	cards, err := overlay.Cards(ctx, b.svc.Taxonomy(), b.svc, b.board)
	if err != nil {
		postEphemeral(b.api, cmd, fmt.Sprintf("Error loading board: %v", err))
		return
	}
	postEphemeral(b.api, cmd, overlay.FormatBoardText(b.svc.Taxonomy(), cards))
}

func (b *Bot) handleClassify(ctx context.Context, cmd slack.SlashCommand) {
	ref, text, ok := strings.Cut(strings.TrimSpace(cmd.Text), " ")
	text = strings.TrimSpace(text)
	if !ok || text == "" {
		postEphemeral(b.api, cmd, "Usage: /classify <bill> <status text>\nExample: /classify HB12 Passed second reading 45-12")
		return
	}
	bill, err := b.svc.FindBill(ctx, ref)
	if err != nil {
		postEphemeral(b.api, cmd, describeError(err, "bill "+ref))
		return
	}
	res, err := b.svc.ClassifyObservation(ctx, bill.ID, text, b.now(), "slack")
	if err != nil {
		postEphemeral(b.api, cmd, describeError(err, "bill "+bill.Number))
		log.Printf("classify error user=%s bill=%s: %v", cmd.UserID, bill.Number, err)
		return
	}
	postEphemeral(b.api, cmd, formatClassifyResult(b.svc.Taxonomy(), bill, res))
	if res.Proposal != nil {
		b.announceProposal(bill, *res.Proposal)
	}
}

func (b *Bot) handleFlags(ctx context.Context, cmd slack.SlashCommand) {
	actor := b.actorFor(cmd.UserID)
	args, err := parseFlagsArgs(cmd.Text)
	if err != nil {
		postEphemeral(b.api, cmd, err.Error())
		return
	}
	if args.Resolve {
		flag, err := b.svc.ResolveFlag(ctx, actor, args.FlagID, args.Stage)
		if err != nil {
			postEphemeral(b.api, cmd, describeError(err, fmt.Sprintf("flag %d", args.FlagID)))
			return
		}
		postEphemeral(b.api, cmd, fmt.Sprintf("Flag %d resolved at *%s*.", flag.ID, b.svc.Taxonomy().Title(flag.ResolutionStage)))
		return
	}

	flags, err := b.svc.ListFlags(ctx, actor, 0, true)
	if err != nil {
		postEphemeral(b.api, cmd, describeError(err, "flags"))
		return
	}
	if len(flags) == 0 {
		postEphemeral(b.api, cmd, "No open misclassification flags.")
		return
	}
	bills, err := b.svc.Bills(ctx)
	if err != nil {
		postEphemeral(b.api, cmd, fmt.Sprintf("Error: %v", err))
		return
	}
	numbers := make(map[int64]string, len(bills))
	for _, bill := range bills {
		numbers[bill.ID] = bill.Number
	}
	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType,
			fmt.Sprintf("Open flags (%d)", len(flags)), false, false)),
		slack.NewContextBlock("", slack.NewTextBlockObject(slack.MarkdownType,
			"Correct a flag with `/flags resolve <id> <stage>`.", false, false)),
	}
	for i, f := range flags {
		if i == maxProposalsShown {
			break
		}
		blocks = append(blocks, flagBlocks(b.svc.Taxonomy(), numbers[f.BillID], f)...)
	}
	postEphemeralBlocks(b.api, cmd.ChannelID, cmd.UserID, fmt.Sprintf("%d open flags", len(flags)), blocks)
}

func (b *Bot) handleStages(cmd slack.SlashCommand) {
	postEphemeral(b.api, cmd, formatStages(b.svc.Taxonomy()))
}

func (b *Bot) handleBills(ctx context.Context, cmd slack.SlashCommand) {
	bills, err := b.svc.Bills(ctx)
	if err != nil {
		postEphemeral(b.api, cmd, fmt.Sprintf("Error: %v", err))
		return
	}
	postEphemeral(b.api, cmd, formatBills(b.svc.Taxonomy(), bills))
}

func (b *Bot) handleBillAdd(ctx context.Context, cmd slack.SlashCommand) {
	args, err := parseBillAddArgs(cmd.Text)
	if err != nil {
		postEphemeral(b.api, cmd, err.Error())
		return
	}
	bill, err := b.svc.RegisterBill(ctx, b.actorFor(cmd.UserID), args.Number, args.Title, args.Stage)
	if err != nil {
		postEphemeral(b.api, cmd, describeError(err, "bill "+args.Number))
		return
	}
	postEphemeral(b.api, cmd, fmt.Sprintf("Tracking *%s* at %s.", bill.Number, b.svc.Taxonomy().Title(bill.CurrentStage)))
}

func (b *Bot) handleHelp(cmd slack.SlashCommand) {
	lines := []string{
		"*Bill Tracker Commands*",
		"",
		"`/stage <bill> <stage> [| note]` — Move a bill, or propose the move if you need approval.",
		">*Example:* `/stage HB12 passed_2nd_reading | vote was 45-12`",
		"`/proposals` — Pending proposals you can see, with buttons.",
		"`/board` — Bills by zone, with pending proposals beside them.",
		"`/classify <bill> <status text>` — Record status text and let the classifier suggest a stage.",
		"`/stages` — The stage catalog.",
		"`/bills` — Tracked bills.",
	}
	if b.cfg.ActorFor(cmd.UserID).Role.Privileged() {
		lines = append(lines,
			"",
			"*Approver Commands*",
			"",
			"`/flags` — Classifier suggestions rejected as regressions.",
			"`/flags resolve <id> [stage]` — Close a flag, optionally correcting the stage.",
			"`/bill-add <number> <title> [| stage]` — Start tracking a bill.",
		)
	}
	postEphemeral(b.api, cmd, strings.Join(lines, "\n"))
}

func (b *Bot) approveAction(ctx context.Context, channelID string, actor domain.Actor, proposalID string) {
	p, err := b.svc.ApproveProposal(ctx, actor, proposalID)
	if err != nil {
		postEphemeralTo(b.api, channelID, actor.UserID, describeError(err, "proposal"))
		return
	}
	postEphemeralTo(b.api, channelID, actor.UserID, fmt.Sprintf("Approved. Bill moved to *%s*.", b.svc.Taxonomy().Title(p.ProposedStage)))
}

func (b *Bot) rejectAction(ctx context.Context, channelID string, actor domain.Actor, proposalID string) {
	if _, err := b.svc.RejectProposal(ctx, actor, proposalID); err != nil {
		postEphemeralTo(b.api, channelID, actor.UserID, describeError(err, "proposal"))
		return
	}
	postEphemeralTo(b.api, channelID, actor.UserID, "Rejected. The bill keeps its stage.")
}

func (b *Bot) withdrawAction(ctx context.Context, channelID string, actor domain.Actor, proposalID string) {
	if err := b.svc.WithdrawProposal(ctx, actor, proposalID); err != nil {
		postEphemeralTo(b.api, channelID, actor.UserID, describeError(err, "proposal"))
		return
	}
	postEphemeralTo(b.api, channelID, actor.UserID, "Proposal withdrawn.")
}

func (b *Bot) keepFlagAction(ctx context.Context, channelID string, actor domain.Actor, value string) {
	flagID, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		postEphemeralTo(b.api, channelID, actor.UserID, "Invalid flag id.")
		return
	}
	flag, err := b.svc.ResolveFlag(ctx, actor, flagID, "")
	if err != nil {
		postEphemeralTo(b.api, channelID, actor.UserID, describeError(err, fmt.Sprintf("flag %d", flagID)))
		return
	}
	postEphemeralTo(b.api, channelID, actor.UserID, fmt.Sprintf("Flag %d closed, bill stays at *%s*.", flag.ID, b.svc.Taxonomy().Title(flag.ResolutionStage)))
}

// describeError turns workflow errors into a reply. A missing proposal or
// flag almost always means someone else got there first.
func describeError(err error, subject string) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		if strings.HasPrefix(subject, "bill ") {
			return fmt.Sprintf("I can't find %s. Use `/bills` to see tracked bills.", subject)
		}
		return fmt.Sprintf("That %s was already resolved.", subject)
	case errors.Is(err, domain.ErrForbidden):
		return "You don't have permission to do that."
	case errors.Is(err, domain.ErrStaleTransition):
		return fmt.Sprintf("The stage of %s changed since this was proposed: %v", subject, err)
	case errors.Is(err, domain.ErrValidation):
		return fmt.Sprintf("Invalid request: %v", err)
	case errors.Is(err, domain.ErrClassifierTimeout):
		return "The classifier is not responding right now. The status text was saved and will be retried."
	}
	return fmt.Sprintf("Error: %v", err)
}
