// Package slackbot is the Slack surface of the workflow: slash commands for
// proposing and reviewing stage changes and buttons for approving them.
package slackbot

import (
	"context"
	"log"
	"strings"
	"time"

	"billtracker/internal/config"
	"billtracker/internal/domain"
	"billtracker/internal/overlay"
	"billtracker/internal/workflow"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
)

const commandTimeout = 2 * time.Minute

type Bot struct {
	api   *slack.Client
	svc   *workflow.Service
	cfg   config.Config
	board *overlay.Reconciler
	now   func() time.Time
}

type Option func(*Bot)

// WithBoard answers /board from a live reconciler.
func WithBoard(r *overlay.Reconciler) Option {
	return func(b *Bot) { b.board = r }
}

func New(cfg config.Config, svc *workflow.Service, api *slack.Client, opts ...Option) *Bot {
	b := &Bot{api: api, svc: svc, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run blocks until the socket-mode connection ends or ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	client := socketmode.New(b.api)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-client.Events:
				if !ok {
					return
				}
				switch evt.Type {
				case socketmode.EventTypeSlashCommand:
					client.Ack(*evt.Request)
					cmd, ok := evt.Data.(slack.SlashCommand)
					if !ok {
						continue
					}
					log.Printf("Slash command received: %s from user=%s channel=%s", cmd.Command, cmd.UserID, cmd.ChannelID)
					go b.handleSlashCommand(ctx, cmd)
				case socketmode.EventTypeInteractive:
					client.Ack(*evt.Request)
					callback, ok := evt.Data.(slack.InteractionCallback)
					if !ok {
						continue
					}
					go b.handleInteraction(ctx, callback)
				}
			}
		}
	}()

	log.Println("Slack bot connected via Socket Mode")
	return client.RunContext(ctx)
}

func (b *Bot) handleSlashCommand(parent context.Context, cmd slack.SlashCommand) {
	ctx, cancel := context.WithTimeout(parent, commandTimeout)
	defer cancel()

	switch cmd.Command {
	case "/stage":
		b.handleStage(ctx, cmd)
	case "/proposals":
		b.handleProposals(ctx, cmd)
	case "/board":
		b.handleBoard(ctx, cmd)
	case "/classify":
		b.handleClassify(ctx, cmd)
	case "/flags":
		b.handleFlags(ctx, cmd)
	case "/stages":
		b.handleStages(cmd)
	case "/bills":
		b.handleBills(ctx, cmd)
	case "/bill-add":
		b.handleBillAdd(ctx, cmd)
	case "/help":
		b.handleHelp(cmd)
	}
}

func (b *Bot) handleInteraction(parent context.Context, cb slack.InteractionCallback) {
	if cb.Type != slack.InteractionTypeBlockActions || len(cb.ActionCallback.BlockActions) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(parent, commandTimeout)
	defer cancel()

	act := cb.ActionCallback.BlockActions[0]
	channelID := cb.Channel.ID
	if channelID == "" {
		channelID = cb.Container.ChannelID
	}
	actor := b.actorFor(cb.User.ID)
	value := strings.TrimSpace(act.Value)

	switch act.ActionID {
	case actionApprove:
		b.approveAction(ctx, channelID, actor, value)
	case actionReject:
		b.rejectAction(ctx, channelID, actor, value)
	case actionWithdraw:
		b.withdrawAction(ctx, channelID, actor, value)
	case actionKeepFlag:
		b.keepFlagAction(ctx, channelID, actor, value)
	}
}

// actorFor resolves the role from configuration and the display name from
// the Slack directory.
func (b *Bot) actorFor(userID string) domain.Actor {
	actor := b.cfg.ActorFor(userID)
	actor.Name = lookupDisplayName(b.api, userID)
	return actor
}

func postEphemeral(api *slack.Client, cmd slack.SlashCommand, text string) {
	postEphemeralTo(api, cmd.ChannelID, cmd.UserID, text)
}

func postEphemeralTo(api *slack.Client, channelID, userID, text string) {
	_, err := api.PostEphemeral(channelID, userID, slack.MsgOptionText(text, false))
	if err != nil {
		log.Printf("Error posting ephemeral: %v", err)
	}
}

func postEphemeralBlocks(api *slack.Client, channelID, userID, fallback string, blocks []slack.Block) {
	_, err := api.PostEphemeral(channelID, userID, slack.MsgOptionText(fallback, false), slack.MsgOptionBlocks(blocks...))
	if err != nil {
		log.Printf("Error posting ephemeral blocks: %v", err)
		postEphemeralTo(api, channelID, userID, fallback)
	}
}
