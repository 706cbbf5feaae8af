// Package nudge reminds approvers once a week about stage-change proposals
// still waiting for them.
package nudge

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"billtracker/internal/config"
	"billtracker/internal/domain"

	"github.com/slack-go/slack"
)

// Messenger is the part of the Slack client a nudge needs.
type Messenger interface {
	OpenConversation(params *slack.OpenConversationParameters) (*slack.Channel, bool, bool, error)
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
}

// Proposals lists what an approver can act on.
type Proposals interface {
	LoadProposals(ctx context.Context, actor domain.Actor) ([]domain.Proposal, error)
}

func Start(ctx context.Context, cfg config.Config, api Messenger, src Proposals) {
	approvers := cfg.Approvers()
	if len(approvers) == 0 {
		log.Println("No admins or supervisors configured, nudge disabled")
		return
	}

	weekday, err := config.ParseWeekday(cfg.NudgeDay)
	if err != nil {
		log.Printf("Invalid nudge_day '%s', using Monday", cfg.NudgeDay)
		weekday = time.Monday
	}
	hour, min, err := config.ParseClock(cfg.NudgeTime)
	if err != nil {
		log.Printf("Invalid nudge_time '%s': %v, using 09:00", cfg.NudgeTime, err)
		hour, min = 9, 0
	}

	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	log.Printf("Nudge scheduled every %s at %02d:%02d for %d approvers", weekday, hour, min, len(approvers))

	go func() {
		for {
			now := time.Now().In(loc)
			next := nextWeekday(now, weekday, hour, min)
			wait := next.Sub(now)
			log.Printf("Next nudge at %s (in %s)", next.Format("Mon Jan 2 15:04"), wait.Round(time.Minute))

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			sendNudges(ctx, api, cfg, src, approvers)
		}
	}()
}

func nextWeekday(now time.Time, day time.Weekday, hour, min int) time.Time {
	daysUntil := (day - now.Weekday() + 7) % 7
	if daysUntil == 0 {
		target := time.Date(now.Year(), now.Month(), now.Day(), hour, min, 0, 0, now.Location())
		if now.Before(target) {
			return target
		}
		daysUntil = 7
	}
	return time.Date(now.Year(), now.Month(), now.Day()+int(daysUntil), hour, min, 0, 0, now.Location())
}

// sendNudges DMs every approver who has proposals from someone else waiting.
// It returns how many messages went out.
func sendNudges(ctx context.Context, api Messenger, cfg config.Config, src Proposals, approvers []string) int {
	sent := 0
	for _, userID := range approvers {
		proposals, err := src.LoadProposals(ctx, cfg.ActorFor(userID))
		if err != nil {
			log.Printf("Error loading proposals for %s: %v", userID, err)
			continue
		}
		msg := nudgeMessage(userID, proposals, cfg.ReportChannelID)
		if msg == "" {
			continue
		}

		channel, _, _, err := api.OpenConversation(&slack.OpenConversationParameters{
			Users: []string{userID},
		})
		if err != nil {
			log.Printf("Error opening DM with %s: %v", userID, err)
			continue
		}
		_, _, err = api.PostMessage(channel.ID, slack.MsgOptionText(msg, false))
		if err != nil {
			log.Printf("Error sending nudge to %s: %v", userID, err)
			continue
		}
		log.Printf("Sent nudge to %s", userID)
		sent++
	}
	return sent
}

// nudgeMessage is empty when nothing waits on userID.
func nudgeMessage(userID string, proposals []domain.Proposal, reportChannelID string) string {
	byBill := make(map[int64]int)
	var oldest time.Time
	total := 0
	for _, p := range proposals {
		if p.ProposerID == userID || p.Status != domain.StatusPending {
			continue
		}
		byBill[p.BillID]++
		total++
		if oldest.IsZero() || p.CreatedAt.Before(oldest) {
			oldest = p.CreatedAt
		}
	}
	if total == 0 {
		return ""
	}

	noun := "proposals are"
	if total == 1 {
		noun = "proposal is"
	}
	msg := fmt.Sprintf("Hey! %d stage-change %s waiting for your review (oldest from %s). Use `/proposals` to approve or reject.",
		total, noun, oldest.Format("Jan 2"))
	if reportChannelID != "" {
		msg += fmt.Sprintf(" New proposals are posted in <#%s>.", reportChannelID)
	}

	var ids []int64
	for id := range byBill {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var lines []string
	for _, id := range ids {
		lines = append(lines, fmt.Sprintf("• bill #%d: %d pending", id, byBill[id]))
	}
	return msg + "\n" + strings.Join(lines, "\n")
}
