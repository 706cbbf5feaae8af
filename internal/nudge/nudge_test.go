package nudge

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"billtracker/internal/config"
	"billtracker/internal/domain"

	"github.com/slack-go/slack"
)

func TestNextWeekday(t *testing.T) {
	loc := time.UTC

	// Same day before target time -> same day trigger.
	now := time.Date(2026, 2, 16, 8, 0, 0, 0, loc) // Monday
	next := nextWeekday(now, time.Monday, 9, 0)
	want := time.Date(2026, 2, 16, 9, 0, 0, 0, loc)
	if !next.Equal(want) {
		t.Fatalf("unexpected nextWeekday same-day result: got %v want %v", next, want)
	}

	// Same day after target time -> next week.
	now = time.Date(2026, 2, 16, 11, 0, 0, 0, loc)
	next = nextWeekday(now, time.Monday, 9, 0)
	want = time.Date(2026, 2, 23, 9, 0, 0, 0, loc)
	if !next.Equal(want) {
		t.Fatalf("unexpected nextWeekday rollover result: got %v want %v", next, want)
	}

	// Different day -> nearest upcoming requested weekday, across a month end.
	now = time.Date(2026, 2, 26, 12, 0, 0, 0, loc) // Thursday
	next = nextWeekday(now, time.Monday, 9, 30)
	want = time.Date(2026, 3, 2, 9, 30, 0, 0, loc)
	if !next.Equal(want) {
		t.Fatalf("unexpected nextWeekday cross-month result: got %v want %v", next, want)
	}
}

func proposal(billID int64, proposer string, created time.Time) domain.Proposal {
	return domain.Proposal{
		ID:         "p-" + proposer,
		BillID:     billID,
		ProposerID: proposer,
		Status:     domain.StatusPending,
		CreatedAt:  created,
	}
}

func TestNudgeMessage(t *testing.T) {
	day := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	proposals := []domain.Proposal{
		proposal(7, "U-member", day),
		proposal(3, "U-member2", day.AddDate(0, 0, -2)),
		proposal(7, "U-sup", day),
	}

	msg := nudgeMessage("U-sup", proposals, "C-reports")
	if !strings.Contains(msg, "2 stage-change proposals are waiting") {
		t.Fatalf("expected own proposal to be excluded, got %q", msg)
	}
	if !strings.Contains(msg, "oldest from Mar 2") {
		t.Fatalf("expected oldest date, got %q", msg)
	}
	if !strings.Contains(msg, "<#C-reports>") {
		t.Fatalf("expected channel reference, got %q", msg)
	}
	if strings.Index(msg, "bill #3") > strings.Index(msg, "bill #7") {
		t.Fatalf("expected bills in id order, got %q", msg)
	}

	if msg := nudgeMessage("U-member", []domain.Proposal{proposal(7, "U-member", day)}, ""); msg != "" {
		t.Fatalf("expected no nudge for own proposals, got %q", msg)
	}
	if msg := nudgeMessage("U-sup", proposals[:1], ""); !strings.Contains(msg, "1 stage-change proposal is waiting") {
		t.Fatalf("expected singular wording, got %q", msg)
	}
}

type fakeMessenger struct {
	opened  []string
	posted  []string
	openErr map[string]error
}

func (m *fakeMessenger) OpenConversation(params *slack.OpenConversationParameters) (*slack.Channel, bool, bool, error) {
	user := params.Users[0]
	if err := m.openErr[user]; err != nil {
		return nil, false, false, err
	}
	m.opened = append(m.opened, user)
	ch := &slack.Channel{}
	ch.ID = "D-" + user
	return ch, false, false, nil
}

func (m *fakeMessenger) PostMessage(channelID string, _ ...slack.MsgOption) (string, string, error) {
	m.posted = append(m.posted, channelID)
	return channelID, "1", nil
}

type fakeProposals struct {
	byUser map[string][]domain.Proposal
	seen   []domain.Actor
}

func (f *fakeProposals) LoadProposals(_ context.Context, actor domain.Actor) ([]domain.Proposal, error) {
	f.seen = append(f.seen, actor)
	if actor.UserID == "U-broken" {
		return nil, errors.New("db closed")
	}
	return f.byUser[actor.UserID], nil
}

func TestSendNudges(t *testing.T) {
	cfg := config.Config{
		AdminSlackIDs: []string{"U-admin", "U-broken"},
		Supervisors:   map[string][]string{"U-sup": {"U-member"}, "U-idle": nil, "U-closed": {"U-x"}},
	}
	now := time.Now()
	src := &fakeProposals{byUser: map[string][]domain.Proposal{
		"U-admin":  {proposal(1, "U-member", now)},
		"U-sup":    {proposal(1, "U-member", now)},
		"U-closed": {proposal(2, "U-x", now)},
	}}
	api := &fakeMessenger{openErr: map[string]error{"U-closed": errors.New("cannot_dm_bot")}}

	sent := sendNudges(context.Background(), api, cfg, src, cfg.Approvers())
	if sent != 2 {
		t.Fatalf("expected 2 nudges, got %d (posted=%v)", sent, api.posted)
	}
	if strings.Join(api.posted, ",") != "D-U-admin,D-U-sup" {
		t.Fatalf("unexpected DM channels: %v", api.posted)
	}
	for _, actor := range src.seen {
		if actor.UserID == "U-sup" && actor.Role != domain.RoleSupervisor {
			t.Fatalf("expected supervisor scope for U-sup, got %s", actor.Role)
		}
	}
}

func TestStartWithoutApproversIsNoop(t *testing.T) {
	api := &fakeMessenger{}
	Start(context.Background(), config.Config{Location: time.UTC}, api, &fakeProposals{})
	if len(api.opened) != 0 {
		t.Fatalf("expected no DMs, got %v", api.opened)
	}
}
