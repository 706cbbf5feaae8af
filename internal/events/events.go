// Package events publishes ledger changes so other clients can refresh their
// overlay without polling.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const subjectPrefix = "billtracker."

const (
	ProposalCreated   = subjectPrefix + "proposal.created"
	ProposalApproved  = subjectPrefix + "proposal.approved"
	ProposalRejected  = subjectPrefix + "proposal.rejected"
	ProposalWithdrawn = subjectPrefix + "proposal.withdrawn"
	BillCommitted     = subjectPrefix + "bill.committed"
	BillRegistered    = subjectPrefix + "bill.registered"
	BillArchived      = subjectPrefix + "bill.archived"
	FlagCreated       = subjectPrefix + "flag.created"
	FlagResolved      = subjectPrefix + "flag.resolved"

	// All matches every subject above.
	All = subjectPrefix + ">"
)

// Event is the JSON payload of every subject. Fields that do not apply to a
// subject are omitted.
type Event struct {
	Subject      string    `json:"subject"`
	BillID       int64     `json:"bill_id"`
	BillNumber   string    `json:"bill_number,omitempty"`
	BillTitle    string    `json:"bill_title,omitempty"`
	ProposalID   string    `json:"proposal_id,omitempty"`
	FlagID       int64     `json:"flag_id,omitempty"`
	FromStage    string    `json:"from_stage,omitempty"`
	Stage        string    `json:"stage,omitempty"`
	ProposerID   string    `json:"proposer_id,omitempty"`
	ProposerName string    `json:"proposer_name,omitempty"`
	ActorID      string    `json:"actor_id,omitempty"`
	Source       string    `json:"source,omitempty"`
	Confidence   float64   `json:"confidence,omitempty"`
	At           time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Noop drops every event; used when no NATS URL is configured.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

type NATSPublisher struct {
	nc     *nats.Conn
	mu     sync.Mutex
	closed bool
}

func Connect(url string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("billtracker"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("events nats disconnected err=%v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("events nats reconnected url=%s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSPublisher{nc: nc}, nil
}

// Publish is fire-and-forget: NATS core publish does not wait for
// subscribers, so the context is only checked before sending.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	if !strings.HasPrefix(ev.Subject, subjectPrefix) {
		return fmt.Errorf("subject %q outside %s namespace", ev.Subject, subjectPrefix)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.nc.Publish(ev.Subject, data)
}

func (p *NATSPublisher) Conn() *nats.Conn {
	return p.nc
}

func (p *NATSPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}

// Subscribe delivers decoded events on every billtracker subject. Messages
// that do not decode are logged and skipped.
func Subscribe(nc *nats.Conn, handler func(Event)) (*nats.Subscription, error) {
	return nc.Subscribe(All, func(msg *nats.Msg) {
		ev, err := Decode(msg.Data)
		if err != nil {
			log.Printf("events decode subject=%s err=%v", msg.Subject, err)
			return
		}
		if ev.Subject == "" {
			ev.Subject = msg.Subject
		}
		handler(ev)
	})
}

func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("unmarshal event: %w", err)
	}
	return ev, nil
}

// Recorder keeps published events in memory in place of a broker.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Subjects returns the subjects published so far, in order.
func (r *Recorder) Subjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Subject
	}
	return out
}
