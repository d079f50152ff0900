// Package notify publishes incident events to external sinks.
package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"berkut-incidents/core/utils"
)

const (
	TypeIncidentCreated  = "incident.created"
	TypeStatusChanged    = "incident.status_changed"
	TypeAssigned         = "incident.assigned"
	TypeEvidenceAdded    = "incident.evidence_added"
	TypeCustodyTransfer  = "incident.custody_transfer"
	TypeNoteAdded        = "incident.note_added"
	TypeEscalated        = "incident.escalated"
	TypeEscalationTarget = "incident.escalation_target"
)

type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	StoreID    string         `json:"store_id"`
	IncidentID int64          `json:"incident_id"`
	Title      string         `json:"title,omitempty"`
	Priority   string         `json:"priority,omitempty"`
	Status     string         `json:"status,omitempty"`
	Actor      int64          `json:"actor"`
	Targets    []string       `json:"targets,omitempty"`
	Message    string         `json:"message,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

func NewEvent(eventType string, incidentID int64, at time.Time) Event {
	return Event{ID: uuid.Must(uuid.NewV4()).String(), Type: eventType, IncidentID: incidentID, OccurredAt: at.UTC()}
}

// Gateway accepts fire-and-forget publications keyed by store.
type Gateway interface {
	Publish(ctx context.Context, storeID string, ev Event) error
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Gateway

func (m Multi) Publish(ctx context.Context, storeID string, ev Event) error {
	var errs []error
	for _, g := range m {
		if g == nil {
			continue
		}
		if err := g.Publish(ctx, storeID, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type LogGateway struct {
	logger *utils.Logger
}

func NewLogGateway(logger *utils.Logger) *LogGateway {
	return &LogGateway{logger: logger}
}

func (g *LogGateway) Publish(_ context.Context, storeID string, ev Event) error {
	g.logger.Infow("incident event", "store_id", storeID, "type", ev.Type, "incident_id", ev.IncidentID, "targets", strings.Join(ev.Targets, ","), "message", ev.Message)
	return nil
}

// Recorder keeps published events in memory. Err, when set, is returned from every Publish.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
	Err    error
}

type Recorded struct {
	StoreID string
	Event   Event
}

func (r *Recorder) Publish(_ context.Context, storeID string, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, Recorded{StoreID: storeID, Event: ev})
	return nil
}

func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recorded(nil), r.events...)
}

// OfType returns recorded events of the given type.
func (r *Recorder) OfType(eventType string) []Event {
	var res []Event
	for _, rec := range r.Events() {
		if rec.Event.Type == eventType {
			res = append(res, rec.Event)
		}
	}
	return res
}
