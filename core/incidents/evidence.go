package incidents

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"golang.org/x/crypto/blake2b"

	"berkut-incidents/core/incerr"
	"berkut-incidents/core/notify"
	"berkut-incidents/core/store"
)

type EvidenceInput struct {
	Type        string     `json:"type"`
	Description string     `json:"description"`
	CollectedBy int64      `json:"collected_by"`
	CollectedAt *time.Time `json:"collected_at"`
	Role        string     `json:"role"`
}

type CustodyInput struct {
	Action string `json:"action"`
	Person int64  `json:"person"`
	Role   string `json:"role"`
}

const custodyCollected = "collected"

// AddEvidence registers a new evidence item with its first custody entry.
func (s *Service) AddEvidence(ctx context.Context, id int64, in EvidenceInput) (*store.Evidence, error) {
	in.Type = strings.TrimSpace(in.Type)
	if in.Type == "" {
		return nil, incerr.Validation("evidence type required")
	}
	if in.CollectedBy <= 0 {
		return nil, incerr.Validation("evidence collector required")
	}
	unlock := s.locks.Lock(id)
	defer unlock()
	inc, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	at, err := s.stamp(ctx, inc)
	if err != nil {
		return nil, err
	}
	item := &store.Evidence{
		ID:          uuid.Must(uuid.NewV4()).String(),
		IncidentID:  inc.ID,
		Type:        in.Type,
		Description: strings.TrimSpace(in.Description),
		CollectedBy: in.CollectedBy,
		CollectedAt: at,
	}
	if in.CollectedAt != nil && !in.CollectedAt.IsZero() {
		item.CollectedAt = in.CollectedAt.UTC()
	}
	entry := store.CustodyEntry{Seq: 1, Action: custodyCollected, Person: in.CollectedBy, Role: strings.TrimSpace(in.Role), Timestamp: at.Truncate(time.Microsecond)}
	entry.Hash = custodyHash(item.ID, entry)
	item.Custody = []store.CustodyEntry{entry}
	ev := newEvent(store.EventEvidenceAdded, "evidence added: "+item.Type, in.CollectedBy, at,
		map[string]any{"evidence_id": item.ID, "type": item.Type})
	if err := s.evidence.AddEvidence(ctx, item, ev); err != nil {
		return nil, err
	}
	out := notify.NewEvent(notify.TypeEvidenceAdded, inc.ID, at)
	out.Actor = in.CollectedBy
	out.Details = map[string]any{"evidence_id": item.ID, "evidence_no": item.Number}
	s.publish(ctx, inc, out)
	return item, nil
}

// TransferCustody appends a custody entry chained to the previous one.
func (s *Service) TransferCustody(ctx context.Context, id int64, evidenceID string, in CustodyInput) (*store.Evidence, error) {
	in.Action = strings.TrimSpace(in.Action)
	if in.Action == "" || in.Person <= 0 {
		return nil, incerr.Validation("custody action and person required")
	}
	unlock := s.locks.Lock(id)
	defer unlock()
	inc, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	item, err := s.evidence.GetEvidence(ctx, evidenceID)
	if err != nil {
		return nil, err
	}
	if item == nil || item.IncidentID != inc.ID {
		return nil, incerr.NotFound("evidence %s", evidenceID)
	}
	at, err := s.stamp(ctx, inc)
	if err != nil {
		return nil, err
	}
	entry := store.CustodyEntry{Seq: len(item.Custody) + 1, Action: in.Action, Person: in.Person, Role: strings.TrimSpace(in.Role), Timestamp: at.Truncate(time.Microsecond)}
	if n := len(item.Custody); n > 0 {
		entry.PrevHash = item.Custody[n-1].Hash
	}
	entry.Hash = custodyHash(item.ID, entry)
	ev := newEvent(store.EventCustodyTransfer, fmt.Sprintf("evidence #%d: %s", item.Number, in.Action), in.Person, at,
		map[string]any{"evidence_id": item.ID, "seq": entry.Seq, "action": entry.Action})
	if err := s.evidence.AppendCustody(ctx, item.ID, entry, ev); err != nil {
		return nil, err
	}
	item.Custody = append(item.Custody, entry)
	out := notify.NewEvent(notify.TypeCustodyTransfer, inc.ID, at)
	out.Actor = in.Person
	out.Details = map[string]any{"evidence_id": item.ID, "seq": entry.Seq}
	s.publish(ctx, inc, out)
	return item, nil
}

// VerifyCustody recomputes the hash chain of an evidence item.
func VerifyCustody(item store.Evidence) error {
	prev := ""
	for i, c := range item.Custody {
		if c.Seq != i+1 {
			return fmt.Errorf("custody entry %d has seq %d", i+1, c.Seq)
		}
		if c.PrevHash != prev {
			return fmt.Errorf("custody entry %d does not link to its predecessor", c.Seq)
		}
		if custodyHash(item.ID, c) != c.Hash {
			return fmt.Errorf("custody entry %d hash mismatch", c.Seq)
		}
		prev = c.Hash
	}
	return nil
}

func custodyHash(evidenceID string, c store.CustodyEntry) string {
	h, _ := blake2b.New256(nil)
	fmt.Fprintf(h, "%s|%d|%s|%d|%s|%s|%s", evidenceID, c.Seq, c.Action, c.Person, c.Role, c.Timestamp.UTC().Format(time.RFC3339Nano), c.PrevHash)
	return hex.EncodeToString(h.Sum(nil))
}
