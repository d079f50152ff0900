package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

var ErrCustodyOutOfOrder = errors.New("custody sequence out of order")

type EvidenceStore interface {
	// AddEvidence assigns the next per-incident evidence number, stores the item with
	// its initial custody entries and appends ev in one transaction.
	AddEvidence(ctx context.Context, item *Evidence, ev *TimelineEvent) error
	// AppendCustody stores entry as the next link of the evidence chain; entry.Seq
	// must follow the last stored seq.
	AppendCustody(ctx context.Context, evidenceID string, entry CustodyEntry, ev *TimelineEvent) error
	GetEvidence(ctx context.Context, id string) (*Evidence, error)
	ListEvidence(ctx context.Context, incidentID int64) ([]Evidence, error)
}

type evidenceStore struct {
	db *DB
}

func NewEvidenceStore(db *DB) EvidenceStore {
	return &evidenceStore{db: db}
}

func (s *evidenceStore) AddEvidence(ctx context.Context, item *Evidence, ev *TimelineEvent) error {
	if strings.TrimSpace(item.ID) == "" || item.IncidentID <= 0 {
		return errors.New("evidence requires id and incident")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	var next int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(evidence_no), 0) + 1 FROM incident_evidence WHERE incident_id=?`, item.IncidentID).Scan(&next); err != nil {
		tx.Rollback()
		return err
	}
	now := time.Now().UTC()
	if item.CollectedAt.IsZero() {
		item.CollectedAt = now
	}
	item.Number = next
	item.CreatedAt = now
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO incident_evidence(id, incident_id, evidence_no, evidence_type, description, collected_by, collected_at, created_at)
		VALUES(?,?,?,?,?,?,?,?)`,
		item.ID, item.IncidentID, item.Number, strings.TrimSpace(item.Type), strings.TrimSpace(item.Description), item.CollectedBy, item.CollectedAt.UTC(), item.CreatedAt); err != nil {
		tx.Rollback()
		return err
	}
	for _, entry := range item.Custody {
		if err := insertCustodyTx(ctx, tx, item.ID, entry); err != nil {
			tx.Rollback()
			return err
		}
	}
	if ev != nil {
		ev.IncidentID = item.IncidentID
		if _, err := appendTimelineTx(ctx, tx, ev); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *evidenceStore) AppendCustody(ctx context.Context, evidenceID string, entry CustodyEntry, ev *TimelineEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	var incidentID int64
	var last int
	if err := tx.QueryRowContext(ctx, `
		SELECT e.incident_id, COALESCE(MAX(c.seq), 0)
		FROM incident_evidence e LEFT JOIN incident_evidence_custody c ON c.evidence_id = e.id
		WHERE e.id=? GROUP BY e.incident_id`, evidenceID).Scan(&incidentID, &last); err != nil {
		tx.Rollback()
		return err
	}
	if entry.Seq != last+1 {
		tx.Rollback()
		return ErrCustodyOutOfOrder
	}
	if err := insertCustodyTx(ctx, tx, evidenceID, entry); err != nil {
		tx.Rollback()
		return err
	}
	if ev != nil {
		ev.IncidentID = incidentID
		if _, err := appendTimelineTx(ctx, tx, ev); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *evidenceStore) GetEvidence(ctx context.Context, id string) (*Evidence, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, incident_id, evidence_no, evidence_type, description, collected_by, collected_at, created_at
		FROM incident_evidence WHERE id=?`, strings.TrimSpace(id))
	item, err := scanEvidence(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	chains, err := s.custodyChains(ctx, `c.evidence_id=?`, item.ID)
	if err != nil {
		return nil, err
	}
	item.Custody = chains[item.ID]
	return item, nil
}

func (s *evidenceStore) ListEvidence(ctx context.Context, incidentID int64) ([]Evidence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, incident_id, evidence_no, evidence_type, description, collected_by, collected_at, created_at
		FROM incident_evidence WHERE incident_id=? ORDER BY evidence_no ASC`, incidentID)
	if err != nil {
		return nil, err
	}
	var res []Evidence
	for rows.Next() {
		item, err := scanEvidence(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, *item)
	}
	err = rows.Err()
	rows.Close()
	if err != nil || len(res) == 0 {
		return res, err
	}
	chains, err := s.custodyChains(ctx, `e.incident_id=?`, incidentID)
	if err != nil {
		return nil, err
	}
	for i := range res {
		res[i].Custody = chains[res[i].ID]
	}
	return res, nil
}

func (s *evidenceStore) custodyChains(ctx context.Context, where string, arg any) (map[string][]CustodyEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.evidence_id, c.seq, c.action, c.person, c.role, c.event_at, c.prev_hash, c.hash
		FROM incident_evidence_custody c JOIN incident_evidence e ON e.id = c.evidence_id
		WHERE `+where+` ORDER BY c.evidence_id, c.seq ASC`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string][]CustodyEntry{}
	for rows.Next() {
		var evidenceID string
		var c CustodyEntry
		if err := rows.Scan(&evidenceID, &c.Seq, &c.Action, &c.Person, &c.Role, &c.Timestamp, &c.PrevHash, &c.Hash); err != nil {
			return nil, err
		}
		c.Timestamp = c.Timestamp.UTC()
		res[evidenceID] = append(res[evidenceID], c)
	}
	return res, rows.Err()
}

func insertCustodyTx(ctx context.Context, tx *Tx, evidenceID string, c CustodyEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO incident_evidence_custody(evidence_id, seq, action, person, role, event_at, prev_hash, hash)
		VALUES(?,?,?,?,?,?,?,?)`,
		evidenceID, c.Seq, strings.TrimSpace(c.Action), c.Person, strings.TrimSpace(c.Role), c.Timestamp.UTC(), c.PrevHash, c.Hash)
	return err
}

func scanEvidence(row rowScanner) (*Evidence, error) {
	var item Evidence
	if err := row.Scan(&item.ID, &item.IncidentID, &item.Number, &item.Type, &item.Description, &item.CollectedBy, &item.CollectedAt, &item.CreatedAt); err != nil {
		return nil, err
	}
	item.CollectedAt = item.CollectedAt.UTC()
	item.CreatedAt = item.CreatedAt.UTC()
	return &item, nil
}
