package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrConflict      = errors.New("conflict")
	ErrAlertNotFound = errors.New("alert not found")
)

type IncidentFilter struct {
	StoreID      string
	Statuses     []Status
	AssignedTo   int64
	CreatedSince *time.Time
	Limit        int
}

type IncidentsStore interface {
	// CreateIncident writes the incident, marks every related alert as escalated
	// and appends events in one transaction.
	CreateIncident(ctx context.Context, incident *Incident, events []TimelineEvent) (int64, error)
	// UpdateIncident persists incident if its version still equals expectedVersion
	// and appends events in the same transaction.
	UpdateIncident(ctx context.Context, incident *Incident, expectedVersion int, events ...*TimelineEvent) error
	GetIncident(ctx context.Context, id int64) (*Incident, error)
	ListOpenIncidents(ctx context.Context, scope string) ([]Incident, error)
	ListUserOpenIncidents(ctx context.Context, userID int64) ([]Incident, error)
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, error)
}

type TimelineStore interface {
	AppendTimelineEvent(ctx context.Context, ev *TimelineEvent) (int64, error)
	ListTimeline(ctx context.Context, incidentID int64) ([]TimelineEvent, error)
}

type incidentsStore struct {
	db *DB
}

func NewIncidentsStore(db *DB) IncidentsStore {
	return &incidentsStore{db: db}
}

func NewTimelineStore(db *DB) TimelineStore {
	return &incidentsStore{db: db}
}

const incidentColumns = `id, store_id, title, description, incident_type, priority, status, assigned_to, reported_by, location, related_alert_ids, metadata_json, created_at, updated_at, resolved_at, closed_at, version`

func (s *incidentsStore) CreateIncident(ctx context.Context, incident *Incident, events []TimelineEvent) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	if incident.CreatedAt.IsZero() {
		incident.CreatedAt = now
	}
	if incident.UpdatedAt.IsZero() {
		incident.UpdatedAt = incident.CreatedAt
	}
	if incident.Version <= 0 {
		incident.Version = 1
	}
	incident.RelatedAlertIDs = normalizeIDs(incident.RelatedAlertIDs)
	id, err := tx.insertID(ctx, `
		INSERT INTO incidents(store_id, title, description, incident_type, priority, status, assigned_to, reported_by, location, related_alert_ids, metadata_json, created_at, updated_at, resolved_at, closed_at, version)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		strings.TrimSpace(incident.StoreID), strings.TrimSpace(incident.Title), incident.Description, string(incident.Type), string(incident.Priority), string(incident.Status),
		nullableID(incident.AssignedTo), incident.ReportedBy, strings.TrimSpace(incident.Location), stringsToJSON(incident.RelatedAlertIDs), metadataToJSON(incident.Metadata),
		incident.CreatedAt.UTC(), incident.UpdatedAt.UTC(), nullableTime(incident.ResolvedAt), nullableTime(incident.ClosedAt), incident.Version)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	for _, alertID := range incident.RelatedAlertIDs {
		res, err := tx.ExecContext(ctx, `
			UPDATE alerts SET status=?, incident_id=?, updated_at=? WHERE id=? AND store_id=?`,
			AlertStatusEscalated, id, now, alertID, strings.TrimSpace(incident.StoreID))
		if err != nil {
			tx.Rollback()
			return 0, err
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			tx.Rollback()
			return 0, fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
		}
	}
	for i := range events {
		events[i].IncidentID = id
		if _, err := appendTimelineTx(ctx, tx, &events[i]); err != nil {
			tx.Rollback()
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	incident.ID = id
	return id, nil
}

func (s *incidentsStore) UpdateIncident(ctx context.Context, incident *Incident, expectedVersion int, events ...*TimelineEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if incident.UpdatedAt.IsZero() {
		incident.UpdatedAt = time.Now().UTC()
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE incidents SET title=?, description=?, incident_type=?, priority=?, status=?, assigned_to=?, location=?, metadata_json=?, updated_at=?, resolved_at=?, closed_at=?, version=version+1
		WHERE id=? AND version=?`,
		strings.TrimSpace(incident.Title), incident.Description, string(incident.Type), string(incident.Priority), string(incident.Status), nullableID(incident.AssignedTo),
		strings.TrimSpace(incident.Location), metadataToJSON(incident.Metadata), incident.UpdatedAt.UTC(), nullableTime(incident.ResolvedAt), nullableTime(incident.ClosedAt),
		incident.ID, expectedVersion)
	if err != nil {
		tx.Rollback()
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		tx.Rollback()
		return ErrConflict
	}
	for _, ev := range events {
		if ev == nil {
			continue
		}
		ev.IncidentID = incident.ID
		if _, err := appendTimelineTx(ctx, tx, ev); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	incident.Version = expectedVersion + 1
	return nil
}

func (s *incidentsStore) GetIncident(ctx context.Context, id int64) (*Incident, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id=?`, id)
	inc, err := scanIncident(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return inc, nil
}

func (s *incidentsStore) ListOpenIncidents(ctx context.Context, scope string) ([]Incident, error) {
	filter := IncidentFilter{Statuses: []Status{StatusOpen, StatusInvestigating}}
	if scope = strings.TrimSpace(scope); scope != "" && !strings.EqualFold(scope, ScopeGlobal) {
		filter.StoreID = scope
	}
	return s.ListIncidents(ctx, filter)
}

func (s *incidentsStore) ListUserOpenIncidents(ctx context.Context, userID int64) ([]Incident, error) {
	if userID <= 0 {
		return nil, nil
	}
	return s.ListIncidents(ctx, IncidentFilter{AssignedTo: userID, Statuses: []Status{StatusOpen, StatusInvestigating}})
}

func (s *incidentsStore) ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, error) {
	var clauses []string
	var args []any
	if filter.StoreID != "" {
		clauses = append(clauses, "store_id=?")
		args = append(args, filter.StoreID)
	}
	if len(filter.Statuses) > 0 {
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", placeholders(len(filter.Statuses))))
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.AssignedTo > 0 {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, filter.AssignedTo)
	}
	if filter.CreatedSince != nil {
		clauses = append(clauses, "created_at>=?")
		args = append(args, filter.CreatedSince.UTC())
	}
	query := `SELECT ` + incidentColumns + ` FROM incidents`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *inc)
	}
	return res, rows.Err()
}

func (s *incidentsStore) AppendTimelineEvent(ctx context.Context, ev *TimelineEvent) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	id, err := appendTimelineTx(ctx, tx, ev)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *incidentsStore) ListTimeline(ctx context.Context, incidentID int64) ([]TimelineEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, incident_id, event_type, description, details_json, triggered_by, event_at, created_at
		FROM incident_timeline WHERE incident_id=?
		ORDER BY event_at ASC, id ASC`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []TimelineEvent
	for rows.Next() {
		var ev TimelineEvent
		var details string
		if err := rows.Scan(&ev.ID, &ev.IncidentID, &ev.EventType, &ev.Description, &details, &ev.TriggeredBy, &ev.Timestamp, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if strings.TrimSpace(details) != "" && details != "{}" {
			ev.Details = json.RawMessage(details)
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

func appendTimelineTx(ctx context.Context, tx *Tx, ev *TimelineEvent) (int64, error) {
	if ev.IncidentID <= 0 {
		return 0, errors.New("timeline event without incident")
	}
	now := time.Now().UTC()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	} else {
		ev.Timestamp = ev.Timestamp.UTC()
	}
	details := "{}"
	if len(ev.Details) > 0 {
		details = string(ev.Details)
	}
	id, err := tx.insertID(ctx, `
		INSERT INTO incident_timeline(incident_id, event_type, description, details_json, triggered_by, event_at, created_at)
		VALUES(?,?,?,?,?,?,?)`,
		ev.IncidentID, strings.TrimSpace(ev.EventType), strings.TrimSpace(ev.Description), details, ev.TriggeredBy, ev.Timestamp, now)
	if err != nil {
		return 0, err
	}
	ev.ID = id
	ev.CreatedAt = now
	return id, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (*Incident, error) {
	var inc Incident
	var incType, priority, status string
	var assigned sql.NullInt64
	var alertsRaw, metaRaw string
	var resolvedAt, closedAt sql.NullTime
	if err := row.Scan(&inc.ID, &inc.StoreID, &inc.Title, &inc.Description, &incType, &priority, &status, &assigned, &inc.ReportedBy, &inc.Location,
		&alertsRaw, &metaRaw, &inc.CreatedAt, &inc.UpdatedAt, &resolvedAt, &closedAt, &inc.Version); err != nil {
		return nil, err
	}
	inc.Type = IncidentType(incType)
	inc.Priority = Priority(priority)
	inc.Status = Status(status)
	if assigned.Valid && assigned.Int64 > 0 {
		val := assigned.Int64
		inc.AssignedTo = &val
	}
	if resolvedAt.Valid {
		val := resolvedAt.Time.UTC()
		inc.ResolvedAt = &val
	}
	if closedAt.Valid {
		val := closedAt.Time.UTC()
		inc.ClosedAt = &val
	}
	inc.CreatedAt = inc.CreatedAt.UTC()
	inc.UpdatedAt = inc.UpdatedAt.UTC()
	_ = json.Unmarshal([]byte(alertsRaw), &inc.RelatedAlertIDs)
	if strings.TrimSpace(metaRaw) != "" && metaRaw != "{}" {
		_ = json.Unmarshal([]byte(metaRaw), &inc.Metadata)
	}
	return &inc, nil
}

func metadataToJSON(meta map[string]string) string {
	if len(meta) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func stringsToJSON(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(raw)
}

func normalizeIDs(items []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, raw := range items {
		val := strings.TrimSpace(raw)
		if val == "" {
			continue
		}
		if _, ok := seen[val]; ok {
			continue
		}
		seen[val] = struct{}{}
		out = append(out, val)
	}
	return out
}
