package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

type AlertsStore interface {
	CreateAlert(ctx context.Context, a *Alert) error
	GetAlert(ctx context.Context, id string) (*Alert, error)
	ListIncidentAlerts(ctx context.Context, incidentID int64) ([]Alert, error)
}

type alertsStore struct {
	db *DB
}

func NewAlertsStore(db *DB) AlertsStore {
	return &alertsStore{db: db}
}

func (s *alertsStore) CreateAlert(ctx context.Context, a *Alert) error {
	a.ID = strings.TrimSpace(a.ID)
	a.StoreID = strings.TrimSpace(a.StoreID)
	if a.ID == "" || a.StoreID == "" {
		return errors.New("alert requires id and store")
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = a.CreatedAt
	if strings.TrimSpace(a.Status) == "" {
		a.Status = "new"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts(id, store_id, title, status, incident_id, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?)`,
		a.ID, a.StoreID, strings.TrimSpace(a.Title), a.Status, nullableID(a.IncidentID), a.CreatedAt.UTC(), a.UpdatedAt.UTC())
	return err
}

func (s *alertsStore) GetAlert(ctx context.Context, id string) (*Alert, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, store_id, title, status, incident_id, created_at, updated_at
		FROM alerts WHERE id=?`, strings.TrimSpace(id))
	a, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return a, nil
}

func (s *alertsStore) ListIncidentAlerts(ctx context.Context, incidentID int64) ([]Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, title, status, incident_id, created_at, updated_at
		FROM alerts WHERE incident_id=? ORDER BY created_at ASC, id ASC`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *a)
	}
	return res, rows.Err()
}

func scanAlert(row rowScanner) (*Alert, error) {
	var a Alert
	var incidentID sql.NullInt64
	if err := row.Scan(&a.ID, &a.StoreID, &a.Title, &a.Status, &incidentID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if incidentID.Valid {
		val := incidentID.Int64
		a.IncidentID = &val
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}
