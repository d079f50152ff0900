package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"
)

type UsersStore interface {
	CreateUser(ctx context.Context, u *User) (int64, error)
	GetUser(ctx context.Context, id int64) (*User, error)
	SetUserActive(ctx context.Context, id int64, active bool) error
	SetUserOnDuty(ctx context.Context, id int64, onDuty bool) error
	TouchUser(ctx context.Context, id int64, seenAt time.Time) error
	// AddStoreMember appends a user to a store roster with a role; position keeps roster order.
	AddStoreMember(ctx context.Context, storeID string, userID int64, role string) error
	// ListStoreUsers returns the store roster in roster order, each user carrying its store roles.
	ListStoreUsers(ctx context.Context, storeID string) ([]User, error)
}

type usersStore struct {
	db *DB
}

func NewUsersStore(db *DB) UsersStore {
	return &usersStore{db: db}
}

func (s *usersStore) CreateUser(ctx context.Context, u *User) (int64, error) {
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	id, err := s.db.insertID(ctx, `
		INSERT INTO users(username, full_name, active, on_duty, expertise, last_seen_at, created_at)
		VALUES(?,?,?,?,?,?,?)`,
		strings.TrimSpace(u.Username), strings.TrimSpace(u.FullName), boolToInt(u.Active), boolToInt(u.OnDuty), stringsToJSON(normalizeTags(u.Expertise)), nullableTime(u.LastSeenAt), u.CreatedAt.UTC())
	if err != nil {
		return 0, err
	}
	u.ID = id
	return id, nil
}

func (s *usersStore) GetUser(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, username, full_name, active, on_duty, expertise, last_seen_at, created_at
		FROM users WHERE id=?`, id)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT role FROM store_users WHERE user_id=? ORDER BY role`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		u.Roles = append(u.Roles, role)
	}
	return u, rows.Err()
}

func (s *usersStore) SetUserActive(ctx context.Context, id int64, active bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET active=? WHERE id=?`, boolToInt(active), id)
	return err
}

func (s *usersStore) SetUserOnDuty(ctx context.Context, id int64, onDuty bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET on_duty=? WHERE id=?`, boolToInt(onDuty), id)
	return err
}

func (s *usersStore) TouchUser(ctx context.Context, id int64, seenAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_seen_at=? WHERE id=?`, seenAt.UTC(), id)
	return err
}

func (s *usersStore) AddStoreMember(ctx context.Context, storeID string, userID int64, role string) error {
	storeID = strings.TrimSpace(storeID)
	role = strings.ToLower(strings.TrimSpace(role))
	if storeID == "" || role == "" || userID <= 0 {
		return errors.New("store member requires store, user and role")
	}
	var next int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) + 1 FROM store_users WHERE store_id=?`, storeID).Scan(&next); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO store_users(store_id, user_id, role, position) VALUES(?,?,?,?)
		ON CONFLICT (store_id, user_id, role) DO NOTHING`, storeID, userID, role, next)
	return err
}

func (s *usersStore) ListStoreUsers(ctx context.Context, storeID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.username, u.full_name, u.active, u.on_duty, u.expertise, u.last_seen_at, u.created_at, su.role, su.position
		FROM store_users su JOIN users u ON u.id = su.user_id
		WHERE su.store_id=?
		ORDER BY su.position ASC, u.id ASC`, strings.TrimSpace(storeID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	byID := map[int64]*User{}
	firstPos := map[int64]int{}
	var order []int64
	for rows.Next() {
		var u User
		var active, onDuty int
		var expertise, role string
		var lastSeen sql.NullTime
		var pos int
		if err := rows.Scan(&u.ID, &u.Username, &u.FullName, &active, &onDuty, &expertise, &lastSeen, &u.CreatedAt, &role, &pos); err != nil {
			return nil, err
		}
		existing, ok := byID[u.ID]
		if !ok {
			u.Active = active == 1
			u.OnDuty = onDuty == 1
			_ = json.Unmarshal([]byte(expertise), &u.Expertise)
			if lastSeen.Valid {
				val := lastSeen.Time.UTC()
				u.LastSeenAt = &val
			}
			existing = &u
			byID[u.ID] = existing
			firstPos[u.ID] = pos
			order = append(order, u.ID)
		}
		existing.Roles = append(existing.Roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(order, func(i, j int) bool { return firstPos[order[i]] < firstPos[order[j]] })
	res := make([]User, 0, len(order))
	for _, id := range order {
		res = append(res, *byID[id])
	}
	return res, nil
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var active, onDuty int
	var expertise string
	var lastSeen sql.NullTime
	if err := row.Scan(&u.ID, &u.Username, &u.FullName, &active, &onDuty, &expertise, &lastSeen, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Active = active == 1
	u.OnDuty = onDuty == 1
	_ = json.Unmarshal([]byte(expertise), &u.Expertise)
	if lastSeen.Valid {
		val := lastSeen.Time.UTC()
		u.LastSeenAt = &val
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

func normalizeTags(tags []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, raw := range tags {
		val := strings.ToLower(strings.TrimSpace(raw))
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
