package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"berkut-incidents/config"
	"berkut-incidents/core/utils"
)

func setupDB(t *testing.T) *DB {
	t.Helper()
	cfg := &config.AppConfig{DBPath: filepath.Join(t.TempDir(), "incidents.db")}
	logger := utils.NewLogger()
	db, err := NewDB(cfg, logger)
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := ApplyMigrations(context.Background(), db, logger); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newOpenIncident(storeID string) *Incident {
	return &Incident{StoreID: storeID, Title: "Door forced", Type: TypeSecurityBreach, Priority: PriorityHigh, Status: StatusOpen, ReportedBy: 1}
}

func TestRebindPostgres(t *testing.T) {
	got := rebind(DialectPostgres, `SELECT '?' , a FROM t WHERE a=? AND b IN (?,?)`)
	want := `SELECT '?' , a FROM t WHERE a=$1 AND b IN ($2,$3)`
	if got != want {
		t.Fatalf("rebind = %q", got)
	}
	if rebind(DialectSQLite, "a=?") != "a=?" {
		t.Fatalf("sqlite queries must stay untouched")
	}
}

func TestCreateIncidentWritesEventsAndAlerts(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	alerts := NewAlertsStore(db)
	if err := alerts.CreateAlert(ctx, &Alert{ID: "A-1", StoreID: "S1", Title: "Motion"}); err != nil {
		t.Fatalf("alert: %v", err)
	}
	incidents := NewIncidentsStore(db)
	timeline := NewTimelineStore(db)
	inc := newOpenIncident("S1")
	inc.RelatedAlertIDs = []string{"A-1", "A-1"}
	id, err := incidents.CreateIncident(ctx, inc, []TimelineEvent{{EventType: EventStatusChange, Description: "created"}, {EventType: EventAlertLinked}})
	if err != nil || id == 0 {
		t.Fatalf("create: %v", err)
	}
	got, err := incidents.GetIncident(ctx, id)
	if err != nil || got == nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusOpen || got.Version != 1 || len(got.RelatedAlertIDs) != 1 {
		t.Fatalf("unexpected incident %+v", got)
	}
	events, err := timeline.ListTimeline(ctx, id)
	if err != nil || len(events) != 2 {
		t.Fatalf("timeline: %v %d", err, len(events))
	}
	alert, _ := alerts.GetAlert(ctx, "A-1")
	if alert == nil || alert.Status != AlertStatusEscalated || alert.IncidentID == nil || *alert.IncidentID != id {
		t.Fatalf("alert not escalated: %+v", alert)
	}
}

func TestCreateIncidentUnknownAlertRollsBack(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	incidents := NewIncidentsStore(db)
	inc := newOpenIncident("S1")
	inc.RelatedAlertIDs = []string{"missing"}
	_, err := incidents.CreateIncident(ctx, inc, []TimelineEvent{{EventType: EventStatusChange}})
	if !errors.Is(err, ErrAlertNotFound) {
		t.Fatalf("expected alert not found, got %v", err)
	}
	list, err := incidents.ListIncidents(ctx, IncidentFilter{})
	if err != nil || len(list) != 0 {
		t.Fatalf("incident must not persist: %v %d", err, len(list))
	}
}

func TestUpdateIncidentVersionConflict(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	incidents := NewIncidentsStore(db)
	timeline := NewTimelineStore(db)
	inc := newOpenIncident("S1")
	id, err := incidents.CreateIncident(ctx, inc, []TimelineEvent{{EventType: EventStatusChange}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	stale, _ := incidents.GetIncident(ctx, id)
	inc.Status = StatusInvestigating
	if err := incidents.UpdateIncident(ctx, inc, 1, &TimelineEvent{EventType: EventStatusChange}); err != nil {
		t.Fatalf("update: %v", err)
	}
	stale.Priority = PriorityCritical
	if err := incidents.UpdateIncident(ctx, stale, stale.Version, &TimelineEvent{EventType: EventEscalation}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	events, _ := timeline.ListTimeline(ctx, id)
	if len(events) != 2 {
		t.Fatalf("conflicting update must not append, got %d events", len(events))
	}
	got, _ := incidents.GetIncident(ctx, id)
	if got.Version != 2 || got.Priority != PriorityHigh {
		t.Fatalf("unexpected state %+v", got)
	}
}

func TestListOpenIncidentsByScope(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	incidents := NewIncidentsStore(db)
	for _, storeID := range []string{"S1", "S1", "S2"} {
		if _, err := incidents.CreateIncident(ctx, newOpenIncident(storeID), nil); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	closed := newOpenIncident("S1")
	closed.Status = StatusClosed
	if _, err := incidents.CreateIncident(ctx, closed, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	all, _ := incidents.ListOpenIncidents(ctx, ScopeGlobal)
	s1, _ := incidents.ListOpenIncidents(ctx, "S1")
	if len(all) != 3 || len(s1) != 2 {
		t.Fatalf("unexpected counts all=%d s1=%d", len(all), len(s1))
	}
}

func TestUsersRosterOrderAndRoles(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	users := NewUsersStore(db)
	a := &User{Username: "anna", Active: true, OnDuty: true, Expertise: []string{"CCTV", "cctv"}}
	b := &User{Username: "boris", Active: true}
	for _, u := range []*User{a, b} {
		if _, err := users.CreateUser(ctx, u); err != nil {
			t.Fatalf("user: %v", err)
		}
	}
	_ = users.AddStoreMember(ctx, "S1", b.ID, "operator")
	_ = users.AddStoreMember(ctx, "S1", a.ID, "manager")
	_ = users.AddStoreMember(ctx, "S1", a.ID, "Operator")
	_ = users.AddStoreMember(ctx, "S2", a.ID, "guard")
	roster, err := users.ListStoreUsers(ctx, "S1")
	if err != nil || len(roster) != 2 {
		t.Fatalf("roster: %v %d", err, len(roster))
	}
	if roster[0].ID != b.ID || roster[1].ID != a.ID {
		t.Fatalf("roster order broken: %+v", roster)
	}
	if len(roster[1].Roles) != 2 || len(roster[1].Expertise) != 1 {
		t.Fatalf("unexpected user %+v", roster[1])
	}
	got, _ := users.GetUser(ctx, a.ID)
	if got == nil || len(got.Roles) != 3 {
		t.Fatalf("unexpected user %+v", got)
	}
	if missing, err := users.GetUser(ctx, 999); err != nil || missing != nil {
		t.Fatalf("missing user: %v %+v", err, missing)
	}
}

func TestEvidenceNumberingAndCustody(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	incidents := NewIncidentsStore(db)
	evidence := NewEvidenceStore(db)
	id, err := incidents.CreateIncident(ctx, newOpenIncident("S1"), nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	first := &Evidence{ID: "ev-1", IncidentID: id, Type: "video", CollectedBy: 3,
		Custody: []CustodyEntry{{Seq: 1, Action: "collected", Person: 3, Timestamp: now, Hash: "h1"}}}
	second := &Evidence{ID: "ev-2", IncidentID: id, Type: "photo", CollectedBy: 3}
	if err := evidence.AddEvidence(ctx, first, &TimelineEvent{EventType: EventEvidenceAdded}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := evidence.AddEvidence(ctx, second, nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	if first.Number != 1 || second.Number != 2 {
		t.Fatalf("numbers %d %d", first.Number, second.Number)
	}
	if err := evidence.AppendCustody(ctx, "ev-1", CustodyEntry{Seq: 3, Action: "moved", Person: 4, Timestamp: now}, nil); !errors.Is(err, ErrCustodyOutOfOrder) {
		t.Fatalf("expected out of order, got %v", err)
	}
	if err := evidence.AppendCustody(ctx, "ev-1", CustodyEntry{Seq: 2, Action: "moved", Person: 4, Timestamp: now, PrevHash: "h1", Hash: "h2"}, &TimelineEvent{EventType: EventCustodyTransfer}); err != nil {
		t.Fatalf("custody: %v", err)
	}
	list, err := evidence.ListEvidence(ctx, id)
	if err != nil || len(list) != 2 {
		t.Fatalf("list: %v %d", err, len(list))
	}
	if len(list[0].Custody) != 2 || list[0].Custody[1].PrevHash != "h1" || !list[0].Custody[0].Timestamp.Equal(now) {
		t.Fatalf("unexpected custody %+v", list[0].Custody)
	}
	events, _ := NewTimelineStore(db).ListTimeline(ctx, id)
	if len(events) != 2 {
		t.Fatalf("expected evidence and custody events, got %d", len(events))
	}
}

func TestRulesStoreScopeAndUpsert(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	rules := NewRulesStore(db)
	five := 5
	for _, r := range []*AssignmentRule{
		{Scope: "S1", Name: "late", Priority: 5, Active: true},
		{Scope: "", Name: "global", Priority: 1, Active: true, Assignment: AssignmentPolicy{RolePreference: []string{"manager"}}},
		{Scope: "S2", Name: "other", Priority: 0, Active: true},
		{Scope: "S1", Name: "off", Priority: 0, Active: false},
	} {
		if _, err := rules.SaveAssignmentRule(ctx, r); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	list, err := rules.ListAssignmentRules(ctx, "S1")
	if err != nil || len(list) != 2 {
		t.Fatalf("list: %v %d", err, len(list))
	}
	if list[0].Name != "global" || list[0].Scope != ScopeGlobal || list[0].Assignment.RolePreference[0] != "manager" {
		t.Fatalf("unexpected order %+v", list)
	}
	again := &AssignmentRule{Scope: "S1", Name: "late", Priority: 0, Active: true}
	id, err := rules.SaveAssignmentRule(ctx, again)
	if err != nil || id != list[1].ID {
		t.Fatalf("upsert must keep id: %v %d vs %d", err, id, list[1].ID)
	}
	esc := &EscalationRule{Scope: "S1", Name: "stale", Active: true, Triggers: EscalationTriggers{UnassignedMinutes: &five}}
	if _, err := rules.SaveEscalationRule(ctx, esc); err != nil {
		t.Fatalf("save escalation: %v", err)
	}
	if _, err := db.ExecContext(ctx, `UPDATE escalation_rules SET triggers_json='{bad' WHERE id=?`, esc.ID); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	escList, err := rules.ListEscalationRules(ctx, "S1")
	if err != nil || len(escList) != 1 || escList[0].LoadErr == nil {
		t.Fatalf("expected decode error to surface: %v %+v", err, escList)
	}
}

func TestDevEnvAllowsSQLite(t *testing.T) {
	logger := utils.NewLogger()
	dev, err := NewDB(&config.AppConfig{DBPath: filepath.Join(t.TempDir(), "dev.db"), AppEnv: "dev"}, logger)
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	defer dev.Close()
	if !dev.devSQLite {
		t.Fatalf("dev environment must allow sqlite")
	}
	prod, err := NewDB(&config.AppConfig{DBPath: filepath.Join(t.TempDir(), "prod.db")}, logger)
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	defer prod.Close()
	if prod.devSQLite {
		t.Fatalf("sqlite must not be allowed outside dev")
	}
}

func TestSetRuleActiveUnknownID(t *testing.T) {
	rules := NewRulesStore(setupDB(t))
	ctx := context.Background()
	if err := rules.SetAssignmentRuleActive(ctx, 404, false); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("expected ErrRuleNotFound, got %v", err)
	}
	if err := rules.SetEscalationRuleActive(ctx, 404, false); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("expected ErrRuleNotFound, got %v", err)
	}
}
