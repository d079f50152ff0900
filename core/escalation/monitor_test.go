package escalation

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"berkut-incidents/config"
	"berkut-incidents/core/assignment"
	"berkut-incidents/core/incidents"
	"berkut-incidents/core/notify"
	"berkut-incidents/core/roster"
	"berkut-incidents/core/store"
	"berkut-incidents/core/utils"
	"berkut-incidents/core/workload"
)

type sweepEnv struct {
	svc       *incidents.Service
	incidents store.IncidentsStore
	timeline  store.TimelineStore
	users     store.UsersStore
	rules     store.RulesStore
	clock     *utils.ManualClock
	gw        *notify.Recorder
	logger    *utils.Logger
}

func setupSweep(t *testing.T) *sweepEnv {
	t.Helper()
	logger := utils.NewLogger()
	db, err := store.NewDB(&config.AppConfig{DBPath: filepath.Join(t.TempDir(), "sweep.db")}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.ApplyMigrations(context.Background(), db, logger))

	clock := utils.NewManualClock(created)
	incStore := store.NewIncidentsStore(db)
	timeline := store.NewTimelineStore(db)
	users := store.NewUsersStore(db)
	rules := store.NewRulesStore(db)
	avail := roster.NewStaticProvider()
	roles, err := roster.NewRoleResolver(nil)
	require.NoError(t, err)
	tracker := workload.NewTracker(users, incStore, timeline, avail, clock, 0)
	gw := &notify.Recorder{}
	svc := incidents.NewService(incidents.Deps{
		Incidents: incStore,
		Timeline:  timeline,
		Evidence:  store.NewEvidenceStore(db),
		Users:     users,
		Assigner:  assignment.NewEngine(rules, users, tracker, avail, roles, clock, logger),
		Workload:  tracker,
		Roles:     roles,
		Gateway:   gw,
		Clock:     clock,
		Logger:    logger,
	})
	return &sweepEnv{svc: svc, incidents: incStore, timeline: timeline, users: users, rules: rules, clock: clock, gw: gw, logger: logger}
}

func (e *sweepEnv) monitor(escalator Escalator, gate SweepGate, opts Options) *Monitor {
	if escalator == nil {
		escalator = e.svc
	}
	return NewMonitor(e.rules, e.incidents, e.timeline, escalator, gate, e.clock, e.logger, opts)
}

func (e *sweepEnv) incident(t *testing.T, storeID string, p store.Priority) *store.Incident {
	t.Helper()
	inc, err := e.svc.CreateIncident(context.Background(), incidents.CreateInput{StoreID: storeID, Title: "Door forced", Type: "security_breach", Priority: string(p), ReportedBy: 1})
	require.NoError(t, err)
	return inc
}

func (e *sweepEnv) rule(t *testing.T, r store.EscalationRule) int64 {
	t.Helper()
	if r.Scope == "" {
		r.Scope = store.ScopeGlobal
	}
	r.Active = true
	id, err := e.rules.SaveEscalationRule(context.Background(), &r)
	require.NoError(t, err)
	return id
}

func (e *sweepEnv) sweepAt(t *testing.T, m *Monitor, at time.Time) *Report {
	t.Helper()
	e.clock.Set(at)
	rep, err := m.RunEscalationSweep(context.Background())
	require.NoError(t, err)
	return rep
}

func (e *sweepEnv) escalations(t *testing.T, id int64) []store.EscalationDetails {
	t.Helper()
	events, err := e.timeline.ListTimeline(context.Background(), id)
	require.NoError(t, err)
	var res []store.EscalationDetails
	for _, ev := range events {
		if ev.EventType != store.EventEscalation {
			continue
		}
		var d store.EscalationDetails
		require.NoError(t, ev.DecodeDetails(&d))
		res = append(res, d)
	}
	return res
}

func TestSweepUnassignedThreshold(t *testing.T) {
	e := setupSweep(t)
	inc := e.incident(t, "S1", store.PriorityLow)
	e.rule(t, store.EscalationRule{Name: "unassigned", Triggers: store.EscalationTriggers{UnassignedMinutes: intp(5)}, Actions: store.EscalationActions{IncreasePriority: true}})
	m := e.monitor(nil, nil, Options{Dedupe: true})

	rep := e.sweepAt(t, m, created.Add(4*time.Minute+59*time.Second))
	assert.Equal(t, 1, rep.Incidents)
	assert.Equal(t, 0, rep.Fired)
	assert.Empty(t, e.escalations(t, inc.ID))

	rep = e.sweepAt(t, m, created.Add(5*time.Minute))
	assert.Equal(t, 1, rep.Fired)
	esc := e.escalations(t, inc.ID)
	require.Len(t, esc, 1)
	assert.Equal(t, []string{TriggerUnassigned}, esc[0].Triggers)
	assert.Equal(t, store.PriorityMedium, esc[0].NewPriority)
}

func TestSweepEscalatesToManagerWithoutAssignmentRule(t *testing.T) {
	e := setupSweep(t)
	ctx := context.Background()
	mgr, err := e.users.CreateUser(ctx, &store.User{Username: "mgr", Active: true, OnDuty: true})
	require.NoError(t, err)
	require.NoError(t, e.users.AddStoreMember(ctx, "S1", mgr, "manager"))
	inc := e.incident(t, "S1", store.PriorityHigh)
	e.rule(t, store.EscalationRule{Name: "to-manager",
		Triggers: store.EscalationTriggers{UnassignedMinutes: intp(5)},
		Actions:  store.EscalationActions{AutoAssign: true, EscalateTo: []string{"manager"}}})
	m := e.monitor(nil, nil, Options{Dedupe: true})

	rep := e.sweepAt(t, m, created.Add(10*time.Minute))
	assert.Equal(t, 1, rep.Fired)

	esc := e.escalations(t, inc.ID)
	require.Len(t, esc, 1)
	assert.Equal(t, []string{"manager"}, esc[0].EscalatedTo)
	assert.True(t, esc[0].UnableToMatch)
	assert.Equal(t, store.AutoAssignNoMatch, esc[0].AutoAssign)

	got, err := e.incidents.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Nil(t, got.AssignedTo)
	assert.Equal(t, store.PriorityHigh, got.Priority)

	direct := e.gw.OfType(notify.TypeEscalationTarget)
	require.Len(t, direct, 1)
	assert.Equal(t, []string{"manager"}, direct[0].Targets)
	assert.Equal(t, []int64{mgr}, direct[0].Details["user_ids"])
}

func TestSweepDedupe(t *testing.T) {
	for _, dedupe := range []bool{true, false} {
		e := setupSweep(t)
		inc := e.incident(t, "S1", store.PriorityLow)
		e.rule(t, store.EscalationRule{Name: "stale", Triggers: store.EscalationTriggers{UnassignedMinutes: intp(5)}, Actions: store.EscalationActions{Notifications: []string{"ops"}}})
		m := e.monitor(nil, nil, Options{Dedupe: dedupe})

		e.sweepAt(t, m, created.Add(10*time.Minute))
		rep := e.sweepAt(t, m, created.Add(15*time.Minute))
		if dedupe {
			assert.Equal(t, 0, rep.Fired)
			assert.Len(t, e.escalations(t, inc.ID), 1)
		} else {
			assert.Equal(t, 1, rep.Fired)
			assert.Len(t, e.escalations(t, inc.ID), 2)
		}
	}
}

func TestSweepPriorityClampsAtCritical(t *testing.T) {
	e := setupSweep(t)
	inc := e.incident(t, "S1", store.PriorityLow)
	e.rule(t, store.EscalationRule{Name: "bump", Triggers: store.EscalationTriggers{UnassignedMinutes: intp(0)}, Actions: store.EscalationActions{IncreasePriority: true}})
	m := e.monitor(nil, nil, Options{})

	want := []store.Priority{store.PriorityMedium, store.PriorityHigh, store.PriorityCritical, store.PriorityCritical, store.PriorityCritical}
	for i, p := range want {
		e.sweepAt(t, m, created.Add(time.Duration(i+1)*5*time.Minute))
		got, err := e.incidents.GetIncident(context.Background(), inc.ID)
		require.NoError(t, err)
		assert.Equal(t, p, got.Priority, "sweep %d", i+1)
	}
	for _, d := range e.escalations(t, inc.ID) {
		assert.GreaterOrEqual(t, d.NewPriority.Rank(), d.OldPriority.Rank())
	}
}

func TestSweepStatusAndNoResponse(t *testing.T) {
	e := setupSweep(t)
	ctx := context.Background()
	uid, err := e.users.CreateUser(ctx, &store.User{Username: "guard", Active: true, OnDuty: true})
	require.NoError(t, err)
	inc := e.incident(t, "S1", store.PriorityMedium)
	_, err = e.svc.AssignIncident(ctx, inc.ID, uid, 1)
	require.NoError(t, err)
	e.clock.Set(created.Add(time.Minute))
	_, err = e.svc.UpdateIncidentStatus(ctx, inc.ID, store.StatusInvestigating, 1, "")
	require.NoError(t, err)
	stuck := e.rule(t, store.EscalationRule{Name: "stuck", Triggers: store.EscalationTriggers{StatusDurations: []store.StatusDuration{{Status: store.StatusInvestigating, Minutes: 30}}}})
	silent := e.rule(t, store.EscalationRule{Name: "silent", Triggers: store.EscalationTriggers{NoResponseMinutes: intp(10)}})
	m := e.monitor(nil, nil, Options{Dedupe: true})

	e.clock.Set(created.Add(5 * time.Minute))
	_, err = e.svc.AddNote(ctx, inc.ID, "on my way", uid)
	require.NoError(t, err)

	assert.Equal(t, 0, e.sweepAt(t, m, created.Add(14*time.Minute)).Fired)
	assert.Equal(t, 1, e.sweepAt(t, m, created.Add(15*time.Minute)).Fired)
	assert.Equal(t, 0, e.sweepAt(t, m, created.Add(30*time.Minute)).Fired)
	assert.Equal(t, 1, e.sweepAt(t, m, created.Add(31*time.Minute)).Fired)

	esc := e.escalations(t, inc.ID)
	require.Len(t, esc, 2)
	assert.Equal(t, silent, esc[0].RuleID)
	assert.Equal(t, []string{TriggerNoResponse}, esc[0].Triggers)
	assert.Equal(t, stuck, esc[1].RuleID)
	assert.Equal(t, []string{"status_duration:investigating"}, esc[1].Triggers)
}

func TestSweepSkipsMalformedRule(t *testing.T) {
	e := setupSweep(t)
	inc := e.incident(t, "S1", store.PriorityLow)
	e.rule(t, store.EscalationRule{Name: "broken", Triggers: store.EscalationTriggers{UnassignedMinutes: intp(-3)}})
	good := e.rule(t, store.EscalationRule{Name: "good", Triggers: store.EscalationTriggers{UnassignedMinutes: intp(1)}})
	m := e.monitor(nil, nil, Options{Dedupe: true})

	rep := e.sweepAt(t, m, created.Add(2*time.Minute))
	assert.Equal(t, 1, rep.Fired)
	assert.Equal(t, 0, rep.Failed)
	esc := e.escalations(t, inc.ID)
	require.Len(t, esc, 1)
	assert.Equal(t, good, esc[0].RuleID)
}

func TestSweepIgnoresOtherStoresAndClosedWork(t *testing.T) {
	e := setupSweep(t)
	ctx := context.Background()
	s1 := e.incident(t, "S1", store.PriorityLow)
	s2 := e.incident(t, "S2", store.PriorityLow)
	done := e.incident(t, "S1", store.PriorityLow)
	_, err := e.svc.UpdateIncidentStatus(ctx, done.ID, store.StatusResolved, 1, "")
	require.NoError(t, err)
	e.rule(t, store.EscalationRule{Scope: "S1", Name: "s1 only", Triggers: store.EscalationTriggers{UnassignedMinutes: intp(1)}})
	m := e.monitor(nil, nil, Options{Dedupe: true, MaxConcurrent: 4})

	rep := e.sweepAt(t, m, created.Add(time.Hour))
	assert.Equal(t, 2, rep.Incidents)
	assert.Equal(t, 1, rep.Fired)
	assert.Len(t, e.escalations(t, s1.ID), 1)
	assert.Empty(t, e.escalations(t, s2.ID))
	assert.Empty(t, e.escalations(t, done.ID))
}

type flakyEscalator struct {
	next   Escalator
	failID int64
}

func (f flakyEscalator) ApplyEscalation(ctx context.Context, id int64, plan incidents.EscalationPlan) (*incidents.EscalationOutcome, error) {
	if id == f.failID {
		return nil, errors.New("database is locked")
	}
	return f.next.ApplyEscalation(ctx, id, plan)
}

func TestSweepContinuesPastFailures(t *testing.T) {
	e := setupSweep(t)
	a := e.incident(t, "S1", store.PriorityLow)
	b := e.incident(t, "S1", store.PriorityLow)
	c := e.incident(t, "S1", store.PriorityLow)
	e.rule(t, store.EscalationRule{Name: "stale", Triggers: store.EscalationTriggers{UnassignedMinutes: intp(5)}})
	m := e.monitor(flakyEscalator{next: e.svc, failID: b.ID}, nil, Options{Dedupe: true, MaxConcurrent: 2})

	rep := e.sweepAt(t, m, created.Add(10*time.Minute))
	assert.Equal(t, 3, rep.Incidents)
	assert.Equal(t, 2, rep.Fired)
	assert.Equal(t, 1, rep.Failed)
	assert.Len(t, e.escalations(t, a.ID), 1)
	assert.Empty(t, e.escalations(t, b.ID))
	assert.Len(t, e.escalations(t, c.ID), 1)
}

type closedGate struct{}

func (closedGate) Acquire(context.Context) (func(), bool, error) { return func() {}, false, nil }

func TestSweepRespectsGate(t *testing.T) {
	e := setupSweep(t)
	inc := e.incident(t, "S1", store.PriorityLow)
	e.rule(t, store.EscalationRule{Name: "stale", Triggers: store.EscalationTriggers{UnassignedMinutes: intp(5)}})
	m := e.monitor(nil, closedGate{}, Options{})

	rep := e.sweepAt(t, m, created.Add(time.Hour))
	assert.True(t, rep.GateClosed)
	assert.Empty(t, e.escalations(t, inc.ID))
}

type fakeLocker struct {
	mu      sync.Mutex
	now     func() time.Time
	expires map[string]time.Time
}

func (f *fakeLocker) SetNX(_ context.Context, key string, _ interface{}, ttl time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	if exp, ok := f.expires[key]; ok && now.Before(exp) {
		return redis.NewBoolResult(false, nil)
	}
	f.expires[key] = now.Add(ttl)
	return redis.NewBoolResult(true, nil)
}

func TestRedisGateOneSweepPerInterval(t *testing.T) {
	e := setupSweep(t)
	inc := e.incident(t, "S1", store.PriorityHigh)
	e.rule(t, store.EscalationRule{Name: "high", Triggers: store.EscalationTriggers{Priorities: []store.Priority{store.PriorityHigh, store.PriorityCritical}}})
	locker := &fakeLocker{now: e.clock.Now, expires: map[string]time.Time{}}
	interval := 5 * time.Minute
	ttl := LockTTL(0, interval)
	replicaA := e.monitor(nil, NewRedisGate(locker, "sweep", ttl), Options{Interval: interval})
	replicaB := e.monitor(nil, NewRedisGate(locker, "sweep", ttl), Options{Interval: interval})

	start := created.Add(time.Minute)
	for slot := 0; slot < 2; slot++ {
		at := start.Add(time.Duration(slot) * interval)
		a := e.sweepAt(t, replicaA, at)
		assert.False(t, a.GateClosed)
		assert.Equal(t, 1, a.Fired)

		b := e.sweepAt(t, replicaB, at.Add(3*time.Second))
		assert.True(t, b.GateClosed)
		assert.Equal(t, 0, b.Fired)
	}
	assert.Len(t, e.escalations(t, inc.ID), 2)
}

func TestLockTTLStaysUnderInterval(t *testing.T) {
	assert.Equal(t, 4*time.Minute, LockTTL(4*time.Minute, 5*time.Minute))
	assert.Equal(t, 270*time.Second, LockTTL(10*time.Minute, 5*time.Minute))
	assert.Equal(t, 270*time.Second, LockTTL(0, 5*time.Minute))
}

// assignAfterList assigns the incident once the sweep has taken its listing.
type assignAfterList struct {
	IncidentSource
	assign func()
}

func (s assignAfterList) ListOpenIncidents(ctx context.Context, scope string) ([]store.Incident, error) {
	open, err := s.IncidentSource.ListOpenIncidents(ctx, scope)
	s.assign()
	return open, err
}

// assignBeforeApply assigns the incident after triggers were evaluated but before
// the escalation takes the incident lock.
type assignBeforeApply struct {
	next   Escalator
	assign func()
}

func (a assignBeforeApply) ApplyEscalation(ctx context.Context, id int64, plan incidents.EscalationPlan) (*incidents.EscalationOutcome, error) {
	a.assign()
	return a.next.ApplyEscalation(ctx, id, plan)
}

func TestSweepJudgesCurrentAssignment(t *testing.T) {
	ctx := context.Background()
	for _, stage := range []string{"after list", "before apply"} {
		t.Run(stage, func(t *testing.T) {
			e := setupSweep(t)
			guard, err := e.users.CreateUser(ctx, &store.User{Username: "guard", Active: true, OnDuty: true})
			require.NoError(t, err)
			inc := e.incident(t, "S1", store.PriorityLow)
			e.rule(t, store.EscalationRule{Name: "unassigned", Triggers: store.EscalationTriggers{UnassignedMinutes: intp(5)}, Actions: store.EscalationActions{IncreasePriority: true}})
			assign := func() {
				_, err := e.svc.AssignIncident(ctx, inc.ID, guard, 1)
				assert.NoError(t, err)
			}

			var m *Monitor
			if stage == "after list" {
				m = NewMonitor(e.rules, assignAfterList{IncidentSource: e.incidents, assign: assign}, e.timeline, e.svc, nil, e.clock, e.logger, Options{Dedupe: true})
			} else {
				m = e.monitor(assignBeforeApply{next: e.svc, assign: assign}, nil, Options{Dedupe: true})
			}
			rep := e.sweepAt(t, m, created.Add(10*time.Minute))
			assert.Equal(t, 0, rep.Fired)
			assert.Empty(t, e.escalations(t, inc.ID))

			got, err := e.incidents.GetIncident(ctx, inc.ID)
			require.NoError(t, err)
			require.NotNil(t, got.AssignedTo)
			assert.Equal(t, guard, *got.AssignedTo)
			assert.Equal(t, store.PriorityLow, got.Priority)
		})
	}
}

type countingGate struct{ calls atomic.Int32 }

func (g *countingGate) Acquire(context.Context) (func(), bool, error) {
	g.calls.Add(1)
	return func() {}, true, nil
}

func TestMonitorStartStop(t *testing.T) {
	e := setupSweep(t)
	gate := &countingGate{}
	m := e.monitor(nil, gate, Options{Interval: time.Hour, RunOnStart: true})
	m.Start()
	m.Start()
	require.Eventually(t, func() bool { return gate.calls.Load() >= 1 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.StopWithContext(ctx))
	require.NoError(t, m.StopWithContext(ctx))
	assert.Equal(t, int32(1), gate.calls.Load())
}
