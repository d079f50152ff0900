// Package escalation runs the periodic sweep that escalates stale incidents.
package escalation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"berkut-incidents/core/incerr"
	"berkut-incidents/core/incidents"
	"berkut-incidents/core/store"
	"berkut-incidents/core/utils"
)

type RuleSource interface {
	ListEscalationRules(ctx context.Context, storeID string) ([]store.EscalationRule, error)
}

type IncidentSource interface {
	GetIncident(ctx context.Context, id int64) (*store.Incident, error)
	ListOpenIncidents(ctx context.Context, scope string) ([]store.Incident, error)
}

type TimelineSource interface {
	ListTimeline(ctx context.Context, incidentID int64) ([]store.TimelineEvent, error)
}

type Escalator interface {
	ApplyEscalation(ctx context.Context, id int64, plan incidents.EscalationPlan) (*incidents.EscalationOutcome, error)
}

type Options struct {
	Interval      time.Duration
	MaxConcurrent int
	// Dedupe fires each trigger of a rule once per episode instead of every sweep.
	Dedupe     bool
	RunOnStart bool
}

type Report struct {
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	GateClosed bool          `json:"gate_closed"`
	Incidents  int           `json:"incidents"`
	Fired      int           `json:"fired"`
	Failed     int           `json:"failed"`
	Cancelled  bool          `json:"cancelled"`
}

type Monitor struct {
	rules     RuleSource
	incidents IncidentSource
	timeline  TimelineSource
	escalator Escalator
	gate      SweepGate
	clock     utils.Clock
	logger    *utils.Logger
	opts      Options

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	cron    *cron.Cron
	wg      sync.WaitGroup
	sweepMu sync.Mutex
}

func NewMonitor(rules RuleSource, incidentsSrc IncidentSource, timeline TimelineSource, escalator Escalator, gate SweepGate, clock utils.Clock, logger *utils.Logger, opts Options) *Monitor {
	if gate == nil {
		gate = AlwaysGate{}
	}
	if clock == nil {
		clock = utils.SystemClock{}
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	return &Monitor{
		rules:     rules,
		incidents: incidentsSrc,
		timeline:  timeline,
		escalator: escalator,
		gate:      gate,
		clock:     clock,
		logger:    logger,
		opts:      opts,
	}
}

func (m *Monitor) Start() {
	m.StartWithContext(context.Background())
}

func (m *Monitor) StartWithContext(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cronLogger{m.logger})))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", m.opts.Interval), func() { m.tick(runCtx) }); err != nil {
		m.mu.Unlock()
		cancel()
		m.logger.Errorf("escalation schedule: %v", err)
		return
	}
	m.cancel = cancel
	m.cron = c
	m.running = true
	m.mu.Unlock()

	c.Start()
	if m.opts.RunOnStart {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.tick(runCtx)
		}()
	}
	m.logger.Printf("escalation monitor started (every %s)", m.opts.Interval)
}

func (m *Monitor) Stop() {
	_ = m.StopWithContext(context.Background())
}

func (m *Monitor) StopWithContext(ctx context.Context) error {
	m.mu.Lock()
	if !m.running || m.cancel == nil {
		m.mu.Unlock()
		return nil
	}
	cancel := m.cancel
	c := m.cron
	m.cancel = nil
	m.cron = nil
	m.mu.Unlock()

	cancel()
	cronDone := c.Stop()
	waitDone := make(chan struct{})
	go func() {
		<-cronDone.Done()
		m.wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	rep, err := m.RunOnce(ctx, m.clock.Now())
	if err != nil {
		m.logger.Errorf("escalation sweep: %v", err)
		return
	}
	if rep.Fired > 0 || rep.Failed > 0 {
		m.logger.Infow("escalation sweep done", "incidents", rep.Incidents, "fired", rep.Fired, "failed", rep.Failed, "duration", rep.Duration)
	}
}

// RunEscalationSweep runs one sweep at the monitor clock's current time.
func (m *Monitor) RunEscalationSweep(ctx context.Context) (*Report, error) {
	return m.RunOnce(ctx, m.clock.Now())
}

// RunOnce evaluates every open incident against its escalation rules as of now.
// A failure on one incident is logged and does not stop the others.
func (m *Monitor) RunOnce(ctx context.Context, now time.Time) (*Report, error) {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()
	rep := &Report{StartedAt: now}
	release, ok, err := m.gate.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("sweep gate: %w", err)
	}
	if !ok {
		rep.GateClosed = true
		return rep, nil
	}
	defer release()
	started := time.Now()
	defer func() { rep.Duration = time.Since(started) }()

	open, err := m.incidents.ListOpenIncidents(ctx, store.ScopeGlobal)
	if err != nil {
		return nil, err
	}
	rep.Incidents = len(open)
	rulesByStore := map[string][]store.EscalationRule{}
	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(m.opts.MaxConcurrent)
	for _, inc := range open {
		if ctx.Err() != nil {
			rep.Cancelled = true
			break
		}
		rules, seen := rulesByStore[inc.StoreID]
		if !seen {
			rules, err = m.rules.ListEscalationRules(ctx, inc.StoreID)
			if err != nil {
				m.logger.Errorw("escalation rules unavailable", "store_id", inc.StoreID, "incident_id", inc.ID, "error", err)
				mu.Lock()
				rep.Failed++
				mu.Unlock()
				continue
			}
			sort.SliceStable(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
			rulesByStore[inc.StoreID] = rules
		}
		if len(rules) == 0 {
			continue
		}
		inc := inc
		g.Go(func() error {
			fired, err := m.sweepIncident(ctx, inc, rules, now)
			mu.Lock()
			rep.Fired += fired
			if err != nil {
				rep.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return rep, nil
}

func (m *Monitor) sweepIncident(ctx context.Context, inc store.Incident, rules []store.EscalationRule, now time.Time) (int, error) {
	log := m.logger.With("incident_id", inc.ID)
	// The listing may be stale by now; triggers are judged on the current row.
	current, err := m.incidents.GetIncident(ctx, inc.ID)
	if err != nil {
		log.Errorw("escalation reload failed", "error", err)
		return 0, err
	}
	if current == nil || !current.Status.IsActive() {
		return 0, nil
	}
	inc = *current
	timeline, err := m.timeline.ListTimeline(ctx, inc.ID)
	if err != nil {
		log.Errorw("escalation timeline unavailable", "error", err)
		return 0, err
	}
	fired := 0
	for _, rule := range rules {
		if !rule.Active || !inScope(rule.Scope, inc.StoreID) {
			continue
		}
		if rule.LoadErr != nil {
			log.Errorw("escalation rule skipped", "rule_id", rule.ID, "error", incerr.RuleEvaluation(rule.ID, rule.LoadErr))
			continue
		}
		firings, err := m.firings(rule, inc, timeline, now)
		if err != nil {
			log.Errorw("escalation rule skipped", "rule_id", rule.ID, "error", incerr.RuleEvaluation(rule.ID, err))
			continue
		}
		if len(firings) == 0 {
			continue
		}
		plan := incidents.EscalationPlan{RuleID: rule.ID, RuleName: rule.Name, Actions: rule.Actions, Triggers: triggerNames(firings)}
		plan.Recheck = func(locked store.Incident, lockedTimeline []store.TimelineEvent) []string {
			again, err := m.firings(rule, locked, lockedTimeline, now)
			if err != nil {
				return nil
			}
			return triggerNames(again)
		}
		outcome, err := m.escalator.ApplyEscalation(ctx, inc.ID, plan)
		if err != nil {
			log.Errorw("escalation failed", "rule_id", rule.ID, "error", err)
			return fired, err
		}
		if outcome.Applied {
			fired++
		}
		// Later rules see the incident as it is now, whether or not this one applied.
		refreshed, err := m.incidents.GetIncident(ctx, inc.ID)
		if err != nil || refreshed == nil {
			log.Errorw("escalation reload failed", "rule_id", rule.ID, "error", err)
			return fired, err
		}
		if !refreshed.Status.IsActive() {
			return fired, nil
		}
		inc = *refreshed
		if timeline, err = m.timeline.ListTimeline(ctx, inc.ID); err != nil {
			log.Errorw("escalation timeline unavailable", "error", err)
			return fired, err
		}
	}
	return fired, nil
}

// firings evaluates rule against inc, dropping triggers already fired this episode
// when dedupe is on.
func (m *Monitor) firings(rule store.EscalationRule, inc store.Incident, timeline []store.TimelineEvent, now time.Time) ([]Firing, error) {
	firings, err := Evaluate(rule.Triggers, inc, timeline, now)
	if err != nil {
		return nil, err
	}
	if m.opts.Dedupe {
		firings = fresh(rule.ID, firings, timeline)
	}
	return firings, nil
}

func triggerNames(firings []Firing) []string {
	names := make([]string, 0, len(firings))
	for _, f := range firings {
		names = append(names, f.Trigger)
	}
	return names
}

func fresh(ruleID int64, firings []Firing, timeline []store.TimelineEvent) []Firing {
	var res []Firing
	for _, f := range firings {
		if !alreadyFired(ruleID, f, timeline) {
			res = append(res, f)
		}
	}
	return res
}

func inScope(scope, storeID string) bool {
	return scope == "" || scope == store.ScopeGlobal || scope == storeID
}

type cronLogger struct {
	logger *utils.Logger
}

func (l cronLogger) Info(msg string, kv ...interface{}) {}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.logger.Errorw("escalation cron: "+msg, append(kv, "error", err)...)
}
