// Package appbootstrap wires stores, services and background workers from config.
package appbootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"berkut-incidents/api"
	"berkut-incidents/config"
	"berkut-incidents/core/assignment"
	"berkut-incidents/core/auth"
	"berkut-incidents/core/escalation"
	"berkut-incidents/core/incidents"
	"berkut-incidents/core/notify"
	"berkut-incidents/core/roster"
	"berkut-incidents/core/rules"
	"berkut-incidents/core/store"
	"berkut-incidents/core/utils"
	"berkut-incidents/core/workload"
)

// Overrides replace parts of the composition; zero values use the configured defaults.
type Overrides struct {
	Clock        utils.Clock
	Gateway      notify.Gateway
	Availability roster.AvailabilityProvider
}

type Runtime struct {
	Users     store.UsersStore
	Alerts    store.AlertsStore
	Rules     store.RulesStore
	Service   *incidents.Service
	Monitor   *escalation.Monitor
	Actors    *auth.ActorResolver
	Workers   []api.BackgroundWorker
	closers   []func() error
	rulesFile string
	logger    *utils.Logger
}

func Compose(cfg *config.AppConfig, db *store.DB, logger *utils.Logger, ov Overrides) (*Runtime, error) {
	clock := ov.Clock
	if clock == nil {
		clock = utils.SystemClock{}
	}
	incidentsStore := store.NewIncidentsStore(db)
	timeline := store.NewTimelineStore(db)
	users := store.NewUsersStore(db)
	rulesStore := store.NewRulesStore(db)
	rt := &Runtime{
		Users:     users,
		Alerts:    store.NewAlertsStore(db),
		Rules:     rulesStore,
		Actors:    auth.NewActorResolver(users, clock, logger),
		rulesFile: cfg.RulesFile,
		logger:    logger,
	}

	roles, err := roster.NewRoleResolver(cfg.Roles.Inherits)
	if err != nil {
		return nil, fmt.Errorf("roles: %w", err)
	}
	avail := ov.Availability
	if avail == nil {
		avail = roster.NewPresenceProvider(clock, cfg.Workload.OnlineWindow())
	}
	gateway := ov.Gateway
	if gateway == nil {
		if gateway, err = rt.composeGateway(cfg, logger); err != nil {
			_ = rt.Close()
			return nil, err
		}
	}
	tracker := workload.NewTracker(users, incidentsStore, timeline, avail, clock, cfg.Workload.ResponseWindow())
	engine := assignment.NewEngine(rulesStore, users, tracker, avail, roles, clock, logger)
	rt.Service = incidents.NewService(incidents.Deps{
		Incidents: incidentsStore,
		Timeline:  timeline,
		Evidence:  store.NewEvidenceStore(db),
		Users:     users,
		Assigner:  engine,
		Workload:  tracker,
		Roles:     roles,
		Gateway:   gateway,
		Clock:     clock,
		Logger:    logger,
	})

	if cfg.Escalation.Enabled {
		var gate escalation.SweepGate = escalation.AlwaysGate{}
		if cfg.Lock.Enabled {
			client := redis.NewClient(&redis.Options{Addr: cfg.Lock.RedisAddr, Password: cfg.Lock.RedisPassword, DB: cfg.Lock.RedisDB})
			rt.closers = append(rt.closers, client.Close)
			gate = escalation.NewRedisGate(client, cfg.Lock.Key, escalation.LockTTL(cfg.Lock.TTL, cfg.Escalation.EffectiveInterval()))
		}
		rt.Monitor = escalation.NewMonitor(rulesStore, incidentsStore, timeline, rt.Service, gate, clock, logger, escalation.Options{
			Interval:      cfg.Escalation.EffectiveInterval(),
			MaxConcurrent: cfg.Escalation.MaxConcurrent,
			Dedupe:        cfg.Escalation.DedupeTriggers,
			RunOnStart:    cfg.Escalation.RunOnStart,
		})
		rt.Workers = append(rt.Workers, rt.Monitor)
	}
	return rt, nil
}

func (rt *Runtime) composeGateway(cfg *config.AppConfig, logger *utils.Logger) (notify.Gateway, error) {
	var sinks notify.Multi
	if cfg.Notifications.Log {
		sinks = append(sinks, notify.NewLogGateway(logger))
	}
	if cfg.Notifications.NATS.Enabled {
		nc, err := notify.ConnectNATS(cfg.Notifications.NATS, logger)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, nc.Close)
		sinks = append(sinks, nc)
	}
	if cfg.Notifications.Telegram.Enabled {
		sinks = append(sinks, notify.NewTelegramGateway(cfg.Notifications.Telegram))
	}
	return sinks, nil
}

// ImportRules loads the configured rule file, if any.
func (rt *Runtime) ImportRules(ctx context.Context) error {
	if rt.rulesFile == "" {
		return nil
	}
	if _, err := rules.NewImporter(rt.Rules, rt.logger).ImportFile(ctx, rt.rulesFile); err != nil {
		return fmt.Errorf("import rules %s: %w", rt.rulesFile, err)
	}
	return nil
}

func (rt *Runtime) ServerDeps() api.ServerDeps {
	deps := api.ServerDeps{Incidents: rt.Service, Rules: rules.NewSwitch(rt.Rules, rt.logger), Actors: rt.Actors}
	if rt.Monitor != nil {
		deps.Sweep = rt.Monitor
	}
	return deps
}

func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
