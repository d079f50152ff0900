// Package auth resolves the operator behind an API request.
package auth

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"berkut-incidents/core/store"
	"berkut-incidents/core/utils"
)

const (
	ActorHeader           = "X-Berkut-User"
	actorActivityInterval = 30 * time.Second
)

var ErrUnknownActor = errors.New("auth.unknownActor")

type Actor struct {
	UserID   int64    `json:"user_id"`
	Username string   `json:"username"`
	Roles    []string `json:"roles,omitempty"`
}

type contextKey struct{}

var ActorContextKey = contextKey{}

func WithActor(ctx context.Context, a *Actor) context.Context {
	return context.WithValue(ctx, ActorContextKey, a)
}

func ActorFromContext(ctx context.Context) (*Actor, bool) {
	a, ok := ctx.Value(ActorContextKey).(*Actor)
	return a, ok && a != nil
}

type usersReader interface {
	GetUser(ctx context.Context, id int64) (*store.User, error)
	TouchUser(ctx context.Context, id int64, seenAt time.Time) error
}

// ActorResolver maps the actor header to an active user and records the request
// as presence for the availability provider.
type ActorResolver struct {
	users  usersReader
	clock  utils.Clock
	logger *utils.Logger

	mu   sync.Mutex
	last map[int64]time.Time
}

func NewActorResolver(users usersReader, clock utils.Clock, logger *utils.Logger) *ActorResolver {
	if clock == nil {
		clock = utils.SystemClock{}
	}
	return &ActorResolver{users: users, clock: clock, logger: logger, last: map[int64]time.Time{}}
}

func (r *ActorResolver) Resolve(ctx context.Context, raw string) (*Actor, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return nil, ErrUnknownActor
	}
	u, err := r.users.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if u == nil || !u.Active {
		return nil, ErrUnknownActor
	}
	now := r.clock.Now().UTC()
	if r.shouldTouch(id, now) {
		if err := r.users.TouchUser(ctx, id, now); err != nil {
			r.logger.Errorw("actor presence update failed", "user_id", id, "error", err)
		}
	}
	return &Actor{UserID: u.ID, Username: u.Username, Roles: u.Roles}, nil
}

func (r *ActorResolver) shouldTouch(id int64, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.last[id]
	if !ok || now.Sub(last) >= actorActivityInterval {
		r.last[id] = now
		return true
	}
	return false
}
