// Package roster answers who can take work: presence, duty and role membership.
package roster

import (
	"context"
	"sync"
	"time"

	"berkut-incidents/core/store"
	"berkut-incidents/core/utils"
)

type Availability struct {
	Online    bool `json:"online"`
	Available bool `json:"available"`
}

type AvailabilityProvider interface {
	Availability(ctx context.Context, u store.User) (Availability, error)
}

// PresenceProvider derives availability from the roster itself: a user is online
// when seen within the window and available while on duty.
type PresenceProvider struct {
	clock  utils.Clock
	window time.Duration
}

func NewPresenceProvider(clock utils.Clock, onlineWindow time.Duration) *PresenceProvider {
	if clock == nil {
		clock = utils.SystemClock{}
	}
	return &PresenceProvider{clock: clock, window: onlineWindow}
}

func (p *PresenceProvider) Availability(_ context.Context, u store.User) (Availability, error) {
	res := Availability{Available: u.Active && u.OnDuty}
	if u.LastSeenAt != nil {
		res.Online = p.clock.Now().Sub(*u.LastSeenAt) <= p.window
	}
	return res, nil
}

// StaticProvider reports every user online and available unless overridden.
type StaticProvider struct {
	mu        sync.RWMutex
	overrides map[int64]Availability
}

func NewStaticProvider() *StaticProvider {
	return &StaticProvider{overrides: map[int64]Availability{}}
}

func (p *StaticProvider) Set(userID int64, a Availability) {
	p.mu.Lock()
	p.overrides[userID] = a
	p.mu.Unlock()
}

func (p *StaticProvider) Availability(_ context.Context, u store.User) (Availability, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if a, ok := p.overrides[u.ID]; ok {
		return a, nil
	}
	return Availability{Online: true, Available: true}, nil
}
