package celebrity

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"hashink/internal/events"
	"hashink/internal/shared"
)

// Profile is the pricing and cancellation terms a celebrity publishes.
type Profile struct {
	Name         string
	Price        *big.Int
	ResponseTime time.Duration
}

// Registry keeps at most one profile per identity.
type Registry struct {
	mu       sync.Mutex
	profiles map[common.Address]Profile
	sink     events.Sink
}

func NewRegistry(sink events.Sink) *Registry {
	if sink == nil {
		sink = events.Nop()
	}
	return &Registry{
		profiles: make(map[common.Address]Profile),
		sink:     sink,
	}
}

// Upsert creates the owner's profile or overwrites it in place, reporting
// whether a new profile was created. The owner is always the caller; there is
// no way to edit someone else's profile.
func (r *Registry) Upsert(owner common.Address, name string, price *big.Int, responseTime time.Duration) (bool, error) {
	if owner == (common.Address{}) {
		return false, fmt.Errorf("%w: owner must not be the zero address", shared.ErrValue)
	}
	if strings.TrimSpace(name) == "" {
		return false, fmt.Errorf("%w: name must not be empty", shared.ErrValue)
	}
	if price == nil || price.Sign() < 0 {
		return false, fmt.Errorf("%w: price must be non-negative", shared.ErrValue)
	}
	if responseTime < 0 {
		return false, fmt.Errorf("%w: response time must be non-negative", shared.ErrValue)
	}

	r.mu.Lock()
	_, existed := r.profiles[owner]
	r.profiles[owner] = Profile{
		Name:         name,
		Price:        new(big.Int).Set(price),
		ResponseTime: responseTime,
	}
	r.mu.Unlock()

	kind := events.CelebrityCreated
	if existed {
		kind = events.CelebrityUpdated
	}
	r.sink.Emit(events.Event{Kind: kind, Fields: map[string]string{
		"owner": owner.Hex(),
		"name":  name,
		"price": price.String(),
	}})
	return !existed, nil
}

// Delete removes the caller's profile. Only the owner may delete it.
func (r *Registry) Delete(caller, owner common.Address) error {
	if caller != owner {
		return fmt.Errorf("%w: not the owner of this profile", shared.ErrUnauthorized)
	}

	r.mu.Lock()
	if _, ok := r.profiles[owner]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: no profile for %s", shared.ErrNotFound, owner.Hex())
	}
	delete(r.profiles, owner)
	r.mu.Unlock()

	r.sink.Emit(events.Event{Kind: events.CelebrityDeleted, Fields: map[string]string{
		"owner": owner.Hex(),
	}})
	return nil
}

// Get returns a snapshot of the owner's profile.
func (r *Registry) Get(owner common.Address) (Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[owner]
	if !ok {
		return Profile{}, fmt.Errorf("%w: no profile for %s", shared.ErrNotFound, owner.Hex())
	}
	return Profile{
		Name:         p.Name,
		Price:        new(big.Int).Set(p.Price),
		ResponseTime: p.ResponseTime,
	}, nil
}

// TotalSupply is the number of currently live profiles.
func (r *Registry) TotalSupply() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.profiles)
}
