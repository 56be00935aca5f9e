package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"session-gateway/internal/events"
	"session-gateway/internal/hashing"
	"session-gateway/internal/store"
	"session-gateway/internal/util"
)

// Deps bundles everything a machine needs.
type Deps struct {
	Identity       IdentityGateway
	WhatsApp       WhatsAppGateway
	Sessions       *store.SessionStore
	Hasher         *hashing.Hasher
	Audit          events.Publisher
	Logger         *zap.Logger
	ResendCooldown time.Duration
}

// Registry hands out one machine per console. Concurrent consoles are
// independent sessions with independent storage namespaces.
type Registry struct {
	mu       sync.Mutex
	machines map[string]*Machine
	deps     Deps
}

func NewRegistry(deps Deps) *Registry {
	return &Registry{
		machines: make(map[string]*Machine),
		deps:     deps,
	}
}

// NewConsoleID mints an id for a console's first contact.
func (r *Registry) NewConsoleID() string {
	return uuid.NewString()
}

// Get returns the machine for a console, creating and rehydrating it on
// first sight.
func (r *Registry) Get(ctx context.Context, consoleID string) *Machine {
	r.mu.Lock()
	machine, ok := r.machines[consoleID]
	if !ok {
		machine = NewMachine(consoleID, r.deps)
		r.machines[consoleID] = machine
	}
	r.mu.Unlock()

	machine.EnsureRehydrated(ctx)
	return machine
}

// Warmup rehydrates every console with a persisted session so the first
// request after a restart doesn't pay the Redis round trip.
func (r *Registry) Warmup(ctx context.Context) error {
	consoles, err := r.deps.Sessions.Consoles(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, consoleID := range consoles {
		consoleID := consoleID
		g.Go(func() error {
			r.Get(ctx, consoleID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	util.Info("Session registry warmed up", util.Int("consoles", len(consoles)))
	return nil
}
