package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/orbit/pkg/live"
)

// ErrNoTransports is returned by [Failover.Connect] when nothing was added.
var ErrNoTransports = errors.New("resilience: no transports")

// Failover is a [live.Provider] that connects through the first transport
// whose breaker admits the call and falls through to the next one on
// connection failures.
//
// A rejected configuration or a cancelled context ends the attempt at once
// and is returned unchanged; neither counts against a breaker.
type Failover struct {
	cfg BreakerConfig

	mu      sync.Mutex
	entries []failoverEntry
	active  int
}

type failoverEntry struct {
	name     string
	provider live.Provider
	breaker  *Breaker
}

var _ live.Provider = (*Failover)(nil)

// NewFailover returns an empty Failover. cfg is the template for every
// transport's breaker; Name and Ignore are set per entry.
func NewFailover(cfg BreakerConfig) *Failover {
	return &Failover{cfg: cfg}
}

// Add appends a transport. The first one added is the primary.
func (f *Failover) Add(name string, p live.Provider) {
	cfg := f.cfg
	cfg.Name = name
	cfg.Ignore = permanent
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, failoverEntry{name: name, provider: p, breaker: NewBreaker(cfg)})
}

// Connect implements [live.Provider].
func (f *Failover) Connect(ctx context.Context, cfg live.Config) (live.Session, error) {
	f.mu.Lock()
	entries := append([]failoverEntry(nil), f.entries...)
	f.mu.Unlock()
	if len(entries) == 0 {
		return nil, ErrNoTransports
	}

	var errs []error
	for i, e := range entries {
		var sess live.Session
		err := e.breaker.Do(func() error {
			var err error
			sess, err = e.provider.Connect(ctx, cfg)
			return err
		})
		if err == nil {
			f.mu.Lock()
			f.active = i
			f.mu.Unlock()
			if i > 0 {
				slog.Warn("connected through fallback transport", "transport", e.name, "skipped", i)
			}
			return sess, nil
		}
		if permanent(err) {
			return nil, err
		}
		slog.Warn("transport connect failed", "transport", e.name, "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
	}
	return nil, fmt.Errorf("%w: %w", live.ErrConnectionFailed, errors.Join(errs...))
}

// Capabilities returns the capabilities of the transport that served the
// last successful connect, or of the primary before any.
func (f *Failover) Capabilities() live.Capabilities {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.entries) == 0 {
		return live.Capabilities{}
	}
	return f.entries[f.active].provider.Capabilities()
}

// Active returns the name of the transport that served the last successful
// connect, or of the primary before any.
func (f *Failover) Active() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.entries) == 0 {
		return ""
	}
	return f.entries[f.active].name
}

// States reports each transport's breaker state by name.
func (f *Failover) States() map[string]State {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]State, len(f.entries))
	for _, e := range f.entries {
		out[e.name] = e.breaker.State()
	}
	return out
}

// Check fails when every transport's breaker is open. It has the shape of a
// readiness check.
func (f *Failover) Check(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.entries) == 0 {
		return ErrNoTransports
	}
	var open []string
	for _, e := range f.entries {
		if e.breaker.State() != StateOpen {
			return nil
		}
		open = append(open, e.name)
	}
	return fmt.Errorf("all transport breakers open: %s", strings.Join(open, ", "))
}

func permanent(err error) bool {
	return errors.Is(err, live.ErrConfigurationRejected) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
