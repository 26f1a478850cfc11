package link

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/starford/racecomms/internal/encpkg"
	"github.com/starford/racecomms/internal/models"
	"github.com/starford/racecomms/internal/sdk"
)

// startFunc prepares a monitor for the first receive connection. It returns
// the loop to run and an optional interrupt that unblocks it.
type startFunc func(linkHints string) (run func(ctx context.Context), interrupt func(), err error)

type monitor struct {
	cancel    context.CancelFunc
	interrupt func()
	done      chan struct{}
}

func (m *monitor) stop() {
	m.cancel()
	if m.interrupt != nil {
		m.interrupt()
	}
	<-m.done
}

// base holds the connection registry and monitor lifecycle shared by links.
type base struct {
	id       string
	profile  string
	personas []string
	props    models.LinkProperties
	sdk      SDK
	logger   *slog.Logger

	// lifecycle serializes open, close and Close so a monitor is fully
	// stopped before the next one can start.
	lifecycle sync.Mutex

	mu            sync.RWMutex
	receivers     map[string]*Connection
	monitor       *monitor
	monitorStarts int
}

func (b *base) setup(id string, cfg models.LinkConfig, s SDK, logger *slog.Logger) {
	b.id = id
	b.profile = cfg.LinkProfile
	b.personas = append([]string(nil), cfg.Personas...)
	b.props = cfg.LinkProps
	b.sdk = s
	b.logger = logger.With(slog.String("link_id", id))
	b.receivers = make(map[string]*Connection)
}

func (b *base) ID() string { return b.id }

func (b *base) Profile() string { return b.profile }

func (b *base) Personas() []string { return append([]string(nil), b.personas...) }

func (b *base) Properties() models.LinkProperties { return b.props }

func (b *base) ConnectionIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.receivers))
	for id := range b.receivers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (b *base) Monitoring() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.monitor != nil
}

func (b *base) open(self Link, linkType models.LinkType, connectionID, linkHints string, start startFunc) (*Connection, error) {
	conn := NewConnection(self, linkType, connectionID, linkHints)
	if !linkType.CanReceive() {
		return conn, nil
	}

	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	b.mu.RLock()
	_, dup := b.receivers[connectionID]
	running := b.monitor != nil
	b.mu.RUnlock()
	if dup {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateConnection, connectionID)
	}

	var m *monitor
	if !running {
		run, interrupt, err := start(linkHints)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithCancel(context.Background())
		m = &monitor{cancel: cancel, interrupt: interrupt, done: make(chan struct{})}
		go func() {
			defer close(m.done)
			run(ctx)
		}()
		b.logger.Debug("monitor started")
	}

	b.mu.Lock()
	if m != nil {
		b.monitor = m
		b.monitorStarts++
	}
	b.receivers[connectionID] = conn
	b.mu.Unlock()
	return conn, nil
}

func (b *base) CloseConnection(connectionID string) {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	b.mu.Lock()
	delete(b.receivers, connectionID)
	var m *monitor
	if len(b.receivers) == 0 && b.monitor != nil {
		m = b.monitor
		b.monitor = nil
	}
	b.mu.Unlock()

	if m != nil {
		m.stop()
		b.logger.Debug("monitor stopped")
	}
}

func (b *base) Close() {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	b.mu.Lock()
	b.receivers = make(map[string]*Connection)
	m := b.monitor
	b.monitor = nil
	b.mu.Unlock()

	if m != nil {
		m.stop()
	}
}

// forward hands a received package to the SDK tagged with every receive
// connection currently open on the link.
func (b *base) forward(pkg encpkg.Package) {
	ids := b.ConnectionIDs()
	if resp := b.sdk.ReceiveEncPkg(pkg, ids, sdk.BlockingTimeout); !resp.OK() {
		b.logger.Error("receiveEncPkg failed", slog.String("status", resp.Status.String()))
	}
}
