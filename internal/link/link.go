// Package link implements the transports a comms channel multiplexes
// connections over: a direct TCP link and a polling whiteboard link.
package link

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/starford/racecomms/internal/encpkg"
	"github.com/starford/racecomms/internal/models"
	"github.com/starford/racecomms/internal/persist"
	"github.com/starford/racecomms/internal/sdk"
)

// ErrDuplicateConnection is returned when a connection ID is already open on a link.
var ErrDuplicateConnection = errors.New("link: connection already open")

// SDK is the part of the SDK boundary a link uses.
type SDK interface {
	ReceiveEncPkg(pkg encpkg.Package, connectionIDs []string, timeout int32) sdk.Response
	persist.Files
}

// Link is one addressable instance of a channel.
type Link interface {
	ID() string
	Profile() string
	Personas() []string
	Properties() models.LinkProperties

	// OpenConnection registers a connection. The first receive-capable
	// connection starts the link's monitor.
	OpenConnection(linkType models.LinkType, connectionID, linkHints string) (*Connection, error)
	// CloseConnection unregisters a connection. Closing the last
	// receive-capable connection stops the monitor and waits for it.
	CloseConnection(connectionID string)
	// SendPackage writes one framed package to the transport.
	SendPackage(ctx context.Context, pkg encpkg.Package) error

	// ConnectionIDs lists the receive connections packages are tagged with.
	ConnectionIDs() []string
	Monitoring() bool
	// Close drops every connection and stops the monitor.
	Close()
}

// Connection is a logical endpoint multiplexed over a Link.
type Connection struct {
	ID    string
	Type  models.LinkType
	Hints string
	link  Link
}

// NewConnection builds a connection bound to l.
func NewConnection(l Link, linkType models.LinkType, id, hints string) *Connection {
	return &Connection{ID: id, Type: linkType, Hints: hints, link: l}
}

// Link returns the owning link.
func (c *Connection) Link() Link { return c.link }

const (
	defaultDialRetryDelay = 10 * time.Millisecond
	dialWarnAttempts      = 50
	defaultPostAttempts   = 5
	defaultPostRetryDelay = 500 * time.Millisecond
	defaultHTTPTimeout    = 10 * time.Second
)

type options struct {
	logger         *slog.Logger
	httpClient     *http.Client
	dialRetryDelay time.Duration
	postAttempts   int
	postRetryDelay time.Duration
	now            func() time.Time
}

// Option tunes a link.
type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithDialRetryDelay sets the pause between outbound connect attempts.
func WithDialRetryDelay(d time.Duration) Option {
	return func(o *options) { o.dialRetryDelay = d }
}

// WithPostRetry sets how often and how far apart whiteboard posts are tried.
func WithPostRetry(attempts int, delay time.Duration) Option {
	return func(o *options) {
		o.postAttempts = attempts
		o.postRetryDelay = delay
	}
}

// WithClock replaces time.Now for cursor defaults.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{
		logger:         slog.Default(),
		dialRetryDelay: defaultDialRetryDelay,
		postAttempts:   defaultPostAttempts,
		postRetryDelay: defaultPostRetryDelay,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return o
}

// sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
