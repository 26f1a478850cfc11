package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/starford/racecomms/internal/encpkg"
	"github.com/starford/racecomms/internal/models"
)

const acceptBackoff = 10 * time.Millisecond

// DirectConfig addresses a direct link's listener.
type DirectConfig struct {
	Hostname string
	Port     int
}

// Direct sends each package over its own TCP connection and receives by
// accepting on Port. One connection carries exactly one package.
type Direct struct {
	base
	hostname       string
	port           int
	dialRetryDelay time.Duration
	dialer         net.Dialer
}

var _ Link = (*Direct)(nil)

// NewDirect creates a direct link. Nothing is bound until a receive
// connection opens.
func NewDirect(id string, cfg DirectConfig, lc models.LinkConfig, s SDK, opts ...Option) *Direct {
	o := buildOptions(opts)
	l := &Direct{
		hostname:       cfg.Hostname,
		port:           cfg.Port,
		dialRetryDelay: o.dialRetryDelay,
	}
	l.setup(id, lc, s, o.logger)
	return l
}

// Address returns the host:port packages are sent to.
func (l *Direct) Address() string {
	return net.JoinHostPort(l.hostname, strconv.Itoa(l.port))
}

func (l *Direct) OpenConnection(linkType models.LinkType, connectionID, linkHints string) (*Connection, error) {
	return l.open(l, linkType, connectionID, linkHints, l.startMonitor)
}

func (l *Direct) startMonitor(string) (func(ctx context.Context), func(), error) {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(l.port)))
	if err != nil {
		return nil, nil, fmt.Errorf("link: listen on port %d: %w", l.port, err)
	}
	l.logger.Info("direct link listening", slog.Int("port", l.port))
	a := &acceptLoop{link: l, ln: ln}
	return a.run, a.interrupt, nil
}

// acceptLoop owns a listener and the socket currently being drained.
type acceptLoop struct {
	link *Direct
	ln   net.Listener

	mu      sync.Mutex
	current net.Conn
	stopped bool
}

func (a *acceptLoop) run(ctx context.Context) {
	defer a.ln.Close()
	for ctx.Err() == nil {
		conn, err := a.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			a.link.logger.Warn("accept failed", slog.String("error", err.Error()))
			sleep(ctx, acceptBackoff)
			continue
		}
		if !a.track(conn) {
			_ = conn.Close()
			return
		}
		a.link.receive(conn)
		a.track(nil)
	}
}

func (a *acceptLoop) track(conn net.Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped && conn != nil {
		return false
	}
	a.current = conn
	return true
}

// interrupt unblocks Accept and any read in progress.
func (a *acceptLoop) interrupt() {
	a.mu.Lock()
	a.stopped = true
	if a.current != nil {
		_ = a.current.Close()
	}
	a.mu.Unlock()
	_ = a.ln.Close()
}

// receive drains conn until EOF and forwards the bytes as one package.
func (l *Direct) receive(conn net.Conn) {
	defer conn.Close()

	data, err := io.ReadAll(conn)
	if err != nil {
		l.logger.Warn("read failed",
			slog.String("remote", conn.RemoteAddr().String()),
			slog.String("error", err.Error()))
		return
	}
	if len(data) == 0 {
		return
	}
	pkg, err := encpkg.Decode(data)
	if err != nil {
		l.logger.Warn("dropping undecodable package", slog.Int("size", len(data)), slog.String("error", err.Error()))
		return
	}
	l.forward(pkg)
}

// SendPackage connects to the link address, retrying until the connect
// succeeds or ctx ends, then writes the framed package and closes.
func (l *Direct) SendPackage(ctx context.Context, pkg encpkg.Package) error {
	addr := l.Address()

	var conn net.Conn
	for attempt := 1; ; attempt++ {
		var err error
		conn, err = l.dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			break
		}
		if attempt > dialWarnAttempts && attempt%dialWarnAttempts == 1 {
			l.logger.Warn("still unable to connect",
				slog.String("address", addr),
				slog.Int("attempts", attempt),
				slog.String("error", err.Error()))
		}
		if !sleep(ctx, l.dialRetryDelay) {
			return fmt.Errorf("link: connect %s: %w", addr, ctx.Err())
		}
	}
	defer conn.Close()

	if _, err := conn.Write(pkg.Encode()); err != nil {
		l.logger.Error("write failed", slog.String("address", addr), slog.String("error", err.Error()))
		return fmt.Errorf("link: write %s: %w", addr, err)
	}
	return nil
}
