package link

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/starford/racecomms/internal/encpkg"
	"github.com/starford/racecomms/internal/models"
	"github.com/starford/racecomms/internal/persist"
)

// ErrPostRetryLimit is returned when every whiteboard post attempt failed.
var ErrPostRetryLimit = errors.New("link: whiteboard post retry limit exceeded")

// WhiteboardConfig addresses a tag on a whiteboard server.
type WhiteboardConfig struct {
	Hostname       string
	Port           int
	Hashtag        string
	CheckFrequency time.Duration
	// Timestamp is where a fresh reader starts, in epoch seconds.
	// Negative means unset.
	Timestamp float64
}

// Whiteboard posts packages to a shared append-only board and polls it for
// new posts under the same tag.
type Whiteboard struct {
	base
	cfg            WhiteboardConfig
	client         *boardClient
	postAttempts   int
	postRetryDelay time.Duration
	now            func() time.Time
}

var _ Link = (*Whiteboard)(nil)

// NewWhiteboard creates a whiteboard link.
func NewWhiteboard(id string, cfg WhiteboardConfig, lc models.LinkConfig, s SDK, opts ...Option) *Whiteboard {
	o := buildOptions(opts)
	if cfg.CheckFrequency <= 0 {
		cfg.CheckFrequency = time.Second
	}
	l := &Whiteboard{
		cfg:            cfg,
		client:         newBoardClient(cfg.Hostname, cfg.Port, cfg.Hashtag, o.httpClient),
		postAttempts:   o.postAttempts,
		postRetryDelay: o.postRetryDelay,
		now:            o.now,
	}
	l.setup(id, lc, s, o.logger)
	return l
}

// CursorKey identifies this link's read position in the SDK file store.
func (l *Whiteboard) CursorKey() string {
	return fmt.Sprintf("%s:%d:%s:lastTimestamp", l.cfg.Hostname, l.cfg.Port, l.cfg.Hashtag)
}

func (l *Whiteboard) OpenConnection(linkType models.LinkType, connectionID, linkHints string) (*Connection, error) {
	return l.open(l, linkType, connectionID, linkHints, l.startMonitor)
}

func (l *Whiteboard) startMonitor(linkHints string) (func(ctx context.Context), func(), error) {
	hint := l.cfg.Timestamp
	if hint < 0 {
		if after, ok := parseAfterHint(linkHints); ok {
			hint = after
		}
	}
	return func(ctx context.Context) { l.monitor(ctx, hint) }, nil, nil
}

// parseAfterHint reads the "after" field of a link hints document.
func parseAfterHint(linkHints string) (float64, bool) {
	if strings.TrimSpace(linkHints) == "" {
		return 0, false
	}
	var hints struct {
		After *flexString `json:"after"`
	}
	if err := json.Unmarshal([]byte(linkHints), &hints); err != nil || hints.After == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(string(*hints.After), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// startTimestamp picks the persisted cursor, then the hint, then now.
func (l *Whiteboard) startTimestamp(hint float64) float64 {
	if ts := persist.ReadFloat(l.sdk, l.CursorKey(), -1); ts > 0 {
		return ts
	}
	if hint > 0 {
		return hint
	}
	return float64(l.now().UnixNano()) / float64(time.Second)
}

func (l *Whiteboard) monitor(ctx context.Context, hint float64) {
	start := l.startTimestamp(hint)
	latest, err := l.client.indexAfter(ctx, start)
	if err != nil {
		l.logger.Warn("index lookup failed, reading from 0",
			slog.Float64("timestamp", start),
			slog.String("error", err.Error()))
		latest = 0
	}
	l.logger.Debug("whiteboard monitor started", slog.Float64("timestamp", start), slog.Int("index", latest))

	for ctx.Err() == nil {
		latest = l.poll(ctx, latest)
		if !sleep(ctx, l.cfg.CheckFrequency) {
			return
		}
	}
}

// poll fetches one batch after latest and returns the next index to read.
func (l *Whiteboard) poll(ctx context.Context, latest int) int {
	batch, err := l.client.newPosts(ctx, latest)
	if err != nil {
		if ctx.Err() == nil {
			l.logger.Warn("fetching posts failed", slog.Int("index", latest), slog.String("error", err.Error()))
		}
		return latest
	}

	pkgs := make([]encpkg.Package, 0, len(batch.Data))
	for _, entry := range batch.Data {
		raw, err := base64.StdEncoding.DecodeString(entry)
		if err != nil {
			l.logger.Warn("skipping post with bad base64", slog.String("error", err.Error()))
			continue
		}
		pkg, err := encpkg.Decode(raw)
		if err != nil {
			l.logger.Warn("skipping undecodable post", slog.String("error", err.Error()))
			continue
		}
		pkgs = append(pkgs, pkg)
	}

	if expected := batch.Length - latest; len(pkgs) < expected {
		l.logger.Warn("possible lost posts",
			slog.Int("expected", expected),
			slog.Int("received", len(pkgs)))
	}

	for _, pkg := range pkgs {
		l.forward(pkg)
	}

	if len(batch.Data) > 0 {
		l.saveCursor(string(batch.Timestamp))
	}
	return batch.Length
}

func (l *Whiteboard) saveCursor(timestamp string) {
	ts, err := strconv.ParseFloat(timestamp, 64)
	if err != nil {
		l.logger.Warn("bad post timestamp", slog.String("timestamp", timestamp))
		return
	}
	if err := persist.WriteFloat(l.sdk, l.CursorKey(), ts); err != nil {
		l.logger.Error("saving cursor failed", slog.String("error", err.Error()))
	}
}

// SendPackage posts the base64 framed package, retrying a fixed number of
// times. A response mentioning "index" counts as success.
func (l *Whiteboard) SendPackage(ctx context.Context, pkg encpkg.Package) error {
	data := base64.StdEncoding.EncodeToString(pkg.Encode())
	for attempt := 1; attempt <= l.postAttempts; attempt++ {
		body, err := l.client.post(ctx, data)
		if err == nil && strings.Contains(body, "index") {
			return nil
		}
		if err != nil {
			l.logger.Warn("post failed", slog.Int("attempt", attempt), slog.String("error", err.Error()))
		} else {
			l.logger.Warn("post rejected", slog.Int("attempt", attempt), slog.String("response", body))
		}
		if attempt < l.postAttempts && !sleep(ctx, l.postRetryDelay) {
			return fmt.Errorf("link: post to %s: %w", l.cfg.Hashtag, ctx.Err())
		}
	}
	l.logger.Error("retry limit exceeded", slog.String("hashtag", l.cfg.Hashtag))
	return ErrPostRetryLimit
}
