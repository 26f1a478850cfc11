// Package addrbook watches a drop directory for peer link addresses and
// loads each one into the channel manager.
package addrbook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/racecomms/internal/checksum"
)

const (
	settleDelay          = 200 * time.Millisecond
	defaultRetryInterval = 5 * time.Second
)

// Entry is one dropped address file.
type Entry struct {
	ChannelGID string `json:"channelGid"`
	// Address is the link profile, given either as a JSON string or inline
	// as a JSON object.
	Address json.RawMessage `json:"address"`
}

func (e Entry) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.ChannelGID, validation.Required),
		validation.Field(&e.Address, validation.Required),
	)
}

// Profile returns the address as profile text.
func (e Entry) Profile() string {
	var s string
	if err := json.Unmarshal(e.Address, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(e.Address))
}

// Parse decodes and validates an address file.
func Parse(data []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("addrbook: decode: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Entry{}, fmt.Errorf("addrbook: %w", err)
	}
	return e, nil
}

// ErrRejected marks an address that can never load, such as one for an
// unknown channel or with an invalid profile. LoadFunc wraps it so the file is
// not offered again until its content changes.
var ErrRejected = errors.New("addrbook: address rejected")

// LoadFunc hands one address to the channel manager. Errors other than
// ErrRejected are retried.
type LoadFunc func(e Entry) error

// Option configures Watch.
type Option func(*book)

// WithRetryInterval sets how often addresses the loader rejected are offered
// again. A channel that is still starting rejects every address.
func WithRetryInterval(d time.Duration) Option {
	return func(b *book) { b.retry = d }
}

type book struct {
	dir    string
	load   LoadFunc
	logger *slog.Logger
	retry  time.Duration
	// seen maps file name to the checksum of content that needs no retry.
	seen map[string]string
}

// Watch loads every *.json address in dir, then keeps loading new or changed
// files until ctx is cancelled. Content that loaded, or that can never load,
// is not offered twice.
func Watch(ctx context.Context, dir string, load LoadFunc, logger *slog.Logger, opts ...Option) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("addrbook: create dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}

	b := &book{dir: dir, load: load, logger: logger, retry: defaultRetryInterval, seen: make(map[string]string)}
	for _, opt := range opts {
		opt(b)
	}
	b.scan()
	retry := time.NewTicker(b.retry)
	defer retry.Stop()
	logger.Info("addrbook: watching", slog.String("dir", dir))

	// Writers often emit several events per file; wait for them to settle.
	pending := make(map[string]struct{})
	settle := time.NewTimer(settleDelay)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("addrbook: stopped")
			return nil

		case <-retry.C:
			b.scan()

		case <-settle.C:
			for name := range pending {
				b.process(name)
			}
			clear(pending)

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(ev.Name)
			if !isAddressFile(name) {
				continue
			}
			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				pending[name] = struct{}{}
				settle.Reset(settleDelay)
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				delete(b.seen, name)
				delete(pending, name)
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("addrbook: watch error", slog.String("error", watchErr.Error()))
		}
	}
}

func isAddressFile(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}

func (b *book) scan() {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		b.logger.Warn("addrbook: scan failed", slog.String("error", err.Error()))
		return
	}
	for _, de := range entries {
		if !de.IsDir() && isAddressFile(de.Name()) {
			b.process(de.Name())
		}
	}
}

func (b *book) process(name string) {
	data, err := os.ReadFile(filepath.Join(b.dir, name))
	if err != nil {
		b.logger.Warn("addrbook: read failed", slog.String("file", name), slog.String("error", err.Error()))
		return
	}
	sum := checksum.Sum(data)
	if b.seen[name] == sum {
		return
	}

	e, err := Parse(data)
	if err != nil {
		b.logger.Warn("addrbook: skipping malformed file", slog.String("file", name), slog.String("error", err.Error()))
		b.seen[name] = sum
		return
	}
	if err := b.load(e); err != nil {
		if errors.Is(err, ErrRejected) {
			b.logger.Warn("addrbook: address rejected",
				slog.String("file", name),
				slog.String("channel_gid", e.ChannelGID),
				slog.String("error", err.Error()))
			b.seen[name] = sum
			return
		}
		b.logger.Warn("addrbook: load failed, will retry",
			slog.String("file", name),
			slog.String("channel_gid", e.ChannelGID),
			slog.String("error", err.Error()))
		return
	}
	b.logger.Info("addrbook: loaded", slog.String("file", name), slog.String("channel_gid", e.ChannelGID))
	b.seen[name] = sum
}
