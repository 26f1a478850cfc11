// Package plugin implements the comms channel manager: channel activation,
// the link and connection registries, and the status callbacks reported to
// the SDK.
package plugin

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/starford/racecomms/internal/link"
	"github.com/starford/racecomms/internal/models"
	"github.com/starford/racecomms/internal/persist"
	"github.com/starford/racecomms/internal/sdk"
)

const (
	initializedFile      = "initialized.txt"
	nextHashtagKey       = "nextAvailableHashtag"
	defaultHostname      = "no-hostname-provided-by-user"
	startPortInputKey    = "startPort"
	startPortInputPrompt = "What is the first available port?"
	hostnameInputKey     = "hostname"
)

// Settings are the plugin defaults the operator can override.
type Settings struct {
	Hostname           string
	StartPort          int
	WhiteboardHostname string
	WhiteboardPort     int
	HashtagPrefix      string
	CheckFrequencyMs   int
}

// DefaultSettings returns the stock settings.
func DefaultSettings() Settings {
	return Settings{
		Hostname:           defaultHostname,
		StartPort:          10000,
		WhiteboardHostname: "twosix-whiteboard",
		WhiteboardPort:     5000,
		HashtagPrefix:      "java",
		CheckFrequencyMs:   1000,
	}
}

// Config carries the directories the SDK hands the plugin at init.
type Config struct {
	EtcDirectory     string
	LoggingDirectory string
	AuxDataDirectory string
	TmpDirectory     string
	PluginDirectory  string
}

// Plugin is the channel manager. Every entry point that reads or mutates the
// registries runs under one mutex.
type Plugin struct {
	sdk      sdk.Comms
	logger   *slog.Logger
	settings Settings
	linkOpts []link.Option

	// ctx ends at Shutdown and bounds outbound send retries.
	ctx    context.Context
	cancel context.CancelFunc

	mu                   sync.Mutex
	links                map[string]link.Link
	connections          map[string]*link.Connection
	channelStatuses      map[string]models.ChannelStatus
	pendingInput         map[sdk.Handle]struct{}
	activationHandle     sdk.Handle
	startPortHandle      sdk.Handle
	hostnameHandle       sdk.Handle
	hostname             string
	persona              string
	nextAvailablePort    int
	nextAvailableHashtag int
}

var _ sdk.UserInputHandler = (*Plugin)(nil)

// Option configures a Plugin.
type Option func(*Plugin)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Plugin) { p.logger = logger }
}

func WithSettings(s Settings) Option {
	return func(p *Plugin) { p.settings = s }
}

// WithLinkOptions passes options to every link the plugin builds.
func WithLinkOptions(opts ...link.Option) Option {
	return func(p *Plugin) { p.linkOpts = append(p.linkOpts, opts...) }
}

// New creates a plugin bound to an SDK.
func New(s sdk.Comms, opts ...Option) *Plugin {
	p := &Plugin{
		sdk:             s,
		logger:          slog.Default(),
		settings:        DefaultSettings(),
		links:           make(map[string]link.Link),
		connections:     make(map[string]*link.Connection),
		channelStatuses: make(map[string]models.ChannelStatus),
		pendingInput:    make(map[sdk.Handle]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.hostname = p.settings.Hostname
	p.nextAvailablePort = p.settings.StartPort
	p.linkOpts = append([]link.Option{link.WithLogger(p.logger)}, p.linkOpts...)
	return p
}

// Init prepares the plugin: it checks the SDK file store, reads the active
// persona, restores counters and marks both channels unavailable.
func (p *Plugin) Init(cfg Config) models.PluginResponse {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.logger.Info("init",
		slog.String("etc_directory", cfg.EtcDirectory),
		slog.String("logging_directory", cfg.LoggingDirectory),
		slog.String("aux_data_directory", cfg.AuxDataDirectory),
		slog.String("tmp_directory", cfg.TmpDirectory),
		slog.String("plugin_directory", cfg.PluginDirectory))

	if err := persist.WriteString(p.sdk, initializedFile, "Comms Plugin Initialized\n"); err != nil {
		p.logger.Warn("writing init marker failed", slog.String("error", err.Error()))
	} else {
		p.logger.Debug("init marker", slog.String("contents", persist.ReadString(p.sdk, initializedFile, "")))
	}

	p.persona = p.sdk.GetActivePersona()
	p.nextAvailableHashtag = persist.ReadInt(p.sdk, nextHashtagKey, 0)
	for gid := range DefaultChannels() {
		p.channelStatuses[gid] = models.ChannelUnavailable
	}
	p.logger.Info("initialized", slog.String("persona", p.persona))
	return models.PluginOK
}

// Shutdown closes every open connection. Links and channel statuses stay.
func (p *Plugin) Shutdown() models.PluginResponse {
	p.cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range sortedKeys(p.connections) {
		p.closeConnectionLocked(sdk.NullHandle, id)
	}
	p.logger.Info("shutdown complete")
	return models.PluginOK
}

// LinkInfo is a read-only view of a registered link.
type LinkInfo struct {
	ID          string          `json:"id"`
	ChannelGID  string          `json:"channelGid"`
	LinkType    models.LinkType `json:"linkType"`
	Address     string          `json:"address"`
	Connections []string        `json:"connections"`
	Monitoring  bool            `json:"monitoring"`
}

// Links lists registered links ordered by ID.
func (p *Plugin) Links() []LinkInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]LinkInfo, 0, len(p.links))
	for _, id := range sortedKeys(p.links) {
		l := p.links[id]
		props := l.Properties()
		out = append(out, LinkInfo{
			ID:          id,
			ChannelGID:  props.ChannelGID,
			LinkType:    props.LinkType,
			Address:     props.LinkAddress,
			Connections: p.connectionsOnLocked(l),
			Monitoring:  l.Monitoring(),
		})
	}
	return out
}

// Channels returns the status of every known channel.
func (p *Plugin) Channels() map[string]models.ChannelStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]models.ChannelStatus, len(p.channelStatuses))
	for gid, s := range p.channelStatuses {
		out[gid] = s
	}
	return out
}

// GetLinkProperties returns the properties of a registered link.
func (p *Plugin) GetLinkProperties(linkID string) (models.LinkProperties, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.links[linkID]
	if !ok {
		return models.LinkProperties{}, false
	}
	return l.Properties(), true
}

// connectionsOnLocked lists every registered connection on l, send-only ones included.
func (p *Plugin) connectionsOnLocked(l link.Link) []string {
	var ids []string
	for id, c := range p.connections {
		if c.Link() == l {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
