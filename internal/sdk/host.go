package sdk

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/starford/racecomms/internal/checksum"
	"github.com/starford/racecomms/internal/encpkg"
	"github.com/starford/racecomms/internal/models"
	"github.com/starford/racecomms/internal/storage"
)

const defaultInboxSize = 256

// Publisher receives host events. *sse.Broker satisfies it.
type Publisher interface {
	Emit(kind string, data any)
}

// ReceivedPackage is one inbox entry.
type ReceivedPackage struct {
	ConnectionIDs []string  `json:"connectionIds"`
	TraceID       int64     `json:"traceId"`
	SpanID        int64     `json:"spanId"`
	Type          uint8     `json:"type"`
	Size          int       `json:"size"`
	Checksum      string    `json:"sha256"`
	Ciphertext    []byte    `json:"ciphertext"`
	ReceivedAt    time.Time `json:"receivedAt"`
}

// Host is an in-process SDK for running the plugin as a standalone node.
// User input is answered from a static map, files live in a storage.Provider
// and every callback is published as an event.
type Host struct {
	persona   string
	store     storage.Provider
	channels  map[string]models.ChannelProperties
	inputs    map[string]string
	logger    *slog.Logger
	events    Publisher
	inboxSize int

	handles atomic.Uint64
	wg      sync.WaitGroup

	mu       sync.Mutex
	handler  UserInputHandler
	inbox    []ReceivedPackage
	outcomes map[Handle]*Outcome
}

// Outcome collects the callbacks the plugin made for one tracked handle.
type Outcome struct {
	LinkID           string `json:"linkId,omitempty"`
	LinkStatus       string `json:"linkStatus,omitempty"`
	LinkAddress      string `json:"linkAddress,omitempty"`
	ConnectionID     string `json:"connectionId,omitempty"`
	ConnectionStatus string `json:"connectionStatus,omitempty"`
	PackageStatus    string `json:"packageStatus,omitempty"`
	ChannelStatus    string `json:"channelStatus,omitempty"`
}

var _ Comms = (*Host)(nil)

// HostOption configures a Host.
type HostOption func(*Host)

func WithPersona(persona string) HostOption {
	return func(h *Host) { h.persona = persona }
}

func WithStore(store storage.Provider) HostOption {
	return func(h *Host) { h.store = store }
}

func WithChannels(channels map[string]models.ChannelProperties) HostOption {
	return func(h *Host) { h.channels = channels }
}

// WithUserInput sets the answers given to user input prompts, keyed by prompt key.
func WithUserInput(inputs map[string]string) HostOption {
	return func(h *Host) { h.inputs = inputs }
}

func WithLogger(logger *slog.Logger) HostOption {
	return func(h *Host) { h.logger = logger }
}

func WithPublisher(p Publisher) HostOption {
	return func(h *Host) { h.events = p }
}

func WithInboxSize(n int) HostOption {
	return func(h *Host) { h.inboxSize = n }
}

// NewHost creates a Host.
func NewHost(opts ...HostOption) *Host {
	h := &Host{
		channels:  map[string]models.ChannelProperties{},
		inputs:    map[string]string{},
		logger:    slog.Default(),
		inboxSize: defaultInboxSize,
		outcomes:  map[Handle]*Outcome{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Attach sets the handler for user input answers.
func (h *Host) Attach(handler UserInputHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

// NextHandle mints a fresh request handle.
func (h *Host) NextHandle() Handle {
	return Handle(h.handles.Add(1))
}

// Begin mints a handle whose callbacks are collected until Finish.
func (h *Host) Begin() Handle {
	handle := h.NextHandle()
	h.mu.Lock()
	h.outcomes[handle] = &Outcome{}
	h.mu.Unlock()
	return handle
}

// Finish stops tracking handle and returns what was collected for it.
func (h *Host) Finish(handle Handle) Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	o, ok := h.outcomes[handle]
	if !ok {
		return Outcome{}
	}
	delete(h.outcomes, handle)
	return *o
}

func (h *Host) track(handle Handle, fn func(o *Outcome)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if o, ok := h.outcomes[handle]; ok {
		fn(o)
	}
}

// Close waits for pending user input deliveries.
func (h *Host) Close() {
	h.wg.Wait()
}

func (h *Host) emit(kind string, data any) {
	if h.events != nil {
		h.events.Emit(kind, data)
	}
}

func (h *Host) GenerateLinkID(channelGID string) string {
	if _, ok := h.channels[channelGID]; !ok {
		return ""
	}
	return fmt.Sprintf("%s/LinkID_%s", channelGID, uuid.NewString())
}

func (h *Host) GenerateConnectionID(linkID string) string {
	if linkID == "" {
		return ""
	}
	return fmt.Sprintf("%s/ConnID_%s", linkID, uuid.NewString())
}

func (h *Host) GetActivePersona() string {
	return h.persona
}

func (h *Host) GetChannelProperties(channelGID string) models.ChannelProperties {
	return h.channels[channelGID]
}

func (h *Host) ReceiveEncPkg(pkg encpkg.Package, connectionIDs []string, _ int32) Response {
	entry := ReceivedPackage{
		ConnectionIDs: append([]string(nil), connectionIDs...),
		TraceID:       pkg.TraceID,
		SpanID:        pkg.SpanID,
		Type:          uint8(pkg.Type),
		Size:          pkg.Size(),
		Checksum:      checksum.Package(pkg),
		Ciphertext:    pkg.Ciphertext,
		ReceivedAt:    time.Now().UTC(),
	}

	h.mu.Lock()
	h.inbox = append(h.inbox, entry)
	if over := len(h.inbox) - h.inboxSize; over > 0 {
		h.inbox = append([]ReceivedPackage(nil), h.inbox[over:]...)
	}
	h.mu.Unlock()

	h.logger.Info("package received",
		slog.Int64("trace_id", pkg.TraceID),
		slog.Int("size", entry.Size),
		slog.Any("connection_ids", connectionIDs))
	h.emit("package.received", map[string]any{
		"connectionIds": entry.ConnectionIDs,
		"traceId":       entry.TraceID,
		"size":          entry.Size,
		"sha256":        entry.Checksum,
	})
	return Response{Status: StatusOK}
}

// Received returns up to limit of the most recent inbox entries, oldest first.
// limit <= 0 returns everything held.
func (h *Host) Received(limit int) []ReceivedPackage {
	h.mu.Lock()
	defer h.mu.Unlock()
	start := 0
	if limit > 0 && len(h.inbox) > limit {
		start = len(h.inbox) - limit
	}
	return append([]ReceivedPackage(nil), h.inbox[start:]...)
}

func (h *Host) OnPackageStatusChanged(handle Handle, status models.PackageStatus, _ int32) Response {
	h.logger.Debug("package status", slog.Uint64("handle", uint64(handle)), slog.String("status", status.String()))
	h.track(handle, func(o *Outcome) { o.PackageStatus = status.String() })
	h.emit("package.status", map[string]any{"handle": handle, "status": status.String()})
	return Response{Status: StatusOK, Handle: handle}
}

func (h *Host) OnConnectionStatusChanged(handle Handle, connectionID string, status models.ConnectionStatus, _ models.LinkProperties, _ int32) Response {
	h.logger.Debug("connection status",
		slog.Uint64("handle", uint64(handle)),
		slog.String("connection_id", connectionID),
		slog.String("status", status.String()))
	h.track(handle, func(o *Outcome) {
		o.ConnectionID = connectionID
		o.ConnectionStatus = status.String()
	})
	h.emit("connection.status", map[string]any{"handle": handle, "connectionId": connectionID, "status": status.String()})
	return Response{Status: StatusOK, Handle: handle}
}

func (h *Host) OnLinkStatusChanged(handle Handle, linkID string, status models.LinkStatus, props models.LinkProperties, _ int32) Response {
	h.logger.Debug("link status",
		slog.Uint64("handle", uint64(handle)),
		slog.String("link_id", linkID),
		slog.String("status", status.String()))
	h.track(handle, func(o *Outcome) {
		o.LinkID = linkID
		o.LinkStatus = status.String()
		o.LinkAddress = props.LinkAddress
	})
	h.emit("link.status", map[string]any{
		"handle":      handle,
		"linkId":      linkID,
		"status":      status.String(),
		"linkAddress": props.LinkAddress,
	})
	return Response{Status: StatusOK, Handle: handle}
}

func (h *Host) OnChannelStatusChanged(handle Handle, channelGID string, status models.ChannelStatus, _ models.ChannelProperties, _ int32) Response {
	h.logger.Info("channel status",
		slog.Uint64("handle", uint64(handle)),
		slog.String("channel_gid", channelGID),
		slog.String("status", status.String()))
	h.track(handle, func(o *Outcome) { o.ChannelStatus = status.String() })
	h.emit("channel.status", map[string]any{"handle": handle, "channelGid": channelGID, "status": status.String()})
	return Response{Status: StatusOK, Handle: handle}
}

func (h *Host) UpdateLinkProperties(linkID string, props models.LinkProperties, _ int32) Response {
	h.emit("link.properties", map[string]any{"linkId": linkID, "linkType": props.LinkType, "linkAddress": props.LinkAddress})
	return Response{Status: StatusOK}
}

func (h *Host) RequestPluginUserInput(key, prompt string, _ bool) Response {
	h.logger.Debug("plugin user input requested", slog.String("key", key), slog.String("prompt", prompt))
	return h.requestInput(key)
}

func (h *Host) RequestCommonUserInput(key string) Response {
	return h.requestInput(key)
}

func (h *Host) requestInput(key string) Response {
	h.mu.Lock()
	handler := h.handler
	h.mu.Unlock()
	if handler == nil {
		return Response{Status: StatusPluginMissing}
	}

	handle := h.NextHandle()
	answer, answered := h.inputs[key]

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if resp := handler.OnUserInputReceived(handle, answered, answer); resp != models.PluginOK {
			h.logger.Warn("user input rejected by plugin",
				slog.String("key", key),
				slog.String("response", resp.String()))
		}
	}()
	return Response{Status: StatusOK, Handle: handle}
}

func (h *Host) DisplayInfoToUser(data string, displayType models.DisplayType) Response {
	h.logger.Info("display to user", slog.String("data", data), slog.Int("display_type", int(displayType)))
	h.emit("user.display", map[string]any{"data": data})
	return Response{Status: StatusOK}
}

// ErrNoStore is returned by file operations on a Host without storage.
var ErrNoStore = errors.New("sdk: no file store configured")

func (h *Host) ReadFile(name string) ([]byte, error) {
	if h.store == nil {
		return nil, ErrNoStore
	}
	return h.store.Read(name)
}

func (h *Host) WriteFile(name string, data []byte) Response {
	if h.store == nil {
		return Response{Status: StatusPluginMissing}
	}
	if err := h.store.Write(name, data); err != nil {
		h.logger.Error("write file failed", slog.String("name", name), slog.String("error", err.Error()))
		return Response{Status: StatusPluginError}
	}
	return Response{Status: StatusOK}
}
