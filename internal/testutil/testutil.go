// Package testutil provides a recording SDK and polling helpers for tests.
package testutil

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/starford/racecomms/internal/encpkg"
	"github.com/starford/racecomms/internal/models"
	"github.com/starford/racecomms/internal/sdk"
)

// Received is one ReceiveEncPkg call.
type Received struct {
	Pkg           encpkg.Package
	ConnectionIDs []string
}

// StatusEvent is one status callback. Kind is "channel", "link",
// "connection", "package" or "properties".
type StatusEvent struct {
	Kind   string
	Handle sdk.Handle
	ID     string
	Status string
	Props  models.LinkProperties
}

// InputRequest is one user input prompt.
type InputRequest struct {
	Key    string
	Prompt string
	Common bool
	Handle sdk.Handle
}

// FakeSDK records every call a plugin makes and keeps files in memory.
type FakeSDK struct {
	Persona  string
	Channels map[string]models.ChannelProperties

	mu         sync.Mutex
	files      map[string][]byte
	received   []Received
	events     []StatusEvent
	displays   []string
	inputs     []InputRequest
	failInput  map[string]bool
	noLinkIDs  bool
	nextHandle sdk.Handle
	idSequence int
}

var _ sdk.Comms = (*FakeSDK)(nil)

// NewFakeSDK creates a fake that knows the given channels.
func NewFakeSDK(channels map[string]models.ChannelProperties) *FakeSDK {
	return &FakeSDK{
		Persona:   "race-client-00001",
		Channels:  channels,
		files:     make(map[string][]byte),
		failInput: make(map[string]bool),
	}
}

// FailInputRequest makes requests for key return an error status.
func (f *FakeSDK) FailInputRequest(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failInput[key] = true
}

// DenyLinkIDs makes GenerateLinkID return "".
func (f *FakeSDK) DenyLinkIDs() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noLinkIDs = true
}

func (f *FakeSDK) GenerateLinkID(channelGID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noLinkIDs {
		return ""
	}
	f.idSequence++
	return fmt.Sprintf("%s/LinkID_%d", channelGID, f.idSequence)
}

func (f *FakeSDK) GenerateConnectionID(linkID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idSequence++
	return fmt.Sprintf("%s/ConnID_%d", linkID, f.idSequence)
}

func (f *FakeSDK) GetActivePersona() string { return f.Persona }

func (f *FakeSDK) GetChannelProperties(channelGID string) models.ChannelProperties {
	return f.Channels[channelGID]
}

func (f *FakeSDK) ReceiveEncPkg(pkg encpkg.Package, connectionIDs []string, _ int32) sdk.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, Received{Pkg: pkg, ConnectionIDs: append([]string(nil), connectionIDs...)})
	return sdk.Response{Status: sdk.StatusOK}
}

func (f *FakeSDK) record(ev StatusEvent) sdk.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return sdk.Response{Status: sdk.StatusOK, Handle: ev.Handle}
}

func (f *FakeSDK) OnPackageStatusChanged(h sdk.Handle, status models.PackageStatus, _ int32) sdk.Response {
	return f.record(StatusEvent{Kind: "package", Handle: h, Status: status.String()})
}

func (f *FakeSDK) OnConnectionStatusChanged(h sdk.Handle, id string, status models.ConnectionStatus, props models.LinkProperties, _ int32) sdk.Response {
	return f.record(StatusEvent{Kind: "connection", Handle: h, ID: id, Status: status.String(), Props: props})
}

func (f *FakeSDK) OnLinkStatusChanged(h sdk.Handle, id string, status models.LinkStatus, props models.LinkProperties, _ int32) sdk.Response {
	return f.record(StatusEvent{Kind: "link", Handle: h, ID: id, Status: status.String(), Props: props})
}

func (f *FakeSDK) OnChannelStatusChanged(h sdk.Handle, gid string, status models.ChannelStatus, _ models.ChannelProperties, _ int32) sdk.Response {
	return f.record(StatusEvent{Kind: "channel", Handle: h, ID: gid, Status: status.String()})
}

func (f *FakeSDK) UpdateLinkProperties(linkID string, props models.LinkProperties, _ int32) sdk.Response {
	return f.record(StatusEvent{Kind: "properties", ID: linkID, Props: props})
}

func (f *FakeSDK) request(req InputRequest) sdk.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInput[req.Key] {
		return sdk.Response{Status: sdk.StatusPluginMissing}
	}
	f.nextHandle++
	req.Handle = f.nextHandle
	f.inputs = append(f.inputs, req)
	return sdk.Response{Status: sdk.StatusOK, Handle: req.Handle}
}

func (f *FakeSDK) RequestPluginUserInput(key, prompt string, _ bool) sdk.Response {
	return f.request(InputRequest{Key: key, Prompt: prompt})
}

func (f *FakeSDK) RequestCommonUserInput(key string) sdk.Response {
	return f.request(InputRequest{Key: key, Common: true})
}

func (f *FakeSDK) DisplayInfoToUser(data string, _ models.DisplayType) sdk.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.displays = append(f.displays, data)
	return sdk.Response{Status: sdk.StatusOK}
}

func (f *FakeSDK) ReadFile(name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.files[name]
	if !ok {
		return nil, errors.New("testutil: no such file")
	}
	return append([]byte(nil), v...), nil
}

func (f *FakeSDK) WriteFile(name string, data []byte) sdk.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[name] = append([]byte(nil), data...)
	return sdk.Response{Status: sdk.StatusOK}
}

// Received returns a copy of every delivered package.
func (f *FakeSDK) Received() []Received {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Received(nil), f.received...)
}

// Events returns status callbacks of the given kind, or all when kind is "".
func (f *FakeSDK) Events(kind string) []StatusEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []StatusEvent
	for _, ev := range f.events {
		if kind == "" || ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// InputRequests returns every user input prompt issued so far.
func (f *FakeSDK) InputRequests() []InputRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]InputRequest(nil), f.inputs...)
}

// Displays returns every message shown to the user.
func (f *FakeSDK) Displays() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.displays...)
}

// File returns a stored file and whether it exists.
func (f *FakeSDK) File(name string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.files[name]
	return v, ok
}

// FreePort returns a TCP port that was free a moment ago.
func FreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// Eventually polls fn every tick until it returns true or timeout elapses.
func Eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}
