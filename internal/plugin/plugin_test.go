package plugin

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/racecomms/internal/encpkg"
	"github.com/starford/racecomms/internal/link"
	"github.com/starford/racecomms/internal/models"
	"github.com/starford/racecomms/internal/profile"
	"github.com/starford/racecomms/internal/sdk"
	"github.com/starford/racecomms/internal/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPlugin(t *testing.T, opts ...Option) (*Plugin, *testutil.FakeSDK) {
	t.Helper()
	f := testutil.NewFakeSDK(DefaultChannels())
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	p := New(f, opts...)
	require.Equal(t, models.PluginOK, p.Init(Config{}))
	t.Cleanup(func() { p.Shutdown() })
	return p, f
}

func inputHandle(t *testing.T, f *testutil.FakeSDK, key string) sdk.Handle {
	t.Helper()
	for _, req := range f.InputRequests() {
		if req.Key == key {
			return req.Handle
		}
	}
	t.Fatalf("no input request for %q", key)
	return sdk.NullHandle
}

func activateDirect(t *testing.T, p *Plugin, f *testutil.FakeSDK, startPort int) {
	t.Helper()
	require.Equal(t, models.PluginOK, p.ActivateChannel(1, DirectChannelGID, "default"))
	require.Equal(t, models.PluginOK, p.OnUserInputReceived(inputHandle(t, f, startPortInputKey), true, strconv.Itoa(startPort)))
	require.Equal(t, models.PluginOK, p.OnUserInputReceived(inputHandle(t, f, hostnameInputKey), true, "127.0.0.1"))
	require.Equal(t, models.ChannelAvailable, p.Channels()[DirectChannelGID])
}

func lastEvent(t *testing.T, f *testutil.FakeSDK, kind string) testutil.StatusEvent {
	t.Helper()
	evs := f.Events(kind)
	require.NotEmpty(t, evs, "no %s events", kind)
	return evs[len(evs)-1]
}

func findLink(p *Plugin, id string) (LinkInfo, bool) {
	for _, l := range p.Links() {
		if l.ID == id {
			return l, true
		}
	}
	return LinkInfo{}, false
}

func TestInitMarksChannelsUnavailable(t *testing.T) {
	p, f := newPlugin(t)

	assert.Equal(t, map[string]models.ChannelStatus{
		DirectChannelGID:   models.ChannelUnavailable,
		IndirectChannelGID: models.ChannelUnavailable,
	}, p.Channels())
	marker, ok := f.File(initializedFile)
	require.True(t, ok)
	assert.Equal(t, "Comms Plugin Initialized\n", string(marker))
}

func TestActivateIndirectIsImmediate(t *testing.T) {
	p, f := newPlugin(t)

	require.Equal(t, models.PluginOK, p.ActivateChannel(7, IndirectChannelGID, "default"))

	ev := lastEvent(t, f, "channel")
	assert.Equal(t, IndirectChannelGID, ev.ID)
	assert.Equal(t, "CHANNEL_AVAILABLE", ev.Status)
	assert.Equal(t, sdk.Handle(7), ev.Handle)
	assert.Equal(t, []string{IndirectChannelGID + " is available"}, f.Displays())
	assert.Empty(t, f.InputRequests())
}

func TestActivateDirectWaitsForBothAnswers(t *testing.T) {
	p, f := newPlugin(t)

	require.Equal(t, models.PluginOK, p.ActivateChannel(1, DirectChannelGID, "default"))
	assert.Equal(t, models.ChannelStarting, p.Channels()[DirectChannelGID])
	require.Len(t, f.InputRequests(), 2)

	require.Equal(t, models.PluginOK, p.OnUserInputReceived(inputHandle(t, f, hostnameInputKey), true, "node-a"))
	assert.Equal(t, models.ChannelStarting, p.Channels()[DirectChannelGID])

	require.Equal(t, models.PluginOK, p.OnUserInputReceived(inputHandle(t, f, startPortInputKey), true, "12000"))
	assert.Equal(t, models.ChannelAvailable, p.Channels()[DirectChannelGID])
	assert.Equal(t, "CHANNEL_AVAILABLE", lastEvent(t, f, "channel").Status)

	require.Equal(t, models.PluginOK, p.CreateLink(2, DirectChannelGID))
	props := lastEvent(t, f, "properties").Props
	assert.Equal(t, `{"hostname":"node-a","port":12000}`, props.LinkAddress)
	assert.Equal(t, models.LinkTypeRecv, props.LinkType)
}

func TestActivateDirectBadPortKeepsDefault(t *testing.T) {
	p, f := newPlugin(t, WithSettings(Settings{
		Hostname: "h", StartPort: 15000, HashtagPrefix: "java", CheckFrequencyMs: 1000,
	}))

	require.Equal(t, models.PluginOK, p.ActivateChannel(1, DirectChannelGID, "default"))
	require.Equal(t, models.PluginOK, p.OnUserInputReceived(inputHandle(t, f, startPortInputKey), true, "not-a-port"))
	require.Equal(t, models.PluginOK, p.OnUserInputReceived(inputHandle(t, f, hostnameInputKey), true, "h"))

	require.Equal(t, models.PluginOK, p.CreateLink(2, DirectChannelGID))
	assert.Equal(t, `{"hostname":"h","port":15000}`, lastEvent(t, f, "properties").Props.LinkAddress)
}

func TestActivateDirectHostnameRequestFails(t *testing.T) {
	p, f := newPlugin(t)
	f.FailInputRequest(hostnameInputKey)

	assert.Equal(t, models.PluginError, p.ActivateChannel(1, DirectChannelGID, "default"))
	assert.Equal(t, models.ChannelFailed, p.Channels()[DirectChannelGID])
	assert.Equal(t, "CHANNEL_FAILED", lastEvent(t, f, "channel").Status)
}

func TestActivateDirectHostnameDeclined(t *testing.T) {
	p, f := newPlugin(t)

	require.Equal(t, models.PluginOK, p.ActivateChannel(1, DirectChannelGID, "default"))
	require.Equal(t, models.PluginOK, p.OnUserInputReceived(inputHandle(t, f, hostnameInputKey), false, ""))
	assert.Equal(t, models.ChannelUnavailable, p.Channels()[DirectChannelGID])
	assert.Equal(t, "CHANNEL_UNAVAILABLE", lastEvent(t, f, "channel").Status)

	// The late port answer no longer counts.
	assert.Equal(t, models.PluginError, p.OnUserInputReceived(inputHandle(t, f, startPortInputKey), true, "12000"))
	assert.Equal(t, models.ChannelUnavailable, p.Channels()[DirectChannelGID])
}

func TestActivateDirectWhileStartingKeepsPrompts(t *testing.T) {
	p, f := newPlugin(t)

	require.Equal(t, models.PluginOK, p.ActivateChannel(1, DirectChannelGID, "default"))
	require.Equal(t, models.PluginOK, p.ActivateChannel(2, DirectChannelGID, "default"))
	require.Len(t, f.InputRequests(), 2, "second activation prompted again")
	assert.Equal(t, models.ChannelStarting, p.Channels()[DirectChannelGID])

	// The first activation's decline still counts.
	require.Equal(t, models.PluginOK, p.OnUserInputReceived(inputHandle(t, f, hostnameInputKey), false, ""))
	assert.Equal(t, models.ChannelUnavailable, p.Channels()[DirectChannelGID])
}

func TestUnknownInputHandle(t *testing.T) {
	p, _ := newPlugin(t)
	assert.Equal(t, models.PluginError, p.OnUserInputReceived(99, true, "x"))
}

func TestActivateUnknownChannel(t *testing.T) {
	p, _ := newPlugin(t)
	assert.Equal(t, models.PluginError, p.ActivateChannel(1, "nope", "default"))
}

func TestLinkRequestsNeedAvailableChannel(t *testing.T) {
	direct := profile.DirectAddress("127.0.0.1", 20000)
	calls := map[string]func(p *Plugin) models.PluginResponse{
		"create": func(p *Plugin) models.PluginResponse { return p.CreateLink(3, DirectChannelGID) },
		"load": func(p *Plugin) models.PluginResponse {
			return p.LoadLinkAddress(3, DirectChannelGID, direct)
		},
		"from_address": func(p *Plugin) models.PluginResponse {
			return p.CreateLinkFromAddress(3, DirectChannelGID, direct)
		},
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			p, f := newPlugin(t)

			assert.Equal(t, models.PluginError, call(p))
			ev := lastEvent(t, f, "link")
			assert.Equal(t, "LINK_DESTROYED", ev.Status)
			assert.Equal(t, "", ev.ID)
			assert.Equal(t, sdk.Handle(3), ev.Handle)
			assert.Empty(t, p.Links())
		})
	}
}

func TestLoadLinkAddressesUnsupported(t *testing.T) {
	p, f := newPlugin(t)
	require.Equal(t, models.PluginOK, p.ActivateChannel(1, IndirectChannelGID, "default"))

	assert.Equal(t, models.PluginError, p.LoadLinkAddresses(4, IndirectChannelGID, []string{"{}", "{}"}))
	assert.Equal(t, "LINK_DESTROYED", lastEvent(t, f, "link").Status)
}

func TestUnsupportedOperations(t *testing.T) {
	p, f := newPlugin(t)

	assert.Equal(t, models.PluginError, p.CreateBootstrapLink(1, IndirectChannelGID, "pass"))
	assert.Equal(t, "LINK_DESTROYED", lastEvent(t, f, "link").Status)
	assert.Equal(t, models.PluginError, p.FlushChannel(1, IndirectChannelGID, 0))
	assert.Equal(t, models.PluginError, p.ServeFiles("l", "/tmp"))
	assert.Equal(t, models.PluginOK, p.OnUserAcknowledgementReceived(1))
}

func TestCreateIndirectLinkPersistsHashtagCounter(t *testing.T) {
	p, f := newPlugin(t)
	require.Equal(t, models.PluginOK, p.ActivateChannel(1, IndirectChannelGID, "default"))

	require.Equal(t, models.PluginOK, p.CreateLink(2, IndirectChannelGID))
	created := lastEvent(t, f, "link")
	assert.Equal(t, "LINK_CREATED", created.Status)
	assert.Equal(t, models.LinkTypeBidi, created.Props.LinkType)

	parser, err := profile.ParseWhiteboard(created.Props.LinkAddress)
	require.NoError(t, err)
	assert.Equal(t, "java_race-client-00001_0", parser.Profile.Hashtag)
	assert.Equal(t, "twosix-whiteboard", parser.Profile.Hostname)
	assert.Greater(t, *parser.Profile.Timestamp, 0.0)

	counter, ok := f.File(nextHashtagKey)
	require.True(t, ok)
	assert.Equal(t, "1", string(counter))

	// A restarted plugin continues the sequence.
	p2 := New(f, WithLogger(quietLogger()))
	require.Equal(t, models.PluginOK, p2.Init(Config{}))
	require.Equal(t, models.PluginOK, p2.ActivateChannel(1, IndirectChannelGID, "default"))
	require.Equal(t, models.PluginOK, p2.CreateLink(2, IndirectChannelGID))
	parser, err = profile.ParseWhiteboard(lastEvent(t, f, "link").Props.LinkAddress)
	require.NoError(t, err)
	assert.Equal(t, "java_race-client-00001_1", parser.Profile.Hashtag)
	p2.Shutdown()
}

func TestCreateLinkWithoutLinkID(t *testing.T) {
	p, f := newPlugin(t)
	require.Equal(t, models.PluginOK, p.ActivateChannel(1, IndirectChannelGID, "default"))
	f.DenyLinkIDs()

	assert.Equal(t, models.PluginError, p.CreateLink(2, IndirectChannelGID))
	ev := lastEvent(t, f, "link")
	assert.Equal(t, "LINK_DESTROYED", ev.Status)
	assert.Equal(t, "", ev.ID)
}

func TestLoadLinkAddressRejectsMismatchedProfile(t *testing.T) {
	p, f := newPlugin(t)
	require.Equal(t, models.PluginOK, p.ActivateChannel(1, IndirectChannelGID, "default"))

	assert.Equal(t, models.PluginError, p.LoadLinkAddress(2, IndirectChannelGID, `{"hostname":"h","port":1}`))
	assert.Equal(t, "LINK_DESTROYED", lastEvent(t, f, "link").Status)
	assert.Empty(t, p.Links())
}

func TestLoadDirectAddressIsSendOnly(t *testing.T) {
	p, f := newPlugin(t)
	activateDirect(t, p, f, 10000)

	require.Equal(t, models.PluginOK, p.LoadLinkAddress(2, DirectChannelGID, `{"hostname":"peer","port":4000}`))
	ev := lastEvent(t, f, "link")
	assert.Equal(t, "LINK_LOADED", ev.Status)
	assert.Equal(t, models.LinkTypeSend, ev.Props.LinkType)

	require.Equal(t, models.PluginOK, p.OpenConnection(3, models.LinkTypeSend, ev.ID, "{}"))
	info, ok := findLink(p, ev.ID)
	require.True(t, ok)
	assert.Len(t, info.Connections, 1)
	assert.False(t, info.Monitoring)
}

func TestReceiveConnectionLifecycle(t *testing.T) {
	p, f := newPlugin(t)
	activateDirect(t, p, f, testutil.FreePort(t))

	require.Equal(t, models.PluginOK, p.CreateLink(2, DirectChannelGID))
	linkID := lastEvent(t, f, "link").ID

	require.Equal(t, models.PluginOK, p.OpenConnection(3, models.LinkTypeRecv, linkID, "{}"))
	first := lastEvent(t, f, "connection")
	assert.Equal(t, "CONNECTION_OPEN", first.Status)
	require.Equal(t, models.PluginOK, p.OpenConnection(3, models.LinkTypeRecv, linkID, "{}"))
	second := lastEvent(t, f, "connection").ID

	info, _ := findLink(p, linkID)
	assert.True(t, info.Monitoring)
	assert.ElementsMatch(t, []string{first.ID, second}, info.Connections)

	require.Equal(t, models.PluginOK, p.CloseConnection(4, first.ID))
	info, _ = findLink(p, linkID)
	assert.True(t, info.Monitoring, "one receiver left")

	require.Equal(t, models.PluginOK, p.CloseConnection(4, second))
	info, _ = findLink(p, linkID)
	assert.False(t, info.Monitoring)
	assert.Empty(t, info.Connections)
	assert.Equal(t, "CONNECTION_CLOSED", lastEvent(t, f, "connection").Status)
}

func TestOpenConnectionUnknownLink(t *testing.T) {
	p, f := newPlugin(t)

	assert.Equal(t, models.PluginError, p.OpenConnection(1, models.LinkTypeRecv, "missing", "{}"))
	assert.Equal(t, "CONNECTION_CLOSED", lastEvent(t, f, "connection").Status)
	assert.Equal(t, models.PluginError, p.CloseConnection(1, "missing"))
}

func TestOpenConnectionBindFailure(t *testing.T) {
	busy, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	p, f := newPlugin(t)
	activateDirect(t, p, f, port)
	require.Equal(t, models.PluginOK, p.CreateLink(2, DirectChannelGID))
	linkID := lastEvent(t, f, "link").ID

	assert.Equal(t, models.PluginError, p.OpenConnection(3, models.LinkTypeRecv, linkID, "{}"))
	assert.Equal(t, "CONNECTION_CLOSED", lastEvent(t, f, "connection").Status)
	info, _ := findLink(p, linkID)
	assert.Empty(t, info.Connections)
}

func TestDirectSendThroughPlugin(t *testing.T) {
	p, f := newPlugin(t)
	port := testutil.FreePort(t)
	activateDirect(t, p, f, port)

	require.Equal(t, models.PluginOK, p.CreateLink(2, DirectChannelGID))
	recvLink := lastEvent(t, f, "link").ID
	require.Equal(t, models.PluginOK, p.OpenConnection(3, models.LinkTypeRecv, recvLink, "{}"))
	recvConn := lastEvent(t, f, "connection").ID

	require.Equal(t, models.PluginOK, p.LoadLinkAddress(4, DirectChannelGID, profile.DirectAddress("127.0.0.1", port)))
	sendLink := lastEvent(t, f, "link").ID
	require.Equal(t, models.PluginOK, p.OpenConnection(5, models.LinkTypeSend, sendLink, "{}"))
	sendConn := lastEvent(t, f, "connection").ID

	pkg := encpkg.Package{TraceID: 11, SpanID: -3, Type: encpkg.TypeNetworkManager, Ciphertext: []byte("hello")}
	require.Equal(t, models.PluginOK, p.SendPackage(6, sendConn, pkg, 0, 0))
	ev := lastEvent(t, f, "package")
	assert.Equal(t, "PACKAGE_SENT", ev.Status)
	assert.Equal(t, sdk.Handle(6), ev.Handle)

	testutil.Eventually(t, 2*time.Second, 10*time.Millisecond, func() bool {
		return len(f.Received()) == 1
	}, "package was not delivered")
	got := f.Received()
	require.Len(t, got, 1)
	assert.Equal(t, pkg, got[0].Pkg)
	assert.Equal(t, []string{recvConn}, got[0].ConnectionIDs)
}

func TestSendPackageUnknownConnection(t *testing.T) {
	p, f := newPlugin(t)

	assert.Equal(t, models.PluginError, p.SendPackage(9, "missing", encpkg.Package{}, 0, 0))
	assert.Equal(t, "PACKAGE_FAILED_GENERIC", lastEvent(t, f, "package").Status)
}

func whiteboardSettings(t *testing.T, srv *httptest.Server) Settings {
	t.Helper()
	addr := srv.Listener.Addr().(*net.TCPAddr)
	s := DefaultSettings()
	s.WhiteboardHostname = "127.0.0.1"
	s.WhiteboardPort = addr.Port
	return s
}

func TestWhiteboardSendOutcome(t *testing.T) {
	var fail atomic.Bool
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		if fail.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"index": 0}`)
	}))
	defer srv.Close()

	p, f := newPlugin(t,
		WithSettings(whiteboardSettings(t, srv)),
		WithLinkOptions(link.WithPostRetry(2, time.Millisecond)))
	require.Equal(t, models.PluginOK, p.ActivateChannel(1, IndirectChannelGID, "default"))
	require.Equal(t, models.PluginOK, p.CreateLink(2, IndirectChannelGID))
	linkID := lastEvent(t, f, "link").ID
	require.Equal(t, models.PluginOK, p.OpenConnection(3, models.LinkTypeSend, linkID, "{}"))
	connID := lastEvent(t, f, "connection").ID

	pkg := encpkg.Package{TraceID: 1, SpanID: 2, Ciphertext: []byte{0xde, 0xad}}
	require.Equal(t, models.PluginOK, p.SendPackage(4, connID, pkg, 0, 0))
	assert.Equal(t, "PACKAGE_SENT", lastEvent(t, f, "package").Status)
	assert.Equal(t, int32(1), posts.Load())

	fail.Store(true)
	assert.Equal(t, models.PluginError, p.SendPackage(5, connID, pkg, 0, 0))
	assert.Equal(t, "PACKAGE_FAILED_GENERIC", lastEvent(t, f, "package").Status)
	assert.Equal(t, int32(3), posts.Load())
}

func TestDestroyLinkClosesConnectionsFirst(t *testing.T) {
	p, f := newPlugin(t)
	activateDirect(t, p, f, testutil.FreePort(t))

	require.Equal(t, models.PluginOK, p.CreateLink(2, DirectChannelGID))
	linkID := lastEvent(t, f, "link").ID
	require.Equal(t, models.PluginOK, p.OpenConnection(3, models.LinkTypeRecv, linkID, "{}"))
	require.Equal(t, models.PluginOK, p.OpenConnection(3, models.LinkTypeRecv, linkID, "{}"))
	before := len(f.Events(""))

	require.Equal(t, models.PluginOK, p.DestroyLink(8, linkID))

	tail := f.Events("")[before:]
	require.Len(t, tail, 3)
	assert.Equal(t, "CONNECTION_CLOSED", tail[0].Status)
	assert.Equal(t, "CONNECTION_CLOSED", tail[1].Status)
	assert.Equal(t, "link", tail[2].Kind)
	assert.Equal(t, "LINK_DESTROYED", tail[2].Status)
	assert.Equal(t, linkID, tail[2].ID)
	assert.Empty(t, p.Links())

	assert.Equal(t, models.PluginError, p.DestroyLink(8, linkID))
}

func TestDeactivateDestroysChannelLinks(t *testing.T) {
	p, f := newPlugin(t)
	activateDirect(t, p, f, testutil.FreePort(t))
	require.Equal(t, models.PluginOK, p.ActivateChannel(1, IndirectChannelGID, "default"))

	require.Equal(t, models.PluginOK, p.CreateLink(2, DirectChannelGID))
	require.Equal(t, models.PluginOK, p.CreateLink(2, IndirectChannelGID))
	indirectID := lastEvent(t, f, "link").ID
	require.Len(t, p.Links(), 2)

	require.Equal(t, models.PluginOK, p.DeactivateChannel(5, DirectChannelGID))
	assert.Equal(t, models.ChannelUnavailable, p.Channels()[DirectChannelGID])
	links := p.Links()
	require.Len(t, links, 1)
	assert.Equal(t, indirectID, links[0].ID)

	assert.Equal(t, models.PluginError, p.CreateLink(2, DirectChannelGID))
	assert.Equal(t, models.PluginError, p.DeactivateChannel(5, "nope"))
}

func TestShutdownClosesConnectionsKeepsLinks(t *testing.T) {
	p, f := newPlugin(t)
	activateDirect(t, p, f, testutil.FreePort(t))
	require.Equal(t, models.PluginOK, p.CreateLink(2, DirectChannelGID))
	linkID := lastEvent(t, f, "link").ID
	require.Equal(t, models.PluginOK, p.OpenConnection(3, models.LinkTypeRecv, linkID, "{}"))

	require.Equal(t, models.PluginOK, p.Shutdown())

	info, ok := findLink(p, linkID)
	require.True(t, ok)
	assert.Empty(t, info.Connections)
	assert.False(t, info.Monitoring)
	assert.Equal(t, "CONNECTION_CLOSED", lastEvent(t, f, "connection").Status)
	assert.Equal(t, models.ChannelAvailable, p.Channels()[DirectChannelGID])
}
