package sdk

import (
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/starford/racecomms/internal/checksum"
	"github.com/starford/racecomms/internal/encpkg"
	"github.com/starford/racecomms/internal/models"
	"github.com/starford/racecomms/internal/storage"
)

type answer struct {
	handle   Handle
	answered bool
	response string
}

type recordingHandler struct {
	mu      sync.Mutex
	answers []answer
}

func (r *recordingHandler) OnUserInputReceived(h Handle, answered bool, response string) models.PluginResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.answers = append(r.answers, answer{h, answered, response})
	return models.PluginOK
}

type recordingPublisher struct {
	mu    sync.Mutex
	kinds []string
}

func (r *recordingPublisher) Emit(kind string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
}

func quietHost(opts ...HostOption) *Host {
	opts = append([]HostOption{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return NewHost(opts...)
}

func TestHostIDs(t *testing.T) {
	h := quietHost(WithChannels(map[string]models.ChannelProperties{"direct": {ChannelGID: "direct"}}))

	linkID := h.GenerateLinkID("direct")
	if !strings.HasPrefix(linkID, "direct/LinkID_") {
		t.Fatalf("link id = %q", linkID)
	}
	if other := h.GenerateLinkID("direct"); other == linkID {
		t.Fatal("link ids repeat")
	}
	if got := h.GenerateLinkID("unknown"); got != "" {
		t.Errorf("unknown channel link id = %q, want empty", got)
	}
	connID := h.GenerateConnectionID(linkID)
	if !strings.HasPrefix(connID, linkID+"/ConnID_") {
		t.Errorf("connection id = %q", connID)
	}
	if got := h.GenerateConnectionID(""); got != "" {
		t.Errorf("connection id without link = %q", got)
	}
}

func TestHostUserInput(t *testing.T) {
	h := quietHost(WithUserInput(map[string]string{"hostname": "node-a"}))

	if resp := h.RequestCommonUserInput("hostname"); resp.Status != StatusPluginMissing {
		t.Fatalf("request without handler = %v, want %v", resp.Status, StatusPluginMissing)
	}

	rec := &recordingHandler{}
	h.Attach(rec)
	first := h.RequestCommonUserInput("hostname")
	second := h.RequestPluginUserInput("startPort", "port?", true)
	if !first.OK() || !second.OK() || first.Handle == second.Handle {
		t.Fatalf("responses = %+v %+v", first, second)
	}
	h.Close()

	got := map[Handle]answer{}
	for _, a := range rec.answers {
		got[a.handle] = a
	}
	if a := got[first.Handle]; !a.answered || a.response != "node-a" {
		t.Errorf("hostname answer = %+v", a)
	}
	if a, ok := got[second.Handle]; !ok || a.answered {
		t.Errorf("startPort answer = %+v, want unanswered", a)
	}
}

func TestHostInboxIsBounded(t *testing.T) {
	pub := &recordingPublisher{}
	h := quietHost(WithInboxSize(2), WithPublisher(pub))

	for i := range 3 {
		pkg := encpkg.Package{TraceID: int64(i), Ciphertext: []byte{byte(i)}}
		if resp := h.ReceiveEncPkg(pkg, []string{"c"}, BlockingTimeout); !resp.OK() {
			t.Fatalf("receive: %v", resp.Status)
		}
	}

	all := h.Received(0)
	if len(all) != 2 || all[0].TraceID != 1 || all[1].TraceID != 2 {
		t.Fatalf("inbox = %+v", all)
	}
	if all[1].Checksum != checksum.Sum([]byte{2}) {
		t.Errorf("checksum = %s", all[1].Checksum)
	}
	if last := h.Received(1); len(last) != 1 || last[0].TraceID != 2 {
		t.Errorf("Received(1) = %+v", last)
	}
	if len(pub.kinds) != 3 || pub.kinds[0] != "package.received" {
		t.Errorf("events = %v", pub.kinds)
	}
}

func TestHostFiles(t *testing.T) {
	h := quietHost()
	if _, err := h.ReadFile("k"); !errors.Is(err, ErrNoStore) {
		t.Fatalf("read without store: %v", err)
	}
	if resp := h.WriteFile("k", nil); resp.OK() {
		t.Fatal("write without store succeeded")
	}

	store, err := storage.NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	h = quietHost(WithStore(store))
	if _, err := h.ReadFile("cursor"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("missing key: %v", err)
	}
	if resp := h.WriteFile("cursor", []byte("12.5")); !resp.OK() {
		t.Fatalf("write: %v", resp.Status)
	}
	got, err := h.ReadFile("cursor")
	if err != nil || string(got) != "12.5" {
		t.Fatalf("read = %q, %v", got, err)
	}
}

func TestHostStatusEvents(t *testing.T) {
	pub := &recordingPublisher{}
	h := quietHost(WithPublisher(pub))

	h.OnChannelStatusChanged(1, "c", models.ChannelAvailable, models.ChannelProperties{}, BlockingTimeout)
	h.OnLinkStatusChanged(1, "l", models.LinkCreated, models.NewLinkProperties(), BlockingTimeout)
	h.OnConnectionStatusChanged(1, "x", models.ConnectionOpen, models.NewLinkProperties(), BlockingTimeout)
	h.OnPackageStatusChanged(1, models.PackageSent, BlockingTimeout)
	h.UpdateLinkProperties("l", models.NewLinkProperties(), BlockingTimeout)
	h.DisplayInfoToUser("hi", models.DisplayToast)

	want := []string{"channel.status", "link.status", "connection.status", "package.status", "link.properties", "user.display"}
	if strings.Join(pub.kinds, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", pub.kinds, want)
	}
}

func TestHostOutcomes(t *testing.T) {
	h := quietHost()

	handle := h.Begin()
	h.OnLinkStatusChanged(handle, "gid/LinkID_1", models.LinkCreated, models.LinkProperties{LinkAddress: `{"port":1}`}, BlockingTimeout)
	h.OnConnectionStatusChanged(handle, "gid/LinkID_1/ConnID_1", models.ConnectionOpen, models.LinkProperties{}, BlockingTimeout)
	// Untracked handles are not collected.
	h.OnPackageStatusChanged(handle+100, models.PackageSent, BlockingTimeout)

	got := h.Finish(handle)
	want := Outcome{
		LinkID:           "gid/LinkID_1",
		LinkStatus:       "LINK_CREATED",
		LinkAddress:      `{"port":1}`,
		ConnectionID:     "gid/LinkID_1/ConnID_1",
		ConnectionStatus: "CONNECTION_OPEN",
	}
	if got != want {
		t.Errorf("outcome = %+v, want %+v", got, want)
	}
	if again := h.Finish(handle); again != (Outcome{}) {
		t.Errorf("second Finish = %+v, want empty", again)
	}
}
