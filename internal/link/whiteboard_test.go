package link

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/racecomms/internal/encpkg"
	"github.com/starford/racecomms/internal/models"
	"github.com/starford/racecomms/internal/persist"
	"github.com/starford/racecomms/internal/testutil"
)

// fakeBoard is an in-memory whiteboard for a single tag.
type fakeBoard struct {
	mu        sync.Mutex
	posts     []string
	times     []float64
	afters    []string
	postCalls int
	failPosts int
	failAfter bool
	clock     float64
}

func (b *fakeBoard) add(data string) {
	b.clock++
	b.posts = append(b.posts, data)
	b.times = append(b.times, b.clock)
}

func (b *fakeBoard) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /after/{tag}/{ts}", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.afters = append(b.afters, r.PathValue("ts"))
		if b.failAfter {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		ts, _ := strconv.ParseFloat(r.PathValue("ts"), 64)
		idx := len(b.times)
		for i, t := range b.times {
			if t > ts {
				idx = i
				break
			}
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]int{"index": idx})
	})
	mux.HandleFunc("GET /get/{tag}/{from}/-1", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		from, _ := strconv.Atoi(r.PathValue("from"))
		if from > len(b.posts) {
			from = len(b.posts)
		}
		ts := "0"
		if len(b.times) > 0 {
			ts = strconv.FormatFloat(b.times[len(b.times)-1], 'f', 6, 64)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data":      append([]string{}, b.posts[from:]...),
			"length":    len(b.posts),
			"timestamp": ts,
		})
	})
	mux.HandleFunc("POST /post/{tag}", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.postCalls++
		if b.failPosts > 0 {
			b.failPosts--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var body struct {
			Data string `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Data == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		b.add(body.Data)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"index": len(b.posts) - 1, "timestamp": strconv.FormatFloat(b.clock, 'f', 6, 64)})
	})
	return mux
}

func (b *fakeBoard) afterQueries() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.afters...)
}

func startBoard(t *testing.T) (*fakeBoard, WhiteboardConfig) {
	t.Helper()
	board := &fakeBoard{clock: 100}
	srv := httptest.NewServer(board.handler())
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)
	return board, WhiteboardConfig{
		Hostname:       host,
		Port:           port,
		Hashtag:        "java_race-client-00001_0",
		CheckFrequency: 10 * time.Millisecond,
		Timestamp:      -1,
	}
}

func encodedPost(p encpkg.Package) string {
	return base64.StdEncoding.EncodeToString(p.Encode())
}

func newBoardLink(cfg WhiteboardConfig, fake *testutil.FakeSDK, opts ...Option) *Whiteboard {
	opts = append([]Option{WithPostRetry(5, time.Millisecond)}, opts...)
	return NewWhiteboard("indirect/LinkID_1", cfg, models.LinkConfig{}, fake, opts...)
}

func TestWhiteboardSendThenReceive(t *testing.T) {
	_, cfg := startBoard(t)
	fake := testutil.NewFakeSDK(nil)
	reader := newBoardLink(cfg, fake, WithClock(func() time.Time { return time.Unix(50, 0) }))
	defer reader.Close()

	_, err := reader.OpenConnection(models.LinkTypeBidi, "conn-1", "")
	require.NoError(t, err)
	_, err = reader.OpenConnection(models.LinkTypeRecv, "conn-2", "")
	require.NoError(t, err)
	assert.Equal(t, 1, reader.monitorStarts)

	writer := newBoardLink(cfg, testutil.NewFakeSDK(nil))
	want := encpkg.Package{TraceID: 11, SpanID: 12, Type: encpkg.TypeSDK, Ciphertext: []byte("hello board")}
	require.NoError(t, writer.SendPackage(context.Background(), want))

	testutil.Eventually(t, 2*time.Second, 10*time.Millisecond, func() bool {
		return len(fake.Received()) == 1
	}, "posted package was not received")

	got := fake.Received()[0]
	assert.Equal(t, want.Ciphertext, got.Pkg.Ciphertext)
	assert.Equal(t, want.TraceID, got.Pkg.TraceID)
	assert.Equal(t, []string{"conn-1", "conn-2"}, got.ConnectionIDs)
}

func TestWhiteboardCursorPersistence(t *testing.T) {
	board, cfg := startBoard(t)
	board.add(encodedPost(encpkg.Package{TraceID: 1}))
	board.add(encodedPost(encpkg.Package{TraceID: 2}))
	fake := testutil.NewFakeSDK(nil)

	first := newBoardLink(cfg, fake)
	_, err := first.OpenConnection(models.LinkTypeRecv, "c", `{"after": 50}`)
	require.NoError(t, err)
	testutil.Eventually(t, 2*time.Second, 10*time.Millisecond, func() bool {
		return len(fake.Received()) == 2
	}, "initial posts not received")
	first.CloseConnection("c")

	assert.Equal(t, 102.0, persist.ReadFloat(fake, first.CursorKey(), -1))

	second := newBoardLink(cfg, fake)
	_, err = second.OpenConnection(models.LinkTypeRecv, "c", `{"after": 50}`)
	require.NoError(t, err)
	testutil.Eventually(t, 2*time.Second, 10*time.Millisecond, func() bool {
		return len(board.afterQueries()) == 2
	}, "second monitor did not query the board")
	second.Close()

	assert.Equal(t, []string{"50.000000", "102.000000"}, board.afterQueries())
	assert.Len(t, fake.Received(), 2, "resumed monitor must not redeliver")
}

func TestWhiteboardProfileTimestampBeatsHint(t *testing.T) {
	board, cfg := startBoard(t)
	cfg.Timestamp = 150
	l := newBoardLink(cfg, testutil.NewFakeSDK(nil))
	defer l.Close()

	_, err := l.OpenConnection(models.LinkTypeRecv, "c", `{"after": 50}`)
	require.NoError(t, err)
	testutil.Eventually(t, 2*time.Second, 10*time.Millisecond, func() bool {
		return len(board.afterQueries()) == 1
	}, "monitor did not query the board")
	assert.Equal(t, "150.000000", board.afterQueries()[0])
}

func TestWhiteboardDefaultsToNow(t *testing.T) {
	board, cfg := startBoard(t)
	l := newBoardLink(cfg, testutil.NewFakeSDK(nil), WithClock(func() time.Time { return time.Unix(1700000000, 0) }))
	defer l.Close()

	_, err := l.OpenConnection(models.LinkTypeRecv, "c", "")
	require.NoError(t, err)
	testutil.Eventually(t, 2*time.Second, 10*time.Millisecond, func() bool {
		return len(board.afterQueries()) == 1
	}, "monitor did not query the board")
	assert.Equal(t, "1700000000.000000", board.afterQueries()[0])
}

func TestWhiteboardSkipsUndecodablePosts(t *testing.T) {
	board, cfg := startBoard(t)
	board.add("!!! not base64")
	board.add(base64.StdEncoding.EncodeToString([]byte{1, 2}))
	board.add(encodedPost(encpkg.Package{TraceID: 3}))
	fake := testutil.NewFakeSDK(nil)

	l := newBoardLink(cfg, fake)
	defer l.Close()
	_, err := l.OpenConnection(models.LinkTypeRecv, "c", `{"after": 1}`)
	require.NoError(t, err)

	testutil.Eventually(t, 2*time.Second, 10*time.Millisecond, func() bool {
		return len(fake.Received()) == 1
	}, "valid post not received")
	time.Sleep(50 * time.Millisecond)
	require.Len(t, fake.Received(), 1)
	assert.Equal(t, int64(3), fake.Received()[0].Pkg.TraceID)
}

func TestWhiteboardIndexLookupFailureReadsFromStart(t *testing.T) {
	board, cfg := startBoard(t)
	board.failAfter = true
	board.add(encodedPost(encpkg.Package{TraceID: 1}))
	fake := testutil.NewFakeSDK(nil)

	l := newBoardLink(cfg, fake)
	defer l.Close()
	_, err := l.OpenConnection(models.LinkTypeRecv, "c", "")
	require.NoError(t, err)

	testutil.Eventually(t, 2*time.Second, 10*time.Millisecond, func() bool {
		return len(fake.Received()) == 1
	}, "post at index 0 not received")
}

func TestWhiteboardPostRetries(t *testing.T) {
	board, cfg := startBoard(t)
	board.failPosts = 2
	l := newBoardLink(cfg, testutil.NewFakeSDK(nil))

	require.NoError(t, l.SendPackage(context.Background(), encpkg.Package{TraceID: 1}))
	board.mu.Lock()
	defer board.mu.Unlock()
	assert.Equal(t, 3, board.postCalls)
	assert.Len(t, board.posts, 1)
}

func TestWhiteboardPostRetryLimit(t *testing.T) {
	board, cfg := startBoard(t)
	board.failPosts = 100
	l := newBoardLink(cfg, testutil.NewFakeSDK(nil))

	err := l.SendPackage(context.Background(), encpkg.Package{TraceID: 1})
	assert.ErrorIs(t, err, ErrPostRetryLimit)
	board.mu.Lock()
	defer board.mu.Unlock()
	assert.Equal(t, 5, board.postCalls)
}

func TestWhiteboardCloseStopsPolling(t *testing.T) {
	_, cfg := startBoard(t)
	l := newBoardLink(cfg, testutil.NewFakeSDK(nil))

	_, err := l.OpenConnection(models.LinkTypeRecv, "c", "")
	require.NoError(t, err)
	require.True(t, l.Monitoring())

	l.CloseConnection("c")
	assert.False(t, l.Monitoring())
	assert.Empty(t, l.ConnectionIDs())
}

func TestParseAfterHint(t *testing.T) {
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"", 0, false},
		{"not json", 0, false},
		{`{}`, 0, false},
		{`{"after": 12.5}`, 12.5, true},
		{`{"after": "13.25"}`, 13.25, true},
		{`{"after": "soon"}`, 0, false},
	}
	for _, tc := range cases {
		got, ok := parseAfterHint(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Errorf("parseAfterHint(%q) = %v, %v; want %v, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
