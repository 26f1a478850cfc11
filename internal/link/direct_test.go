package link

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/racecomms/internal/encpkg"
	"github.com/starford/racecomms/internal/models"
	"github.com/starford/racecomms/internal/testutil"
)

func directPair(t *testing.T) (*Direct, *testutil.FakeSDK, int) {
	t.Helper()
	port := testutil.FreePort(t)
	fake := testutil.NewFakeSDK(nil)
	l := NewDirect("direct/LinkID_1", DirectConfig{Hostname: "127.0.0.1", Port: port}, models.LinkConfig{}, fake)
	t.Cleanup(l.Close)
	return l, fake, port
}

func TestDirectSendReceive(t *testing.T) {
	recv, fake, port := directPair(t)
	_, err := recv.OpenConnection(models.LinkTypeRecv, "conn-1", "")
	require.NoError(t, err)

	sender := NewDirect("direct/LinkID_2", DirectConfig{Hostname: "127.0.0.1", Port: port}, models.LinkConfig{}, testutil.NewFakeSDK(nil))
	want := encpkg.Package{TraceID: -5, SpanID: 99, Type: encpkg.TypeNetworkManager, Ciphertext: []byte("opaque bytes")}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sender.SendPackage(ctx, want))

	testutil.Eventually(t, 2*time.Second, 10*time.Millisecond, func() bool {
		return len(fake.Received()) == 1
	}, "package was not delivered")

	got := fake.Received()
	require.Len(t, got, 1)
	assert.Equal(t, want.TraceID, got[0].Pkg.TraceID)
	assert.Equal(t, want.SpanID, got[0].Pkg.SpanID)
	assert.Equal(t, want.Type, got[0].Pkg.Type)
	assert.Equal(t, want.Ciphertext, got[0].Pkg.Ciphertext)
	assert.Equal(t, []string{"conn-1"}, got[0].ConnectionIDs)
}

func TestDirectOneMonitorForManyReceivers(t *testing.T) {
	l, _, port := directPair(t)

	_, err := l.OpenConnection(models.LinkTypeRecv, "a", "")
	require.NoError(t, err)
	_, err = l.OpenConnection(models.LinkTypeBidi, "b", "")
	require.NoError(t, err)

	assert.True(t, l.Monitoring())
	assert.Equal(t, 1, l.monitorStarts)
	assert.Equal(t, []string{"a", "b"}, l.ConnectionIDs())

	l.CloseConnection("a")
	assert.True(t, l.Monitoring(), "monitor should survive while a receiver remains")

	l.CloseConnection("b")
	assert.False(t, l.Monitoring())
	assert.Empty(t, l.ConnectionIDs())

	// The listener is released once the monitor stops.
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	require.NoError(t, err)
	_ = ln.Close()
}

func TestDirectMonitorRestartsAfterLastClose(t *testing.T) {
	l, _, _ := directPair(t)

	_, err := l.OpenConnection(models.LinkTypeRecv, "a", "")
	require.NoError(t, err)
	l.CloseConnection("a")
	_, err = l.OpenConnection(models.LinkTypeRecv, "b", "")
	require.NoError(t, err)

	assert.True(t, l.Monitoring())
	assert.Equal(t, 2, l.monitorStarts)
}

func TestDirectSendOnlyConnectionHasNoMonitor(t *testing.T) {
	l, _, _ := directPair(t)

	conn, err := l.OpenConnection(models.LinkTypeSend, "s", "")
	require.NoError(t, err)
	assert.Equal(t, "s", conn.ID)
	assert.Same(t, Link(l), conn.Link())
	assert.False(t, l.Monitoring())
	assert.Empty(t, l.ConnectionIDs())
}

func TestDirectDuplicateConnection(t *testing.T) {
	l, _, _ := directPair(t)

	_, err := l.OpenConnection(models.LinkTypeRecv, "a", "")
	require.NoError(t, err)
	_, err = l.OpenConnection(models.LinkTypeRecv, "a", "")
	assert.ErrorIs(t, err, ErrDuplicateConnection)
}

func TestDirectBindFailure(t *testing.T) {
	l, _, port := directPair(t)

	busy, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	require.NoError(t, err)
	defer busy.Close()

	_, err = l.OpenConnection(models.LinkTypeRecv, "a", "")
	assert.Error(t, err)
	assert.False(t, l.Monitoring())
	assert.Empty(t, l.ConnectionIDs())
}

func TestDirectSendRetriesUntilListenerAppears(t *testing.T) {
	recv, fake, port := directPair(t)
	sender := NewDirect("direct/LinkID_2", DirectConfig{Hostname: "127.0.0.1", Port: port}, models.LinkConfig{}, testutil.NewFakeSDK(nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- sender.SendPackage(ctx, encpkg.Package{TraceID: 1, Ciphertext: []byte("late")})
	}()

	time.Sleep(100 * time.Millisecond)
	_, err := recv.OpenConnection(models.LinkTypeRecv, "a", "")
	require.NoError(t, err)

	require.NoError(t, <-errCh)
	testutil.Eventually(t, 2*time.Second, 10*time.Millisecond, func() bool {
		return len(fake.Received()) == 1
	}, "retried package was not delivered")
}

func TestDirectSendStopsOnContextCancel(t *testing.T) {
	port := testutil.FreePort(t)
	sender := NewDirect("direct/LinkID_2", DirectConfig{Hostname: "127.0.0.1", Port: port}, models.LinkConfig{}, testutil.NewFakeSDK(nil))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := sender.SendPackage(ctx, encpkg.Package{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDirectDropsShortPayload(t *testing.T) {
	recv, fake, port := directPair(t)
	_, err := recv.OpenConnection(models.LinkTypeRecv, "a", "")
	require.NoError(t, err)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	_, _ = conn.Write([]byte{1, 2, 3})
	_ = conn.Close()

	sender := NewDirect("direct/LinkID_2", DirectConfig{Hostname: "127.0.0.1", Port: port}, models.LinkConfig{}, testutil.NewFakeSDK(nil))
	require.NoError(t, sender.SendPackage(context.Background(), encpkg.Package{TraceID: 2}))

	testutil.Eventually(t, 2*time.Second, 10*time.Millisecond, func() bool {
		return len(fake.Received()) == 1
	}, "valid package after a short one was not delivered")
	assert.Equal(t, int64(2), fake.Received()[0].Pkg.TraceID)
}

func TestDirectCloseInterruptsPendingRead(t *testing.T) {
	recv, fake, port := directPair(t)
	_, err := recv.OpenConnection(models.LinkTypeRecv, "a", "")
	require.NoError(t, err)

	// A peer that never closes its side keeps the monitor inside a read.
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()
	_, _ = conn.Write([]byte("partial"))
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		recv.CloseConnection("a")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("CloseConnection blocked on an in-flight read")
	}
	assert.False(t, recv.Monitoring())
	assert.Empty(t, fake.Received())
}
