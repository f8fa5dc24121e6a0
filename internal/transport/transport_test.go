package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/autowiki/internal/auth"
)

type recordingHandler struct {
	opened   chan *Conn
	messages chan []byte
	closed   chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		opened:   make(chan *Conn, 4),
		messages: make(chan []byte, 16),
		closed:   make(chan error, 4),
	}
}

func (h *recordingHandler) OnOpen(c *Conn)                { h.opened <- c }
func (h *recordingHandler) OnMessage(_ *Conn, msg []byte) { h.messages <- msg }
func (h *recordingHandler) OnClose(_ *Conn, err error)    { h.closed <- err }

func startServer(t *testing.T, secret auth.Secret, h Handler) (*Server, PeerAddress) {
	t.Helper()
	srv := NewServer(secret, h, Settings{}, nil)
	ts := httptest.NewServer(srv.Mux())
	t.Cleanup(func() {
		srv.CloseAll()
		ts.Close()
	})

	addr, err := ParsePeerAddress(string(secret) + "@" + strings.TrimPrefix(ts.URL, "http://"))
	require.NoError(t, err)
	return srv, addr
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		var zero T
		return zero
	}
}

func TestServerRejectsWrongKey(t *testing.T) {
	h := newRecordingHandler()
	_, addr := startServer(t, "right", h)
	addr.Secret = "wrong"

	_, resp, err := websocket.DefaultDialer.Dial(addr.URL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	select {
	case <-h.opened:
		t.Fatal("rejected peer must not reach the handler")
	default:
	}
}

func TestServerRejectsMissingKey(t *testing.T) {
	_, addr := startServer(t, "right", newRecordingHandler())
	addr.Secret = ""

	_, resp, err := websocket.DefaultDialer.Dial(addr.URL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMessageRoundTrip(t *testing.T) {
	serverSide := newRecordingHandler()
	_, addr := startServer(t, "s3cret", serverSide)

	clientSide := newRecordingHandler()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := &Dialer{Address: addr, Handler: clientSide}
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	client := receive(t, clientSide.opened)
	server := receive(t, serverSide.opened)

	require.NoError(t, client.Send(ctx, []byte("hello")))
	assert.Equal(t, []byte("hello"), receive(t, serverSide.messages))

	// The zero-length message is a protocol marker and must arrive intact.
	require.NoError(t, server.Send(ctx, []byte{}))
	assert.Empty(t, receive(t, clientSide.messages))

	cancel()
	assert.ErrorIs(t, receive(t, done), context.Canceled)
	receive(t, clientSide.closed)
	receive(t, serverSide.closed)

	assert.ErrorIs(t, client.Send(context.Background(), []byte("late")), ErrClosed)
}

func TestDialerReportsRejection(t *testing.T) {
	_, addr := startServer(t, "right", newRecordingHandler())
	addr.Secret = "wrong"

	rejected := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := &Dialer{
		Address: addr,
		Handler: newRecordingHandler(),
		OnRejected: func(err error) {
			select {
			case rejected <- err:
			default:
			}
		},
	}
	go d.Run(ctx)

	assert.ErrorIs(t, receive(t, rejected), ErrUnauthorized)
}

func TestDialerReconnects(t *testing.T) {
	serverSide := newRecordingHandler()
	_, addr := startServer(t, "k", serverSide)

	clientSide := newRecordingHandler()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := &Dialer{
		Address: addr,
		Handler: clientSide,
		Backoff: Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2},
	}
	go d.Run(ctx)

	first := receive(t, clientSide.opened)
	server := receive(t, serverSide.opened)
	require.NoError(t, server.Close())
	receive(t, clientSide.closed)

	second := receive(t, clientSide.opened)
	assert.NotEqual(t, first.ID(), second.ID(), "every connection is a fresh one")
}

func TestParsePeerAddress(t *testing.T) {
	tests := []struct {
		in     string
		secret auth.Secret
		host   string
		port   int
		tls    bool
	}{
		{"example.com", "", "example.com", DefaultPort, false},
		{"key@example.com:8080", "key", "example.com", 8080, false},
		{"ws://key@localhost:9", "key", "localhost", 9, false},
		{"wss://relay.example.com", "", "relay.example.com", DefaultPort, true},
		{"k@[::1]:4000", "k", "::1", 4000, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			addr, err := ParsePeerAddress(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.secret, addr.Secret)
			assert.Equal(t, tt.host, addr.Host)
			assert.Equal(t, tt.port, addr.Port)
			assert.Equal(t, tt.tls, addr.TLS)
		})
	}

	for _, bad := range []string{"", "key@", "host:notaport", "host:70000"} {
		_, err := ParsePeerAddress(bad)
		assert.Error(t, err, bad)
	}
}

func TestPeerAddressRedactsSecret(t *testing.T) {
	addr, err := ParsePeerAddress("topsecret@host:1")
	require.NoError(t, err)

	assert.NotContains(t, addr.String(), "topsecret")
	assert.Contains(t, addr.URL(), "key=topsecret")
	assert.Equal(t, "ws://host:1/_changes?key=topsecret", addr.URL())
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, b.Delay(0))
	assert.Equal(t, 400*time.Millisecond, b.Delay(2))
	assert.Equal(t, time.Second, b.Delay(10))

	b.Jitter = 0.5
	for i := 0; i < 20; i++ {
		d := b.Delay(0)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}
