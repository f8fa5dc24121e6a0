package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/autowiki/internal/auth"
	"github.com/roach88/autowiki/internal/framelog"
	"github.com/roach88/autowiki/internal/ir"
	"github.com/roach88/autowiki/internal/merge"
	"github.com/roach88/autowiki/internal/replica"
	"github.com/roach88/autowiki/internal/store"
	"github.com/roach88/autowiki/internal/testutil"
	"github.com/roach88/autowiki/internal/transport"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

const waitFor = 5 * time.Second

func newReplica(t *testing.T) *replica.Replica {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "replica.db"), store.WithLogger(quiet))
	require.NoError(t, err)
	r, err := replica.New(s, replica.Options{Logger: quiet})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func newLogReplica(t *testing.T) *replica.Replica {
	t.Helper()
	l, err := framelog.Open(t.TempDir(), framelog.Options{Logger: quiet})
	require.NoError(t, err)
	r, err := replica.New(l, replica.Options{Logger: quiet})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func edit(t *testing.T, r *replica.Replica, doc ir.DocumentID, key, value string) ir.ChangeRecord {
	t.Helper()
	rec, err := r.SubmitEdit(context.Background(), doc, testutil.SetPayload(key, value), nil)
	require.NoError(t, err)
	return rec
}

func registers(t *testing.T, r *replica.Replica, doc ir.DocumentID) map[string]string {
	t.Helper()
	out := make(map[string]string)
	require.NoError(t, r.View(context.Background(), doc, func(s merge.State) error {
		for k, v := range (merge.LWW{}).Registers(s) {
			var str string
			if err := json.Unmarshal(v, &str); err != nil {
				return err
			}
			out[k] = str
		}
		return nil
	}))
	return out
}

func encoded(t *testing.T, r *replica.Replica, doc ir.DocumentID) []byte {
	t.Helper()
	data, err := r.Encoded(context.Background(), doc)
	require.NoError(t, err)
	return data
}

type link struct {
	a, b   *testutil.PipeEnd
	s1, s2 *Session
}

// connect opens a session pair between r1 (client side) and r2 (server
// side) over an in-memory pipe.
func connect(t *testing.T, r1, r2 Replica) *link {
	t.Helper()
	a, b := testutil.Pipe()
	l := &link{
		a:  a,
		b:  b,
		s1: NewSession(r1, a, SessionOptions{Side: ClientSide, Peer: "r2", Logger: quiet}),
		s2: NewSession(r2, b, SessionOptions{Side: ServerSide, Peer: "r1", Logger: quiet}),
	}
	a.Attach(l.s1.Deliver, l.s1.Close)
	b.Attach(l.s2.Deliver, l.s2.Close)
	l.s1.Open()
	l.s2.Open()
	t.Cleanup(l.close)
	return l
}

func (l *link) close() {
	l.a.Close()
	<-l.s1.Done()
	<-l.s2.Done()
}

func (l *link) synced() bool {
	return l.s1.Liveness() == Synced && l.s2.Liveness() == Synced
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name string
		in   []Liveness
		want Liveness
	}{
		{"no peers", nil, Offline},
		{"all offline", []Liveness{Offline, Offline}, Offline},
		{"one synced", []Liveness{Offline, Synced}, Synced},
		{"behind wins", []Liveness{Synced, Behind, Offline}, Behind},
		{"all synced", []Liveness{Synced, Synced}, Synced},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Aggregate(tt.in...))
		})
	}
}

func TestEnvelopeCarriesBase64(t *testing.T) {
	data, err := encodeEnvelope("doc-1", []byte{0xff, 0x00})
	require.NoError(t, err)
	assert.JSONEq(t, `{"doc":"doc-1","sync":"/wA="}`, string(data))

	env, err := decodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, ir.DocumentID("doc-1"), env.Doc)
	assert.Equal(t, []byte{0xff, 0x00}, env.Sync)

	_, err = decodeEnvelope([]byte(`{"sync":""}`))
	assert.Error(t, err)
}

func TestSessionsExchangeDisjointDocuments(t *testing.T) {
	r1, r2 := newReplica(t), newReplica(t)
	edit(t, r1, "a", "title", "from r1")
	edit(t, r2, "b", "title", "from r2")

	l := connect(t, r1, r2)
	require.Eventually(t, l.synced, waitFor, 10*time.Millisecond)

	for _, doc := range []ir.DocumentID{"a", "b"} {
		assert.Equal(t, encoded(t, r1, doc), encoded(t, r2, doc), "doc %s", doc)
	}
	assert.Equal(t, "from r1", registers(t, r2, "a")["title"])
	assert.Equal(t, "from r2", registers(t, r1, "b")["title"])
	assert.Equal(t, Idle, l.s1.State())
	assert.Equal(t, Idle, l.s2.State())
}

func TestSessionsConvergeConcurrentEdits(t *testing.T) {
	r1, r2 := newReplica(t), newLogReplica(t)
	edit(t, r1, "doc", "x", "1")
	edit(t, r1, "doc", "y", "r1")
	edit(t, r2, "doc", "x", "2")
	edit(t, r2, "doc", "z", "r2")

	l := connect(t, r1, r2)
	require.Eventually(t, l.synced, waitFor, 10*time.Millisecond)

	assert.Equal(t, encoded(t, r1, "doc"), encoded(t, r2, "doc"))
	regs := registers(t, r1, "doc")
	assert.Equal(t, "r1", regs["y"])
	assert.Equal(t, "r2", regs["z"])
}

func TestEmptyReplicasSync(t *testing.T) {
	l := connect(t, newReplica(t), newReplica(t))
	require.Eventually(t, l.synced, waitFor, 10*time.Millisecond)
}

func TestLocalEditAfterSync(t *testing.T) {
	r1, r2 := newReplica(t), newReplica(t)
	edit(t, r1, "doc", "k", "v0")

	l := connect(t, r1, r2)
	require.Eventually(t, l.synced, waitFor, 10*time.Millisecond)

	edit(t, r2, "doc", "k", "v1")
	require.Eventually(t, func() bool {
		return l.synced() && registers(t, r1, "doc")["k"] == "v1"
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, encoded(t, r1, "doc"), encoded(t, r2, "doc"))
}

func TestReconnectResumesFromScratch(t *testing.T) {
	r1, r2 := newReplica(t), newReplica(t)
	edit(t, r1, "doc", "k", "first")

	l := connect(t, r1, r2)
	require.Eventually(t, l.synced, waitFor, 10*time.Millisecond)
	l.close()
	assert.Equal(t, Offline, l.s1.Liveness())
	assert.Equal(t, Closed, l.s1.State())

	// Edits made while disconnected flow on the next connection.
	edit(t, r1, "doc", "k", "offline edit")
	edit(t, r2, "other", "k", "new doc")

	l2 := connect(t, r1, r2)
	require.Eventually(t, l2.synced, waitFor, 10*time.Millisecond)
	assert.Equal(t, "offline edit", registers(t, r2, "doc")["k"])
	assert.Equal(t, "new doc", registers(t, r1, "other")["k"])
}

// recorder is a Conn that keeps what the session sends.
type recorder struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func (r *recorder) Send(_ context.Context, msg []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, append([]byte{}, msg...))
	return nil
}

func (r *recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func (r *recorder) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func TestOpenWithoutDocumentsSendsMarker(t *testing.T) {
	conn := &recorder{}
	s := NewSession(newReplica(t), conn, SessionOptions{Logger: quiet})
	s.Open()
	defer s.Close()

	require.Eventually(t, func() bool { return conn.count() == 1 }, waitFor, 5*time.Millisecond)
	conn.mu.Lock()
	assert.Empty(t, conn.sent[0])
	conn.mu.Unlock()
}

func TestMarkerGetsNoReply(t *testing.T) {
	r := newReplica(t)
	edit(t, r, "doc", "k", "v")

	conn := &recorder{}
	var mu sync.Mutex
	var seen []Liveness
	s := NewSession(r, conn, SessionOptions{Logger: quiet, OnLiveness: func(l Liveness) {
		mu.Lock()
		seen = append(seen, l)
		mu.Unlock()
	}})
	s.Open()
	defer s.Close()

	require.Eventually(t, func() bool { return conn.count() == 1 }, waitFor, 5*time.Millisecond)

	s.Deliver([]byte{})
	s.Deliver(nil)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, conn.count(), "markers are never answered")
	assert.Equal(t, Behind, s.Liveness(), "a marker alone does not report the peer's summary")
	mu.Lock()
	assert.Equal(t, []Liveness{Behind}, seen)
	mu.Unlock()
}

func TestHandshakeTimeoutClosesConnection(t *testing.T) {
	conn := &recorder{}
	s := NewSession(newReplica(t), conn, SessionOptions{
		Side:             ServerSide,
		Logger:           quiet,
		HandshakeTimeout: 30 * time.Millisecond,
	})
	assert.Equal(t, Authenticating, s.State())
	s.Open()

	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("session outlived its handshake timeout")
	}
	assert.True(t, conn.isClosed())
	assert.Equal(t, Closed, s.State())
	assert.Equal(t, Offline, s.Liveness())
}

func TestMalformedMessageClosesSession(t *testing.T) {
	conn := &recorder{}
	s := NewSession(newReplica(t), conn, SessionOptions{Logger: quiet})
	s.Open()
	s.Deliver([]byte("not json"))

	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("session kept running after a malformed message")
	}
	assert.True(t, conn.isClosed())
}

func TestCloseIsIdempotent(t *testing.T) {
	s := NewSession(newReplica(t), &recorder{}, SessionOptions{Logger: quiet})
	s.Close()
	s.Close()
	s.Open()
	<-s.Done()
	assert.Equal(t, Closed, s.State())
}

func startHub(t *testing.T, r Replica, secret auth.Secret) (*Hub, transport.PeerAddress) {
	t.Helper()
	hub := NewHub(r, 0, quiet)
	srv := transport.NewServer(secret, hub, transport.Settings{}, quiet)
	ts := httptest.NewServer(srv.Mux())
	t.Cleanup(func() {
		srv.CloseAll()
		hub.Close()
		ts.Close()
	})
	addr, err := transport.ParsePeerAddress(secret.Reveal() + "@" + strings.TrimPrefix(ts.URL, "http://"))
	require.NoError(t, err)
	return hub, addr
}

func startClient(t *testing.T, r *replica.Replica, addr transport.PeerAddress, opts ClientOptions) *Client {
	t.Helper()
	opts.Peers = []transport.PeerAddress{addr}
	opts.Logger = quiet
	opts.Backoff = transport.Backoff{Initial: 10 * time.Millisecond, Max: 100 * time.Millisecond, Multiplier: 2}
	c := NewClient(r, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

func TestHubRelaysBetweenClients(t *testing.T) {
	server := newReplica(t)
	hub, addr := startHub(t, server, "s3cret")

	c1, c2 := newReplica(t), newLogReplica(t)
	edit(t, c1, "doc", "k", "from c1")

	var mu sync.Mutex
	var aggregates []Liveness
	client1 := startClient(t, c1, addr, ClientOptions{OnAggregate: func(l Liveness) {
		mu.Lock()
		aggregates = append(aggregates, l)
		mu.Unlock()
	}})
	client2 := startClient(t, c2, addr, ClientOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, client1.WaitSynced(ctx))
	require.NoError(t, client2.WaitSynced(ctx))

	require.Eventually(t, func() bool {
		return registers(t, c2, "doc")["k"] == "from c1"
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, 2, hub.Active())

	edit(t, c2, "doc", "k", "from c2")
	require.Eventually(t, func() bool {
		return registers(t, c1, "doc")["k"] == "from c2" && client1.Aggregate() == Synced
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, encoded(t, server, "doc"), encoded(t, c1, "doc"))

	assert.Equal(t, Synced, client1.Peer(addr.String()))
	mu.Lock()
	assert.Contains(t, aggregates, Synced)
	mu.Unlock()
}

func TestClientReportsRejection(t *testing.T) {
	_, addr := startHub(t, newReplica(t), "right")
	addr.Secret = "wrong"

	rejected := make(chan string, 1)
	c := startClient(t, newReplica(t), addr, ClientOptions{OnRejected: func(peer string, err error) {
		assert.ErrorIs(t, err, transport.ErrUnauthorized)
		select {
		case rejected <- peer:
		default:
		}
	}})

	select {
	case peer := <-rejected:
		assert.Equal(t, addr.String(), peer)
	case <-time.After(waitFor):
		t.Fatal("rejection not reported")
	}
	assert.Equal(t, Offline, c.Aggregate())
}

// flakyReplica rejects the first reject remote batches as corrupt.
type flakyReplica struct {
	*replica.Replica

	mu      sync.Mutex
	reject  int
	applied int
}

func (f *flakyReplica) ApplyRemote(ctx context.Context, doc ir.DocumentID, recs []ir.ChangeRecord) (replica.BatchResult, error) {
	f.mu.Lock()
	if f.reject > 0 {
		f.reject--
		f.mu.Unlock()
		return replica.BatchResult{}, fmt.Errorf("apply remote %s: %w", doc, ir.ErrHashMismatch)
	}
	f.applied++
	f.mu.Unlock()
	return f.Replica.ApplyRemote(ctx, doc, recs)
}

func TestRejectedBatchIsSentAgain(t *testing.T) {
	r1 := newReplica(t)
	edit(t, r1, "doc", "k", "v")
	r2 := &flakyReplica{Replica: newReplica(t), reject: 1}

	l := connect(t, r1, r2)
	require.Eventually(t, l.synced, waitFor, 10*time.Millisecond)
	assert.Equal(t, "v", registers(t, r2.Replica, "doc")["k"])
	assert.Equal(t, encoded(t, r1, "doc"), encoded(t, r2.Replica, "doc"))

	r2.mu.Lock()
	assert.Equal(t, 0, r2.reject)
	assert.Equal(t, 1, r2.applied)
	r2.mu.Unlock()
}

func TestRepeatedRejectionsCloseSession(t *testing.T) {
	r1 := newReplica(t)
	edit(t, r1, "doc", "k", "v")
	r2 := &flakyReplica{Replica: newReplica(t), reject: 1000}

	l := connect(t, r1, r2)
	select {
	case <-l.s2.Done():
	case <-time.After(waitFor):
		t.Fatal("session kept accepting a batch it always rejects")
	}
	assert.Equal(t, Closed, l.s2.State())
	assert.Empty(t, registers(t, r2.Replica, "doc"))

	r2.mu.Lock()
	assert.Equal(t, 1000-maxRejections, r2.reject)
	r2.mu.Unlock()
}

// gatedReplica holds every remote batch until release is called.
type gatedReplica struct {
	*replica.Replica
	entered chan struct{}
	gate    chan struct{}
	release func()
}

func newGatedReplica(t *testing.T) *gatedReplica {
	t.Helper()
	g := &gatedReplica{
		Replica: newReplica(t),
		entered: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	g.release = sync.OnceFunc(func() { close(g.gate) })
	return g
}

func (g *gatedReplica) ApplyRemote(ctx context.Context, doc ir.DocumentID, recs []ir.ChangeRecord) (replica.BatchResult, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.gate
	return g.Replica.ApplyRemote(ctx, doc, recs)
}

func TestHubCloseWaitsForBatchInFlight(t *testing.T) {
	server := newGatedReplica(t)
	hub, addr := startHub(t, server, "s3cret")

	c := newReplica(t)
	edit(t, c, "doc", "k", "v")
	startClient(t, c, addr, ClientOptions{})
	t.Cleanup(server.release)

	select {
	case <-server.entered:
	case <-time.After(waitFor):
		t.Fatal("no batch reached the server")
	}

	closed := make(chan error, 1)
	go func() { closed <- hub.Close() }()
	select {
	case <-closed:
		t.Fatal("Close returned while a batch was being applied")
	case <-time.After(50 * time.Millisecond):
	}

	server.release()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Close did not return after the batch finished")
	}
	assert.Equal(t, "v", registers(t, server.Replica, "doc")["k"])
}
