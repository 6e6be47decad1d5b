package main

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// testPoolServer is a scripted Stratum pool on a loopback listener. It
// answers subscribe/authorize and lets tests steer submit verdicts and push
// arbitrary lines.
type testPoolServer struct {
	t            *testing.T
	ln           net.Listener
	rejectAuth   bool
	rejectSubmit bool
	ignoreSubmit bool

	// fromClient receives raw lines that are not requests, i.e. the
	// client's replies to server-initiated calls.
	fromClient chan string

	mu      sync.Mutex
	conns   []net.Conn
	accepts int
}

func newTestPoolServer(t *testing.T) *testPoolServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &testPoolServer{t: t, ln: ln, fromClient: make(chan string, 16)}
	go s.acceptLoop()
	t.Cleanup(s.close)
	return s
}

func (s *testPoolServer) addr() string {
	return s.ln.Addr().String()
}

func (s *testPoolServer) close() {
	_ = s.ln.Close()
	s.mu.Lock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
	s.mu.Unlock()
}

func (s *testPoolServer) acceptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepts
}

// currentConn returns the most recently accepted connection.
func (s *testPoolServer) currentConn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

func (s *testPoolServer) pushLine(line string) {
	conn := s.currentConn()
	if conn == nil {
		s.t.Fatal("no connection to push on")
	}
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		s.t.Logf("push write: %v", err)
	}
}

func (s *testPoolServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.accepts++
		s.mu.Unlock()
		go s.serve(conn)
	}
}

func (s *testPoolServer) serve(conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		var req stratumRequest
		if err := fastJSONUnmarshal([]byte(line), &req); err != nil {
			continue
		}
		if req.Method == "" {
			select {
			case s.fromClient <- strings.TrimSpace(line):
			default:
			}
			continue
		}
		var resp string
		switch req.Method {
		case "mining.subscribe":
			resp = `{"id":` + itoa(req.ID) + `,"result":[[["mining.set_difficulty","1"],["mining.notify","1"]],"08000002",4],"error":null}`
		case "mining.authorize":
			if s.rejectAuth {
				resp = `{"id":` + itoa(req.ID) + `,"result":null,"error":[24,"unauthorized worker",null]}`
			} else {
				resp = `{"id":` + itoa(req.ID) + `,"result":true,"error":null}`
			}
		case "mining.submit":
			if s.ignoreSubmit {
				continue
			}
			if s.rejectSubmit {
				resp = `{"id":` + itoa(req.ID) + `,"result":null,"error":[23,"low difficulty share",null]}`
			} else {
				resp = `{"id":` + itoa(req.ID) + `,"result":true,"error":null}`
			}
		default:
			resp = `{"id":` + itoa(req.ID) + `,"result":true,"error":null}`
		}
		if _, err := conn.Write([]byte(resp + "\n")); err != nil {
			return
		}
	}
}

func itoa(id uint64) string {
	return strconv.FormatUint(id, 10)
}

func testPool(url string) Pool {
	return Pool{ID: "p1", Name: "testpool", URL: url, Algo: AlgoSHA256, Kind: PoolStandard}
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func collectEvent(t *testing.T, events <-chan clientEvent, kind clientEventKind, d time.Duration) clientEvent {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed while waiting for kind %d", kind)
			}
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %d", kind)
		}
	}
}

func TestPoolClientConnectAuthorizes(t *testing.T) {
	srv := newTestPoolServer(t)
	client := NewPoolClient(testPool(srv.addr()), "wallet.worker", "x")
	t.Cleanup(client.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !client.IsConnected() {
		t.Fatal("expected IsConnected after handshake")
	}
	if got := client.State(); got != stateAuthorized {
		t.Fatalf("state = %v, want %v", got, stateAuthorized)
	}
	collectEvent(t, client.Events(), eventAuthorized, time.Second)
}

func TestPoolClientAuthorizationRejected(t *testing.T) {
	srv := newTestPoolServer(t)
	srv.rejectAuth = true
	client := NewPoolClient(testPool(srv.addr()), "wallet.worker", "x")
	t.Cleanup(client.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := client.Connect(ctx)
	if err == nil {
		t.Fatal("expected authorize error")
	}
	var serr *stratumError
	if !errors.As(err, &serr) {
		t.Fatalf("expected stratumError, got %T: %v", err, err)
	}
	if serr.Code != 24 {
		t.Fatalf("error code = %d, want 24", serr.Code)
	}
	if client.IsConnected() {
		t.Fatal("must not be connected after rejected authorize")
	}
}

func TestPoolClientJobNotify(t *testing.T) {
	srv := newTestPoolServer(t)
	client := NewPoolClient(testPool(srv.addr()), "wallet.worker", "x")
	t.Cleanup(client.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	srv.pushLine(`{"id":null,"method":"mining.notify","params":["abcd1234","prev","cb1","cb2",[],"20000000","1d00ffff","609459db",true]}`)
	evt := collectEvent(t, client.Events(), eventJob, time.Second)
	if evt.JobID != "abcd1234" {
		t.Fatalf("job id = %q, want abcd1234", evt.JobID)
	}
	if len(evt.JobParams) == 0 {
		t.Fatal("expected raw job params")
	}
}

func TestPoolClientSetDifficulty(t *testing.T) {
	srv := newTestPoolServer(t)
	client := NewPoolClient(testPool(srv.addr()), "wallet.worker", "x")
	t.Cleanup(client.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	srv.pushLine(`{"id":null,"method":"mining.set_difficulty","params":[2048]}`)
	evt := collectEvent(t, client.Events(), eventDifficulty, time.Second)
	if evt.Difficulty != 2048 {
		t.Fatalf("difficulty = %v, want 2048", evt.Difficulty)
	}
}

func TestPoolClientMalformedLineDropped(t *testing.T) {
	srv := newTestPoolServer(t)
	client := NewPoolClient(testPool(srv.addr()), "wallet.worker", "x")
	t.Cleanup(client.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	srv.pushLine(`{this is not json`)
	srv.pushLine(`{"id":null,"method":"mining.set_difficulty","params":[16]}`)
	evt := collectEvent(t, client.Events(), eventDifficulty, time.Second)
	if evt.Difficulty != 16 {
		t.Fatalf("difficulty = %v, want 16", evt.Difficulty)
	}
	if !client.IsConnected() {
		t.Fatal("connection must survive a malformed line")
	}
}

func TestPoolClientSubmitShareAccepted(t *testing.T) {
	srv := newTestPoolServer(t)
	client := NewPoolClient(testPool(srv.addr()), "wallet.worker", "x")
	t.Cleanup(client.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	err := client.SubmitShare(ctx, ShareParams{
		JobID: "job1", ExtraNonce2: "00000001", NTime: "609459db", Nonce: "deadbeef",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	evt := collectEvent(t, client.Events(), eventShareAccepted, time.Second)
	if evt.JobID != "job1" {
		t.Fatalf("accepted job id = %q, want job1", evt.JobID)
	}
}

func TestPoolClientSubmitShareRejected(t *testing.T) {
	srv := newTestPoolServer(t)
	srv.rejectSubmit = true
	client := NewPoolClient(testPool(srv.addr()), "wallet.worker", "x")
	t.Cleanup(client.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	err := client.SubmitShare(ctx, ShareParams{JobID: "job2", Nonce: "deadbeef"})
	if err == nil {
		t.Fatal("expected rejection error")
	}
	if !strings.Contains(err.Error(), "low difficulty share") {
		t.Fatalf("rejection reason missing from error: %v", err)
	}
	evt := collectEvent(t, client.Events(), eventShareRejected, time.Second)
	if evt.Err == nil {
		t.Fatal("rejected event must carry the reason")
	}
}

func TestPoolClientPendingRequestTimeout(t *testing.T) {
	srv := newTestPoolServer(t)
	srv.ignoreSubmit = true
	client := NewPoolClient(testPool(srv.addr()), "wallet.worker", "x")
	client.pendingTimeout = 100 * time.Millisecond
	t.Cleanup(client.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	err := client.SubmitShare(ctx, ShareParams{JobID: "job3", Nonce: "deadbeef"})
	if !errors.Is(err, errRequestTimeout) {
		t.Fatalf("expected request timeout, got %v", err)
	}
}

func TestPoolClientVersionReply(t *testing.T) {
	srv := newTestPoolServer(t)
	client := NewPoolClient(testPool(srv.addr()), "wallet.worker", "x")
	t.Cleanup(client.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	srv.pushLine(`{"id":7,"method":"client.get_version","params":[]}`)
	select {
	case line := <-srv.fromClient:
		if !strings.Contains(line, clientVersionString) {
			t.Fatalf("version reply %q missing %q", line, clientVersionString)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no version reply from client")
	}
}

func TestPoolClientReconnectsAfterSocketLoss(t *testing.T) {
	srv := newTestPoolServer(t)
	client := NewPoolClient(testPool(srv.addr()), "wallet.worker", "x")
	t.Cleanup(client.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Server-side close triggers the reconnect path; first retry fires at 1s.
	_ = srv.currentConn().Close()
	waitFor(t, 4*time.Second, func() bool {
		return srv.acceptCount() >= 2 && client.IsConnected()
	})

	client.mu.Lock()
	attempts := client.reconnectAttempts
	client.mu.Unlock()
	if attempts != 0 {
		t.Fatalf("attempt counter = %d after successful reconnect, want 0", attempts)
	}
}

func TestPoolClientDisconnectIdempotent(t *testing.T) {
	srv := newTestPoolServer(t)
	client := NewPoolClient(testPool(srv.addr()), "wallet.worker", "x")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	client.Disconnect()
	client.Disconnect()
	if client.IsConnected() {
		t.Fatal("still connected after Disconnect")
	}
	client.mu.Lock()
	timer := client.reconnectTimer
	client.mu.Unlock()
	if timer != nil {
		t.Fatal("reconnect timer must be cleared by Disconnect")
	}
	client.Close()
}

func TestPoolClientDisconnectThenReconnect(t *testing.T) {
	srv := newTestPoolServer(t)
	client := NewPoolClient(testPool(srv.addr()), "wallet.worker", "x")
	t.Cleanup(client.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	client.Disconnect()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if !client.IsConnected() {
		t.Fatal("expected connection after explicit reconnect")
	}
}

func TestReconnectDelaySequence(t *testing.T) {
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
		30 * time.Second, 30 * time.Second,
	}
	var prev time.Duration
	for i, w := range want {
		got := reconnectDelayForAttempt(i + 1)
		if got != w {
			t.Fatalf("attempt %d: delay = %v, want %v", i+1, got, w)
		}
		if got < prev {
			t.Fatalf("attempt %d: backoff decreased from %v to %v", i+1, prev, got)
		}
		prev = got
	}
}

func TestPoolClientGivesUpAfterMaxAttempts(t *testing.T) {
	client := NewPoolClient(testPool("127.0.0.1:1"), "wallet.worker", "x")
	client.mu.Lock()
	client.reconnectAttempts = maxReconnectAttempts
	client.mu.Unlock()

	client.handleConnectionLost(errors.New("socket lost"))

	evt := collectEvent(t, client.Events(), eventReconnectFailed, 2*time.Second)
	if !errors.Is(evt.Err, errReconnectGaveUp) {
		t.Fatalf("terminal event error = %v, want %v", evt.Err, errReconnectGaveUp)
	}
	if got := client.State(); got != stateFailed {
		t.Fatalf("state = %v, want %v", got, stateFailed)
	}
	// A later Connect is still allowed to try again from scratch.
	client.mu.Lock()
	stopped := client.stopped
	client.mu.Unlock()
	if !stopped {
		t.Fatal("terminal failure must suppress further automatic retries")
	}
}
