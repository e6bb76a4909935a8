package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"testing"
	"time"
)

// chanWriter hands every written line to a channel so tests can react to
// outbound traffic.
type chanWriter struct {
	mu    sync.Mutex
	lines chan string
}

func newChanWriter() *chanWriter {
	return &chanWriter{lines: make(chan string, 16)}
}

func (w *chanWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case w.lines <- string(p):
	default:
	}
	return len(p), nil
}

type recordingCallbacks struct {
	mu            sync.Mutex
	requests      []Request
	notifications []Notification
	nonJSON       []string
	doneOnMethod  string
}

func (c *recordingCallbacks) OnRequest(_ *Peer, _ string, request Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, request)
	return nil
}

func (c *recordingCallbacks) OnResponse(_ *Peer, _ string, _ Response) error { return nil }

func (c *recordingCallbacks) OnError(_ *Peer, _ string, _ ErrorMessage) error { return nil }

func (c *recordingCallbacks) OnNotification(_ *Peer, _ string, note Notification) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifications = append(c.notifications, note)
	return c.doneOnMethod != "" && note.Method == c.doneOnMethod, nil
}

func (c *recordingCallbacks) OnNonJSONLine(raw string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonJSON = append(c.nonJSON, raw)
	return nil
}

func (c *recordingCallbacks) snapshot() ([]Request, []Notification, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Request(nil), c.requests...),
		append([]Notification(nil), c.notifications...),
		append([]string(nil), c.nonJSON...)
}

func startPeer(t *testing.T, callbacks Callbacks) (*Peer, *chanWriter, *io.PipeWriter, *ExitNotifier) {
	t.Helper()
	stdin := newChanWriter()
	stdoutReader, stdoutWriter := io.Pipe()
	exit := NewExitNotifier()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(func() { _ = stdoutWriter.Close() })
	peer := NewPeer(ctx, stdin, stdoutReader, callbacks, exit)
	return peer, stdin, stdoutWriter, exit
}

func TestRequestResponseRoundTrip(t *testing.T) {
	peer, stdin, stdout, _ := startPeer(t, &recordingCallbacks{})

	go func() {
		select {
		case <-stdin.lines:
		case <-time.After(time.Second):
			return
		}
		_, _ = stdout.Write([]byte(`{"id":1,"result":{"conversationId":"c-1"}}` + "\n"))
	}()

	var out struct {
		ConversationID string `json:"conversationId"`
	}
	id := peer.NextRequestID()
	err := peer.Request(context.Background(), id, map[string]any{"id": id, "method": "newConversation"}, "newConversation", &out)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if out.ConversationID != "c-1" {
		t.Fatalf("unexpected result %+v", out)
	}
}

func TestRequestRemoteError(t *testing.T) {
	peer, stdin, stdout, _ := startPeer(t, &recordingCallbacks{})

	go func() {
		<-stdin.lines
		_, _ = stdout.Write([]byte(`{"id":1,"error":{"code":-32000,"message":"no auth"}}` + "\n"))
	}()

	id := peer.NextRequestID()
	err := peer.Request(context.Background(), id, map[string]any{"id": id, "method": "getAuthStatus"}, "getAuthStatus", nil)
	if !errors.Is(err, ErrRemote) {
		t.Fatalf("expected ErrRemote, got %v", err)
	}
}

func TestRequestDecodeError(t *testing.T) {
	peer, stdin, stdout, _ := startPeer(t, &recordingCallbacks{})

	go func() {
		<-stdin.lines
		_, _ = stdout.Write([]byte(`{"id":1,"result":"just a string"}` + "\n"))
	}()

	var out struct {
		Value int `json:"value"`
	}
	id := peer.NextRequestID()
	err := peer.Request(context.Background(), id, map[string]any{"id": id}, "typed", &out)
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}

func TestRequestShutdownOnStreamEnd(t *testing.T) {
	peer, stdin, stdout, exit := startPeer(t, &recordingCallbacks{})

	go func() {
		<-stdin.lines
		_ = stdout.Close()
	}()

	id := peer.NextRequestID()
	err := peer.Request(context.Background(), id, map[string]any{"id": id}, "doomed", nil)
	if !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}

	select {
	case result := <-exit.Done():
		if result != ExitSuccess {
			t.Fatalf("expected clean exit, got %v", result)
		}
	case <-time.After(time.Second):
		t.Fatal("exit never notified")
	}
}

func TestShutdownDrainsAllPendingRequests(t *testing.T) {
	peer, stdin, stdout, _ := startPeer(t, &recordingCallbacks{})

	const pending = 5
	errs := make(chan error, pending)
	for i := 0; i < pending; i++ {
		id := peer.NextRequestID()
		go func() {
			errs <- peer.Request(context.Background(), id, map[string]any{"id": id, "method": "slow"}, "slow", nil)
		}()
	}
	for i := 0; i < pending; i++ {
		select {
		case <-stdin.lines:
		case <-time.After(time.Second):
			t.Fatal("request never written")
		}
	}

	_ = stdout.Close()

	for i := 0; i < pending; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrShutdown) {
				t.Fatalf("expected ErrShutdown, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("in-flight request never drained on shutdown")
		}
	}
}

func TestRequestCancelled(t *testing.T) {
	peer, _, _, _ := startPeer(t, &recordingCallbacks{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	id := peer.NextRequestID()
	err := peer.Request(ctx, id, map[string]any{"id": id}, "cancelled", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCancelOneRequestLeavesOthersInFlight(t *testing.T) {
	peer, stdin, stdout, _ := startPeer(t, &recordingCallbacks{})

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	idA := peer.NextRequestID()
	errA := make(chan error, 1)
	go func() {
		errA <- peer.Request(ctxA, idA, map[string]any{"id": idA, "method": "a"}, "a", nil)
	}()

	idB := peer.NextRequestID()
	type outcome struct {
		err error
		ok  bool
	}
	resB := make(chan outcome, 1)
	go func() {
		var out struct {
			Ok bool `json:"ok"`
		}
		err := peer.Request(context.Background(), idB, map[string]any{"id": idB, "method": "b"}, "b", &out)
		resB <- outcome{err: err, ok: out.Ok}
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-stdin.lines:
		case <-time.After(time.Second):
			t.Fatal("request never written")
		}
	}

	cancelA()
	select {
	case err := <-errA:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled request never returned")
	}

	line := fmt.Sprintf(`{"id":%d,"result":{"ok":true}}`, idB)
	if _, err := stdout.Write([]byte(line + "\n")); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-resB:
		if got.err != nil {
			t.Fatalf("request b failed after cancelling a: %v", got.err)
		}
		if !got.ok {
			t.Fatal("request b result not decoded")
		}
	case <-time.After(time.Second):
		t.Fatal("request b never resolved")
	}
}

func TestInboundDispatch(t *testing.T) {
	callbacks := &recordingCallbacks{}
	_, _, stdout, _ := startPeer(t, callbacks)

	lines := []string{
		`{"id":7,"method":"execCommandApproval","params":{"call_id":"c1"}}`,
		`{"method":"codex/event/agent_message","params":{"message":"hi"}}`,
		`plain diagnostics from the agent`,
	}
	for _, line := range lines {
		if _, err := stdout.Write([]byte(line + "\n")); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.After(time.Second)
	for {
		requests, notifications, nonJSON := callbacks.snapshot()
		if len(requests) == 1 && len(notifications) == 1 && len(nonJSON) == 1 {
			if requests[0].Method != "execCommandApproval" || requests[0].ID != 7 {
				t.Fatalf("unexpected request %+v", requests[0])
			}
			if notifications[0].Method != "codex/event/agent_message" {
				t.Fatalf("unexpected notification %+v", notifications[0])
			}
			if nonJSON[0] != "plain diagnostics from the agent" {
				t.Fatalf("unexpected non-JSON line %q", nonJSON[0])
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("dispatch incomplete: %d requests, %d notifications, %d non-JSON",
				len(requests), len(notifications), len(nonJSON))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestNotificationCanFinishConversation(t *testing.T) {
	callbacks := &recordingCallbacks{doneOnMethod: "codex/event/task_complete"}
	_, _, stdout, exit := startPeer(t, callbacks)

	if _, err := stdout.Write([]byte(`{"method":"codex/event/task_complete","params":{}}` + "\n")); err != nil {
		t.Fatal(err)
	}

	select {
	case result := <-exit.Done():
		if result != ExitSuccess {
			t.Fatalf("expected success exit, got %v", result)
		}
	case <-time.After(time.Second):
		t.Fatal("reader never finished after done notification")
	}
}

func TestReaderStopsAfterEarlyExit(t *testing.T) {
	before := runtime.NumGoroutine()

	callbacks := &recordingCallbacks{doneOnMethod: "codex/event/task_complete"}
	_, _, stdout, exit := startPeer(t, callbacks)

	if _, err := stdout.Write([]byte(`{"method":"codex/event/task_complete","params":{}}` + "\n")); err != nil {
		t.Fatal(err)
	}
	select {
	case <-exit.Done():
	case <-time.After(time.Second):
		t.Fatal("exit never notified")
	}

	// the stream is still open; a trailing line must make the scanner give
	// up instead of parking on its output channel forever
	if _, err := stdout.Write([]byte(`{"method":"codex/event/agent_message","params":{}}` + "\n")); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(time.Second)
	for runtime.NumGoroutine() > before {
		select {
		case <-deadline:
			t.Fatalf("reader goroutines still alive: %d > %d", runtime.NumGoroutine(), before)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestResolveUnknownIDIsIgnored(t *testing.T) {
	peer, _, stdout, _ := startPeer(t, &recordingCallbacks{})

	// a response nobody asked for must not disturb later traffic
	if _, err := stdout.Write([]byte(`{"id":99,"result":{}}` + "\n")); err != nil {
		t.Fatal(err)
	}
	peer.Resolve(98, json.RawMessage(`{}`))

	if _, err := stdout.Write([]byte(`{"method":"still alive"}` + "\n")); err != nil {
		t.Fatal(err)
	}
}

func TestExitNotifierDeliversOnce(t *testing.T) {
	exit := NewExitNotifier()
	exit.Notify(ExitFailure)
	exit.Notify(ExitSuccess)

	select {
	case result := <-exit.Done():
		if result != ExitFailure {
			t.Fatalf("expected first result to win, got %v", result)
		}
	default:
		t.Fatal("expected buffered result")
	}
	select {
	case result := <-exit.Done():
		t.Fatalf("second delivery observed: %v", result)
	default:
	}

	var nilNotifier *ExitNotifier
	nilNotifier.Notify(ExitSuccess)
	if ch := nilNotifier.Done(); ch != nil {
		t.Fatal("nil notifier should expose a nil channel")
	}
}
