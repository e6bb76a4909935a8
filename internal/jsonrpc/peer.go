// Package jsonrpc is a minimal line-delimited JSON-RPC layer for driving
// coding-agent subprocesses. It is bespoke because the agent side issues
// requests of its own, so the peer must multiplex client-initiated
// request/response pairs with server-initiated requests and notifications
// over the same stdout stream.
package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	// ErrShutdown reports that the connection closed while a round-trip
	// was still pending.
	ErrShutdown = errors.New("jsonrpc: peer shut down while awaiting response")
	// ErrDropped reports that the correlation entry vanished without a
	// resolution.
	ErrDropped = errors.New("jsonrpc: request dropped")
	// ErrRemote reports that the agent answered with an explicit error
	// object.
	ErrRemote = errors.New("jsonrpc: remote error")
	// ErrDecode reports that a response payload did not match the
	// expected shape.
	ErrDecode = errors.New("jsonrpc: decode response")
)

type RequestID int64

// RemoteError is the error object shape of the wire protocol.
type RemoteError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Request is an inbound server-initiated request.
type Request struct {
	ID     RequestID       `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Notification is an inbound message without an id.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is an inbound resolution of a client-initiated request.
type Response struct {
	ID     RequestID       `json:"id"`
	Result json.RawMessage `json:"result"`
}

// ErrorMessage is an inbound error resolution of a client-initiated request.
type ErrorMessage struct {
	ID    RequestID   `json:"id"`
	Error RemoteError `json:"error"`
}

type pendingKind int

const (
	pendingResult pendingKind = iota
	pendingError
	pendingShutdown
)

type pendingResponse struct {
	kind   pendingKind
	result json.RawMessage
	remote RemoteError
}

// Callbacks is the sink for inbound traffic the correlation table does not
// consume. OnNotification may return done=true to end the read loop early
// (the conversation is finished even though the stream is still open).
type Callbacks interface {
	OnRequest(peer *Peer, raw string, request Request) error
	OnResponse(peer *Peer, raw string, response Response) error
	OnError(peer *Peer, raw string, errMsg ErrorMessage) error
	OnNotification(peer *Peer, raw string, note Notification) (done bool, err error)
	OnNonJSONLine(raw string) error
}

type ExitResult int

const (
	ExitSuccess ExitResult = iota
	ExitFailure
)

// ExitNotifier delivers the reader loop's exit result exactly once.
type ExitNotifier struct {
	once sync.Once
	ch   chan ExitResult
}

func NewExitNotifier() *ExitNotifier {
	return &ExitNotifier{ch: make(chan ExitResult, 1)}
}

func (n *ExitNotifier) Notify(result ExitResult) {
	if n == nil {
		return
	}
	n.once.Do(func() {
		n.ch <- result
	})
}

func (n *ExitNotifier) Done() <-chan ExitResult {
	if n == nil {
		return nil
	}
	return n.ch
}

// Peer drives one subprocess's stdio as a correlated duplex channel. A
// single background goroutine owns the stdout side; writes to stdin are
// serialized by a mutex. Correlation ids come from an atomic counter and
// only need to be unique, not ordered.
type Peer struct {
	writeMu sync.Mutex
	stdin   io.Writer

	pendingMu sync.Mutex
	pending   map[RequestID]chan pendingResponse

	idCounter atomic.Int64
}

// NewPeer constructs a peer and starts its background reader. The reader
// runs until stream end, callback-driven early exit, or ctx cancellation;
// on exit it notifies exit once and resolves every pending correlation
// entry with a shutdown sentinel.
func NewPeer(ctx context.Context, stdin io.Writer, stdout io.Reader, callbacks Callbacks, exit *ExitNotifier) *Peer {
	peer := &Peer{
		stdin:   stdin,
		pending: make(map[RequestID]chan pendingResponse),
	}
	go peer.readLoop(ctx, stdout, callbacks, exit)
	return peer
}

func (p *Peer) NextRequestID() RequestID {
	return RequestID(p.idCounter.Add(1))
}

// Send serializes message as one newline-terminated line on stdin.
func (p *Peer) Send(message any) error {
	raw, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stdin.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Request registers a correlation entry for id, sends message, and decodes
// the eventual result payload into out. It fails with ErrRemote when the
// agent reports an error, ErrDecode when the payload shape is wrong,
// ErrShutdown when the connection closes first, ErrDropped when the entry
// vanished, and ctx.Err wrapped when cancelled.
func (p *Peer) Request(ctx context.Context, id RequestID, message any, label string, out any) error {
	rx := p.register(id)
	if err := p.Send(message); err != nil {
		p.unregister(id)
		return err
	}

	select {
	case <-ctx.Done():
		p.unregister(id)
		return fmt.Errorf("%s request cancelled: %w", label, ctx.Err())
	case response, ok := <-rx:
		if !ok {
			return fmt.Errorf("%s: %w", label, ErrDropped)
		}
		switch response.kind {
		case pendingResult:
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(response.result, out); err != nil {
				return fmt.Errorf("%s: %w: %v", label, ErrDecode, err)
			}
			return nil
		case pendingError:
			return fmt.Errorf("%s: %w: %s", label, ErrRemote, response.remote.Message)
		default:
			return fmt.Errorf("%s: %w", label, ErrShutdown)
		}
	}
}

// Resolve delivers a response to the pending entry for id, if any. A
// response whose id matches nothing is ignored.
func (p *Peer) Resolve(id RequestID, result json.RawMessage) {
	p.deliver(id, pendingResponse{kind: pendingResult, result: result})
}

func (p *Peer) resolveError(id RequestID, remote RemoteError) {
	p.deliver(id, pendingResponse{kind: pendingError, remote: remote})
}

// Shutdown resolves every still-pending correlation entry with the shutdown
// sentinel so no caller hangs forever.
func (p *Peer) Shutdown() {
	p.pendingMu.Lock()
	drained := make([]chan pendingResponse, 0, len(p.pending))
	for id, ch := range p.pending {
		drained = append(drained, ch)
		delete(p.pending, id)
	}
	p.pendingMu.Unlock()

	for _, ch := range drained {
		ch <- pendingResponse{kind: pendingShutdown}
	}
}

func (p *Peer) register(id RequestID) <-chan pendingResponse {
	ch := make(chan pendingResponse, 1)
	p.pendingMu.Lock()
	p.pending[id] = ch
	p.pendingMu.Unlock()
	return ch
}

func (p *Peer) unregister(id RequestID) {
	p.pendingMu.Lock()
	delete(p.pending, id)
	p.pendingMu.Unlock()
}

func (p *Peer) deliver(id RequestID, response pendingResponse) {
	p.pendingMu.Lock()
	ch, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	p.pendingMu.Unlock()
	if ok {
		ch <- response
	}
}

// envelope is the union of the four inbound message shapes. Classification:
// a method with an id is a request, a method without one is a notification;
// no method plus an error object is an error, otherwise a response.
type envelope struct {
	ID     *RequestID      `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *RemoteError    `json:"error"`
}

func (p *Peer) readLoop(ctx context.Context, stdout io.Reader, callbacks Callbacks, exit *ExitNotifier) {
	lines := make(chan string)
	readErr := make(chan error, 1)
	// Closed when the dispatch loop exits so the scanner goroutine never
	// parks on a send nobody will receive (a callback can end the loop
	// while the stream is still open).
	loopDone := make(chan struct{})
	defer close(loopDone)
	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			case <-loopDone:
				return
			}
		}
		readErr <- scanner.Err()
	}()

	result := ExitSuccess
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-readErr:
			// A broken stream is treated like EOF; pending entries
			// drain below either way.
			if err != nil {
				result = ExitFailure
			}
			break loop
		case line := <-lines:
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if p.handleLine(line, callbacks) {
				break loop
			}
		}
	}

	exit.Notify(result)
	p.Shutdown()
}

func (p *Peer) handleLine(line string, callbacks Callbacks) (done bool) {
	var env envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		return callbacks.OnNonJSONLine(line) != nil
	}

	switch {
	case env.Method != "" && env.ID != nil:
		request := Request{ID: *env.ID, Method: env.Method, Params: env.Params}
		return callbacks.OnRequest(p, line, request) != nil
	case env.Method != "":
		note := Notification{Method: env.Method, Params: env.Params}
		finished, err := callbacks.OnNotification(p, line, note)
		return finished || err != nil
	case env.Error != nil:
		if env.ID == nil {
			return callbacks.OnNonJSONLine(line) != nil
		}
		errMsg := ErrorMessage{ID: *env.ID, Error: *env.Error}
		if err := callbacks.OnError(p, line, errMsg); err != nil {
			return true
		}
		p.resolveError(errMsg.ID, errMsg.Error)
		return false
	case env.ID != nil:
		response := Response{ID: *env.ID, Result: env.Result}
		if err := callbacks.OnResponse(p, line, response); err != nil {
			return true
		}
		p.Resolve(response.ID, response.Result)
		return false
	default:
		return callbacks.OnNonJSONLine(line) != nil
	}
}
