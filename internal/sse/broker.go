// Package sse streams workspace, lock and file-change notifications to
// connected clients as Server-Sent Events.
//
// Every broadcast frame carries an id. A client reconnecting with
// Last-Event-ID receives the frames it missed from a bounded history, or a
// stream.reset event when they are gone and it must refetch its state.
// New and reset clients first receive the current remote lock holders.
package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/starford/vaultkeep/internal/models"
)

const (
	clientBuffer   = 64
	defaultHistory = 256
)

// Event represents an SSE event to broadcast.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// LockEvent is the payload of lock.changed. Holder is nil once no other
// device is editing Path.
type LockEvent struct {
	Path   string             `json:"path"`
	Holder *models.LockRecord `json:"holder"`
}

type fileEventReq struct {
	kind string
	path string
}

type subscribeReq struct {
	lastID string
	resp   chan chan []byte
}

type frame struct {
	id  uint64
	raw []byte
}

// Broker manages SSE client connections and broadcasts events.
//
// Concurrency model: a single internal event loop (goroutine) owns mutable
// state (clients, history, lock holders, windows throttle timestamp). Public
// methods communicate with this loop through channels, so no mutexes are
// required.
type Broker struct {
	windowsMin time.Duration
	historyMax int

	subscribeCh   chan subscribeReq
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	lockCh        chan LockEvent
	fileEventCh   chan fileEventReq
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a new SSE broker. windowsThrottle bounds how often the
// windows.changed hint follows file events.
func NewBroker(windowsThrottle time.Duration) *Broker {
	return newBroker(windowsThrottle, defaultHistory)
}

func newBroker(windowsThrottle time.Duration, history int) *Broker {
	if windowsThrottle <= 0 {
		windowsThrottle = 2 * time.Second
	}

	b := &Broker{
		windowsMin:    windowsThrottle,
		historyMax:    history,
		subscribeCh:   make(chan subscribeReq),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		lockCh:        make(chan LockEvent, 256),
		fileEventCh:   make(chan fileEventReq, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	go b.run()
	return b
}

// stream is the state owned by the event loop.
type stream struct {
	max     int
	clients map[chan []byte]struct{}
	seq     uint64
	history []frame
	locks   map[string]LockEvent
}

func encode(id uint64, event Event) ([]byte, error) {
	payload, err := json.Marshal(event.Data)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if id > 0 {
		fmt.Fprintf(&buf, "id: %d\n", id)
	}
	fmt.Fprintf(&buf, "event: %s\ndata: %s\n\n", event.Type, payload)
	return buf.Bytes(), nil
}

func (s *stream) broadcast(event Event) {
	raw, err := encode(s.seq+1, event)
	if err != nil {
		return
	}
	s.seq++
	s.history = append(s.history, frame{id: s.seq, raw: raw})
	if len(s.history) > s.max {
		s.history = s.history[len(s.history)-s.max:]
	}

	for ch := range s.clients {
		select {
		case ch <- raw:
		default:
			// Client buffer full; skip to avoid blocking broker loop.
		}
	}
}

// backlog returns what a client connecting with lastEventID must receive
// before live frames.
func (s *stream) backlog(lastEventID string) [][]byte {
	if lastEventID == "" {
		return s.snapshot()
	}
	last, err := strconv.ParseUint(lastEventID, 10, 64)
	if err == nil && last <= s.seq && (last == s.seq || len(s.history) > 0 && last+1 >= s.history[0].id) {
		var out [][]byte
		for _, f := range s.history {
			if f.id > last {
				out = append(out, f.raw)
			}
		}
		return out
	}

	reset, err := encode(0, Event{Type: "stream.reset", Data: map[string]uint64{"last_id": s.seq}})
	if err != nil {
		return s.snapshot()
	}
	return append([][]byte{reset}, s.snapshot()...)
}

// snapshot renders the retained lock holders, ordered by path. The frames
// carry no id so they do not move the client's resume point.
func (s *stream) snapshot() [][]byte {
	paths := make([]string, 0, len(s.locks))
	for p := range s.locks {
		paths = append(paths, p)
	}
	slices.Sort(paths)

	out := make([][]byte, 0, len(paths))
	for _, p := range paths {
		if raw, err := encode(0, Event{Type: "lock.changed", Data: s.locks[p]}); err == nil {
			out = append(out, raw)
		}
	}
	return out
}

func (b *Broker) run() {
	defer close(b.stopped)

	s := &stream{
		max:     b.historyMax,
		clients: make(map[chan []byte]struct{}),
		locks:   make(map[string]LockEvent),
	}
	var lastWindows time.Time

	for {
		select {
		case <-b.stopCh:
			for ch := range s.clients {
				close(ch)
			}
			return

		case req := <-b.subscribeCh:
			backlog := s.backlog(req.lastID)
			ch := make(chan []byte, clientBuffer+len(backlog))
			for _, raw := range backlog {
				ch <- raw
			}
			s.clients[ch] = struct{}{}
			req.resp <- ch

		case ch := <-b.unsubscribeCh:
			if _, ok := s.clients[ch]; ok {
				delete(s.clients, ch)
				close(ch)
			}

		case event := <-b.publishCh:
			s.broadcast(event)

		case ev := <-b.lockCh:
			if ev.Holder == nil {
				delete(s.locks, ev.Path)
			} else {
				s.locks[ev.Path] = ev
			}
			s.broadcast(Event{Type: "lock.changed", Data: ev})

		case req := <-b.fileEventCh:
			data := map[string]string{"path": req.path}
			switch req.kind {
			case "created":
				s.broadcast(Event{Type: "file.created", Data: data})
			case "updated":
				s.broadcast(Event{Type: "file.updated", Data: data})
			case "deleted":
				s.broadcast(Event{Type: "file.deleted", Data: data})
			}

			// Sessions may have reloaded or entered a conflict; clients
			// refetch the window list at most once per interval.
			now := time.Now()
			if now.Sub(lastWindows) >= b.windowsMin {
				lastWindows = now
				s.broadcast(Event{Type: "windows.changed", Data: map[string]string{}})
			}

		case resp := <-b.countReqCh:
			resp <- len(s.clients)
		}
	}
}

// Close gracefully stops broker loop and closes all client channels.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

func closedChan() chan []byte {
	ch := make(chan []byte)
	close(ch)
	return ch
}

// Subscribe adds a new client and returns its channel. lastEventID is the
// id of the last frame the client saw, or empty for a fresh stream.
func (b *Broker) Subscribe(lastEventID string) chan []byte {
	if b.closed.Load() {
		return closedChan()
	}

	req := subscribeReq{lastID: lastEventID, resp: make(chan chan []byte, 1)}
	select {
	case b.subscribeCh <- req:
	case <-b.stopped:
		return closedChan()
	}

	select {
	case ch := <-req.resp:
		return ch
	case <-b.stopped:
		return closedChan()
	}
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}

	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}

	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish sends an event to all connected clients.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// PublishLock broadcasts a change of the remote holder of path and keeps
// it for clients that connect later. A nil holder clears it.
func (b *Broker) PublishLock(path string, holder *models.LockRecord) {
	if b.closed.Load() {
		return
	}
	select {
	case b.lockCh <- LockEvent{Path: path, Holder: holder}:
	case <-b.stopped:
	}
}

// PublishFileEvent publishes an external file change and a throttled
// windows.changed event.
func (b *Broker) PublishFileEvent(kind, path string) {
	if b.closed.Load() {
		return
	}
	select {
	case b.fileEventCh <- fileEventReq{kind: kind, path: path}:
	case <-b.stopped:
	}
}

// ServeHTTP is the SSE endpoint handler (GET /api/events). Browsers send
// Last-Event-ID on their own when they reconnect.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe(r.Header.Get("Last-Event-ID"))
	defer b.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
