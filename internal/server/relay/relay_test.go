package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/chatgate/internal/server/upstream"
)

type pollResult struct {
	events []upstream.Event
	err    error
}

// fakePoller replays scripted poll results, then blocks until ctx ends.
type fakePoller struct {
	mu          sync.Mutex
	queue       *upstream.Queue
	registerErr error
	script      []pollResult
	polledWith  []int64
	deleted     []string
	deleteCtxOK bool
}

func (p *fakePoller) Register(ctx context.Context, _ upstream.Credentials, opts upstream.RegisterOptions) (*upstream.Queue, error) {
	if p.registerErr != nil {
		return nil, p.registerErr
	}
	return p.queue, nil
}

func (p *fakePoller) GetEvents(ctx context.Context, _ upstream.Credentials, queueID string, last int64) ([]upstream.Event, error) {
	p.mu.Lock()
	p.polledWith = append(p.polledWith, last)
	if len(p.script) > 0 {
		next := p.script[0]
		p.script = p.script[1:]
		p.mu.Unlock()
		return next.events, next.err
	}
	p.mu.Unlock()

	<-ctx.Done()
	return nil, ctx.Err()
}

func (p *fakePoller) DeleteQueue(ctx context.Context, _ upstream.Credentials, queueID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, queueID)
	p.deleteCtxOK = ctx.Err() == nil
	return nil
}

func (p *fakePoller) polls() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.polledWith...)
}

// recordingSink collects payloads and can cancel after n frames or fail.
type recordingSink struct {
	mu       sync.Mutex
	frames   []string
	cancelAt int
	cancel   context.CancelFunc
	failAt   int
}

func (s *recordingSink) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && len(s.frames)+1 == s.failAt {
		return errors.New("broken pipe")
	}
	s.frames = append(s.frames, string(payload))
	if s.cancelAt > 0 && len(s.frames) == s.cancelAt && s.cancel != nil {
		s.cancel()
	}
	return nil
}

func (s *recordingSink) eventIDs(t *testing.T) []int64 {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for _, f := range s.frames {
		var v struct {
			Type string `json:"type"`
			ID   int64  `json:"id"`
		}
		require.NoError(t, json.Unmarshal([]byte(f), &v))
		if v.Type != "metadata" {
			ids = append(ids, v.ID)
		}
	}
	return ids
}

func ev(id int64) upstream.Event {
	raw, _ := json.Marshal(map[string]any{"id": id, "type": "message", "message": map[string]any{"id": id * 100}})
	return upstream.Event{ID: id, Type: "message", Raw: raw}
}

var testCreds = upstream.Credentials{Email: "bot@chat.example.com", APIKey: "k"}

func TestRun_ForwardsEventsInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poller := &fakePoller{
		queue: &upstream.Queue{ID: "q-1", LastEventID: 4, UnreadMsgs: json.RawMessage(`{"count":2}`)},
		script: []pollResult{
			{events: []upstream.Event{ev(5), ev(6), ev(7)}},
			{events: []upstream.Event{ev(8)}},
		},
	}
	sink := &recordingSink{cancelAt: 5, cancel: cancel}

	var transitions []string
	r := New(poller, testCreds, sink, Options{
		UpstreamBaseURL: "https://chat.example.com",
		OnTransition:    func(from, to State) { transitions = append(transitions, from.String()+">"+to.String()) },
	})

	require.NoError(t, r.Run(ctx))

	assert.Equal(t, []int64{5, 6, 7, 8}, sink.eventIDs(t))
	assert.Equal(t, int64(8), r.LastEventID())
	assert.Equal(t, Closed, r.State())
	assert.Equal(t, []int64{4, 7}, poller.polls()[:2])

	var meta map[string]any
	require.NoError(t, json.Unmarshal([]byte(sink.frames[0]), &meta))
	assert.Equal(t, "metadata", meta["type"])
	assert.Equal(t, "https://chat.example.com", meta["zulip_base_url"])
	assert.Equal(t, map[string]any{"count": float64(2)}, meta["unread_msgs"])

	assert.Equal(t, []string{"registering>streaming", "streaming>closed"}, transitions)
	assert.Equal(t, []string{"q-1"}, poller.deleted)
	assert.True(t, poller.deleteCtxOK, "cleanup must not inherit the cancelled context")
}

func TestRun_LastEventIDNeverDecreases(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poller := &fakePoller{
		queue: &upstream.Queue{ID: "q-1", LastEventID: 10},
		script: []pollResult{
			{events: []upstream.Event{ev(12), ev(11)}},
			{events: []upstream.Event{ev(13)}},
		},
	}
	sink := &recordingSink{cancelAt: 4, cancel: cancel}

	r := New(poller, testCreds, sink, Options{})
	require.NoError(t, r.Run(ctx))

	assert.Equal(t, []int64{10, 12}, poller.polls()[:2])
	assert.Equal(t, int64(13), r.LastEventID())
}

func TestRun_CancellationDuringPollCloses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	poller := &fakePoller{queue: &upstream.Queue{ID: "q-1", LastEventID: -1}}
	sink := &recordingSink{}

	r := New(poller, testCreds, sink, Options{})
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return len(poller.polls()) == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop after cancellation")
	}

	assert.Equal(t, Closed, r.State())
	assert.Len(t, sink.frames, 1, "only the metadata frame")
	assert.Equal(t, []string{"q-1"}, poller.deleted)
}

func TestRun_InvalidQueueClosesCleanly(t *testing.T) {
	poller := &fakePoller{
		queue: &upstream.Queue{ID: "q-1"},
		script: []pollResult{
			{events: []upstream.Event{ev(1)}},
			{err: &upstream.UpstreamError{Status: 400, Code: "BAD_EVENT_QUEUE_ID"}},
		},
	}
	sink := &recordingSink{}

	r := New(poller, testCreds, sink, Options{})
	require.NoError(t, r.Run(context.Background()))

	assert.Equal(t, []int64{1}, sink.eventIDs(t))
	assert.Empty(t, poller.deleted, "an invalid queue is not deleted")
}

func TestRun_TransientErrorBacksOffAndResumes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poller := &fakePoller{
		queue: &upstream.Queue{ID: "q-1", LastEventID: 0},
		script: []pollResult{
			{events: []upstream.Event{ev(1)}},
			{err: &upstream.UpstreamError{Status: 502}},
			{err: upstream.ErrCircuitOpen},
			{events: []upstream.Event{ev(2)}},
		},
	}
	sink := &recordingSink{cancelAt: 3, cancel: cancel}

	var states []State
	r := New(poller, testCreds, sink, Options{
		Backoff:      time.Millisecond,
		OnTransition: func(_, to State) { states = append(states, to) },
	})
	require.NoError(t, r.Run(ctx))

	assert.Equal(t, []int64{1, 2}, sink.eventIDs(t))
	assert.Equal(t, []int64{0, 1, 1, 1}, poller.polls()[:4], "position preserved across errors")
	assert.Equal(t, []State{Streaming, PollingError, Streaming, PollingError, Streaming, Closed}, states)
}

func TestRun_CancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	poller := &fakePoller{
		queue:  &upstream.Queue{ID: "q-1"},
		script: []pollResult{{err: &upstream.UpstreamError{Status: 503}}},
	}

	r := New(poller, testCreds, &recordingSink{}, Options{
		Backoff: time.Hour,
		OnTransition: func(_, to State) {
			if to == PollingError {
				cancel()
			}
		},
	})

	start := time.Now()
	require.NoError(t, r.Run(ctx))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, Closed, r.State())
}

func TestRun_UpstreamUnauthorizedCloses(t *testing.T) {
	poller := &fakePoller{
		queue:  &upstream.Queue{ID: "q-1"},
		script: []pollResult{{err: &upstream.UpstreamError{Status: 401}}},
	}
	r := New(poller, testCreds, &recordingSink{}, Options{})
	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, Closed, r.State())
}

func TestRun_FatalErrorReturned(t *testing.T) {
	boom := errors.New("decode events reply: unexpected EOF")
	poller := &fakePoller{
		queue:  &upstream.Queue{ID: "q-1"},
		script: []pollResult{{err: boom}},
	}
	r := New(poller, testCreds, &recordingSink{}, Options{})
	require.ErrorIs(t, r.Run(context.Background()), boom)
}

func TestRun_RegisterFailure(t *testing.T) {
	poller := &fakePoller{registerErr: &upstream.UpstreamError{Status: 500}}
	sink := &recordingSink{}

	r := New(poller, testCreds, sink, Options{})
	err := r.Run(context.Background())

	require.ErrorIs(t, err, ErrRegister)
	assert.Empty(t, sink.frames)
	assert.Empty(t, poller.deleted)
	assert.Equal(t, Closed, r.State())
}

func TestRun_SinkFailureStopsStreaming(t *testing.T) {
	poller := &fakePoller{
		queue:  &upstream.Queue{ID: "q-1"},
		script: []pollResult{{events: []upstream.Event{ev(1), ev(2), ev(3)}}},
	}
	sink := &recordingSink{failAt: 3}

	r := New(poller, testCreds, sink, Options{})
	require.NoError(t, r.Run(context.Background()))

	assert.Equal(t, []int64{1}, sink.eventIDs(t))
	assert.Len(t, poller.polls(), 1)
	assert.Equal(t, []string{"q-1"}, poller.deleted)
}

func TestSSEWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewSSEWriter(rec)
	assert.False(t, w.Started())

	require.NoError(t, w.Send([]byte(`{"type":"metadata"}`)))
	require.NoError(t, w.Send([]byte(`{"id":5}`)))

	assert.True(t, w.Started())
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.True(t, rec.Flushed)
	assert.Equal(t, "data: {\"type\":\"metadata\"}\n\ndata: {\"id\":5}\n\n", rec.Body.String())

	err := w.Send([]byte("{\n}"))
	require.Error(t, err)
	assert.False(t, strings.Contains(rec.Body.String(), "{\n}"))
}
