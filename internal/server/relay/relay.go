// Package relay turns an upstream long-poll event queue into a stream of
// server-sent event frames for one browser connection.
//
// A Relay moves through Registering, Streaming, PollingError and Closed.
// Nothing is sent after Closed.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/chatgate/internal/logging"
	"github.com/dmitrijs2005/chatgate/internal/server/upstream"
)

type State int

const (
	Registering State = iota
	Streaming
	PollingError
	Closed
)

func (s State) String() string {
	switch s {
	case Registering:
		return "registering"
	case Streaming:
		return "streaming"
	case PollingError:
		return "polling_error"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	DefaultBackoff        = 2 * time.Second
	DefaultCleanupTimeout = 5 * time.Second
)

// ErrRegister wraps a failure to create the upstream queue. Nothing has been
// sent to the sink when Run returns it.
var ErrRegister = errors.New("event queue registration failed")

// Poller is the upstream surface the relay needs.
type Poller interface {
	Register(ctx context.Context, creds upstream.Credentials, opts upstream.RegisterOptions) (*upstream.Queue, error)
	GetEvents(ctx context.Context, creds upstream.Credentials, queueID string, lastEventID int64) ([]upstream.Event, error)
	DeleteQueue(ctx context.Context, creds upstream.Credentials, queueID string) error
}

// Sink receives one JSON payload per frame.
type Sink interface {
	Send(payload []byte) error
}

// Options tune a Relay.
type Options struct {
	// UpstreamBaseURL is echoed to the browser in the metadata frame.
	UpstreamBaseURL string
	Backoff         time.Duration
	CleanupTimeout  time.Duration
	Logger          logging.Logger
	// OnTransition, when set, observes every state change.
	OnTransition func(from, to State)
}

// Relay serves a single connection. It is not safe for concurrent use.
type Relay struct {
	poller Poller
	creds  upstream.Credentials
	sink   Sink
	opts   Options
	logger logging.Logger

	state       State
	queueID     string
	lastEventID int64
	closeErr    error
}

func New(poller Poller, creds upstream.Credentials, sink Sink, opts Options) *Relay {
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = DefaultCleanupTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Relay{
		poller: poller,
		creds:  creds,
		sink:   sink,
		opts:   opts,
		logger: opts.Logger.With("module", "relay"),
		state:  Registering,
	}
}

func (r *Relay) State() State { return r.state }

// LastEventID is the highest upstream event id forwarded so far.
func (r *Relay) LastEventID() int64 { return r.lastEventID }

func (r *Relay) transition(to State) {
	from := r.state
	if from == to {
		return
	}
	r.state = to
	if r.opts.OnTransition != nil {
		r.opts.OnTransition(from, to)
	}
}

type metadataFrame struct {
	Type         string          `json:"type"`
	UnreadMsgs   json.RawMessage `json:"unread_msgs"`
	ZulipBaseURL string          `json:"zulip_base_url"`
}

// Run drives the state machine until ctx ends, the queue becomes invalid, the
// upstream rejects the credential, the sink fails or a non-transient error
// occurs. It returns nil for a clean close and ErrRegister if the queue could
// not be created.
func (r *Relay) Run(ctx context.Context) error {
	defer r.close(ctx)

	if err := r.register(ctx); err != nil {
		return err
	}

	for {
		switch r.state {
		case Streaming:
			r.stream(ctx)
		case PollingError:
			r.wait(ctx)
		case Closed:
			return r.closeErr
		default:
			return fmt.Errorf("relay in unexpected state %s", r.state)
		}
	}
}

func (r *Relay) register(ctx context.Context) error {
	q, err := r.poller.Register(ctx, r.creds, upstream.DefaultRegisterOptions())
	if err != nil {
		r.transition(Closed)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: %w", ErrRegister, err)
	}
	r.queueID = q.ID
	r.lastEventID = q.LastEventID

	unread := q.UnreadMsgs
	if len(unread) == 0 {
		unread = json.RawMessage("null")
	}
	frame, err := json.Marshal(metadataFrame{Type: "metadata", UnreadMsgs: unread, ZulipBaseURL: r.opts.UpstreamBaseURL})
	if err != nil {
		r.transition(Closed)
		return err
	}
	if err := r.sink.Send(frame); err != nil {
		r.closeWith(nil)
		return nil
	}

	r.logger.Info(ctx, "event queue registered", "queue_id", r.queueID, "last_event_id", r.lastEventID)
	r.transition(Streaming)
	return nil
}

func (r *Relay) closeWith(err error) {
	r.closeErr = err
	r.transition(Closed)
}

// stream performs one long-poll and forwards its events in order.
func (r *Relay) stream(ctx context.Context) {
	events, err := r.poller.GetEvents(ctx, r.creds, r.queueID, r.lastEventID)
	if err != nil {
		r.pollFailed(ctx, err)
		return
	}

	for _, ev := range events {
		if ctx.Err() != nil {
			r.closeWith(nil)
			return
		}
		if ev.ID > r.lastEventID {
			r.lastEventID = ev.ID
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			r.logger.Warn(ctx, "dropping unencodable event", "event_id", ev.ID, "error", err)
			continue
		}
		if err := r.sink.Send(payload); err != nil {
			r.logger.Info(ctx, "client went away", "error", err)
			r.closeWith(nil)
			return
		}
	}
}

func (r *Relay) pollFailed(ctx context.Context, err error) {
	switch {
	case ctx.Err() != nil:
		r.closeWith(nil)
	case errors.Is(err, upstream.ErrQueueInvalid):
		r.logger.Info(ctx, "event queue expired", "queue_id", r.queueID)
		r.queueID = ""
		r.closeWith(nil)
	case errors.Is(err, upstream.ErrUpstreamUnauthorized):
		r.logger.Warn(ctx, "upstream rejected credential", "queue_id", r.queueID)
		r.closeWith(nil)
	case upstream.IsTransient(err):
		r.logger.Warn(ctx, "polling failed, backing off", "queue_id", r.queueID, "error", err)
		r.transition(PollingError)
	default:
		r.logger.Error(ctx, "polling failed", "queue_id", r.queueID, "error", err)
		r.closeWith(err)
	}
}

// wait sleeps for the backoff and resumes streaming, or closes on cancel.
func (r *Relay) wait(ctx context.Context) {
	t := time.NewTimer(r.opts.Backoff)
	defer t.Stop()

	select {
	case <-ctx.Done():
		r.closeWith(nil)
	case <-t.C:
		r.transition(Streaming)
	}
}

// close releases the upstream queue with a detached, bounded context so it
// still runs after the client disconnected.
func (r *Relay) close(ctx context.Context) {
	r.transition(Closed)
	if r.queueID == "" {
		return
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.CleanupTimeout)
	defer cancel()

	if err := r.poller.DeleteQueue(cctx, r.creds, r.queueID); err != nil {
		r.logger.Debug(ctx, "deleting event queue failed", "queue_id", r.queueID, "error", err)
	}
	r.logger.Info(ctx, "relay closed", "queue_id", r.queueID, "last_event_id", r.lastEventID)
}
