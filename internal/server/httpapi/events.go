package httpapi

import (
	"net/http"

	"github.com/dmitrijs2005/chatgate/internal/server/relay"
)

// handleEventStream relays the caller's upstream event queue as server-sent
// events until the client disconnects or the queue ends.
func (r *Router) handleEventStream(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	creds, err := r.upstreamCreds(ctx)
	if err != nil {
		r.writeError(w, req, err)
		return
	}

	sink := relay.NewSSEWriter(w)
	rl := relay.New(r.upstream, creds, sink, relay.Options{
		UpstreamBaseURL: r.upstream.BaseURL(),
		Backoff:         r.relayBackoff,
		Logger:          r.logger.With("request_id", getRequestID(ctx), "user_id", getUserID(ctx)),
	})

	if err := rl.Run(ctx); err != nil {
		if !sink.Started() {
			r.writeError(w, req, err)
			return
		}
		r.logger.Warn(ctx, "event stream ended with error", "request_id", getRequestID(ctx), "error", err)
	}
}
