package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// RegisterOptions select what a new event queue delivers.
type RegisterOptions struct {
	EventTypes      []string
	FetchEventTypes []string
	ApplyMarkdown   bool
}

// DefaultRegisterOptions subscribes to messages and fetches unread state.
func DefaultRegisterOptions() RegisterOptions {
	return RegisterOptions{
		EventTypes:      []string{"message"},
		FetchEventTypes: []string{"message", "unread_msgs"},
		ApplyMarkdown:   true,
	}
}

// Queue is a freshly registered upstream event queue.
type Queue struct {
	ID          string          `json:"queue_id"`
	LastEventID int64           `json:"last_event_id"`
	UnreadMsgs  json.RawMessage `json:"unread_msgs"`
}

// Event is one upstream event. Raw keeps the event exactly as received.
type Event struct {
	ID   int64
	Type string
	Raw  json.RawMessage
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var head struct {
		ID   int64  `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return err
	}
	e.ID = head.ID
	e.Type = head.Type
	e.Raw = append(e.Raw[:0], b...)
	return nil
}

func (e Event) MarshalJSON() ([]byte, error) {
	if len(e.Raw) == 0 {
		return []byte("null"), nil
	}
	return e.Raw, nil
}

// Register creates an event queue for the user.
func (c *Client) Register(ctx context.Context, creds Credentials, opts RegisterOptions) (*Queue, error) {
	eventTypes, err := json.Marshal(opts.EventTypes)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("event_types", string(eventTypes))
	if len(opts.FetchEventTypes) > 0 {
		fetchTypes, err := json.Marshal(opts.FetchEventTypes)
		if err != nil {
			return nil, err
		}
		form.Set("fetch_event_types", string(fetchTypes))
	}
	form.Set("apply_markdown", strconv.FormatBool(opts.ApplyMarkdown))

	resp, err := c.PostForm(ctx, creds, "/api/v1/register", form)
	if err != nil {
		return nil, err
	}

	q := &Queue{}
	if err := json.Unmarshal(resp.Body, q); err != nil {
		return nil, fmt.Errorf("decode register reply: %w", err)
	}
	if q.ID == "" {
		return nil, &UpstreamError{Status: resp.Status, Msg: "register reply without queue_id"}
	}
	return q, nil
}

// GetEvents long-polls the queue for events newer than lastEventID. The call
// blocks until events arrive, the upstream heartbeat fires or ctx ends.
func (c *Client) GetEvents(ctx context.Context, creds Credentials, queueID string, lastEventID int64) ([]Event, error) {
	q := url.Values{}
	q.Set("queue_id", queueID)
	q.Set("last_event_id", strconv.FormatInt(lastEventID, 10))
	q.Set("dont_block", "false")

	resp, err := c.do(ctx, request{method: http.MethodGet, target: c.resolve("/api/v1/events", q), creds: &creds, longPoll: true})
	if err != nil {
		return nil, err
	}

	var out struct {
		Result string  `json:"result"`
		Msg    string  `json:"msg"`
		Code   string  `json:"code"`
		Events []Event `json:"events"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("decode events reply: %w", err)
	}
	if out.Result == "error" {
		return nil, &UpstreamError{Status: resp.Status, Code: out.Code, Msg: out.Msg}
	}
	return out.Events, nil
}

// DeleteQueue releases an event queue on the upstream.
func (c *Client) DeleteQueue(ctx context.Context, creds Credentials, queueID string) error {
	q := url.Values{}
	q.Set("queue_id", queueID)
	_, err := c.Delete(ctx, creds, "/api/v1/events", q)
	return err
}

// ServerSettings fetches the unauthenticated server settings endpoint; used
// as a readiness probe.
func (c *Client) ServerSettings(ctx context.Context) (json.RawMessage, error) {
	resp, err := c.do(ctx, request{method: http.MethodGet, target: c.resolve("/api/v1/server_settings", nil)})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
