package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrijs2005/chatgate/internal/common"
	"github.com/dmitrijs2005/chatgate/internal/server/upstream"
	"github.com/dmitrijs2005/chatgate/internal/server/validation"
)

const (
	defaultAnchor    = "latest"
	defaultNumBefore = 50
)

// Event types requested by /events/register. The SSE stream uses its own set.
var clientEventTypes = []string{"message", "reaction", "presence", "typing"}

type stream struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func (r *Router) handleStreams(w http.ResponseWriter, req *http.Request) {
	creds, err := r.upstreamCreds(req.Context())
	if err != nil {
		r.writeError(w, req, err)
		return
	}

	q := url.Values{}
	q.Set("include_subscribers", "false")
	resp, err := r.upstream.Get(req.Context(), creds, "/api/v1/users/me/subscriptions", q)
	if err != nil {
		r.writeError(w, req, err)
		return
	}

	var reply struct {
		Subscriptions []struct {
			StreamID int64  `json:"stream_id"`
			Name     string `json:"name"`
		} `json:"subscriptions"`
	}
	if err := json.Unmarshal(resp.Body, &reply); err != nil {
		r.writeError(w, req, upstreamDecodeError(err))
		return
	}

	streams := make([]stream, 0, len(reply.Subscriptions))
	for _, s := range reply.Subscriptions {
		streams = append(streams, stream{ID: s.StreamID, Name: s.Name})
	}
	writeJSON(w, http.StatusOK, map[string]any{"streams": streams})
}

type topic struct {
	Name         string `json:"name"`
	MaxMessageID int64  `json:"max_message_id"`
}

func (r *Router) handleTopics(w http.ResponseWriter, req *http.Request) {
	streamID, err := streamIDParam(req)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	creds, err := r.upstreamCreds(req.Context())
	if err != nil {
		r.writeError(w, req, err)
		return
	}

	resp, err := r.upstream.Get(req.Context(), creds, fmt.Sprintf("/api/v1/users/me/%d/topics", streamID), nil)
	if err != nil {
		r.writeError(w, req, err)
		return
	}

	var reply struct {
		Topics []struct {
			Name         string `json:"name"`
			MaxID        *int64 `json:"max_id"`
			MaxMessageID *int64 `json:"max_message_id"`
		} `json:"topics"`
	}
	if err := json.Unmarshal(resp.Body, &reply); err != nil {
		r.writeError(w, req, upstreamDecodeError(err))
		return
	}

	topics := make([]topic, 0, len(reply.Topics))
	for _, t := range reply.Topics {
		out := topic{Name: t.Name}
		switch {
		case t.MaxID != nil:
			out.MaxMessageID = *t.MaxID
		case t.MaxMessageID != nil:
			out.MaxMessageID = *t.MaxMessageID
		}
		topics = append(topics, out)
	}
	writeJSON(w, http.StatusOK, map[string]any{"topics": topics})
}

type member struct {
	UserID   int64  `json:"user_id"`
	FullName string `json:"full_name"`
	Email    string `json:"email"`
}

// handleMembers lists the subscribers of a stream with their names, joining
// the stream's subscriber ids with the realm user list.
func (r *Router) handleMembers(w http.ResponseWriter, req *http.Request) {
	streamID, err := streamIDParam(req)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	creds, err := r.upstreamCreds(req.Context())
	if err != nil {
		r.writeError(w, req, err)
		return
	}

	resp, err := r.upstream.Get(req.Context(), creds, fmt.Sprintf("/api/v1/streams/%d/members", streamID), nil)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	var subs struct {
		Subscribers []int64 `json:"subscribers"`
	}
	if err := json.Unmarshal(resp.Body, &subs); err != nil {
		r.writeError(w, req, upstreamDecodeError(err))
		return
	}

	ids := make(map[int64]struct{}, len(subs.Subscribers))
	for _, id := range subs.Subscribers {
		ids[id] = struct{}{}
	}

	members := make([]member, 0, len(ids))
	if len(ids) > 0 {
		resp, err = r.upstream.Get(req.Context(), creds, "/api/v1/users", nil)
		if err != nil {
			r.writeError(w, req, err)
			return
		}
		var users struct {
			Members []member `json:"members"`
		}
		if err := json.Unmarshal(resp.Body, &users); err != nil {
			r.writeError(w, req, upstreamDecodeError(err))
			return
		}
		for _, m := range users.Members {
			if _, ok := ids[m.UserID]; ok {
				members = append(members, m)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscribers": members})
}

type message struct {
	ID             int64  `json:"id"`
	SenderFullName string `json:"sender_full_name"`
	SenderEmail    string `json:"sender_email"`
	Timestamp      int64  `json:"timestamp"`
	Content        string `json:"content"`
}

type narrowTerm struct {
	Operator string `json:"operator"`
	Operand  any    `json:"operand"`
}

func (r *Router) handleMessages(w http.ResponseWriter, req *http.Request) {
	query, err := parseMessagesQuery(req.URL.Query())
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	if err := validation.Check(query); err != nil {
		r.writeError(w, req, err)
		return
	}
	creds, err := r.upstreamCreds(req.Context())
	if err != nil {
		r.writeError(w, req, err)
		return
	}

	narrow, err := json.Marshal([]narrowTerm{
		{Operator: "stream", Operand: query.StreamID},
		{Operator: "topic", Operand: query.Topic},
	})
	if err != nil {
		r.writeError(w, req, err)
		return
	}

	q := url.Values{}
	q.Set("anchor", query.Anchor)
	q.Set("num_before", strconv.Itoa(query.NumBefore))
	q.Set("num_after", strconv.Itoa(query.NumAfter))
	q.Set("narrow", string(narrow))
	q.Set("apply_markdown", "true")

	resp, err := r.upstream.Get(req.Context(), creds, "/api/v1/messages", q)
	if err != nil {
		r.writeError(w, req, err)
		return
	}

	var reply struct {
		Messages []struct {
			ID              int64   `json:"id"`
			SenderFullName  string  `json:"sender_full_name"`
			SenderEmail     string  `json:"sender_email"`
			Timestamp       int64   `json:"timestamp"`
			Content         string  `json:"content"`
			RenderedContent *string `json:"rendered_content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(resp.Body, &reply); err != nil {
		r.writeError(w, req, upstreamDecodeError(err))
		return
	}

	messages := make([]message, 0, len(reply.Messages))
	for _, m := range reply.Messages {
		content := m.Content
		if m.RenderedContent != nil {
			content = *m.RenderedContent
		}
		messages = append(messages, message{
			ID:             m.ID,
			SenderFullName: m.SenderFullName,
			SenderEmail:    m.SenderEmail,
			Timestamp:      m.Timestamp,
			Content:        content,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (r *Router) handleSendMessage(w http.ResponseWriter, req *http.Request) {
	var body validation.SendMessageRequest
	if err := r.decodeJSON(w, req, &body); err != nil {
		r.writeError(w, req, err)
		return
	}
	if err := validation.Check(body); err != nil {
		r.writeError(w, req, err)
		return
	}
	creds, err := r.upstreamCreds(req.Context())
	if err != nil {
		r.writeError(w, req, err)
		return
	}

	to := body.StreamName
	if to == "" {
		to = strconv.FormatInt(body.StreamID, 10)
	}
	form := url.Values{}
	form.Set("type", "stream")
	form.Set("to", to)
	form.Set("topic", body.Topic)
	form.Set("content", body.Content)

	resp, err := r.upstream.PostForm(req.Context(), creds, "/api/v1/messages", form)
	if err != nil {
		r.writeError(w, req, err)
		return
	}

	var reply struct {
		ID        *int64 `json:"id"`
		MessageID *int64 `json:"message_id"`
	}
	if err := json.Unmarshal(resp.Body, &reply); err != nil {
		r.writeError(w, req, upstreamDecodeError(err))
		return
	}
	var id int64
	switch {
	case reply.ID != nil:
		id = *reply.ID
	case reply.MessageID != nil:
		id = *reply.MessageID
	default:
		r.writeError(w, req, upstreamDecodeError(errors.New("reply has no message id")))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"message_id": id})
}

func (r *Router) handleMarkRead(w http.ResponseWriter, req *http.Request) {
	var body validation.MarkReadRequest
	if err := r.decodeJSON(w, req, &body); err != nil {
		r.writeError(w, req, err)
		return
	}
	if err := validation.Check(body); err != nil {
		r.writeError(w, req, err)
		return
	}
	creds, err := r.upstreamCreds(req.Context())
	if err != nil {
		r.writeError(w, req, err)
		return
	}

	ids, err := json.Marshal([]int64(body))
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	form := url.Values{}
	form.Set("messages", string(ids))
	form.Set("op", "add")
	form.Set("flag", "read")

	if _, err := r.upstream.PostForm(req.Context(), creds, "/api/v1/messages/flags", form); err != nil {
		r.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (r *Router) handleUploadImage(w http.ResponseWriter, req *http.Request) {
	req.Body = http.MaxBytesReader(w, req.Body, validation.MaxImageBytes+r.maxRequestBytes)
	file, header, err := req.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			r.writeError(w, req, errRequestTooLarge)
			return
		}
		r.writeError(w, req, fmt.Errorf("%w: no file provided", common.ErrorValidation))
		return
	}
	defer file.Close()

	upload := validation.ImageUpload{ContentType: header.Header.Get("Content-Type"), Size: header.Size}
	if err := validation.Check(upload); err != nil {
		r.writeError(w, req, err)
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, validation.MaxImageBytes+1))
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	creds, err := r.upstreamCreds(req.Context())
	if err != nil {
		r.writeError(w, req, err)
		return
	}

	resp, err := r.upstream.PostFile(req.Context(), creds, "/api/v1/user_uploads", "file", header.Filename, data)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	var reply struct {
		URI string `json:"uri"`
		URL string `json:"url"`
	}
	if err := json.Unmarshal(resp.Body, &reply); err != nil {
		r.writeError(w, req, upstreamDecodeError(err))
		return
	}
	uri := reply.URI
	if uri == "" {
		uri = reply.URL
	}
	writeJSON(w, http.StatusOK, map[string]string{"uri": uri})
}

func (r *Router) handleEventsRegister(w http.ResponseWriter, req *http.Request) {
	creds, err := r.upstreamCreds(req.Context())
	if err != nil {
		r.writeError(w, req, err)
		return
	}

	q, err := r.upstream.Register(req.Context(), creds, upstream.RegisterOptions{EventTypes: clientEventTypes})
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue_id": q.ID, "last_event_id": q.LastEventID})
}

func streamIDParam(req *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(req, "streamID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid stream id", common.ErrorValidation)
	}
	return id, nil
}

// parseMessagesQuery accepts both camelCase and snake_case parameter names.
func parseMessagesQuery(v url.Values) (validation.MessagesQuery, error) {
	q := validation.MessagesQuery{
		Topic:     v.Get("topic"),
		Anchor:    firstOf(v, "anchor"),
		NumBefore: defaultNumBefore,
	}
	if q.Anchor == "" {
		q.Anchor = defaultAnchor
	}

	ints := []struct {
		names []string
		set   func(int64)
	}{
		{[]string{"streamId", "stream_id"}, func(n int64) { q.StreamID = n }},
		{[]string{"numBefore", "num_before"}, func(n int64) { q.NumBefore = int(n) }},
		{[]string{"numAfter", "num_after"}, func(n int64) { q.NumAfter = int(n) }},
	}
	for _, f := range ints {
		raw := firstOf(v, f.names...)
		if raw == "" {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return q, fmt.Errorf("%w: %s must be an integer", common.ErrorValidation, f.names[0])
		}
		f.set(n)
	}
	return q, nil
}

func firstOf(v url.Values, names ...string) string {
	for _, n := range names {
		if s := v.Get(n); s != "" {
			return s
		}
	}
	return ""
}
