// Package validation holds the HTTP request bodies accepted by the server
// together with their field rules.
package validation

import (
	"errors"
	"fmt"

	"github.com/dmitrijs2005/chatgate/internal/common"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

const (
	MaxEmailLength    = 256
	MinPasswordLength = 8
	MaxPasswordLength = 128
	MinZulipToken     = 10
	MaxZulipToken     = 256
	MaxInviteCode     = 128
	MaxTopicLength    = 200
	MaxContentLength  = 5000
	MinRefreshToken   = 32
	MaxHistoryWindow  = 1000
	MaxImageBytes     = 10 << 20
)

// AllowedImageTypes lists the content types accepted by the image upload.
var AllowedImageTypes = []any{"image/jpeg", "image/jpg", "image/png", "image/gif", "image/webp"}

var emailRules = []validation.Rule{
	validation.Required,
	is.EmailFormat,
	validation.Length(0, MaxEmailLength),
}

type RegisterRequest struct {
	InviteCode string `json:"invite_code"`
	Email      string `json:"email"`
	Password   string `json:"password"`
	ZulipEmail string `json:"zulip_email"`
	ZulipToken string `json:"zulip_token"`
}

func (r RegisterRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.InviteCode, validation.Required, validation.Length(0, MaxInviteCode)),
		validation.Field(&r.Email, emailRules...),
		validation.Field(&r.Password, validation.Required, validation.Length(MinPasswordLength, MaxPasswordLength)),
		validation.Field(&r.ZulipEmail, emailRules...),
		validation.Field(&r.ZulipToken, validation.Required, validation.Length(MinZulipToken, MaxZulipToken)),
	)
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r LoginRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, emailRules...),
		validation.Field(&r.Password, validation.Required, validation.Length(MinPasswordLength, MaxPasswordLength)),
	)
}

// RefreshRequest is used by both refresh and logout.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (r RefreshRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.RefreshToken, validation.Required, validation.Length(MinRefreshToken, 0)),
	)
}

type UpdateZulipRequest struct {
	ZulipEmail string `json:"zulip_email"`
	ZulipToken string `json:"zulip_token"`
}

func (r UpdateZulipRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ZulipEmail, emailRules...),
		validation.Field(&r.ZulipToken, validation.Required, validation.Length(MinZulipToken, MaxZulipToken)),
	)
}

// SendMessageRequest posts to a stream topic. StreamName, when set, is used
// as the recipient instead of StreamID.
type SendMessageRequest struct {
	StreamID   int64  `json:"stream_id"`
	StreamName string `json:"stream_name,omitempty"`
	Topic      string `json:"topic"`
	Content    string `json:"content"`
}

func (r SendMessageRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.StreamID, validation.Required, validation.Min(int64(1))),
		validation.Field(&r.Topic, validation.Required, validation.Length(0, MaxTopicLength)),
		validation.Field(&r.Content, validation.Required, validation.Length(0, MaxContentLength)),
	)
}

// MarkReadRequest is the list of message ids to flag as read.
type MarkReadRequest []int64

func (r MarkReadRequest) Validate() error {
	return validation.Validate([]int64(r), validation.Required, validation.Each(validation.Min(int64(1))))
}

// MessagesQuery narrows a message history fetch to one stream topic.
type MessagesQuery struct {
	StreamID  int64  `json:"stream_id"`
	Topic     string `json:"topic"`
	Anchor    string `json:"anchor"`
	NumBefore int    `json:"num_before"`
	NumAfter  int    `json:"num_after"`
}

func (q MessagesQuery) Validate() error {
	return validation.ValidateStruct(&q,
		validation.Field(&q.StreamID, validation.Required, validation.Min(int64(1))),
		validation.Field(&q.Topic, validation.Required, validation.Length(0, MaxTopicLength)),
		validation.Field(&q.NumBefore, validation.Min(0), validation.Max(MaxHistoryWindow)),
		validation.Field(&q.NumAfter, validation.Min(0), validation.Max(MaxHistoryWindow)),
	)
}

// ImageUpload describes an uploaded file before it is forwarded.
type ImageUpload struct {
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

func (u ImageUpload) Validate() error {
	return validation.ValidateStruct(&u,
		validation.Field(&u.ContentType, validation.Required, validation.In(AllowedImageTypes...)),
		validation.Field(&u.Size, validation.Required, validation.Max(int64(MaxImageBytes))),
	)
}

// Error is a failed validation. It unwraps to common.ErrorValidation.
type Error struct {
	Fields map[string]string
	msg    string
}

func (e *Error) Error() string { return e.msg }
func (e *Error) Unwrap() error { return common.ErrorValidation }

// Check runs v.Validate and converts rule failures into *Error. Internal
// rule errors are returned wrapped in common.ErrorInternal.
func Check(v validation.Validatable) error {
	err := v.Validate()
	if err == nil {
		return nil
	}

	var internal validation.InternalError
	if errors.As(err, &internal) {
		return fmt.Errorf("%w: %v", common.ErrorInternal, err)
	}

	out := &Error{Fields: map[string]string{}, msg: err.Error()}
	var fields validation.Errors
	if errors.As(err, &fields) {
		for name, ferr := range fields {
			out.Fields[name] = ferr.Error()
		}
	} else {
		out.Fields["body"] = err.Error()
	}
	return out
}
