package gateway

import (
	"encoding/json"
	"errors"
	"time"

	"coach_msg/server/chat/domain"
)

// Connection-level event types.
const (
	EventAuthenticate  = "authenticate"
	EventAuthenticated = "authenticated"
	EventAuthError     = "auth_error"
	EventMessage       = "message"
	EventMessageSent   = "message_sent"
	EventMessageError  = "message_error"
	EventReadReceipt   = "read_receipt"
	EventTyping        = "typing"
	EventPing          = "ping"
	EventPong          = "pong"
	EventError         = "error"
)

// Error codes carried by error and message_error events.
const (
	CodeBadRequest       = "bad_request"
	CodeNotAuthenticated = "not_authenticated"
	CodeAlreadyAuthed    = "already_authenticated"
	CodeInvalidMessage   = "invalid_message"
	CodeForbidden        = "forbidden"
	CodeNotFound         = "not_found"
	CodeUnavailable      = "unavailable"
	CodeInternal         = "internal"
	CodeUnknownEvent     = "unknown_event"
)

type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outgoing struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type AuthenticatePayload struct {
	Token string `json:"token"`
}

type AuthenticatedPayload struct {
	UserID   string `json:"userId"`
	TenantID string `json:"tenantId"`
	UserType string `json:"userType"`
}

type AuthErrorPayload struct {
	Reason string `json:"reason"`
}

// SendPayload is an outbound message from a client. ID is the client's own
// message id and is echoed back in message_sent or message_error.
type SendPayload struct {
	ID          string             `json:"id"`
	Type        domain.MessageType `json:"type,omitempty"`
	RecipientID string             `json:"recipientId"`
	Content     string             `json:"content,omitempty"`
	MediaRef    string             `json:"mediaRef,omitempty"`
	MediaKind   domain.MediaKind   `json:"mediaKind,omitempty"`
}

type MessageSentPayload struct {
	ID        string    `json:"id"`
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}

type MessageErrorPayload struct {
	ID    string `json:"id"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

type ReadReceiptPayload struct {
	MessageID string `json:"messageId"`
}

type TypingPayload struct {
	RecipientID    string `json:"recipientId"`
	ConversationID string `json:"conversationId"`
}

type TypingEventPayload struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func encode(typ string, payload any) []byte {
	b, err := json.Marshal(outgoing{Type: typ, Payload: payload})
	if err != nil {
		b, _ = json.Marshal(outgoing{Type: EventError, Payload: ErrorPayload{Code: CodeInternal, Message: err.Error()}})
	}
	return b
}

func errorFrame(code, message string) []byte {
	return encode(EventError, ErrorPayload{Code: code, Message: message})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidMessage):
		return CodeInvalidMessage
	case errors.Is(err, domain.ErrForbidden):
		return CodeForbidden
	case errors.Is(err, domain.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, domain.ErrNotAuthenticated):
		return CodeNotAuthenticated
	case errors.Is(err, domain.ErrTransientBroker):
		return CodeUnavailable
	}
	return CodeInternal
}
