package domain

import (
	"fmt"
	"strings"
	"time"
)

type MessageType string

const (
	TypeDirect       MessageType = "direct"
	TypeBroadcast    MessageType = "broadcast"
	TypeNotification MessageType = "notification"
)

var MessageTypes = []MessageType{TypeDirect, TypeBroadcast, TypeNotification}

func (t MessageType) Valid() bool {
	switch t {
	case TypeDirect, TypeBroadcast, TypeNotification:
		return true
	}
	return false
}

// Status only moves forward: sent, delivered, read.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

func (s Status) Valid() bool {
	return s.Rank() > 0
}

// Group recipients.
const (
	RecipientAll     = "*"
	RecipientCoaches = "group:coaches"
)

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaImage MediaKind = "image"
	MediaFile  MediaKind = "file"
)

type Message struct {
	ID          string      `json:"id"`
	TenantID    string      `json:"tenantId"`
	Type        MessageType `json:"type"`
	SenderID    string      `json:"senderId"`
	RecipientID string      `json:"recipientId"`
	Content     string      `json:"content,omitempty"`
	MediaRef    string      `json:"mediaRef,omitempty"`
	MediaKind   MediaKind   `json:"mediaKind,omitempty"`
	ClientMsgID string      `json:"clientMsgId,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
	Status      Status      `json:"status"`
	ReadBy      string      `json:"readBy,omitempty"`
	ReadAt      *time.Time  `json:"readAt,omitempty"`
}

// Validate checks the closed union of message shapes.
func (m Message) Validate() error {
	if strings.TrimSpace(m.TenantID) == "" {
		return fmt.Errorf("%w: tenantId is required", ErrInvalidMessage)
	}
	if strings.TrimSpace(m.SenderID) == "" {
		return fmt.Errorf("%w: senderId is required", ErrInvalidMessage)
	}
	if strings.TrimSpace(m.RecipientID) == "" {
		return fmt.Errorf("%w: recipientId is required", ErrInvalidMessage)
	}
	if strings.TrimSpace(m.Content) == "" && strings.TrimSpace(m.MediaRef) == "" {
		return fmt.Errorf("%w: content or mediaRef is required", ErrInvalidMessage)
	}
	switch m.Type {
	case TypeDirect:
		if isGroup(m.RecipientID) {
			return fmt.Errorf("%w: direct message needs a user recipient", ErrInvalidMessage)
		}
		if m.RecipientID == m.SenderID {
			return fmt.Errorf("%w: cannot message yourself", ErrInvalidMessage)
		}
	case TypeBroadcast:
		if m.RecipientID != RecipientAll && m.RecipientID != RecipientCoaches {
			return fmt.Errorf("%w: broadcast recipient must be %q or %q", ErrInvalidMessage, RecipientAll, RecipientCoaches)
		}
	case TypeNotification:
		if isGroup(m.RecipientID) && m.RecipientID != RecipientCoaches {
			return fmt.Errorf("%w: notification recipient must be a user or %q", ErrInvalidMessage, RecipientCoaches)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	if m.MediaKind != "" && m.MediaKind != MediaAudio && m.MediaKind != MediaImage && m.MediaKind != MediaFile {
		return fmt.Errorf("%w: unknown mediaKind %q", ErrInvalidMessage, m.MediaKind)
	}
	return nil
}

// UserRecipient reports whether the message targets a single user.
func (m Message) UserRecipient() bool {
	return !isGroup(m.RecipientID)
}

// Visible reports whether userID may see the message.
func (m Message) Visible(userID string, coach bool) bool {
	if userID == m.SenderID || userID == m.RecipientID {
		return true
	}
	switch m.RecipientID {
	case RecipientAll:
		return true
	case RecipientCoaches:
		return coach
	}
	return false
}

// Readable reports whether userID may acknowledge the message as read.
func (m Message) Readable(userID string, coach bool) bool {
	return userID != m.SenderID && m.Visible(userID, coach)
}

func (m Message) Size() int64 {
	return int64(len(m.Content) + len(m.MediaRef))
}

func isGroup(recipient string) bool {
	return recipient == RecipientAll || strings.HasPrefix(recipient, "group:")
}

type EventKind string

const (
	EventMessage     EventKind = "message"
	EventReadReceipt EventKind = "read_receipt"
	EventTyping      EventKind = "typing"
)

// Event is the fan-out envelope carried on pub/sub channels.
type Event struct {
	Kind     EventKind    `json:"kind"`
	TenantID string       `json:"tenantId"`
	Message  *Message     `json:"message,omitempty"`
	Receipt  *ReadReceipt `json:"receipt,omitempty"`
	Typing   *Typing      `json:"typing,omitempty"`
}

type ReadReceipt struct {
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

type Typing struct {
	UserID         string `json:"userId"`
	RecipientID    string `json:"recipientId"`
	ConversationID string `json:"conversationId"`
}

// UndeliveredEvent is published on the integration bus when a message is
// parked for an offline recipient.
type UndeliveredEvent struct {
	MessageID   string      `json:"messageId"`
	TenantID    string      `json:"tenantId"`
	RecipientID string      `json:"recipientId"`
	SenderID    string      `json:"senderId"`
	Type        MessageType `json:"type"`
	Timestamp   time.Time   `json:"timestamp"`
}
