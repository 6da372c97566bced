package domain

import (
	"fmt"
	"strings"
)

func MessageKey(tenantID, messageID string) string {
	return fmt.Sprintf("tenant:%s:message:%s", tenantID, messageID)
}

// ConversationKey is symmetric in its two participants.
func ConversationKey(tenantID, a, b string) string {
	x, y := OrderedPair(a, b)
	return fmt.Sprintf("tenant:%s:conversation:%s:%s", tenantID, x, y)
}

// GroupTimelineKey holds every message sent to a group recipient.
func GroupTimelineKey(tenantID, group string) string {
	name := strings.TrimPrefix(group, "group:")
	if group == RecipientAll {
		name = "all"
	}
	return fmt.Sprintf("tenant:%s:timeline:%s", tenantID, name)
}

// TimelineKey is the timeline a message between a and b is indexed under:
// the group timeline when either side is a group, else the pair's
// conversation.
func TimelineKey(tenantID, a, b string) string {
	switch {
	case isGroup(b):
		return GroupTimelineKey(tenantID, b)
	case isGroup(a):
		return GroupTimelineKey(tenantID, a)
	}
	return ConversationKey(tenantID, a, b)
}

func UndeliveredKey(tenantID, userID string) string {
	return fmt.Sprintf("tenant:%s:undelivered:%s", tenantID, userID)
}

func PresenceKey(tenantID, userID string) string {
	return fmt.Sprintf("tenant:%s:presence:%s", tenantID, userID)
}

func PublishedKey(tenantID, messageID string) string {
	return fmt.Sprintf("tenant:%s:published:%s", tenantID, messageID)
}

func UserChannel(tenantID, userID string) string {
	return fmt.Sprintf("tenant:%s:user:%s", tenantID, userID)
}

func ConversationChannel(tenantID, a, b string) string {
	x, y := OrderedPair(a, b)
	return fmt.Sprintf("tenant:%s:conversation:%s:%s", tenantID, x, y)
}

func BroadcastChannel(tenantID string) string {
	return fmt.Sprintf("tenant:%s:broadcast", tenantID)
}

func CoachesChannel(tenantID string) string {
	return fmt.Sprintf("tenant:%s:coaches", tenantID)
}

func OrderedPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}
