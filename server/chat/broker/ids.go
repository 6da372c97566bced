package broker

import (
	"encoding/hex"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// NewMessageID returns a time-ordered UUIDv7. When the client supplied its
// own message id the result is derived from it instead, so a resent message
// maps to the same record.
func NewMessageID(tenantID, senderID, clientMsgID string) string {
	if clientMsgID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return uuid.NewString()
		}
		return id.String()
	}
	sum := blake2b.Sum256([]byte(tenantID + "|" + senderID + "|" + clientMsgID))
	return hex.EncodeToString(sum[:16])
}
