package domain

import (
	"errors"
	"path"
	"strings"
	"time"

	chatdomain "coach_msg/server/chat/domain"
)

var (
	ErrInvalidRef      = errors.New("invalid media reference")
	ErrFeatureDisabled = errors.New("media feature is disabled for tenant")
	ErrTooLarge        = errors.New("media exceeds size limit")
	ErrEmpty           = errors.New("media is empty")
)

// Media is an uploaded attachment. Ref is the object key messages carry in
// mediaRef.
type Media struct {
	Ref          string               `json:"mediaRef"`
	ThumbnailRef string               `json:"thumbnailRef,omitempty"`
	Kind         chatdomain.MediaKind `json:"mediaKind"`
	TenantID     string               `json:"tenantId"`
	UploaderID   string               `json:"uploaderId"`
	ContentType  string               `json:"contentType"`
	SizeBytes    int64                `json:"sizeBytes"`
	OriginalName string               `json:"originalName"`
	CreatedAt    time.Time            `json:"createdAt"`
}

func Prefix(tenantID string) string {
	return "tenants/" + tenantID + "/media/"
}

// KindFor classifies a content type.
func KindFor(contentType string) chatdomain.MediaKind {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case strings.HasPrefix(ct, "audio/"):
		return chatdomain.MediaAudio
	case strings.HasPrefix(ct, "image/"):
		return chatdomain.MediaImage
	}
	return chatdomain.MediaFile
}

// ValidRef reports whether ref is a clean key under the tenant's prefix.
func ValidRef(tenantID, ref string) bool {
	if tenantID == "" || ref == "" {
		return false
	}
	if path.Clean(ref) != ref || strings.Contains(ref, "..") {
		return false
	}
	return strings.HasPrefix(ref, Prefix(tenantID)) && len(ref) > len(Prefix(tenantID))
}
