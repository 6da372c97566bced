package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	chatdomain "coach_msg/server/chat/domain"
	commonlog "coach_msg/server/common/log"
	"coach_msg/server/fileman/domain"
	tenantdomain "coach_msg/server/tenantHub/domain"
)

const (
	DefaultMaxBytes = 25 << 20
	DefaultURLTTL   = 15 * time.Minute
	thumbnailSize   = 320
)

type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

type TenantDirectory interface {
	Tenant(ctx context.Context, id string) (tenantdomain.Tenant, error)
}

type MediaService struct {
	objects  ObjectStore
	tenants  TenantDirectory
	maxBytes int64
	urlTTL   time.Duration
	now      func() time.Time
}

func NewMediaService(objects ObjectStore, tenants TenantDirectory, maxBytes int64, urlTTL time.Duration) *MediaService {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if urlTTL <= 0 {
		urlTTL = DefaultURLTTL
	}
	return &MediaService{objects: objects, tenants: tenants, maxBytes: maxBytes, urlTTL: urlTTL, now: time.Now}
}

type UploadInput struct {
	TenantID     string
	UploaderID   string
	OriginalName string
	ContentType  string
	Body         io.Reader
}

// Upload stores the body under the tenant's media prefix. Images also get a
// JPEG thumbnail; a thumbnail failure does not fail the upload.
func (s *MediaService) Upload(ctx context.Context, in UploadInput) (domain.Media, error) {
	tenant, err := s.tenants.Tenant(ctx, in.TenantID)
	if err != nil {
		return domain.Media{}, err
	}
	if !tenant.Active() {
		return domain.Media{}, tenantdomain.ErrSuspended
	}
	kind := domain.KindFor(in.ContentType)
	if kind == chatdomain.MediaAudio && !tenant.Features.Audio {
		return domain.Media{}, fmt.Errorf("%w: audio", domain.ErrFeatureDisabled)
	}
	if kind != chatdomain.MediaAudio && !tenant.Features.FileSharing {
		return domain.Media{}, fmt.Errorf("%w: file sharing", domain.ErrFeatureDisabled)
	}

	body, err := io.ReadAll(io.LimitReader(in.Body, s.maxBytes+1))
	if err != nil {
		return domain.Media{}, err
	}
	if len(body) == 0 {
		return domain.Media{}, domain.ErrEmpty
	}
	if int64(len(body)) > s.maxBytes {
		return domain.Media{}, domain.ErrTooLarge
	}

	ext := strings.ToLower(filepath.Ext(in.OriginalName))
	ref := domain.Prefix(in.TenantID) + uuid.NewString() + ext
	if err := s.objects.Put(ctx, ref, bytes.NewReader(body), int64(len(body)), in.ContentType); err != nil {
		return domain.Media{}, fmt.Errorf("upload media: %w", err)
	}
	media := domain.Media{
		Ref:          ref,
		Kind:         kind,
		TenantID:     in.TenantID,
		UploaderID:   in.UploaderID,
		ContentType:  in.ContentType,
		SizeBytes:    int64(len(body)),
		OriginalName: in.OriginalName,
		CreatedAt:    s.now().UTC(),
	}
	if kind == chatdomain.MediaImage {
		thumbRef, err := s.makeThumbnail(ctx, ref, body)
		if err != nil {
			commonlog.Warnf("event=media_thumbnail action=create status=failed tenant_id=%s ref=%s error=%v", in.TenantID, ref, err)
		} else {
			media.ThumbnailRef = thumbRef
		}
	}
	commonlog.Infof("event=media_upload action=put status=ok tenant_id=%s uploader_id=%s ref=%s kind=%s size=%d", in.TenantID, in.UploaderID, ref, kind, media.SizeBytes)
	return media, nil
}

func (s *MediaService) makeThumbnail(ctx context.Context, ref string, body []byte) (string, error) {
	img, err := imaging.Decode(bytes.NewReader(body), imaging.AutoOrientation(true))
	if err != nil {
		return "", err
	}
	thumb := imaging.Thumbnail(img, thumbnailSize, thumbnailSize, imaging.Lanczos)
	buf := bytes.NewBuffer(nil)
	if err := imaging.Encode(buf, thumb, imaging.JPEG); err != nil {
		return "", err
	}
	thumbRef := strings.TrimSuffix(ref, filepath.Ext(ref)) + "_thumb.jpg"
	if err := s.objects.Put(ctx, thumbRef, bytes.NewReader(buf.Bytes()), int64(buf.Len()), "image/jpeg"); err != nil {
		return "", fmt.Errorf("upload thumb: %w", err)
	}
	return thumbRef, nil
}

// PresignURL returns a short-lived download URL for a ref owned by tenantID.
func (s *MediaService) PresignURL(ctx context.Context, tenantID, ref string) (string, error) {
	ref = strings.TrimPrefix(strings.TrimSpace(ref), "/")
	if !domain.ValidRef(tenantID, ref) {
		return "", domain.ErrInvalidRef
	}
	return s.objects.PresignGet(ctx, ref, s.urlTTL)
}
