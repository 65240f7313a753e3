package usecase

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lusterai/enhance/internal/domain"
)

// allowedUploadTypes are the source content types accepted for presigning.
var allowedUploadTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/heic": true,
	"image/heif": true,
}

// AllowedUploadTypes lists the accepted content types for error responses.
func AllowedUploadTypes() []string {
	return []string{"image/jpeg", "image/png", "image/webp", "image/heic", "image/heif"}
}

// UploadService issues presigned upload URLs and confirms completed uploads.
type UploadService struct {
	Shoots     domain.ShootRepository
	Assets     domain.AssetRepository
	Store      domain.ObjectStore
	PresignTTL time.Duration
	MaxBytes   int64
}

// NewUploadService constructs an UploadService with its dependencies.
func NewUploadService(sh domain.ShootRepository, a domain.AssetRepository, st domain.ObjectStore, presignTTL time.Duration, maxBytes int64) UploadService {
	return UploadService{Shoots: sh, Assets: a, Store: st, PresignTTL: presignTTL, MaxBytes: maxBytes}
}

// PresignedAsset carries the upload credentials for one new asset.
type PresignedAsset struct {
	AssetID string
	Key     string
	Upload  domain.PresignedUpload
}

// Presign allocates an asset id and returns a presigned PUT for its original.
// The declared size is validated against the upload cap and signed into the
// URL, so the store rejects a body of any other length. No row is written
// yet; the asset exists only after Confirm.
func (s UploadService) Presign(ctx domain.Context, userID, shootID, filename, contentType string, size int64) (PresignedAsset, error) {
	if filename == "" {
		return PresignedAsset{}, fmt.Errorf("%w: filename required", domain.ErrInvalidArgument)
	}
	if !allowedUploadTypes[contentType] {
		return PresignedAsset{}, fmt.Errorf("%w: unsupported content type %q", domain.ErrInvalidArgument, contentType)
	}
	if size <= 0 {
		return PresignedAsset{}, fmt.Errorf("%w: size must be positive", domain.ErrInvalidArgument)
	}
	if s.MaxBytes > 0 && size > s.MaxBytes {
		return PresignedAsset{}, fmt.Errorf("%w: file is %d bytes, limit %d", domain.ErrInvalidArgument, size, s.MaxBytes)
	}
	if _, err := s.Shoots.Get(ctx, shootID, userID); err != nil {
		return PresignedAsset{}, err
	}

	assetID := uuid.New().String()
	key := domain.OriginalKey(userID, shootID, assetID, filename)
	upload, err := s.Store.PresignUpload(ctx, key, contentType, size, s.PresignTTL)
	if err != nil {
		return PresignedAsset{}, err
	}
	return PresignedAsset{AssetID: assetID, Key: key, Upload: upload}, nil
}

// Confirm verifies the uploaded object and writes the asset row. The key is
// recomputed from the caller's identifiers, never trusted from the request.
func (s UploadService) Confirm(ctx domain.Context, userID, shootID, assetID, filename string) (domain.Asset, error) {
	if assetID == "" || filename == "" {
		return domain.Asset{}, fmt.Errorf("%w: asset_id and filename required", domain.ErrInvalidArgument)
	}
	if _, err := s.Shoots.Get(ctx, shootID, userID); err != nil {
		return domain.Asset{}, err
	}

	key := domain.OriginalKey(userID, shootID, assetID, filename)
	info, err := s.Store.Stat(ctx, key)
	if err != nil {
		return domain.Asset{}, fmt.Errorf("upload not found at %s: %w", key, domain.ErrFailedPrecondition)
	}
	if s.MaxBytes > 0 && info.Size > s.MaxBytes {
		return domain.Asset{}, fmt.Errorf("%w: object is %d bytes, limit %d", domain.ErrInvalidArgument, info.Size, s.MaxBytes)
	}

	return s.Assets.Create(ctx, domain.Asset{
		ID:        assetID,
		ShootID:   shootID,
		UserID:    userID,
		Filename:  filename,
		ObjectKey: key,
		Size:      info.Size,
		MIME:      info.ContentType,
	})
}
