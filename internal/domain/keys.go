package domain

import (
	"fmt"
	"path"
	"strings"
)

// Object keys follow a fixed layout under the owning user's prefix:
//
//	{user}/{shoot}/{asset}/original{ext}
//	{user}/{shoot}/{asset}/outputs/{job}.jpg
//
// No two writers ever target the same key: originals are written once by the
// client upload, outputs once per job id.

// OriginalKey builds the storage key for a source image.
func OriginalKey(userID, shootID, assetID, filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if ext == "" {
		ext = ".jpg"
	}
	return fmt.Sprintf("%s/%s/%s/original%s", userID, shootID, assetID, ext)
}

// OutputKey builds the storage key for a job's enhanced image.
func OutputKey(userID, shootID, assetID, jobID string) string {
	return fmt.Sprintf("%s/%s/%s/outputs/%s.jpg", userID, shootID, assetID, jobID)
}

// ShootPrefix is the store prefix removed when a shoot is deleted.
func ShootPrefix(userID, shootID string) string {
	return fmt.Sprintf("%s/%s/", userID, shootID)
}
