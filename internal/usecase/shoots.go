// Package usecase contains application business logic services.
package usecase

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lusterai/enhance/internal/domain"
)

// ShootService orchestrates shoot lifecycle operations.
type ShootService struct {
	Shoots     domain.ShootRepository
	Assets     domain.AssetRepository
	Store      domain.ObjectStore
	PresignTTL time.Duration
}

// NewShootService constructs a ShootService with its dependencies.
func NewShootService(sh domain.ShootRepository, a domain.AssetRepository, st domain.ObjectStore, presignTTL time.Duration) ShootService {
	return ShootService{Shoots: sh, Assets: a, Store: st, PresignTTL: presignTTL}
}

// Create validates the name and inserts the shoot.
func (s ShootService) Create(ctx domain.Context, userID, name string) (domain.Shoot, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > 255 {
		return domain.Shoot{}, fmt.Errorf("%w: shoot name must be 1-255 characters", domain.ErrInvalidArgument)
	}
	return s.Shoots.Create(ctx, domain.Shoot{UserID: userID, Name: name})
}

// List returns the caller's shoots with job status aggregates.
func (s ShootService) List(ctx domain.Context, userID string) ([]domain.ShootSummary, error) {
	return s.Shoots.ListByUser(ctx, userID)
}

// ShootStatus derives a coarse shoot status from its job status counts.
func ShootStatus(sum domain.ShootSummary) string {
	total := 0
	for _, n := range sum.JobStatuses {
		total += n
	}
	switch {
	case total == 0:
		return "draft"
	case sum.JobStatuses[domain.JobQueued] > 0 || sum.JobStatuses[domain.JobProcessing] > 0:
		return "in_progress"
	case sum.JobStatuses[domain.JobFailed] == total:
		return "failed"
	default:
		return "completed"
	}
}

// AssetView is an asset with its presigned original URL and job history.
type AssetView struct {
	Asset       domain.Asset
	DownloadURL string
	Jobs        []JobView
}

// JobView pairs a job with its presigned output URL when one exists.
type JobView struct {
	Job       domain.Job
	OutputURL string
}

// ListAssets returns a shoot's assets with download URLs and their jobs.
// Presign failures leave the URL empty rather than failing the listing.
func (s ShootService) ListAssets(ctx domain.Context, userID, shootID string) ([]AssetView, error) {
	if _, err := s.Shoots.Get(ctx, shootID, userID); err != nil {
		return nil, err
	}
	assets, err := s.Assets.ListByShoot(ctx, shootID, userID)
	if err != nil {
		return nil, err
	}
	views := make([]AssetView, 0, len(assets))
	for _, a := range assets {
		view := AssetView{Asset: a}
		if a.ObjectKey != "" {
			url, err := s.Store.PresignDownload(ctx, a.ObjectKey, s.PresignTTL, a.Filename)
			if err != nil {
				slog.Warn("presign original failed", slog.String("asset_id", a.ID), slog.Any("error", err))
			} else {
				view.DownloadURL = url
			}
		}
		jobs, err := s.Assets.ListJobs(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		for _, j := range jobs {
			jv := JobView{Job: j}
			if j.Status == domain.JobSucceeded && j.OutputKey != "" {
				url, err := s.Store.PresignDownload(ctx, j.OutputKey, s.PresignTTL, "")
				if err != nil {
					slog.Warn("presign output failed", slog.String("job_id", j.ID), slog.Any("error", err))
				} else {
					jv.OutputURL = url
				}
			}
			view.Jobs = append(view.Jobs, jv)
		}
		views = append(views, view)
	}
	return views, nil
}

// Delete removes a shoot and its rows, then clears the store best-effort.
// The database cascade is authoritative; a failed store cleanup is logged and
// does not undo the deletion.
func (s ShootService) Delete(ctx domain.Context, userID, shootID string) (domain.DeletedShoot, error) {
	deleted, err := s.Shoots.Delete(ctx, shootID, userID)
	if err != nil {
		return domain.DeletedShoot{}, err
	}
	if len(deleted.ObjectKeys) > 0 {
		if err := s.Store.DeleteAll(ctx, deleted.ObjectKeys); err != nil {
			slog.Warn("shoot store cleanup failed",
				slog.String("shoot_id", shootID),
				slog.Int("keys", len(deleted.ObjectKeys)),
				slog.Any("error", err))
		}
	}
	return deleted, nil
}
