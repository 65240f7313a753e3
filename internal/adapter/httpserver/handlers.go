package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/lusterai/enhance/internal/config"
	"github.com/lusterai/enhance/internal/domain"
	"github.com/lusterai/enhance/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Shoots     usecase.ShootService
	Uploads    usecase.UploadService
	Jobs       usecase.JobService
	Credits    usecase.CreditService
	Billing    usecase.BillingService
	DBCheck    func(ctx context.Context) error
	StoreCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, shoots usecase.ShootService, uploads usecase.UploadService, jobs usecase.JobService, credits usecase.CreditService, billing usecase.BillingService, dbCheck, storeCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Shoots: shoots, Uploads: uploads, Jobs: jobs, Credits: credits, Billing: billing, DBCheck: dbCheck, StoreCheck: storeCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// decodeJSON decodes a capped JSON body into dst and runs struct validation.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument)
	}
	if err := getValidator().Struct(dst); err != nil {
		verrs := map[string]string{}
		if ve, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range ve {
				verrs[strings.ToLower(fe.Field())] = fe.Tag()
			}
		}
		return fmt.Errorf("%w: validation failed: %v", domain.ErrInvalidArgument, verrs)
	}
	return nil
}

// caller resolves the authenticated identity or writes a 401.
func caller(w http.ResponseWriter, r *http.Request) (domain.Identity, bool) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(w, r, fmt.Errorf("%w: no identity in context", domain.ErrUnauthenticated), nil)
	}
	return id, ok
}

type shootPayload struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status,omitempty"`
	Assets    int       `json:"asset_count"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateShootHandler handles POST /v1/shoots.
func (s *Server) CreateShootHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := caller(w, r)
		if !ok {
			return
		}
		var req struct {
			Name string `json:"name" validate:"required,max=255"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		shoot, err := s.Shoots.Create(r.Context(), id.UserID, req.Name)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, shootPayload{
			ID: shoot.ID, Name: shoot.Name, Status: "draft", CreatedAt: shoot.CreatedAt,
		})
	}
}

// ListShootsHandler handles GET /v1/shoots.
func (s *Server) ListShootsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := caller(w, r)
		if !ok {
			return
		}
		sums, err := s.Shoots.List(r.Context(), id.UserID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]shootPayload, 0, len(sums))
		for _, sum := range sums {
			out = append(out, shootPayload{
				ID:        sum.ID,
				Name:      sum.Name,
				Status:    usecase.ShootStatus(sum),
				Assets:    sum.AssetCount,
				CreatedAt: sum.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"shoots": out})
	}
}

type jobPayload struct {
	ID           string           `json:"id"`
	AssetID      string           `json:"asset_id"`
	Status       domain.JobStatus `json:"status"`
	Tier         domain.Tier      `json:"tier"`
	Prompt       string           `json:"prompt,omitempty"`
	CreditsUsed  int64            `json:"credits_used"`
	RetryCount   int              `json:"retry_count"`
	OutputURL    string           `json:"output_url,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
}

func toJobPayload(j domain.Job, outputURL string) jobPayload {
	return jobPayload{
		ID:           j.ID,
		AssetID:      j.AssetID,
		Status:       j.Status,
		Tier:         j.Tier,
		Prompt:       j.Prompt,
		CreditsUsed:  j.CreditsUsed,
		RetryCount:   j.RetryCount,
		OutputURL:    outputURL,
		ErrorMessage: j.ErrorMessage,
		CreatedAt:    j.CreatedAt,
		CompletedAt:  j.CompletedAt,
	}
}

// ListShootAssetsHandler handles GET /v1/shoots/{id}/assets.
func (s *Server) ListShootAssetsHandler() http.HandlerFunc {
	type assetPayload struct {
		ID          string       `json:"id"`
		Filename    string       `json:"filename"`
		DownloadURL string       `json:"download_url,omitempty"`
		Size        int64        `json:"size"`
		MIME        string       `json:"mime"`
		Jobs        []jobPayload `json:"jobs"`
		CreatedAt   time.Time    `json:"created_at"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := caller(w, r)
		if !ok {
			return
		}
		views, err := s.Shoots.ListAssets(r.Context(), id.UserID, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]assetPayload, 0, len(views))
		for _, v := range views {
			ap := assetPayload{
				ID:          v.Asset.ID,
				Filename:    v.Asset.Filename,
				DownloadURL: v.DownloadURL,
				Size:        v.Asset.Size,
				MIME:        v.Asset.MIME,
				Jobs:        make([]jobPayload, 0, len(v.Jobs)),
				CreatedAt:   v.Asset.CreatedAt,
			}
			for _, jv := range v.Jobs {
				ap.Jobs = append(ap.Jobs, toJobPayload(jv.Job, jv.OutputURL))
			}
			out = append(out, ap)
		}
		writeJSON(w, http.StatusOK, map[string]any{"assets": out})
	}
}

// DeleteShootHandler handles DELETE /v1/shoots/{id}.
func (s *Server) DeleteShootHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := caller(w, r)
		if !ok {
			return
		}
		deleted, err := s.Shoots.Delete(r.Context(), id.UserID, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"deleted": map[string]int{
				"assets":  deleted.Assets,
				"jobs":    deleted.Jobs,
				"objects": len(deleted.ObjectKeys),
			},
		})
	}
}

// PresignUploadHandler handles POST /v1/uploads/presign.
func (s *Server) PresignUploadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := caller(w, r)
		if !ok {
			return
		}
		var req struct {
			ShootID     string `json:"shoot_id" validate:"required"`
			Filename    string `json:"filename" validate:"required,max=255"`
			ContentType string `json:"content_type" validate:"required"`
			Size        int64  `json:"size" validate:"required,gt=0"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		presigned, err := s.Uploads.Presign(r.Context(), id.UserID, req.ShootID, req.Filename, req.ContentType, req.Size)
		if err != nil {
			writeError(w, r, err, map[string]any{"allowed_types": usecase.AllowedUploadTypes()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"asset_id":   presigned.AssetID,
			"object_key": presigned.Key,
			"upload_url": presigned.Upload.URL,
			"headers":    presigned.Upload.Headers,
			"expires_at": presigned.Upload.ExpiresAt,
		})
	}
}

// ConfirmUploadHandler handles POST /v1/uploads/confirm.
func (s *Server) ConfirmUploadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := caller(w, r)
		if !ok {
			return
		}
		var req struct {
			ShootID  string `json:"shoot_id" validate:"required"`
			AssetID  string `json:"asset_id" validate:"required"`
			Filename string `json:"filename" validate:"required,max=255"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		asset, err := s.Uploads.Confirm(r.Context(), id.UserID, req.ShootID, req.AssetID, req.Filename)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":         asset.ID,
			"shoot_id":   asset.ShootID,
			"filename":   asset.Filename,
			"object_key": asset.ObjectKey,
			"size":       asset.Size,
			"mime":       asset.MIME,
		})
	}
}

// CreateJobHandler handles POST /v1/jobs.
func (s *Server) CreateJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := caller(w, r)
		if !ok {
			return
		}
		var req struct {
			AssetID string `json:"asset_id" validate:"required"`
			Prompt  string `json:"prompt" validate:"required,max=2000"`
			Tier    string `json:"tier" validate:"omitempty,oneof=free premium"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		tier := domain.Tier(req.Tier)
		if req.Tier == "" {
			tier = domain.TierFree
		}
		job, err := s.Jobs.Create(r.Context(), id.UserID, req.AssetID, req.Prompt, tier)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobPayload(job, ""))
	}
}

// GetJobHandler handles GET /v1/jobs/{id}.
func (s *Server) GetJobHandler() http.HandlerFunc {
	type eventPayload struct {
		Type      string          `json:"type"`
		Details   json.RawMessage `json:"details"`
		CreatedAt time.Time       `json:"created_at"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := caller(w, r)
		if !ok {
			return
		}
		detail, err := s.Jobs.Get(r.Context(), id.UserID, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		events := make([]eventPayload, 0, len(detail.Events))
		for _, ev := range detail.Events {
			details := json.RawMessage(ev.Details)
			if len(details) == 0 {
				details = json.RawMessage("{}")
			}
			events = append(events, eventPayload{Type: ev.Type, Details: details, CreatedAt: ev.CreatedAt})
		}
		payload := toJobPayload(detail.Job, detail.OutputURL)
		writeJSON(w, http.StatusOK, map[string]any{"job": payload, "events": events})
	}
}

// RefundJobHandler handles POST /v1/jobs/{id}/refund.
func (s *Server) RefundJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := caller(w, r)
		if !ok {
			return
		}
		res, err := s.Jobs.Refund(r.Context(), id.UserID, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":          true,
			"credits_refunded": res.CreditsRefunded,
			"new_balance":      res.NewBalance,
		})
	}
}

// CreditsHandler handles GET /v1/credits.
func (s *Server) CreditsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := caller(w, r)
		if !ok {
			return
		}
		balance, err := s.Credits.Balance(r.Context(), id.UserID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"balance": balance})
	}
}

// ReadyzHandler probes the database and the object store.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 2)
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		if s.StoreCheck != nil {
			if err := s.StoreCheck(ctx); err != nil {
				checks = append(checks, check{Name: "store", Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "store", OK: true})
			}
		}
		st := http.StatusOK
		for _, c := range checks {
			if !c.OK {
				st = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
