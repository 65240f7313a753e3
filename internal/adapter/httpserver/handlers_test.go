package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lusterai/enhance/internal/adapter/httpserver"
	"github.com/lusterai/enhance/internal/config"
	"github.com/lusterai/enhance/internal/domain"
	"github.com/lusterai/enhance/internal/usecase"
)

// stubShoots is a minimal ShootRepository for handler tests.
type stubShoots struct {
	mu     sync.Mutex
	shoots map[string]domain.Shoot
}

func newStubShoots() *stubShoots { return &stubShoots{shoots: map[string]domain.Shoot{}} }

func (s *stubShoots) Create(_ domain.Context, sh domain.Shoot) (domain.Shoot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh.ID = fmt.Sprintf("shoot-%d", len(s.shoots)+1)
	sh.CreatedAt = time.Now()
	s.shoots[sh.ID] = sh
	return sh, nil
}

func (s *stubShoots) Get(_ domain.Context, id, userID string) (domain.Shoot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shoots[id]
	if !ok || sh.UserID != userID {
		return domain.Shoot{}, fmt.Errorf("shoot %s: %w", id, domain.ErrNotFound)
	}
	return sh, nil
}

func (s *stubShoots) ListByUser(_ domain.Context, userID string) ([]domain.ShootSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ShootSummary
	for _, sh := range s.shoots {
		if sh.UserID == userID {
			out = append(out, domain.ShootSummary{Shoot: sh, JobStatuses: map[domain.JobStatus]int{}})
		}
	}
	return out, nil
}

func (s *stubShoots) Delete(_ domain.Context, id, userID string) (domain.DeletedShoot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shoots[id]
	if !ok || sh.UserID != userID {
		return domain.DeletedShoot{}, fmt.Errorf("shoot %s: %w", id, domain.ErrNotFound)
	}
	delete(s.shoots, id)
	return domain.DeletedShoot{}, nil
}

// stubAssets satisfies domain.AssetRepository where the test does not exercise it.
type stubAssets struct{}

func (stubAssets) Create(_ domain.Context, a domain.Asset) (domain.Asset, error) { return a, nil }
func (stubAssets) Get(_ domain.Context, id, _ string) (domain.Asset, error) {
	return domain.Asset{}, fmt.Errorf("asset %s: %w", id, domain.ErrNotFound)
}
func (stubAssets) ListByShoot(_ domain.Context, _, _ string) ([]domain.Asset, error) {
	return nil, nil
}
func (stubAssets) ListJobs(_ domain.Context, _ string) ([]domain.Job, error) { return nil, nil }

// stubStore satisfies domain.ObjectStore with canned presigns.
type stubStore struct{}

func (stubStore) PresignUpload(_ domain.Context, key, contentType string, _ int64, ttl time.Duration) (domain.PresignedUpload, error) {
	return domain.PresignedUpload{
		URL:       "https://store.test/upload/" + key,
		Headers:   map[string]string{"Content-Type": contentType},
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}
func (stubStore) PresignDownload(_ domain.Context, key string, _ time.Duration, _ string) (string, error) {
	return "https://store.test/download/" + key, nil
}
func (stubStore) Stat(_ domain.Context, key string) (domain.ObjectInfo, error) {
	return domain.ObjectInfo{}, fmt.Errorf("object %s: %w", key, domain.ErrNotFound)
}
func (stubStore) Get(_ domain.Context, _ string) (io.ReadCloser, error) {
	return nil, domain.ErrNotFound
}
func (stubStore) Put(_ domain.Context, _ string, _ io.Reader, _ string, _ map[string]string) error {
	return nil
}
func (stubStore) Delete(_ domain.Context, _ string) error       { return nil }
func (stubStore) DeleteAll(_ domain.Context, _ []string) error  { return nil }
func (stubStore) Ping(_ domain.Context) error                   { return nil }

func newTestServer(shoots *stubShoots) *httpserver.Server {
	shootSvc := usecase.NewShootService(shoots, stubAssets{}, stubStore{}, time.Hour)
	uploadSvc := usecase.NewUploadService(shoots, stubAssets{}, stubStore{}, time.Hour, 1024)
	return httpserver.NewServer(config.Config{MaxUploadMB: 1}, shootSvc, uploadSvc,
		usecase.JobService{}, usecase.CreditService{}, usecase.BillingService{}, nil, nil)
}

// asUser wraps a handler with a fixed authenticated identity.
func asUser(userID string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := httpserver.ContextWithIdentity(r.Context(), domain.Identity{UserID: userID})
		h(w, r.WithContext(ctx))
	}
}

func TestCreateShootHandler(t *testing.T) {
	srv := newTestServer(newStubShoots())
	body := bytes.NewBufferString(`{"name":"12 Elm Street"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/shoots", body)
	rec := httptest.NewRecorder()

	asUser("user-1", srv.CreateShootHandler())(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, "12 Elm Street", got.Name)
	assert.Equal(t, "draft", got.Status)
}

func TestCreateShootHandlerValidation(t *testing.T) {
	srv := newTestServer(newStubShoots())

	for name, body := range map[string]string{
		"missing name": `{}`,
		"blank name":   `{"name":"   "}`,
		"bad json":     `{`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/v1/shoots", bytes.NewBufferString(body))
		rec := httptest.NewRecorder()
		asUser("user-1", srv.CreateShootHandler())(rec, req)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, name)

		var envelope struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope), name)
		assert.Equal(t, "INVALID_ARGUMENT", envelope.Error.Code, name)
	}
}

func TestCreateShootHandlerUnauthenticated(t *testing.T) {
	srv := newTestServer(newStubShoots())
	req := httptest.NewRequest(http.MethodPost, "/v1/shoots", bytes.NewBufferString(`{"name":"x"}`))
	rec := httptest.NewRecorder()

	srv.CreateShootHandler()(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListShootsHandler(t *testing.T) {
	shoots := newStubShoots()
	_, err := shoots.Create(context.Background(), domain.Shoot{UserID: "user-1", Name: "Elm"})
	require.NoError(t, err)
	_, err = shoots.Create(context.Background(), domain.Shoot{UserID: "user-2", Name: "Oak"})
	require.NoError(t, err)
	srv := newTestServer(shoots)

	req := httptest.NewRequest(http.MethodGet, "/v1/shoots", nil)
	rec := httptest.NewRecorder()
	asUser("user-1", srv.ListShootsHandler())(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Shoots []struct {
			Name string `json:"name"`
		} `json:"shoots"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Shoots, 1, "only the caller's shoots")
	assert.Equal(t, "Elm", got.Shoots[0].Name)
}

func TestDeleteShootHandlerCrossUser(t *testing.T) {
	shoots := newStubShoots()
	sh, err := shoots.Create(context.Background(), domain.Shoot{UserID: "user-1", Name: "Elm"})
	require.NoError(t, err)
	srv := newTestServer(shoots)

	req := httptest.NewRequest(http.MethodDelete, "/v1/shoots/"+sh.ID, nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", sh.ID)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	rec := httptest.NewRecorder()

	asUser("user-2", srv.DeleteShootHandler())(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPresignUploadHandler(t *testing.T) {
	shoots := newStubShoots()
	sh, err := shoots.Create(context.Background(), domain.Shoot{UserID: "user-1", Name: "Elm"})
	require.NoError(t, err)
	srv := newTestServer(shoots)

	body := fmt.Sprintf(`{"shoot_id":%q,"filename":"kitchen.jpg","content_type":"image/jpeg","size":512}`, sh.ID)
	req := httptest.NewRequest(http.MethodPost, "/v1/uploads/presign", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	asUser("user-1", srv.PresignUploadHandler())(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		AssetID   string            `json:"asset_id"`
		UploadURL string            `json:"upload_url"`
		Headers   map[string]string `json:"headers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.NotEmpty(t, got.AssetID)
	assert.Contains(t, got.UploadURL, "https://store.test/upload/user-1/"+sh.ID+"/")
	assert.Equal(t, "image/jpeg", got.Headers["Content-Type"])
}

func TestPresignUploadHandlerRejectsContentType(t *testing.T) {
	shoots := newStubShoots()
	sh, err := shoots.Create(context.Background(), domain.Shoot{UserID: "user-1", Name: "Elm"})
	require.NoError(t, err)
	srv := newTestServer(shoots)

	body := fmt.Sprintf(`{"shoot_id":%q,"filename":"doc.pdf","content_type":"application/pdf","size":512}`, sh.ID)
	req := httptest.NewRequest(http.MethodPost, "/v1/uploads/presign", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	asUser("user-1", srv.PresignUploadHandler())(rec, req)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var envelope struct {
		Error struct {
			Details struct {
				AllowedTypes []string `json:"allowed_types"`
			} `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Contains(t, envelope.Error.Details.AllowedTypes, "image/jpeg")
}

func TestPresignUploadHandlerRejectsOversizedFile(t *testing.T) {
	shoots := newStubShoots()
	sh, err := shoots.Create(context.Background(), domain.Shoot{UserID: "user-1", Name: "Elm"})
	require.NoError(t, err)
	srv := newTestServer(shoots)

	body := fmt.Sprintf(`{"shoot_id":%q,"filename":"kitchen.jpg","content_type":"image/jpeg","size":2048}`, sh.ID)
	req := httptest.NewRequest(http.MethodPost, "/v1/uploads/presign", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	asUser("user-1", srv.PresignUploadHandler())(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "declared size above the cap never mints a URL")
}

func TestConfirmUploadHandlerMissingObject(t *testing.T) {
	shoots := newStubShoots()
	sh, err := shoots.Create(context.Background(), domain.Shoot{UserID: "user-1", Name: "Elm"})
	require.NoError(t, err)
	srv := newTestServer(shoots)

	body := fmt.Sprintf(`{"shoot_id":%q,"asset_id":"asset-1","filename":"kitchen.jpg"}`, sh.ID)
	req := httptest.NewRequest(http.MethodPost, "/v1/uploads/confirm", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	asUser("user-1", srv.ConfirmUploadHandler())(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code, "unverified upload is a failed precondition")
}

func TestReadyzHandler(t *testing.T) {
	srv := newTestServer(newStubShoots())
	srv.DBCheck = func(context.Context) error { return nil }
	srv.StoreCheck = func(context.Context) error { return fmt.Errorf("bucket unreachable") }

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	srv.ReadyzHandler()(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var got struct {
		Checks []struct {
			Name string `json:"name"`
			OK   bool   `json:"ok"`
		} `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Checks, 2)
	assert.True(t, got.Checks[0].OK)
	assert.False(t, got.Checks[1].OK)
}
