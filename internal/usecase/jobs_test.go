package usecase_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lusterai/enhance/internal/domain"
	"github.com/lusterai/enhance/internal/usecase"
)

func seedAsset(t *testing.T, st *memState, userID string, balance int64) domain.Asset {
	t.Helper()
	st.users[userID] = domain.User{ID: userID}
	st.balances[userID] = balance
	shoot := domain.Shoot{ID: "shoot-1", UserID: userID, Name: "Listing"}
	st.shoots[shoot.ID] = shoot
	asset := domain.Asset{
		ID:        "asset-1",
		ShootID:   shoot.ID,
		UserID:    userID,
		Filename:  "kitchen.jpg",
		ObjectKey: domain.OriginalKey(userID, shoot.ID, "asset-1", "kitchen.jpg"),
		Size:      2048,
		MIME:      "image/jpeg",
	}
	st.assets[asset.ID] = asset
	return asset
}

func newJobService(st *memState, n *memNotifier) usecase.JobService {
	return usecase.NewJobService(memJobs{st}, memAssets{st}, memLedger{st}, n, memStore{st: st}, 3, time.Hour)
}

func TestJobServiceCreate(t *testing.T) {
	st := newMemState()
	asset := seedAsset(t, st, "user-1", 5)
	notifier := &memNotifier{}
	svc := newJobService(st, notifier)

	job, err := svc.Create(context.Background(), "user-1", asset.ID, "brighten the kitchen", domain.TierPremium)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, job.Status)
	assert.Equal(t, int64(2), job.CreditsUsed)
	assert.Equal(t, 3, job.MaxRetries)
	assert.Equal(t, int64(3), st.balances["user-1"])
	assert.Equal(t, []string{job.ID}, notifier.notified())
}

func TestJobServiceCreateInsufficientCredits(t *testing.T) {
	st := newMemState()
	asset := seedAsset(t, st, "user-1", 1)
	svc := newJobService(st, &memNotifier{})

	_, err := svc.Create(context.Background(), "user-1", asset.ID, "brighten", domain.TierPremium)
	require.ErrorIs(t, err, domain.ErrInsufficientCredits)
	assert.Equal(t, int64(1), st.balances["user-1"], "balance untouched on rejection")
}

func TestJobServiceCreateValidation(t *testing.T) {
	st := newMemState()
	asset := seedAsset(t, st, "user-1", 10)
	svc := newJobService(st, &memNotifier{})
	ctx := context.Background()

	_, err := svc.Create(ctx, "user-1", asset.ID, "   ", domain.TierFree)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.Create(ctx, "user-1", asset.ID, strings.Repeat("x", 2001), domain.TierFree)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.Create(ctx, "user-1", asset.ID, "brighten", domain.Tier("ultra"))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestJobServiceCreateCrossUserAsset(t *testing.T) {
	st := newMemState()
	asset := seedAsset(t, st, "user-1", 10)
	st.users["user-2"] = domain.User{ID: "user-2"}
	st.balances["user-2"] = 10
	svc := newJobService(st, &memNotifier{})

	_, err := svc.Create(context.Background(), "user-2", asset.ID, "brighten", domain.TierFree)
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, int64(10), st.balances["user-2"])
}

func TestJobServiceCreateNotifierFailureIsNonFatal(t *testing.T) {
	st := newMemState()
	asset := seedAsset(t, st, "user-1", 5)
	notifier := &memNotifier{err: errors.New("broker down")}
	svc := newJobService(st, notifier)

	job, err := svc.Create(context.Background(), "user-1", asset.ID, "brighten", domain.TierFree)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, job.Status)
	assert.Empty(t, notifier.notified())
}

func TestJobServiceGet(t *testing.T) {
	st := newMemState()
	asset := seedAsset(t, st, "user-1", 5)
	svc := newJobService(st, &memNotifier{})
	ctx := context.Background()

	job, err := svc.Create(ctx, "user-1", asset.ID, "brighten", domain.TierFree)
	require.NoError(t, err)

	outputKey := domain.OutputKey("user-1", asset.ShootID, asset.ID, job.ID)
	require.NoError(t, memJobs{st}.CompleteSuccess(ctx, job.ID, outputKey))

	detail, err := svc.Get(ctx, "user-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobSucceeded, detail.Job.Status)
	assert.Equal(t, "https://store.test/download/"+outputKey, detail.OutputURL)
	require.Len(t, detail.Events, 2)
	assert.Equal(t, domain.EventCreated, detail.Events[0].Type)
	assert.Equal(t, domain.EventCompleted, detail.Events[1].Type)

	_, err = svc.Get(ctx, "user-2", job.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJobServiceRefund(t *testing.T) {
	st := newMemState()
	asset := seedAsset(t, st, "user-1", 5)
	svc := newJobService(st, &memNotifier{})
	ctx := context.Background()

	job, err := svc.Create(ctx, "user-1", asset.ID, "brighten", domain.TierPremium)
	require.NoError(t, err)
	require.Equal(t, int64(3), st.balances["user-1"])

	// Queued jobs are not refundable.
	_, err = svc.Refund(ctx, "user-1", job.ID)
	assert.ErrorIs(t, err, domain.ErrFailedPrecondition)

	// Failed without automatic refund, then a manual refund applies once.
	require.NoError(t, memJobs{st}.CompleteFailure(ctx, job.ID, "provider error", false))
	res, err := svc.Refund(ctx, "user-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.CreditsRefunded)
	assert.Equal(t, int64(5), res.NewBalance)

	_, err = svc.Refund(ctx, "user-1", job.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyRefunded)
	assert.Equal(t, int64(5), st.balances["user-1"])
}

func TestJobServiceRefundZeroCreditJob(t *testing.T) {
	st := newMemState()
	st.jobs["job-z"] = domain.Job{ID: "job-z", UserID: "user-1", Status: domain.JobFailed}
	svc := newJobService(st, &memNotifier{})

	_, err := svc.Refund(context.Background(), "user-1", "job-z")
	assert.ErrorIs(t, err, domain.ErrFailedPrecondition)
	assert.Empty(t, st.events["job-z"], "no refund marker written")
}

func TestCreditServiceBalance(t *testing.T) {
	st := newMemState()
	st.balances["user-1"] = 42
	svc := usecase.NewCreditService(memLedger{st})

	balance, err := svc.Balance(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), balance)

	_, err = svc.Balance(context.Background(), "nobody")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
