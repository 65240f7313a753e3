package usecase_test

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lusterai/enhance/internal/domain"
)

// memState is a single in-memory backing store shared by the port fakes so a
// test can wire several services over consistent data.
type memState struct {
	mu       sync.Mutex
	users    map[string]domain.User
	balances map[string]int64
	grants   map[string]bool // sourceRef set for ApplyDelta idempotency
	shoots   map[string]domain.Shoot
	assets   map[string]domain.Asset
	jobs     map[string]domain.Job
	events   map[string][]domain.JobEvent
	objects  map[string]memObject

	now time.Time
}

type memObject struct {
	data        []byte
	contentType string
}

func newMemState() *memState {
	return &memState{
		users:    map[string]domain.User{},
		balances: map[string]int64{},
		grants:   map[string]bool{},
		shoots:   map[string]domain.Shoot{},
		assets:   map[string]domain.Asset{},
		jobs:     map[string]domain.Job{},
		events:   map[string][]domain.JobEvent{},
		objects:  map[string]memObject{},
		now:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (m *memState) addEvent(jobID, eventType, details string) {
	m.events[jobID] = append(m.events[jobID], domain.JobEvent{
		ID:        uuid.New().String(),
		JobID:     jobID,
		Type:      eventType,
		Details:   details,
		CreatedAt: m.now,
	})
}

// memUsers implements domain.UserRepository.
type memUsers struct{ st *memState }

func (r memUsers) GetOrCreate(_ domain.Context, id, email string) (domain.User, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	u, ok := r.st.users[id]
	if !ok {
		u = domain.User{ID: id, Email: email, CreatedAt: r.st.now}
		r.st.users[id] = u
		if _, ok := r.st.balances[id]; !ok {
			r.st.balances[id] = 0
		}
	}
	return u, nil
}

// memLedger implements domain.CreditLedger.
type memLedger struct{ st *memState }

func (r memLedger) Balance(_ domain.Context, userID string) (int64, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	b, ok := r.st.balances[userID]
	if !ok {
		return 0, fmt.Errorf("credits for %s: %w", userID, domain.ErrNotFound)
	}
	return b, nil
}

func (r memLedger) Refund(_ domain.Context, userID, jobID string, amount int64) (int64, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, ev := range r.st.events[jobID] {
		if ev.Type == domain.EventCreditsRefunded {
			return 0, domain.ErrAlreadyRefunded
		}
	}
	r.st.balances[userID] += amount
	r.st.addEvent(jobID, domain.EventCreditsRefunded, "{}")
	return r.st.balances[userID], nil
}

func (r memLedger) ApplyDelta(_ domain.Context, userID string, delta int64, sourceRef string) (int64, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if r.st.grants[sourceRef] {
		return r.st.balances[userID], nil
	}
	r.st.grants[sourceRef] = true
	r.st.balances[userID] += delta
	return r.st.balances[userID], nil
}

// memShoots implements domain.ShootRepository.
type memShoots struct{ st *memState }

func (r memShoots) Create(_ domain.Context, s domain.Shoot) (domain.Shoot, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	s.ID = uuid.New().String()
	s.CreatedAt = r.st.now
	s.UpdatedAt = r.st.now
	r.st.shoots[s.ID] = s
	return s, nil
}

func (r memShoots) Get(_ domain.Context, id, userID string) (domain.Shoot, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	s, ok := r.st.shoots[id]
	if !ok || s.UserID != userID {
		return domain.Shoot{}, fmt.Errorf("shoot %s: %w", id, domain.ErrNotFound)
	}
	return s, nil
}

func (r memShoots) ListByUser(_ domain.Context, userID string) ([]domain.ShootSummary, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var out []domain.ShootSummary
	for _, s := range r.st.shoots {
		if s.UserID != userID {
			continue
		}
		sum := domain.ShootSummary{Shoot: s, JobStatuses: map[domain.JobStatus]int{}}
		for _, a := range r.st.assets {
			if a.ShootID != s.ID {
				continue
			}
			sum.AssetCount++
			for _, j := range r.st.jobs {
				if j.AssetID == a.ID {
					sum.JobStatuses[j.Status]++
				}
			}
		}
		out = append(out, sum)
	}
	return out, nil
}

func (r memShoots) Delete(_ domain.Context, id, userID string) (domain.DeletedShoot, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	s, ok := r.st.shoots[id]
	if !ok || s.UserID != userID {
		return domain.DeletedShoot{}, fmt.Errorf("shoot %s: %w", id, domain.ErrNotFound)
	}
	var del domain.DeletedShoot
	for aid, a := range r.st.assets {
		if a.ShootID != id {
			continue
		}
		del.Assets++
		if a.ObjectKey != "" {
			del.ObjectKeys = append(del.ObjectKeys, a.ObjectKey)
		}
		for jid, j := range r.st.jobs {
			if j.AssetID != aid {
				continue
			}
			del.Jobs++
			if j.OutputKey != "" {
				del.ObjectKeys = append(del.ObjectKeys, j.OutputKey)
			}
			del.Events += len(r.st.events[jid])
			delete(r.st.events, jid)
			delete(r.st.jobs, jid)
		}
		delete(r.st.assets, aid)
	}
	delete(r.st.shoots, id)
	return del, nil
}

// memAssets implements domain.AssetRepository.
type memAssets struct{ st *memState }

func (r memAssets) Create(_ domain.Context, a domain.Asset) (domain.Asset, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.CreatedAt = r.st.now
	r.st.assets[a.ID] = a
	return a, nil
}

func (r memAssets) Get(_ domain.Context, id, userID string) (domain.Asset, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	a, ok := r.st.assets[id]
	if !ok || a.UserID != userID {
		return domain.Asset{}, fmt.Errorf("asset %s: %w", id, domain.ErrNotFound)
	}
	return a, nil
}

func (r memAssets) ListByShoot(_ domain.Context, shootID, userID string) ([]domain.Asset, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var out []domain.Asset
	for _, a := range r.st.assets {
		if a.ShootID == shootID && a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r memAssets) ListJobs(_ domain.Context, assetID string) ([]domain.Job, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var out []domain.Job
	for _, j := range r.st.jobs {
		if j.AssetID == assetID {
			out = append(out, j)
		}
	}
	return out, nil
}

// memJobs implements domain.JobStore with the same lease and refund rules as
// the database layer.
type memJobs struct{ st *memState }

func (r memJobs) CreateWithReservation(_ domain.Context, j domain.Job) (domain.Job, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	balance, ok := r.st.balances[j.UserID]
	if !ok {
		return domain.Job{}, fmt.Errorf("credits for %s: %w", j.UserID, domain.ErrNotFound)
	}
	if balance < j.CreditsUsed {
		return domain.Job{}, fmt.Errorf("need %d, have %d: %w", j.CreditsUsed, balance, domain.ErrInsufficientCredits)
	}
	r.st.balances[j.UserID] = balance - j.CreditsUsed
	j.ID = uuid.New().String()
	j.Status = domain.JobQueued
	j.CreatedAt = r.st.now
	j.UpdatedAt = r.st.now
	r.st.jobs[j.ID] = j
	r.st.addEvent(j.ID, domain.EventCreated, "{}")
	return j, nil
}

func (r memJobs) Get(_ domain.Context, id, userID string) (domain.Job, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	j, ok := r.st.jobs[id]
	if !ok || j.UserID != userID {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return j, nil
}

func (r memJobs) ClaimNext(_ domain.Context, leaseDuration time.Duration) (domain.Job, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for id, j := range r.st.jobs {
		claimable := j.Status == domain.JobQueued ||
			(j.Status == domain.JobProcessing && j.LeaseExpiresAt != nil &&
				j.LeaseExpiresAt.Before(r.st.now) && j.RetryCount < j.MaxRetries)
		if !claimable {
			continue
		}
		if j.Status == domain.JobProcessing {
			j.RetryCount++
		}
		j.Status = domain.JobProcessing
		if j.StartedAt == nil {
			started := r.st.now
			j.StartedAt = &started
		}
		lease := r.st.now.Add(leaseDuration)
		j.LeaseExpiresAt = &lease
		r.st.jobs[id] = j
		r.st.addEvent(id, domain.EventStarted, "{}")
		return j, nil
	}
	return domain.Job{}, domain.ErrNoJobAvailable
}

func (r memJobs) CompleteSuccess(_ domain.Context, jobID, outputKey string) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	j, ok := r.st.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	if j.Status.Terminal() {
		return nil
	}
	j.Status = domain.JobSucceeded
	j.OutputKey = outputKey
	done := r.st.now
	j.CompletedAt = &done
	j.LeaseExpiresAt = nil
	r.st.jobs[jobID] = j
	r.st.addEvent(jobID, domain.EventCompleted, "{}")
	return nil
}

func (r memJobs) CompleteFailure(_ domain.Context, jobID, errMsg string, refund bool) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	j, ok := r.st.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	if j.Status.Terminal() {
		return nil
	}
	j.Status = domain.JobFailed
	j.ErrorMessage = errMsg
	done := r.st.now
	j.CompletedAt = &done
	j.LeaseExpiresAt = nil
	r.st.jobs[jobID] = j
	if refund {
		refunded := false
		for _, ev := range r.st.events[jobID] {
			if ev.Type == domain.EventCreditsRefunded {
				refunded = true
			}
		}
		if !refunded {
			r.st.balances[j.UserID] += j.CreditsUsed
			r.st.addEvent(jobID, domain.EventCreditsRefunded, "{}")
		}
	}
	r.st.addEvent(jobID, domain.EventFailed, "{}")
	return nil
}

func (r memJobs) SweepExhausted(_ domain.Context) (int, error) {
	r.st.mu.Lock()
	swept := 0
	var exhausted []string
	for id, j := range r.st.jobs {
		if j.Status == domain.JobProcessing && j.LeaseExpiresAt != nil &&
			j.LeaseExpiresAt.Before(r.st.now) && j.RetryCount >= j.MaxRetries {
			exhausted = append(exhausted, id)
		}
	}
	r.st.mu.Unlock()
	for _, id := range exhausted {
		if err := r.CompleteFailure(nil, id, "max retries exceeded", true); err != nil {
			return swept, err
		}
		swept++
	}
	return swept, nil
}

func (r memJobs) AppendEvent(_ domain.Context, jobID, eventType, detailsJSON string) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	r.st.addEvent(jobID, eventType, detailsJSON)
	return nil
}

func (r memJobs) ListEvents(_ domain.Context, jobID string) ([]domain.JobEvent, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	return append([]domain.JobEvent(nil), r.st.events[jobID]...), nil
}

// memStore implements domain.ObjectStore over the shared map.
type memStore struct {
	st          *memState
	presignErr  error
	statMissing bool
}

func (s memStore) PresignUpload(_ domain.Context, key, contentType string, contentLength int64, ttl time.Duration) (domain.PresignedUpload, error) {
	if s.presignErr != nil {
		return domain.PresignedUpload{}, s.presignErr
	}
	return domain.PresignedUpload{
		URL: "https://store.test/upload/" + key,
		Headers: map[string]string{
			"Content-Type":   contentType,
			"Content-Length": strconv.FormatInt(contentLength, 10),
		},
		ExpiresAt: s.st.now.Add(ttl),
	}, nil
}

func (s memStore) PresignDownload(_ domain.Context, key string, _ time.Duration, _ string) (string, error) {
	if s.presignErr != nil {
		return "", s.presignErr
	}
	return "https://store.test/download/" + key, nil
}

func (s memStore) Stat(_ domain.Context, key string) (domain.ObjectInfo, error) {
	if s.statMissing {
		return domain.ObjectInfo{}, fmt.Errorf("object %s: %w", key, domain.ErrNotFound)
	}
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	obj, ok := s.st.objects[key]
	if !ok {
		return domain.ObjectInfo{}, fmt.Errorf("object %s: %w", key, domain.ErrNotFound)
	}
	return domain.ObjectInfo{Size: int64(len(obj.data)), ContentType: obj.contentType}, nil
}

func (s memStore) Get(_ domain.Context, key string) (io.ReadCloser, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	obj, ok := s.st.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", key, domain.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s memStore) Put(_ domain.Context, key string, body io.Reader, contentType string, _ map[string]string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	s.st.objects[key] = memObject{data: data, contentType: contentType}
	return nil
}

func (s memStore) Delete(_ domain.Context, key string) error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	delete(s.st.objects, key)
	return nil
}

func (s memStore) DeleteAll(_ domain.Context, keys []string) error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	for _, k := range keys {
		delete(s.st.objects, k)
	}
	return nil
}

func (s memStore) Ping(_ domain.Context) error { return nil }

// memNotifier records notifications and can simulate a broker outage.
type memNotifier struct {
	mu     sync.Mutex
	jobIDs []string
	err    error
}

func (n *memNotifier) NotifyJobCreated(_ domain.Context, jobID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.jobIDs = append(n.jobIDs, jobID)
	return nil
}

func (n *memNotifier) notified() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.jobIDs...)
}
