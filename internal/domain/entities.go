// Package domain defines the core entities, ports, and error taxonomy for the
// photo-enhancement service.
package domain

import (
	"context"
	"errors"
	"io"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrNotFound            = errors.New("not found")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrFailedPrecondition  = errors.New("failed precondition")
	ErrAlreadyRefunded     = errors.New("credits already refunded")
	ErrNoJobAvailable      = errors.New("no job available")
	ErrRateLimited         = errors.New("rate limited")
	ErrStoreUnavailable    = errors.New("object store unavailable")
	ErrInternal            = errors.New("internal error")
)

// Provider errors carry retry semantics: transient errors consume the
// worker-internal backoff budget before failing the job, permanent errors
// terminate it immediately.
var (
	ErrProviderTransient = errors.New("transient provider error")
	ErrProviderPermanent = errors.New("permanent provider error")
)

// Tier selects the credit cost and the provider quality parameters of a job.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// Cost returns the credit cost of the tier.
func (t Tier) Cost() int64 {
	if t == TierPremium {
		return 2
	}
	return 1
}

// Valid reports whether the tier is a known pricing class.
func (t Tier) Valid() bool { return t == TierFree || t == TierPremium }

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobSucceeded  JobStatus = "succeeded"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s JobStatus) Terminal() bool { return s == JobSucceeded || s == JobFailed }

// User is created on first authenticated request or webhook; never deleted.
type User struct {
	ID        string
	Email     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Identity is a verified caller resolved from a bearer credential.
type Identity struct {
	UserID string
	Email  string
}

// Shoot groups the assets of one photography session.
type Shoot struct {
	ID        string
	UserID    string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Asset is an uploaded source image. ObjectKey points to immutable bytes in
// the object store; it is written once at confirm time.
type Asset struct {
	ID        string
	ShootID   string
	UserID    string
	Filename  string
	ObjectKey string
	Size      int64
	MIME      string
	CreatedAt time.Time
}

// Job is one unit of enhancement work bound to an asset and a prompt.
// Credits are reserved at creation and refunded exactly once on terminal
// failure; the lease columns coordinate the worker pool.
type Job struct {
	ID             string
	AssetID        string
	UserID         string
	Prompt         string
	Tier           Tier
	Status         JobStatus
	OutputKey      string
	ErrorMessage   string
	CreditsUsed    int64
	RetryCount     int
	MaxRetries     int
	StartedAt      *time.Time
	CompletedAt    *time.Time
	LeaseExpiresAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// JobEvent is an append-only audit record. The credits_refunded event doubles
// as the refund marker that makes refunds idempotent.
type JobEvent struct {
	ID        string
	JobID     string
	Type      string
	Details   string // opaque JSON
	CreatedAt time.Time
}

// Job event types.
const (
	EventCreated         = "created"
	EventStarted         = "started"
	EventCompleted       = "completed"
	EventFailed          = "failed"
	EventCreditsRefunded = "credits_refunded"
)

// ShootSummary aggregates job status counts for the shoot listing.
type ShootSummary struct {
	Shoot
	AssetCount  int
	JobStatuses map[JobStatus]int
}

// Repositories (ports)

type UserRepository interface {
	GetOrCreate(ctx Context, id, email string) (User, error)
}

type ShootRepository interface {
	Create(ctx Context, s Shoot) (Shoot, error)
	Get(ctx Context, id, userID string) (Shoot, error)
	ListByUser(ctx Context, userID string) ([]ShootSummary, error)
	// Delete cascades over assets, jobs, and job events, returning the object
	// keys that referenced stored bytes so the caller can clean the store.
	Delete(ctx Context, id, userID string) (DeletedShoot, error)
}

// DeletedShoot reports what a shoot cascade removed.
type DeletedShoot struct {
	Assets     int
	Jobs       int
	Events     int
	ObjectKeys []string
}

type AssetRepository interface {
	Create(ctx Context, a Asset) (Asset, error)
	Get(ctx Context, id, userID string) (Asset, error)
	ListByShoot(ctx Context, shootID, userID string) ([]Asset, error)
	ListJobs(ctx Context, assetID string) ([]Job, error)
}

// CreditLedger maintains the per-user balance with serializable
// read-modify-write semantics. All mutations lock the credit row.
type CreditLedger interface {
	Balance(ctx Context, userID string) (int64, error)
	// Refund increments the balance, idempotent per job: a second refund for
	// the same job returns ErrAlreadyRefunded and leaves the balance intact.
	Refund(ctx Context, userID, jobID string, amount int64) (int64, error)
	// ApplyDelta applies a signed credit change idempotently by sourceRef.
	// A replayed sourceRef is a no-op returning the current balance.
	ApplyDelta(ctx Context, userID string, delta int64, sourceRef string) (int64, error)
}

// JobStore is the durable job state and the coordination substrate for the
// worker pool. Compound operations commit atomically: a crash can never
// separate a reservation from its job row, or a refund from its failure.
type JobStore interface {
	// CreateWithReservation reserves credits and inserts the queued job plus
	// its created event in one transaction. Returns ErrInsufficientCredits
	// without any state change when the balance does not cover the cost.
	CreateWithReservation(ctx Context, j Job) (Job, error)
	Get(ctx Context, id, userID string) (Job, error)
	// ClaimNext locks one queued job, or one processing job whose lease has
	// expired with retries remaining, marks it processing under a fresh
	// lease, and appends a started event. Reclaims increment RetryCount.
	// Returns ErrNoJobAvailable when nothing is claimable.
	ClaimNext(ctx Context, leaseDuration time.Duration) (Job, error)
	// CompleteSuccess finalizes the job as succeeded and clears the lease.
	// A job already terminal is left untouched.
	CompleteSuccess(ctx Context, jobID, outputKey string) error
	// CompleteFailure finalizes the job as failed, clears the lease, and when
	// refund is set applies the credit refund (at most once) in the same
	// transaction.
	CompleteFailure(ctx Context, jobID, errMsg string, refund bool) error
	// SweepExhausted finalizes jobs whose lease expired past the retry budget
	// as failed with refund, returning how many were swept.
	SweepExhausted(ctx Context) (int, error)
	AppendEvent(ctx Context, jobID, eventType, detailsJSON string) error
	ListEvents(ctx Context, jobID string) ([]JobEvent, error)
}

// ObjectStore (port)

// PresignedUpload carries the credentials a client needs for a direct upload.
type PresignedUpload struct {
	URL       string
	Headers   map[string]string
	ExpiresAt time.Time
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Size        int64
	ContentType string
}

type ObjectStore interface {
	// PresignUpload binds the URL to the given content type and, when
	// contentLength > 0, to that exact byte count, so the store itself
	// rejects uploads that differ from what was declared.
	PresignUpload(ctx Context, key, contentType string, contentLength int64, ttl time.Duration) (PresignedUpload, error)
	PresignDownload(ctx Context, key string, ttl time.Duration, filename string) (string, error)
	// Stat returns object metadata or ErrNotFound when the key is absent.
	Stat(ctx Context, key string) (ObjectInfo, error)
	Get(ctx Context, key string) (io.ReadCloser, error)
	Put(ctx Context, key string, body io.Reader, contentType string, metadata map[string]string) error
	Delete(ctx Context, key string) error
	DeleteAll(ctx Context, keys []string) error
	// Ping verifies the bucket is reachable.
	Ping(ctx Context) error
}

// Enhancer (port): the external image-generation provider as a blocking RPC.

// EnhanceParams are the tier-derived quality parameters of one call.
type EnhanceParams struct {
	Prompt  string
	Size    string
	Quality string
}

type Enhancer interface {
	// Enhance consumes one image and returns one image or an error wrapping
	// ErrProviderTransient or ErrProviderPermanent.
	Enhance(ctx Context, image io.Reader, params EnhanceParams) ([]byte, error)
}

// Notifier (port): advisory dispatch signal. Best-effort only; workers
// reconstruct full state from the JobStore alone.
type Notifier interface {
	NotifyJobCreated(ctx Context, jobID string) error
}

// TokenVerifier (port): bearer-credential verification delegated to the
// external identity integration.
type TokenVerifier interface {
	Verify(ctx Context, token string) (Identity, error)
}

// ProviderParams maps a tier to its provider quality parameters.
func ProviderParams(t Tier, prompt string) EnhanceParams {
	if t == TierFree {
		return EnhanceParams{Prompt: prompt, Size: "1024x1024", Quality: "low"}
	}
	return EnhanceParams{Prompt: prompt, Size: "1536x1024", Quality: "high"}
}

// Context is an alias so adapters and usecases share the std context type.
type Context = context.Context
