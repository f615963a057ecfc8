package store

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	MediaTypeImage = "image"
	MediaTypeVideo = "video"
)

const (
	JobStatusPending    = "pending"
	JobStatusInQueue    = "in_queue"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// ActiveJobStatuses 是尚未进入终态的任务状态。
var ActiveJobStatuses = []string{JobStatusPending, JobStatusInQueue, JobStatusProcessing}

// credits_state 记录 credits_used 的结算进度：
// reserved（已计价未扣）-> deducted（完成后扣除）| released（失败/取消，从未扣费）|
// refunded（失败/取消，已扣部分已退回）| anomaly（已交付但扣费失败）。
const (
	CreditsStateReserved = "reserved"
	CreditsStateDeducted = "deducted"
	CreditsStateReleased = "released"
	CreditsStateRefunded = "refunded"
	CreditsStateAnomaly  = "anomaly"
)

const (
	LedgerKindGrant    = "grant"
	LedgerKindDeduct   = "deduct"
	LedgerKindRefund   = "refund"
	LedgerKindPurchase = "purchase"
)

type CreditBalance struct {
	AccountID        int64      `json:"account_id"`
	CreditsRemaining int64      `json:"credits_remaining"`
	CreditsTotal     int64      `json:"credits_total"`
	LastRefillAt     *time.Time `json:"last_refill_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

type LedgerEntry struct {
	ID           int64     `json:"id"`
	AccountID    int64     `json:"account_id"`
	Kind         string    `json:"kind"`
	RefKey       string    `json:"ref_key,omitempty"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}

type GenerationJob struct {
	ID                string          `json:"id"`
	AccountID         int64           `json:"account_id"`
	Model             string          `json:"model"`
	Prompt            string          `json:"prompt"`
	NegativePrompt    *string         `json:"negative_prompt,omitempty"`
	MediaType         string          `json:"media_type"`
	Options           json.RawMessage `json:"options,omitempty"`
	Status            string          `json:"status"`
	CreditsUsed       int64           `json:"credits_used"`
	CreditsState      string          `json:"credits_state"`
	ProviderRequestID *string         `json:"provider_request_id,omitempty"`
	ErrorCode         *string         `json:"error_code,omitempty"`
	ErrorMessage      *string         `json:"error_message,omitempty"`
	Cancelled         bool            `json:"cancelled"`

	CompletionClaim     *string    `json:"-"`
	CompletionClaimedAt *time.Time `json:"-"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  *int64     `json:"duration_ms,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (j GenerationJob) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

type Artifact struct {
	ID              string    `json:"id"`
	JobID           string    `json:"job_id"`
	AccountID       int64     `json:"account_id"`
	MediaType       string    `json:"media_type"`
	StoragePath     string    `json:"storage_path"`
	OptimizedPath   *string   `json:"optimized_path,omitempty"`
	ContentType     string    `json:"content_type"`
	Bytes           int64     `json:"bytes"`
	Width           *int      `json:"width,omitempty"`
	Height          *int      `json:"height,omitempty"`
	DurationSeconds *float64  `json:"duration_seconds,omitempty"`
	Seed            *int64    `json:"seed,omitempty"`
	NSFW            bool      `json:"nsfw"`
	Favorite        bool      `json:"favorite"`
	Public          bool      `json:"public"`
	CreatedAt       time.Time `json:"created_at"`
}

type TopupOrder struct {
	ID         int64           `json:"id"`
	AccountID  int64           `json:"account_id"`
	AmountCNY  decimal.Decimal `json:"amount_cny"`
	Credits    int64           `json:"credits"`
	Status     int             `json:"status"`
	PaidAt     *time.Time      `json:"paid_at,omitempty"`
	PaidMethod *string         `json:"paid_method,omitempty"`
	PaidRef    *string         `json:"paid_ref,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type APIToken struct {
	ID         int64      `json:"id"`
	AccountID  int64      `json:"account_id"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}
