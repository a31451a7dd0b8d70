package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	RunTriggeredManual = "manual"
	RunTriggeredResume = "resume"
	RunTriggeredCLI    = "cli"
)

// MigrationRun is one invocation of the coordinator. Rows are append-only; the
// counters are rewritten as the run progresses.
type MigrationRun struct {
	ID               uint       `gorm:"primary_key" json:"id"`
	BusinessId       string     `gorm:"index;size:64;not null" json:"business_id"`
	Mode             RunMode    `gorm:"size:10;not null" json:"mode"`
	Dialect          Dialect    `gorm:"size:10" json:"dialect"`
	FromId           int64      `json:"from_id"`
	ToId             int64      `json:"to_id"`
	FromDate         *time.Time `gorm:"type:date" json:"from_date"`
	ToDate           *time.Time `gorm:"type:date" json:"to_date"`
	DryRun           bool       `gorm:"not null;default:false" json:"dry_run"`
	Status           RunStatus  `gorm:"size:20;index;not null" json:"status"`
	TriggeredBy      string     `gorm:"size:20" json:"triggered_by"`
	RequestedBy      string     `gorm:"size:100" json:"requested_by"`
	HighWaterMark    int64      `json:"high_water_mark"`
	Processed        int        `json:"processed"`
	Created          int        `json:"created"`
	AlreadyExists    int        `json:"already_exists"`
	Skipped          int        `json:"skipped"`
	Failed           int        `json:"failed"`
	SkipReasonsJSON  []byte     `gorm:"type:json" json:"-"`
	SourceTotalsJSON []byte     `gorm:"type:json" json:"-"`
	AbortReason      string     `gorm:"size:64" json:"abort_reason"`
	AbortMessage     string     `gorm:"type:text" json:"abort_message"`
	ParentRunId      *uint      `gorm:"index" json:"parent_run_id"`
	StartedAt        *time.Time `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at"`
	DurationMs       int64      `json:"duration_ms"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// MigrationRunError is a per-mutation audit record. Message is capped at 100 characters.
type MigrationRunError struct {
	ID               uint      `gorm:"primary_key" json:"id"`
	RunId            uint      `gorm:"index;not null" json:"run_id"`
	BusinessId       string    `gorm:"index;size:64;not null" json:"business_id"`
	SourceMutationId int64     `gorm:"index" json:"source_mutation_id"`
	Phase            Phase     `gorm:"size:20" json:"phase"`
	ErrorClass       string    `gorm:"size:64;index" json:"error_class"`
	Message          string    `gorm:"size:100" json:"message"`
	PayloadJSON      []byte    `gorm:"type:json" json:"payload,omitempty"`
	Relabeled        bool      `gorm:"not null;default:false" json:"relabeled"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// RunCounts is the in-memory tally the coordinator keeps while processing.
type RunCounts struct {
	Processed     int                `json:"processed"`
	Created       int                `json:"created"`
	AlreadyExists int                `json:"already_exists"`
	Skipped       int                `json:"skipped"`
	Failed        int                `json:"failed"`
	SkipReasons   map[SkipReason]int `json:"skip_reasons"`
}

func NewRunCounts() RunCounts {
	return RunCounts{SkipReasons: map[SkipReason]int{}}
}

func (c *RunCounts) Record(outcome Outcome, reason SkipReason) {
	c.Processed++
	switch outcome {
	case OutcomeCreated:
		c.Created++
	case OutcomeAlreadyExists:
		c.AlreadyExists++
	case OutcomeSkipped:
		c.Skipped++
		if c.SkipReasons == nil {
			c.SkipReasons = map[SkipReason]int{}
		}
		c.SkipReasons[reason]++
	case OutcomeFailed:
		c.Failed++
	}
}

// Apply copies the tally onto the run row.
func (r *MigrationRun) Apply(c RunCounts) {
	r.Processed = c.Processed
	r.Created = c.Created
	r.AlreadyExists = c.AlreadyExists
	r.Skipped = c.Skipped
	r.Failed = c.Failed
	b, _ := json.Marshal(c.SkipReasons)
	r.SkipReasonsJSON = b
}

func (r *MigrationRun) Counts() RunCounts {
	c := RunCounts{
		Processed:     r.Processed,
		Created:       r.Created,
		AlreadyExists: r.AlreadyExists,
		Skipped:       r.Skipped,
		Failed:        r.Failed,
		SkipReasons:   map[SkipReason]int{},
	}
	if len(r.SkipReasonsJSON) > 0 {
		_ = json.Unmarshal(r.SkipReasonsJSON, &c.SkipReasons)
	}
	return c
}

func (r *MigrationRun) SetSourceTotals(totals map[TransactionType]decimal.Decimal) {
	b, _ := json.Marshal(totals)
	r.SourceTotalsJSON = b
}

func (r *MigrationRun) SourceTotals() map[TransactionType]decimal.Decimal {
	out := map[TransactionType]decimal.Decimal{}
	if len(r.SourceTotalsJSON) > 0 {
		_ = json.Unmarshal(r.SourceTotalsJSON, &out)
	}
	return out
}
