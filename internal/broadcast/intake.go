package broadcast

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"blast/internal/model"
	"blast/internal/queue"
	"blast/internal/storage"
)

// BatchSize is the maximum recipients per queued job; larger submissions are
// split into ordered batches.
const BatchSize = 500

// batchStagger spaces consecutive batches of one submission so they don't
// all fire at once.
const batchStagger = time.Minute

// ValidationError is a client-input failure; the API surfaces it as a 400 and
// it never reaches the queue.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Msg }

// SubmitRequest is one broadcast submission after authentication.
type SubmitRequest struct {
	ConnectionID string
	OwnerID      string
	Message      string
	Type         string // "text" (default) or "media"
	Media        model.MediaRef
	Recipients   []model.Recipient
	Schedule     *time.Time
	Speed        string
	DedupKey     string // optional; derived when empty
}

// QueuedJob describes one enqueued batch in a submit result.
type QueuedJob struct {
	JobID    string        `json:"job_id"`
	DedupKey string        `json:"deduplication_id"`
	Delay    time.Duration `json:"-"`
	Total    int           `json:"total"`
}

// SubmitResult reports what a submission became.
type SubmitResult struct {
	Status      string      `json:"status"` // "queued" or "queued-batch"
	ParentJobID string      `json:"parent_job_id"`
	Jobs        []QueuedJob `json:"jobs"`
	Speed       string      `json:"speed"`
	DedupKey    string      `json:"deduplication_id"`
	Schedule    *time.Time  `json:"schedule,omitempty"`
}

// Intake validates broadcast submissions, splits oversized recipient lists
// into bounded batches, and enqueues each batch with its audit row.
type Intake struct {
	store *storage.Store
	queue *queue.Queue
	log   zerolog.Logger
	now   func() time.Time
}

func NewIntake(store *storage.Store, q *queue.Queue, log zerolog.Logger) *Intake {
	return &Intake{
		store: store,
		queue: q,
		log:   log.With().Str("component", "intake").Logger(),
		now:   time.Now,
	}
}

// Submit turns one request into ceil(n/BatchSize) queued jobs. Validation
// failures are returned synchronously as *ValidationError.
func (in *Intake) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := in.validate(&req); err != nil {
		return nil, err
	}

	recipients := normalizeRecipients(req.Recipients)
	if len(recipients) == 0 {
		return nil, &ValidationError{Field: "contacts", Msg: "no valid recipients after normalization"}
	}

	dedup := req.DedupKey
	if dedup == "" {
		dedup = deriveDedupKey(req.ConnectionID, req.Message, req.Media, recipients, in.now())
	}

	baseDelay := time.Duration(0)
	if req.Schedule != nil {
		baseDelay = time.Until(*req.Schedule)
		if baseDelay < 0 {
			baseDelay = 0
		}
	}

	parentID := uuid.NewString()
	batches := splitBatches(recipients, BatchSize)

	res := &SubmitResult{
		ParentJobID: parentID,
		Speed:       req.Speed,
		DedupKey:    dedup,
		Schedule:    req.Schedule,
	}
	if len(batches) == 1 {
		res.Status = "queued"
	} else {
		res.Status = "queued-batch"
	}

	for i, batch := range batches {
		jobID := parentID
		key := dedup
		if len(batches) > 1 {
			jobID = uuid.NewString()
			key = fmt.Sprintf("%s-batch-%d", dedup, i+1)
		}
		delay := baseDelay + time.Duration(i)*batchStagger

		job := &model.BroadcastJob{
			ID:           jobID,
			ParentJobID:  parentID,
			ConnectionID: req.ConnectionID,
			OwnerID:      req.OwnerID,
			Type:         req.Type,
			Message:      req.Message,
			Media:        req.Media,
			Speed:        req.Speed,
			DedupKey:     key,
			ScheduledAt:  req.Schedule,
		}
		if err := in.store.CreateJob(job, batch); err != nil {
			return nil, fmt.Errorf("persist job %s: %w", jobID, err)
		}

		payload := &model.JobPayload{
			JobID:        jobID,
			ParentJobID:  parentID,
			ConnectionID: req.ConnectionID,
			OwnerID:      req.OwnerID,
			CredentialID: req.ConnectionID,
			Type:         req.Type,
			Message:      req.Message,
			Media:        req.Media,
			Recipients:   batch,
			Speed:        req.Speed,
			DedupKey:     key,
		}
		if err := in.queue.Enqueue(ctx, payload, delay); err != nil {
			// The audit row stays; the job just never got queued.
			if ferr := in.store.FailJob(jobID, "enqueue failed: "+err.Error()); ferr != nil {
				in.log.Error().Err(ferr).Str("job", jobID).Msg("marking unqueued job failed")
			}
			return nil, fmt.Errorf("enqueue job %s: %w", jobID, err)
		}

		res.Jobs = append(res.Jobs, QueuedJob{JobID: jobID, DedupKey: key, Delay: delay, Total: len(batch)})
	}

	in.log.Info().
		Str("parent", parentID).
		Int("batches", len(batches)).
		Int("recipients", len(recipients)).
		Str("connection", req.ConnectionID).
		Msg("broadcast queued")
	return res, nil
}

// Cancel removes a job that has not started. Only queued jobs may be
// cancelled.
func (in *Intake) Cancel(ctx context.Context, jobID string) error {
	return in.store.CancelJob(jobID)
}

func (in *Intake) validate(req *SubmitRequest) error {
	if req.ConnectionID == "" {
		return &ValidationError{Field: "connectionId", Msg: "required"}
	}
	if len(req.Recipients) == 0 {
		return &ValidationError{Field: "contacts", Msg: "required and non-empty"}
	}
	if req.Type == "" {
		if !req.Media.IsZero() {
			req.Type = "media"
		} else {
			req.Type = "text"
		}
	}
	if req.Type != "text" && req.Type != "media" {
		return &ValidationError{Field: "type", Msg: "must be text or media"}
	}
	if req.Type == "media" && req.Media.IsZero() {
		return &ValidationError{Field: "media", Msg: "media job needs mediaUrl or asset_id"}
	}
	if req.Type == "text" && strings.TrimSpace(req.Message) == "" {
		return &ValidationError{Field: "message", Msg: "required for text broadcasts"}
	}
	if req.Schedule != nil && req.Schedule.Before(in.now().Add(-time.Minute)) {
		return &ValidationError{Field: "schedule", Msg: "must be in the future"}
	}
	switch req.Speed {
	case "":
		req.Speed = model.SpeedNormal
	case model.SpeedFast, model.SpeedNormal, model.SpeedSlow:
	default:
		return &ValidationError{Field: "speed", Msg: "must be fast, normal or slow"}
	}
	return nil
}

// normalizeRecipients strips phone numbers to digits and collapses
// duplicates within the submission; the first occurrence keeps its data row.
func normalizeRecipients(in []model.Recipient) []model.Recipient {
	seen := make(map[string]bool, len(in))
	out := make([]model.Recipient, 0, len(in))
	for _, r := range in {
		phone := digitsOnly(r.Phone)
		if phone == "" || seen[phone] {
			continue
		}
		seen[phone] = true
		out = append(out, model.Recipient{Phone: phone, Data: r.Data})
	}
	return out
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, c := range s {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// splitBatches slices recipients into ordered batches of at most size.
func splitBatches(recipients []model.Recipient, size int) [][]model.Recipient {
	var out [][]model.Recipient
	for len(recipients) > size {
		out = append(out, recipients[:size])
		recipients = recipients[size:]
	}
	return append(out, recipients)
}

// deriveDedupKey builds a deterministic key so identical same-day
// resubmissions share it. The key is audit metadata; it does not suppress
// duplicates.
func deriveDedupKey(connectionID, message string, media model.MediaRef, recipients []model.Recipient, now time.Time) string {
	phones := make([]string, len(recipients))
	for i, r := range recipients {
		phones[i] = r.Phone
	}
	sort.Strings(phones)

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s",
		connectionID, message, media.URL, media.AssetID,
		strings.Join(phones, ","), now.Format("2006-01-02"))
	return hex.EncodeToString(h.Sum(nil))[:32]
}
