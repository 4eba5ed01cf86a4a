package notification

import (
	"errors"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"librarydesk/internal/circulation"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Kinds sent by the scheduled jobs, next to circulation's loan created and
// loan returned kinds.
const (
	KindDueReminder   circulation.NotificationKind = "due_reminder"
	KindOverdueNotice circulation.NotificationKind = "overdue_notice"
)

var (
	ErrQueueFull   = errors.New("notification queue is full")
	ErrQueueClosed = errors.New("notification queue is closed")
	ErrNoRecipient = errors.New("member has no email address")
	ErrUnknownKind = errors.New("unknown notification kind")
)

// Job is one queued notification.
type Job struct {
	ID         uuid.UUID                    `json:"id"`
	Kind       circulation.NotificationKind `json:"kind"`
	LoanID     uuid.UUID                    `json:"loan_id"`
	EnqueuedAt time.Time                    `json:"enqueued_at"`
}

func newJob(kind circulation.NotificationKind, loanID uuid.UUID) Job {
	return Job{ID: uuid.New(), Kind: kind, LoanID: loanID, EnqueuedAt: time.Now().UTC()}
}

func encodeJob(job Job) ([]byte, error) {
	return json.Marshal(job)
}

func decodeJob(data []byte) (Job, error) {
	var job Job
	err := json.Unmarshal(data, &job)
	return job, err
}
