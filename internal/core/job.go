package core

import (
	"time"

	"github.com/google/uuid"
)

type TransportKind string

const (
	TransportLocal     TransportKind = "local"
	TransportMqttRelay TransportKind = "mqtt"
)

// PrinterTarget is a configured addressable printer. Loaded once at startup
// and read-only during dispatch.
type PrinterTarget struct {
	Name    string
	Kind    TransportKind
	Address string
	Port    int
	Broker  string
	Topic   string
}

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusInFlight  JobStatus = "in_flight"
	JobStatusDelivered JobStatus = "delivered"
	JobStatusFailed    JobStatus = "failed"
	JobStatusTimedOut  JobStatus = "timed_out"
	JobStatusCancelled JobStatus = "cancelled"
)

// PrintJob carries an already-encoded ESC/POS payload. The dispatcher never
// encodes; the payload must be fully formed before the job is constructed.
// Immutable after construction.
type PrintJob struct {
	ID            string
	Payload       []byte
	TargetPrinter string
	CutAfter      bool
	Copies        int
	CreatedAt     time.Time
}

type JobOptions struct {
	// CutAfter defaults to true when nil.
	CutAfter *bool
	// Copies defaults to 1 when zero.
	Copies int
}

type DeliveryStatus string

const (
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
	StatusTimedOut  DeliveryStatus = "timed_out"
)

// DeliveryResult is the single terminal outcome of an accepted job.
type DeliveryResult struct {
	JobID  string
	Status DeliveryStatus
	Err    error
}

func newJob(payload []byte, target string, opts JobOptions) (*PrintJob, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	if opts.Copies < 0 {
		return nil, ErrInvalidCopies
	}

	copies := opts.Copies
	if copies == 0 {
		copies = 1
	}
	cut := true
	if opts.CutAfter != nil {
		cut = *opts.CutAfter
	}

	return &PrintJob{
		ID:            uuid.New().String(),
		Payload:       payload,
		TargetPrinter: target,
		CutAfter:      cut,
		Copies:        copies,
		CreatedAt:     time.Now(),
	}, nil
}
