package db

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/noxist/ticketd/internal/core"
)

var ErrNotFound = errors.New("job not found in history")

// RecordQueued inserts a freshly enqueued job, payload included so it can be
// requeued after a crash.
func (s *Store) RecordQueued(job *core.PrintJob) error {
	cut := 0
	if job.CutAfter {
		cut = 1
	}
	_, err := s.db.Exec(insertJob,
		job.ID, job.TargetPrinter, string(core.JobStatusQueued),
		job.Copies, cut, job.Payload, len(job.Payload), job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (s *Store) RecordStarted(id string) error {
	_, err := s.db.Exec(markJobStarted, string(core.JobStatusInFlight), id)
	if err != nil {
		return fmt.Errorf("failed to mark job started: %w", err)
	}
	return nil
}

func (s *Store) RecordFinished(id string, status core.JobStatus, errMsg string, retries int) error {
	now := time.Now()
	_, err := s.db.Exec(updateJobStatus, string(status), errMsg, retries, &now, id)
	if err != nil {
		return fmt.Errorf("failed to record job result: %w", err)
	}
	return nil
}

func (s *Store) RecordCancelled(id string) error {
	now := time.Now()
	_, err := s.db.Exec(updateJobStatus, string(core.JobStatusCancelled), "", 0, &now, id)
	if err != nil {
		return fmt.Errorf("failed to record cancellation: %w", err)
	}
	return nil
}

func (s *Store) GetJob(id string) (*StoredJob, error) {
	row := s.db.QueryRow(selectJob, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query job: %w", err)
	}
	return job, nil
}

func (s *Store) ListJobs(status string, limit, offset int) ([]*StoredJob, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows *sql.Rows
	var err error
	if status != "" {
		rows, err = s.db.Query(selectJobsByStatus, status, limit, offset)
	} else {
		rows, err = s.db.Query(selectJobs, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// UnfinishedJobs returns jobs that never reached a terminal state, oldest
// first, for requeueing at startup.
func (s *Store) UnfinishedJobs() ([]*StoredJob, error) {
	rows, err := s.db.Query(selectUnfinishedJobs)
	if err != nil {
		return nil, fmt.Errorf("failed to query unfinished jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

func (s *Store) CountByStatus() ([]StatusCount, error) {
	rows, err := s.db.Query(countByStatus)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	var counts []StatusCount
	for rows.Next() {
		var c StatusCount
		if err := rows.Scan(&c.Status, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// PruneCompletedBefore removes terminal jobs older than the cutoff and
// returns how many rows were deleted.
func (s *Store) PruneCompletedBefore(cutoff time.Time) (int64, error) {
	result, err := s.db.Exec(deleteCompletedBefore, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", err)
	}
	return result.RowsAffected()
}

// PruneLoop periodically deletes terminal jobs past the retention window.
func (s *Store) PruneLoop(interval time.Duration, retention time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			n, err := s.PruneCompletedBefore(time.Now().Add(-retention))
			if err != nil {
				log.Printf("[db] prune failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("[db] pruned %d completed jobs", n)
			}
		}
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*StoredJob, error) {
	job := &StoredJob{}
	var cut int
	var completedAt sql.NullTime
	err := row.Scan(
		&job.ID, &job.Printer, &job.Status, &job.ErrorMessage,
		&job.Copies, &cut, &job.Retries, &job.Payload, &job.PayloadBytes,
		&job.CreatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	job.CutAfter = cut == 1
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return job, nil
}

func scanJobs(rows *sql.Rows) ([]*StoredJob, error) {
	var jobs []*StoredJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
