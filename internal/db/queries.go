package db

const (
	insertJob = `
		INSERT INTO print_jobs (id, printer, status, copies, cut_after, payload, payload_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			error_message = '',
			retries = 0,
			completed_at = NULL
	`

	updateJobStatus = `
		UPDATE print_jobs SET status = ?, error_message = ?, retries = ?, completed_at = ? WHERE id = ?
	`

	markJobStarted = `
		UPDATE print_jobs SET status = ? WHERE id = ?
	`

	selectJob = `
		SELECT id, printer, status, error_message, copies, cut_after, retries, payload, payload_bytes, created_at, completed_at
		FROM print_jobs WHERE id = ?
	`

	selectJobsByStatus = `
		SELECT id, printer, status, error_message, copies, cut_after, retries, payload, payload_bytes, created_at, completed_at
		FROM print_jobs WHERE status = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`

	selectJobs = `
		SELECT id, printer, status, error_message, copies, cut_after, retries, payload, payload_bytes, created_at, completed_at
		FROM print_jobs
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`

	selectUnfinishedJobs = `
		SELECT id, printer, status, error_message, copies, cut_after, retries, payload, payload_bytes, created_at, completed_at
		FROM print_jobs WHERE status IN ('queued', 'in_flight')
		ORDER BY created_at ASC
	`

	countByStatus = `
		SELECT status, COUNT(*) FROM print_jobs GROUP BY status
	`

	deleteCompletedBefore = `
		DELETE FROM print_jobs
		WHERE completed_at IS NOT NULL AND completed_at < ?
	`
)
