package db

import "time"

type StoredJob struct {
	ID           string
	Printer      string
	Status       string
	ErrorMessage string
	Copies       int
	CutAfter     bool
	Retries      int
	Payload      []byte
	PayloadBytes int
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

type StatusCount struct {
	Status string
	Count  int
}
