package repository

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrTransient marks source failures worth retrying: timeouts, rate limits, 5xx.
	ErrTransient = errors.New("transient source error")
	// ErrParse marks responses whose shape could not be understood. Not retried.
	ErrParse = errors.New("source response could not be parsed")
	// ErrSourceUnavailable is returned when a crawl could not even probe its root range.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrJobTerminal is returned for operations on jobs that already finished.
	ErrJobTerminal = errors.New("import job is already in a terminal state")
	// ErrPlanAlreadySet is returned when a plan write finds total_chunks already set.
	ErrPlanAlreadySet = errors.New("import job plan already written")
	// ErrInvalidTransition is returned when a conditional status update matched no row.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrQueueEmpty is returned by queue pops that found nothing before the timeout.
	ErrQueueEmpty = errors.New("queue is empty")
)
