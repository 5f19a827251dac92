package app

import "errors"

var (
	ErrQueueEntryNotFound = errors.New("queue entry not found")
	ErrRuleNotFound       = errors.New("rule not found")
	ErrTemplateNotFound   = errors.New("template not found")
	// ErrInvalidRequest wraps every input validation failure.
	ErrInvalidRequest      = errors.New("invalid request")
	ErrRendererUnavailable = errors.New("pdf renderer unavailable")
)
