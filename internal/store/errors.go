package store

import "errors"

var (
	ErrOfficeNotFound       = errors.New("office not found")
	ErrDepartmentNotFound   = errors.New("department not found")
	ErrTokenNotFound        = errors.New("token not found")
	ErrInvalidState         = errors.New("invalid token state")
	ErrQueueClosed          = errors.New("queue closed")
	ErrQueuePaused          = errors.New("queue paused")
	ErrNoTokenServing       = errors.New("no token serving")
	ErrHolderAlreadyQueued  = errors.New("holder already queued")
	ErrAlreadyServing       = errors.New("another token is already serving")
	ErrSequenceConflict     = errors.New("ticket number conflict")
	ErrTransientUnavailable = errors.New("queue temporarily unavailable")
	ErrSessionNotFound      = errors.New("session not found")
	ErrInvalidInput         = errors.New("invalid input")
)
