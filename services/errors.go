package services

import "errors"

var (
	ErrBadRequest        = errors.New("bad request")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrAlreadyRegistered = errors.New("execution already registered")
	ErrQuotaExceeded     = errors.New("task queue limit reached")
	ErrUnknownTenant     = errors.New("unknown tenant")
	ErrEngineClosed      = errors.New("engine closed")
	ErrMalformedTask     = errors.New("malformed task definition")
)
