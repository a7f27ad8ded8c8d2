package domain

import "errors"

var (
	ErrUnauthenticated           = errors.New("unauthenticated")
	ErrInvalidRequest            = errors.New("invalid request")
	ErrProviderNotConfigured     = errors.New("provider not configured")
	ErrProviderError             = errors.New("provider error")
	ErrUsageRecordNotFound       = errors.New("usage record not found")
	ErrUsageRecordExists         = errors.New("usage record already exists")
	ErrUnsupportedUsageSemantics = errors.New("unsupported usage semantics")
	ErrStreamIdle                = errors.New("upstream stream idle timeout")
	ErrCircuitOpen               = errors.New("upstream circuit open")
)
