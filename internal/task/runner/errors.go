package runner

import "errors"

var (
	ErrStopped     = errors.New("runner stopped")
	ErrStopping    = errors.New("runner stopping")
	ErrNilMutation = errors.New("runner: nil mutation")
)
