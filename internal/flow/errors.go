package flow

import "errors"

var (
	ErrNotFound          = errors.New("token or session not found")
	ErrOverrideSuspended = errors.New("admission suspended by emergency protocol")
	ErrInvalidState      = errors.New("invalid token state")
)
