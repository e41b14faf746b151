package entity

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidState     = errors.New("invalid state transition")
	ErrTemplateNotFound = errors.New("template not found")
	ErrValidation       = errors.New("validation failed")
	ErrDeliveryFailure  = errors.New("delivery failed")
	ErrConfiguration    = errors.New("configuration error")
	ErrConflict         = errors.New("conflicting data")
)
