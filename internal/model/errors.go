package model

import (
	"errors"
)

var (
	ErrValidation    = errors.New("invalid job request")
	ErrInvalidConfig = errors.New("invalid config")
	ErrConflict      = errors.New("a job is already in progress")
	ErrNotFound      = errors.New("no job found")
	ErrSpawn         = errors.New("spawn error")
	ErrParseAnomaly  = errors.New("unparseable certificate")
)
