package model

import (
	"errors"
	"time"
)

// Shared defaults used by both the pipeline and TUI binaries.
const (
	DefaultAuditLimit   = 1
	DefaultFetchTimeout = 60 * time.Second

	// DefaultMaxPayloadSize caps how much of one payload any source reads.
	DefaultMaxPayloadSize = 256 * 1024 * 1024 // 256MB
)

// ErrPayloadTooLarge is returned when a payload exceeds its size cap.
var ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

// DefaultAggregationKeys is the key set counted when none is configured.
var DefaultAggregationKeys = []string{
	FieldType,
	FieldAttack,
	FieldContainer,
	FieldImage,
	FieldHostname,
	FieldRule,
	FieldAttackTechniques,
}
