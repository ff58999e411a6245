package vote

import (
	"errors"
	"time"
)

// Rejection reasons returned by the normalizer
var (
	ErrEmptyParticipant   = errors.New("participant id cannot be empty")
	ErrParticipantTooLong = errors.New("participant id exceeds maximum length")
	ErrEmptyKey           = errors.New("answer key cannot be empty")
	ErrUnknownKey         = errors.New("answer key is the unknown sentinel")
	ErrKeyOutOfAlphabet   = errors.New("answer key not in accepted alphabet")
)

const (
	// MaxParticipantLength is counted in runes after trimming
	MaxParticipantLength = 32

	// UnknownKey is what hardware decoders emit for unmapped key bytes
	UnknownKey = "?"
)

// SourceKind identifies where a vote came from
type SourceKind string

const (
	SourceOfficial  SourceKind = "official"
	SourceTransport SourceKind = "transport"
	SourceSynthetic SourceKind = "synthetic"
	SourceNetwork   SourceKind = "network"
)

// IsHardware reports whether the kind is a physical receiver
func (k SourceKind) IsHardware() bool {
	return k == SourceOfficial || k == SourceTransport
}

// Alphabets tolerated across receiver generations
const (
	ClassicAlphabet  = "ABCDE"
	ExtendedAlphabet = "ABCDEFGHIJ"
)

// Raw is a source-specific vote before validation
type Raw struct {
	ParticipantID string
	Key           string
	Source        SourceKind
}

// VoteRecord is the canonical, validated vote
type VoteRecord struct {
	ParticipantID string     `json:"participantId"`
	AnswerKey     string     `json:"answerKey"`
	Timestamp     time.Time  `json:"timestamp"`
	SourceKind    SourceKind `json:"sourceKind"`
}
