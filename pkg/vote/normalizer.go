package vote

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Normalizer converts raw source events into VoteRecords
type Normalizer struct {
	alphabet string
	now      func() time.Time
}

// NewNormalizer creates a normalizer accepting keys from alphabet.
// An empty alphabet falls back to the extended one.
func NewNormalizer(alphabet string) *Normalizer {
	alphabet = strings.ToUpper(strings.TrimSpace(alphabet))
	if alphabet == "" {
		alphabet = ExtendedAlphabet
	}
	return &Normalizer{
		alphabet: alphabet,
		now:      time.Now,
	}
}

// WithClock overrides the acceptance timestamp source
func (n *Normalizer) WithClock(now func() time.Time) *Normalizer {
	n.now = now
	return n
}

// Alphabet returns the accepted answer symbols
func (n *Normalizer) Alphabet() string {
	return n.alphabet
}

// Normalize validates raw and stamps it with the acceptance time
func (n *Normalizer) Normalize(raw Raw) (VoteRecord, error) {
	id := strings.TrimSpace(raw.ParticipantID)
	if id == "" {
		return VoteRecord{}, ErrEmptyParticipant
	}
	if utf8.RuneCountInString(id) > MaxParticipantLength {
		return VoteRecord{}, fmt.Errorf("%w: %d runes", ErrParticipantTooLong, utf8.RuneCountInString(id))
	}

	key, err := n.NormalizeKey(raw.Key)
	if err != nil {
		return VoteRecord{}, err
	}

	return VoteRecord{
		ParticipantID: id,
		AnswerKey:     key,
		Timestamp:     n.now(),
		SourceKind:    raw.Source,
	}, nil
}

// NormalizeKey trims and uppercases key and checks it against the alphabet
func (n *Normalizer) NormalizeKey(key string) (string, error) {
	key = strings.ToUpper(strings.TrimSpace(key))
	switch {
	case key == "":
		return "", ErrEmptyKey
	case key == UnknownKey || key == "UNKNOWN":
		return "", ErrUnknownKey
	case utf8.RuneCountInString(key) != 1 || !strings.Contains(n.alphabet, key):
		return "", fmt.Errorf("%w: %q", ErrKeyOutOfAlphabet, key)
	}
	return key, nil
}

// RejectReason maps a normalizer error onto a short label for logs and metrics
func RejectReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmptyParticipant):
		return "empty_participant"
	case errors.Is(err, ErrParticipantTooLong):
		return "participant_too_long"
	case errors.Is(err, ErrEmptyKey):
		return "empty_key"
	case errors.Is(err, ErrUnknownKey):
		return "unknown_key"
	case errors.Is(err, ErrKeyOutOfAlphabet):
		return "out_of_alphabet"
	default:
		return "invalid"
	}
}
