package api

import (
	"errors"
	"net/http"

	"classroom_clicker/pkg/roster"
	"classroom_clicker/pkg/session"
	"classroom_clicker/pkg/source"
	"classroom_clicker/pkg/vote"
)

var validationErrors = []error{
	errBadRequest,
	vote.ErrEmptyParticipant,
	vote.ErrParticipantTooLong,
	vote.ErrEmptyKey,
	vote.ErrUnknownKey,
	vote.ErrKeyOutOfAlphabet,
	session.ErrInvalidLifecycle,
	source.ErrInvalidChannel,
	roster.ErrInvalidRoster,
}

// statusFor maps a domain error onto an HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotAccepting), errors.Is(err, source.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, source.ErrUnsupportedCommand):
		return http.StatusUnprocessableEntity
	}
	for _, v := range validationErrors {
		if errors.Is(err, v) {
			return http.StatusBadRequest
		}
	}
	return http.StatusInternalServerError
}

func messageFor(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid request"
	case http.StatusConflict:
		return "precondition failed"
	case http.StatusUnprocessableEntity:
		return "unsupported command"
	default:
		return "internal error"
	}
}
