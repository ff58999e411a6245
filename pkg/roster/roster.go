package roster

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"classroom_clicker/pkg/broadcast"
	"classroom_clicker/pkg/vote"
)

// ErrInvalidRoster is returned for malformed participant or question payloads
var ErrInvalidRoster = errors.New("invalid roster payload")

// Participant is one registered responder
type Participant struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Number string `json:"number,omitempty"`
}

// UnmarshalJSON accepts either a bare name string or an object with name and number.
// Numbers may be sent as JSON strings or numbers.
func (p *Participant) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &p.Name)
	}

	var obj struct {
		ID     string          `json:"id"`
		Name   string          `json:"name"`
		Number json.RawMessage `json:"number"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	p.ID = obj.ID
	p.Name = obj.Name
	p.Number = ""

	num := bytes.TrimSpace(obj.Number)
	switch {
	case len(num) == 0 || string(num) == "null":
	case num[0] == '"':
		if err := json.Unmarshal(num, &p.Number); err != nil {
			return err
		}
	default:
		var n json.Number
		if err := json.Unmarshal(num, &n); err != nil {
			return err
		}
		p.Number = n.String()
	}
	return nil
}

// RosterPayload is broadcast when the roster changes
type RosterPayload struct {
	Participants []Participant `json:"participants"`
}

// QuestionsPayload is broadcast when the question bank is replaced
type QuestionsPayload struct {
	Questions []json.RawMessage `json:"questions"`
}

// Store holds the participant roster and the opaque question bank
type Store struct {
	logger *zap.Logger

	mu           sync.RWMutex
	participants map[string]Participant
	questions    []json.RawMessage
}

// NewStore creates an empty store
func NewStore(logger *zap.Logger) *Store {
	return &Store{
		logger:       logger,
		participants: make(map[string]Participant),
	}
}

// ReplaceParticipants swaps the whole roster and returns the event to broadcast
func (s *Store) ReplaceParticipants(in map[string]Participant) (broadcast.Message, error) {
	next := make(map[string]Participant, len(in))
	for key, p := range in {
		id := strings.TrimSpace(key)
		if id == "" {
			id = strings.TrimSpace(p.ID)
		}
		if id == "" {
			return broadcast.Message{}, fmt.Errorf("%w: empty participant id", ErrInvalidRoster)
		}
		if utf8.RuneCountInString(id) > vote.MaxParticipantLength {
			return broadcast.Message{}, fmt.Errorf("%w: participant id %q too long", ErrInvalidRoster, id)
		}
		p.ID = id
		p.Name = strings.TrimSpace(p.Name)
		p.Number = strings.TrimSpace(p.Number)
		next[id] = p
	}

	s.mu.Lock()
	s.participants = next
	msg := s.rosterMessageLocked()
	s.mu.Unlock()

	s.logger.Info("Participant roster replaced", zap.Int("participants", len(next)))
	return msg, nil
}

// ReplaceQuestions swaps the question bank. Entries are kept as sent.
func (s *Store) ReplaceQuestions(questions []json.RawMessage) (broadcast.Message, error) {
	next := make([]json.RawMessage, 0, len(questions))
	for i, q := range questions {
		if !json.Valid(q) {
			return broadcast.Message{}, fmt.Errorf("%w: question %d is not valid JSON", ErrInvalidRoster, i)
		}
		next = append(next, append(json.RawMessage(nil), q...))
	}

	s.mu.Lock()
	s.questions = next
	msg := broadcast.NewMessage(broadcast.QuestionsMessage, QuestionsPayload{Questions: next})
	s.mu.Unlock()

	s.logger.Info("Question bank replaced", zap.Int("questions", len(next)))
	return msg, nil
}

// Register adds an unseen participant with displayName. Known participants
// and blank names leave the roster unchanged.
func (s *Store) Register(participantID, displayName string) (broadcast.Message, bool) {
	participantID = strings.TrimSpace(participantID)
	displayName = strings.TrimSpace(displayName)
	if participantID == "" || displayName == "" {
		return broadcast.Message{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.participants[participantID]; ok {
		return broadcast.Message{}, false
	}
	s.participants[participantID] = Participant{ID: participantID, Name: displayName}

	s.logger.Debug("Participant registered",
		zap.String("participant", participantID),
		zap.String("name", displayName))
	return s.rosterMessageLocked(), true
}

// Participant looks up one roster entry
func (s *Store) Participant(id string) (Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[id]
	return p, ok
}

// Participants returns the roster ordered by id
func (s *Store) Participants() []Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked()
}

// Questions returns a copy of the question bank
func (s *Store) Questions() []json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]json.RawMessage(nil), s.questions...)
}

// Messages returns the roster and question events a new viewer needs
func (s *Store) Messages() []broadcast.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var msgs []broadcast.Message
	if len(s.participants) > 0 {
		msgs = append(msgs, s.rosterMessageLocked())
	}
	if len(s.questions) > 0 {
		msgs = append(msgs, broadcast.NewMessage(broadcast.QuestionsMessage, QuestionsPayload{Questions: s.questions}))
	}
	return msgs
}

func (s *Store) rosterMessageLocked() broadcast.Message {
	return broadcast.NewMessage(broadcast.RosterMessage, RosterPayload{Participants: s.sortedLocked()})
}

func (s *Store) sortedLocked() []Participant {
	out := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
