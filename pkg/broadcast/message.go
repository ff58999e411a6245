package broadcast

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"classroom_clicker/pkg/vote"
)

// MessageType represents the kind of event sent to viewers
type MessageType string

const (
	VoteMessage      MessageType = "vote"
	StatusMessage    MessageType = "status"
	SnapshotMessage  MessageType = "snapshot"
	HardwareMessage  MessageType = "hardware"
	RosterMessage    MessageType = "roster"
	QuestionsMessage MessageType = "questions"
)

// Message is the envelope every viewer event travels in
type Message struct {
	Type      MessageType `json:"type"`
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewMessage creates a new message
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Data:      data,
	}
}

// Marshal serializes the message
func (m Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// VotePayload is the incremental vote event
type VotePayload struct {
	ParticipantID string          `json:"participantId"`
	AnswerKey     string          `json:"answerKey"`
	Timestamp     time.Time       `json:"timestamp"`
	SourceKind    vote.SourceKind `json:"sourceKind"`
	IsUpdate      bool            `json:"isUpdate"`
}

// ConnectionHealth summarizes the source manager for viewers
type ConnectionHealth struct {
	State      string          `json:"state"`
	ActiveKind vote.SourceKind `json:"activeKind,omitempty"`
	Connected  bool            `json:"connected"`
	Attempt    int             `json:"attempt"`
	LastError  string          `json:"lastError,omitempty"`
	Channel    string          `json:"channel,omitempty"`
	Fallback   bool            `json:"fallback"`
}

// StatusPayload is the aggregate status event
type StatusPayload struct {
	Lifecycle        string           `json:"lifecycle"`
	VoteCount        int              `json:"voteCount"`
	LastVoteAt       *time.Time       `json:"lastVoteAt,omitempty"`
	ConnectionHealth ConnectionHealth `json:"connectionHealth"`
	Note             string           `json:"note,omitempty"`
}

// SnapshotEntry is one participant's current answer
type SnapshotEntry struct {
	ParticipantID string `json:"participantId"`
	AnswerKey     string `json:"answerKey"`
}

// ScanResult is one channel reported by a frequency scan
type ScanResult struct {
	Channel string `json:"channel"`
	RSSI    int    `json:"rssi"`
}

// HardwarePayload relays out-of-band receiver frames
type HardwarePayload struct {
	Kind     string       `json:"kind"`
	Channel  string       `json:"channel,omitempty"`
	Channels []ScanResult `json:"channels,omitempty"`
}
