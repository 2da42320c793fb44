package model

import "time"

// CallStatus is a state of the simulated call lifecycle.
type CallStatus string

const (
	CallInitiating CallStatus = "initiating"
	CallRinging    CallStatus = "ringing"
	CallConnected  CallStatus = "connected"
	CallEnded      CallStatus = "ended"
	CallFailed     CallStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s CallStatus) Terminal() bool {
	return s == CallEnded || s == CallFailed
}

// CallQuality is informational only.
type CallQuality struct {
	AudioQuality        float64 `json:"audioQuality"`
	ConnectionStability float64 `json:"connectionStability"`
	LatencyMs           int     `json:"latencyMs"`
}

// CallSession is one active or historical simulated call.
type CallSession struct {
	ID              string      `json:"id"`
	CharacterID     string      `json:"characterId"`
	ConversationID  string      `json:"conversationId,omitempty"`
	Status          CallStatus  `json:"status"`
	StartTime       *time.Time  `json:"startTime,omitempty"`
	EndTime         *time.Time  `json:"endTime,omitempty"`
	DurationSeconds int         `json:"duration"`
	Quality         CallQuality `json:"qualityMetrics"`
	Muted           bool        `json:"isMuted"`
	Speaker         bool        `json:"isSpeakerOn"`
	Volume          int         `json:"volume"`
	Recording       bool        `json:"isRecording"`
	FailureReason   string      `json:"failureReason,omitempty"`
}
