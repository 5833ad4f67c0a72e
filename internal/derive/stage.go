package derive

import (
	"time"

	"github.com/trunov/photothumb/internal/entities"
)

// Stage is a step of the per-message state machine.
type Stage int

const (
	StageReceived Stage = iota
	StageResolving
	StageStreaming
	StageDecoding
	StageResizing
	StageEncoding
	StageWriting
	StageAcknowledged
)

var stageNames = [...]string{
	StageReceived:     "received",
	StageResolving:    "resolving",
	StageStreaming:    "streaming",
	StageDecoding:     "decoding",
	StageResizing:     "resizing",
	StageEncoding:     "encoding",
	StageWriting:      "writing",
	StageAcknowledged: "acknowledged",
}

func (s Stage) String() string {
	if s >= 0 && int(s) < len(stageNames) {
		return stageNames[s]
	}
	return "unknown"
}

// Disposition is the terminal state of a message.
type Disposition int

const (
	Acknowledged Disposition = iota
	// FailedAcknowledged: permanent failure, message acknowledged and dropped.
	FailedAcknowledged
	// FailedUnacknowledged: transient failure or failed ack; the broker redelivers.
	FailedUnacknowledged
)

func (d Disposition) String() string {
	switch d {
	case Acknowledged:
		return "acknowledged"
	case FailedAcknowledged:
		return "failed-acknowledged"
	case FailedUnacknowledged:
		return "failed-unacknowledged"
	default:
		return "unknown"
	}
}

// Result describes how one delivery was handled.
type Result struct {
	MessageID   string
	OriginalID  string
	Stage       Stage // last stage entered
	Disposition Disposition
	Derivative  entities.Record
	Err         error
	Duration    time.Duration
}
