package progress

import (
	"encoding/json"
	"time"
)

// Type is the discriminator for a progress Message's Payload (spec §4.7,
// §6). Clients switch on this field to decode the remaining fields.
type Type string

const (
	TypeStarted   Type = "started"
	TypeOperation Type = "operation"
	TypeStep      Type = "step"
	TypeCandidate Type = "candidate"
	TypeRanked    Type = "ranked"
	TypeIteration Type = "iteration"
	TypeComplete  Type = "complete"
	TypeError     Type = "error"
	TypeCancelled Type = "cancelled"
)

// Message is one progress event published for a job. JobID and Seq are
// bus-internal bookkeeping (per-job ordering, gap detection); they are
// never part of the wire representation, which is a flat object carrying
// only Type, Timestamp and the type-specific fields listed in spec §6 —
// MarshalJSON merges Payload's fields onto the top level rather than
// nesting them under a "payload" key.
type Message struct {
	Type      Type
	JobID     string
	Seq       int64
	Timestamp time.Time
	Payload   any
}

// MarshalJSON flattens Payload's fields alongside type and timestamp, so
// e.g. a candidate message serializes as
// {"type":"candidate","timestamp":"...","iteration":0,"candidateId":"1",...}
// rather than wrapping the per-type fields under a nested "payload" key.
func (m Message) MarshalJSON() ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if m.Payload != nil {
		data, err := json.Marshal(m.Payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, err
		}
	}

	typeJSON, err := json.Marshal(m.Type)
	if err != nil {
		return nil, err
	}
	fields["type"] = typeJSON

	tsJSON, err := json.Marshal(m.Timestamp)
	if err != nil {
		return nil, err
	}
	fields["timestamp"] = tsJSON

	return json.Marshal(fields)
}

// StartedPayload is the payload of a TypeStarted message: the
// fully-resolved submit parameters (params["prompt"] included).
type StartedPayload struct {
	Params map[string]any `json:"params"`
}

// OperationPayload is the payload of a TypeOperation message: a
// coarse-grained narrative line (e.g. "iteration 1: refining 4
// candidates from 2 survivors").
type OperationPayload struct {
	Message string `json:"message"`
}

// StepPayload is the payload of a TypeStep message: a finer-grained
// status line within the current operation.
type StepPayload struct {
	Phase string `json:"phase"`
}

// CandidatePayload is the payload of a TypeCandidate message, emitted once
// a candidate's image and scores are available.
type CandidatePayload struct {
	Iteration   int     `json:"iteration"`
	CandidateID string  `json:"candidateId"`
	ImageURL    string  `json:"imageUrl,omitempty"`
	WhatPrompt  string  `json:"whatPrompt"`
	HowPrompt   string  `json:"howPrompt"`
	Combined    string  `json:"combined"`
	Score       float64 `json:"score,omitempty"`
	ParentID    string  `json:"parentId,omitempty"`
}

// RankedPayload is the payload of a TypeRanked message, emitted once
// candidates of an iteration have been ordered.
type RankedPayload struct {
	Iteration   int      `json:"iteration"`
	CandidateID string   `json:"candidateId"`
	Rank        int      `json:"rank"`
	Reason      string   `json:"reason"`
	Strengths   []string `json:"strengths,omitempty"`
	Weaknesses  []string `json:"weaknesses,omitempty"`
}

// IterationPayload is the payload of a TypeIteration message, a summary
// emitted after all candidates of an iteration are scored and ranked.
type IterationPayload struct {
	Iteration       int      `json:"iteration"`
	TotalIterations int      `json:"totalIterations"`
	CandidatesCount int      `json:"candidatesCount"`
	SurvivorIDs     []string `json:"survivorIds,omitempty"`
	BestScore       float64  `json:"bestScore"`
	TokenUsage      int      `json:"tokenUsage"`
	EstimatedCost   float64  `json:"estimatedCost"`
}

// BestCandidate is the winning candidate's summary carried by a
// TypeComplete message.
type BestCandidate struct {
	What       string  `json:"what"`
	How        string  `json:"how"`
	Combined   string  `json:"combined"`
	TotalScore float64 `json:"totalScore"`
	ImageURL   string  `json:"imageUrl,omitempty"`
}

// CompleteResult wraps BestCandidate under the "result" key a TypeComplete
// message carries (spec §6).
type CompleteResult struct {
	BestCandidate BestCandidate `json:"bestCandidate"`
}

// CompletePayload is the payload of a TypeComplete message.
type CompletePayload struct {
	Result CompleteResult `json:"result"`
}

// ErrorPayload is the payload of a TypeError message.
type ErrorPayload struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// CancelledPayload is the payload of a TypeCancelled message; cancellation
// carries no data beyond type and timestamp (spec §6).
type CancelledPayload struct{}
