package store

import "time"

// Status is the job lifecycle state recorded in metadata.json.
type Status string

const (
	StatusRunning   Status = "running"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Config is the beam-search run configuration recorded alongside a
// session, nested under metadata.json's "config" key (spec §6).
type Config struct {
	BeamWidth     int     `json:"beamWidth"`
	KeepTop       int     `json:"keepTop"`
	MaxIterations int     `json:"maxIterations"`
	Alpha         float64 `json:"alpha"`
	Temperature   float64 `json:"temperature"`
}

// ImageRef is a candidate's rendered image, by remote URL and/or local
// file path (spec §3, §6).
type ImageRef struct {
	URL       string `json:"url,omitempty"`
	LocalPath string `json:"localPath,omitempty"`
}

// Ranking is a candidate's ranker-assigned comparative explanation (spec
// §3's optional "ranking record").
type Ranking struct {
	Rank       int      `json:"rank"`
	Reason     string   `json:"reason,omitempty"`
	Strengths  []string `json:"strengths,omitempty"`
	Weaknesses []string `json:"weaknesses,omitempty"`
}

// CandidateFrame is one candidate's recorded outcome within an iteration
// frame (spec §3, §4.4, §6).
type CandidateFrame struct {
	CandidateID    string   `json:"candidateId"`
	ParentID       string   `json:"parentId,omitempty"`
	WhatPrompt     string   `json:"whatPrompt"`
	HowPrompt      string   `json:"howPrompt"`
	Combined       string   `json:"combined"`
	Image          ImageRef `json:"image"`
	AlignmentScore float64  `json:"alignmentScore"`
	AestheticScore float64  `json:"aestheticScore"`
	TotalScore     float64  `json:"totalScore"`
	Survived       bool     `json:"survived"`
	Ranking        *Ranking `json:"ranking,omitempty"`
}

// IterationFrame is one completed iteration's persisted record. Which
// candidates survived into the next iteration is recorded per-candidate
// on CandidateFrame.Survived rather than as a side list (spec §6).
type IterationFrame struct {
	Iteration   int              `json:"iteration"`
	Candidates  []CandidateFrame `json:"candidates"`
	CompletedAt time.Time        `json:"completedAt"`
}

// LineageNode is one step of the winner's parentId chain, root first
// (spec §3, §6).
type LineageNode struct {
	Iteration   int    `json:"iteration"`
	CandidateID string `json:"candidateId"`
}

// Metadata is the evolving job descriptor persisted as metadata.json
// (spec §4.4, §6).
type Metadata struct {
	JobID      string           `json:"jobId"`
	SessionID  string           `json:"sessionId"`
	UserPrompt string           `json:"userPrompt"`
	Config     Config           `json:"config"`
	Status     Status           `json:"status"`
	CreatedAt  time.Time        `json:"createdAt"`
	UpdatedAt  time.Time        `json:"updatedAt"`
	Iterations []IterationFrame `json:"iterations"`

	Winner       *CandidateFrame  `json:"winner,omitempty"`
	Finalists    []CandidateFrame `json:"finalists,omitempty"`
	Lineage      []LineageNode    `json:"lineage,omitempty"`
	RankerReason string           `json:"rankerReason,omitempty"`

	TokenUsage    int     `json:"tokenUsage,omitempty"`
	EstimatedCost float64 `json:"estimatedCost,omitempty"`

	ErrorKind    string `json:"errorKind,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Summary is the lightweight view returned by ListSessions.
type Summary struct {
	SessionID string    `json:"sessionId"`
	Prompt    string    `json:"prompt"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
