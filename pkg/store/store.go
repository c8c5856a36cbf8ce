// Package store implements the filesystem session store (spec §4.4):
// one directory per job under {root}/YYYY-MM-DD/ses-HHMMSS/, holding
// metadata.json, images/, tokens.json and an optional evaluation/ log.
// Every write to metadata.json is atomic (write-temp-then-rename) so a
// reader never observes a partially written iteration frame.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store is a filesystem-backed session store rooted at Root. One writer
// (the orchestrator worker) is expected per session; readers tolerate
// absence and partial absence of files.
type Store struct {
	root string
	mu   sync.Mutex // serializes session-directory creation/collision checks
}

// New creates a Store rooted at root, creating the root directory if
// necessary.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create session store root: %w", err)
	}
	return &Store{root: root}, nil
}

// CreateSession mints a session ID from now, creates its directory, and
// writes an initial metadata.json with status running. Returns the minted
// ID and its absolute directory (callers that generate images need the
// directory as providers.GenerateOptions.OutputDir).
func (s *Store) CreateSession(now time.Time, jobID, userPrompt string, cfg Config) (sessionID, dir string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dateDir := filepath.Join(s.root, now.Format("2006-01-02"))
	if err := os.MkdirAll(dateDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create date directory: %w", err)
	}

	id := mintSessionID(now, "")
	sessionDir := filepath.Join(dateDir, id)
	for attempt := 0; attempt < 5; attempt++ {
		if _, statErr := os.Stat(sessionDir); os.IsNotExist(statErr) {
			break
		}
		suffix, rerr := randomSuffix()
		if rerr != nil {
			return "", "", fmt.Errorf("generate collision suffix: %w", rerr)
		}
		id = mintSessionID(now, suffix)
		sessionDir = filepath.Join(dateDir, id)
	}

	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create session directory: %w", err)
	}

	meta := Metadata{
		JobID:      jobID,
		SessionID:  id,
		UserPrompt: userPrompt,
		Config:     cfg,
		Status:     StatusRunning,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := writeJSONAtomic(filepath.Join(sessionDir, "metadata.json"), meta); err != nil {
		return "", "", fmt.Errorf("write initial metadata: %w", err)
	}

	return id, sessionDir, nil
}

// GetMetadata reads the current metadata.json for sessionID.
func (s *Store) GetMetadata(sessionID string) (Metadata, error) {
	dir, err := s.findSessionDir(sessionID)
	if err != nil {
		return Metadata{}, err
	}
	var meta Metadata
	if err := readJSON(filepath.Join(dir, "metadata.json"), &meta); err != nil {
		return Metadata{}, fmt.Errorf("read metadata for %s: %w", sessionID, err)
	}
	return meta, nil
}

// FindSessionIDByJobID scans every session's metadata.json for one whose
// JobID matches jobID. Used as the job manager's fallback when a job's
// in-memory record has already been garbage-collected or the process
// restarted (spec §4.8 status path: "for completed sessions not in
// memory, looks up through the session store").
func (s *Store) FindSessionIDByJobID(jobID string) (string, error) {
	dateDirs, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrSessionNotFound
		}
		return "", fmt.Errorf("read session store root: %w", err)
	}

	for _, dateDir := range dateDirs {
		if !dateDir.IsDir() {
			continue
		}
		sessionDirs, err := os.ReadDir(filepath.Join(s.root, dateDir.Name()))
		if err != nil {
			continue
		}
		for _, sd := range sessionDirs {
			if !sd.IsDir() {
				continue
			}
			var meta Metadata
			path := filepath.Join(s.root, dateDir.Name(), sd.Name(), "metadata.json")
			if err := readJSON(path, &meta); err != nil {
				continue
			}
			if meta.JobID == jobID {
				return meta.SessionID, nil
			}
		}
	}
	return "", ErrSessionNotFound
}

// ListSessions enumerates every session under Root, newest first.
func (s *Store) ListSessions() ([]Summary, error) {
	dateDirs, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session store root: %w", err)
	}

	var summaries []Summary
	for _, dateDir := range dateDirs {
		if !dateDir.IsDir() {
			continue
		}
		sessionDirs, err := os.ReadDir(filepath.Join(s.root, dateDir.Name()))
		if err != nil {
			continue
		}
		for _, sd := range sessionDirs {
			if !sd.IsDir() {
				continue
			}
			var meta Metadata
			path := filepath.Join(s.root, dateDir.Name(), sd.Name(), "metadata.json")
			if err := readJSON(path, &meta); err != nil {
				continue
			}
			summaries = append(summaries, Summary{
				SessionID: meta.SessionID,
				Prompt:    meta.UserPrompt,
				Status:    meta.Status,
				CreatedAt: meta.CreatedAt,
				UpdatedAt: meta.UpdatedAt,
			})
		}
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	return summaries, nil
}

// GetImage reads an image file for sessionID. filename is validated to
// resolve strictly inside the session's images directory — path
// traversal is rejected.
func (s *Store) GetImage(sessionID, filename string) ([]byte, error) {
	dir, err := s.findSessionDir(sessionID)
	if err != nil {
		return nil, err
	}

	imagesDir := filepath.Join(dir, "images")
	path := filepath.Join(imagesDir, filename)

	cleanImagesDir, err := filepath.Abs(imagesDir)
	if err != nil {
		return nil, err
	}
	cleanPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if cleanPath != cleanImagesDir && !strings.HasPrefix(cleanPath, cleanImagesDir+string(filepath.Separator)) {
		return nil, ErrInvalidFilename
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return data, nil
}

// AppendIteration appends a completed iteration frame to metadata.json,
// rewriting the file atomically so readers never see a partial frame.
func (s *Store) AppendIteration(sessionID string, frame IterationFrame) error {
	dir, err := s.findSessionDir(sessionID)
	if err != nil {
		return err
	}

	path := filepath.Join(dir, "metadata.json")
	var meta Metadata
	if err := readJSON(path, &meta); err != nil {
		return fmt.Errorf("read metadata before append: %w", err)
	}

	meta.Iterations = append(meta.Iterations, frame)
	meta.UpdatedAt = time.Now()
	return writeJSONAtomic(path, meta)
}

// Finalize records the terminal status, winner, finalists, lineage and
// token/cost totals, then snapshots meterJSON into tokens.json.
func (s *Store) Finalize(sessionID string, status Status, winner *CandidateFrame, finalists []CandidateFrame, lineage []LineageNode, rankerReason string, errKind, errMessage string, tokenUsage int, estimatedCost float64, meterJSON []byte) error {
	dir, err := s.findSessionDir(sessionID)
	if err != nil {
		return err
	}

	path := filepath.Join(dir, "metadata.json")
	var meta Metadata
	if err := readJSON(path, &meta); err != nil {
		return fmt.Errorf("read metadata before finalize: %w", err)
	}

	meta.Status = status
	meta.Winner = winner
	meta.Finalists = finalists
	meta.Lineage = lineage
	meta.RankerReason = rankerReason
	meta.ErrorKind = errKind
	meta.ErrorMessage = errMessage
	meta.TokenUsage = tokenUsage
	meta.EstimatedCost = estimatedCost
	meta.UpdatedAt = time.Now()

	if err := writeJSONAtomic(path, meta); err != nil {
		return fmt.Errorf("write final metadata: %w", err)
	}

	if meterJSON != nil {
		if err := writeFileAtomic(filepath.Join(dir, "tokens.json"), meterJSON); err != nil {
			return fmt.Errorf("write tokens snapshot: %w", err)
		}
	}
	return nil
}

// findSessionDir locates sessionID's directory under any date subfolder.
func (s *Store) findSessionDir(sessionID string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(s.root, "*", sessionID))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", ErrSessionNotFound
	}
	return matches[0], nil
}

func readJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrSessionNotFound
		}
		return err
	}
	return json.Unmarshal(data, out)
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// writeFileAtomic writes data to a temp file in the same directory as path
// and renames it into place, so a crash mid-write never leaves a reader
// looking at a truncated file.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
