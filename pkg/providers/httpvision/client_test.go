package httpvision

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jflournoy/beamsearch/pkg/providers"
)

func TestAnalyzeImage_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req analyzeRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.ImageRef != "/tmp/a.png" {
			t.Errorf("ImageRef = %q", req.ImageRef)
		}
		json.NewEncoder(w).Encode(analyzeResponse{
			Analysis:       "a clear depiction of the prompt",
			AlignmentScore: 87.5,
			Caption:        "a vivid scene",
			Model:          "vlm-test",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "vlm-test")
	result, err := c.AnalyzeImage(context.Background(), "/tmp/a.png", "a vivid scene", providers.AnalyzeOptions{Iteration: 1, CandidateID: "1"})
	if err != nil {
		t.Fatalf("AnalyzeImage() error = %v", err)
	}
	if result.AlignmentScore != 87.5 {
		t.Errorf("AlignmentScore = %v, want 87.5", result.AlignmentScore)
	}
	if result.Caption != "a vivid scene" {
		t.Errorf("Caption = %q", result.Caption)
	}
}

func TestAnalyzeImage_NotFoundClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "vlm-test")
	_, err := c.AnalyzeImage(context.Background(), "/tmp/a.png", "p", providers.AnalyzeOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
}
