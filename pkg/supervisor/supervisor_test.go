package supervisor

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/jflournoy/beamsearch/pkg/config"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func testConfig(port int, healthPath string) *config.Config {
	cfg := config.GetBuiltinConfig()
	cfg.Services = map[config.ServiceName]config.ServiceConfig{
		config.ServiceLLM: {Port: port, HealthPath: healthPath, GracefulTimeout: 500 * time.Millisecond},
	}
	return cfg
}

func TestStart_WritesPIDAndPortFiles(t *testing.T) {
	tmpDir := t.TempDir()
	port := freePort(t)
	s := New(testConfig(port, "/health"), tmpDir, nil)

	err := s.Start(context.Background(), config.ServiceLLM, StartOptions{Command: "sleep", Args: []string{"30"}})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop(context.Background(), config.ServiceLLM)

	if !s.IsRunning(config.ServiceLLM) {
		t.Error("expected service to be running")
	}

	pid, ok := s.GetPID(config.ServiceLLM)
	if !ok || pid <= 0 {
		t.Errorf("GetPID() = %d, %v", pid, ok)
	}

	portData, err := os.ReadFile(filepath.Join(tmpDir, "llm_service.port"))
	if err != nil {
		t.Fatalf("reading port file: %v", err)
	}
	gotPort, _ := strconv.Atoi(string(portData))
	if gotPort != port {
		t.Errorf("port file = %d, want %d", gotPort, port)
	}
}

func TestStart_Idempotent(t *testing.T) {
	tmpDir := t.TempDir()
	port := freePort(t)
	s := New(testConfig(port, "/health"), tmpDir, nil)

	opts := StartOptions{Command: "sleep", Args: []string{"30"}}
	if err := s.Start(context.Background(), config.ServiceLLM, opts); err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	defer s.Stop(context.Background(), config.ServiceLLM)

	firstPID, _ := s.GetPID(config.ServiceLLM)
	if err := s.Start(context.Background(), config.ServiceLLM, opts); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	secondPID, _ := s.GetPID(config.ServiceLLM)

	if firstPID != secondPID {
		t.Errorf("expected same pid on idempotent start, got %d then %d", firstPID, secondPID)
	}
}

func TestStop_DeletesPIDFile(t *testing.T) {
	tmpDir := t.TempDir()
	port := freePort(t)
	s := New(testConfig(port, "/health"), tmpDir, nil)

	if err := s.Start(context.Background(), config.ServiceLLM, StartOptions{Command: "sleep", Args: []string{"30"}}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := s.Stop(context.Background(), config.ServiceLLM); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if s.IsRunning(config.ServiceLLM) {
		t.Error("expected service to not be running after Stop")
	}
	if _, err := os.Stat(filepath.Join(tmpDir, "llm_service.pid")); !os.IsNotExist(err) {
		t.Error("expected pid file to be deleted")
	}
}

func TestStopUser_CreatesStopLock(t *testing.T) {
	tmpDir := t.TempDir()
	port := freePort(t)
	s := New(testConfig(port, "/health"), tmpDir, nil)

	if err := s.Start(context.Background(), config.ServiceLLM, StartOptions{Command: "sleep", Args: []string{"30"}}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.StopUser(context.Background(), config.ServiceLLM); err != nil {
		t.Fatalf("StopUser() error = %v", err)
	}

	if !s.HasStopLock(config.ServiceLLM) {
		t.Error("expected stop lock after StopUser")
	}
}

func TestRestart_RefusesWhenStopLocked(t *testing.T) {
	tmpDir := t.TempDir()
	port := freePort(t)
	s := New(testConfig(port, "/health"), tmpDir, nil)

	if err := s.CreateStopLock(config.ServiceLLM); err != nil {
		t.Fatal(err)
	}

	err := s.Restart(context.Background(), config.ServiceLLM)
	if err == nil {
		t.Fatal("expected Restart to refuse while stop-locked")
	}
}

func TestDeleteStopLock_ClearsLock(t *testing.T) {
	tmpDir := t.TempDir()
	s := New(testConfig(freePort(t), "/health"), tmpDir, nil)

	if err := s.CreateStopLock(config.ServiceLLM); err != nil {
		t.Fatal(err)
	}
	if !s.HasStopLock(config.ServiceLLM) {
		t.Fatal("expected lock present")
	}
	if err := s.DeleteStopLock(config.ServiceLLM); err != nil {
		t.Fatalf("DeleteStopLock() error = %v", err)
	}
	if s.HasStopLock(config.ServiceLLM) {
		t.Error("expected lock cleared")
	}
}

func TestHealth_ReturnsTrueOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	addr := srv.Listener.Addr().(*net.TCPAddr)
	s := New(testConfig(addr.Port, "/"), t.TempDir(), nil)

	healthy, err := s.Health(context.Background(), config.ServiceLLM)
	if err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if !healthy {
		t.Error("expected healthy = true")
	}
}

func TestHealth_ReturnsFalseWhenUnreachable(t *testing.T) {
	s := New(testConfig(freePort(t), "/health"), t.TempDir(), nil)
	healthy, err := s.Health(context.Background(), config.ServiceLLM)
	if err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if healthy {
		t.Error("expected healthy = false when nothing is listening")
	}
}

func TestStart_RefusesWhenPortOccupied(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	s := New(testConfig(port, "/health"), t.TempDir(), nil)
	err = s.Start(context.Background(), config.ServiceLLM, StartOptions{Command: "sleep", Args: []string{"1"}})
	if err == nil {
		t.Fatal("expected error when target port is occupied")
	}
}

func TestValidateFluxEncoderPaths_SkipsWhenHosted(t *testing.T) {
	if err := ValidateFluxEncoderPaths(StartOptions{}); err != nil {
		t.Errorf("expected no error for hosted model, got %v", err)
	}
}

func TestValidateFluxEncoderPaths_RequiresAllThreeWhenLocal(t *testing.T) {
	err := ValidateFluxEncoderPaths(StartOptions{ModelPath: "/models/flux.safetensors"})
	if err == nil {
		t.Fatal("expected error for missing encoder paths")
	}
}

func TestValidateFluxEncoderPaths_RequiresPathsExist(t *testing.T) {
	dir := t.TempDir()
	clip := filepath.Join(dir, "clip.bin")
	os.WriteFile(clip, []byte("x"), 0o644)

	err := ValidateFluxEncoderPaths(StartOptions{
		ModelPath:        filepath.Join(dir, "flux.safetensors"),
		TextEncoderPath:  clip,
		TextEncoder2Path: filepath.Join(dir, "missing-t5.bin"),
		VAEPath:          filepath.Join(dir, "missing-vae.bin"),
	})
	if err == nil {
		t.Fatal("expected error for nonexistent encoder path")
	}
}
