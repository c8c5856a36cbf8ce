package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jflournoy/beamsearch/pkg/config"
)

func (s *Supervisor) pidFile(name config.ServiceName) string {
	return filepath.Join(s.tmpDir, fmt.Sprintf("%s_service.pid", name))
}

func (s *Supervisor) portFile(name config.ServiceName) string {
	return filepath.Join(s.tmpDir, fmt.Sprintf("%s_service.port", name))
}

func (s *Supervisor) stopLockFile(name config.ServiceName) string {
	return filepath.Join(s.tmpDir, fmt.Sprintf("%s_STOP_LOCK", name))
}

// readPID returns the pid recorded for name, or ok=false if no pid file
// exists or it cannot be parsed.
func (s *Supervisor) readPID(name config.ServiceName) (pid int, ok bool) {
	data, err := os.ReadFile(s.pidFile(name))
	if err != nil {
		return 0, false
	}
	pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return pid, true
}

func (s *Supervisor) writePID(name config.ServiceName, pid int) error {
	return os.WriteFile(s.pidFile(name), []byte(strconv.Itoa(pid)), 0o644)
}

func (s *Supervisor) deletePIDFile(name config.ServiceName) {
	os.Remove(s.pidFile(name))
}

func (s *Supervisor) writePortFile(name config.ServiceName, port int) error {
	return os.WriteFile(s.portFile(name), []byte(strconv.Itoa(port)), 0o644)
}

func (s *Supervisor) deletePortFile(name config.ServiceName) {
	os.Remove(s.portFile(name))
}

// CreateStopLock marks name as explicitly stopped by a user, recording
// the current unix timestamp. Auto-restart and Restart both refuse to
// act while this lock is present.
func (s *Supervisor) CreateStopLock(name config.ServiceName) error {
	return os.WriteFile(s.stopLockFile(name), []byte(strconv.FormatInt(time.Now().Unix(), 10)), 0o644)
}

// HasStopLock reports whether name currently has a stop lock.
func (s *Supervisor) HasStopLock(name config.ServiceName) bool {
	_, err := os.Stat(s.stopLockFile(name))
	return err == nil
}

// DeleteStopLock removes name's stop lock. This is the explicit user
// "reset" action (spec §4.6).
func (s *Supervisor) DeleteStopLock(name config.ServiceName) error {
	err := os.Remove(s.stopLockFile(name))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// GetAllStopLocks returns every service currently holding a stop lock.
func (s *Supervisor) GetAllStopLocks() []StopLockInfo {
	var locks []StopLockInfo
	for _, name := range config.AllServiceNames() {
		data, err := os.ReadFile(s.stopLockFile(name))
		if err != nil {
			continue
		}
		unixSeconds, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			continue
		}
		locks = append(locks, StopLockInfo{Name: name, CreatedAt: time.Unix(unixSeconds, 0)})
	}
	return locks
}
