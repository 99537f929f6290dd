package fsutil

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// shmDir is used for container scratch space when it is memory backed.
const shmDir = "/dev/shm"

// minShmMemoryMB is the free memory below which scratch stays on disk.
const minShmMemoryMB = 512

// AvailableMemoryMB returns available memory in MB.
func AvailableMemoryMB() (int64, error) {
	content, err := os.ReadFile("/proc/meminfo")
	if err == nil {
		lines := strings.Split(string(content), "\n")
		for _, line := range lines {
			if strings.HasPrefix(line, "MemAvailable:") {
				fields := strings.Fields(line)
				if len(fields) >= 2 {
					if kb, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
						return kb / 1024, nil
					}
				}
			}
		}
	}

	var sysinfo syscall.Sysinfo_t
	if err := syscall.Sysinfo(&sysinfo); err != nil {
		return 0, err
	}

	availableBytes := int64(sysinfo.Freeram) * int64(sysinfo.Unit)
	return availableBytes / (1024 * 1024), nil
}

// Scratch is a per-run directory that containers use to exchange the input
// image and the output map. It lives on tmpfs when one is available.
type Scratch struct {
	Dir      string
	InMemory bool
	logger   *slog.Logger
}

// NewScratch creates a scratch directory. fallback is used when no memory
// backed filesystem is mounted; empty means os.TempDir.
func NewScratch(fallback string, logger *slog.Logger) (*Scratch, error) {
	if logger == nil {
		logger = slog.Default()
	}
	base, inMem := fallback, false
	if isTmpfs(shmDir) {
		if mb, err := AvailableMemoryMB(); err == nil && mb >= minShmMemoryMB {
			base, inMem = shmDir, true
		} else {
			logger.Debug("keeping scratch on disk", "available_mb", mb, "error", err)
		}
	}
	if base == "" {
		base = os.TempDir()
	}
	dir, err := os.MkdirTemp(base, "salharness-")
	if err != nil && inMem {
		logger.Debug("tmpfs scratch unavailable", "error", err)
		base, inMem = fallback, false
		dir, err = os.MkdirTemp(base, "salharness-")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	// Container users may not match ours.
	if err := os.Chmod(dir, 0o777); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	logger.Debug("scratch directory ready", "dir", dir, "in_memory", inMem)
	return &Scratch{Dir: dir, InMemory: inMem, logger: logger}, nil
}

// Cleanup removes the scratch directory.
func (s *Scratch) Cleanup() error {
	if s == nil || s.Dir == "" {
		return nil
	}
	if err := os.RemoveAll(s.Dir); err != nil {
		s.logger.Warn("failed to remove scratch directory", "dir", s.Dir, "error", err)
		return err
	}
	return nil
}

// isTmpfs checks /proc/mounts for a tmpfs mounted at dir.
func isTmpfs(dir string) bool {
	content, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(content), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 3 && fields[1] == dir && fields[2] == "tmpfs" {
			return true
		}
	}
	return false
}
