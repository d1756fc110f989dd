package store

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fibreops/dropwatch/internal/pathutil"
)

// ResolveStateRootPath resolves the configured state root path.
// If empty, it falls back to ~/.dropwatch/state.
func ResolveStateRootPath(stateRootPath string) (string, error) {
	if trimmed := strings.TrimSpace(stateRootPath); trimmed != "" {
		return pathutil.Expand(trimmed)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".dropwatch", "state"), nil
}

// GetGroupDir returns the base state directory for a monitored group and
// creates it when missing. Each group owns its own store files; nothing is
// shared across groups.
func GetGroupDir(groupID string, stateRootPath string) (string, error) {
	root, err := ResolveStateRootPath(stateRootPath)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(root, groupID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// GetProcessedSetPath returns the processed-set file for a group.
func GetProcessedSetPath(groupID string, stateRootPath string) (string, error) {
	base, err := GetGroupDir(groupID, stateRootPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "processed.json"), nil
}

// GetTrackerPath returns the notification tracker file for a group.
func GetTrackerPath(groupID string, stateRootPath string) (string, error) {
	base, err := GetGroupDir(groupID, stateRootPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "feedback_sent.json"), nil
}

// GetLockPath returns the lock file guarding a group's state directory.
func GetLockPath(groupDir string) string {
	return filepath.Join(groupDir, "group.lock")
}
