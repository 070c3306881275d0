package paths

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrInvalidTaskID returned when a task id fails validation
	ErrInvalidTaskID = errors.New("invalid task id")
)

const maxTaskIDLen = 64

// MaxTaskIDLen returns the maximum allowed task id length.
func MaxTaskIDLen() int { return maxTaskIDLen }

var taskIDRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,` + strconv.Itoa(maxTaskIDLen) + `}$`)

// ValidateTaskID returns nil for allowed task ids, or ErrInvalidTaskID.
// Task ids end up in file names and SQL rows, so the rules are strict:
// - Only allow ASCII letters, digits, dot, underscore and dash.
// - Max length is 64.
// - Disallow any ".." substring to avoid traversal attempts.
// - This forbids path separators '/' and '\\' and characters like ':' used in drive letters.
func ValidateTaskID(id string) error {
	if id == "" {
		return fmt.Errorf("empty task id: %w", ErrInvalidTaskID)
	}
	if len(id) > maxTaskIDLen {
		return fmt.Errorf("task id too long: %w", ErrInvalidTaskID)
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("task id contains disallowed '..': %w", ErrInvalidTaskID)
	}
	if !taskIDRe.MatchString(id) {
		return fmt.Errorf("task id contains invalid characters: %w", ErrInvalidTaskID)
	}
	return nil
}

// DataDir returns the relative data directory for the runner (".metacrit").
func DataDir() string { return ".metacrit" }

// DBPath returns the relative path of the run store database.
func DBPath() string {
	return filepath.ToSlash(filepath.Join(DataDir(), "metacrit.db"))
}

// TranscriptDir returns the relative transcript directory for a task
// (e.g. ".metacrit/transcripts/<task>").
func TranscriptDir(taskID string) (string, error) {
	if err := ValidateTaskID(taskID); err != nil {
		return "", err
	}
	return filepath.ToSlash(filepath.Join(DataDir(), "transcripts", taskID)), nil
}

// SafeJoin joins root with rel and ensures the resulting path is inside root.
// Returns an error if the result would escape root or if inputs are absolute
// in unexpected ways.
func SafeJoin(root, rel string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("empty root")
	}
	// If rel is absolute, joining will return rel; treat absolute rel as disallowed.
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("relative path expected, got absolute: %s", rel)
	}
	joined := filepath.Join(root, rel)
	cleaned := filepath.Clean(joined)
	// Make both absolute for reliable Rel behavior
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absCleaned, err := filepath.Abs(cleaned)
	if err != nil {
		return "", err
	}
	relToRoot, err := filepath.Rel(absRoot, absCleaned)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(relToRoot, "..") || strings.HasPrefix(filepath.ToSlash(relToRoot), "../") {
		return "", fmt.Errorf("path escapes root: %s", rel)
	}
	return absCleaned, nil
}
