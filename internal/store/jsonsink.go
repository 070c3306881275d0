package store

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/throw-if-null/metacrit/internal/api"
)

// JSONSink streams run results into a JSON array on disk. Each Save is
// synced, so a crash leaves a recoverable prefix of complete records; the
// closing bracket is written by Close.
type JSONSink struct {
	mu    sync.Mutex
	f     *os.File
	count int
}

// TranscriptFilename builds the transcript file name
// results_<model>_temp<temperature>.json, with path separators in the model
// name flattened.
func TranscriptFilename(model string, temperature float64) string {
	return fmt.Sprintf("results_%s_temp%v.json", strings.ReplaceAll(model, "/", "_"), temperature)
}

func NewJSONSink(path string) (*JSONSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if _, err := f.WriteString("[\n"); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &JSONSink{f: f}, nil
}

// Save appends one record.
func (s *JSONSink) Save(r *api.RunResult) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count > 0 {
		if _, err := s.f.WriteString(",\n"); err != nil {
			return err
		}
	}
	if _, err := s.f.Write(b); err != nil {
		return err
	}
	s.count++
	return s.f.Sync()
}

// Close terminates the JSON array and closes the file.
func (s *JSONSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	_, werr := s.f.WriteString("\n]\n")
	cerr := s.f.Close()
	s.f = nil
	if werr != nil {
		return werr
	}
	return cerr
}
