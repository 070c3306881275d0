// Package dataset loads evaluation tasks from local files. Two shapes are
// supported: CSV with a header row (the advbench harmful-behaviors layout,
// "goal" column) and JSONL with one task object per line.
package dataset

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/throw-if-null/metacrit/internal/api"
	"github.com/throw-if-null/metacrit/internal/prompt"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported dataset format")
	ErrEmptyDataset      = errors.New("dataset contains no tasks")
)

// prompt column names in preference order; "goal" is the advbench header
var promptColumns = []string{"goal", "prompt", "text"}

// Load reads tasks from path, dispatching on the file extension.
func Load(path string) ([]api.Task, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return loadCSV(f)
	case ".jsonl":
		return loadJSONL(f)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

func loadCSV(r io.Reader) ([]api.Task, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyDataset
		}
		return nil, err
	}

	promptIdx := -1
	for _, name := range promptColumns {
		for i, col := range header {
			if strings.EqualFold(strings.TrimSpace(col), name) {
				promptIdx = i
				break
			}
		}
		if promptIdx >= 0 {
			break
		}
	}
	if promptIdx < 0 {
		return nil, fmt.Errorf("no prompt column found (want one of %v), header: %v", promptColumns, header)
	}

	idIdx := columnIndex(header, "id")
	categoryIdx := columnIndex(header, "category")

	var tasks []api.Task
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if promptIdx >= len(rec) || strings.TrimSpace(rec[promptIdx]) == "" {
			continue
		}
		t := api.Task{Prompt: strings.TrimSpace(rec[promptIdx])}
		if idIdx >= 0 && idIdx < len(rec) {
			t.ID = strings.TrimSpace(rec[idIdx])
		}
		if categoryIdx >= 0 && categoryIdx < len(rec) {
			t.Category = strings.TrimSpace(rec[categoryIdx])
		}
		tasks = append(tasks, t)
	}
	return finalize(tasks)
}

func loadJSONL(r io.Reader) ([]api.Task, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)

	var tasks []api.Task
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var t api.Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if t.Prompt == "" {
			return nil, fmt.Errorf("line %d: missing prompt", line)
		}
		tasks = append(tasks, t)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return finalize(tasks)
}

// finalize synthesizes missing ids and rejects empty datasets.
func finalize(tasks []api.Task) ([]api.Task, error) {
	if len(tasks) == 0 {
		return nil, ErrEmptyDataset
	}
	for i := range tasks {
		if tasks[i].ID == "" {
			tasks[i].ID = fmt.Sprintf("task-%04d", i)
		}
	}
	return tasks, nil
}

func columnIndex(header []string, name string) int {
	for i, col := range header {
		if strings.EqualFold(strings.TrimSpace(col), name) {
			return i
		}
	}
	return -1
}

// Split deterministically shuffles tasks with seed and returns the held-out
// evaluation slice of testFraction size (at least one task). It mirrors the
// train/test split the experiment evaluated on.
func Split(tasks []api.Task, testFraction float64, seed int64) []api.Task {
	if testFraction <= 0 || len(tasks) == 0 {
		return nil
	}
	if testFraction >= 1 {
		return tasks
	}
	shuffled := make([]api.Task, len(tasks))
	copy(shuffled, tasks)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	n := int(float64(len(shuffled)) * testFraction)
	if n < 1 {
		n = 1
	}
	return shuffled[len(shuffled)-n:]
}

// ApplyTemplates wraps each task prompt in a jailbreak template, cycling
// through templates when there are fewer templates than tasks.
func ApplyTemplates(tasks []api.Task, templates []string) []api.Task {
	if len(templates) == 0 {
		return tasks
	}
	out := make([]api.Task, len(tasks))
	for i, t := range tasks {
		t.Prompt = prompt.ApplyTemplate(templates[i%len(templates)], t.Prompt)
		out[i] = t
	}
	return out
}
