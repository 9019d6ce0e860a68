package cron

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/store"
)

// FileStore implements store.CronStore with jobs read from a JSON file
// (reloadable via the config watcher) and runs recorded in a RunLog.
type FileStore struct {
	mu     sync.RWMutex
	path   string
	jobs   []store.CronJob
	runlog *RunLog
}

// NewFileStore loads the job list at path (missing file = no jobs) and
// attaches runlog for execution history. runlog may be nil, in which case
// runs are not recorded and LastRun/Runs report no history.
func NewFileStore(path string, runlog *RunLog) (*FileStore, error) {
	fs := &FileStore{path: path, runlog: runlog}
	if err := fs.Reload(); err != nil {
		return nil, err
	}
	return fs, nil
}

// Reload re-reads the job file. Called at startup and when the config
// watcher observes a change under the cron prefix.
func (f *FileStore) Reload() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			f.jobs = nil
			return nil
		}
		return fmt.Errorf("cron: read jobs file: %w", err)
	}
	var jobs []store.CronJob
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("cron: parse jobs file: %w", err)
	}
	f.jobs = jobs
	return nil
}

func (f *FileStore) List() []store.CronJob {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]store.CronJob, len(f.jobs))
	copy(out, f.jobs)
	return out
}

func (f *FileStore) Get(id string) (*store.CronJob, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, j := range f.jobs {
		if j.ID == id {
			job := j
			return &job, true
		}
	}
	return nil, false
}

func (f *FileStore) RecordRun(run store.CronRun) error {
	if f.runlog == nil {
		return nil
	}
	return f.runlog.Record(run)
}

func (f *FileStore) LastRun(jobID string) (*store.CronRun, bool) {
	if f.runlog == nil {
		return nil, false
	}
	runs := f.runlog.Runs(jobID, 1)
	if len(runs) == 0 {
		return nil, false
	}
	return &runs[0], true
}

func (f *FileStore) Runs(jobID string, limit int) []store.CronRun {
	if f.runlog == nil {
		return nil
	}
	return f.runlog.Runs(jobID, limit)
}
