// Package store persists Task and Project records as JSON files, one
// directory per project. Writes to a project are serialized behind a
// per-project lock so concurrent route handlers cannot interleave
// partial read-modify-write cycles on the same task list.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/charmbracelet/log"

	"foreman/pkg/task"
)

// ErrNotFound is returned when a task or project does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence interface consumed by the dispatch engine and
// the route layer.
type Store interface {
	GetProject(projectID string) (*task.Project, error)
	PutProject(p *task.Project) error
	ListProjects() ([]*task.Project, error)

	GetTask(projectID, taskID string) (*task.Task, error)
	ListTasks(projectID string) ([]*task.Task, error)
	PutTask(projectID string, t *task.Task) error
	DeleteTask(projectID, taskID string) error

	// UpdateTask runs fn against the current task record under the
	// project's write lock and persists the result. fn returning an
	// error aborts the write.
	UpdateTask(projectID, taskID string, fn func(*task.Task) error) (*task.Task, error)
}

// FileStore is the production JSON-on-disk Store.
type FileStore struct {
	root   string
	logger *log.Logger

	mu    sync.Mutex // guards locks map
	locks map[string]*sync.Mutex
}

// NewFileStore creates a store rooted at dir (created if missing).
func NewFileStore(dir string, logger *log.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir %s: %w", dir, err)
	}
	if logger == nil {
		logger = log.New(os.Stderr)
	}
	return &FileStore{
		root:   dir,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// projectLock returns the write lock for a project, creating it on first use.
func (s *FileStore) projectLock(projectID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[projectID] = l
	}
	return l
}

func (s *FileStore) projectDir(projectID string) string {
	return filepath.Join(s.root, "projects", projectID)
}

func (s *FileStore) projectFile(projectID string) string {
	return filepath.Join(s.projectDir(projectID), "project.json")
}

func (s *FileStore) tasksFile(projectID string) string {
	return filepath.Join(s.projectDir(projectID), "tasks.json")
}

// GetProject loads a project record.
func (s *FileStore) GetProject(projectID string) (*task.Project, error) {
	data, err := os.ReadFile(s.projectFile(projectID))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read project %s: %w", projectID, err)
	}
	var p task.Project
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode project %s: %w", projectID, err)
	}
	return &p, nil
}

// PutProject writes a project record.
func (s *FileStore) PutProject(p *task.Project) error {
	l := s.projectLock(p.ID)
	l.Lock()
	defer l.Unlock()

	if err := os.MkdirAll(s.projectDir(p.ID), 0o755); err != nil {
		return fmt.Errorf("create project dir: %w", err)
	}
	return writeJSON(s.projectFile(p.ID), p)
}

// ListProjects returns all project records, sorted by ID.
func (s *FileStore) ListProjects() ([]*task.Project, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "projects"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read projects dir: %w", err)
	}

	var out []*task.Project
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p, err := s.GetProject(e.Name())
		if err != nil {
			s.logger.Warn("skipping unreadable project", "id", e.Name(), "err", err)
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// loadTasks reads the task list without taking the project lock.
func (s *FileStore) loadTasks(projectID string) ([]*task.Task, error) {
	data, err := os.ReadFile(s.tasksFile(projectID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tasks for %s: %w", projectID, err)
	}
	var tasks []*task.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("decode tasks for %s: %w", projectID, err)
	}
	return tasks, nil
}

// saveTasks writes the task list without taking the project lock.
func (s *FileStore) saveTasks(projectID string, tasks []*task.Task) error {
	if err := os.MkdirAll(s.projectDir(projectID), 0o755); err != nil {
		return fmt.Errorf("create project dir: %w", err)
	}
	return writeJSON(s.tasksFile(projectID), tasks)
}

// GetTask loads a single task.
func (s *FileStore) GetTask(projectID, taskID string) (*task.Task, error) {
	tasks, err := s.loadTasks(projectID)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.ID == taskID {
			return t, nil
		}
	}
	return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
}

// ListTasks returns a project's tasks ordered by status column position
// (Order ascending, creation time breaking ties).
func (s *FileStore) ListTasks(projectID string) ([]*task.Task, error) {
	tasks, err := s.loadTasks(projectID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Order != tasks[j].Order {
			return tasks[i].Order < tasks[j].Order
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// PutTask inserts or replaces a task under the project write lock.
func (s *FileStore) PutTask(projectID string, t *task.Task) error {
	l := s.projectLock(projectID)
	l.Lock()
	defer l.Unlock()

	tasks, err := s.loadTasks(projectID)
	if err != nil {
		return err
	}
	replaced := false
	for i, existing := range tasks {
		if existing.ID == t.ID {
			tasks[i] = t
			replaced = true
			break
		}
	}
	if !replaced {
		tasks = append(tasks, t)
	}
	return s.saveTasks(projectID, tasks)
}

// DeleteTask removes a task under the project write lock.
func (s *FileStore) DeleteTask(projectID, taskID string) error {
	l := s.projectLock(projectID)
	l.Lock()
	defer l.Unlock()

	tasks, err := s.loadTasks(projectID)
	if err != nil {
		return err
	}
	for i, t := range tasks {
		if t.ID == taskID {
			tasks = append(tasks[:i], tasks[i+1:]...)
			return s.saveTasks(projectID, tasks)
		}
	}
	return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
}

// UpdateTask applies fn to the stored task and persists the result,
// holding the project lock for the whole read-modify-write cycle.
func (s *FileStore) UpdateTask(projectID, taskID string, fn func(*task.Task) error) (*task.Task, error) {
	l := s.projectLock(projectID)
	l.Lock()
	defer l.Unlock()

	tasks, err := s.loadTasks(projectID)
	if err != nil {
		return nil, err
	}
	for i, t := range tasks {
		if t.ID != taskID {
			continue
		}
		if err := fn(t); err != nil {
			return nil, err
		}
		tasks[i] = t
		if err := s.saveTasks(projectID, tasks); err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
}

// writeJSON writes v atomically: temp file in the same directory, then rename.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("temp file for %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
