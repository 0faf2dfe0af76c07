package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/floraldo/hive-sub004/pkg/schema"
)

// MemoryStore is an in-memory Store for tests and embedded use.
// All state is lost on process exit.
type MemoryStore struct {
	mu          sync.Mutex
	tasks       map[string]*Task
	deadLetters []*DeadLetter
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

func (s *MemoryStore) CreateTask(_ context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if _, ok := s.tasks[task.ID]; ok {
		return nil // idempotent per id
	}
	if task.Status == "" {
		task.Status = schema.TaskStatusQueued
	}
	if task.Phase == "" {
		task.Phase = schema.PhaseInit
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	task.UpdatedAt = time.Now().UTC()
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, storeNotFound("task", id)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTasks(_ context.Context, filter TaskFilter) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tasks []*Task
	for _, t := range s.tasks {
		if filter.Status != nil && t.Status != *filter.Status {
			continue
		}
		if filter.Since != nil && t.CreatedAt.Before(*filter.Since) {
			continue
		}
		cp := *t
		tasks = append(tasks, &cp)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(tasks) {
			return nil, nil
		}
		tasks = tasks[filter.Offset:]
	}
	if filter.Limit > 0 && len(tasks) > filter.Limit {
		tasks = tasks[:filter.Limit]
	}
	return tasks, nil
}

func (s *MemoryStore) MarkRunning(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return storeNotFound("task", id)
	}
	t.Status = schema.TaskStatusRunning
	if t.StartedAt == nil {
		now := time.Now().UTC()
		t.StartedAt = &now
	}
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) MarkCompleted(_ context.Context, id string, phase schema.Phase, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return storeNotFound("task", id)
	}
	t.Status = schema.TaskStatusCompleted
	t.Phase = phase
	t.Result = result
	t.Error = ""
	if t.CompletedAt == nil {
		now := time.Now().UTC()
		t.CompletedAt = &now
	}
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id string, phase schema.Phase, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return storeNotFound("task", id)
	}
	t.Status = schema.TaskStatusFailed
	t.Phase = phase
	t.Error = errMsg
	if t.CompletedAt == nil {
		now := time.Now().UTC()
		t.CompletedAt = &now
	}
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) AddDeadLetter(_ context.Context, entry *DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	for _, e := range s.deadLetters {
		if e.ID == entry.ID {
			return nil // idempotent per id
		}
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	cp := *entry
	s.deadLetters = append(s.deadLetters, &cp)
	return nil
}

func (s *MemoryStore) ListDeadLetters(_ context.Context, limit int) ([]*DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]*DeadLetter, 0, len(s.deadLetters))
	for _, e := range s.deadLetters {
		cp := *e
		entries = append(entries, &cp)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.After(entries[j].CreatedAt) })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
