package task

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"sendbot/internal/errkind"
	logx "sendbot/pkg/logx"
)

// Repo is the durable owner -> task id -> record store. It is the source of
// truth across restarts; the scheduler holds task ids only.
//
// Every mutation rewrites the whole JSON document (tmp file + rename) under
// a single writer lock, so concurrent commits cannot clobber each other.
type Repo struct {
	mu   sync.Mutex
	path string
	log  logx.Logger

	tasks map[string]map[string]Record
}

func NewRepo(path string, log logx.Logger) *Repo {
	return &Repo{
		path:  path,
		log:   log,
		tasks: map[string]map[string]Record{},
	}
}

// Load reads the store from disk. A missing or corrupt file yields an empty
// store rather than an error; corruption is logged.
func (r *Repo) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			r.tasks = map[string]map[string]Record{}
			return nil
		}
		return errkind.Wrap(errkind.KindPersistence, err)
	}

	var tasks map[string]map[string]Record
	if err := json.Unmarshal(b, &tasks); err != nil {
		r.log.Warn("task store corrupt, starting empty", logx.String("path", r.path), logx.Err(err))
		r.tasks = map[string]map[string]Record{}
		return nil
	}
	if tasks == nil {
		tasks = map[string]map[string]Record{}
	}
	r.tasks = tasks

	n := 0
	for _, owned := range tasks {
		n += len(owned)
	}
	r.log.Info("task store loaded", logx.Int("tasks", n), logx.String("path", r.path))
	return nil
}

// Put inserts a record. A failed write aborts the insert leaving prior
// state intact.
func (r *Repo) Put(rec Record) error {
	if err := rec.Validate(); err != nil {
		return errkind.Wrap(errkind.KindValidation, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	owned := r.tasks[rec.OwnerID]
	if owned == nil {
		owned = map[string]Record{}
		r.tasks[rec.OwnerID] = owned
	}
	prev, had := owned[rec.ID]
	owned[rec.ID] = rec

	if err := r.saveLocked(); err != nil {
		if had {
			owned[rec.ID] = prev
		} else {
			delete(owned, rec.ID)
		}
		return err
	}
	return nil
}

// Get looks a record up by task id across all owners.
func (r *Repo) Get(taskID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, owned := range r.tasks {
		if rec, ok := owned[taskID]; ok {
			return rec, true
		}
	}
	return Record{}, false
}

// ListByOwner returns the owner's records ordered by creation time.
func (r *Repo) ListByOwner(ownerID string) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	owned := r.tasks[ownerID]
	out := make([]Record, 0, len(owned))
	for _, rec := range owned {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Delete removes one record. Returns a NotFound error when the owner has no
// such task.
func (r *Repo) Delete(ownerID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	owned := r.tasks[ownerID]
	rec, ok := owned[taskID]
	if !ok {
		return errkind.New(errkind.KindNotFound, "task %s not found", taskID)
	}
	delete(owned, taskID)

	if err := r.saveLocked(); err != nil {
		owned[taskID] = rec
		return err
	}
	return nil
}

// DeleteAllByOwner removes every record of the owner and returns the
// removed task ids.
func (r *Repo) DeleteAllByOwner(ownerID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	owned := r.tasks[ownerID]
	if len(owned) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(owned))
	for id := range owned {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	delete(r.tasks, ownerID)

	if err := r.saveLocked(); err != nil {
		r.tasks[ownerID] = owned
		return nil, err
	}
	return ids, nil
}

// All returns a copy of every record, for boot-time registration.
func (r *Repo) All() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Record
	for _, owned := range r.tasks {
		for _, rec := range owned {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Repo) saveLocked() error {
	b, err := json.MarshalIndent(r.tasks, "", "  ")
	if err != nil {
		return errkind.Wrap(errkind.KindPersistence, err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errkind.Wrap(errkind.KindPersistence, err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return errkind.Wrap(errkind.KindPersistence, err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		_ = os.Remove(tmp)
		return errkind.Wrap(errkind.KindPersistence, err)
	}
	return nil
}
