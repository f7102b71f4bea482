package countsync

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/mmdatafocus/stocktake_backend/models"
)

// QueueStore persists the pending movement queue so a client that crashes
// or restarts between syncs does not lose unsynced counts. A nil store means
// the queue is volatile.
type QueueStore interface {
	Load() ([]*models.NewCountMovement, error)
	Save(pending []*models.NewCountMovement) error
}

// FileQueueStore keeps the pending queue in a single JSON file, replaced
// atomically on every save.
type FileQueueStore struct {
	path string
}

func NewFileQueueStore(path string) *FileQueueStore {
	return &FileQueueStore{path: path}
}

func (s *FileQueueStore) Load() ([]*models.NewCountMovement, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var pending []*models.NewCountMovement
	if err := json.Unmarshal(data, &pending); err != nil {
		return nil, err
	}
	return pending, nil
}

func (s *FileQueueStore) Save(pending []*models.NewCountMovement) error {
	if pending == nil {
		pending = []*models.NewCountMovement{}
	}
	data, err := json.Marshal(pending)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
