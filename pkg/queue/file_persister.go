package queue

import (
	"encoding/json"
	"os"

	"github.com/S-Corkum/orchestrator-core/pkg/types"
)

// snapshot is the whole-queue persistence unit: pending items and the
// dead-letter list, serialized together per flush.
type snapshot struct {
	Pending    []*types.QueueItem `json:"pending"`
	DeadLetter []*types.QueueItem `json:"dead_letter"`
}

// FilePersister implements Persister against a single JSON file on disk.
// It is the reference backend; Redis/S3 persisters implement the same
// whole-snapshot contract for the networked tiers.
type FilePersister struct {
	path string
}

// NewFilePersister creates a FilePersister writing to path.
func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path}
}

// Save writes pending and deadLetter to the file, replacing its contents.
func (p *FilePersister) Save(pending []*types.QueueItem, deadLetter []*types.QueueItem) error {
	data, err := json.Marshal(snapshot{Pending: pending, DeadLetter: deadLetter})
	if err != nil {
		return err
	}
	return os.WriteFile(p.path, data, 0o600)
}

// Load reads the last-saved snapshot. A missing file is not an error: it
// returns two empty slices so a fresh queue starts clean.
func (p *FilePersister) Load() ([]*types.QueueItem, []*types.QueueItem, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, nil, err
	}
	return s.Pending, s.DeadLetter, nil
}
