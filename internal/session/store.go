package session

import (
	"sync"

	"magnet-sync/internal/domain"
)

// PlaceholderName is used for records synthesized from a progress event for an unknown id.
const PlaceholderName = "Download in progress"

type ChangeKind string

const (
	ChangeAdded      ChangeKind = "added"
	ChangeUpdated    ChangeKind = "updated"
	ChangeRemoved    ChangeKind = "removed"
	ChangeReconciled ChangeKind = "reconciled"
	ChangeReset      ChangeKind = "reset"
)

// Change describes one committed mutation. Before is nil for additions, After is nil for removals.
// PreviousID is set for reconciliations and holds the temporary id that was replaced.
type Change struct {
	Kind       ChangeKind
	ID         string
	PreviousID string
	Before     *domain.DownloadRecord
	After      *domain.DownloadRecord
}

// Observer receives changes in commit order. It may read the Store but must not mutate it.
type Observer func(Change)

// Store is the authoritative table of download records keyed by id.
type Store struct {
	mu      sync.RWMutex
	records map[string]domain.DownloadRecord
	order   []string

	// notifyMu is taken before mu is released so observers see changes in commit order.
	notifyMu  sync.Mutex
	observers map[int]Observer
	nextObs   int
}

func NewStore() *Store {
	return &Store{
		records:   make(map[string]domain.DownloadRecord),
		observers: make(map[int]Observer),
	}
}

// Subscribe registers an observer and returns a function that removes it.
func (s *Store) Subscribe(obs Observer) func() {
	s.notifyMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = obs
	s.notifyMu.Unlock()

	return func() {
		s.notifyMu.Lock()
		delete(s.observers, id)
		s.notifyMu.Unlock()
	}
}

// SetAll replaces the whole table. Duplicate ids keep their first occurrence.
func (s *Store) SetAll(records []domain.DownloadRecord) {
	s.mu.Lock()
	s.records = make(map[string]domain.DownloadRecord, len(records))
	s.order = s.order[:0]
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		if _, exists := s.records[rec.ID]; exists {
			continue
		}
		s.records[rec.ID] = rec.Clone()
		s.order = append(s.order, rec.ID)
	}
	s.commit(Change{Kind: ChangeReset})
}

// Upsert inserts rec when its id is unknown. An existing record is never overwritten.
func (s *Store) Upsert(rec domain.DownloadRecord) bool {
	if rec.ID == "" {
		return false
	}
	s.mu.Lock()
	if _, exists := s.records[rec.ID]; exists {
		s.mu.Unlock()
		return false
	}
	s.insertLocked(rec)
	after := rec.Clone()
	s.commit(Change{Kind: ChangeAdded, ID: rec.ID, After: &after})
	return true
}

// Update merges patch into the record with the given id. Unknown ids get a minimal record
// synthesized first, so progress that races ahead of the creation acknowledgment is kept.
// It returns false when nothing changed.
func (s *Store) Update(id string, patch domain.Patch) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	existing, ok := s.records[id]
	if !ok {
		rec := patch.Apply(synthesize(id))
		s.insertLocked(rec)
		after := rec.Clone()
		s.commit(Change{Kind: ChangeAdded, ID: id, After: &after})
		return true
	}

	updated := patch.Apply(existing)
	if updated.Equal(existing) {
		s.mu.Unlock()
		return false
	}
	s.records[id] = updated
	before, after := existing.Clone(), updated.Clone()
	s.commit(Change{Kind: ChangeUpdated, ID: id, Before: &before, After: &after})
	return true
}

// Remove deletes the record. Removing an unknown id is a no-op.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	existing, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.deleteLocked(id)
	before := existing.Clone()
	s.commit(Change{Kind: ChangeRemoved, ID: id, Before: &before})
	return true
}

// ReconcileIdentifier moves the record created under tempID to the backend-assigned realID and
// marks it downloading, clearing any earlier error. A missing tempID is a no-op. Copy and delete
// happen in one critical section, so no reader ever sees both ids or neither.
func (s *Store) ReconcileIdentifier(tempID, realID string) bool {
	if tempID == "" || realID == "" {
		return false
	}

	s.mu.Lock()
	temp, ok := s.records[tempID]
	if !ok {
		s.mu.Unlock()
		return false
	}

	if tempID == realID {
		rec := temp.Clone()
		rec.Status = domain.DownloadStatusDownloading
		rec.ErrorMessage = ""
		if rec.Equal(temp) {
			s.mu.Unlock()
			return false
		}
		s.records[realID] = rec
		before, after := temp.Clone(), rec.Clone()
		s.commit(Change{Kind: ChangeUpdated, ID: realID, Before: &before, After: &after})
		return true
	}

	var (
		rec    domain.DownloadRecord
		before *domain.DownloadRecord
	)
	if existing, exists := s.records[realID]; exists {
		rec = fillDescriptive(existing, temp)
		rec.Status = domain.DownloadStatusDownloading
		rec.ErrorMessage = ""
		b := existing.Clone()
		before = &b
		s.records[realID] = rec
		s.deleteLocked(tempID)
	} else {
		rec = temp.Clone()
		rec.ID = realID
		rec.Status = domain.DownloadStatusDownloading
		rec.ErrorMessage = ""
		s.replaceLocked(tempID, rec)
	}

	after := rec.Clone()
	s.commit(Change{Kind: ChangeReconciled, ID: realID, PreviousID: tempID, Before: before, After: &after})
	return true
}

func (s *Store) Get(id string) (domain.DownloadRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return domain.DownloadRecord{}, false
	}
	return rec.Clone(), true
}

// List returns all records in insertion order.
func (s *Store) List() []domain.DownloadRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.DownloadRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id].Clone())
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Stats summarizes the table for sidebars and tabs.
type Stats struct {
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Total: len(s.records)}
	for _, rec := range s.records {
		switch {
		case rec.Status == domain.DownloadStatusCompleted:
			st.Completed++
		case rec.Status.Active():
			st.Active++
		}
	}
	return st
}

// commit hands the lock over to the notifier. Must be called with mu held; releases it.
func (s *Store) commit(change Change) {
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()
	for _, obs := range s.observers {
		obs(change)
	}
}

func (s *Store) insertLocked(rec domain.DownloadRecord) {
	s.records[rec.ID] = rec.Clone()
	s.order = append(s.order, rec.ID)
}

func (s *Store) deleteLocked(id string) {
	delete(s.records, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// replaceLocked swaps oldID for rec.ID at the same list position.
func (s *Store) replaceLocked(oldID string, rec domain.DownloadRecord) {
	delete(s.records, oldID)
	s.records[rec.ID] = rec
	for i, v := range s.order {
		if v == oldID {
			s.order[i] = rec.ID
			return
		}
	}
	s.order = append(s.order, rec.ID)
}

func synthesize(id string) domain.DownloadRecord {
	return domain.DownloadRecord{
		ID:          id,
		Status:      domain.DownloadStatusDownloading,
		Progress:    0,
		TorrentName: PlaceholderName,
	}
}

// fillDescriptive copies the user-supplied fields of temp into live where live has none.
func fillDescriptive(live, temp domain.DownloadRecord) domain.DownloadRecord {
	out := live.Clone()
	if out.MagnetLink == "" {
		out.MagnetLink = temp.MagnetLink
	}
	if out.OutputDir == "" {
		out.OutputDir = temp.OutputDir
	}
	if out.TorrentName == "" || out.TorrentName == PlaceholderName {
		out.TorrentName = temp.TorrentName
	}
	if len(out.SelectedIndices) == 0 && len(temp.SelectedIndices) > 0 {
		out.SelectedIndices = append([]int(nil), temp.SelectedIndices...)
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = temp.CreatedAt
	}
	if out.TotalSize == 0 {
		out.TotalSize = temp.TotalSize
	}
	return out
}
