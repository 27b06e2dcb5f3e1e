package db

import (
	"context"
	"fmt"
	"sync"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/memo-transcriber/internal/domain"
)

// MemoryDataManager keeps recordings and audio in process memory
type MemoryDataManager struct {
	audio      map[string][]byte
	recordings map[string]*domain.Recording

	lock sync.RWMutex
}

func NewMemoryDataManager() *MemoryDataManager {
	return &MemoryDataManager{
		audio:      make(map[string][]byte),
		recordings: make(map[string]*domain.Recording),
	}
}

// SaveAudio stores encoded audio of a recording
func (am *MemoryDataManager) SaveAudio(_ context.Context, id string, data []byte) error {
	goapp.Log.Debug().Str("id", id).Int("len", len(data)).Msg("Save audio")
	am.lock.Lock()
	defer am.lock.Unlock()
	am.audio[id] = append([]byte(nil), data...)
	return nil
}

func (am *MemoryDataManager) GetAudio(_ context.Context, id string) ([]byte, error) {
	am.lock.RLock()
	defer am.lock.RUnlock()
	data, ok := am.audio[id]
	if !ok {
		return nil, fmt.Errorf("audio %s: %w", id, domain.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// SaveRecording inserts or replaces a recording
func (am *MemoryDataManager) SaveRecording(_ context.Context, r *domain.Recording) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("no recording id")
	}
	am.lock.Lock()
	defer am.lock.Unlock()
	am.recordings[r.ID] = copyRecording(r)
	return nil
}

func (am *MemoryDataManager) GetRecording(_ context.Context, id string) (*domain.Recording, error) {
	am.lock.RLock()
	defer am.lock.RUnlock()
	r, ok := am.recordings[id]
	if !ok {
		return nil, fmt.Errorf("recording %s: %w", id, domain.ErrNotFound)
	}
	return copyRecording(r), nil
}

// ListRecordings returns pinned recordings first, newest first
func (am *MemoryDataManager) ListRecordings(_ context.Context) ([]*domain.Recording, error) {
	am.lock.RLock()
	defer am.lock.RUnlock()
	res := make([]*domain.Recording, 0, len(am.recordings))
	for _, r := range am.recordings {
		res = append(res, copyRecording(r))
	}
	sortRecordings(res)
	return res, nil
}

func (am *MemoryDataManager) UpdateRecording(_ context.Context, id string, u *domain.RecordingUpdate) (*domain.Recording, error) {
	am.lock.Lock()
	defer am.lock.Unlock()
	r, ok := am.recordings[id]
	if !ok {
		return nil, fmt.Errorf("recording %s: %w", id, domain.ErrNotFound)
	}
	if u != nil {
		u.Apply(r)
	}
	return copyRecording(r), nil
}

func (am *MemoryDataManager) TogglePin(_ context.Context, id string) (*domain.Recording, error) {
	am.lock.Lock()
	defer am.lock.Unlock()
	r, ok := am.recordings[id]
	if !ok {
		return nil, fmt.Errorf("recording %s: %w", id, domain.ErrNotFound)
	}
	r.IsPinned = !r.IsPinned
	return copyRecording(r), nil
}

// DeleteRecording removes a recording with its audio
func (am *MemoryDataManager) DeleteRecording(_ context.Context, id string) error {
	am.lock.Lock()
	defer am.lock.Unlock()
	if _, ok := am.recordings[id]; !ok {
		return fmt.Errorf("recording %s: %w", id, domain.ErrNotFound)
	}
	delete(am.recordings, id)
	delete(am.audio, id)
	return nil
}
