package store

import (
	"context"
	"sync"
)

// MemoryPersister はプロセス内にだけスナップショットを保持するPersister
// store.type "memory" とテストで使う。プロセス終了で内容は失われる
type MemoryPersister struct {
	mu    sync.RWMutex
	snap  *Snapshot
	saves int
}

var _ Persister = (*MemoryPersister)(nil)

// NewMemoryPersister はMemoryPersisterを作成する
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{}
}

// Location は保存先の表示名を返す
func (p *MemoryPersister) Location() string {
	return "memory"
}

// Load は最後に保存したスナップショットのコピーを返す
func (p *MemoryPersister) Load(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.snap == nil {
		return emptySnapshot(), nil
	}
	return cloneSnapshot(p.snap), nil
}

// Save はスナップショットのコピーを保持する
func (p *MemoryPersister) Save(ctx context.Context, snap *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := cloneSnapshot(snap)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap = c
	p.saves++
	return nil
}

// Saves は保存回数を返す
func (p *MemoryPersister) Saves() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.saves
}

func cloneSnapshot(snap *Snapshot) *Snapshot {
	c := emptySnapshot()
	c.Namespace = snap.Namespace
	for id, rec := range snap.Records {
		c.Records[id] = rec.Clone()
	}
	return c
}
