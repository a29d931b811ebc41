// Package memoryindex provides the in-memory watchindex.Index
// implementation used for tests and single-process deployments.
package memoryindex

import (
	"context"
	"sync"

	"github.com/chainview/chainview-go/watchindex"
)

type Index struct {
	mu        sync.RWMutex
	byAddr    map[string]map[string]struct{} // addr -> session set
	bySession map[string]map[string]struct{} // session -> addr set
}

var _ watchindex.Index = (*Index)(nil)

func New() *Index {
	return &Index{
		byAddr:    make(map[string]map[string]struct{}),
		bySession: make(map[string]map[string]struct{}),
	}
}

func (i *Index) Add(ctx context.Context, scriptAddr, sessionID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	sessions, ok := i.byAddr[scriptAddr]
	if !ok {
		sessions = make(map[string]struct{})
		i.byAddr[scriptAddr] = sessions
	}
	sessions[sessionID] = struct{}{}

	addrs, ok := i.bySession[sessionID]
	if !ok {
		addrs = make(map[string]struct{})
		i.bySession[sessionID] = addrs
	}
	addrs[scriptAddr] = struct{}{}
	return nil
}

func (i *Index) RemoveSession(ctx context.Context, sessionID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	for addr := range i.bySession[sessionID] {
		if sessions, ok := i.byAddr[addr]; ok {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(i.byAddr, addr)
			}
		}
	}
	delete(i.bySession, sessionID)
	return nil
}

func (i *Index) Sessions(ctx context.Context, scriptAddr string) (map[string]struct{}, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	sessions := i.byAddr[scriptAddr]
	out := make(map[string]struct{}, len(sessions))
	for id := range sessions {
		out[id] = struct{}{}
	}
	return out, nil
}
