package sinkrepofake

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jrsteele09/go-credential-broker/sinks"
)

var _ sinks.Repo = (*FakeSinkRepo)(nil)

type FakeSinkRepo struct {
	sinks map[string]*sinks.SinkInstance
	lock  sync.RWMutex
}

func NewFakeSinkRepo() *FakeSinkRepo {
	return &FakeSinkRepo{
		sinks: make(map[string]*sinks.SinkInstance),
	}
}

func (r *FakeSinkRepo) Create(_ context.Context, sink *sinks.SinkInstance) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.sinks[sink.SinkID]; ok {
		return sinks.ErrDuplicate
	}
	for _, s := range r.sinks {
		if s.SinkCode == sink.SinkCode && s.ProviderID == sink.ProviderID && s.Destination == sink.Destination {
			return sinks.ErrDuplicate
		}
	}
	r.sinks[sink.SinkID] = sink.Clone()
	return nil
}

func (r *FakeSinkRepo) Get(_ context.Context, sinkID string) (*sinks.SinkInstance, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	s, ok := r.sinks[sinkID]
	if !ok {
		return nil, sinks.ErrNotFound
	}
	return s.Clone(), nil
}

func (r *FakeSinkRepo) Delete(_ context.Context, sinkID string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	delete(r.sinks, sinkID)
	return nil
}

func (r *FakeSinkRepo) ListByProvider(_ context.Context, providerCode, providerID string) ([]*sinks.SinkInstance, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	list := make([]*sinks.SinkInstance, 0)
	for _, s := range r.sinks {
		if s.ProviderCode == providerCode && s.ProviderID == providerID {
			list = append(list, s.Clone())
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].SinkID < list[j].SinkID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list, nil
}

func (r *FakeSinkRepo) MarkDrained(_ context.Context, sinkID string, drainedAt time.Time) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	s, ok := r.sinks[sinkID]
	if !ok {
		return sinks.ErrNotFound
	}
	s.LastDrainedAt = &drainedAt
	return nil
}
