package instancerepofake

import (
	"context"
	"sort"
	"sync"

	"github.com/jrsteele09/go-credential-broker/instances"
)

var _ instances.Repo = (*FakeInstanceRepo)(nil)

type FakeInstanceRepo struct {
	instances map[string]*instances.ProviderInstance
	startURLs map[string]string // start url + region to instance ID
	lock      sync.RWMutex
}

func NewFakeInstanceRepo() *FakeInstanceRepo {
	return &FakeInstanceRepo{
		instances: make(map[string]*instances.ProviderInstance),
		startURLs: make(map[string]string),
	}
}

func startURLKey(startURL, region string) string {
	return startURL + "|" + region
}

func (r *FakeInstanceRepo) Create(_ context.Context, instance *instances.ProviderInstance) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	key := startURLKey(instance.StartURL, instance.Region)
	if _, ok := r.startURLs[key]; ok {
		return instances.ErrDuplicate
	}
	if _, ok := r.instances[instance.InstanceID]; ok {
		return instances.ErrDuplicate
	}

	stored := instance.Clone()
	if stored.Version == 0 {
		stored.Version = 1
	}
	r.instances[stored.InstanceID] = stored
	r.startURLs[key] = stored.InstanceID
	instance.Version = stored.Version
	return nil
}

func (r *FakeInstanceRepo) Get(_ context.Context, instanceID string) (*instances.ProviderInstance, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	instance, ok := r.instances[instanceID]
	if !ok {
		return nil, instances.ErrNotFound
	}
	return instance.Clone(), nil
}

func (r *FakeInstanceRepo) FindByStartURL(_ context.Context, startURL, region string) (*instances.ProviderInstance, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	id, ok := r.startURLs[startURLKey(startURL, region)]
	if !ok {
		return nil, instances.ErrNotFound
	}
	return r.instances[id].Clone(), nil
}

func (r *FakeInstanceRepo) List(_ context.Context) ([]*instances.ProviderInstance, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	list := make([]*instances.ProviderInstance, 0, len(r.instances))
	for _, v := range r.instances {
		list = append(list, v.Clone())
	}

	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].InstanceID > list[j].InstanceID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	return list, nil
}

func (r *FakeInstanceRepo) Update(_ context.Context, instance *instances.ProviderInstance) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	stored, ok := r.instances[instance.InstanceID]
	if !ok {
		return instances.ErrNotFound
	}
	if stored.Version != instance.Version {
		return instances.ErrConflict
	}

	updated := instance.Clone()
	updated.Version++
	// StartURL and Region are immutable after creation.
	updated.StartURL = stored.StartURL
	updated.Region = stored.Region
	r.instances[updated.InstanceID] = updated
	instance.Version = updated.Version
	return nil
}

func (r *FakeInstanceRepo) Delete(_ context.Context, instanceID string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	instance, ok := r.instances[instanceID]
	if !ok {
		return instances.ErrNotFound
	}
	delete(r.startURLs, startURLKey(instance.StartURL, instance.Region))
	delete(r.instances, instanceID)
	return nil
}
