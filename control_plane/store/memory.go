package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore holds the in-memory state of devices, actions and artifact
// metadata. It implements the Store interface and is used in tests and
// single-node development setups.
type MemoryStore struct {
	mu        sync.RWMutex
	devices   map[string]*Device
	actions   map[string]*Action
	events    map[string][]*ActionStatusEvent // keyed by action key
	modules   map[string]*SoftwareModule
	artifacts map[string]*ArtifactMeta
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:   make(map[string]*Device),
		actions:   make(map[string]*Action),
		events:    make(map[string][]*ActionStatusEvent),
		modules:   make(map[string]*SoftwareModule),
		artifacts: make(map[string]*ArtifactMeta),
	}
}

// --- Device Operations ---

func (s *MemoryStore) FindOrCreateDevice(ctx context.Context, tenant string, deviceID string, replyAddress string) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := TenantKey(tenant, ResourceDevice, deviceID)
	if d, ok := s.devices[key]; ok {
		d.ReplyAddress = replyAddress
		d.LastSeenAt = time.Now()
		deviceCopy := *d
		return &deviceCopy, nil
	}

	now := time.Now()
	d := &Device{
		DeviceID:     deviceID,
		Tenant:       tenant,
		ReplyAddress: replyAddress,
		CreatedAt:    now,
		LastSeenAt:   now,
	}
	s.devices[key] = d
	deviceCopy := *d
	return &deviceCopy, nil
}

func (s *MemoryStore) GetDevice(ctx context.Context, tenant string, deviceID string) (*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[TenantKey(tenant, ResourceDevice, deviceID)]
	if !ok {
		return nil, ErrNotFound
	}
	deviceCopy := *d
	return &deviceCopy, nil
}

// --- Action Operations ---

func (s *MemoryStore) GetAction(ctx context.Context, tenant string, actionID string) (*Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.actions[TenantKey(tenant, ResourceAction, actionID)]
	if !ok {
		return nil, ErrNotFound
	}
	actionCopy := *a
	return &actionCopy, nil
}

func (s *MemoryStore) FindActiveActions(ctx context.Context, tenant string, deviceID string) ([]*Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := TenantPrefix(tenant, ResourceAction)
	var result []*Action
	for key, a := range s.actions {
		if strings.HasPrefix(key, prefix) && a.DeviceID == deviceID && a.Active {
			actionCopy := *a
			result = append(result, &actionCopy)
		}
	}
	// Oldest active action wins; callers rely on ascending creation order.
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) FindActionForDownload(ctx context.Context, tenant string, deviceID string, moduleID string) (*Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	module, ok := s.modules[TenantKey(tenant, ResourceModule, moduleID)]
	if !ok {
		return nil, ErrNotFound
	}

	prefix := TenantPrefix(tenant, ResourceAction)
	var candidates []*Action
	for key, a := range s.actions {
		if strings.HasPrefix(key, prefix) && a.DeviceID == deviceID && a.Active &&
			a.DistributionSetID == module.DistributionSetID {
			actionCopy := *a
			candidates = append(candidates, &actionCopy)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return candidates[0], nil
}

func (s *MemoryStore) RecordStatusUpdate(ctx context.Context, tenant string, event *ActionStatusEvent, status Status, active bool) (*Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordLocked(tenant, event, status, active)
}

func (s *MemoryStore) RecordCancelStatus(ctx context.Context, tenant string, event *ActionStatusEvent) (*Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Cancel bookkeeping in the in-memory backend is just the inactive
	// flag; the durable backend additionally closes the cancel record.
	return s.recordLocked(tenant, event, StatusCanceled, false)
}

// recordLocked appends the event and updates the action under the held
// write lock, so the read-modify-write is atomic per action.
func (s *MemoryStore) recordLocked(tenant string, event *ActionStatusEvent, status Status, active bool) (*Action, error) {
	key := TenantKey(tenant, ResourceAction, event.ActionID)
	a, ok := s.actions[key]
	if !ok {
		return nil, ErrNotFound
	}

	eventCopy := *event
	eventCopy.Tenant = tenant
	s.events[key] = append(s.events[key], &eventCopy)

	a.Status = status
	a.Active = active
	a.UpdatedAt = time.Now()

	actionCopy := *a
	return &actionCopy, nil
}

func (s *MemoryStore) ListStatusEvents(ctx context.Context, tenant string, actionID string) ([]*ActionStatusEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[TenantKey(tenant, ResourceAction, actionID)]
	result := make([]*ActionStatusEvent, 0, len(events))
	for _, e := range events {
		eventCopy := *e
		result = append(result, &eventCopy)
	}
	return result, nil
}

// --- Distribution Operations ---

func (s *MemoryStore) ListSoftwareModules(ctx context.Context, tenant string, distributionSetID string) ([]*SoftwareModule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := TenantPrefix(tenant, ResourceModule)
	var result []*SoftwareModule
	for key, m := range s.modules {
		if strings.HasPrefix(key, prefix) && m.DistributionSetID == distributionSetID {
			moduleCopy := *m
			result = append(result, &moduleCopy)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ModuleID < result[j].ModuleID
	})
	return result, nil
}

func (s *MemoryStore) FindArtifactBySHA1(ctx context.Context, tenant string, sha1 string) (*ArtifactMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.artifacts[TenantKey(tenant, ResourceArtifact, sha1)]
	if !ok {
		return nil, ErrNotFound
	}
	metaCopy := *m
	return &metaCopy, nil
}

// --- Seeding helpers ---
// The management side of the system owns entity creation; these setters
// stand in for it in tests and development.

func (s *MemoryStore) PutDevice(d *Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deviceCopy := *d
	s.devices[TenantKey(d.Tenant, ResourceDevice, d.DeviceID)] = &deviceCopy
}

func (s *MemoryStore) PutAction(a *Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	actionCopy := *a
	s.actions[TenantKey(a.Tenant, ResourceAction, a.ActionID)] = &actionCopy
}

func (s *MemoryStore) PutSoftwareModule(m *SoftwareModule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	moduleCopy := *m
	s.modules[TenantKey(m.Tenant, ResourceModule, m.ModuleID)] = &moduleCopy
}

func (s *MemoryStore) PutArtifact(m *ArtifactMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	metaCopy := *m
	s.artifacts[TenantKey(m.Tenant, ResourceArtifact, m.SHA1)] = &metaCopy
}
