package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// MemoryPlanStore keeps plans in process. Plans do not survive a restart
// and are not visible to other instances.
type MemoryPlanStore struct {
	mu    sync.Mutex
	plans map[uuid.UUID]*BroadcastPlan
	now   func() time.Time
}

func NewMemoryPlanStore() *MemoryPlanStore {
	return &MemoryPlanStore{
		plans: make(map[uuid.UUID]*BroadcastPlan),
		now:   time.Now,
	}
}

func (m *MemoryPlanStore) Save(_ context.Context, plan *BroadcastPlan, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *plan
	cp.ExpiresAt = m.now().Add(ttl)
	m.plans[plan.ID] = &cp

	// sweep
	for id, p := range m.plans {
		if m.now().After(p.ExpiresAt) {
			delete(m.plans, id)
		}
	}
	return nil
}

func (m *MemoryPlanStore) Get(_ context.Context, id uuid.UUID) (*BroadcastPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.plans[id]
	if !ok || m.now().After(p.ExpiresAt) {
		return nil, ErrPlanNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryPlanStore) Delete(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.plans[id]
	if !ok {
		return false, nil
	}
	delete(m.plans, id)
	return !m.now().After(p.ExpiresAt), nil
}

// RedisPlanStore shares plans between instances; expiry is Redis' TTL.
type RedisPlanStore struct {
	rdb *redis.Client
}

func NewRedisPlanStore(rdb *redis.Client) *RedisPlanStore {
	return &RedisPlanStore{rdb: rdb}
}

func planKey(id uuid.UUID) string {
	return "broadcast:plan:" + id.String()
}

func (r *RedisPlanStore) Save(ctx context.Context, plan *BroadcastPlan, ttl time.Duration) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, planKey(plan.ID), data, ttl).Err()
}

func (r *RedisPlanStore) Get(ctx context.Context, id uuid.UUID) (*BroadcastPlan, error) {
	data, err := r.rdb.Get(ctx, planKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}

	var plan BroadcastPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *RedisPlanStore) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	n, err := r.rdb.Del(ctx, planKey(id)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
