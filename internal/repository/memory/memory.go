// Package memory is a process-local store used by tests and STORE=memory
// development runs. It honours the same visibility and ordering rules as the
// postgres repositories.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vedran77/courtside/internal/domain"
)

type Store struct {
	mu       sync.RWMutex
	messages map[uuid.UUID]*domain.Message
	users    map[uuid.UUID]domain.User
	groups   map[uuid.UUID]map[uuid.UUID]struct{}

	// FailCreate, when set, is consulted before each insert; returning an
	// error makes that insert fail. Tests use it to simulate outages.
	FailCreate func(msg *domain.Message) error
}

func New() *Store {
	return &Store{
		messages: make(map[uuid.UUID]*domain.Message),
		users:    make(map[uuid.UUID]domain.User),
		groups:   make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

// AddUser registers a user for display hydration and broadcast resolution.
func (s *Store) AddUser(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// AddGroupMember puts userID into groupID.
func (s *Store) AddGroupMember(groupID, userID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.groups[groupID]
	if !ok {
		members = make(map[uuid.UUID]struct{})
		s.groups[groupID] = members
	}
	members[userID] = struct{}{}
}

// Raw returns a copy of the stored row regardless of deletion flags.
func (s *Store) Raw(id uuid.UUID) (domain.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return domain.Message{}, false
	}
	return *m, true
}

// Len reports the number of stored rows.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// --- UserRepository ---

func (s *Store) GetByID(_ context.Context, id uuid.UUID) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *Store) ListRecipientIDs(_ context.Context, filter domain.RecipientFilter) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []uuid.UUID
	switch filter.Kind {
	case domain.RecipientsAll:
		for id := range s.users {
			ids = append(ids, id)
		}
	case domain.RecipientsGroup:
		if filter.GroupID == nil {
			return nil, errors.New("group filter without group id")
		}
		for id := range s.groups[*filter.GroupID] {
			ids = append(ids, id)
		}
	default:
		return nil, fmt.Errorf("unknown recipient filter %q", filter.Kind)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

// --- MessageRepository ---

func (s *Store) Create(_ context.Context, msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(msg)
}

func (s *Store) CreateBatch(_ context.Context, msgs []domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := make([]uuid.UUID, 0, len(msgs))
	for i := range msgs {
		if err := s.insertLocked(&msgs[i]); err != nil {
			for _, id := range inserted {
				delete(s.messages, id)
			}
			return err
		}
		inserted = append(inserted, msgs[i].ID)
	}
	return nil
}

func (s *Store) insertLocked(msg *domain.Message) error {
	if s.FailCreate != nil {
		if err := s.FailCreate(msg); err != nil {
			return err
		}
	}
	if _, exists := s.messages[msg.ID]; exists {
		return nil
	}
	row := *msg
	row.IsRead = false
	row.DeletedBySender = false
	row.DeletedByReceiver = false
	row.SenderUsername = ""
	row.SenderDisplayName = ""
	s.messages[row.ID] = &row
	return nil
}

func (s *Store) GetVisible(_ context.Context, viewerID, id uuid.UUID) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok || !m.VisibleTo(viewerID) {
		return nil, nil
	}
	out := s.hydrateLocked(*m)
	return &out, nil
}

func (s *Store) ListBetween(_ context.Context, viewerID, counterpartID uuid.UUID) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Message
	for _, m := range s.messages {
		if m.Involves(viewerID, counterpartID) && m.VisibleTo(viewerID) {
			out = append(out, s.hydrateLocked(*m))
		}
	}
	domain.SortMessages(out)
	return out, nil
}

func (s *Store) ListConversations(_ context.Context, viewerID uuid.UUID) ([]domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var mine []domain.Message
	for _, m := range s.messages {
		if m.SenderID == viewerID || m.ReceiverID == viewerID {
			mine = append(mine, s.hydrateLocked(*m))
		}
	}

	convs := domain.AggregateConversations(viewerID, mine)
	for i := range convs {
		if u, ok := s.users[convs[i].CounterpartID]; ok {
			convs[i].CounterpartUsername = u.Username
			convs[i].CounterpartDisplayName = u.DisplayName
		}
	}
	return convs, nil
}

func (s *Store) MarkRead(_ context.Context, readerID, counterpartID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []uuid.UUID
	for _, m := range s.messages {
		if m.ReceiverID == readerID && m.SenderID == counterpartID && !m.IsRead {
			m.IsRead = true
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

func (s *Store) SoftDelete(_ context.Context, actingUserID, counterpartID uuid.UUID, direction domain.DeleteDirection) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, m := range s.messages {
		switch direction {
		case domain.DeleteAsSender:
			if m.SenderID == actingUserID && m.ReceiverID == counterpartID && !m.DeletedBySender {
				m.DeletedBySender = true
				n++
			}
		case domain.DeleteAsReceiver:
			if m.ReceiverID == actingUserID && m.SenderID == counterpartID && !m.DeletedByReceiver {
				m.DeletedByReceiver = true
				n++
			}
		default:
			return 0, errors.New("unknown delete direction: " + string(direction))
		}
	}
	return n, nil
}

func (s *Store) CountUnread(_ context.Context, userID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, m := range s.messages {
		if m.ReceiverID == userID && !m.IsRead {
			n++
		}
	}
	return n, nil
}

func (s *Store) PurgeExpired(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, m := range s.messages {
		if (m.DeletedBySender && m.DeletedByReceiver) || m.CreatedAt.Before(cutoff) {
			delete(s.messages, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) hydrateLocked(m domain.Message) domain.Message {
	if u, ok := s.users[m.SenderID]; ok {
		m.SenderUsername = u.Username
		m.SenderDisplayName = u.DisplayName
	}
	return m
}
