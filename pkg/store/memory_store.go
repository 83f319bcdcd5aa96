package store

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"repochat/pkg/domain"
)

// MemoryStore keeps records in-process. It enforces the same uniqueness rules
// as GormStore and is used by tests and single-node development runs.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]domain.User // key: user ID
	githubIDs     map[int64]string       // github id -> user ID
	repos         map[string]domain.Repository
	repoKeys      map[string]string // user/owner/name -> repo ID
	conversations map[string]domain.Conversation
	messages      map[string]domain.Message
	order         map[string][]string // conversation ID -> message IDs
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]domain.User),
		githubIDs:     make(map[int64]string),
		repos:         make(map[string]domain.Repository),
		repoKeys:      make(map[string]string),
		conversations: make(map[string]domain.Conversation),
		messages:      make(map[string]domain.Message),
		order:         make(map[string][]string),
	}
}

func (m *MemoryStore) UpsertUser(u domain.User) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if id, ok := m.githubIDs[u.GitHubID]; ok {
		existing := m.users[id]
		existing.Username = u.Username
		existing.AccessToken = u.AccessToken
		existing.UpdatedAt = now
		m.users[id] = existing
		return existing, nil
	}
	u.ID = uuid.NewString()
	u.CreatedAt = now
	u.UpdatedAt = now
	m.users[u.ID] = u
	m.githubIDs[u.GitHubID] = u.ID
	return u, nil
}

func (m *MemoryStore) GetUser(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) CreateRepository(r domain.Repository) (domain.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := repoKey(r.UserID, r.Owner, r.Name)
	if _, exists := m.repoKeys[key]; exists {
		return domain.Repository{}, ErrDuplicate
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	r.Files = append([]string(nil), r.Files...)
	m.repos[r.ID] = r
	m.repoKeys[key] = r.ID
	return r, nil
}

func (m *MemoryStore) GetRepository(id string) (domain.Repository, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.repos[id]
	return r, ok, nil
}

func (m *MemoryStore) GetRepositoryByName(userID, owner, name string) (domain.Repository, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.repoKeys[repoKey(userID, owner, name)]
	if !ok {
		return domain.Repository{}, false, nil
	}
	return m.repos[id], true, nil
}

func (m *MemoryStore) ListRepositories(userID string, processedOnly bool) ([]domain.Repository, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Repository, 0)
	for _, r := range m.repos {
		if r.UserID != userID || (processedOnly && !r.Processed) {
			continue
		}
		res = append(res, r)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

func (m *MemoryStore) CreateConversation(c domain.Conversation) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.conversations[c.ID]; exists {
		return domain.Conversation{}, ErrDuplicate
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	m.conversations[c.ID] = c
	return c, nil
}

func (m *MemoryStore) GetConversation(id string) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	return c, ok, nil
}

func (m *MemoryStore) SetConversationThread(id, threadID string) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return domain.Conversation{}, ErrNotFound
	}
	if c.ThreadID == "" {
		c.ThreadID = threadID
		c.UpdatedAt = time.Now().UTC()
		m.conversations[id] = c
	}
	return c, nil
}

func (m *MemoryStore) ListConversations(userID string) ([]domain.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Conversation, 0)
	for _, c := range m.conversations {
		if c.UserID == userID {
			res = append(res, c)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UpdatedAt.After(res[j].UpdatedAt) })
	return res, nil
}

func (m *MemoryStore) AppendMessage(msg domain.Message) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if _, exists := m.messages[msg.ID]; exists {
		return domain.Message{}, ErrDuplicate
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	m.messages[msg.ID] = msg
	m.order[msg.ConversationID] = append(m.order[msg.ConversationID], msg.ID)
	if c, ok := m.conversations[msg.ConversationID]; ok {
		c.UpdatedAt = msg.CreatedAt
		m.conversations[c.ID] = c
	}
	return msg, nil
}

func (m *MemoryStore) GetMessage(id string) (domain.Message, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	return msg, ok, nil
}

// ListMessages returns messages in append order.
func (m *MemoryStore) ListMessages(conversationID string) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.order[conversationID]
	res := make([]domain.Message, 0, len(ids))
	for _, id := range ids {
		res = append(res, m.messages[id])
	}
	return res, nil
}

func repoKey(userID, owner, name string) string {
	return userID + "/" + owner + "/" + name
}
