package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"casetrack/go-chat/internal/securestore"
	"casetrack/go-chat/pkg/models"
)

// ConversationCache is the cross-screen read-through cache of resolved rooms.
// A room written here after promotion lets the next screen skip the resolver
// round-trip. Writes clone the map, persist the snapshot, then swap, so a
// failed persist never leaves memory and disk disagreeing.
type ConversationCache struct {
	mu            sync.RWMutex
	conversations map[string]models.Conversation
	savedAt       map[string]time.Time
	path          string
	secret        string
	now           func() time.Time
}

func NewConversationCache() *ConversationCache {
	return &ConversationCache{
		conversations: make(map[string]models.Conversation),
		savedAt:       make(map[string]time.Time),
		now:           time.Now,
	}
}

func NewPersistentConversationCache(path string) (*ConversationCache, error) {
	return NewEncryptedPersistentConversationCache(path, "")
}

func NewEncryptedPersistentConversationCache(path, passphrase string) (*ConversationCache, error) {
	c := NewConversationCache()
	c.path = path
	c.secret = passphrase
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

// SaveConversation upserts by room id. The last write for a case wins.
func (c *ConversationCache) SaveConversation(conv models.Conversation) error {
	conv = models.NormalizeConversation(conv)
	if conv.ID == "" {
		return errors.New("conversation without room id")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	next := cloneConversationMap(c.conversations)
	next[conv.ID] = conv
	nextSaved := cloneTimeMap(c.savedAt)
	nextSaved[conv.ID] = c.now().UTC()
	if err := c.persistSnapshotLocked(next, nextSaved); err != nil {
		return err
	}
	c.conversations = next
	c.savedAt = nextSaved
	return nil
}

// FindByCase returns the most recently saved conversation for a case.
func (c *ConversationCache) FindByCase(caseID string) (models.Conversation, bool) {
	if caseID == "" {
		return models.Conversation{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	var best models.Conversation
	var bestAt time.Time
	found := false
	for id, conv := range c.conversations {
		if conv.CaseID != caseID {
			continue
		}
		at := c.savedAt[id]
		if !found || at.After(bestAt) {
			best = conv
			bestAt = at
			found = true
		}
	}
	return best, found
}

func (c *ConversationCache) Get(roomID string) (models.Conversation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conv, ok := c.conversations[roomID]
	return conv, ok
}

// List returns every cached conversation, newest save first.
func (c *ConversationCache) List() []models.Conversation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Conversation, 0, len(c.conversations))
	for _, conv := range c.conversations {
		out = append(out, conv)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := c.savedAt[out[i].ID], c.savedAt[out[j].ID]
		if ti.Equal(tj) {
			return out[i].ID < out[j].ID
		}
		return ti.After(tj)
	})
	return out
}

func (c *ConversationCache) Delete(roomID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.conversations[roomID]; !ok {
		return false, nil
	}
	next := cloneConversationMap(c.conversations)
	delete(next, roomID)
	nextSaved := cloneTimeMap(c.savedAt)
	delete(nextSaved, roomID)
	if err := c.persistSnapshotLocked(next, nextSaved); err != nil {
		return false, err
	}
	c.conversations = next
	c.savedAt = nextSaved
	return true, nil
}

type cacheSnapshot struct {
	Conversations map[string]models.Conversation `json:"conversations"`
	SavedAt       map[string]time.Time           `json:"saved_at"`
}

func (c *ConversationCache) load() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.path == "" {
		return nil
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	decoded := data
	if c.secret != "" {
		decoded, err = securestore.Decrypt(c.secret, data)
		if err != nil {
			if errors.Is(err, securestore.ErrLegacyData) {
				decoded = data
			} else {
				return err
			}
		}
	}

	var snapshot cacheSnapshot
	if err := json.Unmarshal(decoded, &snapshot); err != nil {
		return err
	}
	if snapshot.Conversations != nil {
		for id, conv := range snapshot.Conversations {
			snapshot.Conversations[id] = models.NormalizeConversation(conv)
		}
		c.conversations = snapshot.Conversations
	}
	if snapshot.SavedAt != nil {
		c.savedAt = snapshot.SavedAt
	}
	return nil
}

func (c *ConversationCache) persistSnapshotLocked(conversations map[string]models.Conversation, savedAt map[string]time.Time) error {
	if c.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return err
	}
	data, err := json.Marshal(cacheSnapshot{Conversations: conversations, SavedAt: savedAt})
	if err != nil {
		return err
	}
	if c.secret != "" {
		data, err = securestore.Encrypt(c.secret, data)
		if err != nil {
			return err
		}
	}
	return os.WriteFile(c.path, data, 0o600)
}

func cloneConversationMap(in map[string]models.Conversation) map[string]models.Conversation {
	out := make(map[string]models.Conversation, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneTimeMap(in map[string]time.Time) map[string]time.Time {
	out := make(map[string]time.Time, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
