package identity

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"casetrack/go-chat/internal/securestore"
)

// Profile is the signed-in user as the chat layer sees it. Sessions cannot
// start without one.
type Profile struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	SignedInAt  time.Time `json:"signed_in_at"`
}

var ErrNotSignedIn = errors.New("no signed-in profile")

// Manager holds the current profile and optionally persists it, encrypted
// when a secret is configured.
type Manager struct {
	mu      sync.RWMutex
	profile Profile
	path    string
	secret  string
	now     func() time.Time
}

func NewManager() *Manager {
	return &Manager{now: time.Now}
}

func NewPersistentManager(path, secret string) (*Manager, error) {
	m := &Manager{
		path:   strings.TrimSpace(path),
		secret: strings.TrimSpace(secret),
		now:    time.Now,
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) SignIn(userID, displayName string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("user id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profile = Profile{
		UserID:      userID,
		DisplayName: strings.TrimSpace(displayName),
		SignedInAt:  m.now().UTC(),
	}
	return m.persistLocked()
}

func (m *Manager) SignOut() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profile = Profile{}
	return m.persistLocked()
}

// CurrentUserID reports the signed-in user id; "" means signed out.
func (m *Manager) CurrentUserID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.profile.UserID
}

func (m *Manager) Current() (Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.profile.UserID == "" {
		return Profile{}, ErrNotSignedIn
	}
	return m.profile, nil
}

func (m *Manager) load() error {
	if m.path == "" {
		return nil
	}
	var data []byte
	var err error
	if m.secret != "" {
		data, err = securestore.ReadDecryptedFile(m.path, m.secret)
	} else {
		data, err = os.ReadFile(m.path)
	}
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var profile Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		return err
	}
	m.profile = profile
	return nil
}

func (m *Manager) persistLocked() error {
	if m.path == "" {
		return nil
	}
	if m.secret != "" {
		return securestore.WriteEncryptedJSON(m.path, m.secret, m.profile)
	}
	data, err := json.Marshal(m.profile)
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0o600)
}
