package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"go.uber.org/zap"

	"wamd/internal/wajid"
	"wamd/internal/wamessage"
)

// Chat is one conversation: its messages, the devices our sender key already
// reached, counters and ephemeral settings. Mutations happen under the
// message handler's lock.
type Chat struct {
	JID  wajid.JID `json:"jid"`
	Name string    `json:"name"`

	Messages []*wamessage.Info `json:"-"`

	// ParticipantsPreKeys tracks the device JIDs our sender key distribution
	// already reached, so it is re-sent only to new devices.
	ParticipantsPreKeys map[string]bool `json:"participantsPreKeys,omitempty"`

	Unread              uint32 `json:"unread"`
	Archived            bool   `json:"archived"`
	EphemeralDuration   uint32 `json:"ephemeralDuration"`
	EphemeralToggleTime uint64 `json:"ephemeralToggleTime"`
}

// IsGroup reports whether the chat is a group conversation.
func (c *Chat) IsGroup() bool { return c.JID.Type() == wajid.TypeGroup }

// AddMessage appends a message to the chat.
func (c *Chat) AddMessage(info *wamessage.Info) {
	c.Messages = append(c.Messages, info)
}

// FindMessageByID returns the chat message with the given id.
func (c *Chat) FindMessageByID(id string) (*wamessage.Info, bool) {
	for _, msg := range c.Messages {
		if msg.Key.ID == id {
			return msg, true
		}
	}
	return nil, false
}

// RemoveMessage deletes the message with the given id, reporting whether it
// was present.
func (c *Chat) RemoveMessage(id string) bool {
	for i, msg := range c.Messages {
		if msg.Key.ID == id {
			c.Messages = append(c.Messages[:i], c.Messages[i+1:]...)
			return true
		}
	}
	return false
}

// Contact is an address book entry enriched with the peer's push name.
type Contact struct {
	JID        wajid.JID `json:"jid"`
	FullName   string    `json:"fullName"`
	ChosenName string    `json:"chosenName"`
}

// GroupMetadata is what the group registry caches: the participant list.
type GroupMetadata struct {
	JID          wajid.JID
	Subject      string
	Participants []wajid.JID
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS chat (
	jid TEXT PRIMARY KEY,
	snapshot BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS contact (
	jid TEXT PRIMARY KEY,
	snapshot BLOB NOT NULL
);
`

// Store holds chats, contacts and statuses in memory, snapshotting them into
// SQLite whenever Serialize is called (the message pipeline calls it after
// every protocol message).
type Store struct {
	mu       sync.RWMutex
	chats    map[string]*Chat
	contacts map[string]*Contact
	statuses []*wamessage.Info

	hasSnapshot    bool
	unarchiveChats bool
	initTimestamp  uint64

	tagCounter atomic.Uint64

	db  *sql.DB
	log *zap.Logger
}

// Open opens or creates the chat store at dbPath, loading persisted chats
// and contacts. If dbPath is empty it defaults to the data dir.
func Open(dbPath string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if dbPath == "" {
		dbPath = filepath.Join(DefaultDataDir(), "store.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	s := &Store{
		chats:         map[string]*Chat{},
		contacts:      map[string]*Contact{},
		initTimestamp: uint64(time.Now().Unix()),
		db:            db,
		log:           log,
	}
	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) load() error {
	rows, err := s.db.Query("SELECT snapshot FROM chat")
	if err != nil {
		return fmt.Errorf("store: load chats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return fmt.Errorf("store: scan chat: %w", err)
		}
		var chat Chat
		if err := json.Unmarshal(blob, &chat); err != nil {
			return fmt.Errorf("store: decode chat: %w", err)
		}
		if chat.ParticipantsPreKeys == nil {
			chat.ParticipantsPreKeys = map[string]bool{}
		}
		s.chats[chat.JID.String()] = &chat
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: iterate chats: %w", err)
	}

	crows, err := s.db.Query("SELECT snapshot FROM contact")
	if err != nil {
		return fmt.Errorf("store: load contacts: %w", err)
	}
	defer crows.Close()
	for crows.Next() {
		var blob []byte
		if err := crows.Scan(&blob); err != nil {
			return fmt.Errorf("store: scan contact: %w", err)
		}
		var contact Contact
		if err := json.Unmarshal(blob, &contact); err != nil {
			return fmt.Errorf("store: decode contact: %w", err)
		}
		s.contacts[contact.JID.String()] = &contact
	}
	return crows.Err()
}

// Serialize snapshots chats and contacts into SQLite.
func (s *Store) Serialize() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, chat := range s.chats {
		blob, err := json.Marshal(chat)
		if err != nil {
			return fmt.Errorf("store: encode chat: %w", err)
		}
		if _, err := tx.Exec("INSERT OR REPLACE INTO chat (jid, snapshot) VALUES (?, ?)", chat.JID.String(), blob); err != nil {
			return fmt.Errorf("store: save chat: %w", err)
		}
	}
	for _, contact := range s.contacts {
		blob, err := json.Marshal(contact)
		if err != nil {
			return fmt.Errorf("store: encode contact: %w", err)
		}
		if _, err := tx.Exec("INSERT OR REPLACE INTO contact (jid, snapshot) VALUES (?, ?)", contact.JID.String(), blob); err != nil {
			return fmt.Errorf("store: save contact: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// FindChatByJID returns the chat with the given JID.
func (s *Store) FindChatByJID(jid wajid.JID) (*Chat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chat, ok := s.chats[jid.String()]
	return chat, ok
}

// AddChat inserts a chat, returning the existing one when already present.
func (s *Store) AddChat(chat *Chat) *Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.chats[chat.JID.String()]; ok {
		return existing
	}
	if chat.ParticipantsPreKeys == nil {
		chat.ParticipantsPreKeys = map[string]bool{}
	}
	s.chats[chat.JID.String()] = chat
	return chat
}

// EnsureChat returns the chat for a JID, creating it when missing.
func (s *Store) EnsureChat(jid wajid.JID) *Chat {
	if chat, ok := s.FindChatByJID(jid); ok {
		return chat
	}
	return s.AddChat(&Chat{JID: jid, ParticipantsPreKeys: map[string]bool{}})
}

// Chats returns all chats.
func (s *Store) Chats() []*Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Chat, 0, len(s.chats))
	for _, chat := range s.chats {
		out = append(out, chat)
	}
	return out
}

// FindContactByJID returns the contact with the given JID.
func (s *Store) FindContactByJID(jid wajid.JID) (*Contact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	contact, ok := s.contacts[jid.ToUserJID().String()]
	return contact, ok
}

// EnsureContact returns the contact for a JID, creating it when missing.
func (s *Store) EnsureContact(jid wajid.JID) *Contact {
	user := jid.ToUserJID()
	s.mu.Lock()
	defer s.mu.Unlock()
	if contact, ok := s.contacts[user.String()]; ok {
		return contact
	}
	contact := &Contact{JID: user}
	s.contacts[user.String()] = contact
	return contact
}

// AddStatus appends a status update.
func (s *Store) AddStatus(info *wamessage.Info) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, info)
}

// Statuses returns all stored status updates.
func (s *Store) Statuses() []*wamessage.Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*wamessage.Info(nil), s.statuses...)
}

// HasSnapshot reports whether the initial bootstrap history arrived.
func (s *Store) HasSnapshot() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasSnapshot
}

// SetHasSnapshot marks the initial bootstrap as received.
func (s *Store) SetHasSnapshot(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasSnapshot = v
}

// UnarchiveChats reports whether incoming messages unarchive their chat.
func (s *Store) UnarchiveChats() bool { return s.unarchiveChats }

// SetUnarchiveChats sets the unarchive-on-message policy.
func (s *Store) SetUnarchiveChats(v bool) { s.unarchiveChats = v }

// InitializationTimestamp returns when this store was opened; only newer
// messages bump unread counters.
func (s *Store) InitializationTimestamp() uint64 { return s.initTimestamp }

// SetInitializationTimestamp overrides the initialization timestamp.
func (s *Store) SetInitializationTimestamp(ts uint64) { s.initTimestamp = ts }

// NextTag returns a fresh stanza id for queries.
func (s *Store) NextTag() string {
	return "wamd-" + strconv.FormatUint(s.tagCounter.Add(1), 10)
}
