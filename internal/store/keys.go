// Package store persists the client's cryptographic material and chat state
// in SQLite.
package store

import (
	"crypto/ed25519"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"go.uber.org/zap"

	"wamd/internal/signal"
	"wamd/internal/wacrypto"
	"wamd/internal/wajid"
)

// Keys is the SQLite-backed key store: identity material, pre-keys, Signal
// sessions and sender keys, app-state keys. It implements signal.KeyStore.
type Keys struct {
	db  *sql.DB
	log *zap.Logger

	identity  *wacrypto.KeyPair
	signing   *wacrypto.SigningKeyPair
	regID     uint32
	companion wajid.JID

	// companionIdentity is the serialized device identity proof placed in
	// <device-identity> when a stanza carries a pkmsg.
	companionIdentity []byte
}

var _ signal.KeyStore = (*Keys)(nil)

const keysSchema = `
CREATE TABLE IF NOT EXISTS account (
	key TEXT PRIMARY KEY,
	value BLOB
);
CREATE TABLE IF NOT EXISTS session (
	address TEXT PRIMARY KEY,
	record BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS identity (
	address TEXT PRIMARY KEY,
	public_key BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS pre_key (
	id INTEGER PRIMARY KEY,
	record BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS signed_pre_key (
	id INTEGER PRIMARY KEY,
	record BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS sender_key (
	name TEXT PRIMARY KEY,
	record BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS app_state_key (
	key_id BLOB PRIMARY KEY,
	data BLOB NOT NULL
);
`

// DefaultDataDir returns the default data directory for wamd databases,
// using $XDG_DATA_HOME/wamd with a ~/.local/share fallback.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "wamd")
}

// OpenKeys opens or creates the key database, generating identity material
// on first run. If dbPath is empty it defaults to the data dir.
func OpenKeys(dbPath string, log *zap.Logger) (*Keys, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if dbPath == "" {
		dbPath = filepath.Join(DefaultDataDir(), "keys.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}
	if _, err := db.Exec(keysSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	k := &Keys{db: db, log: log}
	if err := k.loadOrCreateIdentity(); err != nil {
		db.Close()
		return nil, err
	}
	return k, nil
}

// Close closes the database connection.
func (k *Keys) Close() error {
	return k.db.Close()
}

type accountIdentity struct {
	IdentityPriv   [32]byte `json:"identityPriv"`
	IdentityPub    [32]byte `json:"identityPub"`
	SigningPriv    []byte   `json:"signingPriv"`
	SigningPub     []byte   `json:"signingPub"`
	RegistrationID uint32   `json:"registrationId"`
}

func (k *Keys) loadOrCreateIdentity() error {
	var blob []byte
	err := k.db.QueryRow("SELECT value FROM account WHERE key = 'identity'").Scan(&blob)
	switch {
	case err == nil:
		var acct accountIdentity
		if err := json.Unmarshal(blob, &acct); err != nil {
			return fmt.Errorf("store: decode identity: %w", err)
		}
		k.identity = &wacrypto.KeyPair{Private: acct.IdentityPriv, Public: acct.IdentityPub}
		k.signing = &wacrypto.SigningKeyPair{
			Private: ed25519.PrivateKey(acct.SigningPriv),
			Public:  ed25519.PublicKey(acct.SigningPub),
		}
		k.regID = acct.RegistrationID
		return nil
	case errors.Is(err, sql.ErrNoRows):
	default:
		return fmt.Errorf("store: load identity: %w", err)
	}

	identity, err := wacrypto.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("store: generate identity: %w", err)
	}
	signing, err := wacrypto.GenerateSigningKeyPair()
	if err != nil {
		return fmt.Errorf("store: generate signing identity: %w", err)
	}
	regBytes, err := wacrypto.RandomBytes(4)
	if err != nil {
		return err
	}
	regID := binary.BigEndian.Uint32(regBytes)&0x3fff + 1

	acct := accountIdentity{
		IdentityPriv:   identity.Private,
		IdentityPub:    identity.Public,
		SigningPriv:    signing.Private,
		SigningPub:     signing.Public,
		RegistrationID: regID,
	}
	blob, err = json.Marshal(acct)
	if err != nil {
		return fmt.Errorf("store: encode identity: %w", err)
	}
	if _, err := k.db.Exec("INSERT INTO account (key, value) VALUES ('identity', ?)", blob); err != nil {
		return fmt.Errorf("store: save identity: %w", err)
	}

	k.identity = identity
	k.signing = signing
	k.regID = regID
	k.log.Info("generated fresh identity", zap.Uint32("registrationId", regID))
	return nil
}

// IdentityKeyPair returns our Curve25519 identity key pair.
func (k *Keys) IdentityKeyPair() *wacrypto.KeyPair { return k.identity }

// SigningKeyPair returns our Ed25519 signing identity.
func (k *Keys) SigningKeyPair() *wacrypto.SigningKeyPair { return k.signing }

// RegistrationID returns our registration id.
func (k *Keys) RegistrationID() uint32 { return k.regID }

// Companion returns our own device JID.
func (k *Keys) Companion() wajid.JID { return k.companion }

// SetCompanion records our own device JID after pairing.
func (k *Keys) SetCompanion(jid wajid.JID) { k.companion = jid }

// CompanionIdentity returns the serialized device identity proof.
func (k *Keys) CompanionIdentity() []byte { return k.companionIdentity }

// SetCompanionIdentity stores the serialized device identity proof.
func (k *Keys) SetCompanionIdentity(data []byte) { k.companionIdentity = data }

// LoadSession returns the session for an address, or nil when none exists.
func (k *Keys) LoadSession(addr wajid.SignalAddress) (*signal.Session, error) {
	var record []byte
	err := k.db.QueryRow("SELECT record FROM session WHERE address = ?", addr.String()).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load session: %w", err)
	}
	return signal.DeserializeSession(record)
}

// StoreSession persists the session for an address.
func (k *Keys) StoreSession(addr wajid.SignalAddress, session *signal.Session) error {
	record, err := session.Serialize()
	if err != nil {
		return err
	}
	_, err = k.db.Exec(
		"INSERT OR REPLACE INTO session (address, record) VALUES (?, ?)",
		addr.String(), record,
	)
	if err != nil {
		return fmt.Errorf("store: store session: %w", err)
	}
	return nil
}

// HasSession reports whether a usable session exists for the address.
func (k *Keys) HasSession(addr wajid.SignalAddress) (bool, error) {
	session, err := k.LoadSession(addr)
	if err != nil {
		return false, err
	}
	return session != nil && session.Current() != nil, nil
}

// StorePreKey persists a one-time pre-key.
func (k *Keys) StorePreKey(pk *signal.PreKey) error {
	record, err := json.Marshal(pk)
	if err != nil {
		return fmt.Errorf("store: encode pre-key: %w", err)
	}
	if _, err := k.db.Exec("INSERT OR REPLACE INTO pre_key (id, record) VALUES (?, ?)", pk.ID, record); err != nil {
		return fmt.Errorf("store: store pre-key: %w", err)
	}
	return nil
}

// LoadPreKey returns a one-time pre-key, or nil when absent.
func (k *Keys) LoadPreKey(id uint32) (*signal.PreKey, error) {
	var record []byte
	err := k.db.QueryRow("SELECT record FROM pre_key WHERE id = ?", id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load pre-key: %w", err)
	}
	var pk signal.PreKey
	if err := json.Unmarshal(record, &pk); err != nil {
		return nil, fmt.Errorf("store: decode pre-key: %w", err)
	}
	return &pk, nil
}

// RemovePreKey deletes a consumed one-time pre-key. Idempotent.
func (k *Keys) RemovePreKey(id uint32) error {
	if _, err := k.db.Exec("DELETE FROM pre_key WHERE id = ?", id); err != nil {
		return fmt.Errorf("store: remove pre-key: %w", err)
	}
	return nil
}

// StoreSignedPreKey persists a signed pre-key; rotation keeps old ids around
// for sessions still referencing them.
func (k *Keys) StoreSignedPreKey(spk *signal.SignedPreKey) error {
	record, err := json.Marshal(spk)
	if err != nil {
		return fmt.Errorf("store: encode signed pre-key: %w", err)
	}
	if _, err := k.db.Exec("INSERT OR REPLACE INTO signed_pre_key (id, record) VALUES (?, ?)", spk.ID, record); err != nil {
		return fmt.Errorf("store: store signed pre-key: %w", err)
	}
	return nil
}

// LoadSignedPreKey returns a signed pre-key, or nil when absent.
func (k *Keys) LoadSignedPreKey(id uint32) (*signal.SignedPreKey, error) {
	var record []byte
	err := k.db.QueryRow("SELECT record FROM signed_pre_key WHERE id = ?", id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load signed pre-key: %w", err)
	}
	var spk signal.SignedPreKey
	if err := json.Unmarshal(record, &spk); err != nil {
		return nil, fmt.Errorf("store: decode signed pre-key: %w", err)
	}
	return &spk, nil
}

// IsTrustedIdentity accepts an identity that matches the pinned one, or any
// identity when none is pinned yet.
func (k *Keys) IsTrustedIdentity(addr wajid.SignalAddress, identity [32]byte) (bool, error) {
	var pinned []byte
	err := k.db.QueryRow("SELECT public_key FROM identity WHERE address = ?", addr.Name).Scan(&pinned)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: load identity: %w", err)
	}
	return len(pinned) == 32 && [32]byte(pinned) == identity, nil
}

// SaveIdentity pins an identity for a JID.
func (k *Keys) SaveIdentity(addr wajid.SignalAddress, identity [32]byte) error {
	_, err := k.db.Exec(
		"INSERT OR REPLACE INTO identity (address, public_key) VALUES (?, ?)",
		addr.Name, identity[:],
	)
	if err != nil {
		return fmt.Errorf("store: save identity: %w", err)
	}
	return nil
}

// LoadSenderKey returns the sender key state for a name, or nil when absent.
func (k *Keys) LoadSenderKey(name signal.SenderKeyName) (*signal.SenderKeyState, error) {
	var record []byte
	err := k.db.QueryRow("SELECT record FROM sender_key WHERE name = ?", name.String()).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load sender key: %w", err)
	}
	var state signal.SenderKeyState
	if err := json.Unmarshal(record, &state); err != nil {
		return nil, fmt.Errorf("store: decode sender key: %w", err)
	}
	return &state, nil
}

// StoreSenderKey persists the sender key state for a name.
func (k *Keys) StoreSenderKey(name signal.SenderKeyName, state *signal.SenderKeyState) error {
	record, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("store: encode sender key: %w", err)
	}
	_, err = k.db.Exec(
		"INSERT OR REPLACE INTO sender_key (name, record) VALUES (?, ?)",
		name.String(), record,
	)
	if err != nil {
		return fmt.Errorf("store: store sender key: %w", err)
	}
	return nil
}

// AppStateKey is one installed app-state sync key.
type AppStateKey struct {
	ID   []byte
	Data []byte
}

// AddAppStateKeys installs shared app-state sync keys.
func (k *Keys) AddAppStateKeys(keys []AppStateKey) error {
	for _, key := range keys {
		if _, err := k.db.Exec(
			"INSERT OR REPLACE INTO app_state_key (key_id, data) VALUES (?, ?)",
			key.ID, key.Data,
		); err != nil {
			return fmt.Errorf("store: add app state key: %w", err)
		}
	}
	return nil
}

// AppStateKeyCount returns how many app-state keys are installed.
func (k *Keys) AppStateKeyCount() (int, error) {
	var n int
	if err := k.db.QueryRow("SELECT COUNT(*) FROM app_state_key").Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count app state keys: %w", err)
	}
	return n, nil
}

// GeneratePreKeys creates and persists count one-time pre-keys starting at
// startID, returning them for upload.
func (k *Keys) GeneratePreKeys(startID uint32, count int) ([]*signal.PreKey, error) {
	out := make([]*signal.PreKey, 0, count)
	for i := 0; i < count; i++ {
		pair, err := wacrypto.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		pk := &signal.PreKey{ID: startID + uint32(i), KeyPair: *pair}
		if err := k.StorePreKey(pk); err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	return out, nil
}

// GenerateSignedPreKey creates, signs and persists a signed pre-key.
func (k *Keys) GenerateSignedPreKey(id uint32) (*signal.SignedPreKey, error) {
	pair, err := wacrypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	spk := &signal.SignedPreKey{
		PreKey:    signal.PreKey{ID: id, KeyPair: *pair},
		Signature: k.signing.Sign(pair.Public[:]),
	}
	if err := k.StoreSignedPreKey(spk); err != nil {
		return nil, err
	}
	return spk, nil
}
