// Package store persists per-account encrypted VRF artifacts in SQLite.
//
// Only ciphertext is stored: PRF-sealed keypairs and relay-escrowed
// keypairs. Nothing here can reconstruct a keypair without the PRF output
// or a relay round trip.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tatchi/internal/escrow"
	"tatchi/internal/keymanager"
	"tatchi/internal/vrferr"
)

// ErrNotFound is returned when an account has no record of the requested kind.
var ErrNotFound = errors.New("store: record not found")

// Store is the SQLite account store.
type Store struct {
	mu  sync.Mutex
	db  *sql.DB
	now func() time.Time
}

// Account summarizes what is stored for an account id.
type Account struct {
	AccountID    string
	VrfPublicKey string
	HasEncrypted bool
	HasEscrow    bool
	UpdatedAt    time.Time
}

// Open opens or creates the database at path and applies migrations.
// ":memory:" opens a private in-memory database.
func Open(path string) (*Store, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		dsn = path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// each in-memory connection is a separate database
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the handle for migration tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// PutEncryptedKeypair stores or replaces the PRF-sealed keypair for accountID.
func (s *Store) PutEncryptedKeypair(accountID, vrfPublicKey string, enc *keymanager.EncryptedVrfKeypair) error {
	if accountID == "" || vrfPublicKey == "" || enc == nil || enc.Ciphertext == "" || enc.Nonce == "" {
		return fmt.Errorf("put encrypted keypair: %w", vrferr.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixNano()
	_, err := s.db.Exec(`
		INSERT INTO vrf_accounts (account_id, vrf_public_key, ciphertext, nonce, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			vrf_public_key = excluded.vrf_public_key,
			ciphertext     = excluded.ciphertext,
			nonce          = excluded.nonce,
			updated_at     = excluded.updated_at`,
		accountID, vrfPublicKey, enc.Ciphertext, enc.Nonce, now, now,
	)
	if err != nil {
		return fmt.Errorf("put encrypted keypair: %w", err)
	}
	return nil
}

// GetEncryptedKeypair returns the PRF-sealed keypair and its public key.
func (s *Store) GetEncryptedKeypair(accountID string) (*keymanager.EncryptedVrfKeypair, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var enc keymanager.EncryptedVrfKeypair
	var pk string
	err := s.db.QueryRow(
		`SELECT vrf_public_key, ciphertext, nonce FROM vrf_accounts WHERE account_id = ?`,
		accountID,
	).Scan(&pk, &enc.Ciphertext, &enc.Nonce)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("get encrypted keypair: %w", err)
	}
	return &enc, pk, nil
}

// PutServerEncrypted stores or replaces the relay-escrowed keypair for accountID.
func (s *Store) PutServerEncrypted(accountID string, blob *escrow.ServerEncryptedVrfKeypair) error {
	if accountID == "" || blob == nil || blob.CiphertextVrfB64u == "" || blob.KEKSB64u == "" {
		return fmt.Errorf("put server encrypted: %w", vrferr.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixNano()
	_, err := s.db.Exec(`
		INSERT INTO vrf_escrow (account_id, vrf_public_key, ciphertext_vrf_b64u, kek_s_b64u, server_key_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			vrf_public_key      = excluded.vrf_public_key,
			ciphertext_vrf_b64u = excluded.ciphertext_vrf_b64u,
			kek_s_b64u          = excluded.kek_s_b64u,
			server_key_id       = excluded.server_key_id,
			updated_at          = excluded.updated_at`,
		accountID, blob.VrfPublicKey, blob.CiphertextVrfB64u, blob.KEKSB64u, blob.ServerKeyID, now, now,
	)
	if err != nil {
		return fmt.Errorf("put server encrypted: %w", err)
	}
	return nil
}

// GetServerEncrypted returns the relay-escrowed keypair for accountID.
func (s *Store) GetServerEncrypted(accountID string) (*escrow.ServerEncryptedVrfKeypair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var blob escrow.ServerEncryptedVrfKeypair
	err := s.db.QueryRow(
		`SELECT vrf_public_key, ciphertext_vrf_b64u, kek_s_b64u, server_key_id FROM vrf_escrow WHERE account_id = ?`,
		accountID,
	).Scan(&blob.VrfPublicKey, &blob.CiphertextVrfB64u, &blob.KEKSB64u, &blob.ServerKeyID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get server encrypted: %w", err)
	}
	return &blob, nil
}

// EscrowsByServerKey lists accounts escrowed under a relay key id, so they
// can be re-escrowed before that key is retired.
func (s *Store) EscrowsByServerKey(keyID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT account_id FROM vrf_escrow WHERE server_key_id = ? ORDER BY account_id`, keyID,
	)
	if err != nil {
		return nil, fmt.Errorf("query escrows: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan escrow: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteAccount removes every record for accountID. Missing accounts are not an error.
func (s *Store) DeleteAccount(accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM vrf_accounts WHERE account_id = ?`, accountID); err != nil {
		tx.Rollback()
		return fmt.Errorf("delete account: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM vrf_escrow WHERE account_id = ?`, accountID); err != nil {
		tx.Rollback()
		return fmt.Errorf("delete escrow: %w", err)
	}
	return tx.Commit()
}

// ListAccounts returns one summary per known account id, sorted by id.
func (s *Store) ListAccounts() ([]Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT ids.account_id,
		       COALESCE(a.vrf_public_key, e.vrf_public_key, ''),
		       a.account_id IS NOT NULL,
		       e.account_id IS NOT NULL,
		       MAX(COALESCE(a.updated_at, 0), COALESCE(e.updated_at, 0))
		FROM (SELECT account_id FROM vrf_accounts UNION SELECT account_id FROM vrf_escrow) ids
		LEFT JOIN vrf_accounts a ON a.account_id = ids.account_id
		LEFT JOIN vrf_escrow e ON e.account_id = ids.account_id
		ORDER BY ids.account_id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var a Account
		var updated int64
		if err := rows.Scan(&a.AccountID, &a.VrfPublicKey, &a.HasEncrypted, &a.HasEscrow, &updated); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		a.UpdatedAt = time.Unix(0, updated)
		out = append(out, a)
	}
	return out, rows.Err()
}
