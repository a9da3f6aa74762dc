// Package backend provides the default, file-backed implementations of
// logind's external collaborator interfaces (authn.PasswordStore,
// admission.SystemStats, admission.BanSource). Spec §1 treats these as
// pluggable externals; this package supplies a concrete on-disk default so
// cmd/logind has something real to run against, grounded on the teacher's
// internal/user.UserMgr for credential storage and internal/cmd/vision3's
// ConnectionTracker for IP-list watching.
package backend

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/openbbs/logind/internal/authn"
)

// passwdRecord is one entry in the JSON password file on disk.
type passwdRecord struct {
	Userid       string `json:"userid"`
	PasswordHash string `json:"passwordHash"`
}

// PasswdStore is a JSON-file-backed authn.PasswordStore, restated from the
// teacher's UserMgr: usernames are matched case-insensitively, and
// credentials are verified with bcrypt, exactly like UserMgr.Authenticate.
type PasswdStore struct {
	mu      sync.RWMutex
	byLower map[string]passwdRecord
}

// LoadPasswdStore reads path once at startup. A missing file yields an
// empty store rather than an error, matching LoadConfig's tolerant style.
func LoadPasswdStore(path string) (*PasswdStore, error) {
	s := &PasswdStore{byLower: make(map[string]passwdRecord)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("WARN: backend: password file %s not found, no users will authenticate", path)
			return s, nil
		}
		return nil, fmt.Errorf("backend: read password file %s: %w", path, err)
	}

	var records []passwdRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("backend: parse password file %s: %w", path, err)
	}
	for _, rec := range records {
		s.byLower[strings.ToLower(rec.Userid)] = rec
	}
	log.Printf("INFO: backend: loaded %d user record(s) from %s", len(records), path)
	return s, nil
}

// Load implements authn.PasswordStore.
func (s *PasswdStore) Load(userid string) (authn.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byLower[strings.ToLower(userid)]
	if !ok {
		return authn.Record{}, false
	}
	return authn.Record{CanonicalID: rec.Userid}, true
}

// Verify implements authn.PasswordStore, comparing outside any lock since
// bcrypt is CPU-intensive, matching UserMgr.Authenticate's comment on the
// same tradeoff.
func (s *PasswdStore) Verify(rec authn.Record, password string) bool {
	s.mu.RLock()
	stored, ok := s.byLower[strings.ToLower(rec.CanonicalID)]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte(password)) == nil
}
