package server

import (
	"crypto/subtle"
	"sort"
)

type apiKeyEntry struct {
	user string
	key  []byte
}

// APIKeyStore maps static API keys to user ids. It is read-only after construction.
type APIKeyStore struct {
	entries []apiKeyEntry
}

// NewAPIKeyStore builds the store from a user -> key mapping.
func NewAPIKeyStore(keys map[string]string) *APIKeyStore {
	users := make([]string, 0, len(keys))
	for user := range keys {
		users = append(users, user)
	}
	sort.Strings(users)

	entries := make([]apiKeyEntry, 0, len(users))
	for _, user := range users {
		if keys[user] == "" {
			continue
		}
		entries = append(entries, apiKeyEntry{user: user, key: []byte(keys[user])})
	}
	return &APIKeyStore{entries: entries}
}

// Lookup returns the user owning key. Every entry is compared so timing does
// not reveal which user matched.
func (s *APIKeyStore) Lookup(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	presented := []byte(key)
	matched := ""
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(e.key, presented) == 1 && matched == "" {
			matched = e.user
		}
	}
	return matched, matched != ""
}

// Users lists configured user ids.
func (s *APIKeyStore) Users() []string {
	out := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.user)
	}
	return out
}
