package ratelimit

import (
	"fmt"
	"strings"
)

// APIKey is a caller credential and the tier it is billed under.
type APIKey struct {
	ID     string `toml:"id"`
	Secret string `toml:"secret"`
	Tier   Tier   `toml:"tier"`
}

func (k APIKey) Plan() Plan { return PlanFor(k.Tier) }

// Keyring resolves presented secrets to API keys.
type Keyring struct {
	bySecret map[string]APIKey
}

func NewKeyring(keys []APIKey) *Keyring {
	kr := &Keyring{bySecret: make(map[string]APIKey, len(keys))}
	for _, k := range keys {
		if k.Secret == "" {
			continue
		}
		if k.ID == "" {
			k.ID = k.Secret
		}
		k.Tier = ParseTier(string(k.Tier))
		kr.bySecret[k.Secret] = k
	}
	return kr
}

func (kr *Keyring) Lookup(secret string) (APIKey, bool) {
	if kr == nil || secret == "" {
		return APIKey{}, false
	}
	k, ok := kr.bySecret[secret]
	return k, ok
}

func (kr *Keyring) Len() int {
	if kr == nil {
		return 0
	}
	return len(kr.bySecret)
}

// ParseKeys reads the API_KEYS format: comma-separated id:secret:tier
// entries, tier optional.
func ParseKeys(s string) ([]APIKey, error) {
	var keys []APIKey
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid api key entry %q", entry)
		}
		k := APIKey{ID: parts[0], Secret: parts[1], Tier: TierFree}
		if len(parts) == 3 {
			k.Tier = ParseTier(parts[2])
		}
		keys = append(keys, k)
	}
	return keys, nil
}
