package credpool

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/kilimcininkoroglu/kiroproxy/internal/kiro/model"
)

// credentialsFormat records whether the credentials file on disk was a
// single JSON object (legacy) or an array, so saves preserve the shape
// unless an admin add explicitly upgrades it.
type credentialsFormat int

const (
	formatArray credentialsFormat = iota
	formatSingleton
)

// loadCredentialsFile reads either a single credential object or an array
// of them from path, reporting which shape it found.
func loadCredentialsFile(path string) ([]model.Credential, credentialsFormat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, formatArray, fmt.Errorf("credpool: read credentials file: %w", err)
	}

	var arr []model.Credential
	if err := json.Unmarshal(data, &arr); err == nil {
		return arr, formatArray, nil
	}

	var single model.Credential
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, formatArray, fmt.Errorf("credpool: parse credentials file: %w", err)
	}
	return []model.Credential{single}, formatSingleton, nil
}

// saveCredentialsFile writes creds back to path in the recorded shape: a
// bare object when format is formatSingleton and exactly one credential
// remains, an array otherwise (an add that grows a singleton file past one
// entry upgrades it for good).
func saveCredentialsFile(path string, creds []model.Credential, format credentialsFormat) error {
	var data []byte
	var err error
	if format == formatSingleton && len(creds) == 1 {
		data, err = json.MarshalIndent(creds[0], "", "  ")
	} else {
		data, err = json.MarshalIndent(creds, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("credpool: marshal credentials: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// statEntry is one credential's persisted usage stats.
type statEntry struct {
	SuccessCount uint64     `json:"success_count"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
}

func loadStatsFile(path string) (map[int64]statEntry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[int64]statEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("credpool: read stats file: %w", err)
	}
	var raw map[string]statEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("credpool: parse stats file: %w", err)
	}
	out := make(map[int64]statEntry, len(raw))
	for k, v := range raw {
		var id int64
		if _, err := fmt.Sscanf(k, "%d", &id); err != nil {
			continue
		}
		out[id] = v
	}
	return out, nil
}

func saveStatsFile(path string, stats map[int64]statEntry) error {
	raw := make(map[string]statEntry, len(stats))
	for id, v := range stats {
		raw[fmt.Sprintf("%d", id)] = v
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("credpool: marshal stats: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
