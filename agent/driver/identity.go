package driver

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// loadOrCreateNodeID returns the configured node_id, or a "node-"-prefixed
// UUID persisted at path on first run so this agent keeps the same identity across restarts
// — the same generate-once-and-persist idiom the shared-secret loader uses.
func loadOrCreateNodeID(configured, path string) (string, error) {
	if configured != "" {
		return configured, nil
	}

	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("driver: read persisted node_id: %w", err)
	}

	id := "node-" + uuid.NewString()
	if err := os.WriteFile(path, []byte(id), 0o644); err != nil {
		return "", fmt.Errorf("driver: persist node_id: %w", err)
	}
	return id, nil
}
