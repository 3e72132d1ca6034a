package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// clientIDFile holds the generated client id under the data directory.
const clientIDFile = "client_id"

// LoadOrCreateClientID returns the client id stored in dataDir, or
// generates "otanode-<uuidv7>" and persists it. A stable id keeps the
// broker from treating every reboot as a new client.
func LoadOrCreateClientID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, clientIDFile)

	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate client id: %w", err)
	}
	id := "otanode-" + u.String()

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir %s: %w", dataDir, err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist client id to %s: %w", path, err)
	}
	return id, nil
}
