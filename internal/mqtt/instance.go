package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const trackerIDFile = "tracker_id"

// LoadOrCreateTrackerID returns the UUID stored in dataDir/tracker_id.
// A missing, empty or unparseable file is replaced with a fresh UUIDv7.
// The ID goes into every attributes document so HA automations can tell
// which physical tracker reported a sighting even if the location
// string is later renamed.
func LoadOrCreateTrackerID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, trackerIDFile)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if id, perr := uuid.Parse(strings.TrimSpace(string(data))); perr == nil {
			return id.String(), nil
		}
	case !os.IsNotExist(err):
		return "", fmt.Errorf("read tracker ID %s: %w", path, err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate tracker ID: %w", err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist tracker ID to %s: %w", path, err)
	}
	return id.String(), nil
}
