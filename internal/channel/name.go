package channel

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// saltLen is the number of uuid characters appended to a channel name.
// Eight hex characters is enough to make collisions between concurrent
// supervisor instances sharing a pid namespace improbable.
const saltLen = 8

// UniqueName returns a socket path for a channel endpoint that is unique
// to this supervisor instance. Uniqueness comes from the process id plus
// a random salt, so two supervisors launched in the same instant do not
// collide. The result is not cryptographically unguessable.
func UniqueName(dir, prefix string) string {
	salt := strings.ReplaceAll(uuid.NewString(), "-", "")[:saltLen]
	return filepath.Join(dir, fmt.Sprintf("%s-%d-%s.sock", prefix, os.Getpid(), salt))
}

// DefaultDir returns the directory channel sockets are created in when
// the caller does not specify one.
func DefaultDir() string {
	return os.TempDir()
}
