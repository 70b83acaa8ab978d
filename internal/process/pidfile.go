package process

import (
	"fmt"
	"os"
	"strconv"
)

// WritePidfile records the supervisor PID. The file is removed again by
// RemovePidfile at orderly shutdown.
func WritePidfile(path string) error {
	if path == "" {
		return nil
	}

	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(path, []byte(pid+"\n"), 0o644); err != nil {
		return fmt.Errorf("cannot write pidfile %q: %w", path, err)
	}

	return nil
}

// RemovePidfile unlinks the pidfile; a missing file is not an error.
func RemovePidfile(path string) {
	if path == "" {
		return
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		// nothing useful to do at shutdown beyond ignoring it
		_ = err
	}
}
