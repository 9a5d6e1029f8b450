package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// WorkerName is the file name of the bundled inference worker.
const WorkerName = "openscans-inference"

// Resolver locates the worker executable.
type Resolver func() (string, error)

// NewResolver returns a Resolver that uses explicit when set, otherwise the
// worker bundled in resourceDir, otherwise the worker found on PATH.
func NewResolver(explicit, resourceDir string) Resolver {
	return func() (string, error) {
		if explicit != "" {
			return explicit, nil
		}

		if resourceDir != "" {
			candidate := filepath.Join(resourceDir, workerFileName())
			if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() {
				return candidate, nil
			}
		}

		path, err := exec.LookPath(workerFileName())
		if err != nil {
			return "", fmt.Errorf("locate %s: %w", WorkerName, err)
		}
		return path, nil
	}
}

func workerFileName() string {
	if runtime.GOOS == "windows" {
		return WorkerName + ".exe"
	}
	return WorkerName
}
