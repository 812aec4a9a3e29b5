//go:build windows

package talus

import (
	"os"
)

// acquireLock is a no-op on Windows: flock has no equivalent here, so
// single-process access is not enforced. LockFileEx would be needed for a
// real lock.
func acquireLock(f *os.File, shared bool) error {
	return nil
}

func releaseLockFile(f *os.File) {}
