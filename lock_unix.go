//go:build !windows

package talus

import (
	"os"
	"syscall"
)

// acquireLock takes a flock on the keyspace LOCK file. Writable keyspaces
// take an exclusive lock; read-only keyspaces take a shared one, so multiple
// readers may coexist but never alongside a writer.
func acquireLock(f *os.File, shared bool) error {
	var how = syscall.LOCK_EX
	if shared {
		how = syscall.LOCK_SH
	}
	var err = syscall.Flock(int(f.Fd()), how|syscall.LOCK_NB)
	if err == syscall.EWOULDBLOCK {
		return ErrLocked
	}
	return err
}

// releaseLockFile drops the lock on the given file.
func releaseLockFile(f *os.File) {
	syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}
