package proclock

import (
	"golang.org/x/sys/unix"
)

// AlivePidKey is the shared-state key holding the persisted alive-pid list.
const AlivePidKey = "alive_pids"

// PidListStore is the slice of the shared state store the election needs.
type PidListStore interface {
	GetIntSlice(key string, def []int) []int
	PutIntSlice(key string, value []int) error
}

// ElectFirstProcess decides whether the calling process is the first live
// process of the application. Under the lock it reads the persisted alive-pid
// list, drops pids that are no longer running, appends the caller and writes
// the repaired list back. The caller is "first" iff no other live pid
// remained after the repair.
//
// When the lock cannot be acquired the caller is conservatively reported as
// not-first: session lifecycle duties stay with whoever holds the lock.
func ElectFirstProcess(lock *FileLock, store PidListStore, pid int) (bool, error) {
	acquired, err := lock.TryAcquire()
	if err != nil {
		return false, err
	}
	if !acquired {
		return false, nil
	}
	defer lock.Release()

	persisted := store.GetIntSlice(AlivePidKey, nil)
	alive := make([]int, 0, len(persisted)+1)
	for _, p := range persisted {
		if p == pid {
			continue
		}
		if pidAlive(p) {
			alive = append(alive, p)
		}
	}
	first := len(alive) == 0
	alive = append(alive, pid)
	if err := store.PutIntSlice(AlivePidKey, alive); err != nil {
		return first, err
	}
	return first, nil
}

// pidAlive probes a pid with a null signal. EPERM means the process exists
// but belongs to another uid; that still counts as alive.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
