package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/voxforge/voxd/pkg/core"
)

// WritePIDFile claims single-instance ownership. An existing file whose
// pid is still alive aborts with core.ErrAlreadyRunning; a leftover
// from a crashed daemon is overwritten.
func WritePIDFile(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		pid, perr := strconv.Atoi(strings.TrimSpace(string(data)))
		if perr == nil && pid > 0 && pidAlive(pid) {
			return fmt.Errorf("%w: pid %d holds %s", core.ErrAlreadyRunning, pid, path)
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}

// RemovePIDFile releases the claim. Only the pid recorded in the file
// may remove it, so a restarted daemon never deletes its successor's.
func RemovePIDFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err == nil && pid == os.Getpid() {
		os.Remove(path)
	}
}

// pidAlive probes a pid with the null signal. EPERM still means the
// process exists, just owned by someone else.
func pidAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
