package daemon

import (
	"os"
	"os/exec"
	"syscall"
)

const detachEnv = "VOXD_DETACHED"

// Detached reports whether this process is the backgrounded child of a
// detach re-exec.
func Detached() bool {
	return os.Getenv(detachEnv) == "1"
}

// Detach re-executes the current binary into its own session with the
// standard streams pointed at /dev/null, and returns the child pid.
// The foreground parent should exit afterwards. The detach flag itself
// is stripped from the forwarded arguments so the child does not fork
// again.
func Detach() (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, err
	}

	args := make([]string, 0, len(os.Args)-1)
	for _, a := range os.Args[1:] {
		if a == "--detach" || a == "-d" {
			continue
		}
		args = append(args, a)
	}

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, err
	}
	defer devnull.Close()

	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), detachEnv+"=1")
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, err
	}
	// The child is reparented once we exit; Release avoids holding a
	// handle we will never wait on.
	pid := cmd.Process.Pid
	cmd.Process.Release()
	return pid, nil
}
