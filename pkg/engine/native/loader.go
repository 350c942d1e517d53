package native

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ErrLibraryNotFound is returned when the shared library cannot be located.
var ErrLibraryNotFound = errors.New("voxel ops shared library not found")

func findVoxOps() (string, error) {
	switch runtime.GOOS {
	case "windows":
		return findLibrary("voxops.dll", runtime.GOOS)
	case "darwin":
		return findLibrary("libvoxops.dylib", runtime.GOOS)
	default:
		return findLibrary("libvoxops.so", runtime.GOOS)
	}
}

func findLibrary(name, goos string) (string, error) {
	dirs := libDirs(goos)
	checked := make([]string, 0, len(dirs))

	for _, dir := range dirs {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		checked = append(checked, path)
	}

	return "", fmt.Errorf("%w: checked\n\t - %s", ErrLibraryNotFound, strings.Join(checked, "\n\t - "))
}

func libDirs(goos string) []string {
	dirs := []string{"/usr/lib", "/usr/local/lib"}

	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}

	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, wd)
	}

	if goos == "darwin" {
		dirs = append(dirs, "/opt/homebrew/lib")
	}

	for _, envKey := range []string{"LD_LIBRARY_PATH", "DYLD_LIBRARY_PATH"} {
		if val := os.Getenv(envKey); val != "" {
			dirs = append(dirs, strings.Split(val, ":")...)
		}
	}

	return dirs
}

// IsLibraryAvailable checks if the voxel ops library can be found
// without loading it.
func IsLibraryAvailable() bool {
	_, err := findVoxOps()
	return err == nil
}

// LibDirs returns the searched directories. Exported for testing.
func LibDirs(goos string) []string {
	return libDirs(goos)
}
