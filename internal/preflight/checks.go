// Package preflight provides startup validation checks.
package preflight

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// maxSocketPathLen mirrors the channel package's sun_path headroom; the
// check warns before channel creation would fail on a long path.
const maxSocketPathLen = 104

// Check represents the result of a single preflight check.
type Check struct {
	Name    string
	Passed  bool
	Warning bool // non-fatal
	Message string
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

// RunAll executes all preflight checks. scriptPath may be empty (print
// modes); channelDir must not be.
func RunAll(workerPath, scriptPath, channelDir string) *Result {
	result := &Result{Passed: true}

	for _, check := range []Check{
		checkWorker(workerPath),
		checkScript(scriptPath),
		checkChannelDir(channelDir),
		checkSocketPathRoom(channelDir),
	} {
		result.Checks = append(result.Checks, check)
		if !check.Passed {
			result.Passed = false
		}
	}
	return result
}

// checkWorker verifies the worker executable can be found and executed.
func checkWorker(path string) Check {
	c := Check{Name: "worker executable"}

	resolved := path
	if !strings.ContainsRune(path, os.PathSeparator) {
		// Bare command name: resolve via PATH like exec.Command will.
		p, err := exec.LookPath(path)
		if err != nil {
			c.Message = fmt.Sprintf("%q not found in PATH", path)
			return c
		}
		resolved = p
	}

	info, err := os.Stat(resolved)
	if err != nil {
		c.Message = fmt.Sprintf("%q: %v", resolved, err)
		return c
	}
	if info.IsDir() {
		c.Message = fmt.Sprintf("%q is a directory", resolved)
		return c
	}
	if info.Mode().Perm()&0o111 == 0 {
		c.Message = fmt.Sprintf("%q is not executable", resolved)
		return c
	}

	c.Passed = true
	c.Message = resolved
	return c
}

// checkScript verifies the script path is readable.
func checkScript(path string) Check {
	c := Check{Name: "script"}
	if path == "" {
		c.Passed = true
		c.Warning = true
		c.Message = "no script configured"
		return c
	}

	f, err := os.Open(path)
	if err != nil {
		c.Message = fmt.Sprintf("%q: %v", path, err)
		return c
	}
	f.Close()

	c.Passed = true
	c.Message = path
	return c
}

// checkChannelDir verifies the channel directory is writable by creating
// and removing a probe file.
func checkChannelDir(dir string) Check {
	c := Check{Name: "channel directory"}

	probe, err := os.CreateTemp(dir, "pipelaunch-preflight-*")
	if err != nil {
		c.Message = fmt.Sprintf("%q not writable: %v", dir, err)
		return c
	}
	probe.Close()
	os.Remove(probe.Name())

	c.Passed = true
	c.Message = dir
	return c
}

// checkSocketPathRoom verifies a channel socket path under dir would fit
// within the Unix socket path limit.
func checkSocketPathRoom(dir string) Check {
	c := Check{Name: "socket path length"}

	// Worst-case channel name: prefix + pid + salt + extension.
	sample := filepath.Join(dir, fmt.Sprintf("control-%d-saltsalt.sock", os.Getpid()))
	if len(sample) > maxSocketPathLen {
		c.Message = fmt.Sprintf("%d > %d bytes: use a shorter -channel-dir", len(sample), maxSocketPathLen)
		return c
	}

	c.Passed = true
	c.Message = fmt.Sprintf("%d of %d bytes", len(sample), maxSocketPathLen)
	return c
}
