package service

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// An owner names the process which submitted a job as
// <pid>:<boot id>:<process start time>. The boot id and the start time tell a
// reused pid apart, either may be empty where /proc is not available.
func selfOwner() string {
	pid := os.Getpid()
	return fmt.Sprintf("%d:%s:%s", pid, bootID(), startTime(pid))
}

// ownerAlive reports whether the process named by owner still runs. Rows
// written without an owner belong to nobody.
func ownerAlive(owner string) bool {
	if owner == "" {
		return false
	}
	parts := strings.SplitN(owner, ":", 3)
	pid, err := strconv.Atoi(parts[0])
	if err != nil || pid <= 0 {
		return false
	}
	if len(parts) > 1 && parts[1] != "" {
		if boot := bootID(); boot != "" && boot != parts[1] {
			return false
		}
	}
	// EPERM means the process exists but belongs to someone else
	if err := unix.Kill(pid, 0); errors.Is(err, unix.ESRCH) {
		return false
	}
	if len(parts) > 2 && parts[2] != "" {
		if start := startTime(pid); start != "" && start != parts[2] {
			return false
		}
	}
	return true
}

func bootID() string {
	b, err := os.ReadFile("/proc/sys/kernel/random/boot_id")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// startTime returns field 22 of /proc/<pid>/stat, the start of the process in
// clock ticks after boot.
func startTime(pid int) string {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return ""
	}
	// the command name in field 2 may contain spaces and parentheses
	i := strings.LastIndexByte(string(b), ')')
	if i < 0 {
		return ""
	}
	fields := strings.Fields(string(b[i+1:]))
	if len(fields) < 20 {
		return ""
	}
	return fields[19]
}
