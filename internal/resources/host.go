package resources

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const meminfoPath = "/proc/meminfo"

// DetectHost reads total RAM, logical CPUs and the free space of the volume
// holding dataPath. A dataPath that does not exist yet is measured at its
// closest existing parent.
func DetectHost(dataPath string) (*Host, error) {
	f, err := os.Open(meminfoPath)
	if err != nil {
		return nil, fmt.Errorf("read memory size: %w", err)
	}
	defer func() { _ = f.Close() }()

	ram, err := ParseMeminfo(f)
	if err != nil {
		return nil, err
	}
	disk, err := FreeDisk(dataPath)
	if err != nil {
		return nil, err
	}
	return &Host{
		RAM:  ram,
		CPU:  int64(runtime.NumCPU()) * 1000,
		Disk: disk,
	}, nil
}

// ParseMeminfo extracts MemTotal in bytes from /proc/meminfo content.
func ParseMeminfo(r io.Reader) (uint64, error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || fields[0] != "MemTotal:" {
			continue
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse MemTotal %q: %w", fields[1], err)
		}
		return kb * 1024, nil
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("MemTotal not found in %s", meminfoPath)
}

// FreeDisk returns the bytes available to unprivileged users on the volume holding path.
func FreeDisk(path string) (uint64, error) {
	dir := filepath.Clean(path)
	for {
		if _, err := os.Stat(dir); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", dir, err)
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
