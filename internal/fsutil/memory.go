package fsutil

import (
	"os"
	"strconv"
	"strings"
	"syscall"
)

// GetSystemMemory returns available memory in MB
func GetSystemMemory() (int64, error) {
	// /proc/meminfo's MemAvailable accounts for reclaimable cache
	content, err := os.ReadFile("/proc/meminfo")
	if err == nil {
		for _, line := range strings.Split(string(content), "\n") {
			if strings.HasPrefix(line, "MemAvailable:") {
				fields := strings.Fields(line)
				if len(fields) >= 2 {
					if kb, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
						return kb / 1024, nil
					}
				}
			}
		}
	}

	var sysinfo syscall.Sysinfo_t
	if err := syscall.Sysinfo(&sysinfo); err != nil {
		return 0, err
	}
	availableBytes := int64(sysinfo.Freeram) * int64(sysinfo.Unit)
	return availableBytes / (1024 * 1024), nil
}

// PixelBudget converts a share of available memory into a maximum RGBA pixel
// count for a single output buffer. It returns 0 (no limit) when memory cannot
// be determined.
func PixelBudget(share float64) int64 {
	if share <= 0 {
		return 0
	}
	mb, err := GetSystemMemory()
	if err != nil || mb <= 0 {
		return 0
	}
	return int64(float64(mb*1024*1024)*share) / 4
}
