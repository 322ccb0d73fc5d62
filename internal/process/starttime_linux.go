//go:build linux

package process

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/host"
	sysconf "github.com/tklauser/go-sysconf"
)

// StartTime returns when pid started, or the zero time when unknown.
// It reads field 22 of /proc/<pid>/stat (clock ticks since boot).
func StartTime(pid int) time.Time {
	if pid <= 0 {
		return time.Time{}
	}
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return time.Time{}
	}
	line := string(b)
	// comm may contain spaces; it ends at the last ") "
	end := strings.LastIndex(line, ") ")
	if end == -1 {
		return time.Time{}
	}
	fields := strings.Fields(line[end+2:])
	if len(fields) < 20 {
		return time.Time{}
	}
	ticks, err := strconv.ParseInt(fields[19], 10, 64)
	if err != nil || ticks <= 0 {
		return time.Time{}
	}
	boot, err := host.BootTime()
	if err != nil || boot == 0 {
		return time.Time{}
	}
	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		clk = 100
	}
	offset := time.Duration(ticks) * time.Second / time.Duration(clk)
	return time.Unix(int64(boot), 0).Add(offset) // #nosec G115 -- boot time fits
}
