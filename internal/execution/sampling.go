package execution

import (
	gocpu "github.com/shirou/gopsutil/v4/cpu"
	gomem "github.com/shirou/gopsutil/v4/mem"
	goprocess "github.com/shirou/gopsutil/v4/process"
)

// System call wrappers for testing
var (
	hostCPUTimes  = gocpu.Times
	virtualMemory = gomem.VirtualMemory
	processTimes  = defaultProcessTimes
	processMemory = defaultProcessMemory
)

func defaultProcessTimes(pid int) (user, system float64, err error) {
	proc, err := goprocess.NewProcess(int32(pid))
	if err != nil {
		return 0, 0, err
	}
	times, err := proc.Times()
	if err != nil {
		return 0, 0, err
	}
	return times.User, times.System, nil
}

func defaultProcessMemory(pid int) (vsize, rss uint64, err error) {
	proc, err := goprocess.NewProcess(int32(pid))
	if err != nil {
		return 0, 0, err
	}
	info, err := proc.MemoryInfo()
	if err != nil {
		return 0, 0, err
	}
	return info.VMS, info.RSS, nil
}

// hostCPUTotal returns the aggregate CPU time in seconds spent by the whole
// host since boot, summed over every accounting bucket of the first
// /proc/stat line.
func hostCPUTotal() (float64, error) {
	stats, err := hostCPUTimes(false)
	if err != nil {
		return 0, err
	}
	if len(stats) == 0 {
		return 0, nil
	}
	t := stats[0]
	return t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq +
		t.Softirq + t.Steal + t.Guest + t.GuestNice, nil
}

// freeMemory returns the unused physical memory in bytes and as a percentage
// of the total.
func freeMemory() (free uint64, pct float64, err error) {
	vm, err := virtualMemory()
	if err != nil {
		return 0, 0, err
	}
	if vm.Total == 0 {
		return vm.Free, 0, nil
	}
	return vm.Free, 100 * float64(vm.Free) / float64(vm.Total), nil
}

// cpuUsage converts a process CPU-time delta into a percentage of the host
// CPU time that elapsed over the same interval.
func cpuUsage(procBefore, procAfter, hostBefore, hostAfter float64) float64 {
	hostDelta := hostAfter - hostBefore
	if hostDelta <= 0 {
		return 0
	}
	return 100 * (procAfter - procBefore) / hostDelta
}
