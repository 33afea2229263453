package supervisor

import "github.com/shirou/gopsutil/v3/process"

// SampleUsage reads the current CPU percentage and resident memory of a
// process. A process that disappears mid-sample yields zeros; the next
// reconcile pass will notice it is gone.
func SampleUsage(pid int) (cpuPercent, ramMb float64) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, 0
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		cpuPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		ramMb = float64(mem.RSS) / (1024 * 1024)
	}
	return cpuPercent, ramMb
}
