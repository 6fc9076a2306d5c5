// Package sysinfo reports machine facts used for sizing the worker
// pools and the status page.
package sysinfo

import (
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/remotecc/remotecc/internal/logger"
)

// NumCPUs returns the number of logical CPUs, falling back to the Go
// runtime's view when the OS probe fails.
func NumCPUs() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		logger.Warn("cpu count probe failed, using runtime value", logger.KeyError, errString(err))
		return runtime.NumCPU()
	}
	return n
}

// SystemTotalMemory returns the physical memory size in bytes, or 0
// when unknown.
func SystemTotalMemory() uint64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		logger.Warn("memory probe failed", logger.KeyError, errString(err))
		return 0
	}
	return vm.Total
}

// ConsumingMemoryOfCurrentProcess returns this process's resident set
// size in bytes, or 0 when unknown.
func ConsumingMemoryOfCurrentProcess() uint64 {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	info, err := p.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return info.RSS
}

func errString(err error) string {
	if err == nil {
		return "no cpus reported"
	}
	return err.Error()
}
