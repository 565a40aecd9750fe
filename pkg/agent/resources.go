package agent

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/cloudfab/nodeagent/pkg/api"
)

// DetectCapacity measures the node's total resources for heartbeat
// reporting. Detection failures degrade to zero values with a log line; the
// controller treats zeros as unknown.
func DetectCapacity(localDir string, logger *zap.Logger) api.NodeResources {
	res := api.NodeResources{
		CPUMillicores: int64(runtime.NumCPU()) * 1000,
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		res.MemoryBytes = int64(vm.Total)
	} else {
		logger.Warn("Failed to detect memory capacity", zap.Error(err))
	}

	if usage, err := disk.Usage(localDir); err == nil {
		res.StorageBytes = int64(usage.Total)
	} else {
		logger.Warn("Failed to detect storage capacity",
			zap.String("path", localDir),
			zap.Error(err),
		)
	}

	return res
}

// DetectUsage measures current resource consumption.
func DetectUsage(localDir string, logger *zap.Logger) api.NodeResources {
	var res api.NodeResources

	if vm, err := mem.VirtualMemory(); err == nil {
		res.MemoryBytes = int64(vm.Used)
	} else {
		logger.Warn("Failed to detect memory usage", zap.Error(err))
	}

	if usage, err := disk.Usage(localDir); err == nil {
		res.StorageBytes = int64(usage.Used)
	} else {
		logger.Warn("Failed to detect storage usage",
			zap.String("path", localDir),
			zap.Error(err),
		)
	}

	return res
}
