// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"runtime"
	"sort"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	gopsutilProcess "github.com/shirou/gopsutil/v4/process"

	"github.com/consolegate/consolegate/lib/worker"
)

const (
	defaultProcessLimit = 10
	maxProcessLimit     = 100
)

// Methods, as named in the module catalogue.
const (
	methodOverview  = "overview"
	methodMemory    = "memory"
	methodDisks     = "disks"
	methodProcesses = "processes"
)

// flavorAdvanced adds owner and command line to process listings.
const flavorAdvanced = "advanced"

func register(server *worker.Server, logger *slog.Logger) {
	h := &handlers{logger: logger}
	server.Handle(methodOverview, h.overview)
	server.Handle(methodMemory, h.memory)
	server.Handle(methodDisks, h.disks)
	server.Handle(methodProcesses, h.processes)
}

type handlers struct {
	logger *slog.Logger
}

type overview struct {
	Hostname      string    `json:"hostname"`
	OS            string    `json:"os"`
	Platform      string    `json:"platform"`
	Kernel        string    `json:"kernel"`
	UptimeSeconds uint64    `json:"uptime_seconds"`
	CPUs          int       `json:"cpus"`
	LoadAverage   []float64 `json:"load_average,omitempty"`
	MemoryTotal   uint64    `json:"memory_total"`
	MemoryUsed    uint64    `json:"memory_used"`
}

func (h *handlers) overview(ctx context.Context, _ *worker.Request) (any, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading host information: %w", err)
	}
	result := overview{
		Hostname:      info.Hostname,
		OS:            info.OS,
		Platform:      info.Platform,
		Kernel:        info.KernelVersion,
		UptimeSeconds: info.Uptime,
		CPUs:          runtime.NumCPU(),
	}
	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		result.CPUs = cores
	}
	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		result.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	} else if err != nil {
		h.logger.Warn("reading load average", "error", err)
	}
	if memory, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		result.MemoryTotal = memory.Total
		result.MemoryUsed = memory.Used
	} else {
		h.logger.Warn("reading memory", "error", err)
	}
	return result, nil
}

type memoryReport struct {
	Total       uint64  `json:"total"`
	Available   uint64  `json:"available"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"used_percent"`
	SwapTotal   uint64  `json:"swap_total"`
	SwapUsed    uint64  `json:"swap_used"`
}

func (h *handlers) memory(ctx context.Context, _ *worker.Request) (any, error) {
	memory, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading memory: %w", err)
	}
	report := memoryReport{
		Total:       memory.Total,
		Available:   memory.Available,
		Used:        memory.Used,
		UsedPercent: round(memory.UsedPercent),
	}
	if swap, err := mem.SwapMemoryWithContext(ctx); err == nil {
		report.SwapTotal = swap.Total
		report.SwapUsed = swap.Used
	}
	return report, nil
}

type diskUsage struct {
	Path        string  `json:"path"`
	Device      string  `json:"device,omitempty"`
	Filesystem  string  `json:"filesystem"`
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"used_percent"`
}

// disks reports every physical mount, or only options.path.
func (h *handlers) disks(ctx context.Context, request *worker.Request) (any, error) {
	if raw, ok := request.Options["path"]; ok {
		path, ok := raw.(string)
		if !ok || path == "" {
			return nil, worker.Errorf(http.StatusBadRequest, "path must be a non-empty string")
		}
		usage, err := disk.UsageWithContext(ctx, path)
		if err != nil {
			return nil, worker.Errorf(http.StatusNotFound, "no filesystem at %s: %v", path, err)
		}
		return []diskUsage{toDiskUsage(usage, "")}, nil
	}

	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("listing partitions: %w", err)
	}
	usages := make([]diskUsage, 0, len(partitions))
	for _, partition := range partitions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		usage, err := disk.UsageWithContext(ctx, partition.Mountpoint)
		if err != nil {
			h.logger.Debug("skipping mount", "mountpoint", partition.Mountpoint, "error", err)
			continue
		}
		usages = append(usages, toDiskUsage(usage, partition.Device))
	}
	return usages, nil
}

func toDiskUsage(usage *disk.UsageStat, device string) diskUsage {
	return diskUsage{
		Path:        usage.Path,
		Device:      device,
		Filesystem:  usage.Fstype,
		Total:       usage.Total,
		Free:        usage.Free,
		Used:        usage.Used,
		UsedPercent: round(usage.UsedPercent),
	}
}

type processEntry struct {
	PID         int32  `json:"pid"`
	Name        string `json:"name"`
	MemoryBytes uint64 `json:"memory_bytes"`
	Username    string `json:"username,omitempty"`
	Command     string `json:"command,omitempty"`
}

// processes lists the largest processes by resident memory. The
// advanced flavor adds owner and command line.
func (h *handlers) processes(ctx context.Context, request *worker.Request) (any, error) {
	limit, err := intOption(request.Options, "limit", defaultProcessLimit)
	if err != nil {
		return nil, err
	}
	if limit < 1 || limit > maxProcessLimit {
		return nil, worker.Errorf(http.StatusBadRequest, "limit must be between 1 and %d", maxProcessLimit)
	}
	advanced := request.Flavor == flavorAdvanced

	all, err := gopsutilProcess.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}
	entries := make([]processEntry, 0, len(all))
	for _, proc := range all {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		memory, err := proc.MemoryInfoWithContext(ctx)
		if err != nil || memory == nil {
			// Exited, or not ours to inspect.
			continue
		}
		name, _ := proc.NameWithContext(ctx)
		entries = append(entries, processEntry{PID: proc.Pid, Name: name, MemoryBytes: memory.RSS})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].MemoryBytes != entries[j].MemoryBytes {
			return entries[i].MemoryBytes > entries[j].MemoryBytes
		}
		return entries[i].PID < entries[j].PID
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}

	if advanced {
		for index := range entries {
			proc, err := gopsutilProcess.NewProcessWithContext(ctx, entries[index].PID)
			if err != nil {
				continue
			}
			entries[index].Username, _ = proc.UsernameWithContext(ctx)
			entries[index].Command, _ = proc.CmdlineWithContext(ctx)
		}
	}
	return entries, nil
}

// intOption reads an integral option. JSON numbers arrive as float64.
func intOption(options map[string]any, name string, fallback int) (int, error) {
	raw, ok := options[name]
	if !ok {
		return fallback, nil
	}
	number, ok := raw.(float64)
	if !ok || number != math.Trunc(number) {
		return 0, worker.Errorf(http.StatusBadRequest, "%s must be an integer", name)
	}
	return int(number), nil
}

func round(value float64) float64 {
	return math.Round(value*100) / 100
}
