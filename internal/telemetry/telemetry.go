package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

const sampleInterval = 5 * time.Second

// Snapshot is a point-in-time view of host resource usage, shown on the
// dashboard workplace page and pushed to websocket subscribers.
type Snapshot struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsed    uint64  `json:"memory_used"`
	MemoryTotal   uint64  `json:"memory_total"`
	DiskPercent   float64 `json:"disk_percent"`
	DiskUsed      uint64  `json:"disk_used"`
	DiskTotal     uint64  `json:"disk_total"`
	Load1         float64 `json:"load_1"`
	Load5         float64 `json:"load_5"`
	Load15        float64 `json:"load_15"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
	SampledAt     int64   `json:"sampled_at"`
}

// Sampler refreshes a host metrics snapshot on a fixed interval.
type Sampler struct {
	rootPath string

	mu       sync.Mutex
	current  *Snapshot
	stop     chan struct{}
	wg       sync.WaitGroup
	prevBusy float64
	prevAll  float64
	hasPrev  bool
}

// NewSampler samples disk usage for rootPath, defaulting to "/".
func NewSampler(rootPath string) *Sampler {
	if rootPath == "" {
		rootPath = "/"
	}
	return &Sampler{rootPath: rootPath}
}

// Start launches the background sampler. Calling Start twice is a no-op.
func (s *Sampler) Start() {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.stop = stop
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(sampleInterval)
		defer ticker.Stop()
		ctx := context.Background()
		s.refresh(ctx)
		for {
			select {
			case <-ticker.C:
				s.refresh(ctx)
			case <-stop:
				return
			}
		}
	}()
}

// Stop halts the sampler and waits for the worker to exit.
func (s *Sampler) Stop() {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	s.wg.Wait()
}

// Snapshot returns the latest sample, or nil before the first refresh completes.
func (s *Sampler) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	snap := *s.current
	return &snap
}

func (s *Sampler) refresh(ctx context.Context) {
	snap := &Snapshot{SampledAt: time.Now().Unix()}

	if timesStats, err := cpu.TimesWithContext(ctx, false); err == nil && len(timesStats) > 0 {
		t := timesStats[0]
		all := t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq + t.Softirq + t.Steal
		busy := all - t.Idle - t.Iowait
		s.mu.Lock()
		if s.hasPrev {
			deltaAll := all - s.prevAll
			deltaBusy := busy - s.prevBusy
			if deltaAll > 0 && deltaBusy >= 0 {
				snap.CPUPercent = clamp((deltaBusy/deltaAll)*100, 0, 100)
			}
		}
		s.prevAll, s.prevBusy, s.hasPrev = all, busy, true
		s.mu.Unlock()
	}

	if memoryStats, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryPercent = clamp(memoryStats.UsedPercent, 0, 100)
		snap.MemoryUsed = memoryStats.Used
		snap.MemoryTotal = memoryStats.Total
	}

	if diskStats, err := disk.UsageWithContext(ctx, s.rootPath); err == nil {
		snap.DiskPercent = clamp(diskStats.UsedPercent, 0, 100)
		snap.DiskUsed = diskStats.Used
		snap.DiskTotal = diskStats.Total
	}

	if loadStats, err := load.AvgWithContext(ctx); err == nil {
		snap.Load1 = loadStats.Load1
		snap.Load5 = loadStats.Load5
		snap.Load15 = loadStats.Load15
	}

	if hostInfo, err := host.InfoWithContext(ctx); err == nil {
		snap.UptimeSeconds = hostInfo.Uptime
	}

	s.mu.Lock()
	s.current = snap
	s.mu.Unlock()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
