package api

import (
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/akorchagin/mailsift/internal/resolver"
	"github.com/akorchagin/mailsift/internal/worker"
)

type handler struct {
	logger  *slog.Logger
	deps    Deps
	started time.Time
}

// statusResponse is the /health payload.
type statusResponse struct {
	Status string `json:"status"`
}

// memoryStats reports system memory in megabytes.
type memoryStats struct {
	TotalMB     float64 `json:"total_mb"`
	UsedMB      float64 `json:"used_mb"`
	UsedPercent float64 `json:"used_percent"`
}

// processStats reports this process's footprint.
type processStats struct {
	RSSMB      float64 `json:"rss_mb"`
	CPUPercent float64 `json:"cpu_percent"`
	Goroutines int     `json:"goroutines"`
}

// statsResponse is the /stats payload.
type statsResponse struct {
	UptimeSeconds float64                `json:"uptime_seconds"`
	Memory        memoryStats            `json:"memory"`
	Process       processStats           `json:"process"`
	Worker        worker.StatsSnapshot   `json:"worker"`
	Resolver      resolver.StatsSnapshot `json:"resolver"`
	Nameservers   []resolver.ServerState `json:"nameservers"`
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, statusResponse{Status: "ok"})
}

func (h *handler) stats(c *gin.Context) {
	resp := statsResponse{
		UptimeSeconds: time.Since(h.started).Seconds(),
		Process:       processStats{Goroutines: runtime.NumGoroutine()},
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		resp.Memory = memoryStats{
			TotalMB:     float64(vm.Total) / 1024 / 1024,
			UsedMB:      float64(vm.Used) / 1024 / 1024,
			UsedPercent: vm.UsedPercent,
		}
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mi, err := p.MemoryInfo(); err == nil && mi != nil {
			resp.Process.RSSMB = float64(mi.RSS) / 1024 / 1024
		}
		if cp, err := p.CPUPercent(); err == nil {
			resp.Process.CPUPercent = cp
		}
	}

	if h.deps.WorkerStats != nil {
		resp.Worker = h.deps.WorkerStats()
	}
	if h.deps.ResolverStats != nil {
		resp.Resolver = h.deps.ResolverStats()
	}
	if h.deps.ServerStates != nil {
		resp.Nameservers = h.deps.ServerStates()
	}

	c.JSON(http.StatusOK, resp)
}

func (h *handler) dnsServers(c *gin.Context) {
	var states []resolver.ServerState
	if h.deps.ServerStates != nil {
		states = h.deps.ServerStates()
	}
	c.JSON(http.StatusOK, gin.H{"nameservers": states})
}
