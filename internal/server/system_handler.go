package server

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"ispadmin/internal/routeros"
)

// HostStatus describes the machine the daemon runs on.
type HostStatus struct {
	Hostname       string  `json:"hostname"`
	Platform       string  `json:"platform"`
	Kernel         string  `json:"kernel"`
	Arch           string  `json:"arch"`
	UptimeSec      uint64  `json:"uptime_sec"`
	CPUCount       int     `json:"cpu_count"`
	Load1          float64 `json:"load1"`
	Load5          float64 `json:"load5"`
	Load15         float64 `json:"load15"`
	MemoryTotal    uint64  `json:"memory_total"`
	MemoryUsed     uint64  `json:"memory_used"`
	MemoryUsedPerc float64 `json:"memory_used_percent"`
}

type HostProbe interface {
	Probe(ctx context.Context) HostStatus
}

// gopsutilProbe fills what it can; unsupported metrics stay zero.
type gopsutilProbe struct{}

func (gopsutilProbe) Probe(ctx context.Context) HostStatus {
	st := HostStatus{Arch: runtime.GOARCH}
	if hi, err := host.InfoWithContext(ctx); err == nil {
		st.Hostname = hi.Hostname
		st.Platform = hi.Platform + " " + hi.PlatformVersion
		st.Kernel = hi.KernelVersion
		st.UptimeSec = hi.Uptime
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		st.CPUCount = n
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		st.Load1, st.Load5, st.Load15 = avg.Load1, avg.Load5, avg.Load15
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		st.MemoryTotal, st.MemoryUsed, st.MemoryUsedPerc = vm.Total, vm.Used, vm.UsedPercent
	}
	return st
}

type routerStatus struct {
	Reachable bool   `json:"reachable"`
	Identity  string `json:"identity,omitempty"`
	Version   string `json:"version,omitempty"`
	Uptime    string `json:"uptime,omitempty"`
	Board     string `json:"board,omitempty"`
	Error     string `json:"error,omitempty"`
}

type SystemHandler struct {
	host    HostProbe
	router  routeros.Dialer
	version string
	log     zerolog.Logger
}

// Status never fails on an unreachable router; it reports it instead.
func (h *SystemHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version": h.version,
		"host":    h.host.Probe(r.Context()),
		"router":  h.routerStatus(r.Context()),
	})
}

func (h *SystemHandler) routerStatus(ctx context.Context) routerStatus {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	c, err := h.router.Dial(ctx)
	if err != nil {
		h.log.Debug().Err(err).Msg("router status dial")
		if errors.Is(err, routeros.ErrNotConfigured) {
			return routerStatus{Error: "not configured"}
		}
		return routerStatus{Error: "unavailable"}
	}
	defer func() { _ = c.Close() }()
	ident, err := routeros.Identity(ctx, c)
	if err != nil {
		return routerStatus{Error: "unavailable"}
	}
	st := routerStatus{Reachable: true, Identity: ident}
	if res, err := routeros.Resource(ctx, c); err == nil {
		st.Version, st.Uptime, st.Board = res["version"], res["uptime"], res["board-name"]
	}
	return st
}
