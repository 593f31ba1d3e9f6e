// Package agent implements the OpenFlock agent daemon.
// It uses gopsutil for cross-platform system telemetry and reports over a
// persistent websocket to the server data-plane (port 1717).
package agent

import (
	"fmt"
	"net"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/shirou/gopsutil/v4/sensors"

	"github.com/vesaa/openflock/internal/models"
)

// topProcesses is how many rows the process snapshot carries.
const topProcesses = 5

// Snapshot holds a single collection cycle's data.
type Snapshot struct {
	Hostname       string
	LocalIP        string
	OS             string
	CPUUsage       float64
	MemUsage       float64
	DiskUsage      float64 // worst mount, percent
	Disks          []models.DiskPoint
	TCPConnections int
	UDPConnections int
	RxBps          int64 // bytes/s since last snapshot
	TxBps          int64
	TemperatureC   float64
	Load1          float64
	Load5          float64
	Load15         float64
	UptimeS        uint64
	Processes      []models.ProcessInfo
	CollectedAt    time.Time
}

// Point converts the snapshot into its persisted form.
func (s *Snapshot) Point() models.MetricPoint {
	return models.MetricPoint{
		ReportedAt:     s.CollectedAt,
		CPUUsage:       s.CPUUsage,
		MemUsage:       s.MemUsage,
		DiskUsage:      s.DiskUsage,
		RxBps:          s.RxBps,
		TxBps:          s.TxBps,
		TCPConnections: s.TCPConnections,
		UDPConnections: s.UDPConnections,
		TemperatureC:   s.TemperatureC,
		Load1:          s.Load1,
		Load5:          s.Load5,
		Load15:         s.Load15,
		Disks:          s.Disks,
	}
}

// Collector gathers system metrics periodically.
type Collector struct {
	mu          sync.Mutex
	prevRx      uint64
	prevTx      uint64
	prevTime    time.Time
	initialized bool
}

// NewCollector creates a ready-to-use Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Collect gathers the current system snapshot.
func (c *Collector) Collect() (*Snapshot, error) {
	snap := &Snapshot{
		OS:          detailedOS(),
		CollectedAt: time.Now().UTC(),
	}

	// Hostname
	if h, err := os.Hostname(); err == nil {
		snap.Hostname = h
	}

	// Local IP
	snap.LocalIP = localIP()

	// CPU
	if pcts, err := cpu.Percent(500*time.Millisecond, false); err == nil && len(pcts) > 0 {
		snap.CPUUsage = pcts[0]
	}

	// Memory
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemUsage = vm.UsedPercent
	}

	// Disk (per mount, plus worst-mount summary)
	snap.Disks, snap.DiskUsage = diskSnapshot(snap.CollectedAt)

	// Load average (unsupported on Windows; zeros are fine)
	if avg, err := load.Avg(); err == nil {
		snap.Load1 = avg.Load1
		snap.Load5 = avg.Load5
		snap.Load15 = avg.Load15
	}

	// Temperature (hottest sensor)
	snap.TemperatureC = maxTemperature()

	// Uptime
	if up, err := host.Uptime(); err == nil {
		snap.UptimeS = up
	}

	// TCP / UDP connection counts
	tcp, udp := connectionCounts()
	snap.TCPConnections = tcp
	snap.UDPConnections = udp

	// Network bandwidth (delta-based)
	rx, tx := c.netBandwidth()
	snap.RxBps = rx
	snap.TxBps = tx

	// Top processes by CPU
	snap.Processes = topProcessSnapshot()

	return snap, nil
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// detailedOS returns a descriptive OS version string, or runtime.GOOS as fallback.
func detailedOS() string {
	info, err := host.Info()
	if err == nil && info.Platform != "" {
		if info.PlatformVersion != "" {
			return fmt.Sprintf("%s %s", info.Platform, info.PlatformVersion) // e.g., "centos 7.9.2009"
		}
		return info.Platform
	}
	return runtime.GOOS
}

// localIP returns the first non-loopback IPv4 address.
func localIP() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, _ := iface.Addrs()
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip != nil && ip.To4() != nil && !ip.IsLoopback() {
				return ip.String()
			}
		}
	}
	return ""
}

// diskSnapshot returns per-mount usage rows plus the highest used percentage.
func diskSnapshot(at time.Time) ([]models.DiskPoint, float64) {
	partitions, err := disk.Partitions(false)
	if err != nil {
		return nil, 0
	}
	var (
		points []models.DiskPoint
		worst  float64
	)
	for _, p := range partitions {
		usage, err := disk.Usage(p.Mountpoint)
		if err != nil || usage.Total == 0 {
			continue
		}
		points = append(points, models.DiskPoint{
			ReportedAt: at,
			Mount:      p.Mountpoint,
			UsedPct:    usage.UsedPercent,
			UsedBytes:  usage.Used,
			TotalBytes: usage.Total,
		})
		if usage.UsedPercent > worst {
			worst = usage.UsedPercent
		}
	}
	return points, worst
}

// maxTemperature returns the hottest sensor reading, or 0 when unavailable.
func maxTemperature() float64 {
	temps, err := sensors.SensorsTemperatures()
	if err != nil {
		return 0
	}
	var max float64
	for _, t := range temps {
		if t.Temperature > max {
			max = t.Temperature
		}
	}
	return max
}

// connectionCounts returns (tcpCount, udpCount) from the OS connection table.
func connectionCounts() (int, int) {
	// "tcp" returns both tcp4 and tcp6; same for udp.
	tcpConns, err := psnet.Connections("tcp")
	if err != nil {
		tcpConns = nil
	}
	udpConns, err := psnet.Connections("udp")
	if err != nil {
		udpConns = nil
	}
	return len(tcpConns), len(udpConns)
}

// netBandwidth computes bytes/s since the last call using IOCounters deltas.
func (c *Collector) netBandwidth() (rxBps, txBps int64) {
	stats, err := psnet.IOCounters(false) // aggregate all interfaces
	if err != nil || len(stats) == 0 {
		return 0, 0
	}
	now := time.Now()
	curRx := stats[0].BytesRecv
	curTx := stats[0].BytesSent

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		dt := now.Sub(c.prevTime).Seconds()
		if dt > 0 {
			rxBps = int64(float64(curRx-c.prevRx) / dt)
			txBps = int64(float64(curTx-c.prevTx) / dt)
			if rxBps < 0 {
				rxBps = 0 // counter reset (reboot)
			}
			if txBps < 0 {
				txBps = 0
			}
		}
	}

	c.prevRx = curRx
	c.prevTx = curTx
	c.prevTime = now
	c.initialized = true
	return
}

// topProcessSnapshot returns the topProcesses heaviest processes by CPU.
func topProcessSnapshot() []models.ProcessInfo {
	procs, err := process.Processes()
	if err != nil {
		return nil
	}
	infos := make([]models.ProcessInfo, 0, len(procs))
	for _, p := range procs {
		cpuPct, err := p.CPUPercent()
		if err != nil {
			continue
		}
		name, err := p.Name()
		if err != nil {
			continue
		}
		memPct, _ := p.MemoryPercent()
		infos = append(infos, models.ProcessInfo{
			PID:    p.Pid,
			Name:   name,
			CPUPct: cpuPct,
			MemPct: memPct,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CPUPct > infos[j].CPUPct })
	if len(infos) > topProcesses {
		infos = infos[:topProcesses]
	}
	return infos
}
