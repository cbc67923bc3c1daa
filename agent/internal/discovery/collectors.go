package discovery

import (
	"context"
	"errors"
	"sort"
	"time"

	"sentinel-agent/agent/internal/privilege"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

// DefaultCollectors returns the host collectors backed by gopsutil.
func DefaultCollectors() []Collector {
	return []Collector{hardwareCollector{}, softwareCollector{}, securityCollector{elevated: privilege.IsElevated}}
}

type Disk struct {
	Device     string `json:"device"`
	Mountpoint string `json:"mountpoint"`
	Fstype     string `json:"fstype,omitempty"`
	TotalBytes uint64 `json:"totalBytes"`
	UsedBytes  uint64 `json:"usedBytes"`
}

type NetworkInterface struct {
	Name      string   `json:"name"`
	MAC       string   `json:"mac,omitempty"`
	Addresses []string `json:"addresses,omitempty"`
	Flags     []string `json:"flags,omitempty"`
}

type Hardware struct {
	CollectedAt       time.Time          `json:"collectedAt"`
	Hostname          string             `json:"hostname,omitempty"`
	HostID            string             `json:"hostId,omitempty"`
	Virtualization    string             `json:"virtualization,omitempty"`
	CPUModel          string             `json:"cpuModel,omitempty"`
	CPUCores          int                `json:"cpuCores"`
	MemoryTotalBytes  uint64             `json:"memoryTotalBytes"`
	MemoryUsedBytes   uint64             `json:"memoryUsedBytes"`
	Disks             []Disk             `json:"disks,omitempty"`
	NetworkInterfaces []NetworkInterface `json:"networkInterfaces,omitempty"`
}

type hardwareCollector struct{}

func (hardwareCollector) Category() string { return CategoryHardware }

func (hardwareCollector) Collect(ctx context.Context) (any, error) {
	hw := Hardware{CollectedAt: time.Now().UTC()}
	var errs []error

	if hi, err := host.InfoWithContext(ctx); err == nil {
		hw.Hostname = hi.Hostname
		hw.HostID = hi.HostID
		hw.Virtualization = hi.VirtualizationSystem
	} else {
		errs = append(errs, err)
	}
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		hw.CPUModel = infos[0].ModelName
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		hw.CPUCores = n
	} else {
		errs = append(errs, err)
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		hw.MemoryTotalBytes = vm.Total
		hw.MemoryUsedBytes = vm.Used
	} else {
		errs = append(errs, err)
	}
	if parts, err := disk.PartitionsWithContext(ctx, false); err == nil {
		for _, p := range parts {
			d := Disk{Device: p.Device, Mountpoint: p.Mountpoint, Fstype: p.Fstype}
			if u, err := disk.UsageWithContext(ctx, p.Mountpoint); err == nil {
				d.TotalBytes = u.Total
				d.UsedBytes = u.Used
			}
			hw.Disks = append(hw.Disks, d)
		}
	}
	if ifaces, err := psnet.InterfacesWithContext(ctx); err == nil {
		for _, i := range ifaces {
			n := NetworkInterface{Name: i.Name, MAC: i.HardwareAddr, Flags: i.Flags}
			for _, a := range i.Addrs {
				n.Addresses = append(n.Addresses, a.Addr)
			}
			hw.NetworkInterfaces = append(hw.NetworkInterfaces, n)
		}
	}

	// Fail only when every core probe failed.
	if len(errs) == 3 {
		return nil, errors.Join(errs...)
	}
	return hw, nil
}

type Software struct {
	CollectedAt     time.Time `json:"collectedAt"`
	OS              string    `json:"os,omitempty"`
	Platform        string    `json:"platform,omitempty"`
	PlatformFamily  string    `json:"platformFamily,omitempty"`
	PlatformVersion string    `json:"platformVersion,omitempty"`
	KernelVersion   string    `json:"kernelVersion,omitempty"`
	KernelArch      string    `json:"kernelArch,omitempty"`
	BootTime        time.Time `json:"bootTime,omitzero"`
	ProcessCount    int       `json:"processCount"`
	Processes       []string  `json:"processes,omitempty"`
}

type softwareCollector struct{}

func (softwareCollector) Category() string { return CategorySoftware }

func (softwareCollector) Collect(ctx context.Context) (any, error) {
	hi, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, err
	}
	sw := Software{
		CollectedAt:     time.Now().UTC(),
		OS:              hi.OS,
		Platform:        hi.Platform,
		PlatformFamily:  hi.PlatformFamily,
		PlatformVersion: hi.PlatformVersion,
		KernelVersion:   hi.KernelVersion,
		KernelArch:      hi.KernelArch,
		ProcessCount:    int(hi.Procs),
	}
	if hi.BootTime > 0 {
		sw.BootTime = time.Unix(int64(hi.BootTime), 0).UTC()
	}

	if procs, err := process.ProcessesWithContext(ctx); err == nil {
		sw.ProcessCount = len(procs)
		seen := make(map[string]bool)
		for _, p := range procs {
			name, err := p.NameWithContext(ctx)
			if err != nil || name == "" || seen[name] {
				continue
			}
			seen[name] = true
			sw.Processes = append(sw.Processes, name)
		}
		sort.Strings(sw.Processes)
	}
	return sw, nil
}

type ListeningPort struct {
	Address string `json:"address"`
	Port    uint32 `json:"port"`
	PID     int32  `json:"pid,omitempty"`
}

type Security struct {
	CollectedAt    time.Time       `json:"collectedAt"`
	Elevated       bool            `json:"elevated"`
	ListeningPorts []ListeningPort `json:"listeningPorts,omitempty"`
	Users          []string        `json:"users,omitempty"`
}

type securityCollector struct {
	elevated func() bool
}

func (securityCollector) Category() string { return CategorySecurity }

func (c securityCollector) Collect(ctx context.Context) (any, error) {
	conns, err := psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, err
	}
	sec := Security{CollectedAt: time.Now().UTC(), Elevated: c.elevated()}
	for _, cs := range conns {
		if cs.Status != "LISTEN" {
			continue
		}
		sec.ListeningPorts = append(sec.ListeningPorts, ListeningPort{Address: cs.Laddr.IP, Port: cs.Laddr.Port, PID: cs.Pid})
	}
	sort.Slice(sec.ListeningPorts, func(i, j int) bool { return sec.ListeningPorts[i].Port < sec.ListeningPorts[j].Port })

	if users, err := host.UsersWithContext(ctx); err == nil {
		seen := make(map[string]bool)
		for _, u := range users {
			if u.User != "" && !seen[u.User] {
				seen[u.User] = true
				sec.Users = append(sec.Users, u.User)
			}
		}
	}
	return sec, nil
}
