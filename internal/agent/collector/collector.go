// Package collector gathers host inventory snapshots.
package collector

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/probehub/probehub/internal/agent/terminal"
	"github.com/probehub/probehub/internal/protocol"
)

// rootPath is the filesystem whose usage is reported as the host's disk.
const rootPath = "/"

// Collect gathers a point-in-time inventory snapshot of the local host.
// Individual probes that fail leave their fields zeroed rather than
// failing the whole snapshot; only a missing hostname is fatal.
func Collect(ctx context.Context) (*protocol.Inventory, error) {
	inv := &protocol.Inventory{
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		CollectedAt: time.Now().Unix(),
	}

	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("host info: %w", err)
	}
	inv.Hostname = info.Hostname
	inv.Platform = strings.TrimSpace(info.Platform + " " + info.PlatformVersion)

	if count, err := cpu.CountsWithContext(ctx, true); err == nil {
		inv.CPUCount = count
	}
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		inv.CPUModel = infos[0].ModelName
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		inv.MemoryTotal = vm.Total
		inv.MemoryUsed = vm.Used
		inv.MemoryFree = vm.Available
	}

	if du, err := disk.UsageWithContext(ctx, rootPath); err == nil {
		inv.DiskTotal = du.Total
		inv.DiskUsed = du.Used
		inv.DiskFree = du.Free
	}

	inv.IPAddresses, inv.MACAddresses = collectAddresses()

	shells, defaultShell := terminal.ListAvailableShells()
	inv.Extensions = map[string]any{
		"uptime_s":      info.Uptime,
		"kernel":        info.KernelVersion,
		"shells":        shells,
		"default_shell": defaultShell,
	}

	return inv, nil
}

// collectAddresses lists the non-loopback unicast IPs and hardware
// addresses of interfaces that are up.
func collectAddresses() (ips []string, macs []string) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, nil
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if hw := iface.HardwareAddr.String(); hw != "" {
			macs = append(macs, hw)
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() || ipNet.IP.IsLinkLocalUnicast() {
				continue
			}
			ips = append(ips, ipNet.IP.String())
		}
	}
	return ips, macs
}
