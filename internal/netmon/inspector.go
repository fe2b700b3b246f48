package netmon

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Inspector enumerates the host's network interfaces. It exists as an
// interface so tests can feed the monitor synthetic topologies.
type Inspector interface {
	// Interfaces returns a fresh snapshot of all non-loopback interfaces.
	Interfaces() ([]InterfaceInfo, error)
	// ActiveInterface returns the interface the default route currently
	// uses, or ok=false when the host has no usable route.
	ActiveInterface() (info InterfaceInfo, ok bool, err error)
}

// routeProbeAddr is only dialed logically (UDP, no packets sent) to let the
// kernel pick the default-route source address.
const routeProbeAddr = "8.8.8.8:53"

type systemInspector struct {
	// sysClassNet and procRoute are overridable for tests.
	sysClassNet string
	procRoute   string
}

// NewSystemInspector returns an Inspector backed by the net package and,
// on Linux, sysfs and /proc/net/route for link speed and gateway lookup.
func NewSystemInspector() Inspector {
	return &systemInspector{
		sysClassNet: "/sys/class/net",
		procRoute:   "/proc/net/route",
	}
}

func (s *systemInspector) Interfaces() ([]InterfaceInfo, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("enumerating interfaces: %w", err)
	}

	gateways := s.readGateways()

	infos := make([]InterfaceInfo, 0, len(ifaces))
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		// Skip tunnel interfaces the engine itself creates so a tunnel
		// coming up or down does not register as a network change.
		if isTunnelInterface(iface.Name) {
			continue
		}
		infos = append(infos, s.describe(iface, gateways[iface.Name]))
	}
	return infos, nil
}

func (s *systemInspector) ActiveInterface() (InterfaceInfo, bool, error) {
	conn, err := net.Dial("udp", routeProbeAddr)
	if err != nil {
		// No route to the probe address means no usable default route.
		return InterfaceInfo{}, false, nil
	}
	localIP := conn.LocalAddr().(*net.UDPAddr).IP
	_ = conn.Close()

	infos, err := s.Interfaces()
	if err != nil {
		return InterfaceInfo{}, false, err
	}
	for _, info := range infos {
		if info.IPAddress == localIP.String() {
			return info, true, nil
		}
	}
	return InterfaceInfo{}, false, nil
}

func (s *systemInspector) describe(iface net.Interface, gateway string) InterfaceInfo {
	info := InterfaceInfo{
		Name:        iface.Name,
		Description: iface.Name,
		Index:       iface.Index,
		IsConnected: iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagRunning != 0,
		IsWifi:      isWirelessInterface(s.sysClassNet, iface.Name),
		IsEthernet:  isEthernetName(iface.Name),
		Gateway:     gateway,
	}

	if addrs, err := iface.Addrs(); err == nil {
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				info.IPAddress = ip4.String()
				// An interface with a default route is assumed to reach the
				// internet; the monitor's prober verifies it end to end.
				info.HasInternet = gateway != "" || (ip4.IsGlobalUnicast() && !ip4.IsPrivate())
				break
			}
		}
	}

	info.LinkSpeedBps = readLinkSpeed(s.sysClassNet, iface.Name)
	return info
}

// isTunnelInterface matches interface names the engine creates for the
// tunnel itself.
func isTunnelInterface(name string) bool {
	return strings.HasPrefix(name, "tun") || strings.HasPrefix(name, "tap") ||
		strings.HasPrefix(name, "ppp") || strings.HasPrefix(name, "wg") ||
		strings.HasPrefix(name, "utun")
}

// isWirelessInterface checks for the sysfs wireless directory, falling back
// to the conventional name prefixes when sysfs is unavailable.
func isWirelessInterface(sysClassNet, name string) bool {
	if _, err := os.Stat(filepath.Join(sysClassNet, name, "wireless")); err == nil {
		return true
	}
	return strings.HasPrefix(name, "wl") || strings.HasPrefix(name, "wlan")
}

func isEthernetName(name string) bool {
	return strings.HasPrefix(name, "en") || strings.HasPrefix(name, "eth")
}

// readLinkSpeed reads the sysfs speed file (megabits per second) and converts
// to bits per second. Returns zero when the OS does not expose it, which is
// normal for wireless and virtual interfaces.
func readLinkSpeed(sysClassNet, name string) uint64 {
	raw, err := os.ReadFile(filepath.Join(sysClassNet, name, "speed"))
	if err != nil {
		return 0
	}
	mbps, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil || mbps <= 0 {
		return 0
	}
	return uint64(mbps) * 1_000_000
}

// readGateways parses /proc/net/route and maps interface name to the IPv4
// gateway of its default route. Missing or unparsable files yield an empty
// map; gateway information is best effort.
func (s *systemInspector) readGateways() map[string]string {
	gateways := make(map[string]string)

	f, err := os.Open(s.procRoute)
	if err != nil {
		return gateways
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Scan() // header
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		// Default route: destination 00000000.
		if fields[1] != "00000000" {
			continue
		}
		gw, err := strconv.ParseUint(fields[2], 16, 32)
		if err != nil || gw == 0 {
			continue
		}
		ip := make(net.IP, 4)
		binary.LittleEndian.PutUint32(ip, uint32(gw))
		gateways[fields[0]] = ip.String()
	}
	return gateways
}
