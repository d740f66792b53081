package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/mdlayher/arp"
	"github.com/nugget/bt-mqtt-tracker/internal/config"
)

// maxSweepHosts caps the ARP sweep so a misconfigured /8 does not flood
// the LAN. A /22 is the largest subnet swept in full.
const maxSweepHosts = 1022

// ARPScanner finds phones and other Wi-Fi devices on the local IPv4
// subnet by sweeping it with ARP requests and collecting the replies.
// Phones keep their radio associated while on the premises, so an ARP
// reply is a usable presence signal for devices that never advertise
// over Bluetooth.
type ARPScanner struct {
	ifaceName string
	mdns      bool
	logger    *slog.Logger
}

// NewARPScanner creates a scanner for the named interface. An empty
// name selects the first up, non-loopback interface with an IPv4
// address at scan time. When mdns is set, sighting names are filled in
// from multicast DNS answers.
func NewARPScanner(ifaceName string, mdns bool, logger *slog.Logger) *ARPScanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ARPScanner{ifaceName: ifaceName, mdns: mdns, logger: logger}
}

// mdnsShare is the fraction of the scan window (1/mdnsShare) left for
// mDNS name lookups when they are enabled.
const mdnsShare = 3

// splitWindow divides one scan window between the ARP sweep and the
// optional mDNS lookup. Both phases end by end, which is start+window.
func splitWindow(start time.Time, window time.Duration, mdns bool) (arpEnd, end time.Time) {
	end = start.Add(window)
	if !mdns {
		return end, end
	}
	return end.Add(-window / mdnsShare), end
}

// Scan sends one ARP request per host in the subnet and listens for
// replies. With mDNS enabled, the tail of window is spent collecting
// host names, so the whole scan still returns within window.
func (s *ARPScanner) Scan(ctx context.Context, window time.Duration) (Result, error) {
	iface, prefix, err := s.resolveInterface()
	if err != nil {
		return nil, unavailable("resolve interface", err)
	}

	c, err := arp.Dial(iface)
	if err != nil {
		return nil, unavailable("arp dial "+iface.Name, err)
	}
	defer c.Close()

	deadline, end := splitWindow(time.Now(), window, s.mdns)
	if err := c.SetReadDeadline(deadline); err != nil {
		return nil, unavailable("arp deadline", err)
	}

	go func() {
		for _, ip := range sweepHosts(prefix, maxSweepHosts) {
			if ctx.Err() != nil || time.Now().After(deadline) {
				return
			}
			// Request errors surface as missing replies.
			_ = c.Request(ip)
		}
	}()

	ipByAddr := make(map[string]netip.Addr)
	result := make(Result)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pkt, _, err := c.Read()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				break
			}
			if time.Now().After(deadline) {
				break
			}
			continue
		}
		if pkt.Operation != arp.OperationReply {
			continue
		}
		addr, err := NormalizeAddress(pkt.SenderHardwareAddr.String())
		if err != nil {
			continue
		}
		result.Add(Sighting{Address: addr})
		ipByAddr[addr] = pkt.SenderIP
		s.logger.Log(ctx, config.LevelTrace, "arp reply",
			"address", addr, "ip", pkt.SenderIP)
	}

	if s.mdns && len(result) > 0 {
		names := lookupMDNSNames(ctx, iface, end)
		for addr, ip := range ipByAddr {
			if name, ok := names[ip.String()]; ok {
				sighting := result[addr]
				sighting.Name = name
				result[addr] = sighting
			}
		}
	}

	return result, nil
}

func (s *ARPScanner) resolveInterface() (*net.Interface, netip.Prefix, error) {
	if s.ifaceName != "" {
		iface, err := net.InterfaceByName(s.ifaceName)
		if err != nil {
			return nil, netip.Prefix{}, err
		}
		prefix, err := firstIPv4Prefix(iface)
		return iface, prefix, err
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, netip.Prefix{}, err
	}
	for i := range ifaces {
		iface := &ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if prefix, err := firstIPv4Prefix(iface); err == nil {
			return iface, prefix, nil
		}
	}
	return nil, netip.Prefix{}, errors.New("no usable interface found")
}

func firstIPv4Prefix(iface *net.Interface) (netip.Prefix, error) {
	addrs, err := iface.Addrs()
	if err != nil {
		return netip.Prefix{}, err
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.To4() == nil {
			continue
		}
		ip, _ := netip.AddrFromSlice(ipnet.IP.To4())
		ones, _ := ipnet.Mask.Size()
		return netip.PrefixFrom(ip, ones), nil
	}
	return netip.Prefix{}, fmt.Errorf("no IPv4 address on %s", iface.Name)
}

// sweepHosts lists the host addresses of an IPv4 prefix, excluding the
// network and broadcast addresses, capped at limit entries.
func sweepHosts(prefix netip.Prefix, limit int) []netip.Addr {
	prefix = prefix.Masked()
	if !prefix.Addr().Is4() {
		return nil
	}
	var hosts []netip.Addr
	if prefix.Bits() >= 31 {
		for ip := prefix.Addr(); prefix.Contains(ip) && len(hosts) < limit; ip = ip.Next() {
			hosts = append(hosts, ip)
		}
		return hosts
	}
	for ip := prefix.Addr().Next(); prefix.Contains(ip.Next()) && len(hosts) < limit; ip = ip.Next() {
		hosts = append(hosts, ip)
	}
	return hosts
}
