package scanner

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

var mdnsGroup = &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251), Port: 5353}

// mdnsReadSlice bounds each read so cancellation is noticed promptly.
const mdnsReadSlice = 200 * time.Millisecond

// lookupMDNSNames sends a DNS-SD service enumeration query to the mDNS
// group and collects A/AAAA answers until deadline, returning IP → host
// name. Failures yield an empty map; names are decoration, not presence.
func lookupMDNSNames(ctx context.Context, iface *net.Interface, deadline time.Time) map[string]string {
	out := make(map[string]string)
	if !time.Now().Before(deadline) {
		return out
	}

	conn, err := net.ListenMulticastUDP("udp4", iface, mdnsGroup)
	if err != nil {
		return out
	}
	defer conn.Close()

	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn("_services._dns-sd._udp.local"), dns.TypePTR)
	b, err := q.Pack()
	if err != nil {
		return out
	}
	if _, err := conn.WriteToUDP(b, mdnsGroup); err != nil {
		return out
	}

	buf := make([]byte, 65536)
	for ctx.Err() == nil {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(min(mdnsReadSlice, remaining)))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		m := new(dns.Msg)
		if err := m.Unpack(buf[:n]); err != nil {
			continue
		}
		for ip, name := range namesFromMessage(m) {
			out[ip] = name
		}
	}
	return out
}

// namesFromMessage extracts IP → host name pairs from the address
// records of an mDNS response.
func namesFromMessage(m *dns.Msg) map[string]string {
	out := make(map[string]string)
	for _, rr := range append(m.Answer, m.Extra...) {
		switch t := rr.(type) {
		case *dns.A:
			out[t.A.String()] = strings.TrimSuffix(t.Hdr.Name, ".")
		case *dns.AAAA:
			out[t.AAAA.String()] = strings.TrimSuffix(t.Hdr.Name, ".")
		}
	}
	return out
}
