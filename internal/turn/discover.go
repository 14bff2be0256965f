package turn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"
)

// ResolvConf is read when a Discoverer has no explicit name server.
const ResolvConf = "/etc/resolv.conf"

var ErrNoSRV = errors.New("no TURN SRV records")

// Discoverer finds TURN servers through _turn._udp SRV records.
type Discoverer struct {
	client  *dns.Client
	servers []string
}

// NewDiscoverer queries server (host[:port]). An empty server means the
// name servers of ResolvConf.
func NewDiscoverer(server string) (*Discoverer, error) {
	var servers []string
	if server != "" {
		if _, _, err := net.SplitHostPort(server); err != nil {
			server = net.JoinHostPort(server, "53")
		}
		servers = []string{server}
	} else {
		cc, err := dns.ClientConfigFromFile(ResolvConf)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", ResolvConf, err)
		}
		for _, s := range cc.Servers {
			servers = append(servers, net.JoinHostPort(s, cc.Port))
		}
		if len(servers) == 0 {
			return nil, fmt.Errorf("no name servers in %s", ResolvConf)
		}
	}
	return &Discoverer{
		client:  &dns.Client{Net: "udp", Timeout: 2 * time.Second},
		servers: servers,
	}, nil
}

// Discover returns "target:port" of the preferred TURN server for domain:
// lowest priority first, then highest weight.
func (d *Discoverer) Discover(ctx context.Context, domain string) (string, error) {
	m := new(dns.Msg)
	m.SetQuestion("_turn._udp."+dns.Fqdn(domain), dns.TypeSRV)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range d.servers {
		resp, _, err := d.client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess && resp.Rcode != dns.RcodeNameError {
			lastErr = fmt.Errorf("%s answered %s", server, dns.RcodeToString[resp.Rcode])
			continue
		}

		records := srvRecords(resp.Answer)
		if len(records) == 0 {
			return "", fmt.Errorf("%w for %s", ErrNoSRV, domain)
		}
		best := records[0]
		target := strings.TrimSuffix(best.Target, ".")
		log.Debug().
			Str("domain", domain).
			Str("target", target).
			Uint16("port", best.Port).
			Int("records", len(records)).
			Msg("discovered TURN server")
		return net.JoinHostPort(target, strconv.Itoa(int(best.Port))), nil
	}
	return "", fmt.Errorf("SRV lookup for %s: %w", domain, lastErr)
}

// srvRecords returns the usable SRV answers in preference order. A target of
// "." means the service is not offered.
func srvRecords(answer []dns.RR) []*dns.SRV {
	var out []*dns.SRV
	for _, rr := range answer {
		if srv, ok := rr.(*dns.SRV); ok && srv.Target != "." {
			out = append(out, srv)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Weight > out[j].Weight
	})
	return out
}

// NeedsDiscovery reports whether server is a bare host name, the only form
// SRV discovery applies to.
func NeedsDiscovery(server string) bool {
	server = strings.TrimSpace(server)
	if server == "" {
		return false
	}
	if _, _, err := net.SplitHostPort(server); err == nil {
		return false
	}
	return net.ParseIP(strings.Trim(server, "[]")) == nil
}
