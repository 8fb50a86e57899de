package config

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// srvService is the DNS SRV service label used by ssh+srv endpoints.
const srvService = "_preevy-ssh._tcp."

// resolvConfPath is the system resolver configuration consulted for SRV
// lookups.
const resolvConfPath = "/etc/resolv.conf"

// Endpoint is a parsed SSH endpoint.
type Endpoint struct {
	// Host is the server to dial. For ssh+srv URLs it is the SRV
	// target after resolution.
	Host string

	// Port is the server port.
	Port int

	// User is the SSH login name.
	User string

	// TLS wraps the SSH transport in TLS (ssh+tls scheme).
	TLS bool
}

// Address returns the dial address.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// lookupSRVFunc resolves an SRV domain to a host and port. Swappable in
// tests so endpoint parsing needs no live DNS.
var lookupSRVFunc = lookupSRV

// ParseEndpoint parses an SSH endpoint URL. Three schemes are accepted:
//
//	ssh://user@host:port       plain TCP transport, port defaults to 22
//	ssh+tls://user@host:port   TLS-wrapped transport, port defaults to 443
//	ssh+srv://user@domain      host and port from the _preevy-ssh._tcp
//	                           SRV record of domain
//
// The user may be omitted in the URL and supplied separately.
func ParseEndpoint(rawURL string) (Endpoint, error) {
	if rawURL == "" {
		return Endpoint{}, fmt.Errorf("endpoint URL is empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parsing endpoint URL: %w", err)
	}

	var ep Endpoint
	if u.User != nil {
		ep.User = u.User.Username()
	}

	switch u.Scheme {
	case "ssh":
		ep.Host = u.Hostname()
		ep.Port = portOrDefault(u, 22)
	case "ssh+tls":
		ep.TLS = true
		ep.Host = u.Hostname()
		ep.Port = portOrDefault(u, 443)
	case "ssh+srv":
		if u.Port() != "" {
			return Endpoint{}, fmt.Errorf("ssh+srv endpoint %q must not carry a port", rawURL)
		}
		host, port, err := lookupSRVFunc(u.Hostname())
		if err != nil {
			return Endpoint{}, fmt.Errorf("resolving SRV endpoint %q: %w", u.Hostname(), err)
		}
		ep.Host = host
		ep.Port = port
	default:
		return Endpoint{}, fmt.Errorf("unsupported endpoint scheme %q (use ssh, ssh+tls, or ssh+srv)", u.Scheme)
	}

	if ep.Host == "" {
		return Endpoint{}, fmt.Errorf("endpoint URL %q has no host", rawURL)
	}
	return ep, nil
}

func portOrDefault(u *url.URL, def int) int {
	p := u.Port()
	if p == "" {
		return def
	}
	// url.Parse already rejected non-numeric ports.
	n, _ := strconv.Atoi(p)
	return n
}

// lookupSRV queries the system resolvers for the agent's SRV record and
// returns the best target by priority, then weight.
func lookupSRV(domain string) (string, int, error) {
	conf, err := dns.ClientConfigFromFile(resolvConfPath)
	if err != nil {
		return "", 0, fmt.Errorf("reading resolver config: %w", err)
	}
	if len(conf.Servers) == 0 {
		return "", 0, fmt.Errorf("no resolvers configured in %s", resolvConfPath)
	}

	client := &dns.Client{Timeout: 5 * time.Second}
	name := dns.Fqdn(srvService + domain)

	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeSRV)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range conf.Servers {
		resp, _, err := client.Exchange(msg, net.JoinHostPort(server, conf.Port))
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("query for %s returned %s", name, dns.RcodeToString[resp.Rcode])
			continue
		}

		var records []*dns.SRV
		for _, ans := range resp.Answer {
			if srv, ok := ans.(*dns.SRV); ok {
				records = append(records, srv)
			}
		}
		if len(records) == 0 {
			lastErr = fmt.Errorf("no SRV records for %s", name)
			continue
		}

		best := bestSRV(records)
		return strings.TrimSuffix(best.Target, "."), int(best.Port), nil
	}

	return "", 0, lastErr
}

// bestSRV picks the record to dial: lowest priority value first, then
// highest weight.
func bestSRV(records []*dns.SRV) *dns.SRV {
	sorted := append([]*dns.SRV(nil), records...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].Weight > sorted[j].Weight
	})
	return sorted[0]
}
