// Command dnslookup exercises the DNS resolver/manager stack: it
// loads DnsServers/DnsSuffixes/UseDNSSuffixes from an env file and the
// process environment, then issues one lookup through DnsManager so
// coalescing, suffix search and the IP-literal short-circuit all sit
// on the same code path production callers use.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ethan/rtcore/pkg/config"
	"github.com/ethan/rtcore/pkg/dns"
	"github.com/ethan/rtcore/pkg/dnsmanager"
	"github.com/ethan/rtcore/pkg/logger"
	"github.com/ethan/rtcore/pkg/metrics"
	"github.com/ethan/rtcore/pkg/resolver"
)

var rrTypes = map[string]dns.RRType{
	"A":     dns.TypeA,
	"AAAA":  dns.TypeAAAA,
	"CNAME": dns.TypeCNAME,
	"MX":    dns.TypeMX,
	"NS":    dns.TypeNS,
	"PTR":   dns.TypePTR,
	"SOA":   dns.TypeSOA,
	"SRV":   dns.TypeSRV,
	"TXT":   dns.TypeTXT,
}

func main() {
	fs := flag.NewFlagSet("dnslookup", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)
	envPath := fs.String("env", "", "path to a KEY=value env file (DnsServers, DnsSuffixes, UseDNSSuffixes)")
	qtype := fs.String("type", "A", "record type: A, AAAA, CNAME, MX, NS, PTR, SOA, SRV, TXT")
	timeout := fs.Duration("timeout", 2*time.Second, "per-query timeout")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <name>\n\n", os.Args[0])
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}
	name := fs.Arg(0)

	logCfg, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logger.New(logCfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Close()
	logger.SetDefault(log)

	rt, ok := rrTypes[*qtype]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown record type %q\n", *qtype)
		os.Exit(2)
	}

	cfg, err := config.Load(*envPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	mtr := metrics.New(prometheus.NewRegistry())

	res := resolver.New(cfg.DNS.DnsServers, log)
	res.SetMetrics(mtr)
	mgr := dnsmanager.New(res, &cfg.DNS, log)
	mgr.SetMetrics(mtr)
	defer mgr.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	resp, err := mgr.Lookup(ctx, name, rt, *timeout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "lookup failed:", err)
		os.Exit(1)
	}

	fmt.Printf("query %s %s -> rcode=%v answers=%d\n", name, *qtype, resp.RCode(), len(resp.Answers))
	for _, rr := range resp.Answers {
		fmt.Printf("  %-30s %-6s ttl=%-6d %v\n", rr.Name, *qtype, rr.TTL, rr.Data)
	}
	fmt.Printf("cache hit ratio: %.2f\n", mtr.CacheHitRatio())
}
