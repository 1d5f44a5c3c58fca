// Command turn-probe resolves a STUN/TURN URI and, for turn:/turns:
// schemes with credentials, allocates a relay endpoint, exercising
// pkg/stunresolver and pkg/turn end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ethan/rtcore/pkg/config"
	"github.com/ethan/rtcore/pkg/logger"
	"github.com/ethan/rtcore/pkg/metrics"
	"github.com/ethan/rtcore/pkg/resolver"
	"github.com/ethan/rtcore/pkg/stunresolver"
	"github.com/ethan/rtcore/pkg/turn"
)

func main() {
	fs := flag.NewFlagSet("turn-probe", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)
	envPath := fs.String("env", "", "path to a KEY=value env file (TurnUsername, TurnPassword, TurnRealm)")
	dnsServer := fs.String("dns-server", "", "comma-separated DNS servers to use instead of OpenDNS")
	allocate := fs.Bool("allocate", false, "after resolving, allocate a TURN relay endpoint")
	timeout := fs.Duration("timeout", 5*time.Second, "allocation timeout")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <stun:|stuns:|turn:|turns:URI>\n\n", os.Args[0])
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}
	rawURI := fs.Arg(0)

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

	cfg, err := config.Load(*envPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *dnsServer != "" {
		cfg.DNS.DnsServers = strings.Split(*dnsServer, ",")
	}

	uri, err := stunresolver.ParseURI(rawURI)
	if err != nil {
		fmt.Fprintln(os.Stderr, "parse uri failed:", err)
		os.Exit(1)
	}

	res := resolver.New(cfg.DNS.DnsServers, log)
	sr := stunresolver.New(res, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ep, err := sr.Resolve(ctx, uri, stunresolver.PreferEither)
	if err != nil {
		fmt.Fprintln(os.Stderr, "resolve failed:", err)
		os.Exit(1)
	}
	fmt.Printf("%s resolved to %s\n", rawURI, ep)

	if !*allocate {
		return
	}
	if uri.Scheme != stunresolver.SchemeTURN && uri.Scheme != stunresolver.SchemeTURNS {
		fmt.Fprintln(os.Stderr, "-allocate requires a turn: or turns: URI")
		os.Exit(2)
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "listen failed:", err)
		os.Exit(1)
	}
	defer conn.Close()

	mtr := metrics.New(prometheus.NewRegistry())

	creds := turn.Credentials{Username: cfg.TURN.TurnUsername, Password: cfg.TURN.TurnPassword, Realm: cfg.TURN.TurnRealm}
	client := turn.New(rawURI, ep, creds, conn, log)
	client.SetMetrics(mtr)

	relay, err := client.GetRelayEndpoint(ctx, *timeout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "allocate failed:", err)
		os.Exit(1)
	}
	fmt.Printf("allocated relay endpoint %s (state=%s)\n", relay, client.State())

	if err := client.Release(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "release failed:", err)
	}
}
