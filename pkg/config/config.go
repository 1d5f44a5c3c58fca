// Package config loads the DNS/STUN/TURN credentials and connection
// defaults this module runs with: a KEY=value env file overridden by
// whatever the process environment already sets.
package config

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Config holds every externally supplied setting this module needs.
type Config struct {
	DNS  DNSConfig
	TURN TURNConfig
}

// DNSConfig configures the resolver's server list and suffix search.
type DNSConfig struct {
	// DnsServers overrides the default server rotation (OpenDNS) when
	// non-empty.
	DnsServers []string
	// DnsSuffixes is the ordered suffix list tried after the bare name
	// when UseDNSSuffixes is set.
	DnsSuffixes []string
	// UseDNSSuffixes enables DnsSuffixes-driven suffix search in
	// pkg/dnsmanager.
	UseDNSSuffixes bool
}

// TURNConfig configures the long-term credential used to authenticate
// TURN allocations.
type TURNConfig struct {
	TurnUsername string
	TurnPassword string
	TurnRealm    string
}

// defaultDnsServers is the OpenDNS fallback used when no env file or
// process environment supplies DnsServers.
var defaultDnsServers = []string{"208.67.222.222", "208.67.220.220"}

// NewConfig returns a Config populated with the connection defaults
// (OpenDNS servers, suffix search disabled) so callers can Load on top
// of it without checking for a missing env file.
func NewConfig() *Config {
	return &Config{
		DNS: DNSConfig{
			DnsServers:     append([]string(nil), defaultDnsServers...),
			UseDNSSuffixes: false,
		},
	}
}

// Load reads envPath as a KEY=value file, then lets matching process
// environment variables override each value. Every field here is
// optional with a usable default or an empty TURN credential that
// simply disables authenticated TURN requests.
func Load(envPath string) (*Config, error) {
	cfg := NewConfig()

	if envPath != "" {
		if err := loadEnvFile(envPath, cfg); err != nil {
			return nil, err
		}
	}
	applyProcessEnv(cfg)

	return cfg, nil
}

func loadEnvFile(envPath string, cfg *Config) error {
	file, err := os.Open(envPath)
	if err != nil {
		return fmt.Errorf("open env file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		decoded, err := url.QueryUnescape(value)
		if err != nil {
			decoded = value
		}

		applyKey(cfg, key, decoded)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan env file: %w", err)
	}
	return nil
}

// applyProcessEnv lets os.Getenv override any value Load already set
// from the env file, so a process-level override always wins.
func applyProcessEnv(cfg *Config) {
	for _, key := range []string{
		"DnsServers", "DnsSuffixes", "UseDNSSuffixes",
		"TurnUsername", "TurnPassword", "TurnRealm",
	} {
		if v, ok := os.LookupEnv(key); ok {
			applyKey(cfg, key, v)
		}
	}
}

func applyKey(cfg *Config, key, value string) {
	switch key {
	case "DnsServers":
		cfg.DNS.DnsServers = splitList(value)
	case "DnsSuffixes":
		cfg.DNS.DnsSuffixes = splitList(value)
	case "UseDNSSuffixes":
		if b, err := strconv.ParseBool(value); err == nil {
			cfg.DNS.UseDNSSuffixes = b
		}
	case "TurnUsername":
		cfg.TURN.TurnUsername = value
	case "TurnPassword":
		cfg.TURN.TurnPassword = value
	case "TurnRealm":
		cfg.TURN.TurnRealm = value
	}
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
