package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaultsToOpenDNS(t *testing.T) {
	cfg := NewConfig()
	assert.Equal(t, []string{"208.67.222.222", "208.67.220.220"}, cfg.DNS.DnsServers)
	assert.False(t, cfg.DNS.UseDNSSuffixes)
}

func TestLoadParsesEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rtcore.env")
	content := "# comment\nDnsServers=9.9.9.9,1.1.1.1\nDnsSuffixes=corp.example.com,example.com\nUseDNSSuffixes=true\nTurnUsername=alice\nTurnPassword=hunter2\nTurnRealm=turn.example.com\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"9.9.9.9", "1.1.1.1"}, cfg.DNS.DnsServers)
	assert.Equal(t, []string{"corp.example.com", "example.com"}, cfg.DNS.DnsSuffixes)
	assert.True(t, cfg.DNS.UseDNSSuffixes)
	assert.Equal(t, "alice", cfg.TURN.TurnUsername)
	assert.Equal(t, "hunter2", cfg.TURN.TurnPassword)
	assert.Equal(t, "turn.example.com", cfg.TURN.TurnRealm)
}

func TestLoadProcessEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rtcore.env")
	require.NoError(t, os.WriteFile(path, []byte("TurnUsername=fromfile\n"), 0644))

	t.Setenv("TurnUsername", "fromenv")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "fromenv", cfg.TURN.TurnUsername)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
}

func TestLoadEmptyPathSkipsFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"208.67.222.222", "208.67.220.220"}, cfg.DNS.DnsServers)
}
