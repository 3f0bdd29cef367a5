package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	os.Setenv("KVMAPD_NODE_ID", "node-7")
	os.Setenv("KVMAPD_RAFT_ADDR", "10.0.0.7:7000")
	os.Setenv("KVMAPD_CACHE_DRIVER", "redis")
	os.Setenv("KVMAPD_CACHE_REDIS_ADDR", "10.0.0.9:6379")
	defer func() {
		os.Unsetenv("KVMAPD_NODE_ID")
		os.Unsetenv("KVMAPD_RAFT_ADDR")
		os.Unsetenv("KVMAPD_CACHE_DRIVER")
		os.Unsetenv("KVMAPD_CACHE_REDIS_ADDR")
	}()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "node-7", cfg.Node.ID)
	require.Equal(t, "10.0.0.7:7000", cfg.Node.RaftAddr)
	require.Equal(t, "redis", cfg.Cache.Driver)
}

func TestValidateRejectsMissingRedisAddr(t *testing.T) {
	cfg := Default()
	cfg.Cache.Driver = "redis"
	cfg.Cache.RedisAddr = ""
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsAuditWithoutDSN(t *testing.T) {
	cfg := Default()
	cfg.Audit.Enabled = true
	cfg.Audit.PgDSN = ""
	require.Error(t, cfg.Validate())
}

func TestParsePeers(t *testing.T) {
	peers := parsePeers("a=127.0.0.1:7001, b=127.0.0.1:7002,")
	require.Equal(t, map[string]string{"a": "127.0.0.1:7001", "b": "127.0.0.1:7002"}, peers)
}
