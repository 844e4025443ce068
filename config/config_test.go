package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/topos-tce/tce-node/internal/test"
)

func TestLoadAppliesDefaultsWithNoFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	test.AssertNotError(t, err, "loading with a missing config file")

	test.AssertEquals(t, cfg.Sampling.EchoSampleSize, 6, "default echo sample size")
	test.AssertEquals(t, cfg.Sampling.EchoThreshold, 4, "default echo threshold")
	test.AssertEquals(t, cfg.Storage.Driver, "memory", "default storage driver")
	test.AssertEquals(t, cfg.RPC.ListenAddr, ":9000", "default rpc listen addr")
	test.AssertEquals(t, cfg.Gossip.HandshakeTimeout, 10*time.Second, "default handshake timeout")
}

func TestLoadReadsYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tce-node.yaml")
	contents := `
node:
  private_key: "deadbeef"
sampling:
  echo_sample_size: 8
  echo_threshold: 5
gossip:
  peers:
    - subnet_id: "aa"
      gossip_addr: "http://127.0.0.1:9001"
      rpc_addr: "http://127.0.0.1:9000"
storage:
  driver: "mysql"
  dsn: "user:pass@tcp(localhost)/tce"
`
	test.AssertNotError(t, os.WriteFile(path, []byte(contents), 0o600), "writing temp config")

	cfg, err := Load(path)
	test.AssertNotError(t, err, "loading config from file")

	test.AssertEquals(t, cfg.Node.PrivateKeyHex, "deadbeef", "private key from file")
	test.AssertEquals(t, cfg.Sampling.EchoSampleSize, 8, "overridden echo sample size")
	test.AssertEquals(t, cfg.Sampling.EchoThreshold, 5, "overridden echo threshold")
	test.AssertEquals(t, cfg.Sampling.ReadySampleSize, 6, "default ready sample size still applies")
	test.AssertEquals(t, cfg.Storage.Driver, "mysql", "storage driver from file")
	test.AssertEquals(t, cfg.Storage.DSN, "user:pass@tcp(localhost)/tce", "dsn from file")

	if len(cfg.Gossip.Peers) != 1 {
		t.Fatalf("expected 1 configured peer, got %d", len(cfg.Gossip.Peers))
	}
	test.AssertEquals(t, cfg.Gossip.Peers[0].SubnetIDHex, "aa", "peer subnet id from file")
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tce-node.yaml")
	contents := "sampling:\n  echo_sample_size: 8\n"
	test.AssertNotError(t, os.WriteFile(path, []byte(contents), 0o600), "writing temp config")

	t.Setenv("TCE_SAMPLING_ECHO_SAMPLE_SIZE", "12")

	cfg, err := Load(path)
	test.AssertNotError(t, err, "loading config with env override")

	test.AssertEquals(t, cfg.Sampling.EchoSampleSize, 12, "env var overrides file value")
}
