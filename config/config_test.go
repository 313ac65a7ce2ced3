package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/satsbox/satsbox/testutil"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "satsbox.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("could not write config: %v", err)
	}
	return path
}

func TestReadDefaults(t *testing.T) {
	path := writeConfig(t, "")

	settings, err := Read(path)
	testutil.AssertNoErr(t, err)

	testutil.AssertEqual(t, "127.0.0.1", settings.Network.Host)
	testutil.AssertEqual(t, 8080, settings.Network.Port)
	testutil.AssertEqual(t, Backend("lnd"), settings.Lightning)
	testutil.AssertEqual(t, 2.0, settings.Fee.PayLimitPct)
	testutil.AssertEqual(t, 10.0, settings.Fee.SmallPayLimitPct)
	testutil.AssertEqual(t, int64(1_000), settings.Lnurl.MinSendable)
}

func TestReadFile(t *testing.T) {
	path := writeConfig(t, `
lightning = "cln"

[network]
host = "127.0.0.2"
port = 9000

[fee]
pay_limit_pct = 1.0
service_pct = 0.3

[nwc]
relays = ["wss://relay.example.com"]
rate_limit_per_second = 5
`)

	settings, err := Read(path)
	testutil.AssertNoErr(t, err)

	testutil.AssertEqual(t, BackendCln, settings.Lightning)
	testutil.AssertEqual(t, "127.0.0.2", settings.Network.Host)
	testutil.AssertEqual(t, 9000, settings.Network.Port)
	testutil.AssertEqual(t, 1.0, settings.Fee.PayLimitPct)
	testutil.AssertEqual(t, 0.3, settings.Fee.ServicePct)
	testutil.AssertEqual(t, 5, settings.Nwc.RateLimitPerSecond)
	testutil.AssertEqual(t, 1, len(settings.Nwc.Relays))
}

func TestEnvOverride(t *testing.T) {
	path := writeConfig(t, `
[network]
host = "127.0.0.2"
`)

	t.Setenv("SATSBOX_NETWORK__HOST", "127.0.0.3")
	t.Setenv("SATSBOX_NETWORK__PORT", "1")

	settings, err := Read(path)
	testutil.AssertNoErr(t, err)

	testutil.AssertEqual(t, "127.0.0.3", settings.Network.Host)
	testutil.AssertEqual(t, 1, settings.Network.Port)
}

func TestStoreSwapNotifiesCallbacks(t *testing.T) {
	t.Parallel()
	store := NewStore(Settings{Site: "a"})

	var seen []string
	store.OnReload(func(s Settings) {
		seen = append(seen, s.Site)
	})

	store.swap(Settings{Site: "b"})
	testutil.AssertEqual(t, "b", store.Get().Site)
	testutil.AssertEqual(t, 1, len(seen))
	testutil.AssertEqual(t, "b", seen[0])
}
