package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleTOML = `
listen = ":9000"
ws_path = "/"
anti_spam = "3s"
command_channel = "admin"

[peers.Cobblemon]
name = "Cobble"
address = "mc.example.com:25571"
chat_destination = "chat-1"
status_destination = "status-1"

[peers.SurvivalKey]
name = "Survival"
chat_destination = "chat-2"
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_TOML(t *testing.T) {
	req := require.New(t)
	path := writeFile(t, "chatrelay.toml", sampleTOML)

	cfg, err := Load(path, Env{})
	req.NoError(err)
	req.Equal(":9000", cfg.Listen)
	req.Equal("/", cfg.WSPath)
	req.Equal(3*time.Second, cfg.AntiSpam.Duration)
	req.Equal(DefaultStatusInterval, cfg.StatusInterval.Duration)
	req.Equal(DefaultWriteTimeout, cfg.WriteTimeout.Duration)
	req.Len(cfg.Peers, 2)
	req.Equal("Cobble", cfg.Peers["Cobblemon"].Name)
	req.Equal("mc.example.com:25571", cfg.Peers["Cobblemon"].Address)
}

func TestLoad_YAML(t *testing.T) {
	req := require.New(t)
	path := writeFile(t, "chatrelay.yaml", `
ws_path: /relay
status_interval: 30s
peers:
  k1:
    name: Alpha
    chat_destination: "100"
`)

	cfg, err := Load(path, Env{})
	req.NoError(err)
	req.Equal(DefaultListen, cfg.Listen)
	req.Equal("/relay", cfg.WSPath)
	req.Equal(30*time.Second, cfg.StatusInterval.Duration)
	req.Equal("Alpha", cfg.Peers["k1"].Name)
}

func TestLoad_EnvOverrides(t *testing.T) {
	req := require.New(t)
	path := writeFile(t, "chatrelay.toml", sampleTOML)

	cfg, err := Load(path, Env{Port: "7777", DataDir: "/var/lib/chatrelay"})
	req.NoError(err)
	req.Equal("0.0.0.0:7777", cfg.Listen)
	req.Equal("/var/lib/chatrelay", cfg.DataDir)

	cfg, err = Load(path, Env{Port: "7777", Listen: "127.0.0.1:1"})
	req.NoError(err)
	req.Equal("127.0.0.1:1", cfg.Listen)
}

func TestLoadEnv(t *testing.T) {
	req := require.New(t)
	t.Setenv("PORT", "8123")
	t.Setenv("CHATRELAY_ADMIN_TOKEN", "secret")

	e, err := LoadEnv()
	req.NoError(err)
	req.Equal("8123", e.Port)
	req.Equal("secret", e.AdminToken)
	req.Equal("info", e.LogLevel)
}

func TestLoad_Rejects(t *testing.T) {
	cases := map[string]string{
		"no peers": `listen = ":1"`,
		"missing name": `
[peers.k1]
chat_destination = "c"
`,
		"bad address": `
[peers.k1]
name = "A"
address = "not an address"
`,
		"duplicate names": `
[peers.k1]
name = "Alpha"
[peers.k2]
name = "alpha"
`,
		"duplicate destinations": `
[peers.k1]
name = "A"
chat_destination = "same"
[peers.k2]
name = "B"
chat_destination = "same"
`,
		"relative ws path": `
ws_path = "relay"
[peers.k1]
name = "A"
`,
		"bad duration": `
anti_spam = "soon"
[peers.k1]
name = "A"
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, "chatrelay.toml", content)
			_, err := Load(path, Env{})
			require.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"), Env{})
	require.Error(t, err)
}

func TestValidate_RejectsUnusableCredentials(t *testing.T) {
	for name, cred := range map[string]string{
		"leading space":  " k1",
		"trailing space": "k1\t",
		"pipe":           "k1|extra",
	} {
		t.Run(name, func(t *testing.T) {
			cfg := &Config{Peers: map[string]PeerConfig{cred: {Name: "A"}}}
			cfg.applyDefaults()

			err := cfg.Validate()

			require.ErrorIs(t, err, ErrInvalidCredential)
		})
	}
}

func TestLoad_TrustedProxies(t *testing.T) {
	req := require.New(t)
	path := writeFile(t, "chatrelay.toml", `
trusted_proxies = ["10.0.0.0/8", "192.168.1.7", "::1"]
status_query = true
[peers.k1]
name = "A"
`)

	cfg, err := Load(path, Env{})
	req.NoError(err)

	prefixes := cfg.TrustedProxyPrefixes()
	req.Len(prefixes, 3)
	req.Equal("10.0.0.0/8", prefixes[0].String())
	req.Equal("192.168.1.7/32", prefixes[1].String())
	req.Equal("::1/128", prefixes[2].String())
	req.True(cfg.StatusQuery)
}

func TestLoad_RejectsBadTrustedProxy(t *testing.T) {
	path := writeFile(t, "chatrelay.toml", `
trusted_proxies = ["proxy.internal"]
[peers.k1]
name = "A"
`)

	_, err := Load(path, Env{})

	require.Error(t, err)
}
