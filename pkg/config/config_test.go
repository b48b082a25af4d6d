package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "phone_link.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PHONE_LINK_SIP_URI", "sip:alice@example.com")

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "sip:alice@example.com", cfg.SIP.URI)
	assert.Equal(t, "udp", cfg.SIP.Transport)
	assert.True(t, cfg.SIP.Register)
	assert.Equal(t, 600*time.Second, cfg.SIP.Expires)

	assert.Equal(t, 22*time.Second, cfg.Health.Interval)
	assert.Equal(t, 2*time.Second, cfg.Health.Deadline)

	assert.Equal(t, time.Second, cfg.Reconnect.InitialDelay)
	assert.Equal(t, 30*time.Second, cfg.Reconnect.MaxDelay)
	assert.Equal(t, 2.0, cfg.Reconnect.Multiplier)
	assert.Zero(t, cfg.Reconnect.MaxAttempts)

	assert.Equal(t, time.Second, cfg.Audio.CheckInterval)
	assert.Equal(t, 10*time.Second, cfg.Audio.NoAudioTimeout)
	assert.Equal(t, ":9090", cfg.Metrics.Listen)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
sip:
  uri: sip:bob@pbx.local
  registrar: sip:pbx.local:5080
  password: secret
  transport: tcp
  register: false
health:
  interval: 10s
  deadline: 500ms
reconnect:
  max_attempts: 5
  max_delay: 1m
audio:
  no_audio_timeout: 3s
`)

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "sip:bob@pbx.local", cfg.SIP.URI)
	assert.Equal(t, "tcp", cfg.SIP.Transport)
	assert.False(t, cfg.SIP.Register)
	assert.Equal(t, 500*time.Millisecond, cfg.Health.Deadline)
	assert.Equal(t, 5, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Reconnect.MaxDelay)
	assert.Equal(t, 3*time.Second, cfg.Audio.NoAudioTimeout)
	// не указанное в файле берется из значений по умолчанию
	assert.Equal(t, time.Second, cfg.Audio.CheckInterval)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "sip:\n  uri: sip:bob@pbx.local\n  transport: tcp\n")
	t.Setenv("PHONE_LINK_SIP_TRANSPORT", "tls")

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "tls", cfg.SIP.Transport)
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("PHONE_LINK_SIP_URI", "sip:env@example.com")

	fs := Flags()
	require.NoError(t, fs.Parse([]string{"--sip.uri", "sip:flag@example.com", "--sip.register=false"}))

	cfg, err := Load("", fs)
	require.NoError(t, err)
	assert.Equal(t, "sip:flag@example.com", cfg.SIP.URI)
	assert.False(t, cfg.SIP.Register)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := Config{
		SIP:    SIPConfig{URI: "sip:alice@example.com", Transport: "udp"},
		Health: HealthConfig{Interval: 22 * time.Second, Deadline: 2 * time.Second},
	}
	require.NoError(t, valid.Validate())

	noURI := valid
	noURI.SIP.URI = ""
	assert.Error(t, noURI.Validate())

	badTransport := valid
	badTransport.SIP.Transport = "sctp"
	assert.Error(t, badTransport.Validate())

	slowDeadline := valid
	slowDeadline.Health.Deadline = slowDeadline.Health.Interval
	assert.Error(t, slowDeadline.Validate())
}

func TestConversions(t *testing.T) {
	t.Setenv("PHONE_LINK_SIP_URI", "sip:alice@example.com")
	t.Setenv("PHONE_LINK_SIP_PASSWORD", "secret")
	t.Setenv("PHONE_LINK_RECONNECT_MAX_ATTEMPTS", "3")

	cfg, err := Load("", nil)
	require.NoError(t, err)

	engine := cfg.Engine()
	assert.Equal(t, "sip:alice@example.com", engine.URI)
	assert.Equal(t, "secret", engine.Password)
	assert.Equal(t, 600*time.Second, engine.Expires)

	tr := cfg.Transport()
	assert.True(t, tr.Register)
	assert.Equal(t, 22*time.Second, tr.Health.Interval)
	assert.Equal(t, 3, tr.Policy.MaxAttempts)
	assert.Equal(t, 5*time.Second, tr.Policy.UnregisterTimeout)

	audio := cfg.AudioOptions()
	assert.Equal(t, time.Second, audio.CheckInterval)
	assert.Equal(t, 10*time.Second, audio.NoAudioTimeout)
}
