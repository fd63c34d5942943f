package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const basicConfig = `
[Account]
User = "@alice:example.com"
Device = "ALICEDEV"

[Store]
File = "/var/lib/nightjar/crypto.db"

[Logging]
Level = "debug"
Disable = true
`

func TestLoadBasic(t *testing.T) {
	cfg, err := Load([]byte(basicConfig))
	require.NoError(t, err)
	require.Equal(t, "@alice:example.com", cfg.Account.User)
	require.Equal(t, "DEBUG", cfg.Logging.Level)
	require.Equal(t, 7*24*time.Hour, cfg.RotationPeriod())
	require.Equal(t, uint32(100), cfg.Rotation.Messages)
}

func TestLoadRotation(t *testing.T) {
	cfg, err := Load([]byte(basicConfig + `
[Rotation]
PeriodMs = 1000
Messages = 5
`))
	require.NoError(t, err)
	require.Equal(t, time.Second, cfg.RotationPeriod())
	require.Equal(t, uint32(5), cfg.Rotation.Messages)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load([]byte(basicConfig + "\nBogus = 1\n"))
	require.Error(t, err)
}

func TestLoadRejectsIncomplete(t *testing.T) {
	_, err := Load([]byte(`
[Account]
User = "@alice:example.com"
`))
	require.Error(t, err)

	_, err = Load([]byte(`
[Account]
User = "@alice:example.com"
Device = "ALICEDEV"

[Store]
File = "relative/path.db"
`))
	require.Error(t, err)
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	_, err := Load([]byte(basicConfig + `
[Rotation]
` + "\n"))
	require.NoError(t, err)

	_, err = Load([]byte(`
[Account]
User = "@alice:example.com"
Device = "ALICEDEV"

[Store]
File = "/var/lib/nightjar/crypto.db"

[Logging]
Level = "shouty"
`))
	require.Error(t, err)
}
