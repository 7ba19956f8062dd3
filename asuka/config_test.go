package asuka

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestConfig() *Config {
	config := DefaultConfig()
	config.Discord.Token = "test-token"
	config.Discord.ApplicationID = "app-1"
	config.Discord.GuildID = "guild-1"
	config.Exchange.RegisterDays = 7
	return config
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	t.Run(
		"valid config", func(t *testing.T) {
			t.Parallel()
			bot, err := New(validTestConfig())
			require.NoError(t, err)
			require.NotNil(t, bot)
			assert.NotNil(t, bot.discord)
			assert.NotNil(t, bot.anilist)
			assert.NotNil(t, bot.api)
			assert.Nil(
				t, bot.spotify,
				"spotify stays off without credentials",
			)
		},
	)

	t.Run(
		"missing discord credentials", func(t *testing.T) {
			t.Parallel()
			config := validTestConfig()
			config.Discord.Token = ""
			config.Discord.GuildID = ""
			_, err := New(config)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "Token")
			assert.Contains(t, err.Error(), "GuildID")
		},
	)

	t.Run(
		"bad database type", func(t *testing.T) {
			t.Parallel()
			config := validTestConfig()
			config.DatabaseType = "mysql"
			_, err := New(config)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "DatabaseType")
		},
	)

	t.Run(
		"bad lonely participant policy", func(t *testing.T) {
			t.Parallel()
			config := validTestConfig()
			config.Exchange.OnLonelyParticipant = "panic"
			_, err := New(config)
			require.Error(t, err)
		},
	)

	t.Run(
		"nil config", func(t *testing.T) {
			t.Parallel()
			_, err := New(nil)
			require.Error(t, err)
		},
	)
}

func TestSpotifyConfigEnabled(t *testing.T) {
	t.Parallel()
	assert.False(t, (SpotifyConfig{}).Enabled())
	assert.False(t, (SpotifyConfig{ClientID: "id"}).Enabled())
	assert.True(
		t,
		(SpotifyConfig{ClientID: "id", ClientSecret: "secret"}).Enabled(),
	)

	config := validTestConfig()
	config.Spotify.ClientID = "id"
	config.Spotify.ClientSecret = "secret"
	bot, err := New(config)
	require.NoError(t, err)
	assert.NotNil(t, bot.spotify)
}

func TestConfigLogValueRedactsSecrets(t *testing.T) {
	t.Parallel()
	config := validTestConfig()
	config.Spotify.ClientSecret = "super-secret"

	logged := config.LogValue().String()
	assert.NotContains(t, logged, "test-token")
	assert.NotContains(t, logged, "super-secret")
	assert.Contains(t, logged, "[redacted]")
}
