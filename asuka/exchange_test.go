package asuka

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateExchange(t *testing.T) {
	t.Parallel()
	bot, _ := newTestAsuka(t)
	ctx := context.Background()

	exchange, err := CreateExchange(
		ctx, bot.writeDB, bot.config.Exchange, CreateExchangeOptions{
			Name:         "Fall Exchange",
			Description:  "Quarterly anime exchange",
			Theme:        "romance",
			DurationDays: 30,
		},
	)
	require.NoError(t, err)
	require.NotNil(t, exchange)

	assert.True(t, exchange.RegisterAccepted)
	assert.Equal(t, "ROMANCE", exchange.Theme, "theme is stored uppercase")
	assert.Greater(t, exchange.EndsAt, exchange.StartsAt)

	open, err := GetOpenExchanges(bot.db)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, exchange.ID, open[0].ID)
}

func TestCreateExchangeValidation(t *testing.T) {
	t.Parallel()
	bot, _ := newTestAsuka(t)
	ctx := context.Background()

	t.Run(
		"register days unset", func(t *testing.T) {
			_, err := CreateExchange(
				ctx, bot.writeDB, &ExchangeConfig{}, CreateExchangeOptions{
					Name:         "nope",
					DurationDays: 30,
				},
			)
			require.ErrorIs(t, err, ErrRegisterDaysNotConfigured)
		},
	)

	t.Run(
		"duration shorter than registration", func(t *testing.T) {
			_, err := CreateExchange(
				ctx, bot.writeDB, bot.config.Exchange, CreateExchangeOptions{
					Name:         "short",
					DurationDays: bot.config.Exchange.RegisterDays - 1,
				},
			)
			require.ErrorIs(t, err, ErrDurationTooShort)
		},
	)

	t.Run(
		"unknown theme", func(t *testing.T) {
			_, err := CreateExchange(
				ctx, bot.writeDB, bot.config.Exchange, CreateExchangeOptions{
					Name:         "bad theme",
					Theme:        "isekai",
					DurationDays: 30,
				},
			)
			require.ErrorIs(t, err, ErrUnknownTheme)
		},
	)
}

func TestRegisterParticipant(t *testing.T) {
	t.Parallel()
	bot, _ := newTestAsuka(t)
	ctx := context.Background()

	exchange, err := CreateExchange(
		ctx, bot.writeDB, bot.config.Exchange, CreateExchangeOptions{
			Name:         "Winter Exchange",
			DurationDays: 21,
		},
	)
	require.NoError(t, err)

	user, err := RegisterParticipant(
		ctx, bot.writeDB, exchange.ID, "user-1", "mecha and slow burns",
	)
	require.NoError(t, err)
	assert.Equal(t, "user-1", user.UserID)
	assert.False(t, user.Paired())

	t.Run(
		"duplicate registration", func(t *testing.T) {
			_, err = RegisterParticipant(
				ctx, bot.writeDB, exchange.ID, "user-1", "again",
			)
			require.ErrorIs(t, err, ErrAlreadyRegistered)
		},
	)

	t.Run(
		"empty preferences", func(t *testing.T) {
			_, err = RegisterParticipant(
				ctx, bot.writeDB, exchange.ID, "user-2", "   ",
			)
			require.ErrorIs(t, err, ErrEmptyPreferences)
		},
	)

	t.Run(
		"unknown exchange id", func(t *testing.T) {
			_, err = RegisterParticipant(
				ctx, bot.writeDB, exchange.ID+100, "user-2", "anything",
			)
			require.ErrorIs(t, err, ErrExchangeNotFound)
		},
	)

	t.Run(
		"closed exchange", func(t *testing.T) {
			require.NoError(
				t, CloseRegistration(ctx, bot.writeDB, exchange.ID),
			)
			_, err = RegisterParticipant(
				ctx, bot.writeDB, exchange.ID, "user-2", "anything",
			)
			require.ErrorIs(t, err, ErrNoOpenExchange)
		},
	)
}

func TestRegisterParticipantNoOpenExchange(t *testing.T) {
	t.Parallel()
	bot, _ := newTestAsuka(t)

	_, err := RegisterParticipant(
		context.Background(), bot.writeDB, 1, "user-1", "anything",
	)
	require.ErrorIs(t, err, ErrNoOpenExchange)
}

func TestClearPairs(t *testing.T) {
	t.Parallel()
	bot, _ := newTestAsuka(t)
	ctx := context.Background()

	exchange, err := CreateExchange(
		ctx, bot.writeDB, bot.config.Exchange, CreateExchangeOptions{
			Name:         "Paired Exchange",
			DurationDays: 14,
		},
	)
	require.NoError(t, err)

	for _, userID := range []string{"a", "b"} {
		_, err = RegisterParticipant(
			ctx, bot.writeDB, exchange.ID, userID, "stuff",
		)
		require.NoError(t, err)
	}
	_, err = bot.PairExchange(ctx, exchange)
	require.NoError(t, err)

	locked, err := GetExchange(bot.db, exchange.ID)
	require.NoError(t, err)
	require.False(t, locked.RegisterAccepted)

	require.NoError(t, ClearPairs(ctx, bot.writeDB, exchange.ID))

	reopened, err := GetExchange(bot.db, exchange.ID)
	require.NoError(t, err)
	assert.True(t, reopened.RegisterAccepted)

	users, err := GetExchangeUsers(bot.db, exchange.ID)
	require.NoError(t, err)
	for _, u := range users {
		assert.Nil(t, u.Pair)
	}

	t.Run(
		"unknown exchange", func(t *testing.T) {
			err = ClearPairs(ctx, bot.writeDB, exchange.ID+99)
			require.ErrorIs(t, err, ErrExchangeNotFound)
		},
	)
}

func TestSuggestionIDs(t *testing.T) {
	t.Parallel()

	user := ExchangeUser{Suggestions: "101;202;303"}
	ids, err := user.SuggestionIDs()
	require.NoError(t, err)
	assert.Equal(t, []int{101, 202, 303}, ids)

	empty := ExchangeUser{}
	ids, err = empty.SuggestionIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)

	malformed := ExchangeUser{Suggestions: "101;oops"}
	_, err = malformed.SuggestionIDs()
	require.ErrorIs(t, err, ErrMalformedRecord)
}

func TestExchangeTimeWindows(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	exchange := Exchange{
		StartsAt: start.UnixMilli(),
		EndsAt:   start.Add(30 * 24 * time.Hour).UnixMilli(),
	}

	assert.False(
		t,
		exchange.RegistrationElapsed(7, start.Add(6*24*time.Hour)),
	)
	assert.True(
		t,
		exchange.RegistrationElapsed(7, start.Add(7*24*time.Hour)),
	)
	assert.False(t, exchange.Expired(start.Add(29*24*time.Hour)))
	assert.True(t, exchange.Expired(start.Add(31*24*time.Hour)))
}
