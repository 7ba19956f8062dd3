package asuka

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registerTestUsers(
	t *testing.T,
	bot *Asuka,
	exchangeID uint,
	count int,
) []string {
	t.Helper()
	userIDs := make([]string, count)
	for i := 0; i < count; i++ {
		userIDs[i] = fmt.Sprintf("user-%d", i+1)
		_, err := RegisterParticipant(
			context.Background(),
			bot.writeDB,
			exchangeID,
			userIDs[i],
			fmt.Sprintf("preferences of user %d", i+1),
		)
		require.NoError(t, err)
	}
	return userIDs
}

func TestPairExchangeEven(t *testing.T) {
	t.Parallel()
	bot, session := newTestAsuka(t)
	ctx := context.Background()

	exchange, err := CreateExchange(
		ctx, bot.writeDB, bot.config.Exchange, CreateExchangeOptions{
			Name:         "Even Exchange",
			DurationDays: 14,
		},
	)
	require.NoError(t, err)
	userIDs := registerTestUsers(t, bot, exchange.ID, 4)

	report, err := bot.PairExchange(ctx, exchange)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Paired)
	assert.Equal(t, 2, report.Pairs)
	assert.False(t, report.Cycle)
	assert.Zero(t, report.NotifyFailures)

	users, err := GetExchangeUsers(bot.db, exchange.ID)
	require.NoError(t, err)
	byUserID := make(map[string]ExchangeUser, len(users))
	for _, u := range users {
		require.True(t, u.Paired(), "user %s should be paired", u.UserID)
		assert.NotEqual(t, u.UserID, *u.Pair, "nobody pairs with themselves")
		byUserID[u.UserID] = u
	}

	// Even counts pair symmetrically
	for _, u := range users {
		partner := byUserID[*u.Pair]
		assert.Equal(t, u.UserID, *partner.Pair)
	}

	for _, userID := range userIDs {
		assert.Equal(
			t, 1, session.dmCount(userID),
			"each participant gets one pairing DM",
		)
	}

	assert.Contains(
		t,
		session.lastChannelSend(bot.config.Exchange.ChannelID),
		"Even Exchange",
	)

	locked, err := GetExchange(bot.db, exchange.ID)
	require.NoError(t, err)
	assert.False(t, locked.RegisterAccepted)
}

func TestPairExchangeOdd(t *testing.T) {
	t.Parallel()
	bot, session := newTestAsuka(t)
	ctx := context.Background()

	exchange, err := CreateExchange(
		ctx, bot.writeDB, bot.config.Exchange, CreateExchangeOptions{
			Name:         "Odd Exchange",
			DurationDays: 14,
		},
	)
	require.NoError(t, err)
	userIDs := registerTestUsers(t, bot, exchange.ID, 5)

	report, err := bot.PairExchange(ctx, exchange)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Paired)
	assert.Equal(t, 1, report.Pairs)
	assert.True(t, report.Cycle)

	users, err := GetExchangeUsers(bot.db, exchange.ID)
	require.NoError(t, err)
	require.Len(t, users, 5)

	// Everyone points at someone, and everyone is pointed at exactly
	// once: the assignment is a permutation with no fixed points.
	targets := make(map[string]int, len(users))
	for _, u := range users {
		require.True(t, u.Paired())
		assert.NotEqual(t, u.UserID, *u.Pair)
		targets[*u.Pair]++
	}
	for _, userID := range userIDs {
		assert.Equal(
			t, 1, targets[userID],
			"user %s should receive exactly one suggestion stream", userID,
		)
		assert.Equal(t, 1, session.dmCount(userID))
	}

	locked, err := GetExchange(bot.db, exchange.ID)
	require.NoError(t, err)
	assert.False(t, locked.RegisterAccepted)
}

func TestPairExchangeLonelyParticipant(t *testing.T) {
	t.Parallel()
	bot, session := newTestAsuka(t)
	ctx := context.Background()

	exchange, err := CreateExchange(
		ctx, bot.writeDB, bot.config.Exchange, CreateExchangeOptions{
			Name:         "Lonely Exchange",
			DurationDays: 14,
		},
	)
	require.NoError(t, err)
	registerTestUsers(t, bot, exchange.ID, 1)

	_, err = bot.PairExchange(ctx, exchange)
	require.ErrorIs(t, err, ErrLonelyParticipant)

	// No writes: still unpaired, registration still open, no DMs.
	users, err := GetExchangeUsers(bot.db, exchange.ID)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.False(t, users[0].Paired())

	unchanged, err := GetExchange(bot.db, exchange.ID)
	require.NoError(t, err)
	assert.True(t, unchanged.RegisterAccepted)
	assert.Zero(t, session.dmCount("user-1"))
}

func TestPairExchangeAlreadyPaired(t *testing.T) {
	t.Parallel()
	bot, _ := newTestAsuka(t)
	ctx := context.Background()

	exchange, err := CreateExchange(
		ctx, bot.writeDB, bot.config.Exchange, CreateExchangeOptions{
			Name:         "Done Exchange",
			DurationDays: 14,
		},
	)
	require.NoError(t, err)
	registerTestUsers(t, bot, exchange.ID, 2)

	first, err := bot.PairExchange(ctx, exchange)
	require.NoError(t, err)
	require.False(t, first.AlreadyPaired)

	second, err := bot.PairExchange(ctx, exchange)
	require.NoError(t, err)
	assert.True(t, second.AlreadyPaired)
	assert.Zero(t, second.Paired)
}

func TestPairExchangeEmpty(t *testing.T) {
	t.Parallel()
	bot, _ := newTestAsuka(t)
	ctx := context.Background()

	exchange, err := CreateExchange(
		ctx, bot.writeDB, bot.config.Exchange, CreateExchangeOptions{
			Name:         "Ghost Town",
			DurationDays: 14,
		},
	)
	require.NoError(t, err)

	report, err := bot.PairExchange(ctx, exchange)
	require.NoError(t, err)
	assert.True(t, report.AlreadyPaired)

	// Deliberate deviation from treating zero participants as a pure
	// no-op: the exchange still gets locked, otherwise the scheduler
	// would retry it every tick. See DESIGN.md.
	locked, err := GetExchange(bot.db, exchange.ID)
	require.NoError(t, err)
	assert.False(t, locked.RegisterAccepted)
}

func TestPairExchangeNotifyFailure(t *testing.T) {
	t.Parallel()
	bot, session := newTestAsuka(t)
	ctx := context.Background()

	exchange, err := CreateExchange(
		ctx, bot.writeDB, bot.config.Exchange, CreateExchangeOptions{
			Name:         "Unreachable Exchange",
			DurationDays: 14,
		},
	)
	require.NoError(t, err)
	registerTestUsers(t, bot, exchange.ID, 2)

	session.userChannelCreateErr = fmt.Errorf("cannot DM user")

	report, err := bot.PairExchange(ctx, exchange)
	require.NoError(t, err, "DM failures don't fail the pairing")
	assert.Equal(t, 2, report.NotifyFailures)

	// Pair assignments are committed regardless.
	users, err := GetExchangeUsers(bot.db, exchange.ID)
	require.NoError(t, err)
	for _, u := range users {
		assert.True(t, u.Paired())
	}
}
