package asuka

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T) (*Asuka, *API) {
	t.Helper()
	bot, _ := newTestAsuka(t)
	bot.config.API.StaticDir = ""
	return bot, newAPI(bot, bot.config.API, testLogHandler())
}

func TestAPIHealthz(t *testing.T) {
	t.Parallel()
	_, api := newTestAPI(t)

	w := httptest.NewRecorder()
	api.engine.ServeHTTP(
		w, httptest.NewRequest(http.MethodGet, "/healthz", nil),
	)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(
		t,
		w.Header().Get(xRequestIDHeader),
		"a request ID is assigned when the caller sends none",
	)
}

func TestAPIRequestIDEcho(t *testing.T) {
	t.Parallel()
	_, api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(xRequestIDHeader, "caller-supplied")
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	assert.Equal(t, "caller-supplied", w.Header().Get(xRequestIDHeader))
}

func TestAPIExchanges(t *testing.T) {
	t.Parallel()
	bot, api := newTestAPI(t)

	exchange, err := CreateExchange(
		context.Background(),
		bot.writeDB,
		bot.config.Exchange,
		CreateExchangeOptions{Name: "Web Exchange", DurationDays: 14},
	)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	api.engine.ServeHTTP(
		w, httptest.NewRequest(http.MethodGet, "/api/exchanges", nil),
	)
	require.Equal(t, http.StatusOK, w.Code)

	var exchanges []Exchange
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &exchanges))
	require.Len(t, exchanges, 1)
	assert.Equal(t, exchange.ID, exchanges[0].ID)
	assert.Equal(t, "Web Exchange", exchanges[0].Name)
}

func TestAPICalendar(t *testing.T) {
	t.Parallel()
	bot, api := newTestAPI(t)
	now := time.Now().UTC()

	_, err := bot.writeDB.Create(
		context.Background(), &ScheduledEvent{
			Name:     "Calendar event",
			Type:     eventTypeOther,
			StartsAt: now.Add(time.Hour).UnixMilli(),
			EndsAt:   now.Add(2 * time.Hour).UnixMilli(),
		},
	)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	api.engine.ServeHTTP(
		w, httptest.NewRequest(http.MethodGet, "/api/calendar.ics", nil),
	)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(
		t, w.Header().Get("Content-Type"), "text/calendar",
	)
	assert.Contains(t, w.Body.String(), "SUMMARY:Calendar event")
}
