package asuka

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAniListMediaBatching(t *testing.T) {
	t.Parallel()
	catalog := map[int]AniListMedia{
		1: testMedia(1, "One", statusFinished, "Action"),
		2: testMedia(2, "Two", statusFinished, "Drama", "Romance"),
		3: testMedia(3, "Three", "RELEASING", "Comedy"),
	}
	var requests int
	srv := newAniListTestServer(t, catalog, &requests)
	client := NewAniList(
		&AniListConfig{URL: srv.URL, MaxRequestsPerSecond: 100},
		srv.Client(),
		testLogHandler(),
	)

	media, err := client.Media(context.Background(), []int{1, 2, 3})
	require.NoError(t, err)
	require.Len(t, media, 3)
	assert.Equal(t, 1, requests, "all IDs resolve in a single query")

	assert.Equal(t, "One", media[0].DisplayTitle())
	assert.Equal(t, statusFinished, media[0].Status)
	assert.True(t, media[1].HasGenre("romance"))
	assert.False(t, media[1].HasGenre("horror"))
}

func TestAniListMediaEmptyInput(t *testing.T) {
	t.Parallel()
	var requests int
	srv := newAniListTestServer(t, nil, &requests)
	client := NewAniList(
		&AniListConfig{URL: srv.URL, MaxRequestsPerSecond: 100},
		srv.Client(),
		testLogHandler(),
	)

	media, err := client.Media(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, media)
	assert.Zero(t, requests, "no IDs means no request at all")
}

func TestAniListMediaDisplayTitle(t *testing.T) {
	t.Parallel()
	m := AniListMedia{}
	m.Title.Romaji = "Romaji Title"
	assert.Equal(t, "Romaji Title", m.DisplayTitle())

	m.Title.English = "English Title"
	assert.Equal(t, "English Title", m.DisplayTitle())
}
