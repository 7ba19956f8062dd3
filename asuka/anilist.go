package asuka

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// statusFinished is the only release status accepted for exchange
// suggestions.
const statusFinished = "FINISHED"

// anilistMediaQuery fetches every field the suggestion validator and
// the pair-facing embed need, for a batch of IDs in one round trip.
const anilistMediaQuery = `query ($ids: [Int]) {
  Page {
    media(id_in: $ids, type: ANIME) {
      id
      title {
        romaji
        english
      }
      genres
      status
      siteUrl
    }
  }
}`

// AniListMedia is one media entry from the AniList API.
type AniListMedia struct {
	ID    int `json:"id"`
	Title struct {
		Romaji  string `json:"romaji"`
		English string `json:"english"`
	} `json:"title"`
	Genres  []string `json:"genres"`
	Status  string   `json:"status"`
	SiteURL string   `json:"siteUrl"`
}

// DisplayTitle prefers the english title, falling back to romaji.
func (m AniListMedia) DisplayTitle() string {
	if m.Title.English != "" {
		return m.Title.English
	}
	return m.Title.Romaji
}

// HasGenre reports whether the media carries the given genre,
// ignoring case.
func (m AniListMedia) HasGenre(genre string) bool {
	for _, g := range m.Genres {
		if strings.EqualFold(g, genre) {
			return true
		}
	}
	return false
}

// AniList is a client for the AniList GraphQL API, rate-limited to
// stay under the API's request ceiling.
type AniList struct {
	url        string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewAniList returns an AniList client using the given config. A nil
// httpClient falls back to a default with a 30-second timeout.
func NewAniList(
	cfg *AniListConfig,
	httpClient *http.Client,
	handler slog.Handler,
) *AniList {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	maxPerSecond := cfg.MaxRequestsPerSecond
	if maxPerSecond <= 0 {
		maxPerSecond = DefaultAniListMaxRequestsPerSecond
	}
	return &AniList{
		url:        cfg.URL,
		httpClient: httpClient,
		limiter: rate.NewLimiter(
			rate.Limit(maxPerSecond),
			maxPerSecond,
		),
		logger: slog.New(handler).With(loggerNameKey, "anilist"),
	}
}

type anilistRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type anilistPageResponse struct {
	Data struct {
		Page struct {
			Media []AniListMedia `json:"media"`
		} `json:"Page"`
	} `json:"data"`
}

// Media fetches metadata for the given media IDs in a single batched
// query. IDs the API doesn't know are simply absent from the result.
func (a *AniList) Media(ctx context.Context, ids []int) (
	[]AniListMedia,
	error,
) {
	if len(ids) == 0 {
		return nil, nil
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(
		anilistRequest{
			Query:     anilistMediaQuery,
			Variables: map[string]any{"ids": ids},
		},
	)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		a.url,
		bytes.NewReader(payload),
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anilist request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	a.logger.DebugContext(
		ctx,
		"anilist query",
		"ids", ids,
		"status_code", resp.StatusCode,
		"elapsed", time.Since(started),
	)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf(
			"anilist returned status %d: %s",
			resp.StatusCode,
			truncate(string(body), 200),
		)
	}

	var page anilistPageResponse
	if err = json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("error decoding anilist response: %w", err)
	}
	return page.Data.Page.Media, nil
}
