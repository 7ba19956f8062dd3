package asuka

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testLogHandler() slog.Handler {
	return newLogHandler(io.Discard, slog.LevelDebug)
}

// newTestDB opens a throwaway sqlite database with all models
// migrated.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(
		sqlite.Open(filepath.Join(t.TempDir(), "test.sqlite3")),
		&gorm.Config{
			Logger: logger.Discard,
			NowFunc: func() time.Time {
				return time.Now().UTC()
			},
		},
	)
	require.NoError(t, err)
	require.NoError(
		t, db.AutoMigrate(
			&Exchange{},
			&ExchangeUser{},
			&Poll{},
			&PollOption{},
			&ScheduledEvent{},
		),
	)
	return db
}

// newTestAsuka assembles a bot around a temp database and a mock
// discord session.
func newTestAsuka(t *testing.T) (*Asuka, *mockSession) {
	t.Helper()
	handler := testLogHandler()
	db := newTestDB(t)

	config := DefaultConfig()
	config.Exchange.RegisterDays = 7
	config.Exchange.ChannelID = "exchange-channel"

	session := newMockSession()
	bot := &Asuka{
		config:     config,
		logger:     slog.New(handler),
		logHandler: handler,
		db:         db,
		writeDB:    NewDatabase(db, slog.New(handler), false),
	}
	bot.discord = &Discord{
		session: session,
		config:  config.Discord,
		logger:  slog.New(handler),
		asuka:   bot,
	}
	bot.anilist = NewAniList(config.AniList, nil, handler)
	return bot, session
}

// newAniListTestServer serves batched media queries from a fixed
// catalog, recording how many requests it saw.
func newAniListTestServer(
	t *testing.T,
	catalog map[int]AniListMedia,
	requestCount *int,
) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				mu.Lock()
				if requestCount != nil {
					*requestCount++
				}
				mu.Unlock()

				var req struct {
					Variables struct {
						IDs []int `json:"ids"`
					} `json:"variables"`
				}
				require.NoError(
					t, json.NewDecoder(r.Body).Decode(&req),
				)

				media := make([]AniListMedia, 0, len(req.Variables.IDs))
				for _, id := range req.Variables.IDs {
					if entry, ok := catalog[id]; ok {
						media = append(media, entry)
					}
				}
				w.Header().Set("Content-Type", "application/json")
				err := json.NewEncoder(w).Encode(
					map[string]any{
						"data": map[string]any{
							"Page": map[string]any{"media": media},
						},
					},
				)
				require.NoError(t, err)
			},
		),
	)
	t.Cleanup(srv.Close)
	return srv
}

func testMedia(id int, title string, status string, genres ...string) AniListMedia {
	m := AniListMedia{
		ID:      id,
		Genres:  genres,
		Status:  status,
		SiteURL: fmt.Sprintf("https://anilist.co/anime/%d", id),
	}
	m.Title.Romaji = title
	return m
}

// mockSession records outgoing discord calls.
type mockSession struct {
	mu sync.Mutex

	// dms maps recipient user ID to sent payloads
	dms map[string][]*discordgo.MessageSend

	// channelSends maps channel ID to plain-text sends
	channelSends map[string][]string

	// complexSends maps channel ID to complex sends
	complexSends map[string][]*discordgo.MessageSend

	reactions []string
	edits     []*discordgo.MessageEdit

	interactionResponses []*discordgo.InteractionResponse
	interactionEdits     []*discordgo.WebhookEdit

	channelMessageFunc func(channelID, messageID string) (
		*discordgo.Message,
		error,
	)
	userChannelCreateErr error
	sendErr              error

	nextMessageID int
}

func newMockSession() *mockSession {
	return &mockSession{
		dms:          map[string][]*discordgo.MessageSend{},
		channelSends: map[string][]string{},
		complexSends: map[string][]*discordgo.MessageSend{},
	}
}

const mockDMChannelPrefix = "dm-"

func (m *mockSession) messageID() string {
	m.nextMessageID++
	return fmt.Sprintf("message-%d", m.nextMessageID)
}

func (m *mockSession) Open() error  { return nil }
func (m *mockSession) Close() error { return nil }

func (m *mockSession) AddHandler(any) func() {
	return func() {}
}

func (m *mockSession) UpdateCustomStatus(string) error { return nil }

func (m *mockSession) GuildMember(
	guildID string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return &discordgo.Member{
		GuildID: guildID,
		User:    &discordgo.User{ID: userID},
	}, nil
}

func (m *mockSession) User(
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.User, error) {
	return &discordgo.User{ID: userID}, nil
}

func (m *mockSession) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	if m.userChannelCreateErr != nil {
		return nil, m.userChannelCreateErr
	}
	return &discordgo.Channel{
		ID:   mockDMChannelPrefix + recipientID,
		Type: discordgo.ChannelTypeDM,
	}, nil
}

func (m *mockSession) ChannelMessage(
	channelID string,
	messageID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	if m.channelMessageFunc != nil {
		return m.channelMessageFunc(channelID, messageID)
	}
	return &discordgo.Message{ID: messageID, ChannelID: channelID}, nil
}

func (m *mockSession) ChannelMessageSend(
	channelID string,
	content string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.channelSends[channelID] = append(m.channelSends[channelID], content)
	return &discordgo.Message{
		ID:        m.messageID(),
		ChannelID: channelID,
		Content:   content,
	}, nil
}

func (m *mockSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.complexSends[channelID] = append(m.complexSends[channelID], data)
	if recipient, found := strings.CutPrefix(channelID, mockDMChannelPrefix); found {
		m.dms[recipient] = append(m.dms[recipient], data)
	}
	return &discordgo.Message{
		ID:        m.messageID(),
		ChannelID: channelID,
	}, nil
}

func (m *mockSession) ChannelMessageEditComplex(
	edit *discordgo.MessageEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits = append(m.edits, edit)
	return &discordgo.Message{ID: edit.ID, ChannelID: edit.Channel}, nil
}

func (m *mockSession) MessageReactionAdd(
	_ string,
	_ string,
	emojiID string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reactions = append(m.reactions, emojiID)
	return nil
}

func (m *mockSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interactionResponses = append(m.interactionResponses, resp)
	return nil
}

func (m *mockSession) InteractionResponseEdit(
	_ *discordgo.Interaction,
	edit *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interactionEdits = append(m.interactionEdits, edit)
	return &discordgo.Message{}, nil
}

func (m *mockSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return commands, nil
}

func (m *mockSession) dmCount(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dms[userID])
}

func (m *mockSession) lastChannelSend(channelID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	sends := m.channelSends[channelID]
	if len(sends) == 0 {
		return ""
	}
	return sends[len(sends)-1]
}

func (m *mockSession) lastInteractionEdit() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.interactionEdits) == 0 {
		return ""
	}
	edit := m.interactionEdits[len(m.interactionEdits)-1]
	if edit.Content == nil {
		return ""
	}
	return *edit.Content
}
