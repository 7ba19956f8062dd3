// Package asuka implements a community-management Discord bot built
// around anime exchanges: registered participants are pseudo-randomly
// paired and anonymously exchange AniList suggestions, validated
// against the exchange's theme. The bot also runs reaction polls,
// a community event calendar with an iCalendar feed, a broken-embed
// link fixer, and a Spotify link unfurler, plus a small read-only
// HTTP API.
package asuka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Set via ldflags at build time.
var (
	Version   = "dev"
	CommitSHA = ""
	BuildTime = ""
)

// Asuka is the bot. Create it with [New], start it with [Asuka.Run].
type Asuka struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	db      *gorm.DB
	writeDB DBI

	discord *Discord
	anilist *AniList
	spotify *Spotify
	api     *API

	runMu     sync.Mutex
	startedAt time.Time
}

// New validates the config and assembles the bot. The database isn't
// opened and the gateway isn't connected until [Asuka.Run].
func New(config *Config) (*Asuka, error) {
	if config == nil {
		return nil, errors.New("nil config")
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.SetTagName("binding")
	if err := validate.Struct(config); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			errs := make([]error, 0, len(validationErrors))
			for _, fieldError := range validationErrors {
				errs = append(
					errs, fmt.Errorf(
						"invalid config: field %q failed on %q",
						fieldError.Namespace(), fieldError.Tag(),
					),
				)
			}
			return nil, errors.Join(errs...)
		}
		return nil, err
	}

	logHandler := newLogHandler(os.Stdout, config.LogLevel)
	bot := &Asuka{
		config:     config,
		logHandler: logHandler,
		logger:     slog.New(logHandler).With(loggerNameKey, "asuka"),
	}

	discord, err := newDiscord(
		context.Background(),
		config.Discord,
		newLogHandler(os.Stdout, config.Discord.LogLevel),
	)
	if err != nil {
		return nil, err
	}
	discord.asuka = bot
	bot.discord = discord

	bot.anilist = NewAniList(
		config.AniList,
		config.HTTPClient,
		newLogHandler(os.Stdout, config.AniList.LogLevel),
	)

	if config.Spotify.Enabled() {
		bot.spotify = newSpotify(
			context.Background(), config.Spotify, logHandler,
		)
	}

	bot.api = newAPI(
		bot, config.API, newLogHandler(os.Stdout, config.API.LogLevel),
	)
	return bot, nil
}

// Run opens the database, starts the HTTP server, connects to the
// Discord gateway, and runs the lifecycle scheduler until ctx is
// canceled.
func (a *Asuka) Run(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	a.logger.InfoContext(
		ctx,
		"starting",
		"version", Version,
		"commit", CommitSHA,
		"build_time", BuildTime,
		"config", a.config,
	)

	startupCtx, startupCancel := context.WithTimeout(
		ctx, a.config.StartupTimeout,
	)
	db, err := CreateDB(
		startupCtx,
		a.config.DatabaseType,
		a.config.Database,
		newLogHandler(os.Stdout, a.config.DatabaseLogLevel),
		a.config.DatabaseSlowThreshold,
	)
	startupCancel()
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	a.db = db
	a.writeDB = NewDatabase(
		db,
		slog.New(a.logHandler),
		a.config.DatabaseType == dbTypePostgres,
	)

	if err = a.discord.connect(ctx); err != nil {
		return err
	}
	a.startedAt = time.Now()

	go a.discord.startupMessage(ctx, a.config.Exchange.ChannelID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(a.api.Serve)
	g.Go(
		func() error {
			a.runScheduler(gctx)
			return nil
		},
	)
	g.Go(
		func() error {
			<-gctx.Done()
			return a.shutdown()
		},
	)
	return g.Wait()
}

// runScheduler re-evaluates exchange, poll and event lifecycles on
// every tick. Ticks are synchronous, so a slow tick delays the next
// one rather than overlapping it.
func (a *Asuka) runScheduler(ctx context.Context) {
	interval := a.config.SchedulerTickInterval
	if interval <= 0 {
		interval = DefaultSchedulerTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.logger.InfoContext(ctx, "scheduler started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			a.logger.InfoContext(ctx, "scheduler stopped")
			return
		case now := <-ticker.C:
			a.tick(WithLogger(ctx, a.logger), now.UTC())
		}
	}
}

// tick runs one scheduler pass: pair exchanges whose registration
// window elapsed, lock expired exchanges, tally ended polls, and
// announce/roll scheduled events.
func (a *Asuka) tick(ctx context.Context, now time.Time) {
	a.checkExchanges(ctx, now)
	a.finishPolls(ctx, now)
	a.announceEvents(ctx, now)
	a.rollEvents(ctx, now)
}

func (a *Asuka) checkExchanges(ctx context.Context, now time.Time) {
	open, err := GetOpenExchanges(a.db)
	if err != nil {
		a.logger.ErrorContext(
			ctx, "error loading open exchanges", tint.Err(err),
		)
		return
	}

	registerDays := a.config.Exchange.RegisterDays
	for i := range open {
		exchange := &open[i]

		if exchange.Expired(now) {
			if err = CloseRegistration(ctx, a.writeDB, exchange.ID); err != nil {
				a.logger.ErrorContext(
					ctx,
					"error locking expired exchange",
					"exchange", exchange,
					tint.Err(err),
				)
			} else {
				a.logger.InfoContext(
					ctx, "locked expired exchange", "exchange", exchange,
				)
			}
			continue
		}

		if registerDays <= 0 {
			// Without a configured window nothing closes on its own;
			// operators can still /exchange forcepair.
			continue
		}
		if !exchange.RegistrationElapsed(registerDays, now) {
			continue
		}

		_, err = a.PairExchange(ctx, exchange)
		if err != nil && !errors.Is(err, ErrLonelyParticipant) {
			a.logger.ErrorContext(
				ctx,
				"scheduled pairing failed",
				"exchange", exchange,
				tint.Err(err),
			)
		}
	}
}

// shutdown closes the gateway connection, drains the HTTP server, and
// closes the database, bounded by ShutdownTimeout.
func (a *Asuka) shutdown() error {
	ctx, cancel := context.WithTimeout(
		context.Background(), a.config.ShutdownTimeout,
	)
	defer cancel()

	a.logger.Info("shutting down")
	errs := make([]error, 0, 3)

	if err := a.discord.close(); err != nil {
		errs = append(errs, fmt.Errorf("error closing discord: %w", err))
	}
	if err := a.api.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("error stopping api: %w", err))
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			if err = sqlDB.Close(); err != nil {
				errs = append(
					errs, fmt.Errorf("error closing database: %w", err),
				)
			}
		}
	}
	return errors.Join(errs...)
}
