package asuka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
)

const (
	// maxSuggestions is the ceiling on content suggestions a participant
	// may submit over the lifetime of one exchange.
	maxSuggestions = 3

	// suggestionSeparator joins suggestion IDs in the database column.
	suggestionSeparator = ";"
)

var (
	columnExchangeRegisterAccepted = "register_accepted"
	columnExchangeUserPair         = "pair"
	columnExchangeUserSuggestions  = "suggestions"
)

var (
	// ErrRegisterDaysNotConfigured indicates exchange.register_days is
	// unset. Exchange creation and pairing refuse to proceed with an
	// undefined registration window.
	ErrRegisterDaysNotConfigured = errors.New(
		"exchange.register_days is not configured",
	)

	ErrNoOpenExchange = errors.New(
		"no exchange is currently open for registration",
	)
	ErrExchangeNotFound  = errors.New("exchange not found")
	ErrAlreadyRegistered = errors.New("already registered for this exchange")
	ErrEmptyPreferences  = errors.New("preferences must not be empty")
	ErrUnknownTheme      = errors.New("theme is not a known genre")
	ErrDurationTooShort  = errors.New(
		"exchange duration is shorter than the registration period",
	)

	// ErrMalformedRecord indicates a persisted row failed to parse into
	// its typed form (e.g. a non-numeric suggestion ID).
	ErrMalformedRecord = errors.New("malformed record")
)

// Exchange is a time-boxed, theme-optional event in which registered
// participants are pseudo-randomly paired and exchange content
// suggestions.
type Exchange struct {
	ModelUintID
	ModelUnixTime

	Name        string `json:"name" gorm:"type:string"`
	Description string `json:"description" gorm:"type:string"`

	// Theme restricts valid suggestions to one catalog genre.
	// Empty for unthemed exchanges.
	Theme string `json:"theme" gorm:"type:string"`

	// StartsAt is the creation/announcement time, and the reference
	// point for closing registration.
	StartsAt int64 `json:"starts_at" gorm:"column:starts_at"`

	// EndsAt is the time after which the exchange is considered expired.
	EndsAt int64 `json:"ends_at" gorm:"column:ends_at"`

	// RegisterAccepted is true while new participants may join. Once
	// false it never reverts, except via ClearPairs.
	RegisterAccepted bool `json:"register_accepted" gorm:"column:register_accepted"`
}

func (e Exchange) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(e.ID)),
		slog.String("name", e.Name),
		slog.String("theme", e.Theme),
		slog.Bool("register_accepted", e.RegisterAccepted),
	)
}

// RegistrationDeadline returns the instant the registration window
// elapses, given the configured number of registration days.
func (e Exchange) RegistrationDeadline(registerDays int) time.Time {
	return time.UnixMilli(e.StartsAt).Add(
		time.Duration(registerDays) * 24 * time.Hour,
	)
}

// RegistrationElapsed reports whether the registration window has
// passed as of now.
func (e Exchange) RegistrationElapsed(registerDays int, now time.Time) bool {
	return !now.Before(e.RegistrationDeadline(registerDays))
}

// Expired reports whether the exchange end time has passed.
func (e Exchange) Expired(now time.Time) bool {
	return time.UnixMilli(e.EndsAt).Before(now)
}

// ExchangeUser is a user's registration record within one exchange.
type ExchangeUser struct {
	ModelUintID
	ModelUnixTime

	// UserID is the Discord user ID of the participant
	UserID string `json:"user_id" gorm:"column:user_id;index:idx_exchange_user,unique"`

	ExchangeID uint `json:"exchange_id" gorm:"column:exchange_id;index:idx_exchange_user,unique"`

	// Pair is the Discord user ID of the matched partner; nil until
	// pairing runs. In the odd-count case this is a one-directional
	// pointer forming a 3-cycle rather than a symmetric relation.
	Pair *string `json:"pair" gorm:"type:string"`

	// Suggestions holds up to 3 AniList media IDs, semicolon-joined,
	// in submission order.
	Suggestions string `json:"suggestions" gorm:"type:string"`

	// Preferences is free text shown to the assigned pair
	Preferences string `json:"preferences" gorm:"type:string"`
}

func (u ExchangeUser) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(u.ID)),
		slog.String("user_id", u.UserID),
		slog.Uint64("exchange_id", uint64(u.ExchangeID)),
		slog.String("pair", stringPointerValue(u.Pair)),
	)
}

// Paired reports whether the participant has been assigned a partner.
func (u ExchangeUser) Paired() bool {
	return u.Pair != nil && *u.Pair != ""
}

// SuggestionIDs parses the stored suggestion column. A non-numeric
// entry surfaces as ErrMalformedRecord rather than being dropped.
func (u ExchangeUser) SuggestionIDs() ([]int, error) {
	if u.Suggestions == "" {
		return nil, nil
	}
	parts := strings.Split(u.Suggestions, suggestionSeparator)
	ids := make([]int, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf(
				"%w: suggestion %q on participant %d",
				ErrMalformedRecord, p, u.ID,
			)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func joinSuggestionIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, suggestionSeparator)
}

// CreateExchangeOptions are the operator-supplied fields for a new
// exchange.
type CreateExchangeOptions struct {
	Name         string
	Description  string
	Theme        string
	DurationDays int
}

// CreateExchange inserts a new exchange with registration open.
// The end time is computed as now + DurationDays; the duration must
// cover at least the configured registration period.
func CreateExchange(
	ctx context.Context,
	db DBI,
	cfg *ExchangeConfig,
	opts CreateExchangeOptions,
) (*Exchange, error) {
	if cfg == nil || cfg.RegisterDays <= 0 {
		return nil, ErrRegisterDaysNotConfigured
	}
	if opts.DurationDays < cfg.RegisterDays {
		return nil, fmt.Errorf(
			"%w: duration %d days, registration period %d days",
			ErrDurationTooShort, opts.DurationDays, cfg.RegisterDays,
		)
	}
	theme := strings.ToUpper(strings.TrimSpace(opts.Theme))
	if theme != "" && !ValidGenre(theme) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTheme, opts.Theme)
	}

	now := time.Now().UTC()
	exchange := &Exchange{
		Name:             opts.Name,
		Description:      opts.Description,
		Theme:            theme,
		StartsAt:         now.UnixMilli(),
		EndsAt:           now.Add(time.Duration(opts.DurationDays) * 24 * time.Hour).UnixMilli(),
		RegisterAccepted: true,
	}
	if _, err := db.Create(ctx, exchange); err != nil {
		return nil, fmt.Errorf("error creating exchange: %w", err)
	}
	return exchange, nil
}

// GetExchange fetches one exchange by ID.
func GetExchange(db *gorm.DB, id uint) (*Exchange, error) {
	var exchange Exchange
	err := db.Where("id = ?", id).Take(&exchange).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrExchangeNotFound
		}
		return nil, err
	}
	return &exchange, nil
}

// GetOpenExchanges returns all exchanges currently accepting
// registration.
func GetOpenExchanges(db *gorm.DB) ([]Exchange, error) {
	var exchanges []Exchange
	err := db.Where(
		fmt.Sprintf("%s = ?", columnExchangeRegisterAccepted), true,
	).Order("id").Find(&exchanges).Error
	return exchanges, err
}

// GetExchanges returns every exchange, newest first. Historical rows
// are retained, never deleted.
func GetExchanges(db *gorm.DB) ([]Exchange, error) {
	var exchanges []Exchange
	err := db.Order("id desc").Find(&exchanges).Error
	return exchanges, err
}

// GetExchangeUsers returns all participant records for one exchange.
func GetExchangeUsers(db *gorm.DB, exchangeID uint) ([]ExchangeUser, error) {
	var users []ExchangeUser
	err := db.Where("exchange_id = ?", exchangeID).Order("id").Find(&users).Error
	return users, err
}

// GetExchangeUser returns the participant record for (exchange, user),
// or gorm.ErrRecordNotFound.
func GetExchangeUser(
	db *gorm.DB,
	exchangeID uint,
	userID string,
) (*ExchangeUser, error) {
	var user ExchangeUser
	err := db.Where(
		"exchange_id = ? AND user_id = ?", exchangeID, userID,
	).Take(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// RegisterParticipant creates a participant record for an open
// exchange. It fails with ErrNoOpenExchange when nothing is open at
// all, ErrExchangeNotFound when the given ID doesn't match an open
// exchange, and ErrAlreadyRegistered when a record already exists.
func RegisterParticipant(
	ctx context.Context,
	db DBI,
	exchangeID uint,
	userID string,
	preferences string,
) (*ExchangeUser, error) {
	if strings.TrimSpace(preferences) == "" {
		return nil, ErrEmptyPreferences
	}

	open, err := GetOpenExchanges(db.DB())
	if err != nil {
		return nil, fmt.Errorf("error loading open exchanges: %w", err)
	}
	if len(open) == 0 {
		return nil, ErrNoOpenExchange
	}

	var exchange *Exchange
	for i := range open {
		if open[i].ID == exchangeID {
			exchange = &open[i]
			break
		}
	}
	if exchange == nil {
		return nil, ErrExchangeNotFound
	}

	_, err = GetExchangeUser(db.DB(), exchangeID, userID)
	switch {
	case err == nil:
		return nil, ErrAlreadyRegistered
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("error checking registration: %w", err)
	}

	user := &ExchangeUser{
		UserID:      userID,
		ExchangeID:  exchangeID,
		Preferences: preferences,
	}
	if _, err = db.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("error registering participant: %w", err)
	}
	return user, nil
}

// CloseRegistration locks the exchange against further registration.
// The transition is monotonic: nothing other than ClearPairs reopens it.
func CloseRegistration(ctx context.Context, db DBI, exchangeID uint) error {
	_, err := db.UpdatesWhere(
		ctx,
		&Exchange{},
		map[string]any{columnExchangeRegisterAccepted: false},
		"id = ?",
		exchangeID,
	)
	return err
}

// ClearPairs nulls every participant's pair for the exchange and
// reopens registration. This is a debug/recovery operation: if the
// pairing was already communicated, the assignments are lost.
func ClearPairs(ctx context.Context, db DBI, exchangeID uint) error {
	if _, err := GetExchange(db.DB(), exchangeID); err != nil {
		return err
	}

	return db.Transaction(ctx, func(tx *gorm.DB) error {
		err := tx.Model(&ExchangeUser{}).Where(
			"exchange_id = ?", exchangeID,
		).Update(columnExchangeUserPair, nil).Error
		if err != nil {
			return fmt.Errorf("error clearing pairs: %w", err)
		}
		err = tx.Model(&Exchange{}).Where("id = ?", exchangeID).Update(
			columnExchangeRegisterAccepted, true,
		).Error
		if err != nil {
			return fmt.Errorf("error reopening registration: %w", err)
		}
		return nil
	})
}
