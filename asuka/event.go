package asuka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	ics "github.com/arran4/golang-ical"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	eventTypeGroupwatch = "groupwatch"
	eventTypeGaming     = "gaming"
	eventTypeGameshow   = "gameshow"
	eventTypeOther      = "other"
)

// ScheduledEvent is a community event on the bot's calendar. The
// scheduler announces it when it starts; repeating events roll forward
// by their interval once they end, one-offs are disabled.
type ScheduledEvent struct {
	ModelUintID
	ModelUnixTime

	Name        string `json:"name" gorm:"type:string"`
	Description string `json:"description" gorm:"type:string"`
	Type        string `json:"type" gorm:"type:string"`

	StartsAt int64 `json:"starts_at" gorm:"column:starts_at"`
	EndsAt   int64 `json:"ends_at" gorm:"column:ends_at"`

	Repeat             bool `json:"repeat"`
	RepeatIntervalDays int  `json:"repeat_interval_days" gorm:"column:repeat_interval_days"`

	Disabled  bool   `json:"disabled"`
	ChannelID string `json:"channel_id" gorm:"column:channel_id"`

	// AnnouncedAt tracks the last start announcement, so each
	// occurrence is announced at most once.
	AnnouncedAt int64 `json:"announced_at" gorm:"column:announced_at"`
}

func (e ScheduledEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(e.ID)),
		slog.String("name", e.Name),
		slog.String("type", e.Type),
		slog.Bool("repeat", e.Repeat),
		slog.Bool("disabled", e.Disabled),
	)
}

// GetUpcomingEvents returns enabled events that haven't ended yet,
// soonest first.
func GetUpcomingEvents(db *gorm.DB, now time.Time) ([]ScheduledEvent, error) {
	var events []ScheduledEvent
	err := db.Where(
		"disabled = ? AND ends_at > ?", false, now.UnixMilli(),
	).Order("starts_at").Find(&events).Error
	return events, err
}

// announceEvents posts a start announcement for each enabled event
// whose start time has passed without one.
func (a *Asuka) announceEvents(ctx context.Context, now time.Time) {
	var due []ScheduledEvent
	err := a.db.Where(
		"disabled = ? AND starts_at <= ? AND announced_at < starts_at",
		false, now.UnixMilli(),
	).Find(&due).Error
	if err != nil {
		a.logger.ErrorContext(
			ctx, "error loading due events", tint.Err(err),
		)
		return
	}

	for _, event := range due {
		if event.ChannelID != "" {
			message := fmt.Sprintf(
				"**%s** is starting now! Runs until <t:%d:t>.",
				event.Name, event.EndsAt/1000,
			)
			if event.Description != "" {
				message += "\n" + event.Description
			}
			if _, sendErr := a.discord.channelMessageSend(
				event.ChannelID, message,
			); sendErr != nil {
				a.logger.ErrorContext(
					ctx,
					"error announcing event",
					"event", event,
					tint.Err(sendErr),
				)
				continue
			}
		}
		_, err = a.writeDB.UpdatesWhere(
			ctx,
			&ScheduledEvent{},
			map[string]any{"announced_at": now.UnixMilli()},
			"id = ?",
			event.ID,
		)
		if err != nil {
			a.logger.ErrorContext(
				ctx,
				"error recording event announcement",
				"event", event,
				tint.Err(err),
			)
		}
	}
}

// rollEvents advances ended repeating events to their next occurrence
// and disables ended one-offs.
func (a *Asuka) rollEvents(ctx context.Context, now time.Time) {
	var ended []ScheduledEvent
	err := a.db.Where(
		"disabled = ? AND ends_at <= ?", false, now.UnixMilli(),
	).Find(&ended).Error
	if err != nil {
		a.logger.ErrorContext(
			ctx, "error loading ended events", tint.Err(err),
		)
		return
	}

	for _, event := range ended {
		updates := map[string]any{"disabled": true}
		if event.Repeat && event.RepeatIntervalDays > 0 {
			interval := time.Duration(event.RepeatIntervalDays) * 24 * time.Hour
			startsAt := time.UnixMilli(event.StartsAt)
			endsAt := time.UnixMilli(event.EndsAt)
			for !endsAt.After(now) {
				startsAt = startsAt.Add(interval)
				endsAt = endsAt.Add(interval)
			}
			updates = map[string]any{
				"starts_at": startsAt.UnixMilli(),
				"ends_at":   endsAt.UnixMilli(),
			}
		}
		_, err = a.writeDB.UpdatesWhere(
			ctx, &ScheduledEvent{}, updates, "id = ?", event.ID,
		)
		if err != nil {
			a.logger.ErrorContext(
				ctx,
				"error rolling event",
				"event", event,
				tint.Err(err),
			)
		}
	}
}

// buildCalendar renders the upcoming events as an iCalendar feed.
func buildCalendar(events []ScheduledEvent) string {
	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId("-//asuka//community calendar//EN")

	for _, event := range events {
		entry := cal.AddEvent(fmt.Sprintf("event-%d@asuka", event.ID))
		entry.SetSummary(event.Name)
		if event.Description != "" {
			entry.SetDescription(event.Description)
		}
		entry.SetStartAt(time.UnixMilli(event.StartsAt).UTC())
		entry.SetEndAt(time.UnixMilli(event.EndsAt).UTC())
		entry.SetDtStampTime(time.UnixMilli(event.CreatedAt).UTC())
	}
	return cal.Serialize()
}
