package sync

import (
	"fmt"
	"time"

	calendar "google.golang.org/api/calendar/v3"

	"recanto-cloud/events"
)

const allDayDateFormat = "2006-01-02"

// ToProviderEvent maps an internal event onto the provider representation.
func ToProviderEvent(event *events.Event) (*calendar.Event, error) {
	if event == nil {
		return nil, &TranslationError{Ref: "", Err: fmt.Errorf("nil event")}
	}
	if event.Title == "" {
		return nil, &TranslationError{Ref: event.ID, Err: fmt.Errorf("title is required")}
	}
	if event.Start.IsZero() || event.End.IsZero() {
		return nil, &TranslationError{Ref: event.Title, Err: fmt.Errorf("start and end are required")}
	}
	if event.End.Before(event.Start) {
		return nil, &TranslationError{Ref: event.Title, Err: fmt.Errorf("end precedes start")}
	}

	out := &calendar.Event{
		Summary:     event.Title,
		Description: event.Description,
		Location:    event.Location,
	}
	if event.AllDay {
		out.Start = &calendar.EventDateTime{Date: event.Start.UTC().Format(allDayDateFormat)}
		out.End = &calendar.EventDateTime{Date: event.End.UTC().Format(allDayDateFormat)}
	} else {
		out.Start = &calendar.EventDateTime{DateTime: event.Start.UTC().Format(time.RFC3339)}
		out.End = &calendar.EventDateTime{DateTime: event.End.UTC().Format(time.RFC3339)}
	}
	return out, nil
}

// FromProviderEvent maps a provider event to a new internal record. Imported
// events are always private; an administrator must explicitly publish them.
// The external visibility setting is never consulted, since the two systems'
// visibility semantics are not equivalent.
func FromProviderEvent(item *calendar.Event) (*events.Event, error) {
	if item == nil || item.Id == "" {
		return nil, &TranslationError{Ref: "", Err: fmt.Errorf("provider event without id")}
	}

	start, allDay, err := parseProviderTime(item.Start)
	if err != nil {
		return nil, &TranslationError{Ref: providerRef(item), Err: fmt.Errorf("invalid start: %w", err)}
	}
	end, _, err := parseProviderTime(item.End)
	if err != nil {
		return nil, &TranslationError{Ref: providerRef(item), Err: fmt.Errorf("invalid end: %w", err)}
	}

	return &events.Event{
		Title:       item.Summary,
		Description: item.Description,
		Location:    item.Location,
		Start:       start,
		End:         end,
		AllDay:      allDay,
		IsPublic:    false,
		ExternalID:  item.Id,
	}, nil
}

// ApplyProviderFields overwrites the provider-owned fields of a linked record
// and reports whether anything changed. Local-only fields (visibility,
// ownership) are untouched.
func ApplyProviderFields(dst *events.Event, item *calendar.Event) (bool, error) {
	translated, err := FromProviderEvent(item)
	if err != nil {
		return false, err
	}

	changed := dst.Title != translated.Title ||
		dst.Description != translated.Description ||
		dst.Location != translated.Location ||
		!dst.Start.Equal(translated.Start) ||
		!dst.End.Equal(translated.End) ||
		dst.AllDay != translated.AllDay

	if changed {
		dst.Title = translated.Title
		dst.Description = translated.Description
		dst.Location = translated.Location
		dst.Start = translated.Start
		dst.End = translated.End
		dst.AllDay = translated.AllDay
	}
	return changed, nil
}

// parseProviderTime normalizes a provider date or datetime to UTC. All-day
// events carry a Date only.
func parseProviderTime(dt *calendar.EventDateTime) (time.Time, bool, error) {
	if dt == nil {
		return time.Time{}, false, fmt.Errorf("missing date")
	}
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		if err != nil {
			return time.Time{}, false, err
		}
		return t.UTC(), false, nil
	}
	if dt.Date != "" {
		t, err := time.Parse(allDayDateFormat, dt.Date)
		if err != nil {
			return time.Time{}, false, err
		}
		return t.UTC(), true, nil
	}
	return time.Time{}, false, fmt.Errorf("missing date")
}

// providerRef picks a stable reference for error reporting: title when
// present, id otherwise.
func providerRef(item *calendar.Event) string {
	if item.Summary != "" {
		return item.Summary
	}
	return item.Id
}

// eventRef is the internal-side counterpart of providerRef.
func eventRef(event *events.Event) string {
	if event.Title != "" {
		return event.Title
	}
	return event.ID
}
