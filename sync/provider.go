package sync

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"recanto-cloud/security"
)

// Provider is the external calendar boundary consumed by the sync engine and
// webhook manager. One instance is scoped to one user's credentials.
type Provider interface {
	ListUpcoming(ctx context.Context, calendarID string, from, to time.Time) ([]*calendar.Event, error)
	Insert(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error)
	Update(ctx context.Context, calendarID, eventID string, event *calendar.Event) (*calendar.Event, error)
	ListCalendars(ctx context.Context) ([]*calendar.CalendarListEntry, error)
	CreateCalendar(ctx context.Context, summary string) (*calendar.Calendar, error)
	Watch(ctx context.Context, calendarID string, channel *calendar.Channel) (*calendar.Channel, error)
	StopChannel(ctx context.Context, channel *calendar.Channel) error
}

// ProviderFactory resolves a per-user provider. Implementations refresh the
// user's token as needed; a revoked refresh token surfaces as
// *security.AuthRefreshError.
type ProviderFactory interface {
	ProviderFor(ctx context.Context, userID string) (Provider, error)
}

// GoogleProviderFactory builds rate-limited Google Calendar providers from the
// token manager. Constructed once at startup and shared.
type GoogleProviderFactory struct {
	tokens      *security.TokenManager
	limiter     *rate.Limiter
	callTimeout time.Duration
}

// NewGoogleProviderFactory creates the factory. qps bounds outbound provider
// calls across all users; callTimeout caps each individual call.
func NewGoogleProviderFactory(tokens *security.TokenManager, qps float64, callTimeout time.Duration) *GoogleProviderFactory {
	if qps <= 0 {
		qps = 5
	}
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &GoogleProviderFactory{
		tokens:      tokens,
		limiter:     rate.NewLimiter(rate.Limit(qps), int(qps)+1),
		callTimeout: callTimeout,
	}
}

// ProviderFor returns an authenticated provider for the user, refreshing the
// stored token when stale.
func (f *GoogleProviderFactory) ProviderFor(ctx context.Context, userID string) (Provider, error) {
	client, err := f.tokens.HTTPClient(ctx, userID)
	if err != nil {
		return nil, err
	}
	service, err := calendar.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service for user %s: %w", userID, err)
	}
	return &googleProvider{
		service:     service,
		limiter:     f.limiter,
		callTimeout: f.callTimeout,
	}, nil
}

type googleProvider struct {
	service     *calendar.Service
	limiter     *rate.Limiter
	callTimeout time.Duration
}

// call wraps every provider round trip with the shared limiter and a per-call
// timeout so a stuck call never blocks a whole sweep.
func (p *googleProvider) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return &ProviderCallError{Op: op, Err: err}
	}
	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()
	if err := fn(callCtx); err != nil {
		return &ProviderCallError{Op: op, Err: err}
	}
	return nil
}

func (p *googleProvider) ListUpcoming(ctx context.Context, calendarID string, from, to time.Time) ([]*calendar.Event, error) {
	var items []*calendar.Event
	pageToken := ""
	for {
		var resp *calendar.Events
		err := p.call(ctx, "events.list", func(callCtx context.Context) error {
			call := p.service.Events.List(calendarID).
				SingleEvents(true).
				OrderBy("startTime").
				TimeMin(from.Format(time.RFC3339)).
				TimeMax(to.Format(time.RFC3339))
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var callErr error
			resp, callErr = call.Context(callCtx).Do()
			return callErr
		})
		if err != nil {
			return nil, err
		}
		items = append(items, resp.Items...)
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	return items, nil
}

func (p *googleProvider) Insert(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error) {
	var created *calendar.Event
	err := p.call(ctx, "events.insert", func(callCtx context.Context) error {
		var callErr error
		created, callErr = p.service.Events.Insert(calendarID, event).Context(callCtx).Do()
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (p *googleProvider) Update(ctx context.Context, calendarID, eventID string, event *calendar.Event) (*calendar.Event, error) {
	var updated *calendar.Event
	err := p.call(ctx, "events.update", func(callCtx context.Context) error {
		var callErr error
		updated, callErr = p.service.Events.Update(calendarID, eventID, event).Context(callCtx).Do()
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (p *googleProvider) ListCalendars(ctx context.Context) ([]*calendar.CalendarListEntry, error) {
	var entries []*calendar.CalendarListEntry
	err := p.call(ctx, "calendarList.list", func(callCtx context.Context) error {
		resp, callErr := p.service.CalendarList.List().Context(callCtx).Do()
		if callErr != nil {
			return callErr
		}
		entries = resp.Items
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (p *googleProvider) CreateCalendar(ctx context.Context, summary string) (*calendar.Calendar, error) {
	var created *calendar.Calendar
	err := p.call(ctx, "calendars.insert", func(callCtx context.Context) error {
		var callErr error
		created, callErr = p.service.Calendars.Insert(&calendar.Calendar{Summary: summary}).Context(callCtx).Do()
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (p *googleProvider) Watch(ctx context.Context, calendarID string, channel *calendar.Channel) (*calendar.Channel, error) {
	var registered *calendar.Channel
	err := p.call(ctx, "events.watch", func(callCtx context.Context) error {
		var callErr error
		registered, callErr = p.service.Events.Watch(calendarID, channel).Context(callCtx).Do()
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return registered, nil
}

func (p *googleProvider) StopChannel(ctx context.Context, channel *calendar.Channel) error {
	return p.call(ctx, "channels.stop", func(callCtx context.Context) error {
		return p.service.Channels.Stop(channel).Context(callCtx).Do()
	})
}
