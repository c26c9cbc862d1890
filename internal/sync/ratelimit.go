package sync

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited paces every call to p through lim. Waiting honors ctx, so a
// cancelled pass does not block on the limiter.
func RateLimited(p MailProvider, lim *rate.Limiter) MailProvider {
	if lim == nil {
		return p
	}
	return &limitedProvider{next: p, lim: lim}
}

type limitedProvider struct {
	next MailProvider
	lim  *rate.Limiter
}

func (l *limitedProvider) ListThreads(ctx context.Context, accessToken, query string, pageSize int64, pageToken string) (*ThreadPage, error) {
	if err := l.lim.Wait(ctx); err != nil {
		return nil, err
	}
	return l.next.ListThreads(ctx, accessToken, query, pageSize, pageToken)
}

func (l *limitedProvider) GetThread(ctx context.Context, accessToken, id string) (*Thread, error) {
	if err := l.lim.Wait(ctx); err != nil {
		return nil, err
	}
	return l.next.GetThread(ctx, accessToken, id)
}
