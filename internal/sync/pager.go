package sync

import (
	"context"
	"errors"
	"iter"

	"github.com/Martian-dev/jobmail-sync/internal/domain"
)

// Pager walks thread search results page by page, stopping when the
// provider reports no continuation token or after PageCap pages.
type Pager struct {
	Provider    MailProvider
	AccessToken string
	Query       string
	PageSize    int64
	PageCap     int

	pages     int
	truncated bool
}

// IDs yields candidate thread ids lazily. A page fetch failure is yielded
// once as a non-nil error and ends the sequence. A thread that shows up on
// two pages is yielded once.
func (p *Pager) IDs(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		seen := make(map[string]struct{})
		token := ""
		for p.pages < p.PageCap {
			if err := ctx.Err(); err != nil {
				yield("", &domain.FetchError{Op: "list", ID: token, Err: err})
				return
			}

			page, err := p.Provider.ListThreads(ctx, p.AccessToken, p.Query, p.PageSize, token)
			if err != nil {
				yield("", asFetchError("list", token, err))
				return
			}
			p.pages++

			for _, id := range page.IDs {
				if _, dup := seen[id]; dup || id == "" {
					continue
				}
				seen[id] = struct{}{}
				if !yield(id, nil) {
					return
				}
			}

			if page.NextPageToken == "" {
				return
			}
			token = page.NextPageToken
		}
		// The cap was hit while the provider still had more results.
		p.truncated = true
	}
}

// Pages returns how many pages were fetched.
func (p *Pager) Pages() int { return p.pages }

// Truncated reports whether enumeration stopped at the page cap with
// results left unread.
func (p *Pager) Truncated() bool { return p.truncated }

func asFetchError(op, id string, err error) error {
	var fe *domain.FetchError
	if errors.As(err, &fe) {
		return err
	}
	return &domain.FetchError{Op: op, ID: id, Err: err}
}
