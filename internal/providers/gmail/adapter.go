package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/jobmail-sync/internal/domain"
	"github.com/Martian-dev/jobmail-sync/internal/sync"
)

const me = "me"

// Adapter implements MailProvider for Gmail. Each call builds a service
// around the caller's access token, so one Adapter serves every user.
type Adapter struct {
	endpoint   string
	httpClient *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithEndpoint points the adapter at a different API root.
func WithEndpoint(url string) Option {
	return func(a *Adapter) { a.endpoint = url }
}

// WithHTTPClient sets the transport under the bearer token.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.httpClient = c }
}

// New creates a new Gmail adapter
func New(opts ...Option) *Adapter {
	a := &Adapter{}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) service(ctx context.Context, accessToken string) (*gmail.Service, error) {
	if a.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	}
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))

	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if a.endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.endpoint))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

// ListThreads implements sync.MailProvider.
func (a *Adapter) ListThreads(ctx context.Context, accessToken, query string, pageSize int64, pageToken string) (*sync.ThreadPage, error) {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, &domain.FetchError{Op: "list", ID: pageToken, Err: err}
	}

	call := svc.Users.Threads.List(me).Q(query).IncludeSpamTrash(false)
	if pageSize > 0 {
		call = call.MaxResults(pageSize)
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Context(ctx).Do()
	if err != nil {
		return nil, fetchError("list", pageToken, err)
	}

	page := &sync.ThreadPage{
		IDs:           make([]string, 0, len(resp.Threads)),
		NextPageToken: resp.NextPageToken,
	}
	for _, t := range resp.Threads {
		if t != nil && t.Id != "" {
			page.IDs = append(page.IDs, t.Id)
		}
	}
	return page, nil
}

// GetThread implements sync.MailProvider.
func (a *Adapter) GetThread(ctx context.Context, accessToken, id string) (*sync.Thread, error) {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, &domain.FetchError{Op: "get", ID: id, Err: err}
	}

	t, err := svc.Users.Threads.Get(me, id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, fetchError("get", id, err)
	}
	return normalize(t), nil
}

// normalize converts a Gmail thread to the provider-neutral tree.
func normalize(t *gmail.Thread) *sync.Thread {
	out := &sync.Thread{ID: t.Id, Messages: make([]sync.Message, 0, len(t.Messages))}
	for _, m := range t.Messages {
		if m == nil {
			continue
		}
		out.Messages = append(out.Messages, sync.Message{
			ID:           m.Id,
			InternalDate: m.InternalDate,
			Payload:      convertPart(m.Payload),
		})
	}
	return out
}

func convertPart(p *gmail.MessagePart) sync.Part {
	if p == nil {
		return sync.Part{}
	}
	part := sync.Part{MimeType: p.MimeType}
	if p.Body != nil {
		part.Data = p.Body.Data
	}
	for _, child := range p.Parts {
		if child != nil {
			part.Parts = append(part.Parts, convertPart(child))
		}
	}
	return part
}

func fetchError(op, id string, err error) error {
	fe := &domain.FetchError{Op: op, ID: id, Err: err}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		fe.Status = gerr.Code
	}
	return fe
}
