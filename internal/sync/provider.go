package sync

import (
	"context"
)

// ThreadPage is one page of thread search results.
type ThreadPage struct {
	IDs           []string
	NextPageToken string
}

// Part is one node of a message's MIME tree. Data is the body as the
// provider transports it: URL-safe base64, not yet decoded.
type Part struct {
	MimeType string
	Data     string
	Parts    []Part
}

// Message is one message in a thread.
type Message struct {
	ID           string
	InternalDate int64 // unix millis
	Payload      Part
}

// Thread is a conversation with its messages oldest first.
type Thread struct {
	ID       string
	Messages []Message
}

// Latest returns the newest message, or false for an empty thread.
func (t *Thread) Latest() (Message, bool) {
	if t == nil || len(t.Messages) == 0 {
		return Message{}, false
	}
	return t.Messages[len(t.Messages)-1], true
}

// MailProvider is the mailbox API the pipeline reads from. Errors should be
// *domain.FetchError so callers can tell fetch failures apart.
type MailProvider interface {
	// ListThreads returns one page of thread ids matching query.
	ListThreads(ctx context.Context, accessToken, query string, pageSize int64, pageToken string) (*ThreadPage, error)

	// GetThread returns the full message tree of a thread.
	GetThread(ctx context.Context, accessToken, id string) (*Thread, error)
}
