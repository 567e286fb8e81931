package collect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/vishnu0414/email-attachment-download/auth"
)

// ErrSearchFailed means the provider rejected the query or was unreachable.
// Callers receive it together with an empty result, never a silently
// truncated one.
var ErrSearchFailed = errors.New("message search failed")

// MessageRef identifies one mail message returned by a search.
type MessageRef struct {
	ID       string
	ThreadID string
}

// Client wraps the Gmail API for one connected mailbox. The credential
// store is an explicit dependency: every API call draws its token through
// the store, so a refresh is always persisted and tests can point the
// client at a fake endpoint.
type Client struct {
	service   *gmail.Service
	creds     *auth.Store
	throttler *rate.Limiter
}

func NewClient(ctx context.Context, creds *auth.Store) (*Client, error) {
	if _, err := creds.EnsureFresh(ctx); err != nil {
		return nil, fmt.Errorf("failed to obtain fresh credential: %w", err)
	}
	service, err := gmail.NewService(ctx, option.WithTokenSource(creds.TokenSource(ctx)))
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}
	return &Client{
		service:   service,
		creds:     creds,
		throttler: rate.NewLimiter(50, 5),
	}, nil
}

// Search runs one paged list call and returns up to maxResults message
// references in provider order.
func (c *Client) Search(ctx context.Context, query string, maxResults int64) ([]MessageRef, error) {
	if _, err := c.creds.EnsureFresh(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSearchFailed, err)
	}
	if maxResults <= 0 {
		maxResults = 100
	}

	call := c.service.Users.Messages.List("me").Q(query).MaxResults(maxResults).Context(ctx)
	var list *gmail.ListMessagesResponse
	var lastErr error
	for i := 0; i < MaxRetryCount; i++ {
		if err := c.throttler.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSearchFailed, err)
		}
		list, lastErr = call.Do()
		if lastErr == nil {
			break
		}
		if !isRetryError(lastErr) {
			break
		}
		slog.Info(fmt.Sprintf("Got retryable error for query: %s. Attempt #: %d of %d.", query, i+1, MaxRetryCount))
		time.Sleep(SleepTime)
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: query %q: %v", ErrSearchFailed, query, lastErr)
	}

	refs := make([]MessageRef, 0, len(list.Messages))
	for _, m := range list.Messages {
		refs = append(refs, MessageRef{ID: m.Id, ThreadID: m.ThreadId})
	}
	return refs, nil
}

// GetMessage fetches the full structure of one message.
func (c *Client) GetMessage(ctx context.Context, id string) (*gmail.Message, error) {
	if err := c.throttler.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter error: %w", err)
	}
	msg, err := c.service.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return msg, nil
}

// Profile returns the email address of the connected mailbox.
func (c *Client) Profile(ctx context.Context) (string, error) {
	profile, err := c.service.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to get user profile from Gmail API: %w", err)
	}
	return profile.EmailAddress, nil
}
