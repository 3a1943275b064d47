package gmail

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/dhcgn/mail-to-sheets/model"
	"github.com/dhcgn/mail-to-sheets/retry"
)

const (
	userID = "me"
	// BaseQuery scopes the listing to unread inbox messages.
	BaseQuery   = "in:inbox is:unread"
	unreadLabel = "UNREAD"
	pageSize    = 500
)

type Options struct {
	// Include narrows the listing to subjects containing any keyword.
	Include []string
	Retry   retry.Policy
}

// Client lists, fetches and marks read Gmail messages.
type Client struct {
	svc    *gmailapi.Service
	opts   Options
	query  string
	logger *slog.Logger
}

// NewService builds a Gmail API service on an authorized HTTP client.
func NewService(ctx context.Context, httpClient *http.Client, extra ...option.ClientOption) (*gmailapi.Service, error) {
	opts := append([]option.ClientOption{option.WithHTTPClient(httpClient)}, extra...)
	svc, err := gmailapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return svc, nil
}

func New(svc *gmailapi.Service, opts Options, logger *slog.Logger) (*Client, error) {
	if svc == nil {
		return nil, fmt.Errorf("gmail service must not be nil")
	}
	if opts.Retry.Logger == nil {
		opts.Retry.Logger = logger
	}
	return &Client{
		svc:    svc,
		opts:   opts,
		query:  BuildQuery(opts.Include),
		logger: logger,
	}, nil
}

// BuildQuery returns the search query for unread inbox messages whose
// subject contains any of include. Multi-word keywords are quoted.
func BuildQuery(include []string) string {
	terms := make([]string, 0, len(include))
	for _, k := range include {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		k = strings.ReplaceAll(k, `"`, "")
		if strings.ContainsAny(k, " \t") {
			k = `"` + k + `"`
		}
		terms = append(terms, k)
	}
	if len(terms) == 0 {
		return BaseQuery
	}
	return BaseQuery + " subject:(" + strings.Join(terms, " OR ") + ")"
}

func (c *Client) Query() string {
	return c.query
}

// ListCandidates returns every matching message id across all pages.
func (c *Client) ListCandidates(ctx context.Context) ([]string, error) {
	var (
		ids       []string
		pageToken string
	)
	for {
		call := c.svc.Users.Messages.List(userID).Q(c.query).MaxResults(pageSize)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := retry.DoValue(ctx, c.opts.Retry, "gmail list", func() (*gmailapi.ListMessagesResponse, error) {
			return call.Context(ctx).Do()
		})
		if err != nil {
			return nil, err
		}
		for _, m := range resp.Messages {
			if m != nil && m.Id != "" {
				ids = append(ids, m.Id)
			}
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	if c.logger != nil {
		c.logger.Debug("gmail listing complete", "query", c.query, "count", len(ids))
	}
	return ids, nil
}

func (c *Client) FetchFull(ctx context.Context, id string) (model.RawMessage, error) {
	msg, err := retry.DoValue(ctx, c.opts.Retry, "gmail get", func() (*gmailapi.Message, error) {
		return c.svc.Users.Messages.Get(userID, id).Format("full").Context(ctx).Do()
	})
	if err != nil {
		return model.RawMessage{}, err
	}
	return ToRawMessage(msg), nil
}

// Acknowledge removes the UNREAD label. Repeating it is harmless.
func (c *Client) Acknowledge(ctx context.Context, id string) error {
	req := &gmailapi.ModifyMessageRequest{RemoveLabelIds: []string{unreadLabel}}
	return retry.Do(ctx, c.opts.Retry, "gmail modify", func() error {
		_, err := c.svc.Users.Messages.Modify(userID, id, req).Context(ctx).Do()
		return err
	})
}

// ToRawMessage converts a format=full Gmail message.
func ToRawMessage(msg *gmailapi.Message) model.RawMessage {
	if msg == nil {
		return model.RawMessage{}
	}
	return model.RawMessage{
		ID:           msg.Id,
		InternalDate: msg.InternalDate,
		Payload:      convertPart(msg.Payload),
	}
}

func convertPart(p *gmailapi.MessagePart) model.Part {
	if p == nil {
		return model.Part{}
	}
	part := model.Part{MimeType: p.MimeType}
	for _, h := range p.Headers {
		if h != nil {
			part.Headers = append(part.Headers, model.Header{Name: h.Name, Value: h.Value})
		}
	}
	if p.Body != nil {
		part.Data = p.Body.Data
	}
	for _, child := range p.Parts {
		part.Parts = append(part.Parts, convertPart(child))
	}
	return part
}
