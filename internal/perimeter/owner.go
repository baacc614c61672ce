package perimeter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/oauth2"

	"github.com/peerhost/transitd/internal/drive"
	"github.com/peerhost/transitd/internal/events"
	"github.com/peerhost/transitd/internal/identity"
	"github.com/peerhost/transitd/internal/inbox"
)

// ErrSystemTokenRejected is returned when the owner endpoints refuse the
// system token.
var ErrSystemTokenRejected = errors.New("perimeter: system token rejected")

// OwnerClient calls a tenant's owner endpoints with the system token. The
// CLI uses it to drive a running server.
type OwnerClient struct {
	baseURL string
	tenant  identity.Identity
	hc      *http.Client
}

// hostTransport rewrites Host so one listener can serve several tenants
// from the same address.
type hostTransport struct {
	host string
	base http.RoundTripper
}

func (t *hostTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Host = t.host

	return t.base.RoundTrip(r)
}

// NewOwnerClient creates an OwnerClient for tenant, reached at baseURL
// (scheme and authority, no path).
func NewOwnerClient(baseURL string, tenant identity.Identity, systemToken string, timeout time.Duration) *OwnerClient {
	transport := &oauth2.Transport{
		Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: systemToken, TokenType: "Bearer"}),
		Base:   &hostTransport{host: tenant.String(), base: http.DefaultTransport},
	}

	return &OwnerClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		tenant:  tenant,
		hc:      &http.Client{Transport: transport, Timeout: timeout},
	}
}

// ProcessOutbox asks the server to run one outbox pass.
func (c *OwnerClient) ProcessOutbox(ctx context.Context) error {
	var resp OutboxProcessResponse
	if err := c.do(ctx, http.MethodPost, PathOutboxProcess, struct{}{}, &resp); err != nil {
		return err
	}

	if !resp.Success {
		return fmt.Errorf("perimeter: outbox pass on %s failed", c.tenant)
	}

	return nil
}

// ProcessInbox asks the server to apply up to batchSize inbox items for
// target.
func (c *OwnerClient) ProcessInbox(ctx context.Context, target drive.TargetDrive, batchSize int) (inbox.BatchResult, error) {
	var res inbox.BatchResult

	err := c.do(ctx, http.MethodPost, PathInboxProcess, InboxProcessRequest{TargetDrive: target, BatchSize: batchSize}, &res)

	return res, err
}

// Journal lists journaled events, newest first.
func (c *OwnerClient) Journal(ctx context.Context, q events.Query) ([]events.Event, error) {
	v := url.Values{}
	if q.Kind != "" {
		v.Set("kind", string(q.Kind))
	}

	if !q.Since.IsZero() {
		v.Set("since", q.Since.UTC().Format(time.RFC3339))
	}

	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}

	path := PathJournal
	if len(v) > 0 {
		path += "?" + v.Encode()
	}

	var list []events.Event
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}

	return list, nil
}

// Follow streams live events to fn until ctx is canceled, the server closes
// the stream, or fn returns an error.
func (c *OwnerClient) Follow(ctx context.Context, fn func(events.Event) error) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + PathStream

	// The stream is long-lived; only the dial honors the client timeout.
	hc := &http.Client{Transport: c.hc.Transport}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: hc})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return ErrSystemTokenRejected
		}

		return fmt.Errorf("%w: event stream: %w", ErrUnreachable, err)
	}
	defer conn.CloseNow() //nolint:errcheck // best effort after a normal close

	for {
		var evt events.Event
		if err := wsjson.Read(ctx, conn, &evt); err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}

			return fmt.Errorf("perimeter: reading event stream: %w", err)
		}

		if err := fn(evt); err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "done")
			return err
		}
	}
}

func (c *OwnerClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader

	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("perimeter: encoding request: %w", err)
		}

		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("perimeter: creating request: %w", err)
	}

	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrUnreachable, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxControlBytes))
	if err != nil {
		return fmt.Errorf("perimeter: reading %s response: %w", path, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrSystemTokenRejected
	case resp.StatusCode >= http.StatusMultipleChoices:
		var pr PeerResponse
		_ = json.Unmarshal(data, &pr)

		return &PeerError{StatusCode: resp.StatusCode, Response: pr, Err: classifyStatus(resp.StatusCode, pr)}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("perimeter: decoding %s response: %w", path, err)
	}

	return nil
}
