package perimeter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sort"
	"time"

	"golang.org/x/oauth2"

	"github.com/peerhost/transitd/internal/identity"
	"github.com/peerhost/transitd/internal/keyring"
	"github.com/peerhost/transitd/internal/permission"
)

// Retry and backoff constants for idempotent reads.
const (
	maxRetries       = 3
	baseBackoff      = 500 * time.Millisecond
	maxBackoff       = 10 * time.Second
	backoffFactor    = 2.0
	jitterFraction   = 0.25
	DefaultUserAgent = "transitd/0.1"

	// maxResponseBytes bounds how much of a peer's answer is read.
	maxResponseBytes = 64 << 10
)

// PeerURLFunc returns the base URL of a peer's perimeter.
type PeerURLFunc func(peer identity.Identity) string

// DefaultPeerURL addresses a peer by its identity over HTTPS.
func DefaultPeerURL(peer identity.Identity) string {
	return "https://" + peer.String()
}

// Client pushes transfers to peers and fetches their public keys.
// Transfers are sent once; retrying them is the outbox's job.
type Client struct {
	httpClient *http.Client
	peerURL    PeerURLFunc
	userAgent  string
	logger     *slog.Logger

	// sleepFunc is called to wait between retries. Tests override it.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a perimeter client.
func NewClient(httpClient *http.Client, peerURL PeerURLFunc, userAgent string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if peerURL == nil {
		peerURL = DefaultPeerURL
	}

	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	return &Client{
		httpClient: httpClient,
		peerURL:    peerURL,
		userAgent:  userAgent,
		logger:     logger,
		sleepFunc:  timeSleep,
	}
}

// authorized returns an HTTP client that presents token as a bearer
// credential on every request.
func (c *Client) authorized(token permission.ClientAuthToken) *http.Client {
	base := c.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	return &http.Client{
		Timeout:       c.httpClient.Timeout,
		CheckRedirect: c.httpClient.CheckRedirect,
		Jar:           c.httpClient.Jar,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.String(), TokenType: "Bearer"}),
			Base:   base,
		},
	}
}

// SendTransfer posts t to recipient on behalf of sender. A response the
// peer does not count as accepted comes back as *PeerError; failing to
// reach the peer wraps ErrUnreachable.
func (c *Client) SendTransfer(ctx context.Context, recipient, sender identity.Identity,
	token permission.ClientAuthToken, t *Transfer,
) (PeerResponse, error) {
	body, contentType, err := encodeTransfer(t)
	if err != nil {
		return PeerResponse{}, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, recipient, PathTransit, bytes.NewReader(body))
	if err != nil {
		return PeerResponse{}, err
	}

	req.Header.Set("Content-Type", contentType)
	req.Header.Set(HeaderSender, sender.String())
	req.Header.Set(HeaderMarker, t.Marker.String())

	return c.exchange(c.authorized(token), req)
}

// DeleteLinkedFile asks recipient to delete its copy of a file.
func (c *Client) DeleteLinkedFile(ctx context.Context, recipient, sender identity.Identity,
	token permission.ClientAuthToken, r DeleteLinkedFileRequest,
) (PeerResponse, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return PeerResponse{}, fmt.Errorf("perimeter: encoding delete request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, recipient, PathDeleteLinkedFile, bytes.NewReader(data))
	if err != nil {
		return PeerResponse{}, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSender, sender.String())

	return c.exchange(c.authorized(token), req)
}

func (c *Client) newRequest(ctx context.Context, method string, peer identity.Identity, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.peerURL(peer)+path, body)
	if err != nil {
		return nil, fmt.Errorf("perimeter: creating request: %w", err)
	}

	// Peers are virtual hosts named by their identity, whatever address
	// the URL resolves to.
	req.Host = peer.String()
	req.Header.Set("User-Agent", c.userAgent)

	return req, nil
}

// exchange sends req once and decodes the peer's response.
func (c *Client) exchange(hc *http.Client, req *http.Request) (PeerResponse, error) {
	resp, err := hc.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return PeerResponse{}, fmt.Errorf("perimeter: request canceled: %w", req.Context().Err())
		}

		return PeerResponse{}, fmt.Errorf("%w: %s %s: %w", ErrUnreachable, req.Method, req.URL.Host, err)
	}
	defer resp.Body.Close()

	var pr PeerResponse

	data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if readErr == nil && len(data) > 0 {
		if err := json.Unmarshal(data, &pr); err != nil {
			pr = PeerResponse{Message: string(data)}
		}
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices && pr.Code.Accepted() {
		c.logger.Debug("peer accepted request",
			slog.String("url", req.URL.String()),
			slog.String("code", string(pr.Code)),
		)

		return pr, nil
	}

	sentinel := classifyStatus(resp.StatusCode, pr)
	if sentinel == nil {
		// A 2xx without an accepting code.
		sentinel = ErrBadRequest
	}

	return pr, &PeerError{StatusCode: resp.StatusCode, Response: pr, Err: sentinel}
}

// PublicKey fetches peer's current transfer public key, retrying transient
// failures with backoff.
func (c *Client) PublicKey(ctx context.Context, peer identity.Identity) (keyring.PublicKey, error) {
	var attempt int

	for {
		key, err := c.publicKeyOnce(ctx, peer)
		if err == nil {
			return key, nil
		}

		if ctx.Err() != nil {
			return keyring.PublicKey{}, fmt.Errorf("perimeter: request canceled: %w", ctx.Err())
		}

		var pe *PeerError

		retryable := errors.Is(err, ErrUnreachable) || (errors.As(err, &pe) && pe.Retryable())
		if !retryable || attempt >= maxRetries {
			return keyring.PublicKey{}, err
		}

		backoff := c.calcBackoff(attempt)
		c.logger.Warn("retrying public key fetch",
			slog.String("peer", peer.String()),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		if err := c.sleepFunc(ctx, backoff); err != nil {
			return keyring.PublicKey{}, fmt.Errorf("perimeter: request canceled: %w", err)
		}

		attempt++
	}
}

func (c *Client) publicKeyOnce(ctx context.Context, peer identity.Identity) (keyring.PublicKey, error) {
	req, err := c.newRequest(ctx, http.MethodGet, peer, PathPublicKey, nil)
	if err != nil {
		return keyring.PublicKey{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return keyring.PublicKey{}, fmt.Errorf("%w: fetching key of %s: %w", ErrUnreachable, peer, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return keyring.PublicKey{}, fmt.Errorf("%w: reading key of %s: %w", ErrUnreachable, peer, err)
	}

	if resp.StatusCode != http.StatusOK {
		var pr PeerResponse
		_ = json.Unmarshal(data, &pr)

		sentinel := classifyStatus(resp.StatusCode, pr)
		if sentinel == nil {
			sentinel = ErrBadRequest
		}

		return keyring.PublicKey{}, &PeerError{StatusCode: resp.StatusCode, Response: pr, Err: sentinel}
	}

	var key keyring.PublicKey
	if err := json.Unmarshal(data, &key); err != nil {
		return keyring.PublicKey{}, fmt.Errorf("perimeter: decoding key of %s: %w", peer, err)
	}

	if err := key.Validate(); err != nil {
		return keyring.PublicKey{}, fmt.Errorf("perimeter: key of %s: %w", peer, err)
	}

	return key, nil
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand

	return time.Duration(backoff + jitter)
}

// timeSleep waits for the given duration or until the context is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// encodeTransfer renders t as a multipart body. Parts are written in a
// fixed order: envelope, metadata, payloads by key, thumbnails by key.
func encodeTransfer(t *Transfer) ([]byte, string, error) {
	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)

	set, err := json.Marshal(t.InstructionSet)
	if err != nil {
		return nil, "", fmt.Errorf("perimeter: encoding instruction set: %w", err)
	}

	if err := writePart(mw, PartInstructionSet, "", "application/json", set); err != nil {
		return nil, "", err
	}

	if t.Metadata != nil {
		meta, err := json.Marshal(t.Metadata)
		if err != nil {
			return nil, "", fmt.Errorf("perimeter: encoding metadata: %w", err)
		}

		if err := writePart(mw, PartMetadata, "", "application/json", meta); err != nil {
			return nil, "", err
		}
	}

	keys := make([]string, 0, len(t.Payloads))
	for k := range t.Payloads {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		if err := writePart(mw, PartPayload, k, "application/octet-stream", t.Payloads[k]); err != nil {
			return nil, "", err
		}
	}

	thumbs := make([]string, 0, len(t.Thumbnails))
	byName := make(map[string][]byte, len(t.Thumbnails))

	for k, data := range t.Thumbnails {
		name := thumbnailPartName(k)
		thumbs = append(thumbs, name)
		byName[name] = data
	}

	sort.Strings(thumbs)

	for _, name := range thumbs {
		if err := writePart(mw, PartThumbnail, name, "application/octet-stream", byName[name]); err != nil {
			return nil, "", err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("perimeter: closing multipart body: %w", err)
	}

	return buf.Bytes(), mw.FormDataContentType(), nil
}

func writePart(mw *multipart.Writer, name, filename, contentType string, data []byte) error {
	h := make(textproto.MIMEHeader)

	disposition := fmt.Sprintf(`form-data; name=%q`, name)
	if filename != "" {
		disposition += fmt.Sprintf(`; filename=%q`, filename)
	}

	h.Set("Content-Disposition", disposition)
	h.Set("Content-Type", contentType)

	w, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("perimeter: creating %s part: %w", name, err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("perimeter: writing %s part: %w", name, err)
	}

	return nil
}
