package perimeter

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/peerhost/transitd/internal/drive"
	"github.com/peerhost/transitd/internal/envelope"
	"github.com/peerhost/transitd/internal/events"
	"github.com/peerhost/transitd/internal/identity"
	"github.com/peerhost/transitd/internal/inbox"
	"github.com/peerhost/transitd/internal/keyring"
	"github.com/peerhost/transitd/internal/permission"
)

// Server defaults.
const (
	DefaultMaxTransferBytes = 64 << 20
	maxControlBytes         = 1 << 20
	streamBuffer            = 64
	streamWriteTimeout      = 5 * time.Second
)

// ErrMalformedTransfer is returned for multipart bodies that cannot be
// read as a transfer.
var ErrMalformedTransfer = errors.New("perimeter: malformed transfer")

// Caller is who a perimeter request claims to come from. Identity is zero
// and Token nil when the request did not carry a usable value; the tenant
// decides what an unauthenticated caller may do.
type Caller struct {
	Identity identity.Identity
	Token    *permission.ClientAuthToken
}

// Authenticated reports whether the caller presented both an identity and a
// token.
func (c Caller) Authenticated() bool {
	return !c.Identity.IsZero() && c.Token != nil
}

// Tenant is one hosted identity as the server sees it.
type Tenant interface {
	ReceiveTransfer(ctx context.Context, caller Caller, t *Transfer) (PeerResponse, error)
	ReceiveDelete(ctx context.Context, caller Caller, r DeleteLinkedFileRequest) (PeerResponse, error)
	PublicKey() keyring.PublicKey

	CheckSystemToken(token string) bool
	ProcessOutbox(ctx context.Context) error
	ProcessInbox(ctx context.Context, target drive.TargetDrive, batchSize int) (inbox.BatchResult, error)
	Journal(ctx context.Context, q events.Query) ([]events.Event, error)
	Subscribe(buffer int) *events.Subscription
}

// TenantLookup finds the tenant a request's Host names.
type TenantLookup interface {
	TenantForHost(host string) (Tenant, bool)
}

// ServerConfig tunes the perimeter server.
type ServerConfig struct {
	MaxTransferBytes int64
}

// Server serves the perimeter and owner endpoints for every hosted tenant.
type Server struct {
	tenants TenantLookup
	cfg     ServerConfig
	logger  *slog.Logger
}

// NewServer creates a Server.
func NewServer(tenants TenantLookup, cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.MaxTransferBytes <= 0 {
		cfg.MaxTransferBytes = DefaultMaxTransferBytes
	}

	return &Server{tenants: tenants, cfg: cfg, logger: logger}
}

type tenantKey struct{}

func tenantFrom(ctx context.Context) Tenant {
	t, _ := ctx.Value(tenantKey{}).(Tenant)
	return t
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.resolveTenant)

	r.Get(PathPublicKey, s.handlePublicKey)

	r.Group(func(r chi.Router) {
		r.Use(s.limitBody(s.cfg.MaxTransferBytes))
		r.Post(PathTransit, s.handleTransit)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.limitBody(maxControlBytes))
		r.Post(PathDeleteLinkedFile, s.handleDeleteLinkedFile)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireSystemToken)
		r.Use(s.limitBody(maxControlBytes))
		r.Post(PathOutboxProcess, s.handleOutboxProcess)
		r.Post(PathInboxProcess, s.handleInboxProcess)
		r.Get(PathJournal, s.handleJournal)
		r.Get(PathStream, s.handleStream)
	})

	return r
}

// resolveTenant selects the tenant by Host; unknown hosts get 404.
func (s *Server) resolveTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}

		t, ok := s.tenants.TenantForHost(strings.ToLower(strings.TrimSuffix(host, ".")))
		if !ok {
			writeJSON(w, http.StatusNotFound, PeerResponse{Code: CodeError, Message: "unknown host"})
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey{}, t)))
	})
}

func (s *Server) limitBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}

			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")

	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}

	return strings.TrimSpace(token)
}

func (s *Server) requireSystemToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" || !tenantFrom(r.Context()).CheckSystemToken(token) {
			writeJSON(w, http.StatusUnauthorized, PeerResponse{Code: CodeRejected, Message: "system token required"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// callerOf reads the claimed sender. Malformed values are dropped rather
// than refused so the tenant's filters decide, and record, the outcome.
func callerOf(r *http.Request) Caller {
	var c Caller

	if id, err := identity.New(r.Header.Get(HeaderSender)); err == nil {
		c.Identity = id
	}

	if raw := bearerToken(r); raw != "" {
		if tok, err := permission.ParseClientAuthToken(raw); err == nil {
			c.Token = &tok
		}
	}

	return c
}

func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, tenantFrom(r.Context()).PublicKey())
}

func (s *Server) handleTransit(w http.ResponseWriter, r *http.Request) {
	t, err := readTransfer(r)
	if err != nil {
		s.writeOutcome(w, r, PeerResponse{}, err)
		return
	}

	resp, err := tenantFrom(r.Context()).ReceiveTransfer(r.Context(), callerOf(r), t)
	s.writeOutcome(w, r, resp, err)
}

func (s *Server) handleDeleteLinkedFile(w http.ResponseWriter, r *http.Request) {
	var req DeleteLinkedFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeOutcome(w, r, PeerResponse{}, fmt.Errorf("%w: %w", ErrMalformedTransfer, err))
		return
	}

	resp, err := tenantFrom(r.Context()).ReceiveDelete(r.Context(), callerOf(r), req)
	s.writeOutcome(w, r, resp, err)
}

// writeOutcome maps a tenant's answer to a status code. Rejections answer
// 403, malformed requests 400, a stale recipient key 409.
func (s *Server) writeOutcome(w http.ResponseWriter, r *http.Request, resp PeerResponse, err error) {
	var tooLarge *http.MaxBytesError

	switch {
	case err == nil && resp.Code == CodeRejected:
		writeJSON(w, http.StatusForbidden, resp)
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.As(err, &tooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge, PeerResponse{Code: CodeRejected, Message: "transfer too large"})
	case errors.Is(err, envelope.ErrUnknownRecipientKey):
		writeJSON(w, http.StatusConflict, PeerResponse{Code: CodeUnknownRecipientKey, Message: err.Error()})
	case errors.Is(err, permission.ErrForbidden), errors.Is(err, permission.ErrUnauthenticated):
		writeJSON(w, http.StatusForbidden, PeerResponse{Code: CodeRejected, Message: err.Error()})
	case errors.Is(err, envelope.ErrInvalidInstructionSet),
		errors.Is(err, envelope.ErrDecryption),
		errors.Is(err, ErrMalformedTransfer):
		writeJSON(w, http.StatusBadRequest, PeerResponse{Code: CodeRejected, Message: err.Error()})
	default:
		s.logger.Error("perimeter request failed",
			slog.String("path", r.URL.Path),
			slog.String("sender", r.Header.Get(HeaderSender)),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusInternalServerError, PeerResponse{Code: CodeError, Message: "internal error"})
	}
}

// readTransfer reads a multipart transfer into memory. The body is already
// bounded by the transfer size limit.
func readTransfer(r *http.Request) (*Transfer, error) {
	marker, err := uuid.Parse(r.Header.Get(HeaderMarker))
	if err != nil {
		return nil, fmt.Errorf("%w: missing or invalid %s", ErrMalformedTransfer, HeaderMarker)
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		return nil, fmt.Errorf("%w: want multipart/form-data", ErrMalformedTransfer)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedTransfer, err)
	}

	t := &Transfer{
		Marker:     marker,
		Payloads:   make(map[string][]byte),
		Thumbnails: make(map[drive.ThumbnailKey][]byte),
	}

	sawSet := false

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedTransfer, err)
		}

		data, err := io.ReadAll(part)
		part.Close()

		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, err
			}

			return nil, fmt.Errorf("%w: reading %s: %w", ErrMalformedTransfer, part.FormName(), err)
		}

		if err := t.addPart(part.FormName(), part.FileName(), data); err != nil {
			return nil, err
		}

		if part.FormName() == PartInstructionSet {
			sawSet = true
		}
	}

	if !sawSet {
		return nil, fmt.Errorf("%w: no %s part", ErrMalformedTransfer, PartInstructionSet)
	}

	return t, nil
}

func (t *Transfer) addPart(name, filename string, data []byte) error {
	switch name {
	case PartInstructionSet:
		if err := json.Unmarshal(data, &t.InstructionSet); err != nil {
			return fmt.Errorf("%w: decoding instruction set: %w", ErrMalformedTransfer, err)
		}
	case PartMetadata:
		t.Metadata = new(drive.FileMetadata)
		if err := json.Unmarshal(data, t.Metadata); err != nil {
			return fmt.Errorf("%w: decoding metadata: %w", ErrMalformedTransfer, err)
		}
	case PartPayload:
		if filename == "" {
			return fmt.Errorf("%w: payload part without a key", ErrMalformedTransfer)
		}

		if _, dup := t.Payloads[filename]; dup {
			return fmt.Errorf("%w: duplicate payload %q", ErrMalformedTransfer, filename)
		}

		t.Payloads[filename] = data
	case PartThumbnail:
		k, err := parseThumbnailPartName(filename)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedTransfer, err)
		}

		if _, dup := t.Thumbnails[k]; dup {
			return fmt.Errorf("%w: duplicate thumbnail %q", ErrMalformedTransfer, filename)
		}

		t.Thumbnails[k] = data
	default:
		return fmt.Errorf("%w: unexpected part %q", ErrMalformedTransfer, name)
	}

	return nil
}

func (s *Server) handleOutboxProcess(w http.ResponseWriter, r *http.Request) {
	if err := tenantFrom(r.Context()).ProcessOutbox(r.Context()); err != nil {
		s.logger.Error("outbox processing failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, OutboxProcessResponse{Success: false})

		return
	}

	writeJSON(w, http.StatusOK, OutboxProcessResponse{Success: true})
}

func (s *Server) handleInboxProcess(w http.ResponseWriter, r *http.Request) {
	var req InboxProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, PeerResponse{Code: CodeRejected, Message: "invalid request body"})
		return
	}

	if !req.TargetDrive.IsValid() {
		writeJSON(w, http.StatusBadRequest, PeerResponse{Code: CodeRejected, Message: "targetDrive required"})
		return
	}

	// Zero or less leaves the batch size to the tenant's configured default.
	res, err := tenantFrom(r.Context()).ProcessInbox(r.Context(), req.TargetDrive, max(req.BatchSize, 0))

	switch {
	case errors.Is(err, inbox.ErrUnknownDrive):
		writeJSON(w, http.StatusNotFound, PeerResponse{Code: CodeRejected, Message: err.Error()})
	case err != nil:
		s.logger.Error("inbox processing failed",
			slog.String("drive", req.TargetDrive.String()),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusInternalServerError, PeerResponse{Code: CodeError, Message: "internal error"})
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	q := events.Query{Kind: events.Kind(r.URL.Query().Get("kind"))}

	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, PeerResponse{Code: CodeRejected, Message: "since must be RFC 3339"})
			return
		}

		q.Since = since
	}

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, PeerResponse{Code: CodeRejected, Message: "limit must be a non-negative integer"})
			return
		}

		q.Limit = n
	}

	list, err := tenantFrom(r.Context()).Journal(r.Context(), q)
	if err != nil {
		s.logger.Error("reading event journal", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, PeerResponse{Code: CodeError, Message: "internal error"})

		return
	}

	if list == nil {
		list = []events.Event{}
	}

	writeJSON(w, http.StatusOK, list)
}

// handleStream pushes live events over a websocket until either side
// closes.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := tenantFrom(ctx).Subscribe(streamBuffer)
	defer sub.Close()

	// Reading is only to notice the client going away.
	readErr := make(chan error, 1)

	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub.C():
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}

			writeCtx, cancelWrite := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()

			if err != nil {
				s.logger.Debug("event stream write failed", slog.String("error", err.Error()))
				_ = conn.Close(websocket.StatusInternalError, "write failed")

				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ConstantTimeEqual compares two secrets without leaking their common
// prefix length.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
