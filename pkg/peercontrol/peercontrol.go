// Package peercontrol implements short request/response calls to peer
// storage nodes: fetching a peer's suffix-hash manifest and fetching
// individual fragment bodies during rebuild.
//
// Grounded on pkg/cache/upstream/cache.go: an http.Client wrapped with
// otelhttp.NewTransport, status-code-to-error-kind mapping, and an optional
// netrc credential sent as basic auth to every peer.
package peercontrol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/objectfs/reconstructord/pkg/job"
)

const (
	otelPackageName    = "github.com/objectfs/reconstructord/pkg/peercontrol"
	defaultHTTPTimeout = 60 * time.Second
)

// ErrKind is the error-kind taxonomy from the error handling design: each
// non-2xx peer response, and each transport failure, maps to exactly one of
// these.
type ErrKind int

const (
	TransientPeer ErrKind = iota
	NotMountedPeer
	NotFoundPeer
	ClientError
	ServerError
	Timeout
	InvalidPeerResponse
)

func (k ErrKind) String() string {
	switch k {
	case TransientPeer:
		return "transient_peer"
	case NotMountedPeer:
		return "not_mounted_peer"
	case NotFoundPeer:
		return "not_found_peer"
	case ClientError:
		return "client_error"
	case ServerError:
		return "server_error"
	case Timeout:
		return "timeout"
	case InvalidPeerResponse:
		return "invalid_peer_response"
	default:
		return "unknown"
	}
}

// Error wraps an ErrKind with the underlying cause.
type Error struct {
	Kind ErrKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("peercontrol: %s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// NetrcCredentials holds the single basic-auth credential a Client sends to
// every peer, loaded from a netrc file by the caller (cmd/serve.go's
// parseNetrcFile precedent).
type NetrcCredentials struct {
	Username string
	Password string
}

// Client performs requests against peers' object-server HTTP dialect; each
// call names the peer it targets.
type Client struct {
	httpClient *http.Client
	creds      *NetrcCredentials
	breaker    *CircuitBreaker
}

// Options configures a new Client.
type Options struct {
	Timeout time.Duration
	Creds   *NetrcCredentials
	Breaker *CircuitBreaker
}

// New constructs a Client.
func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	dt := http.DefaultTransport.(*http.Transport).Clone() //nolint:forcetypeassert
	dt.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext
	dt.ResponseHeaderTimeout = timeout

	breaker := opts.Breaker
	if breaker == nil {
		breaker = NewCircuitBreaker(CircuitBreakerConfig{})
	}

	return &Client{
		httpClient: &http.Client{Transport: otelhttp.NewTransport(dt), Timeout: timeout},
		creds:      opts.Creds,
		breaker:    breaker,
	}
}

//nolint:gochecknoglobals
var tracer = otel.Tracer(otelPackageName)

func peerURL(d job.Device, path string) string {
	return fmt.Sprintf("http://%s:%d%s", d.ReplicationIP, d.ReplicationPort, path)
}

// FetchSuffixHashes issues a REPLICATE request for device/partition,
// returning the peer's serialized suffix-hash manifest. If suffixes is
// non-empty, those suffixes are recalculated on the peer before it replies.
func (c *Client) FetchSuffixHashes(
	ctx context.Context, peer job.Device, partition int, policy string, suffixes []string,
) (job.Manifest, error) {
	path := fmt.Sprintf("/%s/%d", peer.Device, partition)
	if len(suffixes) > 0 {
		path += "/" + joinSuffixes(suffixes)
	}

	u := peerURL(peer, path)

	ctx, span := tracer.Start(ctx, "peercontrol.FetchSuffixHashes",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("peer", peer.String()), attribute.String("url", u)),
	)
	defer span.End()

	resp, err := c.do(ctx, "REPLICATE", u, nil, "replicate")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var m struct {
		Suffixes map[string]map[string]string `json:"suffixes"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, &Error{Kind: InvalidPeerResponse, Err: fmt.Errorf("error decoding manifest body: %w", err)}
	}

	out := job.Manifest{}

	for suffix, submap := range m.Suffixes {
		sh := job.SuffixHashes{}

		for k, hash := range submap {
			if k == "durable" {
				sh[job.DurableKey()] = hash

				continue
			}

			idx, convErr := parseFragIndexString(k)
			if convErr != nil {
				continue
			}

			sh[job.FragIndexKey(idx)] = hash
		}

		out[suffix] = sh
	}

	return out, nil
}

// FragmentResponse is a single peer's answer to FetchFragment.
type FragmentResponse struct {
	Body           io.ReadCloser
	ETag           string
	FragIndex      int
	BackendTimestamp string
}

// FetchFragment issues a fragment GET for an object, attaching the
// X-Backend-Fragment-Preferences header the source protocol defines.
// The caller must close Body.
func (c *Client) FetchFragment(
	ctx context.Context, peer job.Device, partition int, policy, objectPath string,
	preferences []FragmentPreference,
) (*FragmentResponse, error) {
	u := peerURL(peer, fmt.Sprintf("/%s/%d/%s", peer.Device, partition, objectPath))

	ctx, span := tracer.Start(ctx, "peercontrol.FetchFragment",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("peer", peer.String()), attribute.String("url", u)),
	)
	defer span.End()

	var prefHeader string

	if len(preferences) > 0 {
		b, err := json.Marshal(preferences)
		if err == nil {
			prefHeader = string(b)
		}
	}

	resp, err := c.do(ctx, http.MethodGet, u, func(r *http.Request) {
		if prefHeader != "" {
			r.Header.Set("X-Backend-Fragment-Preferences", prefHeader)
		}
	}, "fetch_fragment")
	if err != nil {
		return nil, err
	}

	fr := &FragmentResponse{
		Body:             resp.Body,
		ETag:             resp.Header.Get("X-Object-Sysmeta-Ec-Etag"),
		BackendTimestamp: resp.Header.Get("X-Backend-Timestamp"),
	}

	fiStr := resp.Header.Get("X-Object-Sysmeta-Ec-Frag-Index")

	idx, convErr := parseFragIndexString(fiStr)
	if convErr != nil {
		resp.Body.Close()

		return nil, &Error{
			Kind: InvalidPeerResponse,
			Err:  fmt.Errorf("invalid or missing fragment index header %q: %w", fiStr, convErr),
		}
	}

	fr.FragIndex = idx

	if fr.ETag == "" || fr.BackendTimestamp == "" {
		resp.Body.Close()

		return nil, &Error{Kind: InvalidPeerResponse, Err: errors.New("missing required etag or timestamp header")}
	}

	return fr, nil
}

// FragmentPreference mirrors the peer wire surface's
// X-Backend-Fragment-Preferences JSON body.
type FragmentPreference struct {
	Timestamp string `json:"timestamp"`
	Exclude   []int  `json:"exclude"`
}

func (c *Client) do(ctx context.Context, method, u string, mutate func(*http.Request), op string) (*http.Response, error) {
	if !c.breaker.CanAttempt() {
		return nil, &Error{Kind: TransientPeer, Err: fmt.Errorf("circuit open for %s", u)}
	}

	r, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, &Error{Kind: InvalidPeerResponse, Err: err}
	}

	if c.creds != nil {
		r.SetBasicAuth(c.creds.Username, c.creds.Password)
	}

	if mutate != nil {
		mutate(r)
	}

	resp, err := c.httpClient.Do(r)
	if err != nil {
		c.breaker.RecordFailure()

		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, &Error{Kind: Timeout, Err: err}
		}

		return nil, &Error{Kind: TransientPeer, Err: err}
	}

	if resp.StatusCode == http.StatusOK {
		c.breaker.RecordSuccess()

		return resp, nil
	}

	//nolint:errcheck
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// B3: no warning on 404.
		return nil, &Error{Kind: NotFoundPeer, Err: fmt.Errorf("%s: 404", op)}
	case resp.StatusCode == http.StatusInsufficientStorage:
		c.breaker.RecordFailure()

		return nil, &Error{Kind: NotMountedPeer, Err: fmt.Errorf("%s: 507 unmounted", op)}
	case resp.StatusCode >= 500:
		c.breaker.RecordFailure()

		return nil, &Error{Kind: ServerError, Err: fmt.Errorf("%s: %d", op, resp.StatusCode)}
	case resp.StatusCode >= 400:
		return nil, &Error{Kind: ClientError, Err: fmt.Errorf("%s: %d", op, resp.StatusCode)}
	default:
		return nil, &Error{Kind: TransientPeer, Err: fmt.Errorf("%s: unexpected status %d", op, resp.StatusCode)}
	}
}

func joinSuffixes(suffixes []string) string {
	out := suffixes[0]

	for _, s := range suffixes[1:] {
		out += "-" + s
	}

	return out
}

func parseFragIndexString(s string) (int, error) {
	var n int

	_, err := fmt.Sscanf(s, "%d", &n)
	if err != nil {
		return 0, err
	}

	return n, nil
}
