package mdm

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	_ "embed"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/kaptinlin/jsonschema"
	"golang.org/x/sync/singleflight"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/errs"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/logging"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/retry"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/validation"
)

//go:embed schema.json
var schemaJSON []byte

const (
	DefaultTimeout  = 30 * time.Second
	SignatureHeader = "X-Config-Signature"
	maxConfigBytes  = 1 << 20
)

// Client fetches policy documents over HTTPS.
type Client struct {
	url       string
	timeout   time.Duration
	caPath    string
	http      *http.Client
	exec      *retry.Executor
	publicKey ed25519.PublicKey
	schema    *jsonschema.Schema
	logger    *slog.Logger
	group     singleflight.Group
}

type ClientOption func(*Client) error

// WithCABundle pins the server certificate to the PEM bundle at path.
func WithCABundle(path string) ClientOption {
	return func(c *Client) error {
		c.caPath = path
		return nil
	}
}

func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return errs.Config("timeout must be positive", "mdm.timeout")
		}
		c.timeout = d
		return nil
	}
}

func WithRetry(e *retry.Executor) ClientOption {
	return func(c *Client) error {
		c.exec = e
		return nil
	}
}

// WithPublicKey requires every response to carry a valid signature.
func WithPublicKey(pk ed25519.PublicKey) ClientOption {
	return func(c *Client) error {
		if len(pk) != ed25519.PublicKeySize {
			return errs.Config("public key must be 32 bytes", "mdm.public_key")
		}
		c.publicKey = pk
		return nil
	}
}

// WithHTTPClient replaces the transport entirely. The CA bundle and timeout
// options are ignored when it is set.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) error {
		c.http = h
		return nil
	}
}

func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) error {
		c.logger = l
		return nil
	}
}

func NewClient(rawURL string, opts ...ClientOption) (*Client, error) {
	col := validation.NewCollector("mdm client")
	validation.Check[string](col, validation.URL{RequireHTTPS: true}, "remote_config_url", rawURL)
	if err := col.Err(); err != nil {
		return nil, err.(*validation.Error).Common()
	}
	c := &Client{url: rawURL, timeout: DefaultTimeout}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	c.logger = logging.Or(c.logger)
	if c.http == nil {
		h, err := newHTTPClient(c.caPath, c.timeout)
		if err != nil {
			return nil, err
		}
		c.http = h
	}
	if c.exec == nil {
		exec, err := retry.New(retry.DefaultConfig())
		if err != nil {
			return nil, err
		}
		c.exec = exec
	}
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile(schemaJSON)
	if err != nil {
		return nil, errs.Internal("compile mdm schema: "+err.Error(), "mdm.NewClient")
	}
	c.schema = schema
	return c, nil
}

func newHTTPClient(caPath string, timeout time.Duration) (*http.Client, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caPath != "" {
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, errs.Config("read CA bundle: "+err.Error(), "mdm.ca_bundle")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errs.Config("CA bundle contains no certificates", "mdm.ca_bundle")
		}
		tlsCfg.RootCAs = pool
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsCfg
	return &http.Client{Timeout: timeout, Transport: transport}, nil
}

func (c *Client) URL() string { return c.url }

// Fetch downloads, verifies and decodes the remote config. Concurrent calls
// share one request.
func (c *Client) Fetch(ctx context.Context) (Config, error) {
	v, err, _ := c.group.Do("fetch", func() (any, error) {
		cfg, out, err := retry.Do(ctx, c.exec, c.fetchOnce)
		if err != nil {
			c.logger.Warn("mdm fetch failed",
				slog.String("url", logging.RedactURL(c.url)),
				slog.Int("attempts", out.Attempts),
				slog.String("error", err.Error()))
			return Config{}, err
		}
		c.logger.Debug("mdm config fetched", slog.String("url", logging.RedactURL(c.url)), slog.Int("attempts", out.Attempts))
		return cfg, nil
	})
	if err != nil {
		return Config{}, err
	}
	return v.(Config).Clone(), nil
}

func (c *Client) fetchOnce(ctx context.Context) (Config, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return Config{}, errs.Config("build request: "+err.Error(), "remote_config_url")
	}
	req.Header.Set("Accept", "application/json")
	res, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Config{}, errs.FromContext(ctx.Err(), "mdm_fetch")
		}
		return Config{}, errs.Backend("mdm", err.Error(), true).WithCause(err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		msg := fmt.Sprintf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		return Config{}, errs.Backend("mdm", msg, true).WithContext("status", fmt.Sprint(res.StatusCode))
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, maxConfigBytes))
	if err != nil {
		return Config{}, errs.Backend("mdm", "read body: "+err.Error(), true).WithCause(err)
	}
	if c.publicKey != nil {
		if err := c.verify(body, res.Header.Get(SignatureHeader)); err != nil {
			return Config{}, err
		}
	}
	if result := c.schema.ValidateJSON(body); !result.IsValid() {
		return Config{}, errs.Validation("body", fmt.Sprintf("schema validation failed: %v", result.Errors), "")
	}
	return ParseConfig(body)
}

func (c *Client) verify(body []byte, header string) error {
	if header == "" {
		return errs.Unauthorized("mdm_fetch", "signed config").WithContext("reason", "missing signature")
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header))
	if err != nil {
		return errs.Unauthorized("mdm_fetch", "signed config").WithContext("reason", "malformed signature")
	}
	canonical, err := jcs.Transform(body)
	if err != nil {
		return errs.Serialization("canonicalize body: "+err.Error(), "json")
	}
	if !ed25519.Verify(c.publicKey, canonical, sig) {
		return errs.Unauthorized("mdm_fetch", "signed config").WithContext("reason", "signature mismatch")
	}
	return nil
}

// FetchAndMerge fetches the remote config and merges it into local.
func (c *Client) FetchAndMerge(ctx context.Context, local Config) (Config, error) {
	remote, err := c.Fetch(ctx)
	if err != nil {
		return Config{}, err
	}
	return local.MergeRemote(remote)
}

// Sign produces the signature header value for body. Used by tooling that
// publishes policy documents.
func Sign(priv ed25519.PrivateKey, body []byte) (string, error) {
	canonical, err := jcs.Transform(body)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, canonical)), nil
}
