// Package relay mints ephemeral realtime credentials with a server-held API key
// so the key never reaches the client.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	realtime "github.com/bt-bridge/realtime-console"
	"github.com/bt-bridge/realtime-console/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type sessionRequest struct {
	Model string `json:"model"`
	Voice string `json:"voice"`
}

type errorBody struct {
	Error string `json:"error"`
}

type Option func(*Relay)

// WithHTTPClient replaces the client used for upstream calls.
func WithHTTPClient(client *fasthttp.Client) Option {
	return func(r *Relay) { r.client = client }
}

type Relay struct {
	logger  shared.LoggerAdapter
	cfg     Config
	baseUrl *url.URL
	client  *fasthttp.Client
	limiter *rate.Limiter
	metrics *metrics
}

func New(logger shared.LoggerAdapter, cfg Config, opts ...Option) (*Relay, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	baseUrl, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if baseUrl.Scheme == "" || baseUrl.Host == "" {
		return nil, fmt.Errorf("parsing base URL: %q is not absolute", cfg.BaseURL)
	}
	if cfg.Model == "" || cfg.Voice == "" {
		return nil, fmt.Errorf("%w: model and voice are required", shared.ErrNoConfig)
	}
	r := &Relay{
		logger:  logger,
		cfg:     cfg,
		baseUrl: baseUrl,
		metrics: newMetrics(),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.client == nil {
		r.client = &fasthttp.Client{Name: "realtime-relay"}
	}
	if cfg.APIKey == "" {
		logger.Warn("OPENAI_API_KEY is not set, token requests will fail")
	}
	return r, nil
}

// IssueCredential creates a realtime session upstream and returns its payload
// verbatim. Every failure is an *Error.
func (r *Relay) IssueCredential(ctx context.Context) ([]byte, error) {
	if r.cfg.APIKey == "" {
		return nil, configError()
	}
	if r.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.RequestTimeout)
		defer cancel()
	}
	reqBody, err := sonic.Marshal(sessionRequest{Model: r.cfg.Model, Voice: r.cfg.Voice})
	if err != nil {
		return nil, internalError(fmt.Errorf("marshaling session request: %w", err))
	}

	var (
		status int
		body   []byte
	)
	started := time.Now()
	err = shared.RoundTrip(ctx, r.client,
		func(req *fasthttp.Request) {
			req.SetRequestURI(r.baseUrl.JoinPath("realtime", "sessions").String())
			req.Header.SetMethod(fasthttp.MethodPost)
			req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
			req.Header.SetContentType("application/json")
			req.SetBody(reqBody)
		},
		func(resp *fasthttp.Response) error {
			status = resp.StatusCode()
			body = append([]byte(nil), resp.Body()...)
			return nil
		},
	)
	r.metrics.upstream.Observe(time.Since(started).Seconds())
	if err != nil {
		return nil, internalError(err)
	}
	if status < 200 || status > 299 {
		return nil, upstreamError(status, body)
	}
	if _, err := realtime.ParseCredential(body); err != nil {
		return nil, malformedError(err)
	}
	return body, nil
}

// Handler routes the relay's HTTP surface.
func (r *Relay) Handler() fasthttp.RequestHandler {
	metricsHandler := r.metrics.handler()
	return func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/token", "/api/token":
			if !ctx.IsGet() {
				ctx.Response.Header.Set("Allow", fasthttp.MethodGet)
				writeJSONError(ctx, fasthttp.StatusMethodNotAllowed, "method not allowed")
				return
			}
			r.handleToken(ctx)
		case "/healthz":
			ctx.SetContentType("text/plain; charset=utf-8")
			ctx.SetBodyString("ok")
		case "/metrics":
			metricsHandler(ctx)
		default:
			writeJSONError(ctx, fasthttp.StatusNotFound, "not found")
		}
	}
}

func (r *Relay) handleToken(ctx *fasthttp.RequestCtx) {
	if r.limiter != nil && !r.limiter.Allow() {
		r.fail(ctx, rateLimitedError())
		return
	}
	// a server shutdown cancels the upstream call
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	body, err := r.IssueCredential(reqCtx)
	if err != nil {
		r.fail(ctx, asError(err))
		return
	}
	r.metrics.observe(outcomeIssued)
	r.logger.Info("credential issued", zap.String("model", r.cfg.Model))
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func (r *Relay) fail(ctx *fasthttp.RequestCtx, err *Error) {
	r.metrics.observe(err.Kind.String())
	if err.Kind == KindInternal || err.Kind == KindConfig {
		r.logger.Error("token route error", err, zap.Int("status", err.Status))
	} else {
		r.logger.Warn("token route error", zap.Error(err), zap.Int("status", err.Status))
	}
	writeJSONError(ctx, err.Status, err.Message)
}

func writeJSONError(ctx *fasthttp.RequestCtx, status int, msg string) {
	data, err := sonic.Marshal(errorBody{Error: msg})
	if err != nil {
		data = []byte(`{"error":"Internal server error"}`)
		status = fasthttp.StatusInternalServerError
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}

// ListenAndServe serves until ctx ends, then shuts the server down gracefully.
func (r *Relay) ListenAndServe(ctx context.Context) error {
	srv := &fasthttp.Server{
		Handler:      r.Handler(),
		Name:         "realtime-relay",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: r.cfg.RequestTimeout + 10*time.Second,
	}
	errC := make(chan error, 1)
	go func() {
		r.logger.Info("relay listening", zap.String("addr", r.cfg.Addr))
		errC <- srv.ListenAndServe(r.cfg.Addr)
	}()
	select {
	case err := <-errC:
		return err
	case <-ctx.Done():
	}
	r.logger.Info("shutting down relay")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutting down relay: %w", err)
	}
	return nil
}
