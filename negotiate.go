package realtime

import (
	"context"
	"fmt"

	"github.com/bt-bridge/realtime-console/shared"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const contentTypeSDP = "application/sdp"

// exchangeSDP posts the raw offer to the realtime endpoint, authorised with
// the ephemeral credential, and returns the raw answer.
func (c *Controller) exchangeSDP(ctx context.Context, cred *Credential, offer string) (string, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	endpoint := c.baseUrl.JoinPath("realtime")
	query := endpoint.Query()
	query.Set("model", c.cfg.Model)
	endpoint.RawQuery = query.Encode()

	var (
		status int
		answer string
	)
	err := shared.RoundTrip(ctx, c.httpClient,
		func(req *fasthttp.Request) {
			req.SetRequestURI(endpoint.String())
			req.Header.SetMethod(fasthttp.MethodPost)
			req.Header.Set("Authorization", "Bearer "+cred.Value())
			req.Header.SetContentType(contentTypeSDP)
			req.SetBodyString(offer)
		},
		func(resp *fasthttp.Response) error {
			status = resp.StatusCode()
			answer = string(resp.Body())
			return nil
		},
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", shared.ErrNegotiation, err)
	}
	if status < 200 || status > 299 {
		return "", fmt.Errorf("%w: unexpected status code: %d, body: %s", shared.ErrNegotiation, status, answer)
	}
	c.logger.Debug("received session answer", zap.Int("status", status), zap.Int("bytes", len(answer)))
	return answer, nil
}
