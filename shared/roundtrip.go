package shared

import (
	"context"
	"fmt"

	"github.com/valyala/fasthttp"
)

// RoundTrip performs one fasthttp request while honouring ctx. The request and
// response are owned by a goroutine that releases them once the exchange ends,
// so an early return on cancellation never hands pooled objects back while
// fasthttp is still using them. handle must copy anything it keeps from resp.
func RoundTrip(
	ctx context.Context,
	client *fasthttp.Client,
	prepare func(req *fasthttp.Request),
	handle func(resp *fasthttp.Response) error,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	errC := make(chan error, 1)
	go func() {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)
		prepare(req)

		var err error
		if deadline, ok := ctx.Deadline(); ok {
			err = client.DoDeadline(req, resp, deadline)
		} else {
			err = client.Do(req, resp)
		}
		if err != nil {
			errC <- fmt.Errorf("performing HTTP request: %w", err)
			return
		}
		errC <- handle(resp)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errC:
		return err
	}
}
