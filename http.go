package realtime

import (
	"context"
	"time"

	"github.com/bt-bridge/realtime-session/shared"
	"github.com/valyala/fasthttp"
)

// httpDoer is satisfied by *fasthttp.Client.
type httpDoer interface {
	DoTimeout(req *fasthttp.Request, resp *fasthttp.Response, timeout time.Duration) error
	Do(req *fasthttp.Request, resp *fasthttp.Response) error
}

var defaultHTTPClient httpDoer = &fasthttp.Client{
	Name: "realtime-session-go",
}

// doRequest runs req on a separate goroutine so the caller's context can
// abandon it. A zero timeout leaves the request unbounded. req and resp must
// not come from the fasthttp pools: an abandoned request keeps using them.
func doRequest(ctx context.Context, client httpDoer, op string, req *fasthttp.Request, resp *fasthttp.Response, timeout time.Duration) error {
	url := req.URI().String()
	errC := make(chan error, 1)
	go func() {
		if timeout > 0 {
			errC <- client.DoTimeout(req, resp, timeout)
			return
		}
		errC <- client.Do(req, resp)
	}()
	select {
	case <-ctx.Done():
		return &shared.TransportError{Op: op, URL: url, Err: ctx.Err()}
	case err := <-errC:
		if err != nil {
			return &shared.TransportError{Op: op, URL: url, Err: err}
		}
	}
	return nil
}

func responseError(op string, req *fasthttp.Request, resp *fasthttp.Response, err error) *shared.ResponseError {
	body := append([]byte(nil), resp.Body()...)
	if len(body) > 512 {
		body = body[:512]
	}
	return &shared.ResponseError{
		Op:          op,
		URL:         req.URI().String(),
		StatusCode:  resp.StatusCode(),
		ContentType: string(resp.Header.ContentType()),
		Body:        body,
		Err:         err,
	}
}
