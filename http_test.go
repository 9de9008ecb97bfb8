package realtime

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/bt-bridge/realtime-session/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

// newTestServer serves h over an in-memory listener and returns a client
// dialing it regardless of the request host.
func newTestServer(t *testing.T, h fasthttp.RequestHandler) *fasthttp.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: h}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		_ = srv.Shutdown()
		_ = ln.Close()
	})
	return &fasthttp.Client{
		Dial: func(string) (net.Conn, error) { return ln.Dial() },
	}
}

func unreachableClient() *fasthttp.Client {
	return &fasthttp.Client{
		Dial: func(string) (net.Conn, error) { return nil, errors.New("connection refused") },
	}
}

func TestDoRequest_Cancelled(t *testing.T) {
	release := make(chan struct{})
	client := newTestServer(t, func(ctx *fasthttp.RequestCtx) {
		<-release
	})
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithCancel(context.Background())
	req, resp := new(fasthttp.Request), new(fasthttp.Response)
	req.SetRequestURI("http://backend.test/slow")
	go cancel()

	err := doRequest(ctx, client, "slow call", req, resp, 0)

	var transportErr *shared.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "slow call", transportErr.Op)
}

// rewritingDoer touches the request the way a redirect-following client
// would, then stalls until released.
type rewritingDoer struct {
	started chan struct{}
	release chan struct{}
}

func (d *rewritingDoer) Do(req *fasthttp.Request, resp *fasthttp.Response) error {
	req.SetRequestURI("http://redirected.test/elsewhere")
	close(d.started)
	<-d.release
	return nil
}

func (d *rewritingDoer) DoTimeout(req *fasthttp.Request, resp *fasthttp.Response, _ time.Duration) error {
	return d.Do(req, resp)
}

func TestDoRequest_CancelledReportsRequestedURL(t *testing.T) {
	doer := &rewritingDoer{started: make(chan struct{}), release: make(chan struct{})}
	t.Cleanup(func() { close(doer.release) })

	ctx, cancel := context.WithCancel(context.Background())
	req, resp := new(fasthttp.Request), new(fasthttp.Response)
	req.SetRequestURI("http://backend.test/slow")
	go func() {
		<-doer.started
		cancel()
	}()

	err := doRequest(ctx, doer, "slow call", req, resp, 0)

	var transportErr *shared.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "http://backend.test/slow", transportErr.URL)
}

func TestResponseError_TruncatesBody(t *testing.T) {
	req, resp := new(fasthttp.Request), new(fasthttp.Response)
	req.SetRequestURI("http://backend.test/x")
	resp.SetStatusCode(fasthttp.StatusBadGateway)
	resp.Header.SetContentType("text/plain")
	resp.SetBody(make([]byte, 2048))

	err := responseError("op", req, resp, nil)

	assert.Len(t, err.Body, 512)
	assert.Equal(t, fasthttp.StatusBadGateway, err.StatusCode)
	assert.Equal(t, "text/plain", err.ContentType)
}
