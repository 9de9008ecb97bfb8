package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/bt-bridge/realtime-session/shared"
	"github.com/bytedance/sonic"
	"github.com/pion/webrtc/v4"
	"github.com/valyala/fasthttp"
)

// SessionConfig is the short-lived material needed to open one session.
type SessionConfig struct {
	EphemeralToken string      `json:"ephemeralToken"`
	ICEServers     []ICEServer `json:"iceServers"`
}

// ICEServer accepts "urls" as either a string or a list of strings.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

func (s *ICEServer) UnmarshalJSON(data []byte) error {
	var raw struct {
		URLs       any    `json:"urls"`
		Username   string `json:"username"`
		Credential string `json:"credential"`
	}
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.URLs.(type) {
	case string:
		s.URLs = []string{v}
	case []any:
		s.URLs = make([]string, 0, len(v))
		for _, u := range v {
			str, ok := u.(string)
			if !ok {
				return errors.New("invalid element in urls")
			}
			s.URLs = append(s.URLs, str)
		}
	case nil:
		return errors.New("missing urls")
	default:
		return errors.New("invalid urls")
	}
	s.Username = raw.Username
	s.Credential = raw.Credential
	return nil
}

func (s ICEServer) webrtc() webrtc.ICEServer {
	out := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
	if s.Credential != "" {
		out.Credential = s.Credential
	}
	return out
}

// SessionConfigFetcher obtains a SessionConfig. Errors are returned to the
// caller untouched; nothing retries.
type SessionConfigFetcher func(ctx context.Context) (*SessionConfig, error)

// NewHTTPSessionConfigFetcher GETs url and decodes the JSON body. timeout
// bounds the whole request; zero means no bound.
func NewHTTPSessionConfigFetcher(url string, timeout time.Duration) SessionConfigFetcher {
	return newHTTPSessionConfigFetcher(defaultHTTPClient, url, timeout)
}

func newHTTPSessionConfigFetcher(client httpDoer, url string, timeout time.Duration) SessionConfigFetcher {
	const op = "fetch session config"
	return func(ctx context.Context) (*SessionConfig, error) {
		req := new(fasthttp.Request)
		resp := new(fasthttp.Response)
		req.SetRequestURI(url)
		req.Header.SetMethod(fasthttp.MethodGet)
		req.Header.Set("Accept", "application/json")
		if err := doRequest(ctx, client, op, req, resp, timeout); err != nil {
			return nil, err
		}
		if code := resp.StatusCode(); code < 200 || code > 299 {
			return nil, responseError(op, req, resp, nil)
		}
		cfg := new(SessionConfig)
		if err := sonic.Unmarshal(resp.Body(), cfg); err != nil {
			return nil, responseError(op, req, resp, err)
		}
		if cfg.EphemeralToken == "" {
			return nil, responseError(op, req, resp, errors.New("missing ephemeralToken"))
		}
		return cfg, nil
	}
}

func resolveFetcher(cfg Config) (SessionConfigFetcher, error) {
	if cfg.FetchSessionConfig != nil {
		return cfg.FetchSessionConfig, nil
	}
	if cfg.SessionConfigURL != "" {
		return NewHTTPSessionConfigFetcher(cfg.SessionConfigURL, cfg.Timeout), nil
	}
	return nil, &shared.ConfigurationError{Err: shared.ErrNoFetchMechanism}
}
