package realtime

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"path"
	"strings"

	"github.com/bt-bridge/realtime-session/shared"
	"github.com/openai/openai-go/v3/packages/param"
	openairt "github.com/openai/openai-go/v3/realtime"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/valyala/fasthttp"
)

// OpenAINegotiator posts the offer to the OpenAI Realtime calls endpoint,
// authenticating with the ephemeral token. The conversation id is the call id
// from the Location header.
type OpenAINegotiator struct {
	baseURL *url.URL
	client  httpDoer
}

var _ Negotiator = (*OpenAINegotiator)(nil)

func NewOpenAINegotiator(baseURL string) (*OpenAINegotiator, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, &shared.ConfigurationError{Message: "parsing base URL", Err: err}
	}
	return &OpenAINegotiator{baseURL: u, client: defaultHTTPClient}, nil
}

func (n *OpenAINegotiator) Negotiate(ctx context.Context, in NegotiationRequest) (*NegotiationResponse, error) {
	const op = "create realtime call"
	offer, err := withCandidates(in.LocalOffer.SDP, in.Candidates)
	if err != nil {
		return nil, fmt.Errorf("adding candidates to offer: %w", err)
	}
	sessBytes, err := openAISession(in.Params).MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshaling session: %w", err)
	}

	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)
	if err := writePart(writer, "sdp", "application/sdp", []byte(offer)); err != nil {
		return nil, err
	}
	if err := writePart(writer, "session", "application/json", sessBytes); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart writer: %w", err)
	}

	req := new(fasthttp.Request)
	resp := new(fasthttp.Response)
	req.SetRequestURI(n.baseURL.JoinPath("/realtime/calls").String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+in.EphemeralToken)
	req.Header.SetContentType(writer.FormDataContentType())
	req.SetBody(body.Bytes())

	if err := doRequest(ctx, n.client, op, req, resp, 0); err != nil {
		return nil, err
	}
	if code := resp.StatusCode(); code != fasthttp.StatusCreated && code != fasthttp.StatusOK {
		return nil, responseError(op, req, resp, nil)
	}
	out := &NegotiationResponse{
		Answer: &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: string(resp.Body())},
	}
	if loc := string(resp.Header.Peek(fasthttp.HeaderLocation)); loc != "" {
		out.ConversationID = path.Base(strings.TrimRight(loc, "/"))
	}
	return out, nil
}

func writePart(w *multipart.Writer, name, contentType string, data []byte) error {
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"`, name))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("creating %s part: %w", name, err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("writing %s part: %w", name, err)
	}
	return nil
}

func openAISession(p SessionParameters) *openairt.RealtimeSessionCreateRequestParam {
	sess := &openairt.RealtimeSessionCreateRequestParam{
		Model: p.Model,
	}
	if p.Instructions != "" {
		sess.Instructions = param.NewOpt(p.Instructions)
	}
	if p.Voice != "" {
		sess.Audio = openairt.RealtimeAudioConfigParam{
			Output: openairt.RealtimeAudioConfigOutputParam{
				Voice: openairt.RealtimeAudioConfigOutputVoice(p.Voice),
			},
		}
	}
	return sess
}

// withCandidates appends gathered candidates to the matching media sections
// so a backend that does not take them separately still sees every path.
func withCandidates(offer string, candidates []webrtc.ICECandidateInit) (string, error) {
	if len(candidates) == 0 {
		return offer, nil
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(offer)); err != nil {
		return "", err
	}
	for _, c := range candidates {
		value := strings.TrimPrefix(c.Candidate, "candidate:")
		for i, m := range desc.MediaDescriptions {
			if !candidateMatches(c, i, m) || hasCandidate(m, value) {
				continue
			}
			m.WithValueAttribute("candidate", value)
		}
	}
	out, err := desc.Marshal()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func candidateMatches(c webrtc.ICECandidateInit, index int, m *sdp.MediaDescription) bool {
	if c.SDPMid != nil {
		mid, _ := m.Attribute("mid")
		return mid == *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		return int(*c.SDPMLineIndex) == index
	}
	return index == 0
}

func hasCandidate(m *sdp.MediaDescription, value string) bool {
	for _, a := range m.Attributes {
		if a.Key == "candidate" && a.Value == value {
			return true
		}
	}
	return false
}
