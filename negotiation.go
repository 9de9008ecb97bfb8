package realtime

import (
	"context"
	"errors"

	"github.com/bt-bridge/realtime-session/shared"
	"github.com/bytedance/sonic"
	"github.com/pion/webrtc/v4"
	"github.com/valyala/fasthttp"
)

// NegotiationRequest carries everything the backend needs to answer an offer.
type NegotiationRequest struct {
	EphemeralToken string
	LocalOffer     webrtc.SessionDescription
	Candidates     []webrtc.ICECandidateInit
	Params         SessionParameters
}

type NegotiationResponse struct {
	Answer         *webrtc.SessionDescription
	ConversationID string
}

// Negotiator exchanges the local offer for the backend's answer.
type Negotiator interface {
	Negotiate(ctx context.Context, req NegotiationRequest) (*NegotiationResponse, error)
}

// validate rejects responses that lack an answer or a conversation id.
func (r *NegotiationResponse) validate() error {
	if r == nil || r.Answer == nil || r.Answer.SDP == "" {
		return &shared.ConnectionError{Err: shared.ErrMissingAnswer}
	}
	if r.ConversationID == "" {
		return &shared.ConnectionError{Err: shared.ErrMissingConversation}
	}
	return nil
}

type candidateWire struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
}

type negotiationWireRequest struct {
	EphemeralToken     string          `json:"ephemeralToken"`
	LocalOfferSDP      string          `json:"localOfferSdp"`
	GatheredCandidates []candidateWire `json:"gatheredCandidates"`
}

type negotiationWireResponse struct {
	ConversationID string `json:"conversation_id"`
	Answer         *struct {
		SDP  string `json:"sdp"`
		Type string `json:"type"`
	} `json:"answer"`
}

// JSONNegotiator posts the offer and candidates as JSON to a backend
// signaling endpoint.
type JSONNegotiator struct {
	URL    string
	client httpDoer
}

func NewJSONNegotiator(url string) *JSONNegotiator {
	return &JSONNegotiator{URL: url, client: defaultHTTPClient}
}

var _ Negotiator = (*JSONNegotiator)(nil)

func (n *JSONNegotiator) Negotiate(ctx context.Context, in NegotiationRequest) (*NegotiationResponse, error) {
	const op = "negotiate session"
	payload := negotiationWireRequest{
		EphemeralToken:     in.EphemeralToken,
		LocalOfferSDP:      in.LocalOffer.SDP,
		GatheredCandidates: make([]candidateWire, 0, len(in.Candidates)),
	}
	for _, c := range in.Candidates {
		payload.GatheredCandidates = append(payload.GatheredCandidates, candidateWire{
			Candidate:     c.Candidate,
			SDPMid:        c.SDPMid,
			SDPMLineIndex: c.SDPMLineIndex,
		})
	}
	body, err := sonic.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req := new(fasthttp.Request)
	resp := new(fasthttp.Response)
	req.SetRequestURI(n.URL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Authorization", "Bearer "+in.EphemeralToken)
	req.SetBody(body)

	if err := doRequest(ctx, n.client, op, req, resp, 0); err != nil {
		return nil, err
	}
	if code := resp.StatusCode(); code < 200 || code > 299 {
		return nil, responseError(op, req, resp, nil)
	}
	var wire negotiationWireResponse
	if err := sonic.Unmarshal(resp.Body(), &wire); err != nil {
		return nil, responseError(op, req, resp, err)
	}
	out := &NegotiationResponse{ConversationID: wire.ConversationID}
	if wire.Answer != nil {
		if wire.Answer.Type != "" && wire.Answer.Type != "answer" {
			return nil, responseError(op, req, resp, errors.New("answer has type "+wire.Answer.Type))
		}
		out.Answer = &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: wire.Answer.SDP}
	}
	return out, nil
}
