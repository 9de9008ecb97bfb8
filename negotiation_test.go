package realtime

import (
	"context"
	"testing"

	"github.com/bt-bridge/realtime-session/shared"
	"github.com/bytedance/sonic"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

func testNegotiationRequest() NegotiationRequest {
	return NegotiationRequest{
		EphemeralToken: "ek_1",
		LocalOffer:     webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testOfferSDP},
		Candidates: []webrtc.ICECandidateInit{
			{Candidate: "candidate:1 1 udp 2130706431 10.0.0.2 50000 typ host", SDPMid: Ptr("0"), SDPMLineIndex: Ptr(uint16(0))},
		},
		Params: SessionParameters{Model: DefaultModel, Voice: DefaultVoice, Modalities: []Modality{ModalityAudio}},
	}
}

func TestJSONNegotiator(t *testing.T) {
	var (
		auth    string
		payload negotiationWireRequest
	)
	client := newTestServer(t, func(ctx *fasthttp.RequestCtx) {
		auth = string(ctx.Request.Header.Peek("Authorization"))
		if err := sonic.Unmarshal(ctx.PostBody(), &payload); err != nil {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			return
		}
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"conversation_id":"conv-9","answer":{"sdp":"v=0\r\nanswer\r\n","type":"answer"}}`)
	})
	n := &JSONNegotiator{URL: "http://backend.test/negotiate", client: client}

	resp, err := n.Negotiate(context.Background(), testNegotiationRequest())

	require.NoError(t, err)
	require.NoError(t, resp.validate())
	assert.Equal(t, "conv-9", resp.ConversationID)
	assert.Equal(t, webrtc.SDPTypeAnswer, resp.Answer.Type)
	assert.Equal(t, "v=0\r\nanswer\r\n", resp.Answer.SDP)

	assert.Equal(t, "Bearer ek_1", auth)
	assert.Equal(t, "ek_1", payload.EphemeralToken)
	assert.Equal(t, testOfferSDP, payload.LocalOfferSDP)
	require.Len(t, payload.GatheredCandidates, 1)
	assert.Equal(t, "0", *payload.GatheredCandidates[0].SDPMid)
	assert.Equal(t, uint16(0), *payload.GatheredCandidates[0].SDPMLineIndex)
}

func TestJSONNegotiator_Responses(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		contentType string
		body        string
		sentinel    error
		respErr     bool
	}{
		{
			name:        "missing answer",
			status:      fasthttp.StatusOK,
			contentType: "application/json",
			body:        `{"conversation_id":"conv-9"}`,
			sentinel:    shared.ErrMissingAnswer,
		},
		{
			name:        "missing conversation id",
			status:      fasthttp.StatusOK,
			contentType: "application/json",
			body:        `{"answer":{"sdp":"v=0\r\n","type":"answer"}}`,
			sentinel:    shared.ErrMissingConversation,
		},
		{
			name:        "answer of wrong type",
			status:      fasthttp.StatusOK,
			contentType: "application/json",
			body:        `{"conversation_id":"c","answer":{"sdp":"v=0\r\n","type":"offer"}}`,
			respErr:     true,
		},
		{
			name:        "HTML page",
			status:      fasthttp.StatusNotFound,
			contentType: "text/html",
			body:        "<html><body>not found</body></html>",
			respErr:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestServer(t, func(ctx *fasthttp.RequestCtx) {
				ctx.SetStatusCode(tt.status)
				ctx.SetContentType(tt.contentType)
				ctx.SetBodyString(tt.body)
			})
			n := &JSONNegotiator{URL: "http://backend.test/negotiate", client: client}

			resp, err := n.Negotiate(context.Background(), testNegotiationRequest())
			if tt.respErr {
				var respErr *shared.ResponseError
				require.ErrorAs(t, err, &respErr)
				return
			}
			require.NoError(t, err)
			err = resp.validate()
			var connErr *shared.ConnectionError
			require.ErrorAs(t, err, &connErr)
			assert.ErrorIs(t, err, tt.sentinel)
		})
	}
}

func TestNegotiationResponse_ValidateNil(t *testing.T) {
	var resp *NegotiationResponse
	assert.ErrorIs(t, resp.validate(), shared.ErrMissingAnswer)
}
