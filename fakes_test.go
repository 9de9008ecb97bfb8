package realtime

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/bt-bridge/realtime-session/shared"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

type fakeTrack struct {
	id   string
	kind webrtc.RTPCodecType

	mu      sync.Mutex
	enabled bool
	stopped int
}

func newFakeTrack(id string, kind webrtc.RTPCodecType) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, enabled: true}
}

func (t *fakeTrack) ID() string                { return t.id }
func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped++
}

func (t *fakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped > 0
}

type fakeSender struct {
	mu     sync.Mutex
	tracks []LocalTrack
	err    error
}

func (s *fakeSender) ReplaceTrack(track LocalTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, track)
	return s.err
}

// Current is the last track handed to the sender.
func (s *fakeSender) Current() LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tracks) == 0 {
		return nil
	}
	return s.tracks[len(s.tracks)-1]
}

type fakeChannel struct {
	label string

	mu        sync.Mutex
	state     webrtc.DataChannelState
	sent      []string
	closed    bool
	onOpen    func()
	onClose   func()
	onMessage func(webrtc.DataChannelMessage)
}

func (d *fakeChannel) Label() string { return d.label }

func (d *fakeChannel) ReadyState() webrtc.DataChannelState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *fakeChannel) SendText(s string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, s)
	return nil
}

func (d *fakeChannel) OnOpen(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onOpen = f
}

func (d *fakeChannel) OnClose(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onClose = f
}

func (d *fakeChannel) OnMessage(f func(webrtc.DataChannelMessage)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onMessage = f
}

func (d *fakeChannel) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.state = webrtc.DataChannelStateClosed
	return nil
}

func (d *fakeChannel) open() {
	d.mu.Lock()
	d.state = webrtc.DataChannelStateOpen
	f := d.onOpen
	d.mu.Unlock()
	if f != nil {
		f()
	}
}

func (d *fakeChannel) deliver(s string) {
	d.mu.Lock()
	f := d.onMessage
	d.mu.Unlock()
	f(webrtc.DataChannelMessage{IsString: true, Data: []byte(s)})
}

func (d *fakeChannel) Sent() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent...)
}

func (d *fakeChannel) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

type fakeTransceiver struct {
	kind      webrtc.RTPCodecType
	direction webrtc.RTPTransceiverDirection
	track     LocalTrack
	sender    *fakeSender
}

type fakePeer struct {
	cfg webrtc.Configuration
	// candidates are emitted on SetLocalDescription, followed by the
	// end-of-gathering marker unless stallGathering is set.
	candidates     []webrtc.ICECandidateInit
	stallGathering bool

	mu           sync.Mutex
	transceivers []*fakeTransceiver
	channel      *fakeChannel
	local        *webrtc.SessionDescription
	remote       *webrtc.SessionDescription
	gathered     bool
	closed       int
	onCandidate  func(*webrtc.ICECandidateInit)
	onGathering  func(webrtc.ICEGatheringState)
	onConnection func(webrtc.PeerConnectionState)
	onTrack      func(RemoteTrack)
}

func newFakePeer() *fakePeer {
	return &fakePeer{
		candidates: []webrtc.ICECandidateInit{
			{Candidate: "candidate:1 1 udp 2130706431 10.0.0.2 50000 typ host", SDPMid: Ptr("0"), SDPMLineIndex: Ptr(uint16(0))},
			{Candidate: "candidate:2 1 udp 1694498815 203.0.113.7 50001 typ srflx", SDPMid: Ptr("0"), SDPMLineIndex: Ptr(uint16(0))},
		},
	}
}

func (p *fakePeer) AddTransceiver(kind webrtc.RTPCodecType, direction webrtc.RTPTransceiverDirection, track LocalTrack) (Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &fakeSender{}
	p.transceivers = append(p.transceivers, &fakeTransceiver{kind: kind, direction: direction, track: track, sender: s})
	return s, nil
}

func (p *fakePeer) CreateDataChannel(label string) (DataChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channel = &fakeChannel{label: label, state: webrtc.DataChannelStateConnecting}
	return p.channel, nil
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\nfake-offer\r\n"}, nil
}

func (p *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	p.local = &desc
	onCandidate, onGathering := p.onCandidate, p.onGathering
	p.mu.Unlock()
	for i := range p.candidates {
		onCandidate(&p.candidates[i])
	}
	if !p.stallGathering {
		p.mu.Lock()
		p.gathered = true
		p.mu.Unlock()
		onCandidate(nil)
		if onGathering != nil {
			onGathering(webrtc.ICEGatheringStateComplete)
		}
	}
	return nil
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = &desc
	return nil
}

func (p *fakePeer) ICEGatheringState() webrtc.ICEGatheringState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gathered {
		return webrtc.ICEGatheringStateComplete
	}
	return webrtc.ICEGatheringStateGathering
}

func (p *fakePeer) OnICECandidate(f func(*webrtc.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = f
}

func (p *fakePeer) OnICEGatheringStateChange(f func(webrtc.ICEGatheringState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onGathering = f
}

func (p *fakePeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnection = f
}

func (p *fakePeer) OnICEConnectionStateChange(func(webrtc.ICEConnectionState)) {}

func (p *fakePeer) OnTrack(f func(RemoteTrack)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = f
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *fakePeer) setConnectionState(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	f := p.onConnection
	p.mu.Unlock()
	f(state)
}

func (p *fakePeer) emitTrack(track RemoteTrack) {
	p.mu.Lock()
	f := p.onTrack
	p.mu.Unlock()
	f(track)
}

func (p *fakePeer) transceiver(kind webrtc.RTPCodecType) *fakeTransceiver {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.transceivers {
		if t.kind == kind {
			return t
		}
	}
	return nil
}

func (p *fakePeer) dataChannel() *fakeChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel
}

func (p *fakePeer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed > 0
}

type fakeRemoteTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t *fakeRemoteTrack) ID() string                { return t.id }
func (t *fakeRemoteTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *fakeRemoteTrack) Codec() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{RTPCodecCapability: opusCapability}
}

func (t *fakeRemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, io.EOF
}

type fakeMedia struct {
	mu     sync.Mutex
	err    error
	calls  []MediaConstraints
	audios []*fakeTrack
	videos []*fakeTrack
}

func (m *fakeMedia) InitializeMedia(ctx context.Context, c MediaConstraints) (*MediaStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
	if m.err != nil {
		return nil, m.err
	}
	out := &MediaStream{}
	if c.Audio {
		t := newFakeTrack("mic", webrtc.RTPCodecTypeAudio)
		m.audios = append(m.audios, t)
		out.Audio = t
	}
	if c.Video != nil {
		t := newFakeTrack("camera-"+string(c.Video.FacingMode), webrtc.RTPCodecTypeVideo)
		m.videos = append(m.videos, t)
		out.Video = t
	}
	return out, nil
}

func (m *fakeMedia) Calls() []MediaConstraints {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MediaConstraints(nil), m.calls...)
}

func (m *fakeMedia) lastAudio() *fakeTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audios[len(m.audios)-1]
}

func (m *fakeMedia) lastVideo() *fakeTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.videos[len(m.videos)-1]
}

type fakeNegotiator struct {
	mu     sync.Mutex
	resp   *NegotiationResponse
	err    error
	during func()
	reqs   []NegotiationRequest
}

func (n *fakeNegotiator) Negotiate(ctx context.Context, req NegotiationRequest) (*NegotiationResponse, error) {
	n.mu.Lock()
	n.reqs = append(n.reqs, req)
	resp, err, during := n.resp, n.err, n.during
	n.mu.Unlock()
	if during != nil {
		during()
	}
	return resp, err
}

func (n *fakeNegotiator) lastRequest() NegotiationRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reqs[len(n.reqs)-1]
}

// recorder collects every callback invocation.
type recorder struct {
	mu        sync.Mutex
	errs      []error
	states    []ConnectionState
	items     []ConversationItem
	started   []string
	ended     int
	connected int
	updated   int
	remote    []RemoteTrack
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnSessionStart: func(id string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.started = append(r.started, id)
		},
		OnSessionEnd: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.ended++
		},
		OnSessionConnected: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.connected++
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
		OnConnectionStateChange: func(state ConnectionState) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, state)
		},
		OnConversationItemCreated: func(item ConversationItem) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.items = append(r.items, item)
		},
		OnSessionUpdated: func(*InboundEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.updated++
		},
		OnRemoteTrack: func(track RemoteTrack) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.remote = append(r.remote, track)
		},
	}
}

func (r *recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) States() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnectionState(nil), r.states...)
}

type harness struct {
	store      *ConfigStore
	media      *fakeMedia
	negotiator *fakeNegotiator
	rec        *recorder

	mu    sync.Mutex
	peers []*fakePeer
	// configure runs on every new peer before it is returned.
	configure func(*fakePeer)
}

func (h *harness) peer() *fakePeer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peers[len(h.peers)-1]
}

func testFetcher(ctx context.Context) (*SessionConfig, error) {
	return &SessionConfig{
		EphemeralToken: "ek_test",
		ICEServers:     []ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}},
	}, nil
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := NewConfigStore()
	require.NoError(t, store.Init(Config{
		FetchSessionConfig: testFetcher,
		Temperature:        Ptr(0.6),
	}))
	return &harness{
		store: store,
		media: &fakeMedia{},
		negotiator: &fakeNegotiator{resp: &NegotiationResponse{
			Answer:         &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\nfake-answer\r\n"},
			ConversationID: "conv-123",
		}},
		rec: &recorder{},
	}
}

func (h *harness) client(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(
		h.store,
		WithLogger(shared.NewNopLogger()),
		WithMediaAcquirer(h.media),
		WithNegotiator(h.negotiator),
		WithCallbacks(h.rec.callbacks()),
		WithPeerFactory(func(cfg webrtc.Configuration) (PeerConnection, error) {
			p := newFakePeer()
			p.cfg = cfg
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.configure != nil {
				h.configure(p)
			}
			h.peers = append(h.peers, p)
			return p, nil
		}),
	)
	require.NoError(t, err)
	c.iceTimeout = 50 * time.Millisecond
	return c
}

// started returns a client with a connected session.
func (h *harness) started(t *testing.T) *Client {
	t.Helper()
	c := h.client(t)
	require.NoError(t, c.StartSession(context.Background(), nil))
	return c
}
