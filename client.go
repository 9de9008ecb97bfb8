package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bt-bridge/realtime-session/shared"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Client runs one realtime session at a time against the configured
// backend. All methods are safe for concurrent use.
type Client struct {
	logger     shared.LoggerAdapter
	store      *ConfigStore
	media      MediaAcquirer
	newPeer    PeerFactory
	negotiator Negotiator
	iceTimeout time.Duration
	persistent Callbacks
	dispatch   map[EventType]func(*InboundEvent)

	// mediaMu serializes microphone and camera changes.
	mediaMu sync.Mutex

	mu             sync.Mutex
	state          ConnectionState
	epoch          uint64 // bumped by every cleanup; stale transport events are dropped
	listening      bool
	conversationID string
	items          []ConversationItem
	overrides      ParamsUpdate
	params         SessionParameters
	callbacks      Callbacks
	micOn          bool
	cameraOn       bool
	position       CameraPosition

	pc          PeerConnection
	dc          DataChannel
	audioSender Sender
	videoSender Sender
	audioTrack  LocalTrack
	videoTrack  LocalTrack

	subs   []subscriber
	nextID int
}

type subscriber struct {
	id int
	f  func(Snapshot)
}

type ClientOption func(*Client) error

func WithLogger(logger shared.LoggerAdapter) ClientOption {
	return func(c *Client) error {
		if logger == nil {
			return shared.ErrNoLogger
		}
		c.logger = logger
		return nil
	}
}

func WithMediaAcquirer(m MediaAcquirer) ClientOption {
	return func(c *Client) error {
		c.media = m
		return nil
	}
}

func WithPeerFactory(f PeerFactory) ClientOption {
	return func(c *Client) error {
		c.newPeer = f
		return nil
	}
}

// WithNegotiator overrides the negotiator chosen from the configuration.
func WithNegotiator(n Negotiator) ClientOption {
	return func(c *Client) error {
		c.negotiator = n
		return nil
	}
}

// WithCallbacks sets the persistent callbacks. StartOptions.Callbacks
// override them per session.
func WithCallbacks(cb Callbacks) ClientOption {
	return func(c *Client) error {
		c.persistent = cb
		return nil
	}
}

// NewClient builds a client reading configuration from store, or from the
// default store when store is nil.
func NewClient(store *ConfigStore, opts ...ClientOption) (*Client, error) {
	if store == nil {
		store = defaultStore
	}
	c := &Client{
		store:      store,
		newPeer:    NewPionPeer,
		iceTimeout: ICEGatherTimeout,
		state:      StateClosed,
		position:   CameraFront,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	cfg := c.configOrDefault()
	if cfg.CameraPosition != "" {
		c.position = cfg.CameraPosition
	}
	if c.logger == nil {
		c.logger = shared.NewStdLogger(cfg.LogLevel)
	}
	c.logger = c.logger.With(zap.String("component", "realtime"))
	if c.media == nil {
		c.media = NewDeviceAcquirer(c.logger)
	}
	c.params = cfg.Params()
	c.callbacks = c.persistent
	c.dispatch = map[EventType]func(*InboundEvent){
		ServerEventTypeUserTranscriptionCompleted: c.onUserTranscription,
		ServerEventTypeAssistantResponseDone:      c.onAssistantResponse,
		ServerEventTypeSessionCreated:             c.onSessionCreated,
		ServerEventTypeSessionUpdated:             c.onSessionUpdated,
		ServerEventTypeConversationCreated:        c.onConversationCreated,
	}
	return c, nil
}

func (c *Client) configOrDefault() Config {
	cfg, err := c.store.Get()
	if err != nil {
		return defaultConfig()
	}
	return cfg
}

// StartSession negotiates a new session and returns once it is connected.
// Precondition failures return *shared.ConfigurationError or
// *shared.SessionError; everything else returns *shared.ConnectionError after
// the client has been cleaned up back to StateClosed.
func (c *Client) StartSession(ctx context.Context, opts *StartOptions) error {
	if opts == nil {
		opts = &StartOptions{}
	}
	callbacks := c.persistent.merge(opts.Callbacks)
	cfg, err := c.store.Get()
	if err != nil {
		c.logger.Error("starting session", err)
		if callbacks.OnError != nil {
			callbacks.OnError(err)
		}
		return err
	}

	c.mu.Lock()
	if c.state != StateClosed {
		state := c.state
		c.mu.Unlock()
		err := &shared.SessionError{
			Message: fmt.Sprintf("cannot start while %s", state),
			Err:     shared.ErrSessionAlreadyActive,
		}
		c.logger.Warn("session already active", zap.String("state", string(state)))
		if callbacks.OnError != nil {
			callbacks.OnError(err)
		}
		return err
	}
	c.callbacks = callbacks
	c.items = nil
	c.params = opts.Params.apply(c.overrides.apply(cfg.Params()))
	if c.micOn {
		c.params = c.params.withModality(ModalityAudio)
	}
	if c.cameraOn {
		c.params = c.params.withModality(ModalityVideo)
	}
	c.state = StateConnecting
	c.conversationID = ""
	c.listening = false
	epoch := c.epoch
	params := c.params.clone()
	c.mu.Unlock()

	c.logger.Info(
		"starting session",
		zap.Uint64("epoch", epoch),
		zap.String("model", params.Model),
		zap.String("voice", params.Voice),
	)
	c.emitState(StateConnecting)

	conversationID, err := c.connect(ctx, cfg, epoch)
	if err != nil {
		return c.failStart(epoch, err)
	}
	c.logger.Info("session started", zap.String("conversationId", conversationID))
	if f := c.currentCallbacks().OnSessionStart; f != nil {
		f(conversationID)
	}
	return nil
}

func (c *Client) connect(ctx context.Context, cfg Config, epoch uint64) (string, error) {
	fetch, err := resolveFetcher(cfg)
	if err != nil {
		return "", err
	}
	negotiator, err := c.resolveNegotiator(cfg)
	if err != nil {
		return "", err
	}

	sc, err := fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("fetching session config: %w", err)
	}
	if sc == nil || sc.EphemeralToken == "" {
		return "", &shared.ConnectionError{Message: "session config has no ephemeral token"}
	}

	pc, err := c.buildPeer(ctx, cfg, sc, epoch)
	if err != nil {
		return "", err
	}

	offer, err := pc.CreateOffer()
	if err != nil {
		return "", fmt.Errorf("creating offer: %w", err)
	}
	gatherer := newICEGatherer(pc, c.iceTimeout)
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	candidates, complete, err := gatherer.Wait(ctx)
	if err != nil {
		return "", fmt.Errorf("gathering ICE candidates: %w", err)
	}
	if !complete {
		c.logger.Warn("ICE gathering timed out, sending partial candidates", zap.Int("candidates", len(candidates)))
	} else {
		c.logger.Debug("ICE gathering complete", zap.Int("candidates", len(candidates)))
	}

	resp, err := negotiator.Negotiate(ctx, NegotiationRequest{
		EphemeralToken: sc.EphemeralToken,
		LocalOffer:     offer,
		Candidates:     candidates,
		Params:         c.Params(),
	})
	if err != nil {
		return "", fmt.Errorf("negotiating session: %w", err)
	}
	if err := resp.validate(); err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.epoch != epoch || c.pc != pc {
		c.mu.Unlock()
		return "", &shared.ConnectionError{Err: shared.ErrSessionEnded}
	}
	c.state = StateConnected
	c.conversationID = resp.ConversationID
	c.mu.Unlock()
	c.emitState(StateConnected)

	if err := pc.SetRemoteDescription(*resp.Answer); err != nil {
		return "", fmt.Errorf("setting remote description: %w", err)
	}

	// Parameters are pushed by the data channel's open handler.
	c.mu.Lock()
	if c.epoch == epoch {
		c.listening = true
	}
	c.mu.Unlock()
	return resp.ConversationID, nil
}

func (c *Client) resolveNegotiator(cfg Config) (Negotiator, error) {
	if c.negotiator != nil {
		return c.negotiator, nil
	}
	if cfg.NegotiationURL != "" {
		return NewJSONNegotiator(cfg.NegotiationURL), nil
	}
	return NewOpenAINegotiator(cfg.BaseURL)
}

// buildPeer creates the transport: an audio transceiver carrying the
// microphone, a track-less video transceiver and the events data channel.
func (c *Client) buildPeer(ctx context.Context, cfg Config, sc *SessionConfig, epoch uint64) (PeerConnection, error) {
	servers := make([]webrtc.ICEServer, 0, len(sc.ICEServers))
	for _, s := range sc.ICEServers {
		servers = append(servers, s.webrtc())
	}
	pc, err := c.newPeer(webrtc.Configuration{
		ICEServers:           servers,
		ICETransportPolicy:   webrtc.ICETransportPolicyAll,
		ICECandidatePoolSize: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		_ = pc.Close()
		return nil, &shared.ConnectionError{Err: shared.ErrSessionEnded}
	}
	c.pc = pc
	audio, video := c.audioTrack, c.videoTrack
	c.mu.Unlock()
	c.listenTransport(pc, epoch)

	if audio == nil {
		stream, err := c.media.InitializeMedia(ctx, DeriveConstraints(cfg, CameraFront, true, false))
		if err != nil {
			return nil, fmt.Errorf("acquiring microphone: %w", err)
		}
		if stream == nil || stream.Audio == nil {
			return nil, &shared.PermissionError{Err: shared.ErrNoAudioTrack}
		}
		audio = stream.Audio
		c.mu.Lock()
		if c.epoch != epoch {
			c.mu.Unlock()
			audio.Stop()
			return nil, &shared.ConnectionError{Err: shared.ErrSessionEnded}
		}
		c.audioTrack = audio
		c.micOn = true
		c.params = c.params.withModality(ModalityAudio)
		c.mu.Unlock()
	}

	audioSender, err := pc.AddTransceiver(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverDirectionSendrecv, audio)
	if err != nil {
		return nil, err
	}
	videoSender, err := pc.AddTransceiver(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverDirectionSendonly, video)
	if err != nil {
		return nil, err
	}
	dc, err := pc.CreateDataChannel(EventsChannelLabel)
	if err != nil {
		return nil, fmt.Errorf("creating data channel: %w", err)
	}
	c.listenChannel(dc, epoch)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return nil, &shared.ConnectionError{Err: shared.ErrSessionEnded}
	}
	c.audioSender = audioSender
	c.videoSender = videoSender
	c.dc = dc
	return pc, nil
}

func (c *Client) failStart(epoch uint64, cause error) error {
	c.mu.Lock()
	current := c.epoch == epoch
	if current {
		c.state = StateFailed
		c.conversationID = ""
	}
	c.mu.Unlock()
	c.logger.Error("starting session failed", cause)
	if current {
		c.emitState(StateFailed)
		c.cleanup()
	}

	var (
		cfgErr  *shared.ConfigurationError
		sessErr *shared.SessionError
		connErr *shared.ConnectionError
		err     error
	)
	switch {
	case errors.As(cause, &cfgErr), errors.As(cause, &sessErr):
		err = cause
	case errors.As(cause, &connErr) && connErr == cause:
		err = cause
	default:
		err = &shared.ConnectionError{Message: shared.Describe(cause), Err: cause}
	}
	c.emitError(err)
	return err
}

// EndSession releases local media and tears the session down. Cleanup
// failures go to the error callback; the client always ends in StateClosed.
func (c *Client) EndSession() {
	c.logger.Info("ending session")
	callbacks := c.currentCallbacks()
	c.cleanup()
	if callbacks.OnSessionEnd != nil {
		callbacks.OnSessionEnd()
	}
}

// cleanup detaches every handle under the lock and releases them outside
// it, so a second call finds nothing left to do.
func (c *Client) cleanup() {
	c.mu.Lock()
	prev := c.state
	audio, video := c.audioTrack, c.videoTrack
	audioSender, videoSender := c.audioSender, c.videoSender
	pc, dc := c.pc, c.dc
	c.audioTrack, c.videoTrack = nil, nil
	c.audioSender, c.videoSender = nil, nil
	c.pc, c.dc = nil, nil
	c.conversationID = ""
	c.state = StateClosed
	c.listening = false
	c.micOn, c.cameraOn = false, false
	c.position = CameraFront
	c.epoch++
	c.mu.Unlock()

	var errs []error
	for _, t := range []LocalTrack{audio, video} {
		if t != nil {
			t.SetEnabled(false)
			t.Stop()
		}
	}
	for _, s := range []Sender{audioSender, videoSender} {
		if s == nil {
			continue
		}
		if err := s.ReplaceTrack(nil); err != nil {
			errs = append(errs, fmt.Errorf("detaching sender: %w", err))
		}
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing peer connection: %w", err))
		}
	}
	if dc != nil {
		if err := dc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing data channel: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		c.emitError(err)
	}
	if prev != StateClosed {
		c.logger.Info("session closed", zap.String("prev", string(prev)))
		c.emitState(StateClosed)
		return
	}
	c.publish()
}

func (c *Client) listenTransport(pc PeerConnection, epoch uint64) {
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.handleConnectionState(epoch, state)
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		c.logger.Debug("ice connection state changed", zap.String("state", state.String()))
	})
	pc.OnTrack(func(track RemoteTrack) {
		c.handleRemoteTrack(epoch, track)
	})
}

func (c *Client) listenChannel(dc DataChannel, epoch uint64) {
	dc.OnOpen(func() {
		c.handleChannelOpen(epoch)
	})
	dc.OnClose(func() {
		c.logger.Debug("data channel closed", zap.String("label", dc.Label()))
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.handleMessage(epoch, msg)
	})
}

func (c *Client) isCurrent(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch == epoch
}

func (c *Client) handleConnectionState(epoch uint64, state webrtc.PeerConnectionState) {
	c.mu.Lock()
	current := c.epoch == epoch
	listening := c.listening
	sessionState := c.state
	c.mu.Unlock()
	if !current {
		return
	}
	c.logger.Trace(
		"peer connection state changed",
		zap.String("transport", state.String()),
		zap.String("session", string(sessionState)),
	)
	switch state {
	case webrtc.PeerConnectionStateConnected:
		if sessionState == StateConnected {
			if f := c.currentCallbacks().OnSessionConnected; f != nil {
				f()
			}
		}
	case webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateClosed:
		if listening && sessionState == StateConnected {
			c.logger.Warn("transport lost, closing session", zap.String("transport", state.String()))
			callbacks := c.currentCallbacks()
			c.cleanup()
			if callbacks.OnSessionEnd != nil {
				callbacks.OnSessionEnd()
			}
		}
	}
}

func (c *Client) handleRemoteTrack(epoch uint64, track RemoteTrack) {
	if !c.isCurrent(epoch) {
		return
	}
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		c.logger.Debug("ignoring remote track", zap.String("kind", track.Kind().String()))
		return
	}
	c.logger.Info("received remote audio track", zap.String("id", track.ID()))
	if f := c.currentCallbacks().OnRemoteTrack; f != nil {
		f(track)
	}
}

func (c *Client) handleChannelOpen(epoch uint64) {
	if !c.isCurrent(epoch) {
		return
	}
	c.logger.Info("data channel opened")
	c.pushParams()
}

func (c *Client) handleMessage(epoch uint64, msg webrtc.DataChannelMessage) {
	if !c.isCurrent(epoch) {
		return
	}
	if !msg.IsString {
		c.logger.Warn("received non-string message on data channel")
	}
	event, err := ParseEvent(msg.Data)
	if err != nil {
		c.logger.Error("can not parse event", err, zap.ByteString("data", msg.Data))
		c.emitError(fmt.Errorf("parsing data channel message: %w", err))
		return
	}
	handler, ok := c.dispatch[event.Type]
	if !ok {
		c.logger.Trace("ignoring event", zap.String("type", string(event.Type)))
		return
	}
	c.logger.Debug("received event", zap.String("type", string(event.Type)))
	handler(event)
}

func (c *Client) onUserTranscription(event *InboundEvent) {
	text := event.FirstText("transcript", "text", "message")
	c.appendItem(SenderUser, text, func(item *ConversationItem, p SessionParameters) {
		item.ModelVersion = p.Model
	})
}

func (c *Client) onAssistantResponse(event *InboundEvent) {
	text := event.FirstText("text", "message", "transcript")
	c.appendItem(SenderAssistant, text, func(item *ConversationItem, p SessionParameters) {
		item.VoiceType = p.Voice
		item.ModelVersion = p.Model
	})
}

func (c *Client) appendItem(sender Sender, text string, tag func(*ConversationItem, SessionParameters)) {
	if text == "" {
		c.logger.Debug("dropping empty conversation item", zap.String("sender", string(sender)))
		return
	}
	c.mu.Lock()
	if c.conversationID == "" {
		c.mu.Unlock()
		c.logger.Debug("conversation id unknown, dropping item", zap.String("sender", string(sender)))
		return
	}
	item := ConversationItem{
		ID:             uuid.NewString(),
		ConversationID: c.conversationID,
		Sender:         sender,
		Content:        ItemContent{Message: text},
		Timestamp:      time.Now(),
	}
	tag(&item, c.params)
	c.items = append(c.items, item)
	f := c.callbacks.OnConversationItemCreated
	c.mu.Unlock()
	if f != nil {
		f(item)
	}
	c.publish()
}

func (c *Client) onSessionCreated(event *InboundEvent) {
	if f := c.currentCallbacks().OnSessionCreated; f != nil {
		f(event)
	}
}

func (c *Client) onSessionUpdated(event *InboundEvent) {
	if f := c.currentCallbacks().OnSessionUpdated; f != nil {
		f(event)
	}
}

func (c *Client) onConversationCreated(event *InboundEvent) {
	if f := c.currentCallbacks().OnConversationCreated; f != nil {
		f(event)
	}
}

// pushParams sends the current parameters when the session is connected.
func (c *Client) pushParams() bool {
	return c.sendEvent(newSessionUpdate(c.Params()))
}

// sendEvent is a no-op unless the session is connected and the data channel
// is open.
func (c *Client) sendEvent(event OutboundEvent) bool {
	c.mu.Lock()
	state, dc := c.state, c.dc
	c.mu.Unlock()
	if state != StateConnected || dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		c.logger.Debug("not sending event, channel not ready", zap.String("event", string(event.Event)))
		return false
	}
	data, err := event.Marshal()
	if err != nil {
		c.emitError(fmt.Errorf("marshaling %s: %w", event.Event, err))
		return false
	}
	if err := dc.SendText(string(data)); err != nil {
		c.emitError(fmt.Errorf("sending %s: %w", event.Event, err))
		return false
	}
	return true
}

func (c *Client) currentCallbacks() Callbacks {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callbacks
}

func (c *Client) emitError(err error) {
	c.logger.Error("realtime client error", err)
	if f := c.currentCallbacks().OnError; f != nil {
		f(err)
	}
}

func (c *Client) emitState(state ConnectionState) {
	if f := c.currentCallbacks().OnConnectionStateChange; f != nil {
		f(state)
	}
	c.publish()
}

// Subscribe registers f to receive a Snapshot after every observable
// change. The returned function removes the subscription.
func (c *Client) Subscribe(f func(Snapshot)) (cancel func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs = append(c.subs, subscriber{id: id, f: f})
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

func (c *Client) publish() {
	c.mu.Lock()
	if len(c.subs) == 0 {
		c.mu.Unlock()
		return
	}
	snap := c.snapshotLocked()
	subs := make([]subscriber, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()
	for _, s := range subs {
		s.f(snap)
	}
}

func (c *Client) snapshotLocked() Snapshot {
	items := make([]ConversationItem, len(c.items))
	copy(items, c.items)
	return Snapshot{
		ConnectionState:   c.state,
		ConversationID:    c.conversationID,
		ConversationItems: items,
		MicOn:             c.micOn,
		CameraOn:          c.cameraOn,
		CameraPosition:    c.position,
		Params:            c.params.clone(),
	}
}

func (c *Client) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Client) ConnectionState() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConversationID is empty until negotiation completes.
func (c *Client) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

func (c *Client) ConversationItems() []ConversationItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	items := make([]ConversationItem, len(c.items))
	copy(items, c.items)
	return items
}

func (c *Client) IsMicOn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.micOn
}

func (c *Client) IsCameraOn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cameraOn
}

func (c *Client) CameraPosition() CameraPosition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position
}

func (c *Client) Params() SessionParameters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params.clone()
}
