package realtime

import (
	"errors"
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// EventsChannelLabel names the data channel carrying client-originated
// realtime events.
const EventsChannelLabel = "oai-events"

// LocalTrack is a capture-device track owned by the client.
type LocalTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Enabled() bool
	SetEnabled(enabled bool)
	// Stop releases the device. Calling it twice is a no-op.
	Stop()
}

// trackBinder is implemented by local tracks that can be attached to a pion
// sender.
type trackBinder interface {
	TrackLocal() webrtc.TrackLocal
}

// RemoteTrack is an inbound media track from the backend. *webrtc.TrackRemote
// satisfies it.
type RemoteTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Sender is the sending half of a transceiver.
type Sender interface {
	// ReplaceTrack swaps the outgoing track; nil detaches it.
	ReplaceTrack(track LocalTrack) error
}

// DataChannel is the signaling channel. *webrtc.DataChannel satisfies it.
type DataChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	SendText(s string) error
	OnOpen(f func())
	OnClose(f func())
	OnMessage(f func(msg webrtc.DataChannelMessage))
	Close() error
}

// PeerConnection is the subset of a WebRTC peer connection the client drives.
type PeerConnection interface {
	AddTransceiver(kind webrtc.RTPCodecType, direction webrtc.RTPTransceiverDirection, track LocalTrack) (Sender, error)
	CreateDataChannel(label string) (DataChannel, error)
	CreateOffer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	ICEGatheringState() webrtc.ICEGatheringState
	// OnICECandidate receives nil once gathering is finished.
	OnICECandidate(f func(c *webrtc.ICECandidateInit))
	OnICEGatheringStateChange(f func(state webrtc.ICEGatheringState))
	OnConnectionStateChange(f func(state webrtc.PeerConnectionState))
	OnICEConnectionStateChange(f func(state webrtc.ICEConnectionState))
	OnTrack(f func(track RemoteTrack))
	Close() error
}

// PeerFactory creates a PeerConnection for the given transport configuration.
type PeerFactory func(cfg webrtc.Configuration) (PeerConnection, error)

type pionPeer struct {
	pc *webrtc.PeerConnection
}

var _ PeerConnection = (*pionPeer)(nil)

// NewPionPeer is the default PeerFactory.
func NewPionPeer(cfg webrtc.Configuration) (PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	return &pionPeer{pc: pc}, nil
}

func (p *pionPeer) AddTransceiver(kind webrtc.RTPCodecType, direction webrtc.RTPTransceiverDirection, track LocalTrack) (Sender, error) {
	init := webrtc.RTPTransceiverInit{Direction: direction}
	var (
		tr  *webrtc.RTPTransceiver
		err error
	)
	if tl := bindable(track); tl != nil {
		tr, err = p.pc.AddTransceiverFromTrack(tl, init)
	} else {
		tr, err = p.pc.AddTransceiverFromKind(kind, init)
		if err == nil && tr.Sender() != nil {
			// pion attaches a placeholder track to send-capable transceivers
			err = tr.Sender().ReplaceTrack(nil)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("adding %s transceiver: %w", kind, err)
	}
	sender := tr.Sender()
	if sender == nil {
		return nil, fmt.Errorf("%s transceiver has no sender", kind)
	}
	go drainRTCP(sender)
	return &pionSender{sender: sender}, nil
}

// drainRTCP keeps interceptors (NACK, reports) running for a sender.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (p *pionPeer) CreateDataChannel(label string) (DataChannel, error) {
	dc, err := p.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, err
	}
	return dc, nil
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) ICEGatheringState() webrtc.ICEGatheringState {
	return p.pc.ICEGatheringState()
}

func (p *pionPeer) OnICECandidate(f func(c *webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			f(nil)
			return
		}
		init := c.ToJSON()
		f(&init)
	})
}

func (p *pionPeer) OnICEGatheringStateChange(f func(state webrtc.ICEGatheringState)) {
	p.pc.OnICEGatheringStateChange(func(state webrtc.ICEGathererState) {
		switch state {
		case webrtc.ICEGathererStateGathering:
			f(webrtc.ICEGatheringStateGathering)
		case webrtc.ICEGathererStateComplete:
			f(webrtc.ICEGatheringStateComplete)
		}
	})
}

func (p *pionPeer) OnConnectionStateChange(f func(state webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(f)
}

func (p *pionPeer) OnICEConnectionStateChange(f func(state webrtc.ICEConnectionState)) {
	p.pc.OnICEConnectionStateChange(f)
}

func (p *pionPeer) OnTrack(f func(track RemoteTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		f(track)
	})
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

type pionSender struct {
	sender *webrtc.RTPSender
}

func (s *pionSender) ReplaceTrack(track LocalTrack) error {
	if track == nil {
		return s.sender.ReplaceTrack(nil)
	}
	tl := bindable(track)
	if tl == nil {
		return errors.New("track " + track.ID() + " cannot be attached to a sender")
	}
	return s.sender.ReplaceTrack(tl)
}

func bindable(track LocalTrack) webrtc.TrackLocal {
	if track == nil {
		return nil
	}
	if b, ok := track.(trackBinder); ok {
		return b.TrackLocal()
	}
	return nil
}
