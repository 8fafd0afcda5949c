package rtc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"gopkg.in/hraban/opus.v2"

	"github.com/chadiek/telecaller/internal/callsession"
)

// ErrNotLoggedIn is returned by stream operations before LoginRoom.
var ErrNotLoggedIn = errors.New("rtc: not logged into a room")

// Options configure the room engine.
type Options struct {
	SignalingURL string
	AppID        string
	AppSign      string
	ICEServers   []webrtc.ICEServer
	// OnRemotePCM receives the room's remote audio as 16kHz PCM chunks.
	OnRemotePCM func(pcm []byte)
	Dialer      *websocket.Dialer
}

// Engine joins a signaling room and publishes one Opus audio stream over pion/webrtc.
// It implements callsession.Engine and callsession.Monitor.
type Engine struct {
	opts Options

	mu        sync.Mutex
	sig       *signalingClient
	pc        *webrtc.PeerConnection
	writer    *OpusPacedWriter
	tag       string
	destroyed bool
	onLost    func(err error)
	lost      bool
}

var (
	_ callsession.Engine  = (*Engine)(nil)
	_ callsession.Monitor = (*Engine)(nil)
)

func NewEngine(opts Options) *Engine {
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if len(opts.ICEServers) == 0 {
		opts.ICEServers = ParseICEServers("")
	}
	return &Engine{opts: opts, tag: "room"}
}

func (e *Engine) signalingURL() (string, error) {
	u, err := url.Parse(e.opts.SignalingURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("rtc: invalid signaling url %q", e.opts.SignalingURL)
	}
	if e.opts.AppID != "" {
		q := u.Query()
		q.Set("appId", e.opts.AppID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (e *Engine) LoginRoom(ctx context.Context, roomID, token string, user callsession.Identity) error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return errors.New("rtc: engine destroyed")
	}
	if e.sig != nil {
		e.mu.Unlock()
		return errors.New("rtc: already logged in")
	}
	e.mu.Unlock()

	target, err := e.signalingURL()
	if err != nil {
		return err
	}
	header := http.Header{}
	if e.opts.AppSign != "" {
		header.Set("X-App-Sign", e.opts.AppSign)
	}
	sig, err := dialSignaling(ctx, e.opts.Dialer, target, header, e.addRemoteCandidate, e.signalingLost)
	if err != nil {
		return err
	}
	msg := signalMessage{Type: "login", RoomID: roomID, Token: token, UserID: user.UserID, UserName: user.UserName}
	if _, err := sig.request(ctx, msg, "login-ack"); err != nil {
		sig.close()
		return err
	}
	tag := roomID + "/" + user.UserID
	e.mu.Lock()
	e.sig = sig
	e.tag = tag
	e.lost = false
	e.mu.Unlock()
	log.Printf("[%s] logged into room", tag)
	return nil
}

// CreateStream prepares a peer connection carrying one Opus audio track.
func (e *Engine) CreateStream(ctx context.Context, c callsession.StreamConstraints) (callsession.LocalStream, error) {
	if c.Video {
		return nil, callsession.ErrVideoUnsupported
	}
	e.mu.Lock()
	sig := e.sig
	e.mu.Unlock()
	if sig == nil {
		return nil, ErrNotLoggedIn
	}

	pc, track, err := newPeer(e.opts.ICEServers)
	if err != nil {
		return nil, err
	}
	writer, err := NewOpusPacedWriter(track)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("opus encoder: %w", err)
	}

	e.mu.Lock()
	tag := e.tag
	e.mu.Unlock()
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		_ = sig.send(signalMessage{Type: "candidate", Candidate: init.Candidate, SDPMid: init.SDPMid, SDPMLineIndex: init.SDPMLineIndex})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("[%s] PeerConnection state: %s", tag, state.String())
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			e.peerLost(pc, state)
		}
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio || e.opts.OnRemotePCM == nil {
			return
		}
		log.Printf("[%s] Remote audio track received: codec=%s", tag, remote.Codec().MimeType)
		dec, err := opus.NewDecoder(16000, 1)
		if err != nil {
			log.Printf("[%s] Opus decoder error: %v", tag, err)
			return
		}
		go pumpRemoteAudio(tag, trackPayloads(remote), dec, e.opts.OnRemotePCM)
	})

	e.mu.Lock()
	e.pc, e.writer = pc, writer
	e.mu.Unlock()
	return writer, nil
}

func newPeer(servers []webrtc.ICEServer) (*webrtc.PeerConnection, *webrtc.TrackLocalStaticSample, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, nil, err
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"telecaller-audio", "telecaller",
	)
	if err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	if _, err := pc.AddTrack(track); err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	// receive the room's audio on the same connection
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	return pc, track, nil
}

// StartPublishingStream offers the stream's connection to the room and applies its answer.
func (e *Engine) StartPublishingStream(ctx context.Context, streamID string, s callsession.LocalStream) error {
	e.mu.Lock()
	sig, pc, writer, tag := e.sig, e.pc, e.writer, e.tag
	e.mu.Unlock()
	if sig == nil {
		return ErrNotLoggedIn
	}
	if pc == nil || s != callsession.LocalStream(writer) {
		return errors.New("rtc: stream was not created by this engine")
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	reply, err := sig.request(ctx, signalMessage{Type: "publish", StreamID: streamID, SDP: offer.SDP}, "answer")
	if err != nil {
		return err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: reply.SDP}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	log.Printf("[%s] publishing %s", tag, streamID)
	return nil
}

func (e *Engine) addRemoteCandidate(m signalMessage) {
	e.mu.Lock()
	pc, tag := e.pc, e.tag
	e.mu.Unlock()
	if pc == nil {
		return
	}
	if err := pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: m.Candidate, SDPMid: m.SDPMid, SDPMLineIndex: m.SDPMLineIndex}); err != nil {
		log.Printf("[%s] add ICE candidate: %v", tag, err)
	}
}

func (e *Engine) StopPublishingStream(ctx context.Context, streamID string) error {
	e.mu.Lock()
	sig := e.sig
	e.mu.Unlock()
	defer e.closePeer()
	if sig == nil {
		return ErrNotLoggedIn
	}
	if _, err := sig.request(ctx, signalMessage{Type: "unpublish", StreamID: streamID}, "unpublish-ack"); err != nil {
		return err
	}
	return nil
}

func (e *Engine) closePeer() {
	e.mu.Lock()
	pc, writer := e.pc, e.writer
	e.pc, e.writer = nil, nil
	e.mu.Unlock()
	if writer != nil {
		writer.Close()
	}
	if pc != nil {
		_ = pc.Close()
	}
}

func (e *Engine) LogoutRoom(ctx context.Context, roomID string) error {
	e.mu.Lock()
	sig := e.sig
	e.mu.Unlock()
	if sig == nil {
		return ErrNotLoggedIn
	}
	sig.leave()
	_, err := sig.request(ctx, signalMessage{Type: "logout", RoomID: roomID}, "logout-ack")
	e.mu.Lock()
	e.sig = nil
	tag := e.tag
	e.mu.Unlock()
	sig.close()
	if err != nil {
		return err
	}
	log.Printf("[%s] left room", tag)
	return nil
}

// DestroyEngine releases every resource still held. It is safe to call more than once.
func (e *Engine) DestroyEngine() error {
	e.closePeer()
	e.mu.Lock()
	sig := e.sig
	e.sig = nil
	e.destroyed = true
	e.mu.Unlock()
	if sig != nil {
		sig.close()
	}
	return nil
}

// OnDisconnect registers fn to hear about the room dropping after login: the
// room saying bye, the signaling connection breaking, or the peer connection
// failing. Leaving on purpose is not reported. fn is called at most once per login.
func (e *Engine) OnDisconnect(fn func(err error)) {
	e.mu.Lock()
	e.onLost = fn
	e.mu.Unlock()
}

func (e *Engine) signalingLost(sig *signalingClient, err error) {
	e.mu.Lock()
	current := e.sig == sig
	e.mu.Unlock()
	if current {
		e.connectionLost(err)
	}
}

func (e *Engine) peerLost(pc *webrtc.PeerConnection, state webrtc.PeerConnectionState) {
	e.mu.Lock()
	current := e.pc == pc
	e.mu.Unlock()
	if current {
		e.connectionLost(fmt.Errorf("peer connection %s", state))
	}
}

func (e *Engine) connectionLost(err error) {
	e.mu.Lock()
	if e.destroyed || e.lost {
		e.mu.Unlock()
		return
	}
	e.lost = true
	fn, tag := e.onLost, e.tag
	e.mu.Unlock()
	log.Printf("[%s] room connection lost: %v", tag, err)
	if fn != nil {
		fn(err)
	}
}
