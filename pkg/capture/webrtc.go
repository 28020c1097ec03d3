package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"

	"github.com/teslashibe/go-friendwatch/internal/log"
)

const (
	nalTypeSPS = 7

	// maxGOPBytes caps the buffered group of pictures; past it the buffer is
	// dropped until the next keyframe
	maxGOPBytes = 4 << 20
)

// signalMessage is the union of GStreamer webrtcsink signalling messages we use
type signalMessage struct {
	Type      string         `json:"type"`
	PeerID    string         `json:"peerId,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Producers []producerInfo `json:"producers,omitempty"`
	SDP       *sdpPayload    `json:"sdp,omitempty"`
	ICE       *icePayload    `json:"ice,omitempty"`
}

type producerInfo struct {
	ID   string            `json:"id"`
	Meta map[string]string `json:"meta"`
}

type sdpPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type icePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
}

// WebRTCSource receives an H264 video track through GStreamer signalling and
// decodes it to frames
type WebRTCSource struct {
	config  Config
	decoder H264Decoder
	logger  *slog.Logger

	ws   *websocket.Conn
	wsMu sync.Mutex
	pc   *webrtc.PeerConnection

	peerID     string
	producerID string
	sessionMu  sync.Mutex
	sessionID  string

	trackReady chan struct{}
	gopCh      chan []byte

	frameMu  sync.Mutex
	latest   image.Image
	seq      uint64
	lastRead uint64
	notify   chan struct{}

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewWebRTC creates an unconnected WebRTC source using ffmpeg for decoding
func NewWebRTC(cfg Config) *WebRTCSource {
	return NewWebRTCWithDecoder(cfg, NewFFmpegDecoder())
}

// NewWebRTCWithDecoder creates an unconnected WebRTC source with a custom decoder
func NewWebRTCWithDecoder(cfg Config, dec H264Decoder) *WebRTCSource {
	return &WebRTCSource{
		config:     cfg,
		decoder:    dec,
		logger:     log.With("component", "capture", "backend", BackendWebRTC),
		trackReady: make(chan struct{}, 1),
		gopCh:      make(chan []byte, 1),
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

func (w *WebRTCSource) signallingURL() string {
	return "ws://" + net.JoinHostPort(w.config.Host, strconv.Itoa(w.config.SignallingPort))
}

// Connect establishes the WebRTC session and waits for the video track
func (w *WebRTCSource) Connect(ctx context.Context) error {
	w.logger.Info("connecting to signalling server", "url", w.signallingURL())

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	ws, _, err := dialer.DialContext(ctx, w.signallingURL(), nil)
	if err != nil {
		return fmt.Errorf("%w: signalling connect failed: %v", ErrOpen, err)
	}
	w.ws = ws

	if err := w.handshake(); err != nil {
		return fmt.Errorf("%w: %v", ErrOpen, err)
	}
	w.logger.Debug("found producer", "peer_id", w.peerID, "producer_id", w.producerID)

	if err := w.createPeerConnection(); err != nil {
		return fmt.Errorf("%w: peer connection failed: %v", ErrOpen, err)
	}
	if err := w.writeJSON(signalMessage{Type: "startSession", PeerID: w.producerID}); err != nil {
		return fmt.Errorf("%w: start session failed: %v", ErrOpen, err)
	}

	go w.handleSignalling()
	go w.decodeLoop()

	select {
	case <-w.trackReady:
		w.logger.Info("video track connected")
		return nil
	case <-time.After(15 * time.Second):
		return fmt.Errorf("%w: timeout waiting for video", ErrOpen)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handshake waits for the welcome message and picks the producer to subscribe to
func (w *WebRTCSource) handshake() error {
	welcome, err := w.readMessage(10 * time.Second)
	if err != nil {
		return fmt.Errorf("welcome failed: %w", err)
	}
	if welcome.Type != "welcome" {
		return fmt.Errorf("expected welcome, got %s", welcome.Type)
	}
	w.peerID = welcome.PeerID

	if err := w.writeJSON(signalMessage{Type: "list"}); err != nil {
		return fmt.Errorf("list producers: %w", err)
	}
	list, err := w.readMessage(5 * time.Second)
	if err != nil {
		return fmt.Errorf("list producers: %w", err)
	}

	for _, p := range list.Producers {
		if w.config.ProducerName == "" || p.Meta["name"] == w.config.ProducerName {
			w.producerID = p.ID
			return nil
		}
	}
	return fmt.Errorf("producer %q not found in %d producers", w.config.ProducerName, len(list.Producers))
}

func (w *WebRTCSource) readMessage(timeout time.Duration) (signalMessage, error) {
	var msg signalMessage
	w.ws.SetReadDeadline(time.Now().Add(timeout))
	defer w.ws.SetReadDeadline(time.Time{})

	_, data, err := w.ws.ReadMessage()
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("parse signalling message: %w", err)
	}
	return msg, nil
}

func (w *WebRTCSource) writeJSON(msg signalMessage) error {
	w.wsMu.Lock()
	defer w.wsMu.Unlock()
	return w.ws.WriteJSON(msg)
}

func (w *WebRTCSource) createPeerConnection() error {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return err
	}
	w.pc = pc

	// Receive video only
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		return err
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		w.logger.Info("got track", "kind", track.Kind().String(), "codec", track.Codec().MimeType)
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go w.handleVideoTrack(track)
		}
	})

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate != nil {
			w.sendICECandidate(candidate)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		w.logger.Debug("connection state", "state", state.String())
	})

	return nil
}

func (w *WebRTCSource) handleSignalling() {
	for !w.closed.Load() {
		_, data, err := w.ws.ReadMessage()
		if err != nil {
			if !w.closed.Load() {
				w.logger.Warn("signalling error", "error", err)
			}
			return
		}

		var msg signalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			w.logger.Debug("ignoring malformed signalling message", "error", err)
			continue
		}

		switch msg.Type {
		case "sessionStarted":
			w.sessionMu.Lock()
			w.sessionID = msg.SessionID
			w.sessionMu.Unlock()
		case "peer":
			w.handlePeerMessage(msg)
		case "endSession":
			w.logger.Info("producer ended the session")
			return
		}
	}
}

func (w *WebRTCSource) handlePeerMessage(msg signalMessage) {
	if msg.SDP != nil && msg.SDP.Type == "offer" {
		offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP.SDP}
		if err := w.pc.SetRemoteDescription(offer); err != nil {
			w.logger.Error("SetRemoteDescription failed", "error", err)
			return
		}
		answer, err := w.pc.CreateAnswer(nil)
		if err != nil {
			w.logger.Error("CreateAnswer failed", "error", err)
			return
		}
		if err := w.pc.SetLocalDescription(answer); err != nil {
			w.logger.Error("SetLocalDescription failed", "error", err)
			return
		}
		if err := w.writeJSON(signalMessage{
			Type:      "peer",
			SessionID: w.session(),
			SDP:       &sdpPayload{Type: answer.Type.String(), SDP: answer.SDP},
		}); err != nil {
			w.logger.Error("failed to send answer", "error", err)
		}
	}

	if msg.ICE != nil {
		if err := w.pc.AddICECandidate(webrtc.ICECandidateInit{
			Candidate:     msg.ICE.Candidate,
			SDPMid:        msg.ICE.SDPMid,
			SDPMLineIndex: msg.ICE.SDPMLineIndex,
		}); err != nil {
			w.logger.Debug("AddICECandidate failed", "error", err)
		}
	}
}

func (w *WebRTCSource) session() string {
	w.sessionMu.Lock()
	defer w.sessionMu.Unlock()
	return w.sessionID
}

func (w *WebRTCSource) sendICECandidate(candidate *webrtc.ICECandidate) {
	session := w.session()
	if session == "" {
		return
	}
	init := candidate.ToJSON()
	if err := w.writeJSON(signalMessage{
		Type:      "peer",
		SessionID: session,
		ICE: &icePayload{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		},
	}); err != nil {
		w.logger.Debug("failed to send ICE candidate", "error", err)
	}
}

// handleVideoTrack depacketizes RTP into Annex-B and hands the current group
// of pictures to the decode loop at most once per DecodeInterval
func (w *WebRTCSource) handleVideoTrack(track *webrtc.TrackRemote) {
	select {
	case w.trackReady <- struct{}{}:
	default:
	}

	var (
		depacketizer codecs.H264Packet
		gop          []byte
		haveKeyframe bool
		lastSubmit   time.Time
	)

	for !w.closed.Load() {
		packet, _, err := track.ReadRTP()
		if err != nil {
			if !w.closed.Load() {
				w.logger.Warn("video track ended", "error", err)
			}
			return
		}

		nal, err := depacketizer.Unmarshal(packet.Payload)
		if err != nil || len(nal) == 0 {
			continue
		}

		if startsWithSPS(nal) {
			gop = gop[:0]
			haveKeyframe = true
		}
		if !haveKeyframe {
			continue
		}
		gop = append(gop, nal...)
		if len(gop) > maxGOPBytes {
			gop = gop[:0]
			haveKeyframe = false
			continue
		}

		if time.Since(lastSubmit) >= w.config.DecodeInterval {
			buf := make([]byte, len(gop))
			copy(buf, gop)
			select {
			case w.gopCh <- buf:
				lastSubmit = time.Now()
			default:
				// decoder busy
			}
		}
	}
}

func (w *WebRTCSource) decodeLoop() {
	for {
		select {
		case <-w.done:
			return
		case buf := <-w.gopCh:
			ctx, cancel := context.WithCancel(context.Background())
			img, err := w.decoder.Decode(ctx, buf)
			cancel()
			if err != nil {
				if !errors.Is(err, ErrNoFrame) {
					w.logger.Debug("decode failed", "error", err)
				}
				continue
			}
			w.publish(img)
		}
	}
}

// publish makes img the latest frame and wakes a waiting Read
func (w *WebRTCSource) publish(img image.Image) {
	w.frameMu.Lock()
	w.latest = img
	w.seq++
	w.frameMu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Read returns the next decoded frame not yet returned, waiting up to ReadTimeout
func (w *WebRTCSource) Read(ctx context.Context) (image.Image, error) {
	timeout := w.config.ReadTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if w.closed.Load() {
			return nil, ErrClosed
		}

		w.frameMu.Lock()
		if w.seq > w.lastRead {
			w.lastRead = w.seq
			img := w.latest
			w.frameMu.Unlock()
			return img, nil
		}
		w.frameMu.Unlock()

		select {
		case <-w.notify:
		case <-w.done:
			return nil, ErrClosed
		case <-timer.C:
			return nil, ErrNoFrame
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close tears down the peer connection and signalling socket
func (w *WebRTCSource) Close() error {
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		close(w.done)
		if w.pc != nil {
			w.pc.Close()
		}
		if w.ws != nil {
			w.ws.Close()
		}
	})
	return nil
}

// startsWithSPS reports whether an Annex-B buffer begins with an SPS NAL unit
func startsWithSPS(annexB []byte) bool {
	for i := 0; i+3 < len(annexB); i++ {
		if annexB[i] == 0 && annexB[i+1] == 0 {
			if annexB[i+2] == 1 {
				return annexB[i+3]&0x1f == nalTypeSPS
			}
			if annexB[i+2] == 0 && i+4 < len(annexB) && annexB[i+3] == 1 {
				return annexB[i+4]&0x1f == nalTypeSPS
			}
		}
		if i > 4 {
			break
		}
	}
	return false
}
