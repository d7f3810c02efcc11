package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"

	"github.com/satindergrewal/moodlens/internal/audio"
)

var errBadOffer = errors.New("invalid SDP offer")

// speechPeer is one browser listening over WebRTC.
type speechPeer struct {
	id       string
	pc       *webrtc.PeerConnection
	track    *webrtc.TrackLocalStaticSample
	listener *Listener[[]int16]
	since    time.Time
}

// WebRTCHandler negotiates SDP and streams speech to browsers as Opus.
type WebRTCHandler struct {
	broadcaster *Broadcaster[[]int16]
	logger      *zap.Logger

	mu    sync.Mutex
	peers map[string]*speechPeer

	encoded  atomic.Uint64
	silenced atomic.Uint64
}

// NewWebRTCHandler creates a WebRTC stream handler.
func NewWebRTCHandler(b *Broadcaster[[]int16], logger *zap.Logger) *WebRTCHandler {
	return &WebRTCHandler{
		broadcaster: b,
		logger:      logger.With(zap.String("handler", "speech-webrtc")),
		peers:       make(map[string]*speechPeer),
	}
}

// PeerCount returns the number of active WebRTC peers.
func (h *WebRTCHandler) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Frames returns how many frames were sent encoded and how many went out as
// the cached silence packet, across all peers that have disconnected.
func (h *WebRTCHandler) Frames() (encoded, silenced uint64) {
	return h.encoded.Load(), h.silenced.Load()
}

func (h *WebRTCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
	case http.MethodOptions:
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		return
	default:
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		http.Error(w, errBadOffer.Error(), http.StatusBadRequest)
		return
	}

	p, err := h.answer(offer)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, errBadOffer) {
			status = http.StatusBadRequest
		}
		h.logger.Warn("webrtc negotiation failed", zap.Error(err))
		http.Error(w, err.Error(), status)
		return
	}
	h.attach(p)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	json.NewEncoder(w).Encode(p.pc.LocalDescription())
}

// answer builds a peer with one Opus track and completes ICE gathering so
// the answer can be returned in a single response.
func (h *WebRTCHandler) answer(offer webrtc.SessionDescription) (p *speechPeer, err error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("peer connection: %w", err)
	}
	defer func() {
		if err != nil {
			pc.Close()
		}
	}()

	id := uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: audio.SampleRate, Channels: audio.Channels},
		"speech",
		"moodlens-"+id,
	)
	if err != nil {
		return nil, fmt.Errorf("audio track: %w", err)
	}
	if _, err = pc.AddTrack(track); err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}
	if err = pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadOffer, err)
	}
	desc, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err = pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("local description: %w", err)
	}
	<-gathered

	return &speechPeer{id: id, pc: pc, track: track, since: time.Now()}, nil
}

// attach registers p and starts streaming to it. The listener is subscribed
// before the state callback so a fast disconnect always finds it.
func (h *WebRTCHandler) attach(p *speechPeer) {
	p.listener = h.broadcaster.Subscribe()

	h.mu.Lock()
	h.peers[p.id] = p
	n := len(h.peers)
	h.mu.Unlock()
	h.logger.Info("peer connected", zap.String("peer", p.id), zap.Int("peers", n))

	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed,
			webrtc.PeerConnectionStateDisconnected:
			h.detach(p, s.String())
		}
	})
	go h.stream(p)
}

// detach forgets p once, whichever of the state callback or the stream loop
// gets there first.
func (h *WebRTCHandler) detach(p *speechPeer, reason string) {
	h.mu.Lock()
	_, ok := h.peers[p.id]
	delete(h.peers, p.id)
	n := len(h.peers)
	h.mu.Unlock()
	if !ok {
		return
	}

	h.broadcaster.Unsubscribe(p.listener)
	p.pc.Close()
	h.logger.Info("peer disconnected",
		zap.String("peer", p.id),
		zap.String("reason", reason),
		zap.Duration("listened", time.Since(p.since)),
		zap.Int("peers", n),
	)
}

func (h *WebRTCHandler) stream(p *speechPeer) {
	enc, err := newSpeechEncoder()
	if err != nil {
		h.logger.Error("speech encoder", zap.Error(err))
		h.detach(p, "encoder")
		return
	}
	defer func() {
		h.encoded.Add(enc.encoded)
		h.silenced.Add(enc.silenced)
	}()

	for {
		select {
		case <-p.listener.Done():
			return
		case frame, ok := <-p.listener.C:
			if !ok {
				return
			}
			pkt, err := enc.packet(frame)
			if err != nil {
				h.logger.Warn("opus encode", zap.String("peer", p.id), zap.Error(err))
				continue
			}
			if err := p.track.WriteSample(media.Sample{Data: pkt, Duration: audio.FrameDuration}); err != nil {
				h.detach(p, "write")
				return
			}
		}
	}
}
