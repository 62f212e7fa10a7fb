package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"

	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/logger"
	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/metrics"
	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/pipeline"
	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/telemetry"
)

var ErrTooManyPeers = errors.New("maximum peers reached")

// Peer is one browser publishing camera video.
type Peer struct {
	id        string
	pc        *webrtc.PeerConnection
	attempt   telemetry.AttemptID
	created   time.Time
	connected atomic.Bool
	tracks    atomic.Int32
	ctx       context.Context
	cancel    context.CancelFunc
}

type PeerStats struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	Connected bool      `json:"connected"`
	Tracks    int       `json:"tracks"`
	Created   time.Time `json:"created"`
}

type Options struct {
	STUNServers   []string
	MaxPeers      int
	StatsInterval time.Duration
}

// Server negotiates receive-only peer connections and feeds their video
// tracks into the detection pipeline.
type Server struct {
	peers   map[string]*Peer
	peersMu sync.RWMutex
	// reserved counts offers that hold a peer slot while negotiating.
	reserved int

	config        webrtc.Configuration
	maxPeers      int
	statsInterval time.Duration
	api           *webrtc.API

	session  *telemetry.Session
	pipeline *pipeline.Pipeline
	metrics  *metrics.Metrics

	wg sync.WaitGroup
}

// NewServer creates a new WebRTC server. An empty STUN list leaves only host
// candidates, which is enough on a LAN.
func NewServer(opts Options, session *telemetry.Session, p *pipeline.Pipeline, m *metrics.Metrics) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(opts.STUNServers))
	for _, url := range opts.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: []string{url},
		})
	}
	if opts.MaxPeers <= 0 {
		opts.MaxPeers = 4
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = 2 * time.Second
	}
	if m == nil {
		m = metrics.New(nil, nil)
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(time.Second * 2)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		logger.Error("WebRTC", "Failed to register codecs: %v", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithSettingEngine(settingsEngine),
		webrtc.WithMediaEngine(mediaEngine),
	)

	return &Server{
		peers: make(map[string]*Peer),
		config: webrtc.Configuration{
			ICEServers: iceServers,
		},
		maxPeers:      opts.MaxPeers,
		statsInterval: opts.StatsInterval,
		api:           api,
		session:       session,
		pipeline:      p,
		metrics:       m,
	}
}

// HandleOffer answers a browser offer. The connection attempt is recorded
// before negotiation and resolved when the peer connects or goes away.
func (s *Server) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		s.metrics.OfferErrors.Add(1)
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}
	if offer.Type != webrtc.SDPTypeOffer {
		s.metrics.OfferErrors.Add(1)
		return nil, fmt.Errorf("expected offer, got %s", offer.Type)
	}

	if !s.reserve() {
		s.metrics.OfferErrors.Add(1)
		return nil, fmt.Errorf("%w (%d)", ErrTooManyPeers, s.maxPeers)
	}

	attempt, _ := s.session.Attempt()
	answer, err := s.negotiate(offer, attempt)
	if err != nil {
		s.release()
		s.session.AbandonAttempt(attempt)
		s.metrics.OfferErrors.Add(1)
		return nil, err
	}
	return answer, nil
}

// reserve claims a peer slot for the duration of a negotiation.
func (s *Server) reserve() bool {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	if len(s.peers)+s.reserved >= s.maxPeers {
		return false
	}
	s.reserved++
	return true
}

func (s *Server) release() {
	s.peersMu.Lock()
	s.reserved--
	s.peersMu.Unlock()
}

func (s *Server) negotiate(offer webrtc.SessionDescription, attempt telemetry.AttemptID) ([]byte, error) {
	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	if _, err := peerConn.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to add transceiver: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	peer := &Peer{
		id:      uuid.NewString(),
		pc:      peerConn,
		attempt: attempt,
		created: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
	}

	peerConn.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.consume(peer, track)
		}()
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "Peer %s connection state: %s", peer.id, state.String())

		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.onConnected(peer)
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			logger.Info("WebRTC", "Peer %s connection lost (%s), removing...", peer.id, state.String())
			s.RemovePeer(peer.id)
		}
	})

	fail := func(err error) ([]byte, error) {
		cancel()
		peerConn.Close()
		return nil, err
	}

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		return fail(fmt.Errorf("failed to set remote description: %w", err))
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		return fail(fmt.Errorf("failed to create answer: %w", err))
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		return fail(fmt.Errorf("failed to set local description: %w", err))
	}
	<-gatherComplete
	logger.Debug("WebRTC", "ICE gathering complete for peer %s", peer.id)

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		return fail(errors.New("no local description available"))
	}
	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		return fail(fmt.Errorf("failed to marshal answer: %w", err))
	}

	// The reserved slot becomes the peer entry. Concurrency is published
	// under the lock so adds and removes land in order.
	s.peersMu.Lock()
	s.reserved--
	s.peers[peer.id] = peer
	n := len(s.peers)
	s.session.SetConcurrency(n)
	s.metrics.ActivePeers.Store(int64(n))
	s.peersMu.Unlock()
	s.metrics.TotalPeers.Add(1)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pollStats(peer)
	}()

	logger.Info("WebRTC", "Peer %s negotiated (%d active)", peer.id, n)
	return answerJSON, nil
}

func (s *Server) onConnected(peer *Peer) {
	if !peer.connected.CompareAndSwap(false, true) {
		return
	}
	elapsed, ok := s.session.Succeed(peer.attempt)
	if ok {
		logger.Info("WebRTC", "Peer %s connected in %v", peer.id, elapsed)
	}

	for _, tr := range peer.pc.GetTransceivers() {
		receiver := tr.Receiver()
		if receiver == nil || receiver.Transport() == nil {
			continue
		}
		pair, err := receiver.Transport().ICETransport().GetSelectedCandidatePair()
		if err != nil || pair == nil || pair.Remote == nil {
			continue
		}
		s.session.RecordPrivacyEvent(telemetry.PrivacyIPExposure,
			fmt.Sprintf("peer %s remote candidate %s:%d (%s)", peer.id, pair.Remote.Address, pair.Remote.Port, pair.Remote.Typ))
		return
	}
}

func (s *Server) consume(peer *Peer, track *webrtc.TrackRemote) {
	mimeType := track.Codec().MimeType
	if track.Kind() != webrtc.RTPCodecTypeVideo || !pipeline.Supported(mimeType) {
		logger.Warn("WebRTC", "Peer %s: ignoring %s track (%s)", peer.id, track.Kind(), mimeType)
		return
	}
	peer.tracks.Add(1)
	defer peer.tracks.Add(-1)

	ssrc := uint32(track.SSRC())
	requestKeyframe := func() error {
		return peer.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
	}

	if err := s.pipeline.Run(peer.ctx, peer.id, mimeType, trackSource{track}, requestKeyframe); err != nil {
		logger.Warn("WebRTC", "Peer %s track %s ended: %v", peer.id, track.ID(), err)
	}
}

// pollStats feeds the nominated candidate pair RTT into the session.
func (s *Server) pollStats(peer *Peer) {
	ticker := time.NewTicker(s.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-peer.ctx.Done():
			return
		case <-ticker.C:
		}

		for _, stat := range peer.pc.GetStats() {
			pair, ok := stat.(webrtc.ICECandidatePairStats)
			if !ok || !pair.Nominated || pair.CurrentRoundTripTime <= 0 {
				continue
			}
			s.session.RecordRTT(time.Duration(pair.CurrentRoundTripTime * float64(time.Second)))
			break
		}
	}
}

// RemovePeer closes a peer. It is safe to call more than once.
func (s *Server) RemovePeer(peerID string) {
	s.peersMu.Lock()
	peer, exists := s.peers[peerID]
	if exists {
		delete(s.peers, peerID)
	}
	n := len(s.peers)
	if exists {
		s.session.SetConcurrency(n)
		s.metrics.ActivePeers.Store(int64(n))
	}
	s.peersMu.Unlock()

	if !exists {
		return
	}

	peer.cancel()
	if !peer.connected.Load() {
		s.session.AbandonAttempt(peer.attempt)
	}
	if err := peer.pc.Close(); err != nil {
		logger.Debug("WebRTC", "Closing peer %s: %v", peerID, err)
	}
	logger.Info("WebRTC", "Peer %s disconnected (%d active)", peerID, n)
}

// PeerCount returns the number of negotiated peers
func (s *Server) PeerCount() int {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	return len(s.peers)
}

func (s *Server) PeerStats() []PeerStats {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()

	out := make([]PeerStats, 0, len(s.peers))
	for id, peer := range s.peers {
		out = append(out, PeerStats{
			ID:        id,
			State:     peer.pc.ConnectionState().String(),
			Connected: peer.connected.Load(),
			Tracks:    int(peer.tracks.Load()),
			Created:   peer.created,
		})
	}
	return out
}

// Close removes every peer and waits for their track readers.
func (s *Server) Close() error {
	s.peersMu.RLock()
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	s.peersMu.RUnlock()

	for _, id := range ids {
		s.RemovePeer(id)
	}
	s.wg.Wait()
	return nil
}

type trackSource struct {
	track *webrtc.TrackRemote
}

func (t trackSource) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.track.ReadRTP()
	return pkt, err
}
