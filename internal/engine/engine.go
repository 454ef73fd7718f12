// Package engine implements the per-torrent orchestrator: it owns storage,
// the piece scheduler, the tracker client(s), and the set of peer
// sessions, and drives the announce clock, the upload choker, and the 1 Hz
// stats snapshot. Grounded on the teacher's session.torrent plus its
// run/timers files, generalized from a multi-torrent session manager down
// to a single-torrent event loop.
package engine

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/ab0626/raincore/internal/bitfield"
	"github.com/ab0626/raincore/internal/btconn"
	"github.com/ab0626/raincore/internal/core"
	"github.com/ab0626/raincore/internal/logger"
	"github.com/ab0626/raincore/internal/metainfo"
	"github.com/ab0626/raincore/internal/peerconn"
	"github.com/ab0626/raincore/internal/peerprotocol"
	"github.com/ab0626/raincore/internal/resumer"
	"github.com/ab0626/raincore/internal/scheduler"
	"github.com/ab0626/raincore/internal/storage"
	"github.com/ab0626/raincore/internal/swarmselector"
	"github.com/ab0626/raincore/internal/tracker"
)

// resumeInterval is how often persisted resume state is refreshed while
// the engine runs.
const resumeInterval = 30 * time.Second

// Config tunes an Engine's behavior. Zero-value fields fall back to the
// defaults noted in their comments.
type Config struct {
	PeerID   [20]byte
	ListenPort int

	MaxPeers        int // default 50
	PipelineBudget  int // default scheduler.DefaultPipelineBudget
	UnchokedPeers   int // default 4
	OptimisticUnchokedPeers int // default 1
	NumWant         int // default 50

	UnchokeInterval          time.Duration // default 10s
	OptimisticUnchokeInterval time.Duration // default 30s

	RequestHook tracker.RequestHook

	// Resumer, if set, persists and restores download progress and a
	// cached peer list across restarts, keyed by info hash.
	Resumer *resumer.Resumer

	// ConnWrapper, if set, is applied to every outbound and inbound
	// connection before the handshake is written, giving an external
	// identity layer (source IP, traffic shaping) a hook into the raw
	// socket. Opaque to the engine, like tracker.RequestHook is to the
	// tracker client.
	ConnWrapper btconn.Wrapper
}

func (c *Config) setDefaults() {
	if c.MaxPeers == 0 {
		c.MaxPeers = 50
	}
	if c.PipelineBudget == 0 {
		c.PipelineBudget = scheduler.DefaultPipelineBudget
	}
	if c.UnchokedPeers == 0 {
		c.UnchokedPeers = 4
	}
	if c.OptimisticUnchokedPeers == 0 {
		c.OptimisticUnchokedPeers = 1
	}
	if c.NumWant == 0 {
		c.NumWant = 50
	}
	if c.UnchokeInterval == 0 {
		c.UnchokeInterval = 10 * time.Second
	}
	if c.OptimisticUnchokeInterval == 0 {
		c.OptimisticUnchokeInterval = 30 * time.Second
	}
}

// Status is the torrent-level lifecycle state.
type Status int

const (
	Starting Status = iota
	Downloading
	Seeding
	Stopped
	Error
)

// Stats is a snapshot of engine progress, emitted at 1 Hz.
type Stats struct {
	Downloaded     int64
	Uploaded       int64
	Left           int64
	Progress       float64
	ConnectedPeers int
	TotalPeers     int
	DownloadSpeed  float64 // bytes/sec
	UploadSpeed    float64 // bytes/sec
	ETA            time.Duration
	Status         Status
}

type peerHandle struct {
	id      scheduler.PeerID
	session *peerconn.Session

	bytesDownloadedInPeriod int64
	bytesUploadedInPeriod   int64
	optimisticUnchoked      bool

	lastRequestAt time.Time
}

// Engine is the single-torrent orchestrator.
type Engine struct {
	cfg Config

	info     *metainfo.Info
	infoHash [20]byte
	trackers [][]string

	storage   *storage.Storage
	scheduler *scheduler.Scheduler
	selector  *swarmselector.Selector
	trackerClient *tracker.Client

	log logger.Logger

	mu      sync.Mutex
	peers   map[scheduler.PeerID]*peerHandle
	status  Status

	downloadSpeed metrics.EWMA
	uploadSpeed   metrics.EWMA

	uploaded   int64
	downloaded int64
	lastStats  Stats

	closeC  chan struct{}
	closedC chan struct{}

	resumeSpec    *resumer.Spec // non-nil only when cfg.Resumer restored prior state
	completedOnce sync.Once
}

// New builds an Engine ready to Run. trackers is the
// metainfo.GetTrackers() tier list.
func New(info *metainfo.Info, infoHash [20]byte, trackers [][]string, st *storage.Storage, cfg Config) *Engine {
	cfg.setDefaults()
	e := &Engine{
		cfg:           cfg,
		info:          info,
		infoHash:      infoHash,
		trackers:      trackers,
		storage:       st,
		scheduler:     scheduler.New(info, st.HaveBitmap(), cfg.PipelineBudget),
		selector:      swarmselector.New(),
		trackerClient: tracker.New(30*time.Second, cfg.RequestHook),
		log:           logger.New("engine"),
		peers:         make(map[scheduler.PeerID]*peerHandle),
		downloadSpeed: metrics.NewEWMA1(),
		uploadSpeed:   metrics.NewEWMA1(),
		closeC:        make(chan struct{}),
		closedC:       make(chan struct{}),
	}
	if cfg.Resumer != nil {
		if spec, err := cfg.Resumer.Read(infoHash); err == nil && spec != nil {
			e.resumeSpec = spec
			e.downloaded = spec.Downloaded
			e.uploaded = spec.Uploaded
		}
	}
	return e
}

// Stats returns the most recently published snapshot, or a zero Stats if
// none has been published yet.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastStats
}

// Close stops the engine, dropping all sessions.
func (e *Engine) Close() {
	select {
	case <-e.closeC:
	default:
		close(e.closeC)
	}
	<-e.closedC
}

// AddPeerAddrs registers newly discovered peer endpoints to dial. When the
// candidate list would push the swarm past MaxPeers, SwarmSelector ranks
// them by composite score (with jitter) and only the top-scoring
// candidates within the remaining budget are dialed.
func (e *Engine) AddPeerAddrs(addrs []*net.TCPAddr) {
	e.mu.Lock()
	remaining := e.cfg.MaxPeers - len(e.peers)
	byID := make(map[swarmselector.ID]*net.TCPAddr, len(addrs))
	var candidates []swarmselector.ID
	for _, addr := range addrs {
		id := scheduler.PeerID(addr.String())
		if _, ok := e.peers[id]; ok {
			continue
		}
		sid := swarmselector.ID(id)
		byID[sid] = addr
		candidates = append(candidates, sid)
	}
	e.mu.Unlock()

	if remaining <= 0 {
		return
	}
	for _, sid := range e.selector.Select(candidates, remaining) {
		addr := byID[sid]
		go e.dialAndRun(addr, scheduler.PeerID(sid))
	}
}

func (e *Engine) dialAndRun(addr *net.TCPAddr, id scheduler.PeerID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var sess *peerconn.Session
	var err error
	if e.cfg.ConnWrapper == nil {
		sess, err = peerconn.DialOutbound(ctx, addr.String(), e.infoHash, e.cfg.PeerID, e.info.NumPieces, e.log)
	} else {
		var d net.Dialer
		var conn net.Conn
		conn, err = d.DialContext(ctx, "tcp4", addr.String())
		if err == nil {
			conn, err = btconn.Wrap(conn, e.cfg.ConnWrapper)
		}
		if err == nil {
			sess, err = peerconn.HandshakeOutbound(conn, e.infoHash, e.cfg.PeerID, e.info.NumPieces, e.log)
		}
	}
	if err != nil {
		e.log.Debugln("dial failed:", addr, err)
		e.selector.RecordFailure(swarmselector.ID(id))
		return
	}
	e.registerPeer(id, sess)
}

// Listen accepts inbound peer connections on cfg.ListenPort until ctx is
// done or the engine is closed. Errors binding the listener are returned;
// per-connection failures are logged and otherwise swallowed, mirroring
// outbound dial failures in dialAndRun.
func (e *Engine) Listen(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp4", fmt.Sprintf(":%d", e.cfg.ListenPort))
	if err != nil {
		return core.Wrap(core.StorageIo, err)
	}
	go func() {
		<-e.closeC
		ln.Close()
	}()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return nil
		}
		go e.acceptAndRun(conn)
	}
}

func (e *Engine) acceptAndRun(conn net.Conn) {
	conn, err := btconn.Wrap(conn, e.cfg.ConnWrapper)
	if err != nil {
		e.log.Debugln("inbound wrap failed:", err)
		return
	}
	sess, err := peerconn.AcceptInbound(conn, func(infoHash [20]byte) (uint32, bool) {
		if infoHash != e.infoHash {
			return 0, false
		}
		return e.info.NumPieces, true
	}, e.cfg.PeerID, e.log)
	if err != nil {
		e.log.Debugln("inbound handshake failed:", conn.RemoteAddr(), err)
		return
	}
	id := scheduler.PeerID(conn.RemoteAddr().String())
	e.registerPeer(id, sess)
}

func (e *Engine) registerPeer(id scheduler.PeerID, sess *peerconn.Session) {
	e.mu.Lock()
	if len(e.peers) >= e.cfg.MaxPeers {
		e.mu.Unlock()
		sess.Close()
		return
	}
	h := &peerHandle{id: id, session: sess}
	e.peers[id] = h
	e.mu.Unlock()

	e.scheduler.AddPeer(id, e.info.NumPieces)
	sess.SendMessage(peerprotocol.BitfieldMessage{Data: e.storage.HaveBitmap().Bytes()})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-e.closeC
		cancel()
	}()
	go sess.Run(ctx)
	go e.peerLoop(h)
}

// peerLoop consumes one session's decoded messages and drives scheduler
// and storage state, mirroring the teacher's per-peer message dispatch in
// torrent.run but scoped to a single goroutine per peer instead of a
// shared select loop -- each PeerSession's messages only ever affect that
// peer's own scheduler bookkeeping plus storage, both of which are
// independently synchronized.
func (e *Engine) peerLoop(h *peerHandle) {
	defer e.removePeer(h.id)
	for {
		select {
		case <-e.closeC:
			return
		case err, ok := <-h.session.Err():
			if ok {
				e.log.Debugln("peer session error:", h.id, err)
			}
			return
		case msg, ok := <-h.session.Messages():
			if !ok {
				return
			}
			e.handlePeerMessage(h, msg)
		}
	}
}

func (e *Engine) handlePeerMessage(h *peerHandle, msg interface{}) {
	switch m := msg.(type) {
	case peerprotocol.BitfieldMessage:
		bf, err := bitfield.NewBytes(m.Data, e.info.NumPieces)
		if err != nil {
			h.session.Close()
			return
		}
		e.scheduler.SetPeerBitfield(h.id, bf)
		if e.scheduler.HasNeededPiece(h.id) && !h.session.State().AmInterested {
			h.session.SetAmInterested(true)
		}
		e.fillPipeline(h)

	case peerprotocol.HaveMessage:
		if e.scheduler.PeerHave(h.id, m.Index) {
			h.session.SetAmInterested(true)
		}
		e.fillPipeline(h)

	case peerprotocol.UnchokeMessage:
		e.fillPipeline(h)

	case peerprotocol.ChokeMessage:
		e.scheduler.OnChoke(h.id)

	case peerprotocol.RequestMessage:
		e.serveRequest(h, m)

	case peerprotocol.InterestedMessage, peerprotocol.NotInterestedMessage, peerprotocol.CancelMessage:
		// interest bookkeeping lives in the session itself; cancel of an
		// already-sent piece reply is not tracked (best effort upload).

	case peerconn.Piece:
		e.handlePiece(h, m)
	}
}

// fillPipeline requests new blocks from h if it is not choking us. Called
// whenever a peer might have just become a valid request target: a new or
// updated bitfield, an unchoke, or a just-delivered block freeing up
// pipeline budget.
func (e *Engine) fillPipeline(h *peerHandle) {
	if h.session.State().PeerChoking {
		return
	}
	assignments := e.scheduler.NextRequests(h.id)
	if len(assignments) > 0 {
		h.lastRequestAt = time.Now()
	}
	for _, a := range assignments {
		h.session.SendMessage(peerprotocol.RequestMessage{
			Index:  a.Block.Index,
			Begin:  a.Block.Begin,
			Length: a.Block.Length,
		})
	}
}

func (e *Engine) handlePiece(h *peerHandle, p peerconn.Piece) {
	if err := e.storage.WriteBlock(p.Index, p.Begin, p.Data); err != nil {
		e.log.Errorln("write block failed:", err)
		return
	}
	n := int64(len(p.Data))
	e.downloadSpeed.Update(n)
	e.selector.RecordBlock(swarmselector.ID(h.id), n)
	if !h.lastRequestAt.IsZero() {
		e.selector.RecordResponseTime(swarmselector.ID(h.id), time.Since(h.lastRequestAt))
	}
	e.mu.Lock()
	e.downloaded += n
	h.bytesDownloadedInPeriod += n
	e.mu.Unlock()

	cancelTo := e.scheduler.GotBlock(p.Index, p.Begin, h.id)
	for _, id := range cancelTo {
		e.mu.Lock()
		other, ok := e.peers[id]
		e.mu.Unlock()
		if ok {
			other.session.SendMessage(peerprotocol.CancelMessage{Index: p.Index, Begin: p.Begin, Length: uint32(len(p.Data))})
		}
	}

	if !e.scheduler.PieceComplete(p.Index) {
		e.fillPipeline(h)
		return
	}

	result, err := e.storage.TryFinalize(p.Index)
	if err != nil {
		e.log.Errorln("finalize failed:", err)
		return
	}
	switch result {
	case storage.Verified:
		e.scheduler.MarkVerified(p.Index)
		e.selector.RecordVerification(swarmselector.ID(h.id), true)
		e.broadcastHave(p.Index)
		if e.scheduler.Done() {
			go e.announceCompleted()
		}
	case storage.Mismatch:
		e.scheduler.MarkVerificationFailed(p.Index)
		e.selector.RecordVerification(swarmselector.ID(h.id), false)
	}
	e.fillPipeline(h)
}

func (e *Engine) broadcastHave(index uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, h := range e.peers {
		h.session.SendMessage(peerprotocol.HaveMessage{Index: index})
	}
}

func (e *Engine) serveRequest(h *peerHandle, req peerprotocol.RequestMessage) {
	state := h.session.State()
	if state.AmChoking {
		return
	}
	data, err := e.storage.Read(req.Index, req.Begin, req.Length)
	if err != nil {
		e.log.Debugln("read for upload failed:", err)
		return
	}
	h.session.SendPiece(req, data)
	n := int64(len(data))
	e.uploadSpeed.Update(n)
	e.mu.Lock()
	e.uploaded += n
	h.bytesUploadedInPeriod += n
	e.mu.Unlock()
}

func (e *Engine) removePeer(id scheduler.PeerID) {
	e.mu.Lock()
	delete(e.peers, id)
	e.mu.Unlock()
	e.scheduler.RemovePeer(id)
	e.selector.Remove(swarmselector.ID(id))
}

// Run drives the announce clock, the choker timers, and the stats
// snapshot until Close is called or ctx is done.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.closedC)

	e.setStatus(Starting)
	go e.announceLoop(ctx, tracker.EventStarted)
	e.redialCachedPeers()

	unchokeT := time.NewTicker(e.cfg.UnchokeInterval)
	optimisticT := time.NewTicker(e.cfg.OptimisticUnchokeInterval)
	statsT := time.NewTicker(time.Second)
	speedT := time.NewTicker(5 * time.Second) // go-metrics EWMAs assume a 5 s tick
	defer unchokeT.Stop()
	defer optimisticT.Stop()
	defer statsT.Stop()
	defer speedT.Stop()

	var resumeT *time.Ticker
	var resumeC <-chan time.Time
	if e.cfg.Resumer != nil {
		resumeT = time.NewTicker(resumeInterval)
		resumeC = resumeT.C
		defer resumeT.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return
		case <-e.closeC:
			e.shutdown()
			return
		case <-unchokeT.C:
			e.tickUnchoke()
		case <-optimisticT.C:
			e.tickOptimisticUnchoke()
		case <-speedT.C:
			e.downloadSpeed.Tick()
			e.uploadSpeed.Tick()
			e.selector.Tick()
		case <-statsT.C:
			e.publishStats()
		case <-resumeC:
			e.persistResume()
		}
	}
}

// redialCachedPeers re-dials the peer addresses cached in a restored resume
// spec, so a restarted download doesn't wait for its first announce before
// making progress.
func (e *Engine) redialCachedPeers() {
	if e.resumeSpec == nil {
		return
	}
	addrs := make([]*net.TCPAddr, 0, len(e.resumeSpec.Peers))
	for _, a := range e.resumeSpec.Peers {
		tcpAddr, err := net.ResolveTCPAddr("tcp", a)
		if err != nil {
			continue
		}
		addrs = append(addrs, tcpAddr)
	}
	e.AddPeerAddrs(addrs)
}

// persistResume writes current progress and a cached peer list to
// cfg.Resumer, so a restart can resume without re-downloading verified
// pieces or waiting on a fresh announce.
func (e *Engine) persistResume() {
	if e.cfg.Resumer == nil {
		return
	}
	e.mu.Lock()
	downloaded := e.downloaded
	uploaded := e.uploaded
	peers := make([]string, 0, len(e.peers))
	for id := range e.peers {
		peers = append(peers, string(id))
	}
	e.mu.Unlock()

	spec := &resumer.Spec{
		InfoHash:   e.infoHash,
		Bitfield:   e.storage.HaveBitmap().Bytes(),
		NumPieces:  e.info.NumPieces,
		Downloaded: downloaded,
		Uploaded:   uploaded,
		Port:       e.cfg.ListenPort,
		Peers:      peers,
	}
	if e.resumeSpec != nil {
		spec.ID = e.resumeSpec.ID
	}
	if err := e.cfg.Resumer.Write(spec); err != nil {
		e.log.Warningln("resume write failed:", err)
	}
}

func (e *Engine) shutdown() {
	e.setStatus(Stopped)
	e.persistResume()
	e.announceStopped()
	e.mu.Lock()
	peers := make([]*peerHandle, 0, len(e.peers))
	for _, h := range e.peers {
		peers = append(peers, h)
	}
	e.mu.Unlock()
	for _, h := range peers {
		h.session.Close()
	}
}

// verifiedBytes sums the actual lengths of verified pieces according to
// have, accounting for the short final piece rather than assuming every
// piece is PieceLength bytes.
func (e *Engine) verifiedBytes(have *bitfield.Bitfield) int64 {
	var n int64
	for i := uint32(0); i < e.info.NumPieces; i++ {
		if have.Test(i) {
			n += e.info.PieceLen(i)
		}
	}
	return n
}

func (e *Engine) setStatus(s Status) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

// tickUnchoke re-ranks interested peers by recent transfer rate and
// unchokes the top UnchokedPeers, choking the rest. Grounded on the
// teacher's tickUnchoke in session/timers.go.
func (e *Engine) tickUnchoke() {
	e.mu.Lock()
	defer e.mu.Unlock()

	seeding := e.scheduler.Done()
	candidates := make([]*peerHandle, 0, len(e.peers))
	for _, h := range e.peers {
		if h.session.State().PeerInterested && !h.optimisticUnchoked {
			candidates = append(candidates, h)
		}
	}
	if seeding {
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].bytesUploadedInPeriod > candidates[j].bytesUploadedInPeriod
		})
	} else {
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].bytesDownloadedInPeriod > candidates[j].bytesDownloadedInPeriod
		})
	}
	for _, h := range e.peers {
		h.bytesDownloadedInPeriod = 0
		h.bytesUploadedInPeriod = 0
	}

	unchoked := 0
	for _, h := range candidates {
		if unchoked < e.cfg.UnchokedPeers {
			h.session.SetAmChoking(false)
			unchoked++
		} else {
			h.session.SetAmChoking(true)
		}
	}
}

// tickOptimisticUnchoke unchokes one additional random choked-and-interested
// peer per period to probe for better partners. Grounded on the teacher's
// tickOptimisticUnchoke in session/timers.go.
func (e *Engine) tickOptimisticUnchoke() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, h := range e.peers {
		if h.optimisticUnchoked {
			h.session.SetAmChoking(true)
			h.optimisticUnchoked = false
		}
	}

	var candidates []*peerHandle
	for _, h := range e.peers {
		if h.session.State().PeerInterested && h.session.State().AmChoking {
			candidates = append(candidates, h)
		}
	}
	for i := 0; i < e.cfg.OptimisticUnchokedPeers && len(candidates) > 0; i++ {
		pick := candidates[rand.Intn(len(candidates))]
		pick.optimisticUnchoked = true
		pick.session.SetAmChoking(false)
	}
}

func (e *Engine) publishStats() {
	e.mu.Lock()
	connected := len(e.peers)
	status := e.status
	downloaded := e.downloaded
	uploaded := e.uploaded
	e.mu.Unlock()

	have := e.storage.HaveBitmap()
	verified := int64(have.Count())
	total := int64(e.info.NumPieces)
	left := e.info.TotalSize - e.verifiedBytes(have)
	if left < 0 {
		left = 0
	}

	var progress float64
	if total > 0 {
		progress = float64(verified) / float64(total)
	}
	if have.All() && status != Stopped {
		status = Seeding
		e.setStatus(status)
	} else if connected > 0 && status == Starting {
		status = Downloading
		e.setStatus(status)
	}

	dlRate := e.downloadSpeed.Rate()
	var eta time.Duration
	if dlRate > 0 {
		eta = time.Duration(float64(left)/dlRate) * time.Second
	}

	stats := Stats{
		Downloaded:     downloaded,
		Uploaded:       uploaded,
		Left:           left,
		Progress:       progress,
		ConnectedPeers: connected,
		TotalPeers:     connected,
		DownloadSpeed:  dlRate,
		UploadSpeed:    e.uploadSpeed.Rate(),
		ETA:            eta,
		Status:         status,
	}
	e.mu.Lock()
	e.lastStats = stats
	e.mu.Unlock()
}

// announceLoop sends the initial `started` announce and then re-announces
// periodically using the tracker's interval, bounded below by min interval.
// A `completed` announce is sent out-of-band, once, when the bitmap first
// fills (see handlePiece); `stopped` is sent once from shutdown.
func (e *Engine) announceLoop(ctx context.Context, firstEvent tracker.Event) {
	event := firstEvent
	interval := 30 * time.Second
	for {
		resp := e.announceTiers(ctx, event)
		if resp != nil {
			if resp.Interval > 0 {
				interval = time.Duration(resp.Interval) * time.Second
			}
			if resp.MinInterval > 0 && interval < time.Duration(resp.MinInterval)*time.Second {
				interval = time.Duration(resp.MinInterval) * time.Second
			}
			addrs := make([]*net.TCPAddr, 0, len(resp.Peers))
			for _, p := range resp.Peers {
				addrs = append(addrs, p.Addr())
			}
			e.AddPeerAddrs(addrs)
		}
		event = tracker.EventNone
		select {
		case <-ctx.Done():
			return
		case <-e.closeC:
			return
		case <-time.After(interval):
		}
	}
}

// announceTiers tries each tracker URL in tier order, returning the first
// successful response, or nil if every tracker in every tier failed.
func (e *Engine) announceTiers(ctx context.Context, event tracker.Event) *tracker.Response {
	for _, tier := range e.trackers {
		for _, url := range tier {
			resp, err := e.announceOnce(ctx, url, event)
			if err != nil {
				e.log.Debugln("announce failed:", url, err)
				continue
			}
			if resp.FailureReason != "" {
				e.log.Warningln("tracker failure:", resp.FailureReason)
				continue
			}
			return resp
		}
	}
	return nil
}

// announceCompleted fires the one-time `completed` announce once the
// bitmap first fills. Safe to call more than once; only the first call
// after New does anything.
func (e *Engine) announceCompleted() {
	e.completedOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		e.announceTiers(ctx, tracker.EventCompleted)
	})
}

// announceStopped sends a best-effort final `stopped` announce during
// shutdown.
func (e *Engine) announceStopped() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.announceTiers(ctx, tracker.EventStopped)
}

func (e *Engine) announceOnce(ctx context.Context, url string, event tracker.Event) (*tracker.Response, error) {
	have := e.storage.HaveBitmap()
	e.mu.Lock()
	uploaded := e.uploaded
	downloaded := e.downloaded
	e.mu.Unlock()
	left := e.info.TotalSize - e.verifiedBytes(have)
	if left < 0 {
		left = 0
	}
	return e.trackerClient.Announce(ctx, url, tracker.Torrent{
		InfoHash:        e.infoHash,
		PeerID:          e.cfg.PeerID,
		Port:            e.cfg.ListenPort,
		BytesUploaded:   uploaded,
		BytesDownloaded: downloaded,
		BytesLeft:       left,
	}, e.cfg.NumWant, event)
}
