// Copyright 2015 The Chihaya Authors. All rights reserved.
// Use of this source code is governed by the BSD 2-Clause license,
// which can be found in the LICENSE file.

package udp

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/golang/glog"
	"github.com/pushrax/bufferpool"

	"github.com/torrtrack/chihaya/config"
	"github.com/torrtrack/chihaya/stats"
	"github.com/torrtrack/chihaya/tracker"
	"github.com/torrtrack/chihaya/tracker/models"
)

// maxPacketSize is larger than any valid BEP 15 request; oversized reads
// are truncated by the kernel, which UDP accepts as a single datagram.
const maxPacketSize = 2048

var packetBufs = bufferpool.New(64, maxPacketSize)

// Server serves one address family's UDP tracker socket.
type Server struct {
	cfg      *config.Config
	tracker  *tracker.Tracker
	connID   *connectionIDGenerator
	family   int
	wantIPv4 bool
	listen   string
	conn     *net.UDPConn
	stopping bool
}

func (s *Server) stat(v4, v6 stats.Event) {
	if s.family == 6 {
		stats.RecordEvent(v6)
	} else {
		stats.RecordEvent(v4)
	}
}

func (s *Server) Setup() error {
	connID, err := newConnectionIDGenerator(s.cfg.UDPConfig.ConnIDSecretRotateInterval.Duration)
	if err != nil {
		return err
	}
	s.connID = connID
	return nil
}

// Serve listens for and handles UDP datagrams until Stop closes the
// socket. Each datagram is handled on its own goroutine so
// a slow client cannot stall the read loop.
func (s *Server) Serve() {
	addr, err := net.ResolveUDPAddr("udp", s.listen)
	if err != nil {
		glog.Error(err)
		return
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		glog.Error(err)
		return
	}
	if s.cfg.UDPConfig.ReadBufferSize > 0 {
		conn.SetReadBuffer(s.cfg.UDPConfig.ReadBufferSize)
	}
	s.conn = conn
	glog.Infof("Serving UDP on %s", conn.LocalAddr())

	for {
		buf := packetBufs.Take()
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			packetBufs.Give(buf)
			if s.stopping {
				break
			}
			glog.Error(err)
			continue
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])
		packetBufs.Give(buf)
		go s.handlePacket(packet, remote, time.Now())
	}
	glog.Info("UDP server shut down cleanly")
}

func (s *Server) Stop() {
	if s.stopping {
		return
	}
	s.stopping = true
	if s.conn != nil {
		s.conn.Close()
	}
	if s.connID != nil {
		s.connID.Close()
	}
}

func (s *Server) handlePacket(data []byte, addr *net.UDPAddr, now time.Time) {
	if len(data) < 16 {
		s.stat(stats.Udp4BadRequest, stats.Udp6BadRequest)
		return
	}

	act := action(binary.BigEndian.Uint32(data[8:12]))
	txn := data[12:16]

	switch act {
	case actionConnect:
		s.handleConnect(data, txn, addr, now)
	case actionAnnounce:
		s.handleAnnounce(data, txn, addr, now)
	case actionScrape:
		s.handleScrape(data, txn, addr, now)
	default:
		s.stat(stats.Udp4InvalidRequest, stats.Udp6InvalidRequest)
		s.writeError(addr, txn, "unknown action")
	}
}

func (s *Server) handleConnect(data []byte, txn []byte, addr *net.UDPAddr, now time.Time) {
	if len(data) < minConnectLen || int64(binary.BigEndian.Uint64(data[0:8])) != protocolMagic {
		s.stat(stats.Udp4BadRequest, stats.Udp6BadRequest)
		s.writeError(addr, txn, "bad connect request")
		return
	}

	connID := s.connID.Issue(addr.IP, now)

	resp := make([]byte, 16)
	binary.BigEndian.PutUint32(resp[0:4], uint32(actionConnect))
	copy(resp[4:8], txn)
	binary.BigEndian.PutUint64(resp[8:16], connID)
	s.write(addr, resp)

	s.stat(stats.Udp4ConnectionsHandled, stats.Udp6ConnectionsHandled)
}

func (s *Server) handleAnnounce(data []byte, txn []byte, addr *net.UDPAddr, now time.Time) {
	if len(data) < minAnnounceLen {
		s.stat(stats.Udp4BadRequest, stats.Udp6BadRequest)
		s.writeError(addr, txn, "bad announce request")
		return
	}

	connID := binary.BigEndian.Uint64(data[0:8])
	if !s.connID.Valid(connID, addr.IP, now) {
		s.stat(stats.Udp4InvalidRequest, stats.Udp6InvalidRequest)
		s.writeError(addr, txn, "invalid connection id")
		return
	}

	ih, err := models.NewInfoHash(data[16:36])
	if err != nil {
		s.stat(stats.Udp4InvalidRequest, stats.Udp6InvalidRequest)
		s.writeError(addr, txn, err.Error())
		return
	}
	peerID, err := models.NewPeerID(data[36:56])
	if err != nil {
		s.stat(stats.Udp4InvalidRequest, stats.Udp6InvalidRequest)
		s.writeError(addr, txn, err.Error())
		return
	}

	downloaded := binary.BigEndian.Uint64(data[56:64])
	left := binary.BigEndian.Uint64(data[64:72])
	uploaded := binary.BigEndian.Uint64(data[72:80])

	event, err := udpEvent(int32(binary.BigEndian.Uint32(data[80:84]))).toModel()
	if err != nil {
		s.stat(stats.Udp4InvalidRequest, stats.Udp6InvalidRequest)
		s.writeError(addr, txn, err.Error())
		return
	}

	ipField := binary.BigEndian.Uint32(data[84:88])
	numWant := int32(binary.BigEndian.Uint32(data[92:96]))
	port := binary.BigEndian.Uint16(data[96:98])

	peerIP := addr.IP
	if s.cfg.TrackerConfig.AllowIPSpoofing && ipField != 0 {
		peerIP = make(net.IP, 4)
		binary.BigEndian.PutUint32(peerIP, ipField)
	}

	want := int(numWant)
	if numWant < 0 {
		want = s.cfg.TrackerConfig.NumWantFallback
	}
	if want > s.cfg.TrackerConfig.NumWantMax {
		want = s.cfg.TrackerConfig.NumWantMax
	}

	wantIPv4 := s.wantIPv4
	req := tracker.AnnounceRequest{
		InfoHash:   ih,
		PeerID:     peerID,
		PeerAddr:   models.PeerAddr{IP: peerIP, Port: port},
		Uploaded:   uploaded,
		Downloaded: downloaded,
		Left:       left,
		Event:      event,
		NumWant:    want,
		WantIPv4:   &wantIPv4,
	}

	res, err := s.tracker.Announce(req, now)
	if err != nil {
		s.stat(stats.Udp4InvalidRequest, stats.Udp6InvalidRequest)
		s.writeError(addr, txn, err.Error())
		return
	}

	entrySize := 6
	if !s.wantIPv4 {
		entrySize = 18
	}
	respLen := 20 + entrySize*len(res.Peers)

	buf := packetBufs.Take()
	defer packetBufs.Give(buf)
	resp := buf
	if respLen > len(resp) {
		resp = make([]byte, respLen)
	}
	resp = resp[:respLen]

	binary.BigEndian.PutUint32(resp[0:4], uint32(actionAnnounce))
	copy(resp[4:8], txn)
	binary.BigEndian.PutUint32(resp[8:12], uint32(s.cfg.TrackerConfig.Announce.Duration/time.Second))
	binary.BigEndian.PutUint32(resp[12:16], uint32(res.Incomplete))
	binary.BigEndian.PutUint32(resp[16:20], uint32(res.Complete))

	off := 20
	for _, p := range res.Peers {
		if s.wantIPv4 {
			copy(resp[off:off+4], p.PeerAddr.IP.To4())
			binary.BigEndian.PutUint16(resp[off+4:off+6], p.PeerAddr.Port)
		} else {
			copy(resp[off:off+16], p.PeerAddr.IP.To16())
			binary.BigEndian.PutUint16(resp[off+16:off+18], p.PeerAddr.Port)
		}
		off += entrySize
	}
	s.write(addr, resp)

	s.stat(stats.Udp4AnnouncesHandled, stats.Udp6AnnouncesHandled)
}

func (s *Server) handleScrape(data []byte, txn []byte, addr *net.UDPAddr, now time.Time) {
	if len(data) < minScrapeLen || (len(data)-16)%infoHashLen != 0 {
		s.stat(stats.Udp4BadRequest, stats.Udp6BadRequest)
		s.writeError(addr, txn, "bad scrape request")
		return
	}

	connID := binary.BigEndian.Uint64(data[0:8])
	if !s.connID.Valid(connID, addr.IP, now) {
		s.stat(stats.Udp4InvalidRequest, stats.Udp6InvalidRequest)
		s.writeError(addr, txn, "invalid connection id")
		return
	}

	numHashes := (len(data) - 16) / infoHashLen
	if numHashes > s.cfg.TrackerConfig.ScrapeMaxHashes {
		numHashes = s.cfg.TrackerConfig.ScrapeMaxHashes
	}

	hashes := make([]models.InfoHash, 0, numHashes)
	for i := 0; i < numHashes; i++ {
		start := 16 + i*infoHashLen
		h, err := models.NewInfoHash(data[start : start+infoHashLen])
		if err != nil {
			s.stat(stats.Udp4InvalidRequest, stats.Udp6InvalidRequest)
			s.writeError(addr, txn, err.Error())
			return
		}
		hashes = append(hashes, h)
	}

	results := s.tracker.Scrape(hashes)

	respLen := 8 + 12*len(hashes)
	buf := packetBufs.Take()
	defer packetBufs.Give(buf)
	resp := buf
	if respLen > len(resp) {
		resp = make([]byte, respLen)
	}
	resp = resp[:respLen]

	binary.BigEndian.PutUint32(resp[0:4], uint32(actionScrape))
	copy(resp[4:8], txn)
	for i, h := range hashes {
		r := results[h]
		off := 8 + i*12
		binary.BigEndian.PutUint32(resp[off:off+4], uint32(r.Complete))
		binary.BigEndian.PutUint32(resp[off+4:off+8], uint32(r.Downloaded))
		binary.BigEndian.PutUint32(resp[off+8:off+12], uint32(r.Incomplete))
	}
	s.write(addr, resp)

	s.stat(stats.Udp4ScrapesHandled, stats.Udp6ScrapesHandled)
}

func (s *Server) writeError(addr *net.UDPAddr, txn []byte, msg string) {
	resp := make([]byte, 8+len(msg))
	binary.BigEndian.PutUint32(resp[0:4], uint32(actionError))
	copy(resp[4:8], txn)
	copy(resp[8:], msg)
	s.write(addr, resp)
}

func (s *Server) write(addr *net.UDPAddr, b []byte) {
	if _, err := s.conn.WriteToUDP(b, addr); err != nil {
		glog.V(2).Infof("udp: write to %s failed: %s", addr, err)
	}
}

// multiServer fans Setup/Serve/Stop out to one Server per configured
// address family, mirroring http.multiServer and api.multiServer.
type multiServer struct {
	servers []*Server
}

func (m *multiServer) Setup() error {
	for _, s := range m.servers {
		if err := s.Setup(); err != nil {
			return err
		}
	}
	return nil
}

func (m *multiServer) Serve() {
	done := make(chan struct{}, len(m.servers))
	for _, s := range m.servers {
		go func(s *Server) {
			s.Serve()
			done <- struct{}{}
		}(s)
	}
	for range m.servers {
		<-done
	}
}

func (m *multiServer) Stop() {
	for _, s := range m.servers {
		s.Stop()
	}
}

// NewServer returns a new UDP server listening on whichever of
// UDPConfig.ListenAddr/ListenAddr6 are non-empty.
func NewServer(cfg *config.Config, tkr *tracker.Tracker) *multiServer {
	m := &multiServer{}
	if cfg.UDPConfig.ListenAddr != "" {
		m.servers = append(m.servers, &Server{cfg: cfg, tracker: tkr, family: 4, wantIPv4: true, listen: cfg.UDPConfig.ListenAddr})
	}
	if cfg.UDPConfig.ListenAddr6 != "" {
		m.servers = append(m.servers, &Server{cfg: cfg, tracker: tkr, family: 6, wantIPv4: false, listen: cfg.UDPConfig.ListenAddr6})
	}
	return m
}
