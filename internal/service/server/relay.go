package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"web_editor/internal/metrics"
	"web_editor/internal/utils/log"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

type (
	channel struct {
		id    string
		peers map[*peer]struct{}
		// joined flips once the first peer connects; an empty joined channel
		// is gone for good.
		joined bool
	}

	peer struct {
		conn *websocket.Conn
		mu   sync.Mutex
	}
)

func (p *peer) write(messageType int, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(messageType, data)
}

func (p *peer) closeWith(code int, reason string) {
	p.mu.Lock()
	p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	p.mu.Unlock()
	p.conn.Close()
}

func (s *HttpServer) HandleCreateChannel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := newID()

		s.mu.Lock()
		s.channels[id] = &channel{id: id, peers: make(map[*peer]struct{})}
		s.mu.Unlock()

		log.Debug("relay channel created", log.Channel(id))
		w.Header().Set("Location", "/relay/"+id)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"key": id})
	}
}

func (s *HttpServer) HandleChannelWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		s.mu.Lock()
		_, ok := s.channels[id]
		s.mu.Unlock()
		if !ok {
			http.Error(w, "unknown channel", http.StatusNotFound)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("websocket upgrade failed", log.Channel(id), zap.Error(err))
			return
		}

		p := &peer{conn: conn}
		s.mu.Lock()
		ch, ok := s.channels[id]
		if ok {
			ch.peers[p] = struct{}{}
			if !ch.joined {
				ch.joined = true
				metrics.RelayChannels.Inc()
			}
		}
		s.mu.Unlock()
		if !ok {
			p.closeWith(websocket.CloseGoingAway, "channel closed")
			return
		}

		go s.processWSMessage(ch, p)
	}
}

// processWSMessage forwards every frame from p to the other peers of ch. When
// p leaves, its close code is passed on and the channel is torn down.
func (s *HttpServer) processWSMessage(ch *channel, p *peer) {
	closeCode, closeText := websocket.CloseGoingAway, "peer left"
	for {
		messageType, data, err := p.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				closeCode, closeText = ce.Code, ce.Text
			}
			log.Debug("relay peer closed", log.Channel(ch.id), zap.Error(err))
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		for _, other := range s.others(ch, p) {
			if err := other.write(websocket.TextMessage, data); err != nil {
				log.Debug("relay forward failed", log.Channel(ch.id), zap.Error(err))
				continue
			}
			metrics.RelayFramesForwarded.Inc()
		}
	}

	p.conn.Close()
	s.mu.Lock()
	delete(ch.peers, p)
	rest := make([]*peer, 0, len(ch.peers))
	for o := range ch.peers {
		rest = append(rest, o)
		delete(ch.peers, o)
	}
	if _, ok := s.channels[ch.id]; ok {
		delete(s.channels, ch.id)
		metrics.RelayChannels.Dec()
	}
	s.mu.Unlock()

	for _, o := range rest {
		o.closeWith(closeCode, closeText)
	}
}

func (s *HttpServer) others(ch *channel, self *peer) []*peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*peer, 0, len(ch.peers))
	for o := range ch.peers {
		if o != self {
			out = append(out, o)
		}
	}
	return out
}

func (s *HttpServer) closeAllChannels() {
	s.mu.Lock()
	var all []*peer
	for id, ch := range s.channels {
		for p := range ch.peers {
			all = append(all, p)
		}
		if ch.joined {
			metrics.RelayChannels.Dec()
		}
		delete(s.channels, id)
	}
	s.mu.Unlock()

	for _, p := range all {
		p.closeWith(websocket.CloseGoingAway, "server shutdown")
	}
}

// ChannelCount reports how many channels are allocated.
func (s *HttpServer) ChannelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

// PeerCount reports how many sockets are attached to channel id.
func (s *HttpServer) PeerCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[id]; ok {
		return len(ch.peers)
	}
	return 0
}
