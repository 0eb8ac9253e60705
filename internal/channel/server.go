package channel

import (
	"net/http"
	"sync"

	"github.com/eagraf/habitat-runtime/core/runtime"
	"github.com/eagraf/habitat-runtime/internal/pubsub"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	historySize   = 64
	clientBacklog = 32
)

// Server streams runtime events to websocket clients connected to an output channel URI.
// It subscribes to the runtime event publisher. Any number of clients may read one channel.
// Clients and history are kept per channel, so a runtime started again under the same identity
// gets a fresh channel that does not replay the events of its predecessor.
type Server struct {
	allocator *Allocator
	upgrader  websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
	history map[string][]runtime.Event
}

type client struct {
	events chan runtime.Event
}

var _ pubsub.Subscriber[runtime.Event] = &Server{}
var _ http.Handler = &Server{}

func NewServer(allocator *Allocator) *Server {
	s := &Server{
		allocator: allocator,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]map[*client]struct{}),
		history: make(map[string][]runtime.Event),
	}
	allocator.OnRelease(s.forget)
	return s
}

// Handler returns a mux serving the channels under ChannelsPath.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET "+ChannelsPath+"{id}", s)
	return mux
}

// ConsumeEvent fans an event out to every client of the runtime's channel. Slow clients miss
// events rather than blocking the publisher. Events of runtimes without a channel are dropped.
func (s *Server) ConsumeEvent(e *runtime.Event) error {
	key, ok := s.allocator.ChannelID(e.Identity)
	if !ok {
		return nil
	}

	s.mu.Lock()
	if _, live := s.allocator.Lookup(key); !live {
		// released meanwhile
		s.mu.Unlock()
		return nil
	}
	h := append(s.history[key], *e)
	if len(h) > historySize {
		h = h[len(h)-historySize:]
	}
	s.history[key] = h
	clients := make([]*client, 0, len(s.clients[key]))
	for c := range s.clients[key] {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		select {
		case c.events <- *e:
		default:
			log.Warn().Msgf("dropping %s event for slow output channel client of %s", e.Status, e.Identity)
		}
	}
	return nil
}

// forget drops the history of a released channel. Clients still connected keep their stream
// until they disconnect.
func (s *Server) forget(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.history, channelID)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("id")
	if _, ok := s.allocator.Lookup(channelID); !ok {
		http.Error(w, "unknown output channel", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msgf("error upgrading output channel %s", channelID)
		return
	}
	defer conn.Close()

	c, backlog := s.attach(channelID)
	defer s.detach(channelID, c)

	for _, e := range backlog {
		if err := conn.WriteJSON(e); err != nil {
			return
		}
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e := <-c.events:
			if err := conn.WriteJSON(e); err != nil {
				log.Debug().Err(err).Msgf("output channel %s client went away", channelID)
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) attach(channelID string) (*client, []runtime.Event) {
	c := &client{events: make(chan runtime.Event, clientBacklog)}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients[channelID] == nil {
		s.clients[channelID] = make(map[*client]struct{})
	}
	s.clients[channelID][c] = struct{}{}
	backlog := make([]runtime.Event, len(s.history[channelID]))
	copy(backlog, s.history[channelID])
	return c, backlog
}

func (s *Server) detach(channelID string, c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients[channelID], c)
	if len(s.clients[channelID]) == 0 {
		delete(s.clients, channelID)
	}
}
