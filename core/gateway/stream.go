package gateway

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/cadsync/cadsync/core/infra/bus"
	"github.com/cadsync/cadsync/core/infra/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamClient is one websocket subscriber. An empty fileID receives every
// event; otherwise only events for that file.
type streamClient struct {
	ch     chan bus.Event
	fileID string
}

type eventStream struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]*streamClient
	events  chan bus.Event
	once    sync.Once
}

func newEventStream() *eventStream {
	return &eventStream{
		clients: map[*websocket.Conn]*streamClient{},
		events:  make(chan bus.Event, 512),
	}
}

func (es *eventStream) broadcast(ev bus.Event) {
	select {
	case es.events <- ev:
	default:
		// drop rather than block the bus callback
	}
}

func (es *eventStream) count() int {
	es.mu.RLock()
	defer es.mu.RUnlock()
	return len(es.clients)
}

// run starts the fan-out loop. Slow clients are dropped.
func (es *eventStream) run() {
	es.once.Do(func() {
		go func() {
			for ev := range es.events {
				var slow []*websocket.Conn
				es.mu.RLock()
				for conn, cl := range es.clients {
					if cl.fileID != "" && cl.fileID != ev.FileID {
						continue
					}
					select {
					case cl.ch <- ev:
					default:
						slow = append(slow, conn)
					}
				}
				es.mu.RUnlock()

				if len(slow) > 0 {
					es.mu.Lock()
					for _, conn := range slow {
						delete(es.clients, conn)
					}
					es.mu.Unlock()
					for _, conn := range slow {
						if err := conn.Close(); err != nil {
							logging.Error(logComponent, "ws client close failed", "error", err)
						}
					}
				}
			}
		}()
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error(logComponent, "ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	logging.Info(logComponent, "ws connected", "remote", r.RemoteAddr)

	cl := &streamClient{
		ch:     make(chan bus.Event, 100),
		fileID: r.URL.Query().Get("file_id"),
	}
	s.stream.mu.Lock()
	s.stream.clients[ws] = cl
	s.stream.mu.Unlock()
	defer func() {
		s.stream.mu.Lock()
		delete(s.stream.clients, ws)
		s.stream.mu.Unlock()
		close(cl.ch)
	}()

	for {
		select {
		case ev, ok := <-cl.ch:
			if !ok {
				return
			}
			if err := ws.WriteJSON(ev); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
