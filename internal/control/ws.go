package control

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"groupwatch/internal/eventbus"
	logx "groupwatch/pkg/logx"

	"github.com/gorilla/websocket"
)

const (
	eventsWriteTimeout = 5 * time.Second
	eventsPongWait     = 60 * time.Second
	eventsPingPeriod   = eventsPongWait * 9 / 10
	eventsBuffer       = 128
)

var eventsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		host := strings.ToLower(strings.TrimSpace(r.Host))
		return host == strings.ToLower(strings.TrimSpace(u.Host))
	},
}

// handleEvents streams watchdog bus events as JSON frames. The first frame
// is a "status" event carrying the current StatusResponse. Clients may pass
// ?types=a,b to receive only those event types.
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	filter := map[string]bool{}
	for _, t := range strings.Split(r.URL.Query().Get("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			filter[t] = true
		}
	}

	conn, err := eventsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, unsub := s.bus.Subscribe(eventsBuffer)
	defer unsub()
	log := s.log.With(logx.String("remote", r.RemoteAddr))
	log.Debug("event stream opened")

	done := make(chan struct{})
	_ = conn.SetReadDeadline(time.Now().Add(eventsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(eventsPongWait))
	})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if st, ok := s.status(); ok {
		if err := writeFrame(conn, eventbus.Event{Type: "status", Time: st.Now, Data: st}); err != nil {
			return
		}
	}

	ping := time.NewTicker(eventsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-done:
			log.Debug("event stream closed by client")
			return
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventsWriteTimeout)); err != nil {
				return
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			if len(filter) > 0 && !filter[e.Type] {
				continue
			}
			if err := writeFrame(conn, e); err != nil {
				log.Debug("event stream write failed", logx.Err(err))
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, e eventbus.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteTimeout))
	return conn.WriteJSON(e)
}
