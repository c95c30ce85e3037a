package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/prebuf/internal/utils"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// events upgrades to a websocket, starts (or joins) buffering of ?url= and
// writes each progress event as JSON. The socket is closed normally after
// the terminal event, or with reason "cancelled" when the URL is cancelled
// or removed first.
func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	link := r.URL.Query().Get("url")
	if _, err := utils.ValidateURL(link); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Str("op", "server/events").Str("url", link).Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	finished := make(chan struct{})
	var finishOnce sync.Once
	id, stopped, err := h.ctrl.Watch(link, func(ev utils.ProgressEvent) {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			log.Debug().Str("op", "server/events").Str("url", link).Err(err).Msg("Could not write event")
		}
		if ev.Terminal() {
			finishOnce.Do(func() { close(finished) })
		}
	})
	if err != nil {
		writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()), time.Now().Add(writeWait))
		writeMu.Unlock()
		return
	}
	defer h.ctrl.Detach(link, id)

	// the client never sends anything meaningful; reading surfaces its close
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-finished:
		closeNormal(conn, &writeMu, "done")
	case <-stopped:
		select {
		case <-finished:
			closeNormal(conn, &writeMu, "done")
		default:
			log.Debug().Str("op", "server/events").Str("url", link).Msg("Subscription dropped before a terminal event")
			closeNormal(conn, &writeMu, "cancelled")
		}
	case <-gone:
		log.Debug().Str("op", "server/events").Str("url", link).Msg("Observer disconnected")
	case <-r.Context().Done():
	}
}

func closeNormal(conn *websocket.Conn, writeMu *sync.Mutex, reason string) {
	writeMu.Lock()
	defer writeMu.Unlock()
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), time.Now().Add(writeWait))
}
