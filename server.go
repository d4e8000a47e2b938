package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

type ServerSettings struct {
	PingTimeout  time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	ReadLimit    int64
	// url query parameter carrying the out-of-band token
	TokenParam      string
	ReadBufferSize  int
	WriteBufferSize int
	// allow cross-origin upgrades. the authorization gate is the token,
	// not the origin
	CheckOrigin func(r *http.Request) bool
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		PingTimeout:     15 * time.Second,
		WriteTimeout:    5 * time.Second,
		ReadTimeout:     60 * time.Second,
		ReadLimit:       1024 * 1024,
		TokenParam:      "token",
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
}

// Server is the websocket endpoint in front of one Dispatcher.
// Each upgraded connection gets a session, a write pump draining the session
// send queue, and a read loop feeding the dispatcher. It satisfies
// http.Handler so it mounts anywhere an http mux can route.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	dispatcher *Dispatcher
	settings   *ServerSettings

	upgrader websocket.Upgrader
}

func NewServerWithDefaults(ctx context.Context, dispatcher *Dispatcher) *Server {
	return NewServer(ctx, dispatcher, DefaultServerSettings())
}

func NewServer(ctx context.Context, dispatcher *Dispatcher, settings *ServerSettings) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Server{
		ctx:        cancelCtx,
		cancel:     cancel,
		dispatcher: dispatcher,
		settings:   settings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  settings.ReadBufferSize,
			WriteBufferSize: settings.WriteBufferSize,
			CheckOrigin:     settings.CheckOrigin,
		},
	}
}

func (self *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get(self.settings.TokenParam)

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[s]upgrade error = %s\n", err)
		return
	}

	self.run(ws, token)
}

func (self *Server) run(ws *websocket.Conn, token string) {
	defer ws.Close()

	session := self.dispatcher.OpenSession(token)
	defer self.dispatcher.CloseSession(session)

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	// the first outbound frame announces the resolved identity
	var profile json.RawMessage
	if identity := session.Identity(); identity != nil {
		var err error
		profile, err = json.Marshal(identity)
		if err != nil {
			glog.Infof("[s]profile error %s = %s\n", session.Id(), err)
			return
		}
	}
	session.queueMessage(
		&Message{
			Kind:    MessageKindProfile,
			Profile: profile,
		},
		self.settings.WriteTimeout,
	)

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case <-session.Done():
				return
			case message := <-session.Send():
				frame, err := EncodeMessage(message)
				if err != nil {
					glog.Infof("[s]encode error %s = %s\n", session.Id(), err)
					continue
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
					glog.Infof("[s]%s-> error = %s\n", session.Id(), err)
					return
				}
				glog.V(2).Infof("[s]%s %s->\n", message.Kind, session.Id())
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	ws.SetReadLimit(self.settings.ReadLimit)
	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, frame, err := ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[s]%s<- error = %s\n", session.Id(), err)
			return
		}

		message, err := DecodeMessage(frame)
		if err != nil {
			// a frame that is not json cannot be answered. it has no id
			glog.Infof("[s]decode error %s<- = %s\n", session.Id(), err)
			continue
		}

		switch message.Kind {
		case MessageKindCommand, MessageKindQuery:
			// each exchange runs independently. completions may interleave
			go self.dispatcher.Dispatch(session, message)
		default:
			self.dispatcher.Dispatch(session, message)
		}
	}
}

func (self *Server) Close() {
	self.cancel()
}
