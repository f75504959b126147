// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/hash"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/logger"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/metrics"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/models"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/pubsub"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/safejson"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 256
)

// Client message types.
const (
	MessageSubscribe   = "subscribe"
	MessageUnsubscribe = "unsubscribe"
	MessageSetMap      = "setMap"
	MessageDisconnect  = "disconnect"
)

// Server message types.
const (
	MessageNotification = "notification"
	MessageSubscribed   = "subscribed"
	MessageUnsubscribed = "unsubscribed"
	MessageMapChanged   = "mapChanged"
	MessageError        = "error"
)

var errUnknownMessage = errors.New("unknown message type")

// Sessions authorize the socket; the origin is not checked.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type ClientMessage struct {
	Type  string         `json:"type"`
	Event string         `json:"event,omitempty"`
	Args  map[string]any `json:"args,omitempty"`
	// MapID and Variant are used by setMap.
	MapID   string `json:"mapId,omitempty"`
	Variant string `json:"variant,omitempty"`
}

type ServerMessage struct {
	Type    string              `json:"type"`
	Topic   string              `json:"topic,omitempty"`
	Event   string              `json:"event,omitempty"`
	Args    map[string]any      `json:"args,omitempty"`
	Payload safejson.RawMessage `json:"payload,omitempty"`
	Message string              `json:"message,omitempty"`
}

// socket is one push connection. It is a pubsub.Listener for every topic it subscribed.
type socket struct {
	conn    *websocket.Conn
	server  *Server
	log     *zap.SugaredLogger
	send    chan []byte
	done    chan struct{}
	handles map[string]pubsub.Handle
	token   string
	once    sync.Once
	mu      sync.Mutex
}

func (s *Server) serveSocket(c *gin.Context) {
	token := c.Query("token")

	if _, err := s.sessions.Touch(token); err != nil {
		abortWithSessionError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debugf("Failed to upgrade connection: %v", err)
		return
	}

	sock := &socket{
		conn:    conn,
		server:  s,
		log:     logger.For(logger.ComponentPushSocket).With("session", hash.Fingerprint(token)),
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		handles: make(map[string]pubsub.Handle),
		token:   token,
	}

	s.sockets.add(sock)

	go sock.writePump()
	go sock.readPump()
}

// Deliver queues n for the client. It never blocks the publisher.
func (s *socket) Deliver(n pubsub.Notification) bool {
	data, err := safejson.Marshal(ServerMessage{
		Type:    MessageNotification,
		Topic:   n.Topic,
		Event:   n.Event,
		Args:    n.Args,
		Payload: n.Payload,
	})
	if err != nil {
		s.log.Warnf("Failed to encode notification for %s: %v", n.Topic, err)
		return false
	}

	return s.enqueue(data, "socket_full")
}

func (s *socket) enqueue(data []byte, dropReason string) bool {
	select {
	case <-s.done:
		metrics.IncNotificationsDropped("socket_closed")
		return false
	default:
	}

	select {
	case s.send <- data:
		return true
	default:
		metrics.IncNotificationsDropped(dropReason)
		return false
	}
}

func (s *socket) reply(msg ServerMessage) {
	data, err := safejson.Marshal(msg)
	if err != nil {
		s.log.Warnf("Failed to encode %s reply: %v", msg.Type, err)
		return
	}

	s.enqueue(data, "reply_dropped")
}

func (s *socket) replyError(err error) {
	s.reply(ServerMessage{Type: MessageError, Message: err.Error()})
}

func (s *socket) readPump() {
	defer s.close()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		if _, err := s.server.sessions.Touch(s.token); err != nil {
			return err
		}

		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Debugf("Socket closed: %v", err)
			}
			return
		}

		var msg ClientMessage
		if err := safejson.Unmarshal(data, &msg); err != nil {
			s.replyError(err)
			continue
		}

		if !s.handle(msg) {
			return
		}
	}
}

// handle processes one client message and reports whether the socket stays open.
func (s *socket) handle(msg ClientMessage) bool {
	sess, err := s.server.sessions.Get(s.token)
	if err != nil {
		s.replyError(err)
		return false
	}

	switch msg.Type {
	case MessageSubscribe:
		args := msg.Args
		if len(args) == 0 {
			args = sess.CurrentMap().Args()
		}

		topic, err := s.subscribe(msg.Event, args)
		if err != nil {
			s.replyError(err)
			return true
		}
		s.reply(ServerMessage{Type: MessageSubscribed, Topic: topic, Event: msg.Event, Args: args})
	case MessageUnsubscribe:
		args := msg.Args
		if len(args) == 0 {
			args = sess.CurrentMap().Args()
		}

		topic, err := s.unsubscribe(msg.Event, args)
		if err != nil {
			s.replyError(err)
			return true
		}
		s.reply(ServerMessage{Type: MessageUnsubscribed, Topic: topic, Event: msg.Event, Args: args})
	case MessageSetMap:
		variant, err := models.ParseVariant(msg.Variant)
		if err != nil || msg.MapID == "" {
			s.replyError(errors.Join(errors.New("setMap needs mapId and variant"), err))
			return true
		}

		ref := models.MapRef{ID: msg.MapID, Variant: variant}
		sess.SetCurrentMap(ref)
		_, _ = s.server.sessions.Touch(s.token)
		s.reply(ServerMessage{Type: MessageMapChanged, Args: ref.Args()})
	case MessageDisconnect:
		if err := s.server.sessions.Remove(s.token); err != nil {
			s.log.Debugf("Disconnect of an already removed session: %v", err)
		}
		return false
	default:
		s.replyError(errUnknownMessage)
	}

	return true
}

func (s *socket) subscribe(event string, args map[string]any) (string, error) {
	topic, err := pubsub.CanonicalTopic(event, args)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.handles[topic]; ok {
		return topic, nil
	}

	h, err := s.server.hub.Subscribe(event, args, s)
	if err != nil {
		return "", err
	}
	s.handles[h.Topic] = h

	return h.Topic, nil
}

func (s *socket) unsubscribe(event string, args map[string]any) (string, error) {
	topic, err := pubsub.CanonicalTopic(event, args)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	h, ok := s.handles[topic]
	delete(s.handles, topic)
	s.mu.Unlock()

	if ok {
		s.server.hub.Unsubscribe(h)
	}

	return topic, nil
}

func (s *socket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// close drops every subscription and the connection. Safe to call repeatedly.
func (s *socket) close() {
	s.once.Do(func() {
		close(s.done)

		s.mu.Lock()
		handles := s.handles
		s.handles = make(map[string]pubsub.Handle)
		s.mu.Unlock()

		for _, h := range handles {
			s.server.hub.Unsubscribe(h)
		}

		s.server.sockets.remove(s)

		// let the write pump send the close frame before the connection goes away
		time.AfterFunc(writeWait, func() { _ = s.conn.Close() })
	})
}

// socketRegistry tracks open sockets per session token.
type socketRegistry struct {
	byToken map[string]map[*socket]struct{}
	mu      sync.Mutex
}

func newSocketRegistry() *socketRegistry {
	return &socketRegistry{byToken: make(map[string]map[*socket]struct{})}
}

func (r *socketRegistry) add(s *socket) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.byToken[s.token]
	if !ok {
		set = make(map[*socket]struct{})
		r.byToken[s.token] = set
	}
	set[s] = struct{}{}
}

func (r *socketRegistry) remove(s *socket) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.byToken[s.token]
	delete(set, s)
	if len(set) == 0 {
		delete(r.byToken, s.token)
	}
}

func (r *socketRegistry) snapshot(token string) []*socket {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*socket
	for t, set := range r.byToken {
		if token != "" && t != token {
			continue
		}
		for s := range set {
			out = append(out, s)
		}
	}

	return out
}

func (r *socketRegistry) closeSession(token string) {
	for _, s := range r.snapshot(token) {
		s.close()
	}
}

func (r *socketRegistry) closeAll() {
	for _, s := range r.snapshot("") {
		s.close()
	}
}

func (r *socketRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, set := range r.byToken {
		n += len(set)
	}

	return n
}
