package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/Logan27/mini-messenger-sub000/tools/errs"
	"github.com/Logan27/mini-messenger-sub000/tools/ids"
	"github.com/Logan27/mini-messenger-sub000/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	handshakeWait = 10 * time.Second
	maxFrameSize  = 64 * 1024
)

// HandleWS is the single ingress: upgrade, authenticate, register, then the
// read loop until the transport closes.
func (s *Server) HandleWS(c *gin.Context) {
	// connection-attempt window, enforced before the connection is admitted
	if !s.limiter.Admit(c.ClientIP(), CatConnect) {
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Info("websocket upgrade failed", zap.Error(err))
		return
	}

	userID, err := s.authenticate(ws, c)
	if err != nil {
		s.log.Info("handshake rejected", zap.Error(err))
		_ = ws.WriteMessage(websocket.TextMessage, BuildError(errs.ErrAuthFailure))
		_ = ws.Close()
		return
	}

	if !s.limiter.Admit(userID, CatReconnect) {
		_ = ws.WriteMessage(websocket.TextMessage, BuildError(errs.RateLimited(string(CatReconnect))))
		_ = ws.Close()
		return
	}

	client := NewClient(ids.NewConnID(), userID, userID, ws, s.cfg.Gateway.SendQueueSize)
	go client.writePump()

	first := s.reg.Register(client)
	ws.SetReadLimit(maxFrameSize)
	ws.SetPongHandler(func(string) error {
		s.reg.Heartbeat(client.ConnID)
		return nil
	})
	s.joinGroupRooms(client)

	s.log.Info("connection registered",
		zap.String("conn_id", client.ConnID),
		zap.String("user_id", userID),
		zap.Bool("first", first))

	client.trySend(MarshalFrame(FrameHandshake, map[string]any{
		"conn_id": client.ConnID,
		"user_id": userID,
		"node_id": s.cfg.Node.ID,
	}))

	s.readLoop(client)

	s.reg.Unregister(client.ConnID)
	s.typing.ClearUser(userID)
	s.log.Info("connection closed",
		zap.String("conn_id", client.ConnID), zap.String("user_id", userID))
}

// authenticate resolves the user id from the bearer credential: either a
// ?token= query parameter or the first frame, which must be a handshake.
func (s *Server) authenticate(ws *websocket.Conn, c *gin.Context) (string, error) {
	token := c.Query("token")
	if token == "" {
		_ = ws.SetReadDeadline(time.Now().Add(handshakeWait))
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return "", errs.WrapMsg(err, "read handshake")
		}
		_ = ws.SetReadDeadline(time.Time{})
		f, err := ParseFrame(raw)
		if err != nil || f.Type != FrameHandshake {
			return "", errs.ErrAuthFailure.WrapMsg("first frame must be a handshake")
		}
		var p HandshakePayload
		if err := json.Unmarshal(f.Data, &p); err != nil || p.Token == "" {
			return "", errs.ErrAuthFailure.WrapMsg("handshake has no token")
		}
		token = p.Token
	}
	userID, err := security.VerifySubject(s.jwtOpts, token)
	if err != nil {
		return "", errs.ErrAuthFailure.WrapMsg(err.Error())
	}
	return userID, nil
}

func (s *Server) joinGroupRooms(client *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timing.StoreTimeout.D())
	defer cancel()
	groups, err := s.store.ListGroups(ctx, client.UserID)
	if err != nil {
		s.log.Warn("group list unavailable, no room subscriptions",
			zap.String("user_id", client.UserID), zap.Error(err))
		return
	}
	rooms := make([]string, 0, len(groups))
	for _, g := range groups {
		rooms = append(rooms, RoomForGroup(g))
	}
	s.reg.JoinRooms(client.ConnID, rooms)
}

func (s *Server) readLoop(client *Client) {
	for {
		mt, data, err := client.WS.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				s.log.Debug("peer closed", zap.String("conn_id", client.ConnID))
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.log.Debug("read timeout", zap.String("conn_id", client.ConnID))
			} else {
				s.log.Debug("read error", zap.String("conn_id", client.ConnID), zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		f, err := ParseFrame(data)
		if err != nil {
			s.log.Debug("unparseable frame",
				zap.String("conn_id", client.ConnID), zap.Int("len", len(data)), zap.Error(err))
			continue
		}

		if cat, limited := categoryFor(f.Type); limited {
			if !s.limiter.Admit(client.UserID, cat) {
				s.sendError(client, errs.RateLimited(string(cat)))
				continue
			}
		}

		if err := s.disp.Dispatch(client, f); err != nil {
			if ce, ok := errs.As(err); ok {
				s.sendError(client, ce)
			} else {
				s.log.Warn("handler error",
					zap.String("conn_id", client.ConnID),
					zap.String("type", f.Type.String()),
					zap.Error(err))
			}
		}
	}
}

// sendError reports a failure to the originating connection only; a full
// queue drops the notice rather than blocking the read loop.
func (s *Server) sendError(client *Client, ce errs.CodeError) {
	client.trySend(BuildError(ce))
}
