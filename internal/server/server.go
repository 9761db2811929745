// Package server exposes the session manager over HTTP: a websocket
// endpoint for live sessions, a one-shot RPC endpoint, Prometheus metrics
// and a health probe.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"transactor/internal/session"
	"transactor/pkg/domain"
)

const (
	writeTimeout   = 10 * time.Second
	maxRequestSize = 16 << 20
)

// Server is the HTTP surface of the transactor.
type Server struct {
	manager  *session.Manager
	log      *zap.SugaredLogger
	router   *gin.Engine
	upgrader websocket.Upgrader
	http     *http.Server
	ctx      context.Context
	cancel   context.CancelFunc
}

// New builds the router. gatherer backs /metrics; base receives access
// logs.
func New(addr string, manager *session.Manager, gatherer prometheus.Gatherer, base *zap.Logger) *Server {
	if base == nil {
		base = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(ginzap.Ginzap(base, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(base, true))

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		manager: manager,
		log:     base.Named("server").Sugar(),
		router:  router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
	router.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	router.GET("/ws/:token", s.serveWebsocket)
	router.POST("/api/v1/rpc", s.serveRPC)
	s.http = &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until Shutdown.
func (s *Server) ListenAndServe() error {
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and ends open read loops. Sessions
// themselves are closed by the session manager.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) serveWebsocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warnw("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxRequestSize)
	socket := &wsSocket{conn: conn}
	sess, err := s.manager.Connect(c.Request.Context(), c.Param("token"), socket)
	if err != nil {
		frame, _ := session.EncodeResponse(session.ErrorResponse(nil, err))
		_ = socket.WriteFrame(c.Request.Context(), frame)
		_ = socket.Close("forbidden")
		return
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !sess.Closed() {
				s.log.Debugw("websocket read ended", "session", sess.ID, "error", err)
			}
			s.manager.Close(sess, session.ReasonClient)
			return
		}
		s.manager.Handle(s.ctx, sess, data)
	}
}

func (s *Server) serveRPC(c *gin.Context) {
	token := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
	if token == "" {
		s.writeError(c, domain.Forbidden("missing bearer token"))
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestSize))
	if err != nil {
		s.writeError(c, domain.BadRequest("read body: %v", err))
		return
	}
	resp, err := s.manager.Call(c.Request.Context(), token, body)
	if err != nil {
		s.writeError(c, err)
		return
	}
	frame, err := session.EncodeResponse(resp)
	if err != nil {
		s.writeError(c, domain.Internal(err))
		return
	}
	c.Data(http.StatusOK, "application/json", frame)
}

func (s *Server) writeError(c *gin.Context, err error) {
	frame, _ := session.EncodeResponse(session.ErrorResponse(nil, err))
	c.Data(httpStatus(err), "application/json", frame)
}

func httpStatus(err error) int {
	switch domain.StatusOf(err) {
	case domain.StatusForbidden:
		return http.StatusForbidden
	case domain.StatusBadRequest:
		return http.StatusBadRequest
	case domain.StatusResourceNotFound:
		return http.StatusNotFound
	case domain.StatusConnectionClosed:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// wsSocket adapts a websocket connection to session.Socket.
type wsSocket struct {
	conn *websocket.Conn
}

func (w *wsSocket) WriteFrame(_ context.Context, frame []byte) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, frame)
}

func (w *wsSocket) Close(reason string) error {
	code := websocket.CloseNormalClosure
	switch reason {
	case session.ReasonBackpressure, "forbidden":
		code = websocket.ClosePolicyViolation
	case session.ReasonShutdown, session.ReasonUpgrade:
		code = websocket.CloseGoingAway
	}
	_ = w.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeTimeout))
	return w.conn.Close()
}
