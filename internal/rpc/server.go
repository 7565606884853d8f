// Package rpc serves the daemon's JSON-RPC 2.0 API and its websocket event
// stream.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/klingon-exchange/coinswap/internal/config"
	"github.com/klingon-exchange/coinswap/internal/maker"
	"github.com/klingon-exchange/coinswap/internal/protocol"
	"github.com/klingon-exchange/coinswap/internal/storage"
	"github.com/klingon-exchange/coinswap/internal/taker"
	"github.com/klingon-exchange/coinswap/internal/wallet"
	"github.com/klingon-exchange/coinswap/pkg/logging"
)

// Node is the part of the p2p node the API reports on. It is nil when the
// daemon runs on the in-process simnet network.
type Node interface {
	PeerID() string
	Addrs() []string
	PeerCount() int
	Uptime() time.Duration
	ConnectByAddr(ctx context.Context, addr string) error
}

// Deps are the services the API exposes. Taker is nil on a maker and Maker
// is nil on a taker.
type Deps struct {
	Config    *config.Config
	Node      Node
	Directory protocol.Directory
	Store     *storage.Storage
	Wallet    *wallet.Service
	Taker     *taker.Taker
	Maker     *maker.Maker
}

// Server is a JSON-RPC 2.0 server.
type Server struct {
	deps  Deps
	log   *logging.Logger
	wsHub *WSHub

	engine   *gin.Engine
	server   *http.Server
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error. Data carries the swap error code
// when the failure has one.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// errInvalidParams marks handler errors caused by the caller's params.
var errInvalidParams = errors.New("invalid params")

func invalidParams(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errInvalidParams, fmt.Sprintf(format, args...))
}

// decodeParams unmarshals params into v. Absent params leave v untouched.
func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return invalidParams("%v", err)
	}
	return nil
}

// NewServer creates a server and subscribes it to session events.
func NewServer(deps Deps) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		deps:     deps,
		log:      logging.GetDefault().Component("rpc"),
		wsHub:    NewWSHub(),
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string]Handler),
	}
	s.registerHandlers()
	s.engine = s.router()

	if deps.Taker != nil {
		deps.Taker.OnEvent(s.onSessionEvent)
	}
	if deps.Maker != nil {
		deps.Maker.OnEvent(s.onSessionEvent)
	}
	return s
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	s.handlers["node_info"] = s.nodeInfo
	s.handlers["node_status"] = s.nodeStatus
	s.handlers["peers_connect"] = s.peersConnect

	s.handlers["makers_list"] = s.makersList
	s.handlers["makers_known"] = s.makersKnown

	s.handlers["wallet_status"] = s.walletStatus
	s.handlers["wallet_generate"] = s.walletGenerate
	s.handlers["wallet_validateMnemonic"] = s.walletValidateMnemonic
	s.handlers["wallet_create"] = s.walletCreate
	s.handlers["wallet_unlock"] = s.walletUnlock
	s.handlers["wallet_lock"] = s.walletLock
	s.handlers["wallet_getAddress"] = s.walletGetAddress
	s.handlers["wallet_sync"] = s.walletSync
	s.handlers["wallet_getBalance"] = s.walletGetBalance
	s.handlers["wallet_listCoins"] = s.walletListCoins
	s.handlers["wallet_send"] = s.walletSend
	s.handlers["wallet_createFidelityBond"] = s.walletCreateFidelityBond

	s.handlers["swap_run"] = s.swapRun
	s.handlers["swap_list"] = s.swapList
	s.handlers["swap_status"] = s.swapStatus
	s.handlers["swap_history"] = s.swapHistory
	s.handlers["swap_recover"] = s.swapRecover
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), corsMiddleware())

	r.POST("/", s.handleRPC)
	r.GET("/ws", s.handleWS)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": Version})
	})
	return r
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start starts the RPC server.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.wsHub.Run(s.ctx)

	// swap_run with wait can take as long as the swap, so no write timeout.
	s.server = &http.Server{
		Handler:     s.engine,
		ReadTimeout: 30 * time.Second,
	}
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", addr, "ws", "ws://"+addr+"/ws")
	return nil
}

// Stop stops the RPC server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

func (s *Server) onSessionEvent(ev protocol.SessionEvent) {
	s.wsHub.Broadcast(EventSessionUpdate, ev)
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(c *gin.Context) {
	var req Request
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		s.writeError(c, nil, ParseError, "Parse error", nil)
		return
	}
	if req.JSONRPC != "2.0" {
		s.writeError(c, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		s.writeError(c, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}

	result, err := handler(c.Request.Context(), req.Params)
	if err != nil {
		code := InternalError
		if errors.Is(err, errInvalidParams) {
			code = InvalidParams
		}
		var data interface{}
		if swapCode := protocol.ErrorCode(err); swapCode != protocol.CodeInternal {
			data = swapCode
		}
		s.log.Debug("RPC call failed", "method", req.Method, "error", err)
		s.writeError(c, req.ID, code, err.Error(), data)
		return
	}
	c.JSON(http.StatusOK, Response{JSONRPC: "2.0", Result: result, ID: req.ID})
}

// writeError writes an error response.
func (s *Server) writeError(c *gin.Context, id interface{}, code int, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		JSONRPC: "2.0",
		Error:   &Error{Code: code, Message: message, Data: data},
		ID:      id,
	})
}

// corsMiddleware allows browser clients from any origin.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", strings.Join([]string{"GET", "POST", "OPTIONS"}, ", "))
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
