package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ssd-technologies/lansync/internal/state"
)

// --- Connections ---

type probeRequest struct {
	URLs []string `json:"urls"`
}

func (s *Server) handleProbe(c *gin.Context) {
	var req probeRequest
	if !bind(c, &req) {
		return
	}
	c.JSON(http.StatusOK, s.admission.Probe(c.Request.Context(), req.URLs))
}

type connectRequest struct {
	URL string `json:"url"`
}

// handleConnect adopts a folder as this process's LAN storage. The attempt is
// recorded whether or not it succeeds.
func (s *Server) handleConnect(c *gin.Context) {
	var req connectRequest
	if !bind(c, &req) {
		return
	}
	ctx := c.Request.Context()
	p, err := s.admission.Connect(ctx, req.URL)
	if _, rerr := s.db.RecordConnection(req.URL, p, err); rerr != nil {
		s.logger.Warn("record connection", zap.Error(rerr))
	}
	if err != nil {
		s.fail(c, err)
		return
	}

	s.state.SetHosting(s.state.Settings().AllowHosting, p)
	if !s.persistSettings(c) {
		return
	}
	s.logger.Info("connected storage", zap.String("url", req.URL), zap.String("path", p))
	c.JSON(http.StatusOK, gin.H{"path": p, "settings": s.state.Settings()})
}

type folderRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleCanWriteToFolder(c *gin.Context) {
	var req folderRequest
	if !bind(c, &req) {
		return
	}
	du, err := s.admission.CanWriteToFolder(c.Request.Context(), req.Path)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "diskUsage": du})
}

func (s *Server) handleConnections(c *gin.Context) {
	list, err := s.db.ListConnections(50)
	if err != nil {
		s.fail(c, err)
		return
	}
	if list == nil {
		c.JSON(http.StatusOK, []any{})
		return
	}
	c.JSON(http.StatusOK, list)
}

// --- Settings ---

type hostingRequest struct {
	AllowHosting     bool    `json:"allowHosting"`
	MyLanStoragePath *string `json:"myLanStoragePath,omitempty"`
}

// handleSetHosting switches hosting on or off. A new storage path is admitted
// like a connect; an empty one disconnects the folder.
func (s *Server) handleSetHosting(c *gin.Context) {
	var req hostingRequest
	if !bind(c, &req) {
		return
	}
	p := s.state.Settings().MyLanStoragePath
	if req.MyLanStoragePath != nil && *req.MyLanStoragePath != p {
		p = *req.MyLanStoragePath
		if p != "" {
			resolved, err := s.admission.Connect(c.Request.Context(), p)
			if _, rerr := s.db.RecordConnection(p, resolved, err); rerr != nil {
				s.logger.Warn("record connection", zap.Error(rerr))
			}
			if err != nil {
				s.fail(c, err)
				return
			}
			p = resolved
		}
	}
	s.state.SetHosting(req.AllowHosting, p)
	if !s.persistSettings(c) {
		return
	}
	s.logger.Info("hosting changed", zap.Bool("allow", req.AllowHosting), zap.String("path", p))
	c.JSON(http.StatusOK, s.state.Settings())
}

type proxyRequest struct {
	ProxyURL      string `json:"proxyUrl"`
	ProxyServerID string `json:"proxyServerId"`
}

func (s *Server) handleSetProxy(c *gin.Context) {
	var req proxyRequest
	if !bind(c, &req) {
		return
	}
	s.state.SetProxy(req.ProxyURL, req.ProxyServerID)
	if !s.persistSettings(c) {
		return
	}
	c.JSON(http.StatusOK, s.state.Settings())
}

func (s *Server) handleGetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.state.Settings())
}

// persistSettings saves the current settings and notifies the LAN node.
func (s *Server) persistSettings(c *gin.Context) bool {
	if err := s.db.SaveSettings(s.state.Settings()); err != nil {
		s.fail(c, err)
		return false
	}
	s.onSettings(c.Request.Context())
	return true
}

// --- LAN ---

type hostsSnapshot struct {
	MyServerID string           `json:"myServerId"`
	MyIP       string           `json:"myIP"`
	AmHosting  bool             `json:"amHosting"`
	Hosts      []state.HostInfo `json:"hosts"`
	Peers      []state.PeerInfo `json:"peers"`
}

func (s *Server) snapshot() hostsSnapshot {
	snap := hostsSnapshot{
		MyServerID: s.state.MyServerID(),
		MyIP:       s.state.MyIP(),
		AmHosting:  s.state.AmHosting(),
		Hosts:      s.state.RankedHosts(),
		Peers:      s.state.Peers(),
	}
	if snap.Hosts == nil {
		snap.Hosts = []state.HostInfo{}
	}
	if snap.Peers == nil {
		snap.Peers = []state.PeerInfo{}
	}
	return snap
}

func (s *Server) handleHosts(c *gin.Context) {
	c.JSON(http.StatusOK, s.snapshot())
}

// wsEvent is the JSON frame pushed to event subscribers.
type wsEvent struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// eventPoll is how often the events stream checks the state version.
const eventPoll = 250 * time.Millisecond

// handleEvents streams a hosts snapshot whenever the LAN state changes.
func (s *Server) handleEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// The reader only detects the peer going away; inbound frames are ignored.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("websocket read", zap.Error(err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(eventPoll)
	defer ticker.Stop()

	var last uint64
	sent := false
	for {
		if v := s.state.Version(); !sent || v != last {
			last, sent = v, true
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(wsEvent{Type: "hosts", Payload: s.snapshot()}); err != nil {
				s.logger.Debug("websocket write", zap.Error(err))
				return
			}
		}
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case <-ticker.C:
		}
	}
}
