// Package httpapi is the read-only HTTP surface of a node: identity, account
// and payment lookups, event polling, and a websocket event stream. Writes go
// through signed envelopes on POST /v1/submit.
package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"xdao.co/agentpay/auth"
	"xdao.co/agentpay/discovery"
	"xdao.co/agentpay/events"
	"xdao.co/agentpay/identity"
	"xdao.co/agentpay/node"
	"xdao.co/agentpay/protoerr"
	"xdao.co/agentpay/token"
)

const maxPage = 500

type Handler struct {
	Node   *node.Node
	Logger zerolog.Logger
	// StreamBuffer is the per-connection event buffer of /v1/stream.
	StreamBuffer int

	upgrader websocket.Upgrader
}

func NewHandler(n *node.Node, logger zerolog.Logger) *Handler {
	return &Handler{
		Node:         n,
		Logger:       logger.With().Str("component", "http").Logger(),
		StreamBuffer: 256,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the gin engine with every route registered.
func Router(h *Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), h.logRequests)
	RegisterRoutes(r.Group("/v1"), h)
	return r
}

func RegisterRoutes(rg *gin.RouterGroup, h *Handler) {
	rg.GET("/info", h.Info)
	rg.GET("/identities", h.ListIdentities)
	rg.GET("/identities/:id", h.GetIdentity)
	rg.GET("/resolve", h.Resolve)
	rg.GET("/identities/:id/account", h.GetAccount)
	rg.GET("/identities/:id/pending", h.GetPending)
	rg.GET("/identities/:id/outgoing", h.GetOutgoing)
	rg.GET("/identities/:id/history", h.GetHistory)
	rg.GET("/balances/:id", h.GetBalance)
	rg.GET("/requests", h.ListRequests)
	rg.GET("/requests/:rid", h.GetRequest)
	rg.GET("/events", h.ListEvents)
	rg.GET("/stream", h.Stream)
	rg.POST("/submit", h.Submit)
}

func (h *Handler) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	h.Logger.Debug().Str("method", c.Request.Method).Str("path", c.FullPath()).
		Int("status", c.Writer.Status()).Dur("took", time.Since(start)).Msg("request")
}

var httpStatus = map[protoerr.Code]int{
	protoerr.AlreadyRegistered: http.StatusConflict,
	protoerr.AlreadyDeployed:   http.StatusConflict,
	protoerr.NotRegistered:     http.StatusNotFound,
	protoerr.InvalidState:      http.StatusConflict,
	protoerr.TransferFailed:    http.StatusPaymentRequired,
	protoerr.InvalidAmount:     http.StatusBadRequest,
	protoerr.InvalidAddress:    http.StatusBadRequest,
	protoerr.Unauthorized:      http.StatusForbidden,
	protoerr.InvalidSignature:  http.StatusUnauthorized,
	protoerr.ReplayedNonce:     http.StatusConflict,
	protoerr.UnknownMethod:     http.StatusNotFound,
}

func writeError(c *gin.Context, err error) {
	code := protoerr.CodeOf(err)
	st, ok := httpStatus[code]
	if !ok {
		st = http.StatusInternalServerError
	}
	body := gin.H{"error": err.Error()}
	if code != "" {
		body["code"] = code
	}
	c.JSON(st, body)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func addressParam(c *gin.Context, name string) (identity.Address, bool) {
	id, err := identity.Parse(c.Param(name))
	if err != nil {
		badRequest(c, "invalid address: "+err.Error())
		return identity.Zero, false
	}
	return id, true
}

func uintQuery(c *gin.Context, name string, def uint64) (uint64, bool) {
	v := strings.TrimSpace(c.Query(name))
	if v == "" {
		return def, true
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return n, true
}

func pageParams(c *gin.Context) (offset uint64, limit int, ok bool) {
	offset, ok = uintQuery(c, "offset", 0)
	if !ok {
		return 0, 0, false
	}
	l, ok := uintQuery(c, "limit", 100)
	if !ok {
		return 0, 0, false
	}
	if l == 0 || l > maxPage {
		l = maxPage
	}
	return offset, int(l), true
}

func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, h.Node.Info())
}

func (h *Handler) ListIdentities(c *gin.Context) {
	offset, limit, ok := pageParams(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total":      h.Node.TotalIdentities(),
		"identities": h.Node.Identities(int(offset), limit),
	})
}

func (h *Handler) GetIdentity(c *gin.Context) {
	id, ok := addressParam(c, "id")
	if !ok {
		return
	}
	h.writeIdentity(c, id)
}

// Resolve looks up the identity named by an agentpay: URI in ?uri=.
func (h *Handler) Resolve(c *gin.Context) {
	p, err := discovery.Parse(c.Query("uri"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	h.writeIdentity(c, p.Identity)
}

func (h *Handler) writeIdentity(c *gin.Context, id identity.Address) {
	rec := h.Node.Lookup(id)
	if rec.RegisteredAt.IsZero() {
		c.JSON(http.StatusNotFound, gin.H{"error": "identity not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"identity":  id,
		"record":    rec,
		"uri":       discovery.Payload{Identity: id, DisplayName: rec.DisplayName, Network: h.Node.Network()},
		"account":   h.Node.ComputeAddress(id),
		"deployed":  h.Node.IsDeployed(id),
		"nextNonce": h.Node.NextNonce(id),
	})
}

func (h *Handler) GetAccount(c *gin.Context) {
	id, ok := addressParam(c, "id")
	if !ok {
		return
	}
	addr := h.Node.ComputeAddress(id)
	body := gin.H{"address": addr, "deployed": false}
	if acct, ok := h.Node.Account(addr); ok {
		body["deployed"] = true
		body["owner"] = acct.Owner
		body["deployedAt"] = acct.DeployedAt
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) GetPending(c *gin.Context) {
	id, ok := addressParam(c, "id")
	if !ok {
		return
	}
	ids := h.Node.Pending(id)
	if ids == nil {
		ids = []uint64{}
	}
	c.JSON(http.StatusOK, gin.H{"pending": ids})
}

func (h *Handler) GetOutgoing(c *gin.Context) {
	id, ok := addressParam(c, "id")
	if !ok {
		return
	}
	ids := h.Node.Outgoing(id)
	if ids == nil {
		ids = []uint64{}
	}
	c.JSON(http.StatusOK, gin.H{"outgoing": ids})
}

func (h *Handler) GetHistory(c *gin.Context) {
	id, ok := addressParam(c, "id")
	if !ok {
		return
	}
	cursor, ok := uintQuery(c, "cursor", 0)
	if !ok {
		return
	}
	_, limit, ok := pageParams(c)
	if !ok {
		return
	}
	evs := h.Node.History(id, cursor, limit)
	if evs == nil {
		evs = []events.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

func (h *Handler) GetBalance(c *gin.Context) {
	id, ok := addressParam(c, "id")
	if !ok {
		return
	}
	info := h.Node.Token()
	bal := h.Node.BalanceOf(id)
	c.JSON(http.StatusOK, gin.H{
		"owner":   id,
		"token":   info,
		"balance": bal,
		"display": token.FormatUnits(bal, info.Decimals),
	})
}

func (h *Handler) ListRequests(c *gin.Context) {
	offset, limit, ok := pageParams(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total":    h.Node.TotalRequests(),
		"requests": h.Node.Requests(offset, limit),
	})
}

func (h *Handler) GetRequest(c *gin.Context) {
	rid, err := strconv.ParseUint(c.Param("rid"), 10, 64)
	if err != nil {
		badRequest(c, "invalid request id")
		return
	}
	req, ok := h.Node.GetRequest(rid)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "request not found"})
		return
	}
	c.JSON(http.StatusOK, req)
}

func filterFromQuery(c *gin.Context) (events.Filter, bool) {
	var f events.Filter
	if p := c.Query("party"); p != "" {
		addr, err := identity.Parse(p)
		if err != nil {
			badRequest(c, "invalid party")
			return f, false
		}
		f.Party = addr
	}
	if ks := c.Query("kinds"); ks != "" {
		for _, s := range strings.Split(ks, ",") {
			k, err := events.ParseKind(strings.TrimSpace(s))
			if err != nil {
				badRequest(c, err.Error())
				return f, false
			}
			f.Kinds = append(f.Kinds, k)
		}
	}
	return f, true
}

// ListEvents returns events after ?cursor, optionally filtered by ?party and
// ?kinds (comma separated).
func (h *Handler) ListEvents(c *gin.Context) {
	cursor, ok := uintQuery(c, "cursor", 0)
	if !ok {
		return
	}
	_, limit, ok := pageParams(c)
	if !ok {
		return
	}
	f, ok := filterFromQuery(c)
	if !ok {
		return
	}
	evs := h.Node.Events().SinceFiltered(cursor, limit, f)
	if evs == nil {
		evs = []events.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"head": h.Node.Events().Head(), "events": evs})
}

// Submit accepts a signed envelope as the request body.
func (h *Handler) Submit(c *gin.Context) {
	var env auth.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		badRequest(c, "invalid envelope: "+err.Error())
		return
	}
	res, err := h.Node.Submit(c.Request.Context(), &env)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Stream upgrades to a websocket and writes one JSON event per text message:
// first every matching event after ?cursor, then live events. A client that
// falls behind is closed with a policy-violation close frame and can resume
// from the last seq it saw.
func (h *Handler) Stream(c *gin.Context) {
	cursor, ok := uintQuery(c, "cursor", 0)
	if !ok {
		return
	}
	f, ok := filterFromQuery(c)
	if !ok {
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	backlog, sub := h.Node.Events().Subscribe(cursor, f, h.StreamBuffer)
	defer sub.Close()
	log := h.Logger.With().Str("subscription", sub.ID.String()).Logger()

	// Reader goroutine notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug().Err(err).Msg("stream client closed unexpectedly")
				}
				return
			}
		}
	}()

	for _, e := range backlog {
		if err := conn.WriteJSON(e); err != nil {
			return
		}
	}
	for {
		select {
		case <-gone:
			return
		case e, ok := <-sub.C():
			if !ok {
				msg := "fell behind"
				if err := sub.Err(); err != nil && !errors.Is(err, events.ErrSlowConsumer) {
					msg = err.Error()
				}
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, msg), time.Now().Add(time.Second))
				log.Warn().Msg("stream dropped slow client")
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		}
	}
}
