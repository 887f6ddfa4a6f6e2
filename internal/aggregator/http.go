package aggregator

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/danielpatrickdp/edgesync/go-node/internal/wire"
)

const (
	protobufType    = "application/x-protobuf"
	maxRequestBytes = 1 << 20
)

// ErrorResponse is the JSON body of a failed REST call.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	ServerVersion uint64 `json:"server_version"`
}

// VersionResponse is the body of GET /sync/version.
type VersionResponse struct {
	ServerVersion uint64 `json:"server_version"`
	Patterns      int    `json:"patterns"`
}

// ContentResponse is the body of POST /content.
type ContentResponse struct {
	Status string `json:"status"`
	Added  int    `json:"added"`
}

// NewRouter returns a gin engine serving the REST API under /api/v1.
func NewRouter(a *Aggregator) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	RegisterRoutes(r.Group("/api/v1"), a)
	return r
}

// RegisterRoutes mounts the sync API on g.
func RegisterRoutes(g *gin.RouterGroup, a *Aggregator) {
	h := &handlers{agg: a}
	g.GET("/health", h.health)
	g.POST("/sync", h.sync)
	g.GET("/sync/version", h.version)
	g.GET("/stats", h.stats)
	g.POST("/content", h.content)
}

type handlers struct {
	agg *Aggregator
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", ServerVersion: h.agg.version()})
}

// sync takes a protobuf SyncRequest body and answers with a SyncResponse.
// A throttled device gets 429 with the envelope still attached.
func (h *handlers) sync(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "read body: " + err.Error()})
		return
	}
	req, err := wire.UnmarshalRequest(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if hdr := c.GetHeader("X-Device-ID"); hdr != "" && hdr != req.DeviceID {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "X-Device-ID does not match request"})
		return
	}

	resp, err := h.agg.HandleSync(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
		return
	}
	code := http.StatusOK
	if resp.Status == wire.StatusRateLimited {
		code = http.StatusTooManyRequests
		c.Header("Retry-After", strconv.Itoa(h.agg.retryAfterSeconds()))
	}
	c.Data(code, protobufType, wire.MarshalResponse(resp))
}

func (h *handlers) version(c *gin.Context) {
	s := h.agg.Stats()
	c.JSON(http.StatusOK, VersionResponse{ServerVersion: s.ServerVersion, Patterns: s.Patterns})
}

func (h *handlers) stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.agg.Stats())
}

// content accepts a JSON array of catalog entries to announce to devices.
func (h *handlers) content(c *gin.Context) {
	var refs []wire.ContentRef
	if err := c.ShouldBindJSON(&refs); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	added := h.agg.AddItems(refs...)
	c.JSON(http.StatusCreated, ContentResponse{Status: "accepted", Added: added})
}
