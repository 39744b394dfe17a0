// Package httpapi exposes a small Gin debug surface alongside a replica:
// liveness, Prometheus metrics, and read-only consensus/file-map
// inspection. It is not on the client RPC path — clients still talk to a
// replica over the transport bus; this is an operational sidecar only.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/varunsly/raftfs/internal/server"
)

// Server wraps an http.Server serving the debug surface for one replica.
type Server struct {
	httpSrv *http.Server
	logger  *zap.Logger
}

// New builds the debug HTTP surface for fs, bound to addr (e.g. ":8080").
func New(addr string, fs *server.FileServer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now()})
	})

	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if mtr := fs.Metrics(); mtr != nil {
		gatherer = mtr.GetRegistry()
	}
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	router.GET("/status", func(c *gin.Context) {
		node := fs.Node()
		c.JSON(http.StatusOK, gin.H{
			"replica_id":   node.ID(),
			"role":         node.Role().String(),
			"term":         node.Term(),
			"leader_id":    node.LeaderID(),
			"commit_index": node.CommitIndex(),
		})
	})

	router.GET("/files/:name", func(c *gin.Context) {
		content, found := fs.InspectFile(c.Param("name"))
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"filename": c.Param("name"), "content": content})
	})

	return &Server{
		httpSrv: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Serve runs the HTTP server until it errors or is shut down; it never
// returns nil so callers can log the terminal error the same way as
// http.ErrServerClosed.
func (s *Server) Serve() error {
	s.logger.Info("starting debug http surface", zap.String("addr", s.httpSrv.Addr))
	return s.httpSrv.ListenAndServe()
}

// Shutdown closes the HTTP server immediately; it does not wait for
// in-flight requests to finish.
func (s *Server) Shutdown() error {
	return s.httpSrv.Close()
}
