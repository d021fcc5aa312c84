// Package api 提供只读 HTTP 查询接口：运行状态、上下文汇总、订单事件
// 与资金曲线。不暴露任何写操作。
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"tradesim/internal/store"
	"tradesim/internal/types"
)

// Status 由引擎侧提供的运行时快照。
type Status struct {
	Ticks    int                    `json:"ticks"`
	Contexts []types.ContextSummary `json:"contexts"`
}

// StatusFunc 返回当前运行状态，由协调器一侧注入。
type StatusFunc func() Status

// Server 是查询服务。
type Server struct {
	addr   string
	st     *store.SQLStore
	status StatusFunc
	router *gin.Engine
}

// Config 是查询服务的装配参数。
type Config struct {
	Addr   string
	Store  *store.SQLStore
	Status StatusFunc
}

// NewServer 构建路由。
func NewServer(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("api: store 不能为空")
	}
	if cfg.Status == nil {
		return nil, errors.New("api: status 函数不能为空")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9980"
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{addr: cfg.Addr, st: cfg.Store, status: cfg.Status, router: router}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	api := s.router.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/summaries", s.handleSummaries)
	api.GET("/events", s.handleEvents)
	api.GET("/equity", s.handleEquity)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.status())
}

func (s *Server) handleSummaries(c *gin.Context) {
	list, err := s.st.ListSummaries(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"summaries": list})
}

func (s *Server) handleEvents(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit 必须为非负整数"})
			return
		}
		limit = n
	}
	list, err := s.st.ListEvents(c.Request.Context(), c.Query("context"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": list})
}

func (s *Server) handleEquity(c *gin.Context) {
	list, err := s.st.ListEquity(c.Request.Context(), c.Query("context"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"equity": list})
}

// Start 启动 HTTP 服务并阻塞，ctx 取消时优雅关停。
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
