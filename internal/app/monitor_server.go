package app

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	gin "github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"splash-trader/internal/monitor"
	"splash-trader/internal/scheduler"
)

type jobLister interface {
	Jobs() []scheduler.Job
}

type pinger interface {
	Ping(ctx context.Context) error
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// newMonitorRouter 构建只读运维接口：/healthz、/events、/jobs。
// /events 支持 type、symbol、since（RFC3339）与 limit 参数。
func newMonitorRouter(svc *monitor.Service, jobs jobLister, db pinger, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()

	g.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("监控请求",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	})
	g.Use(gin.Recovery())

	g.GET("/healthz", func(c *gin.Context) {
		if err := db.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, apiError{Code: "store_unavailable", Message: err.Error()})
			return
		}
		counts, err := svc.Counts(c.Request.Context())
		if err != nil {
			logger.Warn("统计监控事件失败", zap.Error(err))
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "jobs": len(jobs.Jobs()), "events": counts})
	})

	g.GET("/events", func(c *gin.Context) {
		eventType, ok := monitor.ParseEventType(c.Query("type"))
		if !ok {
			c.JSON(http.StatusBadRequest, apiError{Code: "bad_type", Message: "未知的事件类型"})
			return
		}

		filter := monitor.Filter{
			Type:   eventType,
			Symbol: strings.TrimSpace(c.Query("symbol")),
			Limit:  200,
		}
		if qs := c.Query("limit"); qs != "" {
			v, err := strconv.Atoi(qs)
			if err != nil || v <= 0 {
				c.JSON(http.StatusBadRequest, apiError{Code: "bad_limit", Message: "limit 必须为正整数"})
				return
			}
			filter.Limit = v
		}
		if qs := c.Query("since"); qs != "" {
			since, err := time.Parse(time.RFC3339, qs)
			if err != nil {
				c.JSON(http.StatusBadRequest, apiError{Code: "bad_since", Message: "since 必须为 RFC3339 时间"})
				return
			}
			filter.Since = since
		}

		events, err := svc.Query(c.Request.Context(), filter)
		if err != nil {
			logger.Warn("读取监控事件失败", zap.Error(err))
			c.JSON(http.StatusInternalServerError, apiError{Code: "internal", Message: err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"rows": events})
	})

	g.GET("/jobs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rows": jobs.Jobs()})
	})

	return g
}

func startMonitorServer(ctx context.Context, handler http.Handler, addr string, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("监控接口已启动", zap.String("addr", addr))

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("关闭监控服务失败", zap.Error(err))
	}
	return nil
}
