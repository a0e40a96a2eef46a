package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"tradescout/pkg/breaker"
	"tradescout/pkg/cache"
	"tradescout/pkg/coordinator"
	"tradescout/pkg/logger"
	"tradescout/pkg/market"
	"tradescout/pkg/metrics"
	"tradescout/pkg/provider"
	"tradescout/pkg/ratelimit"
	"tradescout/pkg/registry"
)

var (
	logLevel    = flag.String("log-level", "info", "日志级别 (debug, info, warn, error)")
	logFormat   = flag.String("log-format", "json", "日志格式 (json or text)")
	configPath  = flag.String("config", "", "服务配置文件路径")
	sourcesPath = flag.String("sources", "", "数据源配置文件路径 (默认 ./config/data_sources.yaml)")
	redisAddr   = flag.String("redis", "", "Redis 地址，格式 host:port")
)

// Config 服务配置
type Config struct {
	Server struct {
		Port string `mapstructure:"port"`
		Mode string `mapstructure:"mode"` // debug, release, test
	} `mapstructure:"server"`

	Sources struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"sources"`

	Cache struct {
		Backend         string `mapstructure:"backend"` // memory, redis
		Enabled         bool   `mapstructure:"enabled"`
		MaxSizeBytes    int64  `mapstructure:"max_size_bytes"`
		CleanupSchedule string `mapstructure:"cleanup_schedule"`
	} `mapstructure:"cache"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	InfluxDB struct {
		Enabled bool   `mapstructure:"enabled"`
		URL     string `mapstructure:"url"`
		Token   string `mapstructure:"token"`
		Org     string `mapstructure:"org"`
		Bucket  string `mapstructure:"bucket"`
	} `mapstructure:"influxdb"`
}

// Server 聚合服务
type Server struct {
	config      *Config
	coordinator *coordinator.Coordinator
	registry    *registry.Registry
	dataCache   *cache.Cache
	observer    *metrics.InfluxObserver
	cron        *cron.Cron
	server      *http.Server
	log         *logger.Entry
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func main() {
	flag.Parse()

	logger.Init(logger.Config{Level: *logLevel, Format: *logFormat})
	log := logger.WithComponent("main")

	config, err := loadConfig()
	if err != nil {
		log.Errorf("配置加载失败: %v", err)
		os.Exit(1)
	}

	gin.SetMode(config.Server.Mode)

	srv, err := NewServer(config)
	if err != nil {
		log.Errorf("服务创建失败: %v", err)
		os.Exit(1)
	}
	defer srv.Close()

	if err := srv.Start(); err != nil {
		log.Errorf("服务启动失败: %v", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Infof("收到退出信号，正在关闭...")
	srv.Stop()
}

func loadConfig() (*Config, error) {
	if *configPath != "" {
		viper.SetConfigFile(*configPath)
	} else {
		viper.SetConfigName("tradescout")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
	}

	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.mode", "release")
	viper.SetDefault("sources.path", "./config/data_sources.yaml")
	viper.SetDefault("cache.backend", "memory")
	viper.SetDefault("cache.enabled", true)
	viper.SetDefault("cache.max_size_bytes", 500*1024*1024)
	viper.SetDefault("cache.cleanup_schedule", "@every 10m")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("influxdb.enabled", false)
	viper.SetDefault("influxdb.url", "http://localhost:8086")
	viper.SetDefault("influxdb.org", "tradescout")
	viper.SetDefault("influxdb.bucket", "provider_metrics")

	viper.SetEnvPrefix("TRADESCOUT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if *sourcesPath != "" {
		viper.Set("sources.path", *sourcesPath)
	}
	if *redisAddr != "" {
		viper.Set("redis.addr", *redisAddr)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &config, nil
}

// NewServer 按依赖顺序装配各组件
func NewServer(config *Config) (*Server, error) {
	log := logger.WithComponent("server")

	// 先读一遍数据源配置以获得失败追踪参数
	dsConfig, err := registry.LoadConfig(config.Sources.Path)
	if err != nil {
		return nil, err
	}
	tracker := breaker.NewTracker(dsConfig.ErrorHandling)

	reg, err := registry.New(config.Sources.Path, tracker)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.NewLimiter(0, reg.RateLimits)

	var store cache.Store
	switch config.Cache.Backend {
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		store, err = cache.NewRedisStore(ctx, cache.RedisStoreConfig{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		log.Infof("缓存后端: redis (%s)", config.Redis.Addr)
	default:
		store = cache.NewMemoryStore()
		log.Infof("缓存后端: memory")
	}

	dataCache := cache.New(store, cache.Config{
		MaxSizeBytes: config.Cache.MaxSizeBytes,
		Enabled:      config.Cache.Enabled,
	})

	adapters := map[string]provider.Adapter{}
	for _, id := range []string{"yfinance", "finnhub"} {
		if p, exists := reg.Provider(id); exists {
			switch id {
			case "yfinance":
				adapters[id] = provider.NewYFinance(p.Timeout)
			case "finnhub":
				adapters[id] = provider.NewFinnhub("", p.Timeout)
			}
		}
	}

	var opts []coordinator.Option
	var observer *metrics.InfluxObserver
	if config.InfluxDB.Enabled {
		observer = metrics.NewInfluxObserver(metrics.InfluxConfig{
			URL:    config.InfluxDB.URL,
			Token:  config.InfluxDB.Token,
			Org:    config.InfluxDB.Org,
			Bucket: config.InfluxDB.Bucket,
		})
		opts = append(opts, coordinator.WithObserver(observer))
		log.Infof("InfluxDB 指标上报已启用")
	}

	coord := coordinator.New(reg, dataCache, tracker, limiter, adapters, opts...)

	// 定时任务: 过期清理 + 体积淘汰
	c := cron.New()
	_, err = c.AddFunc(config.Cache.CleanupSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if n, err := dataCache.CleanupExpired(ctx); err == nil && n > 0 {
			log.Infof("定时清理过期缓存: %d 条", n)
		}
		_, _ = dataCache.EvictIfOverBudget(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule: %w", err)
	}

	return &Server{
		config:      config,
		coordinator: coord,
		registry:    reg,
		dataCache:   dataCache,
		observer:    observer,
		cron:        c,
		log:         log,
	}, nil
}

// Start 注册路由并启动 HTTP 服务
func (s *Server) Start() error {
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	router.GET("/health", s.health)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/quote/:symbol", s.getQuote)
		v1.GET("/quotes", s.getQuotes)
		v1.GET("/history/:symbol", s.getHistory)
		v1.GET("/fundamentals/:symbol", s.getFundamentals)
		v1.GET("/data/:type", s.getData)

		v1.GET("/providers", s.getProviders)
		v1.GET("/cache/stats", s.getCacheStats)
		v1.POST("/cache/invalidate", s.invalidateCache)
		v1.POST("/config/reload", s.reloadConfig)
	}

	s.server = &http.Server{
		Addr:    ":" + s.config.Server.Port,
		Handler: router,
	}

	s.cron.Start()
	s.log.Infof("服务启动，监听端口 %s", s.config.Server.Port)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("HTTP 服务异常退出: %v", err)
			os.Exit(1)
		}
	}()
	return nil
}

// Stop 优雅停止服务
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.cron.Stop()
	if err := s.server.Shutdown(ctx); err != nil {
		s.log.Errorf("HTTP 服务关闭失败: %v", err)
	}
}

// Close 释放资源
func (s *Server) Close() {
	if s.dataCache != nil {
		_ = s.dataCache.Close()
	}
	if s.observer != nil {
		s.observer.Close()
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(200, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now(),
	})
}

func (s *Server) getQuote(c *gin.Context) {
	symbol := c.Param("symbol")
	if symbol == "" {
		c.JSON(400, ErrorResponse{Error: "bad_request", Message: "Symbol is required"})
		return
	}

	result, err := s.coordinator.Fetch(c.Request.Context(),
		string(market.DataTypeCurrentQuotes), map[string]string{"symbol": symbol})
	s.respond(c, result, err)
}

func (s *Server) getQuotes(c *gin.Context) {
	raw := c.Query("symbols")
	if raw == "" {
		c.JSON(400, ErrorResponse{Error: "bad_request", Message: "symbols query parameter is required"})
		return
	}
	symbols := strings.Split(raw, ",")

	results := s.coordinator.Snapshot(c.Request.Context(), symbols)
	c.JSON(200, results)
}

func (s *Server) getHistory(c *gin.Context) {
	symbol := c.Param("symbol")
	params := map[string]string{"symbol": symbol}
	if interval := c.Query("interval"); interval != "" {
		params["interval"] = interval
	}
	if period := c.Query("period"); period != "" {
		params["period"] = period
	}

	result, err := s.coordinator.Fetch(c.Request.Context(),
		string(market.DataTypeHistoricalPrices), params)
	s.respond(c, result, err)
}

func (s *Server) getFundamentals(c *gin.Context) {
	symbol := c.Param("symbol")
	result, err := s.coordinator.Fetch(c.Request.Context(),
		string(market.DataTypeCompanyFundamentals), map[string]string{"symbol": symbol})
	s.respond(c, result, err)
}

// getData 通用入口，数据类型来自路径参数，其余查询参数透传
func (s *Server) getData(c *gin.Context) {
	dataType := c.Param("type")

	params := map[string]string{}
	for key, values := range c.Request.URL.Query() {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}

	result, err := s.coordinator.Fetch(c.Request.Context(), dataType, params)
	s.respond(c, result, err)
}

func (s *Server) respond(c *gin.Context, result market.Result, err error) {
	switch {
	case err == nil:
		c.JSON(200, result)
	case errors.Is(err, coordinator.ErrNoRoute):
		c.JSON(404, ErrorResponse{Error: "no_route", Message: err.Error()})
	case errors.Is(err, coordinator.ErrNoProviderAvailable):
		c.JSON(503, ErrorResponse{Error: "no_provider", Message: err.Error()})
	case errors.Is(err, coordinator.ErrCancelled):
		c.JSON(499, ErrorResponse{Error: "cancelled", Message: err.Error()})
	default:
		c.JSON(502, ErrorResponse{Error: "provider_error", Message: err.Error()})
	}
}

func (s *Server) getProviders(c *gin.Context) {
	c.JSON(200, map[string]interface{}{
		"providers": s.coordinator.ProviderStatus(),
		"timestamp": time.Now(),
	})
}

func (s *Server) getCacheStats(c *gin.Context) {
	c.JSON(200, s.coordinator.CacheStats())
}

func (s *Server) invalidateCache(c *gin.Context) {
	filter := cache.InvalidateFilter{
		Provider:        c.Query("provider"),
		Operation:       c.Query("operation"),
		SymbolSubstring: c.Query("symbol"),
	}

	removed, err := s.coordinator.InvalidateCache(c.Request.Context(), filter)
	if err != nil {
		c.JSON(500, ErrorResponse{Error: "internal_error", Message: err.Error()})
		return
	}
	c.JSON(200, map[string]interface{}{"removed": removed})
}

func (s *Server) reloadConfig(c *gin.Context) {
	if err := s.registry.Reload(); err != nil {
		c.JSON(400, ErrorResponse{Error: "invalid_config", Message: err.Error()})
		return
	}
	c.JSON(200, map[string]interface{}{"status": "reloaded"})
}
