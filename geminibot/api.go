package geminibot

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	apiPrefix                = "/api"
	apiHealthCheck           = "/healthz"
	apiPathChannels          = "/channels"
	apiPathChannelHistory    = "/channels/:id/history"
	apiPathServerPrompt      = "/servers/:id/prompt"
	apiPathModels            = "/models"
	apiPathModel             = "/model"
	apiPathCompletions       = "/completions"
	apiPathRegisterCommands  = "/discord/register_commands"
	defaultPaginationLimit   = 25
	authorizationBearerToken = "Bearer "
)

const (
	xRequestIDHeader = "X-Request-ID"
)

var (
	structValidator = validator.New()
)

const (
	sortAscending  = "asc"
	sortDescending = "desc"
)

// API is the admin HTTP API. Every route under /api requires the
// configured secret as a bearer token.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
	handlers   *APIHandlers
}

func newAPI(b *Bot, config *APIConfig) (*API, error) {
	logger := slog.New(newLogHandler(config.LogLevel)).With(loggerNameKey, "api")

	r := gin.New()

	api := &API{
		config: config,
		engine: r,
		logger: logger,
	}
	handlers := &APIHandlers{b: b}
	api.handlers = handlers

	var tlsCfg *tls.Config
	if config.SSL.CertFile != "" {
		cfg, err := tlsConfig(
			config.SSL.CertFile,
			config.SSL.KeyFile,
			config.SSL.TLSMinVersion,
		)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		tlsCfg = cfg
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		cors.New(config.CORS.GINConfig()),
	)

	r.GET(apiHealthCheck, handlers.healthCheck)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(config.Secret, logger))

	protected.GET(apiPathChannels, handlers.getChannels)
	protected.GET(apiPathChannelHistory, handlers.getChannelHistory)
	protected.DELETE(apiPathChannelHistory, handlers.clearChannelHistory)
	protected.GET(apiPathServerPrompt, handlers.getServerPrompt)
	protected.PUT(apiPathServerPrompt, handlers.setServerPrompt)
	protected.DELETE(apiPathServerPrompt, handlers.clearServerPrompt)
	protected.GET(apiPathModels, handlers.getModels)
	protected.GET(apiPathModel, handlers.getModel)
	protected.PUT(apiPathModel, handlers.setModel)
	protected.GET(apiPathCompletions, handlers.getCompletions)
	protected.POST(apiPathRegisterCommands, handlers.discordRegisterCommands)

	return api, nil
}

// Serve listens on the configured address and serves the API until
// the server is shut down. TLS is used when a certificate is configured.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "serving api", "address", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

// APIHandlers implements the API's routes
type APIHandlers struct {
	b *Bot
}

// Pagination represents the pagination parameters for API requests.
type Pagination struct {
	Limit  int    `form:"limit" binding:"omitempty,min=1,max=100"`
	Order  string `form:"order" binding:"omitempty,oneof=asc desc"`
	Offset int    `form:"offset" binding:"omitempty,min=0"`
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool      `json:"discord_gateway_connected"`
	ActiveModel             string    `json:"active_model"`
	Channels                int       `json:"channels"`
	StartedAt               time.Time `json:"started_at"`
}

type channelSummary struct {
	ChannelID string `json:"channel_id"`
	Size      int    `json:"size"`
}

type channelHistoryResponse struct {
	ChannelID string             `json:"channel_id"`
	Size      int                `json:"size"`
	Capacity  int                `json:"capacity"`
	Turns     []ConversationTurn `json:"turns"`
}

type serverPromptResponse struct {
	ServerID string `json:"server_id"`
	Prompt   string `json:"prompt"`
}

type serverPromptPayload struct {
	Prompt string `json:"prompt" binding:"required"`
}

type activeModelResponse struct {
	Model string     `json:"model"`
	Info  *ModelInfo `json:"info,omitempty"`
}

type setModelPayload struct {
	Model string `json:"model" binding:"required"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			DiscordGatewayConnected: h.b.discord.connected.Load(),
			ActiveModel:             h.b.models.Active(),
			Channels:                len(h.b.history.Channels()),
			StartedAt:               h.b.startedAt,
		},
	)
}

// getChannels lists channels with a non-empty history
func (h *APIHandlers) getChannels(c *gin.Context) {
	ids := h.b.history.Channels()
	channels := make([]channelSummary, 0, len(ids))
	for _, id := range ids {
		channels = append(
			channels,
			channelSummary{ChannelID: id, Size: h.b.history.Size(id)},
		)
	}
	c.JSON(http.StatusOK, channels)
}

func (h *APIHandlers) getChannelHistory(c *gin.Context) {
	channelID := c.Param("id")
	turns := h.b.history.ReadAll(channelID)
	c.JSON(
		http.StatusOK, channelHistoryResponse{
			ChannelID: channelID,
			Size:      len(turns),
			Capacity:  h.b.history.Capacity(),
			Turns:     turns,
		},
	)
}

func (h *APIHandlers) clearChannelHistory(c *gin.Context) {
	channelID := c.Param("id")
	h.b.history.Clear(channelID)
	ginContextLogger(c).Info("cleared channel history", "channel_id", channelID)
	ginReplyMessage(c, "history cleared")
}

func (h *APIHandlers) getServerPrompt(c *gin.Context) {
	serverID := c.Param("id")
	prompt, ok := h.b.prompts.Get(serverID)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: "no prompt set"})
		return
	}
	c.JSON(http.StatusOK, serverPromptResponse{ServerID: serverID, Prompt: prompt})
}

func (h *APIHandlers) setServerPrompt(c *gin.Context) {
	serverID := c.Param("id")
	var payload serverPromptPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if err := h.b.prompts.Set(serverID, payload.Prompt); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	ginContextLogger(c).Info("set server prompt", "guild_id", serverID)
	c.JSON(
		http.StatusOK,
		serverPromptResponse{ServerID: serverID, Prompt: payload.Prompt},
	)
}

func (h *APIHandlers) clearServerPrompt(c *gin.Context) {
	serverID := c.Param("id")
	if !h.b.prompts.Clear(serverID) {
		ginReplyMessage(c, "no prompt set")
		return
	}
	ginContextLogger(c).Info("cleared server prompt", "guild_id", serverID)
	ginReplyMessage(c, "prompt cleared")
}

func (h *APIHandlers) getModels(c *gin.Context) {
	c.JSON(http.StatusOK, h.b.models.Catalog())
}

func (h *APIHandlers) getModel(c *gin.Context) {
	active := h.b.models.Active()
	resp := activeModelResponse{Model: active}
	if info, ok := h.b.models.Catalog().Lookup(active); ok {
		resp.Info = &info
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandlers) setModel(c *gin.Context) {
	var payload setModelPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	info, err := h.b.models.SetActive(payload.Model)
	if err != nil {
		if errors.Is(err, ErrUnknownModel) {
			c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
			return
		}
		ginReplyError(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, activeModelResponse{Model: h.b.models.Active(), Info: &info})
}

// getCompletions returns a page of completion audit logs
func (h *APIHandlers) getCompletions(c *gin.Context) {
	if h.b.writeDB == nil {
		c.AbortWithStatusJSON(
			http.StatusNotFound,
			httpError{Error: "audit database disabled"},
		)
		return
	}

	var pagination Pagination
	if err := c.ShouldBindQuery(&pagination); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: "invalid pagination"})
		return
	}
	if pagination.Order == "" {
		pagination.Order = sortDescending
	}
	if pagination.Limit == 0 {
		pagination.Limit = defaultPaginationLimit
	}

	logs, err := h.b.writeDB.RecentCompletions(
		c.Request.Context(),
		pagination.Limit,
		pagination.Offset,
		pagination.Order,
	)
	if err != nil {
		ginContextLogger(c).ErrorContext(
			c.Request.Context(),
			"error getting completions",
			tint.Err(err),
		)
		ginReplyError(c, "error getting completions")
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("registering commands")

	created, err := h.b.discord.registerCommands()
	if err != nil {
		log.Error("error registering commands", tint.Err(err))
		ginReplyError(c, "error registering commands")
		return
	}
	c.JSON(http.StatusCreated, created)
}

// authMiddleware rejects requests that don't carry the API secret as
// a bearer token
func authMiddleware(secret string, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(header, authorizationBearerToken)
		if secret == "" || !found ||
			subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			logger.Warn(
				"unauthorized request",
				"path", c.Request.URL.Path,
				"remote_ip", c.RemoteIP(),
			)
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a unique request ID to each incoming request,
// and echoes it back in the X-Request-ID response header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	return setGinContextLogger(c, slog.Default())
}

func setGinContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it's finished, with
// its duration and response status
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := setGinContextLogger(c, logger)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // struct tags use gin's 'binding' name
func init() {
	structValidator.SetTagName("binding")
}
