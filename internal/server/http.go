package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ToteLedger/internal/engine"
	"ToteLedger/internal/event"
	"ToteLedger/internal/observability"
	"ToteLedger/internal/query"
	"ToteLedger/internal/wager"
)

const submitTimeout = 10 * time.Second

// HTTPServer is the interactive API surface. Writes are converted to typed
// commands and submitted to the engine; reads go to the query service. NATS
// remains the high-throughput command path.
type HTTPServer struct {
	submissions chan<- engine.Submission
	query       *query.Service
	metrics     *observability.Metrics
	logger      zerolog.Logger
	srv         *http.Server
}

func NewHTTPServer(addr string, submissions chan<- engine.Submission, qs *query.Service, metrics *observability.Metrics) *HTTPServer {
	s := &HTTPServer{
		submissions: submissions,
		query:       qs,
		metrics:     metrics,
		logger:      observability.NewLogger("http"),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/v1")
	{
		v1.POST("/events", s.postInitializeEvent)
		v1.POST("/events/:code/deposits", s.postDeposit)
		v1.POST("/events/:code/end", s.postEndSale)
		v1.POST("/events/:code/winner", s.postSelectWinner)
		v1.POST("/events/:code/cancel", s.postCancelEvent)
		v1.POST("/events/:code/distributions", s.postDistributeRewards)
		v1.POST("/events/:code/refunds", s.postRefundTokens)
		v1.POST("/events/:code/owner-cut", s.postWithdrawOwnerCut)

		reads := v1.Group("", s.recordQueryMetrics())
		reads.GET("/events", s.getEvents)
		reads.GET("/events/:code", s.getEvent)
		reads.GET("/events/:code/entries", s.getEntries)
		reads.GET("/events/:code/entries/:holder", s.getEntry)
		reads.GET("/events/:code/settlement", s.getSettlementPreview)
		reads.GET("/holders/:holder/journal", s.getJournalHistory)

		reads.GET("/admin/integrity", s.getIntegrity)
	}

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// recordQueryMetrics instruments the read routes by route template.
func (s *HTTPServer) recordQueryMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.metrics == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		status := strconv.Itoa(c.Writer.Status())
		s.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
		s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		if c.Writer.Status() >= http.StatusBadRequest {
			s.metrics.QueryErrors.WithLabelValues(endpoint, status).Inc()
		}
	}
}

// Handler exposes the router for in-process tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until the listener fails or Shutdown is called.
func (s *HTTPServer) Run() error {
	s.logger.Info().Str("addr", s.srv.Addr).Msg("http server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// --- write handlers ---

type commandMeta struct {
	CommandID   string `json:"command_id"`
	Caller      string `json:"caller"`
	TimestampUs int64  `json:"timestamp_us"`
}

// resolve fills defaults: a fresh command ID when the client sent none (the
// request is then not retryable-idempotent, which is the client's choice) and
// the receive time as the versioned timestamp.
func (m *commandMeta) resolve() (uuid.UUID, time.Time, error) {
	id := uuid.New()
	if m.CommandID != "" {
		parsed, err := uuid.Parse(m.CommandID)
		if err != nil {
			return uuid.Nil, time.Time{}, err
		}
		id = parsed
	}
	at := time.Now()
	if m.TimestampUs != 0 {
		at = time.UnixMicro(m.TimestampUs)
	}
	return id, at, nil
}

type initializeEventRequest struct {
	commandMeta
	Code            string `json:"code"`
	SideA           string `json:"side_a"`
	SideB           string `json:"side_b"`
	OwnerCutPercent int64  `json:"owner_cut_percent"`
	DepositStartUs  int64  `json:"deposit_start_us"`
	DepositEndUs    int64  `json:"deposit_end_us"`
}

func (s *HTTPServer) postInitializeEvent(c *gin.Context) {
	var req initializeEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, at, err := req.resolve()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid command_id"})
		return
	}

	s.submit(c, &event.InitializeEvent{
		CommandID:       id,
		Caller:          req.Caller,
		Code:            req.Code,
		SideNames:       [2]string{req.SideA, req.SideB},
		OwnerCutPercent: req.OwnerCutPercent,
		DepositStart:    time.UnixMicro(req.DepositStartUs),
		DepositEnd:      time.UnixMicro(req.DepositEndUs),
		At:              at,
	})
}

type depositRequest struct {
	commandMeta
	Side   int   `json:"side"`
	Amount int64 `json:"amount"`
}

func (s *HTTPServer) postDeposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, at, err := req.resolve()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid command_id"})
		return
	}

	s.submit(c, &event.Deposit{
		CommandID: id,
		Caller:    req.Caller,
		Code:      c.Param("code"),
		Side:      req.Side,
		Amount:    req.Amount,
		At:        at,
	})
}

func (s *HTTPServer) postEndSale(c *gin.Context) {
	var req commandMeta
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, at, err := req.resolve()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid command_id"})
		return
	}

	s.submit(c, &event.EndSale{CommandID: id, Caller: req.Caller, Code: c.Param("code"), At: at})
}

type selectWinnerRequest struct {
	commandMeta
	Side int `json:"side"`
}

func (s *HTTPServer) postSelectWinner(c *gin.Context) {
	var req selectWinnerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, at, err := req.resolve()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid command_id"})
		return
	}

	s.submit(c, &event.SelectWinner{
		CommandID: id,
		Caller:    req.Caller,
		Code:      c.Param("code"),
		Side:      req.Side,
		At:        at,
	})
}

func (s *HTTPServer) postCancelEvent(c *gin.Context) {
	var req commandMeta
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, at, err := req.resolve()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid command_id"})
		return
	}

	s.submit(c, &event.CancelEvent{CommandID: id, Caller: req.Caller, Code: c.Param("code"), At: at})
}

type pageRequest struct {
	commandMeta
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

func (s *HTTPServer) postDistributeRewards(c *gin.Context) {
	var req pageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, at, err := req.resolve()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid command_id"})
		return
	}

	s.submit(c, &event.DistributeRewards{
		CommandID: id,
		Caller:    req.Caller,
		Code:      c.Param("code"),
		Offset:    req.Offset,
		Limit:     req.Limit,
		At:        at,
	})
}

func (s *HTTPServer) postRefundTokens(c *gin.Context) {
	var req pageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, at, err := req.resolve()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid command_id"})
		return
	}

	s.submit(c, &event.RefundTokens{
		CommandID: id,
		Caller:    req.Caller,
		Code:      c.Param("code"),
		Offset:    req.Offset,
		Limit:     req.Limit,
		At:        at,
	})
}

func (s *HTTPServer) postWithdrawOwnerCut(c *gin.Context) {
	var req commandMeta
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, at, err := req.resolve()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid command_id"})
		return
	}

	s.submit(c, &event.WithdrawOwnerCut{CommandID: id, Caller: req.Caller, Code: c.Param("code"), At: at})
}

// submit blocks on the engine's reply and writes the HTTP response.
func (s *HTTPServer) submit(c *gin.Context, cmd event.Command) {
	reply := make(chan engine.Result, 1)

	ctx, cancel := context.WithTimeout(c.Request.Context(), submitTimeout)
	defer cancel()

	select {
	case s.submissions <- engine.Submission{Cmd: cmd, Reply: reply}:
	case <-ctx.Done():
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "engine busy"})
		return
	}

	select {
	case result := <-reply:
		if result.Err != nil {
			c.JSON(statusFor(result.Err), gin.H{"error": result.Err.Error()})
			return
		}
		resp := gin.H{
			"command_id": cmd.IdempotencyKey(),
			"accepted":   true,
		}
		if result.Receipt != nil {
			resp["receipt"] = result.Receipt
		}
		c.JSON(http.StatusOK, resp)
	case <-ctx.Done():
		// The command may still be applied; the client retries with the same
		// command_id and dedup makes it safe.
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "engine reply timed out"})
	}
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, wager.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, wager.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, wager.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, wager.ErrInvalidState), errors.Is(err, wager.ErrAlreadyDone):
		return http.StatusConflict
	case errors.Is(err, wager.ErrTransferFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// --- read handlers ---

func (s *HTTPServer) getEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	events, err := s.query.ListEvents(c.Request.Context(), c.Query("status"), limit)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *HTTPServer) getEvent(c *gin.Context) {
	ev, err := s.query.GetEvent(c.Request.Context(), c.Param("code"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ev)
}

func (s *HTTPServer) getEntries(c *gin.Context) {
	side, _ := strconv.Atoi(c.DefaultQuery("side", "-1"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	entries, err := s.query.ListEntries(c.Request.Context(), c.Param("code"), side, offset, limit)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *HTTPServer) getEntry(c *gin.Context) {
	entry, err := s.query.GetEntry(c.Request.Context(), c.Param("code"), c.Param("holder"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *HTTPServer) getSettlementPreview(c *gin.Context) {
	side, _ := strconv.Atoi(c.DefaultQuery("side", "-1"))
	preview, err := s.query.PreviewSettlement(c.Request.Context(), c.Param("code"), side)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, preview)
}

func (s *HTTPServer) getJournalHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	var after *int64
	if v := c.Query("after_sequence"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid after_sequence"})
			return
		}
		after = &seq
	}

	entries, err := s.query.GetJournalHistory(c.Request.Context(), c.Param("holder"), limit, after)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"journal": entries})
}

func (s *HTTPServer) getIntegrity(c *gin.Context) {
	report, err := s.query.VerifyIntegrity(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}
