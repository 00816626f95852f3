package handlers

import (
	"encoding/csv"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chaowei-dev/ton-cat-lottery/internal/chain"
	"github.com/chaowei-dev/ton-cat-lottery/internal/indexer"
	"github.com/chaowei-dev/ton-cat-lottery/internal/models"
	"github.com/chaowei-dev/ton-cat-lottery/internal/services"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/google/logger"
	"github.com/tonkeeper/tongo/tlb"
)

// HTTPHandler holds the dependencies for the HTTP handlers, like the lottery service.
type HTTPHandler struct {
	service *services.LotteryService
	index   *indexer.Indexer
	auth    Auth
}

// NewHTTPHandler creates a new HTTPHandler. index may be nil, in which case
// the transaction listing is unavailable.
func NewHTTPHandler(service *services.LotteryService, index *indexer.Indexer, auth Auth) *HTTPHandler {
	return &HTTPHandler{
		service: service,
		index:   index,
		auth:    auth,
	}
}

// RegisterRoutes registers all the application routes. Operations signed with
// the owner key are only reachable through the admin group.
func (h *HTTPHandler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.Use(gzip.Gzip(gzip.DefaultCompression))
	api.Use(h.auth.sessions())

	api.POST("/login", h.Login)
	api.POST("/logout", h.Logout)
	api.GET("/status", h.GetStatus)

	api.GET("/lottery", h.GetLottery)
	api.GET("/lottery/participants", h.ListParticipants)
	api.GET("/lottery/participants/:index", h.GetParticipant)
	api.GET("/lottery/winners", h.ListWinners)
	api.GET("/lottery/winners/export.csv", h.ExportWinnersCSV)
	api.GET("/lottery/winners/:round", h.GetWinner)
	api.POST("/lottery/join", h.Join)

	api.GET("/registry", h.GetRegistry)
	api.GET("/registry/balances/:address", h.GetRegistryBalance)
	api.GET("/registry/templates", h.ListTemplates)
	api.GET("/registry/templates/:id", h.GetTemplate)
	api.GET("/registry/items/:id", h.GetItem)

	api.GET("/reconcile", h.Reconcile)

	api.POST("/wallets", h.CreateWallet)
	api.GET("/wallets", h.ListWallets)

	api.POST("/messages", h.SubmitMessage)
	api.GET("/transactions", h.ListTransactions)

	admin := api.Group("")
	admin.Use(h.checkAdmin)

	admin.POST("/lottery/join-csv", h.UploadParticipantsCSV)
	admin.POST("/lottery/draw", h.DrawWinner)
	admin.POST("/lottery/rounds", h.StartNewRound)
	admin.POST("/lottery/withdraw", h.Withdraw)
	admin.POST("/lottery/registry", h.SetRegistryAddress)
	admin.POST("/registry/minter", h.SetAuthorizedMinter)
	admin.POST("/reconcile/:round", h.ResubmitMint)
	admin.POST("/wallets/:address/fund", h.FundWallet)
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, chain.ErrAuthorizationDenied):
		return http.StatusForbidden
	case errors.Is(err, chain.ErrPreconditionFailed):
		return http.StatusConflict
	case errors.Is(err, chain.ErrConfigurationMissing):
		return http.StatusPreconditionFailed
	case errors.Is(err, chain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, chain.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, chain.ErrInvalidSignature), errors.Is(err, chain.ErrBadSeqno):
		return http.StatusUnauthorized
	case errors.Is(err, chain.ErrInvalidBody), errors.Is(err, chain.ErrUnknownOp):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *HTTPHandler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Errorf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// respondTrace writes the trace of an operation together with its outcome.
func (h *HTTPHandler) respondTrace(c *gin.Context, trace *chain.Trace, err error) {
	if err != nil {
		status := statusFor(err)
		c.JSON(status, gin.H{"error": err.Error(), "trace": newTraceView(trace)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trace": newTraceView(trace)})
}

type transactionView struct {
	LT         uint64 `json:"lt"`
	Now        int64  `json:"now"`
	From       string `json:"from"`
	To         string `json:"to"`
	Op         string `json:"op"`
	Value      string `json:"value"`
	Success    bool   `json:"success"`
	Bounced    bool   `json:"bounced"`
	ExitReason string `json:"exitReason,omitempty"`
}

type traceView struct {
	ID           string            `json:"id"`
	Success      bool              `json:"success"`
	Transactions []transactionView `json:"transactions"`
}

func newTraceView(trace *chain.Trace) *traceView {
	if trace == nil {
		return nil
	}
	v := &traceView{ID: trace.ID.String(), Success: trace.Root().Success}
	for _, tx := range trace.Transactions {
		v.Transactions = append(v.Transactions, transactionView{
			LT:         tx.LT,
			Now:        tx.Now,
			From:       tx.From.String(),
			To:         tx.To.String(),
			Op:         tx.Op,
			Value:      chain.FormatTON(tx.Value),
			Success:    tx.Success,
			Bounced:    tx.Bounced,
			ExitReason: tx.ExitReason,
		})
	}
	return v
}

type lotteryView struct {
	Address          string  `json:"address"`
	Owner            string  `json:"owner"`
	EntryFee         string  `json:"entryFee"`
	MaxParticipants  int     `json:"maxParticipants"`
	CurrentRound     uint64  `json:"currentRound"`
	Active           bool    `json:"active"`
	ParticipantCount int     `json:"participantCount"`
	RegistryAddress  *string `json:"registryAddress"`
	DrawPolicy       string  `json:"drawPolicy"`
	Balance          string  `json:"balance"`
}

type participantView struct {
	Index      int    `json:"index"`
	Address    string `json:"address"`
	AmountPaid string `json:"amountPaid"`
	JoinedAt   int64  `json:"joinedAt"`
}

func newParticipantView(i int, p models.Participant) participantView {
	return participantView{
		Index:      i,
		Address:    p.Address.String(),
		AmountPaid: chain.FormatTON(p.AmountPaid),
		JoinedAt:   p.JoinedAt,
	}
}

// GetStatus returns the service summary.
func (h *HTTPHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Status())
}

// GetLottery returns the lottery contract snapshot.
func (h *HTTPHandler) GetLottery(c *gin.Context) {
	info := h.service.ContractInfo()
	v := lotteryView{
		Address:          h.service.LotteryAddress().String(),
		Owner:            info.Owner.String(),
		EntryFee:         chain.FormatTON(info.EntryFee),
		MaxParticipants:  info.MaxParticipants,
		CurrentRound:     info.CurrentRound,
		Active:           info.Active,
		ParticipantCount: info.ParticipantCount,
		DrawPolicy:       info.DrawPolicy,
		Balance:          chain.FormatTON(h.service.Balance(h.service.LotteryAddress())),
	}
	if info.RegistryAddress != nil {
		s := info.RegistryAddress.String()
		v.RegistryAddress = &s
	}
	c.JSON(http.StatusOK, v)
}

func (h *HTTPHandler) ListParticipants(c *gin.Context) {
	participants := h.service.Participants()
	out := make([]participantView, 0, len(participants))
	for i, p := range participants {
		out = append(out, newParticipantView(i, p))
	}
	c.JSON(http.StatusOK, out)
}

// GetParticipant returns the participant at a join-order index.
func (h *HTTPHandler) GetParticipant(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		badRequest(c, "Invalid index")
		return
	}
	p, err := h.service.Participant(index)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newParticipantView(index, p))
}

func (h *HTTPHandler) ListWinners(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Winners())
}

func (h *HTTPHandler) GetWinner(c *gin.Context) {
	round, err := strconv.ParseUint(c.Param("round"), 10, 64)
	if err != nil {
		badRequest(c, "Invalid round")
		return
	}
	w, err := h.service.Winner(round)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

type joinRequest struct {
	Address string `json:"address" binding:"required"`
	// Amount is a decimal TON amount; empty pays the entry fee.
	Amount string `json:"amount"`
}

func parseAmount(s string) (tlb.Grams, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	return chain.ParseTON(s)
}

// Join enters a custodial wallet into the current round.
func (h *HTTPHandler) Join(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	addr, err := chain.ParseAddress(req.Address)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	trace, err := h.service.Join(addr, amount)
	h.respondTrace(c, trace, err)
}

type joinResult struct {
	Address string `json:"address"`
	Joined  bool   `json:"joined"`
	Error   string `json:"error,omitempty"`
}

// UploadParticipantsCSV joins every custodial wallet listed in the uploaded
// CSV. Rows are "address" or "address,amount"; malformed rows are skipped.
func (h *HTTPHandler) UploadParticipantsCSV(c *gin.Context) {
	file, _, err := c.Request.FormFile("participantCSV")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Error retrieving file: " + err.Error()})
		return
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	results := []joinResult{}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Error reading CSV: " + err.Error(), "results": results})
			return
		}
		if len(record) < 1 || len(record) > 2 {
			logger.Infof("Skipping malformed participant CSV record: %v", record)
			continue
		}

		addr, err := chain.ParseAddress(strings.TrimSpace(record[0]))
		if err != nil {
			logger.Infof("Skipping participant CSV record with invalid address: %v", record)
			continue
		}
		var amount tlb.Grams
		if len(record) == 2 {
			if amount, err = parseAmount(record[1]); err != nil {
				logger.Infof("Skipping participant CSV record with invalid amount: %v", record)
				continue
			}
		}

		res := joinResult{Address: addr.String(), Joined: true}
		if _, err := h.service.Join(addr, amount); err != nil {
			res.Joined = false
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// DrawWinner draws the current round.
func (h *HTTPHandler) DrawWinner(c *gin.Context) {
	result, err := h.service.DrawWinner()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"winner":    result.Winner,
		"minted":    result.Minted,
		"mintError": result.MintError,
		"trace":     newTraceView(result.Trace),
	})
}

func (h *HTTPHandler) StartNewRound(c *gin.Context) {
	trace, err := h.service.StartNewRound()
	h.respondTrace(c, trace, err)
}

func (h *HTTPHandler) Withdraw(c *gin.Context) {
	trace, err := h.service.Withdraw()
	h.respondTrace(c, trace, err)
}

type addressRequest struct {
	Address string `json:"address" binding:"required"`
}

func (h *HTTPHandler) bindAddress(c *gin.Context) (chain.Address, bool) {
	var req addressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return chain.Address{}, false
	}
	addr, err := chain.ParseAddress(req.Address)
	if err != nil {
		badRequest(c, err.Error())
		return chain.Address{}, false
	}
	return addr, true
}

func (h *HTTPHandler) SetRegistryAddress(c *gin.Context) {
	addr, ok := h.bindAddress(c)
	if !ok {
		return
	}
	trace, err := h.service.SetRegistryAddress(addr)
	h.respondTrace(c, trace, err)
}

func (h *HTTPHandler) SetAuthorizedMinter(c *gin.Context) {
	addr, ok := h.bindAddress(c)
	if !ok {
		return
	}
	trace, err := h.service.SetAuthorizedMinter(addr)
	h.respondTrace(c, trace, err)
}

// GetRegistry returns the registry contract snapshot.
func (h *HTTPHandler) GetRegistry(c *gin.Context) {
	info := h.service.RegistryInfo()
	resp := gin.H{
		"address":          h.service.RegistryAddress().String(),
		"owner":            info.Owner.String(),
		"authorizedMinter": nil,
		"nextItemId":       info.NextItemID,
		"totalSupply":      info.TotalSupply,
	}
	if info.AuthorizedMinter != nil {
		resp["authorizedMinter"] = info.AuthorizedMinter.String()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *HTTPHandler) GetRegistryBalance(c *gin.Context) {
	addr, err := chain.ParseAddress(c.Param("address"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr.String(), "balance": h.service.BalanceOf(addr)})
}

func (h *HTTPHandler) ListTemplates(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Templates())
}

func (h *HTTPHandler) GetTemplate(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "Invalid template id")
		return
	}
	t, err := h.service.Template(id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *HTTPHandler) GetItem(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "Invalid item id")
		return
	}
	item, err := h.service.Item(id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// Reconcile lists winners without a minted item.
func (h *HTTPHandler) Reconcile(c *gin.Context) {
	pending := h.service.Reconcile()
	if pending == nil {
		pending = []models.Unreconciled{}
	}
	c.JSON(http.StatusOK, pending)
}

func (h *HTTPHandler) ResubmitMint(c *gin.Context) {
	round, err := strconv.ParseUint(c.Param("round"), 10, 64)
	if err != nil {
		badRequest(c, "Invalid round")
		return
	}
	trace, err := h.service.ResubmitMint(round)
	h.respondTrace(c, trace, err)
}

type amountRequest struct {
	Amount string `json:"amount"`
}

func (h *HTTPHandler) CreateWallet(c *gin.Context) {
	var req amountRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	info, err := h.service.CreateWallet(amount)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (h *HTTPHandler) ListWallets(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.ListWallets())
}

func (h *HTTPHandler) FundWallet(c *gin.Context) {
	addr, err := chain.ParseAddress(c.Param("address"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	info, err := h.service.FundWallet(addr, amount)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// SignedMessage is a message signed by a wallet outside the service. Byte
// fields are base64 encoded.
type SignedMessage struct {
	From      string `json:"from" binding:"required"`
	To        string `json:"to" binding:"required"`
	Value     string `json:"value"`
	Bounce    bool   `json:"bounce"`
	Op        string `json:"op"`
	Body      []byte `json:"body"`
	Seqno     uint64 `json:"seqno"`
	PublicKey []byte `json:"publicKey" binding:"required"`
	Signature []byte `json:"signature" binding:"required"`
}

// NewSignedMessage converts an external message to its JSON form.
func NewSignedMessage(ext *chain.ExternalMessage) SignedMessage {
	return SignedMessage{
		From:      ext.From.String(),
		To:        ext.To.String(),
		Value:     chain.FormatTON(ext.Value),
		Bounce:    ext.Bounce,
		Op:        ext.Op,
		Body:      ext.Body,
		Seqno:     ext.Seqno,
		PublicKey: ext.PublicKey,
		Signature: ext.Signature,
	}
}

func (m SignedMessage) external() (*chain.ExternalMessage, error) {
	from, err := chain.ParseAddress(m.From)
	if err != nil {
		return nil, err
	}
	to, err := chain.ParseAddress(m.To)
	if err != nil {
		return nil, err
	}
	value, err := parseAmount(m.Value)
	if err != nil {
		return nil, err
	}
	return &chain.ExternalMessage{
		Message: chain.Message{
			From:   from,
			To:     to,
			Value:  value,
			Bounce: m.Bounce,
			Op:     m.Op,
			Body:   m.Body,
		},
		Seqno:     m.Seqno,
		PublicKey: m.PublicKey,
		Signature: m.Signature,
	}, nil
}

// SubmitMessage executes a pre-signed message. The trace is returned even
// when a contract rejected the message.
func (h *HTTPHandler) SubmitMessage(c *gin.Context) {
	var req SignedMessage
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	ext, err := req.external()
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	trace, err := h.service.SubmitSigned(ext)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trace": newTraceView(trace)})
}

// ListTransactions queries the transaction index.
func (h *HTTPHandler) ListTransactions(c *gin.Context) {
	if h.index == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "transaction index disabled"})
		return
	}
	f := indexer.Filter{
		Address: c.Query("address"),
		Op:      c.Query("op"),
		TraceID: c.Query("trace"),
	}
	if f.Address != "" {
		addr, err := chain.ParseAddress(f.Address)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		f.Address = addr.String()
	}
	if s := c.Query("success"); s != "" {
		ok, err := strconv.ParseBool(s)
		if err != nil {
			badRequest(c, "Invalid success flag")
			return
		}
		f.Success = &ok
	}
	if s := c.Query("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil {
			badRequest(c, "Invalid limit")
			return
		}
		f.Limit = limit
	}
	records, err := h.index.List(f)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

// ExportWinnersCSV handles the request to download the winner history as a CSV file.
func (h *HTTPHandler) ExportWinnersCSV(c *gin.Context) {
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment;filename=lottery_winners.csv")

	// Add BOM to ensure UTF-8 compatibility in Excel
	c.Writer.Write([]byte("\xef\xbb\xbf"))

	w := csv.NewWriter(c.Writer)

	if err := w.Write([]string{"Round", "Winner", "Item ID", "Minted Item", "Template", "Rarity", "Decided At"}); err != nil {
		logger.Infof("Error writing CSV header: %v", err)
		c.String(http.StatusInternalServerError, "Error writing CSV")
		return
	}

	for _, record := range h.service.Winners() {
		row := []string{
			strconv.FormatUint(record.Round, 10),
			record.Winner.String(),
			strconv.FormatUint(record.ItemID, 10),
			"", "", "",
			time.Unix(record.DecidedAt, 0).UTC().Format(time.RFC3339),
		}
		if item, ok := h.service.MintedItem(record.Round); ok {
			row[3] = strconv.FormatUint(item.ItemID, 10)
			if t, err := h.service.Template(item.TemplateID); err == nil {
				row[4], row[5] = t.Name, t.Rarity
			}
		}
		if err := w.Write(row); err != nil {
			logger.Infof("Error writing CSV row: %v", err)
			c.String(http.StatusInternalServerError, "Error writing CSV")
			return
		}
	}

	w.Flush()

	if err := w.Error(); err != nil {
		logger.Infof("Error flushing CSV writer: %v", err)
		c.String(http.StatusInternalServerError, "Error writing CSV")
	}
}
