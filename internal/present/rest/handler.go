package rest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/totegamma/ticketgate"
	"github.com/totegamma/ticketgate/internal/domain"
	"github.com/totegamma/ticketgate/internal/present/rest/middleware"
	"github.com/totegamma/ticketgate/internal/present/rest/presenter"
	"github.com/totegamma/ticketgate/internal/service"
	"github.com/totegamma/ticketgate/internal/usecase"
)

const Version = "1.0"

type Handler struct {
	config       domain.Config
	maxBodyBytes int64
	verify       *usecase.VerifyUsecase
	registry     *usecase.RegistryUsecase
	signal       *service.SignalService
}

func NewHandler(
	config domain.Config,
	maxBodyBytes int64,
	verify *usecase.VerifyUsecase,
	registry *usecase.RegistryUsecase,
	signal *service.SignalService,
) *Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = domain.DefaultMaxBodyBytes
	}
	return &Handler{
		config:       config,
		maxBodyBytes: maxBodyBytes,
		verify:       verify,
		registry:     registry,
		signal:       signal,
	}
}

// IPExtractor picks the client address that keys rate limiting. Without
// trusted proxies only the socket peer counts, so X-Forwarded-For cannot be
// used to rotate identities.
func IPExtractor(trusted []*net.IPNet) echo.IPExtractor {
	if len(trusted) == 0 {
		return echo.ExtractIPDirect()
	}
	options := []echo.TrustOption{
		echo.TrustLoopback(false),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(false),
	}
	for _, ipNet := range trusted {
		options = append(options, echo.TrustIPRange(ipNet))
	}
	return echo.ExtractIPFromXFFHeader(options...)
}

func (h *Handler) RegisterRoutes(e *echo.Echo, auth *middleware.AuthMiddleware) {
	e.GET("/.well-known/ticketgate", h.handleWellKnown)
	e.GET("/health", h.handleHealth)
	e.POST("/verify", h.handleVerify)

	e.GET("/registries/:address", h.handleSummary)
	e.GET("/registries/:address/credentials/:id", h.handleCredential)
	e.GET("/registries/:address/credentials/:id/payload", h.handlePayload)
	e.GET("/registries/:address/owners/:owner/credentials", h.handleCredentialsOf)
	e.GET("/registries/:address/records", h.handleRecords)

	signed := []echo.MiddlewareFunc{auth.IdentifyIdentity, middleware.RequireRequester}
	e.POST("/registries", h.handleDeploy, signed...)
	e.POST("/registries/:address/credentials", h.handleIssue, signed...)
	e.POST("/registries/:address/credentials/:id/transfer", h.handleTransfer, signed...)
	e.PUT("/registries/:address/verifiers/:verifier", h.handleSetVerifier, signed...)
	e.PUT("/registries/:address/price", h.handleSetPrice, signed...)
	e.POST("/registries/:address/withdraw", h.handleWithdraw, signed...)

	e.GET("/realtime", h.handleRealtime)
}

func (h *Handler) handleWellKnown(c echo.Context) error {
	wellknown := ticketgate.WellKnown{
		Version:  Version,
		Domain:   h.config.FQDN,
		ChainID:  h.config.ChainID,
		Verifier: h.config.Verifier,
		Endpoints: map[string]ticketgate.Endpoint{
			"ticketgate.verify": {
				Template: "/verify",
				Method:   "POST",
			},
			"ticketgate.health": {
				Template: "/health",
				Method:   "GET",
			},
			"ticketgate.registry": {
				Template: "/registries/{address}",
				Method:   "GET",
			},
			"ticketgate.credential": {
				Template: "/registries/{address}/credentials/{id}",
				Method:   "GET",
			},
			"ticketgate.credential.payload": {
				Template: "/registries/{address}/credentials/{id}/payload",
				Method:   "GET",
			},
			"ticketgate.owner.credentials": {
				Template: "/registries/{address}/owners/{owner}/credentials",
				Method:   "GET",
			},
			"ticketgate.records": {
				Template: "/registries/{address}/records",
				Method:   "GET",
				Query:    &[]string{"limit"},
			},
			"ticketgate.realtime": {
				Template: "/realtime",
				Method:   "GET",
			},
		},
	}
	if h.registry.Administrable() {
		for name, ep := range adminEndpoints {
			wellknown.Endpoints[name] = ep
		}
	}
	return presenter.OK(c, wellknown)
}

var adminEndpoints = map[string]ticketgate.Endpoint{
	"ticketgate.registry.deploy": {
		Template: "/registries",
		Method:   "POST",
	},
	"ticketgate.credential.issue": {
		Template: "/registries/{address}/credentials",
		Method:   "POST",
	},
	"ticketgate.credential.transfer": {
		Template: "/registries/{address}/credentials/{id}/transfer",
		Method:   "POST",
	},
	"ticketgate.registry.verifier": {
		Template: "/registries/{address}/verifiers/{verifier}",
		Method:   "PUT",
	},
	"ticketgate.registry.price": {
		Template: "/registries/{address}/price",
		Method:   "PUT",
	},
	"ticketgate.registry.withdraw": {
		Template: "/registries/{address}/withdraw",
		Method:   "POST",
	},
}

func (h *Handler) handleHealth(c echo.Context) error {
	return presenter.OK(c, ticketgate.Health{
		Status:  "ok",
		Message: "Verification API is running",
		SupportedChains: []ticketgate.Chain{
			{ID: h.config.ChainID, Name: h.config.ChainName},
		},
	})
}

func (h *Handler) handleVerify(c echo.Context) error {
	ctx := c.Request().Context()

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, h.maxBodyBytes+1))
	if err != nil {
		return presenter.BadRequest(c, err)
	}
	if int64(len(body)) > h.maxBodyBytes {
		// still goes through the pipeline so oversized spam is rate limited
		body = nil
	}

	decision, err := h.verify.Verify(ctx, c.RealIP(), body)
	if err != nil {
		return presenter.DecisionError(c, err)
	}
	return presenter.Decision(c, decision)
}

func parseRegistry(c echo.Context) (common.Address, bool) {
	address := c.Param("address")
	if !ticketgate.IsRegistryReference(address) {
		return common.Address{}, false
	}
	return common.HexToAddress(address), true
}

func parseAmount(s string) (*big.Int, bool) {
	if s == "" {
		return new(big.Int), true
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}

func requester(c echo.Context) common.Address {
	address, _ := c.Request().Context().Value(domain.RequesterIdCtxKey).(common.Address)
	return address
}

func (h *Handler) handleSummary(c echo.Context) error {
	registry, ok := parseRegistry(c)
	if !ok {
		return presenter.BadRequestMessage(c, "invalid registry address")
	}

	summary, err := h.registry.Summary(c.Request().Context(), registry)
	if err != nil {
		return presenter.RegistryError(c, err)
	}
	return presenter.OK(c, summary.Wire())
}

func (h *Handler) handleCredential(c echo.Context) error {
	registry, ok := parseRegistry(c)
	if !ok {
		return presenter.BadRequestMessage(c, "invalid registry address")
	}
	id, err := ticketgate.ParseCredentialID(c.Param("id"))
	if err != nil {
		return presenter.BadRequest(c, err)
	}

	state, err := h.registry.Query(c.Request().Context(), registry, id)
	if err != nil {
		return presenter.RegistryError(c, err)
	}
	return presenter.OK(c, state.Wire(registry, id))
}

func (h *Handler) handlePayload(c echo.Context) error {
	registry, ok := parseRegistry(c)
	if !ok {
		return presenter.BadRequestMessage(c, "invalid registry address")
	}
	id, err := ticketgate.ParseCredentialID(c.Param("id"))
	if err != nil {
		return presenter.BadRequest(c, err)
	}

	payload, err := h.registry.Payload(c.Request().Context(), registry, id)
	if err != nil {
		return presenter.RegistryError(c, err)
	}
	return presenter.OK(c, payload)
}

func (h *Handler) handleCredentialsOf(c echo.Context) error {
	registry, ok := parseRegistry(c)
	if !ok {
		return presenter.BadRequestMessage(c, "invalid registry address")
	}
	owner := c.Param("owner")
	if !common.IsHexAddress(owner) {
		return presenter.BadRequestMessage(c, "invalid owner address")
	}

	ids, err := h.registry.CredentialsOf(c.Request().Context(), registry, common.HexToAddress(owner))
	if err != nil {
		return presenter.RegistryError(c, err)
	}

	list := ticketgate.CredentialList{
		Registry:    registry.Hex(),
		Owner:       common.HexToAddress(owner).Hex(),
		Credentials: make([]string, len(ids)),
	}
	for i, id := range ids {
		list.Credentials[i] = strconv.FormatUint(id, 10)
	}
	return presenter.OK(c, list)
}

func (h *Handler) handleRecords(c echo.Context) error {
	registry, ok := parseRegistry(c)
	if !ok {
		return presenter.BadRequestMessage(c, "invalid registry address")
	}

	limit := 50
	limitStr := c.QueryParam("limit")
	if limitStr != "" {
		limitInt, err := strconv.Atoi(limitStr)
		if err != nil || limitInt <= 0 {
			return presenter.BadRequestMessage(c, "invalid limit parameter")
		}
		limit = limitInt
	}
	if limit > 500 {
		limit = 500
	}

	records, err := h.registry.Records(c.Request().Context(), registry, limit)
	if err != nil {
		return presenter.RegistryError(c, err)
	}

	out := make([]ticketgate.LedgerRecord, len(records))
	for i, r := range records {
		out[i] = r.Wire()
	}
	return presenter.OK(c, out)
}

func (h *Handler) handleDeploy(c echo.Context) error {
	var req ticketgate.DeployRequest
	if err := c.Bind(&req); err != nil {
		return presenter.BadRequest(c, err)
	}
	price, ok := parseAmount(req.Price)
	if !ok {
		return presenter.BadRequestMessage(c, "invalid price")
	}

	summary, err := h.registry.Deploy(c.Request().Context(), domain.DeployInput{
		Administrator: requester(c),
		Metadata: domain.EventMetadata{
			Name:        req.Name,
			Symbol:      req.Symbol,
			Venue:       req.Venue,
			StartsAt:    req.StartsAt,
			MetadataURI: req.MetadataURI,
		},
		Capacity: req.Capacity,
		Price:    price,
	})
	if err != nil {
		return presenter.RegistryError(c, err)
	}
	return c.JSON(http.StatusCreated, summary.Wire())
}

func (h *Handler) handleIssue(c echo.Context) error {
	registry, ok := parseRegistry(c)
	if !ok {
		return presenter.BadRequestMessage(c, "invalid registry address")
	}

	var req ticketgate.IssueRequest
	if err := c.Bind(&req); err != nil {
		return presenter.BadRequest(c, err)
	}
	payment, ok := parseAmount(req.Payment)
	if !ok {
		return presenter.BadRequestMessage(c, "invalid payment")
	}

	in := domain.IssueInput{
		Caller:  requester(c),
		Payment: payment,
	}
	if req.To != "" {
		if !common.IsHexAddress(req.To) {
			return presenter.BadRequestMessage(c, "invalid recipient address")
		}
		to := common.HexToAddress(req.To)
		in.To = &to
	}

	result, err := h.registry.Issue(c.Request().Context(), registry, in)
	if err != nil {
		return presenter.RegistryError(c, err)
	}

	return c.JSON(http.StatusCreated, ticketgate.IssueResponse{
		CredentialID: strconv.FormatUint(result.CredentialID, 10),
		Owner:        result.Owner.Hex(),
		Paid:         result.Paid.String(),
		Refund:       result.Refund.String(),
		Payload:      ticketgate.NewScanPayload(registry, result.CredentialID, h.config.ChainID),
	})
}

func (h *Handler) handleTransfer(c echo.Context) error {
	registry, ok := parseRegistry(c)
	if !ok {
		return presenter.BadRequestMessage(c, "invalid registry address")
	}
	id, err := ticketgate.ParseCredentialID(c.Param("id"))
	if err != nil {
		return presenter.BadRequest(c, err)
	}

	var req ticketgate.TransferRequest
	if err := c.Bind(&req); err != nil {
		return presenter.BadRequest(c, err)
	}
	if !common.IsHexAddress(req.To) {
		return presenter.BadRequestMessage(c, "invalid recipient address")
	}

	record, err := h.registry.Transfer(c.Request().Context(), registry, id, requester(c), common.HexToAddress(req.To))
	if err != nil {
		return presenter.RegistryError(c, err)
	}
	return presenter.OK(c, record.Wire())
}

func (h *Handler) handleSetVerifier(c echo.Context) error {
	registry, ok := parseRegistry(c)
	if !ok {
		return presenter.BadRequestMessage(c, "invalid registry address")
	}
	verifier := c.Param("verifier")
	if !common.IsHexAddress(verifier) {
		return presenter.BadRequestMessage(c, "invalid verifier address")
	}

	var req ticketgate.SetVerifierRequest
	if err := c.Bind(&req); err != nil {
		return presenter.BadRequest(c, err)
	}

	record, err := h.registry.SetVerifier(c.Request().Context(), registry, requester(c), common.HexToAddress(verifier), req.Enabled)
	if err != nil {
		return presenter.RegistryError(c, err)
	}
	return presenter.OK(c, record.Wire())
}

func (h *Handler) handleSetPrice(c echo.Context) error {
	registry, ok := parseRegistry(c)
	if !ok {
		return presenter.BadRequestMessage(c, "invalid registry address")
	}

	var req ticketgate.SetPriceRequest
	if err := c.Bind(&req); err != nil {
		return presenter.BadRequest(c, err)
	}
	price, ok := parseAmount(req.Price)
	if !ok || req.Price == "" {
		return presenter.BadRequestMessage(c, "invalid price")
	}

	record, err := h.registry.SetPrice(c.Request().Context(), registry, requester(c), price)
	if err != nil {
		return presenter.RegistryError(c, err)
	}
	return presenter.OK(c, record.Wire())
}

func (h *Handler) handleWithdraw(c echo.Context) error {
	registry, ok := parseRegistry(c)
	if !ok {
		return presenter.BadRequestMessage(c, "invalid registry address")
	}

	record, err := h.registry.Withdraw(c.Request().Context(), registry, requester(c))
	if err != nil {
		return presenter.RegistryError(c, err)
	}
	return presenter.OK(c, record.Wire())
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Request struct {
	Type       string   `json:"type"`
	Registries []string `json:"registries"`
}

func (h *Handler) handleRealtime(c echo.Context) error {
	if h.signal == nil {
		return presenter.ServiceUnavailable(c, "realtime feed is not configured")
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error(
			"Failed to upgrade WebSocket",
			slog.String("error", err.Error()),
			slog.String("module", "socket"),
		)
		return err
	}
	defer func() {
		ws.Close()
	}()

	ctx := c.Request().Context()

	input := make(chan []string)
	quit := make(chan struct{})

	go func() {
		defer close(quit)
		for {
			var req Request
			err := ws.ReadJSON(&req)
			if err != nil {

				wsErr, ok := err.(*websocket.CloseError)
				if ok {
					if !(wsErr.Code == websocket.CloseNormalClosure || wsErr.Code == websocket.CloseGoingAway) {
						slog.DebugContext(
							ctx, "WebSocket closed",
							slog.String("error", wsErr.Error()),
							slog.String("module", "socket"),
						)
					}
				} else {
					slog.ErrorContext(
						ctx, "Error reading message",
						slog.String("error", err.Error()),
						slog.String("module", "socket"),
					)
				}
				return
			}

			switch req.Type {
			case "listen":
				registries := normalizeRegistries(ctx, req.Registries)
				select {
				case input <- registries:
				case <-ctx.Done():
					return
				}
				slog.DebugContext(
					ctx, fmt.Sprintf("Socket subscribe: %s", registries),
					slog.String("module", "socket"),
				)
			case "h": // heartbeat
				// do nothing
			default:
				slog.InfoContext(
					ctx, "Unknown request type",
					slog.String("type", req.Type),
					slog.String("module", "socket"),
				)
			}
		}
	}()

	var pubsub *redis.PubSub
	var messages <-chan *redis.Message
	defer func() {
		if pubsub != nil {
			pubsub.Close()
		}
	}()

	for {
		select {
		case <-quit:
			return nil
		case registries := <-input:
			if pubsub != nil {
				pubsub.Close()
			}
			pubsub = h.signal.Subscribe(ctx, registries...)
			messages = pubsub.Channel()
		case msg, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			err := ws.WriteMessage(websocket.TextMessage, []byte(msg.Payload))
			if err != nil {
				slog.ErrorContext(
					ctx, "Error writing message",
					slog.String("error", err.Error()),
					slog.String("module", "socket"),
				)
				return nil
			}
		}
	}
}

// normalizeRegistries checksums valid addresses and drops the rest.
func normalizeRegistries(ctx context.Context, registries []string) []string {
	normalized := make([]string, 0, len(registries))
	for _, r := range registries {
		if !ticketgate.IsRegistryReference(r) {
			slog.InfoContext(
				ctx, "Ignoring invalid registry",
				slog.String("registry", r),
				slog.String("module", "socket"),
			)
			continue
		}
		normalized = append(normalized, common.HexToAddress(r).Hex())
	}
	return normalized
}
