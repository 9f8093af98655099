package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/CareSyncLab/minimar/backend/internal/auth"
	"github.com/CareSyncLab/minimar/backend/internal/mar"
	"github.com/CareSyncLab/minimar/backend/internal/remote"
	"github.com/CareSyncLab/minimar/backend/internal/scan"
	"github.com/CareSyncLab/minimar/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	principalContextKey = "minimar_principal"

	streamEventPatients  = "patients"
	streamEventHeartbeat = "heartbeat"
	streamHeartbeatEvery = 25 * time.Second
)

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingUserService   = errors.New("user service dependency required")
	errMissingDocuments     = errors.New("document store dependency required")
	errMissingWorkspaces    = errors.New("workspaces dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates request tokens.
type TokenManager interface {
	IssueToken(ctx context.Context, principal auth.Principal) (string, int64, error)
	ValidateToken(token string) (auth.Principal, error)
}

// Authenticator resolves facility credentials to an identity.
type Authenticator interface {
	Authenticate(email, password string) (users.Identity, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	TokenManager TokenManager
	Users        Authenticator
	Documents    remote.DocumentStore
	Workspaces   *Workspaces
	Logger       *zap.Logger
}

// NewHTTPHandler builds the API router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Users == nil {
		return nil, errMissingUserService
	}
	if deps.Documents == nil {
		return nil, errMissingDocuments
	}
	if deps.Workspaces == nil {
		return nil, errMissingWorkspaces
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:     deps.TokenManager,
		users:      deps.Users,
		documents:  deps.Documents,
		workspaces: deps.Workspaces,
		logger:     logger,
	}

	router.POST("/auth/login", handler.handleLogin)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/facilities/:code/patients", handler.handleSnapshot)
	protected.PUT("/facilities/:code/patients/:id", handler.handleUpsert)
	protected.GET("/facilities/:code/stream", handler.handleStream)
	protected.POST("/scan/decoded", handler.handleScanDecoded)
	protected.POST("/scan/close", handler.handleScanClose)

	return router, nil
}

type httpHandler struct {
	tokens     TokenManager
	users      Authenticator
	documents  remote.DocumentStore
	workspaces *Workspaces
	logger     *zap.Logger
}

type loginRequestPayload struct {
	Facility string `json:"facility"`
	Nurse    string `json:"nurse"`
	Password string `json:"password"`
}

type loginProfilePayload struct {
	Email    string `json:"email"`
	Facility string `json:"facility"`
	Role     string `json:"role"`
	Initials string `json:"initials"`
}

type loginResponsePayload struct {
	AccessToken string              `json:"access_token"`
	ExpiresIn   int64               `json:"expires_in"`
	TokenType   string              `json:"token_type"`
	Profile     loginProfilePayload `json:"profile"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.Facility) == "" || strings.TrimSpace(request.Nurse) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	email := auth.MakeEmail(request.Facility, request.Nurse)
	identity, err := h.users.Authenticate(email, request.Password)
	if err != nil {
		h.logger.Warn("login rejected", zap.String("email", email), zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	principal := identity.Principal(mar.InitialsFromEmail(identity.Email))
	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), principal)
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, loginResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		Profile: loginProfilePayload{
			Email:    principal.Email,
			Facility: principal.Facility,
			Role:     string(principal.Role),
			Initials: principal.Initials,
		},
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	principal, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(principalContextKey, principal)
	c.Next()
}

func requestPrincipal(c *gin.Context) (auth.Principal, bool) {
	value, ok := c.Get(principalContextKey)
	if !ok {
		return auth.Principal{}, false
	}
	principal, ok := value.(auth.Principal)
	return principal, ok
}

// facilityForRequest resolves the :code parameter and enforces the token's
// facility scope.
func (h *httpHandler) facilityForRequest(c *gin.Context) (string, bool) {
	principal, ok := requestPrincipal(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	code := strings.ToUpper(strings.TrimSpace(c.Param("code")))
	if code == "" || code != principal.Facility {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "facility_scope"})
		return "", false
	}
	return code, true
}

type documentRequestPayload struct {
	Name      string `json:"name"`
	Data      string `json:"data"`
	Deleted   bool   `json:"deleted"`
	Rev       int64  `json:"rev"`
	UpdatedAt int64  `json:"updatedAt"`
}

func (h *httpHandler) handleUpsert(c *gin.Context) {
	code, ok := h.facilityForRequest(c)
	if !ok {
		return
	}
	principal, _ := requestPrincipal(c)

	var request documentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	stored, err := h.documents.Upsert(c.Request.Context(), code, remote.Document{
		ID:        c.Param("id"),
		Name:      request.Name,
		Data:      request.Data,
		Deleted:   request.Deleted,
		Rev:       request.Rev,
		UpdatedAt: request.UpdatedAt,
		UpdatedBy: principal.Email,
	})
	if err != nil {
		h.logger.Error("document upsert failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "write_failed"})
		return
	}
	c.JSON(http.StatusOK, stored)
}

func (h *httpHandler) handleSnapshot(c *gin.Context) {
	code, ok := h.facilityForRequest(c)
	if !ok {
		return
	}
	documents, err := h.documents.Snapshot(c.Request.Context(), code)
	if err != nil {
		h.logger.Error("document snapshot failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"patients": documents})
}

// handleStream pushes the full document set over SSE after every change,
// with periodic heartbeats so proxies keep the connection open.
func (h *httpHandler) handleStream(c *gin.Context) {
	code, ok := h.facilityForRequest(c)
	if !ok {
		return
	}

	stream, cleanup := h.documents.Subscribe(c.Request.Context(), code)
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	initial, err := h.documents.Snapshot(c.Request.Context(), code)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read_failed"})
		return
	}
	if !writeStreamEvent(c, streamEventPatients, initial) {
		return
	}

	heartbeat := time.NewTicker(streamHeartbeatEvery)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case documents := <-stream:
			if !writeStreamEvent(c, streamEventPatients, documents) {
				return
			}
		case <-heartbeat.C:
			if !writeStreamEvent(c, streamEventHeartbeat, gin.H{"ts": time.Now().UnixMilli()}) {
				return
			}
		}
	}
}

func writeStreamEvent(c *gin.Context, event string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	if _, err := c.Writer.WriteString("event: " + event + "\ndata: " + string(data) + "\n\n"); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}

type scanRequestPayload struct {
	Text             string `json:"text"`
	ConfirmDuplicate bool   `json:"confirm_duplicate"`
}

type scanResponsePayload struct {
	OK      bool               `json:"ok"`
	Code    string             `json:"code,omitempty"`
	State   string             `json:"state"`
	Armed   *loginArmedPayload `json:"armed,omitempty"`
	Record  *scan.RecordResult `json:"record,omitempty"`
	Message string             `json:"message,omitempty"`
}

type loginArmedPayload struct {
	Name string `json:"name"`
	Room string `json:"room"`
	MRN  string `json:"mrn"`
}

func (h *httpHandler) handleScanDecoded(c *gin.Context) {
	principal, ok := requestPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if !principal.CanRecord() {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	var request scanRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	workspace, err := h.workspaces.Get(principal.Facility)
	if err != nil {
		h.logger.Error("workspace open failed", zap.String("facility", principal.Facility), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "workspace_failed"})
		return
	}
	session, confirm, err := workspace.SessionFor(principal)
	if err != nil {
		h.logger.Error("session open failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_failed"})
		return
	}

	if request.ConfirmDuplicate {
		confirm.Arm()
		defer confirm.Disarm()
	}

	result, err := session.HandleDecoded(request.Text)
	response := scanResponsePayload{
		OK:     err == nil,
		State:  string(result.State),
		Record: result.Record,
	}
	if result.Armed != nil {
		response.Armed = &loginArmedPayload{
			Name: result.Armed.Name,
			Room: result.Armed.Room,
			MRN:  result.Armed.MRN,
		}
	}
	if err == nil {
		c.JSON(http.StatusOK, response)
		return
	}

	status, code := classifyScanError(err)
	response.Code = code
	response.Message = err.Error()
	c.JSON(status, response)
}

func (h *httpHandler) handleScanClose(c *gin.Context) {
	principal, ok := requestPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	workspace, err := h.workspaces.Get(principal.Facility)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "workspace_failed"})
		return
	}
	workspace.CloseSession(principal)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func classifyScanError(err error) (int, string) {
	switch {
	case errors.Is(err, scan.ErrInvalidCode):
		return http.StatusBadRequest, "INVALID_CODE"
	case errors.Is(err, scan.ErrFacilityMismatch):
		return http.StatusConflict, "FACILITY_MISMATCH"
	case errors.Is(err, scan.ErrNotArmed):
		return http.StatusConflict, "NOT_ARMED"
	case errors.Is(err, scan.ErrContextExpired):
		return http.StatusConflict, "CONTEXT_EXPIRED"
	case errors.Is(err, scan.ErrPatientMismatch):
		return http.StatusConflict, "PATIENT_MISMATCH"
	case errors.Is(err, scan.ErrPatientNotFound):
		return http.StatusNotFound, "PATIENT_NOT_FOUND"
	case errors.Is(err, scan.ErrDuplicateDeclined):
		return http.StatusConflict, "DUPLICATE_ADMINISTRATION"
	default:
		return http.StatusInternalServerError, "RECORD_FAILED"
	}
}
