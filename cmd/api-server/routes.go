package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/sre-norns/skuld/pkg/assets"
	"github.com/sre-norns/skuld/pkg/redqueue"
	"github.com/sre-norns/skuld/pkg/skuld"
)

var (
	ErrInvalidAuthHeader = fmt.Errorf("invalid Authorization header")
	ErrUnknownApiKey     = fmt.Errorf("unknown API key")
	ErrNoAccount         = fmt.Errorf("X-Account-Id header is required")
	ErrNoChecks          = fmt.Errorf("no checks to run")
	ErrUnknownAssetKind  = fmt.Errorf("unknown asset kind")
	ErrNoAssetPath       = fmt.Errorf("asset path is required")
)

const (
	authBearerKey = "Bearer"
	accountIdKey  = "accountId"
)

// checkScheduler enqueues checks of a session
type checkScheduler interface {
	Schedule(ctx context.Context, accountID string, suiteID skuld.SuiteID, checks []skuld.Check) (skuld.ScheduledBatch, error)
}

type createSessionRequest struct {
	SuiteID skuld.SuiteID `json:"checkRunSuiteId" binding:"required"`
	Checks  []skuld.Check `json:"checks"`
}

// sessions keeps test results of sessions created by this server instance
type sessions struct {
	mu      sync.RWMutex
	results map[string]map[string]skuld.CheckRunID
}

func newSessions() *sessions {
	return &sessions{
		results: make(map[string]map[string]skuld.CheckRunID),
	}
}

func (s *sessions) add(sessionID string, batch skuld.ScheduledBatch) {
	results := make(map[string]skuld.CheckRunID, len(batch.Checks))
	for _, sc := range batch.Checks {
		results[sc.TestResultID] = sc.CheckRunID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[sessionID] = results
}

func (s *sessions) find(sessionID, testResultID string) (skuld.CheckRunID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.results[sessionID][testResultID]
	return id, ok
}

type server struct {
	scheduler checkScheduler
	assets    skuld.AssetFetcher
	sessions  *sessions
	logger    log.Logger

	// Allowed API keys; any key is accepted if empty
	apiKeys map[string]struct{}
	// Base URL of links to test results
	resultsUrl string
}

func abortWithError(ctx *gin.Context, code int, errValue error) {
	var apiError *skuld.ApiError
	if errors.As(errValue, &apiError) {
		ctx.AbortWithStatusJSON(apiError.Code, apiError)
		return
	}

	ctx.AbortWithStatusJSON(code, &skuld.ApiError{Code: code, Message: errValue.Error()})
}

func extractAuthBearer(ctx *gin.Context) (string, error) {
	// Get the "Authorization" header
	authorization := ctx.Request.Header.Get("Authorization")
	if authorization == "" {
		return "", ErrInvalidAuthHeader
	}

	// Split it into two parts - "Bearer" and token
	parts := strings.SplitN(authorization, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", ErrInvalidAuthHeader
	}

	return parts[1], nil
}

func (s *server) authBearerApi() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		token, err := extractAuthBearer(ctx)
		if err != nil {
			abortWithError(ctx, http.StatusUnauthorized, err)
			return
		}

		if len(s.apiKeys) > 0 {
			if _, ok := s.apiKeys[token]; !ok {
				abortWithError(ctx, http.StatusUnauthorized, ErrUnknownApiKey)
				return
			}
		}

		ctx.Set(authBearerKey, token)
		ctx.Next()
	}
}

func accountApi() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		accountID := ctx.Request.Header.Get("X-Account-Id")
		if accountID == "" {
			abortWithError(ctx, http.StatusBadRequest, ErrNoAccount)
			return
		}

		ctx.Set(accountIdKey, accountID)
		ctx.Next()
	}
}

func (s *server) createSession(ctx *gin.Context) {
	var request createSessionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		abortWithError(ctx, http.StatusBadRequest, err)
		return
	}
	if len(request.Checks) == 0 {
		abortWithError(ctx, http.StatusBadRequest, ErrNoChecks)
		return
	}

	accountID := ctx.MustGet(accountIdKey).(string)
	batch, err := s.scheduler.Schedule(ctx.Request.Context(), accountID, request.SuiteID, request.Checks)
	if err != nil {
		if errors.Is(err, redqueue.ErrInvalidJob) {
			abortWithError(ctx, http.StatusBadRequest, err)
			return
		}

		level.Error(s.logger).Log("msg", "failed to schedule checks", "account", accountID, "suite", request.SuiteID, "err", err)
		abortWithError(ctx, http.StatusServiceUnavailable, err)
		return
	}

	batch.SessionID = uuid.NewString()
	for i := range batch.Checks {
		batch.Checks[i].TestResultID = uuid.NewString()
	}
	s.sessions.add(batch.SessionID, batch)

	level.Info(s.logger).Log("msg", "check session created", "account", accountID, "suite", request.SuiteID, "session", batch.SessionID, "checks", len(batch.Checks))
	ctx.Header("Location", fmt.Sprintf("%v/%v", ctx.Request.URL.Path, batch.SessionID))
	ctx.JSON(http.StatusCreated, batch)
}

func (s *server) getAsset(ctx *gin.Context) {
	region := ctx.Param("region")
	assetPath := ctx.Query("path")
	if assetPath == "" {
		abortWithError(ctx, http.StatusBadRequest, ErrNoAssetPath)
		return
	}

	var (
		content json.RawMessage
		err     error
	)
	switch kind := ctx.Param("kind"); kind {
	case assets.KindLogs:
		content, err = s.assets.GetLogs(ctx.Request.Context(), region, assetPath)
	case assets.KindCheckRunData:
		content, err = s.assets.GetCheckRunData(ctx.Request.Context(), region, assetPath)
	default:
		abortWithError(ctx, http.StatusNotFound, fmt.Errorf("%w: %q", ErrUnknownAssetKind, kind))
		return
	}

	switch {
	case errors.Is(err, assets.ErrNotFound):
		abortWithError(ctx, http.StatusNotFound, err)
	case errors.Is(err, assets.ErrInvalidPath):
		abortWithError(ctx, http.StatusBadRequest, err)
	case err != nil:
		abortWithError(ctx, http.StatusInternalServerError, err)
	default:
		ctx.Data(http.StatusOK, gin.MIMEJSON, content)
	}
}

func (s *server) getResultLinks(ctx *gin.Context) {
	sessionID := ctx.Param("sessionId")
	testResultID := ctx.Param("testResultId")

	checkRunID, ok := s.sessions.find(sessionID, testResultID)
	if !ok {
		abortWithError(ctx, http.StatusNotFound, fmt.Errorf("no test result %q in session %q", testResultID, sessionID))
		return
	}

	ctx.JSON(http.StatusOK, skuld.ResultLinks{
		TestResultLink: fmt.Sprintf("%s/sessions/%s/results/%s", strings.TrimSuffix(s.resultsUrl, "/"), sessionID, testResultID),
		TestTraceLinks: []string{
			fmt.Sprintf("%s/runs/%s/trace", strings.TrimSuffix(s.resultsUrl, "/"), checkRunID),
		},
	})
}

func (s *server) apiRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("api/v1")
	{
		v1.GET("/version", func(ctx *gin.Context) {
			bi, ok := debug.ReadBuildInfo()
			if !ok {
				ctx.JSON(http.StatusOK, gin.H{
					"version": "unknown",
				})
				return
			}

			ctx.JSON(http.StatusOK, gin.H{
				"version":   bi.Main.Version,
				"goVersion": bi.GoVersion,
			})
		})

		authorized := v1.Group("", s.authBearerApi())
		authorized.POST("/check-sessions", accountApi(), s.createSession)
		authorized.GET("/assets/:region/:kind", s.getAsset)
		authorized.GET("/test-sessions/:sessionId/results/:testResultId/links", s.getResultLinks)
	}

	return router
}
