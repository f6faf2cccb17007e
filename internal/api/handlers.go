package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rawblock/aml-engine/internal/aml"
	"github.com/rawblock/aml-engine/internal/profile"
	"github.com/rawblock/aml-engine/pkg/models"
	"github.com/sirupsen/logrus"
)

// maxGroupSize bounds a single group analysis request
const maxGroupSize = 50

type analyzeAddressRequest struct {
	Address string     `json:"address" binding:"required"`
	Start   *time.Time `json:"start"`
	End     *time.Time `json:"end"`
}

type analyzeGroupRequest struct {
	Addresses []string   `json:"addresses" binding:"required,min=1"`
	Start     *time.Time `json:"start"`
	End       *time.Time `json:"end"`
}

type upsertProfileRequest struct {
	RiskScore      *float64 `json:"riskScore"`
	Labels         []string `json:"labels"`
	TotalTransfers int      `json:"totalTransfers"`
	PriorAlerts    int      `json:"priorAlerts"`
}

type scanRequest struct {
	StartHeight int64 `json:"startHeight" binding:"min=0"`
	EndHeight   int64 `json:"endHeight" binding:"min=0"`
}

func (h *APIHandler) handleAnalyzeAddress(c *gin.Context) {
	var req analyzeAddressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	req.Address = strings.TrimSpace(req.Address)
	if req.Address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address is required"})
		return
	}
	start, end, ok := window(c, req.Start, req.End)
	if !ok {
		return
	}

	h.runAnalysis(c, "address", func(ctx context.Context) (*aml.DetectionResult, error) {
		return h.engine.AnalyzeAddress(ctx, req.Address, start, end)
	})
}

func (h *APIHandler) handleAnalyzeGroup(c *gin.Context) {
	var req analyzeGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	if len(req.Addresses) > maxGroupSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many addresses", "max": maxGroupSize})
		return
	}
	for _, addr := range req.Addresses {
		if strings.TrimSpace(addr) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "addresses must not be empty"})
			return
		}
	}
	start, end, ok := window(c, req.Start, req.End)
	if !ok {
		return
	}

	h.runAnalysis(c, "group", func(ctx context.Context) (*aml.DetectionResult, error) {
		return h.engine.AnalyzeAddressGroup(ctx, req.Addresses, start, end)
	})
}

// runAnalysis executes an analysis, records metrics and hands accepted
// alerts to the dispatcher before responding.
func (h *APIHandler) runAnalysis(c *gin.Context, kind string, analyze func(ctx context.Context) (*aml.DetectionResult, error)) {
	began := time.Now()
	result, err := analyze(c.Request.Context())
	if h.metrics != nil {
		h.metrics.ObserveAnalysis(kind, result, err, time.Since(began))
		h.metrics.SetLiveAlerts(len(h.engine.Alerts().LiveAlerts()))
	}
	if err != nil {
		h.writeAnalysisError(c, err)
		return
	}

	if h.dispatcher != nil && len(result.Alerts) > 0 {
		h.dispatcher.Dispatch(c.Request.Context(), result.Alerts)
	}
	c.JSON(http.StatusOK, result)
}

func (h *APIHandler) writeAnalysisError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var mle *aml.MoneyLaunderingError
	if errors.As(err, &mle) && mle.IsUpstream() {
		status = http.StatusBadGateway
	}
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}

	h.logger.WithError(err).Warn("[API] Analysis failed")
	c.JSON(status, gin.H{"error": "Analysis failed", "details": err.Error()})
}

// window converts optional bounds, rejecting start after end
func window(c *gin.Context, startPtr, endPtr *time.Time) (time.Time, time.Time, bool) {
	var start, end time.Time
	if startPtr != nil {
		start = *startPtr
	}
	if endPtr != nil {
		end = *endPtr
	}
	if !start.IsZero() && !end.IsZero() && start.After(end) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start must not be after end"})
		return start, end, false
	}
	return start, end, true
}

// handleListAlerts serves live alerts by default, archived ones with ?source=archive
func (h *APIHandler) handleListAlerts(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}

	var alerts []aml.MoneyLaunderingAlert
	switch c.DefaultQuery("source", "live") {
	case "live":
		alerts = h.engine.Alerts().LiveAlerts()
	case "archive":
		if h.archive == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Alert archive not configured"})
			return
		}
		alerts, err = h.archive.RecentAlerts(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load alerts", "details": err.Error()})
			return
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "source must be live or archive"})
		return
	}

	if minSeverity := c.Query("minSeverity"); minSeverity != "" {
		threshold, err := aml.ParseSeverity(minSeverity)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filtered := make([]aml.MoneyLaunderingAlert, 0, len(alerts))
		for _, a := range alerts {
			if a.Severity >= threshold {
				filtered = append(filtered, a)
			}
		}
		alerts = filtered
	}
	if len(alerts) > limit {
		alerts = alerts[:limit]
	}

	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

func (h *APIHandler) handleListProfiles(c *gin.Context) {
	profiles := h.profiles.List()
	c.JSON(http.StatusOK, gin.H{"profiles": profiles, "count": len(profiles)})
}

func (h *APIHandler) handleGetProfile(c *gin.Context) {
	p, err := h.profiles.GetProfile(c.Request.Context(), c.Param("address"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load profile", "details": err.Error()})
		return
	}
	if p == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Profile not found"})
		return
	}
	c.JSON(http.StatusOK, p)
}

// handleUpsertProfile stores a risk profile. Without an explicit
// riskScore the score is derived from the labels.
func (h *APIHandler) handleUpsertProfile(c *gin.Context) {
	var req upsertProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	p := models.AddressRiskProfile{
		Address:        c.Param("address"),
		Labels:         req.Labels,
		TotalTransfers: req.TotalTransfers,
		PriorAlerts:    req.PriorAlerts,
		LastSeen:       time.Now().UTC(),
	}
	if req.RiskScore != nil {
		p.RiskScore = *req.RiskScore
	} else {
		p.RiskScore = profile.BaselineRisk(req.Labels)
	}

	if err := h.profiles.Upsert(c.Request.Context(), p); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, profile.ErrInvalidProfile) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": "Failed to store profile", "details": err.Error()})
		return
	}

	h.logger.WithFields(logrus.Fields{
		"address":   p.Address,
		"riskScore": p.RiskScore,
	}).Info("[API] Risk profile updated")
	c.JSON(http.StatusOK, p)
}

func (h *APIHandler) handleStartScan(c *gin.Context) {
	if h.scanner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Block scanner not configured"})
		return
	}
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	if req.EndHeight < req.StartHeight {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endHeight must not be below startHeight"})
		return
	}

	// The scan outlives the request
	if !h.scanner.ScanRange(context.Background(), req.StartHeight, req.EndHeight) {
		c.JSON(http.StatusConflict, gin.H{"error": "Scan already in progress"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"status":      "started",
		"startHeight": req.StartHeight,
		"endHeight":   req.EndHeight,
	})
}

func (h *APIHandler) handleScanProgress(c *gin.Context) {
	if h.scanner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Block scanner not configured"})
		return
	}
	c.JSON(http.StatusOK, h.scanner.GetProgress())
}

func (h *APIHandler) handleHealth(c *gin.Context) {
	status := gin.H{
		"status":     "ok",
		"liveAlerts": len(h.engine.Alerts().LiveAlerts()),
		"profiles":   h.profiles.Count(),
		"database":   "disabled",
	}
	if h.ping != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.ping(ctx); err != nil {
			status["status"] = "degraded"
			status["database"] = err.Error()
		} else {
			status["database"] = "ok"
		}
	}
	c.JSON(http.StatusOK, status)
}
