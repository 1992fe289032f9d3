package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/flybeeper/segment-pipeline/internal/identity"
	"github.com/flybeeper/segment-pipeline/internal/models"
	"github.com/flybeeper/segment-pipeline/internal/repository"
	"github.com/flybeeper/segment-pipeline/internal/segmenter"
	"github.com/flybeeper/segment-pipeline/internal/stream"
	"github.com/flybeeper/segment-pipeline/pkg/utils"
)

const (
	defaultSegmentsLimit = 100
	maxSegmentsLimit     = 1000
	maxNearbyRadiusKM    = 5000
	// Максимум сообщений в POST /api/v1/segment
	maxSegmentRequestMessages = 10000
)

// SeedLocator поиск seed по последней позиции
type SeedLocator interface {
	SeedsInRadius(ctx context.Context, boundary time.Time, center models.GeoPoint, radiusKM float64) ([]*models.SegmentSeed, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

type statsProvider interface {
	GetStats(ctx context.Context) (map[string]interface{}, error)
}

// RESTHandler обработчик REST API endpoints
type RESTHandler struct {
	repo      repository.SegmentRepository // nil, если MySQL не настроен
	seeds     repository.SeedStore
	segmenter *segmenter.Segmenter
	logger    *utils.Logger
	timeout   time.Duration
}

// NewRESTHandler создает новый REST handler
func NewRESTHandler(repo repository.SegmentRepository, seeds repository.SeedStore, seg *segmenter.Segmenter, logger *utils.Logger) *RESTHandler {
	return &RESTHandler{
		repo:      repo,
		seeds:     seeds,
		segmenter: seg,
		logger:    logger,
		timeout:   30 * time.Second,
	}
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"code":    code,
		"message": message,
	})
}

// HealthCheck проверка состояния хранилищ
// GET /health
func (h *RESTHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	check := func(name string, p pinger) {
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
			return
		}
		checks[name] = "ok"
	}
	if h.repo != nil {
		check("mysql", h.repo)
	}
	if p, ok := h.seeds.(pinger); ok {
		check("seed_store", p)
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().Unix(),
	})
}

// GetParams возвращает действующие параметры сегментатора
// GET /api/v1/params
func (h *RESTHandler) GetParams(c *gin.Context) {
	c.JSON(http.StatusOK, h.segmenter.Params())
}

// GetStats статистика хранилищ
// GET /api/v1/stats
func (h *RESTHandler) GetStats(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	response := gin.H{}
	if h.repo != nil {
		stats, err := h.repo.GetStats(ctx)
		if err != nil {
			h.logger.WithField("error", err).Error("Failed to get repository stats")
			respondError(c, http.StatusInternalServerError, "internal_error", "Failed to retrieve stats")
			return
		}
		response["mysql"] = stats
	}
	if sp, ok := h.seeds.(statsProvider); ok {
		stats, err := sp.GetStats(ctx)
		if err != nil {
			h.logger.WithField("error", err).Error("Failed to get seed store stats")
			respondError(c, http.StatusInternalServerError, "internal_error", "Failed to retrieve stats")
			return
		}
		response["seed_store"] = stats
	}
	c.JSON(http.StatusOK, response)
}

// GetVesselSegments последние сегменты идентификатора
// GET /api/v1/vessels/{ssvid}/segments?limit=100
func (h *RESTHandler) GetVesselSegments(c *gin.Context) {
	if h.repo == nil {
		respondError(c, http.StatusServiceUnavailable, "storage_unavailable", "Segment storage is not configured")
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	ssvid := c.Param("ssvid")
	limit := defaultSegmentsLimit
	if l := c.Query("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v < 1 || v > maxSegmentsLimit {
			respondError(c, http.StatusBadRequest, "invalid_limit", fmt.Sprintf("Limit must be between 1 and %d", maxSegmentsLimit))
			return
		}
		limit = v
	}

	segments, err := h.repo.GetSegments(ctx, ssvid, limit)
	if err != nil {
		h.logger.WithFields(map[string]interface{}{"ssvid": ssvid, "error": err}).Error("Failed to get segments")
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to retrieve segments")
		return
	}
	if segments == nil {
		segments = []models.Segment{}
	}

	c.JSON(http.StatusOK, gin.H{
		"ssvid":    ssvid,
		"segments": segments,
		"count":    len(segments),
	})
}

// GetSegment сводка сегмента по seg_id
// GET /api/v1/segments/{seg_id}
func (h *RESTHandler) GetSegment(c *gin.Context) {
	if h.repo == nil {
		respondError(c, http.StatusServiceUnavailable, "storage_unavailable", "Segment storage is not configured")
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	segID := c.Param("seg_id")
	segment, err := h.repo.GetSegment(ctx, segID)
	if errors.Is(err, repository.ErrNotFound) {
		respondError(c, http.StatusNotFound, "segment_not_found", "Segment not found")
		return
	}
	if err != nil {
		h.logger.WithFields(map[string]interface{}{"seg_id": segID, "error": err}).Error("Failed to get segment")
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to retrieve segment")
		return
	}
	c.JSON(http.StatusOK, segment)
}

// resolveBoundary граница из параметра boundary (дата или RFC3339),
// по умолчанию последняя сохраненная
func (h *RESTHandler) resolveBoundary(ctx context.Context, value string) (time.Time, int, error) {
	if value == "" {
		b, err := h.seeds.LatestBoundary(ctx)
		if errors.Is(err, repository.ErrNotFound) {
			return time.Time{}, http.StatusNotFound, fmt.Errorf("no seeds stored yet")
		}
		if err != nil {
			return time.Time{}, http.StatusInternalServerError, err
		}
		return b, 0, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", value, time.UTC); err == nil {
		return t, 0, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, http.StatusBadRequest, fmt.Errorf("boundary must be YYYY-MM-DD or RFC3339")
	}
	return t.UTC(), 0, nil
}

// GetSeed seed идентификатора на границе
// GET /api/v1/seeds/{ssvid}?boundary=2017-01-02
func (h *RESTHandler) GetSeed(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	boundary, status, err := h.resolveBoundary(ctx, c.Query("boundary"))
	if err != nil {
		h.respondBoundaryError(c, status, err)
		return
	}

	ssvid := c.Param("ssvid")
	seed, err := h.seeds.LoadSeed(ctx, boundary, ssvid)
	if errors.Is(err, segmenter.ErrSeedAnomaly) {
		respondError(c, http.StatusUnprocessableEntity, "seed_undecodable", err.Error())
		return
	}
	if err != nil {
		h.logger.WithFields(map[string]interface{}{"ssvid": ssvid, "error": err}).Error("Failed to load seed")
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to load seed")
		return
	}
	if seed == nil {
		respondError(c, http.StatusNotFound, "seed_not_found", "No open segment for this ssvid at the boundary")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"boundary": boundary,
		"seed":     seed,
	})
}

// GetSeeds все seed границы или seed в радиусе от точки
// GET /api/v1/seeds?boundary=2017-01-02
// GET /api/v1/seeds?lat=54.3&lon=10.1&radius=50
func (h *RESTHandler) GetSeeds(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	boundary, status, err := h.resolveBoundary(ctx, c.Query("boundary"))
	if err != nil {
		h.respondBoundaryError(c, status, err)
		return
	}

	var seeds []*models.SegmentSeed
	if c.Query("lat") != "" || c.Query("lon") != "" || c.Query("radius") != "" {
		locator, ok := h.seeds.(SeedLocator)
		if !ok {
			respondError(c, http.StatusNotImplemented, "not_supported", "Seed store has no geo index")
			return
		}
		center, radius, err := parseNearby(c)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid_query", err.Error())
			return
		}
		seeds, err = locator.SeedsInRadius(ctx, boundary, center, radius)
		if err != nil {
			h.logger.WithField("error", err).Error("Failed to search seeds")
			respondError(c, http.StatusInternalServerError, "internal_error", "Failed to search seeds")
			return
		}
	} else {
		seeds, err = h.seeds.ListSeeds(ctx, boundary)
		if err != nil {
			h.logger.WithField("error", err).Error("Failed to list seeds")
			respondError(c, http.StatusInternalServerError, "internal_error", "Failed to list seeds")
			return
		}
	}
	if seeds == nil {
		seeds = []*models.SegmentSeed{}
	}

	c.JSON(http.StatusOK, gin.H{
		"boundary": boundary,
		"seeds":    seeds,
		"count":    len(seeds),
	})
}

func (h *RESTHandler) respondBoundaryError(c *gin.Context, status int, err error) {
	switch status {
	case http.StatusBadRequest:
		respondError(c, status, "invalid_boundary", err.Error())
	case http.StatusNotFound:
		respondError(c, status, "seed_not_found", err.Error())
	default:
		h.logger.WithField("error", err).Error("Failed to resolve boundary")
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to resolve boundary")
	}
}

func parseNearby(c *gin.Context) (models.GeoPoint, float64, error) {
	lat, err := strconv.ParseFloat(c.Query("lat"), 64)
	if err != nil || lat < -90 || lat > 90 {
		return models.GeoPoint{}, 0, fmt.Errorf("latitude must be between -90 and 90")
	}
	lon, err := strconv.ParseFloat(c.Query("lon"), 64)
	if err != nil || lon < -180 || lon > 180 {
		return models.GeoPoint{}, 0, fmt.Errorf("longitude must be between -180 and 180")
	}
	radius, err := strconv.ParseFloat(c.Query("radius"), 64)
	if err != nil || radius <= 0 || radius > maxNearbyRadiusKM {
		return models.GeoPoint{}, 0, fmt.Errorf("radius must be between 0 and %d km", maxNearbyRadiusKM)
	}
	return models.GeoPoint{Latitude: lat, Longitude: lon}, radius, nil
}

// segmentRequest тело POST /api/v1/segment
type segmentRequest struct {
	Messages    []json.RawMessage     `json:"messages" binding:"required"`
	Seeds       []*models.SegmentSeed `json:"seeds"`
	WindowStart *time.Time            `json:"window_start"`
	WindowEnd   *time.Time            `json:"window_end"`
}

type segmentResponse struct {
	Messages  []json.RawMessage        `json:"messages"`
	Segments  []models.Segment         `json:"segments"`
	Seeds     []*models.SegmentSeed    `json:"seeds"`
	Malformed []models.MalformedRecord `json:"malformed"`
	Anomalies []string                 `json:"anomalies,omitempty"`
}

// PostSegment сегментирует переданные сообщения без сохранения
// POST /api/v1/segment
func (h *RESTHandler) PostSegment(c *gin.Context) {
	var req segmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(req.Messages) > maxSegmentRequestMessages {
		respondError(c, http.StatusRequestEntityTooLarge, "too_many_messages",
			fmt.Sprintf("At most %d messages per request", maxSegmentRequestMessages))
		return
	}

	resp := segmentResponse{
		Messages:  make([]json.RawMessage, 0, len(req.Messages)),
		Segments:  []models.Segment{},
		Seeds:     []*models.SegmentSeed{},
		Malformed: []models.MalformedRecord{},
	}

	msgs := make([]models.Message, 0, len(req.Messages))
	for i, raw := range req.Messages {
		msg, err := models.DecodeMessage(raw, int64(i))
		if err == nil {
			err = msg.Validate()
		}
		if err != nil {
			resp.Malformed = append(resp.Malformed, models.NewMalformedRecord(err, string(raw)))
			continue
		}
		msgs = append(msgs, msg)
	}

	seeds := make(map[string]*models.SegmentSeed, len(req.Seeds))
	for _, seed := range req.Seeds {
		if seed != nil {
			seeds[seed.Identifier] = seed
		}
	}

	in := segmenter.Input{}
	if req.WindowStart != nil {
		in.WindowStart = req.WindowStart.UTC()
	}
	if req.WindowEnd != nil {
		in.WindowEnd = req.WindowEnd.UTC()
	}

	identity.NormalizeAll(msgs)
	streams := stream.Build(msgs)

	// seed без сообщений тоже проходит сегментацию: продолжается или закрывается
	ids := streams.Identifiers()
	for id := range seeds {
		if streams.Get(id) == nil {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	for _, id := range ids {
		in.Identifier, in.Messages, in.Seed = id, nil, seeds[id]
		if s := streams.Get(id); s != nil {
			in.Messages = s.Messages()
		}
		result := h.segmenter.Segment(in)
		if err := appendResult(&resp, result); err != nil {
			h.logger.WithField("error", err).Error("Failed to encode segmentation result")
			respondError(c, http.StatusInternalServerError, "internal_error", "Failed to encode result")
			return
		}
	}

	c.JSON(http.StatusOK, resp)
}

func appendResult(resp *segmentResponse, result *segmenter.Result) error {
	for i := range result.Messages {
		data, err := models.EncodeAnnotated(&result.Messages[i])
		if err != nil {
			return err
		}
		resp.Messages = append(resp.Messages, data)
	}
	resp.Segments = append(resp.Segments, result.Segments...)
	if result.Seed != nil {
		resp.Seeds = append(resp.Seeds, result.Seed)
	}
	for _, a := range result.Anomalies {
		resp.Anomalies = append(resp.Anomalies, a.Error())
	}
	return nil
}
