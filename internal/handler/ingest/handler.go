package ingest

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fernwatch/camtrap/internal/pipeline"
)

// Handler exposes the producing side of the pipeline: image registration and
// camera battery reports. Upload itself happens directly against object
// storage; this API only records the image and queues it for detection.
type Handler struct {
	enqueuer *pipeline.Enqueuer
}

func NewHandler(enqueuer *pipeline.Enqueuer) *Handler {
	return &Handler{enqueuer: enqueuer}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/images", h.RegisterImage)
	r.POST("/cameras/:id/battery", h.ReportBattery)
}

type registerImageRequest struct {
	CameraID    string    `json:"camera_id" binding:"required,uuid"`
	StoragePath string    `json:"storage_path" binding:"required"`
	CapturedAt  time.Time `json:"captured_at" binding:"required"`
}

func (h *Handler) RegisterImage(c *gin.Context) {
	var req registerImageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cameraID, _ := uuid.Parse(req.CameraID)

	imageID, err := h.enqueuer.EnqueueImage(c.Request.Context(), cameraID, req.StoragePath, req.CapturedAt)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"data": gin.H{"image_id": imageID}})
}

type batteryReportRequest struct {
	BatteryPercent *int      `json:"battery_percent" binding:"required,min=0,max=100"`
	SeenAt         time.Time `json:"seen_at"`
}

func (h *Handler) ReportBattery(c *gin.Context) {
	cameraID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid camera ID"})
		return
	}

	var req batteryReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	seenAt := req.SeenAt
	if seenAt.IsZero() {
		seenAt = time.Now().UTC()
	}

	if err := h.enqueuer.ReportBattery(c.Request.Context(), cameraID, *req.BatteryPercent, seenAt); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "success"})
}
