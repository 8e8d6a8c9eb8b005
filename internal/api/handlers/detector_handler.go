package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/sdkscan/sdkscan-go/internal/sdkdetect"
)

// DetectorHandler 检测规则查询处理器
type DetectorHandler struct {
	registry *sdkdetect.Registry
	logger   *logrus.Logger
}

// NewDetectorHandler 创建检测规则处理器
func NewDetectorHandler(registry *sdkdetect.Registry, logger *logrus.Logger) *DetectorHandler {
	return &DetectorHandler{
		registry: registry,
		logger:   logger,
	}
}

// detectorInfo 单条检测规则的对外视图
type detectorInfo struct {
	SDK           string   `json:"sdk"`
	NamePatterns  []string `json:"name_patterns"`
	ContentMarker string   `json:"content_marker,omitempty"`
	Custom        bool     `json:"custom"`
}

// ListDetectors 枚举当前注册的全部检测规则
// GET /api/detectors
func (h *DetectorHandler) ListDetectors(c *gin.Context) {
	rules := h.registry.Rules()
	detectors := make([]detectorInfo, 0, len(rules))
	for _, rule := range rules {
		detectors = append(detectors, detectorInfo{
			SDK:           rule.Flag.Name(),
			NamePatterns:  rule.NamePatterns,
			ContentMarker: rule.ContentMarker,
			Custom:        rule.Match != nil,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"detectors": detectors,
		"total":     h.registry.Len(),
	})
}
