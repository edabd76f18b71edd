package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"imagehub/internal/gallery"
	"imagehub/internal/models"
)

type Server struct {
	cfg    *models.Config
	router *gin.Engine
	svc    *gallery.Service
	query  *gallery.Query
	logger *zap.Logger
}

func NewServer(cfg *models.Config, svc *gallery.Service, query *gallery.Query, logger *zap.Logger) *Server {
	r := gin.Default()

	s := &Server{cfg: cfg, router: r, svc: svc, query: query, logger: logger}

	r.POST("/staging/upload", s.handleStagingUpload)
	r.POST("/entities/:type/:id/commit", s.handleCommit)
	r.POST("/entities/:type/:id/images", s.handleDirectUpload)
	r.GET("/entities/:type/:id/images", s.handleListImages)
	r.PUT("/entities/:type/:id/images/order", s.handleReorder)
	r.PUT("/images/:id/main", s.handleSetMain)
	r.DELETE("/images/:id", s.handleDeleteImage)

	return s
}

func (s *Server) Start() error {
	return s.router.Run(s.cfg.ServerAddr)
}

func (s *Server) Stop() {
	// No shutdown needed for gin
}

func (s *Server) handleStagingUpload(c *gin.Context) {
	cat := models.Category(c.DefaultPostForm("category", string(models.CategoryGallery)))
	if !cat.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid category"})
		return
	}

	files, err := s.readFiles(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	token, items, err := s.svc.UploadToStaging(c.Request.Context(), files, cat, s.callerKey(c))
	if err != nil {
		s.logger.Error("staging upload failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "sessionToken": token, "images": items})
}

func (s *Server) handleCommit(c *gin.Context) {
	et, eid, ok := s.entityRef(c)
	if !ok {
		return
	}

	var req struct {
		StagingToken string `json:"stagingToken" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	items, err := s.svc.MigrateStagedSession(c.Request.Context(), req.StagingToken, et, eid, s.uploaderID(c))
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "images": items})
}

func (s *Server) handleDirectUpload(c *gin.Context) {
	et, eid, ok := s.entityRef(c)
	if !ok {
		return
	}

	cat := models.Category(c.DefaultPostForm("category", string(models.CategoryGallery)))
	if !cat.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid category"})
		return
	}

	files, err := s.readFiles(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	items, err := s.svc.UploadImages(c.Request.Context(), files, et, eid, cat, s.uploaderID(c))
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "images": items})
}

func (s *Server) handleListImages(c *gin.Context) {
	et, eid, ok := s.entityRef(c)
	if !ok {
		return
	}

	cat := models.Category(c.DefaultQuery("category", string(models.CategoryGallery)))
	if !cat.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid category"})
		return
	}

	views, err := s.query.ImagesByEntity(c.Request.Context(), et, eid, cat)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "images": views})
}

func (s *Server) handleReorder(c *gin.Context) {
	et, eid, ok := s.entityRef(c)
	if !ok {
		return
	}

	var req struct {
		Order []int64 `json:"order" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	applied, err := s.svc.Reorder(c.Request.Context(), et, eid, req.Order)
	if err != nil {
		s.fail(c, err)
		return
	}
	// applied=false means an unrecoverable conflict; the caller should
	// refresh and retry.
	c.JSON(http.StatusOK, gin.H{"success": applied})
}

func (s *Server) handleSetMain(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid image id"})
		return
	}

	img, err := s.svc.SetMainImage(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "image": img})
}

func (s *Server) handleDeleteImage(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid image id"})
		return
	}

	ok, err := s.svc.DeleteImage(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": ok})
}

func (s *Server) entityRef(c *gin.Context) (models.EntityType, int64, bool) {
	et := models.EntityType(c.Param("type"))
	if !et.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid entity type"})
		return "", 0, false
	}
	eid, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid entity id"})
		return "", 0, false
	}
	return et, eid, true
}

func (s *Server) readFiles(c *gin.Context) ([]gallery.UploadFile, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, err
	}

	headers := form.File["files"]
	if len(headers) > s.cfg.MaxBatchFiles {
		headers = headers[:s.cfg.MaxBatchFiles]
	}

	files := make([]gallery.UploadFile, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		files = append(files, gallery.UploadFile{
			Name:     fh.Filename,
			MimeType: fh.Header.Get("Content-Type"),
			Data:     data,
		})
	}
	return files, nil
}

// uploaderID is opaque caller-supplied identity; no policy is attached to it.
func (s *Server) uploaderID(c *gin.Context) string {
	return c.GetHeader("X-Uploader-ID")
}

func (s *Server) callerKey(c *gin.Context) string {
	if id := s.uploaderID(c); id != "" {
		return id
	}
	return c.ClientIP()
}

func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrEntityNotFound), errors.Is(err, models.ErrImageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
	case errors.Is(err, models.ErrSessionExpired):
		c.JSON(http.StatusGone, gin.H{"success": false, "error": err.Error()})
	case errors.Is(err, models.ErrUnsupportedMimeType), errors.Is(err, models.ErrFileTooLarge):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
	case errors.Is(err, models.ErrConcurrencyConflict):
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": err.Error()})
	default:
		s.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
	}
}
