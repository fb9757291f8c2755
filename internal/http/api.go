package http

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"mediamill/internal/registry"
	"mediamill/internal/service"
	"mediamill/internal/storage"
	"mediamill/internal/supervisor"
	"mediamill/internal/transcode"
)

// Handler wires HTTP routes to the supervisor and registry.
type Handler struct {
	registry *registry.Registry
	super    *supervisor.Supervisor

	downloadDir string
	convertDir  string

	storage storage.Service
	bucket  string

	users     service.UserService
	jwtSecret string
	tokenTTL  time.Duration
}

func NewHandler(reg *registry.Registry, super *supervisor.Supervisor, downloadDir, convertDir string) *Handler {
	return &Handler{
		registry:    reg,
		super:       super,
		downloadDir: downloadDir,
		convertDir:  convertDir,
	}
}

// WithStorage enables the archive listing endpoint.
func (h *Handler) WithStorage(store storage.Service, bucket string) *Handler {
	h.storage = store
	h.bucket = bucket
	return h
}

// WithAuth protects the job-start endpoints with JWT bearer tokens.
func (h *Handler) WithAuth(users service.UserService, jwtSecret string, tokenTTL time.Duration) *Handler {
	h.users = users
	h.jwtSecret = jwtSecret
	h.tokenTTL = tokenTTL
	return h
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	router.GET("/", h.index)
	router.GET("/status", h.status)
	router.GET("/download/:filename", h.download)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	start := router.Group("/")
	if h.users != nil {
		router.POST("/auth/register", h.register)
		router.POST("/auth/login", h.login)
		start.Use(h.authMiddleware())
	}
	start.POST("/add_magnet", h.addMagnet)
	start.POST("/start_convert", h.startConvert)

	if h.storage != nil && h.bucket != "" {
		router.GET("/storage/objects", h.listObjects)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Content-Disposition")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

type addMagnetRequest struct {
	MagnetLink string `form:"magnet_link" json:"magnet_link" binding:"required"`
}

func (h *Handler) addMagnet(c *gin.Context) {
	var req addMagnetRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "magnet_link is required"})
		return
	}

	if err := h.super.StartTransfer(req.MagnetLink); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "download started"})
}

type startConvertRequest struct {
	Filename string `form:"filename" json:"filename" binding:"required"`
	Preset   string `form:"preset" json:"preset" binding:"required"`
	CRF      *int   `form:"crf" json:"crf"`
	Encoder  string `form:"encoder" json:"encoder"`
}

func (h *Handler) startConvert(c *gin.Context) {
	var req startConvertRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid parameters: " + err.Error()})
		return
	}

	crf := transcode.DefaultCRF
	if req.CRF != nil {
		crf = *req.CRF
	}

	err := h.super.StartTranscode(transcode.Request{
		Filename: req.Filename,
		Preset:   req.Preset,
		CRF:      crf,
		Encoder:  req.Encoder,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "conversion started"})
}

func (h *Handler) status(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.Snapshot())
}

func (h *Handler) download(c *gin.Context) {
	path, err := transcode.ResolveUnder(h.convertDir, c.Param("filename"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}

	c.FileAttachment(path, filepath.Base(path))
}

func (h *Handler) index(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"files":           listFiles(h.downloadDir),
		"converted_files": listFiles(h.convertDir),
	})
}

// listFiles returns plain file names in dir, empty (not null) when the dir
// is missing or unreadable.
func listFiles(dir string) []string {
	names := []string{}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return names
	}
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			names = append(names, entry.Name())
		}
	}
	return names
}

type storageObjectResponse struct {
	Key          string  `json:"key"`
	Size         int64   `json:"size"`
	LastModified *string `json:"last_modified,omitempty"`
}

func (h *Handler) listObjects(c *gin.Context) {
	objects, err := h.storage.ListObjects(c.Request.Context(), h.bucket, c.Query("prefix"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]storageObjectResponse, len(objects))
	for i, obj := range objects {
		resp[i] = storageObjectResponse{Key: obj.Key, Size: obj.Size}
		if obj.LastModified != nil && !obj.LastModified.IsZero() {
			v := obj.LastModified.Format(time.RFC3339)
			resp[i].LastModified = &v
		}
	}
	c.JSON(http.StatusOK, resp)
}
