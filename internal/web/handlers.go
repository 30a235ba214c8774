package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"StoryTales/server/internal/config"
	"StoryTales/server/internal/page"
	"StoryTales/server/internal/storage"
	"StoryTales/server/internal/storyapi"
	"StoryTales/server/internal/upload"
)

// WebSocket upgrader configuration
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// multipart overhead allowed on top of the file itself
const formOverhead = 1 << 20

type Handlers struct {
	config     *config.Config
	hub        *SessionHub
	backend    *storyapi.Backend
	redisStore *storage.RedisStore
	log        logrus.FieldLogger
}

func NewHandlers(cfg *config.Config, hub *SessionHub, backend *storyapi.Backend, redisStore *storage.RedisStore, log logrus.FieldLogger) *Handlers {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handlers{
		config:     cfg,
		hub:        hub,
		backend:    backend,
		redisStore: redisStore,
		log:        log,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	redisStatus := "disabled"
	if h.redisStore != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		redisStatus = "ok"
		if err := h.redisStore.Ping(ctx); err != nil {
			redisStatus = "unavailable"
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"service":  "storytales",
		"sessions": h.hub.ClientCount(),
		"redis":    redisStatus,
	})
}

func (h *Handlers) Home(w http.ResponseWriter, r *http.Request) {
	indexPath := h.config.Server.IndexFile
	if _, err := os.Stat(indexPath); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "index.html not found"})
		return
	}
	http.ServeFile(w, r, indexPath)
}

// Connect upgrades to a WebSocket and opens a page for it.
func (h *Handlers) Connect(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	id := uuid.NewString()
	client := newClient(id, conn, h.hub, h.config.Session, h.log)
	client.Page = page.New(h.backend, client, page.Options{
		ID:       id,
		AgeGroup: h.config.Wizard.AgeGroup,
		Kudos:    h.config.Wizard.Kudos,
		Logger:   h.log,
	})

	welcome, _ := json.Marshal(message{Type: "connected", ID: id, Time: time.Now().Unix()})
	client.enqueue(welcome)

	if !h.hub.Register(client) {
		client.shutdown()
		conn.Close()
	}
}

// UploadArtwork hands a multipart file to the page of the session.
func (h *Handlers) UploadArtwork(w http.ResponseWriter, r *http.Request) {
	client, ok := h.hub.Lookup(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"success": false, "error": "Session not found"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, upload.MaxFileSize+formOverhead)
	file, header, err := r.FormFile("artwork")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			verr := &upload.ValidationError{Reason: upload.TooLarge, Size: tooBig.Limit}
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]interface{}{"success": false, "error": verr.Error()})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": "No artwork file provided"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, upload.MaxFileSize+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": (&upload.FileReadError{Name: header.Filename, Err: err}).Error()})
		return
	}

	source := upload.SourcePicker
	if r.FormValue("source") == string(upload.SourceDrop) {
		source = upload.SourceDrop
	}
	f := upload.NewFile(header.Filename, header.Header.Get("Content-Type"), data)
	client.Page.Upload(source, f)

	if err := upload.Validate(f); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"success": true})
}

func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   ww.Status(),
				"duration": time.Since(start),
				"request":  middleware.GetReqID(r.Context()),
			}).Info("request")
		})
	}
}

// CORS middleware
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Max-Age", "300")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func NewRouter(cfg *config.Config, hub *SessionHub, backend *storyapi.Backend, redisStore *storage.RedisStore, log logrus.FieldLogger) *chi.Mux {
	handlers := NewHandlers(cfg, hub, backend, redisStore, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(handlers.log.WithField("component", "http")))
	r.Use(corsMiddleware)

	r.Get("/", handlers.Home)
	r.Get("/health", handlers.HealthCheck)
	if dir := cfg.Server.StaticDir; dir != "" {
		if _, err := os.Stat(dir); err == nil {
			r.Mount("/static", http.StripPrefix("/static/", http.FileServer(http.Dir(dir))))
		}
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ws", handlers.Connect)
		r.Post("/sessions/{id}/artwork", handlers.UploadArtwork)
	})

	return r
}
