// Sync service: the document store behind the messaging clients.
// Serves collection CRUD over REST, fans out every change on a
// WebSocket feed, and accepts the presence offline beacon. Backed by
// postgres when DATABASE_URL is set, otherwise by the in-memory store
// (development mode). -embedded boots a local PostgreSQL first.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ndolo/messenger/internal/config"
	"github.com/ndolo/messenger/internal/docstore"
	"github.com/ndolo/messenger/internal/docstore/memory"
	"github.com/ndolo/messenger/internal/docstore/postgres"
	"github.com/ndolo/messenger/internal/logger"
	"github.com/ndolo/messenger/internal/middleware"
	"github.com/ndolo/messenger/internal/model"
	"github.com/ndolo/messenger/internal/notify"
)

type server struct {
	store  docstore.Store
	feed   *feedHub
	notify *notify.WebPush
}

func main() {
	logger.SetPrefix("syncd")
	embedded := flag.Bool("embedded", false, "start an embedded PostgreSQL")
	flag.Parse()

	cfg := config.Load()
	logger.Infof("starting sync service on %s", cfg.ServerAddr)

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *embedded {
		db, err := startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		embeddedDB = db
		defer func() {
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("stop embedded postgres: %v", err)
			}
		}()
	}

	store, cleanup, err := buildStore(cfg)
	if err != nil {
		logger.Errorf("store: %v", err)
		os.Exit(1)
	}
	defer cleanup()

	if cfg.Push.VAPIDPublicKey == "" || cfg.Push.VAPIDPrivateKey == "" {
		keys, err := notify.EnsureVAPIDKeys("")
		if err != nil {
			logger.Errorf("vapid keys: %v", err)
			os.Exit(1)
		}
		cfg.Push.VAPIDPublicKey = keys.PublicKey
		cfg.Push.VAPIDPrivateKey = keys.PrivateKey
	}

	feed := newFeedHub()
	s := &server{
		store: &eventStore{Store: store, emit: feed.broadcast},
		feed:  feed,
		notify: notify.NewWebPush(store, cfg.Push.Subscriber,
			cfg.Push.VAPIDPublicKey, cfg.Push.VAPIDPrivateKey),
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLog)
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RateLimit)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{cfg.CORSAllowedOrigins},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Route("/v1", func(r chi.Router) {
		r.Route("/collections/{collection}", func(r chi.Router) {
			r.Post("/documents", s.handleCreate)
			r.Get("/documents/{id}", s.handleGet)
			r.Patch("/documents/{id}", s.handleUpdate)
			r.Delete("/documents/{id}", s.handleDelete)
			r.Post("/query", s.handleQuery)
		})
		r.Get("/feed", s.feed.handleWS)
		r.Post("/presence/offline/{userID}", s.handleOfflineBeacon)
		r.Post("/push/subscriptions", s.handlePushSubscribe)
		r.Delete("/push/subscriptions", s.handlePushUnsubscribe)
		vapidPub := cfg.Push.VAPIDPublicKey
		r.Get("/push/vapid-public-key", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"publicKey": vapidPub})
		})
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("server: %v", err)
			os.Exit(1)
		}
	}()
	logger.Infof("sync service listening on %s", cfg.ServerAddr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown: %v", err)
	}
	s.feed.closeAll()
	logger.Info("sync service stopped")
}

func buildStore(cfg *config.Config) (docstore.Store, func(), error) {
	if cfg.DatabaseURL() == "" {
		logger.Info("no DATABASE_URL, using in-memory store")
		return memory.New(), func() {}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		return nil, nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}
	store := postgres.New(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Info("postgres connected")
	return store, pool.Close, nil
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "messenger"
		password = "messenger_secret"
		database = "messenger"
	)
	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}
	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)
	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}

// eventStore broadcasts every successful write to the feed.
type eventStore struct {
	docstore.Store
	emit func(docstore.Event)
}

func (e *eventStore) Create(ctx context.Context, col, id string, data any) (*docstore.Document, error) {
	doc, err := e.Store.Create(ctx, col, id, data)
	if err == nil {
		e.emit(docstore.Event{Kind: docstore.EventCreate, Collection: col, Document: *doc})
	}
	return doc, err
}

func (e *eventStore) Update(ctx context.Context, col, id string, patch map[string]any) (*docstore.Document, error) {
	doc, err := e.Store.Update(ctx, col, id, patch)
	if err == nil {
		e.emit(docstore.Event{Kind: docstore.EventUpdate, Collection: col, Document: *doc})
	}
	return doc, err
}

func (e *eventStore) Delete(ctx context.Context, col, id string) error {
	doc, getErr := e.Store.Get(ctx, col, id)
	err := e.Store.Delete(ctx, col, id)
	if err == nil {
		ev := docstore.Event{Kind: docstore.EventDelete, Collection: col}
		if getErr == nil {
			ev.Document = *doc
		} else {
			ev.Document = docstore.Document{ID: id}
		}
		e.emit(ev)
	}
	return err
}

// --- handlers ---

type createRequest struct {
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data"`
}

func (s *server) handleCreate(w http.ResponseWriter, r *http.Request) {
	col := chi.URLParam(r, "collection")
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	doc, err := s.store.Create(r.Context(), col, req.ID, req.Data)
	if err != nil {
		logger.Errorf("create %s: %v", col, err)
		http.Error(w, "create failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *server) handleGet(w http.ResponseWriter, r *http.Request) {
	col, id := chi.URLParam(r, "collection"), chi.URLParam(r, "id")
	doc, err := s.store.Get(r.Context(), col, id)
	if errors.Is(err, docstore.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Errorf("get %s/%s: %v", col, id, err)
		http.Error(w, "get failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	col, id := chi.URLParam(r, "collection"), chi.URLParam(r, "id")
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	doc, err := s.store.Update(r.Context(), col, id, patch)
	if errors.Is(err, docstore.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Errorf("update %s/%s: %v", col, id, err)
		http.Error(w, "update failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	col, id := chi.URLParam(r, "collection"), chi.URLParam(r, "id")
	err := s.store.Delete(r.Context(), col, id)
	if errors.Is(err, docstore.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Errorf("delete %s/%s: %v", col, id, err)
		http.Error(w, "delete failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleQuery(w http.ResponseWriter, r *http.Request) {
	col := chi.URLParam(r, "collection")
	var q docstore.Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	list, err := s.store.List(r.Context(), col, q)
	if err != nil {
		logger.Errorf("query %s: %v", col, err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleOfflineBeacon is the page-unload path: mark the user offline
// without requiring a well-formed client request.
func (s *server) handleOfflineBeacon(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		http.Error(w, "user id required", http.StatusBadRequest)
		return
	}
	now := time.Now()
	patch := map[string]any{
		"userId":   userID,
		"isOnline": false,
		"lastSeen": now,
		"status":   model.StatusOffline,
	}
	_, err := s.store.Update(r.Context(), docstore.ColPresence, userID, patch)
	if errors.Is(err, docstore.ErrNotFound) {
		_, err = s.store.Create(r.Context(), docstore.ColPresence, userID, model.UserPresence{
			UserID: userID, LastSeen: now, Status: model.StatusOffline,
		})
	}
	if err != nil {
		logger.Errorf("offline beacon %s: %v", userID, err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	var sub notify.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if sub.UserID == "" || sub.Endpoint == "" {
		http.Error(w, "userId and endpoint required", http.StatusBadRequest)
		return
	}
	if err := s.notify.Register(r.Context(), sub); err != nil {
		logger.Errorf("push subscribe: %v", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string `json:"userId"`
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := s.notify.Unregister(r.Context(), req.UserID, req.Endpoint); err != nil {
		logger.Errorf("push unsubscribe: %v", err)
		http.Error(w, "unsubscribe failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("write response: %v", err)
	}
}
