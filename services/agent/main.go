// Messaging agent: a headless client runtime. It connects the chat
// store and presence tracker to the sync service, keeps the change feed
// alive across drops, and persists an encrypted local snapshot so a
// restart renders the conversation list before the first network load.
//
// The signed-in user comes from USER_ID / USER_NAME / USER_EMAIL /
// USER_TYPE in the environment.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ndolo/messenger/internal/cache"
	"github.com/ndolo/messenger/internal/chat"
	"github.com/ndolo/messenger/internal/config"
	"github.com/ndolo/messenger/internal/docstore/remote"
	"github.com/ndolo/messenger/internal/logger"
	"github.com/ndolo/messenger/internal/notify"
	"github.com/ndolo/messenger/internal/presence"
	"github.com/ndolo/messenger/internal/realtime"
	"github.com/ndolo/messenger/internal/session"
)

const (
	connectRetryDelay = 3 * time.Second
	snapshotInterval  = time.Minute
	snapshotTTL       = 24 * time.Hour
	shutdownTimeout   = 10 * time.Second
)

func main() {
	logger.SetPrefix("agent")
	cfg := config.Load()

	user := userFromEnv()
	if user == nil {
		logger.Error("USER_ID not set")
		os.Exit(1)
	}
	identity := &session.Static{User: user}
	logger.Infof("starting messaging agent for user %s", user.ID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	docs := remote.NewClient(cfg.SyncURL)

	feed := realtime.NewFeed(cfg.FeedURL)
	for {
		if err := feed.Connect(ctx); err == nil {
			break
		} else {
			logger.Warnf("feed connect: %v, retrying in %s", err, connectRetryDelay)
		}
		select {
		case <-time.After(connectRetryDelay):
		case <-ctx.Done():
			return
		}
	}
	logger.Infof("change feed connected to %s", cfg.FeedURL)

	dispatcher := realtime.NewDispatcher(feed)
	defer dispatcher.Close()

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Push.VAPIDPublicKey != "" && cfg.Push.VAPIDPrivateKey != "" {
		notifier = notify.NewWebPush(docs, cfg.Push.Subscriber,
			cfg.Push.VAPIDPublicKey, cfg.Push.VAPIDPrivateKey)
		logger.Info("web push notifications enabled")
	}

	store := chat.New(chat.Deps{
		Docs:          docs,
		Dispatcher:    dispatcher,
		Identity:      identity,
		Notifier:      notifier,
		Salt:          cfg.EncryptionSalt,
		SupportUserID: cfg.SupportUserID,
	})

	// Registered before the first load: a feed drop during the initial
	// sync must still find the reconnect callback in place.
	dispatcher.OnReconnect(func() {
		if err := feed.Connect(ctx); err != nil {
			logger.Errorf("reconnect: %v", err)
			dispatcher.ScheduleReconnect()
			return
		}
		logger.Info("change feed reconnected")
		store.Resubscribe(ctx)
	})

	snapshots := buildSnapshotCache(ctx, cfg)
	if snapshots != nil {
		if snap, err := snapshots.Load(ctx, user.ID); err == nil {
			store.ImportSnapshot(snap.Conversations, snap.Messages)
			logger.Infof("warm start from snapshot: %d conversations", len(snap.Conversations))
		}
	}

	store.Start()
	store.StartCleanup(cfg.CleanupInterval)
	store.LoadConversations(ctx)

	tracker := presence.New(presence.Deps{
		Docs:          docs,
		Dispatcher:    dispatcher,
		Identity:      identity,
		Beacon:        presence.NewHTTPBeacon(cfg.SyncURL),
		SupportUserID: cfg.SupportUserID,
		Heartbeat:     cfg.HeartbeatInterval,
	})
	if err := tracker.Init(ctx); err != nil {
		logger.Errorf("presence init: %v", err)
	}

	if snapshots != nil {
		go snapshotLoop(ctx, snapshots, store, user.ID)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if snapshots != nil {
		saveSnapshot(shutdownCtx, snapshots, store, user.ID)
	}
	tracker.Terminate(shutdownCtx)
	store.Stop()
	cancel()
	feed.Close()
	logger.Info("messaging agent stopped")
}

func userFromEnv() *session.User {
	id := os.Getenv("USER_ID")
	if id == "" {
		return nil
	}
	u := &session.User{
		ID:    id,
		Name:  os.Getenv("USER_NAME"),
		Email: os.Getenv("USER_EMAIL"),
	}
	if t := os.Getenv("USER_TYPE"); t != "" {
		u.Prefs = map[string]string{"userType": t}
	}
	return u
}

// buildSnapshotCache returns nil when no snapshot backend is
// configured; the agent then runs without a warm-start cache.
func buildSnapshotCache(ctx context.Context, cfg *config.Config) *cache.Cache {
	fingerprint := os.Getenv("DEVICE_FINGERPRINT")
	if fingerprint == "" {
		host, err := os.Hostname()
		if err != nil {
			logger.Warnf("snapshot cache disabled: no device fingerprint: %v", err)
			return nil
		}
		fingerprint = host
	}
	if cfg.Redis.URL != "" {
		backend, err := cache.NewRedis(ctx, cfg.Redis.URL)
		if err != nil {
			logger.Warnf("snapshot cache disabled: %v", err)
			return nil
		}
		logger.Info("snapshot cache backed by redis")
		return cache.New(backend, fingerprint, cfg.EncryptionSalt, snapshotTTL)
	}
	return cache.New(cache.NewMemory(), fingerprint, cfg.EncryptionSalt, snapshotTTL)
}

func snapshotLoop(ctx context.Context, c *cache.Cache, store *chat.Store, userID string) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			saveSnapshot(ctx, c, store, userID)
		case <-ctx.Done():
			return
		}
	}
}

func saveSnapshot(ctx context.Context, c *cache.Cache, store *chat.Store, userID string) {
	convs, msgs := store.ExportSnapshot()
	snap := &cache.Snapshot{
		UserID:        userID,
		Conversations: convs,
		Messages:      msgs,
	}
	if err := c.Save(ctx, snap); err != nil {
		logger.Errorf("snapshot save: %v", err)
	}
}
