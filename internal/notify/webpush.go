package notify

import (
	"context"
	"encoding/json"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/ndolo/messenger/internal/docstore"
	"github.com/ndolo/messenger/internal/logger"
)

const pushTimeout = 10 * time.Second

// Subscription is one browser push registration, stored as a document
// in the push-subscriptions collection.
type Subscription struct {
	UserID   string `json:"userId"`
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
	CreatedAt time.Time `json:"createdAt"`
}

// WebPush sends VAPID-signed Web Push notifications. Subscriptions
// live in the docstore so every service sees the same registry.
type WebPush struct {
	store docstore.Store
	vapid *webpush.Options
}

func NewWebPush(store docstore.Store, subscriber, vapidPublic, vapidPrivate string) *WebPush {
	var opts *webpush.Options
	if vapidPublic != "" && vapidPrivate != "" {
		opts = &webpush.Options{
			Subscriber:      subscriber,
			VAPIDPublicKey:  vapidPublic,
			VAPIDPrivateKey: vapidPrivate,
			TTL:             30,
		}
	}
	return &WebPush{store: store, vapid: opts}
}

// Register saves a device subscription, replacing any existing entry
// for the same endpoint.
func (w *WebPush) Register(ctx context.Context, sub Subscription) error {
	existing, err := w.subscriptionsFor(ctx, sub.UserID)
	if err == nil {
		for _, doc := range existing {
			var old Subscription
			if doc.Decode(&old) == nil && old.Endpoint == sub.Endpoint {
				_ = w.store.Delete(ctx, docstore.ColPushSubs, doc.ID)
			}
		}
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	if _, err := w.store.Create(ctx, docstore.ColPushSubs, "", sub); err != nil {
		return err
	}
	return nil
}

// Unregister drops the subscription for one endpoint of a user.
func (w *WebPush) Unregister(ctx context.Context, userID, endpoint string) error {
	docs, err := w.subscriptionsFor(ctx, userID)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		var sub Subscription
		if doc.Decode(&sub) == nil && sub.Endpoint == endpoint {
			if err := w.store.Delete(ctx, docstore.ColPushSubs, doc.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// NotifyUser pushes to every device of the user. Expired endpoints
// (404/410 from the push service) are pruned as they are seen.
func (w *WebPush) NotifyUser(ctx context.Context, userID, kind, title, body string, data map[string]string) {
	if w.vapid == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()

	docs, err := w.subscriptionsFor(ctx, userID)
	if err != nil {
		logger.Errorf("notify.NotifyUser subscriptions: %v", err)
		return
	}
	if len(docs) == 0 {
		return
	}

	if data == nil {
		data = map[string]string{}
	}
	data["type"] = kind
	payload, err := json.Marshal(map[string]any{"title": title, "body": body, "data": data})
	if err != nil {
		logger.Errorf("notify.NotifyUser payload: %v", err)
		return
	}

	for _, doc := range docs {
		var sub Subscription
		if doc.Decode(&sub) != nil || sub.Endpoint == "" {
			continue
		}
		wpSub := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
		}
		resp, err := webpush.SendNotificationWithContext(ctx, payload, wpSub, w.vapid)
		if err != nil {
			logger.Errorf("notify.NotifyUser send: %v", err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == 404 || resp.StatusCode == 410 {
			_ = w.store.Delete(ctx, docstore.ColPushSubs, doc.ID)
		}
	}
}

func (w *WebPush) subscriptionsFor(ctx context.Context, userID string) ([]docstore.Document, error) {
	list, err := w.store.List(ctx, docstore.ColPushSubs, docstore.Query{
		Filters: []docstore.Filter{
			{Field: "userId", Op: docstore.OpEqual, Values: []any{userID}},
		},
	})
	if err != nil {
		return nil, err
	}
	return list.Documents, nil
}
