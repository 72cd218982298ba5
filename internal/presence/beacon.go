package presence

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ndolo/messenger/internal/logger"
)

// HTTPBeacon posts the offline signal to the sync service. It never
// reports failure to the caller: the process may be going away and
// there is nobody left to retry.
type HTTPBeacon struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPBeacon(baseURL string) *HTTPBeacon {
	return &HTTPBeacon{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 3 * time.Second,
		},
	}
}

func (b *HTTPBeacon) SendOffline(userID string) {
	target := b.baseURL + "/v1/presence/offline/" + url.PathEscape(userID)
	resp, err := b.httpClient.Post(target, "application/json", nil)
	if err != nil {
		logger.Errorf("presence beacon: %v", err)
		return
	}
	resp.Body.Close()
}
