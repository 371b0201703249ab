package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/logging"
)

// webhookURL prefers the configured URL over the environment fallback.
func (l *Logger) webhookURL(cfg Config) string {
	if u := strings.TrimSpace(cfg.StreamingURL); u != "" {
		return u
	}
	return strings.TrimSpace(l.getenv(webhookEnv))
}

// streamEntry posts the entry on a detached goroutine.
func (l *Logger) streamEntry(cfg Config, entry Entry) {
	url := l.webhookURL(cfg)
	if url == "" {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Error("audit webhook encode failed", "error", err)
		return
	}
	l.stream.Add(1)
	go func() {
		defer l.stream.Done()
		ctx, cancel := context.WithTimeout(context.Background(), cfg.StreamingTimeout)
		defer cancel()
		if err := l.post(ctx, url, entry, data); err != nil {
			l.logger.Error("audit webhook delivery failed", "url", logging.RedactURL(url), "entry_id", entry.ID, "error", err)
		}
	}()
}

func (l *Logger) post(ctx context.Context, url string, entry Entry, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-PulseArc-Event", string(entry.Event.Type))
	req.Header.Set("X-PulseArc-Delivery", entry.ID)
	res, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}
