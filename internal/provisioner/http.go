package provisioner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"botherd/internal/config"
	"botherd/internal/model"
	logx "botherd/pkg/logx"
)

// launchRequest is the wire form sent to the capacity endpoint.
type launchRequest struct {
	RequestID  string `json:"request_id"`
	BotID      string `json:"bot_id"`
	MeetingURL string `json:"meeting_url"`
	JoinAt     string `json:"join_at"` // RFC 3339
}

type httpProvisioner struct {
	url     string
	token   string
	client  *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func newHTTP(s config.ProvisionerSettings, log logx.Logger) *httpProvisioner {
	if log.IsZero() {
		log = logx.Nop()
	}
	var limiter *rate.Limiter
	if s.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.RatePerSec), s.RatePerSec)
	}
	return &httpProvisioner{
		url:     s.URL,
		token:   s.Token,
		client:  &http.Client{Timeout: s.Timeout},
		limiter: limiter,
		log:     log.With(logx.String("component", "provisioner")),
	}
}

func (p *httpProvisioner) Request(ctx context.Context, req model.CapacityRequest, b model.Bot) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("provisioner rate limit: %w", err)
		}
	}

	body, err := json.Marshal(launchRequest{
		RequestID:  req.RequestID,
		BotID:      b.BotID,
		MeetingURL: b.MeetingURL,
		JoinAt:     b.JoinAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("provisioner encode: %w", err)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("provisioner request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		hreq.Header.Set("Authorization", "Bearer "+p.token)
	}

	start := time.Now()
	resp, err := p.client.Do(hreq)
	if err != nil {
		return fmt.Errorf("provisioner call: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("provisioner call: unexpected status %d", resp.StatusCode)
	}

	p.log.Debug("launch request accepted",
		logx.String("bot_id", b.BotID),
		logx.String("request_id", req.RequestID),
		logx.Duration("took", time.Since(start)))
	return nil
}
