// Package wake implements the WakeExecutor contract: reviving a sleeping
// address by POSTing to its webhook or spawning its configured command.
package wake

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"time"

	"github.com/systemx/systemx/internal/exchange"
)

// wakePayload is the JSON body POSTed to webhook handlers.
type wakePayload struct {
	Address string      `json:"address"`
	Handler wakeHandler `json:"handler"`
}

type wakeHandler struct {
	Type           string   `json:"type"`
	URL            string   `json:"url,omitempty"`
	Command        []string `json:"command,omitempty"`
	TimeoutSeconds float64  `json:"timeout_seconds"`
}

// Executor dispatches a wake attempt to the handler kind stored in the
// profile. One Executor serves all profiles; per-attempt deadlines come
// from the handler configuration.
type Executor struct {
	httpClient *http.Client
	log        *slog.Logger
}

// NewExecutor creates a wake executor. The shared HTTP client carries no
// timeout of its own; each attempt's context enforces the handler deadline.
func NewExecutor(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		httpClient: &http.Client{},
		log:        logger.With("component", "wake"),
	}
}

// Wake revives the profile's address. The context is already bounded by
// the handler's timeout when the router invokes it.
func (e *Executor) Wake(ctx context.Context, profile exchange.WakeProfile) error {
	switch profile.Handler.Kind {
	case exchange.WakeHandlerWebhook:
		return e.wakeWebhook(ctx, profile)
	case exchange.WakeHandlerSpawn:
		return e.wakeSpawn(ctx, profile)
	}
	return fmt.Errorf("wake: unknown handler kind %q", profile.Handler.Kind)
}

func (e *Executor) wakeWebhook(ctx context.Context, profile exchange.WakeProfile) error {
	payload := wakePayload{
		Address: profile.Address,
		Handler: wakeHandler{
			Type:           profile.Handler.Kind,
			URL:            profile.Handler.URL,
			TimeoutSeconds: profile.Handler.Timeout.Seconds(),
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("wake: marshalling payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, profile.Handler.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("wake: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("wake: posting to %s: %w", profile.Handler.URL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("wake: webhook returned status %d", resp.StatusCode)
	}
	e.log.Debug("webhook wake delivered", "address", profile.Address, "url", profile.Handler.URL)
	return nil
}

func (e *Executor) wakeSpawn(ctx context.Context, profile exchange.WakeProfile) error {
	cmd := exec.CommandContext(ctx, profile.Handler.Command[0], profile.Handler.Command[1:]...)
	start := time.Now()
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("wake: spawning %s: %w", profile.Handler.Command[0], err)
	}
	e.log.Debug("spawn wake completed",
		"address", profile.Address,
		"command", profile.Handler.Command[0],
		"elapsed", time.Since(start),
	)
	return nil
}

// Noop is a WakeExecutor that logs and reports success, for tests and
// deployments without wake support.
type Noop struct {
	Log *slog.Logger
}

// Wake logs the attempt and succeeds.
func (n Noop) Wake(_ context.Context, profile exchange.WakeProfile) error {
	if n.Log != nil {
		n.Log.Info("noop wake", "address", profile.Address)
	}
	return nil
}
