// Package handlers provides the built-in event handlers registered by the
// daemon: "log", "webhook" and "chain". Applications embedding the scheduler
// register their own handlers directly and can skip this package entirely.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"delayq/internal/services/scheduler"
)

const defaultWebhookTimeout = 10 * time.Second

// RegisterBuiltins registers the built-in handlers on s. A nil client falls
// back to a dedicated http.Client with a sane timeout.
func RegisterBuiltins(s *scheduler.Service, log *slog.Logger, client *http.Client) error {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	for name, fn := range map[string]scheduler.HandlerFunc{
		"log":     Log(log),
		"webhook": Webhook(client),
		"chain":   Chain(),
	} {
		if err := s.RegisterHandler(name, fn); err != nil {
			return err
		}
	}
	return nil
}

// Log emits the event params as a structured log line. Useful as a heartbeat
// or as a placeholder while wiring real handlers.
func Log(log *slog.Logger) scheduler.HandlerFunc {
	return func(ctx context.Context, _ *scheduler.Service, params map[string]any) error {
		msg, _ := params["message"].(string)
		if msg == "" {
			msg = "event fired"
		}
		log.InfoContext(ctx, msg, slog.Any("params", params))
		return nil
	}
}

// Webhook POSTs the event params as a JSON body to params["url"].
// Non-2xx responses are reported as errors so failures land in history.
func Webhook(client *http.Client) scheduler.HandlerFunc {
	return func(ctx context.Context, _ *scheduler.Service, params map[string]any) error {
		url, _ := params["url"].(string)
		if url == "" {
			return errors.New("webhook: params missing url")
		}
		body, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("webhook: encode params: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("webhook: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("webhook: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("webhook: %s returned %s", url, resp.Status)
		}
		return nil
	}
}

// Chain schedules a follow-up event when it fires. Params:
//
//	next      string  handler name to schedule (required)
//	nextId    string  id for the follow-up (optional; generated when empty)
//	delayMs   number  delay in milliseconds (default 1000)
//	payload   object  params passed to the follow-up (optional)
//
// Handlers run outside the scheduler lock, so calling back into the scheduler
// here is safe.
func Chain() scheduler.HandlerFunc {
	return func(ctx context.Context, s *scheduler.Service, params map[string]any) error {
		next, _ := params["next"].(string)
		if next == "" {
			return errors.New("chain: params missing next")
		}
		id, _ := params["nextId"].(string)
		delay := time.Second
		if ms, ok := numberField(params, "delayMs"); ok {
			if ms < 0 {
				return fmt.Errorf("chain: negative delayMs %v", ms)
			}
			delay = time.Duration(ms) * time.Millisecond
		}
		payload, _ := params["payload"].(map[string]any)
		_, err := s.AddEvent(id, next, payload, delay, false)
		if err != nil {
			return fmt.Errorf("chain: %w", err)
		}
		return nil
	}
}

// numberField reads a numeric param, tolerating the float64 that
// encoding/json produces and the int literals tests tend to use.
func numberField(params map[string]any, key string) (int64, bool) {
	switch v := params[key].(type) {
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
