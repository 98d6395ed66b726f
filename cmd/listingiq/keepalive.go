package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/listingiq/listingiq/internal/llm"
)

// warmer is implemented by backends that can keep their model resident.
type warmer interface {
	WarmUp(ctx context.Context, keepAlive string) error
}

// startKeepalive pings an Ollama backend every interval so the model stays
// loaded between analyses. Other backends are left alone.
//
// Fails silently: a warm-up error is logged and retried on the next tick.
// Disable with LISTINGIQ_DISABLE_KEEPALIVE=true.
func startKeepalive(ctx context.Context, backend llm.Backend, interval time.Duration) {
	w, ok := backend.(warmer)
	if !ok || interval <= 0 {
		return
	}
	keepAlive := (interval + time.Minute).String()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			warmUp(ctx, w, keepAlive)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	slog.Info("keepalive: started", "interval", interval)
}

func warmUp(ctx context.Context, w warmer, keepAlive string) {
	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := w.WarmUp(callCtx, keepAlive); err != nil {
		if ctx.Err() == nil {
			slog.Warn("keepalive: warm-up failed", "error", err)
		}
		return
	}
	slog.Debug("keepalive: model warm", "keep_alive", keepAlive)
}
