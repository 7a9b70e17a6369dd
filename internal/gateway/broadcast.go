package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Klingon-tech/klingcustody/internal/metrics"
	"github.com/Klingon-tech/klingcustody/pkg/logging"
)

// Broadcast defaults.
const (
	DefaultBroadcastRetries = 5
	DefaultBroadcastPacing  = 2 * time.Second
)

// knownSubmitted are node errors meaning the payload already reached the chain.
var knownSubmitted = []string{
	"already known",
	"known transaction",
	"reverted by the evm",
}

const nonceTooLow = "nonce too low"

// BroadcastRequest describes one idempotent submission.
type BroadcastRequest struct {
	Currency string
	// TxID is derived from the signed payload before submission.
	TxID string
	// Send submits the payload and returns the txid reported by the node.
	Send func(ctx context.Context) (string, error)
	// IsConfirmed is consulted on "nonce too low"; nil means never confirmed.
	IsConfirmed func(ctx context.Context, txid string) (bool, error)
	// KnownErrors extends the chain-neutral "already submitted" messages.
	KnownErrors []string
	Retries     int
	Pacing      time.Duration
	Log         *logging.Logger
}

// Broadcast submits a signed payload, treating "already submitted" node
// responses as success and retrying anything else with the same payload.
func Broadcast(ctx context.Context, req BroadcastRequest) (string, error) {
	retries := req.Retries
	if retries <= 0 {
		retries = DefaultBroadcastRetries
	}
	pacing := req.Pacing
	if pacing <= 0 {
		pacing = DefaultBroadcastPacing
	}
	log := req.Log
	if log == nil {
		log = logging.GetDefault().Component("broadcast")
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %s: %v", ErrBroadcastFailed, req.TxID, ctx.Err())
			case <-time.After(pacing):
			}
		}

		txid, err := req.Send(ctx)
		if err == nil {
			metrics.BroadcastAttempts.WithLabelValues(req.Currency, "ok").Inc()
			if txid == "" {
				txid = req.TxID
			}
			return txid, nil
		}
		lastErr = err
		msg := strings.ToLower(err.Error())

		if containsAny(msg, knownSubmitted) || containsAny(msg, req.KnownErrors) {
			metrics.BroadcastAttempts.WithLabelValues(req.Currency, "known").Inc()
			log.Info("Transaction already submitted", "currency", req.Currency, "txid", req.TxID, "response", err)
			return req.TxID, nil
		}

		if strings.Contains(msg, nonceTooLow) {
			if req.IsConfirmed != nil {
				confirmed, cerr := req.IsConfirmed(ctx, req.TxID)
				if cerr == nil && confirmed {
					metrics.BroadcastAttempts.WithLabelValues(req.Currency, "known").Inc()
					return req.TxID, nil
				}
			}
			metrics.BroadcastAttempts.WithLabelValues(req.Currency, "rejected").Inc()
			return "", fmt.Errorf("%w: %s: %v", ErrBroadcastFailed, req.TxID, err)
		}

		metrics.BroadcastAttempts.WithLabelValues(req.Currency, "retry").Inc()
		log.Warn("Broadcast attempt failed", "currency", req.Currency, "txid", req.TxID, "attempt", attempt+1, "error", err)
	}
	return "", fmt.Errorf("%w: %s after %d retries: %v", ErrBroadcastFailed, req.TxID, retries, lastErr)
}

func containsAny(msg string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(msg, strings.ToLower(n)) {
			return true
		}
	}
	return false
}
