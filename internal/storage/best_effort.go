package storage

import "log/slog"

// BestEffort runs fn and downgrades any failure to a warning log. It is the
// single named code path for operations that are deliberately non-fatal, such
// as read-time enrichment and cascade-delete sub-steps, so the swallow is
// explicit rather than implicit.
func BestEffort(logger *slog.Logger, op string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("best-effort operation failed", "op", op, "error", err)
	return err
}
