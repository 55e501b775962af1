// Package pkg provides shared utilities for the EIE pro streaming engine.
//
// It carries the ambient pieces every other package leans on:
//
//   - Component-tagged structured logging over [log/slog]
//   - Sentinel errors and the transfer completion status enum
//
// # Logging
//
// Records carry a component attribute so the noisy completion paths can be
// filtered apart from bring-up and daemon messages:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentEngine, "rate negotiated", "rate", 48000)
//
// # Errors
//
// Faults are sentinel values compared with [errors.Is]:
//
//	if errors.Is(err, pkg.ErrCapacity) {
//	    // frame count would overflow the transfer buffer
//	}
package pkg
