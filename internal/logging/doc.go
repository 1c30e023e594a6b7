// Package logging provides structured JSON logging for Kingdom processes.
//
// It wraps log/slog with a [Logger] that carries persistent attributes
// (session, ticket, phase) into every entry. The background harness writes
// to a per-session file under the branch's logs directory through a
// size-rotating [RotatingWriter]; foreground commands log to stderr only
// when asked to.
//
// # Usage
//
//	logger, err := logging.NewLogger(".kd/branches/main/logs/peasant-kin-a1b2.log",
//	    logging.LevelInfo, logging.DefaultRotationConfig())
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	log := logger.WithSession("peasant-kin-a1b2").WithTicket("kin-a1b2")
//	log.Info("iteration complete", "iteration", 3, "signal", "CONTINUE")
//
// Keys are snake_case. Use [NopLogger] in tests.
package logging
