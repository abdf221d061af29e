package safe

import (
	"github.com/Logan27/mini-messenger-sub000/logger"

	"go.uber.org/zap"
)

// Go starts a goroutine that recovers from panic, so a misbehaving
// fire-and-forget task (push handoff, bus republish) cannot take the
// process down.
func Go(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("goroutine panic recovered", zap.Any("panic", r))
			}
		}()
		f()
	}()
}
