package safe

import (
	"ChatRelay/logger"
)

// Go starts a goroutine that recovers from panic, so one misbehaving
// connection handler can't take the whole process down.
func Go(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[safe.Go] panic recovered: %v", r)
			}
		}()
		f()
	}()
}
