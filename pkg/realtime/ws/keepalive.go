package ws

import (
	"context"
	"time"
)

// StartPing sends ping frames every interval until ctx ends or a write
// fails. The returned function stops the loop.
func (c *Conn) StartPing(ctx context.Context, interval time.Duration) context.CancelFunc {
	if interval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.WriteFrame(OpPing, nil); err != nil {
					return
				}
			}
		}
	}()

	return cancel
}

// HandlePingPong answers pings and reports when the peer goes away. The
// returned channel closes on a close frame, a read error or ctx ending.
// Text and binary frames from the client are ignored.
func (c *Conn) HandlePingPong(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			default:
				opcode, payload, err := c.ReadFrame()
				if err != nil {
					return
				}
				switch opcode {
				case OpClose:
					_ = c.WriteFrame(OpClose, nil)
					return
				case OpPing:
					_ = c.WriteFrame(OpPong, payload)
				}
			}
		}
	}()

	return done
}
