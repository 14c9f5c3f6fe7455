package httpapi

import (
	"context"
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"
)

// maxGoroutines fails liveness when something leaks goroutines per request.
const maxGoroutines = 2000

func newHealth(d Deps) healthcheck.Handler {
	h := healthcheck.NewHandler()

	h.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(maxGoroutines))

	h.AddReadinessCheck("database", healthcheck.Timeout(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return d.Store.Ping(ctx)
	}, 3*time.Second))

	if d.Poller != nil {
		h.AddReadinessCheck("mailbox-auth", func() error {
			for _, st := range d.Poller.Statuses() {
				if st.AuthFailed {
					return fmt.Errorf("%s: authentication failed", st.Mailbox)
				}
			}
			return nil
		})
	}

	return h
}
