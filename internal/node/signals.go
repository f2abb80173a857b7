package node

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/Klingon-tech/orignode/internal/log"
)

// RouteSignals calls trigger on the first SIGINT or SIGTERM. Later signals
// are logged and ignored. trigger must not block; it should only schedule
// the shutdown. The returned function stops routing.
func RouteSignals(trigger func()) (stop func()) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		fired := false
		for {
			select {
			case sig := <-ch:
				if fired {
					log.Shutdown.Warn().Str("signal", sig.String()).Msg("Shutdown already in progress")
					continue
				}
				fired = true
				log.Shutdown.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
				trigger()
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(done)
		})
	}
}
