package graceful

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// HandleSignals blocks until SIGTERM or SIGINT, then runs every stop
// function concurrently and waits for them.
func HandleSignals(stopFunc ...func()) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(signals)

	<-signals
	var wg sync.WaitGroup
	for _, f := range stopFunc {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}
	wg.Wait()
}
