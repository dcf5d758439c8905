package shutdown

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Relays is the part of the expander needed to reach a safe state.
type Relays interface {
	SetRelay(ctx context.Context, relay int, state bool) error
}

// SafeStateTimeout bounds how long shutdown waits for the relays.
const SafeStateTimeout = 5 * time.Second

var (
	exit = os.Exit

	mu       sync.Mutex
	relays   Relays
	relayIDs []int
	cleanups []func()
	once     sync.Once
)

// Register sets the relays that are switched off on shutdown. Cleanup
// functions run afterwards in reverse order.
func Register(r Relays, ids []int, cleanup ...func()) {
	mu.Lock()
	defer mu.Unlock()
	relays = r
	relayIDs = append([]int(nil), ids...)
	cleanups = append(cleanups, cleanup...)
}

// SafeState switches every relay in ids off, best effort.
func SafeState(r Relays, ids []int, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	failed := 0
	for _, id := range ids {
		if err := r.SetRelay(ctx, id, false); err != nil {
			log.Warn().Err(err).Int("relay", id).Msg("Failed to switch relay off")
			failed++
		}
	}
	if failed == 0 {
		log.Info().Ints("relays", ids).Msg("Relays switched off")
	}
}

func Shutdown() {
	run(0)
}

func ShutdownWithError(err error, msg string) {
	log.Error().Err(err).Msg(msg)
	run(1)
}

func run(code int) {
	once.Do(func() {
		mu.Lock()
		r, ids, fns := relays, relayIDs, cleanups
		mu.Unlock()

		if r != nil {
			SafeState(r, ids, SafeStateTimeout)
		}
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
		log.Info().Int("code", code).Msg("Shutting down")
	})
	exit(code)
}
