package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/thatsimonsguy/etera-expander/internal/config"
	"github.com/thatsimonsguy/etera-expander/internal/etera"
	"github.com/thatsimonsguy/etera-expander/internal/transport"
)

const readyTimeout = 30 * time.Second

var (
	watchInterval time.Duration

	motorsOpening bool
	motorsClosing bool
	motorsSeconds int

	relayID  int
	relayOn  bool
	relayOff bool
)

var temperaturesCmd = &cobra.Command{
	Use:   "temperatures",
	Short: "Print sensor ids and temperatures",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withExpander(func(ctx context.Context, b *etera.Bridge) error {
			sensors, err := b.GetSensors(ctx)
			if err != nil {
				return err
			}
			for {
				temps, err := b.GetTemperatures(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("%s\n", time.Now().Format(time.TimeOnly))
				for i, t := range temps {
					id := "unknown"
					if i < len(sensors) {
						id = sensors[i].String()
					}
					fmt.Printf("  %2d  %s  %6.2f °C\n", i, id, t)
				}
				if watchInterval <= 0 {
					return nil
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(watchInterval):
				}
			}
		})
	},
}

var sensorsCmd = &cobra.Command{
	Use:   "sensors",
	Short: "Print the sensor registry discovered at initialization",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withExpander(func(ctx context.Context, b *etera.Bridge) error {
			sensors, err := b.GetSensors(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%d sensors\n", len(sensors))
			for i, id := range sensors {
				fmt.Printf("  %2d  %s\n", i, id)
			}
			return nil
		})
	},
}

var motorsCmd = &cobra.Command{
	Use:   "motors",
	Short: "Run all four valve motors at once",
	RunE: func(cmd *cobra.Command, args []string) error {
		if motorsOpening == motorsClosing {
			return errors.New("exactly one of --opening or --closing is required")
		}
		dir := etera.CounterClockwise
		if motorsOpening {
			dir = etera.Clockwise
		}
		return withExpander(func(ctx context.Context, b *etera.Bridge) error {
			g, ctx := errgroup.WithContext(ctx)
			for motor := 0; motor < etera.MotorCount; motor++ {
				motor := motor
				g.Go(func() error {
					if err := b.MoveMotor(ctx, motor, dir, motorsSeconds*1000, false); err != nil {
						return fmt.Errorf("motor %d: %w", motor, err)
					}
					fmt.Printf("Motor %d done\n", motor)
					return nil
				})
			}
			return g.Wait()
		})
	},
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Switch one relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		if relayOn == relayOff {
			return errors.New("exactly one of --on or --off is required")
		}
		return withExpander(func(ctx context.Context, b *etera.Bridge) error {
			if err := b.SetRelay(ctx, relayID, relayOn); err != nil {
				return err
			}
			fmt.Printf("Relay %d %s\n", relayID, map[bool]string{true: "on", false: "off"}[relayOn])
			return nil
		})
	},
}

func init() {
	temperaturesCmd.Flags().DurationVar(&watchInterval, "watch", 0, "Repeat at this interval until interrupted")

	motorsCmd.Flags().BoolVar(&motorsOpening, "opening", false, "Open the valves")
	motorsCmd.Flags().BoolVar(&motorsClosing, "closing", false, "Close the valves")
	motorsCmd.Flags().IntVar(&motorsSeconds, "seconds", 120, "Run time in seconds")

	relayCmd.Flags().IntVar(&relayID, "id", 0, "Relay ID (0-7)")
	relayCmd.Flags().BoolVar(&relayOn, "on", false, "Switch the relay on")
	relayCmd.Flags().BoolVar(&relayOff, "off", false, "Switch the relay off")

	rootCmd.AddCommand(temperaturesCmd, sensorsCmd, motorsCmd, relayCmd)
}

// withExpander opens the expander, runs its engine and calls fn once the
// device is ready.
func withExpander(fn func(ctx context.Context, b *etera.Bridge) error) error {
	cfg := loadConfig(false)

	port, err := openSerial(cfg.Expander)
	if err != nil {
		return err
	}
	defer port.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := etera.New(port, etera.Options{ReadTimeout: cfg.Expander.Timeout()})
	engineCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(engineCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	readyCtx, readyCancel := context.WithTimeout(ctx, readyTimeout)
	defer readyCancel()
	if err := b.Ready(readyCtx); err != nil {
		return fmt.Errorf("expander on %s did not become ready: %w", port.Name(), err)
	}
	return fn(ctx, b)
}

func openSerial(cfg config.Expander) (*transport.Serial, error) {
	return transport.Open(transport.Options{
		Port:        cfg.Port,
		BaudRate:    cfg.BaudRate,
		ReadTimeout: cfg.Timeout(),
	})
}
