package board

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ovalboard/lapboard-service-go/log"
	"github.com/ovalboard/lapboard-service-go/pkg/config"
	"github.com/ovalboard/lapboard-service-go/pkg/feed"
	"github.com/ovalboard/lapboard-service-go/pkg/model"
	"github.com/ovalboard/lapboard-service-go/pkg/signalr"
)

// NewBoardCmd creates a terminal lapboard following one lane colour.
func NewBoardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "board",
		Short: "follows the live feed for one lane colour on the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBoard()
		},
	}
	cmd.Flags().StringVar(&config.SelectedColour,
		"colour",
		model.ColourWhite,
		"lane colour to follow (White, Red, Yellow, Blue)")
	cmd.Flags().BoolVar(&config.DirectConnect,
		"direct",
		false,
		"connect directly to the upstream, bypassing any relay")
	cmd.Flags().StringVar(&config.RelayURL,
		"relay",
		"",
		"relay base url for legacy connections (e.g. http://localhost:8090/relay)")
	return cmd
}

//nolint:funlen // terminal loop
func runBoard() error {
	logger := log.DevLogger(
		os.Stderr,
		log.InfoLevel,
		log.WithCaller(true),
		log.AddCallerSkip(1))
	log.ResetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	colour := config.SelectedColour
	opts := []feed.Option{
		feed.WithStatusCallback(func(connected bool) {
			log.Info("connection status", log.Bool("connected", connected))
		}),
		feed.WithSnapshotCallback(func(snapshot model.LaneSnapshot) {
			entry, ok := snapshot[colour]
			if !ok {
				return
			}
			printEntry(colour, &entry)
		}),
	}
	connOpts := []signalr.Option{
		signalr.WithDirect(config.DirectConnect),
	}
	if config.HubName != "" {
		connOpts = append(connOpts, signalr.WithHub(config.HubName))
	}
	if config.RelayURL != "" {
		connOpts = append(connOpts, signalr.WithRelay(config.RelayURL))
	}

	f, err := feed.StartAuto(ctx, config.URL, opts, connOpts...)
	if err != nil {
		log.Error("could not connect feed", log.ErrorField(err))
		return err
	}
	log.Info("feed connected",
		log.String("dialect", f.Dialect().String()),
		log.String("colour", colour))
	if advisory := f.AdvisoryErr(); advisory != nil {
		log.Warn("subscription advisory", log.ErrorField(advisory))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
		log.Info("stopping board")
		f.Stop()
	case <-f.Done():
		if err := f.Err(); err != nil {
			return err
		}
	}
	return nil
}

func printEntry(colour string, entry *model.TimingEvent) {
	digits := feed.ParseLapDigits(entry.LapTime)
	lapTime := "-"
	if digits.SecondsDigit != nil && digits.TenthsDigit != nil {
		lapTime = fmt.Sprintf("%d.%d", *digits.SecondsDigit, *digits.TenthsDigit)
	}
	log.Info("lane update",
		log.String("colour", colour),
		log.String("name", entry.Name),
		log.Int("lap", entry.LapCnt),
		log.String("lapTime", lapTime),
		log.String("velocity", entry.Velocity))
}
