package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gizmoguy/RouteFlow/pkg/rfclient"
)

var version = "dev"

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// ConfigPath is the path to the configuration file.
	ConfigPath string
	// Controller is the controller's message bus endpoint.
	Controller string
	// Interface derives the agent identity from the named interface.
	Interface string
	// ID overrides the agent identity, in hex.
	ID string
	// FPM selects the streaming route feed instead of the kernel listener.
	FPM bool
}

var rootCmd = &cobra.Command{
	Use:     "rfclient",
	Short:   "rfclient subscribes to kernel route and neighbor updates and pushes them to the controller",
	Version: version,
	Run: func(rawCmd *cobra.Command, args []string) {
		if err := run(cmd); err != nil {
			if errors.Is(err, Interrupted{}) {
				return
			}

			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file")
	rootCmd.Flags().StringVarP(&cmd.Controller, "address", "a", "", "Address of the controller's message bus")
	rootCmd.Flags().StringVarP(&cmd.Interface, "interface", "i", "", "Interface to derive the agent identity from")
	rootCmd.Flags().StringVarP(&cmd.ID, "id", "n", "", "Agent identity in hex, overrides --interface")
	rootCmd.Flags().BoolVarP(&cmd.FPM, "fpm", "f", false, "Use the forwarding-plane route feed instead of netlink")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	cfg := rfclient.DefaultConfig()
	if cmd.ConfigPath != "" {
		loaded, err := rfclient.LoadConfig(cmd.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}
	if cmd.Controller != "" {
		cfg.Controller = cmd.Controller
	}
	if cmd.FPM {
		cfg.RouteSource = rfclient.RouteSourceFPM
	}

	log, _, err := rfclient.InitLogging(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer log.Sync()

	id, err := agentID(cmd)
	if err != nil {
		return err
	}

	client, err := rfclient.New(id, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return client.Run(ctx)
	})
	wg.Go(func() error {
		err := WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})

	return wg.Wait()
}

// agentID resolves the agent's 64-bit identity: an explicit hex override
// wins, then the hardware address of the chosen interface.
func agentID(cmd Cmd) (uint64, error) {
	if cmd.ID != "" {
		id, err := strconv.ParseUint(cmd.ID, 16, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid agent identity %q: %w", cmd.ID, err)
		}
		return id, nil
	}

	name := cmd.Interface
	if name == "" {
		name = rfclient.DefaultInterface
	}
	return rfclient.InterfaceID(name)
}

type Interrupted struct {
	os.Signal
}

func (m Interrupted) Error() string {
	return m.String()
}

func (m Interrupted) Is(target error) bool {
	_, ok := target.(Interrupted)
	return ok
}

// WaitInterrupted blocks until either SIGINT or SIGTERM signal is received
// or the provided context is canceled.
func WaitInterrupted(ctx context.Context) error {
	ch := make(chan os.Signal, 1)

	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	select {
	case v := <-ch:
		return Interrupted{Signal: v}
	case <-ctx.Done():
		return ctx.Err()
	}
}
