// Command relay is the tunnel client CLI: it exposes a local port through
// a relayd deployment by holding open a control connection and forwarding
// whatever arrives on it to http://localhost:<port>.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/duskrelay/duskrelay/internal/clientapp"
	"github.com/duskrelay/duskrelay/internal/config"
	"github.com/duskrelay/duskrelay/internal/subdomain"
)

// Exit codes per the client CLI contract.
const (
	exitOK            = 0
	exitInvalidArgs   = 1
	exitConnectFailed = 2
	exitAuthFailed    = 3
	exitInterrupted   = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		serverURL string
		secretKey string
		subLabel  string
		insecure  bool
		quiet     bool
		verbose   bool
		cfgPath   string
		// started is set once cobra has accepted the arguments and flags and
		// handed control to RunE.
		started bool
	)

	v := viper.New()

	cmd := &cobra.Command{
		Use:   "relay <port>",
		Short: "Expose a local port through a relay tunnel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			started = true
			port, err := strconv.Atoi(args[0])
			if err != nil || port < 1 || port > 65535 {
				return &invalidArgsError{fmt.Sprintf("port must be an integer in [1,65535], got %q", args[0])}
			}
			if subLabel != "" && !subdomain.ValidateRequested(subLabel) {
				return &invalidArgsError{fmt.Sprintf("invalid subdomain %q", subLabel)}
			}

			v.BindPFlag("server_url", cmd.Flags().Lookup("server"))
			v.BindPFlag("secret_key", cmd.Flags().Lookup("key"))
			v.BindPFlag("subdomain", cmd.Flags().Lookup("subdomain"))
			v.BindPFlag("insecure", cmd.Flags().Lookup("insecure"))
			v.Set("local_url", fmt.Sprintf("http://localhost:%d", port))

			cfg, err := config.LoadClientConfig(v, cfgPath)
			if err != nil {
				return &invalidArgsError{err.Error()}
			}

			level := slog.LevelInfo
			if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
				level = slog.LevelInfo
			}
			switch {
			case quiet:
				level = slog.LevelError
			case verbose:
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

			client := clientapp.NewClient(cfg, nil)
			client.OnRegistered = func(info clientapp.RegisteredInfo) {
				fmt.Fprintf(os.Stdout, "tunnel established: %s -> localhost:%d\n", info.PublicURL, port)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			runErr := client.Run(ctx)
			if ctx.Err() != nil {
				return &interruptedError{}
			}
			if authErr, ok := runErr.(*clientapp.AuthError); ok {
				return &authFailedError{authErr.Error()}
			}
			return runErr
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().StringVarP(&serverURL, "server", "s", "", "relayd server URL (e.g. wss://tunnel.example.com)")
	cmd.Flags().StringVarP(&secretKey, "key", "k", "", "shared secret key")
	cmd.Flags().StringVarP(&subLabel, "subdomain", "d", "", "requested subdomain label")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "skip TLS certificate verification")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "only log errors")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	cmd.Flags().StringVar(&cfgPath, "config", "", "path to relay config file")
	cmd.MarkFlagRequired("server")
	cmd.MarkFlagRequired("key")

	if err := cmd.Execute(); err != nil {
		switch e := err.(type) {
		case *invalidArgsError:
			fmt.Fprintln(os.Stderr, "relay:", e.msg)
			return exitInvalidArgs
		case *authFailedError:
			fmt.Fprintln(os.Stderr, "relay: authentication failed:", e.msg)
			return exitAuthFailed
		case *interruptedError:
			fmt.Fprintln(os.Stderr, "relay: interrupted")
			return exitInterrupted
		default:
			if !started {
				fmt.Fprintln(os.Stderr, "relay:", err)
				return exitInvalidArgs
			}
			fmt.Fprintln(os.Stderr, "relay: connection failed:", err)
			return exitConnectFailed
		}
	}
	return exitOK
}

type invalidArgsError struct{ msg string }

func (e *invalidArgsError) Error() string { return e.msg }

type authFailedError struct{ msg string }

func (e *authFailedError) Error() string { return e.msg }

type interruptedError struct{}

func (e *interruptedError) Error() string { return "interrupted" }
