package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/hwble/internal/ble"
	"github.com/chaz8081/hwble/internal/ble/protocol"
	"github.com/chaz8081/hwble/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:          "hwble",
		Short:        "hwble talks to hardware wallets over Bluetooth LE",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "",
		"path to config file (default: ~/.config/hwble/config.yaml)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "",
		"log level: debug, info, warn or error (overrides config)")

	root.AddCommand(
		newScanCmd(flags),
		newExchangeCmd(flags),
		newInitConfigCmd(),
	)
	return root
}

func newScanCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "List nearby wallets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup(flags)
			if err != nil {
				return err
			}
			t, err := newTransport(cfg)
			if err != nil {
				return err
			}
			if err := t.Init(); err != nil {
				return err
			}

			devices := t.Enumerate(cmd.Context())
			if len(devices) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No wallets found")
				return nil
			}
			for _, d := range devices {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d dBm\n", d.ID, d.Name, d.RSSI)
			}
			return nil
		},
	}
}

func newExchangeCmd(flags *rootFlags) *cobra.Command {
	var (
		deviceID string
		payload  string
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "exchange",
		Short: "Send one framed request and print the response",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup(flags)
			if err != nil {
				return err
			}
			t, err := newTransport(cfg)
			if err != nil {
				return err
			}
			if err := t.Init(); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			resp, err := exchange(ctx, t, deviceID, payload, cfg.BLE.HIDEmulation)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp)
			return nil
		},
	}
	cmd.Flags().StringVar(&deviceID, "device", "", "device id from scan")
	cmd.Flags().StringVar(&payload, "hex", "", "framed request as hex (magic, type, length, payload)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline")
	_ = cmd.MarkFlagRequired("device")
	_ = cmd.MarkFlagRequired("hex")
	return cmd
}

func newInitConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config",
		Short: "Write the default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := config.WriteDefault()
			if err != nil {
				return err
			}
			if path == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Config already exists at %s\n", config.DefaultConfigPath())
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
}

// sdkTransport is the slice of *ble.Transport the exchange needs.
type sdkTransport interface {
	Connect(ctx context.Context, id string) error
	Send(ctx context.Context, id, payload string) error
	ReceiveFrame(ctx context.Context) ([]byte, error)
	Disconnect(id string)
}

// exchange runs one request/response round trip and returns the response
// frame as hex. In HID mode the reports are joined back into one frame.
func exchange(ctx context.Context, t sdkTransport, id, payload string, hid bool) (string, error) {
	if err := t.Connect(ctx, id); err != nil {
		return "", err
	}
	defer t.Disconnect(id)

	if err := t.Send(ctx, id, payload); err != nil {
		return "", err
	}

	if !hid {
		frame, err := t.ReceiveFrame(ctx)
		if err != nil {
			return "", err
		}
		return protocol.EncodeHex(frame), nil
	}

	var asm protocol.ReportAssembler
	for {
		report, err := t.ReceiveFrame(ctx)
		if err != nil {
			return "", err
		}
		frame, done, err := asm.Add(report)
		if err != nil {
			return "", err
		}
		if done {
			return protocol.EncodeHex(frame), nil
		}
	}
}

// setup loads config and installs the slog handler.
func setup(flags *rootFlags) (*config.Config, error) {
	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)})
	slog.SetDefault(slog.New(handler))
	return cfg, nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	return config.Default(), nil
}

func newTransport(cfg *config.Config) (*ble.Transport, error) {
	adapter := ble.NewTinyGoAdapter()
	adapter.LowLatency = cfg.BLE.LowLatency
	return ble.NewTransport(adapter, transportOptions(cfg.BLE))
}

// transportOptions maps the YAML settings onto ble.Options.
func transportOptions(c config.BLEConfig) ble.Options {
	return ble.Options{
		ServiceUUID:             c.ServiceUUID,
		WriteUUID:               c.WriteUUID,
		NotifyUUID:              c.NotifyUUID,
		Framing:                 protocol.Framing(c.Framing),
		HIDEmulation:            c.HIDEmulation,
		MaxFrameSize:            c.MaxFrameBytes,
		QueueSize:               c.QueueSize,
		ScanTimeout:             c.ScanTimeout,
		ConnectTimeout:          c.ConnectTimeout,
		SettleDelay:             c.SettleDelay,
		LowLatency:              c.LowLatency,
		Bond:                    c.Bond.Enabled,
		BondTimeout:             c.Bond.Timeout,
		BondSettle:              c.Bond.Settle,
		SubscribeRetry:          retryPolicy(c.SubscribeRetry),
		InterChunkDelay:         c.InterChunkDelay,
		RetainQueueOnDisconnect: c.RetainQueueOnDisconnect,
		DefaultDeviceName:       c.DefaultDeviceName,
	}
}

// retryPolicy builds the subscribe retry policy from its YAML form.
func retryPolicy(c config.RetryConfig) ble.RetryPolicy {
	p := ble.RetryPolicy{MaxAttempts: c.MaxAttempts}
	switch c.Backoff {
	case "exponential":
		p.Backoff = ble.ExponentialBackoff(c.BaseDelay, c.MaxDelay)
	default:
		p.Backoff = ble.LinearBackoff(c.BaseDelay)
	}
	return p
}
