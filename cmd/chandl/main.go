package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chandl/internal/app"
	"chandl/internal/config"
	"chandl/internal/ui"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates a ChandlApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "Browse", "Get").
func newApp(cmd *cobra.Command, operation string, interactive bool) (*app.ChandlApp, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}
	if err := app.LoadEnv(defaults["base_dir"]); err != nil {
		return nil, err
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	app.ApplyEnv(cfg)

	verbose, _ := cmd.Flags().GetBool("verbose")
	a, err := app.NewChandlApp(cfg, operation, app.Options{Interactive: interactive, Verbose: verbose})
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

var rootCmd = &cobra.Command{
	Use:          "chandl",
	Short:        "Resumable media downloader for channels",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		hostID := uuid.New().String()
		cfg := config.NewConfig(hostID, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Host ID: %s\n", hostID)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		fmt.Printf("Set %s (or add it to a .env file) before browsing.\n", app.EnvBotToken)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Host ID:      %s\n", cfg.HostID)
		fmt.Printf("Base Dir:     %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:      %s\n", cfg.LogDir)
		fmt.Printf("Download Dir: %s\n", cfg.Downloads.DownloadDir)
		fmt.Printf("Workers:      %d\n", cfg.Downloads.MaxConcurrentDownloads)
		fmt.Printf("Verify Mode:  %s\n", cfg.Downloads.VerifyMode)
		fmt.Printf("Database:     %s\n", cfg.Database.Type)
		fmt.Printf("Source:       %s\n", cfg.Source.Type)
		fmt.Printf("Archive:      %s\n", cfg.Archive.Type)
		fmt.Printf("Encryption:   %s\n", cfg.Encryption.Type)
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Generate the key pair used to encrypt archive copies",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "SetupKeys", true)
		if err != nil {
			return err
		}
		defer a.Close()

		pass, err := ui.ReadPassphrase(os.Stdin, os.Stderr, "New passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := ui.ReadPassphrase(os.Stdin, os.Stderr, "Repeat passphrase: ")
		if err != nil {
			return err
		}
		if pass != confirm {
			return fmt.Errorf("passphrases do not match")
		}

		if err := a.SetupKeys(pass); err != nil {
			return err
		}
		enc := a.Config().Encryption
		fmt.Printf("Public key:  %s\n", enc.PublicKeyPath)
		fmt.Printf("Private key: %s\n", enc.PrivateKeyPath)
		return nil
	},
}

// browse command
var browseCmd = &cobra.Command{
	Use:   "browse [CHANNEL]",
	Short: "Browse a channel and pick media to download",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		statusAddr, _ := cmd.Flags().GetString("status-addr")

		a, err := newApp(cmd, "Browse", true)
		if err != nil {
			return err
		}
		defer a.Close()

		if limit < 0 {
			limit = a.Config().Downloads.ScanLimit
		}
		if statusAddr == "" {
			statusAddr = a.Config().StatusAPI.Addr
		}

		channel := ""
		if len(args) > 0 {
			channel = args[0]
		}
		return a.Browse(cmd.Context(), ui.NewTerminal(os.Stdin, os.Stdout), channel, limit, statusAddr)
	},
}

// get command
var getCmd = &cobra.Command{
	Use:   "get CHANNEL [IDS...]",
	Short: "Download media by message id, or everything not yet downloaded",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var ids []int64
		if len(args) > 1 {
			var err error
			ids, err = ui.ParseIDs(strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
		}

		a, err := newApp(cmd, "Get", false)
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.Get(cmd.Context(), args[0], ids, os.Stderr)
		if err != nil {
			return err
		}

		if result.Queued == 0 {
			fmt.Println("Nothing to download.")
			return nil
		}
		fmt.Printf("Downloaded %d of %d item(s) from %s\n", result.Queued-result.Incomplete, result.Queued, result.Channel.Title)
		if result.Incomplete > 0 {
			return fmt.Errorf("%d download(s) not finished: run get again to resume", result.Incomplete)
		}
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status CHANNEL",
	Short: "View download records of a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "GetStatus", false)
		if err != nil {
			return err
		}
		defer a.Close()

		records, err := a.GetStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if len(records) == 0 {
			fmt.Println("No downloads recorded.")
			return nil
		}

		for _, r := range records {
			line := fmt.Sprintf("%6d  %-12s %5.1f%%  %10s  %s",
				r.Key.MessageID,
				r.State,
				r.Percent(),
				humanize.IBytes(uint64(r.BytesWritten)),
				r.TargetPath,
			)
			if r.LastError != "" {
				line += "  (" + r.LastError + ")"
			}
			fmt.Println(line)
		}
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View operation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd, "GetHistory", false)
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.GetHistory(cmd.Context(), limit)
		if err != nil {
			return err
		}

		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}

		for _, op := range ops {
			duration := ""
			if !op.FinishedAt.IsZero() {
				duration = op.FinishedAt.Sub(op.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-10s  %s  %-8s  %-10s  %s\n",
				op.ID,
				op.Operation,
				op.StartedAt.Local().Format("2006-01-02 15:04:05"),
				op.Status,
				duration,
				op.Parameters,
			)
		}
		return nil
	},
}

// decrypt command
var decryptCmd = &cobra.Command{
	Use:   "decrypt FILE",
	Short: "Decrypt an archived copy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		a, err := newApp(cmd, "Decrypt", true)
		if err != nil {
			return err
		}
		defer a.Close()

		in, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening %s: %w", args[0], err)
		}
		defer in.Close()

		var out io.Writer = os.Stdout
		if output != "" {
			f, err := os.OpenFile(output, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
			if err != nil {
				return fmt.Errorf("creating %s: %w", output, err)
			}
			defer f.Close()
			out = f
		}

		pass, err := ui.ReadPassphrase(os.Stdin, os.Stderr, "Passphrase: ")
		if err != nil {
			return err
		}
		return a.Decrypt(in, out, pass)
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve download progress over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		channels, _ := cmd.Flags().GetStringSlice("channel")

		a, err := newApp(cmd, "Serve", false)
		if err != nil {
			return err
		}
		defer a.Close()

		return a.Serve(cmd.Context(), addr, channels)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log debug messages")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configKeysCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(browseCmd)
	browseCmd.Flags().IntP("limit", "l", -1, "Newest messages to list (0 lists all; default from config)")
	browseCmd.Flags().String("status-addr", "", "Serve progress over HTTP on this address while browsing")
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
	rootCmd.AddCommand(decryptCmd)
	decryptCmd.Flags().StringP("output", "o", "", "Write plaintext to this file instead of stdout")
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address (default from status_api.addr)")
	serveCmd.Flags().StringSlice("channel", nil, "Channel to report on; repeat for more")
}
