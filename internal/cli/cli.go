// ============================================================================
// Nearline Mover CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running and operating the data mover
//
// Command Structure:
//   nearline-mover                 # Root command
//   ├── serve                      # Run mover, scheduler, metrics, health
//   ├── submit                     # One-shot local transfer of a blob item
//   ├── probe                      # Handshake + ping a running mover
//   ├── fetch                      # Read an archive transfer to a file
//   ├── push                       # Write a file into a retrieve transfer
//   ├── journal
//   │   ├── list                   # Show recorded transfers
//   │   ├── cleanup                # Reconcile and drop recorded transfers
//   │   └── verify                 # Check file journal records offline
//   ├── --config, -c               # Config file (YAML)
//   └── --version
//
// Configuration:
//   YAML sections mover, journal, scheduler, storage, metrics, health, log.
//   A missing default config file means all defaults; a config file named
//   with --config must exist.
//
// serve:
//   1. Open journal and bucket, reconcile the journal
//   2. Bind the data port, submit storage.items
//   3. Serve metrics (/metrics) and gRPC health when enabled
//   4. On SIGINT/SIGTERM mark health NOT_SERVING and stop everything
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/nearline-mover/internal/client"
	"github.com/ChuLiYu/nearline-mover/internal/journal"
	"github.com/ChuLiYu/nearline-mover/internal/logging"
	"github.com/ChuLiYu/nearline-mover/pkg/types"
)

// Version is reported by --version. Set at build time with
// -ldflags "-X github.com/ChuLiYu/nearline-mover/internal/cli.Version=..."
var Version = "dev"

const defaultConfigPath = "configs/nearline-mover.yaml"

// options holds the persistent flags of one command tree.
type options struct {
	configFile string
}

func (o *options) load(cmd *cobra.Command) (*Config, *slog.Logger, error) {
	cfg, err := loadConfig(o.configFile, cmd.Flags().Changed("config"))
	if err != nil {
		return nil, nil, err
	}
	logger := logging.Setup(cfg.Log, cmd.ErrOrStderr())
	return cfg, logger, nil
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:   "nearline-mover",
		Short: "Nearline data mover: network transfers for tape-backed storage",
		Long: `nearline-mover serves archive and retrieve transfers over a framed
TCP protocol with:
- a configurable per-connection stage pipeline
- a scheduler publishing work items for remote peers
- a cleanup journal (file or Redis) reconciled on start
- Prometheus metrics and gRPC health`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", defaultConfigPath, "config file path")

	rootCmd.AddCommand(buildServeCommand(opts))
	rootCmd.AddCommand(buildSubmitCommand(opts))
	rootCmd.AddCommand(buildProbeCommand())
	rootCmd.AddCommand(buildFetchCommand())
	rootCmd.AddCommand(buildPushCommand())
	rootCmd.AddCommand(buildJournalCommand(opts))

	return rootCmd
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// ============================================================================
// serve / submit
// ============================================================================

func buildServeCommand(opts *options) *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the data mover",
		Long:  "Start the mover service, the scheduler and the metrics and health servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Mover.Address = address
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return serve(ctx, cfg, logger, nil)
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "data port address, overrides mover.address")
	return cmd
}

func buildSubmitCommand(opts *options) *cobra.Command {
	var (
		item    ItemConfig
		mode    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Serve one blob-backed transfer and wait for it",
		Long: `Start a local mover, publish one item backed by an object in
storage.bucket, print the data port and wait until a peer completes the
transfer. The result is printed as JSON.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			item.Mode = types.Mode(mode)
			if !item.Mode.Valid() {
				return fmt.Errorf("--mode must be archive or retrieve, got %q", mode)
			}
			if item.Key == "" {
				item.Key = item.ID
			}
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return submitOne(ctx, cfg, logger, item, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&item.ID, "id", "", "transfer id")
	cmd.Flags().StringVar(&mode, "mode", string(types.ModeArchive), "archive or retrieve")
	cmd.Flags().StringVar(&item.Key, "key", "", "object key in storage.bucket (default: the id)")
	cmd.Flags().Int64Var(&item.Size, "size", -1, "expected bytes of a retrieve, -1 for unknown")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 waits forever)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func submitOne(ctx context.Context, cfg *Config, logger *slog.Logger, item ItemConfig, out io.Writer) (err error) {
	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
		defer cancel()
		if cerr := rt.close(sctx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := rt.start(ctx); err != nil {
		return err
	}
	tickets, err := rt.submit(ctx, []ItemConfig{item})
	if err != nil {
		return err
	}
	addr, err := rt.mover.LocalAddr()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "serving %s (%s) on %s\n", item.ID, item.Mode, addr)

	res, err := tickets[0].Wait(ctx)
	if err != nil {
		return fmt.Errorf("transfer %s: %w", item.ID, err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

// ============================================================================
// probe / fetch / push
// ============================================================================

type clientFlags struct {
	addr     string
	token    string
	timeout  time.Duration
	maxFrame int
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "addr", "localhost:1094", "mover address")
	cmd.Flags().StringVar(&f.token, "token", "", "login token for authn:token")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 30*time.Second, "overall deadline")
	cmd.Flags().IntVar(&f.maxFrame, "max-frame", 0, "largest accepted frame (0 for the default)")
}

func (f *clientFlags) dial(ctx context.Context) (*client.Client, error) {
	c, err := client.Dial(ctx, f.addr, client.WithMaxFrame(f.maxFrame))
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", f.addr, err)
	}
	if f.token != "" {
		if err := c.Login(ctx, f.token); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("login: %w", err)
		}
	}
	return c, nil
}

func (f *clientFlags) context(parent context.Context) (context.Context, context.CancelFunc) {
	if f.timeout > 0 {
		return context.WithTimeout(parent, f.timeout)
	}
	return context.WithCancel(parent)
}

func buildProbeCommand() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check that a mover answers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := flags.context(cmd.Context())
			defer cancel()

			start := time.Now()
			c, err := flags.dial(ctx)
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.Ping(ctx); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s ok (%s)\n", flags.addr, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func buildFetchCommand() *cobra.Command {
	var (
		flags clientFlags
		id    string
		out   string
		chunk int32
	)

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Read an archive transfer into a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := flags.context(cmd.Context())
			defer cancel()

			var w io.Writer = cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}

			c, err := flags.dial(ctx)
			if err != nil {
				return err
			}
			defer c.Close()
			n, err := c.Fetch(ctx, types.TransferID(id), w, chunk)
			if err != nil {
				return fmt.Errorf("fetch %s after %d bytes: %w", id, n, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "fetched %s: %d bytes\n", id, n)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&id, "id", "", "transfer id")
	cmd.Flags().StringVarP(&out, "out", "o", "-", "output file, - for stdout")
	cmd.Flags().Int32Var(&chunk, "chunk", 1<<20, "bytes per read request")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func buildPushCommand() *cobra.Command {
	var (
		flags clientFlags
		id    string
		in    string
		chunk int
	)

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Write a file into a retrieve transfer",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := flags.context(cmd.Context())
			defer cancel()

			var r io.Reader = cmd.InOrStdin()
			if in != "" && in != "-" {
				f, err := os.Open(in)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}

			c, err := flags.dial(ctx)
			if err != nil {
				return err
			}
			defer c.Close()
			n, err := c.Push(ctx, types.TransferID(id), r, chunk)
			if err != nil {
				return fmt.Errorf("push %s after %d bytes: %w", id, n, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "pushed %s: %d bytes\n", id, n)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&id, "id", "", "transfer id")
	cmd.Flags().StringVarP(&in, "in", "i", "-", "input file, - for stdin")
	cmd.Flags().IntVar(&chunk, "chunk", 1<<20, "bytes per write request")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// ============================================================================
// journal
// ============================================================================

func buildJournalCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect and clean up the transfer journal",
	}
	cmd.AddCommand(buildJournalListCommand(opts))
	cmd.AddCommand(buildJournalCleanupCommand(opts))
	cmd.AddCommand(buildJournalVerifyCommand(opts))
	return cmd
}

func openJournal(cmd *cobra.Command, opts *options) (journal.Journal, *slog.Logger, error) {
	cfg, logger, err := opts.load(cmd)
	if err != nil {
		return nil, nil, err
	}
	j, err := journal.Open(cmd.Context(), cfg.Journal, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return j, logger, nil
}

func buildJournalListCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List transfers recorded in the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			j, _, err := openJournal(cmd, opts)
			if err != nil {
				return err
			}
			defer j.Close()

			lister, ok := j.(journal.Lister)
			if !ok {
				return fmt.Errorf("journal %T cannot list entries", j)
			}
			entries, err := lister.Entries(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tMODE\tSIZE\tLOCATION\tSUBMITTED")
			for _, e := range entries {
				submitted := "-"
				if e.Descriptor.SubmittedAt > 0 {
					submitted = time.UnixMilli(e.Descriptor.SubmittedAt).UTC().Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", e.ID, e.Descriptor.Mode, e.Descriptor.Size, e.Descriptor.Location, submitted)
			}
			return tw.Flush()
		},
	}
}

func buildJournalCleanupCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Reconcile recorded transfers and drop them",
		Long: `Every recorded transfer is checked against the storage back end,
cancelled if still live and removed from the journal. Entries whose check
fails are kept and reported.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			j, logger, err := openJournal(cmd, opts)
			if err != nil {
				return err
			}
			defer j.Close()

			dropped, err := j.Cleanup(cmd.Context(), journal.LogBackend{Logger: logger})
			fmt.Fprintf(cmd.OutOrStdout(), "dropped %d journal entries\n", dropped)
			return err
		},
	}
}

func buildJournalVerifyCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the records of a file journal",
		Long: `Reads every rotated segment and the live log of a file journal and
checks record format, checksums and sequence order. The journal is not
opened for writing, so a torn final record is reported, not repaired.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if cfg.Journal.Type != journal.TypeFile {
				return fmt.Errorf("journal.type %q cannot be verified offline, only %q", cfg.Journal.Type, journal.TypeFile)
			}

			rep, err := journal.Verify(cfg.Journal.Path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "journal %s ok: %d records in log (last seq %d), %d records in %d segments\n",
				rep.Dir, rep.Records, rep.LastSeq, rep.Archived, rep.Segments)
			return nil
		},
	}
}
