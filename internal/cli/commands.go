package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/warcdb/warcdb/internal/config"
	"github.com/warcdb/warcdb/internal/ingest"
	"github.com/warcdb/warcdb/internal/source"
	"github.com/warcdb/warcdb/internal/storage"
	"github.com/warcdb/warcdb/internal/store"
)

func initCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "init <store>",
		Short: "Create a store and apply every schema migration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(args[0], e.logger)
			if err != nil {
				return err
			}
			defer st.Close()

			applied, err := st.Migrate(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(applied) == 0 {
				fmt.Fprintf(out, "%s is up to date\n", args[0])
				return nil
			}
			for _, name := range applied {
				fmt.Fprintf(out, "applied %s\n", name)
			}
			return nil
		},
	}
}

func importCmd(e *env) *cobra.Command {
	var (
		batchSize     int
		onUnsupported string
		noProgress    bool
		s3Region      string
		s3Endpoint    string
		s3PathStyle   bool
		httpTimeout   time.Duration
		httpRetries   int
		tempDir       string
	)

	cmd := &cobra.Command{
		Use:   "import <store> <source>...",
		Short: "Import archives into a store",
		Long: `Import applies pending migrations to the store and then imports every source
in the order given. A source is a local file or directory, an http(s) URL, an
s3://bucket/key object or s3://bucket/prefix/ listing, or a WACZ/zip bundle.
Records already present are left untouched, so re-running an import is safe.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := e.cfg
			flags := cmd.Flags()

			// Command line flags (highest priority)
			if flags.Changed("batch-size") {
				cfg.Import.BatchSize = batchSize
			}
			if flags.Changed("on-unsupported") {
				cfg.Import.OnUnsupported = onUnsupported
			}
			if noProgress {
				cfg.Import.Progress = false
			}
			if flags.Changed("s3-region") {
				cfg.S3.Region = s3Region
			}
			if flags.Changed("s3-endpoint") {
				cfg.S3.Endpoint = s3Endpoint
			}
			if flags.Changed("s3-path-style") {
				cfg.S3.UsePathStyle = s3PathStyle
			}
			if flags.Changed("http-timeout") {
				cfg.HTTP.Timeout = config.Duration(httpTimeout)
			}
			if flags.Changed("http-retries") {
				cfg.HTTP.RetryMax = httpRetries
			}
			if flags.Changed("temp-dir") {
				cfg.TempDir = tempDir
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			policy, err := ingest.ParsePolicy(cfg.Import.OnUnsupported)
			if err != nil {
				return err
			}

			st, err := store.Open(args[0], e.logger)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			if _, err := st.Migrate(ctx); err != nil {
				return err
			}

			opener := source.NewOpener(source.Options{
				HTTPTimeout: time.Duration(cfg.HTTP.Timeout),
				HTTPRetries: cfg.HTTP.RetryMax,
				S3: storage.S3Config{
					Region:       cfg.S3.Region,
					Endpoint:     cfg.S3.Endpoint,
					UsePathStyle: cfg.S3.UsePathStyle,
					MaxRetries:   cfg.S3.MaxRetries,
				},
				TempDir: cfg.TempDir,
			}, e.logger)

			importer := ingest.New(st, opener, ingest.Options{
				BatchSize:      cfg.Import.BatchSize,
				OnUnsupported:  policy,
				Progress:       cfg.Import.Progress,
				ProgressWriter: cmd.ErrOrStderr(),
			}, e.logger)

			summary, err := importer.Import(ctx, args[1:]...)
			if summary.RunID != "" {
				printSummary(cmd.OutOrStdout(), summary)
			}
			return err
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&batchSize, "batch-size", ingest.DefaultBatchSize, "Rows written per transaction")
	flags.StringVar(&onUnsupported, "on-unsupported", "abort", "Unsupported record types: abort or skip")
	flags.BoolVar(&noProgress, "no-progress", false, "Disable progress bars")
	flags.StringVar(&s3Region, "s3-region", "", "AWS region for s3:// sources")
	flags.StringVar(&s3Endpoint, "s3-endpoint", "", "S3 endpoint (for S3-compatible storage)")
	flags.BoolVar(&s3PathStyle, "s3-path-style", false, "Use path-style S3 addressing")
	flags.DurationVar(&httpTimeout, "http-timeout", 30*time.Second, "Timeout waiting for HTTP response headers")
	flags.IntVar(&httpRetries, "http-retries", 3, "Retries of failed HTTP requests")
	flags.StringVar(&tempDir, "temp-dir", "", "Directory for spooled remote containers")

	return cmd
}

func printSummary(w io.Writer, s ingest.Summary) {
	fmt.Fprintf(w, "run %s: %d records from %d sources in %s\n", s.RunID, s.Records, s.Sources, s.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "  inserted %d, ignored %d, skipped %d, coerced %d\n", s.Inserted, s.Ignored, s.Skipped, s.Coerced)
	for _, table := range s.Tables() {
		fmt.Fprintf(w, "  %-10s %d\n", table, s.PerTable[table])
	}
	for _, col := range s.Widened {
		fmt.Fprintf(w, "  widened %s\n", col)
	}
	for _, c := range s.CoercedColumns {
		fmt.Fprintf(w, "  kept as text %s: %d (e.g. %q)\n", c.Key(), c.Frequency, c.Sample)
	}
}

func migrationsCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrations <store>",
		Short: "List schema migrations and whether each is applied",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.OpenExisting(args[0], e.logger)
			if err != nil {
				return err
			}
			defer st.Close()

			status, err := st.MigrationStatus(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSTATE\tAPPLIED AT")
			for _, s := range status {
				state, at := "pending", "-"
				if s.Applied {
					state, at = "applied", s.AppliedAt.UTC().Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Name, state, at)
			}
			return tw.Flush()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "warcdb version %s (commit: %s)\n", Version, Commit)
			return nil
		},
	}
}
