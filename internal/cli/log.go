package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/livesync/internal/store"
)

// LogOptions holds flags for the log command.
type LogOptions struct {
	*RootOptions
	Database string
	User     string
	Limit    int
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the call audit log",
		Long: `Show one-shot calls recorded by a server, oldest first.

Example:
  livesync log --db ./notes.db --user alice --limit 20`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLog(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().StringVar(&opts.User, "user", "", "only show calls by this user")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum entries (0 = all)")
	return cmd
}

// logLine is the JSON shape of one entry.
type logLine struct {
	ID        string    `json:"id"`
	User      string    `json:"user"`
	Client    string    `json:"client,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Name      string    `json:"name"`
	Args      []any     `json:"args"`
	Result    any       `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func runLog(opts *LogOptions, cmd *cobra.Command) error {
	path := opts.Database
	if path == "" {
		cfg, err := opts.loadConfig()
		if err != nil {
			return err
		}
		path = cfg.Database
	}

	st, err := store.Open(path, store.WithLogger(opts.newLogger(cmd.ErrOrStderr())))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	entries, err := st.ReadCallLog(cmd.Context(), store.CallLogFilter{User: opts.User, Limit: opts.Limit})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read call log", err)
	}

	out := opts.formatter(cmd)
	if opts.Format == "json" {
		lines := make([]logLine, len(entries))
		for i, e := range entries {
			lines[i] = logLine{
				ID: e.ID, User: e.User, Client: e.Client, Timestamp: e.Timestamp,
				Name: e.Name, Args: e.Args, Error: e.Error,
			}
			if e.Result != nil {
				lines[i].Result = json.RawMessage(*e.Result)
			}
		}
		return out.Success(lines)
	}

	tw := tabwriter.NewWriter(out.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tUSER\tFUNCTION\tARGS\tOUTCOME")
	for _, e := range entries {
		args, _ := json.Marshal(e.Args)
		outcome := "ok"
		if e.Result == nil {
			outcome = "error: " + e.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), e.User, e.Name, args, outcome)
	}
	return tw.Flush()
}
