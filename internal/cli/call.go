package cli

import (
	"encoding/json"
	"errors"
	"net"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/livesync/internal/model"
)

// RemoteOptions are the connection flags shared by client commands.
type RemoteOptions struct {
	URL  string
	User string
}

func (o *RemoteOptions) bind(cmd *cobra.Command, what string) {
	cmd.Flags().StringVar(&o.URL, "url", "", what+" (default from config host and port)")
	cmd.Flags().StringVar(&o.User, "user", "", "user or session token sent with requests")
}

// CallOptions holds flags for the call command.
type CallOptions struct {
	*RootOptions
	RemoteOptions
}

// NewCallCommand creates the call command.
func NewCallCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CallOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "call <name> [args...]",
		Short: "Call a function or procedure once",
		Long: `Call a function or procedure once over HTTP and print the result.

Each argument is parsed as JSON; anything that is not valid JSON is sent as
a string.

Example:
  livesync call notes.list
  livesync call notes.create "buy milk" --user alice
  livesync call notes.get '"0195f0c2-..."' --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(opts, args[0], args[1:], cmd)
		},
	}
	opts.bind(cmd, "server HTTP base URL")
	return cmd
}

func runCall(opts *CallOptions, name string, rawArgs []string, cmd *cobra.Command) error {
	base, err := opts.httpURL(opts.RootOptions)
	if err != nil {
		return err
	}
	api := model.NewRemoteAPI(nil, base, opts.User)
	opts.formatter(cmd).VerboseLog("calling %s at %s as client %s", name, base, api.ClientID())

	result, err := api.Call(cmd.Context(), name, parseArgs(rawArgs))
	if err != nil {
		return reportRemoteError(opts.formatter(cmd), err)
	}
	return opts.formatter(cmd).Success(result)
}

// FunctionsOptions holds flags for the functions command.
type FunctionsOptions struct {
	*RootOptions
	RemoteOptions
}

// NewFunctionsCommand creates the functions command.
func NewFunctionsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FunctionsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "functions",
		Short:         "List the functions a server exposes",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := opts.httpURL(opts.RootOptions)
			if err != nil {
				return err
			}
			out, err := model.NewRemoteAPI(nil, base, opts.User).Functions(cmd.Context())
			if err != nil {
				return reportRemoteError(opts.formatter(cmd), err)
			}
			return opts.formatter(cmd).Success(out)
		},
	}
	opts.bind(cmd, "server HTTP base URL")
	return cmd
}

func (o *RemoteOptions) httpURL(root *RootOptions) (string, error) {
	if o.URL != "" {
		return o.URL, nil
	}
	cfg, err := root.loadConfig()
	if err != nil {
		return "", err
	}
	return "http://" + net.JoinHostPort(dialHost(cfg.Host), strconv.Itoa(cfg.HTTPPort)), nil
}

func (o *RemoteOptions) wsURL(root *RootOptions) (string, error) {
	if o.URL != "" {
		return o.URL, nil
	}
	cfg, err := root.loadConfig()
	if err != nil {
		return "", err
	}
	return "ws://" + net.JoinHostPort(dialHost(cfg.Host), strconv.Itoa(cfg.WSPort)), nil
}

// dialHost maps a wildcard listen host to loopback.
func dialHost(host string) string {
	switch host {
	case "", "0.0.0.0", "::":
		return "127.0.0.1"
	}
	return host
}

// parseArgs decodes each argument as JSON, falling back to the raw string.
func parseArgs(raw []string) []any {
	args := make([]any, 0, len(raw))
	for _, r := range raw {
		var v any
		if err := json.Unmarshal([]byte(r), &v); err != nil {
			v = r
		}
		args = append(args, v)
	}
	return args
}

// reportRemoteError prints a server error and returns the matching exit
// error. Errors without a server response are command errors.
func reportRemoteError(f *OutputFormatter, err error) error {
	var callErr *model.CallError
	if errors.As(err, &callErr) {
		code := callErr.Code
		if code == "" {
			code = strconv.Itoa(callErr.Status)
		}
		if outErr := f.Error(code, callErr.Msg, nil); outErr != nil {
			return outErr
		}
		return WrapExitError(ExitFailure, "call failed", err)
	}
	if outErr := f.Error("CLI", err.Error(), nil); outErr != nil {
		return outErr
	}
	return WrapExitError(ExitCommandError, "request failed", err)
}
