package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/manticore/manticore/pkg/engine"
)

func newRequestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Submit and remove user requests",
		Long: `Manage user requests directly in the KV store.

A request is the only input manticore acts on: submitting one queues the
user, removing one releases the user's pair wherever it is in its lifecycle.`,
	}

	cmd.AddCommand(newRequestSubmitCommand())
	cmd.AddCommand(newRequestRemoveCommand())
	cmd.AddCommand(newRequestShowCommand())

	return cmd
}

func newRequestSubmitCommand() *cobra.Command {
	var options []string

	cmd := &cobra.Command{
		Use:   "submit <user-id>",
		Short: "Submit a request for a user",
		Long: `Store a request for a user with freshly generated external prefixes and
an external TCP port. Submitting for a user that already has a request
prints the stored request unchanged.

Options are passed to the core task as environment variables.`,
		Example: `  # Submit a request
  manticore request submit alice

  # Submit with core options
  manticore request submit alice --option scenario=harbour --option locale=de`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := parseOptions(options)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			be, err := openBackend(cmd.Context(), cfg, log.Logger)
			if err != nil {
				return err
			}
			defer be.Close()

			requests := engine.NewRequests(be.store, keyspace(cfg), portRange(cfg), log.Logger, nil)
			req, err := requests.Submit(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			return printRequest(req)
		},
	}

	cmd.Flags().StringArrayVarP(&options, "option", "o", nil, "core option as key=value (repeatable)")

	return cmd
}

func newRequestRemoveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "remove <user-id>",
		Aliases: []string{"rm"},
		Short:   "Remove a user's request",
		Long: `Delete a user's request. Running replicas observe the deletion and
release the user's allocation and job.`,
		Example: `  manticore request remove alice`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			be, err := openBackend(cmd.Context(), cfg, log.Logger)
			if err != nil {
				return err
			}
			defer be.Close()

			requests := engine.NewRequests(be.store, keyspace(cfg), portRange(cfg), log.Logger, nil)
			if err := requests.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed request for %s\n", args[0])
			return nil
		},
	}

	return cmd
}

func newRequestShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "show <user-id>",
		Short:   "Show a user's stored request",
		Example: `  manticore request show alice --json`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			be, err := openBackend(cmd.Context(), cfg, log.Logger)
			if err != nil {
				return err
			}
			defer be.Close()

			requests := engine.NewRequests(be.store, keyspace(cfg), portRange(cfg), log.Logger, nil)
			req, err := requests.Get(cmd.Context(), args[0])
			if engine.IsNotFound(err) {
				return fmt.Errorf("no request for %s", args[0])
			}
			if err != nil {
				return err
			}
			return printRequest(req)
		},
	}

	return cmd
}

// parseOptions turns key=value flags into an option map.
func parseOptions(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	opts := make(map[string]string, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid option %q, want key=value", kv)
		}
		opts[key] = value
	}
	return opts, nil
}

func printRequest(req *engine.UserRequest) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(req)
	}
	fmt.Printf("User:             %s\n", req.ID)
	fmt.Printf("Created:          %s\n", req.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("User to HMI:      %s\n", req.UserToHMIPrefix)
	fmt.Printf("HMI to core:      %s\n", req.HMIToCorePrefix)
	fmt.Printf("Broker:           %s\n", req.BrokerAddressPrefix)
	fmt.Printf("External TCP:     %d\n", req.TCPPortExternal)
	for k, v := range req.Options {
		fmt.Printf("Option:           %s=%s\n", k, v)
	}
	return nil
}
