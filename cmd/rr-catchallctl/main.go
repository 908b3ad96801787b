// Package main provides rr-catchallctl, the command line tool for checking
// rule files and administering the blocklist and audit log.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/haukened/rr-catchall/internal/catchall/common/clock"
	"github.com/haukened/rr-catchall/internal/catchall/common/log"
	"github.com/haukened/rr-catchall/internal/catchall/common/utils"
	"github.com/haukened/rr-catchall/internal/catchall/repos/datastore"
	"github.com/haukened/rr-catchall/internal/catchall/repos/rulestore"
	"github.com/haukened/rr-catchall/internal/catchall/services/rewriter"
)

const version = "0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "rr-catchallctl",
		Short:         "rr-catchallctl - Command line tool for rr-catchall",
		Long:          "Check catch-all rule files and manage the blocklist and audit log of their database.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		versionCmd(),
		checkCmd(),
		resolveCmd(),
		migrateCmd(),
		blockCmd(),
		unblockCmd(),
		blockedCmd(),
		caughtCmd(),
	)
	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rr-catchallctl %s\n", version)
		},
	}
}

// compile loads and compiles a rule file without logging.
func compile(path string) (rulestore.File, rewriter.Compiled, error) {
	f, err := rulestore.LoadFile(path)
	if err != nil {
		return rulestore.File{}, rewriter.Compiled{}, err
	}
	c := rewriter.NewCompiler(log.NewNoopLogger(), clock.RealClock{})
	return f, c.Compile(f.Domains, path), nil
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <rulefile>",
		Short: "Validate a rule file and list the rules it yields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			f, compiled, err := compile(args[0])
			if err != nil {
				return err
			}
			for i, r := range compiled.Rules.Rules() {
				fmt.Fprintf(out, "%3d  %s\n", i, r)
			}
			for _, re := range compiled.Rejected {
				fmt.Fprintf(out, "rejected: %v\n", re)
			}
			if err := rulestore.ValidateDatabase(f.Database); err != nil {
				return err
			}
			if f.Database.Enabled {
				fmt.Fprintf(out, "database: %s\n", f.Database.Type)
			}
			switch {
			case len(compiled.Rejected) > 0:
				return fmt.Errorf("%d of %d rules rejected", len(compiled.Rejected), len(compiled.Rejected)+compiled.Rules.Len())
			case compiled.Rules.Len() == 0:
				return rulestore.ErrEmptyRuleSet
			}
			fmt.Fprintf(out, "ok: %d rules\n", compiled.Rules.Len())
			return nil
		},
	}
}

func resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <rulefile> <address>",
		Short: "Show which rule, if any, rewrites an address",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, compiled, err := compile(args[0])
			if err != nil {
				return err
			}
			addr := utils.CanonicalAddress(args[1])
			rw, ok := rewriter.Resolve(addr, compiled.Rules)
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: no rule matches\n", addr)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (rule %d: %s)\n", addr, rw.Address, rw.RuleIndex, compiled.Rules.At(rw.RuleIndex))
			return nil
		},
	}
}

// withStore opens the database named by the rule file and runs fn against it.
func withStore(cmd *cobra.Command, path string, fn func(context.Context, datastore.Store) error) error {
	f, err := rulestore.LoadFile(path)
	if err != nil {
		return err
	}
	if err := rulestore.ValidateDatabase(f.Database); err != nil {
		return err
	}
	s, err := datastore.Open(f.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	return fn(ctx, s)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate <rulefile>",
		Short: "Create the blocklist, audit and mailbox tables",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, args[0], func(ctx context.Context, s datastore.Store) error {
				if err := s.Migrate(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				return nil
			})
		},
	}
}

func blockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "block <rulefile> <address>",
		Short: "Add an address to the blocklist",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := utils.CanonicalAddress(args[1])
			return withStore(cmd, args[0], func(ctx context.Context, s datastore.Store) error {
				added, err := s.Block(ctx, addr)
				if err != nil {
					return err
				}
				if added {
					fmt.Fprintf(cmd.OutOrStdout(), "blocked %s\n", addr)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s already blocked\n", addr)
				}
				return nil
			})
		},
	}
}

func unblockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unblock <rulefile> <address>",
		Short: "Remove an address from the blocklist",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := utils.CanonicalAddress(args[1])
			return withStore(cmd, args[0], func(ctx context.Context, s datastore.Store) error {
				removed, err := s.Unblock(ctx, addr)
				if err != nil {
					return err
				}
				if removed {
					fmt.Fprintf(cmd.OutOrStdout(), "unblocked %s\n", addr)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s was not blocked\n", addr)
				}
				return nil
			})
		},
	}
}

func blockedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "blocked <rulefile>",
		Short: "List blocked addresses and their hit counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, args[0], func(ctx context.Context, s datastore.Store) error {
				entries, err := s.ListBlocked(ctx)
				if err != nil {
					return err
				}
				for _, e := range entries {
					fmt.Fprintf(cmd.OutOrStdout(), "%-40s %d\n", e.Address, e.Hits)
				}
				return nil
			})
		},
	}
}

func caughtCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "caught <rulefile>",
		Short: "List recent catch-all rewrites, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, args[0], func(ctx context.Context, s datastore.Store) error {
				records, err := s.ListCaught(ctx, limit)
				if err != nil {
					return err
				}
				for _, r := range records {
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s -> %s  %s  %q\n",
						r.ID, r.Timestamp.UTC().Format(time.RFC3339), r.Original, r.Substituted, r.MessageID, r.Subject)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records to show, 0 for all")
	return cmd
}
