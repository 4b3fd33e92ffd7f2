package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/davidahmann/dealledger/internal/auth"
	"github.com/davidahmann/dealledger/internal/config"
	"github.com/davidahmann/dealledger/internal/ledger"
	"github.com/davidahmann/dealledger/internal/pack"
	"github.com/davidahmann/dealledger/internal/policy"
)

// openFromFlags loads config and wires the service with logs on stderr.
func openFromFlags(cmd *cobra.Command, flags *rootFlags) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	return openApp(cmd.Context(), cfg, logger)
}

func newMigrateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations for the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openFromFlags(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ok driver=%s\n", a.cfg.DB.Driver)
			sqlStore, ok := a.store.(interface{ DB() *sql.DB })
			if !ok {
				return nil
			}
			states, err := ledger.MigrationStatus(cmd.Context(), sqlStore.DB(), ledger.DBDriver(a.cfg.DB.Driver))
			if err != nil {
				return err
			}
			for _, st := range states {
				fmt.Fprintf(out, "%s applied=%t %s\n", st.Version, st.Applied, st.Checksum)
			}
			return nil
		},
	}
}

func newVerifyCmd(flags *rootFlags) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "verify <deal_id>",
		Short: "Verify a deal's hash chain; a broken chain halts appends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openFromFlags(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.svc.VerifyChain(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				if err := json.NewEncoder(out).Encode(res); err != nil {
					return err
				}
			} else if res.Valid {
				fmt.Fprintf(out, "valid=true deal_id=%s length=%d head=%s\n", args[0], res.Length, res.HeadHash)
			} else {
				fmt.Fprintf(out, "valid=false deal_id=%s broken_at=%d reason=%s\n", args[0], res.BrokenAtSequence, res.Reason)
			}
			if !res.Valid {
				return fmt.Errorf("chain broken at sequence %d", res.BrokenAtSequence)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the result as JSON")
	return cmd
}

func newCheckpointCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint <deal_id>",
		Short: "Emit a signed checkpoint of a deal's chain head",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openFromFlags(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			cp, err := a.svc.Checkpoint(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cp)
		},
	}
}

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Action policy tools",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <policy_path>",
		Short: "Compile a policy file and print its identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := policy.LoadPolicy(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok policy_id=%s policy_version=%s policy_hash=%s actions=%s\n",
				loaded.Engine.ID(), loaded.Engine.Version(), loaded.Hash, strings.Join(loaded.Engine.Actions(), ","))
			return nil
		},
	})
	return cmd
}

func newTokenCmd(flags *rootFlags) *cobra.Command {
	var (
		subject string
		roles   []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Bearer token tools",
	}
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue an HS256 bearer token signed with auth.jwt_secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			tok, err := issueToken(cfg.Auth, subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	issue.Flags().StringVar(&subject, "subject", "", "actor id carried as the token subject")
	issue.Flags().StringSliceVar(&roles, "role", nil, "role granted to the token (repeatable)")
	issue.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = issue.MarkFlagRequired("subject")
	cmd.AddCommand(issue)
	return cmd
}

func issueToken(cfg config.AuthConfig, subject string, roles []string, ttl time.Duration) (string, error) {
	if cfg.JWTSecret == "" {
		return "", fmt.Errorf("auth.jwt_secret is not configured")
	}
	a, err := auth.NewJWTAuthenticator(cfg.JWTSecret, cfg.Issuer)
	if err != nil {
		return "", err
	}
	return a.Issue(subject, roles, ttl)
}

func newExportCmd(flags *rootFlags) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "export <deal_id>",
		Short: "Write a deal's evidence pack as a zip archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openFromFlags(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			in, err := a.svc.EvidencePack(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			zipBytes, err := pack.BuildZip(in)
			if err != nil {
				return err
			}
			if outPath == "" {
				outPath = "dealledger-" + args[0] + ".zip"
			}
			if dir := filepath.Dir(outPath); dir != "." {
				if err := os.MkdirAll(dir, 0o750); err != nil {
					return fmt.Errorf("output dir: %w", err)
				}
			}
			if err := os.WriteFile(outPath, zipBytes, 0o600); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s valid=%t length=%d\n", outPath, in.Verification.Valid, in.Verification.Length)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "output zip path (default dealledger-<deal_id>.zip)")
	return cmd
}
