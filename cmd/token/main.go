// Command token mints service token pairs for callers of the reconciler API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"recording-reconciler/internal/app"
	"recording-reconciler/internal/auth"
	"recording-reconciler/internal/rbac"
)

func main() {
	root := &cobra.Command{
		Use:   "token",
		Short: "Service token tooling for the recording reconciler",
	}
	root.AddCommand(newIssueCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newIssueCmd() *cobra.Command {
	var subject, role string

	cmd := &cobra.Command{
		Use:     "issue",
		Short:   "Issue an access/refresh token pair",
		Example: "  token issue --subject call-dispatch --role dispatcher",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIssue(cmd.Context(), subject, role)
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "calling service or operator name")
	cmd.Flags().StringVar(&role, "role", "", "dispatcher, viewer or operator")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func runIssue(ctx context.Context, subject, role string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if subject == "" {
		return errors.New("--subject is required")
	}
	if !rbac.Known(role) {
		return fmt.Errorf("unknown role %q", role)
	}

	cfg, err := app.LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	m, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return err
	}
	pair, err := m.IssuePair(time.Now(), subject, role)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(pair)
}
