package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/soltura/migrate/internal/ledger"
)

// NewTokenCommand builds the token command group. Tokens minted here land in
// the same ledger the daemon authenticates against.
func NewTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage migration tokens",
	}
	cmd.AddCommand(newTokenCreateCommand())
	cmd.AddCommand(newTokenListCommand())
	cmd.AddCommand(newTokenRevokeCommand())
	return cmd
}

func newTokenCreateCommand() *cobra.Command {
	var (
		description string
		permissions string
		singleUse   bool
		ttlHours    int
	)
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Mint a migration token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			backends, err := build(ctx)
			if err != nil {
				return err
			}
			defer backends.Close(ctx)

			tok := ledger.NewToken(args[0], description, time.Duration(ttlHours)*time.Hour)
			switch p := ledger.Permission(permissions); p {
			case ledger.PermRead, ledger.PermWrite, ledger.PermReadWrite, ledger.PermAdmin:
				tok.Permissions = p
			default:
				return fmt.Errorf("unknown permission scope %q", permissions)
			}
			tok.SingleUse = singleUse
			if err := backends.Ledger.CreateToken(ctx, tok); err != nil {
				return err
			}
			fmt.Println(titleStyle.Render("Token created"))
			fmt.Printf("  value: %s\n", tok.Value)
			fmt.Printf("  scope: %s\n", tok.Permissions)
			if tok.ExpiresAt != nil {
				fmt.Printf("  expires: %s\n", tok.ExpiresAt.Format(time.RFC3339))
			}
			fmt.Println(dimStyle.Render("  the value is shown only once; store it now"))
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "what the token is for")
	cmd.Flags().StringVar(&permissions, "permissions", string(ledger.PermReadWrite), "scope: read, write, read_write or admin")
	cmd.Flags().BoolVar(&singleUse, "single-use", false, "invalidate the token after its first use")
	cmd.Flags().IntVar(&ttlHours, "ttl-hours", 0, "expiry in hours, 0 for no expiry")
	return cmd
}

func newTokenListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			backends, err := build(ctx)
			if err != nil {
				return err
			}
			defer backends.Close(ctx)

			tokens, err := backends.Ledger.ListTokens(ctx)
			if err != nil {
				return err
			}
			if len(tokens) == 0 {
				fmt.Println(dimStyle.Render("no tokens"))
				return nil
			}
			for _, tok := range tokens {
				state := okStyle.Render("valid")
				if !tok.IsValid() {
					state = errorStyle.Render("invalid")
				}
				last := "never used"
				if tok.LastUsedAt != nil {
					last = "last used " + tok.LastUsedAt.Format("2006-01-02 15:04")
				}
				fmt.Printf("%s  %-10s  %s  %s\n", tok.Name, tok.Permissions, state, dimStyle.Render(last))
			}
			return nil
		},
	}
}

func newTokenRevokeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <value>",
		Short: "Revoke a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			backends, err := build(ctx)
			if err != nil {
				return err
			}
			defer backends.Close(ctx)

			tok, err := backends.Ledger.GetToken(ctx, args[0])
			if err != nil {
				return err
			}
			tok.Revoked = true
			if err := backends.Ledger.UpdateToken(ctx, tok); err != nil {
				return err
			}
			fmt.Println(okStyle.Render("token revoked"))
			return nil
		},
	}
}
