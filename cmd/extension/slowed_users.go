package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alovak/payment-extension/internal/extensiondev"
)

func slowedUsersCmd() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "slowed-users",
		Short: "Manage shoppers whose payment updates are delayed",
	}
	cmd.PersistentFlags().StringVar(&server, "server", "http://localhost:8080", "extension base URL")

	client := func() *extensiondev.Client {
		return extensiondev.New(server, nil)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add [shopperReference]",
		Short: "Delay payment updates of a shopper",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			added, err := client().AddSlowedUser(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !added {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is already slowed\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List slowed shoppers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			users, err := client().ListSlowedUsers(cmd.Context())
			if err != nil {
				return err
			}
			for _, u := range users {
				fmt.Fprintln(cmd.OutOrStdout(), u)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove [shopperReference]",
		Short: "Stop delaying payment updates of a shopper",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := client().RemoveSlowedUser(cmd.Context(), args[0])
			if errors.Is(err, extensiondev.ErrNotListed) {
				return fmt.Errorf("%s is not slowed", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	})

	return cmd
}
