package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basket/voxdesk/internal/persistence"
	"github.com/basket/voxdesk/internal/policy"
)

func newTaskCommand(ctx *commandContext) *cobra.Command {
	taskCmd := &cobra.Command{
		Use:   "task",
		Short: "Manage engineer tasks",
	}
	var client string
	addCmd := &cobra.Command{
		Use:   "add <engineer> <title>",
		Short: "Open a task for an engineer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *persistence.Store) error {
				eng, err := lookupUser(cmd.Context(), store, args[0])
				if err != nil {
					return err
				}
				if !eng.HasRole(policy.RoleEngineer) {
					return fmt.Errorf("%s is not an engineer", eng.Email)
				}
				t := persistence.Task{EngineerID: eng.ID, Title: args[1]}
				if client != "" {
					c, err := lookupUser(cmd.Context(), store, client)
					if err != nil {
						return err
					}
					t.ClientID = c.ID
				}
				id, err := store.CreateTask(cmd.Context(), t)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	addCmd.Flags().StringVar(&client, "client", "", "Client (id or email) the task concerns")
	taskCmd.AddCommand(addCmd)
	return taskCmd
}

func newDemoCommand(ctx *commandContext) *cobra.Command {
	demoCmd := &cobra.Command{
		Use:   "demo",
		Short: "Manage engineer demo calls",
	}
	addCmd := &cobra.Command{
		Use:   "add <engineer> <name> <phone>",
		Short: "Schedule a demo call",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *persistence.Store) error {
				eng, err := lookupUser(cmd.Context(), store, args[0])
				if err != nil {
					return err
				}
				id, err := store.CreateDemoCall(cmd.Context(), persistence.DemoCall{EngineerID: eng.ID, Name: args[1], Phone: args[2]})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	demoCmd.AddCommand(addCmd)
	return demoCmd
}

func newBackupCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "backup <dest>",
		Short: "Write a consistent copy of the database; safe while serve is running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *persistence.Store) error {
				if err := store.Backup(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), args[0])
				return nil
			})
		},
	}
}
