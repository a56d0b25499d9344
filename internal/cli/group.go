package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newGroupCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "group", Short: "Manage registered groups"}
	cmd.AddCommand(newGroupRegisterCmd())
	cmd.AddCommand(newGroupListCmd())
	cmd.AddCommand(newGroupRemoveCmd())
	return cmd
}

func newGroupRegisterCmd() *cobra.Command {
	var trigger string
	var requiresTrigger bool
	cmd := &cobra.Command{
		Use:   "register <folder> <jid>",
		Short: "Bind a group folder to a chat JID and trigger word",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStoreForCLI(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			if trigger == "" {
				trigger = "andy"
			}
			if err := st.RegisterGroup(cmd.Context(), args[0], args[1], trigger, requiresTrigger); err != nil {
				return err
			}
			printOK(fmt.Sprintf("registered group %s -> %s (trigger %q, requires_trigger=%v)", args[0], args[1], trigger, requiresTrigger))
			return nil
		},
	}
	cmd.Flags().StringVar(&trigger, "trigger", "andy", "mention word that must match for group messages to reach the agent")
	cmd.Flags().BoolVar(&requiresTrigger, "requires-trigger", true, "if false, every message in this group dispatches regardless of trigger match")
	return cmd
}

func newGroupListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every registered group",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStoreForCLI(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			groups, err := st.GetRegisteredGroups(cmd.Context())
			if err != nil {
				return err
			}
			for _, g := range groups {
				fmt.Printf("%s\t%s\ttrigger=%s\trequires_trigger=%v\n", g.Folder, g.JID, g.Trigger, g.RequiresTrigger)
			}
			return nil
		},
	}
}

func newGroupRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <folder>",
		Short: "Remove a group registration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStoreForCLI(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.RemoveGroup(cmd.Context(), args[0]); err != nil {
				return err
			}
			printOK(fmt.Sprintf("removed group %s", args[0]))
			return nil
		},
	}
}
