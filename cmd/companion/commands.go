package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"readycheck/api/internal/client"
	"readycheck/api/internal/summon"
)

func loginCommand() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "login MEMBER_ID",
		Short: "Obtain a bearer token for a member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := newClient().Login(cmd.Context(), args[0], name)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

func groupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Manage groups",
	}

	var req client.GroupRequest
	create := &cobra.Command{
		Use:   "create",
		Short: "Register a group; you are always one of its members",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, err := newClient().CreateGroup(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), group)
		},
	}
	create.Flags().StringVar(&req.ID, "id", "", "group id, generated when empty")
	create.Flags().StringVar(&req.Name, "name", "", "group name")
	create.Flags().StringSliceVar(&req.MemberIDs, "member", nil, "member id, repeatable")

	show := &cobra.Command{
		Use:   "show GROUP_ID",
		Short: "Print a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			group, err := newClient().GetGroup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), group)
		},
	}

	cmd.AddCommand(create, show)
	return cmd
}

func startCommand() *cobra.Command {
	var detach bool
	cmd := &cobra.Command{
		Use:   "start GROUP_ID",
		Short: "Summon the rest of the group and follow the round",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			started, err := c.StartSummon(cmd.Context(), args[0])
			var active *summon.AlreadyActiveError
			if errors.As(err, &active) {
				return fmt.Errorf("group already has summon %s running; use 'companion join %s %s'", active.SummonID, args[0], active.SummonID)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "summon %s started, expires %s\n", started.ID, started.ExpiresAt.Local().Format("15:04:05"))
			if detach {
				return nil
			}
			return runDevice(cmd.Context(), cmd.OutOrStdout(), c, args[0], started.ID, "")
		},
	}
	cmd.Flags().BoolVar(&detach, "detach", false, "return after starting instead of following the round")
	return cmd
}

func joinCommand() *cobra.Command {
	var respond string
	cmd := &cobra.Command{
		Use:   "join GROUP_ID SUMMON_ID",
		Short: "Follow a summon and optionally answer it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var answer summon.ResponseStatus
			if respond != "" {
				parsed, err := summon.ParseResponseStatus(respond)
				if err != nil {
					return err
				}
				answer = parsed
			}
			return runDevice(cmd.Context(), cmd.OutOrStdout(), newClient(), args[0], args[1], answer)
		},
	}
	cmd.Flags().StringVar(&respond, "respond", "", "answer to submit: accepted or declined")
	return cmd
}

func cancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel GROUP_ID SUMMON_ID",
		Short: "Cancel a summon you started",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cancelled, err := newClient().Cancel(cmd.Context(), args[0], args[1], "")
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "summon %s: %s (%s)\n", cancelled.ID, cancelled.Status, cancelled.Reason)
			return nil
		},
	}
}

func historyCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history GROUP_ID",
		Short: "List resolved summons of a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := newClient().History(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			for _, item := range items {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-7s %-12s %d/%d accepted  %s\n",
					item.ResolvedAt.Local().Format("2006-01-02 15:04"),
					item.Status, item.Reason, item.AcceptedCount, item.RespondentCount, item.SummonID)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of rounds")
	return cmd
}
