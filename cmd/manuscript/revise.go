package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	reviseTolerance float64
	reviseQueue     bool
	reviseNotes     string
)

var reviseCmd = &cobra.Command{
	Use:   "revise",
	Short: "Condense a book to a target word count, chapter by chapter",
	Long: `A revision session clones the active version and proposes a condensed
text for every chapter. Each proposal is approved (the chapter text is
replaced, the old one kept in history) or rejected. The session is done
once the book lands within the tolerance band around the target.`,
}

var reviseStartCmd = &cobra.Command{
	Use:   "start <book-id> <target-words>",
	Short: "Start a revision session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("target words: %w", err)
		}
		return withApp(false, func(a *app) error {
			tol := reviseTolerance
			if !cmd.Flags().Changed("tolerance") {
				tol = a.svc.DefaultTolerancePercent()
			}
			sess, err := a.svc.StartRevision(cmd.Context(), args[0], target, tol)
			if err != nil {
				return err
			}
			if reviseQueue {
				if _, err := a.svc.QueueProposals(cmd.Context(), sess.ID); err != nil {
					return err
				}
			}
			return printOut(cmd, sess)
		})
	},
}

var reviseQueueCmd = &cobra.Command{
	Use:   "queue <session-id>",
	Short: "Queue a condense job for every chapter still without a proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(a *app) error {
			n, err := a.svc.QueueProposals(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printOut(cmd, map[string]int{"queued": n})
		})
	},
}

var reviseProposalsCmd = &cobra.Command{
	Use:   "proposals <session-id>",
	Short: "List the proposals of a session in chapter order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(a *app) error {
			ps, err := a.svc.ListProposals(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printOut(cmd, ps)
		})
	},
}

var reviseApproveCmd = &cobra.Command{
	Use:   "approve <proposal-id>",
	Short: "Apply a ready proposal to its chapter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(a *app) error {
			p, err := a.svc.ApproveProposal(cmd.Context(), args[0], reviseNotes)
			if err != nil {
				return err
			}
			return printOut(cmd, p)
		})
	},
}

var reviseRejectCmd = &cobra.Command{
	Use:   "reject <proposal-id>",
	Short: "Reject a proposal, leaving the chapter unchanged",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(a *app) error {
			p, err := a.svc.RejectProposal(cmd.Context(), args[0], reviseNotes)
			if err != nil {
				return err
			}
			return printOut(cmd, p)
		})
	},
}

var reviseProgressCmd = &cobra.Command{
	Use:   "progress <session-id>",
	Short: "Show word counts against the target band",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(a *app) error {
			v, err := a.svc.ValidateCompletion(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printOut(cmd, v)
		})
	},
}

var reviseCompleteCmd = &cobra.Command{
	Use:   "complete <session-id>",
	Short: "Close a session whose book is within the target band",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(a *app) error {
			sess, err := a.svc.CompleteRevision(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printOut(cmd, sess)
		})
	},
}

var reviseAbandonCmd = &cobra.Command{
	Use:   "abandon <session-id>",
	Short: "Abandon a session; its version is kept",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(a *app) error {
			sess, err := a.svc.AbandonRevision(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printOut(cmd, sess)
		})
	},
}

func init() {
	reviseStartCmd.Flags().Float64Var(&reviseTolerance, "tolerance", 5, "accepted deviation from the target, in percent")
	reviseStartCmd.Flags().BoolVar(&reviseQueue, "queue", false, "queue all condense jobs right away")
	reviseApproveCmd.Flags().StringVar(&reviseNotes, "notes", "", "reviewer notes")
	reviseRejectCmd.Flags().StringVar(&reviseNotes, "notes", "", "reviewer notes")

	reviseCmd.AddCommand(reviseStartCmd, reviseQueueCmd, reviseProposalsCmd, reviseApproveCmd,
		reviseRejectCmd, reviseProgressCmd, reviseCompleteCmd, reviseAbandonCmd)
	rootCmd.AddCommand(reviseCmd)
}
