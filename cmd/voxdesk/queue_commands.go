package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basket/voxdesk/internal/cron"
	"github.com/basket/voxdesk/internal/persistence"
	"github.com/basket/voxdesk/internal/queue"
)

// Queue commands act for the campaign's client. Enqueue runs as that client;
// the rest run as the system caller, which skips the ownership check but
// still charges the client's credits.
func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Operate campaign call queues",
	}

	var leads []string
	var allLeads bool
	enqueueCmd := &cobra.Command{
		Use:   "enqueue <campaign>",
		Short: "Queue leads for calling",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withQueue(func(store *persistence.Store, svc *queue.Service) error {
				campaign, err := store.GetCampaign(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("campaign %s: %w", args[0], err)
				}
				owner, err := store.GetProfile(cmd.Context(), campaign.ClientID)
				if err != nil {
					return fmt.Errorf("campaign client %s: %w", campaign.ClientID, err)
				}
				ids := leads
				if allLeads {
					all, err := store.ListLeads(cmd.Context(), persistence.LeadFilter{CampaignID: args[0]})
					if err != nil {
						return err
					}
					for _, l := range all {
						ids = append(ids, l.ID)
					}
				}
				res, err := svc.Enqueue(cmd.Context(), queue.EnqueueRequest{CampaignID: campaign.ID, LeadIDs: ids, Caller: owner})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "inserted %d, skipped %d\n", res.Inserted, res.Skipped)
				return nil
			})
		},
	}
	enqueueCmd.Flags().StringSliceVar(&leads, "lead", nil, "Lead id (repeatable)")
	enqueueCmd.Flags().BoolVar(&allLeads, "all", false, "Queue every lead of the campaign")

	var concurrency int
	dispatchCmd := &cobra.Command{
		Use:   "dispatch <campaign>",
		Short: "Place calls for one batch of queued rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withQueue(func(_ *persistence.Store, svc *queue.Service) error {
				res, err := svc.Dispatch(cmd.Context(), queue.DispatchRequest{CampaignID: args[0], Concurrency: concurrency})
				printDispatch(cmd.OutOrStdout(), res)
				return err
			})
		},
	}
	dispatchCmd.Flags().IntVar(&concurrency, "concurrency", 0, "Parallel calls (0 uses the campaign's level)")

	retryCmd := &cobra.Command{
		Use:   "retry <campaign>",
		Short: "Reset failed rows to pending and dispatch them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withQueue(func(_ *persistence.Store, svc *queue.Service) error {
				res, err := svc.Retry(cmd.Context(), args[0], nil)
				if res.Reset > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "reset %d\n", res.Reset)
					printDispatch(cmd.OutOrStdout(), res.DispatchResult)
				}
				return err
			})
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel <campaign>",
		Short: "Cancel rows that have not been picked up",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withQueue(func(_ *persistence.Store, svc *queue.Service) error {
				n, err := svc.Cancel(cmd.Context(), args[0], nil)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cancelled %d\n", n)
				return nil
			})
		},
	}

	var asJSON bool
	statusCmd := &cobra.Command{
		Use:   "status [campaign]",
		Short: "Show queue counts for one campaign, or totals across all campaigns",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withQueue(func(store *persistence.Store, svc *queue.Service) error {
				out := cmd.OutOrStdout()
				if len(args) == 0 {
					totals, err := store.QueueTotals(cmd.Context())
					if err != nil {
						return err
					}
					if asJSON {
						return writeJSON(out, totals)
					}
					fmt.Fprintln(out, renderCounts(totals))
					return nil
				}
				if _, err := store.GetCampaign(cmd.Context(), args[0]); err != nil {
					return fmt.Errorf("campaign %s: %w", args[0], err)
				}
				snap, err := svc.Snapshot(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(out, snap)
				}
				fmt.Fprintln(out, renderCounts(snap.Counts))
				fmt.Fprintf(out, "total %d, progress %.0f%%, active %t\n", snap.Total, snap.Progress*100, snap.Active)
				return nil
			})
		},
	}
	statusCmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")

	itemCmd := &cobra.Command{
		Use:   "item <id>",
		Short: "Print one queue row as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *persistence.Store) error {
				item, err := store.GetQueueItem(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), item)
			})
		},
	}

	var (
		statuses []string
		listJSON bool
	)
	listCmd := &cobra.Command{
		Use:   "list <campaign>",
		Short: "List a campaign's queue rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := make([]persistence.QueueStatus, 0, len(statuses))
			for _, st := range statuses {
				filter = append(filter, persistence.QueueStatus(st))
			}
			return ctx.withStore(func(store *persistence.Store) error {
				items, err := store.ListQueueItems(cmd.Context(), args[0], filter...)
				if err != nil {
					return err
				}
				if listJSON {
					return writeJSON(cmd.OutOrStdout(), items)
				}
				rows := make([][]string, 0, len(items))
				for _, it := range items {
					rows = append(rows, []string{it.ID, it.LeadID, string(it.Status), strconv.Itoa(it.Priority), strconv.Itoa(it.AttemptCount), it.ErrorMessage})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Lead", "Status", "Priority", "Attempts", "Error"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
				))
				return nil
			})
		},
	}
	listCmd.Flags().StringSliceVar(&statuses, "status", nil, "Only rows in these statuses")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Print JSON")

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one maintenance sweep: reclaim stale claims, resolve finished calls, apply retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return ctx.withQueue(func(store *persistence.Store, svc *queue.Service) error {
				s := cron.NewScheduler(cron.Config{Store: store, Queue: svc, Sweep: cfg.Sweep})
				res := s.Sweep(cmd.Context())
				fmt.Fprintf(cmd.OutOrStdout(),
					"reclaimed %d, resolved %d/%d, dispatched %d, purged %d events and %d audit rows\n",
					res.Reclaimed, res.Resolved, res.Checked, res.Dispatched, res.PurgedEvents, res.PurgedAuditRows)
				return nil
			})
		},
	}

	queueCmd.AddCommand(enqueueCmd, dispatchCmd, retryCmd, cancelCmd, statusCmd, listCmd, itemCmd, sweepCmd)
	return queueCmd
}

func printDispatch(w io.Writer, res queue.DispatchResult) {
	fmt.Fprintf(w, "processed %d, successful %d, failed %d\n", res.Processed, res.Successful, res.Failed)
}

func renderCounts(counts map[persistence.QueueStatus]int) string {
	rows := make([][]string, 0, len(persistence.QueueStatuses))
	for _, st := range persistence.QueueStatuses {
		rows = append(rows, []string{strings.ReplaceAll(string(st), "_", " "), strconv.Itoa(counts[st])})
	}
	return renderTable([]string{"Status", "Rows"}, rows, []columnAlignment{alignLeft, alignRight})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
