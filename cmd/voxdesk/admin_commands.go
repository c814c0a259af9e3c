package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/voxdesk/internal/persistence"
	"github.com/basket/voxdesk/internal/policy"
)

func newUserCommand(ctx *commandContext) *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage dashboard users",
	}

	var (
		name    string
		phone   string
		roles   []string
		credits int
		parent  string
		manager string
	)
	addCmd := &cobra.Command{
		Use:   "add <email>",
		Short: "Create a user with one or more roles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, r := range roles {
				if !policy.ValidRole(r) {
					return fmt.Errorf("unknown role %q", r)
				}
			}
			return ctx.withStore(func(store *persistence.Store) error {
				p := persistence.Profile{
					Email:    args[0],
					FullName: name,
					Phone:    phone,
					Credits:  credits,
					Roles:    roles,
				}
				if parent != "" {
					owner, err := lookupUser(cmd.Context(), store, parent)
					if err != nil {
						return err
					}
					p.ParentClientID = owner.ID
				}
				if manager != "" {
					eng, err := lookupUser(cmd.Context(), store, manager)
					if err != nil {
						return err
					}
					p.EngineerID = eng.ID
				}
				id, err := store.CreateProfile(cmd.Context(), p)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	addCmd.Flags().StringVar(&name, "name", "", "Full name")
	addCmd.Flags().StringVar(&phone, "phone", "", "Phone number")
	addCmd.Flags().StringSliceVar(&roles, "role", []string{policy.RoleClient}, "Role (repeatable)")
	addCmd.Flags().IntVar(&credits, "credits", 0, "Initial call credits")
	addCmd.Flags().StringVar(&parent, "client", "", "Parent client (id or email) for telecaller, lead_manager and monitoring users")
	addCmd.Flags().StringVar(&manager, "engineer", "", "Managing engineer (id or email) for client users")

	var role string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *persistence.Store) error {
				users, err := store.ListProfiles(cmd.Context(), persistence.ProfileFilter{Role: role})
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(users))
				for _, u := range users {
					rows = append(rows, []string{u.ID, u.Email, strings.Join(u.Roles, ","), strconv.Itoa(u.Credits), u.ParentClientID})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Email", "Roles", "Credits", "Client"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
				))
				return nil
			})
		},
	}
	listCmd.Flags().StringVar(&role, "role", "", "Only users with this role")

	creditsCmd := &cobra.Command{
		Use:   "credits <user> <delta>",
		Short: "Add (or with a negative delta, remove) call credits",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			delta, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("delta must be an integer: %w", err)
			}
			return ctx.withStore(func(store *persistence.Store) error {
				u, err := lookupUser(cmd.Context(), store, args[0])
				if err != nil {
					return err
				}
				if err := store.AddCredits(cmd.Context(), u.ID, delta); err != nil {
					return err
				}
				balance, err := store.Credits(cmd.Context(), u.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s credits: %d\n", u.Email, balance)
				return nil
			})
		},
	}

	userCmd.AddCommand(addCmd, listCmd, creditsCmd)
	return userCmd
}

func newTokenCommand(ctx *commandContext) *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue and revoke API bearer tokens",
	}

	var (
		label string
		ttl   time.Duration
	)
	issueCmd := &cobra.Command{
		Use:   "issue <user>",
		Short: "Issue a bearer token; it is printed once and only its hash is stored",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = time.Duration(cfg.TokenTTLHours) * time.Hour
			}
			return ctx.withStore(func(store *persistence.Store) error {
				u, err := lookupUser(cmd.Context(), store, args[0])
				if err != nil {
					return err
				}
				raw, err := store.IssueToken(cmd.Context(), u.ID, label, ttl)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), raw)
				return nil
			})
		},
	}
	issueCmd.Flags().StringVar(&label, "label", "cli", "Label stored with the token")
	issueCmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default: token_ttl_hours from config)")

	revokeCmd := &cobra.Command{
		Use:   "revoke <token>",
		Short: "Revoke a bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *persistence.Store) error {
				ok, err := store.RevokeToken(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("token not found")
				}
				fmt.Fprintln(cmd.OutOrStdout(), "revoked")
				return nil
			})
		},
	}

	tokenCmd.AddCommand(issueCmd, revokeCmd)
	return tokenCmd
}

func newCampaignCommand(ctx *commandContext) *cobra.Command {
	campaignCmd := &cobra.Command{
		Use:   "campaign",
		Short: "Manage outbound campaigns",
	}

	var (
		agent       string
		concurrency int
	)
	createCmd := &cobra.Command{
		Use:   "create <client> <name>",
		Short: "Create a draft campaign for a client",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *persistence.Store) error {
				owner, err := lookupUser(cmd.Context(), store, args[0])
				if err != nil {
					return err
				}
				id, err := store.CreateCampaign(cmd.Context(), persistence.Campaign{
					ClientID:         owner.ID,
					Name:             args[1],
					AgentID:          agent,
					ConcurrencyLevel: concurrency,
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	createCmd.Flags().StringVar(&agent, "agent", "", "Voice agent id used for the campaign's calls")
	createCmd.Flags().IntVar(&concurrency, "concurrency", 0, "Default dispatch concurrency (0 uses the configured default)")

	var client string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List campaigns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *persistence.Store) error {
				clientID := ""
				if client != "" {
					owner, err := lookupUser(cmd.Context(), store, client)
					if err != nil {
						return err
					}
					clientID = owner.ID
				}
				campaigns, err := store.ListCampaigns(cmd.Context(), clientID)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(campaigns))
				for _, c := range campaigns {
					rows = append(rows, []string{c.ID, c.Name, c.Status, c.AgentID, strconv.Itoa(c.ConcurrencyLevel)})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Name", "Status", "Agent", "Concurrency"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
				))
				return nil
			})
		},
	}
	listCmd.Flags().StringVar(&client, "client", "", "Only campaigns of this client (id or email)")

	setCmd := &cobra.Command{
		Use:   "set <campaign> <status|agent|concurrency> <value>",
		Short: "Update a campaign field",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *persistence.Store) error {
				id, field, value := args[0], args[1], args[2]
				switch field {
				case "status":
					switch value {
					case persistence.CampaignDraft, persistence.CampaignRunning, persistence.CampaignPaused, persistence.CampaignCompleted:
					default:
						return fmt.Errorf("unknown campaign status %q", value)
					}
					return store.SetCampaignStatus(cmd.Context(), id, value)
				case "agent":
					return store.SetCampaignAgent(cmd.Context(), id, value)
				case "concurrency":
					n, err := strconv.Atoi(value)
					if err != nil || n < 0 {
						return fmt.Errorf("concurrency must be a non-negative integer")
					}
					return store.SetCampaignConcurrency(cmd.Context(), id, n)
				}
				return fmt.Errorf("unknown campaign field %q", field)
			})
		},
	}

	campaignCmd.AddCommand(createCmd, listCmd, setCmd)
	return campaignCmd
}

func newLeadCommand(ctx *commandContext) *cobra.Command {
	leadCmd := &cobra.Command{
		Use:   "lead",
		Short: "Manage campaign leads",
	}

	var (
		name     string
		email    string
		assignee string
	)
	addCmd := &cobra.Command{
		Use:   "add <campaign> <phone>",
		Short: "Add a lead to a campaign",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *persistence.Store) error {
				if _, err := store.GetCampaign(cmd.Context(), args[0]); err != nil {
					return fmt.Errorf("campaign %s: %w", args[0], err)
				}
				l := persistence.Lead{CampaignID: args[0], Phone: args[1], Name: name, Email: email}
				if assignee != "" {
					u, err := lookupUser(cmd.Context(), store, assignee)
					if err != nil {
						return err
					}
					l.AssignedTo = u.ID
				}
				id, err := store.AddLead(cmd.Context(), l)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	addCmd.Flags().StringVar(&name, "name", "", "Lead name")
	addCmd.Flags().StringVar(&email, "email", "", "Lead email")
	addCmd.Flags().StringVar(&assignee, "assign", "", "Telecaller (id or email) the lead is assigned to")

	listCmd := &cobra.Command{
		Use:   "list <campaign>",
		Short: "List a campaign's leads",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *persistence.Store) error {
				leads, err := store.ListLeads(cmd.Context(), persistence.LeadFilter{CampaignID: args[0]})
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(leads))
				for _, l := range leads {
					rows = append(rows, []string{l.ID, l.Name, l.Phone, l.Status, l.AssignedTo})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"ID", "Name", "Phone", "Status", "Assigned"}, rows, nil))
				return nil
			})
		},
	}

	assignCmd := &cobra.Command{
		Use:   "assign <lead> <user>",
		Short: "Assign a lead to a telecaller",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *persistence.Store) error {
				u, err := lookupUser(cmd.Context(), store, args[1])
				if err != nil {
					return err
				}
				return store.AssignLead(cmd.Context(), args[0], u.ID)
			})
		},
	}

	leadCmd.AddCommand(addCmd, listCmd, assignCmd)
	return leadCmd
}
