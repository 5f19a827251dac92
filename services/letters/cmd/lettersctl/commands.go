package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"claimsportal/internal/servicetoken"
	"claimsportal/pkg/domain"
	"claimsportal/services/letters/internal/app"
)

const requestTimeout = 2 * time.Minute

type globalOptions struct {
	server   string
	keyPath  string
	keyID    string
	issuer   string
	audience string

	// tokens overrides key loading; set by tests.
	tokens TokenSource
}

func (o *globalOptions) bind(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&o.server, "server", envOr("LETTERS_URL", "http://localhost:8080"), "letters service base url")
	flags.StringVar(&o.keyPath, "key", os.Getenv("LETTERS_CTL_PRIVATE_KEY"), "RSA private key used to sign service tokens")
	flags.StringVar(&o.keyID, "kid", envOr("LETTERS_CTL_KEY_ID", servicetoken.DefaultKeyID), "key id placed in the token header")
	flags.StringVar(&o.issuer, "issuer", envOr("LETTERS_CTL_ISSUER", "lettersctl"), "token issuer")
	flags.StringVar(&o.audience, "audience", envOr("LETTERS_CTL_AUDIENCE", "letters"), "token audience")
}

func (o *globalOptions) client() (*client, error) {
	tokens := o.tokens
	if tokens == nil {
		signer, err := servicetoken.NewSigner(servicetoken.SignerOptions{
			PrivateKeyPath: o.keyPath,
			KeyID:          o.keyID,
			Issuer:         o.issuer,
		})
		if err != nil {
			return nil, fmt.Errorf("creating token signer: %w", err)
		}
		tokens = signer
	}
	return newClient(o.server, o.audience, tokens)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, requestTimeout)
}

func newQueueCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage letter queue entries",
	}
	cmd.AddCommand(newQueueListCmd(opts), newQueueRequeueCmd(opts), newQueueEnqueueCmd(opts))
	return cmd
}

func newQueueListCmd(opts *globalOptions) *cobra.Command {
	var (
		asJSON bool
		status string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue entries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			entries, err := c.ListQueue(ctx)
			if err != nil {
				return fmt.Errorf("listing queue: %w", err)
			}
			if status != "" {
				entries = filterByStatus(entries, status)
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			return printQueue(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	cmd.Flags().StringVar(&status, "status", "", "only show entries with this status (Pending, InProgress, Completed, Failed)")
	return cmd
}

func newQueueRequeueCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <queue-id>",
		Short: "Reset a queue entry to Pending with zero tries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid queue id %q", args[0])
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			entry, err := c.Requeue(ctx, id)
			if err != nil {
				return fmt.Errorf("requeueing entry %d: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued entry %d for claim %s (%s)\n", entry.ID, entry.ClaimNumber, statusLabel(entry.Status))
			return nil
		},
	}
}

func newQueueEnqueueCmd(opts *globalOptions) *cobra.Command {
	var ruleIDs []string
	cmd := &cobra.Command{
		Use:   "enqueue <claim-number>",
		Short: "Queue letter generation for a claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			entry, err := c.Enqueue(ctx, app.EnqueueRequest{ClaimNumber: args[0], RuleIDs: ruleIDs})
			if err != nil {
				return fmt.Errorf("enqueueing claim %s: %w", args[0], err)
			}
			scope := "all matching rules"
			if len(ruleIDs) > 0 {
				scope = "rules " + strings.Join(ruleIDs, ",")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued entry %d for claim %s (%s)\n", entry.ID, entry.ClaimNumber, scope)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&ruleIDs, "rules", nil, "limit generation to these rule ids")
	return cmd
}

func newRulesCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect letter rules",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List letter rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			list, err := c.ListRules(ctx)
			if err != nil {
				return fmt.Errorf("listing rules: %w", err)
			}
			return printRules(cmd.OutOrStdout(), list)
		},
	})
	return cmd
}

func newFilesCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files",
		Short: "Browse generated letters",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List generated letter files, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			files, err := c.ListFiles(ctx)
			if err != nil {
				return fmt.Errorf("listing files: %w", err)
			}
			return printFiles(cmd.OutOrStdout(), files)
		},
	})
	return cmd
}

func newDocumentsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "documents",
		Short: "Inspect generated document records",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list <claim-number>",
		Short: "List document records for a claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			docs, err := c.ListDocuments(ctx, args[0])
			if err != nil {
				return fmt.Errorf("listing documents: %w", err)
			}
			return printDocuments(cmd.OutOrStdout(), docs)
		},
	})
	return cmd
}

func filterByStatus(entries []domain.QueueEntry, status string) []domain.QueueEntry {
	out := entries[:0:0]
	for _, e := range entries {
		if strings.EqualFold(string(e.Status), status) {
			out = append(out, e)
		}
	}
	return out
}

func statusLabel(s domain.QueueStatus) string {
	switch s {
	case domain.QueueCompleted:
		return color.GreenString(string(s))
	case domain.QueueFailed:
		return color.RedString(string(s))
	case domain.QueueInProgress:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func printQueue(out io.Writer, entries []domain.QueueEntry) error {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No queue entries.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCLAIM\tSTATUS\tTRIES\tCREATED\tHOST\tRULES\tLAST ERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			e.ID,
			e.ClaimNumber,
			statusLabel(e.Status),
			e.Tries,
			e.CreatedAt.UTC().Format(time.RFC3339),
			dash(e.ProcessingHostname),
			dash(e.SelectedRuleIDs),
			dash(truncate(e.LastError, 60)),
		)
	}
	return tw.Flush()
}

func printRules(out io.Writer, list []domain.Rule) error {
	if len(list) == 0 {
		fmt.Fprintln(out, "No rules configured.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPRIORITY\tCOVERAGE\tCLAIMANT\tATTORNEY\tDOCUMENT\tTEMPLATE\tACTIVE")
	for _, r := range list {
		claimant := r.Claimant
		if r.ClaimantRole != "" {
			claimant = string(r.ClaimantRole)
		}
		active := color.GreenString("yes")
		if !r.IsActive {
			active = color.RedString("no")
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%t\t%s\t%s\t%s\n",
			r.ID, r.Priority, r.Coverage, dash(claimant), r.HasAttorney, dash(r.DocumentName), dash(r.TemplateFile), active)
	}
	return tw.Flush()
}

func printFiles(out io.Writer, files []app.FileEntry) error {
	if len(files) == 0 {
		fmt.Fprintln(out, "No generated letters.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSIZE\tMODIFIED\tURL")
	for _, f := range files {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", f.Name, f.Size, f.LastModified.UTC().Format(time.RFC3339), f.URL)
	}
	return tw.Flush()
}

func printDocuments(out io.Writer, docs []domain.GeneratedDocument) error {
	if len(docs) == 0 {
		fmt.Fprintln(out, "No documents.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NUMBER\tFILE\tTYPE\tPAGES\tMAIL\tCREATED")
	for _, d := range docs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			d.DocumentNumber, d.FileName, d.GenerationType, d.PageCount, dash(string(d.MailStatus)), d.CreatedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
