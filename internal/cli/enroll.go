// Package cli provides enrollment commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/visionarychurch/followup/internal/db"
	"github.com/visionarychurch/followup/internal/models"
)

var (
	enrollSequence string
	enrollMember   string
	enrollVisitor  string
	enrollPrayer   string
	enrollEmail    string
	enrollPhone    string
	enrollTimezone string
	enrollData     []string
	enrollBoost    int

	enrollmentsListSequence string
	enrollmentsListStatus   string
	enrollmentsListLimit    int
	enrollmentsCancelReason string
)

func init() {
	rootCmd.AddCommand(enrollCmd)
	rootCmd.AddCommand(enrollmentsCmd)
	enrollmentsCmd.AddCommand(enrollmentsListCmd)
	enrollmentsCmd.AddCommand(enrollmentsShowCmd)
	enrollmentsCmd.AddCommand(enrollmentsCancelCmd)

	flags := enrollCmd.Flags()
	flags.StringVar(&enrollSequence, "sequence", "", "sequence id")
	flags.StringVar(&enrollMember, "member", "", "member id")
	flags.StringVar(&enrollVisitor, "visitor", "", "visitor id")
	flags.StringVar(&enrollPrayer, "prayer-request", "", "prayer request id")
	flags.StringVar(&enrollEmail, "email", "", "recipient email")
	flags.StringVar(&enrollPhone, "phone", "", "recipient phone (E.164)")
	flags.StringVar(&enrollTimezone, "timezone", "", "recipient IANA timezone")
	flags.StringArrayVar(&enrollData, "data", nil, "enrollment data as key=value (repeatable)")
	flags.IntVar(&enrollBoost, "priority-boost", 0, "added to the sequence priority")
	_ = enrollCmd.MarkFlagRequired("sequence")

	enrollmentsListCmd.Flags().StringVar(&enrollmentsListSequence, "sequence", "", "filter by sequence id")
	enrollmentsListCmd.Flags().StringVar(&enrollmentsListStatus, "status", "", "filter by status (active, paused, completed, cancelled)")
	enrollmentsListCmd.Flags().IntVar(&enrollmentsListLimit, "limit", 50, "maximum rows")
	enrollmentsCancelCmd.Flags().StringVar(&enrollmentsCancelReason, "reason", models.CancelReasonManual, "cancellation reason")
}

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Enroll one recipient into a sequence",
	Long:  "Enroll one recipient. Exactly one of --member, --visitor or --prayer-request is required.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		tenant, err := requireTenant()
		if err != nil {
			return err
		}
		data, err := parseKeyValues(enrollData)
		if err != nil {
			return err
		}

		engine, err := openEngine(ctx, false)
		if err != nil {
			return err
		}
		defer engine.Close()

		e, err := engine.Manager.Enroll(ctx, tenant, models.EnrollRequest{
			SequenceID: enrollSequence,
			RecipientRef: models.RecipientRef{
				MemberID:        enrollMember,
				VisitorID:       enrollVisitor,
				PrayerRequestID: enrollPrayer,
			},
			Contact: models.Contact{
				Email:    enrollEmail,
				Phone:    enrollPhone,
				Timezone: enrollTimezone,
			},
			TriggerEvent:   models.TriggerManual,
			EnrollmentData: data,
			PriorityBoost:  enrollBoost,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(out, e)
		}
		fmt.Fprintf(out, "Enrolled %s (ID: %s), first send %s\n", e.RecipientKey, e.ID, formatOptionalTime(e.NextSendAt))
		return nil
	},
}

var enrollmentsCmd = &cobra.Command{
	Use:   "enrollments",
	Short: "Inspect and manage enrollments",
}

var enrollmentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a tenant's enrollments",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, err := requireTenant()
		if err != nil {
			return err
		}
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		items, err := db.NewEnrollmentRepository(database).List(context.Background(), models.EnrollmentFilters{
			TenantID:   tenant,
			SequenceID: enrollmentsListSequence,
			Status:     models.EnrollmentStatus(enrollmentsListStatus),
			Limit:      enrollmentsListLimit,
		})
		if err != nil {
			return fmt.Errorf("failed to list enrollments: %w", err)
		}

		out := cmd.OutOrStdout()
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(out, items)
		}
		rows := make([][]string, 0, len(items))
		for _, e := range items {
			rows = append(rows, []string{
				e.ID,
				e.RecipientKey,
				formatEnrollmentStatus(e.Status),
				fmt.Sprintf("%d", e.CurrentStep),
				formatOptionalTime(e.NextSendAt),
			})
		}
		return writeTable(out, []string{"ID", "RECIPIENT", "STATUS", "STEP", "NEXT SEND"}, rows)
	},
}

var enrollmentsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show an enrollment and its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		e, err := db.NewEnrollmentRepository(database).Get(ctx, args[0])
		if err != nil {
			return err
		}
		messages, err := db.NewMessageRepository(database).List(ctx, db.MessageQuery{EnrollmentID: e.ID})
		if err != nil {
			return fmt.Errorf("failed to list messages: %w", err)
		}

		timeline, err := db.NewEventRepository(database).Timeline(ctx, e.ID, 0)
		if err != nil {
			return fmt.Errorf("failed to load timeline: %w", err)
		}

		out := cmd.OutOrStdout()
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(out, map[string]any{"enrollment": e, "messages": messages, "events": timeline})
		}

		fmt.Fprintf(out, "Enrollment %s\n", e.ID)
		fmt.Fprintf(out, "  Sequence:  %s\n", e.SequenceID)
		fmt.Fprintf(out, "  Recipient: %s\n", e.RecipientKey)
		fmt.Fprintf(out, "  Status:    %s\n", formatEnrollmentStatus(e.Status))
		fmt.Fprintf(out, "  Step:      %d\n", e.CurrentStep)
		fmt.Fprintf(out, "  Next send: %s\n", formatOptionalTime(e.NextSendAt))
		if e.CancelReason != "" {
			fmt.Fprintf(out, "  Cancelled: %s\n", e.CancelReason)
		}
		if len(messages) > 0 {
			fmt.Fprintln(out)
			rows := make([][]string, 0, len(messages))
			for _, m := range messages {
				rows = append(rows, []string{
					fmt.Sprintf("%d", m.StepOrder),
					string(m.Channel),
					formatMessageStatus(m.Status),
					fmt.Sprintf("%d/%d", m.RetryCount, m.MaxRetries),
					formatOptionalTime(m.SentAt),
					truncate(m.ErrorMessage, maxCellWidth),
				})
			}
			if err := writeTable(out, []string{"STEP", "CHANNEL", "STATUS", "RETRIES", "SENT", "ERROR"}, rows); err != nil {
				return err
			}
		}

		if len(timeline) > 0 {
			fmt.Fprintln(out)
			rows := make([][]string, 0, len(timeline))
			for _, ev := range timeline {
				rows = append(rows, []string{ev.Timestamp.UTC().Format(time.RFC3339), string(ev.Type), ev.EntityID})
			}
			return writeTable(out, []string{"TIME", "EVENT", "ENTITY"}, rows)
		}
		return nil
	},
}

var enrollmentsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel an enrollment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		if enrollmentsCancelReason == "" {
			return errors.New("--reason must not be empty")
		}

		engine, err := openEngine(ctx, false)
		if err != nil {
			return err
		}
		defer engine.Close()

		e, err := engine.Manager.Cancel(ctx, args[0], enrollmentsCancelReason)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(out, e)
		}
		fmt.Fprintf(out, "Enrollment %s is %s\n", e.ID, e.Status)
		return nil
	},
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
