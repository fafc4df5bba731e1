package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shehryarbajwa/examflow/internal/dashboard"
	"github.com/shehryarbajwa/examflow/internal/registry"
	"github.com/shehryarbajwa/examflow/internal/transport"
	"github.com/shehryarbajwa/examflow/internal/workflow"
	"github.com/shehryarbajwa/examflow/pkg/auth"
	"github.com/shehryarbajwa/examflow/pkg/models"
)

// errSessionFailed makes the process exit non-zero when the automation fails
var errSessionFailed = errors.New("automation failed")

var runCmd = &cobra.Command{
	Use:   "run <examId>",
	Short: "Run an exam automation and answer its questions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		orch := workflow.New(newDialer(), workflow.WithToken(viper.GetString("token")), workflow.WithLogger(slog.Default()))
		defer orch.Close()

		if err := orch.Start(args[0], userID); err != nil {
			return err
		}
		return finish(ctx, orch, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

var applyCmd = &cobra.Command{
	Use:   "apply <examId>",
	Short: "Apply for an exam and run its automation",
	Long: `apply records an application in the registry, runs the automation and
keeps the application's status in step with the run.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		out := cmd.OutOrStdout()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		token := viper.GetString("token")
		client := registry.NewClient(viper.GetString("registry"), token)
		runner := dashboard.NewRunner(client, newDialer(), dashboard.WithToken(token), dashboard.WithLogger(slog.Default()))

		run, err := runner.Apply(ctx, args[0], userID)
		if errors.Is(err, registry.ErrConflict) {
			return fmt.Errorf("you already have an active application for exam %s", args[0])
		}
		if err != nil {
			return err
		}
		defer run.Close()
		fmt.Fprintln(out, styleLabel.Render("Application "+run.Application.ID+" created for "+run.Application.ExamName))

		err = finish(ctx, run.Orchestrator, cmd.InOrStdin(), out)
		if ctx.Err() != nil {
			run.Close()
		}

		// Give the registry update a moment to land before exiting.
		waitCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if _, recErr := run.Result(waitCtx); recErr != nil {
			fmt.Fprintln(out, styleWarning.Render("Could not update application: "+recErr.Error()))
		}
		return err
	},
}

var examsCmd = &cobra.Command{
	Use:   "exams",
	Short: "List exams open for automation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := registry.NewClient(viper.GetString("registry"), viper.GetString("token"))
		exams, err := client.ListExams(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(exams) == 0 {
			fmt.Fprintln(out, styleLabel.Render("No exams are open for automation"))
			return nil
		}
		for _, e := range exams {
			fmt.Fprintln(out, renderExam(e))
		}
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a worker token for local testing",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		role, _ := cmd.Flags().GetString("role")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		signer, err := auth.NewSigner(viper.GetString("jwt-secret"), ttl)
		if err != nil {
			return fmt.Errorf("%w (set --jwt-secret or EXAMFLOW_JWT_SECRET)", err)
		}
		token, err := signer.Issue(userID, role)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{runCmd, applyCmd, tokenCmd} {
		c.Flags().String("user", "", "user id the automation acts for")
		_ = c.MarkFlagRequired("user")
	}

	tokenCmd.Flags().String("role", auth.RoleUser, "role claim (user or admin)")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	tokenCmd.Flags().String("jwt-secret", "", "HS256 secret shared with the worker")
	_ = viper.BindPFlag("jwt-secret", tokenCmd.Flags().Lookup("jwt-secret"))
}

func newDialer() *transport.WebSocketDialer {
	return transport.NewWebSocketDialer(viper.GetString("server")).WithLogger(slog.Default())
}

// finish runs the terminal loop and reports the outcome
func finish(ctx context.Context, client sessionClient, in io.Reader, out io.Writer) error {
	s, err := newTerminal(client, out).run(ctx, in)
	fmt.Fprintln(out)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(out, styleWarning.Render("Cancelled"))
		}
		return err
	}
	if s.Status == models.StatusFailed {
		return errSessionFailed
	}
	fmt.Fprintln(out, styleSuccess.Render("Done"))
	return nil
}
