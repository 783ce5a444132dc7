package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/Aximande/phospho/pkg/models"
)

var (
	inputFile string
	projectID string
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Run analysis pipelines",
	Long:  `Commands for running the extractor pipelines on tasks, message lists and logs.`,
}

var pipelineTaskCmd = &cobra.Command{
	Use:   "task",
	Short: "Run the main pipeline on a task",
	Long:  `Run event detection, sentiment analysis and scoring on the task described in a YAML or JSON file. The task is not saved.`,
	RunE:  runPipelineTask,
}

var pipelineMessagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Run event detection on a list of messages",
	Long:  `Run event detection on the last message of a chronological list. The file holds a list of {role, content} messages.`,
	RunE:  runPipelineMessages,
}

var pipelineLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Schedule logged tasks for processing",
	Long:  `Send a log batch (project_id, logs_to_process, extra_logs_to_save) to be saved and processed in the background.`,
	RunE:  runPipelineLogs,
}

func init() {
	rootCmd.AddCommand(pipelineCmd)
	pipelineCmd.AddCommand(pipelineTaskCmd)
	pipelineCmd.AddCommand(pipelineMessagesCmd)
	pipelineCmd.AddCommand(pipelineLogsCmd)

	for _, c := range []*cobra.Command{pipelineTaskCmd, pipelineMessagesCmd, pipelineLogsCmd} {
		c.Flags().StringVarP(&inputFile, "file", "f", "", "input file (YAML or JSON)")
		c.MarkFlagRequired("file")
	}
	pipelineMessagesCmd.Flags().StringVar(&projectID, "project", "", "project id")
	pipelineMessagesCmd.MarkFlagRequired("project")
}

func runPipelineTask(cmd *cobra.Command, args []string) error {
	var task models.Task
	if err := readInput(inputFile, &task); err != nil {
		return err
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if err := task.Validate(); err != nil {
		return err
	}

	res, err := newClient().MainTask(cmd.Context(), task)
	if err != nil {
		return err
	}
	return printResults(res)
}

func runPipelineMessages(cmd *cobra.Command, args []string) error {
	var messages []models.Message
	if err := readInput(inputFile, &messages); err != nil {
		return err
	}

	res, err := newClient().MainMessages(cmd.Context(), projectID, messages)
	if err != nil {
		return err
	}
	return printResults(res)
}

func runPipelineLogs(cmd *cobra.Command, args []string) error {
	var req models.LogProcessRequest
	if err := readInput(inputFile, &req); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}

	res, err := newClient().ProcessLogs(cmd.Context(), req)
	if err != nil {
		return err
	}
	return printScheduled(res)
}

func printResults(res *models.PipelineResults) error {
	if IsJSONOutput() {
		return printJSON(res)
	}

	summary := tablewriter.NewWriter(os.Stdout)
	summary.Header("Field", "Value")
	summary.Append("Flag", valueOr(res.Flag, "-"))
	summary.Append("Language", valueOr(res.Language, "-"))
	if res.Sentiment != nil {
		summary.Append("Sentiment", fmt.Sprintf("%s (score %.2f, magnitude %.2f)", res.Sentiment.Label, res.Sentiment.Score, res.Sentiment.Magnitude))
	} else {
		summary.Append("Sentiment", "-")
	}
	summary.Append("Events", fmt.Sprintf("%d", len(res.Events)))
	summary.Render()

	if len(res.Events) == 0 {
		return nil
	}
	fmt.Println()
	events := tablewriter.NewWriter(os.Stdout)
	events.Header("Event", "Source", "Task", "Recipe", "Created")
	for _, e := range res.Events {
		events.Append(
			e.EventName,
			e.Source,
			valueOr(e.TaskID, "-"),
			e.RecipeID,
			e.CreatedAt.Format(time.RFC3339),
		)
	}
	events.Render()
	return nil
}

func printScheduled(res *models.JobsScheduledResponse) error {
	if IsJSONOutput() {
		return printJSON(res)
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Status", "Job Results")
	table.Append(res.Status, fmt.Sprintf("%d", res.NbJobResults))
	table.Render()
	return nil
}

func valueOr(s *string, def string) string {
	if s == nil || *s == "" {
		return def
	}
	return *s
}
