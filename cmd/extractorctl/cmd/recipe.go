package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Aximande/phospho/pkg/models"
	"github.com/Aximande/phospho/pkg/pipeline"
)

var recipeCmd = &cobra.Command{
	Use:   "recipe",
	Short: "Manage recipes",
}

var recipeRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a recipe over a batch of tasks",
	Long:  `Schedule an event-detection recipe over the tasks listed in the input file ({recipe, tasks}).`,
	RunE:  runRecipe,
}

func init() {
	rootCmd.AddCommand(recipeCmd)
	recipeCmd.AddCommand(recipeRunCmd)

	recipeRunCmd.Flags().StringVarP(&inputFile, "file", "f", "", "input file (YAML or JSON)")
	recipeRunCmd.MarkFlagRequired("file")
}

func runRecipe(cmd *cobra.Command, args []string) error {
	var req models.RunRecipeOnTaskRequest
	if err := readInput(inputFile, &req); err != nil {
		return err
	}
	if len(req.Tasks) > 0 {
		if err := pipeline.CheckRecipe(&req.Recipe); err != nil {
			return err
		}
	}

	res, err := newClient().RunRecipe(cmd.Context(), req)
	if err != nil {
		return err
	}
	return printScheduled(res)
}
