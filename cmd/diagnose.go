package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/brandpulse/internal/engine"
)

var (
	diagnoseBrand         string
	diagnoseCompetitors   []string
	diagnoseQuestions     []string
	diagnoseQuestionsFile string
	diagnoseModels        []string
	diagnoseTimeout       time.Duration
)

// questionsFile is the YAML shape accepted by --questions-file. Templates
// may reference {brandName} and {competitorBrand}.
type questionsFile struct {
	Questions []string `yaml:"questions"`
}

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Run one brand diagnostic and print the final snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		questions := diagnoseQuestions
		if diagnoseQuestionsFile != "" {
			fromFile, err := loadQuestions(diagnoseQuestionsFile)
			if err != nil {
				return err
			}
			questions = append(questions, fromFile...)
		}

		models := diagnoseModels
		if len(models) == 0 {
			models = e.Registry.List()
		}
		if len(models) == 0 {
			return eris.New("no models requested and no providers configured")
		}

		id, err := e.Engine.Submit(ctx, engine.SubmitRequest{
			MainBrand:        diagnoseBrand,
			CompetitorBrands: diagnoseCompetitors,
			Questions:        questions,
			Models:           models,
			TimeoutHint:      diagnoseTimeout,
		})
		if err != nil {
			return err
		}

		zap.L().Info("diagnostic started",
			zap.String("execution_id", id),
			zap.Int("questions", len(questions)),
			zap.Strings("models", models),
		)

		if err := e.Engine.Wait(ctx, id); err != nil {
			return err
		}

		snap, err := e.Engine.Snapshot(id)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(snap), "encode snapshot")
	},
}

func loadQuestions(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read questions file %s", path)
	}
	var qf questionsFile
	if err := yaml.Unmarshal(data, &qf); err != nil {
		return nil, eris.Wrapf(err, "parse questions file %s", path)
	}
	if len(qf.Questions) == 0 {
		return nil, eris.Errorf("questions file %s contains no questions", path)
	}
	return qf.Questions, nil
}

func init() {
	diagnoseCmd.Flags().StringVar(&diagnoseBrand, "brand", "", "main brand to diagnose (required)")
	diagnoseCmd.Flags().StringSliceVar(&diagnoseCompetitors, "competitors", nil, "competitor brands for prompt templating")
	diagnoseCmd.Flags().StringSliceVar(&diagnoseQuestions, "questions", nil, "question templates")
	diagnoseCmd.Flags().StringVar(&diagnoseQuestionsFile, "questions-file", "", "YAML file with question templates")
	diagnoseCmd.Flags().StringSliceVar(&diagnoseModels, "models", nil, "provider ids to fan out to (default: all configured)")
	diagnoseCmd.Flags().DurationVar(&diagnoseTimeout, "timeout", 0, "execution deadline override")
	_ = diagnoseCmd.MarkFlagRequired("brand")
	rootCmd.AddCommand(diagnoseCmd)
}
