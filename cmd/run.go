package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/claims-cli/internal/model"
)

var (
	runEmailPath string
	runOCRPath   string
	runEmailID   string
	runFilename  string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process a single claim from extraction files",
	Long:  "Creates a job from email and OCR extraction JSON files, runs it through the full pipeline, and prints the final job state.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		email, err := loadExtraction(runEmailPath, model.SourceEmail)
		if err != nil {
			return err
		}
		ocr, err := loadExtraction(runOCRPath, model.SourceOCR)
		if err != nil {
			return err
		}
		if email == nil && ocr == nil {
			return eris.New("at least one of --email or --ocr is required")
		}

		job, err := env.Store.CreateJob(ctx, &model.Job{
			EmailID:  runEmailID,
			Filename: runFilename,
			Email:    email,
			OCR:      ocr,
		})
		if err != nil {
			return eris.Wrap(err, "create job")
		}

		if err := env.Store.UpdateStatus(ctx, job.ID, model.JobStatusProcessing, ""); err != nil {
			return eris.Wrap(err, "claim job")
		}
		job.Status = model.JobStatusProcessing

		if err := env.Controller.ProcessJob(ctx, job); err != nil {
			return eris.Wrap(err, "process job")
		}

		final, err := env.Store.GetJob(ctx, job.ID)
		if err != nil {
			return eris.Wrap(err, "reload job")
		}

		zap.L().Info("claim processed",
			zap.String("job_id", final.ID),
			zap.String("status", string(final.Status)),
			zap.String("claim_ref", final.ClaimRef),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(final)
	},
}

// loadExtraction reads one extraction JSON file and stamps its source. An
// empty path returns nil without error.
func loadExtraction(path string, source model.Source) (*model.Extraction, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read extraction file %s", path)
	}
	var ext model.Extraction
	if err := json.Unmarshal(data, &ext); err != nil {
		return nil, eris.Wrapf(err, "parse extraction file %s", path)
	}
	ext.Source = source
	return &ext, nil
}

func init() {
	runCmd.Flags().StringVar(&runEmailPath, "email", "", "path to email extraction JSON")
	runCmd.Flags().StringVar(&runOCRPath, "ocr", "", "path to OCR extraction JSON")
	runCmd.Flags().StringVar(&runEmailID, "email-id", "", "source email message ID")
	runCmd.Flags().StringVar(&runFilename, "filename", "", "source attachment filename")
	rootCmd.AddCommand(runCmd)
}
