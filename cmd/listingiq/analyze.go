package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/listingiq/listingiq/internal/config"
	"github.com/listingiq/listingiq/internal/job"
	"github.com/listingiq/listingiq/internal/llm"
	"github.com/listingiq/listingiq/internal/queue"
)

// cliOwner owns jobs submitted from the command line.
const cliOwner = "cli"

func newAnalyzeCmd(cfg func() *config.Config) *cobra.Command {
	var (
		req        job.CreateRequest
		manualPath string
		mode       string
	)
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Analyze one property in-process and print the job as JSON",
		Example: `  listingiq analyze --address "123 Main St, Springfield"
  listingiq analyze --address "9 Elm Rd" --manual listing.yaml --mode sequential`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := *cfg()
			if mode != "" {
				c.SectionMode = mode
			}
			if manualPath != "" {
				md, err := readManualData(manualPath)
				if err != nil {
					return err
				}
				req.ManualData = md
			}
			if err := req.Validate(); err != nil {
				return err
			}

			gw, _, err := newGateway(cmd.Context(), &c)
			if err != nil {
				return err
			}
			j, err := runAnalyze(cmd.Context(), &c, gw, req.Input(), cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if j.Status != job.StatusCompleted {
				return fmt.Errorf("analysis %s: %s", j.Status, j.ErrorMessage)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.PropertyAddress, "address", "", "property address (required)")
	cmd.Flags().StringVar(&req.PropertyTitle, "title", "", "listing title")
	cmd.Flags().StringVar(&manualPath, "manual", "", "YAML file with manual property data")
	cmd.Flags().StringVar(&mode, "mode", "", "section mode: concurrent or sequential")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}

// readManualData loads manual property attributes from a YAML file.
func readManualData(path string) (*job.ManualPropertyData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manual data: %w", err)
	}
	var md job.ManualPropertyData
	if err := yaml.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("parse manual data %s: %w", path, err)
	}
	return &md, nil
}

// runAnalyze runs one job on a private queue, writing progress lines to progress
// and the final job as indented JSON to out.
func runAnalyze(ctx context.Context, cfg *config.Config, gen llm.Generator, in job.PropertyInput, out, progress io.Writer) (*job.Job, error) {
	q := queue.New(cfg, job.NewMemoryStore(), gen)
	q.Start(ctx)
	defer q.Stop()

	var (
		mu       sync.Mutex
		lastLine string
	)
	done := make(chan *job.Job, 1)
	observer := func(_ context.Context, j *job.Job) error {
		line := fmt.Sprintf("[%3d%%] %s", j.Progress, j.Status)
		if j.CurrentSection != "" {
			line += " " + j.CurrentSection
		}
		mu.Lock()
		if line != lastLine {
			fmt.Fprintln(progress, line)
			lastLine = line
		}
		mu.Unlock()
		if j.Status.IsTerminal() {
			select {
			case done <- j:
			default:
			}
		}
		return nil
	}

	id, err := q.Submit(cliOwner, in, observer)
	if err != nil {
		return nil, err
	}

	var final *job.Job
	select {
	case final = <-done:
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	case <-ctx.Done():
		q.Cancel(id, cliOwner)
		return nil, ctx.Err()
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(final); err != nil {
		return nil, err
	}
	return final, nil
}
