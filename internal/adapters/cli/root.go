// Package cli is the lexctl command tree.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kirillkom/lexrag/internal/core/domain"
	"github.com/kirillkom/lexrag/internal/core/ports"
)

// Backend resolves the dependencies of each command lazily, so read-only
// commands do not need a broker or database.
type Backend interface {
	Jobs() []domain.IngestionJob
	Location() *time.Location
	Trigger(ctx context.Context) (ports.JobTrigger, error)
	RunStore(ctx context.Context) (ports.JobRunStore, error)
	Ingestor(ctx context.Context) (ports.DocumentIngestor, error)
	Answers(ctx context.Context) (ports.AnswerService, error)
}

const (
	outputTable = "table"
	outputYAML  = "yaml"
	outputJSON  = "json"
)

// Opener loads configuration from configPath and returns the backend.
type Opener func(configPath string) (Backend, error)

// session opens the backend once, after flags are parsed.
type session struct {
	open       Opener
	configPath string
	backend    Backend
}

func (s *session) get() (Backend, error) {
	if s.backend != nil {
		return s.backend, nil
	}
	backend, err := s.open(s.configPath)
	if err != nil {
		return nil, err
	}
	s.backend = backend
	return backend, nil
}

func NewRootCommand(open Opener) *cobra.Command {
	s := &session{open: open}
	root := &cobra.Command{
		Use:           "lexctl",
		Short:         "Operate the legal source ingestion and retrieval service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&s.configPath, "config", "", "config file (default $LEXRAG_CONFIG or configs/lexrag.yaml)")
	root.AddCommand(
		newJobsCommand(s),
		newIngestCommand(s),
		newAskCommand(s),
	)
	return root
}

func validateOutput(format string) error {
	switch format {
	case outputTable, outputYAML, outputJSON:
		return nil
	default:
		return domain.WrapError(domain.ErrInvalidInput, "output", fmt.Errorf("unknown format %q", format))
	}
}

func writeStructured(w io.Writer, format string, v any) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
}
