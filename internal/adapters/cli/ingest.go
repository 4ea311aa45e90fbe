package cli

import (
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kirillkom/lexrag/internal/core/domain"
	"github.com/kirillkom/lexrag/internal/infrastructure/collector/localfs"
)

func newIngestCommand(s *session) *cobra.Command {
	var spec domain.SourceSpec
	cmd := &cobra.Command{
		Use:   "ingest <path>",
		Short: "Ingest a local file or directory inline and print batch stats",
		Long: `Runs the ingestion pipeline in this process over a file or directory.
Supported inputs are .jsonl (one document per line), .txt, .md, .html and .pdf.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if spec.Jurisdiction == "" {
				return errors.New("--jurisdiction is required")
			}
			spec.Kind = "localfs"
			spec.Path = args[0]
			spec.Jurisdiction = domain.NormalizeJurisdiction(spec.Jurisdiction)

			collector, err := localfs.New(spec, zap.NewNop())
			if err != nil {
				return err
			}
			backend, err := s.get()
			if err != nil {
				return err
			}
			ingestor, err := backend.Ingestor(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := ingestor.IngestBatch(cmd.Context(), collector.Produce(cmd.Context()))
			if werr := writeStructured(cmd.OutOrStdout(), outputYAML, stats); werr != nil {
				return werr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&spec.Jurisdiction, "jurisdiction", "", "jurisdiction code of the documents, e.g. DE")
	cmd.Flags().StringVar(&spec.SubJurisdiction, "sub-jurisdiction", "", "sub-jurisdiction code, e.g. BY")
	cmd.Flags().StringVar(&spec.DocumentType, "document-type", "", "document type tag")
	cmd.Flags().StringVar(&spec.Language, "language", "", "document language code")
	return cmd
}
