package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/kirillkom/lexrag/internal/core/domain"
)

func newAskCommand(s *session) *cobra.Command {
	var req domain.AnswerRequest
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question from the sources of one jurisdiction",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Query = strings.Join(args, " ")
			backend, err := s.get()
			if err != nil {
				return err
			}
			answers, err := backend.Answers(cmd.Context())
			if err != nil {
				return err
			}
			answer, err := answers.Answer(cmd.Context(), req)
			if err != nil {
				return err
			}
			return writeStructured(cmd.OutOrStdout(), outputJSON, answer)
		},
	}
	cmd.Flags().StringVar(&req.Jurisdiction, "jurisdiction", "", "jurisdiction to answer from, e.g. DE")
	cmd.Flags().StringVar(&req.SubJurisdiction, "sub-jurisdiction", "", "optional sub-jurisdiction filter")
	cmd.Flags().StringVar(&req.Language, "language", "", "answer language code")
	_ = cmd.MarkFlagRequired("jurisdiction")
	return cmd
}
