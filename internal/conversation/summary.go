// ABOUTME: Summary generation for summary-mode merges
// ABOUTME: Falls back to a deterministic basic summary whenever the Summarizer cannot deliver

package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/2389/coven-branches/internal/store"
)

// Summarizer produces a summary of a branch's messages, e.g. through an LLM
type Summarizer interface {
	Summarize(ctx context.Context, req SummaryRequest) (string, error)
}

// SummaryRequest is the input to a Summarizer
type SummaryRequest struct {
	PathName string
	// Prompt optionally steers the summary
	Prompt   string
	Messages []*store.Message
}

var errEmptySummary = errors.New("summarizer returned empty text")

// basicSummary is the fallback content for a summary merge
func basicSummary(pathName string, n int) string {
	noun := "messages"
	if n == 1 {
		noun = "message"
	}
	return fmt.Sprintf("Merged %d %s from branch \"%s\".", n, noun, pathName)
}

// resolveSummary returns the summary content and, when the fallback was used, a warning
func (s *Service) resolveSummary(ctx context.Context, plan *mergePlan, req *MergeRequest) (string, string) {
	if req.SummaryContent != "" {
		return req.SummaryContent, ""
	}
	fallback := basicSummary(plan.source.Name, len(plan.messages))
	if s.summarizer == nil {
		return fallback, "AI summary unavailable; used basic summary"
	}

	sctx, cancel := context.WithTimeout(ctx, s.summaryTimeout)
	defer cancel()

	text, err := s.summarizer.Summarize(sctx, SummaryRequest{
		PathName: plan.source.Name,
		Prompt:   req.SummaryPrompt,
		Messages: plan.messages,
	})
	if err == nil && strings.TrimSpace(text) == "" {
		err = errEmptySummary
	}
	if err != nil {
		s.logger.Warn("AI summary failed, using basic summary",
			"source_path_id", plan.source.ID,
			"error", err)
		return fallback, "AI summary failed; used basic summary"
	}
	return truncateRunes(strings.TrimSpace(text), MaxSummaryContentLength), ""
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
