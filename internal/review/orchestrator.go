package review

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Stage is the orchestrator's current phase.
type Stage int

const (
	StageBatching Stage = iota
	StageConsolidation
	StageDone
)

// Finding is one reviewer-reported issue.
type Finding struct {
	Title      string
	FilePath   string
	LineStart  int
	LineEnd    int
	Priority   string
	Confidence float64
}

// Output is what one review turn (batch or consolidation) returns.
type Output struct {
	Findings []Finding
	Summary  string
}

// PromptRequest is the prompt the orchestrator wants run next: Prompt is the
// review turn's input, Hint is the Review op's user_facing_hint, and
// StatusLine is a separate, standalone status line meant for the UI/history
// feed (e.g. ">> Batch 2/5: ~12 files, +340/-12 lines <<").
type PromptRequest struct {
	Prompt     string
	Hint       string
	StatusLine string
}

// DefaultBatchPromptTemplate and DefaultConsolidationPromptTemplate are
// filled in via strings.Replace against the placeholders below.
const (
	DefaultBatchPromptTemplate = "Review the following files changed relative to {base} " +
		"(batch {batch_index}/{batch_total}, {size_hint}):\n\n{file_list}\n\n" +
		"Report concrete, actionable findings only."

	DefaultConsolidationPromptTemplate = "Consolidate the review findings below (vs {base}).\n\n" +
		"Stats: {stats}\n\nClusters:\n{clusters}\n\n" +
		"Merge duplicates within a cluster and produce one final finding list."
)

// Runner executes one review turn (batch or consolidation) given a fully
// rendered prompt, and returns the structured output.
type Runner interface {
	RunReview(ctx context.Context, prompt string) (Output, error)
}

// StatusFunc receives a short human-facing status line as the orchestrator
// advances (e.g. ">> Batch 2/5: ~12 files, +340/-12 lines <<").
type StatusFunc func(line string)

// Orchestrator drives a branch review from numstat collection through
// per-batch review turns to a final consolidation pass.
type Orchestrator struct {
	Base    string
	Reason  string
	Batches []Batch
	idx     int
	acc     []Finding
	stage   Stage

	batchPromptTmpl        string
	consolidationPromptTmpl string
}

// NewOrchestrator collects the branch diff against base, chunks it into
// batches under limits, and returns an Orchestrator ready to Start.
func NewOrchestrator(ctx context.Context, base, reason string, limits ChunkLimits) (*Orchestrator, error) {
	rows, err := CollectBranchNumstat(ctx, base)
	if err != nil {
		rows = nil
	}
	batches := ScoreAndChunk(rows, limits)
	return &Orchestrator{
		Base:                    base,
		Reason:                  reason,
		Batches:                 batches,
		stage:                   StageBatching,
		batchPromptTmpl:         DefaultBatchPromptTemplate,
		consolidationPromptTmpl: DefaultConsolidationPromptTemplate,
	}, nil
}

// WithTemplates overrides the batch and consolidation prompt templates.
func (o *Orchestrator) WithTemplates(batchTmpl, consolidationTmpl string) *Orchestrator {
	o.batchPromptTmpl = batchTmpl
	o.consolidationPromptTmpl = consolidationTmpl
	return o
}

// IsRunning reports whether the orchestrator has more work to do.
func (o *Orchestrator) IsRunning() bool { return o.stage != StageDone }

// HasBatches reports whether any batches were produced from the diff.
func (o *Orchestrator) HasBatches() bool { return len(o.Batches) > 0 }

// CurrentStage returns the current stage.
func (o *Orchestrator) CurrentStage() Stage { return o.stage }

// Start begins the review. It returns the first batch's prompt request, or
// nil if there are no batches (the orchestrator moves straight to Done).
func (o *Orchestrator) Start() *PromptRequest {
	if len(o.Batches) == 0 {
		o.stage = StageDone
		return nil
	}
	return o.batchPromptRequest()
}

// OnBatchResult folds a completed batch's findings into the accumulator and
// returns the next batch's prompt request, or the consolidation request once
// every batch has run.
func (o *Orchestrator) OnBatchResult(output Output) *PromptRequest {
	o.acc = append(o.acc, output.Findings...)
	o.idx++
	if o.idx < len(o.Batches) {
		return o.batchPromptRequest()
	}
	o.stage = StageConsolidation
	return o.consolidationPromptRequest()
}

// OnConsolidationResult marks the orchestrator done. The consolidation
// turn's own output is the final answer; callers read it directly from the
// Runner call that produced it.
func (o *Orchestrator) OnConsolidationResult(_ Output) {
	o.stage = StageDone
}

func (o *Orchestrator) batchPromptRequest() *PromptRequest {
	k := o.idx + 1
	n := len(o.Batches)
	batch := o.Batches[o.idx]

	files := make([]string, len(batch.Files))
	for i, f := range batch.Files {
		files[i] = f.Path
	}
	sizeHint := fmt.Sprintf("~%d files, +%d/-%d lines", len(batch.Files), batch.TotalAdded, batch.TotalDeleted)

	prompt := templateReplace(o.batchPromptTmpl, map[string]string{
		"{base}":         o.Base,
		"{batch_index}":  fmt.Sprintf("%d", k),
		"{batch_total}":  fmt.Sprintf("%d", n),
		"{size_hint}":    sizeHint,
		"{file_list}":    strings.Join(files, "\n"),
	})

	hint := fmt.Sprintf("batch %d/%d vs %s (%s)", k, n, o.Base, o.Reason)
	statusLine := fmt.Sprintf(">> Batch %d/%d: %s <<", k, n, sizeHint)
	return &PromptRequest{Prompt: prompt, Hint: hint, StatusLine: statusLine}
}

func (o *Orchestrator) consolidationPromptRequest() *PromptRequest {
	clustersText, statsText := buildConsolidationPackage(o.acc)
	prompt := templateReplace(o.consolidationPromptTmpl, map[string]string{
		"{base}":     o.Base,
		"{stats}":    statsText,
		"{clusters}": clustersText,
	})
	hint := fmt.Sprintf("consolidation vs %s", o.Base)
	statusLine := ">> Consolidating batch findings (final pass)… <<"
	return &PromptRequest{Prompt: prompt, Hint: hint, StatusLine: statusLine}
}

func templateReplace(tmpl string, vals map[string]string) string {
	out := tmpl
	for k, v := range vals {
		out = strings.ReplaceAll(out, k, v)
	}
	return out
}

// Run drives the orchestrator to completion using runner for each prompt,
// invoking status (if non-nil) before each turn, and returns the final
// consolidation output.
func (o *Orchestrator) Run(ctx context.Context, runner Runner, status StatusFunc) (Output, error) {
	req := o.Start()
	if req == nil {
		return Output{}, nil
	}

	for o.IsRunning() {
		if status != nil {
			status(req.StatusLine)
		}
		out, err := runner.RunReview(ctx, req.Prompt)
		if err != nil {
			return Output{}, fmt.Errorf("review turn failed: %w", err)
		}
		if o.stage == StageConsolidation {
			o.OnConsolidationResult(out)
			return out, nil
		}
		req = o.OnBatchResult(out)
	}
	return Output{}, nil
}

// buildConsolidationPackage clusters findings by same file, line proximity
// (<=5 apart), and a matching first title word, then renders a compact
// textual package plus a one-line stats summary — keeping the consolidation
// prompt small regardless of how many batch findings accumulated.
func buildConsolidationPackage(findings []Finding) (clustersText, statsText string) {
	sorted := append([]Finding(nil), findings...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].FilePath != sorted[j].FilePath {
			return sorted[i].FilePath < sorted[j].FilePath
		}
		return sorted[i].LineStart < sorted[j].LineStart
	})

	var clusters [][]Finding
	for _, f := range sorted {
		placed := false
		for i, c := range clusters {
			head := c[0]
			sameFile := head.FilePath == f.FilePath
			near := abs(head.LineStart-f.LineStart) <= 5
			titleSimilar := firstWord(head.Title) == firstWord(f.Title)
			if sameFile && near && titleSimilar {
				clusters[i] = append(clusters[i], f)
				placed = true
				break
			}
		}
		if !placed {
			clusters = append(clusters, []Finding{f})
		}
	}

	var out strings.Builder
	for i, c := range clusters {
		fmt.Fprintf(&out, "\n- cluster %d:\n", i)
		for _, f := range c {
			fmt.Fprintf(&out, "  - %s | %s:%d-%d | p=%s | conf=%.2f\n",
				f.Title, f.FilePath, f.LineStart, f.LineEnd, f.Priority, f.Confidence)
		}
	}
	stats := fmt.Sprintf("total_findings: %d total_clusters: %d", len(findings), len(clusters))
	return out.String(), stats
}

func firstWord(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
