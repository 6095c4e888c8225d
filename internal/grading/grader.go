package grading

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/000haoji/deep-student-sub006/internal/apperr"
	"github.com/000haoji/deep-student-sub006/internal/llm"
	"github.com/000haoji/deep-student-sub006/internal/logging"
)

// scoringRole is the model-assignment role the grader resolves. When no model
// is assigned to it the default chat model is used.
const scoringRole = "scoring"

// Result is one finished grade.
type Result struct {
	Verdict  string
	Score    int
	Feedback string
	Usage    llm.Usage
}

// EventSink receives grading progress. Implementations must not block.
type EventSink interface {
	GradingData(sessionID, delta, accumulated string)
	GradingComplete(sessionID string, res Result)
	GradingCancelled(sessionID string)
}

type noopSink struct{}

func (noopSink) GradingData(string, string, string) {}
func (noopSink) GradingComplete(string, Result)     {}
func (noopSink) GradingCancelled(string)            {}

// Grader streams grades for essays and question-bank submissions.
type Grader struct {
	llm   *llm.Manager
	store *Store
}

// NewGrader wires the grader.
func NewGrader(manager *llm.Manager, store *Store) *Grader {
	return &Grader{llm: manager, store: store}
}

// Cancel requests cancellation of a running grading session.
func (g *Grader) Cancel(sessionID string) {
	g.llm.Cancels().Cancel(cancelKey(sessionID))
}

func cancelKey(sessionID string) string { return "grading:" + sessionID }

const essaySystemPrompt = `You are a strict but fair essay grader. Read the prompt and the draft, then respond with detailed feedback. End your response with exactly two tags: <verdict>pass</verdict> or <verdict>fail</verdict>, and <score value="N"/> where N is 0-100.`

const qbankSystemPrompt = `You grade a student's answer to a question. Consider the reference answer and the student's previous attempts. Respond with feedback, then end with exactly two tags: <verdict>correct</verdict> or <verdict>incorrect</verdict>, and <score value="N"/> where N is 0-100.`

// GradeEssay streams a grade for the essay and caches feedback and score on
// the record. sessionID doubles as the cancellation key suffix.
func (g *Grader) GradeEssay(ctx context.Context, sessionID, essayID string, sink EventSink) (*Result, error) {
	essay, err := g.store.GetEssay(essayID)
	if err != nil {
		return nil, err
	}

	var user strings.Builder
	fmt.Fprintf(&user, "Essay prompt:\n%s\n\nDraft:\n%s\n", essay.Prompt, essay.Draft)

	res, err := g.run(ctx, sessionID, "grading_essay", essaySystemPrompt, user.String(), sink)
	if err != nil {
		return nil, err
	}
	if err := g.store.saveEssayGrade(essayID, res.Score, res.Feedback); err != nil {
		return nil, err
	}
	if sink != nil {
		sink.GradingComplete(sessionID, *res)
	}
	logging.Grading("essay %s graded: %s %d", essayID, res.Verdict, res.Score)
	return res, nil
}

// GradeSubmission streams a grade for one question-bank attempt. The prompt
// includes the question, the reference answer, and the submission history so
// the model can judge progress across attempts.
func (g *Grader) GradeSubmission(ctx context.Context, sessionID, submissionID string, sink EventSink) (*Result, error) {
	sub, err := g.store.GetSubmission(submissionID)
	if err != nil {
		return nil, err
	}
	question, err := g.store.GetQuestion(sub.QuestionID)
	if err != nil {
		return nil, err
	}
	history, err := g.store.ListSubmissions(sub.QuestionID)
	if err != nil {
		return nil, err
	}

	var user strings.Builder
	fmt.Fprintf(&user, "Question:\n%s\n", question.Content)
	if question.Answer != "" {
		fmt.Fprintf(&user, "\nReference answer:\n%s\n", question.Answer)
	}
	for i, h := range history {
		if h.ID == sub.ID {
			continue
		}
		fmt.Fprintf(&user, "\nPrevious attempt %d:\n%s\n", i+1, h.Content)
	}
	fmt.Fprintf(&user, "\nCurrent answer:\n%s\n", sub.Content)

	res, err := g.run(ctx, sessionID, "grading_qbank", qbankSystemPrompt, user.String(), sink)
	if err != nil {
		return nil, err
	}

	correct := strings.EqualFold(res.Verdict, "correct")
	if err := g.store.saveSubmissionGrade(submissionID, correct, res.Score, res.Feedback); err != nil {
		return nil, err
	}
	// Derived stats refresh outside the grading transaction.
	if _, err := g.store.Stats(sub.QuestionID); err != nil {
		logging.GradingWarn("stats refresh for question %s failed: %v", sub.QuestionID, err)
	}
	if sink != nil {
		sink.GradingComplete(sessionID, *res)
	}
	logging.Grading("submission %s graded: %s %d", submissionID, res.Verdict, res.Score)
	return res, nil
}

// run is the shared streaming skeleton. It resolves the scoring model,
// streams with a cancellable key, and parses the verdict tags. A stream that
// dies without a terminal marker fails validation and persists nothing.
func (g *Grader) run(ctx context.Context, sessionID, caller, systemPrompt, userPrompt string, sink EventSink) (*Result, error) {
	if sink == nil {
		sink = noopSink{}
	}

	modelID := ""
	if profile, err := g.llm.AssignedModel(scoringRole); err == nil {
		modelID = profile.ID
	}

	var acc strings.Builder
	var usage llm.Usage
	err := g.llm.StreamChat(ctx, llm.ChatRequest{
		ModelID: modelID,
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		CancelKey: cancelKey(sessionID),
		Caller:    caller,
	}, llm.EmitterFunc(func(ev llm.StreamEvent) {
		switch ev.Kind {
		case llm.EventContentChunk:
			acc.WriteString(ev.Content)
			sink.GradingData(sessionID, ev.Content, acc.String())
		case llm.EventUsage:
			if ev.Usage != nil {
				usage = *ev.Usage
			}
		}
	}))
	if apperr.IsCancelled(err) {
		sink.GradingCancelled(sessionID)
		logging.Grading("grading session %s cancelled", sessionID)
		return nil, err
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "grading.run", err,
			"grading stream for session %s did not complete", sessionID)
	}

	verdict, score := parseTags(acc.String())
	return &Result{Verdict: verdict, Score: score, Feedback: acc.String(), Usage: usage}, nil
}

// =============================================================================
// TAG PARSING
// =============================================================================

var (
	verdictRe = regexp.MustCompile(`(?s)<verdict>(.*?)</verdict>`)
	scoreRe   = regexp.MustCompile(`<score\s+value="(-?\d+(?:\.\d+)?)"\s*/?>`)
)

// parseTags extracts the verdict and score tags from accumulated grader
// output. The score clamps to [0, 100]; a missing score reads as 0.
func parseTags(text string) (verdict string, score int) {
	if m := verdictRe.FindStringSubmatch(text); m != nil {
		verdict = strings.TrimSpace(m[1])
	}
	if m := scoreRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			score = int(v)
		}
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return verdict, score
}
