package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/hidocu/llm-engine/internal/models"
	"github.com/hidocu/llm-engine/internal/provider"
	"github.com/hidocu/llm-engine/internal/repository"
)

const (
	judgeSystemPrompt = "You compare transcript variants of the same recording and pick the most accurate " +
		"and complete one. Respond with JSON only, in the form {\"winner\": <transcript id>}."
	summarySystemPrompt = "You write concise structured summaries of documents. Use markdown headings and " +
		"bullet points. Output only the summary."
)

// runJob decodes the payload and executes the matching handler. Returned
// errors are classified by handleJobError.
func (p *Processor) runJob(ctx context.Context, job *models.Job) error {
	exec := p.registry.Executor(job.Provider)
	if exec == nil {
		return &provider.AuthError{Message: "unsupported provider " + job.Provider}
	}

	switch job.JobType {
	case models.JobTypeTranscription:
		return p.runTranscription(ctx, job, exec)
	case models.JobTypeJudge:
		return p.runJudge(ctx, job, exec)
	case models.JobTypeSummary:
		return p.runSummary(ctx, job, exec)
	default:
		return &localDataError{err: fmt.Errorf("unknown job type %s", job.JobType)}
	}
}

// accountToken resolves the job's assigned account and a valid token for it.
func (p *Processor) accountToken(ctx context.Context, job *models.Job) (*models.Account, string, *models.TokenBundle, error) {
	if job.AccountID == nil {
		return nil, "", nil, &provider.AuthError{Message: "job has no assigned account"}
	}
	account, err := p.accounts.GetByID(ctx, *job.AccountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, "", nil, &provider.AuthError{Message: "assigned account no longer exists"}
		}
		return nil, "", nil, err
	}
	accessToken, bundle, err := p.tokens.ValidAccessToken(ctx, *account)
	if err != nil {
		return nil, "", nil, err
	}
	return account, accessToken, bundle, nil
}

func (p *Processor) recordUsage(ctx context.Context, accountID, model string, inputTokens, outputTokens int64) {
	if err := p.quota.RecordUsage(ctx, accountID, model, inputTokens, outputTokens); err != nil {
		log.Warnf("Failed to record usage for account %s: %v", accountID, err)
	}
}

func (p *Processor) runTranscription(ctx context.Context, job *models.Job, exec provider.Executor) error {
	payload, err := models.DecodeTranscriptionPayload(job.Payload)
	if err != nil {
		return &localDataError{err: err}
	}
	if _, err := p.documents.GetTranscript(ctx, payload.TranscriptID); err != nil {
		return err
	}

	account, accessToken, bundle, err := p.accountToken(ctx, job)
	if err != nil {
		return err
	}

	resp, err := exec.Transcribe(ctx, provider.TranscribeRequest{
		Model:       job.Model,
		AccessToken: accessToken,
		AudioPaths:  payload.AudioPaths,
		Bundle:      bundle,
	})
	if err != nil {
		return err
	}

	if err := p.documents.UpdateTranscript(ctx, payload.TranscriptID, resp.Text, models.TranscriptStatusReady); err != nil {
		return err
	}
	p.recordUsage(ctx, account.ID, job.Model, resp.InputTokens, resp.OutputTokens)

	p.maybeEnqueueJudge(ctx, job, payload.DocumentID)
	return nil
}

// maybeEnqueueJudge auto-enqueues a judge job once every transcription job
// of the document is terminal and at least two produced transcripts. The
// current job counts as completed; its row still reads running here.
func (p *Processor) maybeEnqueueJudge(ctx context.Context, current *models.Job, documentID int64) {
	jobs, err := p.jobs.FetchForDocument(ctx, documentID)
	if err != nil {
		log.Warnf("Failed to fetch jobs for document %d: %v", documentID, err)
		return
	}

	completed := 1
	for _, job := range jobs {
		if job.ID == current.ID {
			continue
		}
		switch job.JobType {
		case models.JobTypeTranscription:
			if !job.IsTerminal() {
				return
			}
			if job.Status == models.JobStatusCompleted {
				completed++
			}
		case models.JobTypeJudge:
			// A judge job in any live or successful state makes this a no-op.
			if job.Status != models.JobStatusCancelled && job.Status != models.JobStatusFailed {
				return
			}
		}
	}
	if completed < 2 {
		return
	}

	transcripts, err := p.documents.ListTranscripts(ctx, documentID)
	if err != nil {
		log.Warnf("Failed to list transcripts for document %d: %v", documentID, err)
		return
	}
	var readyIDs []int64
	for _, transcript := range transcripts {
		if transcript.Status == models.TranscriptStatusReady {
			readyIDs = append(readyIDs, transcript.ID)
		}
	}
	if len(readyIDs) < 2 {
		return
	}

	if _, err := p.EnqueueJudge(ctx, documentID, readyIDs, current.Provider, current.Model, current.Priority); err != nil {
		log.Errorf("Failed to auto-enqueue judge job for document %d: %v", documentID, err)
	}
}

func (p *Processor) runJudge(ctx context.Context, job *models.Job, exec provider.Executor) error {
	payload, err := models.DecodeJudgePayload(job.Payload)
	if err != nil {
		return &localDataError{err: err}
	}
	if len(payload.TranscriptIDs) < 2 {
		return &localDataError{err: fmt.Errorf("judge job needs at least two transcripts, got %d", len(payload.TranscriptIDs))}
	}

	texts := make(map[int64]string, len(payload.TranscriptIDs))
	var prompt strings.Builder
	prompt.WriteString("Pick the best transcript of this recording.\n")
	for _, id := range payload.TranscriptIDs {
		transcript, err := p.documents.GetTranscript(ctx, id)
		if err != nil {
			return err
		}
		texts[id] = transcript.FullText
		fmt.Fprintf(&prompt, "\nTranscript %d:\n%s\n", id, transcript.FullText)
	}

	account, accessToken, bundle, err := p.accountToken(ctx, job)
	if err != nil {
		return err
	}

	resp, err := exec.Chat(ctx, provider.ChatRequest{
		Model:       job.Model,
		AccessToken: accessToken,
		Messages:    []provider.ChatMessage{{Role: "user", Content: prompt.String()}},
		Options:     provider.ChatOptions{System: judgeSystemPrompt},
		Bundle:      bundle,
	})
	if err != nil {
		return err
	}

	winner := gjson.Get(resp.Content, "winner")
	winnerText, ok := texts[winner.Int()]
	if !winner.Exists() || !ok {
		return &provider.InvalidResponseError{Message: "judge verdict did not name a candidate transcript"}
	}

	if err := p.documents.SetPrimaryTranscript(ctx, payload.DocumentID, winner.Int()); err != nil {
		return err
	}
	if err := p.documents.UpdateDocumentBody(ctx, payload.DocumentID, winnerText); err != nil {
		return err
	}
	p.recordUsage(ctx, account.ID, job.Model, resp.InputTokens, resp.OutputTokens)
	log.Infof("Judge job %d picked transcript %d for document %d", job.ID, winner.Int(), payload.DocumentID)

	p.maybeEnqueueSummary(ctx, job, payload.DocumentID)
	return nil
}

// maybeEnqueueSummary auto-enqueues a summary job unless one is already
// queued or running for the document.
func (p *Processor) maybeEnqueueSummary(ctx context.Context, current *models.Job, documentID int64) {
	pending, err := p.HasPendingSummaryJob(ctx, documentID)
	if err != nil {
		log.Warnf("Failed to check pending summary jobs for document %d: %v", documentID, err)
		return
	}
	if pending {
		return
	}
	if _, err := p.EnqueueSummary(ctx, documentID, current.Provider, current.Model, "", current.Priority); err != nil {
		log.Errorf("Failed to auto-enqueue summary job for document %d: %v", documentID, err)
	}
}

func (p *Processor) runSummary(ctx context.Context, job *models.Job, exec provider.Executor) error {
	payload, err := models.DecodeSummaryPayload(job.Payload)
	if err != nil {
		return &localDataError{err: err}
	}

	doc, err := p.documents.GetDocument(ctx, payload.DocumentID)
	if err != nil {
		return err
	}

	model := job.Model
	if payload.ModelOverride != "" {
		model = payload.ModelOverride
	}

	account, accessToken, bundle, err := p.accountToken(ctx, job)
	if err != nil {
		return err
	}

	resp, err := exec.Chat(ctx, provider.ChatRequest{
		Model:       model,
		AccessToken: accessToken,
		Messages:    []provider.ChatMessage{{Role: "user", Content: doc.Body}},
		Options:     provider.ChatOptions{System: summarySystemPrompt},
		Bundle:      bundle,
	})
	if err != nil {
		return err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return &provider.InvalidResponseError{Message: "summary response was empty"}
	}

	if err := p.documents.UpdateDocumentSummary(ctx, payload.DocumentID, resp.Content); err != nil {
		return err
	}
	p.recordUsage(ctx, account.ID, model, resp.InputTokens, resp.OutputTokens)
	return nil
}
