package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/rs/zerolog"

	"polybot/internal/format"
	"polybot/internal/gateway"
	"polybot/internal/metrics"
	"polybot/internal/providers"
	"polybot/internal/queue"
	"polybot/internal/storage"
	"polybot/internal/telegraph"
)

// collapseAfter is the answer size beyond which chat output is folded into
// an expandable quote so it does not dominate the chat.
const collapseAfter = 1200

type Worker struct {
	bot       *gotgbot.Bot
	gateway   *gateway.Gateway
	store     *storage.Store
	queue     *queue.StreamQueue
	telegraph *telegraph.Client

	httpClient     *http.Client
	telegraphLimit int
	maxJobRetries  int
	logger         zerolog.Logger
	metrics        *metrics.Metrics
}

type Config struct {
	Bot       *gotgbot.Bot
	Gateway   *gateway.Gateway
	Store     *storage.Store
	Queue     *queue.StreamQueue
	Telegraph *telegraph.Client

	HTTPClient     *http.Client
	TelegraphLimit int
	MaxJobRetries  int
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	if cfg.TelegraphLimit <= 0 {
		cfg.TelegraphLimit = 12000
	}
	return &Worker{
		bot:            cfg.Bot,
		gateway:        cfg.Gateway,
		store:          cfg.Store,
		queue:          cfg.Queue,
		telegraph:      cfg.Telegraph,
		httpClient:     cfg.HTTPClient,
		telegraphLimit: cfg.TelegraphLimit,
		maxJobRetries:  cfg.MaxJobRetries,
		logger:         cfg.Logger,
		metrics:        m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}
		if len(messages) == 0 {
			continue
		}

		for _, msg := range messages {
			err := w.processJob(ctx, msg.Job)
			if err == nil {
				w.metrics.ProcessedJobs.Inc()
				if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
					log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
				}
				continue
			}

			w.metrics.FailedJobs.Inc()
			log.Error().Err(err).Str("job_id", msg.Job.JobID).Int("attempt", msg.Job.Attempts).Msg("job failed")

			if msg.Job.Attempts < w.maxJobRetries {
				msg.Job.Attempts++
				if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
					log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed job")
					continue
				}
				if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
					log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack after re-enqueue")
				}
				continue
			}

			_ = w.sendError(ctx, msg.Job.ChatID, msg.Job.MessageID, providers.Describe(err))
			if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
				log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack terminal failed message")
			}
		}
	}
}

func (w *Worker) processJob(ctx context.Context, job queue.AskJob) error {
	kind, ok := providers.ParseKind(job.Kind)
	if !ok {
		// Unknown kinds come from stale queue entries; drop them.
		w.logger.Warn().Str("kind", job.Kind).Str("job_id", job.JobID).Msg("dropping job with unknown kind")
		return nil
	}

	var image []byte
	var imageMime string
	if job.PhotoFileID != "" {
		var err error
		image, imageMime, err = w.downloadPhoto(ctx, job.PhotoFileID)
		if err != nil {
			return fmt.Errorf("download photo: %w", err)
		}
	}

	start := time.Now()
	res, err := w.gateway.Request(ctx, kind, job.Prompt, image, imageMime, job.SessionID)
	w.recordUsage(ctx, job, kind, res, err, time.Since(start))

	if err != nil {
		if terminal(err) {
			_ = w.sendError(ctx, job.ChatID, job.MessageID, providers.Describe(err))
			return nil
		}
		return fmt.Errorf("gateway %s: %w", kind, err)
	}

	if len(res.Binary) > 0 {
		return w.sendBinary(ctx, job, kind, res)
	}
	return w.sendText(ctx, job, kind, res)
}

// terminal reports whether retrying the job cannot help.
func terminal(err error) bool {
	var cfgErr *providers.ConfigError
	var authErr *providers.AuthError
	return errors.Is(err, providers.ErrUnsupported) ||
		errors.As(err, &cfgErr) ||
		errors.As(err, &authErr)
}

func (w *Worker) recordUsage(ctx context.Context, job queue.AskJob, kind providers.Kind, res gateway.Result, reqErr error, latency time.Duration) {
	entry := storage.UsageEntry{
		ChatID:    job.ChatID,
		UserID:    job.UserID,
		Kind:      string(kind),
		Provider:  res.Provider,
		Model:     res.Model,
		OK:        reqErr == nil,
		LatencyMS: latency.Milliseconds(),
	}
	if reqErr != nil {
		entry.Error = reqErr.Error()
	}
	if err := w.store.LogUsage(ctx, entry); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.JobID).Msg("failed to log usage")
	}
}

func (w *Worker) sendText(ctx context.Context, job queue.AskJob, kind providers.Kind, res gateway.Result) error {
	text := strings.TrimSpace(res.Text)
	if text == "" {
		text = "Provider returned an empty response."
	}

	if w.telegraph != nil && len(text) > w.telegraphLimit {
		url, err := w.telegraph.Publish(ctx, pageTitle(job.Prompt), text)
		if err == nil {
			msg := fmt.Sprintf("The answer is too long for chat, published here:\n%s\n\nmodel: %s", url, res.Model)
			return w.send(ctx, job, msg, "")
		}
		w.logger.Error().Err(err).Str("job_id", job.JobID).Msg("telegraph publish failed, falling back to chunks")
	}

	footer := "model: " + res.Model
	collapse := shouldCollapse(kind, text)

	parseMode := ""
	body := text
	if collapse {
		parseMode = "HTML"
		body = html.EscapeString(text)
		footer = html.EscapeString(footer)
	}

	segments := format.Render(body, format.Options{
		Collapse: collapse,
		Footer:   footer,
	})
	for _, seg := range segments {
		if err := w.send(ctx, job, seg, parseMode); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) sendBinary(ctx context.Context, job queue.AskJob, kind providers.Kind, res gateway.Result) error {
	caption := "model: " + res.Model
	reader := bytes.NewReader(res.Binary)

	switch kind {
	case providers.KindImage:
		opts := &gotgbot.SendPhotoOpts{Caption: caption}
		if job.MessageID > 0 {
			opts.ReplyParameters = &gotgbot.ReplyParameters{MessageId: job.MessageID}
		}
		_, err := w.bot.SendPhotoWithContext(ctx, job.ChatID, gotgbot.InputFileByReader("image.png", reader), opts)
		if err != nil {
			return fmt.Errorf("send photo: %w", err)
		}
		return nil
	case providers.KindTTS:
		name := "speech.mp3"
		if strings.Contains(res.MimeType, "wav") {
			name = "speech.wav"
		}
		opts := &gotgbot.SendAudioOpts{Caption: caption}
		if job.MessageID > 0 {
			opts.ReplyParameters = &gotgbot.ReplyParameters{MessageId: job.MessageID}
		}
		_, err := w.bot.SendAudioWithContext(ctx, job.ChatID, gotgbot.InputFileByReader(name, reader), opts)
		if err != nil {
			return fmt.Errorf("send audio: %w", err)
		}
		return nil
	default:
		return w.sendText(ctx, job, kind, gateway.Result{Text: res.Text, Model: res.Model})
	}
}

func (w *Worker) send(ctx context.Context, job queue.AskJob, text, parseMode string) error {
	opts := &gotgbot.SendMessageOpts{ParseMode: parseMode}
	if job.MessageID > 0 {
		opts.ReplyParameters = &gotgbot.ReplyParameters{MessageId: job.MessageID}
	}
	_, err := w.bot.SendMessageWithContext(ctx, job.ChatID, text, opts)
	if err != nil {
		return fmt.Errorf("send telegram response: %w", err)
	}
	return nil
}

func (w *Worker) sendError(ctx context.Context, chatID, replyTo int64, text string) error {
	opts := &gotgbot.SendMessageOpts{}
	if replyTo > 0 {
		opts.ReplyParameters = &gotgbot.ReplyParameters{MessageId: replyTo}
	}
	_, err := w.bot.SendMessageWithContext(ctx, chatID, text, opts)
	return err
}

func (w *Worker) downloadPhoto(ctx context.Context, fileID string) ([]byte, string, error) {
	f, err := w.bot.GetFileWithContext(ctx, fileID, nil)
	if err != nil {
		return nil, "", fmt.Errorf("get file: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL(w.bot, nil), nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch file: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return nil, "", fmt.Errorf("read file body: %w", err)
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" || mime == "application/octet-stream" {
		mime = "image/jpeg"
	}
	return data, mime, nil
}

// shouldCollapse folds a long chat answer into an expandable quote. The
// quote-marker check runs on raw text before HTML escaping; afterwards a
// leading ">" is already "&gt;" and would slip past the guard.
func shouldCollapse(kind providers.Kind, text string) bool {
	if kind != providers.KindChat && kind != providers.KindSearch {
		return false
	}
	return len(text) > collapseAfter && !format.HasQuoteMarker(text)
}

func pageTitle(prompt string) string {
	title := strings.TrimSpace(prompt)
	if title == "" {
		return "Answer"
	}
	if len(title) > 80 {
		title = title[:80]
	}
	if i := strings.IndexByte(title, '\n'); i > 0 {
		title = title[:i]
	}
	return title
}
