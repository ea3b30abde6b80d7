package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rishik-ashili/email-outbox/internal/parser"
	"github.com/rishik-ashili/email-outbox/pkg/models"
)

// Classifier assigns a category to an email within a bounded time
type Classifier interface {
	Classify(ctx context.Context, email *models.Email) (models.Category, error)
}

// Store persists emails, deduplicating by message id
type Store interface {
	// InsertEmail returns false (and no error) for a duplicate message id
	InsertEmail(ctx context.Context, email *models.Email) (bool, error)
	UpdateCategory(ctx context.Context, id string, category models.Category) error
	GetEmailByID(ctx context.Context, id string) (*models.Email, error)
}

// ContextIndex stores textual content for semantic retrieval, best-effort
type ContextIndex interface {
	StoreContext(ctx context.Context, emailID, content string, metadata map[string]string) error
}

// Notifier alerts external channels about actionable emails. It is expected
// to carry its own resilience; the pipeline never retries on its behalf.
type Notifier interface {
	Notify(ctx context.Context, email *models.Email, category models.Category) error
}

// CategorizedHandler observes every processed email with its final category
type CategorizedHandler func(email *models.Email, category models.Category)

// Deps collaborator wiring for the pipeline
type Deps struct {
	Classifier   Classifier
	Store        Store
	ContextIndex ContextIndex
	Notifier     Notifier
	HTMLParser   *parser.HTMLParser
	Logger       *slog.Logger

	Workers         int
	Buffer          int
	ClassifyTimeout time.Duration
	NotifyTimeout   time.Duration
}

// Pipeline consumes normalized emails from a bounded channel and drives
// each through ordered stages: classify, persist, update category, context
// index, notify. A stage failure degrades the message, it never aborts it.
type Pipeline struct {
	classifier   Classifier
	store        Store
	contextIndex ContextIndex
	notifier     Notifier
	htmlParser   *parser.HTMLParser
	logger       *slog.Logger

	classifyTimeout time.Duration
	notifyTimeout   time.Duration

	onCategorized CategorizedHandler

	in      chan *models.Email
	workers int
	wg      sync.WaitGroup
}

// New creates a pipeline; call Start before submitting
func New(deps Deps) *Pipeline {
	workers := deps.Workers
	if workers <= 0 {
		workers = 4
	}
	buffer := deps.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	classifyTimeout := deps.ClassifyTimeout
	if classifyTimeout <= 0 {
		classifyTimeout = 10 * time.Second
	}
	notifyTimeout := deps.NotifyTimeout
	if notifyTimeout <= 0 {
		notifyTimeout = 10 * time.Second
	}

	return &Pipeline{
		classifier:      deps.Classifier,
		store:           deps.Store,
		contextIndex:    deps.ContextIndex,
		notifier:        deps.Notifier,
		htmlParser:      deps.HTMLParser,
		logger:          deps.Logger.With("component", "pipeline"),
		classifyTimeout: classifyTimeout,
		notifyTimeout:   notifyTimeout,
		in:              make(chan *models.Email, buffer),
		workers:         workers,
	}
}

// SetCategorizedHandler registers the "categorized" event observer
func (p *Pipeline) SetCategorizedHandler(handler CategorizedHandler) {
	p.onCategorized = handler
}

// Start launches the consumer pool
func (p *Pipeline) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for e := range p.in {
				p.Process(ctx, e)
			}
		}()
	}
}

// Submit enqueues a batch, blocking when the buffer is full
func (p *Pipeline) Submit(ctx context.Context, batch []*models.Email) {
	for _, e := range batch {
		select {
		case p.in <- e:
		case <-ctx.Done():
			return
		}
	}
}

// Close drains the queue and stops the workers
func (p *Pipeline) Close() {
	close(p.in)
	p.wg.Wait()
}

// Process drives one email through all stages. The only fatal condition is
// a panic escaping every stage guard; it is recovered here and answered
// with one last-resort insert under the fallback category.
func (p *Pipeline) Process(ctx context.Context, e *models.Email) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pipeline failed, attempting last-resort persist",
				"message_id", e.MessageID, "panic", r)
			e.Category = models.CategoryUncategorized
			ictx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := p.store.InsertEmail(ictx, e); err != nil {
				p.logger.Error("last-resort persist failed", "message_id", e.MessageID, "error", err)
			}
		}
	}()

	if e.Category == "" {
		e.Category = models.CategoryUncategorized
	}

	text := p.extractText(e)

	// Classify. On any failure the email keeps its fallback category.
	// HTML-only mail is classified on the extracted text; the stored record
	// keeps its original bodies.
	category := e.Category
	p.runStage("classify", e, func() error {
		cctx, cancel := context.WithTimeout(ctx, p.classifyTimeout)
		defer cancel()
		candidate := e
		if e.BodyText == "" && text != "" {
			clone := *e
			clone.BodyText = text
			candidate = &clone
		}
		c, err := p.classifier.Classify(cctx, candidate)
		if err != nil {
			return err
		}
		if c.Valid() {
			category = c
		}
		return nil
	})

	// Persist, keyed by message id. inserted=false means duplicate.
	var persisted, inserted bool
	p.runStage("persist", e, func() error {
		ok, err := p.store.InsertEmail(ctx, e)
		if err != nil {
			return err
		}
		persisted = true
		inserted = ok
		return nil
	})
	if persisted && !inserted {
		p.logger.Debug("duplicate message, skipping", "message_id", e.MessageID)
		return
	}

	// Update the stored category when classification moved past the fallback
	if persisted && category != models.CategoryUncategorized {
		p.runStage("update_category", e, func() error {
			return p.store.UpdateCategory(ctx, e.ID, category)
		})
	}
	e.Category = category

	// Context index, best-effort
	p.runStage("context_index", e, func() error {
		return p.contextIndex.StoreContext(ctx, e.ID, contextContent(e.Subject, text), map[string]string{
			"account":    e.AccountLabel,
			"folder":     e.Folder,
			"subject":    e.Subject,
			"from":       e.Sender().Address,
			"message_id": e.MessageID,
			"category":   string(category),
		})
	})

	if p.onCategorized != nil {
		p.onCategorized(e, category)
	}

	// Notify only for the actionable category
	if category.Actionable() {
		p.runStage("notify", e, func() error {
			nctx, cancel := context.WithTimeout(ctx, p.notifyTimeout)
			defer cancel()
			return p.notifier.Notify(nctx, e, category)
		})
	}
}

// runStage executes one stage under a guard: an error or panic degrades
// the stage and the message keeps flowing.
func (p *Pipeline) runStage(name string, e *models.Email, fn func() error) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("stage panicked", "stage", name, "message_id", e.MessageID, "panic", r)
			ok = false
		}
	}()
	if err := fn(); err != nil {
		p.logger.Warn("stage degraded", "stage", name, "message_id", e.MessageID, "error", err)
		return false
	}
	return true
}

// extractText returns the email's plain text body, falling back to text
// extracted from the HTML body. Classifier and context index see the same
// content.
func (p *Pipeline) extractText(e *models.Email) string {
	if e.BodyText != "" {
		return e.BodyText
	}
	if e.BodyHTML != "" && p.htmlParser != nil {
		if extracted, err := p.htmlParser.Parse(e.BodyHTML); err == nil {
			return extracted
		}
	}
	return ""
}

func contextContent(subject, text string) string {
	if subject == "" {
		return text
	}
	if text == "" {
		return subject
	}
	return subject + "\n\n" + text
}
