package protocol

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/facegate/internal/domain"
	"github.com/ashureev/facegate/internal/imagedecode"
	"github.com/ashureev/facegate/internal/recognition"
	"github.com/ashureev/facegate/internal/session"
)

// AttemptRecorder persists finished attempts.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, attempt *domain.Attempt) error
}

// Config controls the handler.
type Config struct {
	// Policy applies to payloads arriving while another is being identified.
	Policy session.Policy
	// QueueDepth bounds waiting payloads under session.PolicyQueue.
	QueueDepth int
	// EmitTimeout bounds a single outbound write.
	EmitTimeout time.Duration
}

// DefaultConfig returns the reject-with-busy configuration.
func DefaultConfig() Config {
	return Config{
		Policy:      session.PolicyReject,
		QueueDepth:  4,
		EmitTimeout: 5 * time.Second,
	}
}

// Handler runs the per-session identify-face state machine.
type Handler struct {
	registry *session.Registry
	gateway  *recognition.Gateway
	recorder AttemptRecorder
	cfg      Config
	logger   *slog.Logger

	wg sync.WaitGroup
}

// NewHandler creates a handler. recorder may be nil.
func NewHandler(registry *session.Registry, gateway *recognition.Gateway, recorder AttemptRecorder, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.EmitTimeout <= 0 {
		cfg.EmitTimeout = DefaultConfig().EmitTimeout
	}
	if cfg.Policy == "" {
		cfg.Policy = session.PolicyReject
	}
	return &Handler{
		registry: registry,
		gateway:  gateway,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger,
	}
}

// Connect registers a new connection and greets it with its session ID.
func (h *Handler) Connect(id string, handle session.Handle) (*session.Session, error) {
	sess, err := h.registry.Register(id, handle)
	if err != nil {
		return nil, err
	}
	if err := h.emit(sess, EventConnected, Connected{SessionID: id}); err != nil {
		h.logger.Debug("Failed to send connected event", "session_id", id, "error", err)
	}
	return sess, nil
}

// Disconnect closes the session. Outstanding work is canceled and its
// result is never emitted.
func (h *Handler) Disconnect(id string) {
	h.registry.Unregister(id)
}

// HandleEvent dispatches one inbound event.
func (h *Handler) HandleEvent(sess *session.Session, ev Event) {
	switch ev.Name {
	case EventIdentifyFace:
		req, err := ParseIdentifyRequest(ev.Data)
		if err != nil {
			h.logger.Warn("Rejected identify-face payload", "session_id", sess.ID, "error", err)
			return
		}
		h.Identify(sess, req)
	case EventPing:
		if err := h.emit(sess, EventPong, nil); err != nil {
			h.logger.Debug("Failed to send pong", "session_id", sess.ID, "error", err)
		}
	default:
		h.logger.Debug("Ignoring unknown event", "session_id", sess.ID, "event", ev.Name)
	}
}

// Identify admits req under the configured policy and starts processing it
// in the background when the session is free.
func (h *Handler) Identify(sess *session.Session, req IdentifyRequest) {
	h.logger.Info("Image received", "session_id", sess.ID, "bytes", len(req.Raw), "header", imagedecode.Header(req.Raw))

	adm, err := sess.Admit(req.Raw, h.cfg.Policy, h.cfg.QueueDepth)
	switch {
	case errors.Is(err, session.ErrBusy):
		h.logger.Info("Identification busy, rejecting payload", "session_id", sess.ID, "policy", h.cfg.Policy)
		h.fail(sess, recognition.ReasonBusy)
		h.record(&domain.Attempt{
			SessionID:    sess.ID,
			Outcome:      domain.OutcomeFailure,
			Reason:       string(recognition.ReasonBusy),
			PayloadBytes: len(req.Raw),
		})
		return
	case err != nil:
		h.logger.Debug("Payload for closed session ignored", "session_id", sess.ID, "error", err)
		return
	}

	if adm.Superseded != nil {
		h.logger.Info("Identification superseded", "session_id", sess.ID, "attempt", adm.Superseded.Seq)
		h.fail(sess, recognition.ReasonSuperseded)
	}
	if adm.Queued {
		h.logger.Info("Payload queued", "session_id", sess.ID, "pending", sess.Pending())
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for a := adm.Start; a != nil; {
			a = h.process(sess, a)
		}
	}()
}

// process runs decode and recognition for a and delivers at most one event.
// It returns the next queued attempt, if any.
func (h *Handler) process(sess *session.Session, a *session.Attempt) *session.Attempt {
	start := time.Now()
	rec := &domain.Attempt{
		SessionID:    sess.ID,
		Sequence:     a.Seq,
		PayloadBytes: len(a.Raw),
	}
	log := h.logger.With("session_id", sess.ID, "attempt", a.Seq)

	var deliver func(session.Handle) error
	bm, err := imagedecode.Decode(a.Raw)
	if err != nil {
		// Undecodable payloads are dropped without a reply.
		log.Warn("Image decoding failed", "error", err)
		rec.Outcome = domain.OutcomeDropped
		rec.Reason = err.Error()
	} else {
		rec.Format, rec.Width, rec.Height = bm.Format, bm.Width, bm.Height

		res := h.gateway.Identify(a.Context(), bm)
		switch {
		case res.Canceled():
			rec.Outcome = domain.OutcomeCanceled
		case res.OK():
			rec.Outcome = domain.OutcomeSuccess
			rec.PersonID = res.Person.ID
			deliver = h.deliverer(EventAuthSuccess, AuthSuccess{ID: res.Person.ID, Name: res.Person.Name})
		default:
			rec.Outcome = domain.OutcomeFailure
			rec.Reason = string(res.Reason)
			deliver = h.deliverer(EventAuthFail, nil)
		}
	}

	next, delivered, err := sess.Complete(a, deliver)
	switch {
	case err != nil:
		log.Warn("Failed to deliver result", "error", err)
	case deliver != nil && !delivered:
		log.Info("Result discarded, session closed or attempt superseded")
		rec.Outcome = domain.OutcomeCanceled
	case delivered && rec.Outcome == domain.OutcomeSuccess:
		log.Info("Authentication succeeded", "person_id", rec.PersonID, "latency", time.Since(start))
	case delivered:
		log.Info("Authentication failed", "reason", rec.Reason)
	}

	rec.Latency = time.Since(start)
	h.record(rec)
	return next
}

func (h *Handler) deliverer(event string, payload any) func(session.Handle) error {
	return func(handle session.Handle) error {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.EmitTimeout)
		defer cancel()
		return handle.Emit(ctx, event, payload)
	}
}

func (h *Handler) emit(sess *session.Session, event string, payload any) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.EmitTimeout)
	defer cancel()
	return sess.Emit(ctx, event, payload)
}

func (h *Handler) fail(sess *session.Session, reason recognition.Reason) {
	if err := h.emit(sess, EventAuthFail, nil); err != nil {
		h.logger.Debug("Failed to send auth-fail", "session_id", sess.ID, "reason", reason, "error", err)
	}
}

func (h *Handler) record(a *domain.Attempt) {
	if h.recorder == nil {
		return
	}
	a.CreatedAt = time.Now()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.recorder.RecordAttempt(ctx, a); err != nil {
			h.logger.Warn("Failed to record attempt", "session_id", a.SessionID, "error", err)
		}
	}()
}

// Shutdown waits for in-flight attempts and pending records to finish.
func (h *Handler) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
