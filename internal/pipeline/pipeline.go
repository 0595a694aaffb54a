// Package pipeline runs every untrusted write through the same ordered
// stages, each of which can end the request:
//
//  1. identity present
//  2. load the stored user, reject BANNED
//  3. rate-limit the action for the user's class
//  4. sanitize and validate the payload
//  5. score the content, reject blocked content
//  6. persist in one transaction that re-reads the user
//  7. return the new id
//
// Nothing is written before stage 6, so rejected requests leave no trace
// other than the rate-limit record. Stages are never retried here; only the
// datastore retries transaction conflicts.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"

	"github.com/intelboard/chatguard/internal/account"
	"github.com/intelboard/chatguard/internal/apperr"
	"github.com/intelboard/chatguard/internal/auth"
	"github.com/intelboard/chatguard/internal/chat"
	"github.com/intelboard/chatguard/internal/metrics"
	"github.com/intelboard/chatguard/internal/moderation"
	"github.com/intelboard/chatguard/internal/policy"
	"github.com/intelboard/chatguard/internal/ratelimit"
	"github.com/intelboard/chatguard/internal/sanction"
	"github.com/intelboard/chatguard/internal/store"
)

// DefaultAutoMuteTimeout bounds the escalation that follows a denied chat
// message.
const DefaultAutoMuteTimeout = 2 * time.Second

// Publisher sends encoded events to a subject.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Result is the outcome of a successful write.
type Result struct {
	ID string `json:"id"`
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Datastore store.Datastore
	Accounts  *account.Store
	Limiter   *ratelimit.Limiter
	Scorer    moderation.ToxicityScorer
	Sanctions *sanction.Service
	Chats     *chat.Store
	Publisher Publisher // optional

	AutoMuteTimeout time.Duration
}

// Pipeline is the message orchestrator. It holds no per-user state; every
// decision is made from the datastore.
type Pipeline struct {
	ds        store.Datastore
	accounts  *account.Store
	limiter   *ratelimit.Limiter
	scorer    moderation.ToxicityScorer
	sanctions *sanction.Service
	chats     *chat.Store
	pub       Publisher
	validate  *validator.Validate
	now       func() time.Time

	autoMuteTimeout time.Duration
	background      sync.WaitGroup
}

// New creates a Pipeline.
func New(d Deps) *Pipeline {
	if d.AutoMuteTimeout <= 0 {
		d.AutoMuteTimeout = DefaultAutoMuteTimeout
	}
	if d.Scorer == nil {
		d.Scorer = moderation.NewScorer(nil, 0)
	}
	return &Pipeline{
		ds:              d.Datastore,
		accounts:        d.Accounts,
		limiter:         d.Limiter,
		scorer:          d.Scorer,
		sanctions:       d.Sanctions,
		chats:           d.Chats,
		pub:             d.Publisher,
		validate:        newValidator(),
		now:             time.Now,
		autoMuteTimeout: d.AutoMuteTimeout,
	}
}

// Wait blocks until background escalations started by earlier requests
// have finished.
func (p *Pipeline) Wait() {
	p.background.Wait()
}

// admit runs stages 1 to 3 and returns the stored user.
func (p *Pipeline) admit(ctx context.Context, id auth.Identity, action policy.Action) (*account.User, error) {
	if id.UID == "" {
		return nil, apperr.New(apperr.AuthRequired, "authentication required")
	}

	u, err := p.accounts.Get(ctx, id.UID)
	if err != nil {
		return nil, err
	}
	if u.Banned {
		return nil, apperr.New(apperr.AccountSuspended, "account suspended")
	}

	decision, err := p.limiter.Check(ctx, u.ID, action, policy.ClassOf(u))
	if err != nil {
		return nil, apperr.Wrap(apperr.TransientStoreFailure, "rate limit check unavailable, please retry", err)
	}
	if !decision.Allowed {
		if action == policy.ActionChatMessage {
			p.escalate(ctx, u.ID, decision.ViolationCount, decision.Since)
		}
		return nil, &apperr.Error{
			Kind:       apperr.RateLimited,
			Message:    "too many requests, slow down",
			RetryAfter: decision.RetryAfter,
		}
	}
	return u, nil
}

// escalate asks the sanction service to auto-mute uid. It runs detached
// from the request with its own timeout; its outcome never changes the
// rejection already decided.
func (p *Pipeline) escalate(ctx context.Context, uid string, violations int, since time.Time) {
	if p.sanctions == nil || violations < p.sanctions.AutoMuteThreshold() {
		return
	}
	p.background.Add(1)
	go func() {
		defer p.background.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.autoMuteTimeout)
		defer cancel()
		if _, err := p.sanctions.AutoMute(ctx, uid, violations, since); err != nil {
			log.WithError(err).WithField("uid", uid).Warn("[pipeline] auto-mute failed")
		}
	}()
}

// reject checks text against the scorer and returns ContentRejected when
// it blocks.
func (p *Pipeline) reject(field, text string) (moderation.Result, error) {
	res := p.scorer.Score(text)
	if p.scorer.ShouldBlock(res.Score) {
		return res, apperr.New(apperr.ContentRejected, field+" violates content guidelines")
	}
	return res, nil
}

// persist runs fn in a transaction after re-reading the user; a ban that
// landed after admission still stops the write.
func (p *Pipeline) persist(ctx context.Context, uid string, fn func(tx store.Tx, u *account.User) error) error {
	return p.ds.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		u, err := account.Load(tx, uid)
		if err != nil {
			return err
		}
		if u.Banned {
			return apperr.New(apperr.AccountSuspended, "account suspended")
		}
		return fn(tx, u)
	})
}

func (p *Pipeline) publish(subject string, v any) {
	if p.pub == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		log.WithError(err).WithField("subject", subject).Error("[pipeline] marshal event")
		return
	}
	if err := p.pub.Publish(subject, data); err != nil {
		log.WithError(err).WithField("subject", subject).Warn("[pipeline] publish event")
	}
}

// check validates req's struct tags.
func (p *Pipeline) check(req any) error {
	err := p.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return apperr.Wrap(apperr.ValidationFailed, fmt.Sprintf("%s is invalid (%s)", fe.Field(), fe.Tag()), err)
	}
	return apperr.Wrap(apperr.ValidationFailed, "invalid request", err)
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func observe(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = strings.ToLower(string(apperr.KindOf(err)))
	}
	metrics.RequestsTotal.WithLabelValues(op, outcome).Inc()
	metrics.RequestLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil && apperr.KindOf(err) == apperr.TransientStoreFailure {
		log.WithError(err).WithField("op", op).Error("[pipeline] request failed")
	}
}
