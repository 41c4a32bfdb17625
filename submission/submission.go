package submission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mailinglist/common"
	"mailinglist/compose"
	"mailinglist/email"
	"mailinglist/metrics"
	"mailinglist/models"
)

const excludeTable = "submission_excludes"

var ErrInvalidTransition = errors.New("invalid submission status transition")

// Service drives submissions from NEW to SENT. Every status write is a
// single-row update committed on its own so partial progress stays visible.
type Service struct {
	db       *gorm.DB
	hooks    email.Hookset
	messages *compose.MessageService
	limiter  *RateLimiter
	log      *zap.SugaredLogger
	now      func() time.Time
}

type Option func(*Service)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithSleep replaces the rate limiter's sleep.
func WithSleep(sleep SleepFunc) Option {
	return func(s *Service) { s.limiter.sleep = sleep }
}

func NewService(db *gorm.DB, cfg *common.Config, hooks email.Hookset, messages *compose.MessageService, log *zap.SugaredLogger, opts ...Option) *Service {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Service{
		db:       db,
		hooks:    hooks,
		messages: messages,
		limiter:  NewRateLimiter(cfg, nil),
		log:      log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) utcNow() time.Time {
	return s.now().UTC()
}

func (s *Service) setStatus(ctx context.Context, sub *models.Submission, to models.SubmissionStatus, fields map[string]interface{}) error {
	if !sub.Status.CanTransition(to) {
		return fmt.Errorf("%w: submission %d from %s to %s", ErrInvalidTransition, sub.ID, sub.Status, to)
	}
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["status"] = to
	if err := s.db.WithContext(ctx).Model(&models.Submission{}).Where("id = ?", sub.ID).Updates(fields).Error; err != nil {
		return fmt.Errorf("set submission %d to %s: %w", sub.ID, to, err)
	}
	sub.Status = to
	return nil
}

// Get loads a submission with its message and exclude set.
func (s *Service) Get(ctx context.Context, id uint) (*models.Submission, error) {
	var sub models.Submission
	err := s.db.WithContext(ctx).
		Preload("Message.MailingList").
		Preload("Exclude").
		First(&sub, id).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// SubmitMessage returns the submission of msg, creating a NEW one the first
// time. An existing submission is returned unchanged.
func (s *Service) SubmitMessage(ctx context.Context, msg *models.Message) (*models.Submission, error) {
	sub := models.Submission{MessageID: msg.ID}
	err := s.db.WithContext(ctx).
		Omit(clause.Associations).
		Where(models.Submission{MessageID: msg.ID}).
		FirstOrCreate(&sub).Error
	if err != nil {
		return nil, fmt.Errorf("submit message %d: %w", msg.ID, err)
	}
	return &sub, nil
}

// Publish marks the submission due now. Nothing is sent here.
func (s *Service) Publish(ctx context.Context, sub *models.Submission) (*models.Submission, error) {
	published := s.utcNow()
	if err := s.setStatus(ctx, sub, models.SubmissionPending, map[string]interface{}{"published": published}); err != nil {
		return nil, err
	}
	sub.Published = &published
	s.log.Infow("published submission", "submission", sub.ID, "published", published)
	return sub, nil
}

// Exclude keeps the given subscriptions from receiving sub.
func (s *Service) Exclude(ctx context.Context, sub *models.Submission, subscriptionIDs ...uint) error {
	if len(subscriptionIDs) == 0 {
		return nil
	}
	rows := make([]map[string]interface{}, 0, len(subscriptionIDs))
	for _, id := range subscriptionIDs {
		rows = append(rows, map[string]interface{}{"submission_id": sub.ID, "subscription_id": id})
	}
	err := s.db.WithContext(ctx).Table(excludeTable).Clauses(clause.OnConflict{DoNothing: true}).Create(rows).Error
	if err != nil {
		return fmt.Errorf("exclude subscriptions from submission %d: %w", sub.ID, err)
	}
	return nil
}

// Include removes subscriptions from the exclude set of sub.
func (s *Service) Include(ctx context.Context, sub *models.Submission, subscriptionIDs ...uint) error {
	if len(subscriptionIDs) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Exec("DELETE FROM "+excludeTable+" WHERE submission_id = ? AND subscription_id IN ?", sub.ID, subscriptionIDs).Error
	if err != nil {
		return fmt.Errorf("include subscriptions in submission %d: %w", sub.ID, err)
	}
	return nil
}

// OutstandingSubmissions returns the submissions that are SENDING, presumed
// interrupted, plus the PENDING ones whose publish time has come.
func (s *Service) OutstandingSubmissions(ctx context.Context) ([]models.Submission, error) {
	var subs []models.Submission
	err := s.db.WithContext(ctx).
		Where("status = ?", models.SubmissionSending).
		Or("status = ? AND published IS NOT NULL AND published <= ?", models.SubmissionPending, s.utcNow()).
		Order("id ASC").
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("find outstanding submissions: %w", err)
	}
	return subs, nil
}

func (s *Service) loadMessage(ctx context.Context, sub *models.Submission) error {
	var msg models.Message
	err := s.db.WithContext(ctx).
		Preload("MailingList").
		Preload("Parts", func(db *gorm.DB) *gorm.DB { return db.Order("sort_order ASC") }).
		Preload("Attachments").
		First(&msg, sub.MessageID).Error
	if err != nil {
		return fmt.Errorf("load message %d of submission %d: %w", sub.MessageID, sub.ID, err)
	}
	sub.Message = msg
	return nil
}

// Recipients returns the SUBSCRIBED subscriptions of the submission's list,
// minus globally denied users and the exclude set.
func (s *Service) Recipients(ctx context.Context, sub *models.Submission) ([]models.Subscription, error) {
	denied := s.db.Model(&models.GlobalDeny{}).Select("user_id")
	excluded := s.db.Table(excludeTable).Select("subscription_id").Where("submission_id = ?", sub.ID)

	var subs []models.Subscription
	err := s.db.WithContext(ctx).
		Preload("User").
		Preload("MailingList").
		Where("mailing_list_id = ? AND status = ?", sub.Message.MailingListID, models.SubscriptionSubscribed).
		Where("user_id NOT IN (?)", denied).
		Where("id NOT IN (?)", excluded).
		Order("id ASC").
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("find recipients of submission %d: %w", sub.ID, err)
	}
	return subs, nil
}

func (s *Service) alreadySent(ctx context.Context, submissionID, subscriptionID uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Sending{}).
		Where("submission_id = ? AND subscription_id = ?", submissionID, subscriptionID).
		Count(&count).Error
	return count > 0, err
}

// ensureSent delivers sub.Message to one subscriber unless a Sending row
// already exists. The row is written only after the hookset accepted the
// message.
func (s *Service) ensureSent(ctx context.Context, sub *models.Submission, recipient *models.Subscription, ts *compose.TemplateSet) (bool, error) {
	label := sub.Message.MailingList.Slug
	sent, err := s.alreadySent(ctx, sub.ID, recipient.ID)
	if err != nil {
		return false, fmt.Errorf("check sending %d/%d: %w", sub.ID, recipient.ID, err)
	}
	if sent {
		metrics.MessagesSkipped.WithLabelValues(label).Inc()
		return false, nil
	}

	out, err := s.messages.PrepareMessage(recipient, ts, &sub.Message)
	if err != nil {
		return false, fmt.Errorf("compose submission %d for subscription %d: %w", sub.ID, recipient.ID, err)
	}
	if err := s.hooks.SendMessage(ctx, out); err != nil {
		metrics.DeliveryFailures.WithLabelValues(label).Inc()
		s.log.Errorw("delivery failed", "submission", sub.ID, "subscription", recipient.ID, "error", err)
		return false, fmt.Errorf("deliver submission %d to subscription %d: %w", sub.ID, recipient.ID, err)
	}

	sending := models.Sending{SubmissionID: sub.ID, SubscriptionID: recipient.ID}
	err = s.db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&sending).Error
	if err != nil {
		return false, fmt.Errorf("record sending %d/%d: %w", sub.ID, recipient.ID, err)
	}
	metrics.MessagesSent.WithLabelValues(label).Inc()
	s.log.Debugw("delivered", "submission", sub.ID, "subscription", recipient.ID)
	return true, nil
}

// EnsureSent delivers a submission to a single subscription at most once and
// reports whether a message went out.
func (s *Service) EnsureSent(ctx context.Context, sub *models.Submission, subscriptionID uint) (bool, error) {
	if err := s.loadMessage(ctx, sub); err != nil {
		return false, err
	}
	var recipient models.Subscription
	err := s.db.WithContext(ctx).Preload("User").Preload("MailingList").First(&recipient, subscriptionID).Error
	if err != nil {
		return false, fmt.Errorf("load subscription %d: %w", subscriptionID, err)
	}
	ts := s.messages.Loader().TemplateSet(&sub.Message.MailingList, compose.ActionMessage)
	return s.ensureSent(ctx, sub, &recipient, ts)
}

// ProcessSubmission sends sub to every recipient that has not received it
// yet and returns sendCount plus the number of messages that went out.
// SENDING is persisted before the first delivery; on error the submission is
// left SENDING so the next run resumes it.
func (s *Service) ProcessSubmission(ctx context.Context, sub *models.Submission, sendCount int) (int, error) {
	if err := s.setStatus(ctx, sub, models.SubmissionSending, nil); err != nil {
		return sendCount, err
	}
	if err := s.loadMessage(ctx, sub); err != nil {
		return sendCount, err
	}
	recipients, err := s.Recipients(ctx, sub)
	if err != nil {
		return sendCount, err
	}

	list := sub.Message.MailingList
	s.log.Infow("processing submission", "submission", sub.ID, "mailing_list", list.Slug, "recipients", len(recipients))
	ts := s.messages.Loader().TemplateSet(&list, compose.ActionMessage)

	delivered := 0
	for i := range recipients {
		sent, err := s.ensureSent(ctx, sub, &recipients[i], ts)
		if err != nil {
			return sendCount, err
		}
		if !sent {
			continue
		}
		sendCount++
		delivered++
		if err := s.limiter.Wait(ctx, sendCount); err != nil {
			return sendCount, err
		}
	}

	if err := s.setStatus(ctx, sub, models.SubmissionSent, nil); err != nil {
		return sendCount, err
	}
	metrics.SubmissionsSent.WithLabelValues(list.Slug).Inc()
	s.log.Infow("submission sent", "submission", sub.ID, "mailing_list", list.Slug, "delivered", delivered)
	return sendCount, nil
}

// ProcessSubmissions runs one batch over every outstanding submission, with
// one send counter for the whole run. It stops at the first failure.
func (s *Service) ProcessSubmissions(ctx context.Context) error {
	subs, err := s.OutstandingSubmissions(ctx)
	if err != nil {
		metrics.BatchRuns.WithLabelValues("error").Inc()
		return err
	}
	sendCount := 0
	for i := range subs {
		sendCount, err = s.ProcessSubmission(ctx, &subs[i], sendCount)
		if err != nil {
			metrics.BatchRuns.WithLabelValues("error").Inc()
			s.log.Errorw("batch run stopped", "submission", subs[i].ID, "sent", sendCount, "error", err)
			return err
		}
	}
	metrics.BatchRuns.WithLabelValues("ok").Inc()
	s.log.Infow("batch run finished", "submissions", len(subs), "sent", sendCount)
	return nil
}
