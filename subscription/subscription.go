package subscription

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mailinglist/common"
	"mailinglist/compose"
	"mailinglist/email"
	"mailinglist/metrics"
	"mailinglist/models"
)

const maxTokenAttempts = 5

// Service manages subscribe, confirm and unsubscribe events. Every status
// change goes through updateStatus so it is recorded as a SubscriptionChange.
type Service struct {
	db       *gorm.DB
	cfg      *common.Config
	hooks    email.Hookset
	messages *compose.MessageService
	log      *zap.SugaredLogger
}

func NewService(db *gorm.DB, cfg *common.Config, hooks email.Hookset, messages *compose.MessageService, log *zap.SugaredLogger) *Service {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Service{db: db, cfg: cfg, hooks: hooks, messages: messages, log: log}
}

// CreateUser finds or creates the person behind an address through the hookset.
func (s *Service) CreateUser(ctx context.Context, address, firstName, lastName string) (*models.User, error) {
	return s.hooks.CreateUser(ctx, address, firstName, lastName)
}

func listName(list *models.MailingList) string {
	if list == nil {
		return compose.GlobalDenySlug
	}
	return list.Name
}

func listLabel(list *models.MailingList) string {
	if list == nil {
		return compose.GlobalDenySlug
	}
	return list.Slug
}

func (s *Service) newToken(ctx context.Context, user *models.User, list *models.MailingList) (string, error) {
	for i := 0; i < maxTokenAttempts; i++ {
		token, err := generateToken(user.Email, listName(list))
		if err != nil {
			return "", fmt.Errorf("generate token: %w", err)
		}
		var count int64
		if err := s.db.WithContext(ctx).Model(&models.Subscription{}).Where("token = ?", token).Count(&count).Error; err != nil {
			return "", err
		}
		if count == 0 {
			return token, nil
		}
	}
	return "", errors.New("generate token: no unique token found")
}

func (s *Service) find(ctx context.Context, userID uint, list *models.MailingList) (*models.Subscription, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if list == nil {
		q = q.Where("mailing_list_id IS NULL")
	} else {
		q = q.Where("mailing_list_id = ?", list.ID)
	}
	var sub models.Subscription
	if err := q.First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

// findOrCreate returns the user's subscription to list, creating a pending
// one with a fresh token on first contact.
func (s *Service) findOrCreate(ctx context.Context, user *models.User, list *models.MailingList) (*models.Subscription, error) {
	sub, err := s.find(ctx, user.ID, list)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		token, tokenErr := s.newToken(ctx, user, list)
		if tokenErr != nil {
			return nil, tokenErr
		}
		sub = &models.Subscription{UserID: user.ID, Token: token, Status: models.SubscriptionPending}
		if list != nil {
			sub.MailingListID = &list.ID
		}
		if err = s.db.WithContext(ctx).Omit(clause.Associations).Create(sub).Error; err != nil {
			// lost a race against a concurrent subscribe
			existing, findErr := s.find(ctx, user.ID, list)
			if findErr != nil {
				return nil, fmt.Errorf("create subscription: %w", err)
			}
			sub = existing
		} else {
			s.log.Infow("created subscription", "subscription", sub.ID, "user", user.ID, "mailing_list", listLabel(list))
		}
	} else if err != nil {
		return nil, fmt.Errorf("find subscription: %w", err)
	}

	sub.User = *user
	sub.MailingList = list
	return sub, nil
}

// updateStatus is the only place a subscription's status changes. A no-op
// transition writes nothing.
func (s *Service) updateStatus(ctx context.Context, sub *models.Subscription, to models.SubscriptionStatus) (*models.Subscription, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("invalid subscription status %d", int(to))
	}
	if sub.Status == to {
		return sub, nil
	}
	from := sub.Status
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		change := models.SubscriptionChange{
			SubscriptionID: sub.ID,
			FromStatus:     &from,
			ToStatus:       to,
		}
		if err := tx.Create(&change).Error; err != nil {
			return err
		}
		return tx.Model(&models.Subscription{}).Where("id = ?", sub.ID).Update("status", to).Error
	})
	if err != nil {
		return nil, fmt.Errorf("update subscription %d to %s: %w", sub.ID, to, err)
	}
	sub.Status = to
	metrics.SubscriptionTransitions.WithLabelValues(from.String(), to.String()).Inc()
	s.log.Infow("subscription status changed", "subscription", sub.ID, "from", from.String(), "to", to.String())
	return sub, nil
}

func (s *Service) confirm(ctx context.Context, sub *models.Subscription) (*models.Subscription, error) {
	if sub.MailingListID == nil {
		deny := models.GlobalDeny{UserID: sub.UserID}
		err := s.db.WithContext(ctx).
			Where(models.GlobalDeny{UserID: sub.UserID}).
			FirstOrCreate(&deny).Error
		if err != nil {
			return nil, fmt.Errorf("create global deny for user %d: %w", sub.UserID, err)
		}
	}
	return s.updateStatus(ctx, sub, models.SubscriptionSubscribed)
}

func (s *Service) sendConfirmation(ctx context.Context, sub *models.Subscription) error {
	msg, err := s.messages.PrepareConfirmation(sub)
	if err != nil {
		return fmt.Errorf("compose confirmation: %w", err)
	}
	if err := s.hooks.SendMessage(ctx, msg); err != nil {
		return fmt.Errorf("send confirmation to %s: %w", sub.User.Email, err)
	}
	metrics.ConfirmationsSent.WithLabelValues(listLabel(sub.MailingList)).Inc()
	return nil
}

// IsGloballyDenied reports whether the user opted out of every list.
func (s *Service) IsGloballyDenied(ctx context.Context, userID uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.GlobalDeny{}).Where("user_id = ?", userID).Count(&count).Error
	return count > 0, err
}

// Subscribe creates the subscription and either sends a confirmation mail or
// activates it right away. A nil list is the global deny list, which always
// needs confirmation. Globally denied users get (nil, nil).
func (s *Service) Subscribe(ctx context.Context, user *models.User, list *models.MailingList, forceConfirm bool) (*models.Subscription, error) {
	denied, err := s.IsGloballyDenied(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if denied {
		return nil, nil
	}

	sub, err := s.findOrCreate(ctx, user, list)
	if err != nil {
		return nil, err
	}
	if sub.Status == models.SubscriptionSubscribed {
		return sub, nil
	}

	if list == nil || (s.cfg.ConfirmEmailSubscribe && !forceConfirm) {
		if err := s.sendConfirmation(ctx, sub); err != nil {
			return sub, err
		}
		return sub, nil
	}
	return s.confirm(ctx, sub)
}

// ForceSubscribe activates a subscription without a confirmation mail.
func (s *Service) ForceSubscribe(ctx context.Context, user *models.User, list *models.MailingList) (*models.Subscription, error) {
	sub, err := s.findOrCreate(ctx, user, list)
	if err != nil {
		return nil, err
	}
	return s.confirm(ctx, sub)
}

// ByToken loads the subscription a token belongs to, with its user and list.
// Unknown tokens yield (nil, nil).
func (s *Service) ByToken(ctx context.Context, token string) (*models.Subscription, error) {
	if token == "" {
		return nil, nil
	}
	var sub models.Subscription
	err := s.db.WithContext(ctx).
		Preload("User").
		Preload("MailingList").
		Where("token = ?", token).
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find subscription by token: %w", err)
	}
	return &sub, nil
}

// ConfirmSubscription activates the subscription behind token. Unknown tokens
// are not an error; they yield (nil, nil) and write nothing.
func (s *Service) ConfirmSubscription(ctx context.Context, token string) (*models.Subscription, error) {
	sub, err := s.ByToken(ctx, token)
	if err != nil || sub == nil {
		return nil, err
	}
	return s.confirm(ctx, sub)
}

// Unsubscribe deactivates the subscription behind token. Unknown tokens yield
// (nil, nil).
func (s *Service) Unsubscribe(ctx context.Context, token string) (*models.Subscription, error) {
	sub, err := s.ByToken(ctx, token)
	if err != nil || sub == nil {
		return nil, err
	}
	return s.updateStatus(ctx, sub, models.SubscriptionUnsubscribed)
}

// MarkSubscribed and MarkUnsubscribed back the admin bulk actions.
func (s *Service) MarkSubscribed(ctx context.Context, sub *models.Subscription) (*models.Subscription, error) {
	return s.confirm(ctx, sub)
}

func (s *Service) MarkUnsubscribed(ctx context.Context, sub *models.Subscription) (*models.Subscription, error) {
	return s.updateStatus(ctx, sub, models.SubscriptionUnsubscribed)
}

// RotateToken issues a new token. Links carrying the old one stop working.
func (s *Service) RotateToken(ctx context.Context, sub *models.Subscription) (*models.Subscription, error) {
	user := sub.User
	if user.ID == 0 {
		if err := s.db.WithContext(ctx).First(&user, sub.UserID).Error; err != nil {
			return nil, fmt.Errorf("load user %d: %w", sub.UserID, err)
		}
	}
	token, err := s.newToken(ctx, &user, sub.MailingList)
	if err != nil {
		return nil, err
	}
	err = s.db.WithContext(ctx).Model(&models.Subscription{}).Where("id = ?", sub.ID).Update("token", token).Error
	if err != nil {
		return nil, fmt.Errorf("rotate token of subscription %d: %w", sub.ID, err)
	}
	sub.Token = token
	return sub, nil
}
