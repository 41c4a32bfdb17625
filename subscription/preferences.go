package subscription

import (
	"context"
	"fmt"

	"mailinglist/models"
)

type ListChoice struct {
	MailingList models.MailingList
	Subscribed  bool
}

// Preferences is what a subscriber sees on the token-authenticated
// subscriptions page: one checkbox per visible list plus global deny.
type Preferences struct {
	User       models.User
	Lists      []ListChoice
	GlobalDeny bool
}

func (s *Service) subscribedLists(ctx context.Context, userID uint) (map[uint]*models.Subscription, error) {
	var subs []models.Subscription
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND mailing_list_id IS NOT NULL", userID, models.SubscriptionSubscribed).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("load subscriptions of user %d: %w", userID, err)
	}
	out := make(map[uint]*models.Subscription, len(subs))
	for i := range subs {
		out[*subs[i].MailingListID] = &subs[i]
	}
	return out, nil
}

func (s *Service) visibleLists(ctx context.Context) ([]models.MailingList, error) {
	var lists []models.MailingList
	if err := s.db.WithContext(ctx).Where("visible = ?", true).Order("name ASC").Find(&lists).Error; err != nil {
		return nil, fmt.Errorf("load visible mailing lists: %w", err)
	}
	return lists, nil
}

func (s *Service) Preferences(ctx context.Context, user *models.User) (*Preferences, error) {
	subscribed, err := s.subscribedLists(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	lists, err := s.visibleLists(ctx)
	if err != nil {
		return nil, err
	}
	denied, err := s.IsGloballyDenied(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	prefs := &Preferences{User: *user, GlobalDeny: denied}
	for _, list := range lists {
		_, ok := subscribed[list.ID]
		prefs.Lists = append(prefs.Lists, ListChoice{MailingList: list, Subscribed: ok})
	}
	return prefs, nil
}

// SavePreferences applies the checkbox state. Newly wanted lists are
// subscribed without a confirmation mail since the token already proves the
// address; lists no longer wanted are unsubscribed. Global deny is applied
// first, so checking it together with a list leaves that list untouched.
func (s *Service) SavePreferences(ctx context.Context, user *models.User, wanted map[uint]bool, globalDeny bool) error {
	db := s.db.WithContext(ctx)
	if globalDeny {
		deny := models.GlobalDeny{UserID: user.ID}
		if err := db.Where(models.GlobalDeny{UserID: user.ID}).FirstOrCreate(&deny).Error; err != nil {
			return fmt.Errorf("create global deny for user %d: %w", user.ID, err)
		}
	} else {
		if err := db.Where("user_id = ?", user.ID).Delete(&models.GlobalDeny{}).Error; err != nil {
			return fmt.Errorf("remove global deny for user %d: %w", user.ID, err)
		}
	}

	subscribed, err := s.subscribedLists(ctx, user.ID)
	if err != nil {
		return err
	}
	lists, err := s.visibleLists(ctx)
	if err != nil {
		return err
	}

	for i := range lists {
		list := &lists[i]
		current, isSubscribed := subscribed[list.ID]
		switch {
		case wanted[list.ID] && !isSubscribed:
			if _, err := s.Subscribe(ctx, user, list, true); err != nil {
				return err
			}
		case !wanted[list.ID] && isSubscribed:
			if _, err := s.updateStatus(ctx, current, models.SubscriptionUnsubscribed); err != nil {
				return err
			}
		}
	}
	return nil
}
