package subscription

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"mailinglist/common"
	"mailinglist/compose"
	"mailinglist/database"
	"mailinglist/email"
	"mailinglist/models"
)

type fixture struct {
	db      *gorm.DB
	cfg     *common.Config
	outbox  *email.Outbox
	service *Service
}

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(database.AllModels()...))
	return db
}

func setup(t *testing.T, confirm bool) *fixture {
	db := setupTestDB(t)
	cfg := &common.Config{
		BaseURL:               "https://lists.example.com",
		DefaultSenderEmail:    "admin@example.com",
		DefaultSenderName:     "Administrator",
		ConfirmEmailSubscribe: confirm,
	}
	loader, err := compose.NewLoader("")
	require.NoError(t, err)
	outbox := email.NewOutbox()
	hooks := email.NewDefaultHookset(db, outbox)
	service := NewService(db, cfg, hooks, compose.NewMessageService(cfg, loader), nil)
	return &fixture{db: db, cfg: cfg, outbox: outbox, service: service}
}

func (f *fixture) createUser(t *testing.T, address string) *models.User {
	user, err := f.service.CreateUser(context.Background(), address, "Ann", "Lee")
	require.NoError(t, err)
	return user
}

func (f *fixture) createList(t *testing.T, slug string, visible bool) *models.MailingList {
	list := &models.MailingList{
		Name:     "List " + slug,
		Slug:     slug,
		Email:    slug + "@example.com",
		Sender:   "Sender " + slug,
		Visible:  visible,
		SendHTML: true,
	}
	require.NoError(t, f.db.Create(list).Error)
	return list
}

func (f *fixture) changes(t *testing.T, subID uint) []models.SubscriptionChange {
	var changes []models.SubscriptionChange
	require.NoError(t, f.db.Where("subscription_id = ?", subID).Order("id ASC").Find(&changes).Error)
	return changes
}

func TestGenerateToken(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		token, err := generateToken("ann@example.com", "Garden")
		require.NoError(t, err)
		assert.Len(t, token, TokenLength)
		for _, r := range token {
			assert.True(t, strings.ContainsRune(tokenChars, r), "unexpected rune %q", r)
		}
		assert.False(t, seen[token], "duplicate token %s", token)
		seen[token] = true
	}
}

func TestGenerateToken_EmptyAddress(t *testing.T) {
	token, err := generateToken("", "Garden")
	require.NoError(t, err)
	assert.Len(t, token, TokenLength)
}

func TestSubscribe_RequiresConfirmation(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	user := f.createUser(t, "ann@example.com")
	list := f.createList(t, "garden", true)

	sub, err := f.service.Subscribe(ctx, user, list, false)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, models.SubscriptionPending, sub.Status)
	assert.Len(t, sub.Token, TokenLength)

	sent := f.outbox.SentTo("ann@example.com")
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Body, "https://lists.example.com/confirm/"+sub.Token)
	assert.Equal(t, list.SenderTag(), sent[0].From)
	assert.Empty(t, f.changes(t, sub.ID))

	confirmed, err := f.service.ConfirmSubscription(ctx, sub.Token)
	require.NoError(t, err)
	require.NotNil(t, confirmed)
	assert.Equal(t, models.SubscriptionSubscribed, confirmed.Status)

	changes := f.changes(t, sub.ID)
	require.Len(t, changes, 1)
	require.NotNil(t, changes[0].FromStatus)
	assert.Equal(t, models.SubscriptionPending, *changes[0].FromStatus)
	assert.Equal(t, models.SubscriptionSubscribed, changes[0].ToStatus)

	var stored models.Subscription
	require.NoError(t, f.db.First(&stored, sub.ID).Error)
	assert.Equal(t, models.SubscriptionSubscribed, stored.Status)
}

func TestConfirmSubscription_Twice(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	sub, err := f.service.Subscribe(ctx, f.createUser(t, "ann@example.com"), f.createList(t, "garden", true), false)
	require.NoError(t, err)

	_, err = f.service.ConfirmSubscription(ctx, sub.Token)
	require.NoError(t, err)
	_, err = f.service.ConfirmSubscription(ctx, sub.Token)
	require.NoError(t, err)

	assert.Len(t, f.changes(t, sub.ID), 1)
}

func TestConfirmSubscription_UnknownToken(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	f.createUser(t, "ann@example.com")

	sub, err := f.service.ConfirmSubscription(ctx, "does-not-exist")
	assert.NoError(t, err)
	assert.Nil(t, sub)

	sub, err = f.service.ConfirmSubscription(ctx, "")
	assert.NoError(t, err)
	assert.Nil(t, sub)

	var changes, denies int64
	f.db.Model(&models.SubscriptionChange{}).Count(&changes)
	f.db.Model(&models.GlobalDeny{}).Count(&denies)
	assert.Zero(t, changes)
	assert.Zero(t, denies)
}

func TestSubscribe_WithoutConfirmation(t *testing.T) {
	f := setup(t, false)
	sub, err := f.service.Subscribe(context.Background(), f.createUser(t, "ann@example.com"), f.createList(t, "garden", true), false)
	require.NoError(t, err)

	assert.Equal(t, models.SubscriptionSubscribed, sub.Status)
	assert.Empty(t, f.outbox.Messages())
	assert.Len(t, f.changes(t, sub.ID), 1)
}

func TestSubscribe_ForceConfirm(t *testing.T) {
	f := setup(t, true)
	sub, err := f.service.Subscribe(context.Background(), f.createUser(t, "ann@example.com"), f.createList(t, "garden", true), true)
	require.NoError(t, err)

	assert.Equal(t, models.SubscriptionSubscribed, sub.Status)
	assert.Empty(t, f.outbox.Messages())
}

func TestSubscribe_AlreadySubscribed(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	user := f.createUser(t, "ann@example.com")
	list := f.createList(t, "garden", true)

	first, err := f.service.ForceSubscribe(ctx, user, list)
	require.NoError(t, err)

	second, err := f.service.Subscribe(ctx, user, list, false)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Token, second.Token)
	assert.Empty(t, f.outbox.Messages())

	var count int64
	f.db.Model(&models.Subscription{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestSubscribe_PendingResendsConfirmation(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	user := f.createUser(t, "ann@example.com")
	list := f.createList(t, "garden", true)

	first, err := f.service.Subscribe(ctx, user, list, false)
	require.NoError(t, err)
	second, err := f.service.Subscribe(ctx, user, list, false)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, f.outbox.Messages(), 2)
}

func TestSubscribe_GloballyDenied(t *testing.T) {
	f := setup(t, false)
	user := f.createUser(t, "ann@example.com")
	require.NoError(t, f.db.Create(&models.GlobalDeny{UserID: user.ID}).Error)

	sub, err := f.service.Subscribe(context.Background(), user, f.createList(t, "garden", true), false)
	assert.NoError(t, err)
	assert.Nil(t, sub)

	var count int64
	f.db.Model(&models.Subscription{}).Count(&count)
	assert.Zero(t, count)
}

func TestSubscribe_GlobalDenyList(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()
	user := f.createUser(t, "ann@example.com")

	sub, err := f.service.Subscribe(ctx, user, nil, false)
	require.NoError(t, err)
	assert.Nil(t, sub.MailingListID)
	assert.Equal(t, models.SubscriptionPending, sub.Status)

	sent := f.outbox.SentTo("ann@example.com")
	require.Len(t, sent, 1)
	assert.Equal(t, f.cfg.DefaultSenderTag(), sent[0].From)

	denied, err := f.service.IsGloballyDenied(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, denied)

	_, err = f.service.ConfirmSubscription(ctx, sub.Token)
	require.NoError(t, err)

	denied, err = f.service.IsGloballyDenied(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, denied)
}

func TestSubscribe_GlobalDenyListIsUniquePerUser(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	user := f.createUser(t, "ann@example.com")

	first, err := f.service.Subscribe(ctx, user, nil, false)
	require.NoError(t, err)
	second, err := f.service.Subscribe(ctx, user, nil, false)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
}

func TestSubscribe_ConfirmationFailure(t *testing.T) {
	f := setup(t, true)
	boom := errors.New("smtp down")
	f.outbox.FailFor["ann@example.com"] = boom

	sub, err := f.service.Subscribe(context.Background(), f.createUser(t, "ann@example.com"), f.createList(t, "garden", true), false)
	assert.ErrorIs(t, err, boom)
	require.NotNil(t, sub)
	assert.Equal(t, models.SubscriptionPending, sub.Status)
}

func TestForceSubscribe(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	user := f.createUser(t, "ann@example.com")
	list := f.createList(t, "garden", true)

	sub, err := f.service.ForceSubscribe(ctx, user, list)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionSubscribed, sub.Status)
	assert.Empty(t, f.outbox.Messages())
	assert.Len(t, f.changes(t, sub.ID), 1)
}

func TestUnsubscribe(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	sub, err := f.service.ForceSubscribe(ctx, f.createUser(t, "ann@example.com"), f.createList(t, "garden", true))
	require.NoError(t, err)

	unsubscribed, err := f.service.Unsubscribe(ctx, sub.Token)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionUnsubscribed, unsubscribed.Status)

	changes := f.changes(t, sub.ID)
	require.Len(t, changes, 2)
	assert.Equal(t, models.SubscriptionSubscribed, *changes[1].FromStatus)
	assert.Equal(t, models.SubscriptionUnsubscribed, changes[1].ToStatus)

	resubscribed, err := f.service.ConfirmSubscription(ctx, sub.Token)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionSubscribed, resubscribed.Status)
	assert.Len(t, f.changes(t, sub.ID), 3)
}

func TestUnsubscribe_UnknownToken(t *testing.T) {
	f := setup(t, true)
	sub, err := f.service.Unsubscribe(context.Background(), "nope")
	assert.NoError(t, err)
	assert.Nil(t, sub)
}

func TestRotateToken(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	sub, err := f.service.ForceSubscribe(ctx, f.createUser(t, "ann@example.com"), f.createList(t, "garden", true))
	require.NoError(t, err)
	oldToken := sub.Token

	rotated, err := f.service.RotateToken(ctx, sub)
	require.NoError(t, err)
	assert.NotEqual(t, oldToken, rotated.Token)
	assert.Len(t, rotated.Token, TokenLength)

	gone, err := f.service.Unsubscribe(ctx, oldToken)
	assert.NoError(t, err)
	assert.Nil(t, gone)

	found, err := f.service.ByToken(ctx, rotated.Token)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, sub.ID, found.ID)
	assert.Equal(t, "ann@example.com", found.User.Email)
}

func TestMarkActions(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	sub, err := f.service.Subscribe(ctx, f.createUser(t, "ann@example.com"), f.createList(t, "garden", true), false)
	require.NoError(t, err)

	_, err = f.service.MarkSubscribed(ctx, sub)
	require.NoError(t, err)
	_, err = f.service.MarkUnsubscribed(ctx, sub)
	require.NoError(t, err)

	changes := f.changes(t, sub.ID)
	require.Len(t, changes, 2)
	assert.Equal(t, models.SubscriptionUnsubscribed, changes[1].ToStatus)
}
