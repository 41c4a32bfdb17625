package submission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

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

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db      *gorm.DB
	outbox  *email.Outbox
	sleeps  []time.Duration
	service *Service
	list    *models.MailingList
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

func testConfig() *common.Config {
	return &common.Config{
		BaseURL:            "https://lists.example.com",
		DefaultSenderEmail: "admin@example.com",
		DefaultSenderName:  "Administrator",
		EmailDelay:         common.NoDelay,
		BatchDelay:         common.NoDelay,
	}
}

func setup(t *testing.T, cfg *common.Config) *fixture {
	f := &fixture{db: setupTestDB(t), outbox: email.NewOutbox()}
	loader, err := compose.NewLoader("")
	require.NoError(t, err)

	f.service = NewService(
		f.db, cfg,
		email.NewDefaultHookset(f.db, f.outbox),
		compose.NewMessageService(cfg, loader),
		nil,
		WithClock(func() time.Time { return testNow }),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			f.sleeps = append(f.sleeps, d)
			return nil
		}),
	)
	f.list = f.createList(t, "garden")
	return f
}

func (f *fixture) createList(t *testing.T, slug string) *models.MailingList {
	list := &models.MailingList{Name: "List " + slug, Slug: slug, Email: slug + "@example.com", Sender: "Sender", SendHTML: true}
	require.NoError(t, f.db.Create(list).Error)
	return list
}

func (f *fixture) subscriber(t *testing.T, list *models.MailingList, address string, status models.SubscriptionStatus) *models.Subscription {
	user := models.User{Email: address}
	require.NoError(t, f.db.Create(&user).Error)
	sub := &models.Subscription{
		UserID:        user.ID,
		MailingListID: &list.ID,
		Token:         "tok-" + address,
		Status:        status,
	}
	require.NoError(t, f.db.Omit("User", "MailingList").Create(sub).Error)
	return sub
}

func (f *fixture) message(t *testing.T, list *models.MailingList, slug string) *models.Message {
	msg := &models.Message{
		Title:         "Title " + slug,
		Slug:          slug,
		MailingListID: list.ID,
		Parts: []models.MessagePart{
			{Order: 2, Heading: "Second", Text: "two"},
			{Order: 1, Heading: "First", Text: "one"},
		},
	}
	require.NoError(t, f.db.Omit("MailingList").Create(msg).Error)
	return msg
}

func (f *fixture) submission(t *testing.T, list *models.MailingList, slug string, status models.SubmissionStatus, published *time.Time) *models.Submission {
	msg := f.message(t, list, slug)
	sub := &models.Submission{MessageID: msg.ID, Status: status, Published: published}
	require.NoError(t, f.db.Omit("Message", "Exclude").Create(sub).Error)
	return sub
}

func (f *fixture) sendings(t *testing.T, submissionID uint) int64 {
	var count int64
	require.NoError(t, f.db.Model(&models.Sending{}).Where("submission_id = ?", submissionID).Count(&count).Error)
	return count
}

func (f *fixture) reload(t *testing.T, id uint) *models.Submission {
	var sub models.Submission
	require.NoError(t, f.db.First(&sub, id).Error)
	return &sub
}

func at(d time.Duration) *time.Time {
	v := testNow.Add(d)
	return &v
}

func TestSubmitMessage_Idempotent(t *testing.T) {
	f := setup(t, testConfig())
	ctx := context.Background()
	msg := f.message(t, f.list, "spring")

	first, err := f.service.SubmitMessage(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionNew, first.Status)

	_, err = f.service.Publish(ctx, first)
	require.NoError(t, err)

	second, err := f.service.SubmitMessage(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.SubmissionPending, second.Status)

	var count int64
	f.db.Model(&models.Submission{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestPublish(t *testing.T) {
	f := setup(t, testConfig())
	sub := f.submission(t, f.list, "spring", models.SubmissionNew, nil)

	_, err := f.service.Publish(context.Background(), sub)
	require.NoError(t, err)

	stored := f.reload(t, sub.ID)
	assert.Equal(t, models.SubmissionPending, stored.Status)
	require.NotNil(t, stored.Published)
	assert.True(t, testNow.Equal(*stored.Published))
	assert.Empty(t, f.outbox.Messages())
}

func TestPublish_InvalidTransition(t *testing.T) {
	f := setup(t, testConfig())
	sub := f.submission(t, f.list, "spring", models.SubmissionSent, at(-time.Hour))

	_, err := f.service.Publish(context.Background(), sub)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, models.SubmissionSent, f.reload(t, sub.ID).Status)
}

func TestProcessSubmission_InvalidTransition(t *testing.T) {
	f := setup(t, testConfig())
	for _, status := range []models.SubmissionStatus{models.SubmissionNew, models.SubmissionSent} {
		sub := f.submission(t, f.list, "msg-"+status.String(), status, at(-time.Hour))
		_, err := f.service.ProcessSubmission(context.Background(), sub, 0)
		assert.ErrorIs(t, err, ErrInvalidTransition, status.String())
		assert.Equal(t, status, f.reload(t, sub.ID).Status)
	}
}

func TestOutstandingSubmissions(t *testing.T) {
	f := setup(t, testConfig())
	due := f.submission(t, f.list, "due", models.SubmissionPending, at(-time.Minute))
	dueNow := f.submission(t, f.list, "due-now", models.SubmissionPending, at(0))
	sending := f.submission(t, f.list, "sending", models.SubmissionSending, at(-time.Hour))
	f.submission(t, f.list, "new", models.SubmissionNew, nil)
	f.submission(t, f.list, "future", models.SubmissionPending, at(time.Minute))
	f.submission(t, f.list, "unpublished", models.SubmissionPending, nil)
	f.submission(t, f.list, "sent", models.SubmissionSent, at(-time.Hour))

	subs, err := f.service.OutstandingSubmissions(context.Background())
	require.NoError(t, err)

	var ids []uint
	for _, s := range subs {
		ids = append(ids, s.ID)
	}
	assert.ElementsMatch(t, []uint{due.ID, dueNow.ID, sending.ID}, ids)
}

func TestEnsureSent_Idempotent(t *testing.T) {
	f := setup(t, testConfig())
	ctx := context.Background()
	recipient := f.subscriber(t, f.list, "ann@example.com", models.SubscriptionSubscribed)
	sub := f.submission(t, f.list, "spring", models.SubmissionSending, at(-time.Hour))

	sent, err := f.service.EnsureSent(ctx, sub, recipient.ID)
	require.NoError(t, err)
	assert.True(t, sent)

	sent, err = f.service.EnsureSent(ctx, sub, recipient.ID)
	require.NoError(t, err)
	assert.False(t, sent)

	assert.Equal(t, int64(1), f.sendings(t, sub.ID))
	assert.Len(t, f.outbox.Messages(), 1)
}

func TestEnsureSent_FailureRecordsNothing(t *testing.T) {
	f := setup(t, testConfig())
	boom := errors.New("connection refused")
	recipient := f.subscriber(t, f.list, "ann@example.com", models.SubscriptionSubscribed)
	sub := f.submission(t, f.list, "spring", models.SubmissionSending, at(-time.Hour))
	f.outbox.FailFor["ann@example.com"] = boom

	sent, err := f.service.EnsureSent(context.Background(), sub, recipient.ID)
	assert.ErrorIs(t, err, boom)
	assert.False(t, sent)
	assert.Zero(t, f.sendings(t, sub.ID))
}

func TestProcessSubmission_ComposesListMessage(t *testing.T) {
	f := setup(t, testConfig())
	f.subscriber(t, f.list, "ann@example.com", models.SubscriptionSubscribed)
	sub := f.submission(t, f.list, "spring", models.SubmissionPending, at(-time.Hour))

	_, err := f.service.ProcessSubmission(context.Background(), sub, 0)
	require.NoError(t, err)

	sent := f.outbox.SentTo("ann@example.com")
	require.Len(t, sent, 1)
	assert.Equal(t, "[List garden] Title spring", sent[0].Subject)
	assert.Equal(t, f.list.SenderTag(), sent[0].From)
	assert.Less(t, strings.Index(sent[0].Body, "First"), strings.Index(sent[0].Body, "Second"))
	assert.Contains(t, sent[0].Headers["List-Unsubscribe"], "/unsubscribe/tok-ann@example.com")
}

func TestProcessSubmission_Exclusions(t *testing.T) {
	f := setup(t, testConfig())
	ctx := context.Background()
	other := f.createList(t, "other")

	f.subscriber(t, f.list, "keep@example.com", models.SubscriptionSubscribed)
	excluded := f.subscriber(t, f.list, "excluded@example.com", models.SubscriptionSubscribed)
	denied := f.subscriber(t, f.list, "denied@example.com", models.SubscriptionSubscribed)
	f.subscriber(t, f.list, "pending@example.com", models.SubscriptionPending)
	f.subscriber(t, f.list, "gone@example.com", models.SubscriptionUnsubscribed)
	f.subscriber(t, other, "other@example.com", models.SubscriptionSubscribed)
	require.NoError(t, f.db.Create(&models.GlobalDeny{UserID: denied.UserID}).Error)

	sub := f.submission(t, f.list, "spring", models.SubmissionPending, at(-time.Hour))
	require.NoError(t, f.service.Exclude(ctx, sub, excluded.ID))

	count, err := f.service.ProcessSubmission(ctx, sub, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	msgs := f.outbox.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"keep@example.com"}, msgs[0].To)
	assert.Equal(t, int64(1), f.sendings(t, sub.ID))
	assert.Equal(t, models.SubmissionSent, f.reload(t, sub.ID).Status)
}

func TestExcludeAndInclude(t *testing.T) {
	f := setup(t, testConfig())
	ctx := context.Background()
	a := f.subscriber(t, f.list, "a@example.com", models.SubscriptionSubscribed)
	b := f.subscriber(t, f.list, "b@example.com", models.SubscriptionSubscribed)
	sub := f.submission(t, f.list, "spring", models.SubmissionPending, at(-time.Hour))

	require.NoError(t, f.service.Exclude(ctx, sub, a.ID, b.ID))
	require.NoError(t, f.service.Exclude(ctx, sub, a.ID))
	require.NoError(t, f.service.Include(ctx, sub, b.ID))

	loaded, err := f.service.Get(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Exclude, 1)
	assert.Equal(t, a.ID, loaded.Exclude[0].ID)

	loaded.Message = models.Message{}
	require.NoError(t, f.service.loadMessage(ctx, loaded))
	recipients, err := f.service.Recipients(ctx, loaded)
	require.NoError(t, err)
	require.Len(t, recipients, 1)
	assert.Equal(t, b.ID, recipients[0].ID)
}

func TestProcessSubmission_Resumes(t *testing.T) {
	f := setup(t, testConfig())
	ctx := context.Background()
	f.subscriber(t, f.list, "a@example.com", models.SubscriptionSubscribed)
	f.subscriber(t, f.list, "b@example.com", models.SubscriptionSubscribed)
	f.subscriber(t, f.list, "c@example.com", models.SubscriptionSubscribed)
	sub := f.submission(t, f.list, "spring", models.SubmissionPending, at(-time.Hour))

	boom := errors.New("mailbox unavailable")
	f.outbox.FailFor["b@example.com"] = boom

	count, err := f.service.ProcessSubmission(ctx, sub, 0)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, count)
	assert.Equal(t, models.SubmissionSending, f.reload(t, sub.ID).Status)
	assert.Equal(t, int64(1), f.sendings(t, sub.ID))

	delete(f.outbox.FailFor, "b@example.com")
	count, err = f.service.ProcessSubmission(ctx, f.reload(t, sub.ID), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	assert.Equal(t, models.SubmissionSent, f.reload(t, sub.ID).Status)
	assert.Equal(t, int64(3), f.sendings(t, sub.ID))
	assert.Len(t, f.outbox.SentTo("a@example.com"), 1)
	assert.Len(t, f.outbox.SentTo("b@example.com"), 1)
	assert.Len(t, f.outbox.SentTo("c@example.com"), 1)
}

func TestProcessSubmission_ReturnsCumulativeCount(t *testing.T) {
	f := setup(t, testConfig())
	f.subscriber(t, f.list, "a@example.com", models.SubscriptionSubscribed)
	f.subscriber(t, f.list, "b@example.com", models.SubscriptionSubscribed)
	sub := f.submission(t, f.list, "spring", models.SubmissionPending, at(-time.Hour))

	count, err := f.service.ProcessSubmission(context.Background(), sub, 5)
	require.NoError(t, err)
	assert.Equal(t, 7, count)
}

func TestProcessSubmissions_EndToEnd(t *testing.T) {
	f := setup(t, testConfig())
	ctx := context.Background()
	f.subscriber(t, f.list, "a@example.com", models.SubscriptionSubscribed)
	excluded := f.subscriber(t, f.list, "b@example.com", models.SubscriptionSubscribed)
	f.subscriber(t, f.list, "c@example.com", models.SubscriptionSubscribed)

	sub, err := f.service.SubmitMessage(ctx, f.message(t, f.list, "spring"))
	require.NoError(t, err)
	require.NoError(t, f.service.Exclude(ctx, sub, excluded.ID))
	_, err = f.service.Publish(ctx, sub)
	require.NoError(t, err)
	published := f.reload(t, sub.ID).Published

	require.NoError(t, f.service.ProcessSubmissions(ctx))

	stored := f.reload(t, sub.ID)
	assert.Equal(t, models.SubmissionSent, stored.Status)
	assert.Equal(t, int64(2), f.sendings(t, sub.ID))
	require.NotNil(t, stored.Published)
	assert.True(t, published.Equal(*stored.Published))
	assert.Empty(t, f.outbox.SentTo("b@example.com"))

	// nothing left to do
	require.NoError(t, f.service.ProcessSubmissions(ctx))
	assert.Len(t, f.outbox.Messages(), 2)
}

func TestProcessSubmissions_ThreadsSendCount(t *testing.T) {
	cfg := testConfig()
	cfg.EmailDelay = common.After(time.Second)
	cfg.BatchDelay = common.After(10 * time.Second)
	cfg.BatchSize = 3
	f := setup(t, cfg)

	other := f.createList(t, "other")
	f.subscriber(t, f.list, "a@example.com", models.SubscriptionSubscribed)
	f.subscriber(t, f.list, "b@example.com", models.SubscriptionSubscribed)
	f.subscriber(t, other, "c@example.com", models.SubscriptionSubscribed)
	f.subscriber(t, other, "d@example.com", models.SubscriptionSubscribed)
	f.submission(t, f.list, "one", models.SubmissionPending, at(-time.Hour))
	f.submission(t, other, "two", models.SubmissionSending, at(-time.Hour))

	require.NoError(t, f.service.ProcessSubmissions(context.Background()))

	assert.Equal(t, []time.Duration{time.Second, time.Second, 10 * time.Second, time.Second}, f.sleeps)
}

func TestProcessSubmissions_StopsAtFirstFailure(t *testing.T) {
	f := setup(t, testConfig())
	other := f.createList(t, "other")
	f.subscriber(t, f.list, "a@example.com", models.SubscriptionSubscribed)
	f.subscriber(t, other, "b@example.com", models.SubscriptionSubscribed)
	first := f.submission(t, f.list, "one", models.SubmissionPending, at(-time.Hour))
	second := f.submission(t, other, "two", models.SubmissionPending, at(-time.Hour))

	boom := errors.New("smtp down")
	f.outbox.FailFor["a@example.com"] = boom

	err := f.service.ProcessSubmissions(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, models.SubmissionSending, f.reload(t, first.ID).Status)
	assert.Equal(t, models.SubmissionPending, f.reload(t, second.ID).Status)
}

func TestProcessSubmission_SkipsDoNotPause(t *testing.T) {
	cfg := testConfig()
	cfg.EmailDelay = common.After(time.Second)
	f := setup(t, cfg)
	ctx := context.Background()
	a := f.subscriber(t, f.list, "a@example.com", models.SubscriptionSubscribed)
	f.subscriber(t, f.list, "b@example.com", models.SubscriptionSubscribed)
	sub := f.submission(t, f.list, "spring", models.SubmissionSending, at(-time.Hour))

	_, err := f.service.EnsureSent(ctx, sub, a.ID)
	require.NoError(t, err)

	count, err := f.service.ProcessSubmission(ctx, f.reload(t, sub.ID), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, []time.Duration{time.Second}, f.sleeps)
}

func TestRecipients_ManySubscribers(t *testing.T) {
	f := setup(t, testConfig())
	for i := 0; i < 25; i++ {
		f.subscriber(t, f.list, fmt.Sprintf("user%d@example.com", i), models.SubscriptionSubscribed)
	}
	sub := f.submission(t, f.list, "spring", models.SubmissionPending, at(-time.Hour))

	count, err := f.service.ProcessSubmission(context.Background(), sub, 0)
	require.NoError(t, err)
	assert.Equal(t, 25, count)
	assert.Equal(t, int64(25), f.sendings(t, sub.ID))
}
