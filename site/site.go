package site

import (
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"mailinglist/common"
	"mailinglist/compose"
	"mailinglist/models"
	"mailinglist/subscription"
)

type SiteModule struct {
	db            *gorm.DB
	cfg           *common.Config
	subscriptions *subscription.Service
	log           *zap.SugaredLogger
	now           func() time.Time
}

func NewSiteModule(db *gorm.DB, cfg *common.Config, subscriptions *subscription.Service, log *zap.SugaredLogger) *SiteModule {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &SiteModule{db: db, cfg: cfg, subscriptions: subscriptions, log: log, now: time.Now}
}

func (s *SiteModule) RegisterRoutes(router gin.IRouter) {
	router.GET("/subscribe/:slug", s.subscribePage)
	router.POST("/subscribe/:slug", s.subscribePost)
	router.GET("/subscribe/:slug/success", s.subscribeSuccess)
	router.GET("/global_deny", s.globalDenyPage)
	router.POST("/global_deny", s.globalDenyPost)
	router.GET("/global_deny/success", s.globalDenySuccess)
	router.GET("/confirm/:token", s.confirm)
	router.GET("/unsubscribe/:token", s.unsubscribe)
	router.GET("/subscriptions/:token", s.subscriptionsPage)
	router.POST("/subscriptions/:token", s.subscriptionsPost)
}

// RegisterArchiveRoutes is separate so the caller can put the archive behind
// the page cache.
func (s *SiteModule) RegisterArchiveRoutes(router gin.IRouter) {
	router.GET("/archive", s.archives)
	router.GET("/archive/:slug", s.archiveIndex)
	router.GET("/archive/:slug/:messageSlug", s.archiveMessage)
}

type subscribeForm struct {
	Email     string `form:"email" binding:"required,email"`
	FirstName string `form:"first_name"`
	LastName  string `form:"last_name"`
}

func (s *SiteModule) notFound(c *gin.Context, msg string) {
	c.HTML(http.StatusNotFound, "site_error.html", gin.H{"error": msg})
}

func (s *SiteModule) serverError(c *gin.Context, msg string, err error) {
	s.log.Errorw(msg, "path", c.Request.URL.Path, "error", err)
	c.HTML(http.StatusInternalServerError, "site_error.html", gin.H{"error": msg})
}

func (s *SiteModule) listBySlug(slug string) (*models.MailingList, error) {
	var list models.MailingList
	err := s.db.Where("slug = ?", slug).First(&list).Error
	return &list, err
}

// subscribe runs the form through the subscribe flow. A globally denied
// address gets the same success page as everybody else.
func (s *SiteModule) subscribe(c *gin.Context, list *models.MailingList, form *subscribeForm) error {
	ctx := c.Request.Context()
	user, err := s.subscriptions.CreateUser(ctx, form.Email, form.FirstName, form.LastName)
	if err != nil {
		return err
	}
	_, err = s.subscriptions.Subscribe(ctx, user, list, false)
	return err
}

func (s *SiteModule) subscribePage(c *gin.Context) {
	list, err := s.listBySlug(c.Param("slug"))
	if err != nil {
		s.notFound(c, "Mailing list not found")
		return
	}
	c.HTML(http.StatusOK, "site_subscribe.html", gin.H{"list": list})
}

func (s *SiteModule) subscribePost(c *gin.Context) {
	list, err := s.listBySlug(c.Param("slug"))
	if err != nil {
		s.notFound(c, "Mailing list not found")
		return
	}
	var form subscribeForm
	if err := c.ShouldBind(&form); err != nil {
		c.HTML(http.StatusBadRequest, "site_subscribe.html", gin.H{
			"list":  list,
			"form":  form,
			"error": "Please enter a valid e-mail address",
		})
		return
	}
	if err := s.subscribe(c, list, &form); err != nil {
		s.serverError(c, "Could not subscribe, please try again later", err)
		return
	}
	c.Redirect(http.StatusFound, "/subscribe/"+list.Slug+"/success")
}

func (s *SiteModule) subscribeSuccess(c *gin.Context) {
	list, err := s.listBySlug(c.Param("slug"))
	if err != nil {
		s.notFound(c, "Mailing list not found")
		return
	}
	c.HTML(http.StatusOK, "site_subscribe_success.html", gin.H{
		"list":                 list,
		"requiresConfirmation": s.cfg.ConfirmEmailSubscribe,
	})
}

func (s *SiteModule) globalDenyPage(c *gin.Context) {
	c.HTML(http.StatusOK, "site_global_deny.html", gin.H{})
}

func (s *SiteModule) globalDenyPost(c *gin.Context) {
	var form subscribeForm
	if err := c.ShouldBind(&form); err != nil {
		c.HTML(http.StatusBadRequest, "site_global_deny.html", gin.H{
			"form":  form,
			"error": "Please enter a valid e-mail address",
		})
		return
	}
	if err := s.subscribe(c, nil, &form); err != nil {
		s.serverError(c, "Could not process the request, please try again later", err)
		return
	}
	c.Redirect(http.StatusFound, "/global_deny/success")
}

func (s *SiteModule) globalDenySuccess(c *gin.Context) {
	c.HTML(http.StatusOK, "site_global_deny_success.html", gin.H{})
}

// tokenPage renders the outcome of a token link. Nothing about the
// subscription itself is shown, and unknown tokens render the same page.
func (s *SiteModule) tokenPage(c *gin.Context, name string, sub *models.Subscription) {
	c.HTML(http.StatusOK, name, gin.H{
		"token":                  c.Param("token"),
		"isSubscription":         sub != nil,
		"isGlobalUnsubscription": sub != nil && sub.MailingListID == nil,
	})
}

func (s *SiteModule) confirm(c *gin.Context) {
	sub, err := s.subscriptions.ConfirmSubscription(c.Request.Context(), c.Param("token"))
	if err != nil {
		s.serverError(c, "Could not confirm the subscription", err)
		return
	}
	s.tokenPage(c, "site_confirm.html", sub)
}

func (s *SiteModule) unsubscribe(c *gin.Context) {
	sub, err := s.subscriptions.Unsubscribe(c.Request.Context(), c.Param("token"))
	if err != nil {
		s.serverError(c, "Could not unsubscribe", err)
		return
	}
	s.tokenPage(c, "site_unsubscribe.html", sub)
}

func (s *SiteModule) subscriptionByToken(c *gin.Context) (*models.Subscription, bool) {
	sub, err := s.subscriptions.ByToken(c.Request.Context(), c.Param("token"))
	if err != nil {
		s.serverError(c, "Could not load subscriptions", err)
		return nil, false
	}
	if sub == nil {
		s.notFound(c, "Subscription not found")
		return nil, false
	}
	return sub, true
}

func (s *SiteModule) subscriptionsPage(c *gin.Context) {
	sub, ok := s.subscriptionByToken(c)
	if !ok {
		return
	}
	prefs, err := s.subscriptions.Preferences(c.Request.Context(), &sub.User)
	if err != nil {
		s.serverError(c, "Could not load subscriptions", err)
		return
	}
	c.HTML(http.StatusOK, "site_subscriptions.html", gin.H{
		"token": c.Param("token"),
		"prefs": prefs,
		"saved": c.Query("saved") != "",
	})
}

// subscriptionsPost reads one "list" value per checked mailing list id plus
// an optional "global_deny" checkbox.
func (s *SiteModule) subscriptionsPost(c *gin.Context) {
	sub, ok := s.subscriptionByToken(c)
	if !ok {
		return
	}
	wanted := map[uint]bool{}
	for _, raw := range c.PostFormArray("list") {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			continue
		}
		wanted[uint(id)] = true
	}
	globalDeny := c.PostForm("global_deny") != ""

	if err := s.subscriptions.SavePreferences(c.Request.Context(), &sub.User, wanted, globalDeny); err != nil {
		s.serverError(c, "Could not save subscriptions", err)
		return
	}
	c.Redirect(http.StatusFound, compose.SubscriptionsPath(sub.Token)+"?saved=1")
}

type archivedMessage struct {
	models.Message
	Published time.Time
}

type renderedPart struct {
	Heading string
	HTML    template.HTML
}

func (s *SiteModule) visibleList(slug string) (*models.MailingList, error) {
	var list models.MailingList
	err := s.db.Where("slug = ? AND visible = ?", slug, true).First(&list).Error
	return &list, err
}

func (s *SiteModule) archives(c *gin.Context) {
	var lists []models.MailingList
	if err := s.db.Where("visible = ?", true).Order("name ASC").Find(&lists).Error; err != nil {
		s.serverError(c, "Could not load mailing lists", err)
		return
	}
	c.HTML(http.StatusOK, "site_archives.html", gin.H{"lists": lists})
}

func (s *SiteModule) archiveIndex(c *gin.Context) {
	list, err := s.visibleList(c.Param("slug"))
	if err != nil {
		s.notFound(c, "Mailing list not found")
		return
	}

	var subs []models.Submission
	err = s.db.
		Joins("JOIN messages ON messages.id = submissions.message_id").
		Where("messages.mailing_list_id = ?", list.ID).
		Where("submissions.published IS NOT NULL AND submissions.published <= ?", s.now().UTC()).
		Preload("Message").
		Order("submissions.published DESC").
		Find(&subs).Error
	if err != nil {
		s.serverError(c, "Could not load messages", err)
		return
	}

	messages := make([]archivedMessage, 0, len(subs))
	for _, sub := range subs {
		messages = append(messages, archivedMessage{Message: sub.Message, Published: *sub.Published})
	}
	c.HTML(http.StatusOK, "site_archive_index.html", gin.H{"list": list, "messages": messages})
}

func (s *SiteModule) archiveMessage(c *gin.Context) {
	list, err := s.visibleList(c.Param("slug"))
	if err != nil {
		s.notFound(c, "Mailing list not found")
		return
	}

	var sub models.Submission
	err = s.db.
		Joins("JOIN messages ON messages.id = submissions.message_id").
		Where("messages.mailing_list_id = ? AND messages.slug = ?", list.ID, c.Param("messageSlug")).
		Where("submissions.published IS NOT NULL AND submissions.published <= ?", s.now().UTC()).
		Preload("Message.Parts", func(db *gorm.DB) *gorm.DB { return db.Order("sort_order ASC") }).
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.notFound(c, "No message like that")
		return
	}
	if err != nil {
		s.serverError(c, "Could not load message", err)
		return
	}

	parts := make([]renderedPart, 0, len(sub.Message.Parts))
	for _, p := range sub.Message.Parts {
		parts = append(parts, renderedPart{Heading: p.Heading, HTML: compose.RenderMarkdown(p.Text)})
	}
	c.HTML(http.StatusOK, "site_archive_message.html", gin.H{
		"list":      list,
		"message":   sub.Message,
		"published": sub.Published,
		"parts":     parts,
	})
}
