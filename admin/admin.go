package admin

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"mailinglist/cache"
	"mailinglist/common"
	"mailinglist/compose"
	"mailinglist/models"
	"mailinglist/submission"
	"mailinglist/subscription"
)

var passwordCost = 14

type AdminModule struct {
	db            *gorm.DB
	cfg           *common.Config
	subscriptions *subscription.Service
	submissions   *submission.Service
	messages      *compose.MessageService
	archive       *cache.Store
	log           *zap.SugaredLogger
}

func NewAdminModule(
	db *gorm.DB,
	cfg *common.Config,
	subscriptions *subscription.Service,
	submissions *submission.Service,
	messages *compose.MessageService,
	archive *cache.Store,
	log *zap.SugaredLogger,
) *AdminModule {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &AdminModule{
		db:            db,
		cfg:           cfg,
		subscriptions: subscriptions,
		submissions:   submissions,
		messages:      messages,
		archive:       archive,
		log:           log,
	}
}

func (a *AdminModule) RegisterRoutes(router *gin.Engine) {
	router.POST("/admin/login", a.login)
	router.POST("/admin/logout", a.logout)

	api := router.Group("/admin/api")
	api.Use(a.requireAuth)
	{
		api.GET("/me", a.me)

		api.GET("/lists", a.listLists)
		api.POST("/lists", a.createList)
		api.GET("/lists/:id", a.getList)
		api.PUT("/lists/:id", a.updateList)
		api.DELETE("/lists/:id", a.deleteList)
		api.GET("/lists/:id/messages", a.listMessages)
		api.POST("/lists/:id/messages", a.createMessage)
		api.GET("/lists/:id/subscriptions", a.listSubscriptions)

		api.GET("/messages/:id", a.getMessage)
		api.PUT("/messages/:id", a.updateMessage)
		api.DELETE("/messages/:id", a.deleteMessage)
		api.POST("/messages/:id/parts", a.createPart)
		api.PUT("/messages/:id/parts/:partID", a.updatePart)
		api.DELETE("/messages/:id/parts/:partID", a.deletePart)
		api.POST("/messages/:id/attachments", a.uploadAttachment)
		api.DELETE("/messages/:id/attachments/:attachmentID", a.deleteAttachment)
		api.GET("/messages/:id/preview/text", a.previewText)
		api.GET("/messages/:id/preview/html", a.previewHTML)
		api.POST("/messages/:id/submit", a.submitMessage)

		api.GET("/submissions", a.listSubmissions)
		api.GET("/submissions/:id", a.getSubmission)
		api.POST("/submissions/publish", a.publishSubmissions)
		api.POST("/submissions/:id/publish", a.publishSubmission)
		api.POST("/submissions/:id/exclude", a.excludeSubscriptions)
		api.DELETE("/submissions/:id/exclude", a.includeSubscriptions)

		api.POST("/subscriptions", a.createSubscription)
		api.POST("/subscriptions/force", a.forceSubscribe)
		api.POST("/subscriptions/bulk", a.bulkSubscriptions)
		api.POST("/subscriptions/:id/rotate-token", a.rotateToken)
	}
}

func (a *AdminModule) requireAuth(c *gin.Context) {
	session := sessions.Default(c)
	userID := session.Get("user_id")

	if userID == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not logged in"})
		c.Abort()
		return
	}

	c.Set("user_id", userID)
	c.Next()
}

type loginRequest struct {
	Email    string `form:"email" json:"email" binding:"required"`
	Password string `form:"password" json:"password" binding:"required"`
}

func (a *AdminModule) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Email and password are required"})
		return
	}

	var user models.User
	if err := a.db.Where("email = ?", strings.ToLower(strings.TrimSpace(req.Email))).First(&user).Error; err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Wrong email or password"})
		return
	}
	if !user.IsStaff || !checkPasswordHash(req.Password, user.PasswordHash) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Wrong email or password"})
		return
	}

	session := sessions.Default(c)
	session.Set("user_id", user.ID)
	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not save session"})
		return
	}
	a.log.Infow("admin logged in", "user", user.ID)
	c.JSON(http.StatusOK, user)
}

func (a *AdminModule) logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	session.Save()
	c.Status(http.StatusNoContent)
}

func (a *AdminModule) me(c *gin.Context) {
	var user models.User
	if err := a.db.First(&user, c.MustGet("user_id")).Error; err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not logged in"})
		return
	}
	c.JSON(http.StatusOK, user)
}

// CreateStaffUser creates an admin account, or promotes and re-keys an
// existing user with the same address.
func CreateStaffUser(db *gorm.DB, email, password string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, errors.New("email and password are required")
	}
	hash, err := hashPassword(password)
	if err != nil {
		return nil, err
	}
	var user models.User
	err = db.Where(models.User{Email: email}).
		Assign(map[string]interface{}{"password_hash": hash, "is_staff": true}).
		FirstOrCreate(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func paramID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name})
		return 0, false
	}
	return uint(id), true
}

// respondLookup writes 404 for a missing record and 500 for anything else.
func respondLookup(c *gin.Context, err error, what string) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": what + " not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Error loading " + strings.ToLower(what)})
}

// accentMap folds the common accented letters into ASCII for slugs.
var accentMap = map[rune]rune{
	'á': 'a', 'à': 'a', 'ã': 'a', 'â': 'a', 'ä': 'a', 'å': 'a',
	'é': 'e', 'è': 'e', 'ê': 'e', 'ë': 'e',
	'í': 'i', 'ì': 'i', 'î': 'i', 'ï': 'i',
	'ó': 'o', 'ò': 'o', 'õ': 'o', 'ô': 'o', 'ö': 'o', 'ø': 'o',
	'ú': 'u', 'ù': 'u', 'û': 'u', 'ü': 'u',
	'ç': 'c', 'ñ': 'n', 'ý': 'y', 'ÿ': 'y', 'ß': 's',
}

func generateSlug(title string) string {
	slug := strings.Map(func(r rune) rune {
		if replacement, ok := accentMap[r]; ok {
			return replacement
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-':
			return r
		case r == ' ' || r == '_':
			return '-'
		}
		return -1
	}, strings.ToLower(title))

	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	return strings.Trim(slug, "-")
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), passwordCost)
	return string(bytes), err
}

func checkPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}
