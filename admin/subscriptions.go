package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"mailinglist/models"
)

type subscribeRequest struct {
	Email         string `json:"email" binding:"required,email"`
	FirstName     string `json:"first_name"`
	LastName      string `json:"last_name"`
	MailingListID *uint  `json:"mailing_list_id"`
	ForceConfirm  bool   `json:"force_confirm"`
}

type bulkRequest struct {
	IDs    []uint `json:"ids" binding:"required,min=1"`
	Action string `json:"action" binding:"required,oneof=subscribe unsubscribe"`
}

// resolve finds or creates the user and loads the target list. A null list
// id means the global deny list.
func (a *AdminModule) resolve(c *gin.Context, req *subscribeRequest) (*models.User, *models.MailingList, bool) {
	var list *models.MailingList
	if req.MailingListID != nil {
		list = &models.MailingList{}
		if err := a.db.First(list, *req.MailingListID).Error; err != nil {
			respondLookup(c, err, "Mailing list")
			return nil, nil, false
		}
	}
	user, err := a.subscriptions.CreateUser(c.Request.Context(), req.Email, req.FirstName, req.LastName)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, nil, false
	}
	return user, list, true
}

// createSubscription goes through the normal subscribe flow, so a
// confirmation mail is sent unless force_confirm is set.
func (a *AdminModule) createSubscription(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, list, ok := a.resolve(c, &req)
	if !ok {
		return
	}
	sub, err := a.subscriptions.Subscribe(c.Request.Context(), user, list, req.ForceConfirm)
	if err != nil {
		a.log.Errorw("admin subscribe failed", "email", user.Email, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Subscription saved but the confirmation mail failed"})
		return
	}
	if sub == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "User opted out of all mailing lists"})
		return
	}
	c.JSON(http.StatusCreated, sub)
}

// forceSubscribe activates a subscription without any mail, for imports.
func (a *AdminModule) forceSubscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, list, ok := a.resolve(c, &req)
	if !ok {
		return
	}
	sub, err := a.subscriptions.ForceSubscribe(c.Request.Context(), user, list)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error subscribing user"})
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (a *AdminModule) bulkSubscriptions(c *gin.Context) {
	var req bulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var subs []models.Subscription
	if err := a.db.Where("id IN ?", req.IDs).Find(&subs).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error loading subscriptions"})
		return
	}

	ctx := c.Request.Context()
	for i := range subs {
		var err error
		if req.Action == "subscribe" {
			_, err = a.subscriptions.MarkSubscribed(ctx, &subs[i])
		} else {
			_, err = a.subscriptions.MarkUnsubscribed(ctx, &subs[i])
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Error updating subscriptions"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"updated": len(subs)})
}

func (a *AdminModule) rotateToken(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var sub models.Subscription
	if err := a.db.Preload("User").Preload("MailingList").First(&sub, id).Error; err != nil {
		respondLookup(c, err, "Subscription")
		return
	}
	if _, err := a.subscriptions.RotateToken(c.Request.Context(), &sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error rotating token"})
		return
	}
	c.JSON(http.StatusOK, sub)
}
