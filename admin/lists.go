package admin

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"mailinglist/models"
)

type listRequest struct {
	Name     string `json:"name" binding:"required"`
	Slug     string `json:"slug"`
	Email    string `json:"email" binding:"required,email"`
	Sender   string `json:"sender" binding:"required"`
	Visible  bool   `json:"visible"`
	SendHTML bool   `json:"send_html"`
}

func (r listRequest) apply(list *models.MailingList) {
	list.Name = strings.TrimSpace(r.Name)
	list.Slug = r.Slug
	if list.Slug == "" {
		list.Slug = generateSlug(list.Name)
	}
	list.Email = r.Email
	list.Sender = r.Sender
	list.Visible = r.Visible
	list.SendHTML = r.SendHTML
}

func (a *AdminModule) loadList(c *gin.Context) (*models.MailingList, bool) {
	id, ok := paramID(c, "id")
	if !ok {
		return nil, false
	}
	var list models.MailingList
	if err := a.db.First(&list, id).Error; err != nil {
		respondLookup(c, err, "Mailing list")
		return nil, false
	}
	return &list, true
}

func (a *AdminModule) listLists(c *gin.Context) {
	var lists []models.MailingList
	if err := a.db.Order("name ASC").Find(&lists).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error loading mailing lists"})
		return
	}
	c.JSON(http.StatusOK, lists)
}

func (a *AdminModule) createList(c *gin.Context) {
	var req listRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var list models.MailingList
	req.apply(&list)

	var count int64
	a.db.Model(&models.MailingList{}).Where("slug = ?", list.Slug).Count(&count)
	if count > 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "Slug already in use"})
		return
	}

	if err := a.db.Create(&list).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error creating mailing list"})
		return
	}
	a.log.Infow("created mailing list", "mailing_list", list.Slug)
	c.JSON(http.StatusCreated, list)
}

func (a *AdminModule) getList(c *gin.Context) {
	list, ok := a.loadList(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, list)
}

// updateList keeps the slug once messages or subscriptions reference the list.
func (a *AdminModule) updateList(c *gin.Context) {
	list, ok := a.loadList(c)
	if !ok {
		return
	}
	var req listRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	oldSlug := list.Slug
	req.apply(list)

	if list.Slug != oldSlug {
		var refs int64
		a.db.Model(&models.Message{}).Where("mailing_list_id = ?", list.ID).Count(&refs)
		if refs == 0 {
			a.db.Model(&models.Subscription{}).Where("mailing_list_id = ?", list.ID).Count(&refs)
		}
		if refs > 0 {
			c.JSON(http.StatusConflict, gin.H{"error": "Slug cannot change once the list is in use"})
			return
		}
	}

	err := a.db.Model(list).Select("name", "slug", "email", "sender", "visible", "send_html").Updates(list).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error saving mailing list"})
		return
	}
	a.archive.ClearList(oldSlug)
	c.JSON(http.StatusOK, list)
}

func (a *AdminModule) deleteList(c *gin.Context) {
	list, ok := a.loadList(c)
	if !ok {
		return
	}
	var refs int64
	a.db.Model(&models.Message{}).Where("mailing_list_id = ?", list.ID).Count(&refs)
	if refs > 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "Mailing list still has messages"})
		return
	}
	if err := a.db.Delete(list).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error deleting mailing list"})
		return
	}
	a.archive.ClearList(list.Slug)
	c.Status(http.StatusNoContent)
}

func (a *AdminModule) listSubscriptions(c *gin.Context) {
	list, ok := a.loadList(c)
	if !ok {
		return
	}
	q := a.db.Preload("User").Where("mailing_list_id = ?", list.ID).Order("id ASC")
	if status := c.Query("status"); status != "" {
		var s models.SubscriptionStatus
		if err := s.UnmarshalJSON([]byte(`"` + status + `"`)); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		q = q.Where("status = ?", s)
	}
	var subs []models.Subscription
	if err := q.Find(&subs).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error loading subscriptions"})
		return
	}
	c.JSON(http.StatusOK, subs)
}
