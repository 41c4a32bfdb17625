package admin

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"mailinglist/models"
	"mailinglist/submission"
)

type idsRequest struct {
	IDs []uint `json:"ids" binding:"required,min=1"`
}

type subscriptionIDsRequest struct {
	SubscriptionIDs []uint `json:"subscription_ids" binding:"required,min=1"`
}

func (a *AdminModule) loadSubmission(c *gin.Context) (*models.Submission, bool) {
	id, ok := paramID(c, "id")
	if !ok {
		return nil, false
	}
	sub, err := a.submissions.Get(c.Request.Context(), id)
	if err != nil {
		respondLookup(c, err, "Submission")
		return nil, false
	}
	return sub, true
}

func (a *AdminModule) submitMessage(c *gin.Context) {
	msg, ok := a.loadMessage(c)
	if !ok {
		return
	}
	sub, err := a.submissions.SubmitMessage(c.Request.Context(), msg)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error submitting message"})
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (a *AdminModule) listSubmissions(c *gin.Context) {
	var subs []models.Submission
	q := a.db.Preload("Message.MailingList").Order("id DESC")
	if listID := c.Query("mailing_list_id"); listID != "" {
		q = q.Joins("JOIN messages ON messages.id = submissions.message_id").
			Where("messages.mailing_list_id = ?", listID)
	}
	if err := q.Find(&subs).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error loading submissions"})
		return
	}
	c.JSON(http.StatusOK, subs)
}

func (a *AdminModule) getSubmission(c *gin.Context) {
	sub, ok := a.loadSubmission(c)
	if !ok {
		return
	}
	var sent int64
	a.db.Model(&models.Sending{}).Where("submission_id = ?", sub.ID).Count(&sent)
	c.JSON(http.StatusOK, gin.H{"submission": sub, "sent": sent})
}

func (a *AdminModule) publish(c *gin.Context, sub *models.Submission) error {
	if _, err := a.submissions.Publish(c.Request.Context(), sub); err != nil {
		return err
	}
	a.archive.ClearList(sub.Message.MailingList.Slug)
	return nil
}

func (a *AdminModule) publishSubmission(c *gin.Context) {
	sub, ok := a.loadSubmission(c)
	if !ok {
		return
	}
	if err := a.publish(c, sub); err != nil {
		if errors.Is(err, submission.ErrInvalidTransition) {
			c.JSON(http.StatusConflict, gin.H{"error": "Submission is already being sent"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error publishing submission"})
		return
	}
	c.JSON(http.StatusOK, sub)
}

// publishSubmissions is the bulk action. Submissions that cannot be published
// any more are reported back and skipped.
func (a *AdminModule) publishSubmissions(c *gin.Context) {
	var req idsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	published := []uint{}
	skipped := []uint{}
	for _, id := range req.IDs {
		sub, err := a.submissions.Get(c.Request.Context(), id)
		if err != nil {
			skipped = append(skipped, id)
			continue
		}
		if err := a.publish(c, sub); err != nil {
			if !errors.Is(err, submission.ErrInvalidTransition) {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Error publishing submission"})
				return
			}
			skipped = append(skipped, id)
			continue
		}
		published = append(published, id)
	}
	c.JSON(http.StatusOK, gin.H{"published": published, "skipped": skipped})
}

func (a *AdminModule) excludeSubscriptions(c *gin.Context) {
	sub, ok := a.loadSubmission(c)
	if !ok {
		return
	}
	var req subscriptionIDsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.submissions.Exclude(c.Request.Context(), sub, req.SubscriptionIDs...); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error excluding subscriptions"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *AdminModule) includeSubscriptions(c *gin.Context) {
	sub, ok := a.loadSubmission(c)
	if !ok {
		return
	}
	var req subscriptionIDsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.submissions.Include(c.Request.Context(), sub, req.SubscriptionIDs...); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error including subscriptions"})
		return
	}
	c.Status(http.StatusNoContent)
}
