package admin

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mailinglist/models"
)

type messageRequest struct {
	Title string `json:"title" binding:"required"`
	Slug  string `json:"slug"`
}

type partRequest struct {
	Heading string `json:"heading"`
	Text    string `json:"text" binding:"required"`
	Order   *int   `json:"order"`
}

func orderedParts(db *gorm.DB) *gorm.DB {
	return db.Order("sort_order ASC")
}

func (a *AdminModule) loadMessage(c *gin.Context) (*models.Message, bool) {
	id, ok := paramID(c, "id")
	if !ok {
		return nil, false
	}
	var msg models.Message
	err := a.db.
		Preload("MailingList").
		Preload("Parts", orderedParts).
		Preload("Attachments").
		First(&msg, id).Error
	if err != nil {
		respondLookup(c, err, "Message")
		return nil, false
	}
	return &msg, true
}

// messageSubmitted reports whether msg already went out. Such messages are
// frozen.
func (a *AdminModule) messageSubmitted(c *gin.Context, msg *models.Message) bool {
	var count int64
	a.db.Model(&models.Submission{}).
		Where("message_id = ? AND status IN ?", msg.ID, []models.SubmissionStatus{models.SubmissionSending, models.SubmissionSent}).
		Count(&count)
	if count > 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "Message was already sent"})
		return true
	}
	return false
}

func (a *AdminModule) listMessages(c *gin.Context) {
	list, ok := a.loadList(c)
	if !ok {
		return
	}
	var messages []models.Message
	if err := a.db.Where("mailing_list_id = ?", list.ID).Order("created_at DESC").Find(&messages).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error loading messages"})
		return
	}
	c.JSON(http.StatusOK, messages)
}

func (a *AdminModule) createMessage(c *gin.Context) {
	list, ok := a.loadList(c)
	if !ok {
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msg := models.Message{
		Title:         strings.TrimSpace(req.Title),
		Slug:          req.Slug,
		MailingListID: list.ID,
	}
	if msg.Slug == "" {
		msg.Slug = generateSlug(msg.Title)
	}

	var count int64
	a.db.Model(&models.Message{}).Where("mailing_list_id = ? AND slug = ?", list.ID, msg.Slug).Count(&count)
	if count > 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "Slug already in use on this list"})
		return
	}

	if err := a.db.Omit(clause.Associations).Create(&msg).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error creating message"})
		return
	}
	msg.MailingList = *list
	c.JSON(http.StatusCreated, msg)
}

func (a *AdminModule) getMessage(c *gin.Context) {
	msg, ok := a.loadMessage(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (a *AdminModule) updateMessage(c *gin.Context) {
	msg, ok := a.loadMessage(c)
	if !ok || a.messageSubmitted(c, msg) {
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msg.Title = strings.TrimSpace(req.Title)
	if req.Slug != "" {
		msg.Slug = req.Slug
	}
	if err := a.db.Model(msg).Select("title", "slug").Updates(msg).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error saving message"})
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (a *AdminModule) deleteMessage(c *gin.Context) {
	msg, ok := a.loadMessage(c)
	if !ok || a.messageSubmitted(c, msg) {
		return
	}
	err := a.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("message_id = ?", msg.ID).Delete(&models.MessagePart{}).Error; err != nil {
			return err
		}
		if err := tx.Where("message_id = ?", msg.ID).Delete(&models.MessageAttachment{}).Error; err != nil {
			return err
		}
		if err := tx.Where("message_id = ?", msg.ID).Delete(&models.Submission{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Message{}, msg.ID).Error
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error deleting message"})
		return
	}
	for _, att := range msg.Attachments {
		os.Remove(att.File)
	}
	c.Status(http.StatusNoContent)
}

func (a *AdminModule) createPart(c *gin.Context) {
	msg, ok := a.loadMessage(c)
	if !ok || a.messageSubmitted(c, msg) {
		return
	}
	var req partRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	part := models.MessagePart{MessageID: msg.ID, Heading: req.Heading, Text: req.Text}
	if req.Order != nil {
		part.Order = *req.Order
	} else {
		part.Order = len(msg.Parts) + 1
		if n := len(msg.Parts); n > 0 && msg.Parts[n-1].Order >= part.Order {
			part.Order = msg.Parts[n-1].Order + 1
		}
	}
	if err := a.db.Omit(clause.Associations).Create(&part).Error; err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "Part order already taken"})
		return
	}
	c.JSON(http.StatusCreated, part)
}

func (a *AdminModule) loadPart(c *gin.Context, msg *models.Message) (*models.MessagePart, bool) {
	id, ok := paramID(c, "partID")
	if !ok {
		return nil, false
	}
	var part models.MessagePart
	if err := a.db.Where("message_id = ?", msg.ID).First(&part, id).Error; err != nil {
		respondLookup(c, err, "Part")
		return nil, false
	}
	return &part, true
}

func (a *AdminModule) updatePart(c *gin.Context) {
	msg, ok := a.loadMessage(c)
	if !ok || a.messageSubmitted(c, msg) {
		return
	}
	part, ok := a.loadPart(c, msg)
	if !ok {
		return
	}
	var req partRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	part.Heading = req.Heading
	part.Text = req.Text
	if req.Order != nil {
		part.Order = *req.Order
	}
	if err := a.db.Model(part).Select("heading", "text", "sort_order").Updates(part).Error; err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "Error saving part"})
		return
	}
	c.JSON(http.StatusOK, part)
}

func (a *AdminModule) deletePart(c *gin.Context) {
	msg, ok := a.loadMessage(c)
	if !ok || a.messageSubmitted(c, msg) {
		return
	}
	part, ok := a.loadPart(c, msg)
	if !ok {
		return
	}
	if err := a.db.Delete(part).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error deleting part"})
		return
	}
	c.Status(http.StatusNoContent)
}

// uploadAttachment stores the file under the media dir with a random name;
// the original name is what recipients see.
func (a *AdminModule) uploadAttachment(c *gin.Context) {
	msg, ok := a.loadMessage(c)
	if !ok || a.messageSubmitted(c, msg) {
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded"})
		return
	}

	dir := filepath.Join(a.cfg.MediaDir, "attachments")
	if err := os.MkdirAll(dir, 0755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error storing file"})
		return
	}
	dst := filepath.Join(dir, uuid.NewString()+filepath.Ext(file.Filename))
	if err := c.SaveUploadedFile(file, dst); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error storing file"})
		return
	}

	att := models.MessageAttachment{MessageID: msg.ID, File: dst, Filename: filepath.Base(file.Filename)}
	if err := a.db.Omit(clause.Associations).Create(&att).Error; err != nil {
		os.Remove(dst)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error saving attachment"})
		return
	}
	c.JSON(http.StatusCreated, att)
}

func (a *AdminModule) deleteAttachment(c *gin.Context) {
	msg, ok := a.loadMessage(c)
	if !ok || a.messageSubmitted(c, msg) {
		return
	}
	id, ok := paramID(c, "attachmentID")
	if !ok {
		return
	}
	var att models.MessageAttachment
	if err := a.db.Where("message_id = ?", msg.ID).First(&att, id).Error; err != nil {
		respondLookup(c, err, "Attachment")
		return
	}
	if err := a.db.Delete(&att).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error deleting attachment"})
		return
	}
	os.Remove(att.File)
	c.Status(http.StatusNoContent)
}

func (a *AdminModule) previewText(c *gin.Context) {
	msg, ok := a.loadMessage(c)
	if !ok {
		return
	}
	text, err := a.messages.PreviewText(msg)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(text))
}

func (a *AdminModule) previewHTML(c *gin.Context) {
	msg, ok := a.loadMessage(c)
	if !ok {
		return
	}
	html, err := a.messages.PreviewHTML(msg)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if html == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "List sends text only"})
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(html))
}
