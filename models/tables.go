package models

import (
	"fmt"
	"path/filepath"
	"time"

	"gorm.io/gorm"
)

type User struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Email        string    `gorm:"uniqueIndex;not null" json:"email"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	PasswordHash string    `json:"-"`                       // only set for staff accounts
	IsStaff      bool      `gorm:"not null" json:"is_staff"` // may log in to the admin API
	CreatedAt    time.Time `json:"created_at"`
}

type MailingList struct {
	ID       uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Name     string `gorm:"size:128;not null" json:"name"`
	Slug     string `gorm:"uniqueIndex;not null" json:"slug"`
	Email    string `gorm:"not null" json:"email"`  // sender e-mail
	Sender   string `gorm:"size:200" json:"sender"` // sender name
	Visible  bool   `gorm:"not null;index" json:"visible"`
	SendHTML bool   `gorm:"not null" json:"send_html"`
}

// SenderTag formats the list's sender identity for a From header.
func (m *MailingList) SenderTag() string {
	return fmt.Sprintf(`"%s" <%s>`, m.Sender, m.Email)
}

// GlobalDeny marks a user that must never receive mailing list messages.
type GlobalDeny struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    uint      `gorm:"uniqueIndex;not null" json:"user_id"`
	User      User      `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Subscription with a nil MailingListID is a subscription to the global deny
// pseudo list.
type Subscription struct {
	ID            uint               `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID        uint               `gorm:"not null;uniqueIndex:idx_user_mailing_list" json:"user_id"`
	User          User               `json:"user"`
	MailingListID *uint              `gorm:"uniqueIndex:idx_user_mailing_list" json:"mailing_list_id"`
	MailingList   *MailingList       `json:"mailing_list,omitempty"`
	Token         string             `gorm:"size:45;uniqueIndex;not null" json:"-"`
	Status        SubscriptionStatus `gorm:"not null;default:0;index" json:"status"`
	CreatedAt     time.Time          `json:"created_at"`
}

type SubscriptionChange struct {
	ID             uint                `gorm:"primaryKey;autoIncrement" json:"id"`
	SubscriptionID uint                `gorm:"not null;index" json:"subscription_id"`
	FromStatus     *SubscriptionStatus `json:"from_status"`
	ToStatus       SubscriptionStatus  `gorm:"not null" json:"to_status"`
	Changed        time.Time           `gorm:"autoCreateTime" json:"changed"`
}

type Message struct {
	ID            uint                `gorm:"primaryKey;autoIncrement" json:"id"`
	Title         string              `gorm:"size:128;not null" json:"title"`
	Slug          string              `gorm:"not null;uniqueIndex:idx_slug_mailing_list" json:"slug"`
	MailingListID uint                `gorm:"not null;uniqueIndex:idx_slug_mailing_list" json:"mailing_list_id"`
	MailingList   MailingList         `json:"mailing_list"`
	Parts         []MessagePart       `json:"parts"`
	Attachments   []MessageAttachment `json:"attachments"`
	CreatedAt     time.Time           `json:"created"`
	UpdatedAt     time.Time           `json:"modified"`
}

// Subject requires MailingList to be loaded.
func (m *Message) Subject() string {
	return fmt.Sprintf("[%s] %s", m.MailingList.Name, m.Title)
}

type MessagePart struct {
	ID        uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageID uint   `gorm:"not null;uniqueIndex:idx_message_order" json:"message_id"`
	Heading   string `gorm:"size:128" json:"heading"`
	Order     int    `gorm:"column:sort_order;not null;uniqueIndex:idx_message_order" json:"order"`
	Text      string `gorm:"type:text" json:"text"`
}

type MessageAttachment struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageID uint      `gorm:"not null;index" json:"message_id"`
	File      string    `gorm:"not null" json:"file"`     // path in the media directory
	Filename  string    `gorm:"not null" json:"filename"` // name as uploaded
	CreatedAt time.Time `json:"created_at"`
}

// BeforeCreate captures the original file name. Later saves never touch it,
// so renaming the stored file keeps the name recipients see.
func (a *MessageAttachment) BeforeCreate(tx *gorm.DB) error {
	if a.Filename == "" {
		a.Filename = filepath.Base(a.File)
	}
	return nil
}

type Submission struct {
	ID        uint             `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageID uint             `gorm:"uniqueIndex;not null" json:"message_id"`
	Message   Message          `json:"message"`
	Exclude   []Subscription   `gorm:"many2many:submission_excludes" json:"exclude"`
	Published *time.Time       `gorm:"index" json:"published"`
	Status    SubmissionStatus `gorm:"not null;default:0;index" json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

type Sending struct {
	ID             uint         `gorm:"primaryKey;autoIncrement" json:"id"`
	SubmissionID   uint         `gorm:"not null;uniqueIndex:idx_submission_subscription" json:"submission_id"`
	Submission     Submission   `json:"-"`
	SubscriptionID uint         `gorm:"not null;uniqueIndex:idx_submission_subscription" json:"subscription_id"`
	Subscription   Subscription `json:"-"`
	Sent           time.Time    `gorm:"autoCreateTime" json:"sent"`
}
