package email

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"mailinglist/models"
)

type Attachment struct {
	Path     string
	Filename string
}

// OutgoingMessage is a fully composed e-mail, ready for a Sender.
type OutgoingMessage struct {
	From        string
	To          []string
	Subject     string
	Body        string
	HTMLBody    string
	Headers     map[string]string
	Attachments []Attachment
}

// Hookset is the pluggable boundary to the outside world: it knows how to
// find or create the person behind an address and how to deliver mail.
// The implementation is picked once at startup.
type Hookset interface {
	CreateUser(ctx context.Context, email, firstName, lastName string) (*models.User, error)
	SendMessage(ctx context.Context, msg OutgoingMessage) error
}

// Sender transmits a composed message.
type Sender interface {
	Send(ctx context.Context, msg OutgoingMessage) error
}

// DefaultHookset keeps users in the local users table and hands mail to a
// Sender.
type DefaultHookset struct {
	db     *gorm.DB
	sender Sender
}

func NewDefaultHookset(db *gorm.DB, sender Sender) *DefaultHookset {
	return &DefaultHookset{db: db, sender: sender}
}

func (h *DefaultHookset) CreateUser(ctx context.Context, email, firstName, lastName string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("create user: empty e-mail address")
	}

	var user models.User
	err := h.db.WithContext(ctx).
		Where(models.User{Email: email}).
		Attrs(models.User{FirstName: firstName, LastName: lastName}).
		FirstOrCreate(&user).Error
	if err != nil {
		return nil, fmt.Errorf("create user %s: %w", email, err)
	}
	return &user, nil
}

func (h *DefaultHookset) SendMessage(ctx context.Context, msg OutgoingMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return h.sender.Send(ctx, msg)
}
