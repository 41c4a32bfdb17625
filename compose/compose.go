package compose

import (
	"fmt"

	"mailinglist/common"
	"mailinglist/email"
	"mailinglist/models"
)

// Public paths of the token endpoints. The site package serves them.
func ConfirmPath(token string) string       { return "/confirm/" + token }
func UnsubscribePath(token string) string   { return "/unsubscribe/" + token }
func SubscriptionsPath(token string) string { return "/subscriptions/" + token }

func ArchivePath(mailingList *models.MailingList) string {
	if mailingList == nil {
		return "/archive"
	}
	return "/archive/" + mailingList.Slug
}

type Links struct {
	Confirm       string
	Unsubscribe   string
	Subscriptions string
	Archive       string
}

// Context is what every mail template is rendered with. Subscription is nil
// for previews.
type Context struct {
	Subscription      *models.Subscription
	Message           *models.Message
	MailingList       *models.MailingList
	BaseURL           string
	DefaultSenderName string
	Links             Links
}

// MessageService composes outgoing mail for subscriptions.
type MessageService struct {
	cfg    *common.Config
	loader *Loader
}

func NewMessageService(cfg *common.Config, loader *Loader) *MessageService {
	return &MessageService{cfg: cfg, loader: loader}
}

func (s *MessageService) Loader() *Loader {
	return s.loader
}

func (s *MessageService) urlify(p string) string {
	return "<" + s.cfg.BaseURL + p + ">"
}

func mailto(mailingList *models.MailingList, subject string, appended bool) string {
	if mailingList == nil {
		return ""
	}
	if subject == "" {
		subject = mailingList.Slug
	}
	buf := ""
	if appended {
		buf += ","
	}
	return buf + fmt.Sprintf("<mailto:%s?subject=%s>", mailingList.Email, subject)
}

// Headers builds the RFC 2369 list headers for a subscription.
func (s *MessageService) Headers(sub *models.Subscription) map[string]string {
	list := sub.MailingList
	headers := map[string]string{
		"List-Help":        s.urlify(SubscriptionsPath(sub.Token)) + mailto(list, "help", true),
		"List-Unsubscribe": s.urlify(UnsubscribePath(sub.Token)) + mailto(list, "unsubscribe", true),
		"List-Subscribe":   s.urlify(ConfirmPath(sub.Token)),
		"List-Post":        "NO",
		"List-Archive":     s.urlify(ArchivePath(list)),
	}
	if owner := mailto(list, "", false); owner != "" {
		headers["List-Owner"] = owner
	}
	return headers
}

func (s *MessageService) context(sub *models.Subscription, msg *models.Message, list *models.MailingList) *Context {
	ctx := &Context{
		Subscription:      sub,
		Message:           msg,
		MailingList:       list,
		BaseURL:           s.cfg.BaseURL,
		DefaultSenderName: s.cfg.DefaultSenderName,
		Links:             Links{Archive: s.cfg.BaseURL + ArchivePath(list)},
	}
	if sub != nil {
		ctx.Links.Confirm = s.cfg.BaseURL + ConfirmPath(sub.Token)
		ctx.Links.Unsubscribe = s.cfg.BaseURL + UnsubscribePath(sub.Token)
		ctx.Links.Subscriptions = s.cfg.BaseURL + SubscriptionsPath(sub.Token)
	}
	return ctx
}

func (s *MessageService) prepare(sub *models.Subscription, ts *TemplateSet, msg *models.Message) (email.OutgoingMessage, error) {
	rendered, err := ts.Render(s.context(sub, msg, sub.MailingList))
	if err != nil {
		return email.OutgoingMessage{}, err
	}
	return email.OutgoingMessage{
		To:       []string{sub.User.Email},
		Subject:  rendered.Subject,
		Body:     rendered.Body,
		HTMLBody: rendered.HTMLBody,
		Headers:  s.Headers(sub),
	}, nil
}

// PrepareMessage composes a submission message for one subscriber. The
// subscription needs User and MailingList loaded, the message its parts and
// attachments.
func (s *MessageService) PrepareMessage(sub *models.Subscription, ts *TemplateSet, msg *models.Message) (email.OutgoingMessage, error) {
	if sub.MailingList == nil {
		return email.OutgoingMessage{}, fmt.Errorf("subscription %d has no mailing list", sub.ID)
	}
	out, err := s.prepare(sub, ts, msg)
	if err != nil {
		return out, err
	}
	out.From = sub.MailingList.SenderTag()
	for _, a := range msg.Attachments {
		out.Attachments = append(out.Attachments, email.Attachment{Path: a.File, Filename: a.Filename})
	}
	return out, nil
}

// PrepareConfirmation composes the "please confirm" mail sent on subscribe.
func (s *MessageService) PrepareConfirmation(sub *models.Subscription) (email.OutgoingMessage, error) {
	out, err := s.prepare(sub, s.loader.TemplateSet(sub.MailingList, ActionSubscribe), nil)
	if err != nil {
		return out, err
	}
	out.From = s.cfg.DefaultSenderTag()
	if sub.MailingList != nil {
		out.From = sub.MailingList.SenderTag()
	}
	return out, nil
}

func (s *MessageService) preview(msg *models.Message) (Rendered, error) {
	ts := s.loader.TemplateSet(&msg.MailingList, ActionMessage)
	return ts.Render(s.context(nil, msg, &msg.MailingList))
}

// PreviewText renders the plain text body of msg without a recipient.
func (s *MessageService) PreviewText(msg *models.Message) (string, error) {
	r, err := s.preview(msg)
	if err != nil {
		return "", err
	}
	return r.Body, nil
}

// PreviewHTML renders the HTML body of msg, empty when the list sends text only.
func (s *MessageService) PreviewHTML(msg *models.Message) (string, error) {
	r, err := s.preview(msg)
	if err != nil {
		return "", err
	}
	return r.HTMLBody, nil
}
