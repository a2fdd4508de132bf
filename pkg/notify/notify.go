// Package notify raises user-facing notifications for push events received
// from a remote origin. It shares the interception process but is not part
// of the caching path.
package notify

import (
	"fmt"

	"github.com/rs/zerolog"
)

const (
	// ActionOpenPrimary opens or focuses the primary client view.
	ActionOpenPrimary = "open-primary-view"
	// ActionDismiss closes the notification and does nothing else.
	ActionDismiss = "dismiss"
)

// Action is a declarative description of a notification button.
type Action struct {
	ID    string
	Label string
}

type Notification struct {
	Title   string
	Body    string
	Actions []Action
}

// Presenter displays a notification to the user.
type Presenter interface {
	Show(Notification) error
}

// ClientOpener focuses an existing client view or opens a new one.
type ClientOpener interface {
	Open(url string) error
}

type Dispatcher struct {
	presenter  Presenter
	opener     ClientOpener
	title      string
	primaryURL string
	log        zerolog.Logger
}

// Config for a Dispatcher. Title and PrimaryURL have sensible defaults.
type Config struct {
	Presenter  Presenter
	Opener     ClientOpener
	Title      string
	PrimaryURL string
	Logger     *zerolog.Logger
}

const defaultBody = "You have a new notification"

func NewDispatcher(config Config) *Dispatcher {
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}
	title := config.Title
	if title == "" {
		title = "Notification"
	}
	primaryURL := config.PrimaryURL
	if primaryURL == "" {
		primaryURL = "/"
	}
	return &Dispatcher{
		presenter:  config.Presenter,
		opener:     config.Opener,
		title:      title,
		primaryURL: primaryURL,
		log:        logger.With().Str("component", "notify").Logger(),
	}
}

// Dispatch builds and shows a notification for the given push payload.
// An empty payload yields the default body.
func (d *Dispatcher) Dispatch(payload string) error {
	body := payload
	if body == "" {
		body = defaultBody
	}
	notification := Notification{
		Title: d.title,
		Body:  body,
		Actions: []Action{
			{ID: ActionOpenPrimary, Label: "Open"},
			{ID: ActionDismiss, Label: "Dismiss"},
		},
	}
	if err := d.presenter.Show(notification); err != nil {
		return fmt.Errorf("show notification: %w", err)
	}
	d.log.Debug().Str("body", body).Msg("Notification shown")
	return nil
}

// Resolve handles the user's action selection on a shown notification.
func (d *Dispatcher) Resolve(actionID string) error {
	switch actionID {
	case ActionOpenPrimary:
		return d.opener.Open(d.primaryURL)
	case ActionDismiss:
		return nil
	default:
		return fmt.Errorf("unknown notification action: %s", actionID)
	}
}
