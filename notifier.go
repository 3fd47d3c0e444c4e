package mermaidetl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"

	"github.com/jordan-wright/email"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

const slackPostMessageURL = "https://slack.com/api/chat.postMessage"

// Notifier notifies the result of each run.
type Notifier interface {
	Notify(context.Context, *RunResult) error
}

// shouldNotify applies NotifyConfig.On.
func shouldNotify(on string, s Status) bool {
	if on == "always" {
		return true
	}
	return s != StatusSuccess
}

// SlackNotifier is a notifier for Slack.
type SlackNotifier struct {
	Channel   string
	IconEmoji string
	Username  string
	Token     string

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
	// URL defaults to the chat.postMessage endpoint.
	URL string
}

type slackMessage struct {
	Channel   string `json:"channel"`
	IconEmoji string `json:"icon_emoji,omitempty"`
	Text      string `json:"text"`
	Username  string `json:"username,omitempty"`
}

type slackResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// Notify posts the run summary to the Slack channel.
func (n *SlackNotifier) Notify(ctx context.Context, r *RunResult) error {
	l := log.Ctx(ctx)

	m := &slackMessage{
		Channel:   n.Channel,
		IconEmoji: n.IconEmoji,
		Text:      notificationText(r),
		Username:  n.Username,
	}
	l.Debug().Msgf("m = %+v", m)

	if err := n.postMessage(ctx, m); err != nil {
		return xerrors.Errorf("slack postMessage failed: %w", err)
	}

	return nil
}

func (n *SlackNotifier) postMessage(ctx context.Context, m *slackMessage) error {
	l := log.Ctx(ctx)

	reqJSON, err := json.Marshal(m)
	if err != nil {
		return xerrors.Errorf("failed to marshal json: %w", err)
	}

	endpoint := n.URL
	if endpoint == "" {
		endpoint = slackPostMessageURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqJSON))
	if err != nil {
		return xerrors.Errorf("failed to build http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+n.Token)

	c := n.HTTPClient
	if c == nil {
		c = http.DefaultClient
	}

	resp, err := c.Do(req)
	if err != nil {
		return xerrors.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return xerrors.Errorf("failed to read response body: %w", err)
	}

	l.Debug().Msgf("body = %s", body)

	if resp.StatusCode >= 400 {
		return xerrors.Errorf(
			"slack request failed with status code %d (%s)", resp.StatusCode, body)
	}

	var sres slackResponse
	if err := json.Unmarshal(body, &sres); err != nil {
		return xerrors.Errorf("failed to unmarshal response body: %w", err)
	}

	if !sres.OK {
		return xerrors.Errorf("failed to send message: %s", sres.Error)
	}

	return nil
}

// EmailNotifier mails the run summary over SMTP.
type EmailNotifier struct {
	From     string
	To       []string
	SMTPAddr string
	Username string
	Password string

	send func(*email.Email) error
}

// Notify sends one mail per run.
func (n *EmailNotifier) Notify(ctx context.Context, r *RunResult) error {
	e := email.NewEmail()
	e.From = n.From
	e.To = n.To
	e.Subject = fmt.Sprintf("[mermaidetl] run %s: %s", r.RunID, r.Status)
	e.Text = []byte(notificationBody(r))

	send := n.send
	if send == nil {
		send = func(e *email.Email) error {
			var auth smtp.Auth
			if n.Username != "" {
				host := n.SMTPAddr
				if i := strings.LastIndex(host, ":"); i >= 0 {
					host = host[:i]
				}
				auth = smtp.PlainAuth("", n.Username, n.Password, host)
			}
			return e.Send(n.SMTPAddr, auth)
		}
	}

	if err := send(e); err != nil {
		return xerrors.Errorf("failed to send mail to %v: %w", n.To, err)
	}
	log.Ctx(ctx).Debug().Strs("to", n.To).Msg("sent run notification")

	return nil
}

func notificationText(r *RunResult) string {
	text := r.Summary()
	for _, u := range r.Failed() {
		text += fmt.Sprintf("\n• %s: %v", u.Unit, u.Err)
	}
	return text
}

func notificationBody(r *RunResult) string {
	var sb strings.Builder
	sb.WriteString(r.Summary())
	sb.WriteString("\n\n")
	for _, u := range r.Units {
		outcome := "ok"
		if u.Err != nil {
			outcome = u.Err.Error()
		}
		fmt.Fprintf(&sb, "%-40s %-14s rows=%-7d skipped=%-5d %s\n",
			u.ProjectID, u.Survey, u.Rows, u.Skipped, outcome)
	}
	return sb.String()
}
