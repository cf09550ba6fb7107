package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"html"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/justsurfingit/applytrail/internal/models"
	"github.com/justsurfingit/applytrail/internal/store"
)

// DefaultMailQuery selects application updates from the last week.
const DefaultMailQuery = "subject:(application OR candidatura OR update OR rejected OR status) newer_than:7d"

// rejectionPhrases mark an e-mail as a rejection. Matched against the
// lower-cased subject and body.
var rejectionPhrases = []string{
	"unfortunately",
	"not to move forward",
	"not moving forward",
	"will not be moving forward",
	"decided to pursue other candidates",
	"decided to move forward with other candidates",
	"position has been filled",
	"we regret to inform",
	"infelizmente",
	"não seguiremos",
}

var spaceRe = regexp.MustCompile(`[ \t]+`)
var blankLinesRe = regexp.MustCompile(`\n{3,}`)

type MailSyncResult struct {
	Fetched   int    `json:"fetched"`
	Stored    int    `json:"stored"`
	Full      bool   `json:"full"`
	HistoryID uint64 `json:"history_id"`
}

// EmailService pulls candidate e-mails from Gmail into the EmailStore.
type EmailService struct {
	Emails   store.EmailStore
	Gmail    *gmail.Service
	Mailbox  string
	Query    string
	Attempts int
	Backoff  time.Duration
	Policy   *bluemonday.Policy
	Log      zerolog.Logger
}

func NewEmailService(emails store.EmailStore, client *gmail.Service, mailbox string, attempts int, backoff time.Duration, log zerolog.Logger) *EmailService {
	if mailbox == "" {
		mailbox = "me"
	}
	if attempts < 1 {
		attempts = 3
	}
	return &EmailService{
		Emails:   emails,
		Gmail:    client,
		Mailbox:  mailbox,
		Query:    DefaultMailQuery,
		Attempts: attempts,
		Backoff:  backoff,
		Policy:   bluemonday.StrictPolicy(),
		Log:      log.With().Str("component", "mail").Logger(),
	}
}

// SyncEmails runs one ingest cycle: a full bootstrap on first run or when
// the history bookmark expired, an incremental history walk otherwise.
func (s *EmailService) SyncEmails(ctx context.Context) (*MailSyncResult, error) {
	if s.Gmail == nil {
		return nil, errors.New("gmail client not configured")
	}
	s.Log.Info().Msg("📧 Email Watcher: Starting Sync Cycle...")

	// 1. Load the bookmark
	lastID, err := s.Emails.Cursor(ctx, s.Mailbox)
	if err != nil {
		return nil, fmt.Errorf("load mail cursor: %w", err)
	}

	res := &MailSyncResult{}
	var messages []*gmail.Message
	var newHistoryID uint64

	// 2. Decide Strategy: Bootstrap (Full) or Incremental
	if lastID == 0 {
		s.Log.Info().Msg("🆕 First run detected. Running Full Bootstrap Sync...")
		res.Full = true
		messages, newHistoryID, err = s.performFullSync(ctx)
	} else {
		messages, newHistoryID, err = s.performIncrementalSync(ctx, lastID)
		// Google drops old history; start over from a fresh anchor.
		if err != nil && isHistoryExpiredError(err) {
			s.Log.Warn().Msg("⚠️ History ID expired (too old). Falling back to Full Sync.")
			res.Full = true
			messages, newHistoryID, err = s.performFullSync(ctx)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("mail sync: %w", err)
	}
	res.Fetched = len(messages)

	// 3. Convert and store, deduplicated on message id
	if len(messages) > 0 {
		s.Log.Info().Int("messages", len(messages)).Msg("📥 Processing candidate emails...")
		emails := make([]models.Email, 0, len(messages))
		for _, msg := range messages {
			emails = append(emails, s.toEmail(msg))
		}
		stored, err := s.Emails.Upsert(ctx, emails)
		if err != nil {
			return nil, fmt.Errorf("store emails: %w", err)
		}
		res.Stored = stored
	}

	// 4. Update Bookmark, even for an empty window
	res.HistoryID = lastID
	if newHistoryID > lastID {
		if err := s.Emails.SaveCursor(ctx, s.Mailbox, newHistoryID); err != nil {
			return nil, fmt.Errorf("save mail cursor: %w", err)
		}
		res.HistoryID = newHistoryID
		s.Log.Info().Uint64("history_id", newHistoryID).Msg("🔖 History updated")
	}
	return res, nil
}

func (s *EmailService) performFullSync(ctx context.Context) ([]*gmail.Message, uint64, error) {
	var resp *gmail.ListMessagesResponse
	err := s.retry(ctx, s.Attempts, s.Backoff, func() error {
		var e error
		resp, e = s.Gmail.Users.Messages.List(s.Mailbox).Q(s.Query).MaxResults(50).Context(ctx).Do()
		return e
	})
	if err != nil {
		return nil, 0, err
	}

	// The profile's current history id is the new anchor.
	profile, err := s.Gmail.Users.GetProfile(s.Mailbox).Context(ctx).Do()
	if err != nil {
		return nil, 0, err
	}
	return s.expandMessages(ctx, resp.Messages), profile.HistoryId, nil
}

func (s *EmailService) performIncrementalSync(ctx context.Context, startID uint64) ([]*gmail.Message, uint64, error) {
	var headers []*gmail.Message
	var latest uint64
	pageToken := ""
	for {
		var resp *gmail.ListHistoryResponse
		err := s.retry(ctx, s.Attempts, s.Backoff, func() error {
			call := s.Gmail.Users.History.List(s.Mailbox).StartHistoryId(startID).HistoryTypes("messageAdded")
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var e error
			resp, e = call.Context(ctx).Do()
			return e
		})
		if err != nil {
			return nil, 0, err
		}
		for _, h := range resp.History {
			for _, added := range h.MessagesAdded {
				if added.Message != nil {
					headers = append(headers, added.Message)
				}
			}
		}
		if resp.HistoryId > latest {
			latest = resp.HistoryId
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	return s.expandMessages(ctx, headers), latest, nil
}

// expandMessages fetches full bodies for ids not stored yet.
func (s *EmailService) expandMessages(ctx context.Context, headers []*gmail.Message) []*gmail.Message {
	var full []*gmail.Message
	seen := make(map[string]bool, len(headers))
	for _, h := range headers {
		if seen[h.Id] {
			continue
		}
		seen[h.Id] = true
		if ok, err := s.Emails.Exists(ctx, h.Id); err == nil && ok {
			continue
		}
		err := s.retry(ctx, 2, s.Backoff/2, func() error {
			msg, err := s.Gmail.Users.Messages.Get(s.Mailbox, h.Id).Format("full").Context(ctx).Do()
			if err == nil {
				full = append(full, msg)
			}
			return err
		})
		if err != nil {
			s.Log.Warn().Err(err).Str("message_id", h.Id).Msg("⚠️ message fetch failed")
		}
	}
	return full
}

func (s *EmailService) toEmail(msg *gmail.Message) models.Email {
	headers := parseHeaders(msg)
	display, address := ParseSender(headers["from"])
	body, isHTML := getEmailBody(msg)
	if isHTML {
		body = s.htmlToText(body)
	}
	received := time.UnixMilli(msg.InternalDate).UTC()
	if msg.InternalDate == 0 {
		if t, err := time.Parse(time.RFC1123Z, headers["date"]); err == nil {
			received = t.UTC()
		}
	}
	e := models.Email{
		MessageID:     msg.Id,
		Folder:        folderOf(msg.LabelIds),
		Subject:       headers["subject"],
		SenderDisplay: display,
		SenderAddress: address,
		ReceivedAt:    received,
		BodyText:      strings.TrimSpace(body),
		Snippet:       html.UnescapeString(msg.Snippet),
	}
	e.Category = Categorize(e.Subject, e.BodyText)
	return e
}

func (s *EmailService) htmlToText(raw string) string {
	// Keep block boundaries as line breaks before tags are dropped.
	for _, tag := range []string{"<br>", "<br/>", "<br />", "</p>", "</div>", "</li>", "</tr>"} {
		raw = strings.ReplaceAll(raw, tag, tag+"\n")
	}
	text := html.UnescapeString(s.Policy.Sanitize(raw))
	text = spaceRe.ReplaceAllString(text, " ")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return blankLinesRe.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
}

// Categorize labels an e-mail rejection or other.
func Categorize(subject, body string) string {
	text := strings.ToLower(subject + "\n" + body)
	if containsAny(text, rejectionPhrases) {
		return models.CategoryRejection
	}
	return models.CategoryOther
}

func folderOf(labels []string) string {
	for _, l := range labels {
		// User labels carry a generated id, system labels are upper case.
		if strings.HasPrefix(l, "Label_") {
			return l
		}
	}
	for _, l := range labels {
		if l == "INBOX" {
			return l
		}
	}
	if len(labels) > 0 {
		return labels[0]
	}
	return ""
}

// --- HELPERS ---

// retry executes f with exponential backoff. An expired history bookmark
// fails fast so the caller can switch to a full sync.
func (s *EmailService) retry(ctx context.Context, attempts int, sleep time.Duration, f func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = f(); err == nil {
			return nil
		}
		if isHistoryExpiredError(err) || !retryableGoogleError(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		s.Log.Warn().Err(err).Dur("retry_in", sleep).Msg("⚠️ API Error. Retrying...")
		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		sleep *= 2
	}
	return fmt.Errorf("failed after %d attempts: %w", attempts, err)
}

func isHistoryExpiredError(err error) bool {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return gErr.Code == http.StatusNotFound
	}
	return false
}

func retryableGoogleError(err error) bool {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return gErr.Code == http.StatusTooManyRequests || gErr.Code >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// parseHeaders indexes headers by lower-cased name.
func parseHeaders(msg *gmail.Message) map[string]string {
	res := make(map[string]string)
	if msg.Payload == nil {
		return res
	}
	for _, h := range msg.Payload.Headers {
		res[strings.ToLower(h.Name)] = h.Value
	}
	return res
}

// getEmailBody prefers text/plain anywhere in the part tree, then text/html.
func getEmailBody(msg *gmail.Message) (body string, isHTML bool) {
	if msg.Payload == nil {
		return "", false
	}
	if len(msg.Payload.Parts) == 0 && msg.Payload.Body != nil && msg.Payload.Body.Data != "" {
		return decodeBody(msg.Payload.Body.Data), msg.Payload.MimeType == "text/html"
	}
	if b := findPart(msg.Payload.Parts, "text/plain"); b != "" {
		return b, false
	}
	if b := findPart(msg.Payload.Parts, "text/html"); b != "" {
		return b, true
	}
	return "", false
}

func findPart(parts []*gmail.MessagePart, mime string) string {
	for _, part := range parts {
		if part.MimeType == mime && part.Body != nil && part.Body.Data != "" {
			return decodeBody(part.Body.Data)
		}
		if b := findPart(part.Parts, mime); b != "" {
			return b
		}
	}
	return ""
}

func decodeBody(data string) string {
	d, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		d, _ = base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	}
	return string(d)
}
