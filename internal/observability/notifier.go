package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Notifier sends alert notifications to external channels.
type Notifier interface {
	Notify(ctx context.Context, alerts []Alert) error
}

type slackNotifier struct {
	webhookURL string
	client     *http.Client
}

// NewSlackNotifier creates a Notifier that posts alerts to a Slack
// incoming webhook.
func NewSlackNotifier(webhookURL string) Notifier {
	return &slackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

type slackMessage struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

type slackBlock struct {
	Type     string      `json:"type"`
	Text     *slackText  `json:"text,omitempty"`
	Elements []slackText `json:"elements,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Notify posts alerts to the webhook. An empty slice sends nothing.
func (s *slackNotifier) Notify(ctx context.Context, alerts []Alert) error {
	if len(alerts) == 0 {
		return nil
	}

	body, err := json.Marshal(buildSlackMessage(alerts))
	if err != nil {
		return fmt.Errorf("marshalling slack message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to slack webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// unscopedProject groups alerts that name no project.
const unscopedProject = "army"

// buildSlackMessage renders one section per affected project, most severe
// alert first within each.
func buildSlackMessage(alerts []Alert) slackMessage {
	byProject := make(map[string][]Alert)
	for _, a := range alerts {
		project := a.ProjectID
		if project == "" {
			project = unscopedProject
		}
		byProject[project] = append(byProject[project], a)
	}
	projects := make([]string, 0, len(byProject))
	for project := range byProject {
		projects = append(projects, project)
	}
	sort.Strings(projects)

	quoted := make([]string, len(projects))
	for i, project := range projects {
		quoted[i] = "`" + project + "`"
	}
	msg := slackMessage{
		Text: fmt.Sprintf("army: %d alert(s) in %d project(s)", len(alerts), len(projects)),
		Blocks: []slackBlock{
			{Type: "header", Text: &slackText{Type: "plain_text", Text: "Agent army alerts"}},
			{Type: "context", Elements: []slackText{{
				Type: "mrkdwn",
				Text: fmt.Sprintf("*%d* alert(s), projects: %s", len(alerts), strings.Join(quoted, ", ")),
			}}},
		},
	}

	for i, project := range projects {
		if i > 0 {
			msg.Blocks = append(msg.Blocks, slackBlock{Type: "divider"})
		}
		group := byProject[project]
		sort.SliceStable(group, func(a, b int) bool { return group[a].Severity.rank() < group[b].Severity.rank() })

		var b strings.Builder
		fmt.Fprintf(&b, "*%s*", project)
		for _, alert := range group {
			fmt.Fprintf(&b, "\n%s *[%s]* %s `%s` _%s_",
				severityEmoji(alert.Severity),
				strings.ToUpper(string(alert.Severity)),
				alert.Message,
				alert.Condition,
				alert.TriggeredAt.UTC().Format("2006-01-02 15:04 UTC"),
			)
		}
		msg.Blocks = append(msg.Blocks, slackBlock{
			Type: "section",
			Text: &slackText{Type: "mrkdwn", Text: b.String()},
		})
	}
	return msg
}

func severityEmoji(severity AlertSeverity) string {
	switch severity {
	case SeverityHigh:
		return "\U0001f534"
	case SeverityMedium:
		return "\U0001f7e1"
	case SeverityLow:
		return "\U0001f535"
	default:
		return "\u2753"
	}
}
