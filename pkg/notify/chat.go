package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/nicebuild/jarvis/pkg/models"
)

// chatCard is the interactive-card payload the chat platform accepts.
type chatCard struct {
	MsgType string      `json:"msg_type"`
	Card    chatCardDef `json:"card"`
}

type chatCardDef struct {
	Header   chatCardHeader    `json:"header"`
	Elements []chatCardElement `json:"elements"`
}

type chatCardHeader struct {
	Title    chatCardText `json:"title"`
	Template string       `json:"template"` // color: red for escalation, green for info
}

type chatCardElement struct {
	Tag  string       `json:"tag"`
	Text chatCardText `json:"text"`
}

type chatCardText struct {
	Tag     string `json:"tag"`
	Content string `json:"content"`
}

// Escalate posts an escalation card to the engineering chat channel.
// Called when a verdict needs an engineer or an issue is escalated by
// hand. No-op when no chat webhook is configured.
func (n *Notifier) Escalate(ctx context.Context, issue *models.Issue, result *models.AnalysisResult, reason string) {
	if n.cfg.ChatWebhookURL == "" {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Issue:** %s\n", issue.RecordID)
	fmt.Fprintf(&b, "**Description:** %s\n", issue.Description)
	if issue.DeviceSN != "" {
		fmt.Fprintf(&b, "**Device SN:** %s\n", issue.DeviceSN)
	}
	if issue.TicketRef != "" {
		fmt.Fprintf(&b, "**Ticket:** %s\n", issue.TicketRef)
	}
	if reason != "" {
		fmt.Fprintf(&b, "**Reason:** %s\n", reason)
	}
	if result != nil {
		fmt.Fprintf(&b, "\n**Problem type:** %s\n", result.ProblemType)
		fmt.Fprintf(&b, "**Root cause:** %s\n", result.RootCause)
		fmt.Fprintf(&b, "**Confidence:** %s\n", result.Confidence)
		for _, ev := range result.KeyEvidence {
			fmt.Fprintf(&b, "- %s\n", ev)
		}
	}

	card := chatCard{
		MsgType: "interactive",
		Card: chatCardDef{
			Header: chatCardHeader{
				Title:    chatCardText{Tag: "plain_text", Content: "Ticket needs an engineer"},
				Template: "red",
			},
			Elements: []chatCardElement{
				{Tag: "div", Text: chatCardText{Tag: "lark_md", Content: b.String()}},
			},
		},
	}

	if err := n.post(ctx, n.cfg.ChatWebhookURL, card); err != nil {
		n.logger.Warn("Chat escalation delivery failed", "issue_id", issue.RecordID, "error", err)
		return
	}
	n.logger.Info("Chat escalation delivered", "issue_id", issue.RecordID)
}
