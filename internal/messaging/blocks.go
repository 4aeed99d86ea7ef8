package messaging

import (
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/BTreeMap/HuddlePipe/internal/models"
)

// Block action ids. The button value carries the workflow id.
const (
	ActionStartScheduling  = "start_scheduling"
	ActionCancelScheduling = "cancel_scheduling"
	ActionCancelWorkflow   = "cancel_workflow"

	proposalBlockID = "huddle_proposal"
)

// DefaultReactionHints are shown under topics that carry no emoji of their own.
var DefaultReactionHints = []string{"raised_hands", "eyes"}

func mrkdwn(text string) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.MarkdownType, text, false, false)
}

func plain(text string) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.PlainTextType, text, true, false)
}

func section(text string) *slack.SectionBlock {
	return slack.NewSectionBlock(mrkdwn(text), nil, nil)
}

func contextLine(text string) *slack.ContextBlock {
	return slack.NewContextBlock("", mrkdwn(text))
}

// TopicBlocks renders a broadcast topic with reaction hints.
func TopicBlocks(t *models.Topic) []slack.Block {
	hints := DefaultReactionHints
	if t.ReactionEmoji != "" {
		hints = []string{t.ReactionEmoji, "eyes"}
	}
	emoji := make([]string, len(hints))
	for i, h := range hints {
		emoji[i] = ":" + h + ":"
	}
	return []slack.Block{
		section(":loudspeaker: " + t.Content),
		contextLine("興味がある方はリアクションしてください！ " + strings.Join(emoji, " ")),
	}
}

// QuestionBlocks renders a member question.
func QuestionBlocks(content string) []slack.Block {
	return []slack.Block{
		section(":speech_balloon: " + content),
		contextLine("みんなもリアクションやスレッドで気軽に参加してください！"),
	}
}

// ProposalText is the notification fallback for ProposalBlocks.
func ProposalText(participants int) string {
	return fmt.Sprintf("この話題、盛り上がってますね！（%d名が興味あり）", participants)
}

// ProposalBlocks renders the meeting proposal with its two buttons.
func ProposalBlocks(workflowID string, participants int) []slack.Block {
	start := slack.NewButtonBlockElement(ActionStartScheduling, workflowID, plain("日程を決める"))
	start.Style = slack.StylePrimary
	decline := slack.NewButtonBlockElement(ActionCancelWorkflow, workflowID, plain("今回は見送る"))
	return []slack.Block{
		section(fmt.Sprintf(":tada: %s\nもっと詳しく話してみませんか？ミーティングを設定する場合は「日程を決める」を押してください。", ProposalText(participants))),
		slack.NewActionBlock(proposalBlockID, start, decline),
	}
}

var slotPrompts = map[models.SlotStep]string{
	models.StepTitle:       ":memo: ミーティングのタイトルを教えてください。",
	models.StepDateTime:    ":calendar: 日時を教えてください。（例: 12/5 14:00、2025年12月5日 14時）",
	models.StepDuration:    ":stopwatch: 所要時間を教えてください。（例: 60、1時間30分）",
	models.StepLocation:    ":round_pushpin: 場所または会議URLを教えてください。",
	models.StepDescription: ":spiral_note_pad: 説明があれば入力してください。（不要なら「なし」）",
}

// SlotPromptText is the question asked for step.
func SlotPromptText(step models.SlotStep) string {
	if p, ok := slotPrompts[step]; ok {
		return p
	}
	return "入力内容を確認しています…"
}

// SlotPromptBlocks renders the prompt for step, an optional note and a cancel button.
func SlotPromptBlocks(step models.SlotStep, note string) []slack.Block {
	blocks := []slack.Block{section(SlotPromptText(step))}
	if note != "" {
		blocks = append(blocks, contextLine(note))
	}
	cancel := slack.NewButtonBlockElement(ActionCancelScheduling, string(step), plain("中断する"))
	cancel.Style = slack.StyleDanger
	return append(blocks, slack.NewActionBlock("", cancel))
}

// CalendarCreated is what the completion message shows.
type CalendarCreated struct {
	Title        string
	When         string
	Location     string
	Participants []string
	EventURL     string
}

// CalendarCreatedBlocks renders the completion message.
func CalendarCreatedBlocks(c CalendarCreated) []slack.Block {
	mentions := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if strings.HasPrefix(p, "<@") {
			mentions = append(mentions, p)
		} else {
			mentions = append(mentions, "<@"+p+">")
		}
	}
	fields := []*slack.TextBlockObject{
		mrkdwn("*:calendar: イベント*\n" + c.Title),
		mrkdwn("*:clock3: 日時*\n" + c.When),
		mrkdwn("*:round_pushpin: 場所*\n" + c.Location),
		mrkdwn(fmt.Sprintf("*:busts_in_silhouette: 参加者*\n%s (%d名)", strings.Join(mentions, ", "), len(mentions))),
	}
	blocks := []slack.Block{
		section(":white_check_mark: *Googleカレンダーにイベントを作成しました！*"),
		slack.NewSectionBlock(nil, fields, nil),
	}
	footer := "カレンダーの招待メールをご確認ください！"
	if c.EventURL != "" {
		footer += fmt.Sprintf("\n<%s|カレンダーで確認>", c.EventURL)
	}
	return append(blocks, section(footer))
}

// ErrorBlocks renders a user-facing error.
func ErrorBlocks(text, details string) []slack.Block {
	blocks := []slack.Block{section(":x: *エラーが発生しました*\n" + text)}
	if details != "" {
		blocks = append(blocks, contextLine("詳細: "+details))
	}
	return blocks
}
