// Package chat lets units consult an AI assistant about the session's
// chronology: threads of user/assistant messages, with recent entries
// injected into the system prompt as context.
package chat

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"chronoai/internal/classify"
	"chronoai/internal/hqmatch"
	"chronoai/internal/logger"
	"chronoai/internal/types"
)

// Completer is the conversation-level contract to the language model.
// *classify.GatewayClient satisfies it.
type Completer interface {
	CompleteMessages(ctx context.Context, messages []classify.Message, temperature float64, maxTokens int) (string, error)
}

const (
	responseTemperature = 0.7
	responseMaxTokens   = 1000
	titleTemperature    = 0.3
	titleMaxTokens      = 50

	maxContextEntries = 100
	maxNoteRunes      = 100
	maxTitleRunes     = 30
)

const systemPromptTemplate = `あなたは災害対応本部のAIアシスタントです。
クロノロジー（活動記録）を分析し、質問に回答します。

## あなたの役割
- クロノロジーの内容を踏まえて、状況把握や意思決定を支援する
- 質問に対して、クロノロジーの情報を引用しながら回答する
- 必要に応じて、追加の確認事項や提案を行う

## 回答のガイドライン
- 簡潔かつ明確に回答する
- クロノロジーに記載されている事実と、あなたの推測を区別する
- 不明な点は正直に「クロノロジーには記載がありません」と伝える

## コンテキスト情報
- 災害名: %s
- 本部名: %s

%s
`

const titlePrompt = "以下のメッセージの内容を10文字以内の日本語タイトルにまとめてください。タイトルのみを出力してください。"

// Fixed apologies shown instead of an assistant answer. The chat surface
// never errors; a broken model shows up as a polite message in-thread.
const (
	msgNotConfigured = "申し訳ありません。AIサービスが設定されていません。管理者にお問い合わせください。"
	msgUnavailable   = "申し訳ありません。AIサービスでエラーが発生しました。しばらく経ってからお試しください。"
)

// Assistant answers consultation threads. A nil completer means the
// assistant is unconfigured and responds with a fixed notice.
type Assistant struct {
	completer Completer
	log       *logrus.Entry
}

func New(completer Completer) *Assistant {
	a := &Assistant{
		completer: completer,
		log:       logger.New().WithField("module", "chat"),
	}
	if completer == nil {
		a.log.Warn("no language model configured, chat assistant disabled")
	}
	return a
}

// Respond generates the assistant's answer to userMessage in the context
// of the thread's history and the session's chronology. Never returns an
// error; failures yield a fixed apology.
func (a *Assistant) Respond(ctx context.Context, thread *types.ChatThread, userMessage string, entries []types.ChronologyEntry, units []types.HQMaster, incidentName, hqName string) string {
	if a.completer == nil {
		return msgNotConfigured
	}

	system := buildSystemPrompt(incidentName, hqName, entries, units)
	messages := make([]classify.Message, 0, len(thread.Messages)+2)
	messages = append(messages, classify.Message{Role: "system", Content: system})
	for _, msg := range thread.Messages {
		switch msg.Role {
		case types.ChatRoleUser:
			messages = append(messages, classify.Message{Role: "user", Content: msg.Content})
		case types.ChatRoleAssistant:
			messages = append(messages, classify.Message{Role: "assistant", Content: msg.Content})
		}
	}
	messages = append(messages, classify.Message{Role: "user", Content: userMessage})

	content, err := a.completer.CompleteMessages(ctx, messages, responseTemperature, responseMaxTokens)
	if err != nil {
		a.log.WithFields(logrus.Fields{
			"thread_id": thread.ThreadID,
			"error":     err.Error(),
		}).Warn("assistant response failed")
		return msgUnavailable
	}
	if strings.TrimSpace(content) == "" {
		return msgUnavailable
	}
	return strings.TrimSpace(content)
}

// ThreadTitle produces a short title from the thread's first message,
// falling back to truncation when the model is unavailable.
func (a *Assistant) ThreadTitle(ctx context.Context, firstMessage string) string {
	if a.completer == nil {
		return truncateTitle(firstMessage)
	}
	messages := []classify.Message{
		{Role: "system", Content: titlePrompt},
		{Role: "user", Content: firstMessage},
	}
	title, err := a.completer.CompleteMessages(ctx, messages, titleTemperature, titleMaxTokens)
	if err != nil {
		a.log.WithField("error", err.Error()).Warn("title generation failed")
		return truncateTitle(firstMessage)
	}
	title = strings.TrimSpace(title)
	title = strings.NewReplacer(`"`, "", "「", "", "」", "").Replace(title)
	if title == "" {
		return truncateTitle(firstMessage)
	}
	if runes := []rune(title); len(runes) > maxTitleRunes {
		title = string(runes[:maxTitleRunes])
	}
	return title
}

// buildSystemPrompt injects the most recent entries, oldest first, as
// chronology context.
func buildSystemPrompt(incidentName, hqName string, entries []types.ChronologyEntry, units []types.HQMaster) string {
	if incidentName == "" {
		incidentName = "不明"
	}
	if hqName == "" {
		hqName = "不明"
	}
	return fmt.Sprintf(systemPromptTemplate, incidentName, hqName, formatChronology(entries, units))
}

func formatChronology(entries []types.ChronologyEntry, units []types.HQMaster) string {
	if len(entries) == 0 {
		return "## クロノロジー\n（まだエントリがありません）"
	}

	sorted := make([]types.ChronologyEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.After(sorted[j].Timestamp) })
	if len(sorted) > maxContextEntries {
		sorted = sorted[:maxContextEntries]
	}
	for i, j := 0, len(sorted)-1; i < j; i, j = i+1, j-1 {
		sorted[i], sorted[j] = sorted[j], sorted[i]
	}

	lines := []string{"## クロノロジー（直近の活動記録）"}
	for _, entry := range sorted {
		hqName := hqmatch.HQName(entry.HQID, units)
		if hqName == "" {
			hqName = "不明"
		}
		lines = append(lines, fmt.Sprintf("- [%s] [%s] (%s) %s",
			entry.Timestamp.Format("15:04"), entry.Category, hqName, entry.Summary))
		if entry.AINote != "" {
			note := entry.AINote
			if runes := []rune(note); len(runes) > maxNoteRunes {
				note = string(runes[:maxNoteRunes])
			}
			lines = append(lines, "  詳細: "+note+"...")
		}
	}
	return strings.Join(lines, "\n")
}

func truncateTitle(s string) string {
	runes := []rune(s)
	if len(runes) <= maxTitleRunes {
		return s
	}
	return string(runes[:maxTitleRunes]) + "..."
}
