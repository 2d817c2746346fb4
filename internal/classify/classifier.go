// Package classify assigns one of seven fixed categories to a transcribed
// utterance and produces a short summary plus an extended note.
//
// The primary path calls a remote language model; any failure there
// (missing configuration, transport error, rate limit, unparseable
// response) degrades to deterministic keyword classification. A provider
// outage lowers classification quality but never blocks chronology
// creation, so Classify has no error return.
package classify

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"chronoai/internal/logger"
	"chronoai/internal/types"
)

// ChatClient is the narrow contract to the remote language model.
type ChatClient interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

const systemPrompt = `あなたは災害医療のクロノロジー作成のエキスパートです。音声入力（文字起こし）を読み、災害対応会議の発言を分類し、クロノロジー用に要約します。

発言を以下の7種別のいずれかに分類し、簡潔な要点を抽出してください。

## 種別
- 指示: 上位→下位への命令（例：「してください」「指示します」）
- 依頼: 横の連携、お願い（例：「お願いします」「依頼」）
- 報告: 状況共有（例：「報告します」「完了」「現状」）
- 決定: 合意・決定事項（例：「決定」「とします」）
- 確認: 質問・確認（例：「ですか？」「確認」）
- リスク: 問題・懸念（例：「問題」「リスク」「懸念」）
- その他: 上記に該当しない

## 出力形式
必ず以下のJSON形式で出力してください：
{
  "category": "種別名",
  "summary": "表題（1行・短め）",
  "ai_note": "要約（2〜4文。固有名詞や数量・時間は残す）"
}
`

// Keyword lists for the fallback path, tried in this order. First category
// whose keyword appears in the text wins.
var categoryKeywords = []struct {
	category types.Category
	keywords []string
}{
	{types.CategoryInstruction, []string{"してください", "指示します", "命じます", "やってください", "実施せよ"}},
	{types.CategoryRequest, []string{"お願いします", "依頼", "頼みます", "していただけ", "できますか"}},
	{types.CategoryReport, []string{"報告します", "完了", "現状", "状況", "報告"}},
	{types.CategoryDecision, []string{"決定", "とします", "決まり", "合意", "方針"}},
	{types.CategoryConfirmation, []string{"ですか？", "確認", "でしょうか", "ますか？", "認識で"}},
	{types.CategoryRisk, []string{"問題", "リスク", "懸念", "危険", "注意", "課題"}},
}

// categoryByLabel maps model output labels onto the taxonomy. Anything
// else resolves to その他.
var categoryByLabel = map[string]types.Category{
	"指示":   types.CategoryInstruction,
	"依頼":   types.CategoryRequest,
	"報告":   types.CategoryReport,
	"決定":   types.CategoryDecision,
	"確認":   types.CategoryConfirmation,
	"リスク": types.CategoryRisk,
	"その他": types.CategoryOther,
}

var (
	jsonObjectRe = regexp.MustCompile(`\{[^}]+\}`)
	hqPrefixRe   = regexp.MustCompile(`^.{1,10}本部です[。、]?\s*`)
)

const (
	summaryMaxRunes = 20
	noteMaxRunes    = 200
)

// Classifier categorizes and summarizes utterances. A nil client means
// keyword classification only.
type Classifier struct {
	client ChatClient
	log    *logrus.Entry
}

func New(client ChatClient) *Classifier {
	c := &Classifier{
		client: client,
		log:    logger.New().WithField("module", "classify"),
	}
	if client == nil {
		c.log.Warn("no language model configured, using keyword classification")
	}
	return c
}

// Classify returns (category, summary, extended note) for an utterance.
// hqName, when known, is given to the model as speaker context. Empty or
// whitespace-only text returns (その他, "", "") without any remote call.
func (c *Classifier) Classify(ctx context.Context, text, hqName string) (types.Category, string, string) {
	if strings.TrimSpace(text) == "" {
		return types.CategoryOther, "", ""
	}

	if c.client == nil {
		return c.Fallback(text)
	}

	user := "発言: " + text
	if hqName != "" {
		user = "発言者: " + hqName + "\n" + user
	}
	content, err := c.client.Complete(ctx, systemPrompt, user)
	if err != nil {
		c.log.WithField("error", err.Error()).Warn("language model call failed, using fallback")
		return c.Fallback(text)
	}

	category, summary, note, ok := parseResponse(content)
	if !ok {
		c.log.WithField("content", truncateRunes(content, 100)).Warn("unparseable model response, using fallback")
		return c.Fallback(text)
	}
	return category, summary, note
}

// Fallback classifies via keyword matching and truncation-based
// summarization. Exported so the pipeline can substitute it directly if
// the classifier itself misbehaves.
func (c *Classifier) Fallback(text string) (types.Category, string, string) {
	category := keywordClassify(text)
	summary := simpleSummary(text)
	note := truncateRunes(strings.TrimSpace(text), noteMaxRunes)
	c.log.WithField("category", string(category)).Debug("fallback classification")
	return category, summary, note
}

func keywordClassify(text string) types.Category {
	for _, entry := range categoryKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(text, kw) {
				return entry.category
			}
		}
	}
	return types.CategoryOther
}

// simpleSummary strips a leading HQ announcement prefix and truncates.
func simpleSummary(text string) string {
	cleaned := hqPrefixRe.ReplaceAllString(text, "")
	return truncateRunes(cleaned, summaryMaxRunes)
}

func parseResponse(content string) (types.Category, string, string, bool) {
	raw := jsonObjectRe.FindString(content)
	if raw == "" {
		return "", "", "", false
	}
	var parsed struct {
		Category string `json:"category"`
		Summary  string `json:"summary"`
		AINote   string `json:"ai_note"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return "", "", "", false
	}
	category, ok := categoryByLabel[strings.TrimSpace(parsed.Category)]
	if !ok {
		category = types.CategoryOther
	}
	return category, parsed.Summary, parsed.AINote, true
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
