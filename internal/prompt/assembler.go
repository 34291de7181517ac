// Package prompt builds the language-model prompt from retrieved excerpts,
// recent conversation and the question. Everything here is pure.
package prompt

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/legal-rag/backend/internal/storage/models"
)

const DefaultSystemPrompt = `Sen Türk hukuku konusunda uzman bir asistansın.
- Soruları yalnızca verilen hukuki belgelere dayanarak yanıtla.
- Her iddia için ilgili kaynağı [Source n] biçiminde belirt.
- Belgeler soruyu yanıtlamaya yetmiyorsa bunu açıkça söyle; tahmin yürütme.
- Hukuki terimleri kısaca açıkla ve Türkçe yanıt ver.`

type Config struct {
	SystemPrompt string
	// HistoryBudgetChars bounds the rendered history in runes. Zero or less means no bound.
	HistoryBudgetChars int
	// MaxHistoryTurns keeps at most this many most recent turns. Zero or less means no cap.
	MaxHistoryTurns int
}

// Prompt is a system instruction plus the user message sent to the model.
type Prompt struct {
	System string
	User   string
}

type Assembler struct {
	cfg Config
}

func NewAssembler(cfg Config) *Assembler {
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	return &Assembler{cfg: cfg}
}

func (a *Assembler) Assemble(question string, results []models.RetrievalResult, history []models.ConversationTurn) Prompt {
	var sb strings.Builder

	sb.WriteString("Legal documents:\n")
	if len(results) == 0 {
		sb.WriteString("No relevant documents were found.\n")
	}
	for i, r := range results {
		fmt.Fprintf(&sb, "[Source %d: %s, chunk %d]\n%s\n\n", i+1, r.Filename, r.Ordinal, strings.TrimSpace(r.Text))
	}

	turns := TruncateHistory(history, a.cfg.HistoryBudgetChars, a.cfg.MaxHistoryTurns)
	if len(turns) > 0 {
		sb.WriteString("\nPrevious conversation:\n")
		for _, t := range turns {
			fmt.Fprintf(&sb, "%s: %s\n", roleLabel(t.Role), strings.TrimSpace(t.Content))
		}
	}

	fmt.Fprintf(&sb, "\nQuestion: %s\n\n", strings.TrimSpace(question))
	sb.WriteString("Answer using only the legal documents above and cite them as [Source n].")

	return Prompt{System: a.cfg.SystemPrompt, User: sb.String()}
}

func roleLabel(role string) string {
	if role == models.RoleAssistant {
		return "Assistant"
	}
	return "User"
}

// TruncateHistory keeps the newest turns whose combined content fits budget
// runes, dropping from the oldest end. The result stays chronological.
func TruncateHistory(history []models.ConversationTurn, budget, maxTurns int) []models.ConversationTurn {
	start := 0
	if maxTurns > 0 && len(history) > maxTurns {
		start = len(history) - maxTurns
	}

	if budget > 0 {
		used := 0
		i := len(history)
		for i > start {
			n := utf8.RuneCountInString(history[i-1].Content)
			if used+n > budget {
				break
			}
			used += n
			i--
		}
		start = i
	}

	out := make([]models.ConversationTurn, len(history)-start)
	copy(out, history[start:])
	return out
}

// Preview shortens text to at most n runes plus an ellipsis. It cuts after the
// last sentence end in the second half of the window, else at the last word
// boundary. A single token longer than n is kept whole unless it runs past 2n.
func Preview(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if n <= 0 || len(runes) <= n {
		return text
	}

	window := runes[:n]
	for i := n - 1; i >= n/2; i-- {
		if isSentenceEnd(window[i]) && unicode.IsSpace(runes[i+1]) {
			return string(window[:i+1]) + "..."
		}
	}

	// The rune right after the window tells whether the window itself ends on a word boundary.
	if unicode.IsSpace(runes[n]) {
		return strings.TrimRightFunc(string(window), unicode.IsSpace) + "..."
	}
	for i := n - 1; i > 0; i-- {
		if unicode.IsSpace(window[i]) {
			return strings.TrimRightFunc(string(window[:i]), unicode.IsSpace) + "..."
		}
	}

	// One token fills the window. Keep it whole, up to twice the window.
	limit := min(len(runes), 2*n)
	end := n
	for end < limit && !unicode.IsSpace(runes[end]) {
		end++
	}
	if end == len(runes) {
		return text
	}
	return string(runes[:end]) + "..."
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?' || r == '…'
}
