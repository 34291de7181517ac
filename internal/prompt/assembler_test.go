package prompt

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legal-rag/backend/internal/storage/models"
)

func turn(role, content string) models.ConversationTurn {
	return models.ConversationTurn{Role: role, Content: content}
}

func TestAssembleOrdersSourcesHistoryQuestion(t *testing.T) {
	a := NewAssembler(Config{HistoryBudgetChars: 2000})
	results := []models.RetrievalResult{
		{Filename: "tbk.pdf", Ordinal: 3, Text: "Kiracı, kira bedelini ödemekle yükümlüdür.", Rank: 1},
		{Filename: "hmk.txt", Ordinal: 0, Text: "Dava dilekçesi yazılı olarak verilir.", Rank: 2},
	}
	history := []models.ConversationTurn{
		turn(models.RoleUser, "Kira bedeli ne zaman ödenir?"),
		turn(models.RoleAssistant, "Her ayın sonunda."),
	}

	p := a.Assemble("Depozito ne zaman iade edilir?", results, history)

	assert.Equal(t, DefaultSystemPrompt, p.System)
	s1 := strings.Index(p.User, "[Source 1: tbk.pdf, chunk 3]")
	s2 := strings.Index(p.User, "[Source 2: hmk.txt, chunk 0]")
	h1 := strings.Index(p.User, "User: Kira bedeli ne zaman ödenir?")
	h2 := strings.Index(p.User, "Assistant: Her ayın sonunda.")
	q := strings.Index(p.User, "Question: Depozito ne zaman iade edilir?")

	require.True(t, s1 >= 0 && s2 >= 0 && h1 >= 0 && h2 >= 0 && q >= 0, p.User)
	assert.True(t, s1 < s2 && s2 < h1 && h1 < h2 && h2 < q)
}

func TestAssembleWithoutSourcesOrHistory(t *testing.T) {
	p := NewAssembler(Config{SystemPrompt: "custom"}).Assemble("Soru?", nil, nil)

	assert.Equal(t, "custom", p.System)
	assert.Contains(t, p.User, "No relevant documents were found.")
	assert.NotContains(t, p.User, "Previous conversation")
}

func TestTruncateHistoryDropsOldestFirst(t *testing.T) {
	history := []models.ConversationTurn{
		turn(models.RoleUser, strings.Repeat("a", 900)),
		turn(models.RoleAssistant, strings.Repeat("b", 900)),
		turn(models.RoleUser, strings.Repeat("c", 900)),
	}

	got := TruncateHistory(history, 2000, 0)

	require.Len(t, got, 2)
	assert.Equal(t, history[1], got[0])
	assert.Equal(t, history[2], got[1])
}

func TestTruncateHistoryCountsRunes(t *testing.T) {
	history := []models.ConversationTurn{
		turn(models.RoleUser, strings.Repeat("ş", 10)),
		turn(models.RoleUser, strings.Repeat("ğ", 10)),
	}

	assert.Len(t, TruncateHistory(history, 20, 0), 2)
	assert.Len(t, TruncateHistory(history, 19, 0), 1)
}

func TestTruncateHistoryTurnCapAndUnbounded(t *testing.T) {
	history := []models.ConversationTurn{turn("user", "1"), turn("assistant", "2"), turn("user", "3")}

	assert.Equal(t, history[1:], TruncateHistory(history, 0, 2))
	assert.Equal(t, history, TruncateHistory(history, 0, 0))
	assert.Empty(t, TruncateHistory([]models.ConversationTurn{turn("user", strings.Repeat("x", 50))}, 10, 0))
}

func TestPreviewShortTextUnchanged(t *testing.T) {
	assert.Equal(t, "Kısa metin.", Preview("  Kısa   metin. ", 200))
}

func TestPreviewPrefersSentenceEnd(t *testing.T) {
	text := "Birinci cümle burada biter. İkinci cümle biraz daha uzundur ve pencereyi aşar."

	got := Preview(text, 40)

	assert.Equal(t, "Birinci cümle burada biter....", got)
}

func TestPreviewFallsBackToWordBoundary(t *testing.T) {
	text := "kiracı kiraya veren depozito teminat tahliye"

	got := Preview(text, 20)

	assert.Equal(t, "kiracı kiraya veren...", got)
	assert.LessOrEqual(t, utf8.RuneCountInString(strings.TrimSuffix(got, "...")), 20)
}

func TestPreviewNeverCutsMidWord(t *testing.T) {
	text := strings.Repeat("sözleşme ", 60)

	got := strings.TrimSuffix(Preview(text, 200), "...")

	for _, w := range strings.Fields(got) {
		assert.Equal(t, "sözleşme", w)
	}
}

func TestPreviewUnbrokenToken(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"token is the whole text", strings.Repeat("x", 300), strings.Repeat("x", 300)},
		{"token ends past the window", strings.Repeat("x", 250) + " madde", strings.Repeat("x", 250) + "..."},
		{"token runs past twice the window", strings.Repeat("x", 500), strings.Repeat("x", 400) + "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Preview(tt.text, 200))
		})
	}
}
