package dialogue

import (
	"errors"
	"testing"

	"github.com/bestZwei/AIBC/internal/segment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeparate(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		expected []segment.Utterance
	}{
		{
			name: "full width markers",
			text: "A：hello\nB：world",
			expected: []segment.Utterance{
				{Speaker: "A", Text: "hello"},
				{Speaker: "B", Text: "world"},
			},
		},
		{
			name: "continuation lines are joined",
			text: "A: hello\nthere\nB: world",
			expected: []segment.Utterance{
				{Speaker: "A", Text: "hello there"},
				{Speaker: "B", Text: "world"},
			},
		},
		{
			name: "lines before the first marker are dropped",
			text: "Sure, here is the script.\n\nA：hi\r\nB：bye\r\n",
			expected: []segment.Utterance{
				{Speaker: "A", Text: "hi"},
				{Speaker: "B", Text: "bye"},
			},
		},
		{
			name: "same speaker twice keeps two utterances",
			text: "A：one\nA：two",
			expected: []segment.Utterance{
				{Speaker: "A", Text: "one"},
				{Speaker: "A", Text: "two"},
			},
		},
		{
			name:     "no markers",
			text:     "no markers",
			expected: nil,
		},
		{
			name:     "empty marker body is skipped",
			text:     "A：\nB：ok",
			expected: []segment.Utterance{{Speaker: "B", Text: "ok"}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Separate(tc.text, "A", "B"))
		})
	}
}

func TestSeparateChineseNames(t *testing.T) {
	text := "小晓：欢迎收听今天的新闻。\n云熙：大家好！\n今天我们聊聊科技。"
	got := Separate(text, "小晓", "云熙")
	require.Len(t, got, 2)
	assert.Equal(t, "小晓", got[0].Speaker)
	assert.Equal(t, "欢迎收听今天的新闻。", got[0].Text)
	assert.Equal(t, "大家好！ 今天我们聊聊科技。", got[1].Text)
}

func TestParse(t *testing.T) {
	_, err := Parse("just prose", "A", "B")
	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "just prose", perr.Text)

	_, err = Parse("   ", "A", "B")
	assert.ErrorIs(t, err, ErrUnparseable)

	utts, err := Parse("B: first", "A", "B")
	require.NoError(t, err)
	assert.Len(t, utts, 1)
}

func TestSplitInHalf(t *testing.T) {
	t.Run("odd sentence count favours the first speaker", func(t *testing.T) {
		got := SplitInHalf("One. Two! Three?", "A", "B")
		assert.Equal(t, "A：One。Two。\nB：Three。", got)
		assert.Equal(t, []segment.Utterance{
			{Speaker: "A", Text: "One。Two。"},
			{Speaker: "B", Text: "Three。"},
		}, Separate(got, "A", "B"))
	})

	t.Run("single sentence leaves a stock line for the second speaker", func(t *testing.T) {
		got := SplitInHalf("今天天气很好", "A", "B")
		assert.Equal(t, "A：今天天气很好。\nB："+stockLineSecondary, got)
	})

	t.Run("empty text gets stock lines on both sides", func(t *testing.T) {
		got := SplitInHalf("", "A", "B")
		assert.Equal(t, "A："+stockLinePrimary+"\nB："+stockLineSecondary, got)
	})

	t.Run("marked text is returned unchanged", func(t *testing.T) {
		text := "intro line\nA: already marked"
		assert.Equal(t, text, SplitInHalf(text, "A", "B"))
	})
}
