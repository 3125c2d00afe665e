package keyboard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInlineButtonsRowsSkipsEmpty(t *testing.T) {
	markup := InlineButtonsRows(
		[]InlineBtn{{Text: "Norms", Unique: "norms", Data: "-100"}},
		nil,
		[]InlineBtn{{Text: "A", Unique: "a"}, {Text: "B", Unique: "b", Data: "1"}},
	)
	require.Len(t, markup.InlineKeyboard, 2)
	assert.Equal(t, "norms", markup.InlineKeyboard[0][0].Unique)
	assert.Contains(t, markup.InlineKeyboard[0][0].Data, "-100")
	assert.Len(t, markup.InlineKeyboard[1], 2)
	assert.Equal(t, "B", markup.InlineKeyboard[1][1].Text)
}

func TestReplyButtons(t *testing.T) {
	markup := ReplyButtons([]string{"Start", "Stop"}, []string{"Help"})
	assert.True(t, markup.ResizeKeyboard)
	require.Len(t, markup.ReplyKeyboard, 2)
	assert.Equal(t, "Help", markup.ReplyKeyboard[1][0].Text)
}
