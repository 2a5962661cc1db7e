package navigator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONObjectFindsFirstBalancedObject(t *testing.T) {
	text := "Sure, here you go:\n```json\n{\"actions\": [{\"name\": \"done\", \"input\": {}}]}\n```\nLet me know if that works."
	out, err := extractJSONObject(text)
	require.NoError(t, err)
	assert.JSONEq(t, `{"actions": [{"name": "done", "input": {}}]}`, out)
}

func TestExtractJSONObjectIgnoresBracesInsideStrings(t *testing.T) {
	text := `{"actions": [{"name": "input_text", "input": {"text": "looks like {this}"}}]}`
	out, err := extractJSONObject(text)
	require.NoError(t, err)
	assert.JSONEq(t, text, out)
}

func TestExtractJSONObjectErrorsWithoutBraces(t *testing.T) {
	_, err := extractJSONObject("no json here at all")
	require.Error(t, err)
}

func TestRemoveJSONCommentsStripsLineAndBlockComments(t *testing.T) {
	in := `{
  "action": "click_element", // pick the login button
  /* index chosen from the elements list */
  "input": {"index": 3}
}`
	out := removeJSONComments(in)
	assert.NotContains(t, out, "//")
	assert.NotContains(t, out, "/*")
	assert.Contains(t, out, `"index": 3`)
}

func TestRemoveJSONCommentsLeavesSlashesInsideStringsAlone(t *testing.T) {
	in := `{"input": {"selector": "div.a//b"}}`
	out := removeJSONComments(in)
	assert.Equal(t, in, out)
}

func TestParseActionsDecodesBatch(t *testing.T) {
	text := `{"actions": [{"name": "click_element", "input": {"index": 1}}, {"name": "done", "input": {"text": "ok"}}]}`
	decisions, err := parseActions(text, 5)
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.Equal(t, "click_element", decisions[0].Name)
	assert.Equal(t, "done", decisions[1].Name)
}

func TestParseActionsCapsAtMaxActions(t *testing.T) {
	text := `{"actions": [{"name":"a","input":{}},{"name":"b","input":{}},{"name":"c","input":{}}]}`
	decisions, err := parseActions(text, 2)
	require.NoError(t, err)
	assert.Len(t, decisions, 2)
}

func TestParseActionsAcceptsBareActionObject(t *testing.T) {
	text := `{"action": "go_to_url", "input": {"url": "https://example.com"}}`
	decisions, err := parseActions(text, 5)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "go_to_url", decisions[0].Name)
	assert.Equal(t, "https://example.com", decisions[0].Input["url"])
}

func TestParseActionsRejectsGarbage(t *testing.T) {
	_, err := parseActions("not json at all", 5)
	require.Error(t, err)
}
