package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rclone-labs/filesync/internal/dirspec"
)

func TestParsePairsSkipsCommentsAndBlankLines(t *testing.T) {
	input := `# a comment
/a@1.2.3.4:9000 /b@5.6.7.8:9001


/c@1.1.1.1:1 /d@2.2.2.2:2
`
	pairs, errs := parsePairs(strings.NewReader(input))
	require.Empty(t, errs)
	require.Len(t, pairs, 2)
	assert.Equal(t, dirspec.Spec{Dir: "/a", Endpoint: dirspec.Endpoint{Host: "1.2.3.4", Port: 9000}}, pairs[0].Source)
	assert.Equal(t, dirspec.Spec{Dir: "/b", Endpoint: dirspec.Endpoint{Host: "5.6.7.8", Port: 9001}}, pairs[0].Target)
	assert.Equal(t, "/c", pairs[1].Source.Dir)
}

func TestParsePairsMalformedLineLogsAndContinues(t *testing.T) {
	input := `/a@1.2.3.4:9000 /b@5.6.7.8:9001
this-line-is-garbage
/c@1.1.1.1:1 /d@2.2.2.2:2
`
	pairs, errs := parsePairs(strings.NewReader(input))
	require.Len(t, errs, 1)
	require.Len(t, pairs, 2)
}

func TestParsePairsWrongFieldCount(t *testing.T) {
	pairs, errs := parsePairs(strings.NewReader("/only-one@1.2.3.4:9000\n"))
	assert.Empty(t, pairs)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "expected two directory specifiers")
}

func TestLoadPairsMissingFile(t *testing.T) {
	_, errs := LoadPairs("/nonexistent/path/to/config")
	require.Len(t, errs, 1)
}
