package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildDigestPrompt(t *testing.T) {
	system, user := buildDigestPrompt("user: fix the parser\nagent: done")

	assert.Contains(t, system, "resumed later")
	assert.Contains(t, system, "At most 15 lines")
	assert.True(t, strings.HasPrefix(user, "Summarize this conversation transcript:"))
	assert.Contains(t, user, "user: fix the parser")
}
