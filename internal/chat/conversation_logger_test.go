package chat

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationLoggerWritesPerChatNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewConversationLogger(ConversationLogConfig{
		Enabled:       true,
		Dir:           dir,
		GlobalEnabled: true,
		GlobalPath:    filepath.Join(dir, "all.ndjson"),
		QueueSize:     16,
	}, slog.Default())
	require.NoError(t, err)

	logger.Log(ConversationLogEvent{
		UserID:     "user-1",
		ChatID:     "chat-1",
		Channel:    "chat",
		Direction:  "outbound",
		EventType:  "chat_user_message",
		ContentRaw: "echo hi",
	})
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())

	line := readLastLine(t, filepath.Join(dir, "user-1", "chat-1.ndjson"))
	var got ConversationLogEvent
	require.NoError(t, json.Unmarshal([]byte(line), &got))
	assert.Equal(t, "echo hi", got.ContentRaw)
	assert.Equal(t, "echo hi", got.Content)

	assert.NotEmpty(t, readLastLine(t, filepath.Join(dir, "all.ndjson")))

	// Logging after close is dropped silently.
	logger.Log(ConversationLogEvent{UserID: "user-1"})
}

func TestConversationLoggerSanitizesPaths(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewConversationLogger(ConversationLogConfig{Enabled: true, Dir: dir}, nil)
	require.NoError(t, err)
	logger.Log(ConversationLogEvent{UserID: "../../etc", ChatID: "a/b", ContentRaw: "x"})
	require.NoError(t, logger.Close())

	assert.NotEmpty(t, readLastLine(t, filepath.Join(dir, "_.._etc", "a_b.ndjson")))
}

func TestDisabledConversationLoggerIsNoop(t *testing.T) {
	t.Parallel()

	logger, err := NewConversationLogger(ConversationLogConfig{}, nil)
	require.NoError(t, err)
	logger.Log(ConversationLogEvent{UserID: "u"})
	assert.NoError(t, logger.Close())
}

func TestCleanForReadabilityStripsANSI(t *testing.T) {
	t.Parallel()

	clean := cleanForReadability("\x1b[31merror\x1b[0m plain\r\n")
	assert.NotContains(t, clean, "\x1b[31m")
	assert.Equal(t, "error plain", clean)
}

func TestControllerWritesTranscript(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewConversationLogger(ConversationLogConfig{Enabled: true, Dir: dir, QueueSize: 8}, nil)
	require.NoError(t, err)

	c := NewController(&stubGenerator{reply: "pong"}, WithTranscript(logger))
	c.SendMessage("ping")
	c.Wait()
	c.Close()
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(filepath.Join(dir, "unknown", "default.ndjson"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"content":"ping"`)
	assert.Contains(t, lines[1], `"content":"pong"`)
}

func readLastLine(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			return lines[len(lines)-1]
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for log file %s", path)
	return ""
}
