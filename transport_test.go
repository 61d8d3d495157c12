package claude

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func TestBuildCommandBasic(t *testing.T) {
	opts := &AgentOptions{}
	tr := newSubprocessTransport(opts)
	cmd := tr.buildCommand()

	// Should contain basic flags
	found := map[string]bool{
		"--output-format":   false,
		"stream-json":       false,
		"--verbose":         false,
		"--input-format":    false,
		"--system-prompt":   false,
		"--setting-sources": false,
	}

	for _, arg := range cmd {
		if _, ok := found[arg]; ok {
			found[arg] = true
		}
	}

	for flag, present := range found {
		if !present {
			t.Errorf("expected flag %s in command", flag)
		}
	}
}

func TestBuildCommandWithModel(t *testing.T) {
	opts := &AgentOptions{Model: "claude-sonnet-4-5"}
	tr := newSubprocessTransport(opts)
	cmd := tr.buildCommand()

	cmdStr := strings.Join(cmd, " ")
	if !strings.Contains(cmdStr, "--model claude-sonnet-4-5") {
		t.Errorf("expected --model flag in command: %s", cmdStr)
	}
}

func TestBuildCommandWithMaxTurns(t *testing.T) {
	opts := &AgentOptions{MaxTurns: 5}
	tr := newSubprocessTransport(opts)
	cmd := tr.buildCommand()

	cmdStr := strings.Join(cmd, " ")
	if !strings.Contains(cmdStr, "--max-turns 5") {
		t.Errorf("expected --max-turns 5 in command: %s", cmdStr)
	}
}

func TestBuildCommandWithPermissionMode(t *testing.T) {
	opts := &AgentOptions{PermissionMode: PermissionAcceptEdits}
	tr := newSubprocessTransport(opts)
	cmd := tr.buildCommand()

	cmdStr := strings.Join(cmd, " ")
	if !strings.Contains(cmdStr, "--permission-mode acceptEdits") {
		t.Errorf("expected --permission-mode in command: %s", cmdStr)
	}
}

func TestBuildCommandWithAllowedTools(t *testing.T) {
	opts := &AgentOptions{AllowedTools: []string{"Read", "Write", "Bash"}}
	tr := newSubprocessTransport(opts)
	cmd := tr.buildCommand()

	cmdStr := strings.Join(cmd, " ")
	if !strings.Contains(cmdStr, "--allowedTools Read,Write,Bash") {
		t.Errorf("expected --allowedTools in command: %s", cmdStr)
	}
}

func TestBuildCommandWithSystemPrompt(t *testing.T) {
	prompt := "You are a helpful assistant"
	opts := &AgentOptions{SystemPrompt: &prompt}
	tr := newSubprocessTransport(opts)
	cmd := tr.buildCommand()

	cmdStr := strings.Join(cmd, " ")
	if !strings.Contains(cmdStr, "--system-prompt "+prompt) {
		t.Errorf("expected --system-prompt in command: %s", cmdStr)
	}
}

func TestBuildCommandWithThinkingEnabled(t *testing.T) {
	opts := &AgentOptions{
		Thinking: &ThinkingConfigEnabled{BudgetTokens: 16000},
	}
	tr := newSubprocessTransport(opts)
	cmd := tr.buildCommand()

	cmdStr := strings.Join(cmd, " ")
	if !strings.Contains(cmdStr, "--max-thinking-tokens 16000") {
		t.Errorf("expected --max-thinking-tokens 16000 in command: %s", cmdStr)
	}
}

func TestBuildCommandWithThinkingDisabled(t *testing.T) {
	opts := &AgentOptions{
		Thinking: &ThinkingConfigDisabled{},
	}
	tr := newSubprocessTransport(opts)
	cmd := tr.buildCommand()

	cmdStr := strings.Join(cmd, " ")
	if !strings.Contains(cmdStr, "--max-thinking-tokens 0") {
		t.Errorf("expected --max-thinking-tokens 0 in command: %s", cmdStr)
	}
}

func TestBuildCommandWithEffort(t *testing.T) {
	opts := &AgentOptions{Effort: EffortHigh}
	tr := newSubprocessTransport(opts)
	cmd := tr.buildCommand()

	cmdStr := strings.Join(cmd, " ")
	if !strings.Contains(cmdStr, "--effort high") {
		t.Errorf("expected --effort high in command: %s", cmdStr)
	}
}

func TestBuildCommandWithContinue(t *testing.T) {
	opts := &AgentOptions{ContinueConversation: true}
	tr := newSubprocessTransport(opts)
	cmd := tr.buildCommand()

	found := false
	for _, arg := range cmd {
		if arg == "--continue" {
			found = true
			break
		}
	}
	if !found {
		t.Error("expected --continue flag in command")
	}
}

func TestBuildCommandWithExtraArgs(t *testing.T) {
	val := "value1"
	opts := &AgentOptions{
		ExtraArgs: map[string]*string{
			"debug-to-stderr": nil,
			"custom-flag":     &val,
		},
	}
	tr := newSubprocessTransport(opts)
	cmd := tr.buildCommand()

	cmdStr := strings.Join(cmd, " ")
	if !strings.Contains(cmdStr, "--debug-to-stderr") {
		t.Errorf("expected --debug-to-stderr in command: %s", cmdStr)
	}
	if !strings.Contains(cmdStr, "--custom-flag value1") {
		t.Errorf("expected --custom-flag value1 in command: %s", cmdStr)
	}
}

func TestBuildSettingsValueEmpty(t *testing.T) {
	tr := &subprocessTransport{options: &AgentOptions{}}
	val := tr.buildSettingsValue()
	if val != "" {
		t.Errorf("expected empty, got %s", val)
	}
}

func TestBuildSettingsValueSettingsOnly(t *testing.T) {
	tr := &subprocessTransport{options: &AgentOptions{Settings: "/path/to/settings.json"}}
	val := tr.buildSettingsValue()
	if val != "/path/to/settings.json" {
		t.Errorf("expected path, got %s", val)
	}
}

func TestBuildSettingsValueSandboxOnly(t *testing.T) {
	enabled := true
	tr := &subprocessTransport{options: &AgentOptions{
		Sandbox: &SandboxSettings{Enabled: &enabled},
	}}
	val := tr.buildSettingsValue()
	if val == "" {
		t.Error("expected non-empty settings value")
	}
	if !strings.Contains(val, "sandbox") {
		t.Errorf("expected sandbox in settings: %s", val)
	}
}

func TestBuildCommandWithExtraArgsLeadingDashes(t *testing.T) {
	val := "1"
	opts := &AgentOptions{
		ExtraArgs: map[string]*string{
			"--already-prefixed": &val,
		},
	}
	tr := newSubprocessTransport(opts)
	cmd := tr.buildCommand()
	cmdStr := strings.Join(cmd, " ")
	if strings.Contains(cmdStr, "----already-prefixed") {
		t.Fatalf("unexpected duplicated dashes: %s", cmdStr)
	}
	if !strings.Contains(cmdStr, "--already-prefixed 1") {
		t.Fatalf("expected --already-prefixed 1 in command: %s", cmdStr)
	}
}

func TestReadMessagesBufferOverflowReturnsError(t *testing.T) {
	opts := &AgentOptions{MaxBufferSize: 16}
	tr := newSubprocessTransport(opts)
	tr.stdout = io.NopCloser(strings.NewReader(`{"type":"assistant","message":{"content":[` + "\n"))

	tr.readMessages(context.Background())

	err, ok := <-tr.Errors()
	if !ok {
		t.Fatal("expected an error value before channel close")
	}
	var decodeErr *CLIJSONDecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected CLIJSONDecodeError, got %T (%v)", err, err)
	}
	if tr.LastError() == nil {
		t.Fatal("expected transport last error to be recorded")
	}
}

func TestReadMessagesSkipsNonJSONPrelude(t *testing.T) {
	opts := &AgentOptions{}
	tr := newSubprocessTransport(opts)
	tr.stdout = io.NopCloser(strings.NewReader("[claude-wrapper] prelude\n{\"type\":\"system\",\"subtype\":\"init\"}\n"))

	tr.readMessages(context.Background())

	var got []map[string]any
	for msg := range tr.Messages() {
		got = append(got, msg)
	}

	if len(got) != 1 {
		t.Fatalf("expected 1 parsed message, got %d", len(got))
	}
	if typ, _ := got[0]["type"].(string); typ != "system" {
		t.Fatalf("expected parsed message type system, got %q", typ)
	}
	if sub, _ := got[0]["subtype"].(string); sub != "init" {
		t.Fatalf("expected subtype init, got %q", sub)
	}
	if err := tr.LastError(); err != nil {
		t.Fatalf("expected no transport error, got %v", err)
	}
}

// chunkedReader returns each element of chunks from a separate Read call,
// forcing a caller that frames on newlines to observe a split that doesn't
// land on a record boundary.
type chunkedReader struct {
	chunks [][]byte
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	if len(r.chunks[0]) == 0 {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func TestReadMessagesReassemblesRecordSplitAcrossReads(t *testing.T) {
	opts := &AgentOptions{}
	tr := newSubprocessTransport(opts)
	tr.stdout = io.NopCloser(&chunkedReader{chunks: [][]byte{
		[]byte(`{"type":"system","subtype":"`),
		[]byte("init\",\"data\":{}}\n"),
	}})

	tr.readMessages(context.Background())

	var got []map[string]any
	for msg := range tr.Messages() {
		got = append(got, msg)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 reassembled message, got %d", len(got))
	}
	if typ, _ := got[0]["type"].(string); typ != "system" {
		t.Fatalf("expected type system, got %q", typ)
	}
	if sub, _ := got[0]["subtype"].(string); sub != "init" {
		t.Fatalf("expected subtype init, got %q", sub)
	}
	if err := tr.LastError(); err != nil {
		t.Fatalf("expected no transport error, got %v", err)
	}
}

func TestNewSubprocessTransportDefaultsToNopLogger(t *testing.T) {
	tr := newSubprocessTransport(&AgentOptions{})
	if tr.logger.GetLevel() != zerolog.Disabled {
		t.Errorf("expected a disabled no-op logger by default, got level %v", tr.logger.GetLevel())
	}
}

func TestNewSubprocessTransportUsesConfiguredLogger(t *testing.T) {
	logger := zerolog.New(io.Discard).Level(zerolog.DebugLevel)
	tr := newSubprocessTransport(&AgentOptions{Logger: &logger})
	if tr.logger.GetLevel() != zerolog.DebugLevel {
		t.Errorf("expected configured logger level to carry through, got %v", tr.logger.GetLevel())
	}
}

func TestNewSubprocessTransportRegistersMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	tr := newSubprocessTransport(&AgentOptions{Registerer: reg})
	if tr.stats == nil {
		t.Fatal("expected a non-nil stats recorder")
	}

	tr.stdout = io.NopCloser(strings.NewReader("{\"type\":\"system\",\"subtype\":\"init\"}\n"))
	tr.readMessages(context.Background())
	for range tr.Messages() {
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	var sawRecordsRead bool
	for _, f := range families {
		if f.GetName() == "cliagent_records_read_total" {
			sawRecordsRead = true
		}
	}
	if !sawRecordsRead {
		t.Error("expected cliagent_records_read_total to be registered and incremented via the transport")
	}
}

func TestReadMessagesBufferOverflowResetsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	opts := &AgentOptions{MaxBufferSize: 16, Registerer: reg}
	tr := newSubprocessTransport(opts)
	tr.stdout = io.NopCloser(strings.NewReader(`{"type":"assistant","message":{"content":[` + "\n"))

	tr.readMessages(context.Background())
	<-tr.Errors()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	var sawBufferReset bool
	for _, f := range families {
		if strings.Contains(f.GetName(), "buffer_reset") {
			sawBufferReset = true
		}
	}
	if !sawBufferReset {
		t.Error("expected a buffer reset counter to be registered and incremented on overflow")
	}
}
