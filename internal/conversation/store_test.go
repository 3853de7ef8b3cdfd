package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ragassist/agentmaster/internal/database"
)

func testStore(t *testing.T, deps ...Dependent) *Store {
	t.Helper()
	db, err := database.Open(database.DriverPure, database.Memory)
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db, deps...)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

// steppedClock returns a clock that advances one millisecond per call so
// insertion order is reflected in timestamps.
func steppedClock() func() time.Time {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Millisecond)
	}
}

func newConversation(t *testing.T, s *Store, tenant, user string) *Conversation {
	t.Helper()
	c := &Conversation{TenantID: tenant, UserID: user, Title: "test"}
	if err := s.Create(context.Background(), c); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return c
}

func appendMsg(t *testing.T, s *Store, m *Message) {
	t.Helper()
	if err := s.AppendMessage(context.Background(), m); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
}

func TestCreateAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	c := &Conversation{
		TenantID:  "t1",
		UserID:    "u1",
		SessionID: "sess",
		Title:     "First",
		Metadata:  map[string]any{"source": "cli"},
		AgentKey:  "support",
	}
	if err := s.Create(ctx, c); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c.ID == "" {
		t.Fatal("Create did not assign an ID")
	}
	if c.Status != StatusActive {
		t.Errorf("Status = %q, want active", c.Status)
	}

	got, err := s.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.TenantID != "t1" || got.UserID != "u1" || got.SessionID != "sess" {
		t.Errorf("Get = %+v", got)
	}
	if got.AgentKey != "support" {
		t.Errorf("AgentKey = %q, want support", got.AgentKey)
	}
	if got.Metadata["source"] != "cli" {
		t.Errorf("Metadata = %v", got.Metadata)
	}
	if !got.CreatedAt.Equal(c.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, c.CreatedAt)
	}
}

func TestCreate_RequiresOwner(t *testing.T) {
	s := testStore(t)
	if err := s.Create(context.Background(), &Conversation{TenantID: "t1"}); err == nil {
		t.Error("Create without user_id should fail")
	}
}

func TestGet_NotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestList(t *testing.T) {
	s := testStore(t)
	s.now = steppedClock()
	ctx := context.Background()

	a := newConversation(t, s, "t1", "u1")
	b := newConversation(t, s, "t1", "u2")
	c := newConversation(t, s, "t1", "u1")
	newConversation(t, s, "t2", "u1")

	if err := s.SoftDelete(ctx, c.ID); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	tests := []struct {
		name   string
		filter ListFilter
		want   []string
	}{
		{"tenant excludes deleted", ListFilter{TenantID: "t1"}, []string{b.ID, a.ID}},
		{"by user", ListFilter{TenantID: "t1", UserID: "u1"}, []string{a.ID}},
		{"deleted only", ListFilter{TenantID: "t1", Status: StatusDeleted}, []string{c.ID}},
		{"limit", ListFilter{TenantID: "t1", Limit: 1}, []string{b.ID}},
		{"offset", ListFilter{TenantID: "t1", Limit: 1, Offset: 1}, []string{a.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("List returned %d conversations, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].ID != tt.want[i] {
					t.Errorf("List[%d] = %s, want %s", i, got[i].ID, tt.want[i])
				}
			}
		})
	}
}

func TestStatusTransitions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	c := newConversation(t, s, "t1", "u1")

	if err := s.Rename(ctx, c.ID, "Renamed"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if err := s.Archive(ctx, c.ID); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	got, _ := s.Get(ctx, c.ID)
	if got.Status != StatusArchived || got.Title != "Renamed" {
		t.Errorf("after archive: status=%q title=%q", got.Status, got.Title)
	}

	if err := s.Activate(ctx, c.ID); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := s.SoftDelete(ctx, c.ID); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	// Deleted is terminal for soft operations.
	if err := s.Activate(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Activate(deleted) error = %v, want ErrNotFound", err)
	}
	if err := s.Rename(ctx, c.ID, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Rename(deleted) error = %v, want ErrNotFound", err)
	}
}

func TestMessages_Order(t *testing.T) {
	s := testStore(t)
	s.now = steppedClock()
	ctx := context.Background()
	c := newConversation(t, s, "t1", "u1")

	appendMsg(t, s, &Message{ConversationID: c.ID, Role: RoleAssistant, Content: "zero"})

	// Identical timestamps fall back to insertion order.
	same := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	for _, content := range []string{"one", "two", "three"} {
		appendMsg(t, s, &Message{ConversationID: c.ID, Role: RoleUser, Content: content, CreatedAt: same})
	}

	all, err := s.Messages(ctx, c.ID)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	var contents []string
	for _, m := range all {
		contents = append(contents, m.Content)
	}
	want := []string{"zero", "one", "two", "three"}
	if len(contents) != len(want) {
		t.Fatalf("Messages = %v, want %v", contents, want)
	}
	for i := range want {
		if contents[i] != want[i] {
			t.Fatalf("Messages order = %v, want %v", contents, want)
		}
	}

	recent, err := s.RecentMessages(ctx, c.ID, 2)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(recent) != 2 || recent[0].Content != "two" || recent[1].Content != "three" {
		t.Errorf("RecentMessages = %+v", recent)
	}

	got, _ := s.Get(ctx, c.ID)
	if !got.UpdatedAt.Equal(same) {
		t.Errorf("UpdatedAt = %v, want last message time %v", got.UpdatedAt, same)
	}
}

func TestAppendMessage_Validation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	c := newConversation(t, s, "t1", "u1")

	if err := s.AppendMessage(ctx, &Message{ConversationID: c.ID, Role: "robot"}); err == nil {
		t.Error("AppendMessage with invalid role should fail")
	}
	err := s.AppendMessage(ctx, &Message{ConversationID: "missing", Role: RoleUser, Content: "hi"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("AppendMessage(missing conversation) error = %v, want ErrNotFound", err)
	}
}

func TestFunctionCallsAndResults(t *testing.T) {
	s := testStore(t)
	s.now = steppedClock()
	ctx := context.Background()
	c := newConversation(t, s, "t1", "u1")

	tokens := 12
	call := &Message{
		ConversationID: c.ID,
		Role:           RoleAssistant,
		FunctionName:   "get_agent",
		FunctionArgs:   json.RawMessage(`{"agent_key":"support"}`),
		TokensUsed:     &tokens,
	}
	appendMsg(t, s, &Message{ConversationID: c.ID, Role: RoleUser, Content: "show agent"})
	appendMsg(t, s, call)

	result := json.RawMessage(`{"key":"support"}`)
	if err := s.AttachFunctionResult(ctx, call.ID, result); err != nil {
		t.Fatalf("AttachFunctionResult: %v", err)
	}
	appendMsg(t, s, &Message{ConversationID: c.ID, Role: RoleFunction, FunctionName: "get_agent", FunctionResult: result})
	appendMsg(t, s, &Message{ConversationID: c.ID, Role: RoleAssistant, Content: "done"})

	calls, err := s.FunctionCalls(ctx, c.ID)
	if err != nil {
		t.Fatalf("FunctionCalls: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("FunctionCalls returned %d, want 1", len(calls))
	}
	if string(calls[0].FunctionResult) != string(result) {
		t.Errorf("FunctionResult = %s, want %s", calls[0].FunctionResult, result)
	}
	if calls[0].TokensUsed == nil || *calls[0].TokensUsed != 12 {
		t.Errorf("TokensUsed = %v, want 12", calls[0].TokensUsed)
	}

	// Only assistant function requests may receive a result.
	msgs, _ := s.Messages(ctx, c.ID)
	if err := s.AttachFunctionResult(ctx, msgs[0].ID, result); !errors.Is(err, ErrNotFound) {
		t.Errorf("AttachFunctionResult(user message) error = %v, want ErrNotFound", err)
	}

	st, err := s.Stats(ctx, c.ID)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Messages != 4 || st.Functions != 1 || st.TokensUsed != 12 {
		t.Errorf("Stats = %+v", st)
	}
	if st.ByRole[RoleAssistant] != 2 || st.ByRole[RoleFunction] != 1 {
		t.Errorf("ByRole = %v", st.ByRole)
	}
}

type fakeDependent struct {
	calls []string
	rows  int64
	err   error
}

func (f *fakeDependent) DeleteForConversation(_ context.Context, _ *sql.Tx, id string) (int64, error) {
	f.calls = append(f.calls, id)
	return f.rows, f.err
}

func TestDelete_Cascade(t *testing.T) {
	dep := &fakeDependent{rows: 3}
	s := testStore(t, dep)
	ctx := context.Background()
	c := newConversation(t, s, "t1", "u1")
	appendMsg(t, s, &Message{ConversationID: c.ID, Role: RoleUser, Content: "a"})
	appendMsg(t, s, &Message{ConversationID: c.ID, Role: RoleAssistant, Content: "b"})

	res, err := s.Delete(ctx, c.ID)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if res.Dependents != 3 || res.Messages != 2 {
		t.Errorf("DeleteResult = %+v", res)
	}
	if len(dep.calls) != 1 || dep.calls[0] != c.ID {
		t.Errorf("dependent calls = %v", dep.calls)
	}
	if _, err := s.Get(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete error = %v, want ErrNotFound", err)
	}
	msgs, _ := s.Messages(ctx, c.ID)
	if len(msgs) != 0 {
		t.Errorf("%d messages survived Delete", len(msgs))
	}
}

func TestDelete_DependentFailureRollsBack(t *testing.T) {
	dep := &fakeDependent{err: errors.New("ledger locked")}
	s := testStore(t, dep)
	ctx := context.Background()
	c := newConversation(t, s, "t1", "u1")
	appendMsg(t, s, &Message{ConversationID: c.ID, Role: RoleUser, Content: "a"})

	if _, err := s.Delete(ctx, c.ID); err == nil {
		t.Fatal("Delete should fail when a dependent fails")
	}
	if _, err := s.Get(ctx, c.ID); err != nil {
		t.Errorf("conversation should survive a failed delete: %v", err)
	}
	msgs, _ := s.Messages(ctx, c.ID)
	if len(msgs) != 1 {
		t.Errorf("messages = %d, want 1 after rollback", len(msgs))
	}
}

func TestDelete_NotFound(t *testing.T) {
	s := testStore(t)
	if _, err := s.Delete(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete(missing) error = %v, want ErrNotFound", err)
	}
}

func TestStore_ForeignKeysOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conv.db")
	db, err := database.Open(database.DriverCGO, path)
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()
	c := newConversation(t, s, "t1", "u1")
	appendMsg(t, s, &Message{ConversationID: c.ID, Role: RoleUser, Content: "a"})

	// Messages reference the conversation, so it cannot go first.
	if _, err := db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, c.ID); err == nil {
		t.Error("deleting a conversation with messages should violate the foreign key")
	}
	if _, err := s.Delete(ctx, c.ID); err != nil {
		t.Errorf("Delete: %v", err)
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.in); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
