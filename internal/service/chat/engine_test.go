package chat_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	chatmodel "github.com/zhouzirui/mission-mentor/backend/internal/model/chat"
	"github.com/zhouzirui/mission-mentor/backend/internal/model/mission"
	"github.com/zhouzirui/mission-mentor/backend/internal/service/ai/aitest"
	chat "github.com/zhouzirui/mission-mentor/backend/internal/service/chat"
	"github.com/zhouzirui/mission-mentor/backend/pkg/apperr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

type fixture struct {
	engine    *chat.Engine
	missions  *mission.MemoryStore
	sessions  *chatmodel.MemoryStore
	completer *aitest.Scripted
}

func newFixture(t *testing.T, missions ...mission.Mission) *fixture {
	t.Helper()
	if len(missions) == 0 {
		missions = []mission.Mission{{
			ID:          "ethics",
			Title:       "Ethics 101",
			MainContent: "Discuss ethics",
			Examples:    []string{"ex1", "ex2"},
			CreatedBy:   "admin",
			AssignedTo:  []string{"teamA"},
		}}
	}
	f := &fixture{
		missions:  mission.NewMemoryStore(missions),
		sessions:  chatmodel.NewMemoryStore(),
		completer: aitest.New(),
	}
	f.completer.Respond = aitest.EchoLastUser
	f.engine = chat.NewEngine(f.missions, f.sessions, f.completer, chat.Config{
		MaxTokens:        1000,
		SummaryMaxTokens: 500,
		Timeout:          200 * time.Millisecond,
		HistoryLimit:     10,
		SummaryMaxChars:  300,
	}, zap.NewNop())
	return f
}

func missionKey(user string) chatmodel.Key {
	return chatmodel.Key{TeamID: "teamA", UserID: user, MissionID: "ethics"}
}

func TestResolveOrCreateSessionConcurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const callers = 16
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := f.engine.ResolveOrCreateSession(ctx, missionKey("u1"))
			assert.NoError(t, err)
			ids[i] = s.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	active, err := f.sessions.List(ctx, chatmodel.Filter{UserID: "u1", Status: chatmodel.StatusActive})
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestResolveReturnsExistingSessionUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.SendMessage(ctx, missionKey("u1"), "hello")
	require.NoError(t, err)

	s, err := f.engine.ResolveOrCreateSession(ctx, missionKey("u1"))
	require.NoError(t, err)
	assert.Len(t, s.Messages, 2)
}

func TestTurnsAppendInterleavedPairs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const turns = 5
	var sessionID string
	for i := 0; i < turns; i++ {
		res, err := f.engine.SendMessage(ctx, missionKey("u1"), fmt.Sprintf("message %d", i))
		require.NoError(t, err)
		sessionID = res.SessionID
	}

	s, err := f.sessions.Get(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, s.Messages, 2*turns)
	for i := 0; i < turns; i++ {
		user, reply := s.Messages[2*i], s.Messages[2*i+1]
		assert.Equal(t, chatmodel.RoleUser, user.Role)
		assert.Equal(t, fmt.Sprintf("message %d", i), user.Content)
		assert.Equal(t, chatmodel.RoleAssistant, reply.Role)
		assert.True(t, strings.HasSuffix(reply.Content, user.Content), reply.Content)
	}
}

func TestConcurrentTurnsKeepSubmissionOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.completer.Push(aitest.Step{Reply: "first answer", Delay: 50 * time.Millisecond})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := f.engine.SendMessage(ctx, missionKey("u1"), "first")
		assert.NoError(t, err)
	}()
	require.Eventually(t, func() bool { return f.completer.Calls() == 1 }, time.Second, time.Millisecond)
	go func() {
		defer wg.Done()
		_, err := f.engine.SendMessage(ctx, missionKey("u1"), "second")
		assert.NoError(t, err)
	}()
	wg.Wait()

	s, err := f.engine.ResolveOrCreateSession(ctx, missionKey("u1"))
	require.NoError(t, err)
	contents := make([]string, 0, len(s.Messages))
	for _, m := range s.Messages {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"first", "first answer", "second", "re: second"}, contents)
}

func TestStartMissionSendsPreambleButReturnsOnlyReply(t *testing.T) {
	f := newFixture(t)
	f.completer.Push(aitest.Step{Reply: "Let's talk about ethics."})

	res, err := f.engine.StartMission(context.Background(), missionKey("U"), "hi")
	require.NoError(t, err)
	require.NotNil(t, res.Turn)

	req, ok := f.completer.Last()
	require.True(t, ok)
	var sent strings.Builder
	for _, m := range req.Messages {
		sent.WriteString(m.Content)
	}
	assert.Contains(t, sent.String(), "Discuss ethics")
	assert.Contains(t, sent.String(), "ex1")
	assert.Contains(t, sent.String(), "ex2")

	assert.Equal(t, "Let's talk about ethics.", res.Turn.Reply.Content)
	assert.NotContains(t, res.Turn.Reply.Content, "ex1")
	for _, m := range res.Session.Messages {
		assert.NotContains(t, m.Content, "ex1")
	}
	assert.Equal(t, "hi", res.Session.Messages[0].Content)
}

func TestStartMissionWithoutMessageMakesNoCall(t *testing.T) {
	f := newFixture(t)
	res, err := f.engine.StartMission(context.Background(), missionKey("u1"), "")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Nil(t, res.Turn)
	assert.Empty(t, res.Session.Messages)
	assert.Equal(t, 0, f.completer.Calls())
}

func TestContinuationResendsPreambleAndHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.SendMessage(ctx, missionKey("u1"), "one")
	require.NoError(t, err)
	_, err = f.engine.SendMessage(ctx, missionKey("u1"), "two")
	require.NoError(t, err)

	reqs := f.completer.Requests()
	require.Len(t, reqs, 2)

	first := reqs[0].Messages
	require.Len(t, first, 2)
	assert.Equal(t, schema.System, first[0].Role)
	assert.NotContains(t, first[0].Content, "Discuss ethics")
	assert.True(t, strings.HasSuffix(first[1].Content, "\n\none"))

	second := reqs[1].Messages
	require.Len(t, second, 4)
	assert.Contains(t, second[0].Content, "Discuss ethics")
	assert.Equal(t, "one", second[1].Content)
	assert.Equal(t, schema.Assistant, second[2].Role)
	assert.Equal(t, "two", second[3].Content)
}

func TestTimeoutKeepsUserTurn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.SendMessage(ctx, missionKey("u1"), "turn one")
	require.NoError(t, err)

	f.completer.Push(aitest.Step{Block: true})
	_, err = f.engine.SendMessage(ctx, missionKey("u1"), "turn two")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrUnavailable))

	s, err := f.engine.ResolveOrCreateSession(ctx, missionKey("u1"))
	require.NoError(t, err)
	require.Len(t, s.Messages, 3)
	assert.Equal(t, "turn two", s.Messages[2].Content)
	assert.Equal(t, chatmodel.RoleUser, s.Messages[2].Role)
}

func TestRetryAfterFailureDuplicatesUserTurn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.completer.Push(aitest.Step{Err: errors.New("boom")})
	_, err := f.engine.SendMessage(ctx, missionKey("u1"), "again")
	require.True(t, errors.Is(err, apperr.ErrUnavailable))

	_, err = f.engine.SendMessage(ctx, missionKey("u1"), "again")
	require.NoError(t, err)

	s, err := f.engine.ResolveOrCreateSession(ctx, missionKey("u1"))
	require.NoError(t, err)
	require.Len(t, s.Messages, 3)
	assert.Equal(t, "again", s.Messages[0].Content)
	assert.Equal(t, "again", s.Messages[1].Content)

	// the unanswered turn is not replayed as history
	last, _ := f.completer.Last()
	assert.Len(t, last.Messages, 2)
}

func TestCallerCancellationDoesNotAbortTurn(t *testing.T) {
	f := newFixture(t)
	f.completer.Push(aitest.Step{Reply: "late", Delay: 30 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.engine.SendMessage(ctx, missionKey("u1"), "hello")
		done <- err
	}()
	require.Eventually(t, func() bool { return f.completer.Calls() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	s, err := f.engine.ResolveOrCreateSession(context.Background(), missionKey("u1"))
	require.NoError(t, err)
	assert.Len(t, s.Messages, 2)
}

func TestMissingMainContentRejectedBeforeCall(t *testing.T) {
	f := newFixture(t, mission.Mission{ID: "empty", Title: "Empty", IsPublic: true, CreatedBy: "admin"})
	key := chatmodel.Key{TeamID: "teamA", UserID: "u1", MissionID: "empty"}

	_, err := f.engine.SendMessage(context.Background(), key, "hello")
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = f.engine.StartMission(context.Background(), key, "hello")
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	assert.Equal(t, 0, f.completer.Calls())
	sessions, err := f.sessions.List(context.Background(), chatmodel.Filter{})
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestEmptyMessageRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.SendMessage(context.Background(), missionKey("u1"), "   ")
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	assert.Equal(t, 0, f.completer.Calls())
}

func TestMissionNotAssignedToTeam(t *testing.T) {
	f := newFixture(t)
	key := chatmodel.Key{TeamID: "teamB", UserID: "u1", MissionID: "ethics"}
	_, err := f.engine.StartMission(context.Background(), key, "")
	assert.True(t, errors.Is(err, apperr.ErrAuth))

	_, err = f.engine.SendMessage(context.Background(), chatmodel.Key{TeamID: "teamA", UserID: "u1", MissionID: "nope"}, "hi")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestCompleteMissionPlaceholderWithoutCall(t *testing.T) {
	f := newFixture(t)

	completion, err := f.engine.CompleteMission(context.Background(), missionKey("u1"))
	require.NoError(t, err)
	assert.Equal(t, chat.NoConversationSummary, completion.Summary)
	assert.Empty(t, completion.ChatHistory)
	assert.Equal(t, 0, f.completer.Calls())
}

func TestCompleteMissionSummarizesAndClosesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.SendMessage(ctx, missionKey("u1"), "what is ethics?")
	require.NoError(t, err)

	f.completer.Push(aitest.Step{Reply: "Talked about ethics."})
	completion, err := f.engine.CompleteMission(ctx, missionKey("u1"))
	require.NoError(t, err)
	assert.Equal(t, "Talked about ethics.", completion.Summary)
	assert.Len(t, completion.ChatHistory, 2)

	req, _ := f.completer.Last()
	prompt := req.Messages[len(req.Messages)-1].Content
	assert.Contains(t, prompt, "300 characters")
	assert.Contains(t, prompt, "User: what is ethics?")
	assert.Contains(t, prompt, "Assistant: re: ")
	assert.Equal(t, 500, req.MaxTokens)

	s, err := f.sessions.Get(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, chatmodel.StatusCompleted, s.Status)
	assert.Equal(t, "Talked about ethics.", s.Summary)

	m, err := f.missions.Get(ctx, "ethics")
	require.NoError(t, err)
	_, done := m.CompletionFor("u1")
	assert.True(t, done)

	// completed mission and completed session both refuse new turns
	_, err = f.engine.SendMessage(ctx, missionKey("u1"), "more")
	assert.True(t, errors.Is(err, apperr.ErrConflict))
	_, err = f.engine.StartMission(ctx, missionKey("u1"), "")
	assert.True(t, errors.Is(err, apperr.ErrConflict))
	_, err = f.engine.SendToSession(ctx, missionKey("u1"), res.SessionID, "more")
	assert.True(t, errors.Is(err, apperr.ErrConflict))
}

func TestCompleteMissionIsWriteOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.CompleteMission(ctx, missionKey("u1"))
	require.NoError(t, err)
	_, err = f.engine.CompleteMission(ctx, missionKey("u1"))
	assert.True(t, errors.Is(err, apperr.ErrConflict))

	// other users are unaffected
	_, err = f.engine.CompleteMission(ctx, missionKey("u2"))
	assert.NoError(t, err)
}

func TestCompleteMissionConcurrentCallsSucceedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.SendMessage(ctx, missionKey("u1"), "hello")
	require.NoError(t, err)

	const callers = 8
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.CompleteMission(ctx, missionKey("u1"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, conflicts int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, apperr.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, callers-1, conflicts)
	// one turn plus one summary
	assert.Equal(t, 2, f.completer.Calls())
}

func TestCompleteMissionWaitsForTurnInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.completer.Push(aitest.Step{Reply: "slow answer", Delay: 100 * time.Millisecond})

	turnErr := make(chan error, 1)
	go func() {
		_, err := f.engine.SendMessage(ctx, missionKey("u1"), "hello")
		turnErr <- err
	}()
	require.Eventually(t, func() bool { return f.completer.Calls() == 1 }, time.Second, time.Millisecond)

	completion, err := f.engine.CompleteMission(ctx, missionKey("u1"))
	require.NoError(t, err)
	require.NoError(t, <-turnErr)

	require.Len(t, completion.ChatHistory, 2)
	assert.Equal(t, "hello", completion.ChatHistory[0].Content)
	assert.Equal(t, "slow answer", completion.ChatHistory[1].Content)

	sessions, err := f.sessions.List(ctx, chatmodel.Filter{TeamID: "teamA", UserID: "u1", MissionID: "ethics"})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, chatmodel.StatusCompleted, sessions[0].Status)
	assert.Len(t, sessions[0].Messages, 2)
}

func TestCompleteMissionSummaryFailureWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.SendMessage(ctx, missionKey("u1"), "hello")
	require.NoError(t, err)

	f.completer.Push(aitest.Step{Err: errors.New("down")})
	_, err = f.engine.CompleteMission(ctx, missionKey("u1"))
	assert.True(t, errors.Is(err, apperr.ErrUnavailable))

	m, err := f.missions.Get(ctx, "ethics")
	require.NoError(t, err)
	_, done := m.CompletionFor("u1")
	assert.False(t, done)

	_, err = f.engine.CompleteMission(ctx, missionKey("u1"))
	assert.NoError(t, err)
}

func TestSummarizeChatRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := chatmodel.Key{TeamID: "teamA", UserID: "u1"}

	res, err := f.engine.SendMessage(ctx, owner, "free-form question")
	require.NoError(t, err)

	f.completer.Push(aitest.Step{Reply: "Asked a free-form question; résumé ✓"})
	summary, err := f.engine.SummarizeChat(ctx, owner, res.SessionID)
	require.NoError(t, err)

	stored, err := f.sessions.Get(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, []byte(summary), []byte(stored.Summary))
}

func TestSummarizeChatEmptyAndOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := chatmodel.Key{TeamID: "teamA", UserID: "u1"}

	s, err := f.engine.ResolveOrCreateSession(ctx, owner)
	require.NoError(t, err)

	summary, err := f.engine.SummarizeChat(ctx, owner, s.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.NoConversationSummary, summary)
	assert.Equal(t, 0, f.completer.Calls())

	_, err = f.engine.SummarizeChat(ctx, chatmodel.Key{TeamID: "teamA", UserID: "u2"}, s.ID)
	assert.True(t, errors.Is(err, apperr.ErrAuth))

	_, err = f.engine.SummarizeChat(ctx, owner, "missing")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestHistoryNewestFirstWithLimit(t *testing.T) {
	f := newFixture(t, mission.Mission{ID: "m1", Title: "One", MainContent: "c", IsPublic: true, CreatedBy: "admin"})
	ctx := context.Background()

	_, err := f.engine.SendMessage(ctx, chatmodel.Key{TeamID: "teamA", UserID: "u1"}, "free")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = f.engine.SendMessage(ctx, chatmodel.Key{TeamID: "teamA", UserID: "u1", MissionID: "m1"}, "mission")
	require.NoError(t, err)

	all, err := f.engine.History(ctx, chatmodel.Key{TeamID: "teamA", UserID: "u1"}, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "m1", all[0].MissionID)

	one, err := f.engine.History(ctx, chatmodel.Key{TeamID: "teamA", UserID: "u1"}, 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)

	scoped, err := f.engine.History(ctx, chatmodel.Key{TeamID: "teamA", UserID: "u1", MissionID: "m1"}, 10)
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "mission", scoped[0].Messages[0].Content)
}

func TestNoCompleterIsUnavailable(t *testing.T) {
	engine := chat.NewEngine(mission.NewMemoryStore(nil), chatmodel.NewMemoryStore(), nil, chat.Config{}, nil)
	_, err := engine.SendMessage(context.Background(), chatmodel.Key{TeamID: "t", UserID: "u"}, "hi")
	assert.True(t, errors.Is(err, apperr.ErrUnavailable))
}
